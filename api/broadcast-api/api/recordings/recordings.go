// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

// Package recordings is the REST surface for the recording lifecycle.
package recordings

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/soundcast/soundcast/api/broadcast-api/internal/guard"
	"github.com/soundcast/soundcast/internal/entity"
	"github.com/soundcast/soundcast/internal/recording"
	"github.com/soundcast/soundcast/pkg/commons"
)

type RecordingApi struct {
	logger  commons.Logger
	db      *gorm.DB
	manager *recording.Manager
}

func NewRecordingApi(logger commons.Logger, db *gorm.DB, manager *recording.Manager) *RecordingApi {
	return &RecordingApi{logger: logger.Named("recordings-api"), db: db, manager: manager}
}

func (a *RecordingApi) Start(c *gin.Context) {
	room, ok := guard.RoomBySlug(c, a.db)
	if !ok {
		return
	}
	rec, err := a.manager.Start(room)
	if err != nil {
		if errors.Is(err, recording.ErrConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "room is already recording"})
			return
		}
		a.logger.Errorw("recording start failed", "roomSlug", room.Slug, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "recording start failed"})
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (a *RecordingApi) Stop(c *gin.Context) {
	room, ok := guard.RoomBySlug(c, a.db)
	if !ok {
		return
	}
	rec, err := a.manager.Stop(room.ID)
	if err != nil {
		if errors.Is(err, recording.ErrNotRecording) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room is not recording"})
			return
		}
		a.logger.Errorw("recording stop failed", "roomSlug", room.Slug, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "recording stop failed"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (a *RecordingApi) List(c *gin.Context) {
	room, ok := guard.RoomBySlug(c, a.db)
	if !ok {
		return
	}
	var out []entity.Recording
	if err := a.db.Preload("Tracks").
		Where("room_id = ?", room.ID).
		Order("started_at DESC").
		Find(&out).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "recording list failed"})
		return
	}
	c.JSON(http.StatusOK, out)
}

func (a *RecordingApi) Active(c *gin.Context) {
	room, ok := guard.RoomBySlug(c, a.db)
	if !ok {
		return
	}
	rec := a.manager.Active(room.ID)
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room is not recording"})
		return
	}
	c.JSON(http.StatusOK, rec)
}
