// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

// Package rooms is the REST surface for rooms and their publishers.
package rooms

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/soundcast/soundcast/api/broadcast-api/internal/guard"
	"github.com/soundcast/soundcast/internal/entity"
	"github.com/soundcast/soundcast/pkg/commons"
	"github.com/soundcast/soundcast/pkg/utils"
)

type RoomApi struct {
	logger commons.Logger
	db     *gorm.DB
}

func NewRoomApi(logger commons.Logger, db *gorm.DB) *RoomApi {
	return &RoomApi{logger: logger.Named("rooms-api"), db: db}
}

type createRoomRequest struct {
	Name           string `json:"name" binding:"required"`
	IsLocalOnly    *bool  `json:"isLocalOnly"`
	SfuURL         string `json:"sfuUrl"`
	IceServersJSON string `json:"iceServersJson"`
}

func (a *RoomApi) Create(c *gin.Context) {
	tenant := guard.CurrentTenant(c)
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if utils.IsEmpty(req.Name) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name must not be blank"})
		return
	}

	room := entity.Room{
		TenantID:       tenant.ID,
		Name:           req.Name,
		Slug:           a.uniqueSlug(req.Name),
		IsLocalOnly:    true,
		SfuURL:         req.SfuURL,
		IceServersJSON: "[]",
		CreatedAt:      time.Now(),
	}
	if req.IsLocalOnly != nil {
		room.IsLocalOnly = *req.IsLocalOnly
	}
	if req.IceServersJSON != "" {
		room.IceServersJSON = req.IceServersJSON
	}

	if err := a.db.Create(&room).Error; err != nil {
		if isUniqueViolation(err) {
			c.JSON(http.StatusConflict, gin.H{"error": "room name already in use"})
			return
		}
		a.logger.Errorw("room create failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "room create failed"})
		return
	}
	c.JSON(http.StatusCreated, room)
}

func (a *RoomApi) List(c *gin.Context) {
	tenant := guard.CurrentTenant(c)
	var out []entity.Room
	if err := a.db.Where("tenant_id = ?", tenant.ID).Order("id ASC").Find(&out).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "room list failed"})
		return
	}
	c.JSON(http.StatusOK, out)
}

func (a *RoomApi) Get(c *gin.Context) {
	room, ok := guard.RoomBySlug(c, a.db)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, room)
}

func (a *RoomApi) Delete(c *gin.Context) {
	room, ok := guard.RoomBySlug(c, a.db)
	if !ok {
		return
	}
	if err := a.db.Where("room_id = ?", room.ID).Delete(&entity.Publisher{}).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "room delete failed"})
		return
	}
	if err := a.db.Delete(room).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "room delete failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

type createPublisherRequest struct {
	Name           string `json:"name" binding:"required"`
	ChannelName    string `json:"channelName" binding:"required"`
	SourceLanguage string `json:"sourceLanguage"`
}

// CreatePublisher mints the publisher and its one-time join token. The
// clear token appears only in this response; the row keeps a bcrypt hash.
func (a *RoomApi) CreatePublisher(c *gin.Context) {
	room, ok := guard.RoomBySlug(c, a.db)
	if !ok {
		return
	}
	var req createPublisherRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	joinToken, err := utils.NewJoinToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token generation failed"})
		return
	}
	hash, err := utils.HashJoinToken(joinToken)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token generation failed"})
		return
	}

	publisher := entity.Publisher{
		RoomID:         room.ID,
		Name:           req.Name,
		ChannelName:    req.ChannelName,
		SourceLanguage: "en",
		JoinTokenHash:  hash,
		CreatedAt:      time.Now(),
	}
	if req.SourceLanguage != "" {
		publisher.SourceLanguage = req.SourceLanguage
	}

	if err := a.db.Create(&publisher).Error; err != nil {
		if isUniqueViolation(err) {
			c.JSON(http.StatusConflict, gin.H{"error": "publisher name already in use"})
			return
		}
		a.logger.Errorw("publisher create failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "publisher create failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"publisher": publisher,
		"joinToken": joinToken,
	})
}

func (a *RoomApi) ListPublishers(c *gin.Context) {
	room, ok := guard.RoomBySlug(c, a.db)
	if !ok {
		return
	}
	var out []entity.Publisher
	if err := a.db.Where("room_id = ?", room.ID).Order("id ASC").Find(&out).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "publisher list failed"})
		return
	}
	c.JSON(http.StatusOK, out)
}

func (a *RoomApi) DeletePublisher(c *gin.Context) {
	room, ok := guard.RoomBySlug(c, a.db)
	if !ok {
		return
	}
	res := a.db.Where("room_id = ? AND id = ?", room.ID, c.Param("id")).Delete(&entity.Publisher{})
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "publisher delete failed"})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "publisher not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// uniqueSlug derives a URL-safe slug from the room name, suffixed when the
// plain form is already taken. Slugs are globally unique.
func (a *RoomApi) uniqueSlug(name string) string {
	base := slugify(name)
	if base == "" {
		base = "room"
	}
	slug := base
	for {
		var n int64
		a.db.Model(&entity.Room{}).Where("slug = ?", slug).Count(&n)
		if n == 0 {
			return slug
		}
		slug = base + "-" + uuid.NewString()[:8]
	}
}

func slugify(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.Trim(b.String(), "-")
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique")
}
