// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

// Package transcripts is the REST surface for transcript retrieval and
// semantic search.
package transcripts

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"

	"github.com/soundcast/soundcast/api/broadcast-api/internal/guard"
	"github.com/soundcast/soundcast/internal/embedding"
	"github.com/soundcast/soundcast/internal/entity"
	"github.com/soundcast/soundcast/internal/transcript"
	"github.com/soundcast/soundcast/pkg/commons"
)

type TranscriptApi struct {
	logger      commons.Logger
	db          *gorm.DB
	store       *transcript.Store
	index       *embedding.SqliteIndex
	broadcaster *transcript.Broadcaster
	upgrader    websocket.Upgrader
}

func NewTranscriptApi(logger commons.Logger, db *gorm.DB, store *transcript.Store,
	index *embedding.SqliteIndex, broadcaster *transcript.Broadcaster) *TranscriptApi {
	return &TranscriptApi{
		logger:      logger.Named("transcripts-api"),
		db:          db,
		store:       store,
		index:       index,
		broadcaster: broadcaster,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (a *TranscriptApi) List(c *gin.Context) {
	room, ok := guard.RoomBySlug(c, a.db)
	if !ok {
		return
	}

	opts := transcript.ListOptions{
		Limit:       intQuery(c, "limit", 0),
		Offset:      intQuery(c, "offset", 0),
		ChannelName: c.Query("channel"),
	}
	if v, err := strconv.ParseFloat(c.Query("start"), 64); err == nil {
		opts.StartTime = &v
	}
	if v, err := strconv.ParseFloat(c.Query("end"), 64); err == nil {
		opts.EndTime = &v
	}

	rows, err := a.store.GetByRoom(room.ID, opts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "transcript list failed"})
		return
	}
	total, err := a.store.CountBy(room.ID, opts.ChannelName)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "transcript list failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"segments": rows, "total": total})
}

func (a *TranscriptApi) Recent(c *gin.Context) {
	room, ok := guard.RoomBySlug(c, a.db)
	if !ok {
		return
	}
	rows, err := a.store.GetRecent(room.ID, intQuery(c, "minutes", 60), c.Query("channel"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "transcript fetch failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"segments": rows})
}

func (a *TranscriptApi) Search(c *gin.Context) {
	room, ok := guard.RoomBySlug(c, a.db)
	if !ok {
		return
	}
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q is required"})
		return
	}

	opts := embedding.SearchOptions{
		Limit:       intQuery(c, "limit", 0),
		ChannelName: c.Query("channel"),
	}
	if v, err := strconv.ParseFloat(c.Query("minScore"), 64); err == nil {
		opts.MinScore = v
	}

	results, err := a.index.SearchSimilar(c.Request.Context(), query, room.ID, opts)
	if err != nil {
		if errors.Is(err, embedding.ErrIndexDisabled) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "semantic search is disabled"})
			return
		}
		a.logger.Errorw("transcript search failed", "roomSlug", room.Slug, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "transcript search failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

type liveSegmentFrame struct {
	Type    string                   `json:"type"`
	Segment entity.TranscriptSegment `json:"segment"`
}

// Live streams fresh segments for one room over a WebSocket. The tenant
// authenticates with ?apiKey= since browsers cannot set headers on
// WebSocket upgrades.
func (a *TranscriptApi) Live(c *gin.Context) {
	var tenant entity.Tenant
	err := a.db.Where("api_key = ?", c.Query("apiKey")).First(&tenant).Error
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
		return
	}
	var room entity.Room
	err = a.db.Where("tenant_id = ? AND slug = ?", tenant.ID, c.Param("slug")).First(&room).Error
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}

	conn, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	segments, cancel := a.broadcaster.Subscribe(room.ID)
	defer cancel()

	// Reader goroutine surfaces the client closing the socket.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case seg, ok := <-segments:
			if !ok {
				conn.Close()
				return
			}
			if err := conn.WriteJSON(liveSegmentFrame{Type: "transcript-segment", Segment: seg}); err != nil {
				conn.Close()
				return
			}
		case <-done:
			conn.Close()
			return
		}
	}
}

func intQuery(c *gin.Context, name string, fallback int) int {
	if v, err := strconv.Atoi(c.Query(name)); err == nil {
		return v
	}
	return fallback
}
