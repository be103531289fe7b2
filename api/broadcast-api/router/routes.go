// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

package broadcast_routers

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	recordingsApi "github.com/soundcast/soundcast/api/broadcast-api/api/recordings"
	roomsApi "github.com/soundcast/soundcast/api/broadcast-api/api/rooms"
	signalingApi "github.com/soundcast/soundcast/api/broadcast-api/api/signaling"
	transcriptsApi "github.com/soundcast/soundcast/api/broadcast-api/api/transcripts"
	"github.com/soundcast/soundcast/api/broadcast-api/internal/guard"
	"github.com/soundcast/soundcast/config"
	"github.com/soundcast/soundcast/internal/embedding"
	"github.com/soundcast/soundcast/internal/recording"
	"github.com/soundcast/soundcast/internal/session"
	"github.com/soundcast/soundcast/internal/stats"
	"github.com/soundcast/soundcast/internal/transcript"
	"github.com/soundcast/soundcast/pkg/commons"
)

// Deps bundles everything the HTTP boundary needs from main.
type Deps struct {
	DB          *gorm.DB
	Core        *session.CoreServer
	Aggregator  *stats.Aggregator
	Recordings  *recording.Manager
	Transcripts *transcript.Store
	SearchIndex *embedding.SqliteIndex
	Broadcaster *transcript.Broadcaster
}

// RegisterRoutes wires CORS, the REST CRUD, the WebSocket endpoints and
// the health probes onto the engine.
func RegisterRoutes(cfg *config.AppConfig, engine *gin.Engine, logger commons.Logger, deps Deps) {
	engine.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Authorization", "Content-Type"},
	}))

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/readiness", func(c *gin.Context) {
		sqlDB, err := deps.DB.DB()
		if err != nil || sqlDB.Ping() != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	rooms := roomsApi.NewRoomApi(logger, deps.DB)
	recordings := recordingsApi.NewRecordingApi(logger, deps.DB, deps.Recordings)
	transcripts := transcriptsApi.NewTranscriptApi(logger, deps.DB, deps.Transcripts, deps.SearchIndex, deps.Broadcaster)
	signaling := signalingApi.NewSignalingApi(logger, cfg, deps.DB, deps.Core, deps.Aggregator)

	apiv1 := engine.Group("v1", guard.TenantAuth(logger, deps.DB))
	{
		apiv1.POST("/rooms", rooms.Create)
		apiv1.GET("/rooms", rooms.List)
		apiv1.GET("/rooms/:slug", rooms.Get)
		apiv1.DELETE("/rooms/:slug", rooms.Delete)

		apiv1.POST("/rooms/:slug/publishers", rooms.CreatePublisher)
		apiv1.GET("/rooms/:slug/publishers", rooms.ListPublishers)
		apiv1.DELETE("/rooms/:slug/publishers/:id", rooms.DeletePublisher)

		apiv1.POST("/rooms/:slug/recordings/start", recordings.Start)
		apiv1.POST("/rooms/:slug/recordings/stop", recordings.Stop)
		apiv1.GET("/rooms/:slug/recordings", recordings.List)
		apiv1.GET("/rooms/:slug/recordings/active", recordings.Active)

		apiv1.GET("/rooms/:slug/transcripts", transcripts.List)
		apiv1.GET("/rooms/:slug/transcripts/recent", transcripts.Recent)
		apiv1.GET("/rooms/:slug/transcripts/search", transcripts.Search)
	}

	engine.GET("/ws", signaling.Signal)
	engine.GET("/ws/room/:slug/listen", signaling.Listen)
	engine.GET("/ws/room/:slug/publish", signaling.Publish)
	engine.GET("/ws/room/:slug/transcripts/live", transcripts.Live)
	engine.GET("/ws/admin", signaling.Admin)
	engine.GET("/ws/sfu-stats", signaling.SfuStats)
}
