// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

// Package signaling owns every WebSocket endpoint: the signaling socket,
// the room-scoped config handshakes, the tenant admin stats push and the
// remote SFU stats ingest.
package signaling

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"

	"github.com/soundcast/soundcast/config"
	"github.com/soundcast/soundcast/internal/entity"
	"github.com/soundcast/soundcast/internal/ice"
	"github.com/soundcast/soundcast/internal/registry"
	"github.com/soundcast/soundcast/internal/session"
	"github.com/soundcast/soundcast/internal/stats"
	"github.com/soundcast/soundcast/pkg/commons"
	"github.com/soundcast/soundcast/pkg/utils"
)

type SignalingApi struct {
	logger     commons.Logger
	cfg        *config.AppConfig
	db         *gorm.DB
	core       *session.CoreServer
	aggregator *stats.Aggregator
	upgrader   websocket.Upgrader
}

func NewSignalingApi(logger commons.Logger, cfg *config.AppConfig, db *gorm.DB, core *session.CoreServer, aggregator *stats.Aggregator) *SignalingApi {
	return &SignalingApi{
		logger:     logger.Named("signaling-api"),
		cfg:        cfg,
		db:         db,
		core:       core,
		aggregator: aggregator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Signal is the bare signaling socket used by admin tooling and local
// clients that already know the room config.
func (a *SignalingApi) Signal(c *gin.Context) {
	conn, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	a.core.NewClient(conn, nil, nil).Serve()
}

// configFrame is the pre-session handshake payload for the room-scoped
// endpoints.
type configFrame struct {
	Type string        `json:"type"`
	Data configPayload `json:"data"`
}

type configPayload struct {
	SfuURL      string                   `json:"sfuUrl"`
	IceServers  []map[string]interface{} `json:"iceServers"`
	IsLocalOnly bool                     `json:"isLocalOnly"`
	ChannelName string                   `json:"channelName,omitempty"`
	Channels    []string                 `json:"channels,omitempty"`
	RoomSlug    string                   `json:"roomSlug"`
}

// Listen admits a listener to a room with no token. The socket serves the
// config handshake, then becomes a regular signaling session.
func (a *SignalingApi) Listen(c *gin.Context) {
	var room entity.Room
	if err := a.db.Where("slug = ?", c.Param("slug")).First(&room).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	conn, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	if !a.serveConfig(conn, &room, nil, isSecure(c.Request)) {
		conn.Close()
		return
	}
	a.core.NewClient(conn, &room, nil).Serve()
}

// Publish admits a publisher; the join token rides the query string and is
// matched against the room's bcrypt-hashed publisher tokens.
func (a *SignalingApi) Publish(c *gin.Context) {
	var room entity.Room
	if err := a.db.Where("slug = ?", c.Param("slug")).First(&room).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	publisher := a.authenticatePublisher(&room, c.Query("token"))
	if publisher == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid publisher token"})
		return
	}

	conn, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	if !a.serveConfig(conn, &room, publisher, isSecure(c.Request)) {
		conn.Close()
		return
	}
	a.core.NewClient(conn, &room, publisher).Serve()
}

func (a *SignalingApi) authenticatePublisher(room *entity.Room, token string) *entity.Publisher {
	if token == "" {
		return nil
	}
	var publishers []entity.Publisher
	if err := a.db.Where("room_id = ?", room.ID).Find(&publishers).Error; err != nil {
		return nil
	}
	for i := range publishers {
		if utils.VerifyJoinToken(publishers[i].JoinTokenHash, token) {
			return &publishers[i]
		}
	}
	return nil
}

// serveConfig blocks until the client asks for the room config, then sends
// one config frame. Returns false when the socket died first.
func (a *SignalingApi) serveConfig(conn *websocket.Conn, room *entity.Room, publisher *entity.Publisher, secure bool) bool {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return false
		}
		var req struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &req) != nil || req.Type != "get-config" {
			continue
		}
		break
	}

	iceServers, err := ice.PrepareServers(room.IceServersJSON, time.Now())
	if err != nil {
		a.logger.Warnw("ice server preparation failed", "roomSlug", room.Slug, "error", err)
		iceServers = []map[string]interface{}{}
	}

	payload := configPayload{
		SfuURL:      room.SfuURL,
		IceServers:  iceServers,
		IsLocalOnly: room.IsLocalOnly,
		RoomSlug:    room.Slug,
	}
	if secure {
		payload.SfuURL = RewriteSecureURL(room.SfuURL, a.cfg.HTTPSPort)
	}
	if publisher != nil {
		payload.ChannelName = publisher.ChannelName
	} else {
		payload.Channels = roomChannelNames(a.core.Registry(), room.Slug)
	}

	return conn.WriteJSON(configFrame{Type: "config", Data: payload}) == nil
}

// RewriteSecureURL upgrades a ws:// SFU URL to wss:// and swaps the port
// for the HTTPS port. Invoked when the originating connection is secure.
func RewriteSecureURL(raw string, httpsPort int) string {
	if raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "https"
	}
	if httpsPort > 0 {
		u.Host = u.Hostname() + ":" + strconv.Itoa(httpsPort)
	}
	return u.String()
}

func isSecure(r *http.Request) bool {
	return r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

func roomChannelNames(reg *registry.Registry, roomSlug string) []string {
	prefix := roomSlug + ":"
	names := []string{}
	for _, key := range reg.SnapshotChannelKeys() {
		if strings.HasPrefix(key, prefix) {
			_, name := registry.SplitKey(key)
			names = append(names, name)
		}
	}
	return names
}

// ===============================
// Admin stats WebSocket
// ===============================

type channelStatsFrame struct {
	Type  string                                   `json:"type"`
	Rooms map[string]map[string]stats.ChannelStats `json:"rooms"`
}

type channelUpdateFrame struct {
	Type        string `json:"type"`
	RoomSlug    string `json:"roomSlug"`
	ChannelName string `json:"channelName"`
	Publishers  int    `json:"publishers"`
	Subscribers int    `json:"subscribers"`
}

// Admin authenticates a tenant by API key and streams channel stats: one
// full channel-stats frame on connect, then incremental channel-update
// frames until the socket closes.
func (a *SignalingApi) Admin(c *gin.Context) {
	var tenant entity.Tenant
	if err := a.db.Where("api_key = ?", c.Query("apiKey")).First(&tenant).Error; err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
		return
	}

	allowed := make(map[string]struct{})
	var rooms []entity.Room
	if err := a.db.Where("tenant_id = ?", tenant.ID).Find(&rooms).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "room lookup failed"})
		return
	}
	for _, r := range rooms {
		allowed[r.Slug] = struct{}{}
	}

	conn, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	var writeMu sync.Mutex
	writeJSON := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	snapshot := a.aggregator.Snapshot(func(slug string) bool {
		_, ok := allowed[slug]
		return ok
	})
	if err := writeJSON(channelStatsFrame{Type: "channel-stats", Rooms: snapshot}); err != nil {
		conn.Close()
		return
	}

	unsubscribe := a.aggregator.Subscribe(func(u stats.Update) {
		if _, ok := allowed[u.RoomSlug]; !ok {
			return
		}
		writeJSON(channelUpdateFrame{
			Type:        "channel-update",
			RoomSlug:    u.RoomSlug,
			ChannelName: u.ChannelName,
			Publishers:  u.Stats.Publishers,
			Subscribers: u.Stats.Subscribers,
		})
	})
	defer unsubscribe()
	defer conn.Close()

	// Drain the socket; admin connections only listen.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// ===============================
// Remote SFU stats WebSocket
// ===============================

type sfuStatsFrame struct {
	Type     string                        `json:"type"`
	Channels map[string]stats.ChannelStats `json:"channels"`
}

// SfuStats ingests stats pushed by a remote SFU. Each connection is one
// SFU; its channels are zeroed out when it disconnects.
func (a *SignalingApi) SfuStats(c *gin.Context) {
	if a.cfg.SfuSecretKey == "" || c.Query("secretKey") != a.cfg.SfuSecretKey {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid secret key"})
		return
	}
	conn, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sfuID := uuid.NewString()
	defer a.aggregator.RemoveRemote(sfuID)
	a.logger.Infow("remote sfu connected", "sfuId", sfuID)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			a.logger.Infow("remote sfu disconnected", "sfuId", sfuID)
			return
		}
		var frame sfuStatsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			a.logger.Warnw("malformed sfu stats frame", "sfuId", sfuID, "error", err)
			continue
		}
		if frame.Type != "stats-update" {
			continue
		}
		a.aggregator.UpdateRemote(sfuID, frame.Channels)
	}
}
