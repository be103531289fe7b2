// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

package signaling

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/soundcast/soundcast/config"
	"github.com/soundcast/soundcast/internal/entity"
	"github.com/soundcast/soundcast/internal/registry"
	"github.com/soundcast/soundcast/internal/session"
	"github.com/soundcast/soundcast/internal/sfu"
	"github.com/soundcast/soundcast/internal/sfu/mock"
	"github.com/soundcast/soundcast/internal/stats"
	"github.com/soundcast/soundcast/pkg/commons"
	"github.com/soundcast/soundcast/pkg/connectors"
)

type wsFixture struct {
	server     *httptest.Server
	db         *gorm.DB
	core       *session.CoreServer
	aggregator *stats.Aggregator
	joinToken  string
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	conn, err := connectors.NewSqliteConnector(commons.NewNopLogger(), t.TempDir()+"/ws.db", "")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	db := conn.DB()

	require.NoError(t, db.Create(&entity.Tenant{Name: "acme", APIKey: "key-acme", CreatedAt: time.Now()}).Error)
	room := entity.Room{
		TenantID:       1,
		Name:           "Demo",
		Slug:           "demo",
		IsLocalOnly:    true,
		SfuURL:         "ws://sfu.local:3000/ws",
		IceServersJSON: "[]",
		CreatedAt:      time.Now(),
	}
	require.NoError(t, db.Create(&room).Error)

	joinToken := "join-token-alice"
	hash, err := bcrypt.GenerateFromPassword([]byte(joinToken), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, db.Create(&entity.Publisher{
		RoomID:        room.ID,
		Name:          "Alice",
		ChannelName:   "main",
		JoinTokenHash: string(hash),
		CreatedAt:     time.Now(),
	}).Error)

	core := session.NewCoreServer(commons.NewNopLogger(), mock.NewAdapter(), registry.New(),
		sfu.TransportOptions{ListenIP: "127.0.0.1", EnableUDP: true})
	aggregator := stats.NewAggregator(commons.NewNopLogger(), core)
	core.SetStatsAggregator(aggregator)

	cfg := &config.AppConfig{HTTPSPort: 3443, SfuSecretKey: "sfu-secret"}
	api := NewSignalingApi(commons.NewNopLogger(), cfg, db, core, aggregator)

	engine := gin.New()
	engine.GET("/ws", api.Signal)
	engine.GET("/ws/room/:slug/listen", api.Listen)
	engine.GET("/ws/room/:slug/publish", api.Publish)
	engine.GET("/ws/admin", api.Admin)
	engine.GET("/ws/sfu-stats", api.SfuStats)

	server := httptest.NewServer(engine)
	t.Cleanup(server.Close)

	return &wsFixture{server: server, db: db, core: core, aggregator: aggregator, joinToken: joinToken}
}

func (f *wsFixture) dial(t *testing.T, path string, headers http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, headers)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn, out interface{}) {
	t.Helper()
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, out))
}

func TestListenConfigHandshake(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "/ws/room/demo/listen", nil)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "get-config"}))
	var frame configFrame
	readFrame(t, conn, &frame)

	assert.Equal(t, "config", frame.Type)
	assert.Equal(t, "demo", frame.Data.RoomSlug)
	assert.True(t, frame.Data.IsLocalOnly)
	assert.Equal(t, "ws://sfu.local:3000/ws", frame.Data.SfuURL, "plain connection keeps ws scheme")
	assert.Empty(t, frame.Data.ChannelName)
	assert.NotNil(t, frame.Data.Channels)

	// After the handshake the socket is a live signaling session.
	require.NoError(t, conn.WriteJSON(map[string]string{"action": "get-rtpCapabilities"}))
	var env session.Envelope
	readFrame(t, conn, &env)
	assert.Equal(t, session.ActionRtpCapabilities, env.Action)
}

func TestListenRewritesSfuURLWhenForwardedSecure(t *testing.T) {
	f := newWSFixture(t)
	headers := http.Header{}
	headers.Set("X-Forwarded-Proto", "https")
	conn := f.dial(t, "/ws/room/demo/listen", headers)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "get-config"}))
	var frame configFrame
	readFrame(t, conn, &frame)
	assert.Equal(t, "wss://sfu.local:3443/ws", frame.Data.SfuURL)
}

func TestPublishRequiresValidToken(t *testing.T) {
	f := newWSFixture(t)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/room/demo/publish?token=wrong"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn := f.dial(t, "/ws/room/demo/publish?token="+f.joinToken, nil)
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "get-config"}))
	var frame configFrame
	readFrame(t, conn, &frame)
	assert.Equal(t, "main", frame.Data.ChannelName, "publisher config names its channel")
}

func TestAdminStatsMerge(t *testing.T) {
	f := newWSFixture(t)

	admin := f.dial(t, "/ws/admin?apiKey=key-acme", nil)
	var snapshot channelStatsFrame
	readFrame(t, admin, &snapshot)
	assert.Equal(t, "channel-stats", snapshot.Type)

	// A remote SFU pushes stats for a channel of the tenant's room.
	remote := f.dial(t, "/ws/sfu-stats?secretKey=sfu-secret", nil)
	require.NoError(t, remote.WriteJSON(sfuStatsFrame{
		Type: "stats-update",
		Channels: map[string]stats.ChannelStats{
			"demo:other": {Publishers: 1, Subscribers: 3},
		},
	}))

	var update channelUpdateFrame
	readFrame(t, admin, &update)
	assert.Equal(t, "channel-update", update.Type)
	assert.Equal(t, "demo", update.RoomSlug)
	assert.Equal(t, "other", update.ChannelName)
	assert.Equal(t, 1, update.Publishers)
	assert.Equal(t, 3, update.Subscribers)

	// Remote disconnect zeroes its channels.
	remote.Close()
	readFrame(t, admin, &update)
	assert.Equal(t, "other", update.ChannelName)
	assert.Zero(t, update.Publishers)
	assert.Zero(t, update.Subscribers)
}

func TestAdminRejectsUnknownAPIKey(t *testing.T) {
	f := newWSFixture(t)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/admin?apiKey=bogus"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSfuStatsRejectsBadSecret(t *testing.T) {
	f := newWSFixture(t)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/sfu-stats?secretKey=nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRewriteSecureURL(t *testing.T) {
	assert.Equal(t, "wss://sfu.local:3443/ws", RewriteSecureURL("ws://sfu.local:3000/ws", 3443))
	assert.Equal(t, "https://sfu.local:3443/path", RewriteSecureURL("http://sfu.local:8080/path", 3443))
	assert.Equal(t, "wss://sfu.local/ws", RewriteSecureURL("wss://sfu.local/ws", 0))
	assert.Equal(t, "", RewriteSecureURL("", 3443))
}
