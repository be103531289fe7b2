// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

package session

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundcast/soundcast/internal/entity"
	"github.com/soundcast/soundcast/internal/registry"
	"github.com/soundcast/soundcast/internal/sfu"
	"github.com/soundcast/soundcast/internal/sfu/mock"
	"github.com/soundcast/soundcast/pkg/commons"
)

// fakeConn records every outgoing frame; reads are never used because the
// tests drive the state machine through handle directly.
type fakeConn struct {
	mu     sync.Mutex
	frames []Envelope
	closed bool
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, v.(Envelope))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// last returns the most recent frame with the given action, if any.
func (c *fakeConn) last(action string) (Envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.frames) - 1; i >= 0; i-- {
		if c.frames[i].Action == action {
			return c.frames[i], true
		}
	}
	return Envelope{}, false
}

func (c *fakeConn) count(action string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.frames {
		if f.Action == action {
			n++
		}
	}
	return n
}

type recordedHook struct {
	mu      sync.Mutex
	started []ProducerStart
	stopped []string
}

func (h *recordedHook) OnProducerStarted(room *entity.Room, p ProducerStart) {
	h.mu.Lock()
	h.started = append(h.started, p)
	h.mu.Unlock()
}

func (h *recordedHook) OnProducerStopped(roomID int64, internalProducerID string) {
	h.mu.Lock()
	h.stopped = append(h.stopped, internalProducerID)
	h.mu.Unlock()
}

type testRig struct {
	adapter *mock.Adapter
	server  *CoreServer
	hook    *recordedHook
	room    *entity.Room
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	adapter := mock.NewAdapter()
	server := NewCoreServer(commons.NewNopLogger(), adapter, registry.New(), sfuTransportOpts())
	hook := &recordedHook{}
	server.SetProducerHook(hook)
	return &testRig{
		adapter: adapter,
		server:  server,
		hook:    hook,
		room:    &entity.Room{ID: 1, TenantID: 1, Name: "Demo", Slug: "demo"},
	}
}

func (r *testRig) newClient(pub *entity.Publisher) (*ClientSession, *fakeConn) {
	conn := &fakeConn{}
	return r.server.NewClient(conn, r.room, pub), conn
}

func drive(t *testing.T, s *ClientSession, action string, data interface{}) {
	t.Helper()
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		require.NoError(t, err)
		raw = b
	}
	s.handle(Envelope{Action: action, Data: raw})
}

func connectListener(t *testing.T, r *testRig, channelID, name string) (*ClientSession, *fakeConn) {
	t.Helper()
	s, conn := r.newClient(nil)
	drive(t, s, ActionCreateListenerTransport, createListenerRequest{ChannelID: channelID, DisplayName: name})
	_, ok := conn.last(ActionListenerTransportCreated)
	require.True(t, ok)
	drive(t, s, ActionConnectListenerTransport, map[string]interface{}{"dtlsParameters": map[string]string{"role": "client"}})
	_, ok = conn.last(ActionListenerTransportConnected)
	require.True(t, ok)
	return s, conn
}

func connectPublisher(t *testing.T, r *testRig, channelID string, pub *entity.Publisher) (*ClientSession, *fakeConn) {
	t.Helper()
	s, conn := r.newClient(pub)
	drive(t, s, ActionCreatePublisherTransport, channelRequest{ChannelID: channelID})
	_, ok := conn.last(ActionPublisherTransportCreated)
	require.True(t, ok)
	drive(t, s, ActionConnectPublisherTransport, map[string]interface{}{"dtlsParameters": map[string]string{"role": "client"}})
	_, ok = conn.last(ActionPublisherTransportConnected)
	require.True(t, ok)
	return s, conn
}

func produce(t *testing.T, s *ClientSession, conn *fakeConn) string {
	t.Helper()
	drive(t, s, ActionProduceAudio, map[string]interface{}{"rtpParameters": map[string]string{"mid": "0"}})
	frame, ok := conn.last(ActionProduced)
	require.True(t, ok)
	var p producedPayload
	require.NoError(t, json.Unmarshal(frame.Data, &p))
	require.NotEmpty(t, p.ID)
	return p.ID
}

func consume(t *testing.T, s *ClientSession) {
	t.Helper()
	drive(t, s, ActionConsumeAudio, map[string]interface{}{"rtpCapabilities": map[string]string{"codecs": "opus"}})
}

func sfuTransportOpts() sfu.TransportOptions {
	return sfu.TransportOptions{ListenIP: "127.0.0.1", EnableUDP: true}
}

func TestListenerBeforePublisher(t *testing.T) {
	r := newRig(t)

	listener, lconn := connectListener(t, r, "demo:main", "Lena")
	consume(t, listener)
	_, waiting := lconn.last(ActionWaitingForPublisher)
	assert.True(t, waiting, "no producer yet")

	alice := &entity.Publisher{RoomID: 1, Name: "Alice", ChannelName: "main", SourceLanguage: "en"}
	publisher, pconn := connectPublisher(t, r, "demo:main", alice)
	producerID := produce(t, publisher, pconn)

	// Fan-out pushes a single consumer-created object to the waiting
	// listener, referencing the internal producer id.
	frame, ok := lconn.last(ActionConsumerCreated)
	require.True(t, ok)
	var created consumerPayload
	require.NoError(t, json.Unmarshal(frame.Data, &created))
	assert.Equal(t, producerID, created.ProducerID)
	assert.Equal(t, "audio", created.Kind)

	// The publisher is told how many unique listeners it has.
	frame, ok = pconn.last(ActionListenerCount)
	require.True(t, ok)
	var count listenerCountPayload
	require.NoError(t, json.Unmarshal(frame.Data, &count))
	assert.Equal(t, 1, count.Count)
	assert.Equal(t, "demo:main", count.ChannelID)

	if h := r.hook; assert.Len(t, h.started, 1) {
		assert.Equal(t, producerID, h.started[0].InternalID)
		assert.Equal(t, "main", h.started[0].ChannelName)
		assert.Equal(t, "Alice", h.started[0].DisplayName)
	}
}

func TestConsumeAfterProducerReturnsArray(t *testing.T) {
	r := newRig(t)
	publisher, pconn := connectPublisher(t, r, "demo:main", nil)
	producerID := produce(t, publisher, pconn)

	listener, lconn := connectListener(t, r, "demo:main", "Lena")
	consume(t, listener)

	frame, ok := lconn.last(ActionConsumerCreated)
	require.True(t, ok)
	var created []consumerPayload
	require.NoError(t, json.Unmarshal(frame.Data, &created))
	require.Len(t, created, 1)
	assert.Equal(t, producerID, created[0].ProducerID)

	_, waiting := lconn.last(ActionWaitingForPublisher)
	assert.False(t, waiting)
}

func TestRoleIsStickyPerConnection(t *testing.T) {
	r := newRig(t)
	listener, lconn := connectListener(t, r, "demo:main", "Lena")

	drive(t, listener, ActionCreatePublisherTransport, channelRequest{ChannelID: "demo:main"})
	_, errFrame := lconn.last(ActionError)
	assert.True(t, errFrame, "listener cannot become publisher")

	drive(t, listener, ActionAdminCreateChannel, channelRequest{ChannelID: "demo:x"})
	frame, _ := lconn.last(ActionError)
	var ep errorPayload
	require.NoError(t, json.Unmarshal(frame.Data, &ep))
	assert.NotEmpty(t, ep.Message)
}

func TestProduceRequiresConnectedTransport(t *testing.T) {
	r := newRig(t)
	s, conn := r.newClient(nil)
	drive(t, s, ActionCreatePublisherTransport, channelRequest{ChannelID: "demo:main"})
	drive(t, s, ActionProduceAudio, map[string]interface{}{"rtpParameters": map[string]string{}})
	_, ok := conn.last(ActionError)
	assert.True(t, ok, "produce before connect is a protocol error")
	_, ok = conn.last(ActionProduced)
	assert.False(t, ok)
}

func TestStopBroadcastingCascadesAndIsIdempotent(t *testing.T) {
	r := newRig(t)
	publisher, pconn := connectPublisher(t, r, "demo:main", nil)
	producerID := produce(t, publisher, pconn)

	listener, lconn := connectListener(t, r, "demo:main", "Lena")
	consume(t, listener)

	drive(t, publisher, ActionStopBroadcasting, channelRequest{ChannelID: "demo:main"})
	_, ok := pconn.last(ActionBroadcastingStopped)
	assert.True(t, ok)

	frame, ok := lconn.last(ActionProducerStopped)
	require.True(t, ok)
	var stopped producerStoppedPayload
	require.NoError(t, json.Unmarshal(frame.Data, &stopped))
	assert.Equal(t, producerID, stopped.ProducerID)

	assert.Empty(t, r.adapter.ProducerIDs(), "SFU producer closed")
	assert.Equal(t, []string{producerID}, r.hook.stopped)

	// Stopping again is a successful no-op.
	drive(t, publisher, ActionStopBroadcasting, channelRequest{ChannelID: "demo:main"})
	assert.Equal(t, 2, pconn.count(ActionBroadcastingStopped))
	_, wasError := pconn.last(ActionError)
	assert.False(t, wasError)
}

func TestConnectionCloseActsAsStop(t *testing.T) {
	r := newRig(t)
	publisher, pconn := connectPublisher(t, r, "demo:main", nil)
	producerID := produce(t, publisher, pconn)

	listener, lconn := connectListener(t, r, "demo:main", "Lena")
	consume(t, listener)

	publisher.Close()
	publisher.Close() // idempotent

	_, ok := lconn.last(ActionProducerStopped)
	assert.True(t, ok)
	assert.Empty(t, r.adapter.ProducerIDs())
	assert.Equal(t, []string{producerID}, r.hook.stopped)

	// With the producer gone the listener holds no consumer entries, so
	// the channel empties out and is removed.
	assert.NotContains(t, r.server.registry.SnapshotChannelKeys(), "demo:main")
	drive(t, listener, ActionLeaveChannel, nil)
}

func TestLeaveChannelUpdatesListenerCount(t *testing.T) {
	r := newRig(t)
	publisher, pconn := connectPublisher(t, r, "demo:main", nil)
	produce(t, publisher, pconn)

	listener, _ := connectListener(t, r, "demo:main", "Lena")
	consume(t, listener)

	drive(t, listener, ActionLeaveChannel, nil)
	frame, ok := pconn.last(ActionListenerCount)
	require.True(t, ok)
	var count listenerCountPayload
	require.NoError(t, json.Unmarshal(frame.Data, &count))
	assert.Equal(t, 0, count.Count)

	// Leaving again is a no-op.
	drive(t, listener, ActionLeaveChannel, nil)
}

func TestAdminCreateChannelIsIdempotent(t *testing.T) {
	r := newRig(t)
	admin, aconn := r.newClient(nil)

	drive(t, admin, ActionAdminCreateChannel, channelRequest{ChannelID: "demo:news"})
	drive(t, admin, ActionAdminCreateChannel, channelRequest{ChannelID: "demo:news"})

	assert.Equal(t, 2, aconn.count(ActionChannelCreated))
	keys := r.server.registry.SnapshotChannelKeys()
	assert.Equal(t, []string{"demo:news"}, keys)
}

func TestAdminDeleteChannelForcesDisconnect(t *testing.T) {
	r := newRig(t)
	publisher, pconn := connectPublisher(t, r, "demo:main", nil)
	produce(t, publisher, pconn)
	listener, lconn := connectListener(t, r, "demo:main", "Lena")
	consume(t, listener)

	admin, aconn := r.newClient(nil)
	drive(t, admin, ActionAdminDeleteChannel, channelRequest{ChannelID: "demo:main"})

	_, ok := aconn.last(ActionChannelDeleted)
	assert.True(t, ok)
	_, ok = lconn.last(ActionForcedDisconnect)
	assert.True(t, ok, "affected listener is told to disconnect")
	assert.NotContains(t, r.server.registry.SnapshotChannelKeys(), "demo:main")
	assert.Empty(t, r.adapter.ProducerIDs())
	for _, tr := range r.adapter.Transports {
		assert.True(t, tr.IsClosed())
	}
}

func TestAdminDeleteChannelStopsPipeline(t *testing.T) {
	r := newRig(t)
	publisher, pconn := connectPublisher(t, r, "demo:main", nil)
	producerID := produce(t, publisher, pconn)

	admin, aconn := r.newClient(nil)
	drive(t, admin, ActionAdminDeleteChannel, channelRequest{ChannelID: "demo:main"})
	_, ok := aconn.last(ActionChannelDeleted)
	require.True(t, ok)

	// The evicted producer ends like a voluntary stop: forks and file
	// writers are released through the hook.
	assert.Equal(t, []string{producerID}, r.hook.stopped)

	// The publisher session no longer references the dead producer; a
	// later stop-broadcasting is a plain no-op, not a second stop.
	drive(t, publisher, ActionStopBroadcasting, channelRequest{ChannelID: "demo:main"})
	_, ok = pconn.last(ActionBroadcastingStopped)
	assert.True(t, ok)
	assert.Equal(t, []string{producerID}, r.hook.stopped)
}

func TestAdminSubscriberListingAndRemoval(t *testing.T) {
	r := newRig(t)
	publisher, pconn := connectPublisher(t, r, "demo:main", nil)
	produce(t, publisher, pconn)
	listener, lconn := connectListener(t, r, "demo:main", "Lena")
	consume(t, listener)

	admin, aconn := r.newClient(nil)
	drive(t, admin, ActionAdminGetSubscribers, nil)
	frame, ok := aconn.last(ActionChannelsSubscribers)
	require.True(t, ok)
	var subs map[string][]subscriberInfo
	require.NoError(t, json.Unmarshal(frame.Data, &subs))
	require.Len(t, subs["demo:main"], 1)
	assert.Equal(t, "Lena", subs["demo:main"][0].DisplayName)

	drive(t, admin, ActionAdminRemoveSubscriber, removeSubscriberRequest{
		ChannelID:  "demo:main",
		ConsumerID: subs["demo:main"][0].ID,
	})
	_, ok = aconn.last(ActionSubscriberRemoved)
	assert.True(t, ok)
	_, ok = lconn.last(ActionForcedDisconnect)
	assert.True(t, ok)

	drive(t, admin, ActionAdminGetSubscribers, nil)
	frame, _ = aconn.last(ActionChannelsSubscribers)
	require.NoError(t, json.Unmarshal(frame.Data, &subs))
	assert.Empty(t, subs["demo:main"])
}

func TestAdminChangePublisherChannel(t *testing.T) {
	r := newRig(t)

	listenerA, aconn := connectListener(t, r, "demo:A", "Ada")
	consume(t, listenerA)
	listenerB, bconn := connectListener(t, r, "demo:B", "Bea")
	consume(t, listenerB)

	publisher, pconn := connectPublisher(t, r, "demo:A", nil)
	producerID := produce(t, publisher, pconn)

	admin, adminConn := r.newClient(nil)
	drive(t, admin, ActionAdminChangePublisher, changePublisherRequest{
		PublisherID:  producerID,
		NewChannelID: "demo:B",
	})
	_, ok := adminConn.last(ActionAdminChannelChanged)
	require.True(t, ok)

	// The A listener loses the producer; the B listener gains it under
	// the same internal id.
	frame, ok := aconn.last(ActionProducerStopped)
	require.True(t, ok)
	var stopped producerStoppedPayload
	require.NoError(t, json.Unmarshal(frame.Data, &stopped))
	assert.Equal(t, producerID, stopped.ProducerID)

	frame, ok = bconn.last(ActionConsumerCreated)
	require.True(t, ok)
	var created consumerPayload
	require.NoError(t, json.Unmarshal(frame.Data, &created))
	assert.Equal(t, producerID, created.ProducerID)

	// The producer entry now lives in demo:B only.
	live := r.server.LiveProducers("demo")
	require.Len(t, live, 1)
	assert.Equal(t, "B", live[0].ChannelName)
	assert.Equal(t, producerID, live[0].InternalID)
}

func TestLocalChannelStats(t *testing.T) {
	r := newRig(t)
	publisher, pconn := connectPublisher(t, r, "demo:main", nil)
	produce(t, publisher, pconn)
	l1, _ := connectListener(t, r, "demo:main", "Lena")
	consume(t, l1)
	l2, _ := connectListener(t, r, "demo:main", "Niko")
	consume(t, l2)

	st := r.server.LocalChannelStats()
	require.Contains(t, st, "demo:main")
	assert.Equal(t, 1, st["demo:main"].Publishers)
	assert.Equal(t, 2, st["demo:main"].Subscribers)
}

func TestUnknownActionIsIgnored(t *testing.T) {
	r := newRig(t)
	s, conn := r.newClient(nil)
	drive(t, s, "definitely-not-an-action", nil)
	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.Empty(t, conn.frames)
}
