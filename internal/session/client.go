// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

package session

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/soundcast/soundcast/internal/entity"
	"github.com/soundcast/soundcast/internal/registry"
	"github.com/soundcast/soundcast/internal/sfu"
	"github.com/soundcast/soundcast/pkg/commons"
)

// Role is the session's elected role. A role is sticky once assigned; one
// connection may never publish and listen at the same time.
type Role string

const (
	RoleNone      Role = "none"
	RoleAdmin     Role = "admin"
	RolePublisher Role = "publisher"
	RoleListener  Role = "listener"
)

// Conn is the subset of the WebSocket connection the session needs.
// *websocket.Conn satisfies it directly.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	Close() error
}

// ClientSession is the state machine for one WebSocket. All of its mutable
// fields are guarded by mu; frames are written under writeMu so pushes from
// fan-out goroutines never interleave with replies.
type ClientSession struct {
	ID     string
	server *CoreServer
	logger commons.Logger
	conn   Conn

	writeMu sync.Mutex

	mu           sync.Mutex
	role         Role
	channelKey   string
	displayName  string
	transport    sfu.Transport
	connected    bool
	producerID   string
	receiverCaps json.RawMessage
	room         *entity.Room
	publisher    *entity.Publisher
	closed       bool
}

// Serve reads frames until the connection drops, handling each message to
// completion before the next. Always ends in Close.
func (s *ClientSession) Serve() {
	defer s.Close()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warnw("malformed signaling frame", "clientId", s.ID, "error", err)
			s.sendError("malformed message")
			continue
		}
		s.handle(env)
	}
}

func (s *ClientSession) handle(env Envelope) {
	switch env.Action {
	case ActionGetRtpCapabilities:
		s.send(ActionRtpCapabilities, s.server.adapter.RouterRtpCapabilities())
	case ActionGetChannels:
		s.send(ActionChannelList, channelListPayload{Channels: s.server.registry.SnapshotChannelKeys()})
	case ActionCreatePublisherTransport:
		s.handleCreatePublisherTransport(env.Data)
	case ActionConnectPublisherTransport:
		s.handleConnectTransport(env.Data, RolePublisher, ActionPublisherTransportConnected)
	case ActionProduceAudio:
		s.handleProduceAudio(env.Data)
	case ActionCreateListenerTransport:
		s.handleCreateListenerTransport(env.Data)
	case ActionConnectListenerTransport:
		s.handleConnectTransport(env.Data, RoleListener, ActionListenerTransportConnected)
	case ActionConsumeAudio:
		s.handleConsumeAudio(env.Data)
	case ActionStopBroadcasting:
		s.handleStopBroadcasting()
	case ActionLeaveChannel:
		s.handleLeaveChannel()
	case ActionAdminCreateChannel:
		s.handleAdminCreateChannel(env.Data)
	case ActionAdminDeleteChannel:
		s.handleAdminDeleteChannel(env.Data)
	case ActionAdminGetSubscribers:
		s.handleAdminGetSubscribers()
	case ActionAdminRemoveSubscriber:
		s.handleAdminRemoveSubscriber(env.Data)
	case ActionAdminChangePublisher:
		s.handleAdminChangePublisher(env.Data)
	default:
		s.logger.Debugw("unknown signaling action ignored", "clientId", s.ID, "action", env.Action)
	}
}

// ===============================
// Publisher path
// ===============================

func (s *ClientSession) handleCreatePublisherTransport(data json.RawMessage) {
	var req channelRequest
	if err := json.Unmarshal(data, &req); err != nil || req.ChannelID == "" {
		s.sendError("channelId is required")
		return
	}
	if !s.electRole(RolePublisher, req.ChannelID) {
		s.sendError("session role already assigned")
		return
	}
	transport, err := s.server.adapter.CreateWebRtcTransport(s.server.transportOpts)
	if err != nil {
		s.resetRole()
		s.sendError(fmt.Sprintf("transport creation failed: %v", err))
		return
	}
	s.setTransport(transport)
	s.server.registry.GetOrCreate(req.ChannelID)
	s.send(ActionPublisherTransportCreated, transport.Info())
}

func (s *ClientSession) handleProduceAudio(data json.RawMessage) {
	var req produceRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.sendError("malformed produce request")
		return
	}

	s.mu.Lock()
	if s.role != RolePublisher || s.transport == nil || !s.connected {
		s.mu.Unlock()
		s.sendError("publisher transport not connected")
		return
	}
	if s.producerID != "" {
		s.mu.Unlock()
		s.sendError("already producing")
		return
	}
	transport := s.transport
	channelKey := s.channelKey
	name := s.displayName
	language := "en"
	room := s.room
	if s.publisher != nil {
		if s.publisher.SourceLanguage != "" {
			language = s.publisher.SourceLanguage
		}
		name = s.publisher.Name
	}
	s.mu.Unlock()

	producer, err := transport.Produce("audio", req.RtpParameters)
	if err != nil {
		s.sendError(fmt.Sprintf("produce failed: %v", err))
		return
	}

	// The producer travels under its own internal id, never the SFU's.
	internalID := uuid.NewString()
	s.server.registry.WithChannel(channelKey, func(ch *registry.Channel) {
		ch.Producers[internalID] = &registry.ProducerEntry{
			Transport:      transport,
			Producer:       producer,
			OwningClientID: s.ID,
			PublisherName:  name,
			SourceLanguage: language,
		}
	})

	s.mu.Lock()
	s.producerID = internalID
	s.mu.Unlock()

	s.send(ActionProduced, producedPayload{ID: internalID})
	s.logger.Infow("producer live", "clientId", s.ID, "channel", channelKey, "producerId", internalID)

	s.server.fanOutProducer(channelKey, internalID, producer)
	s.server.broadcastChannelList()
	s.server.statsChanged(channelKey)
	s.server.notifyPublishersListenerCount(channelKey)

	if s.server.hook != nil && room != nil {
		_, channelName := registry.SplitKey(channelKey)
		s.server.hook.OnProducerStarted(room, ProducerStart{
			InternalID:    internalID,
			SFUProducerID: producer.ID(),
			ChannelName:   channelName,
			DisplayName:   name,
			Language:      language,
		})
	}
}

// handleStopBroadcasting is idempotent: stopping when not publishing is a
// successful no-op.
func (s *ClientSession) handleStopBroadcasting() {
	s.mu.Lock()
	channelKey := s.channelKey
	producerID := s.producerID
	s.producerID = ""
	s.mu.Unlock()

	if producerID != "" {
		s.server.removeProducer(channelKey, producerID, true)
		s.mu.Lock()
		s.transport = nil
		s.connected = false
		s.mu.Unlock()
	}
	s.send(ActionBroadcastingStopped, producerStoppedPayload{ProducerID: producerID})
}

// ===============================
// Listener path
// ===============================

func (s *ClientSession) handleCreateListenerTransport(data json.RawMessage) {
	var req createListenerRequest
	if err := json.Unmarshal(data, &req); err != nil || req.ChannelID == "" {
		s.sendError("channelId is required")
		return
	}
	if !s.electRole(RoleListener, req.ChannelID) {
		s.sendError("session role already assigned")
		return
	}
	transport, err := s.server.adapter.CreateWebRtcTransport(s.server.transportOpts)
	if err != nil {
		s.resetRole()
		s.sendError(fmt.Sprintf("transport creation failed: %v", err))
		return
	}
	s.mu.Lock()
	s.transport = transport
	if req.DisplayName != "" {
		s.displayName = req.DisplayName
	}
	s.mu.Unlock()
	s.server.registry.GetOrCreate(req.ChannelID)
	s.send(ActionListenerTransportCreated, transport.Info())
}

func (s *ClientSession) handleConsumeAudio(data json.RawMessage) {
	var req consumeRequest
	if err := json.Unmarshal(data, &req); err != nil || len(req.RtpCapabilities) == 0 {
		s.sendError("rtpCapabilities are required")
		return
	}

	s.mu.Lock()
	if s.role != RoleListener || s.transport == nil || !s.connected {
		s.mu.Unlock()
		s.sendError("listener transport not connected")
		return
	}
	s.receiverCaps = req.RtpCapabilities
	transport := s.transport
	channelKey := s.channelKey
	displayName := s.displayName
	s.mu.Unlock()

	// Snapshot the live producers, then consume outside the channel lock.
	producers := make(map[string]sfu.Producer)
	s.server.registry.ViewChannel(channelKey, func(ch *registry.Channel) {
		for id, e := range ch.Producers {
			producers[id] = e.Producer
		}
	})
	if len(producers) == 0 {
		s.send(ActionWaitingForPublisher, nil)
		return
	}

	created := make([]consumerPayload, 0, len(producers))
	for internalID, producer := range producers {
		if !s.server.adapter.CanConsume(producer.ID(), req.RtpCapabilities) {
			continue
		}
		consumer, err := transport.Consume(producer.ID(), req.RtpCapabilities, false)
		if err != nil {
			s.logger.Warnw("consume failed", "clientId", s.ID, "producerId", internalID, "error", err)
			continue
		}
		consumerID := uuid.NewString()
		inserted := false
		s.server.registry.ViewChannel(channelKey, func(ch *registry.Channel) {
			if _, live := ch.Producers[internalID]; !live {
				return
			}
			ch.Consumers[consumerID] = &registry.ConsumerEntry{
				Transport:           transport,
				Consumer:            consumer,
				SubscribingClientID: s.ID,
				DisplayName:         displayName,
				SourceProducerID:    internalID,
			}
			inserted = true
		})
		if !inserted {
			consumer.Close()
			continue
		}
		created = append(created, consumerPayload{
			ID:            consumerID,
			ProducerID:    internalID,
			Kind:          consumer.Kind(),
			RtpParameters: consumer.RtpParameters(),
		})
	}

	s.send(ActionConsumerCreated, created)
	s.server.statsChanged(channelKey)
	s.server.notifyPublishersListenerCount(channelKey)
}

// handleLeaveChannel is idempotent: leaving when not listening is a no-op.
func (s *ClientSession) handleLeaveChannel() {
	s.mu.Lock()
	if s.role != RoleListener {
		s.mu.Unlock()
		return
	}
	channelKey := s.channelKey
	transport := s.transport
	s.role = RoleNone
	s.channelKey = ""
	s.transport = nil
	s.connected = false
	s.receiverCaps = nil
	s.mu.Unlock()

	s.server.removeListener(channelKey, s.ID)
	if transport != nil {
		transport.Close()
	}
}

// ===============================
// Shared transport connect
// ===============================

func (s *ClientSession) handleConnectTransport(data json.RawMessage, want Role, reply string) {
	var req connectRequest
	if err := json.Unmarshal(data, &req); err != nil || len(req.DtlsParameters) == 0 {
		s.sendError("dtlsParameters are required")
		return
	}
	s.mu.Lock()
	transport := s.transport
	role := s.role
	s.mu.Unlock()
	if role != want || transport == nil {
		s.sendError("transport not created")
		return
	}
	answer, err := transport.Connect(req.DtlsParameters)
	if err != nil {
		s.sendError(fmt.Sprintf("transport connect failed: %v", err))
		return
	}
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	s.send(reply, connectedPayload{DtlsParameters: answer})
}

// ===============================
// Admin actions
// ===============================

func (s *ClientSession) ensureAdmin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.role {
	case RoleNone:
		s.role = RoleAdmin
		return true
	case RoleAdmin:
		return true
	default:
		return false
	}
}

func (s *ClientSession) handleAdminCreateChannel(data json.RawMessage) {
	if !s.ensureAdmin() {
		s.sendError("admin actions require an admin session")
		return
	}
	var req channelRequest
	if err := json.Unmarshal(data, &req); err != nil || req.ChannelID == "" {
		s.sendError("channelId is required")
		return
	}
	s.server.registry.GetOrCreate(req.ChannelID)
	s.server.broadcastChannelList()
	s.send(ActionChannelCreated, channelRequest{ChannelID: req.ChannelID})
}

func (s *ClientSession) handleAdminDeleteChannel(data json.RawMessage) {
	if !s.ensureAdmin() {
		s.sendError("admin actions require an admin session")
		return
	}
	var req channelRequest
	if err := json.Unmarshal(data, &req); err != nil || req.ChannelID == "" {
		s.sendError("channelId is required")
		return
	}

	producers := make(map[string]*registry.ProducerEntry)
	var consumers []*registry.ConsumerEntry
	listenerIDs := make(map[string]struct{})
	s.server.registry.ViewChannel(req.ChannelID, func(ch *registry.Channel) {
		for id, e := range ch.Producers {
			producers[id] = e
			delete(ch.Producers, id)
		}
		for id, e := range ch.Consumers {
			consumers = append(consumers, e)
			listenerIDs[e.SubscribingClientID] = struct{}{}
			delete(ch.Consumers, id)
		}
	})

	for _, e := range consumers {
		e.Consumer.Close()
		e.Transport.Close()
	}
	for id, e := range producers {
		e.Producer.Close()
		e.Transport.Close()
		// Admin eviction ends the producer like a voluntary stop: the
		// media pipeline tears down its forks and the owning session's
		// producer state is reset.
		owner := s.server.client(e.OwningClientID)
		if owner != nil {
			owner.clearProducer(id)
		}
		if s.server.hook != nil && owner != nil {
			if room := owner.Room(); room != nil {
				s.server.hook.OnProducerStopped(room.ID, id)
			}
		}
	}
	for clientID := range listenerIDs {
		s.server.sendTo(clientID, ActionForcedDisconnect, channelRequest{ChannelID: req.ChannelID})
	}

	s.server.registry.Remove(req.ChannelID)
	s.server.broadcastChannelList()
	s.server.statsChanged(req.ChannelID)
	s.send(ActionChannelDeleted, channelRequest{ChannelID: req.ChannelID})
}

func (s *ClientSession) handleAdminGetSubscribers() {
	if !s.ensureAdmin() {
		s.sendError("admin actions require an admin session")
		return
	}
	out := make(map[string][]subscriberInfo)
	for _, key := range s.server.registry.SnapshotChannelKeys() {
		subs := []subscriberInfo{}
		s.server.registry.ViewChannel(key, func(ch *registry.Channel) {
			for id, e := range ch.Consumers {
				subs = append(subs, subscriberInfo{ID: id, DisplayName: e.DisplayName})
			}
		})
		out[key] = subs
	}
	s.send(ActionChannelsSubscribers, out)
}

func (s *ClientSession) handleAdminRemoveSubscriber(data json.RawMessage) {
	if !s.ensureAdmin() {
		s.sendError("admin actions require an admin session")
		return
	}
	var req removeSubscriberRequest
	if err := json.Unmarshal(data, &req); err != nil || req.ChannelID == "" || req.ConsumerID == "" {
		s.sendError("channelId and consumerId are required")
		return
	}

	var entry *registry.ConsumerEntry
	s.server.registry.ViewChannel(req.ChannelID, func(ch *registry.Channel) {
		if e, ok := ch.Consumers[req.ConsumerID]; ok {
			entry = e
			delete(ch.Consumers, req.ConsumerID)
		}
	})
	if entry == nil {
		s.sendError("subscriber not found")
		return
	}
	entry.Consumer.Close()
	entry.Transport.Close()
	s.server.sendTo(entry.SubscribingClientID, ActionForcedDisconnect, channelRequest{ChannelID: req.ChannelID})

	s.server.registry.RemoveIfEmpty(req.ChannelID)
	s.server.statsChanged(req.ChannelID)
	s.server.notifyPublishersListenerCount(req.ChannelID)
	s.send(ActionSubscriberRemoved, removeSubscriberRequest{ChannelID: req.ChannelID, ConsumerID: req.ConsumerID})
}

// handleAdminChangePublisher moves a live producer between channels. The
// producer keeps its internal id across the move; consumers in the old
// channel are closed and listeners in the new channel are fanned in.
func (s *ClientSession) handleAdminChangePublisher(data json.RawMessage) {
	if !s.ensureAdmin() {
		s.sendError("admin actions require an admin session")
		return
	}
	var req changePublisherRequest
	if err := json.Unmarshal(data, &req); err != nil || req.PublisherID == "" || req.NewChannelID == "" {
		s.sendError("publisherId and newChannelId are required")
		return
	}

	oldKey := ""
	for _, key := range s.server.registry.SnapshotChannelKeys() {
		found := false
		s.server.registry.ViewChannel(key, func(ch *registry.Channel) {
			_, found = ch.Producers[req.PublisherID]
		})
		if found {
			oldKey = key
			break
		}
	}
	if oldKey == "" {
		s.sendError("publisher not found")
		return
	}
	if oldKey == req.NewChannelID {
		s.send(ActionAdminChannelChanged, changePublisherRequest{PublisherID: req.PublisherID, NewChannelID: req.NewChannelID})
		return
	}

	// Both channel locks held at once so no consume can interleave with
	// the move.
	var entry *registry.ProducerEntry
	var orphans []*registry.ConsumerEntry
	s.server.registry.WithChannels([]string{oldKey, req.NewChannelID}, func(chans map[string]*registry.Channel) {
		oldCh, newCh := chans[oldKey], chans[req.NewChannelID]
		entry = oldCh.Producers[req.PublisherID]
		if entry == nil {
			return
		}
		for _, cid := range oldCh.ConsumersOfProducer(req.PublisherID) {
			orphans = append(orphans, oldCh.Consumers[cid])
			delete(oldCh.Consumers, cid)
		}
		delete(oldCh.Producers, req.PublisherID)
		newCh.Producers[req.PublisherID] = entry
	})
	if entry == nil {
		s.sendError("publisher not found")
		return
	}

	for _, o := range orphans {
		o.Consumer.Close()
		s.server.sendTo(o.SubscribingClientID, ActionProducerStopped, producerStoppedPayload{ProducerID: req.PublisherID})
	}

	if owner := s.server.client(entry.OwningClientID); owner != nil {
		owner.mu.Lock()
		owner.channelKey = req.NewChannelID
		owner.mu.Unlock()
	}

	s.server.fanOutProducer(req.NewChannelID, req.PublisherID, entry.Producer)
	s.server.registry.RemoveIfEmpty(oldKey)
	s.server.broadcastChannelList()
	s.server.statsChanged(oldKey)
	s.server.statsChanged(req.NewChannelID)
	s.server.notifyPublishersListenerCount(oldKey)
	s.server.notifyPublishersListenerCount(req.NewChannelID)
	s.send(ActionAdminChannelChanged, changePublisherRequest{PublisherID: req.PublisherID, NewChannelID: req.NewChannelID})
}

// ===============================
// Lifecycle and helpers
// ===============================

// Close tears the session down; equivalent to stop-broadcasting or
// leave-channel for whichever role the connection held. Idempotent.
func (s *ClientSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	role := s.role
	channelKey := s.channelKey
	producerID := s.producerID
	transport := s.transport
	s.mu.Unlock()

	switch role {
	case RolePublisher:
		if producerID != "" {
			s.server.removeProducer(channelKey, producerID, true)
			transport = nil
		}
	case RoleListener:
		s.server.removeListener(channelKey, s.ID)
	}
	if transport != nil {
		transport.Close()
	}

	s.server.unregister(s.ID)
	s.conn.Close()
	s.logger.Debugw("client disconnected", "clientId", s.ID, "role", role)
}

// electRole assigns the publisher or listener role. Roles are sticky: a
// second election on the same connection fails.
func (s *ClientSession) electRole(role Role, channelKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role != RoleNone {
		return false
	}
	s.role = role
	s.channelKey = channelKey
	return true
}

func (s *ClientSession) resetRole() {
	s.mu.Lock()
	s.role = RoleNone
	s.channelKey = ""
	s.mu.Unlock()
}

func (s *ClientSession) setTransport(t sfu.Transport) {
	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()
}

// clearProducer resets the producing state after the session's producer was
// torn down externally (admin channel deletion). The transport is already
// closed by the caller.
func (s *ClientSession) clearProducer(internalID string) {
	s.mu.Lock()
	if s.producerID == internalID {
		s.producerID = ""
		s.transport = nil
		s.connected = false
	}
	s.mu.Unlock()
}

func (s *ClientSession) isEligibleListener(channelKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role == RoleListener && s.channelKey == channelKey &&
		s.receiverCaps != nil && s.transport != nil && s.connected
}

func (s *ClientSession) receiverState() (json.RawMessage, sfu.Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receiverCaps, s.transport
}

// DisplayName returns the name shown to admins for this session.
func (s *ClientSession) DisplayName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayName
}

// Room returns the room this session was admitted to, nil on the bare
// signaling socket.
func (s *ClientSession) Room() *entity.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

func (s *ClientSession) send(action string, data interface{}) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(Envelope{Action: action, Data: mustMarshal(data)}); err != nil {
		s.logger.Debugw("frame write failed", "clientId", s.ID, "action", action, "error", err)
	}
}

func (s *ClientSession) sendError(message string) {
	s.send(ActionError, errorPayload{Message: message})
}

func mustMarshal(data interface{}) json.RawMessage {
	if data == nil {
		return nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	return b
}
