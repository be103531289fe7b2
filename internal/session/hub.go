// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

// Package session drives the per-WebSocket signaling state machines and the
// fan-out of producer arrivals and departures to subscribed listeners.
package session

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/soundcast/soundcast/internal/entity"
	"github.com/soundcast/soundcast/internal/recording"
	"github.com/soundcast/soundcast/internal/registry"
	"github.com/soundcast/soundcast/internal/sfu"
	"github.com/soundcast/soundcast/internal/stats"
	"github.com/soundcast/soundcast/pkg/commons"
)

// ProducerStart carries everything the media pipeline needs to attach
// recording tracks and transcription forks to a freshly live producer.
type ProducerStart struct {
	InternalID    string
	SFUProducerID string
	ChannelName   string
	DisplayName   string
	Language      string
}

// ProducerHook is notified after a producer becomes live and after it ends.
// Implementations must tolerate concurrent calls for different producers.
type ProducerHook interface {
	OnProducerStarted(room *entity.Room, p ProducerStart)
	OnProducerStopped(roomID int64, internalProducerID string)
}

// CoreServer owns every piece of shared signaling state: the connected
// client sessions, the channel registry, the SFU adapter and the optional
// stats and pipeline hooks. There are no package-level mutables.
type CoreServer struct {
	logger        commons.Logger
	adapter       sfu.Adapter
	registry      *registry.Registry
	transportOpts sfu.TransportOptions

	aggregator *stats.Aggregator
	hook       ProducerHook

	mu      sync.RWMutex
	clients map[string]*ClientSession
}

func NewCoreServer(logger commons.Logger, adapter sfu.Adapter, reg *registry.Registry, transportOpts sfu.TransportOptions) *CoreServer {
	return &CoreServer{
		logger:        logger.Named("session"),
		adapter:       adapter,
		registry:      reg,
		transportOpts: transportOpts,
		clients:       make(map[string]*ClientSession),
	}
}

// SetStatsAggregator wires the admin stats push. The aggregator is built
// after the server because it uses the server as its local source.
func (cs *CoreServer) SetStatsAggregator(a *stats.Aggregator) { cs.aggregator = a }

// SetProducerHook wires the recording/transcription pipeline.
func (cs *CoreServer) SetProducerHook(h ProducerHook) { cs.hook = h }

// Registry exposes the channel registry to the HTTP boundary.
func (cs *CoreServer) Registry() *registry.Registry { return cs.registry }

// NewClient registers a session for one WebSocket connection. room and
// publisher are non-nil on the room-scoped endpoints and nil on the bare
// signaling socket.
func (cs *CoreServer) NewClient(conn Conn, room *entity.Room, publisher *entity.Publisher) *ClientSession {
	s := &ClientSession{
		ID:        uuid.NewString(),
		server:    cs,
		logger:    cs.logger,
		conn:      conn,
		role:      RoleNone,
		room:      room,
		publisher: publisher,
	}
	if publisher != nil {
		s.displayName = publisher.Name
	}
	cs.mu.Lock()
	cs.clients[s.ID] = s
	cs.mu.Unlock()
	cs.logger.Debugw("client connected", "clientId", s.ID)
	return s
}

func (cs *CoreServer) unregister(clientID string) {
	cs.mu.Lock()
	delete(cs.clients, clientID)
	cs.mu.Unlock()
}

func (cs *CoreServer) client(clientID string) *ClientSession {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.clients[clientID]
}

// sendTo pushes a frame to one connected client; silently dropped when the
// client is already gone.
func (cs *CoreServer) sendTo(clientID, action string, data interface{}) {
	if s := cs.client(clientID); s != nil {
		s.send(action, data)
	}
}

// broadcastChannelList pushes the current channel key list to every
// connected session. Called after every channel-set change.
func (cs *CoreServer) broadcastChannelList() {
	payload := channelListPayload{Channels: cs.registry.SnapshotChannelKeys()}
	cs.mu.RLock()
	sessions := make([]*ClientSession, 0, len(cs.clients))
	for _, s := range cs.clients {
		sessions = append(sessions, s)
	}
	cs.mu.RUnlock()
	for _, s := range sessions {
		s.send(ActionChannelList, payload)
	}
}

// notifyPublishersListenerCount pushes the unique-listener count of a
// channel to every publisher in it.
func (cs *CoreServer) notifyPublishersListenerCount(channelKey string) {
	var count int
	var owners []string
	cs.registry.ViewChannel(channelKey, func(ch *registry.Channel) {
		count = ch.UniqueListenerCount()
		for _, e := range ch.Producers {
			owners = append(owners, e.OwningClientID)
		}
	})
	payload := listenerCountPayload{Count: count, ChannelID: channelKey}
	for _, owner := range owners {
		cs.sendTo(owner, ActionListenerCount, payload)
	}
}

// listenersInChannel snapshots the sessions eligible for fan-out: role
// listener, same channel, receiver capabilities cached, transport ready.
func (cs *CoreServer) listenersInChannel(channelKey string) []*ClientSession {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	var out []*ClientSession
	for _, s := range cs.clients {
		if s.isEligibleListener(channelKey) {
			out = append(out, s)
		}
	}
	return out
}

// fanOutProducer attaches every eligible listener in the channel to a newly
// arrived producer. A failure on one consumer never aborts the loop.
func (cs *CoreServer) fanOutProducer(channelKey, internalID string, producer sfu.Producer) {
	for _, l := range cs.listenersInChannel(channelKey) {
		caps, transport := l.receiverState()
		if transport == nil || caps == nil {
			continue
		}
		if !cs.adapter.CanConsume(producer.ID(), caps) {
			continue
		}
		consumer, err := transport.Consume(producer.ID(), caps, false)
		if err != nil {
			cs.logger.Warnw("fan-out consume failed", "clientId", l.ID, "producerId", internalID, "error", err)
			continue
		}
		consumerID := uuid.NewString()
		inserted := false
		cs.registry.ViewChannel(channelKey, func(ch *registry.Channel) {
			if _, live := ch.Producers[internalID]; !live {
				return
			}
			ch.Consumers[consumerID] = &registry.ConsumerEntry{
				Transport:           transport,
				Consumer:            consumer,
				SubscribingClientID: l.ID,
				DisplayName:         l.DisplayName(),
				SourceProducerID:    internalID,
			}
			inserted = true
		})
		if !inserted {
			// Producer left while we were consuming; compensate.
			consumer.Close()
			continue
		}
		l.send(ActionConsumerCreated, consumerPayload{
			ID:            consumerID,
			ProducerID:    internalID,
			Kind:          consumer.Kind(),
			RtpParameters: consumer.RtpParameters(),
		})
	}
}

// removeProducer deletes a producer entry and cascades to every consumer
// fed by it: consumers are closed and their listeners get producer-stopped.
// When closeMedia is false the SFU producer and transport are left open,
// used by admin channel moves.
func (cs *CoreServer) removeProducer(channelKey, internalID string, closeMedia bool) bool {
	var entry *registry.ProducerEntry
	var orphans []*registry.ConsumerEntry
	cs.registry.ViewChannel(channelKey, func(ch *registry.Channel) {
		entry = ch.Producers[internalID]
		if entry == nil {
			return
		}
		delete(ch.Producers, internalID)
		for _, cid := range ch.ConsumersOfProducer(internalID) {
			orphans = append(orphans, ch.Consumers[cid])
			delete(ch.Consumers, cid)
		}
	})
	if entry == nil {
		return false
	}

	for _, o := range orphans {
		o.Consumer.Close()
		cs.sendTo(o.SubscribingClientID, ActionProducerStopped, producerStoppedPayload{ProducerID: internalID})
	}
	if closeMedia {
		entry.Producer.Close()
		entry.Transport.Close()
	}

	if owner := cs.client(entry.OwningClientID); owner != nil && cs.hook != nil {
		if room := owner.Room(); room != nil {
			cs.hook.OnProducerStopped(room.ID, internalID)
		}
	}

	cs.registry.RemoveIfEmpty(channelKey)
	cs.broadcastChannelList()
	cs.statsChanged(channelKey)
	cs.notifyPublishersListenerCount(channelKey)
	return true
}

// removeListener closes and deletes every consumer entry owned by the
// client in its channel. The listener's own transport is untouched.
func (cs *CoreServer) removeListener(channelKey, clientID string) {
	if channelKey == "" {
		return
	}
	var closed []*registry.ConsumerEntry
	cs.registry.ViewChannel(channelKey, func(ch *registry.Channel) {
		for cid, e := range ch.Consumers {
			if e.SubscribingClientID == clientID {
				closed = append(closed, e)
				delete(ch.Consumers, cid)
			}
		}
	})
	for _, e := range closed {
		e.Consumer.Close()
	}
	cs.registry.RemoveIfEmpty(channelKey)
	cs.statsChanged(channelKey)
	cs.notifyPublishersListenerCount(channelKey)
}

func (cs *CoreServer) statsChanged(channelKey string) {
	if cs.aggregator != nil {
		cs.aggregator.NotifyLocalChange(channelKey)
	}
}

// LocalChannelStats implements stats.LocalSource over the registry.
func (cs *CoreServer) LocalChannelStats() map[string]stats.ChannelStats {
	out := make(map[string]stats.ChannelStats)
	for _, key := range cs.registry.SnapshotChannelKeys() {
		cs.registry.ViewChannel(key, func(ch *registry.Channel) {
			out[key] = stats.ChannelStats{
				Publishers:  len(ch.Producers),
				Subscribers: ch.UniqueListenerCount(),
			}
		})
	}
	return out
}

// LiveProducers implements recording.ProducerLister: every producer across
// all channels of the room, identified by internal id.
func (cs *CoreServer) LiveProducers(roomSlug string) []recording.ProducerInfo {
	prefix := roomSlug + ":"
	var out []recording.ProducerInfo
	for _, key := range cs.registry.SnapshotChannelKeys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		_, channelName := registry.SplitKey(key)
		cs.registry.ViewChannel(key, func(ch *registry.Channel) {
			for id, e := range ch.Producers {
				out = append(out, recording.ProducerInfo{
					InternalID:    id,
					SFUProducerID: e.Producer.ID(),
					ChannelName:   channelName,
					DisplayName:   e.PublisherName,
					Language:      e.SourceLanguage,
				})
			}
		})
	}
	return out
}

// CloseAll tears down every connected session, used on shutdown.
func (cs *CoreServer) CloseAll() {
	cs.mu.RLock()
	sessions := make([]*ClientSession, 0, len(cs.clients))
	for _, s := range cs.clients {
		sessions = append(sessions, s)
	}
	cs.mu.RUnlock()
	for _, s := range sessions {
		s.Close()
	}
}
