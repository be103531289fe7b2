// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

// Package registry holds the authoritative in-memory map of active
// channels, their producers and their consumers.
package registry

import (
	"sort"
	"strings"
	"sync"

	"github.com/soundcast/soundcast/internal/sfu"
)

// MakeKey builds the full channel key "<roomSlug>:<channelName>".
func MakeKey(roomSlug, channelName string) string {
	return roomSlug + ":" + channelName
}

// SplitKey splits a full channel key into its room slug and channel name.
// Keys without a separator are treated as a bare channel name in an empty
// room slug.
func SplitKey(key string) (roomSlug, channelName string) {
	if i := strings.Index(key, ":"); i >= 0 {
		return key[:i], key[i+1:]
	}
	return "", key
}

// ProducerEntry is one live audio source in a channel, keyed by an internal
// producer id that stays stable across admin channel moves.
type ProducerEntry struct {
	Transport      sfu.Transport
	Producer       sfu.Producer
	OwningClientID string
	PublisherName  string
	SourceLanguage string
}

// ConsumerEntry is one listener-side consumer, keyed by internal consumer id.
// SourceProducerID always references a ProducerEntry in the same channel.
type ConsumerEntry struct {
	Transport           sfu.Transport
	Consumer            sfu.Consumer
	SubscribingClientID string
	DisplayName         string
	SourceProducerID    string
}

// Channel is one named broadcast slot. All mutations of the two maps happen
// under the channel lock, via Registry.WithChannel.
type Channel struct {
	mu        sync.Mutex
	Key       string
	Producers map[string]*ProducerEntry
	Consumers map[string]*ConsumerEntry
}

func newChannel(key string) *Channel {
	return &Channel{
		Key:       key,
		Producers: make(map[string]*ProducerEntry),
		Consumers: make(map[string]*ConsumerEntry),
	}
}

// UniqueListenerCount is the number of distinct subscribing clients across
// all consumer entries. Call under the channel lock.
func (c *Channel) UniqueListenerCount() int {
	seen := make(map[string]struct{}, len(c.Consumers))
	for _, e := range c.Consumers {
		seen[e.SubscribingClientID] = struct{}{}
	}
	return len(seen)
}

// ConsumersOfProducer returns the consumer ids whose source is the given
// internal producer id. Call under the channel lock.
func (c *Channel) ConsumersOfProducer(producerID string) []string {
	var ids []string
	for id, e := range c.Consumers {
		if e.SourceProducerID == producerID {
			ids = append(ids, id)
		}
	}
	return ids
}

// Registry is the concurrent channel map. The registry lock only guards the
// map itself; per-channel state is guarded by the channel lock and is never
// held across SFU or network I/O.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*Channel
}

func New() *Registry {
	return &Registry{channels: make(map[string]*Channel)}
}

// GetOrCreate returns the channel for key, creating it atomically when
// absent.
func (r *Registry) GetOrCreate(key string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[key]; ok {
		return ch
	}
	ch := newChannel(key)
	r.channels[key] = ch
	return ch
}

// Get returns the channel for key, or nil.
func (r *Registry) Get(key string) *Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channels[key]
}

// SnapshotChannelKeys returns a sorted point-in-time list of live channel
// keys.
func (r *Registry) SnapshotChannelKeys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.channels))
	for k := range r.channels {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// WithChannel runs fn holding the channel lock for key. The channel is
// created when absent. fn must not call back into the registry for the
// same key and must not perform SFU I/O.
func (r *Registry) WithChannel(key string, fn func(ch *Channel)) {
	ch := r.GetOrCreate(key)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	fn(ch)
}

// ViewChannel runs fn holding the channel lock only when the channel
// already exists; absent channels are never created. Returns false when
// the channel was absent.
func (r *Registry) ViewChannel(key string, fn func(ch *Channel)) bool {
	ch := r.Get(key)
	if ch == nil {
		return false
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	fn(ch)
	return true
}

// WithChannels runs fn holding the locks of every listed channel at once,
// acquired in lexicographic key order so concurrent multi-channel
// operations cannot deadlock. Duplicate keys are locked once.
func (r *Registry) WithChannels(keys []string, fn func(chans map[string]*Channel)) {
	uniq := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			uniq = append(uniq, k)
		}
	}
	sort.Strings(uniq)

	chans := make(map[string]*Channel, len(uniq))
	for _, k := range uniq {
		ch := r.GetOrCreate(k)
		ch.mu.Lock()
		chans[k] = ch
	}
	defer func() {
		for i := len(uniq) - 1; i >= 0; i-- {
			chans[uniq[i]].mu.Unlock()
		}
	}()
	fn(chans)
}

// RemoveIfEmpty deletes the channel only when both maps are empty.
// Returns true when the channel was removed (or did not exist).
func (r *Registry) RemoveIfEmpty(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[key]
	if !ok {
		return true
	}
	ch.mu.Lock()
	empty := len(ch.Producers) == 0 && len(ch.Consumers) == 0
	ch.mu.Unlock()
	if empty {
		delete(r.channels, key)
	}
	return empty
}

// Remove deletes the channel unconditionally. Used by admin-delete-channel
// after every transport has been closed.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	delete(r.channels, key)
	r.mu.Unlock()
}
