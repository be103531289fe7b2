// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

// Package stats merges in-process channel statistics with stats pushed by
// remote SFUs and feeds diff-based updates to admin subscribers.
package stats

import (
	"sync"

	"github.com/soundcast/soundcast/internal/registry"
	"github.com/soundcast/soundcast/pkg/commons"
)

// ChannelStats counts live endpoints of one channel.
type ChannelStats struct {
	Publishers  int `json:"publishers"`
	Subscribers int `json:"subscribers"`
}

// Update is one per-channel change pushed to subscribers. ChannelName is
// the short name; the room slug travels separately.
type Update struct {
	RoomSlug    string       `json:"roomSlug"`
	ChannelName string       `json:"channelName"`
	Stats       ChannelStats `json:"stats"`
}

// LocalSource snapshots the in-process channels, keyed by full channel key.
type LocalSource interface {
	LocalChannelStats() map[string]ChannelStats
}

// Aggregator merges the local source with remote SFU pushes. Every remote
// SFU is tracked separately so its disconnect can zero exactly the channels
// it reported.
type Aggregator struct {
	mu          sync.Mutex
	logger      commons.Logger
	local       LocalSource
	remote      map[string]map[string]ChannelStats
	subscribers map[int]func(Update)
	nextSubID   int
}

func NewAggregator(logger commons.Logger, local LocalSource) *Aggregator {
	return &Aggregator{
		logger:      logger.Named("stats"),
		local:       local,
		remote:      make(map[string]map[string]ChannelStats),
		subscribers: make(map[int]func(Update)),
	}
}

// Subscribe registers a push callback and returns an unsubscribe function.
// Callbacks run on the mutating goroutine and must not block.
func (a *Aggregator) Subscribe(fn func(Update)) func() {
	a.mu.Lock()
	id := a.nextSubID
	a.nextSubID++
	a.subscribers[id] = fn
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.subscribers, id)
		a.mu.Unlock()
	}
}

// Snapshot returns the full merged mapping roomSlug → channelName → stats,
// restricted to rooms accepted by allow (nil allows everything).
func (a *Aggregator) Snapshot(allow func(roomSlug string) bool) map[string]map[string]ChannelStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]map[string]ChannelStats)
	for key, st := range a.mergedLocked() {
		slug, name := registry.SplitKey(key)
		if allow != nil && !allow(slug) {
			continue
		}
		if _, ok := out[slug]; !ok {
			out[slug] = make(map[string]ChannelStats)
		}
		out[slug][name] = st
	}
	return out
}

// NotifyLocalChange pushes the merged value of one channel after a local
// registry mutation.
func (a *Aggregator) NotifyLocalChange(channelKey string) {
	a.mu.Lock()
	st := a.mergedLocked()[channelKey]
	a.pushLocked(channelKey, st)
	a.mu.Unlock()
}

// UpdateRemote replaces one SFU's reported channel set and pushes an update
// for every channel whose merged value changed.
func (a *Aggregator) UpdateRemote(sfuID string, channels map[string]ChannelStats) {
	a.mu.Lock()
	defer a.mu.Unlock()

	before := a.mergedLocked()
	a.remote[sfuID] = channels
	after := a.mergedLocked()

	a.pushChangedLocked(before, after)
}

// RemoveRemote drops a disconnected SFU. Every channel it reported is
// re-pushed with its post-removal merged value, zero when no other source
// still carries it.
func (a *Aggregator) RemoveRemote(sfuID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	reported, ok := a.remote[sfuID]
	if !ok {
		return
	}
	delete(a.remote, sfuID)
	a.logger.Infow("remote sfu stats dropped", "sfuId", sfuID, "channels", len(reported))

	merged := a.mergedLocked()
	for key := range reported {
		a.pushLocked(key, merged[key])
	}
}

// mergedLocked sums local and remote stats per channel key.
func (a *Aggregator) mergedLocked() map[string]ChannelStats {
	merged := make(map[string]ChannelStats)
	if a.local != nil {
		for key, st := range a.local.LocalChannelStats() {
			merged[key] = st
		}
	}
	for _, channels := range a.remote {
		for key, st := range channels {
			cur := merged[key]
			cur.Publishers += st.Publishers
			cur.Subscribers += st.Subscribers
			merged[key] = cur
		}
	}
	return merged
}

func (a *Aggregator) pushChangedLocked(before, after map[string]ChannelStats) {
	for key, st := range after {
		if before[key] != st {
			a.pushLocked(key, st)
		}
	}
	for key := range before {
		if _, still := after[key]; !still {
			a.pushLocked(key, ChannelStats{})
		}
	}
}

func (a *Aggregator) pushLocked(channelKey string, st ChannelStats) {
	slug, name := registry.SplitKey(channelKey)
	update := Update{RoomSlug: slug, ChannelName: name, Stats: st}
	for _, fn := range a.subscribers {
		fn(update)
	}
}
