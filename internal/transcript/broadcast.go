// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

package transcript

import (
	"sync"

	"github.com/soundcast/soundcast/internal/entity"
	"github.com/soundcast/soundcast/pkg/commons"
)

const subscriberBuffer = 64

// Broadcaster fans fresh segments out to in-process subscribers (admin
// WebSockets, REST long-pollers). Slow subscribers lose segments rather
// than stall the transcription path.
type Broadcaster struct {
	mu     sync.Mutex
	logger commons.Logger
	nextID int
	subs   map[int]subscriber
}

type subscriber struct {
	roomID int64
	ch     chan entity.TranscriptSegment
}

func NewBroadcaster(logger commons.Logger) *Broadcaster {
	return &Broadcaster{
		logger: logger.Named("transcript-live"),
		subs:   make(map[int]subscriber),
	}
}

// Subscribe returns a channel of live segments for one room and a cancel
// function. The channel is closed on cancel.
func (b *Broadcaster) Subscribe(roomID int64) (<-chan entity.TranscriptSegment, func()) {
	ch := make(chan entity.TranscriptSegment, subscriberBuffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = subscriber{roomID: roomID, ch: ch}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the segment to every subscriber of its room without
// blocking; full subscribers are skipped.
func (b *Broadcaster) Publish(seg entity.TranscriptSegment) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.roomID != seg.RoomID {
			continue
		}
		select {
		case sub.ch <- seg:
		default:
			b.logger.Debugw("live transcript subscriber full, segment dropped",
				"roomId", seg.RoomID)
		}
	}
}
