// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

package ports

import (
	"errors"
	"fmt"
	"sync"

	"github.com/soundcast/soundcast/pkg/commons"
)

// ErrExhausted is returned by Allocate when every port in the configured
// range is in use. Retry is the caller's responsibility.
var ErrExhausted = errors.New("no free UDP port in range")

// Arena hands out UDP ports from a fixed inclusive range for plain-RTP
// forks. Recording and transcription each get their own Arena over
// disjoint ranges; each Arena is guarded by its own mutex.
type Arena struct {
	mu     sync.Mutex
	logger commons.Logger
	min    int
	max    int
	used   map[int]bool
}

// NewArena creates an arena over the inclusive range [min, max].
func NewArena(logger commons.Logger, min, max int) (*Arena, error) {
	if min <= 0 || max < min {
		return nil, fmt.Errorf("invalid port range [%d, %d]", min, max)
	}
	return &Arena{
		logger: logger,
		min:    min,
		max:    max,
		used:   make(map[int]bool),
	}, nil
}

// Allocate returns the first free port in the range. When rtcpMux is false
// the allocation also reserves port+1 for RTCP, per RFC 3550 convention;
// in that case only even base ports are considered.
func (a *Arena) Allocate(rtcpMux bool) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.min; port <= a.max; port++ {
		if a.used[port] {
			continue
		}
		if rtcpMux {
			a.used[port] = true
			a.logger.Debugw("allocated RTP port", "port", port)
			return port, nil
		}
		// rtcp-mux=false: reserve the RTCP companion on port+1.
		if port%2 != 0 || port+1 > a.max || a.used[port+1] {
			continue
		}
		a.used[port] = true
		a.used[port+1] = true
		a.logger.Debugw("allocated RTP/RTCP port pair", "rtp", port, "rtcp", port+1)
		return port, nil
	}

	return 0, fmt.Errorf("%w [%d, %d] (%d in use)", ErrExhausted, a.min, a.max, len(a.used))
}

// Release returns a port (and its RTCP companion when one was reserved)
// to the free pool. Releasing an unallocated port is a no-op.
func (a *Arena) Release(port int, rtcpMux bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.used, port)
	if !rtcpMux {
		delete(a.used, port+1)
	}
}

// InUse returns the number of currently allocated ports.
func (a *Arena) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.used)
}

// Range returns the configured inclusive bounds.
func (a *Arena) Range() (int, int) {
	return a.min, a.max
}
