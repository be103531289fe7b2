// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

package ports

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundcast/soundcast/pkg/commons"
)

func newTestArena(t *testing.T, min, max int) *Arena {
	t.Helper()
	a, err := NewArena(commons.NewNopLogger(), min, max)
	require.NoError(t, err)
	return a
}

func TestArena_AllocateReleaseRoundTrip(t *testing.T) {
	a := newTestArena(t, 50000, 50003)

	p1, err := a.Allocate(true)
	require.NoError(t, err)
	assert.Equal(t, 50000, p1)

	p2, err := a.Allocate(true)
	require.NoError(t, err)
	assert.Equal(t, 50001, p2)

	a.Release(p1, true)
	p3, err := a.Allocate(true)
	require.NoError(t, err)
	assert.Equal(t, 50000, p3, "released port should be reusable")
}

func TestArena_Exhaustion(t *testing.T) {
	a := newTestArena(t, 50000, 50001)

	_, err := a.Allocate(true)
	require.NoError(t, err)
	_, err = a.Allocate(true)
	require.NoError(t, err)

	_, err = a.Allocate(true)
	assert.True(t, errors.Is(err, ErrExhausted), "third allocation must report exhaustion")
}

func TestArena_RtcpPairReservation(t *testing.T) {
	a := newTestArena(t, 50000, 50003)

	p, err := a.Allocate(false)
	require.NoError(t, err)
	assert.Equal(t, 50000, p)
	assert.Equal(t, 2, a.InUse(), "rtcp-mux=false reserves port+1")

	// The companion port must not be handed out separately.
	p2, err := a.Allocate(true)
	require.NoError(t, err)
	assert.Equal(t, 50002, p2)

	a.Release(p, false)
	assert.Equal(t, 1, a.InUse())
}

func TestArena_InvalidRange(t *testing.T) {
	_, err := NewArena(commons.NewNopLogger(), 100, 50)
	assert.Error(t, err)
}

func TestArena_ConcurrentAllocateIsDisjoint(t *testing.T) {
	a := newTestArena(t, 50000, 50063)

	var mu sync.Mutex
	seen := make(map[int]int)
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := a.Allocate(true)
			if err != nil {
				return
			}
			mu.Lock()
			seen[p]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 64)
	for port, count := range seen {
		assert.Equal(t, 1, count, "port %d allocated more than once", port)
		assert.GreaterOrEqual(t, port, 50000)
		assert.LessOrEqual(t, port, 50063)
	}
}
