// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundcast/soundcast/pkg/commons"
)

type fakeLocal struct {
	channels map[string]ChannelStats
}

func (f *fakeLocal) LocalChannelStats() map[string]ChannelStats {
	return f.channels
}

type capture struct {
	updates []Update
}

func (c *capture) fn(u Update) { c.updates = append(c.updates, u) }

func (c *capture) find(room, channel string) (ChannelStats, bool) {
	for i := len(c.updates) - 1; i >= 0; i-- {
		u := c.updates[i]
		if u.RoomSlug == room && u.ChannelName == channel {
			return u.Stats, true
		}
	}
	return ChannelStats{}, false
}

func TestAggregator_SnapshotMergesLocalAndRemote(t *testing.T) {
	local := &fakeLocal{channels: map[string]ChannelStats{
		"demo:main": {Publishers: 1, Subscribers: 3},
	}}
	a := NewAggregator(commons.NewNopLogger(), local)

	a.UpdateRemote("sfu-1", map[string]ChannelStats{
		"demo:main":  {Publishers: 2, Subscribers: 5},
		"other:solo": {Publishers: 1, Subscribers: 0},
	})

	snap := a.Snapshot(nil)
	require.Contains(t, snap, "demo")
	assert.Equal(t, ChannelStats{Publishers: 3, Subscribers: 8}, snap["demo"]["main"])
	assert.Equal(t, ChannelStats{Publishers: 1, Subscribers: 0}, snap["other"]["solo"])

	// Tenant scoping drops rooms the filter rejects.
	scoped := a.Snapshot(func(slug string) bool { return slug == "demo" })
	assert.Contains(t, scoped, "demo")
	assert.NotContains(t, scoped, "other")
}

func TestAggregator_UpdateRemotePushesOnlyChanges(t *testing.T) {
	a := NewAggregator(commons.NewNopLogger(), nil)
	c := &capture{}
	unsubscribe := a.Subscribe(c.fn)
	defer unsubscribe()

	a.UpdateRemote("sfu-1", map[string]ChannelStats{
		"demo:main":  {Publishers: 1, Subscribers: 2},
		"demo:stage": {Publishers: 1, Subscribers: 0},
	})
	require.Len(t, c.updates, 2)

	// Identical re-push is silent.
	c.updates = nil
	a.UpdateRemote("sfu-1", map[string]ChannelStats{
		"demo:main":  {Publishers: 1, Subscribers: 2},
		"demo:stage": {Publishers: 1, Subscribers: 0},
	})
	assert.Empty(t, c.updates)

	// One changed, one dropped: two updates, the dropped one zeroed.
	a.UpdateRemote("sfu-1", map[string]ChannelStats{
		"demo:main": {Publishers: 1, Subscribers: 4},
	})
	require.Len(t, c.updates, 2)
	st, ok := c.find("demo", "main")
	require.True(t, ok)
	assert.Equal(t, ChannelStats{Publishers: 1, Subscribers: 4}, st)
	st, ok = c.find("demo", "stage")
	require.True(t, ok)
	assert.Equal(t, ChannelStats{}, st, "channel missing from the new push reads as empty")
}

func TestAggregator_RemoveRemoteZeroesItsChannels(t *testing.T) {
	local := &fakeLocal{channels: map[string]ChannelStats{
		"demo:main": {Publishers: 1, Subscribers: 1},
	}}
	a := NewAggregator(commons.NewNopLogger(), local)

	a.UpdateRemote("sfu-1", map[string]ChannelStats{
		"demo:main":  {Publishers: 2, Subscribers: 2},
		"demo:stage": {Publishers: 1, Subscribers: 5},
	})

	c := &capture{}
	defer a.Subscribe(c.fn)()

	a.RemoveRemote("sfu-1")
	require.Len(t, c.updates, 2)

	// Channel still carried locally keeps its local value.
	st, ok := c.find("demo", "main")
	require.True(t, ok)
	assert.Equal(t, ChannelStats{Publishers: 1, Subscribers: 1}, st)

	// Channel only the dead SFU reported goes to zero.
	st, ok = c.find("demo", "stage")
	require.True(t, ok)
	assert.Equal(t, ChannelStats{}, st)

	// Removing an unknown SFU is a no-op.
	c.updates = nil
	a.RemoveRemote("sfu-2")
	assert.Empty(t, c.updates)
}

func TestAggregator_NotifyLocalChange(t *testing.T) {
	local := &fakeLocal{channels: map[string]ChannelStats{}}
	a := NewAggregator(commons.NewNopLogger(), local)

	c := &capture{}
	defer a.Subscribe(c.fn)()

	local.channels["demo:main"] = ChannelStats{Publishers: 1, Subscribers: 0}
	a.NotifyLocalChange("demo:main")

	require.Len(t, c.updates, 1)
	assert.Equal(t, Update{
		RoomSlug:    "demo",
		ChannelName: "main",
		Stats:       ChannelStats{Publishers: 1, Subscribers: 0},
	}, c.updates[0])

	// A channel that vanished locally pushes zeros.
	delete(local.channels, "demo:main")
	a.NotifyLocalChange("demo:main")
	st, ok := c.find("demo", "main")
	require.True(t, ok)
	assert.Equal(t, ChannelStats{}, st)
}

func TestAggregator_UnsubscribeStopsDelivery(t *testing.T) {
	a := NewAggregator(commons.NewNopLogger(), nil)
	c := &capture{}
	unsubscribe := a.Subscribe(c.fn)

	a.UpdateRemote("sfu-1", map[string]ChannelStats{"demo:main": {Publishers: 1}})
	require.Len(t, c.updates, 1)

	unsubscribe()
	a.UpdateRemote("sfu-1", map[string]ChannelStats{"demo:main": {Publishers: 2}})
	assert.Len(t, c.updates, 1)
}
