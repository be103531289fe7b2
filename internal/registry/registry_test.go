// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeAndSplitKey(t *testing.T) {
	key := MakeKey("demo", "main")
	assert.Equal(t, "demo:main", key)

	slug, name := SplitKey(key)
	assert.Equal(t, "demo", slug)
	assert.Equal(t, "main", name)

	// Channel names may themselves contain colons.
	slug, name = SplitKey("demo:stage:left")
	assert.Equal(t, "demo", slug)
	assert.Equal(t, "stage:left", name)

	slug, name = SplitKey("bare")
	assert.Equal(t, "", slug)
	assert.Equal(t, "bare", name)
}

func TestGetOrCreate_IsIdempotent(t *testing.T) {
	r := New()
	a := r.GetOrCreate("demo:main")
	b := r.GetOrCreate("demo:main")
	assert.Same(t, a, b)
	assert.Equal(t, []string{"demo:main"}, r.SnapshotChannelKeys())
}

func TestGetOrCreate_ConcurrentSingleInstance(t *testing.T) {
	r := New()
	const n = 64
	results := make([]*Channel, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.GetOrCreate("demo:main")
		}(i)
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		require.Same(t, results[0], results[i])
	}
}

func TestRemoveIfEmpty(t *testing.T) {
	r := New()
	r.WithChannel("demo:main", func(ch *Channel) {
		ch.Producers["p1"] = &ProducerEntry{OwningClientID: "c1"}
	})

	assert.False(t, r.RemoveIfEmpty("demo:main"), "non-empty channel must survive")
	assert.NotNil(t, r.Get("demo:main"))

	r.WithChannel("demo:main", func(ch *Channel) {
		delete(ch.Producers, "p1")
	})
	assert.True(t, r.RemoveIfEmpty("demo:main"))
	assert.Nil(t, r.Get("demo:main"))

	assert.True(t, r.RemoveIfEmpty("never:existed"))
}

func TestUniqueListenerCount(t *testing.T) {
	r := New()
	r.WithChannel("demo:main", func(ch *Channel) {
		ch.Consumers["a"] = &ConsumerEntry{SubscribingClientID: "client-1", SourceProducerID: "p1"}
		ch.Consumers["b"] = &ConsumerEntry{SubscribingClientID: "client-1", SourceProducerID: "p2"}
		ch.Consumers["c"] = &ConsumerEntry{SubscribingClientID: "client-2", SourceProducerID: "p1"}

		assert.Equal(t, 2, ch.UniqueListenerCount(),
			"one client with two consumers counts once")
	})
}

func TestConsumersOfProducer(t *testing.T) {
	r := New()
	r.WithChannel("demo:main", func(ch *Channel) {
		ch.Consumers["a"] = &ConsumerEntry{SubscribingClientID: "c1", SourceProducerID: "p1"}
		ch.Consumers["b"] = &ConsumerEntry{SubscribingClientID: "c2", SourceProducerID: "p1"}
		ch.Consumers["c"] = &ConsumerEntry{SubscribingClientID: "c3", SourceProducerID: "p2"}

		ids := ch.ConsumersOfProducer("p1")
		assert.ElementsMatch(t, []string{"a", "b"}, ids)
		assert.Empty(t, ch.ConsumersOfProducer("p3"))
	})
}

func TestWithChannels_LocksInOrderWithoutDeadlock(t *testing.T) {
	r := New()
	r.GetOrCreate("demo:a")
	r.GetOrCreate("demo:b")

	// Opposite acquisition orders must not deadlock.
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.WithChannels([]string{"demo:a", "demo:b"}, func(chans map[string]*Channel) {
				chans["demo:a"].Producers["x"] = &ProducerEntry{}
				delete(chans["demo:a"].Producers, "x")
			})
		}()
		go func() {
			defer wg.Done()
			r.WithChannels([]string{"demo:b", "demo:a"}, func(chans map[string]*Channel) {
				chans["demo:b"].Consumers["y"] = &ConsumerEntry{}
				delete(chans["demo:b"].Consumers, "y")
			})
		}()
	}
	wg.Wait()
}

func TestWithChannels_DuplicateKeysLockedOnce(t *testing.T) {
	r := New()
	r.WithChannels([]string{"demo:a", "demo:a"}, func(chans map[string]*Channel) {
		assert.Len(t, chans, 1)
	})
}
