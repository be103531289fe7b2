// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

package fork

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundcast/soundcast/internal/ports"
	"github.com/soundcast/soundcast/internal/sfu"
	"github.com/soundcast/soundcast/internal/sfu/mock"
	"github.com/soundcast/soundcast/pkg/commons"
)

// newTestForker uses /bin/true as the converter: it starts and exits
// immediately, which is enough to drive the lifecycle.
func newTestForker(t *testing.T, adapter *mock.Adapter, min, max int) (*Forker, *ports.Arena) {
	t.Helper()
	arena, err := ports.NewArena(commons.NewNopLogger(), min, max)
	require.NoError(t, err)
	return NewForker(commons.NewNopLogger(), adapter, arena, "/bin/true"), arena
}

func TestFork_LifecycleReleasesEverything(t *testing.T) {
	adapter := mock.NewAdapter()
	forker, arena := newTestForker(t, adapter, 50000, 50003)

	transport, err := adapter.CreateWebRtcTransport(sfu.TransportOptions{})
	require.NoError(t, err)
	producer, err := transport.Produce("audio", nil)
	require.NoError(t, err)

	fk, err := forker.StartRecordingFork(producer.ID(), t.TempDir()+"/out.ogg", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, arena.InUse())

	sdpBytes, err := os.ReadFile(fk.sdpPath)
	require.NoError(t, err)
	assert.Contains(t, string(sdpBytes), "m=audio 50000 RTP/AVP 111")

	require.Len(t, adapter.PlainTransports, 1)
	pt := adapter.PlainTransports[0]
	assert.Equal(t, "127.0.0.1", pt.ConnectedIP)
	assert.Equal(t, 50000, pt.ConnectedPort)

	fk.Stop()
	assert.Equal(t, 0, arena.InUse(), "port released on stop")
	assert.True(t, pt.IsClosed())
	_, err = os.Stat(fk.sdpPath)
	assert.True(t, os.IsNotExist(err), "sdp file removed on stop")

	// Stop must be idempotent.
	fk.Stop()
	assert.Equal(t, 0, arena.InUse())
}

func TestFork_PortExhaustionSurfaced(t *testing.T) {
	adapter := mock.NewAdapter()
	forker, arena := newTestForker(t, adapter, 50000, 50000)

	transport, err := adapter.CreateWebRtcTransport(sfu.TransportOptions{})
	require.NoError(t, err)
	producer, err := transport.Produce("audio", nil)
	require.NoError(t, err)

	fk, err := forker.StartRecordingFork(producer.ID(), t.TempDir()+"/a.ogg", nil)
	require.NoError(t, err)
	defer fk.Stop()

	_, err = forker.StartRecordingFork(producer.ID(), t.TempDir()+"/b.ogg", nil)
	assert.True(t, errors.Is(err, ports.ErrExhausted))
	assert.Equal(t, 1, arena.InUse(), "failed start must not leak ports")
}

func TestFork_ConsumeFailureRollsBack(t *testing.T) {
	adapter := mock.NewAdapter()
	forker, arena := newTestForker(t, adapter, 50000, 50003)

	_, err := forker.StartRecordingFork("no-such-producer", t.TempDir()+"/x.ogg", nil)
	require.Error(t, err)
	assert.Equal(t, 0, arena.InUse())
	require.Len(t, adapter.PlainTransports, 1)
	assert.True(t, adapter.PlainTransports[0].IsClosed(), "transport closed on rollback")
}
