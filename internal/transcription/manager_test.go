// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

package transcription

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundcast/soundcast/internal/embedding"
	"github.com/soundcast/soundcast/internal/transcript"
	"github.com/soundcast/soundcast/pkg/commons"
	"github.com/soundcast/soundcast/pkg/connectors"
)

// fakeTranscriber is a scriptable engine: tests push segments through Emit.
type fakeTranscriber struct {
	onSegment func(Segment)
	loaded    string
	written   int
	ended     bool
}

func (f *fakeTranscriber) LoadModel(modelPath, language string, threads int) error {
	f.loaded = modelPath
	return nil
}

func (f *fakeTranscriber) Write(pcm []byte) error {
	if f.ended {
		return ErrSessionClosed
	}
	f.written += len(pcm)
	return nil
}

func (f *fakeTranscriber) OnSegment(fn func(Segment)) { f.onSegment = fn }
func (f *fakeTranscriber) End() error                 { f.ended = true; return nil }
func (f *fakeTranscriber) BufferedBytes() int         { return f.written }

func (f *fakeTranscriber) Emit(seg Segment) { f.onSegment(seg) }

func newTestManager(t *testing.T) (*Manager, *fakeTranscriber, *transcript.Store, *transcript.Broadcaster) {
	t.Helper()

	conn, err := connectors.NewSqliteConnector(commons.NewNopLogger(), t.TempDir()+"/t.db", "")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	store := transcript.NewStore(commons.NewNopLogger(), conn.DB())
	broadcaster := transcript.NewBroadcaster(commons.NewNopLogger())
	embeddings := embedding.NewService(commons.NewNopLogger(), nil, nil, false, 10, 4)

	modelDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(modelDir, "ggml-base.en.bin"), []byte("x"), 0o644))

	ft := &fakeTranscriber{}
	m := NewManager(commons.NewNopLogger(), ManagerConfig{
		Enabled:   true,
		ModelDir:  modelDir,
		ModelSize: "base",
		Threads:   2,
	}, func() TranscriberSession { return ft }, store, embeddings, broadcaster)

	return m, ft, store, broadcaster
}

func startSession(t *testing.T, m *Manager) *Session {
	t.Helper()
	sess, err := m.StartSession(SessionParams{
		RoomID:       1,
		ChannelName:  "main",
		ProducerID:   "prod-1",
		ProducerName: "Alice",
		Language:     "en",
	})
	require.NoError(t, err)
	return sess
}

func TestManager_SegmentPersistedWithWallClockTimestamps(t *testing.T) {
	m, ft, store, broadcaster := newTestManager(t)
	sess := startSession(t, m)

	live, cancel := broadcaster.Subscribe(1)
	defer cancel()

	fixed := time.Unix(1_700_000_000, 0)
	sess.now = func() time.Time { return fixed }

	// Engine offsets 4000..6500 ms: only the 2.5 s duration survives.
	ft.Emit(Segment{Text: " the quick brown fox ", StartMs: 4000, EndMs: 6500})

	rows, err := store.GetByRoom(1, transcript.ListOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	row := rows[0]

	assert.Equal(t, "the quick brown fox", row.TextContent, "text is trimmed")
	assert.InDelta(t, 1_700_000_000.0, row.TimestampEnd, 1e-6, "end is wall clock now")
	assert.InDelta(t, 1_699_999_997.5, row.TimestampStart, 1e-6, "start is now minus duration")
	assert.Equal(t, "Alice", row.ProducerDisplayName)
	assert.Equal(t, 1.0, row.Confidence)

	select {
	case seg := <-live:
		assert.Equal(t, row.ID, seg.ID, "segment broadcast after persist")
	default:
		t.Fatal("live subscriber should have received the segment")
	}
}

func TestManager_ShortSegmentsDropped(t *testing.T) {
	m, ft, store, _ := newTestManager(t)
	startSession(t, m)

	ft.Emit(Segment{Text: "a", StartMs: 0, EndMs: 500})
	ft.Emit(Segment{Text: "  x  ", StartMs: 0, EndMs: 500})
	ft.Emit(Segment{Text: "   ", StartMs: 0, EndMs: 500})

	n, err := store.CountBy(1, "")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "segments under two trimmed chars never hit the store")

	ft.Emit(Segment{Text: "ok", StartMs: 0, EndMs: 500})
	n, err = store.CountBy(1, "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestManager_FileWriterBinding(t *testing.T) {
	m, ft, _, _ := newTestManager(t)
	sess := startSession(t, m)

	dir := t.TempDir()
	fw, err := transcript.NewFileWriter(commons.NewNopLogger(), dir, "alice_1", transcript.FileWriterMeta{
		ProducerName: "Alice",
		StartedAt:    time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)

	sess.BindFileWriter(fw)
	ft.Emit(Segment{Text: "bound segment", StartMs: 0, EndMs: 1000})
	sess.UnbindFileWriter()
	ft.Emit(Segment{Text: "unbound segment", StartMs: 0, EndMs: 1000})
	require.NoError(t, fw.Finalize(time.Now()))

	txt, err := os.ReadFile(dir + "/alice_1.txt")
	require.NoError(t, err)
	assert.Contains(t, string(txt), "bound segment")
	assert.NotContains(t, string(txt), "unbound segment")
}

func TestManager_SessionLifecycle(t *testing.T) {
	m, ft, _, _ := newTestManager(t)
	sess := startSession(t, m)

	assert.NotNil(t, m.Session("prod-1"))

	// Duplicate sessions for one producer are rejected.
	_, err := m.StartSession(SessionParams{RoomID: 1, ProducerID: "prod-1"})
	assert.Error(t, err)

	n, err := sess.Write(make([]byte, 64))
	require.NoError(t, err)
	assert.Equal(t, 64, n)

	stats := m.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, "prod-1", stats[0].ProducerID)
	assert.Equal(t, 64, stats[0].QueueSize)

	m.StopSession("prod-1")
	assert.True(t, ft.ended)
	assert.Nil(t, m.Session("prod-1"))
	m.StopSession("prod-1") // idempotent
}

func TestManager_DisabledRefusesSessions(t *testing.T) {
	m := NewManager(commons.NewNopLogger(), ManagerConfig{Enabled: false},
		func() TranscriberSession { return &fakeTranscriber{} }, nil, nil, nil)
	_, err := m.StartSession(SessionParams{ProducerID: "p"})
	assert.Error(t, err)
}

func TestManager_MissingModelSurfaced(t *testing.T) {
	m := NewManager(commons.NewNopLogger(), ManagerConfig{
		Enabled:   true,
		ModelDir:  t.TempDir(),
		ModelSize: "base",
	}, func() TranscriberSession { return &fakeTranscriber{} }, nil, nil, nil)

	_, err := m.StartSession(SessionParams{ProducerID: "p", Language: "en"})
	assert.ErrorIs(t, err, ErrModelMissing)
}
