// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

package transcription

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soundcast/soundcast/internal/embedding"
	"github.com/soundcast/soundcast/internal/entity"
	"github.com/soundcast/soundcast/internal/transcript"
	"github.com/soundcast/soundcast/pkg/commons"
)

// minSegmentChars drops noise: trimmed segment text shorter than this never
// reaches the store.
const minSegmentChars = 2

// ManagerConfig holds the model settings shared by all sessions.
type ManagerConfig struct {
	Enabled   bool
	ModelDir  string
	ModelSize string
	Threads   int
}

// Manager owns the active transcription sessions, one per producer.
// Sessions are independent of recordings: a file writer may be bound and
// unbound while the session keeps running.
type Manager struct {
	mu          sync.Mutex
	logger      commons.Logger
	cfg         ManagerConfig
	factory     SessionFactory
	store       *transcript.Store
	embeddings  *embedding.Service
	broadcaster *transcript.Broadcaster
	sessions    map[string]*Session
}

func NewManager(
	logger commons.Logger,
	cfg ManagerConfig,
	factory SessionFactory,
	store *transcript.Store,
	embeddings *embedding.Service,
	broadcaster *transcript.Broadcaster,
) *Manager {
	return &Manager{
		logger:      logger.Named("transcription"),
		cfg:         cfg,
		factory:     factory,
		store:       store,
		embeddings:  embeddings,
		broadcaster: broadcaster,
		sessions:    make(map[string]*Session),
	}
}

// SessionParams identifies the producer a session transcribes.
type SessionParams struct {
	RoomID       int64
	ChannelName  string
	ProducerID   string
	ProducerName string
	Language     string
}

// StartSession resolves the model, loads it (blocking) and registers the
// session. A second session for the same producer is an error.
func (m *Manager) StartSession(params SessionParams) (*Session, error) {
	if !m.cfg.Enabled {
		return nil, fmt.Errorf("transcription disabled")
	}
	if params.Language == "" {
		params.Language = "en"
	}

	m.mu.Lock()
	if _, exists := m.sessions[params.ProducerID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("transcription session already active for producer %s", params.ProducerID)
	}
	m.mu.Unlock()

	modelPath, err := ResolveModelPath(m.cfg.ModelDir, m.cfg.ModelSize, params.Language)
	if err != nil {
		return nil, err
	}

	transcriber := m.factory()
	sess := &Session{
		manager:     m,
		logger:      m.logger,
		params:      params,
		transcriber: transcriber,
		startedAt:   time.Now(),
	}
	transcriber.OnSegment(sess.handleSegment)

	if err := transcriber.LoadModel(modelPath, params.Language, m.cfg.Threads); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[params.ProducerID] = sess
	m.mu.Unlock()

	m.logger.Infow("transcription session started",
		"producerId", params.ProducerID, "channel", params.ChannelName,
		"language", params.Language, "model", modelPath)
	return sess, nil
}

// StopSession ends and removes the producer's session if one is active.
func (m *Manager) StopSession(producerID string) {
	m.mu.Lock()
	sess, ok := m.sessions[producerID]
	if ok {
		delete(m.sessions, producerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := sess.transcriber.End(); err != nil {
		m.logger.Warnw("transcriber end", "producerId", producerID, "error", err)
	}
	m.logger.Infow("transcription session stopped", "producerId", producerID)
}

// Session returns the active session for a producer, or nil.
func (m *Manager) Session(producerID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[producerID]
}

// StopAll ends every active session. Called on shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.StopSession(id)
	}
}

// SessionStats is one session's counters for the admin surface.
type SessionStats struct {
	ProducerID        string  `json:"producerId"`
	ChannelName       string  `json:"channelName"`
	UptimeSeconds     float64 `json:"uptimeSeconds"`
	SegmentsProcessed int64   `json:"segmentsProcessed"`
	Errors            int64   `json:"errors"`
	QueueSize         int     `json:"queueSize"`
}

// Stats snapshots every active session.
func (m *Manager) Stats() []SessionStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionStats, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, SessionStats{
			ProducerID:        sess.params.ProducerID,
			ChannelName:       sess.params.ChannelName,
			UptimeSeconds:     time.Since(sess.startedAt).Seconds(),
			SegmentsProcessed: sess.segments.Load(),
			Errors:            sess.errors.Load(),
			QueueSize:         sess.transcriber.BufferedBytes(),
		})
	}
	return out
}

// Session is one producer's live pipeline: fork PCM in, persisted segments
// out. It implements io.Writer so the fork can pipe into it directly.
type Session struct {
	manager     *Manager
	logger      commons.Logger
	params      SessionParams
	transcriber TranscriberSession
	startedAt   time.Time

	segments atomic.Int64
	errors   atomic.Int64

	fwMu       sync.Mutex
	fileWriter *transcript.FileWriter

	// now is swapped in tests to pin wall-clock timestamps.
	now func() time.Time
}

// Write feeds converter PCM into the engine.
func (s *Session) Write(p []byte) (int, error) {
	if err := s.transcriber.Write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// BindFileWriter attaches a recording's transcript file writer.
func (s *Session) BindFileWriter(fw *transcript.FileWriter) {
	s.fwMu.Lock()
	s.fileWriter = fw
	s.fwMu.Unlock()
}

// UnbindFileWriter detaches the writer without ending the session.
func (s *Session) UnbindFileWriter() {
	s.fwMu.Lock()
	s.fileWriter = nil
	s.fwMu.Unlock()
}

// handleSegment applies the wall-clock timestamp policy and runs the
// persist, embed, broadcast and file-write steps in arrival order.
// Engine-reported offsets only contribute the segment duration; absolutes
// come from the clock so segments are globally comparable across producers.
func (s *Session) handleSegment(seg Segment) {
	text := strings.TrimSpace(seg.Text)
	if len([]rune(text)) < minSegmentChars {
		return
	}

	nowFn := s.now
	if nowFn == nil {
		nowFn = time.Now
	}
	now := nowFn()
	durationSec := float64(seg.EndMs-seg.StartMs) / 1000.0
	end := float64(now.UnixNano()) / float64(time.Second)
	start := end - durationSec

	row := entity.TranscriptSegment{
		RoomID:              s.params.RoomID,
		ChannelName:         s.params.ChannelName,
		ProducerID:          s.params.ProducerID,
		ProducerDisplayName: s.params.ProducerName,
		TextContent:         text,
		TimestampStart:      start,
		TimestampEnd:        end,
		Confidence:          1.0,
		Language:            s.params.Language,
	}
	if err := s.manager.store.Create(&row); err != nil {
		s.errors.Add(1)
		s.logger.Errorw("persist transcript segment",
			"producerId", s.params.ProducerID, "error", err)
		return
	}
	s.segments.Add(1)

	s.manager.embeddings.Enqueue(embedding.Task{
		TranscriptID: row.ID,
		RoomID:       row.RoomID,
		Text:         row.TextContent,
	})
	s.manager.broadcaster.Publish(row)

	s.fwMu.Lock()
	fw := s.fileWriter
	s.fwMu.Unlock()
	if fw != nil {
		fw.Append(row)
	}
}
