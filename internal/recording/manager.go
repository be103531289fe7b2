// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

// Package recording captures per-producer container files for a room,
// journals recording metadata and recovers orphaned rows after a crash.
package recording

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/soundcast/soundcast/internal/entity"
	"github.com/soundcast/soundcast/internal/fork"
	"github.com/soundcast/soundcast/internal/transcript"
	"github.com/soundcast/soundcast/internal/transcription"
	"github.com/soundcast/soundcast/pkg/commons"
	"github.com/soundcast/soundcast/pkg/utils"
)

// ErrConflict is returned when a room already has an active recording.
var ErrConflict = errors.New("recording: room already recording")

// ErrNotRecording is returned by Stop when no recording is active.
var ErrNotRecording = errors.New("recording: no active recording")

// ProducerInfo describes a live producer for track bookkeeping. InternalID
// stays stable across admin channel moves; SFUProducerID addresses the
// media engine.
type ProducerInfo struct {
	InternalID    string
	SFUProducerID string
	ChannelName   string
	DisplayName   string
	Language      string
}

// ProducerLister enumerates the live producers of a room's channels.
type ProducerLister interface {
	LiveProducers(roomSlug string) []ProducerInfo
}

// Manager owns the active recordings, at most one per room.
type Manager struct {
	mu            sync.Mutex
	logger        commons.Logger
	db            *gorm.DB
	forker        *fork.Forker
	transcription *transcription.Manager
	lister        ProducerLister
	rootDir       string
	active        map[int64]*activeRecording
}

type activeRecording struct {
	row      *entity.Recording
	roomSlug string
	dir      string
	tracks   map[string]*activeTrack
}

type activeTrack struct {
	row        *entity.RecordingTrack
	fork       *fork.Fork
	fileWriter *transcript.FileWriter
	producer   ProducerInfo
}

// NewManager wires the recording sink. transcriptionMgr may be nil when
// transcription is disabled; transcript files are then skipped.
func NewManager(
	logger commons.Logger,
	db *gorm.DB,
	forker *fork.Forker,
	transcriptionMgr *transcription.Manager,
	lister ProducerLister,
	rootDir string,
) *Manager {
	return &Manager{
		logger:        logger.Named("recording"),
		db:            db,
		forker:        forker,
		transcription: transcriptionMgr,
		lister:        lister,
		rootDir:       rootDir,
		active:        make(map[int64]*activeRecording),
	}
}

// RecoverOrphans flips rows left in status "recording" by a previous crash
// to "error". Content recovery is not attempted.
func (m *Manager) RecoverOrphans() error {
	res := m.db.Model(&entity.Recording{}).
		Where("status = ?", entity.RecordingStatusRecording).
		Updates(map[string]interface{}{"status": entity.RecordingStatusError, "stopped_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("recover orphaned recordings: %w", res.Error)
	}
	if err := m.db.Model(&entity.RecordingTrack{}).
		Where("status = ?", entity.RecordingStatusRecording).
		Update("status", entity.RecordingStatusError).Error; err != nil {
		return fmt.Errorf("recover orphaned recording tracks: %w", err)
	}
	if res.RowsAffected > 0 {
		m.logger.Warnw("orphaned recordings marked as failed", "count", res.RowsAffected)
	}
	return nil
}

// Start begins a recording for the room: one row, one folder, one track per
// currently-live producer. A track that fails to start is marked error
// without failing the recording.
func (m *Manager) Start(room *entity.Room) (*entity.Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[room.ID]; exists {
		return nil, ErrConflict
	}

	startedAt := time.Now().UTC()
	folderName := fmt.Sprintf("%s_%s", room.Slug, utils.FolderTimestamp(startedAt))
	dir := filepath.Join(m.rootDir, folderName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording folder: %w", err)
	}

	row := &entity.Recording{
		RoomID:     room.ID,
		FolderName: folderName,
		Status:     entity.RecordingStatusRecording,
		StartedAt:  startedAt,
	}
	if err := m.db.Create(row).Error; err != nil {
		return nil, fmt.Errorf("insert recording row: %w", err)
	}

	rec := &activeRecording{
		row:      row,
		roomSlug: room.Slug,
		dir:      dir,
		tracks:   make(map[string]*activeTrack),
	}
	m.active[room.ID] = rec

	for _, producer := range m.lister.LiveProducers(room.Slug) {
		m.startTrackLocked(rec, producer)
	}
	m.writeMetadataLocked(rec)

	m.logger.Infow("recording started",
		"roomId", room.ID, "recordingId", row.ID, "folder", folderName,
		"tracks", len(rec.tracks))
	return row, nil
}

// Stop finalizes the room's active recording: every track is stopped, every
// bound transcript writer finalized, the row marked stopped.
func (m *Manager) Stop(roomID int64) (*entity.Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.active[roomID]
	if !ok {
		return nil, ErrNotRecording
	}
	delete(m.active, roomID)

	for producerID := range rec.tracks {
		m.stopTrackLocked(rec, producerID, entity.RecordingStatusStopped)
	}

	stoppedAt := time.Now().UTC()
	rec.row.Status = entity.RecordingStatusStopped
	rec.row.StoppedAt = &stoppedAt
	if err := m.db.Model(rec.row).
		Updates(map[string]interface{}{"status": rec.row.Status, "stopped_at": stoppedAt}).Error; err != nil {
		m.logger.Errorw("update recording row on stop", "recordingId", rec.row.ID, "error", err)
	}
	m.writeMetadataLocked(rec)

	m.logger.Infow("recording stopped", "roomId", roomID, "recordingId", rec.row.ID)
	return rec.row, nil
}

// Active returns the room's live recording row, or nil.
func (m *Manager) Active(roomID int64) *entity.Recording {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.active[roomID]; ok {
		return rec.row
	}
	return nil
}

// OnProducerStarted adds a track to the room's recording, if one is active.
func (m *Manager) OnProducerStarted(roomID int64, producer ProducerInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.active[roomID]
	if !ok {
		return
	}
	if _, exists := rec.tracks[producer.InternalID]; exists {
		return
	}
	m.startTrackLocked(rec, producer)
	m.writeMetadataLocked(rec)
}

// OnProducerStopped stops the departing producer's track, if one is live.
func (m *Manager) OnProducerStopped(roomID int64, internalProducerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.active[roomID]
	if !ok {
		return
	}
	if _, exists := rec.tracks[internalProducerID]; !exists {
		return
	}
	m.stopTrackLocked(rec, internalProducerID, entity.RecordingStatusStopped)
	m.writeMetadataLocked(rec)
}

// startTrackLocked creates the track row, the channel subfolder, the fork
// and (when a transcription session is live) the transcript file writer.
// Failures mark the track error and leave the rest of the recording alone.
func (m *Manager) startTrackLocked(rec *activeRecording, producer ProducerInfo) {
	startedAt := time.Now().UTC()
	channelDir := filepath.Join(rec.dir, utils.SanitizeName(producer.ChannelName))
	baseName := fmt.Sprintf("%s_%d",
		utils.SanitizeName(producer.DisplayName), startedAt.UnixMilli())
	filePath := filepath.Join(channelDir, baseName+".ogg")

	row := &entity.RecordingTrack{
		RecordingID:         rec.row.ID,
		ChannelName:         producer.ChannelName,
		ProducerID:          producer.InternalID,
		ProducerDisplayName: producer.DisplayName,
		FilePath:            filePath,
		Status:              entity.RecordingStatusRecording,
		StartedAt:           startedAt,
	}
	if err := m.db.Create(row).Error; err != nil {
		m.logger.Errorw("insert recording track row",
			"recordingId", rec.row.ID, "producerId", producer.InternalID, "error", err)
		return
	}

	failTrack := func(err error) {
		m.logger.Errorw("recording track failed",
			"trackId", row.ID, "producerId", producer.InternalID, "error", err)
		row.Status = entity.RecordingStatusError
		if derr := m.db.Model(row).Update("status", row.Status).Error; derr != nil {
			m.logger.Errorw("mark track error", "trackId", row.ID, "error", derr)
		}
	}

	if err := os.MkdirAll(channelDir, 0o755); err != nil {
		failTrack(fmt.Errorf("create channel folder: %w", err))
		return
	}

	fk, err := m.forker.StartRecordingFork(producer.SFUProducerID, filePath, nil)
	if err != nil {
		failTrack(err)
		return
	}

	track := &activeTrack{row: row, fork: fk, producer: producer}

	if m.transcription != nil {
		if sess := m.transcription.Session(producer.InternalID); sess != nil {
			fw, ferr := transcript.NewFileWriter(m.logger, channelDir, baseName, transcript.FileWriterMeta{
				RecordingID:  rec.row.ID,
				ProducerID:   producer.InternalID,
				ProducerName: producer.DisplayName,
				ChannelName:  producer.ChannelName,
				Language:     producer.Language,
				StartedAt:    startedAt,
			})
			if ferr != nil {
				m.logger.Warnw("transcript file writer skipped",
					"trackId", row.ID, "error", ferr)
			} else {
				sess.BindFileWriter(fw)
				track.fileWriter = fw
			}
		}
	}

	rec.tracks[producer.InternalID] = track
}

func (m *Manager) stopTrackLocked(rec *activeRecording, internalProducerID, status string) {
	track := rec.tracks[internalProducerID]
	delete(rec.tracks, internalProducerID)

	track.fork.Stop()

	if track.fileWriter != nil {
		if m.transcription != nil {
			if sess := m.transcription.Session(internalProducerID); sess != nil {
				sess.UnbindFileWriter()
			}
		}
		if err := track.fileWriter.Finalize(time.Now().UTC()); err != nil {
			m.logger.Warnw("finalize transcript files", "trackId", track.row.ID, "error", err)
		}
	}

	stoppedAt := time.Now().UTC()
	track.row.Status = status
	track.row.StoppedAt = &stoppedAt
	if err := m.db.Model(track.row).
		Updates(map[string]interface{}{"status": status, "stopped_at": stoppedAt}).Error; err != nil {
		m.logger.Errorw("update recording track on stop", "trackId", track.row.ID, "error", err)
	}
}

// recordingMetadata is the journal shape rewritten on every change.
type recordingMetadata struct {
	RecordingID int64           `json:"recordingId"`
	RoomSlug    string          `json:"roomSlug"`
	Status      string          `json:"status"`
	StartedAt   time.Time       `json:"startedAt"`
	StoppedAt   *time.Time      `json:"stoppedAt,omitempty"`
	Tracks      []trackMetadata `json:"tracks"`
}

type trackMetadata struct {
	TrackID      int64      `json:"trackId"`
	ChannelName  string     `json:"channelName"`
	ProducerID   string     `json:"producerId"`
	ProducerName string     `json:"producerName"`
	FilePath     string     `json:"filePath"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"startedAt"`
	StoppedAt    *time.Time `json:"stoppedAt,omitempty"`
}

// writeMetadataLocked rewrites metadata.json from the database view so the
// journal includes already-stopped tracks.
func (m *Manager) writeMetadataLocked(rec *activeRecording) {
	var trackRows []entity.RecordingTrack
	if err := m.db.Where("recording_id = ?", rec.row.ID).
		Order("started_at ASC").Find(&trackRows).Error; err != nil {
		m.logger.Errorw("load tracks for metadata", "recordingId", rec.row.ID, "error", err)
		return
	}

	meta := recordingMetadata{
		RecordingID: rec.row.ID,
		RoomSlug:    rec.roomSlug,
		Status:      rec.row.Status,
		StartedAt:   rec.row.StartedAt,
		StoppedAt:   rec.row.StoppedAt,
		Tracks:      make([]trackMetadata, 0, len(trackRows)),
	}
	for _, tr := range trackRows {
		meta.Tracks = append(meta.Tracks, trackMetadata{
			TrackID:      tr.ID,
			ChannelName:  tr.ChannelName,
			ProducerID:   tr.ProducerID,
			ProducerName: tr.ProducerDisplayName,
			FilePath:     tr.FilePath,
			Status:       tr.Status,
			StartedAt:    tr.StartedAt,
			StoppedAt:    tr.StoppedAt,
		})
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		m.logger.Errorw("marshal recording metadata", "recordingId", rec.row.ID, "error", err)
		return
	}
	path := filepath.Join(rec.dir, "metadata.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		m.logger.Errorw("write recording metadata", "path", path, "error", err)
	}
}
