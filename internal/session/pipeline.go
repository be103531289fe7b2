// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

package session

import (
	"sync"

	"github.com/soundcast/soundcast/internal/entity"
	"github.com/soundcast/soundcast/internal/fork"
	"github.com/soundcast/soundcast/internal/recording"
	"github.com/soundcast/soundcast/internal/transcription"
	"github.com/soundcast/soundcast/pkg/commons"
)

// Pipeline fans producer lifecycle events into the recording manager and
// the transcription subsystem. Either side may be nil when the feature is
// disabled; the other keeps working.
type Pipeline struct {
	logger        commons.Logger
	recordings    *recording.Manager
	transcription *transcription.Manager
	forker        *fork.Forker

	mu    sync.Mutex
	forks map[string]*fork.Fork
}

func NewPipeline(logger commons.Logger, recordings *recording.Manager, transcriptionMgr *transcription.Manager, forker *fork.Forker) *Pipeline {
	return &Pipeline{
		logger:        logger.Named("pipeline"),
		recordings:    recordings,
		transcription: transcriptionMgr,
		forker:        forker,
		forks:         make(map[string]*fork.Fork),
	}
}

func (p *Pipeline) OnProducerStarted(room *entity.Room, info ProducerStart) {
	if p.recordings != nil {
		p.recordings.OnProducerStarted(room.ID, recording.ProducerInfo{
			InternalID:    info.InternalID,
			SFUProducerID: info.SFUProducerID,
			ChannelName:   info.ChannelName,
			DisplayName:   info.DisplayName,
			Language:      info.Language,
		})
	}
	p.startTranscription(room, info)
}

func (p *Pipeline) startTranscription(room *entity.Room, info ProducerStart) {
	if p.transcription == nil || p.forker == nil {
		return
	}
	sess, err := p.transcription.StartSession(transcription.SessionParams{
		RoomID:       room.ID,
		ChannelName:  info.ChannelName,
		ProducerID:   info.InternalID,
		ProducerName: info.DisplayName,
		Language:     info.Language,
	})
	if err != nil {
		p.logger.Warnw("transcription session not started",
			"producerId", info.InternalID, "error", err)
		return
	}

	internalID := info.InternalID
	fk, err := p.forker.StartTranscriptionFork(info.SFUProducerID, sess, func(exitErr error) {
		p.logger.Warnw("transcription fork exited",
			"producerId", internalID, "error", exitErr)
		p.mu.Lock()
		delete(p.forks, internalID)
		p.mu.Unlock()
		p.transcription.StopSession(internalID)
	})
	if err != nil {
		p.logger.Warnw("transcription fork not started",
			"producerId", info.InternalID, "error", err)
		p.transcription.StopSession(info.InternalID)
		return
	}

	p.mu.Lock()
	p.forks[info.InternalID] = fk
	p.mu.Unlock()
}

func (p *Pipeline) OnProducerStopped(roomID int64, internalProducerID string) {
	p.mu.Lock()
	fk := p.forks[internalProducerID]
	delete(p.forks, internalProducerID)
	p.mu.Unlock()
	if fk != nil {
		fk.Stop()
	}

	// The recording manager unbinds file writers through the live
	// transcription session, so tracks stop before the session does.
	if p.recordings != nil {
		p.recordings.OnProducerStopped(roomID, internalProducerID)
	}
	if p.transcription != nil {
		p.transcription.StopSession(internalProducerID)
	}
}
