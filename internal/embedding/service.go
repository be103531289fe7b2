// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

package embedding

import (
	"context"

	"github.com/soundcast/soundcast/pkg/commons"
)

// Task is one pending embedding job.
type Task struct {
	TranscriptID int64
	RoomID       int64
	Text         string
}

// Service owns the bounded task queue and the single worker that drains it
// in batches. Embedding failures are logged and the affected rows are
// simply left without vectors; search stays queryable.
type Service struct {
	logger    commons.Logger
	embedder  Embedder
	store     VectorStore
	enabled   bool
	batchSize int
	tasks     chan Task
}

func NewService(logger commons.Logger, embedder Embedder, store VectorStore, enabled bool, batchSize, queueCap int) *Service {
	if batchSize <= 0 {
		batchSize = 10
	}
	if queueCap <= 0 {
		queueCap = 1024
	}
	return &Service{
		logger:    logger.Named("embedding"),
		embedder:  embedder,
		store:     store,
		enabled:   enabled,
		batchSize: batchSize,
		tasks:     make(chan Task, queueCap),
	}
}

// Enqueue adds a task without blocking. When the queue is full or the
// service is disabled the task is dropped.
func (s *Service) Enqueue(t Task) {
	if !s.enabled {
		return
	}
	select {
	case s.tasks <- t:
	default:
		s.logger.Warnw("embedding queue full, task dropped",
			"transcriptId", t.TranscriptID, "roomId", t.RoomID)
	}
}

// QueueSize reports the number of pending tasks.
func (s *Service) QueueSize() int { return len(s.tasks) }

// Run drains the queue until ctx is cancelled. Intended for an errgroup.
func (s *Service) Run(ctx context.Context) error {
	if !s.enabled {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case first := <-s.tasks:
			batch := s.collectBatch(first)
			s.process(ctx, batch)
		}
	}
}

// collectBatch greedily drains up to batchSize tasks without waiting.
func (s *Service) collectBatch(first Task) []Task {
	batch := []Task{first}
	for len(batch) < s.batchSize {
		select {
		case t := <-s.tasks:
			batch = append(batch, t)
		default:
			return batch
		}
	}
	return batch
}

func (s *Service) process(ctx context.Context, batch []Task) {
	texts := make([]string, len(batch))
	for i, t := range batch {
		texts[i] = t.Text
	}

	vecs, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		s.logger.Errorw("embedding batch failed, segments left unindexed",
			"count", len(batch), "error", err)
		return
	}

	for i, t := range batch {
		if err := s.store.Insert(t.TranscriptID, t.RoomID, vecs[i]); err != nil {
			s.logger.Errorw("vector insert failed",
				"transcriptId", t.TranscriptID, "error", err)
		}
	}
}
