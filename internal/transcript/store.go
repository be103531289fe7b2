// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

// Package transcript persists transcript segments, fans them out to live
// subscribers and writes per-recording transcript files.
package transcript

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/soundcast/soundcast/internal/entity"
	"github.com/soundcast/soundcast/pkg/commons"
)

// Store is the relational transcript repository. Segments are append-only.
type Store struct {
	logger commons.Logger
	db     *gorm.DB
}

func NewStore(logger commons.Logger, db *gorm.DB) *Store {
	return &Store{logger: logger.Named("transcript"), db: db}
}

// Create inserts the segment and fills in its generated id and CreatedAt.
func (s *Store) Create(seg *entity.TranscriptSegment) error {
	if seg.CreatedAt.IsZero() {
		seg.CreatedAt = time.Now().UTC()
	}
	if err := s.db.Create(seg).Error; err != nil {
		return fmt.Errorf("insert transcript segment: %w", err)
	}
	return nil
}

// ListOptions narrows GetByRoom. Zero values mean "not set"; Limit falls
// back to 100.
type ListOptions struct {
	Limit       int
	Offset      int
	ChannelName string
	StartTime   *float64
	EndTime     *float64
}

// GetByRoom returns segments for a room ordered by start time descending.
func (s *Store) GetByRoom(roomID int64, opts ListOptions) ([]entity.TranscriptSegment, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	q := s.db.Where("room_id = ?", roomID)
	if opts.ChannelName != "" {
		q = q.Where("channel_name = ?", opts.ChannelName)
	}
	if opts.StartTime != nil {
		q = q.Where("timestamp_start >= ?", *opts.StartTime)
	}
	if opts.EndTime != nil {
		q = q.Where("timestamp_start <= ?", *opts.EndTime)
	}

	var rows []entity.TranscriptSegment
	err := q.Order("timestamp_start DESC").Limit(limit).Offset(opts.Offset).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query transcripts by room: %w", err)
	}
	return rows, nil
}

// GetByTimeRange returns segments within [start, end] ascending.
func (s *Store) GetByTimeRange(roomID int64, start, end float64, channelName string) ([]entity.TranscriptSegment, error) {
	q := s.db.Where("room_id = ? AND timestamp_start >= ? AND timestamp_start <= ?", roomID, start, end)
	if channelName != "" {
		q = q.Where("channel_name = ?", channelName)
	}

	var rows []entity.TranscriptSegment
	if err := q.Order("timestamp_start ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query transcripts by time range: %w", err)
	}
	return rows, nil
}

// GetRecent returns the last N minutes of segments, ascending.
func (s *Store) GetRecent(roomID int64, minutes int, channelName string) ([]entity.TranscriptSegment, error) {
	if minutes <= 0 {
		minutes = 60
	}
	now := float64(time.Now().Unix())
	return s.GetByTimeRange(roomID, now-float64(minutes*60), now, channelName)
}

// CountBy counts a room's segments, optionally per channel.
func (s *Store) CountBy(roomID int64, channelName string) (int64, error) {
	q := s.db.Model(&entity.TranscriptSegment{}).Where("room_id = ?", roomID)
	if channelName != "" {
		q = q.Where("channel_name = ?", channelName)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count transcripts: %w", err)
	}
	return n, nil
}
