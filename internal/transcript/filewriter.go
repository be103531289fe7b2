// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

package transcript

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/soundcast/soundcast/internal/entity"
	"github.com/soundcast/soundcast/pkg/commons"
	"github.com/soundcast/soundcast/pkg/utils"
)

// FileWriterMeta identifies the recording track a writer belongs to.
type FileWriterMeta struct {
	RecordingID  int64
	ProducerID   string
	ProducerName string
	ChannelName  string
	Language     string
	StartedAt    time.Time
}

// FileWriter streams one producer's transcript into sibling .txt/.srt/.vtt
// files and writes the authoritative .json summary at finalize. Append
// failures never propagate: the files are best-effort companions of the
// container file.
type FileWriter struct {
	mu        sync.Mutex
	logger    commons.Logger
	meta      FileWriterMeta
	basePath  string
	txt       *os.File
	srt       *os.File
	vtt       *os.File
	seq       int
	segments  []entity.TranscriptSegment
	finalized bool
}

// NewFileWriter creates the three streaming files under dir, sharing
// baseName with the track's container file.
func NewFileWriter(logger commons.Logger, dir, baseName string, meta FileWriterMeta) (*FileWriter, error) {
	basePath := filepath.Join(dir, baseName)

	txt, err := os.Create(basePath + ".txt")
	if err != nil {
		return nil, fmt.Errorf("create transcript txt: %w", err)
	}
	srt, err := os.Create(basePath + ".srt")
	if err != nil {
		txt.Close()
		return nil, fmt.Errorf("create transcript srt: %w", err)
	}
	vtt, err := os.Create(basePath + ".vtt")
	if err != nil {
		txt.Close()
		srt.Close()
		return nil, fmt.Errorf("create transcript vtt: %w", err)
	}
	if _, err := vtt.WriteString("WEBVTT\n\n"); err != nil {
		logger.Warnw("write vtt header", "path", basePath+".vtt", "error", err)
	}

	return &FileWriter{
		logger:   logger.Named("transcript-files"),
		meta:     meta,
		basePath: basePath,
		txt:      txt,
		srt:      srt,
		vtt:      vtt,
	}, nil
}

// Append writes the segment to all three streaming formats. Timecodes are
// relative to the writer's StartedAt.
func (w *FileWriter) Append(seg entity.TranscriptSegment) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized {
		return
	}

	w.segments = append(w.segments, seg)
	w.seq++

	base := float64(w.meta.StartedAt.UnixNano()) / float64(time.Second)
	start := time.Duration((seg.TimestampStart - base) * float64(time.Second))
	end := time.Duration((seg.TimestampEnd - base) * float64(time.Second))

	if _, err := fmt.Fprintf(w.txt, "[%s] %s: %s\n",
		utils.FormatTimecode(start), w.meta.ProducerName, seg.TextContent); err != nil {
		w.logger.Warnw("append txt transcript", "path", w.basePath+".txt", "error", err)
	}

	if _, err := fmt.Fprintf(w.srt, "%d\n%s --> %s\n%s\n\n",
		w.seq, utils.FormatTimecodeSRT(start), utils.FormatTimecodeSRT(end),
		seg.TextContent); err != nil {
		w.logger.Warnw("append srt transcript", "path", w.basePath+".srt", "error", err)
	}

	if _, err := fmt.Fprintf(w.vtt, "%s --> %s\n<v %s>%s\n\n",
		utils.FormatTimecode(start), utils.FormatTimecode(end),
		w.meta.ProducerName, seg.TextContent); err != nil {
		w.logger.Warnw("append vtt transcript", "path", w.basePath+".vtt", "error", err)
	}
}

// jsonSummary is the shape of the .json file written at finalize.
type jsonSummary struct {
	RecordingID   int64         `json:"recordingId"`
	ProducerID    string        `json:"producerId"`
	ProducerName  string        `json:"producerName"`
	ChannelName   string        `json:"channelName"`
	Language      string        `json:"language"`
	StartedAt     time.Time     `json:"startedAt"`
	StoppedAt     time.Time     `json:"stoppedAt"`
	Segments      []jsonSegment `json:"segments"`
	TotalSegments int           `json:"totalSegments"`
}

type jsonSegment struct {
	ID             int64   `json:"id"`
	TimestampStart float64 `json:"timestampStart"`
	TimestampEnd   float64 `json:"timestampEnd"`
	Text           string  `json:"text"`
	Confidence     float64 `json:"confidence"`
}

// Finalize closes the streaming files and writes the .json summary once.
func (w *FileWriter) Finalize(stoppedAt time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized {
		return nil
	}
	w.finalized = true

	w.txt.Close()
	w.srt.Close()
	w.vtt.Close()

	summary := jsonSummary{
		RecordingID:   w.meta.RecordingID,
		ProducerID:    w.meta.ProducerID,
		ProducerName:  w.meta.ProducerName,
		ChannelName:   w.meta.ChannelName,
		Language:      w.meta.Language,
		StartedAt:     w.meta.StartedAt,
		StoppedAt:     stoppedAt,
		Segments:      make([]jsonSegment, 0, len(w.segments)),
		TotalSegments: len(w.segments),
	}
	for _, seg := range w.segments {
		summary.Segments = append(summary.Segments, jsonSegment{
			ID:             seg.ID,
			TimestampStart: seg.TimestampStart,
			TimestampEnd:   seg.TimestampEnd,
			Text:           seg.TextContent,
			Confidence:     seg.Confidence,
		})
	}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal transcript summary: %w", err)
	}
	if err := os.WriteFile(w.basePath+".json", data, 0o644); err != nil {
		return fmt.Errorf("write transcript summary: %w", err)
	}
	return nil
}
