// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

// Package transcription runs streaming speech-to-text sessions over forked
// producer audio and hands finished segments to the transcript pipeline.
package transcription

import "errors"

// ErrModelMissing is returned when no usable model artifact exists on disk.
var ErrModelMissing = errors.New("transcription: model file missing")

// ErrSessionClosed is returned from writes to an ended session.
var ErrSessionClosed = errors.New("transcription: session closed")

// Segment is one utterance reported by the engine. Timestamps are engine
// offsets in milliseconds; the session manager replaces them with wall-clock
// absolutes before persistence.
type Segment struct {
	Text    string
	StartMs int64
	EndMs   int64
}

// TranscriberSession is the facade over a streaming speech-to-text engine.
// Implementations are single-use: LoadModel once, Write many, End once.
// No callbacks are delivered after End returns. Fatal engine errors are not
// recoverable; the caller marks the session failed and discards it.
type TranscriberSession interface {
	// LoadModel blocks until the model is ready.
	LoadModel(modelPath, language string, threads int) error

	// Write enqueues raw mono 16 kHz float32 little-endian PCM without
	// blocking. Data is dropped when the engine cannot keep up.
	Write(pcm []byte) error

	// OnSegment registers the single segment callback. Must be called
	// before the first Write.
	OnSegment(fn func(Segment))

	// End flushes buffered audio and releases the engine.
	End() error

	// BufferedBytes reports the audio bytes queued but not yet inferred.
	BufferedBytes() int
}

// SessionFactory builds fresh TranscriberSessions. The manager holds one.
type SessionFactory func() TranscriberSession
