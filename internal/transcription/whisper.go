// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

package transcription

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/soundcast/soundcast/pkg/commons"
)

const (
	sampleRate = 16000

	// chunkSamples is the inference window: three seconds of mono audio.
	// whisper.cpp is a batch engine, so streaming is approximated by
	// running inference over fixed windows as they fill.
	chunkSamples = 3 * sampleRate

	audioQueueSize = 256
)

// NewWhisperFactory returns a SessionFactory producing whisper.cpp-backed
// sessions.
func NewWhisperFactory(logger commons.Logger) SessionFactory {
	return func() TranscriberSession {
		return &whisperSession{
			logger:  logger.Named("whisper"),
			audioCh: make(chan []float32, audioQueueSize),
			done:    make(chan struct{}),
		}
	}
}

// whisperSession runs one producer's streaming inference. All whisper.cpp
// state is confined to the process loop goroutine; a context is not
// thread-safe even though the model is shareable.
type whisperSession struct {
	logger    commons.Logger
	model     whisperlib.Model
	language  string
	threads   int
	onSegment func(Segment)

	audioCh  chan []float32
	buffered atomic.Int64

	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
	ended atomic.Bool
}

func (s *whisperSession) LoadModel(modelPath, language string, threads int) error {
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return fmt.Errorf("transcription: load model %s: %w", modelPath, err)
	}
	s.model = model
	s.language = language
	s.threads = threads

	s.wg.Add(1)
	go s.processLoop()
	return nil
}

func (s *whisperSession) OnSegment(fn func(Segment)) {
	s.onSegment = fn
}

// Write converts float32 little-endian PCM bytes to samples and enqueues
// them. A full queue drops the chunk rather than blocking the fork pipe.
func (s *whisperSession) Write(pcm []byte) error {
	if s.ended.Load() {
		return ErrSessionClosed
	}
	samples := bytesToFloat32(pcm)
	if len(samples) == 0 {
		return nil
	}

	select {
	case s.audioCh <- samples:
		s.buffered.Add(int64(len(samples) * 4))
	default:
		s.logger.Warnw("audio queue full, chunk dropped", "samples", len(samples))
	}
	return nil
}

func (s *whisperSession) BufferedBytes() int {
	return int(s.buffered.Load())
}

// End flushes pending audio, stops the loop and releases the model.
func (s *whisperSession) End() error {
	var err error
	s.once.Do(func() {
		s.ended.Store(true)
		close(s.done)
		s.wg.Wait()
		if s.model != nil {
			err = s.model.Close()
		}
	})
	return err
}

// processLoop accumulates samples into fixed windows and infers each window
// as it fills. Segment offsets are rebased onto the running stream position.
func (s *whisperSession) processLoop() {
	defer s.wg.Done()

	var (
		buffer []float32
		baseMs int64
	)

	flush := func() {
		if len(buffer) == 0 {
			return
		}
		windowMs := int64(len(buffer)) * 1000 / sampleRate
		s.infer(buffer, baseMs)
		baseMs += windowMs
		buffer = nil
	}

	for {
		select {
		case <-s.done:
			// Drain whatever is still queued, then flush.
			for {
				select {
				case samples := <-s.audioCh:
					s.buffered.Add(-int64(len(samples) * 4))
					buffer = append(buffer, samples...)
				default:
					flush()
					return
				}
			}

		case samples := <-s.audioCh:
			s.buffered.Add(-int64(len(samples) * 4))
			buffer = append(buffer, samples...)
			if len(buffer) >= chunkSamples {
				flush()
			}
		}
	}
}

// infer runs one window through a fresh whisper context and emits segments.
func (s *whisperSession) infer(samples []float32, baseMs int64) {
	wctx, err := s.model.NewContext()
	if err != nil {
		s.logger.Errorw("create whisper context", "error", err)
		return
	}
	if err := wctx.SetLanguage(s.language); err != nil {
		s.logger.Warnw("set language failed, engine default used",
			"language", s.language, "error", err)
	}
	if s.threads > 0 {
		wctx.SetThreads(uint(s.threads))
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		s.logger.Errorw("whisper inference failed", "error", err)
		return
	}

	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			s.logger.Errorw("read whisper segment", "error", err)
			return
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" || s.onSegment == nil {
			continue
		}
		s.onSegment(Segment{
			Text:    text,
			StartMs: baseMs + seg.Start.Milliseconds(),
			EndMs:   baseMs + seg.End.Milliseconds(),
		})
	}
}

// bytesToFloat32 reinterprets little-endian float32 PCM bytes. A trailing
// partial sample is ignored.
func bytesToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 4
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(pcm[i*4:])
		samples[i] = math.Float32frombits(bits)
	}
	return samples
}
