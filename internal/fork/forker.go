// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

package fork

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/soundcast/soundcast/internal/ports"
	"github.com/soundcast/soundcast/internal/sfu"
	"github.com/soundcast/soundcast/pkg/commons"
)

// converterGrace is how long a converter child gets after SIGTERM before
// it is killed.
const converterGrace = 1 * time.Second

// Forker builds plain-RTP forks against one port arena. Recording and
// transcription each hold their own Forker over disjoint ranges.
type Forker struct {
	logger     commons.Logger
	adapter    sfu.Adapter
	arena      *ports.Arena
	ffmpegPath string
}

func NewForker(logger commons.Logger, adapter sfu.Adapter, arena *ports.Arena, ffmpegPath string) *Forker {
	return &Forker{
		logger:     logger.Named("fork"),
		adapter:    adapter,
		arena:      arena,
		ffmpegPath: ffmpegPath,
	}
}

// Fork is one live side-car: port, plain transport, consumer, SDP file and
// converter child. Stop is idempotent and safe from any goroutine.
type Fork struct {
	logger    commons.Logger
	arena     *ports.Arena
	port      int
	transport sfu.PlainTransport
	consumer  sfu.PlainConsumer
	sdpPath   string
	cmd       *exec.Cmd
	waitCh    chan error

	stopOnce sync.Once
	stopping atomic.Bool
	onExit   func(error)
}

// StartRecordingFork forks the producer into an Opus/Ogg container file.
func (f *Forker) StartRecordingFork(producerID, outputFile string, onExit func(error)) (*Fork, error) {
	return f.start(producerID, onExit, func(sdpPath string) (*exec.Cmd, error) {
		cmd := exec.Command(f.ffmpegPath,
			"-hide_banner", "-loglevel", "error",
			"-protocol_whitelist", "file,udp,rtp",
			"-i", sdpPath,
			"-c:a", "libopus",
			"-f", "ogg",
			"-y", outputFile,
		)
		return cmd, nil
	})
}

// StartTranscriptionFork forks the producer as raw mono 16 kHz float32
// little-endian PCM written to sink.
func (f *Forker) StartTranscriptionFork(producerID string, sink io.Writer, onExit func(error)) (*Fork, error) {
	return f.start(producerID, onExit, func(sdpPath string) (*exec.Cmd, error) {
		cmd := exec.Command(f.ffmpegPath,
			"-hide_banner", "-loglevel", "error",
			"-protocol_whitelist", "file,udp,rtp",
			"-i", sdpPath,
			"-f", "f32le",
			"-acodec", "pcm_f32le",
			"-ar", "16000",
			"-ac", "1",
			"pipe:1",
		)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		go func() {
			// The copy ends when the child exits or the sink fails;
			// either way teardown is driven elsewhere.
			if _, cerr := io.Copy(sink, stdout); cerr != nil && cerr != io.ErrClosedPipe {
				f.logger.Debugw("pcm copy ended", "producerId", producerID, "error", cerr)
			}
		}()
		return cmd, nil
	})
}

func (f *Forker) start(producerID string, onExit func(error), build func(sdpPath string) (*exec.Cmd, error)) (fk *Fork, err error) {
	port, err := f.arena.Allocate(true)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			f.arena.Release(port, true)
		}
	}()

	transport, err := f.adapter.CreatePlainRtpTransport("127.0.0.1", true, false)
	if err != nil {
		return nil, fmt.Errorf("create plain transport: %w", err)
	}
	defer func() {
		if err != nil {
			transport.Close()
		}
	}()

	if err = transport.Connect("127.0.0.1", port); err != nil {
		return nil, fmt.Errorf("connect plain transport: %w", err)
	}

	consumer, err := transport.Consume(producerID)
	if err != nil {
		return nil, fmt.Errorf("consume producer %s: %w", producerID, err)
	}

	sdpFile, err := os.CreateTemp("", "soundcast-fork-*.sdp")
	if err != nil {
		return nil, fmt.Errorf("create sdp file: %w", err)
	}
	sdpPath := sdpFile.Name()
	defer func() {
		if err != nil {
			os.Remove(sdpPath)
		}
	}()
	if _, err = sdpFile.WriteString(BuildSDP(port, consumer.Codec())); err != nil {
		sdpFile.Close()
		return nil, fmt.Errorf("write sdp file: %w", err)
	}
	if err = sdpFile.Close(); err != nil {
		return nil, fmt.Errorf("close sdp file: %w", err)
	}

	cmd, err := build(sdpPath)
	if err != nil {
		return nil, err
	}
	if err = cmd.Start(); err != nil {
		return nil, fmt.Errorf("start converter %s: %w", f.ffmpegPath, err)
	}

	fk = &Fork{
		logger:    f.logger,
		arena:     f.arena,
		port:      port,
		transport: transport,
		consumer:  consumer,
		sdpPath:   sdpPath,
		cmd:       cmd,
		waitCh:    make(chan error, 1),
		onExit:    onExit,
	}
	go fk.reap(producerID)

	f.logger.Infow("fork started",
		"producerId", producerID, "port", port, "pid", cmd.Process.Pid)
	return fk, nil
}

// reap waits for the converter child and surfaces unexpected exits.
// Exits caused by Stop are not reported through onExit.
func (fk *Fork) reap(producerID string) {
	err := fk.cmd.Wait()
	fk.waitCh <- err
	if fk.stopping.Load() {
		return
	}
	if err != nil {
		fk.logger.Warnw("converter exited", "producerId", producerID, "error", err)
	}
	if fk.onExit != nil {
		fk.onExit(err)
	}
}

// Port returns the fork's allocated RTP port.
func (fk *Fork) Port() int { return fk.port }

// Stop tears the fork down: SIGTERM the child, wait up to the grace period,
// SIGKILL if still alive, then close the consumer and transport, release the
// port and delete the SDP file. Stop may be called any number of times.
func (fk *Fork) Stop() {
	fk.stopOnce.Do(func() {
		fk.stopping.Store(true)

		if fk.cmd.Process != nil {
			_ = fk.cmd.Process.Signal(syscall.SIGTERM)
			select {
			case <-fk.waitCh:
			case <-time.After(converterGrace):
				_ = fk.cmd.Process.Kill()
				<-fk.waitCh
			}
		}

		fk.consumer.Close()
		fk.transport.Close()
		fk.arena.Release(fk.port, true)
		if err := os.Remove(fk.sdpPath); err != nil && !os.IsNotExist(err) {
			fk.logger.Debugw("remove sdp file", "path", fk.sdpPath, "error", err)
		}
		fk.logger.Debugw("fork stopped", "port", fk.port)
	})
}
