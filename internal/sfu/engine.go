// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

package sfu

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/soundcast/soundcast/pkg/commons"
)

// ============================================================================
// Engine: pion-backed Adapter
// ============================================================================

const opusPayloadType = 111

// EngineConfig carries the media addresses and port range for the engine.
type EngineConfig struct {
	ListenIP    string
	AnnouncedIP string
	MinPort     int
	MaxPort     int
	IceServers  []webrtc.ICEServer
}

// Engine implements Adapter on top of pion/webrtc. Producers are remote
// Opus tracks; each one owns a read loop that fans RTP packets out to
// listener tracks and plain-UDP forks.
type Engine struct {
	mu        sync.RWMutex
	logger    commons.Logger
	api       *webrtc.API
	rtcConfig webrtc.Configuration
	producers map[string]*producerSource
	closed    bool
}

// NewEngine builds the shared webrtc.API (Opus-only MediaEngine) and the
// engine state. The ephemeral UDP range and NAT mapping come from cfg.
func NewEngine(logger commons.Logger, cfg EngineConfig) (*Engine, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: opusPayloadType,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus codec: %w", err)
	}

	se := webrtc.SettingEngine{}
	if cfg.MinPort > 0 && cfg.MaxPort >= cfg.MinPort {
		if err := se.SetEphemeralUDPPortRange(uint16(cfg.MinPort), uint16(cfg.MaxPort)); err != nil {
			return nil, fmt.Errorf("set udp port range: %w", err)
		}
	}
	if cfg.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{cfg.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}

	return &Engine{
		logger:    logger.Named("sfu"),
		api:       webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se)),
		rtcConfig: webrtc.Configuration{ICEServers: cfg.IceServers},
		producers: make(map[string]*producerSource),
	}, nil
}

// RouterRtpCapabilities advertises the receive codec set to clients.
func (e *Engine) RouterRtpCapabilities() json.RawMessage {
	return json.RawMessage(`{"codecs":[{"kind":"audio","mimeType":"audio/opus","clockRate":48000,"channels":2,"parameters":{"minptime":10,"useinbandfec":1},"preferredPayloadType":111}]}`)
}

// CreateWebRtcTransport opens a new PeerConnection wrapped as a Transport.
func (e *Engine) CreateWebRtcTransport(opts TransportOptions) (Transport, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, ErrTransportClosed
	}
	e.mu.RUnlock()

	pc, err := e.api.NewPeerConnection(e.rtcConfig)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	t := newWebrtcTransport(e, pc)
	e.logger.Debugw("webrtc transport created", "transportId", t.id)
	return t, nil
}

// CanConsume reports whether the producer exists and the capabilities
// admit Opus. Empty capabilities never match.
func (e *Engine) CanConsume(producerID string, rtpCapabilities json.RawMessage) bool {
	e.mu.RLock()
	_, ok := e.producers[producerID]
	e.mu.RUnlock()
	if !ok {
		return false
	}
	return bytes.Contains(bytes.ToLower(rtpCapabilities), []byte("opus"))
}

// CreatePlainRtpTransport creates the UDP side-car used by RTP forks.
// comedia is unsupported: the engine always dials out to the fork port.
func (e *Engine) CreatePlainRtpTransport(listenIP string, rtcpMux, comedia bool) (PlainTransport, error) {
	if comedia {
		return nil, fmt.Errorf("comedia mode not supported")
	}
	return &plainTransport{
		id:      uuid.NewString(),
		engine:  e,
		rtcpMux: rtcpMux,
	}, nil
}

// Close tears down every producer source. Transports are owned by their
// sessions and closed there.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	sources := make([]*producerSource, 0, len(e.producers))
	for _, src := range e.producers {
		sources = append(sources, src)
	}
	e.producers = make(map[string]*producerSource)
	e.mu.Unlock()

	for _, src := range sources {
		src.close()
	}
	return nil
}

func (e *Engine) registerProducer(src *producerSource) {
	e.mu.Lock()
	e.producers[src.id] = src
	e.mu.Unlock()
}

func (e *Engine) unregisterProducer(id string) {
	e.mu.Lock()
	delete(e.producers, id)
	e.mu.Unlock()
}

func (e *Engine) lookupProducer(id string) (*producerSource, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	src, ok := e.producers[id]
	return src, ok
}

// ============================================================================
// producerSource: one inbound track and its fan-out loop
// ============================================================================

// rtpSink receives every RTP packet read from the producer's remote track.
type rtpSink interface {
	writeRTP(pkt *rtp.Packet) error
}

type producerSource struct {
	mu     sync.RWMutex
	id     string
	engine *Engine
	remote *webrtc.TrackRemote
	sinks  map[string]rtpSink
	done   chan struct{}
	once   sync.Once
}

func newProducerSource(e *Engine, remote *webrtc.TrackRemote) *producerSource {
	src := &producerSource{
		id:     uuid.NewString(),
		engine: e,
		remote: remote,
		sinks:  make(map[string]rtpSink),
		done:   make(chan struct{}),
	}
	go src.readLoop()
	return src
}

// readLoop pulls RTP packets off the remote track and distributes them.
// A failing sink is dropped; the loop itself only exits when the track ends.
func (s *producerSource) readLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		pkt, _, err := s.remote.ReadRTP()
		if err != nil {
			if err != io.EOF {
				s.engine.logger.Debugw("producer track read ended", "producerId", s.id, "error", err)
			}
			s.close()
			return
		}

		s.mu.RLock()
		for sinkID, sink := range s.sinks {
			if werr := sink.writeRTP(pkt); werr != nil {
				s.engine.logger.Debugw("dropping failed rtp sink",
					"producerId", s.id, "sinkId", sinkID, "error", werr)
				go s.removeSink(sinkID)
			}
		}
		s.mu.RUnlock()
	}
}

func (s *producerSource) addSink(id string, sink rtpSink) {
	s.mu.Lock()
	s.sinks[id] = sink
	s.mu.Unlock()
}

func (s *producerSource) removeSink(id string) {
	s.mu.Lock()
	delete(s.sinks, id)
	s.mu.Unlock()
}

func (s *producerSource) codec() ForkCodec {
	params := s.remote.Codec()
	return ForkCodec{
		PayloadType: uint8(params.PayloadType),
		ClockRate:   int(params.ClockRate),
		Channels:    int(params.Channels),
		SSRC:        uint32(s.remote.SSRC()),
	}
}

func (s *producerSource) close() {
	s.once.Do(func() {
		close(s.done)
		s.engine.unregisterProducer(s.id)
		s.mu.Lock()
		s.sinks = make(map[string]rtpSink)
		s.mu.Unlock()
	})
}

// ============================================================================
// Plain transport: UDP fork destination
// ============================================================================

type plainTransport struct {
	mu       sync.Mutex
	id       string
	engine   *Engine
	rtcpMux  bool
	conn     *net.UDPConn
	consumer *plainConsumer
	closed   bool
}

func (t *plainTransport) ID() string { return t.id }

// Connect dials the fork's UDP destination. RTP flows only once a consumer
// is attached.
func (t *plainTransport) Connect(ip string, port int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	addr := &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("dial fork destination %s:%d: %w", ip, port, err)
	}
	t.conn = conn
	return nil
}

// Consume taps the producer source: every packet it reads is re-marshaled
// onto the transport's UDP connection.
func (t *plainTransport) Consume(producerID string) (PlainConsumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	if t.conn == nil {
		return nil, fmt.Errorf("plain transport %s not connected", t.id)
	}

	src, ok := t.engine.lookupProducer(producerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProducerNotFound, producerID)
	}

	c := &plainConsumer{
		id:     uuid.NewString(),
		source: src,
		conn:   t.conn,
		codecV: src.codec(),
	}
	src.addSink(c.id, c)
	t.consumer = c
	return c, nil
}

func (t *plainTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	if t.consumer != nil {
		t.consumer.Close()
		t.consumer = nil
	}
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}

type plainConsumer struct {
	id     string
	source *producerSource
	conn   *net.UDPConn
	codecV ForkCodec
	once   sync.Once
}

func (c *plainConsumer) ID() string       { return c.id }
func (c *plainConsumer) Codec() ForkCodec { return c.codecV }

func (c *plainConsumer) writeRTP(pkt *rtp.Packet) error {
	buf, err := pkt.Marshal()
	if err != nil {
		return err
	}
	_, err = c.conn.Write(buf)
	return err
}

func (c *plainConsumer) Close() {
	c.once.Do(func() {
		c.source.removeSink(c.id)
	})
}
