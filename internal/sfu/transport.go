// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

package sfu

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// ============================================================================
// webrtcTransport: one PeerConnection, producer- or consumer-side
// ============================================================================

// sessionDescription is the opaque payload exchanged through Connect and
// consumer rtpParameters. It mirrors the browser's RTCSessionDescription.
type sessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type webrtcTransport struct {
	mu      sync.Mutex
	id      string
	engine  *Engine
	pc      *webrtc.PeerConnection
	trackCh chan *webrtc.TrackRemote
	doneCh  chan struct{}
	closed  bool
}

func newWebrtcTransport(e *Engine, pc *webrtc.PeerConnection) *webrtcTransport {
	t := &webrtcTransport{
		id:      uuid.NewString(),
		engine:  e,
		pc:      pc,
		trackCh: make(chan *webrtc.TrackRemote, 4),
		doneCh:  make(chan struct{}),
	}

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		select {
		case t.trackCh <- remote:
		case <-t.doneCh:
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.logger.Debugw("transport connection state", "transportId", t.id, "state", state.String())
	})
	return t
}

func (t *webrtcTransport) Info() TransportInfo {
	return TransportInfo{ID: t.id}
}

// Connect drives the SDP handshake. An "offer" payload yields an answer
// (returned to be relayed to the client); an "answer" payload completes a
// server-initiated renegotiation and returns nil.
func (t *webrtcTransport) Connect(dtlsParameters json.RawMessage) (json.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}

	var desc sessionDescription
	if err := json.Unmarshal(dtlsParameters, &desc); err != nil {
		return nil, fmt.Errorf("decode session description: %w", err)
	}

	switch desc.Type {
	case "offer":
		if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer, SDP: desc.SDP,
		}); err != nil {
			return nil, fmt.Errorf("set remote offer: %w", err)
		}
		answer, err := t.pc.CreateAnswer(nil)
		if err != nil {
			return nil, fmt.Errorf("create answer: %w", err)
		}
		gathered := webrtc.GatheringCompletePromise(t.pc)
		if err := t.pc.SetLocalDescription(answer); err != nil {
			return nil, fmt.Errorf("set local answer: %w", err)
		}
		<-gathered
		return json.Marshal(sessionDescription{
			Type: "answer", SDP: t.pc.LocalDescription().SDP,
		})

	case "answer":
		if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer, SDP: desc.SDP,
		}); err != nil {
			return nil, fmt.Errorf("set remote answer: %w", err)
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("unexpected session description type %q", desc.Type)
	}
}

// Produce waits for the client's audio track to arrive on the connection
// and registers it as a producer source. There is no timeout: the session
// blocks until the track shows up or the transport closes.
func (t *webrtcTransport) Produce(kind string, rtpParameters json.RawMessage) (Producer, error) {
	if kind != "audio" {
		return nil, fmt.Errorf("unsupported producer kind %q", kind)
	}

	select {
	case remote := <-t.trackCh:
		src := newProducerSource(t.engine, remote)
		t.engine.registerProducer(src)
		t.engine.logger.Infow("producer attached",
			"transportId", t.id, "producerId", src.id, "ssrc", remote.SSRC())
		return &producer{source: src, rtpParameters: rtpParameters}, nil
	case <-t.doneCh:
		return nil, ErrTransportClosed
	}
}

// Consume attaches a local Opus track fed by the producer's read loop.
// The returned consumer's rtpParameters carry the renegotiation offer the
// client must answer through a follow-up Connect.
func (t *webrtcTransport) Consume(producerID string, rtpCapabilities json.RawMessage, paused bool) (Consumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}

	src, ok := t.engine.lookupProducer(producerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProducerNotFound, producerID)
	}

	local, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio-"+producerID, "soundcast")
	if err != nil {
		return nil, fmt.Errorf("new local track: %w", err)
	}

	sender, err := t.pc.AddTrack(local)
	if err != nil {
		return nil, fmt.Errorf("add track: %w", err)
	}

	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		_ = t.pc.RemoveTrack(sender)
		return nil, fmt.Errorf("create renegotiation offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(offer); err != nil {
		_ = t.pc.RemoveTrack(sender)
		return nil, fmt.Errorf("set local offer: %w", err)
	}
	<-gathered

	params, err := json.Marshal(sessionDescription{
		Type: "offer", SDP: t.pc.LocalDescription().SDP,
	})
	if err != nil {
		return nil, err
	}

	c := &consumer{
		id:            uuid.NewString(),
		producerID:    producerID,
		source:        src,
		transport:     t,
		sender:        sender,
		local:         local,
		rtpParameters: params,
		paused:        paused,
	}
	if !paused {
		src.addSink(c.id, c)
	}
	return c, nil
}

func (t *webrtcTransport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	close(t.doneCh)
	t.mu.Unlock()

	if err := t.pc.Close(); err != nil {
		t.engine.logger.Debugw("peer connection close", "transportId", t.id, "error", err)
	}
}

// ============================================================================
// producer / consumer handles
// ============================================================================

type producer struct {
	source        *producerSource
	rtpParameters json.RawMessage
}

func (p *producer) ID() string                     { return p.source.id }
func (p *producer) Kind() string                   { return "audio" }
func (p *producer) RtpParameters() json.RawMessage { return p.rtpParameters }
func (p *producer) Close()                         { p.source.close() }

type consumer struct {
	id            string
	producerID    string
	source        *producerSource
	transport     *webrtcTransport
	sender        *webrtc.RTPSender
	local         *webrtc.TrackLocalStaticRTP
	rtpParameters json.RawMessage
	mu            sync.Mutex
	paused        bool
	closed        bool
}

func (c *consumer) ID() string                     { return c.id }
func (c *consumer) ProducerID() string             { return c.producerID }
func (c *consumer) Kind() string                   { return "audio" }
func (c *consumer) RtpParameters() json.RawMessage { return c.rtpParameters }

func (c *consumer) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrTransportClosed
	}
	if c.paused {
		c.paused = false
		c.source.addSink(c.id, c)
	}
	return nil
}

// writeRTP forwards a producer packet onto the listener track, rewriting
// the payload type to the negotiated one.
func (c *consumer) writeRTP(pkt *rtp.Packet) error {
	clone := *pkt
	clone.PayloadType = opusPayloadType
	return c.local.WriteRTP(&clone)
}

func (c *consumer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.source.removeSink(c.id)
	_ = c.transport.pc.RemoveTrack(c.sender)
}
