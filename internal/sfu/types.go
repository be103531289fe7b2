// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

package sfu

import (
	"encoding/json"
	"errors"
)

// ErrProducerNotFound is returned when a consume or fork targets a producer
// id the engine does not know.
var ErrProducerNotFound = errors.New("sfu: producer not found")

// ErrTransportClosed is returned from operations on a closed transport.
var ErrTransportClosed = errors.New("sfu: transport closed")

// TransportOptions selects the listening addresses for a WebRTC transport.
type TransportOptions struct {
	ListenIP    string
	AnnouncedIP string
	EnableUDP   bool
	EnableTCP   bool
}

// TransportInfo is the parameter bundle handed back to the signaling client
// when a transport is created. The fields are opaque to the core; they are
// produced by the engine and consumed by its browser counterpart.
type TransportInfo struct {
	ID             string          `json:"id"`
	IceParameters  json.RawMessage `json:"iceParameters,omitempty"`
	IceCandidates  json.RawMessage `json:"iceCandidates,omitempty"`
	DtlsParameters json.RawMessage `json:"dtlsParameters,omitempty"`
}

// ForkCodec describes the negotiated audio codec of a plain-RTP fork,
// enough to synthesize the converter SDP.
type ForkCodec struct {
	PayloadType uint8
	ClockRate   int
	Channels    int
	SSRC        uint32
}

// Adapter is the facade over the media engine. The core never reaches past
// it; rtpParameters, dtlsParameters and rtpCapabilities stay opaque JSON.
type Adapter interface {
	// RouterRtpCapabilities returns the engine's receive capabilities,
	// sent verbatim to clients on get-rtpCapabilities.
	RouterRtpCapabilities() json.RawMessage

	CreateWebRtcTransport(opts TransportOptions) (Transport, error)

	// CanConsume reports whether a consumer with the given capabilities
	// could attach to the producer. Unknown producers are never consumable.
	CanConsume(producerID string, rtpCapabilities json.RawMessage) bool

	// CreatePlainRtpTransport creates a side-car transport that emits the
	// producer's RTP to a plain UDP destination.
	CreatePlainRtpTransport(listenIP string, rtcpMux, comedia bool) (PlainTransport, error)

	Close() error
}

// Transport is one client-facing WebRTC transport. A transport carries
// either producers or consumers, never both.
type Transport interface {
	Info() TransportInfo

	// Connect finishes the DTLS/ICE handshake. The returned payload, when
	// non-nil, must be relayed to the client inside the connected frame.
	Connect(dtlsParameters json.RawMessage) (json.RawMessage, error)

	Produce(kind string, rtpParameters json.RawMessage) (Producer, error)

	Consume(producerID string, rtpCapabilities json.RawMessage, paused bool) (Consumer, error)

	Close()
}

// Producer is the engine's handle for one inbound audio stream.
type Producer interface {
	ID() string
	Kind() string
	RtpParameters() json.RawMessage
	Close()
}

// Consumer is the engine's handle for one outbound stream toward a listener.
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() string
	RtpParameters() json.RawMessage
	Resume() error
	Close()
}

// PlainTransport emits a producer's RTP to a fixed UDP ip:port.
type PlainTransport interface {
	ID() string
	Connect(ip string, port int) error
	Consume(producerID string) (PlainConsumer, error)
	Close()
}

// PlainConsumer is the fork-side consumer attached to a plain transport.
type PlainConsumer interface {
	ID() string
	Codec() ForkCodec
	Close()
}
