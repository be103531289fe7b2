// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

// Package mock provides an in-memory scriptable sfu.Adapter for tests.
package mock

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/soundcast/soundcast/internal/sfu"
)

// Adapter is a fake media engine. Zero value is usable; failure fields
// script error paths.
type Adapter struct {
	mu sync.Mutex

	// CanConsumeFn overrides the default policy (producer must exist).
	CanConsumeFn func(producerID string, caps json.RawMessage) bool

	FailCreateTransport      error
	FailCreatePlainTransport error

	Transports      []*Transport
	PlainTransports []*PlainTransport

	producers map[string]*Producer
}

func NewAdapter() *Adapter {
	return &Adapter{producers: make(map[string]*Producer)}
}

func (a *Adapter) RouterRtpCapabilities() json.RawMessage {
	return json.RawMessage(`{"codecs":[{"mimeType":"audio/opus"}]}`)
}

func (a *Adapter) CreateWebRtcTransport(opts sfu.TransportOptions) (sfu.Transport, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.FailCreateTransport != nil {
		return nil, a.FailCreateTransport
	}
	t := &Transport{id: uuid.NewString(), adapter: a}
	a.Transports = append(a.Transports, t)
	return t, nil
}

func (a *Adapter) CanConsume(producerID string, caps json.RawMessage) bool {
	if a.CanConsumeFn != nil {
		return a.CanConsumeFn(producerID, caps)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.producers[producerID]
	return ok
}

func (a *Adapter) CreatePlainRtpTransport(listenIP string, rtcpMux, comedia bool) (sfu.PlainTransport, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.FailCreatePlainTransport != nil {
		return nil, a.FailCreatePlainTransport
	}
	t := &PlainTransport{id: uuid.NewString(), adapter: a, RtcpMux: rtcpMux}
	a.PlainTransports = append(a.PlainTransports, t)
	return t, nil
}

func (a *Adapter) Close() error { return nil }

// ProducerIDs returns the ids of all live producers, for assertions.
func (a *Adapter) ProducerIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.producers))
	for id := range a.producers {
		ids = append(ids, id)
	}
	return ids
}

// Transport is a fake sfu.Transport recording its lifecycle.
type Transport struct {
	mu      sync.Mutex
	id      string
	adapter *Adapter

	FailConnect error
	FailProduce error
	FailConsume error

	Connected bool
	Closed    bool
	Produced  []*Producer
	Consumed  []*Consumer
}

func (t *Transport) Info() sfu.TransportInfo {
	return sfu.TransportInfo{ID: t.id}
}

func (t *Transport) Connect(dtls json.RawMessage) (json.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.FailConnect != nil {
		return nil, t.FailConnect
	}
	t.Connected = true
	return nil, nil
}

func (t *Transport) Produce(kind string, rtpParameters json.RawMessage) (sfu.Producer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.FailProduce != nil {
		return nil, t.FailProduce
	}
	p := &Producer{id: uuid.NewString(), adapter: t.adapter}
	t.Produced = append(t.Produced, p)

	t.adapter.mu.Lock()
	t.adapter.producers[p.id] = p
	t.adapter.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(producerID string, caps json.RawMessage, paused bool) (sfu.Consumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.FailConsume != nil {
		return nil, t.FailConsume
	}
	c := &Consumer{id: uuid.NewString(), producerID: producerID}
	t.Consumed = append(t.Consumed, c)
	return c, nil
}

func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
}

// IsClosed reports whether Close has been called.
func (t *Transport) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Closed
}

// Producer is a fake sfu.Producer.
type Producer struct {
	mu      sync.Mutex
	id      string
	adapter *Adapter
	Closed  bool
}

func (p *Producer) ID() string                     { return p.id }
func (p *Producer) Kind() string                   { return "audio" }
func (p *Producer) RtpParameters() json.RawMessage { return json.RawMessage(`{}`) }

func (p *Producer) Close() {
	p.mu.Lock()
	p.Closed = true
	p.mu.Unlock()

	p.adapter.mu.Lock()
	delete(p.adapter.producers, p.id)
	p.adapter.mu.Unlock()
}

// Consumer is a fake sfu.Consumer.
type Consumer struct {
	mu         sync.Mutex
	id         string
	producerID string
	Resumed    bool
	Closed     bool
}

func (c *Consumer) ID() string                     { return c.id }
func (c *Consumer) ProducerID() string             { return c.producerID }
func (c *Consumer) Kind() string                   { return "audio" }
func (c *Consumer) RtpParameters() json.RawMessage { return json.RawMessage(`{}`) }

func (c *Consumer) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Resumed = true
	return nil
}

func (c *Consumer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Closed = true
}

// IsClosed reports whether Close has been called.
func (c *Consumer) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Closed
}

// PlainTransport is a fake sfu.PlainTransport.
type PlainTransport struct {
	mu      sync.Mutex
	id      string
	adapter *Adapter
	RtcpMux bool

	FailConnect error
	FailConsume error

	ConnectedIP   string
	ConnectedPort int
	Consumer      *PlainConsumer
	Closed        bool
}

func (t *PlainTransport) ID() string { return t.id }

func (t *PlainTransport) Connect(ip string, port int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.FailConnect != nil {
		return t.FailConnect
	}
	t.ConnectedIP = ip
	t.ConnectedPort = port
	return nil
}

func (t *PlainTransport) Consume(producerID string) (sfu.PlainConsumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.FailConsume != nil {
		return nil, t.FailConsume
	}
	t.adapter.mu.Lock()
	_, ok := t.adapter.producers[producerID]
	t.adapter.mu.Unlock()
	if !ok {
		return nil, sfu.ErrProducerNotFound
	}
	c := &PlainConsumer{
		id: uuid.NewString(),
		codec: sfu.ForkCodec{
			PayloadType: 111,
			ClockRate:   48000,
			Channels:    2,
			SSRC:        0x1234,
		},
	}
	t.Consumer = c
	return c, nil
}

func (t *PlainTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
}

// IsClosed reports whether Close has been called.
func (t *PlainTransport) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Closed
}

// PlainConsumer is a fake sfu.PlainConsumer.
type PlainConsumer struct {
	mu     sync.Mutex
	id     string
	codec  sfu.ForkCodec
	Closed bool
}

func (c *PlainConsumer) ID() string           { return c.id }
func (c *PlainConsumer) Codec() sfu.ForkCodec { return c.codec }

func (c *PlainConsumer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Closed = true
}
