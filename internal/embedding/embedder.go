// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

// Package embedding generates transcript embeddings through an HTTP model
// server and maintains the vector index used by semantic search.
package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-resty/resty/v2"
)

// Dimensions is the only vector size the index accepts. The vec0 table is
// declared with it; mean-pooled L2-normalized MiniLM-class models produce it.
const Dimensions = 384

// ErrBadDimension is returned when the model server yields a vector of the
// wrong size.
var ErrBadDimension = errors.New("embedding: unexpected vector dimension")

// Embedder turns texts into fixed-size vectors. Implementations must return
// one vector per input, in order.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// HTTPEmbedder calls an Ollama-compatible /api/embed endpoint.
type HTTPEmbedder struct {
	client *resty.Client
	model  string
}

func NewHTTPEmbedder(baseURL, model string) *HTTPEmbedder {
	return &HTTPEmbedder{
		client: resty.New().SetBaseURL(baseURL),
		model:  model,
	}
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (e *HTTPEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var out embedResponse
	resp, err := e.client.R().
		SetContext(ctx).
		SetBody(embedRequest{Model: e.model, Input: texts}).
		SetResult(&out).
		Post("/api/embed")
	if err != nil {
		return nil, fmt.Errorf("embedding: call model server: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("embedding: model server returned %s", resp.Status())
	}
	if len(out.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding: expected %d vectors, got %d", len(texts), len(out.Embeddings))
	}
	for i, vec := range out.Embeddings {
		if len(vec) != Dimensions {
			return nil, fmt.Errorf("%w: vector %d has %d elements", ErrBadDimension, i, len(vec))
		}
	}
	return out.Embeddings, nil
}
