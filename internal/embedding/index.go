// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/soundcast/soundcast/internal/entity"
	"github.com/soundcast/soundcast/pkg/commons"
)

// maxL2Distance bounds the SQL-level search; anything farther is noise.
const maxL2Distance = 10.0

// ErrIndexDisabled is returned by search when the vector extension is not
// loaded.
var ErrIndexDisabled = errors.New("embedding: vector index disabled")

// VectorStore is the persistence surface the queue worker writes through.
type VectorStore interface {
	Insert(transcriptID, roomID int64, vec []float32) error
}

// SearchResult pairs a matched segment with its similarity in (0, 1].
type SearchResult struct {
	Segment    entity.TranscriptSegment `json:"segment"`
	Similarity float64                  `json:"similarity"`
}

// SearchOptions narrows SearchSimilar. Zero Limit means 10; zero MinScore
// means 0.5.
type SearchOptions struct {
	Limit       int
	MinScore    float64
	ChannelName string
}

// SqliteIndex stores vectors in the vec_transcripts vec0 table. The vector
// row and its embedding_metadata row share a rowid and are always written
// in one transaction.
type SqliteIndex struct {
	logger   commons.Logger
	db       *gorm.DB
	embedder Embedder
	enabled  bool
}

func NewSqliteIndex(logger commons.Logger, db *gorm.DB, embedder Embedder, enabled bool) *SqliteIndex {
	return &SqliteIndex{
		logger:   logger.Named("vector-index"),
		db:       db,
		embedder: embedder,
		enabled:  enabled,
	}
}

// Insert writes the vector and its metadata row atomically, copying the
// vector row's generated rowid onto the metadata primary key.
func (i *SqliteIndex) Insert(transcriptID, roomID int64, vec []float32) error {
	if !i.enabled {
		return ErrIndexDisabled
	}
	if len(vec) != Dimensions {
		return fmt.Errorf("%w: got %d elements", ErrBadDimension, len(vec))
	}

	encoded, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("embedding: encode vector: %w", err)
	}

	return i.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(
			"INSERT INTO vec_transcripts(embedding) VALUES (?)", string(encoded),
		).Error; err != nil {
			return fmt.Errorf("embedding: insert vector: %w", err)
		}

		var rowID int64
		if err := tx.Raw("SELECT last_insert_rowid()").Scan(&rowID).Error; err != nil {
			return fmt.Errorf("embedding: read vector rowid: %w", err)
		}

		meta := entity.EmbeddingMetadata{
			ID:           rowID,
			TranscriptID: transcriptID,
			RoomID:       roomID,
		}
		if err := tx.Create(&meta).Error; err != nil {
			return fmt.Errorf("embedding: insert metadata: %w", err)
		}
		return nil
	})
}

// SearchSimilar embeds the query and runs an L2-distance scan over the
// room's vectors. There is no text fallback: an unreachable model server
// fails the search.
func (i *SqliteIndex) SearchSimilar(ctx context.Context, queryText string, roomID int64, opts SearchOptions) ([]SearchResult, error) {
	if !i.enabled {
		return nil, ErrIndexDisabled
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	minScore := opts.MinScore
	if minScore == 0 {
		minScore = 0.5
	}

	vecs, err := i.embedder.EmbedBatch(ctx, []string{queryText})
	if err != nil {
		return nil, fmt.Errorf("embedding: embed query: %w", err)
	}
	encoded, err := json.Marshal(vecs[0])
	if err != nil {
		return nil, fmt.Errorf("embedding: encode query vector: %w", err)
	}

	query := `
		SELECT t.*, vec_distance_L2(v.embedding, ?) AS dist
		FROM vec_transcripts v
		JOIN embedding_metadata m ON m.id = v.rowid
		JOIN transcripts t ON t.id = m.transcript_id
		WHERE m.room_id = ?
		  AND vec_distance_L2(v.embedding, ?) < ?`
	args := []interface{}{string(encoded), roomID, string(encoded), maxL2Distance}
	if opts.ChannelName != "" {
		query += " AND t.channel_name = ?"
		args = append(args, opts.ChannelName)
	}
	query += " ORDER BY dist ASC LIMIT ?"
	args = append(args, limit)

	var rows []struct {
		entity.TranscriptSegment
		Dist float64
	}
	if err := i.db.Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("embedding: similarity query: %w", err)
	}

	results := make([]SearchResult, 0, len(rows))
	for _, row := range rows {
		sim := similarityFromDistance(row.Dist)
		if sim < minScore {
			continue
		}
		results = append(results, SearchResult{Segment: row.TranscriptSegment, Similarity: sim})
	}
	return results, nil
}

// similarityFromDistance maps an L2 distance to (0, 1]: identical vectors
// score 1.
func similarityFromDistance(dist float64) float64 {
	return 1.0 / (1.0 + dist)
}
