// Package store persists embedded ordinance chunks and serves cosine
// nearest-neighbor search over them.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/folcright/zonelcpilot/pkg/models"
)

// ErrDimensionMismatch is returned when a vector's length differs from the
// store's configured embedding dimension. Ingestion aborts for that chunk.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// ChunkMeta holds the metadata needed to decide whether a chunk must be
// re-embedded.
type ChunkMeta struct {
	ContentHash string
}

// ChunkStore is the interface both vector store implementations satisfy.
//
// Upsert is idempotent on chunk ID. Search returns at most k results sorted
// by non-increasing cosine similarity, ties broken by insertion order; an
// empty store yields an empty result, not an error.
type ChunkStore interface {
	Migrate(ctx context.Context, dim int) error
	Upsert(ctx context.Context, c models.Chunk, vec []float32, contentHash string) error
	GetChunkMeta(ctx context.Context, id string) (ChunkMeta, bool, error)
	Search(ctx context.Context, vec []float32, k int) ([]models.SearchResult, error)
	Sections(ctx context.Context) ([]string, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// Open selects a store implementation from the configured driver.
func Open(ctx context.Context, driver, dataDir, dbURL string) (ChunkStore, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "local":
		return NewLocal(dataDir)
	case "postgres":
		return NewPostgres(ctx, dbURL)
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", driver)
	}
}
