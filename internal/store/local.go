package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/folcright/zonelcpilot/pkg/models"
)

const snapshotName = "chunks.json"

// entry is one persisted (chunk, vector) pair. Seq records insertion order
// and is kept across replacing upserts so tie-breaking stays stable.
type entry struct {
	Chunk       models.Chunk `json:"chunk"`
	Vector      []float32    `json:"vector"`
	ContentHash string       `json:"content_hash"`
	Seq         int          `json:"seq"`
}

type snapshot struct {
	Dim     int     `json:"dim"`
	NextSeq int     `json:"next_seq"`
	Entries []entry `json:"entries"`
}

// LocalStore keeps the whole index in memory and persists it as a JSON
// snapshot in a data directory. The snapshot is written to a temp file and
// renamed into place, so a reader never observes a partial write.
type LocalStore struct {
	mu      sync.RWMutex
	dir     string
	dim     int
	nextSeq int
	entries []entry
	byID    map[string]int
}

// NewLocal opens (or creates) the store rooted at dir and loads any existing
// snapshot.
func NewLocal(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s := &LocalStore{dir: dir, byID: make(map[string]int)}

	b, err := os.ReadFile(filepath.Join(dir, snapshotName))
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	s.dim = snap.Dim
	s.nextSeq = snap.NextSeq
	s.entries = snap.Entries
	for i, e := range s.entries {
		s.byID[e.Chunk.ID] = i
	}
	return s, nil
}

// Migrate fixes the embedding dimension. A non-empty store cannot change
// dimension; re-ingest into a fresh directory instead.
func (s *LocalStore) Migrate(ctx context.Context, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("invalid embedding dimension %d", dim)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dim != 0 && s.dim != dim && len(s.entries) > 0 {
		return fmt.Errorf("%w: store has dimension %d, requested %d", ErrDimensionMismatch, s.dim, dim)
	}
	s.dim = dim
	return s.persistLocked()
}

// Upsert stores or replaces the chunk+vector pair, keyed by chunk ID.
func (s *LocalStore) Upsert(ctx context.Context, c models.Chunk, vec []float32, contentHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dim == 0 {
		s.dim = len(vec)
	}
	if len(vec) != s.dim {
		return fmt.Errorf("%w: got %d, store expects %d", ErrDimensionMismatch, len(vec), s.dim)
	}

	e := entry{Chunk: c, Vector: vec, ContentHash: contentHash}
	if i, ok := s.byID[c.ID]; ok {
		e.Seq = s.entries[i].Seq
		s.entries[i] = e
	} else {
		e.Seq = s.nextSeq
		s.nextSeq++
		s.byID[c.ID] = len(s.entries)
		s.entries = append(s.entries, e)
	}

	return s.persistLocked()
}

func (s *LocalStore) GetChunkMeta(ctx context.Context, id string) (ChunkMeta, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.byID[id]
	if !ok {
		return ChunkMeta{}, false, nil
	}
	return ChunkMeta{ContentHash: s.entries[i].ContentHash}, true, nil
}

// Search returns the k entries most similar to vec, descending. Ties keep
// insertion order, earliest first.
func (s *LocalStore) Search(ctx context.Context, vec []float32, k int) ([]models.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.entries) == 0 || k <= 0 {
		return []models.SearchResult{}, nil
	}
	if len(vec) != s.dim {
		return nil, fmt.Errorf("%w: got %d, store expects %d", ErrDimensionMismatch, len(vec), s.dim)
	}

	type scored struct {
		seq   int
		score float64
		chunk models.Chunk
	}
	results := make([]scored, 0, len(s.entries))
	for _, e := range s.entries {
		results = append(results, scored{seq: e.Seq, score: cosine(vec, e.Vector), chunk: e.Chunk})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].seq < results[j].seq
	})

	if k > len(results) {
		k = len(results)
	}
	out := make([]models.SearchResult, 0, k)
	for _, r := range results[:k] {
		out = append(out, models.SearchResult{Chunk: r.chunk, Score: r.score})
	}
	return out, nil
}

func (s *LocalStore) Sections(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var sections []string
	for _, e := range s.entries {
		if e.Chunk.Section != "" && !seen[e.Chunk.Section] {
			seen[e.Chunk.Section] = true
			sections = append(sections, e.Chunk.Section)
		}
	}
	sort.Strings(sections)
	return sections, nil
}

func (s *LocalStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

func (s *LocalStore) Close() error { return nil }

// persistLocked writes the snapshot atomically. Callers hold s.mu.
func (s *LocalStore) persistLocked() error {
	snap := snapshot{Dim: s.dim, NextSeq: s.nextSeq, Entries: s.entries}
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, snapshotName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, snapshotName)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// cosine computes dot(a,b) / (||a|| * ||b||). The norms are multiplied before
// the square root so a vector compared against itself scores exactly 1.0.
func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / math.Sqrt(na*nb)
}
