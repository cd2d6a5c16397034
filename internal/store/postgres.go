package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/folcright/zonelcpilot/pkg/models"
)

// PostgresStore persists chunks in a pgvector-enabled database.
type PostgresStore struct {
	pool *pgxpool.Pool
	dim  int
}

// NewPostgres creates a store connected to the given database URL.
func NewPostgres(ctx context.Context, url string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: p}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Migrate applies the schema. The embedding column is sized to the embedding
// model's output dimension.
func (s *PostgresStore) Migrate(ctx context.Context, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("invalid embedding dimension %d", dim)
	}

	q := `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS ordinance_chunks (
  id           TEXT PRIMARY KEY,
  seq          BIGSERIAL,
  section      TEXT NOT NULL DEFAULT '',
  article      TEXT NOT NULL DEFAULT '',
  category     TEXT NOT NULL DEFAULT 'general',
  source_page  INT,
  content      TEXT NOT NULL,
  token_count  INT,
  embedding    vector(%d) NOT NULL,
  content_hash TEXT,
  created_at   TIMESTAMP WITH TIME ZONE DEFAULT now()
);

CREATE INDEX IF NOT EXISTS ordinance_chunks_section_idx
  ON ordinance_chunks (section);

CREATE INDEX IF NOT EXISTS ordinance_chunks_hash_idx
  ON ordinance_chunks (content_hash);

CREATE INDEX IF NOT EXISTS ordinance_chunks_embedding_idx
  ON ordinance_chunks USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);
`
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(q, dim)); err != nil {
		return err
	}

	// CREATE TABLE IF NOT EXISTS keeps an existing table as-is, so the
	// embedding column may still carry an earlier model's dimension. For
	// vector columns atttypmod is the declared dimension.
	var existing int
	err := s.pool.QueryRow(ctx,
		`SELECT atttypmod FROM pg_attribute
		 WHERE attrelid = 'ordinance_chunks'::regclass AND attname = 'embedding'`,
	).Scan(&existing)
	if err != nil {
		return fmt.Errorf("read embedding dimension: %w", err)
	}
	if existing != dim {
		n, err := s.Count(ctx)
		if err != nil {
			return err
		}
		if err := checkDimChange(existing, dim, n); err != nil {
			return err
		}
		if _, err := s.pool.Exec(ctx, fmt.Sprintf(
			`ALTER TABLE ordinance_chunks ALTER COLUMN embedding TYPE vector(%d)`, dim)); err != nil {
			return err
		}
	}

	s.dim = dim
	return nil
}

// checkDimChange decides whether the embedding column may be resized from
// existing to requested dimensions. Only an empty table may change dimension;
// otherwise callers must re-ingest into a fresh database.
func checkDimChange(existing, requested, count int) error {
	if existing > 0 && existing != requested && count > 0 {
		return fmt.Errorf("%w: store has dimension %d, requested %d", ErrDimensionMismatch, existing, requested)
	}
	return nil
}

// Upsert inserts or replaces a chunk, keyed by chunk ID.
func (s *PostgresStore) Upsert(ctx context.Context, c models.Chunk, vec []float32, contentHash string) error {
	if s.dim != 0 && len(vec) != s.dim {
		return fmt.Errorf("%w: got %d, store expects %d", ErrDimensionMismatch, len(vec), s.dim)
	}

	const q = `
		INSERT INTO ordinance_chunks (
			id, section, article, category, source_page, content,
			token_count, embedding, content_hash, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
		ON CONFLICT (id) DO UPDATE SET
			section      = EXCLUDED.section,
			article      = EXCLUDED.article,
			category     = EXCLUDED.category,
			source_page  = EXCLUDED.source_page,
			content      = EXCLUDED.content,
			token_count  = EXCLUDED.token_count,
			embedding    = EXCLUDED.embedding,
			content_hash = EXCLUDED.content_hash,
			created_at   = ordinance_chunks.created_at;`

	_, err := s.pool.Exec(ctx, q,
		c.ID, c.Section, c.Article, c.Category, c.SourcePage, c.Text,
		c.TokenCount, pgvector.NewVector(vec), contentHash,
	)
	return err
}

func (s *PostgresStore) GetChunkMeta(ctx context.Context, id string) (ChunkMeta, bool, error) {
	const q = `SELECT COALESCE(content_hash, '') FROM ordinance_chunks WHERE id = $1`

	var m ChunkMeta
	err := s.pool.QueryRow(ctx, q, id).Scan(&m.ContentHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ChunkMeta{}, false, nil
		}
		return ChunkMeta{}, false, err
	}
	return m, true, nil
}

// Search returns the k nearest chunks by cosine similarity. Equal scores keep
// insertion order via the seq column.
func (s *PostgresStore) Search(ctx context.Context, vec []float32, k int) ([]models.SearchResult, error) {
	if k <= 0 {
		return []models.SearchResult{}, nil
	}
	if s.dim != 0 && len(vec) != s.dim {
		return nil, fmt.Errorf("%w: got %d, store expects %d", ErrDimensionMismatch, len(vec), s.dim)
	}

	const q = `
SELECT id, section, article, category, source_page, content, token_count, created_at,
       1 - (embedding <=> $1) AS score
FROM ordinance_chunks
ORDER BY embedding <=> $1, seq ASC
LIMIT $2;`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(vec), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.SearchResult{}
	for rows.Next() {
		var c models.Chunk
		var score float64
		if err := rows.Scan(
			&c.ID, &c.Section, &c.Article, &c.Category, &c.SourcePage,
			&c.Text, &c.TokenCount, &c.CreatedAt, &score,
		); err != nil {
			return nil, err
		}
		out = append(out, models.SearchResult{Chunk: c, Score: score})
	}
	return out, rows.Err()
}

// Sections returns the distinct section labels in the store.
func (s *PostgresStore) Sections(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT section FROM ordinance_chunks WHERE section <> '' ORDER BY section`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sections []string
	for rows.Next() {
		var sec string
		if err := rows.Scan(&sec); err != nil {
			return nil, err
		}
		sections = append(sections, sec)
	}
	return sections, rows.Err()
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM ordinance_chunks`).Scan(&n)
	return n, err
}

// Ping checks the database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}
