// Package ingest runs the batch pipeline that turns ordinance PDFs into
// embedded chunks in the vector store: extract pages, chunk by section, skip
// unchanged content by hash, embed in batches, upsert.
package ingest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog/log"

	"github.com/folcright/zonelcpilot/internal/ai"
	"github.com/folcright/zonelcpilot/internal/chunker"
	"github.com/folcright/zonelcpilot/internal/loader"
	"github.com/folcright/zonelcpilot/internal/store"
	"github.com/folcright/zonelcpilot/pkg/models"
)

// embedBatchSize bounds how many chunk texts go into one embedding request.
const embedBatchSize = 16

// PageExtractor lets tests substitute the PDF loader.
type PageExtractor func(path string) ([]loader.Page, error)

// Ingester wires the loader, chunker, embedding client and store together.
type Ingester struct {
	Store   store.ChunkStore
	Client  ai.Client
	Chunker *chunker.Chunker
	Extract PageExtractor
	Workers int
}

// New creates an Ingester with the default PDF extractor.
func New(st store.ChunkStore, client ai.Client, ck *chunker.Chunker) *Ingester {
	workers := runtime.NumCPU()
	if workers > 4 {
		workers = 4 // keep embedding request concurrency polite
	}
	return &Ingester{
		Store:   st,
		Client:  client,
		Chunker: ck,
		Extract: loader.ExtractPages,
		Workers: workers,
	}
}

// IngestFile ingests a single ordinance PDF. Individual chunk failures are
// logged and skipped; the run fails only when no chunk could be stored.
func (ix *Ingester) IngestFile(ctx context.Context, path string) error {
	pages, err := ix.Extract(path)
	if err != nil {
		return fmt.Errorf("extract %s: %w", path, err)
	}

	chunks := ix.Chunker.MergeRelated(ix.Chunker.ChunkPages(pages))
	log.Info().Str("path", path).Int("pages", len(pages)).Int("chunks", len(chunks)).Msg("document chunked")
	if len(chunks) == 0 {
		return nil
	}

	return ix.ingestChunks(ctx, chunks)
}

// IngestDir walks root and ingests every PDF found. A document that fails
// entirely is logged and the walk continues.
func (ix *Ingester) IngestDir(ctx context.Context, root string) error {
	var ingested int
	err := godirwalk.Walk(root, &godirwalk.Options{
		Unsorted: false,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de != nil && de.IsDir() {
				return nil
			}
			if !strings.EqualFold(filepath.Ext(path), ".pdf") {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := ix.IngestFile(ctx, path); err != nil {
				log.Error().Err(err).Str("path", path).Msg("document ingestion failed")
				return nil
			}
			ingested++
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("walk %s: %w", root, err)
	}
	if ingested == 0 {
		return fmt.Errorf("no PDF documents ingested under %s", root)
	}
	return nil
}

// ingestChunks embeds and upserts chunks with a small worker pool. Chunks
// whose stored content hash is unchanged are skipped without re-embedding.
func (ix *Ingester) ingestChunks(ctx context.Context, chunks []models.Chunk) error {
	pending := make([]models.Chunk, 0, len(chunks))
	for _, c := range chunks {
		hash := hashContent(c.Text)
		meta, found, err := ix.Store.GetChunkMeta(ctx, c.ID)
		if err != nil {
			log.Warn().Err(err).Str("chunk", c.ID).Msg("metadata lookup failed, re-embedding")
		} else if found && meta.ContentHash == hash {
			log.Debug().Str("chunk", c.ID).Str("section", c.Section).Msg("content unchanged, skipping")
			continue
		}
		pending = append(pending, c)
	}
	if len(pending) == 0 {
		log.Info().Int("chunks", len(chunks)).Msg("all chunks already ingested")
		return nil
	}

	batches := make(chan []models.Chunk, ix.Workers)
	var stored, failed atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < ix.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batch := range batches {
				ix.processBatch(ctx, batch, &stored, &failed)
			}
		}()
	}

	for start := 0; start < len(pending); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(pending) {
			end = len(pending)
		}
		select {
		case batches <- pending[start:end]:
		case <-ctx.Done():
			close(batches)
			wg.Wait()
			return ctx.Err()
		}
	}
	close(batches)
	wg.Wait()

	log.Info().
		Int64("stored", stored.Load()).
		Int64("failed", failed.Load()).
		Int("skipped", len(chunks)-len(pending)).
		Msg("ingestion finished")

	if stored.Load() == 0 && failed.Load() > 0 {
		return errors.New("every chunk failed to ingest")
	}
	return nil
}

func (ix *Ingester) processBatch(ctx context.Context, batch []models.Chunk, stored, failed *atomic.Int64) {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}

	vecs, err := ix.Client.EmbedBatch(ctx, texts)
	if err != nil {
		log.Error().Err(err).Int("chunks", len(batch)).Msg("batch embedding failed")
		failed.Add(int64(len(batch)))
		return
	}

	for i, c := range batch {
		if err := ix.Store.Upsert(ctx, c, vecs[i], hashContent(c.Text)); err != nil {
			log.Error().Err(err).Str("chunk", c.ID).Str("section", c.Section).Msg("upsert failed")
			failed.Add(1)
			continue
		}
		log.Debug().Str("chunk", c.ID).Str("section", c.Section).Int("tokens", c.TokenCount).Msg("chunk stored")
		stored.Add(1)
	}
}

// hashContent returns the SHA-1 hash of the given content as a hex string.
func hashContent(s string) string {
	h := sha1.Sum([]byte(s))
	return hex.EncodeToString(h[:])
}
