// Package pipeline orchestrates ingestion (chunk, embed, store) and
// retrieval (embed query, search, synthesize). It owns the freshness
// contract between the two paths: a completed ingest always invalidates the
// cached store handle, so queries never observe a superseded collection
// through a stale handle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"docqa/internal/chunker"
	"docqa/internal/embedding"
	"docqa/internal/llmservice"
	"docqa/internal/models"
)

// VectorIndex is the store contract the pipeline drives. Three backends
// implement it: the directory-backed file store, chromem-go, and
// Postgres/pgvector.
type VectorIndex interface {
	Manifest(ctx context.Context) (models.Manifest, error)
	Count(ctx context.Context) (int, error)
	Upsert(ctx context.Context, entries []models.Entry) error
	Rebuild(ctx context.Context, man models.Manifest, entries []models.Entry) error
	Search(ctx context.Context, query []float32, k int, metric models.Metric) ([]models.SearchResult, error)
	Drop(ctx context.Context) error
	Close() error
}

// OpenFunc opens a fresh handle to the configured store backend.
type OpenFunc func(ctx context.Context) (VectorIndex, error)

// IngestResult reports what an ingestion wrote.
type IngestResult struct {
	EntriesWritten int
	CollectionID   string
	Rebuilt        bool
}

// QueryResult carries the synthesized answer together with the retrieved
// chunks it was grounded on.
type QueryResult struct {
	Answer  string
	Sources []models.SearchResult
}

// Pipeline is safe for concurrent use. Ingestions are serialized; queries
// run concurrently with each other.
type Pipeline struct {
	embedder    embedding.Provider
	synthesizer llmservice.Synthesizer
	open        OpenFunc

	ingestMu sync.Mutex // at most one ingest per pipeline

	mu  sync.Mutex // guards idx
	idx VectorIndex
}

// New wires a pipeline from its collaborators.
func New(open OpenFunc, embedder embedding.Provider, synthesizer llmservice.Synthesizer) *Pipeline {
	return &Pipeline{open: open, embedder: embedder, synthesizer: synthesizer}
}

// Ingest chunks text, embeds every chunk, and writes the entries to the
// store. If the existing collection was built with different chunking
// parameters (or a different embedding dimensionality) the collection is
// rebuilt from scratch, because chunk identities are not comparable across
// configurations; otherwise entries are upserted in place.
//
// All entries are buffered in memory before the first store write, so an
// embedding failure or timeout leaves the collection exactly as it was.
func (p *Pipeline) Ingest(ctx context.Context, text string, cfg models.PipelineConfig) (IngestResult, error) {
	if err := cfg.Validate(); err != nil {
		return IngestResult{}, err
	}

	chunks, err := chunker.Split(text, cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		return IngestResult{}, err
	}
	if len(chunks) == 0 {
		return IngestResult{}, fmt.Errorf("%w: document text is empty", models.ErrInvalidConfig)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return IngestResult{}, fmt.Errorf("embedding %d chunks: %w", len(chunks), err)
	}
	entries := make([]models.Entry, len(chunks))
	for i, c := range chunks {
		entries[i] = models.Entry{Chunk: c, Vector: vectors[i]}
	}

	p.ingestMu.Lock()
	defer p.ingestMu.Unlock()

	idx, err := p.handle(ctx)
	if err != nil {
		return IngestResult{}, err
	}

	man, err := idx.Manifest(ctx)
	rebuild := false
	switch {
	case errors.Is(err, models.ErrNotIndexed):
		rebuild = true
	case err != nil:
		return IngestResult{}, err
	default:
		rebuild = man.ChunkSize != cfg.ChunkSize ||
			man.ChunkOverlap != cfg.ChunkOverlap ||
			man.Dimension != p.embedder.Dimension()
	}

	result := IngestResult{EntriesWritten: len(entries), Rebuilt: rebuild}
	start := time.Now()
	if rebuild {
		man = models.Manifest{
			CollectionID: uuid.NewString(),
			Dimension:    p.embedder.Dimension(),
			Metric:       cfg.Metric,
			ChunkSize:    cfg.ChunkSize,
			ChunkOverlap: cfg.ChunkOverlap,
		}
		if err := idx.Rebuild(ctx, man, entries); err != nil {
			return IngestResult{}, err
		}
	} else {
		if err := idx.Upsert(ctx, entries); err != nil {
			return IngestResult{}, err
		}
	}
	result.CollectionID = man.CollectionID

	// A completed ingest supersedes whatever handle queries were using.
	p.invalidate()

	log.Info().
		Int("entries", len(entries)).
		Bool("rebuilt", rebuild).
		Str("collection", man.CollectionID).
		Dur("took", time.Since(start)).
		Msg("ingestion complete")
	return result, nil
}

// Query embeds the question, retrieves the top-k most similar chunks, and
// hands them to the synthesizer. Fails with ErrNotIndexed when no collection
// exists or it is empty. Never mutates store state.
func (p *Pipeline) Query(ctx context.Context, question string, cfg models.PipelineConfig) (QueryResult, error) {
	if err := cfg.Validate(); err != nil {
		return QueryResult{}, err
	}
	if question == "" {
		return QueryResult{}, fmt.Errorf("%w: question is empty", models.ErrInvalidConfig)
	}

	idx, err := p.handle(ctx)
	if err != nil {
		return QueryResult{}, err
	}
	n, err := idx.Count(ctx)
	if err != nil {
		return QueryResult{}, err
	}
	if n == 0 {
		return QueryResult{}, fmt.Errorf("%w: ingest a document first", models.ErrNotIndexed)
	}

	qvec, err := p.embedder.Embed(ctx, []string{question})
	if err != nil {
		return QueryResult{}, fmt.Errorf("embedding question: %w", err)
	}

	sources, err := idx.Search(ctx, qvec[0], cfg.TopK, cfg.Metric)
	if err != nil {
		return QueryResult{}, err
	}

	contexts := make([]models.Chunk, len(sources))
	for i, s := range sources {
		contexts[i] = s.Chunk
	}
	answer, err := p.synthesizer.Answer(ctx, question, contexts)
	if err != nil {
		return QueryResult{}, fmt.Errorf("synthesizing answer: %w", err)
	}
	return QueryResult{Answer: answer, Sources: sources}, nil
}

// Manifest exposes the current collection manifest, for status reporting.
func (p *Pipeline) Manifest(ctx context.Context) (models.Manifest, error) {
	idx, err := p.handle(ctx)
	if err != nil {
		return models.Manifest{}, err
	}
	return idx.Manifest(ctx)
}

// Drop removes the collection. The handle cache is invalidated so a later
// query reports ErrNotIndexed instead of serving the removed collection.
func (p *Pipeline) Drop(ctx context.Context) error {
	p.ingestMu.Lock()
	defer p.ingestMu.Unlock()

	idx, err := p.handle(ctx)
	if err != nil {
		return err
	}
	if err := idx.Drop(ctx); err != nil {
		return err
	}
	p.invalidate()
	return nil
}

// Close releases the cached handle.
func (p *Pipeline) Close() error {
	p.invalidate()
	return nil
}

// handle returns the cached store handle, opening one if needed.
func (p *Pipeline) handle(ctx context.Context) (VectorIndex, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.idx != nil {
		return p.idx, nil
	}
	idx, err := p.open(ctx)
	if err != nil {
		return nil, err
	}
	p.idx = idx
	return idx, nil
}

func (p *Pipeline) invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.idx != nil {
		p.idx.Close()
		p.idx = nil
	}
}
