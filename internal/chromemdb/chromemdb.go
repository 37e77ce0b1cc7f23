// Package chromemdb backs the vector index with chromem-go's embedded,
// persistent document store. chromem only ranks by cosine similarity, so
// searches with any other metric are rejected; the collection manifest lives
// next to the chromem data so the directory stays self-describing.
package chromemdb

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"sync"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"docqa/internal/models"
	"docqa/internal/store"
)

// Reserved metadata keys carrying chunk fields through chromem documents.
const (
	metaStart   = "_start"
	metaEnd     = "_end"
	metaOverlap = "_overlap"
	metaSeq     = "_seq"
)

const compress = false

// Store implements the pipeline's vector index on chromem-go. Unlike the
// file backend, a rebuild is delete-and-recreate rather than an atomic
// directory swap; rebuilds are serialized behind the store mutex.
type Store struct {
	path       string
	collection string

	mu  sync.Mutex
	db  *chromem.DB
	col *chromem.Collection
}

// New opens (or prepares) a chromem-backed collection rooted at path.
func New(path, collection string) (*Store, error) {
	db, err := chromem.NewPersistentDB(filepath.Join(path, "chromem"), compress)
	if err != nil {
		return nil, fmt.Errorf("%w: opening chromem db at %s: %v", models.ErrPersistence, path, err)
	}
	return &Store{path: path, collection: collection, db: db}, nil
}

// Manifest returns the collection manifest, or ErrNotIndexed if the
// collection has never been built.
func (s *Store) Manifest(ctx context.Context) (models.Manifest, error) {
	if !store.Exists(s.path) {
		return models.Manifest{}, fmt.Errorf("%w: no collection at %s", models.ErrNotIndexed, s.path)
	}
	return store.ReadManifest(s.path)
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	if !store.Exists(s.path) {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	col, err := s.open()
	if err != nil {
		return 0, err
	}
	return col.Count(), nil
}

// Upsert adds entries; chromem replaces documents whose ID already exists.
func (s *Store) Upsert(ctx context.Context, entries []models.Entry) error {
	man, err := s.Manifest(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	col, err := s.open()
	if err != nil {
		return err
	}

	docs := make([]chromem.Document, 0, len(entries))
	seq := col.Count()
	for _, e := range entries {
		if len(e.Vector) != man.Dimension {
			return fmt.Errorf("%w: entry %s has dimension %d, collection has %d",
				models.ErrDimensionMismatch, e.Chunk.ID, len(e.Vector), man.Dimension)
		}
		e.Seq = seq
		seq++
		docs = append(docs, toDocument(e))
	}
	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("%w: adding documents: %v", models.ErrPersistence, err)
	}

	man.EntryCount = col.Count()
	return store.WriteManifest(s.path, man)
}

// Rebuild drops the chromem collection and writes a fresh one from entries.
func (s *Store) Rebuild(ctx context.Context, man models.Manifest, entries []models.Entry) error {
	if man.Metric != models.MetricCosine {
		return fmt.Errorf("%w: chromem backend ranks by cosine only, got %s",
			models.ErrUnsupportedMetric, man.Metric)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.DeleteCollection(s.collection); err != nil {
		return fmt.Errorf("%w: dropping collection %s: %v", models.ErrPersistence, s.collection, err)
	}
	s.col = nil
	col, err := s.open()
	if err != nil {
		return err
	}

	docs := make([]chromem.Document, len(entries))
	for i, e := range entries {
		if len(e.Vector) != man.Dimension {
			return fmt.Errorf("%w: entry %s has dimension %d, manifest declares %d",
				models.ErrDimensionMismatch, e.Chunk.ID, len(e.Vector), man.Dimension)
		}
		e.Seq = i
		docs[i] = toDocument(e)
	}
	if len(docs) > 0 {
		if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
			return fmt.Errorf("%w: adding documents: %v", models.ErrPersistence, err)
		}
	}

	man.EntryCount = col.Count()
	log.Debug().Str("collection", s.collection).Int("entries", man.EntryCount).Msg("chromem collection rebuilt")
	return store.WriteManifest(s.path, man)
}

// Search ranks all stored entries against the query vector. chromem keeps no
// insertion-order guarantee for equal similarities, so the full result set is
// re-sorted here with a stable sequence tie-break before truncating to k.
func (s *Store) Search(ctx context.Context, query []float32, k int, metric models.Metric) ([]models.SearchResult, error) {
	if k < 1 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", models.ErrInvalidConfig, k)
	}
	if metric != models.MetricCosine {
		return nil, fmt.Errorf("%w: chromem backend ranks by cosine only, got %s",
			models.ErrUnsupportedMetric, metric)
	}
	man, err := s.Manifest(ctx)
	if err != nil {
		return nil, err
	}
	if len(query) != man.Dimension {
		return nil, fmt.Errorf("%w: query has dimension %d, collection has %d",
			models.ErrDimensionMismatch, len(query), man.Dimension)
	}

	s.mu.Lock()
	col, err := s.open()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	total := col.Count()
	if total == 0 {
		return nil, fmt.Errorf("%w: collection %s is empty", models.ErrNotIndexed, s.collection)
	}

	raw, err := col.QueryEmbedding(ctx, query, total, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: querying collection: %v", models.ErrPersistence, err)
	}

	results := make([]models.SearchResult, len(raw))
	seqs := make([]int, len(raw))
	for i, r := range raw {
		results[i] = models.SearchResult{Chunk: fromResult(r), Score: r.Similarity}
		seqs[i], _ = strconv.Atoi(r.Metadata[metaSeq])
	}
	order := make([]int, len(results))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if results[a].Score != results[b].Score {
			return results[a].Score > results[b].Score
		}
		return seqs[a] < seqs[b]
	})
	ranked := make([]models.SearchResult, len(results))
	for i, idx := range order {
		ranked[i] = results[idx]
	}
	if k > len(ranked) {
		k = len(ranked)
	}
	return ranked[:k], nil
}

// Drop removes the whole collection directory.
func (s *Store) Drop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.DeleteCollection(s.collection); err != nil {
		return fmt.Errorf("%w: dropping collection %s: %v", models.ErrPersistence, s.collection, err)
	}
	s.col = nil
	return store.Remove(s.path)
}

// Close drops the cached collection handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.col = nil
	return nil
}

// open returns the chromem collection, creating it if needed. Callers hold
// the mutex.
func (s *Store) open() (*chromem.Collection, error) {
	if s.col != nil {
		return s.col, nil
	}
	col, err := s.db.GetOrCreateCollection(s.collection, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: opening collection %s: %v", models.ErrPersistence, s.collection, err)
	}
	s.col = col
	return col, nil
}

func toDocument(e models.Entry) chromem.Document {
	meta := make(map[string]string, len(e.Chunk.Metadata)+4)
	for k, v := range e.Chunk.Metadata {
		meta[k] = v
	}
	meta[metaStart] = strconv.Itoa(e.Chunk.Start)
	meta[metaEnd] = strconv.Itoa(e.Chunk.End)
	meta[metaOverlap] = strconv.Itoa(e.Chunk.Overlap)
	meta[metaSeq] = strconv.Itoa(e.Seq)
	return chromem.Document{
		ID:        e.Chunk.ID,
		Content:   e.Chunk.Text,
		Metadata:  meta,
		Embedding: e.Vector,
	}
}

func fromResult(r chromem.Result) models.Chunk {
	c := models.Chunk{ID: r.ID, Text: r.Content}
	c.Start, _ = strconv.Atoi(r.Metadata[metaStart])
	c.End, _ = strconv.Atoi(r.Metadata[metaEnd])
	c.Overlap, _ = strconv.Atoi(r.Metadata[metaOverlap])
	for k, v := range r.Metadata {
		switch k {
		case metaStart, metaEnd, metaOverlap, metaSeq:
		default:
			if c.Metadata == nil {
				c.Metadata = map[string]string{}
			}
			c.Metadata[k] = v
		}
	}
	return c
}
