// Package store implements the default directory-backed vector store. A
// collection is a self-contained directory: a manifest recording the
// embedding dimensionality, similarity metric and chunking parameters it was
// built with, plus one gob-encoded file per entry. Entry files and the
// manifest are written through temp-file renames, and a rebuild assembles
// the new collection in a sibling directory before swapping it into place,
// so concurrent readers see either the old or the new collection, never a
// partial one.
package store

import (
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"docqa/internal/models"
)

const (
	manifestFile = "manifest.json"
	entriesDir   = "entries"
)

// FileStore is a handle to a collection directory. It loads entries into
// memory on first use; a handle opened before a rebuild keeps serving the
// collection it loaded. Safe for concurrent use.
type FileStore struct {
	path string

	mu      sync.RWMutex
	loaded  bool
	man     models.Manifest
	entries []models.Entry // sorted by Seq
	byID    map[string]int // chunk ID -> index into entries
	nextSeq int
}

// New returns a handle for the collection at path. The collection need not
// exist yet; Rebuild creates it.
func New(path string) *FileStore {
	return &FileStore{path: path}
}

// Exists reports whether a collection has been created at path.
func Exists(path string) bool {
	_, err := os.Stat(filepath.Join(path, manifestFile))
	return err == nil
}

// IsEmpty reports whether the collection at path holds no entries. A missing
// collection is empty.
func IsEmpty(path string) (bool, error) {
	if !Exists(path) {
		return true, nil
	}
	man, err := readManifest(path)
	if err != nil {
		return false, err
	}
	return man.EntryCount == 0, nil
}

// Remove deletes the collection directory. Removal is explicit; nothing in
// the store deletes a collection implicitly.
func Remove(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("%w: removing collection %s: %v", models.ErrPersistence, path, err)
	}
	return nil
}

// Manifest returns the collection's manifest, loading the collection if
// needed. Returns ErrNotIndexed when no collection exists at the path.
func (s *FileStore) Manifest(ctx context.Context) (models.Manifest, error) {
	if err := s.load(); err != nil {
		return models.Manifest{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.man, nil
}

// Count returns the number of entries in the collection.
func (s *FileStore) Count(ctx context.Context) (int, error) {
	if err := s.load(); err != nil {
		if errors.Is(err, models.ErrNotIndexed) {
			return 0, nil
		}
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

// Upsert adds entries to the collection. An incoming entry whose chunk ID
// matches an existing one replaces it, keeping the original insertion
// sequence so tie-breaking stays stable across re-ingestions.
func (s *FileStore) Upsert(ctx context.Context, entries []models.Entry) error {
	if err := s.load(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		if len(e.Vector) != s.man.Dimension {
			return fmt.Errorf("%w: entry %s has dimension %d, collection has %d",
				models.ErrDimensionMismatch, e.Chunk.ID, len(e.Vector), s.man.Dimension)
		}
	}

	dir := filepath.Join(s.path, entriesDir)
	for _, e := range entries {
		if i, ok := s.byID[e.Chunk.ID]; ok {
			e.Seq = s.entries[i].Seq
			if err := writeEntry(dir, e); err != nil {
				return err
			}
			s.entries[i] = e
			continue
		}
		e.Seq = s.nextSeq
		s.nextSeq++
		if err := writeEntry(dir, e); err != nil {
			return err
		}
		s.byID[e.Chunk.ID] = len(s.entries)
		s.entries = append(s.entries, e)
	}

	s.man.EntryCount = len(s.entries)
	s.man.UpdatedAt = time.Now().UTC()
	return writeManifest(s.path, s.man)
}

// Rebuild discards any collection at the path and writes a fresh one from
// entries, assigning insertion sequence by slice order. The new collection
// is assembled in a temporary sibling directory and swapped in by rename.
func (s *FileStore) Rebuild(ctx context.Context, man models.Manifest, entries []models.Entry) error {
	for _, e := range entries {
		if len(e.Vector) != man.Dimension {
			return fmt.Errorf("%w: entry %s has dimension %d, manifest declares %d",
				models.ErrDimensionMismatch, e.Chunk.ID, len(e.Vector), man.Dimension)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path + ".rebuild-" + uuid.NewString()
	if err := os.MkdirAll(filepath.Join(tmp, entriesDir), 0o755); err != nil {
		return fmt.Errorf("%w: creating %s: %v", models.ErrPersistence, tmp, err)
	}
	cleanup := true
	defer func() {
		if cleanup {
			os.RemoveAll(tmp)
		}
	}()

	fresh := make([]models.Entry, len(entries))
	byID := make(map[string]int, len(entries))
	for i, e := range entries {
		e.Seq = i
		if err := writeEntry(filepath.Join(tmp, entriesDir), e); err != nil {
			return err
		}
		fresh[i] = e
		byID[e.Chunk.ID] = i
	}
	man.EntryCount = len(fresh)
	man.UpdatedAt = time.Now().UTC()
	if err := writeManifest(tmp, man); err != nil {
		return err
	}

	if Exists(s.path) {
		old := s.path + ".old-" + uuid.NewString()
		if err := os.Rename(s.path, old); err != nil {
			return fmt.Errorf("%w: retiring old collection: %v", models.ErrPersistence, err)
		}
		if err := os.Rename(tmp, s.path); err != nil {
			// Put the old collection back: it is still intact.
			if rerr := os.Rename(old, s.path); rerr != nil {
				log.Error().Err(rerr).Str("path", s.path).Msg("failed to restore collection after aborted swap")
			}
			return fmt.Errorf("%w: swapping in rebuilt collection: %v", models.ErrPersistence, err)
		}
		os.RemoveAll(old)
	} else {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
			return fmt.Errorf("%w: creating %s: %v", models.ErrPersistence, filepath.Dir(s.path), err)
		}
		if err := os.Rename(tmp, s.path); err != nil {
			return fmt.Errorf("%w: moving rebuilt collection into place: %v", models.ErrPersistence, err)
		}
	}
	cleanup = false

	s.loaded = true
	s.man = man
	s.entries = fresh
	s.byID = byID
	s.nextSeq = len(fresh)
	log.Debug().Str("path", s.path).Int("entries", len(fresh)).Msg("collection rebuilt")
	return nil
}

// Search returns up to k entries ranked by similarity to query under the
// given metric, scores descending, ties broken by insertion order.
func (s *FileStore) Search(ctx context.Context, query []float32, k int, metric models.Metric) ([]models.SearchResult, error) {
	if k < 1 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", models.ErrInvalidConfig, k)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.entries) == 0 {
		return nil, fmt.Errorf("%w: collection %s is empty", models.ErrNotIndexed, s.path)
	}
	if len(query) != s.man.Dimension {
		return nil, fmt.Errorf("%w: query has dimension %d, collection has %d",
			models.ErrDimensionMismatch, len(query), s.man.Dimension)
	}

	results := make([]models.SearchResult, len(s.entries))
	for i, e := range s.entries {
		results[i] = models.SearchResult{Chunk: e.Chunk, Score: metric.Score(query, e.Vector)}
	}
	// Entries are in Seq order; a stable sort keeps ties that way.
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if k > len(results) {
		k = len(results)
	}
	return results[:k], nil
}

// Drop removes the collection from disk and resets the handle.
func (s *FileStore) Drop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := Remove(s.path); err != nil {
		return err
	}
	s.loaded = false
	s.entries = nil
	s.byID = nil
	s.nextSeq = 0
	return nil
}

// Close releases the in-memory view. The handle can be reused; the next
// operation reloads from disk.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = false
	s.entries = nil
	s.byID = nil
	return nil
}

func (s *FileStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}
	if !Exists(s.path) {
		return fmt.Errorf("%w: no collection at %s", models.ErrNotIndexed, s.path)
	}
	man, err := readManifest(s.path)
	if err != nil {
		return err
	}

	dir := filepath.Join(s.path, entriesDir)
	names, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: reading %s: %v", models.ErrPersistence, dir, err)
	}
	entries := make([]models.Entry, 0, len(names))
	for _, de := range names {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".gob") {
			continue
		}
		e, err := readEntry(filepath.Join(dir, de.Name()))
		if err != nil {
			return err
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })

	byID := make(map[string]int, len(entries))
	nextSeq := 0
	for i, e := range entries {
		byID[e.Chunk.ID] = i
		if e.Seq >= nextSeq {
			nextSeq = e.Seq + 1
		}
	}

	s.man = man
	s.entries = entries
	s.byID = byID
	s.nextSeq = nextSeq
	s.loaded = true
	return nil
}

// ReadManifest loads the manifest of the collection rooted at path. Other
// store backends share the same manifest layout so any collection directory
// is self-describing regardless of backend.
func ReadManifest(path string) (models.Manifest, error) {
	return readManifest(path)
}

// WriteManifest persists the manifest for the collection rooted at path.
func WriteManifest(path string, man models.Manifest) error {
	return writeManifest(path, man)
}

func readManifest(path string) (models.Manifest, error) {
	var man models.Manifest
	data, err := os.ReadFile(filepath.Join(path, manifestFile))
	if err != nil {
		return man, fmt.Errorf("%w: reading manifest: %v", models.ErrPersistence, err)
	}
	if err := json.Unmarshal(data, &man); err != nil {
		return man, fmt.Errorf("%w: decoding manifest: %v", models.ErrPersistence, err)
	}
	return man, nil
}

func writeManifest(path string, man models.Manifest) error {
	data, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding manifest: %v", models.ErrPersistence, err)
	}
	return atomicWrite(filepath.Join(path, manifestFile), data)
}

func writeEntry(dir string, e models.Entry) error {
	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: creating entry file: %v", models.ErrPersistence, err)
	}
	if err := gob.NewEncoder(f).Encode(e); err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("%w: encoding entry %s: %v", models.ErrPersistence, e.Chunk.ID, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return fmt.Errorf("%w: writing entry %s: %v", models.ErrPersistence, e.Chunk.ID, err)
	}
	if err := os.Rename(f.Name(), filepath.Join(dir, e.Chunk.ID+".gob")); err != nil {
		os.Remove(f.Name())
		return fmt.Errorf("%w: committing entry %s: %v", models.ErrPersistence, e.Chunk.ID, err)
	}
	return nil
}

func readEntry(path string) (models.Entry, error) {
	var e models.Entry
	f, err := os.Open(path)
	if err != nil {
		return e, fmt.Errorf("%w: opening entry: %v", models.ErrPersistence, err)
	}
	defer f.Close()
	if err := gob.NewDecoder(f).Decode(&e); err != nil {
		return e, fmt.Errorf("%w: decoding entry %s: %v", models.ErrPersistence, path, err)
	}
	return e, nil
}

func atomicWrite(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: creating %s: %v", models.ErrPersistence, path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("%w: writing %s: %v", models.ErrPersistence, path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return fmt.Errorf("%w: writing %s: %v", models.ErrPersistence, path, err)
	}
	if err := os.Rename(f.Name(), path); err != nil {
		os.Remove(f.Name())
		return fmt.Errorf("%w: committing %s: %v", models.ErrPersistence, path, err)
	}
	return nil
}
