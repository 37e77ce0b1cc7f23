package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa/internal/models"
	"docqa/internal/store"
)

// hashEmbedder is a deterministic offline provider: characters are folded
// into a fixed number of buckets, so similar texts land near each other.
type hashEmbedder struct {
	dim  int
	fail error // when set, Embed returns this error
}

func (e *hashEmbedder) Dimension() int { return e.dim }

func (e *hashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if e.fail != nil {
		return nil, e.fail
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec := make([]float32, e.dim)
		for j, r := range t {
			vec[(j+int(r))%e.dim] += float32(r) / 1000
		}
		out[i] = vec
	}
	return out, nil
}

// echoSynth answers with the number of context chunks it was given.
type echoSynth struct{ calls int }

func (s *echoSynth) Answer(ctx context.Context, question string, contexts []models.Chunk) (string, error) {
	s.calls++
	return fmt.Sprintf("answer to %q from %d chunks", question, len(contexts)), nil
}

func newTestPipeline(t *testing.T, embedder *hashEmbedder) (*Pipeline, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "col")
	open := func(ctx context.Context) (VectorIndex, error) {
		return store.New(path), nil
	}
	return New(open, embedder, &echoSynth{}), path
}

const sampleText = `The alpine world cup was inaugurated in the 1966-67 season.

Its first overall champion was Jean-Claude Killy, who won twelve of the
seventeen races he entered that winter.

The cup is contested in downhill, slalom, giant slalom and super-G events
across Europe and North America every year.`

func TestPipeline_IngestThenQuery(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t, &hashEmbedder{dim: 32})

	cfg := models.PipelineConfig{ChunkSize: 120, ChunkOverlap: 20, TopK: 2, Metric: models.MetricCosine}
	res, err := p.Ingest(ctx, sampleText, cfg)
	require.NoError(t, err)
	assert.True(t, res.Rebuilt, "first ingestion builds a fresh collection")
	assert.Greater(t, res.EntriesWritten, 1)
	assert.NotEmpty(t, res.CollectionID)

	got, err := p.Query(ctx, "who won the first overall title?", cfg)
	require.NoError(t, err)
	assert.Len(t, got.Sources, 2)
	assert.Contains(t, got.Answer, "2 chunks")
	for i := 1; i < len(got.Sources); i++ {
		assert.GreaterOrEqual(t, got.Sources[i-1].Score, got.Sources[i].Score)
	}
}

func TestPipeline_QueryBeforeIngest(t *testing.T) {
	ctx := context.Background()
	p, path := newTestPipeline(t, &hashEmbedder{dim: 8})

	require.False(t, store.Exists(path))
	_, err := p.Query(ctx, "anything", models.DefaultPipelineConfig())
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrNotIndexed))
}

func TestPipeline_InvalidConfig(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t, &hashEmbedder{dim: 8})

	cfg := models.PipelineConfig{ChunkSize: 100, ChunkOverlap: 100, TopK: 5, Metric: models.MetricCosine}
	_, err := p.Ingest(ctx, sampleText, cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInvalidConfig))

	cfg = models.PipelineConfig{ChunkSize: 100, ChunkOverlap: 10, TopK: 0, Metric: models.MetricCosine}
	_, err = p.Query(ctx, "q", cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInvalidConfig))
}

func TestPipeline_SecondIngestSameParamsUpserts(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t, &hashEmbedder{dim: 16})
	cfg := models.PipelineConfig{ChunkSize: 100, ChunkOverlap: 10, TopK: 3, Metric: models.MetricCosine}

	first, err := p.Ingest(ctx, sampleText, cfg)
	require.NoError(t, err)
	assert.True(t, first.Rebuilt)

	second, err := p.Ingest(ctx, sampleText, cfg)
	require.NoError(t, err)
	assert.False(t, second.Rebuilt, "same parameters must upsert, not rebuild")
	assert.Equal(t, first.CollectionID, second.CollectionID)

	// Idempotence: same text, same config, identical retrieval behavior.
	a, err := p.Query(ctx, "world cup season", cfg)
	require.NoError(t, err)
	man, err := p.Manifest(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.EntriesWritten, man.EntryCount)

	b, err := p.Query(ctx, "world cup season", cfg)
	require.NoError(t, err)
	assert.Equal(t, a.Sources, b.Sources)
}

func TestPipeline_ChunkParamChangeForcesRebuild(t *testing.T) {
	ctx := context.Background()
	p, path := newTestPipeline(t, &hashEmbedder{dim: 16})

	cfg := models.PipelineConfig{ChunkSize: 80, ChunkOverlap: 10, TopK: 5, Metric: models.MetricCosine}
	first, err := p.Ingest(ctx, sampleText, cfg)
	require.NoError(t, err)

	cfg2 := cfg
	cfg2.ChunkSize = 200
	second, err := p.Ingest(ctx, sampleText, cfg2)
	require.NoError(t, err)
	assert.True(t, second.Rebuilt)
	assert.NotEqual(t, first.CollectionID, second.CollectionID)

	// Only chunks from the new configuration survive.
	man, err := store.ReadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, 200, man.ChunkSize)
	assert.Equal(t, second.EntriesWritten, man.EntryCount)

	got, err := p.Query(ctx, "slalom events", cfg2)
	require.NoError(t, err)
	for _, src := range got.Sources {
		assert.LessOrEqual(t, len([]rune(src.Chunk.Text)), 200)
	}
}

func TestPipeline_FailedIngestLeavesCollectionIntact(t *testing.T) {
	ctx := context.Background()
	embedder := &hashEmbedder{dim: 16}
	p, path := newTestPipeline(t, embedder)
	cfg := models.PipelineConfig{ChunkSize: 100, ChunkOverlap: 10, TopK: 3, Metric: models.MetricCosine}

	_, err := p.Ingest(ctx, sampleText, cfg)
	require.NoError(t, err)
	before, err := store.ReadManifest(path)
	require.NoError(t, err)

	embedder.fail = fmt.Errorf("%w: upstream timeout", models.ErrTransient)
	_, err = p.Ingest(ctx, sampleText+" plus new content", cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrTransient))

	after, err := store.ReadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, before, after, "failed ingest must not touch the collection")

	// The previously indexed collection stays queryable.
	embedder.fail = nil
	_, err = p.Query(ctx, "still works", cfg)
	assert.NoError(t, err)
}

func TestPipeline_QueryNeverMutates(t *testing.T) {
	ctx := context.Background()
	p, path := newTestPipeline(t, &hashEmbedder{dim: 16})
	cfg := models.PipelineConfig{ChunkSize: 100, ChunkOverlap: 10, TopK: 50, Metric: models.MetricCosine}

	res, err := p.Ingest(ctx, sampleText, cfg)
	require.NoError(t, err)
	before, err := store.ReadManifest(path)
	require.NoError(t, err)

	// k larger than the collection: every entry comes back, no more.
	got, err := p.Query(ctx, "everything", cfg)
	require.NoError(t, err)
	assert.Len(t, got.Sources, res.EntriesWritten)

	after, err := store.ReadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestPipeline_DropMakesUnqueryable(t *testing.T) {
	ctx := context.Background()
	p, path := newTestPipeline(t, &hashEmbedder{dim: 8})
	cfg := models.PipelineConfig{ChunkSize: 100, ChunkOverlap: 10, TopK: 2, Metric: models.MetricCosine}

	_, err := p.Ingest(ctx, sampleText, cfg)
	require.NoError(t, err)
	require.NoError(t, p.Drop(ctx))

	assert.False(t, store.Exists(path))
	_, err = p.Query(ctx, "gone", cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrNotIndexed))
}

func TestPipeline_TinyDocument(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t, &hashEmbedder{dim: 8})

	cfg := models.PipelineConfig{ChunkSize: 4, ChunkOverlap: 1, TopK: 2, Metric: models.MetricCosine}
	res, err := p.Ingest(ctx, "A. B. C. D.", cfg)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.EntriesWritten, 2)

	got, err := p.Query(ctx, "B?", cfg)
	require.NoError(t, err)
	assert.Len(t, got.Sources, 2)
}

func TestPipeline_EmptyText(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t, &hashEmbedder{dim: 8})
	_, err := p.Ingest(ctx, "", models.DefaultPipelineConfig())
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInvalidConfig))
}

func TestPipeline_CacheInvalidationAfterIngest(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "col")
	opens := 0
	open := func(ctx context.Context) (VectorIndex, error) {
		opens++
		return store.New(path), nil
	}
	p := New(open, &hashEmbedder{dim: 8}, &echoSynth{})
	cfg := models.PipelineConfig{ChunkSize: 100, ChunkOverlap: 10, TopK: 1, Metric: models.MetricCosine}

	_, err := p.Ingest(ctx, sampleText, cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, opens)

	// Queries reuse one reopened handle.
	_, err = p.Query(ctx, "a", cfg)
	require.NoError(t, err)
	_, err = p.Query(ctx, "b", cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, opens)

	// Another ingest invalidates it again.
	_, err = p.Ingest(ctx, strings.ToUpper(sampleText), cfg)
	require.NoError(t, err)
	_, err = p.Query(ctx, "c", cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, opens)
}
