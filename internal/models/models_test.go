package models

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkIDDeterministic(t *testing.T) {
	a := ChunkID(0, 10, "some chunk")
	b := ChunkID(0, 10, "some chunk")
	assert.Equal(t, a, b)
	assert.Len(t, a, 32) // 16 bytes hex encoded

	// Same text at a different position is a different chunk.
	c := ChunkID(5, 15, "some chunk")
	assert.NotEqual(t, a, c)

	// Different text at the same position too.
	d := ChunkID(0, 10, "other text")
	assert.NotEqual(t, a, d)
}

func TestParseMetric(t *testing.T) {
	m, err := ParseMetric("")
	require.NoError(t, err)
	assert.Equal(t, MetricCosine, m)

	for _, name := range []string{"cosine", "euclidean", "dot"} {
		_, err := ParseMetric(name)
		assert.NoError(t, err)
	}

	_, err = ParseMetric("manhattan")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestMetricScores(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}

	assert.InDelta(t, 1.0, MetricCosine.Score(a, a), 1e-6)
	assert.InDelta(t, 0.0, MetricCosine.Score(a, b), 1e-6)
	// Zero vectors have no direction; scored as maximally dissimilar.
	assert.InDelta(t, -1.0, MetricCosine.Score(a, []float32{0, 0}), 1e-6)

	assert.InDelta(t, 0.0, MetricEuclidean.Score(a, a), 1e-6)
	assert.InDelta(t, -math.Sqrt2, MetricEuclidean.Score(a, b), 1e-6)

	assert.InDelta(t, 1.0, MetricDot.Score(a, a), 1e-6)
	assert.InDelta(t, 0.0, MetricDot.Score(a, b), 1e-6)
}

func TestUnsupportedMetricIsInvalidConfig(t *testing.T) {
	// Backends that implement only some metrics reject the rest as a
	// caller mistake, so boundary code maps both kinds the same way.
	assert.ErrorIs(t, ErrUnsupportedMetric, ErrInvalidConfig)
}

func TestPipelineConfigValidate(t *testing.T) {
	cfg := DefaultPipelineConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultChunkSize, cfg.ChunkSize)
	assert.Equal(t, DefaultChunkOverlap, cfg.ChunkOverlap)
	assert.Equal(t, DefaultTopK, cfg.TopK)
	assert.Equal(t, MetricCosine, cfg.Metric)

	bad := []PipelineConfig{
		{ChunkSize: 0, ChunkOverlap: 0, TopK: 1, Metric: MetricCosine},
		{ChunkSize: 100, ChunkOverlap: 100, TopK: 1, Metric: MetricCosine},
		{ChunkSize: 100, ChunkOverlap: -1, TopK: 1, Metric: MetricCosine},
		{ChunkSize: 100, ChunkOverlap: 10, TopK: 0, Metric: MetricCosine},
		{ChunkSize: 100, ChunkOverlap: 10, TopK: 1, Metric: "manhattan"},
	}
	for _, cfg := range bad {
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig, "%+v", cfg)
	}
}
