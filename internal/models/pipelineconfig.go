package models

import "fmt"

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
	DefaultTopK         = 10
)

// PipelineConfig parameterizes a single ingest or query call. It is passed
// explicitly per call rather than held as global mutable state.
type PipelineConfig struct {
	ChunkSize    int
	ChunkOverlap int
	TopK         int
	Metric       Metric
}

// DefaultPipelineConfig returns the boundary defaults: 1000-char chunks with
// 200-char overlap, top 10 results, cosine similarity.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		ChunkSize:    DefaultChunkSize,
		ChunkOverlap: DefaultChunkOverlap,
		TopK:         DefaultTopK,
		Metric:       MetricCosine,
	}
}

// Validate rejects invalid parameter combinations with ErrInvalidConfig.
func (c PipelineConfig) Validate() error {
	if c.ChunkSize < 1 {
		return fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidConfig, c.ChunkSize)
	}
	if c.ChunkOverlap < 0 {
		return fmt.Errorf("%w: chunk overlap must not be negative, got %d", ErrInvalidConfig, c.ChunkOverlap)
	}
	if c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: chunk overlap %d must be smaller than chunk size %d",
			ErrInvalidConfig, c.ChunkOverlap, c.ChunkSize)
	}
	if c.TopK < 1 {
		return fmt.Errorf("%w: top-k must be positive, got %d", ErrInvalidConfig, c.TopK)
	}
	if _, err := ParseMetric(string(c.Metric)); err != nil {
		return err
	}
	return nil
}
