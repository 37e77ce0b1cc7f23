package models

import (
	"fmt"
	"math"
)

// Metric selects the similarity function used to rank stored vectors
// against a query vector.
type Metric string

const (
	MetricCosine    Metric = "cosine"
	MetricEuclidean Metric = "euclidean"
	MetricDot       Metric = "dot"
)

// ParseMetric validates a metric name. The empty string maps to cosine.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case "":
		return MetricCosine, nil
	case MetricCosine, MetricEuclidean, MetricDot:
		return Metric(s), nil
	default:
		return "", fmt.Errorf("%w: unknown metric %q", ErrInvalidConfig, s)
	}
}

// Score computes the similarity of two vectors of equal length under m.
// Higher is always more similar: euclidean scores are negated distances.
// A zero-magnitude vector under cosine scores -1 instead of dividing by zero.
func (m Metric) Score(a, b []float32) float32 {
	switch m {
	case MetricEuclidean:
		var sum float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		return float32(-math.Sqrt(sum))
	case MetricDot:
		var dot float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
		}
		return float32(dot)
	default: // cosine
		var dot, normA, normB float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
			normA += float64(a[i]) * float64(a[i])
			normB += float64(b[i]) * float64(b[i])
		}
		if normA == 0 || normB == 0 {
			return -1
		}
		return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
	}
}
