package models

import (
	"errors"
	"fmt"
)

// Error kinds surfaced at the pipeline boundary. Callers classify with
// errors.Is; wrapped details carry the human-readable cause.
var (
	// ErrInvalidConfig rejects bad parameters before any I/O happens.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrNotIndexed means the collection is missing or empty; ingest first.
	ErrNotIndexed = errors.New("collection not indexed")

	// ErrDimensionMismatch means a vector's length differs from the
	// collection's declared dimensionality. Recovery requires a rebuild
	// with a consistent embedding provider.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrEmbedding is a malformed or partial embedding provider response.
	ErrEmbedding = errors.New("embedding failed")

	// ErrOCRService is a failure of the external OCR collaborator.
	ErrOCRService = errors.New("ocr service failed")

	// ErrTransient marks retryable collaborator failures (timeouts, rate
	// limits, 5xx). The pipeline retries these with bounded backoff.
	ErrTransient = errors.New("transient collaborator failure")

	// ErrPersistence is a disk or filesystem failure reading or writing a
	// collection. The collection stays in its last-known-good state.
	ErrPersistence = errors.New("persistence failure")

	// ErrUnsupportedMetric is returned by backends that only implement a
	// subset of the similarity metrics. It is a kind of ErrInvalidConfig:
	// the caller asked for something this backend cannot do.
	ErrUnsupportedMetric = fmt.Errorf("%w: unsupported metric", ErrInvalidConfig)
)
