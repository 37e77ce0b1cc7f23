// Package embedding maps text to fixed-length vectors through a pluggable
// provider. The langchaingo-backed provider talks to an OpenAI-compatible
// endpoint or a local Ollama server and retries transient failures with
// bounded exponential backoff.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"docqa/internal/config"
	"docqa/internal/models"
)

// Provider maps a batch of texts to vectors of a fixed dimensionality.
// Implementations must never return a partial-length result.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

const (
	defaultBatchSize = 64
	maxRetries       = 4
)

// Embedder is the langchaingo-backed Provider.
type Embedder struct {
	impl      *embeddings.EmbedderImpl
	dim       int
	batchSize int
}

// NewEmbedder builds a provider from the embed_llm config section.
func NewEmbedder(cfg *config.LLMConfig) (*Embedder, error) {
	llm, err := newModel(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing embedding model: %w", err)
	}
	impl, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return &Embedder{impl: impl, dim: cfg.Dimension, batchSize: defaultBatchSize}, nil
}

func newModel(cfg *config.LLMConfig) (embeddings.EmbedderClient, error) {
	switch cfg.Provider {
	case "ollama":
		return ollama.New(
			ollama.WithServerURL(cfg.BaseURL),
			ollama.WithModel(cfg.Model),
		)
	case "openai":
		return openai.New(
			openai.WithBaseURL(cfg.BaseURL),
			openai.WithToken(strings.TrimPrefix(cfg.Key, "Bearer ")),
			openai.WithModel(cfg.Model),
		)
	default:
		return nil, fmt.Errorf("%w: unknown embedding provider %q", models.ErrInvalidConfig, cfg.Provider)
	}
}

// Dimension returns the provider's fixed vector dimensionality.
func (e *Embedder) Dimension() int { return e.dim }

// Embed embeds texts in batches. Every vector in the result is validated
// against the provider dimensionality; a short or malformed response is an
// ErrEmbedding, a network or rate-limit failure is retried and eventually
// surfaced as ErrTransient.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for i, t := range texts {
		if t == "" {
			return nil, fmt.Errorf("%w: text %d is empty", models.ErrEmbedding, i)
		}
	}

	out := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += e.batchSize {
		end := min(i+e.batchSize, len(texts))
		vecs, err := e.embedBatch(ctx, texts[i:end])
		if err != nil {
			return nil, fmt.Errorf("batch %d-%d: %w", i, end, err)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (e *Embedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	var vecs [][]float32

	operation := func() error {
		got, err := e.impl.EmbedDocuments(ctx, batch)
		if err != nil {
			return err
		}
		if len(got) != len(batch) {
			// Partial results are a contract violation, retrying won't help.
			return backoff.Permanent(fmt.Errorf("%w: got %d vectors for %d texts",
				models.ErrEmbedding, len(got), len(batch)))
		}
		for i, v := range got {
			if len(v) != e.dim {
				return backoff.Permanent(fmt.Errorf("%w: vector %d has dimension %d, expected %d",
					models.ErrEmbedding, i, len(v), e.dim))
			}
		}
		vecs = got
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second

	err := backoff.Retry(operation, backoff.WithMaxRetries(backoff.WithContext(b, ctx), maxRetries))
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) || errors.Is(err, models.ErrEmbedding) {
			return nil, err
		}
		log.Warn().Err(err).Int("batch", len(batch)).Msg("embedding retries exhausted")
		return nil, fmt.Errorf("%w: %v", models.ErrTransient, err)
	}
	return vecs, nil
}
