// Package llmservice produces the final grounded answer: given a question
// and the retrieved context chunks, it prompts a chat model and returns its
// completion.
package llmservice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"

	"docqa/internal/config"
	"docqa/internal/models"
)

// Synthesizer turns a question and its retrieved context into an answer.
// Treated as a pure function of its inputs by the pipeline.
type Synthesizer interface {
	Answer(ctx context.Context, question string, contexts []models.Chunk) (string, error)
}

const systemPrompt = "You are a helpful assistant. Use the provided context to answer the query. " +
	"If the context does not contain the answer, say so instead of guessing."

const maxRetries = 3

// Client is the langchaingo-backed Synthesizer.
type Client struct {
	model llms.Model
}

// NewClient builds a synthesizer from the llm config section.
func NewClient(cfg *config.LLMConfig) (*Client, error) {
	var (
		model llms.Model
		err   error
	)
	switch cfg.Provider {
	case "ollama":
		model, err = ollama.New(
			ollama.WithServerURL(cfg.BaseURL),
			ollama.WithModel(cfg.Model),
		)
	case "openai":
		model, err = openai.New(
			openai.WithBaseURL(cfg.BaseURL),
			openai.WithToken(strings.TrimPrefix(cfg.Key, "Bearer ")),
			openai.WithModel(cfg.Model),
		)
	default:
		return nil, fmt.Errorf("%w: unknown llm provider %q", models.ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing llm: %w", err)
	}
	return &Client{model: model}, nil
}

// Answer prompts the model with the question and numbered context blocks.
// Transient failures are retried with bounded backoff and surfaced as
// ErrTransient when exhausted.
func (c *Client) Answer(ctx context.Context, question string, contexts []models.Chunk) (string, error) {
	msgs := []llms.MessageContent{
		{
			Role:  schema.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextContent{Text: systemPrompt}},
		},
		{
			Role:  schema.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextContent{Text: buildPrompt(question, contexts)}},
		},
	}

	var answer string
	operation := func() error {
		res, err := c.model.GenerateContent(ctx, msgs, llms.WithTemperature(0))
		if err != nil {
			return err
		}
		if len(res.Choices) == 0 {
			return errors.New("llm returned no choices")
		}
		answer = res.Choices[0].Content
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	if err := backoff.Retry(operation, backoff.WithMaxRetries(backoff.WithContext(b, ctx), maxRetries)); err != nil {
		log.Warn().Err(err).Msg("answer synthesis retries exhausted")
		return "", fmt.Errorf("%w: %v", models.ErrTransient, err)
	}
	return answer, nil
}

func buildPrompt(question string, contexts []models.Chunk) string {
	var b strings.Builder
	b.WriteString("Context:\n")
	for i, c := range contexts {
		fmt.Fprintf(&b, "[%d] %s\n\n", i+1, c.Text)
	}
	fmt.Fprintf(&b, "Query: %s", question)
	return b.String()
}
