// Package ocr turns uploaded documents into markdown text using a remote
// OCR service. Digital documents can skip the network round trip via the
// Local extractor.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"docqa/internal/models"
	"docqa/internal/parser"
)

// Extractor produces the textual content of a document.
type Extractor interface {
	Extract(ctx context.Context, name string, doc []byte) (string, error)
}

const (
	defaultBaseURL = "https://api.mistral.ai"
	defaultModel   = "mistral-ocr-latest"

	maxAttempts = 4
)

// Client extracts text through the OCR HTTP API. The document is uploaded,
// a short-lived download URL is requested, and the OCR endpoint reads the
// document from that URL. Page texts are joined with blank lines.
type Client struct {
	baseURL string
	key     string
	model   string
	httpc   *http.Client
}

func NewClient(baseURL, key, model string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if model == "" {
		model = defaultModel
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		model:   model,
		httpc:   &http.Client{Timeout: 2 * time.Minute},
	}
}

func (c *Client) Extract(ctx context.Context, name string, doc []byte) (string, error) {
	fileID, err := c.upload(ctx, name, doc)
	if err != nil {
		return "", err
	}
	url, err := c.signedURL(ctx, fileID)
	if err != nil {
		return "", err
	}
	text, err := c.process(ctx, url)
	if err != nil {
		return "", err
	}
	log.Debug().Str("file", name).Int("bytes", len(text)).Msg("ocr extraction done")
	return text, nil
}

func (c *Client) upload(ctx context.Context, name string, doc []byte) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("purpose", "ocr"); err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrOCRService, err)
	}
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrOCRService, err)
	}
	if _, err := part.Write(doc); err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrOCRService, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrOCRService, err)
	}

	var resp struct {
		ID string `json:"id"`
	}
	err = c.do(ctx, http.MethodPost, "/v1/files", w.FormDataContentType(), body.Bytes(), &resp)
	if err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("%w: upload returned no file id", models.ErrOCRService)
	}
	return resp.ID, nil
}

func (c *Client) signedURL(ctx context.Context, fileID string) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	path := fmt.Sprintf("/v1/files/%s/url?expiry=1", fileID)
	if err := c.do(ctx, http.MethodGet, path, "", nil, &resp); err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", fmt.Errorf("%w: no signed url for file %s", models.ErrOCRService, fileID)
	}
	return resp.URL, nil
}

func (c *Client) process(ctx context.Context, documentURL string) (string, error) {
	req := map[string]any{
		"model": c.model,
		"document": map[string]any{
			"type":         "document_url",
			"document_url": documentURL,
		},
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrOCRService, err)
	}

	var resp struct {
		Pages []struct {
			Markdown string `json:"markdown"`
		} `json:"pages"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/ocr", "application/json", payload, &resp); err != nil {
		return "", err
	}

	pages := make([]string, 0, len(resp.Pages))
	for _, p := range resp.Pages {
		pages = append(pages, p.Markdown)
	}
	return strings.Join(pages, "\n\n"), nil
}

// do runs one API call with retries on transient failures. Rate limits and
// server errors are retried; anything else fails immediately.
func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte, out any) error {
	op := func() error {
		var r io.Reader
		if body != nil {
			r = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", models.ErrOCRService, err))
		}
		req.Header.Set("Authorization", "Bearer "+c.key)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.httpc.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %s %s: %v", models.ErrTransient, method, path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("%w: %s %s: status %d", models.ErrTransient, method, path, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return backoff.Permanent(fmt.Errorf("%w: %s %s: status %d: %s",
				models.ErrOCRService, method, path, resp.StatusCode, strings.TrimSpace(string(msg))))
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: decode response: %v", models.ErrOCRService, err))
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxAttempts-1), ctx)
	return backoff.Retry(op, policy)
}

// Local extracts text from digital documents in process, without the OCR
// service. Only formats the parser understands are supported.
type Local struct{}

func (Local) Extract(_ context.Context, name string, doc []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".pdf":
		return parser.ExtractPDF(bytes.NewReader(doc), int64(len(doc)))
	case ".md":
		return parser.FlattenMarkdown(doc)
	case ".txt":
		return strings.TrimSpace(string(doc)), nil
	default:
		return "", fmt.Errorf("%w: unsupported file format %q", models.ErrInvalidConfig, ext)
	}
}
