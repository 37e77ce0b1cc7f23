package ocr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa/internal/models"
)

func fakeOCRAPI(t *testing.T, failFirstProcess bool) *httptest.Server {
	t.Helper()
	var processCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/files", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "ocr", r.FormValue("purpose"))
		_, header, err := r.FormFile("file")
		require.NoError(t, err)
		assert.Equal(t, "scan.pdf", header.Filename)
		json.NewEncoder(w).Encode(map[string]string{"id": "file-123"})
	})
	mux.HandleFunc("GET /v1/files/file-123/url", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"url": "https://signed.example/doc"})
	})
	mux.HandleFunc("POST /v1/ocr", func(w http.ResponseWriter, r *http.Request) {
		if failFirstProcess && processCalls.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		var req struct {
			Model    string `json:"model"`
			Document struct {
				Type string `json:"type"`
				URL  string `json:"document_url"`
			} `json:"document"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "document_url", req.Document.Type)
		assert.Equal(t, "https://signed.example/doc", req.Document.URL)
		json.NewEncoder(w).Encode(map[string]any{
			"pages": []map[string]string{
				{"markdown": "# Page one"},
				{"markdown": "Page two body"},
			},
		})
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestClientExtract(t *testing.T) {
	ts := fakeOCRAPI(t, false)
	c := NewClient(ts.URL, "test-key", "")

	text, err := c.Extract(context.Background(), "scan.pdf", []byte("%PDF-fake"))
	require.NoError(t, err)
	assert.Equal(t, "# Page one\n\nPage two body", text)
}

func TestClientRetriesTransientFailures(t *testing.T) {
	ts := fakeOCRAPI(t, true)
	c := NewClient(ts.URL, "test-key", "")

	text, err := c.Extract(context.Background(), "scan.pdf", []byte("%PDF-fake"))
	require.NoError(t, err)
	assert.Contains(t, text, "Page one")
}

func TestClientRejectsOnAuthFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	c := NewClient(ts.URL, "wrong-key", "")
	_, err := c.Extract(context.Background(), "scan.pdf", []byte("%PDF-fake"))
	assert.ErrorIs(t, err, models.ErrOCRService)
}

func TestLocalExtractsTextAndMarkdown(t *testing.T) {
	var l Local

	text, err := l.Extract(context.Background(), "notes.txt", []byte(" plain text \n"))
	require.NoError(t, err)
	assert.Equal(t, "plain text", text)

	text, err = l.Extract(context.Background(), "notes.md", []byte("# Heading\n\nbody"))
	require.NoError(t, err)
	assert.Contains(t, text, "Heading")
	assert.Contains(t, text, "body")
	assert.NotContains(t, text, "#")

	_, err = l.Extract(context.Background(), "image.png", []byte{0x1})
	assert.ErrorIs(t, err, models.ErrInvalidConfig)
}
