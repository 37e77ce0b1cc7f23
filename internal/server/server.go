// Package server exposes the document Q&A pipeline over HTTP. Upload a
// document, index it, ask questions about it.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"docqa/internal/helper"
	"docqa/internal/models"
	"docqa/internal/ocr"
	"docqa/internal/pipeline"
)

const maxUploadBytes = 64 << 20

type Server struct {
	pipe      *pipeline.Pipeline
	extractor ocr.Extractor
	dataDir   string
	defaults  models.PipelineConfig
}

func New(pipe *pipeline.Pipeline, extractor ocr.Extractor, dataDir string, defaults models.PipelineConfig) (*Server, error) {
	if err := helper.CreateFolder(dataDir); err != nil {
		return nil, err
	}
	return &Server{pipe: pipe, extractor: extractor, dataDir: dataDir, defaults: defaults}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("POST /index", s.handleIndex)
	mux.HandleFunc("POST /ask", s.handleAsk)
	mux.HandleFunc("GET /status", s.handleStatus)
	return s.withRequestLog(mux)
}

// ListenAndServe blocks serving on addr.
func (s *Server) ListenAndServe(addr string) error {
	log.Info().Str("addr", addr).Msg("http server listening")
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

type uploadResponse struct {
	File  string `json:"file"`
	Chars int    `json:"chars"`
}

// handleUpload accepts a multipart document, extracts its text, and stores
// the text in the data directory for later indexing.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, fmt.Errorf("%w: parse multipart form: %v", models.ErrInvalidConfig, err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, fmt.Errorf("%w: missing form field %q", models.ErrInvalidConfig, "file"))
		return
	}
	defer file.Close()

	doc, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		writeError(w, fmt.Errorf("%w: read upload: %v", models.ErrPersistence, err))
		return
	}

	text, err := s.extractor.Extract(r.Context(), header.Filename, doc)
	if err != nil {
		writeError(w, err)
		return
	}

	name := strings.TrimSuffix(filepath.Base(header.Filename), filepath.Ext(header.Filename)) + ".md"
	dest := filepath.Join(s.dataDir, name)
	if err := os.WriteFile(dest, []byte(text), 0o644); err != nil {
		writeError(w, fmt.Errorf("%w: save extracted text: %v", models.ErrPersistence, err))
		return
	}

	log.Info().Str("file", header.Filename).Int("chars", len(text)).Msg("document uploaded")
	writeJSON(w, http.StatusOK, uploadResponse{File: name, Chars: len(text)})
}

type indexRequest struct {
	ChunkSize    int    `json:"chunk_size"`
	ChunkOverlap *int   `json:"chunk_overlap"`
	Metric       string `json:"metric"`
}

type indexResponse struct {
	Collection string `json:"collection"`
	Entries    int    `json:"entries"`
	Rebuilt    bool   `json:"rebuilt"`
}

// handleIndex chunks and embeds every uploaded document into the vector
// store. Chunking parameters default to the configured values.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var req indexRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	cfg := s.defaults
	if req.ChunkSize > 0 {
		cfg.ChunkSize = req.ChunkSize
	}
	if req.ChunkOverlap != nil {
		cfg.ChunkOverlap = *req.ChunkOverlap
	}
	if req.Metric != "" {
		m, err := models.ParseMetric(req.Metric)
		if err != nil {
			writeError(w, err)
			return
		}
		cfg.Metric = m
	}

	text, err := s.storedText()
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := s.pipe.Ingest(r.Context(), text, cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, indexResponse{
		Collection: res.CollectionID,
		Entries:    res.EntriesWritten,
		Rebuilt:    res.Rebuilt,
	})
}

type askRequest struct {
	Question string `json:"question"`
	K        int    `json:"k"`
	Metric   string `json:"metric"`
}

type askSource struct {
	ID    string  `json:"id"`
	Text  string  `json:"text"`
	Score float32 `json:"score"`
}

type askResponse struct {
	Answer  string      `json:"answer"`
	Sources []askSource `json:"sources"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	cfg := s.defaults
	if req.K > 0 {
		cfg.TopK = req.K
	}
	if req.Metric != "" {
		m, err := models.ParseMetric(req.Metric)
		if err != nil {
			writeError(w, err)
			return
		}
		cfg.Metric = m
	}

	res, err := s.pipe.Query(r.Context(), req.Question, cfg)
	if err != nil {
		writeError(w, err)
		return
	}

	sources := make([]askSource, len(res.Sources))
	for i, src := range res.Sources {
		sources[i] = askSource{ID: src.Chunk.ID, Text: src.Chunk.Text, Score: src.Score}
	}
	writeJSON(w, http.StatusOK, askResponse{Answer: res.Answer, Sources: sources})
}

type statusResponse struct {
	Collection   string `json:"collection"`
	Entries      int    `json:"entries"`
	Dimension    int    `json:"dimension"`
	Metric       string `json:"metric"`
	ChunkSize    int    `json:"chunk_size"`
	ChunkOverlap int    `json:"chunk_overlap"`
	UpdatedAt    string `json:"updated_at,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	man, err := s.pipe.Manifest(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	resp := statusResponse{
		Collection:   man.CollectionID,
		Entries:      man.EntryCount,
		Dimension:    man.Dimension,
		Metric:       string(man.Metric),
		ChunkSize:    man.ChunkSize,
		ChunkOverlap: man.ChunkOverlap,
	}
	if !man.UpdatedAt.IsZero() {
		resp.UpdatedAt = man.UpdatedAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

// storedText concatenates every previously uploaded document, in name
// order, with blank lines between documents.
func (s *Server) storedText() (string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dataDir, "*.md"))
	if err != nil {
		return "", fmt.Errorf("%w: scan data dir: %v", models.ErrPersistence, err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: no uploaded documents to index", models.ErrInvalidConfig)
	}
	sort.Strings(matches)

	var docs []string
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			return "", fmt.Errorf("%w: read %s: %v", models.ErrPersistence, m, err)
		}
		docs = append(docs, string(data))
	}
	return strings.Join(docs, "\n\n"), nil
}

func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID, _ := helper.GenerateUUID()
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("request_id", reqID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("took", time.Since(start)).
			Msg("request handled")
	})
}

func decodeJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: decode request body: %v", models.ErrInvalidConfig, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("write response")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps error kinds onto HTTP statuses. Caller mistakes are 4xx;
// upstream service trouble is 502 so clients know a retry may help.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrInvalidConfig),
		errors.Is(err, models.ErrNotIndexed):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrDimensionMismatch):
		status = http.StatusConflict
	case errors.Is(err, models.ErrOCRService),
		errors.Is(err, models.ErrEmbedding),
		errors.Is(err, models.ErrTransient):
		status = http.StatusBadGateway
	case errors.Is(err, models.ErrPersistence):
		status = http.StatusInternalServerError
	}
	if status >= 500 {
		log.Error().Err(err).Msg("request failed")
	} else {
		log.Warn().Err(err).Msg("request rejected")
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
