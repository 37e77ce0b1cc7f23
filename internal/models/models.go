package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Chunk is a bounded segment of a source document. Start and End are byte
// offsets into the original text covering Text, overlap prefix included.
// Overlap is the byte length of the prefix shared with the previous chunk.
type Chunk struct {
	ID       string
	Text     string
	Start    int
	End      int
	Overlap  int
	Metadata map[string]string
}

// ChunkID derives a stable identifier from content and position, so
// re-ingesting unchanged text reproduces the same IDs.
func ChunkID(start, end int, text string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%d:%s", start, end, text)))
	return hex.EncodeToString(sum[:16])
}

// Entry is the unit persisted in a vector store. Seq records original
// insertion order and is preserved when an entry is replaced, so score ties
// break the same way across re-ingestions.
type Entry struct {
	Chunk  Chunk
	Vector []float32
	Seq    int
}

// Manifest describes a collection so a later process can open it without
// external configuration.
type Manifest struct {
	CollectionID string    `json:"collection_id"`
	Dimension    int       `json:"dimension"`
	Metric       Metric    `json:"metric"`
	EntryCount   int       `json:"entry_count"`
	ChunkSize    int       `json:"chunk_size"`
	ChunkOverlap int       `json:"chunk_overlap"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SearchResult pairs a retrieved chunk with its similarity score.
type SearchResult struct {
	Chunk Chunk
	Score float32
}
