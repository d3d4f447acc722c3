package models

import (
	"fmt"
	"path/filepath"
	"time"
)

// Metadata is the open key/value map carried by every chunk. Well-known keys:
// "source", "original_filename", "chunk_id", "file_type", plus type-specific
// extras set by the ingestion side. Values round-trip through JSON, so numeric
// entries come back as float64.
type Metadata = map[string]interface{}

// ChunkRecord is the full on-disk form of one chunk, one JSON file per id.
type ChunkRecord struct {
	ID               string    `json:"id"`
	Filename         string    `json:"filename"`
	OriginalFilename string    `json:"original_filename"`
	Content          string    `json:"content"`
	Embedding        []float32 `json:"embedding"`
	Metadata         Metadata  `json:"metadata"`
	Timestamp        string    `json:"timestamp"`
}

// IndexEntry is the lightweight per-chunk row kept in the index file.
type IndexEntry struct {
	ID               string `json:"id"`
	Filename         string `json:"filename"`
	OriginalFilename string `json:"original_filename"`
	FilePath         string `json:"file_path"`
	Timestamp        string `json:"timestamp"`
}

// Message is one role-tagged exchange line inside a filter interaction.
// Content holds the normalized display form; Raw keeps the model's original
// text when the two differ.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Raw       string    `json:"raw,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Interaction is the audit record of one judge exchange for one chunk.
type Interaction struct {
	Messages   []Message `json:"messages"`
	IsRelevant bool      `json:"is_relevant"`
	Filename   string    `json:"filename"`
	ChunkID    int       `json:"chunk_id"`
	Error      string    `json:"error,omitempty"`
}

// InteractionKey builds the lookup key used for interaction records.
func InteractionKey(originalFilename string, chunkID int) string {
	return fmt.Sprintf("%s_%d", originalFilename, chunkID)
}

// QueryRecord is one completed pipeline run, persisted to history.
type QueryRecord struct {
	ID        string
	ClientID  string
	TaskID    string
	Question  string
	DateRange string
	Answer    string
	Stopped   bool
	LatencyMS int
	CreatedAt time.Time
}

// QuerySource is one retrieved chunk attached to a history record, with its
// relevance verdict.
type QuerySource struct {
	ID               int
	QueryID          string
	Filename         string
	OriginalFilename string
	ChunkID          int
	Distance         float64
	Relevant         bool
}

// MetaString returns metadata[key] as a string, or fallback when absent or of
// another type.
func MetaString(m Metadata, key, fallback string) string {
	if m == nil {
		return fallback
	}
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// MetaInt returns metadata[key] as an int, tolerating the float64 that JSON
// decoding produces.
func MetaInt(m Metadata, key string, fallback int) int {
	if m == nil {
		return fallback
	}
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

// DisplayName resolves the name a chunk should be shown under: the original
// upload filename when present, otherwise the basename of its source path.
func DisplayName(m Metadata) string {
	source := MetaString(m, "source", "unknown")
	return MetaString(m, "original_filename", filepath.Base(source))
}
