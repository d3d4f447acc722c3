package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/docsage/backend/internal/storage/models"
	"github.com/docsage/backend/pkg/logger"
)

// Include flags for Get.
const (
	IncludeIDs        = "ids"
	IncludeDocuments  = "documents"
	IncludeMetadatas  = "metadatas"
	IncludeEmbeddings = "embeddings"
)

const indexFilename = "index.json"

type index struct {
	Documents []models.IndexEntry        `json:"documents"`
	Metadata  map[string]models.Metadata `json:"metadata"`
}

func newIndex() index {
	return index{Documents: []models.IndexEntry{}, Metadata: map[string]models.Metadata{}}
}

// Store persists document chunks as one JSON record file per chunk id plus a
// compact index file. Every mutating call ends with an atomic index rewrite
// (write temp, validate round-trip, rename), so a crash mid-write never leaves
// a corrupt index visible. All operations are serialized by a mutex; the index
// is read in full, mutated in memory, and rewritten whole.
type Store struct {
	mu              sync.Mutex
	root            string
	indexPath       string
	timestampMarker string
	index           index
}

// AddRecord is one chunk handed to Add by the ingestion side.
type AddRecord struct {
	ID        string
	Embedding []float32
	Content   string
	Metadata  models.Metadata
}

// Collection is the materialized view returned by Get. Slices for fields that
// were not requested stay nil.
type Collection struct {
	IDs        []string
	Documents  []string
	Metadatas  []models.Metadata
	Embeddings [][]float32
}

// Open loads (or initializes) a store rooted at dir. A corrupt index is backed
// up to index.json.backup and the store starts empty rather than failing.
func Open(dir, timestampMarker string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	if timestampMarker == "" {
		timestampMarker = DefaultTimestampMarker
	}

	s := &Store{
		root:            dir,
		indexPath:       filepath.Join(dir, indexFilename),
		timestampMarker: timestampMarker,
	}
	s.index = s.loadIndex()

	logger.Info("Chunk store opened",
		zap.String("path", dir),
		zap.Int("chunks", len(s.index.Documents)),
	)

	return s, nil
}

func (s *Store) loadIndex() index {
	data, err := os.ReadFile(s.indexPath)
	if os.IsNotExist(err) {
		return newIndex()
	}
	if err != nil {
		logger.Warn("Failed to read index file, starting empty", zap.Error(err))
		return newIndex()
	}

	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		backup := s.indexPath + ".backup"
		logger.Warn("Index file is corrupt, backing up and reinitializing",
			zap.Error(err),
			zap.String("backup", backup),
		)
		if renameErr := os.Rename(s.indexPath, backup); renameErr != nil {
			logger.Warn("Failed to back up corrupt index", zap.Error(renameErr))
		}
		return newIndex()
	}
	if idx.Metadata == nil {
		idx.Metadata = map[string]models.Metadata{}
	}
	if idx.Documents == nil {
		idx.Documents = []models.IndexEntry{}
	}
	return idx
}

// saveIndex writes the index to a temp file, validates the written bytes parse
// back, then atomically replaces the canonical file.
func (s *Store) saveIndex() error {
	data, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal index: %w", err)
	}

	tmp := s.indexPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp index: %w", err)
	}

	written, err := os.ReadFile(tmp)
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to read back temp index: %w", err)
	}
	var check index
	if err := json.Unmarshal(written, &check); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("temp index failed validation: %w", err)
	}

	if err := os.Rename(tmp, s.indexPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace index: %w", err)
	}
	return nil
}

func (s *Store) recordPath(id string) string {
	return filepath.Join(s.root, id+".json")
}

// Add writes each record to its own file and registers it in the index. A
// record whose id already exists overwrites the file but leaves the index
// untouched (duplicate protection on the index, not the content). The index is
// persisted once after the batch.
func (s *Store) Add(records []AddRecord) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	known := make(map[string]bool, len(s.index.Documents))
	for _, e := range s.index.Documents {
		known[e.ID] = true
	}

	for _, rec := range records {
		timestamp := models.MetaString(rec.Metadata, "timestamp", "")
		if timestamp == "" {
			timestamp = ExtractTimestamp(rec.Content, s.timestampMarker)
		}

		source := models.MetaString(rec.Metadata, "source", "unknown")
		originalFilename := models.MetaString(rec.Metadata, "original_filename", filepath.Base(source))

		record := models.ChunkRecord{
			ID:               rec.ID,
			Filename:         source,
			OriginalFilename: originalFilename,
			Content:          rec.Content,
			Embedding:        rec.Embedding,
			Metadata:         rec.Metadata,
			Timestamp:        timestamp,
		}

		path := s.recordPath(rec.ID)
		data, err := json.MarshalIndent(record, "", "  ")
		if err != nil {
			logger.Warn("Failed to marshal chunk record, skipping",
				zap.String("id", rec.ID),
				zap.Error(err),
			)
			continue
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			logger.Warn("Failed to write chunk record, skipping",
				zap.String("id", rec.ID),
				zap.Error(err),
			)
			continue
		}

		if !known[rec.ID] {
			s.index.Documents = append(s.index.Documents, models.IndexEntry{
				ID:               rec.ID,
				Filename:         filepath.Base(source),
				OriginalFilename: originalFilename,
				FilePath:         path,
				Timestamp:        timestamp,
			})
			s.index.Metadata[rec.ID] = rec.Metadata
			known[rec.ID] = true
		}
	}

	return s.saveIndex()
}

// Get reads every record referenced by the index and returns the requested
// fields. A referenced record file that is missing or unreadable is skipped,
// never an error. With no include arguments, ids, documents and metadatas are
// returned.
func (s *Store) Get(include ...string) (*Collection, error) {
	if len(include) == 0 {
		include = []string{IncludeIDs, IncludeDocuments, IncludeMetadatas}
	}
	want := make(map[string]bool, len(include))
	for _, f := range include {
		want[f] = true
	}

	s.mu.Lock()
	entries := make([]models.IndexEntry, len(s.index.Documents))
	copy(entries, s.index.Documents)
	s.mu.Unlock()

	coll := &Collection{}
	if want[IncludeIDs] {
		coll.IDs = []string{}
	}
	if want[IncludeDocuments] {
		coll.Documents = []string{}
	}
	if want[IncludeMetadatas] {
		coll.Metadatas = []models.Metadata{}
	}
	if want[IncludeEmbeddings] {
		coll.Embeddings = [][]float32{}
	}

	for _, entry := range entries {
		rec, ok := s.readRecord(entry.ID)
		if !ok {
			continue
		}
		if want[IncludeIDs] {
			coll.IDs = append(coll.IDs, rec.ID)
		}
		if want[IncludeDocuments] {
			coll.Documents = append(coll.Documents, rec.Content)
		}
		if want[IncludeMetadatas] {
			meta := make(models.Metadata, len(rec.Metadata)+1)
			for k, v := range rec.Metadata {
				meta[k] = v
			}
			meta["timestamp"] = rec.Timestamp
			coll.Metadatas = append(coll.Metadatas, meta)
		}
		if want[IncludeEmbeddings] {
			coll.Embeddings = append(coll.Embeddings, rec.Embedding)
		}
	}

	return coll, nil
}

func (s *Store) readRecord(id string) (*models.ChunkRecord, bool) {
	data, err := os.ReadFile(s.recordPath(id))
	if err != nil {
		logger.Warn("Chunk record unreadable, omitting",
			zap.String("id", id),
			zap.Error(err),
		)
		return nil, false
	}
	var rec models.ChunkRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		logger.Warn("Chunk record malformed, omitting",
			zap.String("id", id),
			zap.Error(err),
		)
		return nil, false
	}
	return &rec, true
}

// Delete removes the listed ids from the index and deletes their record files.
// Unknown ids are ignored.
func (s *Store) Delete(ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	doomed := make(map[string]bool, len(ids))
	for _, id := range ids {
		doomed[id] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	remaining := s.index.Documents[:0]
	removed := 0
	for _, entry := range s.index.Documents {
		if !doomed[entry.ID] {
			remaining = append(remaining, entry)
			continue
		}
		if err := os.Remove(s.recordPath(entry.ID)); err != nil && !os.IsNotExist(err) {
			logger.Warn("Failed to delete chunk record file",
				zap.String("id", entry.ID),
				zap.Error(err),
			)
		}
		delete(s.index.Metadata, entry.ID)
		removed++
	}
	s.index.Documents = remaining

	logger.Info("Chunks deleted", zap.Int("requested", len(ids)), zap.Int("removed", removed))

	return s.saveIndex()
}

// Drop removes every record file and resets the index to empty.
func (s *Store) Drop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.index.Documents {
		if err := os.Remove(s.recordPath(entry.ID)); err != nil && !os.IsNotExist(err) {
			logger.Warn("Failed to delete chunk record file",
				zap.String("id", entry.ID),
				zap.Error(err),
			)
		}
	}
	s.index = newIndex()

	logger.Info("Chunk store dropped", zap.String("path", s.root))

	return s.saveIndex()
}

// Count reports how many chunks the index references.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index.Documents)
}

// TimestampMarker exposes the configured marker so the search layer resolves
// content timestamps the same way ingestion did.
func (s *Store) TimestampMarker() string {
	return s.timestampMarker
}
