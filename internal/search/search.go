package search

import (
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/docsage/backend/internal/storage/models"
	"github.com/docsage/backend/internal/store"
	"github.com/docsage/backend/pkg/logger"
)

// Result is one scored chunk, most similar first when sorted.
type Result struct {
	ID        string
	Content   string
	Metadata  models.Metadata
	Distance  float64
	ChunkID   int
	Timestamp string
}

// Similarity converts a result's distance back into cosine similarity.
func (r Result) Similarity() float64 {
	return 1 - r.Distance
}

// Searcher ranks the full chunk collection against a query embedding by
// brute-force cosine similarity.
type Searcher struct {
	store *store.Store
}

func New(st *store.Store) *Searcher {
	return &Searcher{store: st}
}

// Search scores every stored chunk against queryEmbedding and returns at most
// topK results sorted by ascending distance (ties keep scan order). dateRange
// is either empty (no filter), the sentinel "all time", or
// "YYYYMMDD - YYYYMMDD"; a malformed range degrades to an unfiltered search,
// while a well-formed range that excludes every chunk yields an empty result.
func (s *Searcher) Search(queryEmbedding []float32, topK int, dateRange string) ([]Result, error) {
	if topK <= 0 {
		topK = 4
	}

	coll, err := s.store.Get(store.IncludeIDs, store.IncludeDocuments, store.IncludeMetadatas, store.IncludeEmbeddings)
	if err != nil {
		return nil, fmt.Errorf("failed to load collection: %w", err)
	}

	candidates := s.resolveTimestamps(coll)
	logger.Debug("Collection loaded for search", zap.Int("chunks", len(candidates)))

	if dateRange != "" {
		filtered, ferr := filterByDateRange(candidates, dateRange)
		if ferr != nil {
			logger.Warn("Date range filter failed, searching without it",
				zap.String("date_range", dateRange),
				zap.Error(ferr),
			)
		} else {
			if len(filtered) == 0 {
				logger.Info("No chunks inside date range", zap.String("date_range", dateRange))
				return []Result{}, nil
			}
			candidates = filtered
		}
	}

	results := make([]Result, 0, len(candidates))
	for _, cand := range candidates {
		if len(cand.embedding) != len(queryEmbedding) {
			logger.Warn("Embedding dimension mismatch, skipping chunk",
				zap.String("id", cand.id),
				zap.Int("chunk_dim", len(cand.embedding)),
				zap.Int("query_dim", len(queryEmbedding)),
			)
			continue
		}
		sim := cosineSimilarity(queryEmbedding, cand.embedding)
		results = append(results, Result{
			ID:        cand.id,
			Content:   cand.content,
			Metadata:  cand.metadata,
			Distance:  1 - sim,
			ChunkID:   models.MetaInt(cand.metadata, "chunk_id", 0),
			Timestamp: cand.timestamp,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Distance < results[j].Distance
	})
	if len(results) > topK {
		results = results[:topK]
	}

	logger.Info("Similarity search completed",
		zap.Int("candidates", len(candidates)),
		zap.Int("results", len(results)),
	)

	return results, nil
}

type candidate struct {
	id        string
	content   string
	metadata  models.Metadata
	embedding []float32
	timestamp string
}

// resolveTimestamps pairs each chunk with its effective timestamp: metadata
// first, then a content scan behind the configured marker phrase.
func (s *Searcher) resolveTimestamps(coll *store.Collection) []candidate {
	marker := s.store.TimestampMarker()
	candidates := make([]candidate, 0, len(coll.IDs))
	for i := range coll.IDs {
		cand := candidate{
			id:        coll.IDs[i],
			content:   coll.Documents[i],
			metadata:  coll.Metadatas[i],
			embedding: coll.Embeddings[i],
		}
		if ts := models.MetaString(cand.metadata, "timestamp", ""); isDate(ts) {
			cand.timestamp = ts
		} else if ts, ok := store.ParseContentDate(cand.content, marker); ok {
			cand.timestamp = ts
		}
		candidates = append(candidates, cand)
	}
	return candidates
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
