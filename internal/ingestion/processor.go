package ingestion

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/docsage/backend/internal/storage/models"
	"github.com/docsage/backend/internal/store"
	"github.com/docsage/backend/pkg/logger"
)

// Embedder turns chunk texts into vectors.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Processor ingests pre-extracted document text: chunk, embed, persist.
type Processor struct {
	store    *store.Store
	embedder Embedder
	chunker  *Chunker
}

func NewProcessor(st *store.Store, embedder Embedder) *Processor {
	return &Processor{
		store:    st,
		embedder: embedder,
		chunker:  NewChunker(1000, 100),
	}
}

// ProcessDocument chunks text, embeds every chunk and adds the batch to the
// store. filename is the stored path, originalFilename the name the client
// uploaded under. Chunk ids are "{basename}_{index}", so re-ingesting the
// same file overwrites its chunks without duplicating index entries.
func (p *Processor) ProcessDocument(ctx context.Context, filename, originalFilename, text string) (int, error) {
	logger.Info("Processing document",
		zap.String("filename", filename),
		zap.String("original_filename", originalFilename),
	)

	chunks := p.chunker.Split(text)
	if len(chunks) == 0 {
		return 0, fmt.Errorf("document %s contains no text", originalFilename)
	}
	logger.Info("Document chunked", zap.Int("chunks", len(chunks)))

	embeddings, err := p.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("failed to generate embeddings: %w", err)
	}
	if len(embeddings) != len(chunks) {
		return 0, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(embeddings), len(chunks))
	}

	base := filepath.Base(filename)
	fileType := filepath.Ext(originalFilename)

	records := make([]store.AddRecord, len(chunks))
	for i, chunk := range chunks {
		records[i] = store.AddRecord{
			ID:        fmt.Sprintf("%s_%d", base, i),
			Embedding: embeddings[i],
			Content:   chunk,
			Metadata: models.Metadata{
				"source":            filename,
				"original_filename": originalFilename,
				"chunk_id":          i,
				"file_type":         fileType,
			},
		}
	}

	if err := p.store.Add(records); err != nil {
		return 0, fmt.Errorf("failed to store chunks: %w", err)
	}

	logger.Info("Document processed successfully",
		zap.String("original_filename", originalFilename),
		zap.Int("chunks", len(chunks)),
	)

	return len(chunks), nil
}

// DeleteDocument removes every chunk whose index entry belongs to the file.
func (p *Processor) DeleteDocument(filename string) (int, error) {
	coll, err := p.store.Get(store.IncludeIDs, store.IncludeMetadatas)
	if err != nil {
		return 0, fmt.Errorf("failed to load collection: %w", err)
	}

	var doomed []string
	for i, id := range coll.IDs {
		if models.DisplayName(coll.Metadatas[i]) == filename {
			doomed = append(doomed, id)
		}
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	if err := p.store.Delete(doomed); err != nil {
		return 0, fmt.Errorf("failed to delete chunks: %w", err)
	}
	return len(doomed), nil
}
