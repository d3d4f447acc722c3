package handlers

import (
	"context"
	"fmt"
	"sort"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docsage/backend/internal/ingestion"
	"github.com/docsage/backend/internal/metrics"
	"github.com/docsage/backend/internal/storage/models"
	"github.com/docsage/backend/internal/store"
	"github.com/docsage/backend/pkg/logger"
)

// AnswerInvalidator drops cached answers after the document set changes.
type AnswerInvalidator interface {
	InvalidateAnswers(ctx context.Context) error
}

type DocumentHandler struct {
	store     *store.Store
	processor *ingestion.Processor
	cache     AnswerInvalidator
}

func NewDocumentHandler(st *store.Store, processor *ingestion.Processor, cache AnswerInvalidator) *DocumentHandler {
	return &DocumentHandler{
		store:     st,
		processor: processor,
		cache:     cache,
	}
}

type uploadRequest struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// UploadDocument ingests pre-extracted document text. The stored name gets a
// short unique prefix so two uploads of the same filename don't collide in
// the chunk id space.
func (h *DocumentHandler) UploadDocument(c *fiber.Ctx) error {
	var req uploadRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Filename == "" || req.Content == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Filename and content are required",
		})
	}

	stored := fmt.Sprintf("%s_%s", uuid.New().String()[:8], req.Filename)

	chunks, err := h.processor.ProcessDocument(c.Context(), stored, req.Filename, req.Content)
	if err != nil {
		logger.Error("Failed to process document",
			zap.String("filename", req.Filename),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process document",
		})
	}

	metrics.DocumentsProcessed.Inc()
	metrics.ChunksStored.Set(float64(h.store.Count()))
	h.invalidateAnswers(c.Context())

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"filename": req.Filename,
		"stored":   stored,
		"chunks":   chunks,
	})
}

// ListDocuments groups the stored chunks by their display name.
func (h *DocumentHandler) ListDocuments(c *fiber.Ctx) error {
	coll, err := h.store.Get(store.IncludeIDs, store.IncludeMetadatas)
	if err != nil {
		logger.Error("Failed to load collection", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list documents",
		})
	}

	counts := make(map[string]int)
	fileTypes := make(map[string]string)
	for _, meta := range coll.Metadatas {
		name := models.DisplayName(meta)
		counts[name]++
		if _, ok := fileTypes[name]; !ok {
			fileTypes[name] = models.MetaString(meta, "file_type", "")
		}
	}

	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	docs := make([]fiber.Map, 0, len(names))
	for _, name := range names {
		docs = append(docs, fiber.Map{
			"filename":  name,
			"chunks":    counts[name],
			"file_type": fileTypes[name],
		})
	}

	return c.JSON(fiber.Map{
		"documents": docs,
		"total":     len(docs),
	})
}

func (h *DocumentHandler) DeleteDocument(c *fiber.Ctx) error {
	filename := c.Params("filename")

	removed, err := h.processor.DeleteDocument(filename)
	if err != nil {
		logger.Error("Failed to delete document",
			zap.String("filename", filename),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete document",
		})
	}
	if removed == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Document not found",
		})
	}

	metrics.ChunksStored.Set(float64(h.store.Count()))
	h.invalidateAnswers(c.Context())

	return c.JSON(fiber.Map{
		"filename": filename,
		"removed":  removed,
	})
}

type batchDeleteRequest struct {
	Filenames []string `json:"filenames"`
}

func (h *DocumentHandler) BatchDeleteDocuments(c *fiber.Ctx) error {
	var req batchDeleteRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if len(req.Filenames) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Filenames are required",
		})
	}

	results := make(map[string]int, len(req.Filenames))
	for _, filename := range req.Filenames {
		removed, err := h.processor.DeleteDocument(filename)
		if err != nil {
			logger.Warn("Failed to delete document in batch",
				zap.String("filename", filename),
				zap.Error(err),
			)
			continue
		}
		results[filename] = removed
	}

	metrics.ChunksStored.Set(float64(h.store.Count()))
	h.invalidateAnswers(c.Context())

	return c.JSON(fiber.Map{"removed": results})
}

// GetDocumentContent reassembles a document's text from its chunks, in chunk
// order. With a chunk_id query parameter only that chunk is returned.
func (h *DocumentHandler) GetDocumentContent(c *fiber.Ctx) error {
	filename := c.Params("filename")
	wantChunk := c.QueryInt("chunk_id", -1)

	coll, err := h.store.Get(store.IncludeIDs, store.IncludeDocuments, store.IncludeMetadatas)
	if err != nil {
		logger.Error("Failed to load collection", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load document",
		})
	}

	type piece struct {
		chunkID int
		content string
	}
	var pieces []piece
	for i := range coll.IDs {
		if models.DisplayName(coll.Metadatas[i]) != filename {
			continue
		}
		chunkID := models.MetaInt(coll.Metadatas[i], "chunk_id", 0)
		if wantChunk >= 0 && chunkID != wantChunk {
			continue
		}
		pieces = append(pieces, piece{
			chunkID: chunkID,
			content: coll.Documents[i],
		})
	}
	if len(pieces) == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Document not found",
		})
	}

	sort.Slice(pieces, func(i, j int) bool { return pieces[i].chunkID < pieces[j].chunkID })

	chunks := make([]fiber.Map, len(pieces))
	for i, p := range pieces {
		chunks[i] = fiber.Map{
			"chunk_id": p.chunkID,
			"content":  p.content,
		}
	}

	return c.JSON(fiber.Map{
		"filename": filename,
		"chunks":   chunks,
	})
}

func (h *DocumentHandler) invalidateAnswers(ctx context.Context) {
	if h.cache == nil {
		return
	}
	if err := h.cache.InvalidateAnswers(ctx); err != nil {
		logger.Warn("Failed to invalidate answer cache", zap.Error(err))
	}
}
