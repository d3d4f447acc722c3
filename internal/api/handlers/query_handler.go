package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/docsage/backend/internal/history"
	"github.com/docsage/backend/internal/metrics"
	"github.com/docsage/backend/internal/pipeline"
	"github.com/docsage/backend/internal/storage/models"
	"github.com/docsage/backend/internal/task"
	"github.com/docsage/backend/pkg/logger"
)

type QueryHandler struct {
	engine  *pipeline.Engine
	manager *task.Manager
	history *history.Client
}

func NewQueryHandler(engine *pipeline.Engine, manager *task.Manager, hist *history.Client) *QueryHandler {
	return &QueryHandler{
		engine:  engine,
		manager: manager,
		history: hist,
	}
}

type queryRequest struct {
	Question  string `json:"question"`
	DateRange string `json:"date_range"`
}

// HandleQuery runs the full pipeline synchronously and returns the final
// answer. Clients that want progress events use the stream endpoint instead.
func (h *QueryHandler) HandleQuery(c *fiber.Ctx) error {
	var req queryRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Question == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Question is required",
		})
	}

	clientID := ClientID(c)
	t := h.manager.Start(clientID)
	defer h.manager.Finish(t)

	outcome, err := h.engine.Run(c.Context(), t, pipeline.Request{
		Question:  req.Question,
		DateRange: req.DateRange,
	}, nil)
	if err != nil {
		metrics.QueryTotal.WithLabelValues("error").Inc()
		logger.Error("Failed to process query", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process query",
		})
	}

	h.recordOutcome(clientID, req, outcome)

	return c.JSON(fiber.Map{
		"task_id":    outcome.TaskID,
		"answer":     outcome.Answer,
		"sources":    outcome.Sources,
		"stopped":    outcome.Stopped,
		"cached":     outcome.Cached,
		"latency_ms": outcome.LatencyMS,
	})
}

// StopTasks cancels every live task the calling client owns.
func (h *QueryHandler) StopTasks(c *fiber.Ctx) error {
	clientID := ClientID(c)
	cancelled := h.manager.CancelClient(clientID)
	metrics.TasksCancelled.Add(float64(cancelled))

	return c.JSON(fiber.Map{
		"cancelled": cancelled,
	})
}

func (h *QueryHandler) GetHistory(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)

	records, err := h.history.ListQueries(ClientID(c), limit)
	if err != nil {
		logger.Error("Failed to list query history", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load history",
		})
	}

	items := make([]fiber.Map, 0, len(records))
	for _, r := range records {
		items = append(items, fiber.Map{
			"id":         r.ID,
			"task_id":    r.TaskID,
			"question":   r.Question,
			"date_range": r.DateRange,
			"answer":     r.Answer,
			"stopped":    r.Stopped,
			"latency_ms": r.LatencyMS,
			"created_at": r.CreatedAt.Unix(),
		})
	}

	return c.JSON(fiber.Map{"history": items})
}

func (h *QueryHandler) GetHistoryEntry(c *fiber.Ctx) error {
	record, sources, err := h.history.GetQuery(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Query not found",
		})
	}

	return c.JSON(fiber.Map{
		"id":         record.ID,
		"task_id":    record.TaskID,
		"question":   record.Question,
		"date_range": record.DateRange,
		"answer":     record.Answer,
		"stopped":    record.Stopped,
		"latency_ms": record.LatencyMS,
		"created_at": record.CreatedAt.Unix(),
		"sources":    sources,
	})
}

func (h *QueryHandler) DeleteHistoryEntry(c *fiber.Ctx) error {
	if err := h.history.DeleteQuery(c.Params("id")); err != nil {
		logger.Error("Failed to delete history entry", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete history entry",
		})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// recordOutcome persists the run and updates the counters. History failures
// are logged, never surfaced; the client already has its answer.
func (h *QueryHandler) recordOutcome(clientID string, req queryRequest, outcome *pipeline.Outcome) {
	status := "ok"
	if outcome.Stopped {
		status = "stopped"
	}
	metrics.QueryTotal.WithLabelValues(status).Inc()
	metrics.QueryDuration.WithLabelValues(status).Observe(float64(outcome.LatencyMS) / 1000)
	metrics.SearchResultsCount.Observe(float64(len(outcome.Sources)))
	if outcome.Cached {
		metrics.CacheHits.WithLabelValues("answer").Inc()
	}
	for _, s := range outcome.Sources {
		verdict := "rejected"
		if s.Relevant {
			verdict = "accepted"
		}
		metrics.FilterVerdicts.WithLabelValues(verdict).Inc()
	}

	if h.history == nil {
		return
	}

	record := &models.QueryRecord{
		ID:        outcome.TaskID,
		ClientID:  clientID,
		TaskID:    outcome.TaskID,
		Question:  req.Question,
		DateRange: req.DateRange,
		Answer:    outcome.Answer,
		Stopped:   outcome.Stopped,
		LatencyMS: outcome.LatencyMS,
		CreatedAt: time.Now(),
	}
	if err := h.history.InsertQueryRecord(record); err != nil {
		logger.Warn("Failed to record query history", zap.Error(err))
		return
	}

	for _, s := range outcome.Sources {
		err := h.history.InsertQuerySource(&models.QuerySource{
			QueryID:          record.ID,
			Filename:         s.Filename,
			OriginalFilename: s.OriginalFilename,
			ChunkID:          s.ChunkID,
			Distance:         s.Distance,
			Relevant:         s.Relevant,
		})
		if err != nil {
			logger.Warn("Failed to record query source", zap.Error(err))
		}
	}
}
