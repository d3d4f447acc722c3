package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/docsage/backend/internal/history"
	"github.com/docsage/backend/internal/metrics"
	"github.com/docsage/backend/internal/storage/models"
	"github.com/docsage/backend/internal/task"
)

// InteractionHandler exposes the judge exchanges recorded during filtering.
// Lookup order: live tasks, completed-task cache, then persisted history
// (which keeps verdicts but not the message bodies).
type InteractionHandler struct {
	manager *task.Manager
	history *history.Client
}

func NewInteractionHandler(manager *task.Manager, hist *history.Client) *InteractionHandler {
	return &InteractionHandler{manager: manager, history: hist}
}

// GetInteraction returns one judge exchange for a filename within a task.
// Without chunk_id the first exchange recorded for the file wins.
func (h *InteractionHandler) GetInteraction(c *fiber.Ctx) error {
	taskID := c.Query("task_id")
	if taskID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "task_id is required",
		})
	}

	filename := c.Params("filename")
	chunkID := c.QueryInt("chunk_id", -1)

	if in, ok := h.lookup(taskID, filename, chunkID); ok {
		return c.JSON(in)
	}

	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "Interaction not found",
	})
}

func (h *InteractionHandler) lookup(taskID, filename string, chunkID int) (*models.Interaction, bool) {
	if chunkID >= 0 {
		if in, err := h.manager.Interaction(taskID, models.InteractionKey(filename, chunkID)); err == nil {
			return in, true
		}
	} else if all, err := h.manager.Interactions(taskID); err == nil {
		prefix := filename + "_"
		for key, in := range all {
			if strings.HasPrefix(key, prefix) {
				return in, true
			}
		}
	}

	if h.history != nil {
		if chunkID < 0 {
			chunkID = 0
		}
		if in, err := h.history.FindInteraction(taskID, filename, chunkID); err == nil {
			return in, true
		}
	}
	return nil, false
}

// ListInteractions returns every judge exchange recorded for a task.
func (h *InteractionHandler) ListInteractions(c *fiber.Ctx) error {
	all, err := h.manager.Interactions(c.Params("task_id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Task not found",
		})
	}
	return c.JSON(fiber.Map{"interactions": all})
}

// ResetSession cancels every live task the client owns, the server side of a
// page reload.
func (h *InteractionHandler) ResetSession(c *fiber.Ctx) error {
	cancelled := h.manager.CancelClient(ClientID(c))
	metrics.TasksCancelled.Add(float64(cancelled))

	return c.JSON(fiber.Map{
		"cancelled": cancelled,
	})
}
