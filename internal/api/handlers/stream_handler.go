package handlers

import (
	"bufio"
	"context"
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/docsage/backend/internal/pipeline"
	"github.com/docsage/backend/pkg/logger"
)

// HandleStream runs the pipeline while pushing progress to the client as
// server-sent events. The first event carries the task id so the client can
// cancel; a failed write cancels the task since nobody is listening anymore.
func (h *QueryHandler) HandleStream(c *fiber.Ctx) error {
	question := c.Query("question")
	if question == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Question is required",
		})
	}
	dateRange := c.Query("date_range")
	clientID := ClientID(c)

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		t := h.manager.Start(clientID)
		defer h.manager.Finish(t)

		emit := func(e pipeline.Event) {
			if err := writeEvent(w, e); err != nil {
				t.Token().Cancel()
			}
		}

		req := queryRequest{Question: question, DateRange: dateRange}
		outcome, err := h.engine.Run(context.Background(), t, pipeline.Request{
			Question:  question,
			DateRange: dateRange,
		}, emit)
		if err != nil {
			logger.Error("Streamed query failed",
				zap.String("task_id", t.ID),
				zap.Error(err),
			)
			writeEvent(w, pipeline.Event{Type: pipeline.EventError, Payload: "Failed to process query"})
			return
		}

		h.recordOutcome(clientID, req, outcome)
	}))

	return nil
}

func writeEvent(w *bufio.Writer, e pipeline.Event) error {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return err
	}
	if _, err := w.WriteString("event: " + e.Type + "\ndata: " + string(data) + "\n\n"); err != nil {
		return err
	}
	return w.Flush()
}
