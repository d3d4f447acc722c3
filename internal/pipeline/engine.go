package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/docsage/backend/internal/llm"
	"github.com/docsage/backend/internal/metrics"
	"github.com/docsage/backend/internal/search"
	"github.com/docsage/backend/internal/storage/models"
	"github.com/docsage/backend/internal/task"
	"github.com/docsage/backend/pkg/logger"
	"github.com/docsage/backend/pkg/utils"
)

// Canned answers for the two terminal states that produce no model output.
const (
	NoRelevantAnswer      = "No relevant documents were found to answer your question."
	SynthesisFailedAnswer = "An error occurred while generating the answer. Please try again later."
)

// Progress event types, in emission order.
const (
	EventTaskID         = "task_id"
	EventSearch         = "search"
	EventFilterProgress = "filter_progress"
	EventFilterResult   = "filter_result"
	EventFilter         = "filter"
	EventAnswer         = "answer"
	EventError          = "error"
)

// Event is one progress notification pushed to the client while a query runs.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// EmitFunc receives progress events. A nil emitter silently drops them.
type EmitFunc func(Event)

// LLM is the slice of the model client the pipeline needs.
type LLM interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	JudgeRelevance(ctx context.Context, question, chunk string) (*llm.Judgement, error)
	Synthesize(ctx context.Context, question string, chunks []string) (string, error)
}

// Cache is the optional embedding/answer cache. All methods must be safe to
// skip; the pipeline treats every cache error as a miss.
type Cache interface {
	GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error
	GetAnswer(ctx context.Context, queryHash string) (string, bool, error)
	SetAnswer(ctx context.Context, queryHash, answer string, ttl time.Duration) error
}

type Request struct {
	Question  string
	DateRange string
}

// Source is one retrieved chunk with its eventual relevance verdict.
type Source struct {
	ID               string  `json:"id"`
	Filename         string  `json:"filename"`
	OriginalFilename string  `json:"original_filename"`
	ChunkID          int     `json:"chunk_id"`
	Distance         float64 `json:"distance"`
	Timestamp        string  `json:"timestamp,omitempty"`
	Relevant         bool    `json:"relevant"`
}

// Outcome is the result of one full pipeline run. Stopped means the client
// cancelled mid-run; Answer is empty in that case.
type Outcome struct {
	TaskID    string
	Answer    string
	Sources   []Source
	Accepted  int
	Stopped   bool
	Cached    bool
	LatencyMS int
}

type Config struct {
	TopK       int
	JudgePause time.Duration
	FailClosed bool
	AnswerTTL  time.Duration
}

// Engine runs the retrieve, filter, synthesize sequence for one question,
// checking the task's cancellation token between every expensive stage.
type Engine struct {
	searcher   *search.Searcher
	llm        LLM
	cache      Cache
	topK       int
	judgePause time.Duration
	failClosed bool
	answerTTL  time.Duration
}

func NewEngine(searcher *search.Searcher, model LLM, cache Cache, cfg Config) *Engine {
	if cfg.TopK <= 0 {
		cfg.TopK = 4
	}
	if cfg.AnswerTTL <= 0 {
		cfg.AnswerTTL = time.Hour
	}
	return &Engine{
		searcher:   searcher,
		llm:        model,
		cache:      cache,
		topK:       cfg.TopK,
		judgePause: cfg.JudgePause,
		failClosed: cfg.FailClosed,
		answerTTL:  cfg.AnswerTTL,
	}
}

// Run executes the full pipeline for one task. Cancellation never returns an
// error: the outcome comes back with Stopped set and whatever sources were
// gathered before the stop.
func (e *Engine) Run(ctx context.Context, t *task.Task, req Request, emit EmitFunc) (*Outcome, error) {
	start := time.Now()
	if emit == nil {
		emit = func(Event) {}
	}

	emit(Event{Type: EventTaskID, Payload: t.ID})

	logger.Info("Pipeline started",
		zap.String("task_id", t.ID),
		zap.String("date_range", req.DateRange),
	)

	outcome := &Outcome{TaskID: t.ID}
	queryHash := utils.HashString(req.Question + "|" + req.DateRange)

	if answer, ok := e.cachedAnswer(ctx, queryHash); ok {
		outcome.Answer = answer
		outcome.Cached = true
		outcome.LatencyMS = int(time.Since(start).Milliseconds())
		emit(Event{Type: EventAnswer, Payload: answer})
		return outcome, nil
	}

	if err := t.Token().Check(); err != nil {
		return e.stopped(outcome, start), nil
	}

	embedding, err := e.embedQuestion(ctx, req.Question)
	if err != nil {
		emit(Event{Type: EventError, Payload: "failed to process the question"})
		return nil, fmt.Errorf("failed to embed question: %w", err)
	}

	if err := t.Token().Check(); err != nil {
		return e.stopped(outcome, start), nil
	}

	results, err := e.searcher.Search(embedding, e.topK, req.DateRange)
	if err != nil {
		emit(Event{Type: EventError, Payload: "search failed"})
		return nil, fmt.Errorf("search failed: %w", err)
	}

	outcome.Sources = make([]Source, len(results))
	for i, r := range results {
		outcome.Sources[i] = Source{
			ID:               r.ID,
			Filename:         models.MetaString(r.Metadata, "source", "unknown"),
			OriginalFilename: models.DisplayName(r.Metadata),
			ChunkID:          r.ChunkID,
			Distance:         r.Distance,
			Timestamp:        r.Timestamp,
		}
	}
	emit(Event{Type: EventSearch, Payload: outcome.Sources})

	chunks, stopped := e.filter(ctx, t, req.Question, results, outcome, emit)
	if stopped {
		return e.stopped(outcome, start), nil
	}

	emit(Event{Type: EventFilter, Payload: map[string]int{
		"total":    len(results),
		"accepted": outcome.Accepted,
	}})

	if err := t.Token().Check(); err != nil {
		return e.stopped(outcome, start), nil
	}

	answer := e.synthesize(ctx, req.Question, chunks, emit)
	outcome.Answer = answer
	outcome.LatencyMS = int(time.Since(start).Milliseconds())

	if outcome.Accepted > 0 && answer != SynthesisFailedAnswer {
		e.storeAnswer(ctx, queryHash, answer)
	}

	emit(Event{Type: EventAnswer, Payload: answer})

	logger.Info("Pipeline completed",
		zap.String("task_id", t.ID),
		zap.Int("sources", len(outcome.Sources)),
		zap.Int("accepted", outcome.Accepted),
		zap.Int("latency_ms", outcome.LatencyMS),
	)

	return outcome, nil
}

// filter judges every retrieved chunk in order, recording the exchange on the
// task and pausing after each model call. Accepted chunks are returned as the
// synthesis context. A judge error counts the chunk as relevant unless the
// engine is configured fail-closed; either way the error is kept on the
// interaction record.
func (e *Engine) filter(ctx context.Context, t *task.Task, question string, results []search.Result, outcome *Outcome, emit EmitFunc) ([]string, bool) {
	var chunks []string

	for i, r := range results {
		if err := t.Token().Check(); err != nil {
			return chunks, true
		}

		emit(Event{Type: EventFilterProgress, Payload: map[string]int{
			"current": i + 1,
			"total":   len(results),
		}})

		displayName := models.DisplayName(r.Metadata)
		interaction := &models.Interaction{
			Filename: displayName,
			ChunkID:  r.ChunkID,
		}

		judgement, err := e.llm.JudgeRelevance(ctx, question, r.Content)
		now := time.Now()
		if err != nil {
			interaction.IsRelevant = !e.failClosed
			interaction.Error = err.Error()
			systemPrompt, userPrompt := llm.JudgePrompts(question, r.Content)
			interaction.Messages = []models.Message{
				{Role: "system", Content: systemPrompt, Timestamp: now},
				{Role: "user", Content: userPrompt, Timestamp: now},
			}

			logger.Warn("Relevance judge failed",
				zap.String("task_id", t.ID),
				zap.String("chunk", r.ID),
				zap.Bool("kept", interaction.IsRelevant),
				zap.Error(err),
			)
		} else {
			interaction.IsRelevant = judgement.Relevant
			interaction.Messages = []models.Message{
				{Role: "system", Content: judgement.SystemPrompt, Timestamp: now},
				{Role: "user", Content: judgement.UserPrompt, Timestamp: now},
				{Role: "assistant", Content: judgement.Response, Raw: judgement.RawResponse, Timestamp: now},
			}
		}

		if interaction.IsRelevant {
			outcome.Accepted++
			outcome.Sources[i].Relevant = true
			chunks = append(chunks, r.Content)
		}

		t.RecordInteraction(interaction)

		emit(Event{Type: EventFilterResult, Payload: map[string]interface{}{
			"filename": displayName,
			"chunk_id": r.ChunkID,
			"relevant": interaction.IsRelevant,
		}})

		if e.judgePause > 0 {
			if e.pause(ctx, t) {
				return chunks, true
			}
		}
	}

	return chunks, false
}

func (e *Engine) synthesize(ctx context.Context, question string, chunks []string, emit EmitFunc) string {
	if len(chunks) == 0 {
		return NoRelevantAnswer
	}

	answer, err := e.llm.Synthesize(ctx, question, chunks)
	if err != nil {
		logger.Error("Answer synthesis failed", zap.Error(err))
		emit(Event{Type: EventError, Payload: "failed to generate the final answer"})
		return SynthesisFailedAnswer
	}
	return answer
}

// pause waits out the inter-judge delay in small steps so cancellation is
// observed promptly. Reports true when the task was cancelled while waiting.
func (e *Engine) pause(ctx context.Context, t *task.Task) bool {
	deadline := time.Now().Add(e.judgePause)
	for time.Now().Before(deadline) {
		if t.Token().Cancelled() || ctx.Err() != nil {
			return true
		}
		step := 100 * time.Millisecond
		if remaining := time.Until(deadline); remaining < step {
			step = remaining
		}
		time.Sleep(step)
	}
	return t.Token().Cancelled() || ctx.Err() != nil
}

func (e *Engine) embedQuestion(ctx context.Context, question string) ([]float32, error) {
	textHash := utils.HashString(question)

	if e.cache != nil {
		if embedding, ok, err := e.cache.GetEmbedding(ctx, textHash); err == nil && ok {
			metrics.CacheHits.WithLabelValues("embedding").Inc()
			return embedding, nil
		}
		metrics.CacheMisses.WithLabelValues("embedding").Inc()
	}

	embedding, err := e.llm.Embed(ctx, question)
	if err != nil {
		return nil, err
	}

	if e.cache != nil {
		if err := e.cache.SetEmbedding(ctx, textHash, embedding, 24*time.Hour); err != nil {
			logger.Warn("Failed to cache embedding", zap.Error(err))
		}
	}

	return embedding, nil
}

func (e *Engine) cachedAnswer(ctx context.Context, queryHash string) (string, bool) {
	if e.cache == nil {
		return "", false
	}
	answer, ok, err := e.cache.GetAnswer(ctx, queryHash)
	if err != nil {
		logger.Warn("Answer cache lookup failed", zap.Error(err))
		return "", false
	}
	if !ok {
		metrics.CacheMisses.WithLabelValues("answer").Inc()
	}
	return answer, ok
}

func (e *Engine) storeAnswer(ctx context.Context, queryHash, answer string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.SetAnswer(ctx, queryHash, answer, e.answerTTL); err != nil {
		logger.Warn("Failed to cache answer", zap.Error(err))
	}
}

func (e *Engine) stopped(outcome *Outcome, start time.Time) *Outcome {
	outcome.Stopped = true
	outcome.LatencyMS = int(time.Since(start).Milliseconds())
	logger.Info("Pipeline stopped by client", zap.String("task_id", outcome.TaskID))
	return outcome
}
