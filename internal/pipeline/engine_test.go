package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsage/backend/internal/llm"
	"github.com/docsage/backend/internal/search"
	"github.com/docsage/backend/internal/storage/models"
	"github.com/docsage/backend/internal/store"
	"github.com/docsage/backend/internal/task"
)

type fakeLLM struct {
	embedErr      error
	judgeErr      error
	judgeCalls    int
	notRelevant   map[string]bool // chunk content -> verdict
	synthesizeErr error
	synthesized   []string
	onJudge       func()
}

func (f *fakeLLM) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	return []float32{1, 0}, nil
}

func (f *fakeLLM) JudgeRelevance(ctx context.Context, question, chunk string) (*llm.Judgement, error) {
	f.judgeCalls++
	if f.onJudge != nil {
		f.onJudge()
	}
	if f.judgeErr != nil {
		return nil, f.judgeErr
	}
	if f.notRelevant[chunk] {
		return &llm.Judgement{
			Relevant:    false,
			Response:    llm.NotRelevantMarker + " different topic",
			RawResponse: llm.NotRelevantMarker + " different topic",
		}, nil
	}
	return &llm.Judgement{
		Relevant:    true,
		Response:    "RELEVANT",
		RawResponse: "RELEVANT",
	}, nil
}

func (f *fakeLLM) Synthesize(ctx context.Context, question string, answers []string) (string, error) {
	f.synthesized = answers
	if f.synthesizeErr != nil {
		return "", f.synthesizeErr
	}
	return "final: " + strings.Join(answers, " + "), nil
}

type fakeCache struct {
	embeddings map[string][]float32
	answers    map[string]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		embeddings: make(map[string][]float32),
		answers:    make(map[string]string),
	}
}

func (f *fakeCache) GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error) {
	e, ok := f.embeddings[textHash]
	return e, ok, nil
}

func (f *fakeCache) SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error {
	f.embeddings[textHash] = embedding
	return nil
}

func (f *fakeCache) GetAnswer(ctx context.Context, queryHash string) (string, bool, error) {
	a, ok := f.answers[queryHash]
	return a, ok, nil
}

func (f *fakeCache) SetAnswer(ctx context.Context, queryHash, answer string, ttl time.Duration) error {
	f.answers[queryHash] = answer
	return nil
}

func seededEngine(t *testing.T, model LLM, cache Cache, contents ...string) *Engine {
	t.Helper()
	st, err := store.Open(t.TempDir(), "")
	require.NoError(t, err)

	records := make([]store.AddRecord, len(contents))
	for i, content := range contents {
		records[i] = store.AddRecord{
			ID:        content + "_id",
			Embedding: []float32{1, 0},
			Content:   content,
			Metadata: models.Metadata{
				"source":            "/uploads/" + content + ".txt",
				"original_filename": content + ".txt",
				"chunk_id":          i,
			},
		}
	}
	require.NoError(t, st.Add(records))

	return NewEngine(search.New(st), model, cache, Config{TopK: 10})
}

func collectEvents(events *[]Event) EmitFunc {
	return func(e Event) { *events = append(*events, e) }
}

func eventTypes(events []Event) []string {
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

func TestRunHappyPath(t *testing.T) {
	model := &fakeLLM{notRelevant: map[string]bool{"noise": true}}
	e := seededEngine(t, model, nil, "signal", "noise")
	mgr := task.NewManager(time.Hour)
	tk := mgr.Start("client-a")

	var events []Event
	outcome, err := e.Run(context.Background(), tk, Request{Question: "what?"}, collectEvents(&events))
	require.NoError(t, err)

	assert.False(t, outcome.Stopped)
	assert.Equal(t, 1, outcome.Accepted)
	assert.Equal(t, "final: signal", outcome.Answer)
	assert.Equal(t, []string{"signal"}, model.synthesized)

	require.Len(t, outcome.Sources, 2)
	relevantByName := map[string]bool{}
	for _, s := range outcome.Sources {
		relevantByName[s.OriginalFilename] = s.Relevant
	}
	assert.True(t, relevantByName["signal.txt"])
	assert.False(t, relevantByName["noise.txt"])

	types := eventTypes(events)
	assert.Equal(t, EventTaskID, types[0])
	assert.Contains(t, types, EventSearch)
	assert.Contains(t, types, EventFilterProgress)
	assert.Contains(t, types, EventFilterResult)
	assert.Contains(t, types, EventFilter)
	assert.Equal(t, EventAnswer, types[len(types)-1])

	// Both judge exchanges were recorded on the task.
	assert.Len(t, tk.Interactions(), 2)
}

func TestRunFailOpenKeepsChunkOnJudgeError(t *testing.T) {
	model := &fakeLLM{judgeErr: errors.New("model unavailable")}
	e := seededEngine(t, model, nil, "only")
	mgr := task.NewManager(time.Hour)
	tk := mgr.Start("client-a")

	outcome, err := e.Run(context.Background(), tk, Request{Question: "what?"}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, outcome.Accepted)
	assert.True(t, outcome.Sources[0].Relevant)
	assert.Equal(t, []string{"only"}, model.synthesized)

	in, err := mgr.Interaction(tk.ID, models.InteractionKey("only.txt", 0))
	require.NoError(t, err)
	assert.True(t, in.IsRelevant)
	assert.Equal(t, "model unavailable", in.Error)

	// The failed exchange still records the composed judge prompt.
	require.Len(t, in.Messages, 2)
	assert.Equal(t, "user", in.Messages[1].Role)
	assert.Contains(t, in.Messages[1].Content, "only")
	assert.Contains(t, in.Messages[1].Content, "what?")
}

func TestRunSynthesisGetsChunkContentNotJudgeReply(t *testing.T) {
	model := &fakeLLM{}
	e := seededEngine(t, model, nil, "board metrics for march")
	mgr := task.NewManager(time.Hour)
	tk := mgr.Start("client-a")

	_, err := e.Run(context.Background(), tk, Request{Question: "what?"}, nil)
	require.NoError(t, err)

	// Synthesis sees the stored chunk verbatim, not the judge's verdict text.
	assert.Equal(t, []string{"board metrics for march"}, model.synthesized)
}

func TestRunPausesAfterEveryJudgedChunk(t *testing.T) {
	model := &fakeLLM{}

	st, err := store.Open(t.TempDir(), "")
	require.NoError(t, err)
	require.NoError(t, st.Add([]store.AddRecord{
		{
			ID:        "first_id",
			Embedding: []float32{1, 0},
			Content:   "first",
			Metadata:  models.Metadata{"source": "/uploads/first.txt", "chunk_id": 0},
		},
		{
			ID:        "second_id",
			Embedding: []float32{1, 0},
			Content:   "second",
			Metadata:  models.Metadata{"source": "/uploads/second.txt", "chunk_id": 0},
		},
	}))

	pause := 120 * time.Millisecond
	e := NewEngine(search.New(st), model, nil, Config{TopK: 10, JudgePause: pause})
	mgr := task.NewManager(time.Hour)
	tk := mgr.Start("client-a")

	start := time.Now()
	outcome, err := e.Run(context.Background(), tk, Request{Question: "what?"}, nil)
	require.NoError(t, err)

	assert.False(t, outcome.Stopped)
	assert.Equal(t, 2, model.judgeCalls)
	// One pause per judged chunk, the final one included.
	assert.GreaterOrEqual(t, time.Since(start), 2*pause)
}

func TestRunFailClosedRejectsChunkOnJudgeError(t *testing.T) {
	model := &fakeLLM{judgeErr: errors.New("model unavailable")}

	st, err := store.Open(t.TempDir(), "")
	require.NoError(t, err)
	require.NoError(t, st.Add([]store.AddRecord{{
		ID:        "only_id",
		Embedding: []float32{1, 0},
		Content:   "only",
		Metadata:  models.Metadata{"source": "/uploads/only.txt", "chunk_id": 0},
	}}))

	e := NewEngine(search.New(st), model, nil, Config{TopK: 10, FailClosed: true})
	mgr := task.NewManager(time.Hour)
	tk := mgr.Start("client-a")

	outcome, err := e.Run(context.Background(), tk, Request{Question: "what?"}, nil)
	require.NoError(t, err)

	assert.Equal(t, 0, outcome.Accepted)
	assert.Equal(t, NoRelevantAnswer, outcome.Answer)
}

func TestRunAllRejectedReturnsCannedAnswer(t *testing.T) {
	model := &fakeLLM{notRelevant: map[string]bool{"a": true, "b": true}}
	e := seededEngine(t, model, nil, "a", "b")
	mgr := task.NewManager(time.Hour)
	tk := mgr.Start("client-a")

	outcome, err := e.Run(context.Background(), tk, Request{Question: "what?"}, nil)
	require.NoError(t, err)

	assert.Equal(t, 0, outcome.Accepted)
	assert.Equal(t, NoRelevantAnswer, outcome.Answer)
	assert.Nil(t, model.synthesized)
}

func TestRunEmptyStoreReturnsCannedAnswer(t *testing.T) {
	model := &fakeLLM{}
	st, err := store.Open(t.TempDir(), "")
	require.NoError(t, err)
	e := NewEngine(search.New(st), model, nil, Config{TopK: 10})
	mgr := task.NewManager(time.Hour)
	tk := mgr.Start("client-a")

	outcome, err := e.Run(context.Background(), tk, Request{Question: "what?"}, nil)
	require.NoError(t, err)

	assert.Empty(t, outcome.Sources)
	assert.Equal(t, NoRelevantAnswer, outcome.Answer)
	assert.Equal(t, 0, model.judgeCalls)
}

func TestRunStopsWhenCancelledBeforeStart(t *testing.T) {
	model := &fakeLLM{}
	e := seededEngine(t, model, nil, "only")
	mgr := task.NewManager(time.Hour)
	tk := mgr.Start("client-a")
	tk.Token().Cancel()

	outcome, err := e.Run(context.Background(), tk, Request{Question: "what?"}, nil)
	require.NoError(t, err)

	assert.True(t, outcome.Stopped)
	assert.Empty(t, outcome.Answer)
	assert.Equal(t, 0, model.judgeCalls)
}

func TestRunStopsMidFilter(t *testing.T) {
	mgr := task.NewManager(time.Hour)
	tk := mgr.Start("client-a")

	model := &fakeLLM{}
	model.onJudge = func() {
		if model.judgeCalls == 1 {
			tk.Token().Cancel()
		}
	}
	e := seededEngine(t, model, nil, "first", "second")

	outcome, err := e.Run(context.Background(), tk, Request{Question: "what?"}, nil)
	require.NoError(t, err)

	assert.True(t, outcome.Stopped)
	assert.Equal(t, 1, model.judgeCalls)
	assert.Empty(t, outcome.Answer)
}

func TestRunSynthesisFailureReturnsFallbackAnswer(t *testing.T) {
	model := &fakeLLM{synthesizeErr: errors.New("model unavailable")}
	e := seededEngine(t, model, nil, "only")
	mgr := task.NewManager(time.Hour)
	tk := mgr.Start("client-a")

	var events []Event
	outcome, err := e.Run(context.Background(), tk, Request{Question: "what?"}, collectEvents(&events))
	require.NoError(t, err)

	assert.Equal(t, SynthesisFailedAnswer, outcome.Answer)
	assert.Contains(t, eventTypes(events), EventError)
}

func TestRunServesCachedAnswer(t *testing.T) {
	model := &fakeLLM{}
	cache := newFakeCache()
	e := seededEngine(t, model, cache, "only")
	mgr := task.NewManager(time.Hour)

	first, err := e.Run(context.Background(), mgr.Start("client-a"), Request{Question: "what?"}, nil)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := e.Run(context.Background(), mgr.Start("client-a"), Request{Question: "what?"}, nil)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Answer, second.Answer)
	// Only the first run hit the judge.
	assert.Equal(t, 1, model.judgeCalls)
}

func TestRunDistinctDateRangesDoNotShareCache(t *testing.T) {
	model := &fakeLLM{}
	cache := newFakeCache()
	e := seededEngine(t, model, cache, "only")
	mgr := task.NewManager(time.Hour)

	_, err := e.Run(context.Background(), mgr.Start("c"), Request{Question: "what?", DateRange: "all time"}, nil)
	require.NoError(t, err)

	second, err := e.Run(context.Background(), mgr.Start("c"), Request{Question: "what?", DateRange: "19000101 - 19000102"}, nil)
	require.NoError(t, err)
	assert.False(t, second.Cached)
}
