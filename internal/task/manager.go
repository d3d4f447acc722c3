package task

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docsage/backend/internal/storage/models"
	"github.com/docsage/backend/pkg/logger"
)

var (
	// ErrCancelled is returned from Token.Check once the task is cancelled.
	ErrCancelled = errors.New("task cancelled")
	// ErrNotFound means no live or recently completed task matches the id.
	ErrNotFound = errors.New("task not found")
)

// Token is the cooperative cancellation handle shared between a running
// pipeline and the manager. Cancellation is a one-way latch.
type Token struct {
	cancelled atomic.Bool
}

func (t *Token) Cancel() {
	t.cancelled.Store(true)
}

func (t *Token) Cancelled() bool {
	return t.cancelled.Load()
}

// Check is the checkpoint call pipelines make between expensive stages.
func (t *Token) Check() error {
	if t.cancelled.Load() {
		return ErrCancelled
	}
	return nil
}

// Task is one in-flight query run owned by a client.
type Task struct {
	ID        string
	ClientID  string
	StartedAt time.Time
	token     *Token

	mu           sync.Mutex
	interactions map[string]*models.Interaction
}

func (t *Task) Token() *Token {
	return t.token
}

// RecordInteraction stores the judge exchange for one chunk, keyed by
// filename and chunk id. A later record for the same key replaces the
// earlier one.
func (t *Task) RecordInteraction(in *models.Interaction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.interactions[models.InteractionKey(in.Filename, in.ChunkID)] = in
}

// Interactions returns a snapshot copy of the recorded exchanges.
func (t *Task) Interactions() map[string]*models.Interaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]*models.Interaction, len(t.interactions))
	for k, v := range t.interactions {
		out[k] = v
	}
	return out
}

type completedEntry struct {
	interactions map[string]*models.Interaction
	finishedAt   time.Time
}

// Manager tracks live tasks per client and keeps finished tasks' interaction
// records around for a retention window so clients can fetch them after the
// answer has streamed back.
type Manager struct {
	mu        sync.Mutex
	live      map[string]map[string]*Task // clientID -> taskID -> task
	completed map[string]completedEntry   // taskID -> records
	retention time.Duration
	lastSweep time.Time
}

func NewManager(retention time.Duration) *Manager {
	if retention <= 0 {
		retention = time.Hour
	}
	return &Manager{
		live:      make(map[string]map[string]*Task),
		completed: make(map[string]completedEntry),
		retention: retention,
		lastSweep: time.Now(),
	}
}

// Start registers a new task for the client and returns it. The generated id
// doubles as the handle clients use for cancellation and interaction lookup.
func (m *Manager) Start(clientID string) *Task {
	t := &Task{
		ID:           uuid.New().String(),
		ClientID:     clientID,
		StartedAt:    time.Now(),
		token:        &Token{},
		interactions: make(map[string]*models.Interaction),
	}

	m.mu.Lock()
	if m.live[clientID] == nil {
		m.live[clientID] = make(map[string]*Task)
	}
	m.live[clientID][t.ID] = t
	m.mu.Unlock()

	logger.Info("Task started",
		zap.String("task_id", t.ID),
		zap.String("client_id", clientID),
	)

	return t
}

// Finish moves a task from the live registry into the completed cache. Safe
// to call for a task that was already cancelled or finished.
func (m *Manager) Finish(t *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tasks, ok := m.live[t.ClientID]; ok {
		delete(tasks, t.ID)
		if len(tasks) == 0 {
			delete(m.live, t.ClientID)
		}
	}

	m.completed[t.ID] = completedEntry{
		interactions: t.Interactions(),
		finishedAt:   time.Now(),
	}
	m.sweepLocked()

	logger.Info("Task finished",
		zap.String("task_id", t.ID),
		zap.String("client_id", t.ClientID),
		zap.Duration("elapsed", time.Since(t.StartedAt)),
	)
}

// Cancel cancels one live task by id, regardless of owner.
func (m *Manager) Cancel(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tasks := range m.live {
		if t, ok := tasks[taskID]; ok {
			t.token.Cancel()
			logger.Info("Task cancelled", zap.String("task_id", taskID))
			return nil
		}
	}
	return ErrNotFound
}

// CancelClient cancels every live task the client owns and reports how many
// were signalled. The tasks stay registered until their pipelines observe the
// token and call Finish.
func (m *Manager) CancelClient(clientID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	tasks := m.live[clientID]
	for _, t := range tasks {
		t.token.Cancel()
	}

	if len(tasks) > 0 {
		logger.Info("Client tasks cancelled",
			zap.String("client_id", clientID),
			zap.Int("count", len(tasks)),
		)
	}
	return len(tasks)
}

// LiveCount reports how many tasks the client currently has running.
func (m *Manager) LiveCount(clientID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live[clientID])
}

// Interaction looks up one judge exchange by task id and key, checking live
// tasks first and then the completed cache.
func (m *Manager) Interaction(taskID, key string) (*models.Interaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()

	for _, tasks := range m.live {
		if t, ok := tasks[taskID]; ok {
			if in, ok := t.Interactions()[key]; ok {
				return in, nil
			}
			return nil, ErrNotFound
		}
	}

	if entry, ok := m.completed[taskID]; ok {
		if in, ok := entry.interactions[key]; ok {
			return in, nil
		}
	}
	return nil, ErrNotFound
}

// Interactions returns every recorded exchange for a task, live or completed.
func (m *Manager) Interactions(taskID string) (map[string]*models.Interaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()

	for _, tasks := range m.live {
		if t, ok := tasks[taskID]; ok {
			return t.Interactions(), nil
		}
	}
	if entry, ok := m.completed[taskID]; ok {
		out := make(map[string]*models.Interaction, len(entry.interactions))
		for k, v := range entry.interactions {
			out[k] = v
		}
		return out, nil
	}
	return nil, ErrNotFound
}

// sweepLocked lazily drops completed entries older than the retention window.
// Runs at most once per minute; callers must hold the mutex.
func (m *Manager) sweepLocked() {
	now := time.Now()
	if now.Sub(m.lastSweep) < time.Minute {
		return
	}
	m.lastSweep = now

	removed := 0
	for id, entry := range m.completed {
		if now.Sub(entry.finishedAt) > m.retention {
			delete(m.completed, id)
			removed++
		}
	}
	if removed > 0 {
		logger.Debug("Expired completed tasks swept", zap.Int("removed", removed))
	}
}
