package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsage/backend/internal/storage/models"
)

func TestTokenCancellationLatch(t *testing.T) {
	tok := &Token{}
	require.NoError(t, tok.Check())
	assert.False(t, tok.Cancelled())

	tok.Cancel()
	assert.True(t, tok.Cancelled())
	assert.ErrorIs(t, tok.Check(), ErrCancelled)

	// Cancelling twice stays cancelled.
	tok.Cancel()
	assert.ErrorIs(t, tok.Check(), ErrCancelled)
}

func TestStartAndFinishLifecycle(t *testing.T) {
	m := NewManager(time.Hour)

	task := m.Start("client-a")
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, 1, m.LiveCount("client-a"))

	task.RecordInteraction(&models.Interaction{
		Filename:   "report.txt",
		ChunkID:    0,
		IsRelevant: true,
	})
	m.Finish(task)

	assert.Equal(t, 0, m.LiveCount("client-a"))

	in, err := m.Interaction(task.ID, models.InteractionKey("report.txt", 0))
	require.NoError(t, err)
	assert.True(t, in.IsRelevant)
}

func TestCancelClientSignalsAllTasks(t *testing.T) {
	m := NewManager(time.Hour)

	t1 := m.Start("client-a")
	t2 := m.Start("client-a")
	t3 := m.Start("client-b")

	assert.Equal(t, 2, m.CancelClient("client-a"))

	assert.True(t, t1.Token().Cancelled())
	assert.True(t, t2.Token().Cancelled())
	assert.False(t, t3.Token().Cancelled())

	// Cancelled tasks stay live until their pipelines finish them.
	assert.Equal(t, 2, m.LiveCount("client-a"))

	assert.Equal(t, 0, m.CancelClient("client-without-tasks"))
}

func TestCancelByTaskID(t *testing.T) {
	m := NewManager(time.Hour)
	task := m.Start("client-a")

	require.NoError(t, m.Cancel(task.ID))
	assert.True(t, task.Token().Cancelled())

	assert.ErrorIs(t, m.Cancel("no-such-task"), ErrNotFound)
}

func TestInteractionLookupPrefersLiveTask(t *testing.T) {
	m := NewManager(time.Hour)
	task := m.Start("client-a")
	task.RecordInteraction(&models.Interaction{Filename: "a.txt", ChunkID: 2})

	in, err := m.Interaction(task.ID, models.InteractionKey("a.txt", 2))
	require.NoError(t, err)
	assert.Equal(t, 2, in.ChunkID)

	_, err = m.Interaction(task.ID, models.InteractionKey("a.txt", 99))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInteractionsSnapshot(t *testing.T) {
	m := NewManager(time.Hour)
	task := m.Start("client-a")
	task.RecordInteraction(&models.Interaction{Filename: "a.txt", ChunkID: 0})
	task.RecordInteraction(&models.Interaction{Filename: "a.txt", ChunkID: 1})
	m.Finish(task)

	all, err := m.Interactions(task.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = m.Interactions("unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordInteractionReplacesSameKey(t *testing.T) {
	m := NewManager(time.Hour)
	task := m.Start("client-a")

	task.RecordInteraction(&models.Interaction{Filename: "a.txt", ChunkID: 0, IsRelevant: false})
	task.RecordInteraction(&models.Interaction{Filename: "a.txt", ChunkID: 0, IsRelevant: true})

	all := task.Interactions()
	require.Len(t, all, 1)
	assert.True(t, all[models.InteractionKey("a.txt", 0)].IsRelevant)
}

func TestCompletedEntriesExpire(t *testing.T) {
	m := NewManager(10 * time.Millisecond)
	task := m.Start("client-a")
	task.RecordInteraction(&models.Interaction{Filename: "a.txt", ChunkID: 0})
	m.Finish(task)

	time.Sleep(20 * time.Millisecond)

	// Force the lazy sweep past its once-a-minute gate.
	m.mu.Lock()
	m.lastSweep = time.Now().Add(-2 * time.Minute)
	m.mu.Unlock()

	_, err := m.Interactions(task.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
