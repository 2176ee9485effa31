package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		MaxAttempts:     3,
		BaseRetryDelay:  10 * time.Millisecond,
		HardTimeLimit:   2 * time.Second,
		SoftTimeLimit:   time.Second,
		WorkersPerQueue: 2,
		PromoteInterval: 5 * time.Millisecond,
		DequeueTimeout:  10 * time.Millisecond,
	}
}

func startedManager(t *testing.T, registry *Registry) (*Manager, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	m := NewManager(store, registry, testConfig(), zerolog.Nop())
	m.Start()
	t.Cleanup(m.Stop)
	return m, store
}

func waitForState(t *testing.T, m *Manager, id string, want State) *Task {
	t.Helper()
	var task *Task
	require.Eventually(t, func() bool {
		got, err := m.Status(context.Background(), id)
		if err != nil {
			return false
		}
		task = got
		return got.State == want
	}, 2*time.Second, 5*time.Millisecond, "task %s never reached %s", id, want)
	return task
}

func TestEnqueueUnknownKind(t *testing.T) {
	m := NewManager(NewMemoryStore(), NewRegistry(), testConfig(), zerolog.Nop())

	_, err := m.Enqueue(context.Background(), "no_such_kind", nil, uuid.New(), false)
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestEnqueueAdminOnlyKind(t *testing.T) {
	registry := NewRegistry()
	registry.Register(KindMonthlyReset, QueueNotifications, true,
		func(ctx context.Context, _ json.RawMessage) (interface{}, error) { return nil, nil })
	m := NewManager(NewMemoryStore(), registry, testConfig(), zerolog.Nop())

	_, err := m.Enqueue(context.Background(), KindMonthlyReset, nil, uuid.New(), false)
	require.ErrorIs(t, err, ErrAdminOnly)

	id, err := m.Enqueue(context.Background(), KindMonthlyReset, nil, uuid.New(), true)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestTaskRunsToSuccess(t *testing.T) {
	registry := NewRegistry()
	registry.Register("echo", QueueNotifications, false,
		func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
			return map[string]interface{}{"echoed": string(payload)}, nil
		})
	m, _ := startedManager(t, registry)

	creator := uuid.New()
	id, err := m.Enqueue(context.Background(), "echo", json.RawMessage(`{"q":"hi"}`), creator, false)
	require.NoError(t, err)

	task := waitForState(t, m, id, StateSuccess)
	assert.Equal(t, 1, task.Attempts)
	assert.Equal(t, creator, task.Creator)
	assert.Contains(t, string(task.Result), "echoed")
	assert.NotNil(t, task.StartedAt)
	assert.NotNil(t, task.FinishedAt)
	assert.NotEmpty(t, task.WorkerID)
}

func TestTaskRetriesThenSucceeds(t *testing.T) {
	var calls int32
	registry := NewRegistry()
	registry.Register("flaky", QueueNotifications, false,
		func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
			if atomic.AddInt32(&calls, 1) < 3 {
				return nil, errors.New("transient failure")
			}
			return "done", nil
		})
	m, _ := startedManager(t, registry)

	id, err := m.Enqueue(context.Background(), "flaky", nil, uuid.New(), false)
	require.NoError(t, err)

	task := waitForState(t, m, id, StateSuccess)
	assert.Equal(t, 3, task.Attempts)
	assert.Empty(t, task.Error)
}

func TestTaskFailsAfterMaxAttempts(t *testing.T) {
	registry := NewRegistry()
	registry.Register("doomed", QueueNotifications, false,
		func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
			return nil, errors.New("smtp gateway down")
		})
	m, _ := startedManager(t, registry)

	id, err := m.Enqueue(context.Background(), "doomed", nil, uuid.New(), false)
	require.NoError(t, err)

	task := waitForState(t, m, id, StateFailed)
	assert.Equal(t, 3, task.Attempts)
	assert.Contains(t, task.Error, "smtp gateway down")
}

func TestCancelPendingTask(t *testing.T) {
	registry := NewRegistry()
	registry.Register("later", QueueNotifications, false,
		func(ctx context.Context, _ json.RawMessage) (interface{}, error) { return nil, nil })

	// No workers running: the task stays pending.
	store := NewMemoryStore()
	m := NewManager(store, registry, testConfig(), zerolog.Nop())

	id, err := m.Enqueue(context.Background(), "later", nil, uuid.New(), false)
	require.NoError(t, err)

	ok, err := m.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)

	task, err := m.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, task.State)

	// Workers coming up later must skip it.
	m.Start()
	t.Cleanup(m.Stop)
	time.Sleep(50 * time.Millisecond)

	task, err = m.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, task.State)
	assert.Equal(t, 0, task.Attempts)
}

func TestCancelRunningTask(t *testing.T) {
	registry := NewRegistry()
	registry.Register("blocker", QueueNotifications, false,
		func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
	m, _ := startedManager(t, registry)

	id, err := m.Enqueue(context.Background(), "blocker", nil, uuid.New(), false)
	require.NoError(t, err)

	waitForState(t, m, id, StateInProgress)

	// The cancel registry fills just after the state flips; retry briefly.
	require.Eventually(t, func() bool {
		ok, err := m.Cancel(context.Background(), id)
		return err == nil && ok
	}, 2*time.Second, 5*time.Millisecond)

	task := waitForState(t, m, id, StateCancelled)
	assert.Contains(t, task.Error, "cancelled")
}

func TestCancelTerminalTaskReportsFalse(t *testing.T) {
	registry := NewRegistry()
	registry.Register("quick", QueueNotifications, false,
		func(ctx context.Context, _ json.RawMessage) (interface{}, error) { return nil, nil })
	m, _ := startedManager(t, registry)

	id, err := m.Enqueue(context.Background(), "quick", nil, uuid.New(), false)
	require.NoError(t, err)
	waitForState(t, m, id, StateSuccess)

	ok, err := m.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCleanupOlderThan(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store, NewRegistry(), testConfig(), zerolog.Nop())
	ctx := context.Background()

	old := time.Now().UTC().Add(-60 * 24 * time.Hour)
	fresh := time.Now().UTC().Add(-time.Hour)

	oldTask := &Task{ID: uuid.NewString(), Kind: "x", Queue: QueueEmail,
		State: StateSuccess, CreatedAt: old, FinishedAt: &old}
	freshTask := &Task{ID: uuid.NewString(), Kind: "x", Queue: QueueEmail,
		State: StateFailed, CreatedAt: fresh, FinishedAt: &fresh}
	runningTask := &Task{ID: uuid.NewString(), Kind: "x", Queue: QueueEmail,
		State: StateInProgress, CreatedAt: old}

	require.NoError(t, store.SaveTask(ctx, oldTask))
	require.NoError(t, store.SaveTask(ctx, freshTask))
	require.NoError(t, store.SaveTask(ctx, runningTask))

	removed, err := m.CleanupOlderThan(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = m.Status(ctx, oldTask.ID)
	require.ErrorIs(t, err, ErrTaskNotFound)
	_, err = m.Status(ctx, freshTask.ID)
	require.NoError(t, err)
	_, err = m.Status(ctx, runningTask.ID)
	require.NoError(t, err)
}

func TestWorkerStats(t *testing.T) {
	registry := NewRegistry()
	registry.Register("quick", QueueNotifications, false,
		func(ctx context.Context, _ json.RawMessage) (interface{}, error) { return nil, nil })
	m, _ := startedManager(t, registry)

	const n = 5
	for i := 0; i < n; i++ {
		id, err := m.Enqueue(context.Background(), "quick", nil, uuid.New(), false)
		require.NoError(t, err)
		waitForState(t, m, id, StateSuccess)
	}

	stats := m.Workers()
	require.Len(t, stats, 2, "two workers for one queue")

	var processed int
	for _, s := range stats {
		assert.Equal(t, QueueNotifications, s.Queue)
		processed += s.Processed
	}
	assert.Equal(t, n, processed)
}

func TestActiveGroupsByWorker(t *testing.T) {
	release := make(chan struct{})
	registry := NewRegistry()
	registry.Register("holder", QueueNotifications, false,
		func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
			select {
			case <-release:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})
	m, _ := startedManager(t, registry)

	id, err := m.Enqueue(context.Background(), "holder", nil, uuid.New(), false)
	require.NoError(t, err)
	waitForState(t, m, id, StateInProgress)

	active, err := m.Active(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	for workerID, ts := range active {
		assert.NotEmpty(t, workerID)
		require.Len(t, ts, 1)
		assert.Equal(t, id, ts[0].ID)
	}

	close(release)
	waitForState(t, m, id, StateSuccess)
}

func TestRetryDelayDoubles(t *testing.T) {
	base := time.Minute
	assert.Equal(t, time.Minute, retryDelay(base, 1))
	assert.Equal(t, 2*time.Minute, retryDelay(base, 2))
	assert.Equal(t, 4*time.Minute, retryDelay(base, 3))
}
