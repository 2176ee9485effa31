package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	enqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "turnstile_tasks_enqueued_total",
		Help: "Tasks enqueued, by kind.",
	}, []string{"kind"})
	completedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "turnstile_tasks_completed_total",
		Help: "Task attempt outcomes, by kind.",
	}, []string{"kind", "outcome"})
)

// Config tunes the manager. Zero values take the defaults noted per field.
type Config struct {
	// MaxAttempts per task, including the first. Default 3.
	MaxAttempts int
	// BaseRetryDelay before the second attempt; doubles per attempt.
	// Default 60s.
	BaseRetryDelay time.Duration
	// HardTimeLimit is enforced as the handler context deadline.
	// Default 30m.
	HardTimeLimit time.Duration
	// SoftTimeLimit only logs a warning when exceeded. Default 25m.
	SoftTimeLimit time.Duration
	// WorkersPerQueue sizes each queue's pool. Default 2.
	WorkersPerQueue int
	// PromoteInterval is how often delayed retries are re-queued.
	// Default 5s.
	PromoteInterval time.Duration
	// DequeueTimeout bounds each blocking pop so workers notice shutdown.
	// Default 2s.
	DequeueTimeout time.Duration
	// Retention is how long terminal tasks are kept before cleanup_tasks
	// may prune them. Default 30 days.
	Retention time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = time.Minute
	}
	if c.HardTimeLimit <= 0 {
		c.HardTimeLimit = 30 * time.Minute
	}
	if c.SoftTimeLimit <= 0 {
		c.SoftTimeLimit = 25 * time.Minute
	}
	if c.WorkersPerQueue <= 0 {
		c.WorkersPerQueue = 2
	}
	if c.PromoteInterval <= 0 {
		c.PromoteInterval = 5 * time.Second
	}
	if c.DequeueTimeout <= 0 {
		c.DequeueTimeout = 2 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
}

// WorkerStats is one worker's counters, snapshotted by Workers.
type WorkerStats struct {
	WorkerID    string `json:"worker_id"`
	Queue       string `json:"queue"`
	Processed   int    `json:"processed"`
	Failed      int    `json:"failed"`
	CurrentTask string `json:"current_task,omitempty"`
}

// Manager owns the worker pools and the task lifecycle.
type Manager struct {
	store    Store
	registry *Registry
	cfg      Config
	log      zerolog.Logger
	now      func() time.Time

	wg     sync.WaitGroup
	stopCh chan struct{}

	mu      sync.Mutex
	running map[string]context.CancelFunc
	stats   map[string]*WorkerStats
}

func NewManager(store Store, registry *Registry, cfg Config, logger zerolog.Logger) *Manager {
	cfg.applyDefaults()
	return &Manager{
		store:    store,
		registry: registry,
		cfg:      cfg,
		log:      logger.With().Str("component", "task_manager").Logger(),
		now:      time.Now,
		running:  make(map[string]context.CancelFunc),
		stats:    make(map[string]*WorkerStats),
	}
}

// Retention exposes the configured terminal-task retention.
func (m *Manager) Retention() time.Duration { return m.cfg.Retention }

// Enqueue records a task and makes it visible to workers. Admin-only kinds
// require admin=true regardless of how the caller authenticated.
func (m *Manager) Enqueue(ctx context.Context, kind string, payload json.RawMessage, creator uuid.UUID, admin bool) (string, error) {
	spec, ok := m.registry.spec(kind)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if spec.adminOnly && !admin {
		return "", fmt.Errorf("%w: %q", ErrAdminOnly, kind)
	}

	task := &Task{
		ID:          uuid.NewString(),
		Kind:        kind,
		Queue:       spec.queue,
		State:       StatePending,
		Payload:     payload,
		Creator:     creator,
		MaxAttempts: m.cfg.MaxAttempts,
		CreatedAt:   m.now().UTC(),
	}
	if err := m.store.SaveTask(ctx, task); err != nil {
		return "", err
	}
	if err := m.store.Enqueue(ctx, task.Queue, task.ID); err != nil {
		// Unqueued pending rows would strand; drop the record again.
		_ = m.store.DeleteTask(ctx, task.ID)
		return "", err
	}

	enqueuedTotal.WithLabelValues(kind).Inc()
	m.log.Debug().Str("task_id", task.ID).Str("kind", kind).Str("queue", task.Queue).
		Msg("task enqueued")
	return task.ID, nil
}

// Status loads a task by id.
func (m *Manager) Status(ctx context.Context, id string) (*Task, error) {
	return m.store.GetTask(ctx, id)
}

// Cancel stops a task if it still can be stopped.
//
// Pending tasks flip to cancelled and are skipped when popped. In-progress
// tasks get their context cancelled through the in-process registry, which
// only reaches tasks running in this process; the method reports false for
// anything it could not stop, including already-terminal tasks.
func (m *Manager) Cancel(ctx context.Context, id string) (bool, error) {
	task, err := m.store.GetTask(ctx, id)
	if err != nil {
		return false, err
	}

	switch task.State {
	case StatePending:
		finished := m.now().UTC()
		task.State = StateCancelled
		task.Error = "cancelled before start"
		task.FinishedAt = &finished
		if err := m.store.SaveTask(ctx, task); err != nil {
			return false, err
		}
		m.log.Info().Str("task_id", id).Msg("pending task cancelled")
		return true, nil

	case StateInProgress:
		m.mu.Lock()
		cancel, ok := m.running[id]
		m.mu.Unlock()
		if !ok {
			return false, nil
		}
		cancel()
		m.log.Info().Str("task_id", id).Msg("in-progress task cancelled")
		return true, nil

	default:
		return false, nil
	}
}

// Active lists in-progress tasks grouped by worker.
func (m *Manager) Active(ctx context.Context) (map[string][]Task, error) {
	tasks, err := m.store.ListByState(ctx, StateInProgress)
	if err != nil {
		return nil, err
	}
	grouped := make(map[string][]Task)
	for _, t := range tasks {
		grouped[t.WorkerID] = append(grouped[t.WorkerID], t)
	}
	return grouped, nil
}

// Workers snapshots per-worker counters, sorted by worker id.
func (m *Manager) Workers() []WorkerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WorkerStats, 0, len(m.stats))
	for _, s := range m.stats {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// CleanupOlderThan prunes terminal tasks finished before now-olderThan and
// reports how many went. Backing store for the cleanup_tasks kind.
func (m *Manager) CleanupOlderThan(ctx context.Context, olderThan time.Duration) (int, error) {
	terminal, err := m.store.ListByState(ctx, StateSuccess, StateFailed, StateCancelled)
	if err != nil {
		return 0, err
	}

	cutoff := m.now().UTC().Add(-olderThan)
	var removed int
	for _, task := range terminal {
		if task.FinishedAt == nil || !task.FinishedAt.Before(cutoff) {
			continue
		}
		if err := m.store.DeleteTask(ctx, task.ID); err != nil {
			return removed, err
		}
		removed++
	}

	m.log.Info().Int("removed", removed).Dur("older_than", olderThan).
		Msg("terminal tasks pruned")
	return removed, nil
}

// Start launches the worker pools and the retry promoter.
func (m *Manager) Start() {
	m.stopCh = make(chan struct{})

	queues := m.registry.Queues()
	for _, queue := range queues {
		for i := 0; i < m.cfg.WorkersPerQueue; i++ {
			workerID := fmt.Sprintf("%s-%d", queue, i)
			m.mu.Lock()
			m.stats[workerID] = &WorkerStats{WorkerID: workerID, Queue: queue}
			m.mu.Unlock()

			m.wg.Add(1)
			go m.worker(workerID, queue)
		}
	}

	m.wg.Add(1)
	go m.promoter()

	m.log.Info().
		Strs("queues", queues).
		Int("workers_per_queue", m.cfg.WorkersPerQueue).
		Msg("task workers started")
}

// Stop halts workers after their current task completes.
func (m *Manager) Stop() {
	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	m.wg.Wait()
	m.log.Info().Msg("task workers stopped")
}

func (m *Manager) worker(workerID, queue string) {
	defer m.wg.Done()

	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		id, err := m.store.Dequeue(context.Background(), queue, m.cfg.DequeueTimeout)
		if err != nil {
			m.log.Warn().Err(err).Str("worker", workerID).Msg("dequeue failed")
			select {
			case <-m.stopCh:
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if id == "" {
			continue
		}
		m.runTask(workerID, id)
	}
}

func (m *Manager) runTask(workerID, id string) {
	ctx := context.Background()

	task, err := m.store.GetTask(ctx, id)
	if err != nil {
		m.log.Warn().Err(err).Str("task_id", id).Msg("popped task is unreadable")
		return
	}
	if task.State != StatePending {
		// Cancelled (or otherwise settled) between enqueue and pop.
		m.log.Debug().Str("task_id", id).Str("state", string(task.State)).
			Msg("skipping settled task")
		return
	}

	spec, ok := m.registry.spec(task.Kind)
	if !ok {
		m.finalize(task, StateFailed, nil, fmt.Sprintf("kind %q no longer registered", task.Kind))
		return
	}

	started := m.now().UTC()
	task.State = StateInProgress
	task.Attempts++
	task.StartedAt = &started
	task.WorkerID = workerID
	if err := m.store.SaveTask(ctx, task); err != nil {
		m.log.Error().Err(err).Str("task_id", id).Msg("cannot mark task in-progress")
		return
	}

	runCtx, cancel := context.WithTimeout(context.Background(), m.cfg.HardTimeLimit)
	m.setRunning(id, cancel)
	m.setCurrent(workerID, id)

	soft := time.AfterFunc(m.cfg.SoftTimeLimit, func() {
		m.log.Warn().Str("task_id", id).Str("kind", task.Kind).
			Dur("soft_limit", m.cfg.SoftTimeLimit).
			Msg("task exceeded soft time limit")
	})

	result, runErr := spec.handler(runCtx, task.Payload)

	soft.Stop()
	ctxErr := runCtx.Err()
	cancel()
	m.clearRunning(id)
	m.setCurrent(workerID, "")

	switch {
	case runErr == nil:
		m.finalize(task, StateSuccess, result, "")
		m.bumpStats(workerID, false)
		completedTotal.WithLabelValues(task.Kind, "success").Inc()

	case errors.Is(ctxErr, context.Canceled):
		m.finalize(task, StateCancelled, nil, "cancelled while running")
		completedTotal.WithLabelValues(task.Kind, "cancelled").Inc()

	case task.Attempts >= task.MaxAttempts:
		m.finalize(task, StateFailed, nil, runErr.Error())
		m.bumpStats(workerID, true)
		completedTotal.WithLabelValues(task.Kind, "failure").Inc()
		m.log.Error().Str("task_id", id).Str("kind", task.Kind).
			Int("attempts", task.Attempts).Err(runErr).
			Msg("task failed permanently")

	default:
		delay := retryDelay(m.cfg.BaseRetryDelay, task.Attempts)
		task.State = StatePending
		task.WorkerID = ""
		if err := m.store.SaveTask(ctx, task); err != nil {
			m.log.Error().Err(err).Str("task_id", id).Msg("cannot requeue task")
			return
		}
		if err := m.store.ScheduleRetry(ctx, id, m.now().Add(delay)); err != nil {
			m.log.Error().Err(err).Str("task_id", id).Msg("cannot schedule retry")
			return
		}
		completedTotal.WithLabelValues(task.Kind, "retry").Inc()
		m.log.Warn().Str("task_id", id).Str("kind", task.Kind).
			Int("attempt", task.Attempts).Int("max_attempts", task.MaxAttempts).
			Dur("retry_in", delay).Err(runErr).
			Msg("task attempt failed, retrying")
	}
}

// finalize writes a terminal state. Result marshaling failures downgrade to
// a warning; the state transition still lands.
func (m *Manager) finalize(task *Task, state State, result interface{}, errText string) {
	finished := m.now().UTC()
	task.State = state
	task.FinishedAt = &finished
	task.Error = errText

	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			m.log.Warn().Err(err).Str("task_id", task.ID).Msg("task result not serializable")
		} else {
			task.Result = raw
		}
	}

	if err := m.store.SaveTask(context.Background(), task); err != nil {
		m.log.Error().Err(err).Str("task_id", task.ID).Msg("cannot persist terminal state")
	}
}

func (m *Manager) promoter() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PromoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := m.store.PromoteDue(context.Background(), m.now())
			if err != nil {
				m.log.Warn().Err(err).Msg("retry promotion failed")
				continue
			}
			if n > 0 {
				m.log.Debug().Int("promoted", n).Msg("delayed retries requeued")
			}
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) setRunning(id string, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running[id] = cancel
}

func (m *Manager) clearRunning(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.running, id)
}

func (m *Manager) setCurrent(workerID, taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.stats[workerID]; ok {
		s.CurrentTask = taskID
	}
}

func (m *Manager) bumpStats(workerID string, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[workerID]
	if !ok {
		return
	}
	if failed {
		s.Failed++
	} else {
		s.Processed++
	}
}

// retryDelay doubles the base per completed attempt: 60s after the first
// failure, 120s after the second.
func retryDelay(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
