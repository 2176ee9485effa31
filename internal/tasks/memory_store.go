package tasks

import (
	"context"
	"sync"
	"time"
)

const memoryQueueDepth = 1024

// MemoryStore is the in-process Store. It backs tests and broker-less
// development runs; state does not survive the process.
type MemoryStore struct {
	mu      sync.Mutex
	tasks   map[string]*Task
	queues  map[string]chan string
	delayed map[string]delayedEntry
}

type delayedEntry struct {
	queue string
	due   time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:   make(map[string]*Task),
		queues:  make(map[string]chan string),
		delayed: make(map[string]delayedEntry),
	}
}

func (m *MemoryStore) queue(name string) chan string {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		q = make(chan string, memoryQueueDepth)
		m.queues[name] = q
	}
	return q
}

func (m *MemoryStore) SaveTask(ctx context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *task
	m.tasks[task.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTask(ctx context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cp := *task
	return &cp, nil
}

func (m *MemoryStore) Enqueue(ctx context.Context, queue, id string) error {
	select {
	case m.queue(queue) <- id:
		return nil
	default:
		return ErrQueueFull
	}
}

func (m *MemoryStore) Dequeue(ctx context.Context, queue string, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case id := <-m.queue(queue):
		return id, nil
	case <-timer.C:
		return "", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *MemoryStore) ScheduleRetry(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	m.delayed[id] = delayedEntry{queue: task.Queue, due: at}
	return nil
}

func (m *MemoryStore) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	var due []struct{ id, queue string }
	for id, entry := range m.delayed {
		if !entry.due.After(now) {
			due = append(due, struct{ id, queue string }{id, entry.queue})
		}
	}
	for _, d := range due {
		delete(m.delayed, d.id)
	}
	m.mu.Unlock()

	var moved int
	for _, d := range due {
		if err := m.Enqueue(ctx, d.queue, d.id); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

func (m *MemoryStore) ListByState(ctx context.Context, states ...State) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Task
	for _, task := range m.tasks {
		for _, s := range states {
			if task.State == s {
				out = append(out, *task)
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteTask(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	delete(m.delayed, id)
	return nil
}
