// Package tasks runs background work: queued jobs with retries, time
// limits, cancellation and scheduled recurrence.
//
// The moving parts:
//
//   - Store: task state and queues. Redis in production (hashes for state,
//     lists for queues, a sorted set for delayed retries); an in-memory
//     implementation backs tests and single-process development.
//   - Registry: maps task kinds to handler functions and queues, and marks
//     which kinds only admins may enqueue.
//   - Manager: worker pools per queue, the retry policy, the in-process
//     cancel registry, and worker bookkeeping.
//   - Cron: computes recurring anchors (monthly reset, daily reminders) and
//     enqueues the corresponding kinds when they fire.
//
// Tasks survive process restarts: a pending task sits in its queue until a
// worker pops it. An in-progress task interrupted by a crash is not
// auto-resumed; its state shows in-progress until an operator intervenes,
// which is deliberate - handlers are not required to be idempotent.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTaskNotFound means no task exists under the id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrUnknownKind means the kind was never registered.
	ErrUnknownKind = errors.New("unknown task kind")

	// ErrAdminOnly means the kind may only be enqueued by an admin.
	ErrAdminOnly = errors.New("task kind is admin-only")

	// ErrQueueFull means the queue rejected the enqueue. Memory store only;
	// Redis lists are unbounded.
	ErrQueueFull = errors.New("task queue full")
)

// State is a task's lifecycle position.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in-progress"
	StateSuccess    State = "success"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed || s == StateCancelled
}

// Task is one unit of background work.
type Task struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Queue       string          `json:"queue"`
	State       State           `json:"state"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Creator     uuid.UUID       `json:"creator,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	WorkerID    string          `json:"worker_id,omitempty"`
}

// SystemCreator marks tasks enqueued by the system itself (cron anchors).
var SystemCreator = uuid.Nil

// Store persists tasks and queues. Implementations must make Dequeue safe
// for many concurrent workers: each queued id is delivered to exactly one
// caller.
type Store interface {
	// SaveTask writes the full task record, creating or replacing it.
	SaveTask(ctx context.Context, task *Task) error

	// GetTask loads a task by id.
	GetTask(ctx context.Context, id string) (*Task, error)

	// Enqueue makes the task id available to workers of the queue.
	Enqueue(ctx context.Context, queue, id string) error

	// Dequeue blocks up to timeout for the next id on the queue. It
	// returns "" with a nil error when nothing arrived in time.
	Dequeue(ctx context.Context, queue string, timeout time.Duration) (string, error)

	// ScheduleRetry parks the id until at, when PromoteDue moves it back
	// onto its queue.
	ScheduleRetry(ctx context.Context, id string, at time.Time) error

	// PromoteDue re-queues parked ids whose due time has passed and
	// reports how many it moved.
	PromoteDue(ctx context.Context, now time.Time) (int, error)

	// ListByState returns tasks in any of the given states.
	ListByState(ctx context.Context, states ...State) ([]Task, error)

	// DeleteTask removes the task record and any queue bookkeeping.
	DeleteTask(ctx context.Context, id string) error
}
