package tasks

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// Queue names. Email traffic is isolated from operational jobs so a
// reminder burst cannot delay a monthly reset.
const (
	QueueEmail         = "email"
	QueueNotifications = "notifications"
)

// Registered kind names.
const (
	KindMonthlyReset       = "reset_monthly_free_turns"
	KindSendBulkEmail      = "send_bulk_email"
	KindSendSingleEmail    = "send_single_email"
	KindSystemNotification = "send_system_notification"
	KindDailyReminders     = "process_daily_reminders"
	KindCleanupTasks       = "cleanup_tasks"
)

// Handler executes one task. The context carries the hard time limit and
// is cancelled when the task is cancelled. A non-nil return value is
// marshaled and stored as the task result.
type Handler func(ctx context.Context, payload json.RawMessage) (interface{}, error)

// Binding is one kind's queue routing and enqueue policy, without its
// handler. The API server binds real handlers over these; the admin CLI
// registers them as-is so it can enqueue onto a shared broker without
// being able to run anything.
type Binding struct {
	Kind      string
	Queue     string
	AdminOnly bool
}

// DefaultBindings is the canonical kind table. Email traffic routes to the
// email queue; operational kinds to notifications.
func DefaultBindings() []Binding {
	return []Binding{
		{Kind: KindMonthlyReset, Queue: QueueNotifications, AdminOnly: true},
		{Kind: KindSendBulkEmail, Queue: QueueEmail, AdminOnly: false},
		{Kind: KindSendSingleEmail, Queue: QueueEmail, AdminOnly: false},
		{Kind: KindSystemNotification, Queue: QueueNotifications, AdminOnly: true},
		{Kind: KindDailyReminders, Queue: QueueNotifications, AdminOnly: false},
		{Kind: KindCleanupTasks, Queue: QueueNotifications, AdminOnly: true},
	}
}

type kindSpec struct {
	queue     string
	adminOnly bool
	handler   Handler
}

// Registry binds kinds to queues and handlers. Kinds are registered at
// wiring time, before the manager starts.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]kindSpec
}

func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]kindSpec)}
}

// Register binds a kind. Re-registering replaces the previous binding.
func (r *Registry) Register(kind, queue string, adminOnly bool, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind] = kindSpec{queue: queue, adminOnly: adminOnly, handler: handler}
}

func (r *Registry) spec(kind string) (kindSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.kinds[kind]
	return s, ok
}

// Queues lists the distinct queues with registered kinds, sorted.
func (r *Registry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, spec := range r.kinds {
		if !seen[spec.queue] {
			seen[spec.queue] = true
			out = append(out, spec.queue)
		}
	}
	sort.Strings(out)
	return out
}
