// Package rest is the HTTP surface of the entitlement core.
//
// Endpoints:
//
//	POST   /v1/auth/token           - exchange an API key for a session
//	GET    /v1/me                   - profile and turn snapshot
//	POST   /v1/reading              - billable tarot reading
//	POST   /v1/chat/reading         - billable chat-driven reading
//	POST   /v1/payments/submit      - submit a chain payment for credit
//	GET    /v1/tasks/status/{id}    - task state (owner or admin)
//	DELETE /v1/tasks/cancel/{id}    - cancel a task (owner or admin)
//	GET    /v1/tasks/active         - in-progress tasks by worker (admin)
//	GET    /v1/tasks/workers        - worker stats (admin)
//	POST   /v1/admin/tasks          - enqueue a task (admin)
//	POST   /v1/admin/users/{id}/credit - compensating turn credit (admin)
//	DELETE /v1/admin/users/{id}     - delete a user (admin)
//	GET    /health, /ready, /metrics
//
// The package owns error projection: quota exhaustion is 402 with the turn
// snapshot, rate limiting is 429 with the exceeded budget, infrastructure
// faults are 5xx, and payment verdicts are 200 with success=false because a
// rejected payment is a healthy answer, not a server problem.
package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/arcanahq/turnstile/internal/admission"
	"github.com/arcanahq/turnstile/internal/ledger"
	"github.com/arcanahq/turnstile/internal/payments"
	"github.com/arcanahq/turnstile/internal/ratelimit"
	"github.com/arcanahq/turnstile/internal/reading"
	"github.com/arcanahq/turnstile/internal/tasks"
)

// UserStore is the ledger slice the HTTP layer needs. *ledger.Ledger
// satisfies it.
type UserStore interface {
	Get(ctx context.Context, userID uuid.UUID) (*ledger.User, error)
	Delete(ctx context.Context, userID uuid.UUID) error
	CreditPaid(ctx context.Context, userID uuid.UUID, n int, tag string) (ledger.Turns, error)
}

// Admitter is the admission gate. *admission.Gate satisfies it.
type Admitter interface {
	Admit(ctx context.Context, user *ledger.User, tag string) (admission.Decision, error)
}

// PaymentService drives payment submissions. *payments.Applier satisfies
// it.
type PaymentService interface {
	Submit(ctx context.Context, sub payments.Submission) (*payments.Outcome, error)
}

// SessionService mints and resolves bearer tokens. *auth.Authenticator
// satisfies it.
type SessionService interface {
	IssueSession(ctx context.Context, apiKey string) (string, error)
	Resolve(ctx context.Context, token string) (uuid.UUID, error)
	SessionTTL() time.Duration
}

// TaskService is the task manager surface. *tasks.Manager satisfies it.
type TaskService interface {
	Enqueue(ctx context.Context, kind string, payload json.RawMessage, creator uuid.UUID, admin bool) (string, error)
	Status(ctx context.Context, id string) (*tasks.Task, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Active(ctx context.Context) (map[string][]tasks.Task, error)
	Workers() []tasks.WorkerStats
}

// Config carries the handler's own knobs.
type Config struct {
	// TrustProxyHeaders makes the rate limiter key on the first
	// X-Forwarded-For hop instead of the socket address. Only enable behind
	// a proxy that strips client-supplied values.
	TrustProxyHeaders bool
}

// Handler wires the components to routes.
type Handler struct {
	users    UserStore
	gate     Admitter
	payments PaymentService
	sessions SessionService
	tasks    TaskService
	limiter  ratelimit.Limiter
	producer reading.Producer
	ready    func(ctx context.Context) error
	cfg      Config
	log      zerolog.Logger
}

// NewHandler builds the HTTP layer. ready is consulted by /ready and should
// ping the backing stores; nil means always ready.
func NewHandler(
	users UserStore,
	gate Admitter,
	paymentSvc PaymentService,
	sessions SessionService,
	taskSvc TaskService,
	limiter ratelimit.Limiter,
	producer reading.Producer,
	ready func(ctx context.Context) error,
	cfg Config,
	logger zerolog.Logger,
) *Handler {
	if ready == nil {
		ready = func(context.Context) error { return nil }
	}
	return &Handler{
		users:    users,
		gate:     gate,
		payments: paymentSvc,
		sessions: sessions,
		tasks:    taskSvc,
		limiter:  limiter,
		producer: producer,
		ready:    ready,
		cfg:      cfg,
		log:      logger.With().Str("component", "rest").Logger(),
	}
}

// Routes assembles the full handler chain: recover -> CORS -> logging
// outermost, then per-route rate limiting and auth.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/ready", h.handleReady)
	mux.Handle("/metrics", promhttp.Handler())

	mux.Handle("/v1/auth/token",
		h.limit(ratelimit.ClassAuth, http.HandlerFunc(h.handleToken)))
	mux.Handle("/v1/me",
		h.limit(ratelimit.ClassDefault, h.authed(h.handleMe)))
	mux.Handle("/v1/reading",
		h.limit(ratelimit.ClassTarot, h.authed(h.handleReading("reading"))))
	mux.Handle("/v1/chat/reading",
		h.limit(ratelimit.ClassChat, h.authed(h.handleReading("chat"))))
	mux.Handle("/v1/payments/submit",
		h.limit(ratelimit.ClassDefault, h.authed(h.handlePaymentSubmit)))

	mux.Handle("/v1/tasks/status/",
		h.limit(ratelimit.ClassDefault, h.authed(h.handleTaskStatus)))
	mux.Handle("/v1/tasks/cancel/",
		h.limit(ratelimit.ClassDefault, h.authed(h.handleTaskCancel)))
	mux.Handle("/v1/tasks/active",
		h.limit(ratelimit.ClassDefault, h.authed(h.handleTasksActive)))
	mux.Handle("/v1/tasks/workers",
		h.limit(ratelimit.ClassDefault, h.authed(h.handleTaskWorkers)))

	mux.Handle("/v1/admin/tasks",
		h.limit(ratelimit.ClassDefault, h.authed(h.handleAdminEnqueue)))
	mux.Handle("/v1/admin/users/",
		h.limit(ratelimit.ClassDefault, h.authed(h.handleAdminUsers)))

	var handler http.Handler = mux
	handler = LoggingMiddleware(h.log)(handler)
	handler = CORS(handler)
	handler = Recover(h.log)(handler)
	return handler
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.ready(ctx); err != nil {
		h.log.Warn().Err(err).Msg("readiness check failed")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}
