// Package ledger owns the durable turn counters behind every billable
// reading.
//
// A turn is the unit of entitlement: one successful debit admits one
// reading or chat request. Each user carries two counters:
//
//  1. free_turns - monthly allowance, reset to the configured grant on the
//     first of each month
//  2. paid_turns - purchased through verified chain payments, never expire
//
// PostgreSQL is the single source of truth. There is no cache tier: turns
// are entitlements, not rate measurements, and losing or double-counting
// one is a billing defect. Every mutation runs as one transaction that
// locks the user row (SELECT ... FOR UPDATE), applies the policy, and
// writes an audit row. Concurrent debits against the same user serialize
// at the row lock, so a user holding k turns admits exactly k concurrent
// requests and rejects the rest.
//
// Debit order is fixed: free turns drain before paid turns. Callers cannot
// choose. Specialized premium users bypass counters entirely; a debit
// against them mutates nothing and reports an unlimited snapshot.
//
// The ledger never hides infrastructure faults behind policy answers. A
// failed query surfaces as ErrUnavailable, which is retryable; "no turns
// left" is ErrInsufficientTurns, which is not.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

var (
	// ErrInsufficientTurns means both counters are exhausted. Not retryable:
	// the caller must surface a payment-required condition.
	ErrInsufficientTurns = errors.New("insufficient turns")

	// ErrNotFound means the user row does not exist.
	ErrNotFound = errors.New("user not found")

	// ErrHandleTaken means another user already owns the requested handle.
	ErrHandleTaken = errors.New("handle already taken")

	// ErrUnavailable wraps storage faults. Retryable; never means "denied".
	ErrUnavailable = errors.New("ledger unavailable")
)

// SubscriptionStatus tracks the payment lifecycle label on a user. It is
// descriptive only: consumption policy looks at the counters, not at this.
type SubscriptionStatus string

const (
	SubscriptionNone      SubscriptionStatus = "none"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

// Audit operation labels. The context tag stored next to them records what
// the caller was doing (reading, chat, subscription, admin); it never
// affects policy.
const (
	opDebit  = "debit"
	opCredit = "credit"
	opReset  = "reset"
)

// DefaultFreeTurnsMonthly is the signup grant and monthly reset value when
// no override is configured.
const DefaultFreeTurnsMonthly = 3

// Turns is a point-in-time snapshot of a user's entitlement.
type Turns struct {
	Free      int
	Paid      int
	Unlimited bool
}

// Total is the combined remaining count. Meaningless when Unlimited.
func (t Turns) Total() int { return t.Free + t.Paid }

// User mirrors one row of the users table.
type User struct {
	ID                 uuid.UUID
	Handle             string
	FreeTurns          int
	PaidTurns          int
	LastFreeReset      *time.Time
	SubscriptionStatus SubscriptionStatus
	SpecializedPremium bool
	Admin              bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Turns snapshots the user's entitlement, folding in premium bypass.
func (u *User) Turns() Turns {
	return Turns{Free: u.FreeTurns, Paid: u.PaidTurns, Unlimited: u.SpecializedPremium}
}

// AuditEntry is one recorded counter mutation.
type AuditEntry struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Op        string
	Context   string
	FreeDelta int
	PaidDelta int
	CreatedAt time.Time
}

// Config carries the ledger's policy knobs.
type Config struct {
	// FreeTurnsMonthly is the signup grant and the value ResetFree restores.
	FreeTurnsMonthly int
}

func (c *Config) applyDefaults() {
	if c.FreeTurnsMonthly <= 0 {
		c.FreeTurnsMonthly = DefaultFreeTurnsMonthly
	}
}

// Ledger executes turn mutations against PostgreSQL.
//
// Thread safety: all methods are safe for concurrent use; serialization per
// user happens at the database row lock.
//
// Lifecycle: construct once with New around a pinged *sql.DB. The Ledger
// does not own the pool; the caller closes it. Sharing the pool matters
// because the payment applier joins its status flip and the credit into a
// single transaction via CreditPaidTx.
type Ledger struct {
	db  *sql.DB
	cfg Config
	log zerolog.Logger
}

// New wraps an open database pool. The pool should already be pinged; New
// performs no I/O.
func New(db *sql.DB, cfg Config, logger zerolog.Logger) *Ledger {
	cfg.applyDefaults()
	return &Ledger{
		db:  db,
		cfg: cfg,
		log: logger.With().Str("component", "ledger").Logger(),
	}
}

// FreeTurnsMonthly reports the configured monthly grant.
func (l *Ledger) FreeTurnsMonthly() int { return l.cfg.FreeTurnsMonthly }

// querier is satisfied by *sql.DB and *sql.Tx so row operations can run
// inside a caller-owned transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Debit consumes exactly one turn, free before paid, and returns the
// post-debit snapshot.
//
// Specialized premium users are admitted without mutation and get an
// unlimited snapshot. When both counters are zero the returned error is
// ErrInsufficientTurns and the snapshot carries the (zero) counters for the
// caller's rejection payload. The tag is recorded in the audit trail.
func (l *Ledger) Debit(ctx context.Context, userID uuid.UUID, tag string) (Turns, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Turns{}, unavailable(err)
	}
	defer tx.Rollback()

	free, paid, premium, err := lockCounters(ctx, tx, userID)
	if err != nil {
		return Turns{}, err
	}

	if premium {
		// No commit needed: the row was only locked, never written.
		return Turns{Free: free, Paid: paid, Unlimited: true}, nil
	}

	newFree, newPaid, err := applyDebit(free, paid)
	if err != nil {
		return Turns{Free: free, Paid: paid}, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET free_turns = $1, paid_turns = $2, updated_at = NOW() WHERE id = $3`,
		newFree, newPaid, userID,
	); err != nil {
		return Turns{}, unavailable(err)
	}
	if err := insertAudit(ctx, tx, userID, opDebit, tag, newFree-free, newPaid-paid); err != nil {
		return Turns{}, err
	}
	if err := tx.Commit(); err != nil {
		return Turns{}, unavailable(err)
	}

	l.log.Debug().
		Str("user_id", userID.String()).
		Str("tag", tag).
		Int("free_remaining", newFree).
		Int("paid_remaining", newPaid).
		Msg("turn debited")

	return Turns{Free: newFree, Paid: newPaid}, nil
}

// CreditPaid adds n paid turns in its own transaction. See CreditPaidTx.
func (l *Ledger) CreditPaid(ctx context.Context, userID uuid.UUID, n int, tag string) (Turns, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Turns{}, unavailable(err)
	}
	defer tx.Rollback()

	t, err := l.CreditPaidTx(ctx, tx, userID, n, tag)
	if err != nil {
		return Turns{}, err
	}
	if err := tx.Commit(); err != nil {
		return Turns{}, unavailable(err)
	}
	return t, nil
}

// CreditPaidTx adds n paid turns inside the caller's transaction. The
// payment applier uses this to make "mark payment confirmed" and "credit
// turns" one atomic step.
//
// A non-active subscription flips to active as a side effect; paid turns
// remain spendable regardless of later status changes. n must be positive.
func (l *Ledger) CreditPaidTx(ctx context.Context, tx *sql.Tx, userID uuid.UUID, n int, tag string) (Turns, error) {
	if n <= 0 {
		return Turns{}, fmt.Errorf("credit amount must be positive, got %d", n)
	}

	free, paid, premium, err := lockCounters(ctx, tx, userID)
	if err != nil {
		return Turns{}, err
	}

	newPaid := paid + n
	if _, err := tx.ExecContext(ctx,
		`UPDATE users
		    SET paid_turns = $1, subscription_status = 'active', updated_at = NOW()
		  WHERE id = $2`,
		newPaid, userID,
	); err != nil {
		return Turns{}, unavailable(err)
	}
	if err := insertAudit(ctx, tx, userID, opCredit, tag, 0, n); err != nil {
		return Turns{}, err
	}

	l.log.Info().
		Str("user_id", userID.String()).
		Str("tag", tag).
		Int("credited", n).
		Int("paid_total", newPaid).
		Msg("paid turns credited")

	return Turns{Free: free, Paid: newPaid, Unlimited: premium}, nil
}

// ResetFree restores the monthly grant and stamps last_free_reset. Paid
// turns are untouched. Idempotent within a month only by virtue of the
// scheduler's eligibility query; calling it directly always resets.
func (l *Ledger) ResetFree(ctx context.Context, userID uuid.UUID) (Turns, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Turns{}, unavailable(err)
	}
	defer tx.Rollback()

	free, paid, premium, err := lockCounters(ctx, tx, userID)
	if err != nil {
		return Turns{}, err
	}

	grant := l.cfg.FreeTurnsMonthly
	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET free_turns = $1, last_free_reset = NOW(), updated_at = NOW() WHERE id = $2`,
		grant, userID,
	); err != nil {
		return Turns{}, unavailable(err)
	}
	if err := insertAudit(ctx, tx, userID, opReset, "monthly_reset", grant-free, 0); err != nil {
		return Turns{}, err
	}
	if err := tx.Commit(); err != nil {
		return Turns{}, unavailable(err)
	}

	return Turns{Free: grant, Paid: paid, Unlimited: premium}, nil
}

// Create inserts a new user with the signup grant and an already-stamped
// reset anchor. apiKeyHash is the sha256 hex of the issued key; the ledger
// never sees the key itself.
func (l *Ledger) Create(ctx context.Context, handle, apiKeyHash string) (*User, error) {
	id := uuid.New()
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO users (id, handle, api_key_hash, free_turns, last_free_reset)
		 VALUES ($1, $2, $3, $4, NOW())`,
		id, handle, apiKeyHash, l.cfg.FreeTurnsMonthly,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, ErrHandleTaken
		}
		return nil, unavailable(err)
	}

	l.log.Info().Str("user_id", id.String()).Str("handle", handle).Msg("user created")
	return l.Get(ctx, id)
}

// Get loads a user by id.
func (l *Ledger) Get(ctx context.Context, userID uuid.UUID) (*User, error) {
	return scanUser(l.db.QueryRowContext(ctx,
		userSelect+` WHERE id = $1`, userID))
}

// GetByHandle loads a user by handle.
func (l *Ledger) GetByHandle(ctx context.Context, handle string) (*User, error) {
	return scanUser(l.db.QueryRowContext(ctx,
		userSelect+` WHERE handle = $1`, handle))
}

// LookupAPIKeyHash resolves a sha256 API key hash to a user id. Used by the
// auth layer when minting sessions.
func (l *Ledger) LookupAPIKeyHash(ctx context.Context, hash string) (uuid.UUID, error) {
	var id uuid.UUID
	err := l.db.QueryRowContext(ctx,
		`SELECT id FROM users WHERE api_key_hash = $1`, hash).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	if err != nil {
		return uuid.Nil, unavailable(err)
	}
	return id, nil
}

// Delete removes a user. Payments and audit rows cascade at the schema
// level. Admin-only; the HTTP layer enforces that.
func (l *Ledger) Delete(ctx context.Context, userID uuid.UUID) error {
	res, err := l.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, userID)
	if err != nil {
		return unavailable(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	l.log.Info().Str("user_id", userID.String()).Msg("user deleted")
	return nil
}

// SetAPIKeyHash rotates a user's API key hash. Existing sessions survive;
// only future key exchanges are affected.
func (l *Ledger) SetAPIKeyHash(ctx context.Context, userID uuid.UUID, hash string) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE users SET api_key_hash = $1, updated_at = NOW() WHERE id = $2`,
		hash, userID,
	)
	if err != nil {
		return unavailable(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	l.log.Info().Str("user_id", userID.String()).Msg("api key rotated")
	return nil
}

// SetSpecializedPremium toggles the premium bypass flag.
func (l *Ledger) SetSpecializedPremium(ctx context.Context, userID uuid.UUID, on bool) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE users SET is_specialized_premium = $1, updated_at = NOW() WHERE id = $2`,
		on, userID,
	)
	if err != nil {
		return unavailable(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListResetDue returns ids of users whose last reset anchor is missing or
// strictly before the cutoff (the start of the current month, computed by
// the scheduler). Order is stable so reruns walk users the same way.
func (l *Ledger) ListResetDue(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id FROM users
		  WHERE last_free_reset IS NULL OR last_free_reset < $1
		  ORDER BY created_at`,
		cutoff,
	)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable(err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return ids, nil
}

// ListExhausted returns users sitting on zero turns who are not premium.
// The daily reminder task uses it to nudge people toward a purchase or the
// next monthly reset.
func (l *Ledger) ListExhausted(ctx context.Context, limit int) ([]User, error) {
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}
	rows, err := l.db.QueryContext(ctx,
		userSelect+`
		  WHERE free_turns = 0 AND paid_turns = 0 AND NOT is_specialized_premium
		  ORDER BY created_at LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		var status string
		if err := rows.Scan(&u.ID, &u.Handle, &u.FreeTurns, &u.PaidTurns, &u.LastFreeReset,
			&status, &u.SpecializedPremium, &u.Admin, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, unavailable(err)
		}
		u.SubscriptionStatus = SubscriptionStatus(status)
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return users, nil
}

// History returns the most recent audit entries for a user, newest first.
func (l *Ledger) History(ctx context.Context, userID uuid.UUID, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, user_id, op, context, free_delta, paid_delta, created_at
		   FROM turn_audit WHERE user_id = $1
		  ORDER BY created_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Op, &e.Context, &e.FreeDelta, &e.PaidDelta, &e.CreatedAt); err != nil {
			return nil, unavailable(err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return entries, nil
}

const userSelect = `
	SELECT id, handle, free_turns, paid_turns, last_free_reset,
	       subscription_status, is_specialized_premium, is_admin,
	       created_at, updated_at
	  FROM users`

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var status string
	err := row.Scan(&u.ID, &u.Handle, &u.FreeTurns, &u.PaidTurns, &u.LastFreeReset,
		&status, &u.SpecializedPremium, &u.Admin, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	u.SubscriptionStatus = SubscriptionStatus(status)
	return &u, nil
}

// lockCounters reads and row-locks a user's counters inside tx.
func lockCounters(ctx context.Context, tx *sql.Tx, userID uuid.UUID) (free, paid int, premium bool, err error) {
	err = tx.QueryRowContext(ctx,
		`SELECT free_turns, paid_turns, is_specialized_premium FROM users WHERE id = $1 FOR UPDATE`,
		userID,
	).Scan(&free, &paid, &premium)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, false, ErrNotFound
	}
	if err != nil {
		return 0, 0, false, unavailable(err)
	}
	return free, paid, premium, nil
}

func insertAudit(ctx context.Context, q querier, userID uuid.UUID, op, tag string, freeDelta, paidDelta int) error {
	if tag == "" {
		tag = "unspecified"
	}
	if _, err := q.ExecContext(ctx,
		`INSERT INTO turn_audit (id, user_id, op, context, free_delta, paid_delta)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New(), userID, op, tag, freeDelta, paidDelta,
	); err != nil {
		return unavailable(err)
	}
	return nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
