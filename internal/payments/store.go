package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/arcanahq/turnstile/internal/ledger"
)

var (
	// ErrDuplicateHash means a record for the transaction hash already
	// exists. The caller inspects the stored row to decide the outcome.
	ErrDuplicateHash = errors.New("transaction hash already recorded")

	// ErrRecordNotFound means no payment record exists for the hash.
	ErrRecordNotFound = errors.New("payment record not found")
)

// Status is the lifecycle state of a payment record.
//
// pending   - row claimed, verification in flight
// confirmed - verified and credited; immutable from here
// rejected  - verification returned a final verdict
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
)

// Record mirrors one row of payment_records. The tx hash is the business
// key: the table admits at most one row per hash, which is what makes
// crediting exactly-once.
type Record struct {
	TxHash        string
	UserID        uuid.UUID
	SenderAddress string
	AmountETH     decimal.Decimal
	Variant       Variant
	TurnsCredited int
	BlockNumber   *int64
	Status        Status
	RejectReason  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Store persists payment records. PostgresStore is the production
// implementation; tests use an in-memory one with the same uniqueness
// semantics.
type Store interface {
	// InsertPending claims the hash by inserting a pending row. A hash that
	// is already present, whatever its status, yields ErrDuplicateHash.
	InsertPending(ctx context.Context, rec *Record) error

	// Get loads the record for a hash.
	Get(ctx context.Context, txHash string) (*Record, error)

	// MarkRejected flips a pending row to rejected with the verdict text.
	// Non-pending rows are left untouched.
	MarkRejected(ctx context.Context, txHash, reason string) error

	// ConfirmAndCredit flips a pending row to confirmed and credits the
	// user's paid turns in the same transaction. It reports false when the
	// row was no longer pending, in which case nothing was credited.
	ConfirmAndCredit(ctx context.Context, txHash string, userID uuid.UUID, turns int, blockNumber uint64) (bool, ledger.Turns, error)

	// ListPendingOlderThan returns pending rows that have sat unresolved
	// for at least age, oldest first.
	ListPendingOlderThan(ctx context.Context, age time.Duration, limit int) ([]Record, error)

	// ListByUser returns a user's records, newest first.
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]Record, error)
}

// PostgresStore implements Store on the shared database pool. It holds the
// ledger so ConfirmAndCredit can run the status flip and the turn credit as
// one transaction.
type PostgresStore struct {
	db     *sql.DB
	ledger *ledger.Ledger
	log    zerolog.Logger
}

func NewPostgresStore(db *sql.DB, led *ledger.Ledger, logger zerolog.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		ledger: led,
		log:    logger.With().Str("component", "payment_store").Logger(),
	}
}

func (s *PostgresStore) InsertPending(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payment_records
		    (tx_hash, user_id, sender_address, amount_eth, product_variant, status)
		 VALUES ($1, $2, $3, $4, $5, 'pending')`,
		rec.TxHash, rec.UserID, rec.SenderAddress, rec.AmountETH, string(rec.Variant),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateHash
		}
		return fmt.Errorf("insert pending payment: %w", err)
	}
	return nil
}

const recordSelect = `
	SELECT tx_hash, user_id, sender_address, amount_eth, product_variant,
	       turns_credited, block_number, status, reject_reason,
	       created_at, updated_at
	  FROM payment_records`

func (s *PostgresStore) Get(ctx context.Context, txHash string) (*Record, error) {
	return scanRecord(s.db.QueryRowContext(ctx, recordSelect+` WHERE tx_hash = $1`, txHash))
}

func (s *PostgresStore) MarkRejected(ctx context.Context, txHash, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE payment_records
		    SET status = 'rejected', reject_reason = $2, updated_at = NOW()
		  WHERE tx_hash = $1 AND status = 'pending'`,
		txHash, reason,
	)
	if err != nil {
		return fmt.Errorf("mark payment rejected: %w", err)
	}
	return nil
}

func (s *PostgresStore) ConfirmAndCredit(ctx context.Context, txHash string, userID uuid.UUID, turns int, blockNumber uint64) (bool, ledger.Turns, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, ledger.Turns{}, fmt.Errorf("begin confirm tx: %w", err)
	}
	defer tx.Rollback()

	// The status guard is the exactly-once gate: whoever flips
	// pending->confirmed first performs the credit, everyone else sees zero
	// rows and backs off.
	res, err := tx.ExecContext(ctx,
		`UPDATE payment_records
		    SET status = 'confirmed', turns_credited = $2, block_number = $3, updated_at = NOW()
		  WHERE tx_hash = $1 AND status = 'pending'`,
		txHash, turns, int64(blockNumber),
	)
	if err != nil {
		return false, ledger.Turns{}, fmt.Errorf("confirm payment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, ledger.Turns{}, fmt.Errorf("confirm payment: %w", err)
	}
	if n == 0 {
		return false, ledger.Turns{}, nil
	}

	turnsAfter, err := s.ledger.CreditPaidTx(ctx, tx, userID, turns, "subscription")
	if err != nil {
		return false, ledger.Turns{}, err
	}
	if err := tx.Commit(); err != nil {
		return false, ledger.Turns{}, fmt.Errorf("commit confirm tx: %w", err)
	}

	s.log.Info().
		Str("tx_hash", txHash).
		Str("user_id", userID.String()).
		Int("turns", turns).
		Msg("payment confirmed and credited")

	return true, turnsAfter, nil
}

func (s *PostgresStore) ListPendingOlderThan(ctx context.Context, age time.Duration, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := time.Now().Add(-age)
	rows, err := s.db.QueryContext(ctx,
		recordSelect+`
		  WHERE status = 'pending' AND created_at < $1
		  ORDER BY created_at LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending payments: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		recordSelect+` WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list user payments: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecordFrom(sc rowScanner) (*Record, error) {
	var (
		rec     Record
		variant string
		status  string
		block   sql.NullInt64
		reason  sql.NullString
	)
	err := sc.Scan(&rec.TxHash, &rec.UserID, &rec.SenderAddress, &rec.AmountETH,
		&variant, &rec.TurnsCredited, &block, &status, &reason,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Variant = Variant(variant)
	rec.Status = Status(status)
	if block.Valid {
		rec.BlockNumber = &block.Int64
	}
	rec.RejectReason = reason.String
	return &rec, nil
}

func scanRecord(row *sql.Row) (*Record, error) {
	rec, err := scanRecordFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan payment record: %w", err)
	}
	return rec, nil
}

func collectRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		rec, err := scanRecordFrom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment record: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payment records: %w", err)
	}
	return out, nil
}
