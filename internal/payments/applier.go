// Package payments turns verified chain transactions into paid turns.
//
// The hard requirement is exactly-once crediting under concurrent
// submissions, retries and process restarts. The protocol is pending-first:
//
//  1. Claim the hash by inserting a pending record. The primary key on
//     tx_hash makes this the only race in the pipeline; losers get the
//     stored row and answer from it.
//  2. Verify against the chain. Final verdicts flip the row to rejected
//     and are replayed to anyone who resubmits the hash. Provider faults
//     flip nothing: the row stays pending and the recovery sweep retries.
//  3. Credit inside one database transaction guarded by status='pending',
//     so the flip to confirmed and the turn credit commit together or not
//     at all.
//
// A crash between steps leaves at worst a pending row, never a double
// credit and never a credited-but-unrecorded payment.
package payments

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/arcanahq/turnstile/internal/chain"
	"github.com/arcanahq/turnstile/internal/ledger"
)

var (
	creditedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "turnstile_payments_credited_total",
		Help: "Payments verified and credited.",
	})
	rejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "turnstile_payments_rejected_total",
		Help: "Payments rejected by verification.",
	})
	duplicateTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "turnstile_payments_duplicate_total",
		Help: "Submissions replayed against an already-recorded hash.",
	})
)

// Verifier is the chain-facing dependency. *chain.Verifier satisfies it.
type Verifier interface {
	Verify(ctx context.Context, txHash, claimedSender string, expected decimal.Decimal) (*chain.Report, error)
}

// Submission is one payment claim from a user.
type Submission struct {
	UserID        uuid.UUID
	TxHash        string
	Variant       string
	WalletAddress string
}

// OutcomeStatus classifies what a submission achieved.
type OutcomeStatus string

const (
	OutcomeCredited  OutcomeStatus = "credited"
	OutcomeDuplicate OutcomeStatus = "duplicate"
	OutcomeRejected  OutcomeStatus = "rejected"
)

// Outcome is the business answer for a submission. Infrastructure faults
// are returned as errors instead; an Outcome is always a final verdict.
type Outcome struct {
	Status     OutcomeStatus
	Verified   bool
	TurnsAdded int
	Reason     string
	TxHash     string
	Turns      ledger.Turns
}

// Applier drives submissions through the pending-first protocol.
type Applier struct {
	store    Store
	verifier Verifier
	catalog  Catalog
	log      zerolog.Logger
}

func NewApplier(store Store, verifier Verifier, catalog Catalog, logger zerolog.Logger) *Applier {
	return &Applier{
		store:    store,
		verifier: verifier,
		catalog:  catalog,
		log:      logger.With().Str("component", "payment_applier").Logger(),
	}
}

// Submit processes one payment claim end to end.
//
// Returned errors are infrastructure faults (store or provider); every
// business result, including rejection and duplicate, arrives as an
// Outcome so the HTTP layer can render its 200-with-success=false shape.
func (a *Applier) Submit(ctx context.Context, sub Submission) (*Outcome, error) {
	product, err := a.catalog.Lookup(sub.Variant)
	if err != nil {
		return nil, err
	}

	txHash := strings.ToLower(strings.TrimSpace(sub.TxHash))
	wallet := strings.ToLower(strings.TrimSpace(sub.WalletAddress))

	rec := &Record{
		TxHash:        txHash,
		UserID:        sub.UserID,
		SenderAddress: wallet,
		AmountETH:     product.PriceETH,
		Variant:       product.Variant,
		Status:        StatusPending,
	}
	if err := a.store.InsertPending(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicateHash) {
			return a.replayExisting(ctx, txHash)
		}
		return nil, err
	}

	return a.resolve(ctx, *rec, product)
}

// resolve runs verification and settlement for a row this process owns in
// pending state. Shared by Submit and the recovery sweep.
func (a *Applier) resolve(ctx context.Context, rec Record, product Product) (*Outcome, error) {
	report, err := a.verifier.Verify(ctx, rec.TxHash, rec.SenderAddress, product.PriceETH)
	if err != nil {
		if chain.IsRejection(err) {
			if markErr := a.store.MarkRejected(ctx, rec.TxHash, err.Error()); markErr != nil {
				// Row stays pending; the sweep will re-verify and land on
				// the same verdict.
				a.log.Warn().Err(markErr).Str("tx_hash", rec.TxHash).
					Msg("failed to persist rejection")
			}
			rejectedTotal.Inc()
			a.log.Info().Str("tx_hash", rec.TxHash).Str("reason", err.Error()).
				Msg("payment rejected")
			return &Outcome{
				Status: OutcomeRejected,
				Reason: err.Error(),
				TxHash: rec.TxHash,
			}, nil
		}
		// Provider fault. The pending row is deliberately left in place for
		// the recovery sweep.
		return nil, err
	}

	credited, turnsAfter, err := a.store.ConfirmAndCredit(ctx, rec.TxHash, rec.UserID, product.Turns, report.BlockNumber)
	if err != nil {
		return nil, err
	}
	if !credited {
		// Another submission settled the row between our insert and now.
		return a.replayExisting(ctx, rec.TxHash)
	}

	creditedTotal.Inc()
	return &Outcome{
		Status:     OutcomeCredited,
		Verified:   true,
		TurnsAdded: product.Turns,
		TxHash:     rec.TxHash,
		Turns:      turnsAfter,
	}, nil
}

// replayExisting answers a submission from the already-stored row.
//
// Confirmed rows replay as duplicates: the chain fact was real, the credit
// happened once. Rejected rows replay the stored verdict without touching
// the provider again. Pending rows belong to an in-flight submission or to
// the recovery sweep, and are reported as duplicates without a verdict.
func (a *Applier) replayExisting(ctx context.Context, txHash string) (*Outcome, error) {
	existing, err := a.store.Get(ctx, txHash)
	if err != nil {
		return nil, err
	}

	switch existing.Status {
	case StatusConfirmed:
		duplicateTotal.Inc()
		return &Outcome{
			Status:   OutcomeDuplicate,
			Verified: true,
			Reason:   "transaction has already been processed",
			TxHash:   txHash,
		}, nil
	case StatusRejected:
		return &Outcome{
			Status: OutcomeRejected,
			Reason: existing.RejectReason,
			TxHash: txHash,
		}, nil
	default:
		duplicateTotal.Inc()
		return &Outcome{
			Status: OutcomeDuplicate,
			Reason: "transaction is already being processed",
			TxHash: txHash,
		}, nil
	}
}
