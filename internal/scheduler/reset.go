// Package scheduler performs the monthly free-turn reset.
//
// The reset is a job, not a daemon: the task manager enqueues it at the
// monthly anchor (or an admin does, ad hoc) and calls Run. Eligibility is
// anchor-based, which makes the job idempotent within a month and gives
// bounded catch-up for free: a user who missed three boundaries while the
// system was down still gets exactly one reset, because eligibility asks
// "is the anchor from a previous month", not "how many boundaries passed".
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arcanahq/turnstile/internal/ledger"
)

// ResetStore is the ledger slice the reset needs. *ledger.Ledger satisfies
// it.
type ResetStore interface {
	ListResetDue(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
	ResetFree(ctx context.Context, userID uuid.UUID) (ledger.Turns, error)
}

// Summary counts one run. Skipped covers users that vanished mid-run;
// Failed covers per-user faults, which never abort the rest of the run.
type Summary struct {
	Eligible int `json:"eligible"`
	Reset    int `json:"reset"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// MonthlyReset walks users whose anchor predates the current month and
// restores their free-turn grant.
type MonthlyReset struct {
	store ResetStore
	log   zerolog.Logger
	now   func() time.Time
}

func New(store ResetStore, logger zerolog.Logger) *MonthlyReset {
	return &MonthlyReset{
		store: store,
		log:   logger.With().Str("component", "monthly_reset").Logger(),
		now:   time.Now,
	}
}

// Run executes one reset pass. Context cancellation stops the walk and
// returns the partial summary; un-reset users keep their stale anchors and
// remain eligible for the next run.
func (m *MonthlyReset) Run(ctx context.Context) (Summary, error) {
	cutoff := monthStart(m.now())

	ids, err := m.store.ListResetDue(ctx, cutoff)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{Eligible: len(ids)}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			m.log.Warn().
				Int("reset", summary.Reset).
				Int("eligible", summary.Eligible).
				Msg("reset run interrupted")
			return summary, err
		}

		_, err := m.store.ResetFree(ctx, id)
		switch {
		case err == nil:
			summary.Reset++
		case errors.Is(err, ledger.ErrNotFound):
			summary.Skipped++
		default:
			summary.Failed++
			m.log.Warn().Err(err).Str("user_id", id.String()).
				Msg("reset failed for user, continuing")
		}
	}

	m.log.Info().
		Int("eligible", summary.Eligible).
		Int("reset", summary.Reset).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Msg("monthly reset complete")

	return summary, nil
}

// monthStart is the eligibility cutoff: 00:00:00 UTC on the first of the
// month containing t. An anchor strictly before it is from a previous
// month.
func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
