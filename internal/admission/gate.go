// Package admission decides whether a billable request may proceed, by
// consuming exactly one turn per admitted request.
//
// The gate sits between the HTTP layer and the ledger. It knows nothing
// about HTTP or readings; callers are responsible for surfacing a distinct
// payment-required condition when a request is turned away.
package admission

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/arcanahq/turnstile/internal/ledger"
)

var admissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "turnstile_admissions_total",
	Help: "Admission decisions by context and result.",
}, []string{"context", "result"})

// TurnDebiter is the ledger dependency. *ledger.Ledger satisfies it.
type TurnDebiter interface {
	Debit(ctx context.Context, userID uuid.UUID, tag string) (ledger.Turns, error)
}

// Decision is the gate's answer. A denial is a business result, not an
// error: infrastructure faults come back as errors instead.
type Decision struct {
	Allowed   bool
	Remaining ledger.Turns
}

// Gate admits billable requests.
type Gate struct {
	ledger TurnDebiter
	log    zerolog.Logger
}

func New(debiter TurnDebiter, logger zerolog.Logger) *Gate {
	return &Gate{
		ledger: debiter,
		log:    logger.With().Str("component", "admission_gate").Logger(),
	}
}

// Admit consumes one turn for the user, or reports that it cannot.
//
// The context is checked once, before the debit. A debit that commits is
// never unwound here, whatever happens to the request afterwards;
// compensation is an explicit admin credit.
//
// Specialized premium users are admitted even when the ledger reports
// exhaustion. That bypass is never silent: it logs a warning, because a
// premium user hitting the exhaustion path at all means their counters and
// their flag disagree somewhere upstream.
func (g *Gate) Admit(ctx context.Context, user *ledger.User, tag string) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	turns, err := g.ledger.Debit(ctx, user.ID, tag)
	switch {
	case err == nil:
		admissionsTotal.WithLabelValues(tag, "allowed").Inc()
		return Decision{Allowed: true, Remaining: turns}, nil

	case errors.Is(err, ledger.ErrInsufficientTurns):
		if user.SpecializedPremium {
			g.log.Warn().
				Str("user_id", user.ID.String()).
				Str("tag", tag).
				Msg("premium bypass engaged after ledger denial")
			admissionsTotal.WithLabelValues(tag, "allowed").Inc()
			return Decision{Allowed: true, Remaining: ledger.Turns{Unlimited: true}}, nil
		}
		admissionsTotal.WithLabelValues(tag, "denied").Inc()
		g.log.Info().
			Str("user_id", user.ID.String()).
			Str("tag", tag).
			Msg("request denied: no turns remaining")
		return Decision{Allowed: false, Remaining: turns}, nil

	default:
		return Decision{}, err
	}
}
