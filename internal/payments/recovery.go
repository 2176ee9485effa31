package payments

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RecoveryConfig tunes the stale-pending sweep.
type RecoveryConfig struct {
	// MinAge is how long a row may sit pending before the sweep re-drives
	// it. Fresh pending rows belong to in-flight submissions.
	MinAge time.Duration

	// Interval between sweep passes.
	Interval time.Duration

	// BatchLimit caps rows handled per pass.
	BatchLimit int
}

func (c *RecoveryConfig) applyDefaults() {
	if c.MinAge <= 0 {
		c.MinAge = 10 * time.Minute
	}
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 100
	}
}

// Recovery re-drives payments stranded in pending state: submissions that
// hit a provider outage, or processes that died between claiming the hash
// and settling it. Each pass runs the stranded rows through the same
// verify-then-settle path as a live submission, so outcomes stay
// exactly-once.
type Recovery struct {
	applier *Applier
	store   Store
	cfg     RecoveryConfig
	log     zerolog.Logger

	runMu  sync.Mutex
	stopCh chan struct{}
	done   chan struct{}
}

// RecoverySummary counts what one sweep pass did.
type RecoverySummary struct {
	Examined int
	Credited int
	Rejected int
	Deferred int
}

func NewRecovery(applier *Applier, store Store, cfg RecoveryConfig, logger zerolog.Logger) *Recovery {
	cfg.applyDefaults()
	return &Recovery{
		applier: applier,
		store:   store,
		cfg:     cfg,
		log:     logger.With().Str("component", "payment_recovery").Logger(),
	}
}

// Start launches the periodic sweep. Call Stop during shutdown.
func (r *Recovery) Start() {
	r.stopCh = make(chan struct{})
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()

		r.log.Info().
			Dur("interval", r.cfg.Interval).
			Dur("min_age", r.cfg.MinAge).
			Msg("payment recovery sweep started")

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Interval)
				summary, err := r.RunOnce(ctx)
				cancel()
				if err != nil {
					r.log.Warn().Err(err).Msg("recovery pass failed")
					continue
				}
				if summary.Examined > 0 {
					r.log.Info().
						Int("examined", summary.Examined).
						Int("credited", summary.Credited).
						Int("rejected", summary.Rejected).
						Int("deferred", summary.Deferred).
						Msg("recovery pass complete")
				}
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sweep and waits for the current pass to finish.
func (r *Recovery) Stop() {
	if r.stopCh == nil {
		return
	}
	close(r.stopCh)
	<-r.done
}

// RunOnce performs a single sweep pass. Passes never overlap: a pass that
// starts while another runs returns immediately with an empty summary.
func (r *Recovery) RunOnce(ctx context.Context) (RecoverySummary, error) {
	if !r.runMu.TryLock() {
		return RecoverySummary{}, nil
	}
	defer r.runMu.Unlock()

	var summary RecoverySummary

	stale, err := r.store.ListPendingOlderThan(ctx, r.cfg.MinAge, r.cfg.BatchLimit)
	if err != nil {
		return summary, err
	}

	for _, rec := range stale {
		summary.Examined++

		product, err := r.applier.catalog.Lookup(string(rec.Variant))
		if err != nil {
			// A variant that left the catalog can no longer be priced;
			// reject so it stops recycling through the sweep.
			_ = r.store.MarkRejected(ctx, rec.TxHash, err.Error())
			summary.Rejected++
			continue
		}

		outcome, err := r.applier.resolve(ctx, rec, product)
		if err != nil {
			// Provider still down; the row stays pending for the next pass.
			summary.Deferred++
			continue
		}
		switch outcome.Status {
		case OutcomeCredited:
			summary.Credited++
		case OutcomeRejected:
			summary.Rejected++
		default:
			summary.Deferred++
		}
	}

	return summary, nil
}
