package tasks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// Anchor is one recurring enqueue rule: when Next fires, Kind is enqueued
// with Payload under the system creator.
type Anchor struct {
	Kind    string
	Payload json.RawMessage
	Next    func(after time.Time) time.Time
}

// NextMonthly returns the anchor function for "00:01 UTC on the first of
// each month". Missed firings are not replayed; downstream jobs are
// anchor-based and catch up on their own.
func NextMonthly(after time.Time) time.Time {
	t := after.UTC()
	candidate := time.Date(t.Year(), t.Month(), 1, 0, 1, 0, 0, time.UTC)
	if !candidate.After(t) {
		candidate = candidate.AddDate(0, 1, 0)
	}
	return candidate
}

// NextDailyAt builds an anchor function firing at hh:mm UTC every day.
func NextDailyAt(hour, minute int) func(after time.Time) time.Time {
	return func(after time.Time) time.Time {
		t := after.UTC()
		candidate := time.Date(t.Year(), t.Month(), t.Day(), hour, minute, 0, 0, time.UTC)
		if !candidate.After(t) {
			candidate = candidate.AddDate(0, 0, 1)
		}
		return candidate
	}
}

// Cron enqueues anchored kinds when their time arrives. One goroutine
// sleeps until the earliest anchor; firing and recomputing is cheap enough
// that no heap or precision games are needed for a handful of anchors.
type Cron struct {
	manager *Manager
	anchors []Anchor
	log     zerolog.Logger
	now     func() time.Time

	stopCh chan struct{}
	done   chan struct{}
}

func NewCron(manager *Manager, logger zerolog.Logger) *Cron {
	return &Cron{
		manager: manager,
		log:     logger.With().Str("component", "task_cron").Logger(),
		now:     time.Now,
	}
}

// Add registers an anchor. Call before Start.
func (c *Cron) Add(anchor Anchor) {
	c.anchors = append(c.anchors, anchor)
}

// Start launches the dispatch loop.
func (c *Cron) Start() {
	c.stopCh = make(chan struct{})
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		if len(c.anchors) == 0 {
			return
		}

		for {
			idx, at := c.earliest(c.now())
			timer := time.NewTimer(time.Until(at))

			c.log.Info().
				Str("kind", c.anchors[idx].Kind).
				Time("fires_at", at).
				Msg("next scheduled task")

			select {
			case <-timer.C:
				c.fire(c.anchors[idx])
			case <-c.stopCh:
				timer.Stop()
				return
			}
		}
	}()
}

// Stop halts the dispatch loop.
func (c *Cron) Stop() {
	if c.stopCh == nil {
		return
	}
	close(c.stopCh)
	<-c.done
}

func (c *Cron) earliest(now time.Time) (int, time.Time) {
	best := 0
	bestAt := c.anchors[0].Next(now)
	for i := 1; i < len(c.anchors); i++ {
		if at := c.anchors[i].Next(now); at.Before(bestAt) {
			best = i
			bestAt = at
		}
	}
	return best, bestAt
}

func (c *Cron) fire(anchor Anchor) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := c.manager.Enqueue(ctx, anchor.Kind, anchor.Payload, SystemCreator, true)
	if err != nil {
		c.log.Error().Err(err).Str("kind", anchor.Kind).Msg("scheduled enqueue failed")
		return
	}
	c.log.Info().Str("kind", anchor.Kind).Str("task_id", id).Msg("scheduled task enqueued")
}
