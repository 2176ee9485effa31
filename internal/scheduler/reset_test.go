package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcanahq/turnstile/internal/ledger"
)

type fakeResetStore struct {
	anchors map[uuid.UUID]*time.Time
	fail    map[uuid.UUID]error
	clock   func() time.Time
	resets  int
}

func newFakeResetStore(clock func() time.Time) *fakeResetStore {
	return &fakeResetStore{
		anchors: make(map[uuid.UUID]*time.Time),
		fail:    make(map[uuid.UUID]error),
		clock:   clock,
	}
}

func (f *fakeResetStore) add(anchor *time.Time) uuid.UUID {
	id := uuid.New()
	f.anchors[id] = anchor
	return id
}

func (f *fakeResetStore) ListResetDue(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	var due []uuid.UUID
	for id, anchor := range f.anchors {
		if anchor == nil || anchor.Before(cutoff) {
			due = append(due, id)
		}
	}
	return due, nil
}

func (f *fakeResetStore) ResetFree(ctx context.Context, userID uuid.UUID) (ledger.Turns, error) {
	if err, ok := f.fail[userID]; ok {
		return ledger.Turns{}, err
	}
	if _, ok := f.anchors[userID]; !ok {
		return ledger.Turns{}, ledger.ErrNotFound
	}
	now := f.clock()
	f.anchors[userID] = &now
	f.resets++
	return ledger.Turns{Free: 3}, nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newReset(store *fakeResetStore, now time.Time) *MonthlyReset {
	m := New(store, zerolog.Nop())
	m.now = fixedClock(now)
	return m
}

func TestMonthStart(t *testing.T) {
	tests := []struct {
		in   time.Time
		want time.Time
	}{
		{
			in:   time.Date(2025, 7, 15, 13, 45, 0, 0, time.UTC),
			want: time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			// First minute of the month is already inside it.
			in:   time.Date(2025, 7, 1, 0, 1, 0, 0, time.UTC),
			want: time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			// Year rollover.
			in:   time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC),
			want: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			// Non-UTC input normalizes to UTC before truncation.
			in:   time.Date(2025, 8, 1, 0, 30, 0, 0, time.FixedZone("UTC+2", 2*3600)),
			want: time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, monthStart(tt.in), "monthStart(%s)", tt.in)
	}
}

func TestRunResetsStaleAnchors(t *testing.T) {
	now := time.Date(2025, 8, 1, 0, 1, 0, 0, time.UTC)
	store := newFakeResetStore(fixedClock(now))

	lastMonth := time.Date(2025, 7, 1, 0, 1, 0, 0, time.UTC)
	threeMonthsAgo := time.Date(2025, 5, 2, 10, 0, 0, 0, time.UTC)
	thisMonth := now.Add(-30 * time.Second)

	stale1 := store.add(&lastMonth)
	stale2 := store.add(&threeMonthsAgo)
	never := store.add(nil)
	fresh := store.add(&thisMonth)

	summary, err := newReset(store, now).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Summary{Eligible: 3, Reset: 3}, summary)
	assert.Equal(t, now, *store.anchors[stale1])
	assert.Equal(t, now, *store.anchors[stale2], "missed boundaries collapse into one reset")
	assert.Equal(t, now, *store.anchors[never])
	assert.Equal(t, thisMonth, *store.anchors[fresh], "current-month anchor untouched")
}

func TestRunIsIdempotentWithinMonth(t *testing.T) {
	now := time.Date(2025, 8, 1, 0, 1, 0, 0, time.UTC)
	store := newFakeResetStore(fixedClock(now))
	lastMonth := time.Date(2025, 7, 20, 0, 0, 0, 0, time.UTC)
	store.add(&lastMonth)

	reset := newReset(store, now)

	first, err := reset.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Eligible: 1, Reset: 1}, first)

	second, err := reset.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{}, second)
	assert.Equal(t, 1, store.resets)
}

func TestRunContinuesPastPerUserFailures(t *testing.T) {
	now := time.Date(2025, 8, 1, 0, 1, 0, 0, time.UTC)
	store := newFakeResetStore(fixedClock(now))

	old := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	store.add(&old)
	broken := store.add(&old)
	store.add(&old)
	store.fail[broken] = errors.New("row lock timeout")

	summary, err := newReset(store, now).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Eligible)
	assert.Equal(t, 2, summary.Reset)
	assert.Equal(t, 1, summary.Failed)
}

func TestRunCountsVanishedUsersAsSkipped(t *testing.T) {
	now := time.Date(2025, 8, 1, 0, 1, 0, 0, time.UTC)
	store := newFakeResetStore(fixedClock(now))

	old := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	ghost := store.add(&old)
	store.fail[ghost] = ledger.ErrNotFound

	summary, err := newReset(store, now).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Eligible: 1, Skipped: 1}, summary)
}

func TestRunStopsOnCancellation(t *testing.T) {
	now := time.Date(2025, 8, 1, 0, 1, 0, 0, time.UTC)
	store := newFakeResetStore(fixedClock(now))

	old := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		store.add(&old)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := newReset(store, now).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 5, summary.Eligible)
	assert.Equal(t, 0, summary.Reset)
}
