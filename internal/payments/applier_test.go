package payments

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcanahq/turnstile/internal/chain"
	"github.com/arcanahq/turnstile/internal/ledger"
)

// memStore implements Store in memory with the same uniqueness and
// status-guard semantics as the Postgres implementation.
type memStore struct {
	mu      sync.Mutex
	records map[string]*Record
	credits map[uuid.UUID]int
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[string]*Record),
		credits: make(map[uuid.UUID]int),
	}
}

func (m *memStore) InsertPending(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.TxHash]; exists {
		return ErrDuplicateHash
	}
	cp := *rec
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	m.records[rec.TxHash] = &cp
	return nil
}

func (m *memStore) Get(ctx context.Context, txHash string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[txHash]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memStore) MarkRejected(ctx context.Context, txHash, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[txHash]
	if !ok || rec.Status != StatusPending {
		return nil
	}
	rec.Status = StatusRejected
	rec.RejectReason = reason
	rec.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) ConfirmAndCredit(ctx context.Context, txHash string, userID uuid.UUID, turns int, blockNumber uint64) (bool, ledger.Turns, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[txHash]
	if !ok || rec.Status != StatusPending {
		return false, ledger.Turns{}, nil
	}
	rec.Status = StatusConfirmed
	rec.TurnsCredited = turns
	block := int64(blockNumber)
	rec.BlockNumber = &block
	rec.UpdatedAt = time.Now()
	m.credits[userID] += turns
	return true, ledger.Turns{Paid: m.credits[userID]}, nil
}

func (m *memStore) ListPendingOlderThan(ctx context.Context, age time.Duration, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-age)
	var out []Record
	for _, rec := range m.records {
		if rec.Status == StatusPending && rec.CreatedAt.Before(cutoff) {
			out = append(out, *rec)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.records {
		if rec.UserID == userID {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (m *memStore) creditedTurns(userID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.credits[userID]
}

func (m *memStore) backdate(txHash string, createdAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[txHash]; ok {
		rec.CreatedAt = createdAt
	}
}

type fakeVerifier struct {
	err   error
	calls int32
}

func (f *fakeVerifier) Verify(ctx context.Context, txHash, claimedSender string, expected decimal.Decimal) (*chain.Report, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return &chain.Report{
		TxHash:        txHash,
		From:          claimedSender,
		To:            "0x00000000000000000000000000000000000000aa",
		AmountETH:     expected,
		BlockNumber:   100,
		Confirmations: 1,
	}, nil
}

func (f *fakeVerifier) callCount() int { return int(atomic.LoadInt32(&f.calls)) }

func newTestApplier(verifier Verifier) (*Applier, *memStore) {
	store := newMemStore()
	return NewApplier(store, verifier, DefaultCatalog(), zerolog.Nop()), store
}

const testHash = "0xabc123def456abc123def456abc123def456abc123def456abc123def456abcd"

func submission(userID uuid.UUID) Submission {
	return Submission{
		UserID:        userID,
		TxHash:        testHash,
		Variant:       "10_turns",
		WalletAddress: "0x1111111111111111111111111111111111111111",
	}
}

func TestSubmitCreditsVerifiedPayment(t *testing.T) {
	verifier := &fakeVerifier{}
	applier, store := newTestApplier(verifier)
	userID := uuid.New()

	outcome, err := applier.Submit(context.Background(), submission(userID))
	require.NoError(t, err)

	assert.Equal(t, OutcomeCredited, outcome.Status)
	assert.True(t, outcome.Verified)
	assert.Equal(t, 10, outcome.TurnsAdded)
	assert.Equal(t, 10, store.creditedTurns(userID))

	rec, err := store.Get(context.Background(), testHash)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, rec.Status)
	assert.Equal(t, 10, rec.TurnsCredited)
	require.NotNil(t, rec.BlockNumber)
	assert.Equal(t, int64(100), *rec.BlockNumber)
}

func TestSubmitNormalizesHashCase(t *testing.T) {
	applier, store := newTestApplier(&fakeVerifier{})
	userID := uuid.New()

	sub := submission(userID)
	sub.TxHash = "0XABC123DEF456ABC123DEF456ABC123DEF456ABC123DEF456ABC123DEF456ABCD"
	outcome, err := applier.Submit(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, testHash, outcome.TxHash)

	_, err = store.Get(context.Background(), testHash)
	require.NoError(t, err)
}

func TestSubmitDuplicateReplaysWithoutReverifying(t *testing.T) {
	verifier := &fakeVerifier{}
	applier, store := newTestApplier(verifier)
	userID := uuid.New()

	_, err := applier.Submit(context.Background(), submission(userID))
	require.NoError(t, err)
	require.Equal(t, 1, verifier.callCount())

	outcome, err := applier.Submit(context.Background(), submission(userID))
	require.NoError(t, err)

	assert.Equal(t, OutcomeDuplicate, outcome.Status)
	assert.True(t, outcome.Verified)
	assert.Equal(t, 0, outcome.TurnsAdded)
	assert.Contains(t, outcome.Reason, "already been processed")

	// No second verification and, critically, no second credit.
	assert.Equal(t, 1, verifier.callCount())
	assert.Equal(t, 10, store.creditedTurns(userID))
}

func TestSubmitRejectionStoredAndShortCircuited(t *testing.T) {
	verifier := &fakeVerifier{err: fmt.Errorf("%w: got 0.001 ETH, expected 0.0016 ETH", chain.ErrWrongAmount)}
	applier, store := newTestApplier(verifier)
	userID := uuid.New()

	outcome, err := applier.Submit(context.Background(), submission(userID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, outcome.Status)
	assert.False(t, outcome.Verified)
	assert.Contains(t, outcome.Reason, "amount mismatch")
	assert.Equal(t, 0, store.creditedTurns(userID))

	rec, err := store.Get(context.Background(), testHash)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rec.Status)

	// Even if the chain would now verify, the stored verdict is replayed.
	verifier.err = nil
	outcome, err = applier.Submit(context.Background(), submission(userID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, outcome.Status)
	assert.Equal(t, 1, verifier.callCount())
	assert.Equal(t, 0, store.creditedTurns(userID))
}

func TestSubmitProviderFaultLeavesPending(t *testing.T) {
	verifier := &fakeVerifier{err: fmt.Errorf("%w: connection refused", chain.ErrProviderUnavailable)}
	applier, store := newTestApplier(verifier)
	userID := uuid.New()

	_, err := applier.Submit(context.Background(), submission(userID))
	require.ErrorIs(t, err, chain.ErrProviderUnavailable)

	rec, err := store.Get(context.Background(), testHash)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, 0, store.creditedTurns(userID))
}

func TestSubmitUnknownVariant(t *testing.T) {
	applier, _ := newTestApplier(&fakeVerifier{})

	sub := submission(uuid.New())
	sub.Variant = "1000_turns"
	_, err := applier.Submit(context.Background(), sub)
	require.ErrorIs(t, err, ErrUnknownVariant)
}

// TestSubmitConcurrentSameHash races ten submissions of one hash: exactly
// one credit must land, everyone else must see a duplicate.
func TestSubmitConcurrentSameHash(t *testing.T) {
	verifier := &fakeVerifier{}
	applier, store := newTestApplier(verifier)
	userID := uuid.New()

	const attempts = 10
	outcomes := make(chan OutcomeStatus, attempts)
	var wg sync.WaitGroup

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := applier.Submit(context.Background(), submission(userID))
			if err != nil {
				t.Errorf("unexpected submit error: %v", err)
				return
			}
			outcomes <- outcome.Status
		}()
	}
	wg.Wait()
	close(outcomes)

	var credited, duplicate int
	for status := range outcomes {
		switch status {
		case OutcomeCredited:
			credited++
		case OutcomeDuplicate:
			duplicate++
		default:
			t.Errorf("unexpected outcome %q", status)
		}
	}
	assert.Equal(t, 1, credited)
	assert.Equal(t, attempts-1, duplicate)
	assert.Equal(t, 10, store.creditedTurns(userID))
}

func TestRecoveryRedrivesStalePending(t *testing.T) {
	verifier := &fakeVerifier{err: fmt.Errorf("%w: timeout", chain.ErrProviderUnavailable)}
	applier, store := newTestApplier(verifier)
	userID := uuid.New()

	// Submission hits a provider outage and leaves a pending row behind.
	_, err := applier.Submit(context.Background(), submission(userID))
	require.Error(t, err)
	store.backdate(testHash, time.Now().Add(-time.Hour))

	recovery := NewRecovery(applier, store, RecoveryConfig{MinAge: 10 * time.Minute}, zerolog.Nop())

	// Provider still down: the pass defers the row.
	summary, err := recovery.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RecoverySummary{Examined: 1, Deferred: 1}, summary)

	// Provider back: the pass settles the row.
	verifier.err = nil
	summary, err = recovery.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RecoverySummary{Examined: 1, Credited: 1}, summary)
	assert.Equal(t, 10, store.creditedTurns(userID))

	rec, err := store.Get(context.Background(), testHash)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, rec.Status)
}

func TestRecoveryIgnoresFreshPending(t *testing.T) {
	verifier := &fakeVerifier{err: fmt.Errorf("%w: timeout", chain.ErrProviderUnavailable)}
	applier, store := newTestApplier(verifier)

	_, err := applier.Submit(context.Background(), submission(uuid.New()))
	require.Error(t, err)

	recovery := NewRecovery(applier, store, RecoveryConfig{MinAge: 10 * time.Minute}, zerolog.Nop())
	summary, err := recovery.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RecoverySummary{}, summary)
}

func TestCatalogLookup(t *testing.T) {
	catalog := DefaultCatalog()

	ten, err := catalog.Lookup("10_turns")
	require.NoError(t, err)
	assert.Equal(t, 10, ten.Turns)
	assert.True(t, ten.PriceETH.Equal(decimal.RequireFromString("0.0016")))

	twenty, err := catalog.Lookup("20_turns")
	require.NoError(t, err)
	assert.Equal(t, 20, twenty.Turns)
	assert.True(t, twenty.PriceETH.Equal(decimal.RequireFromString("0.0024")))

	_, err = catalog.Lookup("30_turns")
	require.ErrorIs(t, err, ErrUnknownVariant)
}
