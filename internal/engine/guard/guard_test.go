// internal/engine/guard/guard_test.go
package guard

import (
	"context"
	"testing"
	"time"

	stderrors "booking-notifier/internal/common/errors"
	"booking-notifier/internal/common/logger"
	"booking-notifier/internal/models"
	"booking-notifier/internal/store/bookingrepo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	state          bookingrepo.TupleState
	insertErr      error
	insertedClaims int
	exhausted      int
	finalized      map[string]models.DeliveryOutcome
	reaped         int
	reapErr        error
	reapOlderThan  time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{finalized: map[string]models.DeliveryOutcome{}}
}

func (f *fakeStore) InsertClaim(_ context.Context, bookingID, dedupeKey, recipientID string, _ time.Time) (string, int, error) {
	if f.insertErr != nil {
		return "", 0, f.insertErr
	}
	f.insertedClaims++
	return "claim-001", f.state.TransientCount + 1, nil
}

func (f *fakeStore) FinalizeClaim(_ context.Context, claimID string, outcome models.DeliveryOutcome, _ string, _ time.Time) error {
	f.finalized[claimID] = outcome
	return nil
}

func (f *fakeStore) MarkExhausted(_ context.Context, _, _, _ string, _ int, _ time.Time) error {
	f.exhausted++
	return nil
}

func (f *fakeStore) GetTupleState(_ context.Context, _, _, _ string) (bookingrepo.TupleState, error) {
	return f.state, nil
}

func (f *fakeStore) ReapStaleClaims(_ context.Context, olderThan time.Time) (int, error) {
	f.reapOlderThan = olderThan
	return f.reaped, f.reapErr
}

func TestTryClaim_FreshTupleIsClaimed(t *testing.T) {
	store := newFakeStore()
	g := New(store, 3, logger.NewTestLogger(t))

	claim, result, err := g.TryClaim(context.Background(), "booking-001", "reminder-v1", "customer-001", time.Now())
	require.NoError(t, err)
	assert.Equal(t, Claimed, result)
	require.NotNil(t, claim)
	assert.Equal(t, "claim-001", claim.ID)
	assert.Equal(t, 1, claim.Attempt)
}

func TestTryClaim_TerminalOutcomeShortCircuits(t *testing.T) {
	store := newFakeStore()
	store.state = bookingrepo.TupleState{HasTerminal: true}
	g := New(store, 3, logger.NewTestLogger(t))

	claim, result, err := g.TryClaim(context.Background(), "booking-001", "reminder-v1", "customer-001", time.Now())
	require.NoError(t, err)
	assert.Equal(t, AlreadyDelivered, result)
	assert.Nil(t, claim)
	assert.Zero(t, store.insertedClaims)
}

func TestTryClaim_LostRaceReadsAsAlreadyDelivered(t *testing.T) {
	store := newFakeStore()
	store.insertErr = stderrors.NewStorageConflictError("concurrent run won")
	g := New(store, 3, logger.NewTestLogger(t))

	claim, result, err := g.TryClaim(context.Background(), "booking-001", "reminder-v1", "customer-001", time.Now())
	require.NoError(t, err)
	assert.Equal(t, AlreadyDelivered, result)
	assert.Nil(t, claim)
}

func TestTryClaim_RetryBudgetExhaustion(t *testing.T) {
	store := newFakeStore()
	store.state = bookingrepo.TupleState{TransientCount: 3}
	g := New(store, 3, logger.NewTestLogger(t))

	claim, result, err := g.TryClaim(context.Background(), "booking-001", "reminder-v1", "customer-001", time.Now())
	require.NoError(t, err)
	assert.Equal(t, Exhausted, result)
	assert.Nil(t, claim)
	assert.Equal(t, 1, store.exhausted)
	assert.Zero(t, store.insertedClaims)
}

func TestTryClaim_TransientFailuresBelowBudgetStillClaim(t *testing.T) {
	store := newFakeStore()
	store.state = bookingrepo.TupleState{TransientCount: 2}
	g := New(store, 3, logger.NewTestLogger(t))

	claim, result, err := g.TryClaim(context.Background(), "booking-001", "reminder-v1", "customer-001", time.Now())
	require.NoError(t, err)
	assert.Equal(t, Claimed, result)
	require.NotNil(t, claim)
	assert.Equal(t, 3, claim.Attempt)
}

func TestReapStale_RequeuesOrphanedClaims(t *testing.T) {
	store := newFakeStore()
	store.reaped = 2
	g := New(store, 3, logger.NewTestLogger(t))

	now := time.Date(2025, 11, 6, 12, 0, 0, 0, time.UTC)
	n, err := g.ReapStale(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	// The cutoff sits well behind now, so slow in-flight dispatches of
	// concurrent replicas are never reaped.
	assert.True(t, store.reapOlderThan.Before(now.Add(-5*time.Minute)))
}

func TestReapStale_PropagatesStoreFailure(t *testing.T) {
	store := newFakeStore()
	store.reapErr = stderrors.NewStorageUnavailableError(assert.AnError)
	g := New(store, 3, logger.NewTestLogger(t))

	_, err := g.ReapStale(context.Background(), time.Now())
	assert.Error(t, err)
}

func TestFinalize_SettlesClaimOutcome(t *testing.T) {
	store := newFakeStore()
	g := New(store, 3, logger.NewTestLogger(t))

	claim, _, err := g.TryClaim(context.Background(), "booking-001", "reminder-v1", "customer-001", time.Now())
	require.NoError(t, err)

	err = g.Finalize(context.Background(), claim, models.OutcomeSent, "wamid.001", time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSent, store.finalized["claim-001"])
}
