// internal/engine/guard/guard.go
package guard

import (
	"context"
	"time"

	stderrors "booking-notifier/internal/common/errors"
	"booking-notifier/internal/common/logger"
	"booking-notifier/internal/common/metrics"
	"booking-notifier/internal/models"
	"booking-notifier/internal/store/bookingrepo"
)

// staleClaimAge is how long a claim may sit unfinalized before it is treated
// as orphaned. Well above any run deadline, so an in-flight dispatch on a
// slow run is never reaped from under a concurrent replica.
const staleClaimAge = 10 * time.Minute

// Store is the delivery-history surface the guard needs. The claim insert is
// atomic at the storage layer; the guard itself holds no locks.
type Store interface {
	InsertClaim(ctx context.Context, bookingID, dedupeKey, recipientID string, now time.Time) (string, int, error)
	FinalizeClaim(ctx context.Context, claimID string, outcome models.DeliveryOutcome, channelMessageID string, now time.Time) error
	MarkExhausted(ctx context.Context, bookingID, dedupeKey, recipientID string, attempt int, now time.Time) error
	GetTupleState(ctx context.Context, bookingID, dedupeKey, recipientID string) (bookingrepo.TupleState, error)
	ReapStaleClaims(ctx context.Context, olderThan time.Time) (int, error)
}

// Result classifies a claim attempt.
type Result int

const (
	Claimed Result = iota
	AlreadyDelivered
	Exhausted
)

// Claim is a provisional reservation on a (booking, rule, recipient) tuple.
type Claim struct {
	ID          string
	BookingID   string
	DedupeKey   string
	RecipientID string
	Attempt     int
}

// Guard enforces at-most-once delivery per tuple. It claims optimistically
// before dispatch; a dispatch failure finalizes the claim as failed_transient
// rather than rolling it back, so the audit trail keeps every attempt.
type Guard struct {
	store      Store
	maxRetries int
	logger     logger.Logger
}

func New(store Store, maxRetries int, log logger.Logger) *Guard {
	return &Guard{
		store:      store,
		maxRetries: maxRetries,
		logger:     log.WithFields(map[string]interface{}{"component": "guard"}),
	}
}

// TryClaim reserves the tuple for delivery. AlreadyDelivered covers both a
// prior terminal outcome and a lost race against a concurrent run; Exhausted
// means the transient retry budget is spent, in which case the tuple is
// marked failed_permanent and will never be claimed again.
func (g *Guard) TryClaim(ctx context.Context, bookingID, dedupeKey, recipientID string, now time.Time) (*Claim, Result, error) {
	state, err := g.store.GetTupleState(ctx, bookingID, dedupeKey, recipientID)
	if err != nil {
		return nil, 0, err
	}
	if state.HasTerminal {
		return nil, AlreadyDelivered, nil
	}
	if state.TransientCount >= g.maxRetries {
		if err := g.store.MarkExhausted(ctx, bookingID, dedupeKey, recipientID, state.TransientCount, now); err != nil {
			return nil, 0, err
		}
		g.logger.Warn("retry budget exhausted, tuple marked permanently failed", map[string]interface{}{
			"bookingId":   bookingID,
			"dedupeKey":   dedupeKey,
			"recipientId": recipientID,
			"attempts":    state.TransientCount,
		})
		return nil, Exhausted, nil
	}

	claimID, attempt, err := g.store.InsertClaim(ctx, bookingID, dedupeKey, recipientID, now)
	if err != nil {
		if stderrors.CodeOf(err) == stderrors.ErrCodeStorageConflict {
			return nil, AlreadyDelivered, nil
		}
		return nil, 0, err
	}

	return &Claim{
		ID:          claimID,
		BookingID:   bookingID,
		DedupeKey:   dedupeKey,
		RecipientID: recipientID,
		Attempt:     attempt,
	}, Claimed, nil
}

// Finalize settles the claim with the dispatch outcome. Outcomes must be
// definitive; once written they are never edited in place.
func (g *Guard) Finalize(ctx context.Context, claim *Claim, outcome models.DeliveryOutcome, channelMessageID string, now time.Time) error {
	return g.store.FinalizeClaim(ctx, claim.ID, outcome, channelMessageID, now)
}

// ReapStale requeues claims orphaned by a crash or an unfinalized run as
// transient failures, so the tuple re-enters the retry budget instead of
// reading as delivered forever.
func (g *Guard) ReapStale(ctx context.Context, now time.Time) (int, error) {
	n, err := g.store.ReapStaleClaims(ctx, now.Add(-staleClaimAge))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.StaleClaimsReaped.Add(float64(n))
		g.logger.Warn("requeued stale claims as transient failures", map[string]interface{}{
			"count": n,
		})
	}
	return n, nil
}
