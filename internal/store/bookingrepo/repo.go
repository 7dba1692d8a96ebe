// internal/store/bookingrepo/repo.go
package bookingrepo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	stderrors "booking-notifier/internal/common/errors"
	"booking-notifier/internal/common/logger"
	"booking-notifier/internal/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const pqUniqueViolation = "23505"

// Repo reads bookings and appends delivery records. All instants are stored
// in UTC; the delivery history append is the only write path of the engine.
type Repo struct {
	db     *sql.DB
	logger logger.Logger
}

func New(db *sql.DB, log logger.Logger) *Repo {
	return &Repo{
		db:     db,
		logger: log.WithFields(map[string]interface{}{"component": "bookingrepo"}),
	}
}

// FindByStartWindow returns the tenant's bookings starting within [from, to),
// filtered by status when statusFilter is non-empty.
func (r *Repo) FindByStartWindow(ctx context.Context, tenantID string, statusFilter []models.BookingStatus, from, to time.Time) ([]models.Booking, error) {
	query := `
		SELECT id, tenant_id, agent_id, customer_id, start_at, end_at, status
		FROM bookings
		WHERE tenant_id = $1 AND start_at >= $2 AND start_at < $3`
	args := []interface{}{tenantID, from.UTC(), to.UTC()}

	if len(statusFilter) > 0 {
		statuses := make([]string, len(statusFilter))
		for i, st := range statusFilter {
			statuses[i] = string(st)
		}
		query += ` AND status = ANY($4)`
		args = append(args, pq.Array(statuses))
	}
	query += ` ORDER BY start_at, id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query bookings: %w", err)
	}
	defer rows.Close()

	return scanBookings(rows)
}

// InsertClaim atomically reserves a (booking, rule, recipient) tuple for
// delivery. The conditional insert fails when a live claim or a terminal
// record already exists; the partial unique index backstops concurrent runs
// that pass the NOT EXISTS check simultaneously.
func (r *Repo) InsertClaim(ctx context.Context, bookingID, dedupeKey, recipientID string, now time.Time) (string, int, error) {
	claimID := uuid.New().String()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO delivery_records (id, booking_id, rule_dedupe_key, recipient_id, attempt, outcome, sent_at)
		SELECT $1, $2, $3, $4,
			(SELECT COUNT(*) + 1 FROM delivery_records
			 WHERE booking_id = $2 AND rule_dedupe_key = $3 AND recipient_id = $4
			   AND outcome = $5),
			$6, $7
		WHERE NOT EXISTS (
			SELECT 1 FROM delivery_records
			WHERE booking_id = $2 AND rule_dedupe_key = $3 AND recipient_id = $4
			  AND outcome IN ($6, $8, $9)
		)`,
		claimID, bookingID, dedupeKey, recipientID,
		string(models.OutcomeFailedTransient),
		string(models.OutcomeClaimed), now.UTC(),
		string(models.OutcomeSent), string(models.OutcomeFailedPermanent),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
			// Lost the race to a concurrent run.
			return "", 0, stderrors.NewStorageConflictError(
				fmt.Sprintf("booking %s rule %s recipient %s", bookingID, dedupeKey, recipientID))
		}
		return "", 0, stderrors.NewStorageUnavailableError(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return "", 0, stderrors.NewStorageUnavailableError(err)
	}
	if n == 0 {
		return "", 0, stderrors.NewStorageConflictError(
			fmt.Sprintf("booking %s rule %s recipient %s", bookingID, dedupeKey, recipientID))
	}

	var attempt int
	err = r.db.QueryRowContext(ctx,
		`SELECT attempt FROM delivery_records WHERE id = $1`, claimID,
	).Scan(&attempt)
	if err != nil {
		return "", 0, stderrors.NewStorageUnavailableError(err)
	}

	return claimID, attempt, nil
}

// FinalizeClaim settles a provisional claim with its definitive outcome.
// Definitive records are never touched again; corrections append new rows.
func (r *Repo) FinalizeClaim(ctx context.Context, claimID string, outcome models.DeliveryOutcome, channelMessageID string, now time.Time) error {
	if !outcome.Terminal() && outcome != models.OutcomeFailedTransient {
		return fmt.Errorf("cannot finalize claim to %q", outcome)
	}

	var msgID sql.NullString
	if channelMessageID != "" {
		msgID = sql.NullString{String: channelMessageID, Valid: true}
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET outcome = $1, channel_message_id = $2, sent_at = $3
		WHERE id = $4 AND outcome = $5`,
		string(outcome), msgID, now.UTC(), claimID, string(models.OutcomeClaimed),
	)
	if err != nil {
		return stderrors.NewStorageUnavailableError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return stderrors.NewStorageUnavailableError(err)
	}
	if n == 0 {
		return fmt.Errorf("claim %s not found or already finalized", claimID)
	}
	return nil
}

// MarkExhausted appends a failed_permanent record for a tuple whose retry
// budget is spent. Conditional like InsertClaim so concurrent runs cannot
// double-mark.
func (r *Repo) MarkExhausted(ctx context.Context, bookingID, dedupeKey, recipientID string, attempt int, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO delivery_records (id, booking_id, rule_dedupe_key, recipient_id, attempt, outcome, sent_at)
		SELECT $1, $2, $3, $4, $5, $6, $7
		WHERE NOT EXISTS (
			SELECT 1 FROM delivery_records
			WHERE booking_id = $2 AND rule_dedupe_key = $3 AND recipient_id = $4
			  AND outcome IN ($6, $8, $9)
		)`,
		uuid.New().String(), bookingID, dedupeKey, recipientID, attempt,
		string(models.OutcomeFailedPermanent), now.UTC(),
		string(models.OutcomeSent), string(models.OutcomeClaimed),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
			return nil
		}
		return stderrors.NewStorageUnavailableError(err)
	}
	return nil
}

// ReapStaleClaims requeues claims older than olderThan as transient
// failures. A claim left at "claimed" past any plausible run duration was
// orphaned by a crash or an expired run deadline; without the sweep the
// partial unique index would read it as delivered forever.
func (r *Repo) ReapStaleClaims(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET outcome = $1
		WHERE outcome = $2 AND sent_at < $3`,
		string(models.OutcomeFailedTransient), string(models.OutcomeClaimed), olderThan.UTC(),
	)
	if err != nil {
		return 0, stderrors.NewStorageUnavailableError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, stderrors.NewStorageUnavailableError(err)
	}
	return int(n), nil
}

// TupleState summarizes the delivery history for one tuple.
type TupleState struct {
	HasTerminal    bool
	TransientCount int
}

// GetTupleState reports whether the tuple reached a terminal outcome and how
// many transient failures it has accumulated.
func (r *Repo) GetTupleState(ctx context.Context, bookingID, dedupeKey, recipientID string) (TupleState, error) {
	var state TupleState
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE outcome IN ($4, $5)) > 0,
			COUNT(*) FILTER (WHERE outcome = $6)
		FROM delivery_records
		WHERE booking_id = $1 AND rule_dedupe_key = $2 AND recipient_id = $3`,
		bookingID, dedupeKey, recipientID,
		string(models.OutcomeSent), string(models.OutcomeFailedPermanent),
		string(models.OutcomeFailedTransient),
	).Scan(&state.HasTerminal, &state.TransientCount)
	if err != nil {
		return TupleState{}, stderrors.NewStorageUnavailableError(err)
	}
	return state, nil
}

// DeliveryHistory returns a booking's full delivery history, oldest first.
func (r *Repo) DeliveryHistory(ctx context.Context, bookingID string) ([]models.DeliveryRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, booking_id, rule_dedupe_key, recipient_id, attempt, outcome, channel_message_id, sent_at
		FROM delivery_records
		WHERE booking_id = $1
		ORDER BY sent_at, id`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("query delivery history: %w", err)
	}
	defer rows.Close()

	var records []models.DeliveryRecord
	for rows.Next() {
		var (
			rec   models.DeliveryRecord
			msgID sql.NullString
		)
		err := rows.Scan(&rec.ID, &rec.BookingID, &rec.RuleDedupeKey, &rec.RecipientID,
			&rec.Attempt, &rec.Outcome, &msgID, &rec.SentAt)
		if err != nil {
			return nil, fmt.Errorf("scan delivery record: %w", err)
		}
		rec.ChannelMessageID = msgID.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanBookings(rows *sql.Rows) ([]models.Booking, error) {
	var bookings []models.Booking
	for rows.Next() {
		var (
			b       models.Booking
			agentID sql.NullString
		)
		err := rows.Scan(&b.ID, &b.TenantID, &agentID, &b.CustomerID, &b.StartAt, &b.EndAt, &b.Status)
		if err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		b.AgentID = agentID.String
		b.StartAt = b.StartAt.UTC()
		b.EndAt = b.EndAt.UTC()
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}
