// internal/store/bookingrepo/repo_test.go
package bookingrepo

import (
	"context"
	"testing"
	"time"

	stderrors "booking-notifier/internal/common/errors"
	"booking-notifier/internal/common/logger"
	"booking-notifier/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindByStartWindow_HalfOpenWindowAndStatusFilter(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	from := time.Date(2025, 11, 6, 3, 0, 0, 0, time.UTC)
	to := time.Date(2025, 11, 7, 3, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT id, tenant_id, agent_id, customer_id, start_at, end_at, status`).
		WithArgs("tenant-001", from, to, pq.Array([]string{"confirmed"})).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "tenant_id", "agent_id", "customer_id", "start_at", "end_at", "status"}).
			AddRow("booking-001", "tenant-001", "agent-001", "customer-001",
				from.Add(10*time.Hour), from.Add(11*time.Hour), "confirmed").
			AddRow("booking-002", "tenant-001", nil, "customer-002",
				from.Add(12*time.Hour), from.Add(13*time.Hour), "confirmed"))

	repo := New(db, logger.NewTestLogger(t))
	bookings, err := repo.FindByStartWindow(context.Background(), "tenant-001",
		[]models.BookingStatus{models.BookingConfirmed}, from, to)

	require.NoError(t, err)
	require.Len(t, bookings, 2)
	assert.Equal(t, "agent-001", bookings[0].AgentID)
	// NULL agent scans to empty, meaning unassigned.
	assert.Empty(t, bookings[1].AgentID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertClaim_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO delivery_records`).
		WithArgs(
			sqlmock.AnyArg(), // claim ID (UUID)
			"booking-001",
			"reminder-v1",
			"customer-001",
			"failed_transient",
			"claimed",
			sqlmock.AnyArg(), // claimed_at
			"sent",
			"failed_permanent",
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery(`SELECT attempt FROM delivery_records`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"attempt"}).AddRow(1))

	repo := New(db, logger.NewTestLogger(t))
	claimID, attempt, err := repo.InsertClaim(context.Background(),
		"booking-001", "reminder-v1", "customer-001", time.Now())

	require.NoError(t, err)
	assert.NotEmpty(t, claimID)
	assert.Equal(t, 1, attempt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertClaim_ExistingRecordBlocksInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// NOT EXISTS guard rejects: zero rows affected.
	mock.ExpectExec(`INSERT INTO delivery_records`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := New(db, logger.NewTestLogger(t))
	_, _, err = repo.InsertClaim(context.Background(),
		"booking-001", "reminder-v1", "customer-001", time.Now())

	require.Error(t, err)
	assert.Equal(t, stderrors.ErrCodeStorageConflict, stderrors.CodeOf(err))
}

func TestInsertClaim_UniqueViolationIsConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// Two runs passed NOT EXISTS simultaneously; the index catches the loser.
	mock.ExpectExec(`INSERT INTO delivery_records`).
		WillReturnError(&pq.Error{Code: "23505"})

	repo := New(db, logger.NewTestLogger(t))
	_, _, err = repo.InsertClaim(context.Background(),
		"booking-001", "reminder-v1", "customer-001", time.Now())

	require.Error(t, err)
	assert.Equal(t, stderrors.ErrCodeStorageConflict, stderrors.CodeOf(err))
}

func TestFinalizeClaim_OnlySettlesLiveClaims(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`UPDATE delivery_records`).
		WithArgs("sent", sqlmock.AnyArg(), sqlmock.AnyArg(), "claim-001", "claimed").
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := New(db, logger.NewTestLogger(t))
	err = repo.FinalizeClaim(context.Background(), "claim-001", models.OutcomeSent, "wamid.001", time.Now())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeClaim_RejectsProvisionalOutcome(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := New(db, logger.NewTestLogger(t))
	err = repo.FinalizeClaim(context.Background(), "claim-001", models.OutcomeClaimed, "", time.Now())
	assert.Error(t, err)
}

func TestFinalizeClaim_MissingClaimErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`UPDATE delivery_records`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := New(db, logger.NewTestLogger(t))
	err = repo.FinalizeClaim(context.Background(), "claim-gone", models.OutcomeSent, "", time.Now())
	assert.Error(t, err)
}

func TestMarkExhausted_SwallowsLostRace(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO delivery_records`).
		WillReturnError(&pq.Error{Code: "23505"})

	repo := New(db, logger.NewTestLogger(t))
	err = repo.MarkExhausted(context.Background(),
		"booking-001", "reminder-v1", "customer-001", 3, time.Now())
	assert.NoError(t, err)
}

func TestReapStaleClaims_RequeuesAsTransient(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	olderThan := time.Date(2025, 11, 6, 11, 50, 0, 0, time.UTC)
	mock.ExpectExec(`UPDATE delivery_records`).
		WithArgs("failed_transient", "claimed", olderThan).
		WillReturnResult(sqlmock.NewResult(0, 2))

	repo := New(db, logger.NewTestLogger(t))
	n, err := repo.ReapStaleClaims(context.Background(), olderThan)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTupleState(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT`).
		WithArgs("booking-001", "reminder-v1", "customer-001",
			"sent", "failed_permanent", "failed_transient").
		WillReturnRows(sqlmock.NewRows([]string{"has_terminal", "transient_count"}).
			AddRow(false, 2))

	repo := New(db, logger.NewTestLogger(t))
	state, err := repo.GetTupleState(context.Background(), "booking-001", "reminder-v1", "customer-001")
	require.NoError(t, err)
	assert.False(t, state.HasTerminal)
	assert.Equal(t, 2, state.TransientCount)
}
