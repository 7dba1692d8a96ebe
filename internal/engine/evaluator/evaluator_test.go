// internal/engine/evaluator/evaluator_test.go
package evaluator

import (
	"context"
	"testing"
	"time"

	"booking-notifier/internal/common/logger"
	"booking-notifier/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Helper Functions
// ==========================

type fakeBookingSource struct {
	bookings []models.Booking

	lastFrom time.Time
	lastTo   time.Time
}

func (f *fakeBookingSource) FindByStartWindow(_ context.Context, tenantID string, statusFilter []models.BookingStatus, from, to time.Time) ([]models.Booking, error) {
	f.lastFrom = from
	f.lastTo = to

	var out []models.Booking
	for _, b := range f.bookings {
		if b.TenantID != tenantID {
			continue
		}
		if b.StartAt.Before(from) || !b.StartAt.Before(to) {
			continue
		}
		if len(statusFilter) > 0 {
			matched := false
			for _, st := range statusFilter {
				if b.Status == st {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		out = append(out, b)
	}
	return out, nil
}

type fakeDirectory struct {
	tenant     *models.Tenant
	agents     map[string]*models.Recipient
	customers  map[string]*models.Recipient
	activeList []models.Recipient
}

func (f *fakeDirectory) GetTenant(_ context.Context, tenantID string) (*models.Tenant, error) {
	return f.tenant, nil
}

func (f *fakeDirectory) GetAgent(_ context.Context, agentID string) (*models.Recipient, error) {
	if r, ok := f.agents[agentID]; ok {
		return r, nil
	}
	return nil, assert.AnError
}

func (f *fakeDirectory) GetCustomer(_ context.Context, customerID string) (*models.Recipient, error) {
	if r, ok := f.customers[customerID]; ok {
		return r, nil
	}
	return nil, assert.AnError
}

func (f *fakeDirectory) ListActiveAgents(_ context.Context, tenantID string) ([]models.Recipient, error) {
	return f.activeList, nil
}

func testTenant() *models.Tenant {
	return &models.Tenant{
		ID:               "tenant-001",
		Name:             "Salon Aurora",
		Timezone:         "America/Argentina/Buenos_Aires",
		ChannelAccountID: "wa-account-001",
	}
}

func testBooking(id string, startAt time.Time) models.Booking {
	return models.Booking{
		ID:         id,
		TenantID:   "tenant-001",
		AgentID:    "agent-001",
		CustomerID: "customer-001",
		StartAt:    startAt,
		EndAt:      startAt.Add(time.Hour),
		Status:     models.BookingConfirmed,
	}
}

func testDirectory() *fakeDirectory {
	return &fakeDirectory{
		tenant: testTenant(),
		agents: map[string]*models.Recipient{
			"agent-001": {ID: "agent-001", Role: models.RoleAgent, Phone: "+5491100000001"},
		},
		customers: map[string]*models.Recipient{
			"customer-001": {ID: "customer-001", Role: models.RoleCustomer, Phone: "+5491100000002"},
		},
	}
}

func dayBeforeRule() models.NotificationRule {
	return models.NotificationRule{
		ID:            "rule-day-before",
		TenantID:      "tenant-001",
		Kind:          models.KindBookingReminderCustomer,
		Active:        true,
		RecipientRole: models.RoleCustomer,
		StatusFilter:  []models.BookingStatus{models.BookingConfirmed},
		DedupeKey:     "reminder-day-before-v1",
		Policy: models.SchedulingPolicy{
			FixedTimeDayBefore: &models.FixedTimeDayBefore{
				DaysBefore: 1,
				SendAt:     models.LocalTime{Hour: 22, Minute: 0},
			},
		},
	}
}

func offsetRule() models.NotificationRule {
	return models.NotificationRule{
		ID:            "rule-offset",
		TenantID:      "tenant-001",
		Kind:          models.KindBookingReminderCustomer,
		Active:        true,
		RecipientRole: models.RoleCustomer,
		DedupeKey:     "reminder-24h-v1",
		Policy: models.SchedulingPolicy{
			FixedOffsetBeforeStart: &models.FixedOffsetBeforeStart{
				HoursBefore:      24,
				ToleranceMinutes: 5,
			},
		},
	}
}

func digestRule() models.NotificationRule {
	return models.NotificationRule{
		ID:            "rule-digest",
		TenantID:      "tenant-001",
		Kind:          models.KindDailyDigestAgent,
		Active:        true,
		RecipientRole: models.RoleAgent,
		DedupeKey:     "digest-morning-v1",
		Policy: models.SchedulingPolicy{
			DailyDigest: &models.DailyDigest{
				SendAt:     models.LocalTime{Hour: 8, Minute: 0},
				DaysOfWeek: []int{1, 2, 3, 4, 5}, // Monday..Friday
			},
		},
	}
}

// ==========================
// FixedTimeDayBefore
// ==========================

func TestEvaluate_DayBefore_FiresWithinLocalWindow(t *testing.T) {
	// Buenos Aires is UTC-3: 22:00:30 local on Nov 5 is 01:00:30Z on Nov 6.
	now := time.Date(2025, 11, 6, 1, 0, 30, 0, time.UTC)
	tomorrowBooking := testBooking("booking-001",
		time.Date(2025, 11, 6, 18, 0, 0, 0, time.UTC)) // Nov 6 local

	bookings := &fakeBookingSource{bookings: []models.Booking{tomorrowBooking}}
	eval := New(bookings, testDirectory(), time.Minute, logger.NewTestLogger(t))

	hits, err := eval.Evaluate(context.Background(), dayBeforeRule(), now)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "booking-001", hits[0].ClaimBookingID())
	assert.Equal(t, "customer-001", hits[0].Recipient.ID)
}

func TestEvaluate_DayBefore_QuietOutsideWindow(t *testing.T) {
	// One second before the 22:00 local send time.
	now := time.Date(2025, 11, 6, 0, 59, 59, 0, time.UTC)
	bookings := &fakeBookingSource{bookings: []models.Booking{
		testBooking("booking-001", time.Date(2025, 11, 6, 18, 0, 0, 0, time.UTC)),
	}}
	eval := New(bookings, testDirectory(), time.Minute, logger.NewTestLogger(t))

	hits, err := eval.Evaluate(context.Background(), dayBeforeRule(), now)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestEvaluate_DayBefore_QuietAfterWindowCloses(t *testing.T) {
	// One poll interval past the send time: the window has closed.
	now := time.Date(2025, 11, 6, 1, 1, 0, 0, time.UTC)
	bookings := &fakeBookingSource{bookings: []models.Booking{
		testBooking("booking-001", time.Date(2025, 11, 6, 18, 0, 0, 0, time.UTC)),
	}}
	eval := New(bookings, testDirectory(), time.Minute, logger.NewTestLogger(t))

	hits, err := eval.Evaluate(context.Background(), dayBeforeRule(), now)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestEvaluate_DayBefore_TargetsLocalCalendarDate(t *testing.T) {
	now := time.Date(2025, 11, 6, 1, 0, 30, 0, time.UTC)

	// Starts 23:30 local on Nov 6, which is 02:30Z on Nov 7. A UTC-date
	// grouping would miss it; local-date grouping must include it.
	lateBooking := testBooking("booking-late",
		time.Date(2025, 11, 7, 2, 30, 0, 0, time.UTC))
	// Nov 7 local: outside the target day.
	dayAfter := testBooking("booking-after",
		time.Date(2025, 11, 7, 18, 0, 0, 0, time.UTC))

	bookings := &fakeBookingSource{bookings: []models.Booking{lateBooking, dayAfter}}
	eval := New(bookings, testDirectory(), time.Minute, logger.NewTestLogger(t))

	hits, err := eval.Evaluate(context.Background(), dayBeforeRule(), now)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "booking-late", hits[0].Booking.ID)
}

func TestEvaluate_DayBefore_StatusFilterApplied(t *testing.T) {
	now := time.Date(2025, 11, 6, 1, 0, 30, 0, time.UTC)
	cancelled := testBooking("booking-cancelled", time.Date(2025, 11, 6, 18, 0, 0, 0, time.UTC))
	cancelled.Status = models.BookingCancelled

	bookings := &fakeBookingSource{bookings: []models.Booking{cancelled}}
	eval := New(bookings, testDirectory(), time.Minute, logger.NewTestLogger(t))

	hits, err := eval.Evaluate(context.Background(), dayBeforeRule(), now)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

// ==========================
// FixedOffsetBeforeStart
// ==========================

func TestEvaluate_Offset_FiresInsideTolerance(t *testing.T) {
	// Booking starts 2025-11-06T20:00Z; 24h before is 2025-11-05T20:00Z.
	// Polling at 20:03Z is inside the 5 minute tolerance.
	now := time.Date(2025, 11, 5, 20, 3, 0, 0, time.UTC)
	booking := testBooking("booking-001", time.Date(2025, 11, 6, 20, 0, 0, 0, time.UTC))

	bookings := &fakeBookingSource{bookings: []models.Booking{booking}}
	eval := New(bookings, testDirectory(), time.Minute, logger.NewTestLogger(t))

	hits, err := eval.Evaluate(context.Background(), offsetRule(), now)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "booking-001", hits[0].Booking.ID)
}

func TestEvaluate_Offset_QuietOutsideTolerance(t *testing.T) {
	// Polling at 19:54Z is 6 minutes ahead of the nominal fire instant,
	// outside the 5 minute tolerance.
	now := time.Date(2025, 11, 5, 19, 54, 0, 0, time.UTC)
	booking := testBooking("booking-001", time.Date(2025, 11, 6, 20, 0, 0, 0, time.UTC))

	bookings := &fakeBookingSource{bookings: []models.Booking{booking}}
	eval := New(bookings, testDirectory(), time.Minute, logger.NewTestLogger(t))

	hits, err := eval.Evaluate(context.Background(), offsetRule(), now)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestEvaluate_Offset_ToleranceBoundsAreInclusive(t *testing.T) {
	booking := testBooking("booking-001", time.Date(2025, 11, 6, 20, 0, 0, 0, time.UTC))
	bookings := &fakeBookingSource{bookings: []models.Booking{booking}}
	eval := New(bookings, testDirectory(), time.Minute, logger.NewTestLogger(t))

	for _, now := range []time.Time{
		time.Date(2025, 11, 5, 19, 55, 0, 0, time.UTC), // exactly -tolerance
		time.Date(2025, 11, 5, 20, 5, 0, 0, time.UTC),  // exactly +tolerance
	} {
		hits, err := eval.Evaluate(context.Background(), offsetRule(), now)
		require.NoError(t, err)
		assert.Len(t, hits, 1, "poll at %s should fire", now)
	}
}

func TestEvaluate_Offset_SkipsBookingWithoutAgentForAgentRule(t *testing.T) {
	now := time.Date(2025, 11, 5, 20, 0, 0, 0, time.UTC)
	unassigned := testBooking("booking-unassigned", time.Date(2025, 11, 6, 20, 0, 0, 0, time.UTC))
	unassigned.AgentID = ""
	assigned := testBooking("booking-assigned", time.Date(2025, 11, 6, 20, 1, 0, 0, time.UTC))

	rule := offsetRule()
	rule.RecipientRole = models.RoleAgent

	bookings := &fakeBookingSource{bookings: []models.Booking{unassigned, assigned}}
	eval := New(bookings, testDirectory(), time.Minute, logger.NewTestLogger(t))

	hits, err := eval.Evaluate(context.Background(), rule, now)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "booking-assigned", hits[0].Booking.ID)
	assert.Equal(t, "agent-001", hits[0].Recipient.ID)
}

func TestEvaluate_SameInstantYieldsSameHits(t *testing.T) {
	// Re-polling within one window must be a pure re-read: the same now and
	// unchanged bookings produce the identical hit set, so dedupe is the
	// guard's job alone.
	now := time.Date(2025, 11, 5, 20, 3, 0, 0, time.UTC)
	bookings := &fakeBookingSource{bookings: []models.Booking{
		testBooking("booking-001", time.Date(2025, 11, 6, 20, 0, 0, 0, time.UTC)),
		testBooking("booking-002", time.Date(2025, 11, 6, 20, 2, 0, 0, time.UTC)),
	}}
	eval := New(bookings, testDirectory(), time.Minute, logger.NewTestLogger(t))

	first, err := eval.Evaluate(context.Background(), offsetRule(), now)
	require.NoError(t, err)
	second, err := eval.Evaluate(context.Background(), offsetRule(), now)
	require.NoError(t, err)

	require.Len(t, first, 2)
	assert.Equal(t, first, second)
}

func TestEvaluate_Digest_SameInstantYieldsSameHits(t *testing.T) {
	now := time.Date(2025, 11, 6, 11, 0, 30, 0, time.UTC)
	dir := testDirectory()
	dir.activeList = []models.Recipient{
		{ID: "agent-001", Role: models.RoleAgent, Phone: "+5491100000001"},
		{ID: "agent-002", Role: models.RoleAgent, Phone: "+5491100000003"},
	}
	bookings := &fakeBookingSource{bookings: []models.Booking{
		testBooking("booking-001", time.Date(2025, 11, 6, 13, 0, 0, 0, time.UTC)),
	}}
	eval := New(bookings, dir, time.Minute, logger.NewTestLogger(t))

	first, err := eval.Evaluate(context.Background(), digestRule(), now)
	require.NoError(t, err)
	second, err := eval.Evaluate(context.Background(), digestRule(), now)
	require.NoError(t, err)

	require.Len(t, first, 2)
	assert.Equal(t, first, second)
}

// ==========================
// DailyDigest
// ==========================

func TestEvaluate_Digest_OneHitPerActiveAgent(t *testing.T) {
	// 2025-11-06 is a Thursday; 08:00:30 local is 11:00:30Z.
	now := time.Date(2025, 11, 6, 11, 0, 30, 0, time.UTC)

	b1 := testBooking("booking-001", time.Date(2025, 11, 6, 13, 0, 0, 0, time.UTC))
	b2 := testBooking("booking-002", time.Date(2025, 11, 6, 15, 0, 0, 0, time.UTC))
	b2.AgentID = "agent-002"

	dir := testDirectory()
	dir.activeList = []models.Recipient{
		{ID: "agent-001", Role: models.RoleAgent, Phone: "+5491100000001"},
		{ID: "agent-002", Role: models.RoleAgent, Phone: "+5491100000003"},
		{ID: "agent-003", Role: models.RoleAgent, Phone: "+5491100000004"},
	}

	bookings := &fakeBookingSource{bookings: []models.Booking{b1, b2}}
	eval := New(bookings, dir, time.Minute, logger.NewTestLogger(t))

	hits, err := eval.Evaluate(context.Background(), digestRule(), now)
	require.NoError(t, err)
	require.Len(t, hits, 3)

	byAgent := map[string][]models.Booking{}
	for _, h := range hits {
		assert.Nil(t, h.Booking)
		byAgent[h.Recipient.ID] = h.DigestBookings
	}
	assert.Len(t, byAgent["agent-001"], 1)
	assert.Len(t, byAgent["agent-002"], 1)
	// Zero bookings is a valid digest; the hit still exists.
	assert.Empty(t, byAgent["agent-003"])
}

func TestEvaluate_Digest_StableClaimKeyForLocalDay(t *testing.T) {
	now := time.Date(2025, 11, 6, 11, 0, 30, 0, time.UTC)
	dir := testDirectory()
	dir.activeList = []models.Recipient{
		{ID: "agent-001", Role: models.RoleAgent, Phone: "+5491100000001"},
	}
	eval := New(&fakeBookingSource{}, dir, time.Minute, logger.NewTestLogger(t))

	hits, err := eval.Evaluate(context.Background(), digestRule(), now)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "digest:tenant-001:2025-11-06", hits[0].ClaimBookingID())
}

func TestEvaluate_Digest_QuietOnIneligibleWeekday(t *testing.T) {
	// 2025-11-08 is a Saturday.
	now := time.Date(2025, 11, 8, 11, 0, 30, 0, time.UTC)
	dir := testDirectory()
	dir.activeList = []models.Recipient{
		{ID: "agent-001", Role: models.RoleAgent, Phone: "+5491100000001"},
	}
	eval := New(&fakeBookingSource{}, dir, time.Minute, logger.NewTestLogger(t))

	hits, err := eval.Evaluate(context.Background(), digestRule(), now)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestEvaluate_Digest_QuietOutsideSendWindow(t *testing.T) {
	// Thursday but 10:00 local, two hours past the send time.
	now := time.Date(2025, 11, 6, 13, 0, 0, 0, time.UTC)
	dir := testDirectory()
	dir.activeList = []models.Recipient{
		{ID: "agent-001", Role: models.RoleAgent, Phone: "+5491100000001"},
	}
	eval := New(&fakeBookingSource{}, dir, time.Minute, logger.NewTestLogger(t))

	hits, err := eval.Evaluate(context.Background(), digestRule(), now)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
