// internal/engine/evaluator/evaluator.go
package evaluator

import (
	"context"
	"fmt"
	"time"

	"booking-notifier/internal/common/logger"
	"booking-notifier/internal/models"
)

// BookingSource is the read side of the booking repository the evaluator
// depends on.
type BookingSource interface {
	FindByStartWindow(ctx context.Context, tenantID string, statusFilter []models.BookingStatus, from, to time.Time) ([]models.Booking, error)
}

// DirectorySource resolves tenants and recipients.
type DirectorySource interface {
	GetTenant(ctx context.Context, tenantID string) (*models.Tenant, error)
	GetAgent(ctx context.Context, agentID string) (*models.Recipient, error)
	GetCustomer(ctx context.Context, customerID string) (*models.Recipient, error)
	ListActiveAgents(ctx context.Context, tenantID string) ([]models.Recipient, error)
}

// Hit is one notification the engine should attempt right now.
//
// Reminder policies produce one hit per booking; digest policies produce one
// hit per agent with Booking nil and the agent's bookings for the local day
// pre-aggregated in DigestBookings (possibly empty).
type Hit struct {
	Rule           models.NotificationRule
	Tenant         *models.Tenant
	Booking        *models.Booking
	Recipient      models.Recipient
	DigestBookings []models.Booking

	// digestDate anchors digest hits so the claim key is stable across
	// re-polls within the same local day.
	digestDate time.Time
}

// ClaimBookingID returns the booking key the delivery claim is anchored on.
// Digest hits have no single booking, so they claim a synthetic per-day key.
func (h Hit) ClaimBookingID() string {
	if h.Booking != nil {
		return h.Booking.ID
	}
	return fmt.Sprintf("digest:%s:%s", h.Tenant.ID, h.digestDate.Format("2006-01-02"))
}

// Evaluator computes, for a rule and the current instant, which bookings and
// recipients are due for notification. All local-time derivations go through
// the tenant's declared time zone; instants stay in UTC everywhere else.
type Evaluator struct {
	bookings     BookingSource
	directory    DirectorySource
	pollInterval time.Duration
	logger       logger.Logger
}

func New(bookings BookingSource, directory DirectorySource, pollInterval time.Duration, log logger.Logger) *Evaluator {
	return &Evaluator{
		bookings:     bookings,
		directory:    directory,
		pollInterval: pollInterval,
		logger:       log.WithFields(map[string]interface{}{"component": "evaluator"}),
	}
}

// Evaluate returns the hits due for rule at instant now. It never returns an
// error for empty results, and bookings missing required references are
// skipped with a warning rather than failing the rule.
func (e *Evaluator) Evaluate(ctx context.Context, rule models.NotificationRule, now time.Time) ([]Hit, error) {
	tenant, err := e.directory.GetTenant(ctx, rule.TenantID)
	if err != nil {
		return nil, err
	}

	loc, err := time.LoadLocation(tenant.Timezone)
	if err != nil {
		return nil, fmt.Errorf("tenant %s has invalid timezone %q: %w", tenant.ID, tenant.Timezone, err)
	}

	switch {
	case rule.Policy.FixedTimeDayBefore != nil:
		return e.evaluateDayBefore(ctx, rule, tenant, loc, now)
	case rule.Policy.FixedOffsetBeforeStart != nil:
		return e.evaluateOffset(ctx, rule, tenant, now)
	case rule.Policy.DailyDigest != nil:
		return e.evaluateDigest(ctx, rule, tenant, loc, now)
	default:
		return nil, fmt.Errorf("rule %s has no scheduling policy variant", rule.ID)
	}
}

// evaluateDayBefore fires when now falls inside [sendAt, sendAt+pollInterval)
// local time, targeting bookings whose local calendar date is daysBefore days
// ahead of today.
func (e *Evaluator) evaluateDayBefore(ctx context.Context, rule models.NotificationRule, tenant *models.Tenant, loc *time.Location, now time.Time) ([]Hit, error) {
	policy := rule.Policy.FixedTimeDayBefore
	localNow := now.In(loc)

	sendAt := time.Date(localNow.Year(), localNow.Month(), localNow.Day(),
		policy.SendAt.Hour, policy.SendAt.Minute, 0, 0, loc)
	if now.Before(sendAt) || !now.Before(sendAt.Add(e.pollInterval)) {
		return nil, nil
	}

	targetDay := localNow.AddDate(0, 0, policy.DaysBefore)
	dayStart := time.Date(targetDay.Year(), targetDay.Month(), targetDay.Day(), 0, 0, 0, 0, loc)
	dayEnd := time.Date(targetDay.Year(), targetDay.Month(), targetDay.Day()+1, 0, 0, 0, 0, loc)

	bookings, err := e.bookings.FindByStartWindow(ctx, rule.TenantID, rule.StatusFilter, dayStart, dayEnd)
	if err != nil {
		return nil, err
	}

	return e.bookingHits(ctx, rule, tenant, bookings), nil
}

// evaluateOffset fires when |now - (start - hoursBefore)| <= tolerance.
func (e *Evaluator) evaluateOffset(ctx context.Context, rule models.NotificationRule, tenant *models.Tenant, now time.Time) ([]Hit, error) {
	policy := rule.Policy.FixedOffsetBeforeStart
	offset := time.Duration(policy.HoursBefore * float64(time.Hour))
	tolerance := time.Duration(policy.ToleranceMinutes) * time.Minute

	from := now.Add(offset - tolerance)
	// Nanosecond keeps the inclusive upper bound in the half-open window query.
	to := now.Add(offset + tolerance).Add(time.Nanosecond)

	bookings, err := e.bookings.FindByStartWindow(ctx, rule.TenantID, rule.StatusFilter, from, to)
	if err != nil {
		return nil, err
	}

	return e.bookingHits(ctx, rule, tenant, bookings), nil
}

// evaluateDigest fires on eligible weekdays inside [sendAt, sendAt+pollInterval)
// local time and produces one hit per active agent, each carrying that
// agent's bookings for the local day. Agents with zero bookings still get a
// hit; the renderer owns the empty-state message.
func (e *Evaluator) evaluateDigest(ctx context.Context, rule models.NotificationRule, tenant *models.Tenant, loc *time.Location, now time.Time) ([]Hit, error) {
	policy := rule.Policy.DailyDigest
	localNow := now.In(loc)

	eligibleDay := false
	for _, d := range policy.DaysOfWeek {
		if d == int(localNow.Weekday()) {
			eligibleDay = true
			break
		}
	}
	if !eligibleDay {
		return nil, nil
	}

	sendAt := time.Date(localNow.Year(), localNow.Month(), localNow.Day(),
		policy.SendAt.Hour, policy.SendAt.Minute, 0, 0, loc)
	if now.Before(sendAt) || !now.Before(sendAt.Add(e.pollInterval)) {
		return nil, nil
	}

	dayStart := time.Date(localNow.Year(), localNow.Month(), localNow.Day(), 0, 0, 0, 0, loc)
	dayEnd := time.Date(localNow.Year(), localNow.Month(), localNow.Day()+1, 0, 0, 0, 0, loc)

	bookings, err := e.bookings.FindByStartWindow(ctx, rule.TenantID, rule.StatusFilter, dayStart, dayEnd)
	if err != nil {
		return nil, err
	}

	byAgent := make(map[string][]models.Booking)
	for _, b := range bookings {
		if b.AgentID == "" {
			continue
		}
		byAgent[b.AgentID] = append(byAgent[b.AgentID], b)
	}

	agents, err := e.directory.ListActiveAgents(ctx, rule.TenantID)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(agents))
	for _, agent := range agents {
		hits = append(hits, Hit{
			Rule:           rule,
			Tenant:         tenant,
			Recipient:      agent,
			DigestBookings: byAgent[agent.ID],
			digestDate:     dayStart,
		})
	}
	return hits, nil
}

func (e *Evaluator) bookingHits(ctx context.Context, rule models.NotificationRule, tenant *models.Tenant, bookings []models.Booking) []Hit {
	hits := make([]Hit, 0, len(bookings))
	for i := range bookings {
		booking := bookings[i]
		recipient, err := e.resolveRecipient(ctx, rule, booking)
		if err != nil {
			e.logger.Warn("excluding booking from evaluation", map[string]interface{}{
				"ruleId":    rule.ID,
				"bookingId": booking.ID,
				"reason":    err.Error(),
			})
			continue
		}
		hits = append(hits, Hit{
			Rule:      rule,
			Tenant:    tenant,
			Booking:   &booking,
			Recipient: *recipient,
		})
	}
	return hits
}

func (e *Evaluator) resolveRecipient(ctx context.Context, rule models.NotificationRule, booking models.Booking) (*models.Recipient, error) {
	switch rule.RecipientRole {
	case models.RoleAgent:
		if booking.AgentID == "" {
			return nil, fmt.Errorf("no agent assigned")
		}
		return e.directory.GetAgent(ctx, booking.AgentID)
	case models.RoleCustomer:
		return e.directory.GetCustomer(ctx, booking.CustomerID)
	default:
		return nil, fmt.Errorf("unknown recipient role %q", rule.RecipientRole)
	}
}
