// internal/models/rule.go
package models

import (
	"fmt"
	"strconv"
	"strings"
)

// RuleKind identifies what a notification rule is for.
type RuleKind string

const (
	KindBookingReminderCustomer RuleKind = "booking-reminder-for-customer"
	KindBookingReminderAgent    RuleKind = "booking-reminder-for-agent"
	KindDailyDigestAgent        RuleKind = "daily-digest-for-agent"
)

// RecipientRole selects who receives the notification.
type RecipientRole string

const (
	RoleCustomer RecipientRole = "customer"
	RoleAgent    RecipientRole = "agent"
)

// NotificationRule is one tenant-owned delivery rule. Policy changes create a
// new rule with a new dedupe key; an existing rule's policy is immutable.
type NotificationRule struct {
	ID            string           `json:"id"`
	TenantID      string           `json:"tenantId"`
	Kind          RuleKind         `json:"kind"`
	Active        bool             `json:"active"`
	Policy        SchedulingPolicy `json:"policy"`
	RecipientRole RecipientRole    `json:"recipientRole"`
	StatusFilter  []BookingStatus  `json:"statusFilter,omitempty"` // empty = all statuses
	DedupeKey     string           `json:"dedupeKey"`
	Template      TemplateSpec     `json:"template"`
}

// SchedulingPolicy is a tagged union: exactly one variant must be set.
type SchedulingPolicy struct {
	FixedTimeDayBefore     *FixedTimeDayBefore     `json:"fixedTimeDayBefore,omitempty"`
	FixedOffsetBeforeStart *FixedOffsetBeforeStart `json:"fixedOffsetBeforeStart,omitempty"`
	DailyDigest            *DailyDigest            `json:"dailyDigest,omitempty"`
}

// Validate enforces the exactly-one-variant invariant.
func (p SchedulingPolicy) Validate() error {
	n := 0
	if p.FixedTimeDayBefore != nil {
		n++
		if p.FixedTimeDayBefore.DaysBefore < 0 {
			return fmt.Errorf("fixedTimeDayBefore.daysBefore must be >= 0")
		}
	}
	if p.FixedOffsetBeforeStart != nil {
		n++
		if p.FixedOffsetBeforeStart.HoursBefore <= 0 {
			return fmt.Errorf("fixedOffsetBeforeStart.hoursBefore must be > 0")
		}
		if p.FixedOffsetBeforeStart.ToleranceMinutes < 0 {
			return fmt.Errorf("fixedOffsetBeforeStart.toleranceMinutes must be >= 0")
		}
	}
	if p.DailyDigest != nil {
		n++
		for _, d := range p.DailyDigest.DaysOfWeek {
			if d < 0 || d > 6 {
				return fmt.Errorf("dailyDigest.daysOfWeek value %d out of range", d)
			}
		}
	}
	switch n {
	case 0:
		return fmt.Errorf("scheduling policy has no variant set")
	case 1:
		return nil
	default:
		return fmt.Errorf("scheduling policy has %d variants set, want exactly 1", n)
	}
}

// FixedTimeDayBefore fires at a fixed local time N days before the booking's
// local calendar date.
type FixedTimeDayBefore struct {
	DaysBefore int       `json:"daysBefore"`
	SendAt     LocalTime `json:"sendAt"`
}

// FixedOffsetBeforeStart fires a fixed number of hours before the booking
// start instant, within a tolerance window sized to the polling cadence.
type FixedOffsetBeforeStart struct {
	HoursBefore      float64 `json:"hoursBefore"`
	ToleranceMinutes int     `json:"toleranceMinutes"`
}

// DailyDigest fires once per eligible weekday at a fixed local time and
// aggregates the recipient's bookings for that day into one message.
type DailyDigest struct {
	SendAt     LocalTime `json:"sendAt"`
	DaysOfWeek []int     `json:"daysOfWeek"` // 0 = Sunday .. 6 = Saturday
}

// LocalTime is a wall-clock time of day ("HH:MM") in the tenant's time zone.
type LocalTime struct {
	Hour   int
	Minute int
}

func ParseLocalTime(s string) (LocalTime, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return LocalTime{}, fmt.Errorf("invalid local time %q, want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return LocalTime{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return LocalTime{}, fmt.Errorf("invalid minute in %q", s)
	}
	return LocalTime{Hour: h, Minute: m}, nil
}

func (t LocalTime) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// MinutesOfDay returns minutes since local midnight.
func (t LocalTime) MinutesOfDay() int {
	return t.Hour*60 + t.Minute
}

func (t LocalTime) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(t.String())), nil
}

func (t *LocalTime) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("local time must be a string: %w", err)
	}
	parsed, err := ParseLocalTime(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
