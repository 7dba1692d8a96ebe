// internal/models/booking.go
package models

import "time"

// BookingStatus is the lifecycle state of a booking.
type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCancelled BookingStatus = "cancelled"
	BookingCompleted BookingStatus = "completed"
)

// Booking is a scheduled appointment. Instants are stored in UTC; local-time
// derivations always go through the tenant's declared time zone.
type Booking struct {
	ID         string        `json:"id"`
	TenantID   string        `json:"tenantId"`
	AgentID    string        `json:"agentId,omitempty"` // empty when unassigned
	CustomerID string        `json:"customerId"`
	StartAt    time.Time     `json:"startAt"`
	EndAt      time.Time     `json:"endAt"`
	Status     BookingStatus `json:"status"`
}

// DeliveryOutcome is the state of one delivery attempt.
//
// "claimed" is the provisional marker inserted before dispatch; it is
// finalized to one of the definitive outcomes once the channel call settles.
// Definitive records are append-only and never mutated.
type DeliveryOutcome string

const (
	OutcomeClaimed         DeliveryOutcome = "claimed"
	OutcomeSent            DeliveryOutcome = "sent"
	OutcomeFailedTransient DeliveryOutcome = "failed_transient"
	OutcomeFailedPermanent DeliveryOutcome = "failed_permanent"
)

// Terminal reports whether no further transition is possible for the tuple.
func (o DeliveryOutcome) Terminal() bool {
	return o == OutcomeSent || o == OutcomeFailedPermanent
}

// DeliveryRecord is one entry in a booking's delivery history.
type DeliveryRecord struct {
	ID               string          `json:"id"`
	BookingID        string          `json:"bookingId"`
	RuleDedupeKey    string          `json:"ruleDedupeKey"`
	RecipientID      string          `json:"recipientId"`
	Attempt          int             `json:"attempt"`
	Outcome          DeliveryOutcome `json:"outcome"`
	ChannelMessageID string          `json:"channelMessageId,omitempty"`
	SentAt           time.Time       `json:"sentAt"`
}
