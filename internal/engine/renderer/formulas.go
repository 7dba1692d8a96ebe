// internal/engine/renderer/formulas.go
package renderer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	stderrors "booking-notifier/internal/common/errors"
)

// Formula is a pure function computing one template parameter from the
// render context. The registry is closed: formulas are resolved by name, not
// evaluated as code.
type Formula func(rctx Context) (string, error)

var formulas = map[string]Formula{
	"fullName":          fullName,
	"formatBookingList": formatBookingList,
	"bookingDate":       bookingDate,
	"bookingTime":       bookingTime,
	"bookingCount":      bookingCount,
}

// RegisteredFormulas lists the registered formula names, for diagnostics.
func RegisteredFormulas() []string {
	names := make([]string, 0, len(formulas))
	for name := range formulas {
		names = append(names, name)
	}
	return names
}

func fullName(rctx Context) (string, error) {
	first := rctx.Recipient.Fields["firstName"]
	last := rctx.Recipient.Fields["lastName"]
	full := strings.TrimSpace(first + " " + last)
	if full == "" {
		return "", stderrors.NewMissingDataError(
			fmt.Sprintf("recipient %s has no name fields", rctx.Recipient.ID))
	}
	return full, nil
}

// formatBookingList renders the digest body. Zero bookings is a valid state
// and produces the empty-state line, never an error.
func formatBookingList(rctx Context) (string, error) {
	if len(rctx.DigestBookings) == 0 {
		return "No bookings scheduled for today.", nil
	}

	loc := rctx.Location
	if loc == nil {
		loc = time.UTC
	}

	lines := make([]string, 0, len(rctx.DigestBookings))
	for _, b := range rctx.DigestBookings {
		lines = append(lines, fmt.Sprintf("%s-%s (%s)",
			b.StartAt.In(loc).Format("15:04"),
			b.EndAt.In(loc).Format("15:04"),
			b.ID,
		))
	}
	return strings.Join(lines, ", "), nil
}

func bookingDate(rctx Context) (string, error) {
	if rctx.Booking == nil {
		return "", stderrors.NewMissingDataError("bookingDate formula requires a booking in context")
	}
	loc := rctx.Location
	if loc == nil {
		loc = time.UTC
	}
	return rctx.Booking.StartAt.In(loc).Format("Monday, 2 January 2006"), nil
}

func bookingTime(rctx Context) (string, error) {
	if rctx.Booking == nil {
		return "", stderrors.NewMissingDataError("bookingTime formula requires a booking in context")
	}
	loc := rctx.Location
	if loc == nil {
		loc = time.UTC
	}
	return rctx.Booking.StartAt.In(loc).Format("15:04"), nil
}

func bookingCount(rctx Context) (string, error) {
	return strconv.Itoa(len(rctx.DigestBookings)), nil
}
