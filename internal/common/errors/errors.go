// internal/common/errors/errors.go
// Package errors provides the standardized error taxonomy of the delivery engine.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	// Rule or template configuration is malformed. The rule is skipped and
	// the run continues.
	ErrCodeConfiguration ErrorCode = "CONFIGURATION_ERROR"

	// A booking references a recipient or field that does not exist. The
	// hit is skipped.
	ErrCodeMissingData ErrorCode = "MISSING_DATA"

	// Channel call failed in a way that may succeed later (timeout,
	// rate-limit, 5xx). Retried under the delivery guard's budget.
	ErrCodeChannelTransient ErrorCode = "CHANNEL_TRANSIENT"

	// Channel rejected the message definitively (invalid template, opt-out,
	// 4xx validation). Never retried.
	ErrCodeChannelPermanent ErrorCode = "CHANNEL_PERMANENT"

	// Lost the claim race to a concurrent run. Treated as already
	// delivered, not as a failure.
	ErrCodeStorageConflict ErrorCode = "STORAGE_CONFLICT"

	ErrCodeStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"
)

// StandardError represents a structured engine error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	cause     error
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

func (e *StandardError) Unwrap() error {
	return e.cause
}

// NewConfigurationError marks a rule or template as malformed.
func NewConfigurationError(ruleID, details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeConfiguration,
		Message:   "Malformed rule or template configuration",
		Details:   details,
		Retryable: false,
		Metadata:  map[string]interface{}{"ruleId": ruleID},
		Timestamp: time.Now().UTC(),
	}
}

// NewMissingDataError marks a hit whose referenced data is absent.
func NewMissingDataError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeMissingData,
		Message:   "Referenced recipient or field not found",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewChannelTransientError wraps a retryable channel failure.
func NewChannelTransientError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeChannelTransient,
		Message:   "Transient channel delivery failure",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// NewChannelPermanentError wraps a terminal channel rejection.
func NewChannelPermanentError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeChannelPermanent,
		Message:   "Permanent channel delivery failure",
		Details:   err.Error(),
		Retryable: false,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// NewStorageConflictError marks a lost claim race.
func NewStorageConflictError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeStorageConflict,
		Message:   "Claim already held for tuple",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewStorageUnavailableError wraps a retryable storage failure.
func NewStorageUnavailableError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeStorageUnavailable,
		Message:   "Storage operation failed",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// CodeOf extracts the ErrorCode from err, or empty when err is not a
// StandardError.
func CodeOf(err error) ErrorCode {
	var se *StandardError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsRetryable reports whether err is a retryable StandardError.
func IsRetryable(err error) bool {
	var se *StandardError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}
