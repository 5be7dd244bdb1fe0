package job

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a referenced resource or job record
	// cannot be found. Consumers acknowledge and drop on this error:
	// redelivery would not help.
	ErrNotFound = errors.New("resource not found")

	// ErrMaxRetries marks a job that has exhausted its retry budget.
	// The job is terminal and must never be rescheduled.
	ErrMaxRetries = errors.New("max retries exceeded")
)

// ValidationError marks bad input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TransientError wraps network or service errors that should trigger a
// retry with backoff, up to the configured cap.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient error: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as retryable.
func NewTransientError(err error) error {
	return &TransientError{Err: err}
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// DeliveryError means the producer could not reach the broker. Callers fall
// back to the durable queue and must not fail the user-facing request
// solely because of it.
type DeliveryError struct {
	Err error
}

func (e *DeliveryError) Error() string {
	return "delivery failed: " + e.Err.Error()
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// NewDeliveryError wraps a broker publish failure.
func NewDeliveryError(err error) error {
	return &DeliveryError{Err: err}
}
