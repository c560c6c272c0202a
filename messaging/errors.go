package messaging

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTimeout              = errors.New("messaging: call timed out")
	ErrNotReady             = errors.New("messaging: transport not ready")
	ErrClosed               = errors.New("messaging: transport closed")
	ErrPublishNacked        = errors.New("messaging: publish nacked by broker")
	ErrIndeterminate        = errors.New("messaging: outcome indeterminate after connection loss")
	ErrDuplicateCorrelation = errors.New("messaging: correlation id already in use")
	ErrMissingReplyTo       = errors.New("messaging: request has no reply_to")
	ErrAlreadySubscribed    = errors.New("messaging: handler already subscribed")
)

// TimeoutError is returned when no reply arrived in time. Retrying the
// whole call is safe from the caller's side; the system never does it.
type TimeoutError struct {
	CorrelationID string
	Timeout       time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("messaging: call %s timed out after %v", e.CorrelationID, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// IndeterminateError is returned when the connection carrying a call was
// lost before its reply arrived. The worker may or may not have run the task.
type IndeterminateError struct {
	CorrelationID string
	Cause         error
}

func (e *IndeterminateError) Error() string {
	return fmt.Sprintf("messaging: call %s indeterminate: %v", e.CorrelationID, e.Cause)
}

func (e *IndeterminateError) Unwrap() error {
	return e.Cause
}

func (e *IndeterminateError) Is(target error) bool {
	return target == ErrIndeterminate
}

// IsRetryable reports whether re-issuing the whole call makes sense
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrIndeterminate) ||
		errors.Is(err, ErrNotReady) ||
		errors.Is(err, ErrPublishNacked)
}
