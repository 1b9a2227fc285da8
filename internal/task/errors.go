package task

import (
	"errors"
	"fmt"
	"time"
)

// Errors returned by the task manager.
var (
	// ErrUnrecognizedTaskType is returned for task types with no registered handler.
	ErrUnrecognizedTaskType = errors.New("unrecognized task type")

	// ErrTimeoutExpired marks a run whose handler did not return within its timeout.
	ErrTimeoutExpired = errors.New("task run timed out")

	// ErrTaskRunning is returned by RunSoon for tasks that are currently owned.
	ErrTaskRunning = errors.New("task is currently running")

	// ErrDuplicateType is returned when a task type is registered twice.
	ErrDuplicateType = errors.New("task type already registered")

	// ErrInvalidInstance is returned when a schedule request fails validation.
	ErrInvalidInstance = errors.New("invalid task instance")

	// ErrInvalidDefinition is returned when a task definition fails validation.
	ErrInvalidDefinition = errors.New("invalid task definition")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("task manager already started")

	// ErrNotStarted is returned when Stop is called before Start.
	ErrNotStarted = errors.New("task manager not started")
)

// HandlerError is a handler failure with retry instructions attached.
type HandlerError struct {
	Err       error
	Retryable bool
	// RetryAt, when set, overrides the backoff policy for the next attempt.
	RetryAt *time.Time
	// RetryIn is a relative form of RetryAt.
	RetryIn time.Duration
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	if e.Retryable {
		return fmt.Sprintf("task handler failed: %v", e.Err)
	}
	return fmt.Sprintf("task handler failed (non-retryable): %v", e.Err)
}

// Unwrap returns the underlying handler error.
func (e *HandlerError) Unwrap() error {
	return e.Err
}

// NonRetryable tags err so the task fails immediately instead of retrying.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &HandlerError{Err: err}
}

// RetryAfter tags err with an explicit delay before the next attempt.
func RetryAfter(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return &HandlerError{Err: err, Retryable: true, RetryIn: d}
}

// RetryAt tags err with an explicit time for the next attempt.
func RetryAt(err error, at time.Time) error {
	if err == nil {
		return nil
	}
	return &HandlerError{Err: err, Retryable: true, RetryAt: &at}
}

// asHandlerError classifies err. Untagged errors are retryable.
func asHandlerError(err error) *HandlerError {
	var herr *HandlerError
	if errors.As(err, &herr) {
		return herr
	}
	return &HandlerError{Err: err, Retryable: true}
}

// PollingError reports a claim cycle that was aborted by a store failure.
// Claims committed before the failure stand.
type PollingError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *PollingError) Error() string {
	return fmt.Sprintf("polling cycle failed during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying store error.
func (e *PollingError) Unwrap() error {
	return e.Err
}
