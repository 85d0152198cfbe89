package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job id is not in the registry
	ErrJobNotFound = errors.New("job not found")

	// ErrCancelled is raised at a cancellation checkpoint of a cancelled job
	ErrCancelled = errors.New(ErrorCodeCancelled)

	// ErrShutdown is raised at a cancellation checkpoint once shutdown started
	ErrShutdown = errors.New(ErrorCodeShutdown)

	// ErrQueueFull is returned when the worker pool cannot accept more jobs
	ErrQueueFull = errors.New("job queue is full")

	// ErrValidation marks bad input; wrapped by ValidationError
	ErrValidation = errors.New("validation failed")

	// ErrCircuitOpen is returned without invoking the call while a breaker is open
	ErrCircuitOpen = errors.New("circuit open")

	// ErrRateLimited is returned when admission control rejects a call
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrVersionConflict is returned when an optimistic update sees a stale version
	ErrVersionConflict = errors.New("version conflict")

	// ErrProjectNotFound is returned when a versioned entity does not exist
	ErrProjectNotFound = errors.New("project not found")

	// ErrAuditRecordNotFound is returned when an audit id does not exist
	ErrAuditRecordNotFound = errors.New("audit record not found")
)

// RetryableError wraps transient errors that a retry policy may repeat
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err carries a RetryableError
func IsRetryable(err error) bool {
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}

// ValidationError describes a rejected field of a request
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError creates a new validation error for field
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// ConflictError reports the versions involved in a failed optimistic update
type ConflictError struct {
	EntityID string
	Expected int64
	Current  int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version mismatch for %s: expected %d, found %d", e.EntityID, e.Expected, e.Current)
}

func (e *ConflictError) Unwrap() error {
	return ErrVersionConflict
}
