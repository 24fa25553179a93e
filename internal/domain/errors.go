package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job does not exist, has been deleted,
	// or its record expired. The three cases are indistinguishable to callers.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotCancellable is returned when a cancel races a terminal
	// transition. The terminal record is left untouched.
	ErrJobNotCancellable = errors.New("job not found in cancellable state")

	// ErrJobNotCompleted is returned when output is requested from a job that
	// has not completed.
	ErrJobNotCompleted = errors.New("job is not completed")

	// ErrBackendNotConfigured is returned at submission time when a request
	// names a backend variant that is not configured for this deployment.
	ErrBackendNotConfigured = errors.New("backend not configured")

	// ErrInvalidUnit is returned when a dispatch unit cannot be decoded.
	ErrInvalidUnit = errors.New("invalid dispatch unit")

	// ErrMaxRetriesExceeded marks a unit whose backend failed on every
	// permitted attempt.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// ValidationError is a client-caused rejection. It is always surfaced as a
// 4xx before any job record exists and is never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

// NewValidationError creates a new validation error.
func NewValidationError(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// RetryableError wraps a backend failure that is worth another attempt.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError wraps err as retryable.
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// FatalError wraps a backend failure that retrying cannot fix, such as a
// malformed response shape or rejected credentials.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return "fatal: " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// NewFatalError wraps err as fatal.
func NewFatalError(err error) error {
	return &FatalError{Err: err}
}

// IsRetryable reports whether err carries the retryable tag. Untagged errors
// are treated as retryable so transient infrastructure faults get the benefit
// of the retry budget; only an explicit FatalError short-circuits.
func IsRetryable(err error) bool {
	var fatal *FatalError
	return !errors.As(err, &fatal)
}
