package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job cannot be found, including jobs
	// that exist but belong to another workspace.
	ErrJobNotFound = errors.New("job not found")

	// ErrAlreadyClaimed is returned when attempting to claim a job that is
	// not in queued status.
	ErrAlreadyClaimed = errors.New("job already claimed or not queued")

	// ErrInvalidPayload is returned when a job payload cannot be decoded.
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrMaxAttemptsExceeded is returned when a job has exhausted its retry
	// budget and must stay terminally failed.
	ErrMaxAttemptsExceeded = errors.New("max attempts exceeded")

	// ErrInvalidTransition is returned when a status change would violate
	// the job state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError marks bad caller input. Never retried, never alerted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// CredentialError marks an authentication failure against a marketplace.
// It fails the parent immediately; no batch decomposition is attempted.
type CredentialError struct {
	Marketplace string
	Err         error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential error for %s: %v", e.Marketplace, e.Err)
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

// NewCredentialError creates a CredentialError.
func NewCredentialError(marketplace string, err error) error {
	return &CredentialError{Marketplace: marketplace, Err: err}
}

// TransientError wraps network, timeout and rate-limit failures that should
// trigger a retry per the backoff policy.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient error: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError creates a TransientError.
func NewTransientError(err error) error {
	return &TransientError{Err: err}
}

// IsRetryable reports whether an error should be retried per the queue
// manager's backoff policy. Validation and credential errors are terminal on
// first failure.
func IsRetryable(err error) bool {
	var validation *ValidationError
	if errors.As(err, &validation) {
		return false
	}

	var credential *CredentialError
	if errors.As(err, &credential) {
		return false
	}

	if errors.Is(err, ErrInvalidPayload) || errors.Is(err, ErrMaxAttemptsExceeded) {
		return false
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}

	// Unknown failures get the retry budget; a poisoned job still lands on
	// terminal failed once attempts run out.
	return true
}
