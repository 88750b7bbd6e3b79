package openactmodel

import (
	"errors"
	"fmt"
)

// The error taxonomy below: each type wraps an underlying cause and carries
// enough context for callers to use errors.As for dispatch (the executor
// retries Transient, the OAuth runtime maps token-endpoint 4xx to Upstream,
// and so on).

// ValidationError signals bad input shape or an unknown enum value. Never
// retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "validation: " + e.Msg }

// NotFoundError signals a missing connection, action, or auth record.
type NotFoundError struct {
	Resource string
	Ref      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s %q", e.Resource, e.Ref)
}

// AuthRequiredError signals that an OAuth authorization-code flow must be
// run before the caller's request can proceed.
type AuthRequiredError struct {
	Msg string
}

func (e *AuthRequiredError) Error() string { return "auth required: " + e.Msg }

// TransientError wraps a transport error or retriable HTTP status; the
// executor retries per policy.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string { return "transient: " + e.Cause.Error() }
func (e *TransientError) Unwrap() error { return e.Cause }

// UpstreamError wraps a non-retriable 4xx response (other than 429), with
// the response body included for the caller.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream: HTTP %d: %s", e.StatusCode, e.Body)
}

// StorageError wraps an I/O or concurrency failure from a store.
type StorageError struct {
	Cause error
}

func (e *StorageError) Error() string { return "storage: " + e.Cause.Error() }
func (e *StorageError) Unwrap() error { return e.Cause }

// CorruptionError signals a decryption failure; fatal for the record it
// names.
type CorruptionError struct {
	Ref   string
	Cause error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corruption: %s: %v", e.Ref, e.Cause)
}
func (e *CorruptionError) Unwrap() error { return e.Cause }

// ExhaustedStepsError signals a workflow run exceeded its max_steps bound.
type ExhaustedStepsError struct {
	MaxSteps int
}

func (e *ExhaustedStepsError) Error() string {
	return fmt.Sprintf("workflow exceeded max_steps (%d)", e.MaxSteps)
}

// PauseSentinel is the literal sentinel string a handler returns (as an
// error message) to signal that the workflow engine should pause at the
// current state and await an external callback.
const PauseSentinel = "PAUSE_FOR_CALLBACK"

// IsPauseForCallback reports whether err is (or wraps) the pause sentinel.
func IsPauseForCallback(err error) bool {
	return err != nil && (errors.Is(err, ErrPauseForCallback) || err.Error() == PauseSentinel)
}

// ErrPauseForCallback is the sentinel error value a handler returns to pause
// the enclosing workflow run at its current state.
var ErrPauseForCallback = errors.New(PauseSentinel)
