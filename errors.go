package durable

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error type constants for classification and matching
const (
	// ErrorTypeValidation indicates bad input rejected before anything was
	// written.
	ErrorTypeValidation = "validation"

	// ErrorTypeInvalidTransition indicates an illegal lifecycle call, such as
	// completing a run twice. The current run state accompanies the error.
	ErrorTypeInvalidTransition = "invalid_transition"

	// ErrorTypeToolExecution indicates a tool invocation failed. These are
	// recorded in the ledger and are recoverable at the loop level.
	ErrorTypeToolExecution = "tool_execution"

	// ErrorTypePersistence indicates a durable write or read failed. The
	// current step must abort; these are never masked.
	ErrorTypePersistence = "persistence"

	// ErrorTypeNotFound indicates a run or checkpoint does not exist.
	ErrorTypeNotFound = "not_found"

	// ErrorTypeConflict indicates a uniqueness or optimistic concurrency
	// conflict at the storage layer.
	ErrorTypeConflict = "conflict"

	// ErrorTypeLeaseHeld indicates another executor owns the run.
	ErrorTypeLeaseHeld = "lease_held"

	// ErrorTypeTimeout indicates a context deadline or run timeout.
	ErrorTypeTimeout = "timeout"

	// ErrorTypeMaxIterations indicates the loop ran out of iterations and
	// the policy treats that as failure.
	ErrorTypeMaxIterations = "max_iterations"
)

// Sentinel errors usable with errors.Is. Matching compares the error type
// only, so any *Error of the same type matches.
var (
	ErrValidation        = &Error{Type: ErrorTypeValidation}
	ErrInvalidTransition = &Error{Type: ErrorTypeInvalidTransition}
	ErrToolExecution     = &Error{Type: ErrorTypeToolExecution}
	ErrPersistence       = &Error{Type: ErrorTypePersistence}
	ErrNotFound          = &Error{Type: ErrorTypeNotFound}
	ErrConflict          = &Error{Type: ErrorTypeConflict}
	ErrLeaseHeld         = &Error{Type: ErrorTypeLeaseHeld}
	ErrTimeout           = &Error{Type: ErrorTypeTimeout}
	ErrMaxIterations     = &Error{Type: ErrorTypeMaxIterations}
)

// Error represents a structured error with classification.
// It supports Go's error wrapping patterns with Unwrap() method
type Error struct {
	Type    string `json:"type"`
	Cause   string `json:"cause"`
	Details any    `json:"details,omitempty"`
	Wrapped error  `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause == "" {
		return e.Type
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Cause)
}

// Unwrap implements the error unwrapping interface for Go's errors.Is and errors.As
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is reports whether target is an *Error of the same type.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

// NewError creates a new Error with the specified type and cause.
func NewError(errorType, cause string) *Error {
	return &Error{Type: errorType, Cause: cause}
}

// wrapError creates an Error of the given type wrapping err.
func wrapError(errorType string, err error, format string, args ...any) *Error {
	cause := fmt.Sprintf(format, args...)
	if err != nil {
		cause = cause + ": " + err.Error()
	}
	return &Error{Type: errorType, Cause: cause, Wrapped: err}
}

func validationError(format string, args ...any) *Error {
	return NewError(ErrorTypeValidation, fmt.Sprintf(format, args...))
}

func notFoundError(format string, args ...any) *Error {
	return NewError(ErrorTypeNotFound, fmt.Sprintf(format, args...))
}

// ConflictError reports a storage-level uniqueness or version conflict.
// Storage implementations return it so callers can retry.
func ConflictError(format string, args ...any) *Error {
	return NewError(ErrorTypeConflict, fmt.Sprintf(format, args...))
}

// NotFoundError reports a missing run or checkpoint. Storage implementations
// return it from lookups.
func NotFoundError(format string, args ...any) *Error {
	return notFoundError(format, args...)
}

// persistenceError wraps a storage failure. Errors that are already
// classified pass through unchanged so that not-found and conflict signals
// survive.
func persistenceError(op string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return wrapError(ErrorTypePersistence, err, "failed to %s", op)
}

// TransitionError is returned when a lifecycle call is not allowed from the
// run's current status. The stored run is attached.
type TransitionError struct {
	Run  *Run
	From RunStatus
	To   RunStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: run %s cannot move from %s to %s",
		ErrorTypeInvalidTransition, e.Run.ID, e.From, e.To)
}

// Is matches ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Type == ErrorTypeInvalidTransition
}

// ClassifyError attempts to classify a regular error into an Error
func ClassifyError(err error) *Error {
	if err == nil {
		return nil
	}
	var durableErr *Error
	if errors.As(err, &durableErr) {
		return durableErr
	}
	var transitionErr *TransitionError
	if errors.As(err, &transitionErr) {
		return &Error{Type: ErrorTypeInvalidTransition, Cause: err.Error(), Wrapped: err}
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return &Error{Type: ErrorTypeTimeout, Cause: err.Error(), Wrapped: err}
	}
	// Unclassified errors are treated as storage failures: everything else
	// in this package is explicitly typed.
	return &Error{Type: ErrorTypePersistence, Cause: err.Error(), Wrapped: err}
}

// MatchesErrorType checks if an error matches a specified error type
func MatchesErrorType(err error, errorType string) bool {
	if err == nil {
		return false
	}
	return ClassifyError(err).Type == errorType
}
