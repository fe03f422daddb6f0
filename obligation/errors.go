/*
errors.go - Centralized error types for the obligation engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify errors with errors.Is against the sentinels; the
  structured errors carry the context (field, states, gateway operation)
  and unwrap to their sentinel.

ERROR CATEGORIES:
  1. Validation - malformed input, nothing was changed
  2. Transition - the state machine forbids the move
  3. Gateway    - the payment processor declined or failed
  4. Store      - missing records, duplicate action keys

A rejected operation never writes an audit entry.

SEE ALSO:
  - engine.go: Returns these errors
  - offline/reconciler.go: Classifies replay failures with these helpers
*/
package obligation

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed input (missing title,
	// non-positive amount, unknown enum value).
	ErrValidation = errors.New("validation failed")

	// ErrInvalidTransition is returned when the state machine forbids the
	// requested change, including any change to a terminal obligation.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrAlreadyRefunded is returned for a second refund of the same payment.
	ErrAlreadyRefunded = errors.New("payment already refunded")

	// ErrGatewayFailure is returned when the payment gateway declines or errors.
	// The payment is left untouched.
	ErrGatewayFailure = errors.New("payment gateway failure")

	// ErrNotFound is returned when an obligation does not exist.
	ErrNotFound = errors.New("obligation not found")

	// ErrDuplicateActionKey is returned when an audit entry with the same
	// action key was already recorded.
	ErrDuplicateActionKey = errors.New("duplicate action key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// TransitionError describes a rejected state change. To is empty when the
// operation is not a status change (skipping, assigning) but the current
// state forbids it.
type TransitionError struct {
	ID     ID
	From   Status
	To     Status
	Reason string
}

func (e *TransitionError) Error() string {
	if e.To == "" {
		return fmt.Sprintf("obligation %s (%s): %s", e.ID, e.From, e.Reason)
	}
	msg := fmt.Sprintf("obligation %s: cannot move from %s to %s", e.ID, e.From, e.To)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// GatewayError wraps a failed charge or refund.
type GatewayError struct {
	Op  string // "charge" or "refund"
	ID  ID
	Err error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s of %s failed: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("%s of %s declined", e.Op, e.ID)
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *GatewayError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrGatewayFailure, e.Err}
	}
	return []error{ErrGatewayFailure}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to the caller's input or
// the obligation's current state.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrAlreadyRefunded)
}

// IsRetryable returns true if the same call might succeed later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrGatewayFailure)
}

// IsNotFound returns true if the error indicates a missing obligation.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
