/*
errors.go - Centralized error types for the rental engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every failure in the pricing and settlement flow maps to exactly one
  Code, so the HTTP layer and callers can react without string matching.

ERROR CATEGORIES:
  1. Input errors       - MISSING_FIELD, INVALID_DATE, PAST_DATE, INVERTED_RANGE,
                          TOO_SHORT, INVALID_QUANTITY, INVALID_FIELD.
                          Fixed by the user editing the proposal. Never retried.
  2. Reference errors   - UNKNOWN_VEHICLE, UNKNOWN_EXTRA, UNKNOWN_POLICY, NOT_FOUND.
                          Surfaced verbatim. Never retried.
  3. Authorization      - UNAUTHORIZED. Terminates the session.
  4. Concurrency errors - CONCURRENT_MODIFICATION, STALE_CALCULATION, BUSY.
                          Retried once by the caller (reload + recalculate).
  5. Processor errors   - DECLINED, NETWORK_ERROR. Retried only by the user.
  6. State errors       - INVALID_TRANSITION, NOT_EDITABLE, CANCEL_PENDING.

NO DEFAULTS:
  No error is ever replaced by a placeholder price or cached value. A failed
  lookup halts the flow.

USAGE:
  if errors.Is(err, generic.ErrUnknownVehicle) { ... }
  switch generic.CodeOf(err) { case generic.CodeBusy: ... }

SEE ALSO:
  - rental/: returns these errors
  - api/handlers.go: maps codes to HTTP status
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// CODES
// =============================================================================

type Code string

const (
	CodeMissingField           Code = "MISSING_FIELD"
	CodeInvalidDate            Code = "INVALID_DATE"
	CodePastDate               Code = "PAST_DATE"
	CodeInvertedRange          Code = "INVERTED_RANGE"
	CodeTooShort               Code = "TOO_SHORT"
	CodeInvalidQuantity        Code = "INVALID_QUANTITY"
	CodeInvalidField           Code = "INVALID_FIELD"
	CodeUnknownVehicle         Code = "UNKNOWN_VEHICLE"
	CodeUnknownExtra           Code = "UNKNOWN_EXTRA"
	CodeUnknownPolicy          Code = "UNKNOWN_POLICY"
	CodeNotFound               Code = "NOT_FOUND"
	CodeUnauthorized           Code = "UNAUTHORIZED"
	CodeConcurrentModification Code = "CONCURRENT_MODIFICATION"
	CodeStaleCalculation       Code = "STALE_CALCULATION"
	CodeBusy                   Code = "BUSY"
	CodeDeclined               Code = "DECLINED"
	CodeNetworkError           Code = "NETWORK_ERROR"
	CodeInvalidTransition      Code = "INVALID_TRANSITION"
	CodeNotEditable            Code = "NOT_EDITABLE"
	CodeCancelPending          Code = "CANCEL_PENDING"
	CodeDuplicateEntry         Code = "DUPLICATE_ENTRY"
	CodeInternal               Code = "INTERNAL"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrMissingField    = errors.New("missing field")
	ErrInvalidDate     = errors.New("invalid date")
	ErrPastDate        = errors.New("pickup is not in the future")
	ErrInvertedRange   = errors.New("dropoff is not after pickup")
	ErrTooShort        = errors.New("rental shorter than minimum duration")
	ErrInvalidQuantity = errors.New("invalid extra quantity")
	ErrInvalidField    = errors.New("invalid field value")

	ErrUnknownVehicle = errors.New("unknown vehicle")
	ErrUnknownExtra   = errors.New("unknown extra")
	ErrUnknownPolicy  = errors.New("unknown payment policy")
	ErrNotFound       = errors.New("not found")

	ErrUnauthorized = errors.New("unauthorized")

	// ErrConcurrentModification is returned when the optimistic version check fails.
	ErrConcurrentModification = errors.New("concurrent modification detected")
	// ErrStaleCalculation is returned when committing a proposal edited after its last calculation.
	ErrStaleCalculation = errors.New("price calculation is stale")
	// ErrBusy is returned when a proposal or flow is locked by an in-flight operation.
	ErrBusy = errors.New("operation in progress")

	ErrDeclined     = errors.New("payment declined")
	ErrNetworkError = errors.New("payment network error")

	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotEditable       = errors.New("reservation is not editable")
	// ErrCancelPending is returned when a cancel was requested while a charge
	// is in flight. The charge may still complete the settlement.
	ErrCancelPending = errors.New("cancellation requested, charge still in flight")

	// ErrDuplicateIdempotencyKey is returned when a ledger entry with the same key exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

var codeTable = []struct {
	err  error
	code Code
}{
	{ErrMissingField, CodeMissingField},
	{ErrInvalidDate, CodeInvalidDate},
	{ErrPastDate, CodePastDate},
	{ErrInvertedRange, CodeInvertedRange},
	{ErrTooShort, CodeTooShort},
	{ErrInvalidQuantity, CodeInvalidQuantity},
	{ErrInvalidField, CodeInvalidField},
	{ErrUnknownVehicle, CodeUnknownVehicle},
	{ErrUnknownExtra, CodeUnknownExtra},
	{ErrUnknownPolicy, CodeUnknownPolicy},
	{ErrNotFound, CodeNotFound},
	{ErrUnauthorized, CodeUnauthorized},
	{ErrConcurrentModification, CodeConcurrentModification},
	{ErrStaleCalculation, CodeStaleCalculation},
	{ErrBusy, CodeBusy},
	{ErrDeclined, CodeDeclined},
	{ErrNetworkError, CodeNetworkError},
	{ErrInvalidTransition, CodeInvalidTransition},
	{ErrNotEditable, CodeNotEditable},
	{ErrCancelPending, CodeCancelPending},
	{ErrDuplicateIdempotencyKey, CodeDuplicateEntry},
}

// CodeOf returns the taxonomy code of err, CodeInternal when unclassified.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	for _, c := range codeTable {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// MissingFieldError names the absent field.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string { return "missing field: " + e.Field }
func (e *MissingFieldError) Unwrap() error { return ErrMissingField }

// InvalidFieldError reports a value of the wrong shape for a field.
type InvalidFieldError struct {
	Field  string
	Reason string
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("invalid value for %s: %s", e.Field, e.Reason)
}
func (e *InvalidFieldError) Unwrap() error { return ErrInvalidField }

// UnknownReferenceError reports an id the pricing provider cannot resolve.
// Kind is the sentinel (ErrUnknownVehicle, ErrUnknownExtra, ErrUnknownPolicy).
type UnknownReferenceError struct {
	Kind error
	ID   string
}

func (e *UnknownReferenceError) Error() string { return fmt.Sprintf("%v: %s", e.Kind, e.ID) }
func (e *UnknownReferenceError) Unwrap() error { return e.Kind }

// ConcurrentModificationError provides the versions involved in a lost update.
// HeldBy is set when the write was refused because another settlement holds
// the reservation.
type ConcurrentModificationError struct {
	ReservationID string
	Expected      int64
	Actual        int64
	HeldBy        string
}

func (e *ConcurrentModificationError) Error() string {
	if e.HeldBy != "" {
		return fmt.Sprintf("reservation %s is held by settlement of %s", e.ReservationID, e.HeldBy)
	}
	return fmt.Sprintf("reservation %s modified concurrently: expected version %d, found %d",
		e.ReservationID, e.Expected, e.Actual)
}
func (e *ConcurrentModificationError) Unwrap() error { return ErrConcurrentModification }

// ProcessorError wraps a payment processor failure.
// Kind is ErrDeclined or ErrNetworkError.
type ProcessorError struct {
	Kind   error
	Reason string
	Err    error
}

func (e *ProcessorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Reason)
}

func (e *ProcessorError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// TransitionError reports an operation attempted in the wrong state.
type TransitionError struct {
	Operation string
	State     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s in state %s", e.Operation, e.State)
}
func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsInputError returns true if the user can fix the error by editing the proposal.
func IsInputError(err error) bool {
	return errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrInvalidDate) ||
		errors.Is(err, ErrPastDate) ||
		errors.Is(err, ErrInvertedRange) ||
		errors.Is(err, ErrTooShort) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidField)
}

// IsReferenceError returns true if a referenced entity does not exist.
func IsReferenceError(err error) bool {
	return errors.Is(err, ErrUnknownVehicle) ||
		errors.Is(err, ErrUnknownExtra) ||
		errors.Is(err, ErrUnknownPolicy) ||
		errors.Is(err, ErrNotFound)
}

// IsRetryable returns true if reloading and recalculating might succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrStaleCalculation) ||
		errors.Is(err, ErrBusy)
}

// IsProcessorError returns true for payment processor failures.
func IsProcessorError(err error) bool {
	return errors.Is(err, ErrDeclined) || errors.Is(err, ErrNetworkError)
}
