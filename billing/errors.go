/*
errors.go - Centralized error types for the billing engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain packages and the HTTP layer match on the sentinels with errors.Is
  and read details from the structured errors with errors.As.

ERROR CATEGORIES:
  1. MissingConfig      - penalty calculation without rate/grace config
  2. InvariantViolation - a computed value would break a money invariant
  3. StoreUnavailable   - document store / ledger I/O failed
  4. Validation         - malformed bill or payment input at the boundary

  A discrepancy between bills and the ledger is NOT an error: the
  reconciliation engine returns it as a DiscrepancyReport value.

PROPAGATION:
  Validation errors stop at the loader boundary. The distribution engine
  assumes valid input and only raises InvariantViolation. Store errors are
  opaque: the engine never retries them.

SEE ALSO:
  - payment.go: CommitError distinguishes "nothing charged" from
    "partially written, re-derive before retrying"
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrMissingConfig is returned when a penalty is computed without a
	// configured rate and grace period. Never defaulted silently.
	ErrMissingConfig = errors.New("missing penalty configuration")

	// ErrInvariantViolation signals a defect in upstream data or logic:
	// negative credit, paid above due, negative remaining.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrStoreUnavailable wraps any document store or ledger I/O failure.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvalidBill is returned by the loader for malformed bill records.
	ErrInvalidBill = errors.New("invalid bill")

	// ErrInvalidPayment is returned for malformed payments.
	ErrInvalidPayment = errors.New("invalid payment")

	// ErrNonIntegerMinorUnits is returned when an amount has more fractional
	// digits than the currency's minor unit.
	ErrNonIntegerMinorUnits = errors.New("amount is not an integer number of minor units")

	// ErrMalformedAmount is returned when an amount is not a decimal number.
	ErrMalformedAmount = errors.New("malformed amount")

	// ErrAmountOutOfRange is returned for amounts too large to represent.
	ErrAmountOutOfRange = errors.New("amount out of range")

	// ErrDuplicatePayment is returned when a payment id was already recorded.
	// Expected on client retries.
	ErrDuplicatePayment = errors.New("payment already recorded")

	// ErrConcurrentModification is returned when an optimistic update lost a race.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDocumentNotFound is returned when a document path does not exist.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrInvalidCreditEntry is returned for zero-amount or unitless credit entries.
	ErrInvalidCreditEntry = errors.New("invalid credit entry")

	// ErrInvalidUnit is returned for an empty client or unit id, or one
	// containing the "/" path separator.
	ErrInvalidUnit = errors.New("invalid unit reference")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// MissingConfigError names the domain whose penalty config is absent.
type MissingConfigError struct {
	Domain Domain
	BillID BillID
}

func (e *MissingConfigError) Error() string {
	if e.BillID != "" {
		return fmt.Sprintf("missing penalty configuration for %s (bill %s)", e.Domain, e.BillID)
	}
	return fmt.Sprintf("missing penalty configuration for %s", e.Domain)
}

func (e *MissingConfigError) Unwrap() error { return ErrMissingConfig }

// InvariantViolationError describes which invariant broke and where.
type InvariantViolationError struct {
	Invariant string // e.g. "credit_non_negative", "paid_le_due"
	BillID    BillID
	Detail    string
}

func (e *InvariantViolationError) Error() string {
	if e.BillID != "" {
		return fmt.Sprintf("invariant violation: %s on bill %s: %s", e.Invariant, e.BillID, e.Detail)
	}
	return fmt.Sprintf("invariant violation: %s: %s", e.Invariant, e.Detail)
}

func (e *InvariantViolationError) Unwrap() error { return ErrInvariantViolation }

// NegativeCreditError is returned when a credit append would take the
// unit's balance below zero.
type NegativeCreditError struct {
	Unit      UnitRef
	Balance   Money
	Requested Money
}

func (e *NegativeCreditError) Error() string {
	return fmt.Sprintf("credit balance for %s would become negative: balance %s, change %s",
		e.Unit, e.Balance, e.Requested)
}

func (e *NegativeCreditError) Unwrap() error { return ErrInvariantViolation }

// ValidationError describes a rejected input field.
type ValidationError struct {
	BillID BillID
	Field  string
	Value  string
	Err    error // ErrInvalidBill, ErrInvalidPayment, ErrNonIntegerMinorUnits
}

func (e *ValidationError) Error() string {
	if e.BillID != "" {
		return fmt.Sprintf("%v: bill %s: field %s = %q", e.Err, e.BillID, e.Field, e.Value)
	}
	return fmt.Sprintf("%v: field %s = %q", e.Err, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// StoreError wraps an underlying store failure. It matches both
// ErrStoreUnavailable and the wrapped error.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store unavailable: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error { return []error{ErrStoreUnavailable, e.Err} }

// CommitStage names the write a payment recording failed at.
type CommitStage string

const (
	StageLedger CommitStage = "ledger"
	StageBills  CommitStage = "bills"
	StageCredit CommitStage = "credit"
)

// CommitError is returned when recording a payment fails while writing.
//
//	Committed == false: nothing was charged, retrying the same payment is safe.
//	Committed == true:  some writes landed. Re-derive state (projection,
//	                    reconciliation) before retrying; never resume from
//	                    the stale distribution.
type CommitError struct {
	PaymentID PaymentID
	Stage     CommitStage
	Committed bool
	Err       error
}

func (e *CommitError) Error() string {
	if e.Committed {
		return fmt.Sprintf("payment %s partially committed, failed at %s (re-derive before retrying): %v", e.PaymentID, e.Stage, e.Err)
	}
	return fmt.Sprintf("payment %s not committed, failed at %s: %v", e.PaymentID, e.Stage, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// wrapStore converts a store failure into a StoreError, passing through
// errors that carry their own meaning for the caller.
func wrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrDuplicatePayment) ||
		errors.Is(err, ErrDocumentNotFound) ||
		errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry after the
// caller re-derives state.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrStoreUnavailable)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidBill) ||
		errors.Is(err, ErrInvalidPayment) ||
		errors.Is(err, ErrNonIntegerMinorUnits) ||
		errors.Is(err, ErrMalformedAmount) ||
		errors.Is(err, ErrAmountOutOfRange) ||
		errors.Is(err, ErrInvalidCreditEntry) ||
		errors.Is(err, ErrInvalidUnit)
}

// IsNotFound returns true if the error indicates a missing document.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDocumentNotFound)
}
