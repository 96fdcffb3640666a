/*
ledger.go - Append-only payment transaction ledger

PURPOSE:
  The ledger is the immutable source of truth for what every payment paid.
  One PaymentRecord per payment, carrying the allocations that tie parts of
  it to bills. Bill documents are a cache derived from these records; the
  reconciliation engine audits the cache against them.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. IMMUTABLE: Once written, records cannot be modified
  3. IDEMPOTENT: Same payment id for a unit = rejected duplicate
  4. BALANCED: Σ allocations == Amount + CreditUsed - Overpayment

CORRECTIONS:
  A wrong payment is not edited. Operators record a credit adjustment or a
  new payment; the original record and its allocations stay.

SEE ALSO:
  - store.go: LedgerStore persistence interface
  - reconcile.go: Reads allocations to audit bill documents
*/
package billing

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// PAYMENT RECORD
// =============================================================================

// PaymentRecord is one ledger entry: a payment and where its money went.
type PaymentRecord struct {
	TransactionID TransactionID
	PaymentID     PaymentID
	Unit          UnitRef
	Amount        Money
	PaymentDate   Date
	CreditUsed    Money
	Overpayment   Money
	Allocations   []Allocation
	Reference     string
	RecordedAt    time.Time
}

// AllocatedTotal returns the sum of the record's allocations.
func (r PaymentRecord) AllocatedTotal() Money {
	var total Money
	for _, a := range r.Allocations {
		total += a.Amount
	}
	return total
}

// Validate checks the record is internally consistent.
func (r PaymentRecord) Validate() error {
	if r.TransactionID == "" || r.PaymentID == "" || !r.Unit.Valid() {
		return &InvariantViolationError{Invariant: "ledger_record_identity", Detail: "transaction id, payment id and unit are required"}
	}
	if r.Amount < 0 || r.CreditUsed < 0 || r.Overpayment < 0 {
		return &InvariantViolationError{Invariant: "ledger_record_non_negative", Detail: fmt.Sprintf("payment %s", r.PaymentID)}
	}
	for _, a := range r.Allocations {
		if a.Amount <= 0 || a.TransactionID != r.TransactionID || a.PaymentID != r.PaymentID {
			return &InvariantViolationError{
				Invariant: "ledger_allocation",
				BillID:    a.BillID,
				Detail:    fmt.Sprintf("allocation %s of payment %s does not belong to transaction %s", a.Amount, a.PaymentID, r.TransactionID),
			}
		}
	}
	if got, want := r.AllocatedTotal(), r.Amount+r.CreditUsed-r.Overpayment; got != want {
		return &InvariantViolationError{
			Invariant: "ledger_record_balanced",
			Detail:    fmt.Sprintf("payment %s allocates %s, expected %s", r.PaymentID, got, want),
		}
	}
	return nil
}

// =============================================================================
// LEDGER
// =============================================================================

// Ledger is the source of truth for payments.
//
// INVARIANTS:
//   - Append-only: No Update, No Delete. EVER.
//   - Immutable: Once written, records cannot be modified.
type Ledger interface {
	// Record appends a payment record. Fails with ErrDuplicatePayment if the
	// payment id was already recorded for the unit.
	Record(ctx context.Context, rec PaymentRecord) error

	// Records returns the unit's records, oldest first.
	Records(ctx context.Context, unit UnitRef) ([]PaymentRecord, error)

	// Allocations returns every allocation recorded for the unit.
	Allocations(ctx context.Context, unit UnitRef) ([]Allocation, error)

	// HasPayment reports whether a payment id was already recorded.
	HasPayment(ctx context.Context, unit UnitRef, id PaymentID) (bool, error)
}

// DefaultLedger implements Ledger over a LedgerStore.
type DefaultLedger struct {
	Store LedgerStore
}

func NewLedger(store LedgerStore) *DefaultLedger {
	return &DefaultLedger{Store: store}
}

func (l *DefaultLedger) Record(ctx context.Context, rec PaymentRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	exists, err := l.Store.PaymentExists(ctx, rec.Unit, rec.PaymentID)
	if err != nil {
		return wrapStore("payment exists", err)
	}
	if exists {
		return fmt.Errorf("payment %s for %s: %w", rec.PaymentID, rec.Unit, ErrDuplicatePayment)
	}
	return wrapStore("append payment", l.Store.AppendPayment(ctx, rec))
}

func (l *DefaultLedger) Records(ctx context.Context, unit UnitRef) ([]PaymentRecord, error) {
	recs, err := l.Store.LoadPayments(ctx, unit)
	if err != nil {
		return nil, wrapStore("load payments", err)
	}
	return recs, nil
}

func (l *DefaultLedger) Allocations(ctx context.Context, unit UnitRef) ([]Allocation, error) {
	recs, err := l.Records(ctx, unit)
	if err != nil {
		return nil, err
	}
	var allocs []Allocation
	for _, r := range recs {
		allocs = append(allocs, r.Allocations...)
	}
	return allocs, nil
}

func (l *DefaultLedger) HasPayment(ctx context.Context, unit UnitRef, id PaymentID) (bool, error) {
	exists, err := l.Store.PaymentExists(ctx, unit, id)
	if err != nil {
		return false, wrapStore("payment exists", err)
	}
	return exists, nil
}
