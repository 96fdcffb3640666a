/*
credit.go - Floating per-unit credit balance

PURPOSE:
  Credit is money a unit has paid that is not yet applied to any bill.
  It floats: nothing assigns it to a bill until a distribution consumes it.

BALANCE = SUM OF HISTORY:
  There is no stored balance field. Balance is always recomputed from the
  unit's append-only entries, so it cannot drift from its history.

  Entries for unit 12:
    +50.00  overpayment        (payment p-1)
    -50.00  applied_to_bills   (payment p-2)
    +20.00  adjustment         (operator)
  Balance = 20.00

FRESH READS:
  Append re-reads the history immediately before writing and passes the
  observed length to the store. If another writer appended in between, the
  store answers ErrConcurrentModification and nothing is lost silently.

SEE ALSO:
  - distribution.go: Decides how much credit is consumed and created
  - payment.go: Appends consumption then overpayment entries
*/
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreditReason explains why a credit entry exists.
type CreditReason string

const (
	CreditOverpayment CreditReason = "overpayment"      // leftover payment added to credit
	CreditApplied     CreditReason = "applied_to_bills" // credit consumed by a distribution
	CreditAdjustment  CreditReason = "adjustment"       // external operator adjustment
)

// Valid reports whether r is a known reason.
func (r CreditReason) Valid() bool {
	switch r {
	case CreditOverpayment, CreditApplied, CreditAdjustment:
		return true
	}
	return false
}

// CreditEntry is a signed change to a unit's credit balance. Immutable.
type CreditEntry struct {
	ID          string
	Unit        UnitRef
	Amount      Money // positive adds credit, negative consumes it
	Timestamp   time.Time
	Reason      CreditReason
	ReferenceID string // payment id or adjustment reference
}

// SumCredit returns the balance implied by a history.
func SumCredit(entries []CreditEntry) Money {
	var total Money
	for _, e := range entries {
		total += e.Amount
	}
	return total
}

// =============================================================================
// CREDIT LEDGER
// =============================================================================

// CreditLedger reads and appends credit history.
type CreditLedger struct {
	Store CreditStore
	Now   func() time.Time
}

func NewCreditLedger(store CreditStore) *CreditLedger {
	return &CreditLedger{Store: store, Now: time.Now}
}

// Balance returns the sum of the unit's credit history.
func (l *CreditLedger) Balance(ctx context.Context, unit UnitRef) (Money, error) {
	entries, err := l.History(ctx, unit)
	if err != nil {
		return 0, err
	}
	return SumCredit(entries), nil
}

// History returns the unit's entries in append order.
func (l *CreditLedger) History(ctx context.Context, unit UnitRef) ([]CreditEntry, error) {
	entries, err := l.Store.LoadCredit(ctx, unit)
	if err != nil {
		return nil, wrapStore("load credit", err)
	}
	return entries, nil
}

// Append adds a signed entry. Rejects a zero amount and any entry that would
// leave the balance negative.
func (l *CreditLedger) Append(ctx context.Context, unit UnitRef, amount Money, reason CreditReason, referenceID string) (CreditEntry, error) {
	if !unit.Valid() || amount == 0 || !reason.Valid() {
		return CreditEntry{}, &ValidationError{
			Field: "credit_entry",
			Value: fmt.Sprintf("%s %s %s", unit, amount, reason),
			Err:   ErrInvalidCreditEntry,
		}
	}

	history, err := l.History(ctx, unit)
	if err != nil {
		return CreditEntry{}, err
	}
	balance := SumCredit(history)
	if balance+amount < 0 {
		return CreditEntry{}, &NegativeCreditError{Unit: unit, Balance: balance, Requested: amount}
	}

	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	entry := CreditEntry{
		ID:          uuid.NewString(),
		Unit:        unit,
		Amount:      amount,
		Timestamp:   now().UTC(),
		Reason:      reason,
		ReferenceID: referenceID,
	}
	if err := l.Store.AppendCredit(ctx, entry, len(history)); err != nil {
		return CreditEntry{}, wrapStore("append credit", err)
	}
	return entry, nil
}
