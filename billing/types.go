/*
Package billing provides the bill and payment reconciliation engine.

PURPOSE:
  This package contains the domain-agnostic types and algorithms for
  settling per-unit charges. Whether a bill comes from recurring dues or a
  metered utility reading, the same engine computes penalties, distributes
  payments, tracks floating credit and audits the bill store against the
  transaction ledger.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: An amount in minor currency units (cents). No floats, ever.
  - Bill: One billable period for one unit in one billing domain
  - Payment: An external event carrying money to distribute
  - Allocation: An immutable ledger line tying part of a payment to a bill
  - CreditEntry: A signed change to a unit's floating credit balance

DESIGN PRINCIPLES:
  1. Integer money: every amount is int64 minor units once parsed
  2. Derived status: Bill.Status() is computed, never stored as input
  3. Ledger first: allocations are the source of truth, bills are a cache
  4. Explicit config: penalty configuration is passed in, never looked up

USAGE:
  amount, err := billing.ParseMoney("950.00") // 95000 minor units
  bill := billing.Bill{
      ID:           "recurring:2025-01",
      Domain:       billing.DomainRecurring,
      DueDate:      billing.NewDate(2025, time.January, 1),
      PrincipalDue: amount,
  }

SEE ALSO:
  - penalty.go: Penalty accrual as of a date
  - distribution.go: Payment distribution across cohorts
  - reconcile.go: Derived-vs-stored discrepancy detection
*/
package billing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Minor currency units
// =============================================================================

// Money is an amount in minor currency units (e.g. cents).
type Money int64

// MinorUnitExponent is the number of fractional digits of the display
// currency. 950.00 is stored as 95000.
const MinorUnitExponent = 2

// ParseMoney converts a decimal display string into minor units.
// Values with more fractional digits than MinorUnitExponent are rejected.
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, &ValidationError{Field: "amount", Value: s, Err: fmt.Errorf("%w: %v", ErrMalformedAmount, err)}
	}
	return MoneyFromDecimal(d)
}

// MoneyFromDecimal converts a decimal display value into minor units.
func MoneyFromDecimal(d decimal.Decimal) (Money, error) {
	shifted := d.Shift(MinorUnitExponent)
	if !shifted.IsInteger() {
		return 0, &ValidationError{Field: "amount", Value: d.String(), Err: ErrNonIntegerMinorUnits}
	}
	if shifted.Abs().GreaterThan(decimal.NewFromInt(maxMoney)) {
		return 0, &ValidationError{Field: "amount", Value: d.String(), Err: ErrAmountOutOfRange}
	}
	return Money(shifted.IntPart()), nil
}

// MustParseMoney is ParseMoney for constants in tests and presets.
func MustParseMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

const maxMoney = int64(1) << 53

// Decimal returns the display value (95000 -> 950.00).
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -MinorUnitExponent)
}

// String formats the display value with a fixed number of decimals.
func (m Money) String() string {
	return m.Decimal().StringFixed(MinorUnitExponent)
}

// MaxMoney returns the larger of a and b.
func MaxMoney(a, b Money) Money {
	if a > b {
		return a
	}
	return b
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ClientID string
type UnitID string
type BillID string
type PaymentID string
type TransactionID string

// UnitRef identifies a billable unit within a client (property).
type UnitRef struct {
	ClientID ClientID
	UnitID   UnitID
}

// Key returns a stable storage key for the unit.
func (u UnitRef) Key() string { return string(u.ClientID) + "/" + string(u.UnitID) }

func (u UnitRef) String() string { return u.Key() }

// IsZero reports whether either part of the reference is missing.
func (u UnitRef) IsZero() bool { return u.ClientID == "" || u.UnitID == "" }

// Valid reports whether both ids are present and free of "/". Ids become
// document path segments and store keys, so a separator would let two
// units collide.
func (u UnitRef) Valid() bool {
	return !u.IsZero() &&
		!strings.Contains(string(u.ClientID), "/") &&
		!strings.Contains(string(u.UnitID), "/")
}

// Validate returns a ValidationError wrapping ErrInvalidUnit unless Valid.
func (u UnitRef) Validate() error {
	if u.Valid() {
		return nil
	}
	return &ValidationError{Field: "unit", Value: u.Key(), Err: ErrInvalidUnit}
}

// =============================================================================
// BILL - One billable period for one unit in one billing domain
// =============================================================================

// Domain identifies which billing domain produced a bill.
type Domain string

const (
	DomainRecurring Domain = "recurring" // periodic dues
	DomainMetered   Domain = "metered"   // consumption-based utility bills
)

// Valid reports whether d is a known billing domain.
func (d Domain) Valid() bool {
	return d == DomainRecurring || d == DomainMetered
}

// BillStatus is derived from the paid fields. It is never authoritative input.
type BillStatus string

const (
	StatusUnpaid  BillStatus = "unpaid"
	StatusPartial BillStatus = "partial"
	StatusPaid    BillStatus = "paid"
)

// Bill is the normalized shape every billing domain is converted into.
//
// INVARIANTS:
//   - PrincipalPaid <= PrincipalDue
//   - PenaltyPaid <= PenaltyDue
//   - all money fields are non-negative
type Bill struct {
	ID          BillID
	Unit        UnitRef
	Domain      Domain
	PeriodStart Date
	DueDate     Date

	PrincipalDue  Money
	PenaltyDue    Money // recomputed as of a date, not accumulated
	PrincipalPaid Money
	PenaltyPaid   Money

	// Bills sharing a CohortKey must be paid together.
	// Empty means the bill is its own cohort.
	CohortKey string

	// Document bookkeeping for write-back; opaque to the engine.
	Path    string
	Version int64
}

// UnpaidPrincipal returns principal still owed.
func (b Bill) UnpaidPrincipal() Money { return b.PrincipalDue - b.PrincipalPaid }

// UnpaidPenalty returns penalty still owed.
func (b Bill) UnpaidPenalty() Money { return b.PenaltyDue - b.PenaltyPaid }

// TotalDue returns principal plus penalty due.
func (b Bill) TotalDue() Money { return b.PrincipalDue + b.PenaltyDue }

// TotalPaid returns principal plus penalty paid.
func (b Bill) TotalPaid() Money { return b.PrincipalPaid + b.PenaltyPaid }

// Remaining returns (principalDue + penaltyDue) - (principalPaid + penaltyPaid).
func (b Bill) Remaining() Money { return b.TotalDue() - b.TotalPaid() }

// IsSettled reports whether nothing remains owed on the bill.
func (b Bill) IsSettled() bool {
	return b.PrincipalPaid >= b.PrincipalDue && b.PenaltyPaid >= b.PenaltyDue
}

// Status derives the bill status from its paid fields.
func (b Bill) Status() BillStatus {
	switch {
	case b.IsSettled():
		return StatusPaid
	case b.TotalPaid() > 0:
		return StatusPartial
	default:
		return StatusUnpaid
	}
}

// Cohort returns the key the distribution engine groups this bill by.
func (b Bill) Cohort() string {
	if b.CohortKey == "" {
		return "bill:" + string(b.ID)
	}
	return b.CohortKey
}

// Validate checks the bill against the data model invariants.
// Called at the loader boundary; downstream components assume valid bills.
func (b Bill) Validate() error {
	invalid := func(field string, value any) error {
		return &ValidationError{BillID: b.ID, Field: field, Value: fmt.Sprint(value), Err: ErrInvalidBill}
	}
	switch {
	case b.ID == "":
		return invalid("id", b.ID)
	case !b.Domain.Valid():
		return invalid("domain", b.Domain)
	case b.DueDate.IsZero():
		return invalid("due_date", b.DueDate)
	case b.PrincipalDue < 0:
		return invalid("principal_due", b.PrincipalDue)
	case b.PenaltyDue < 0:
		return invalid("penalty_due", b.PenaltyDue)
	case b.PrincipalPaid < 0:
		return invalid("principal_paid", b.PrincipalPaid)
	case b.PenaltyPaid < 0:
		return invalid("penalty_paid", b.PenaltyPaid)
	case b.PrincipalPaid > b.PrincipalDue:
		return invalid("principal_paid", b.PrincipalPaid)
	case b.PenaltyPaid > b.PenaltyDue:
		return invalid("penalty_paid", b.PenaltyPaid)
	}
	return nil
}

// =============================================================================
// PAYMENT - External event carrying money to distribute
// =============================================================================

// Payment is an incoming payment for one unit.
// ID must be unique per payment; it is how callers make recording idempotent.
type Payment struct {
	ID        PaymentID
	Unit      UnitRef
	Amount    Money
	Date      Date
	Scope     *PeriodScope // optional restriction of which bills are considered
	Reference string       // external reference (cheque number, bank ref)
	Notes     string
}

// Validate rejects malformed payments before any bill is read.
func (p Payment) Validate() error {
	invalid := func(field string, value any) error {
		return &ValidationError{Field: field, Value: fmt.Sprint(value), Err: ErrInvalidPayment}
	}
	switch {
	case p.ID == "":
		return invalid("id", p.ID)
	case !p.Unit.Valid():
		return invalid("unit", p.Unit)
	case p.Amount <= 0:
		return invalid("amount", p.Amount)
	case p.Date.IsZero():
		return invalid("date", p.Date)
	}
	return nil
}

// PeriodScope restricts which bills a payment or projection considers.
// Zero fields are unbounded.
type PeriodScope struct {
	From    Date
	To      Date
	Domains []Domain
}

// Includes reports whether the bill falls inside the scope.
func (s *PeriodScope) Includes(b Bill) bool {
	if s == nil {
		return true
	}
	if !s.From.IsZero() && b.DueDate.Before(s.From) {
		return false
	}
	if !s.To.IsZero() && b.DueDate.After(s.To) {
		return false
	}
	if len(s.Domains) == 0 {
		return true
	}
	for _, d := range s.Domains {
		if d == b.Domain {
			return true
		}
	}
	return false
}

// =============================================================================
// ALLOCATION - Immutable ledger line item
// =============================================================================

// AllocationKind tags whether an allocation paid principal or penalty.
type AllocationKind string

const (
	AllocPrincipal AllocationKind = "principal"
	AllocPenalty   AllocationKind = "penalty"
)

// Allocation records that Amount of a payment was applied to a bill.
type Allocation struct {
	TransactionID TransactionID
	PaymentID     PaymentID
	BillID        BillID
	Kind          AllocationKind
	Amount        Money
}
