/*
penalty.go - Penalty accrual on unpaid principal

PURPOSE:
  Computes the penalty a bill has accrued as of a given date. Penalties are
  RECOMPUTED from the bill and the date every time, never accumulated, so
  the same (bill, date, config) always yields the same amount.

FORMULA:
  graceEnd = dueDate + graceDays

  asOf <= graceEnd:   penalty = 0
  otherwise:          monthsLate = floor(daysPastGrace / 30)
                      penalty    = floor(unpaidPrincipal * rate * max(1, monthsLate))

  unpaidPrincipal = principalDue - principalPaid

EXAMPLE:
  Bill due 30 days ago, grace 10 days, rate 5%, unpaid principal 1000.00:
    daysPastGrace = 20, monthsLate = 0 -> max(1, 0) = 1
    penalty = floor(100000 * 0.05 * 1) = 5000 minor units (50.00)

RULES:
  - Settled bills keep their stored penalty (no recomputation).
  - The result never drops below penalty already collected, so
    penaltyPaid <= penaltyDue survives a principal-only partial payment.
  - Missing config fails fast with ErrMissingConfig. There is no default rate.

SEE ALSO:
  - projection.go: refreshes penalties before showing what is owed
  - payment.go: refreshes penalties as of the payment date
*/
package billing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DaysPerPenaltyMonth is the length of a penalty month in days.
const DaysPerPenaltyMonth = 30

// =============================================================================
// PENALTY CONFIG - Explicit, immutable
// =============================================================================

// PenaltyConfig is the penalty rule for one client and billing domain.
type PenaltyConfig struct {
	Rate      decimal.Decimal // fraction of unpaid principal per penalty month (0.05 = 5%)
	GraceDays int
}

// Validate checks the config values.
func (c PenaltyConfig) Validate() error {
	if c.Rate.IsNegative() || c.Rate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("penalty rate %s out of range [0, 1]", c.Rate)
	}
	if c.GraceDays < 0 {
		return fmt.Errorf("grace days %d must not be negative", c.GraceDays)
	}
	return nil
}

// PenaltyConfigs holds the penalty configuration per billing domain.
type PenaltyConfigs map[Domain]PenaltyConfig

// For returns the config for a domain or a MissingConfigError.
func (pc PenaltyConfigs) For(domain Domain) (*PenaltyConfig, error) {
	cfg, ok := pc[domain]
	if !ok {
		return nil, &MissingConfigError{Domain: domain}
	}
	return &cfg, nil
}

// =============================================================================
// PENALTY CALCULATOR
// =============================================================================

// ComputePenalty returns the penalty accrued on bill as of asOf.
func ComputePenalty(bill Bill, asOf Date, cfg *PenaltyConfig) (Money, error) {
	if cfg == nil {
		return 0, &MissingConfigError{Domain: bill.Domain, BillID: bill.ID}
	}

	// Settled bills are closed; keep whatever was charged.
	if bill.IsSettled() || bill.UnpaidPrincipal() <= 0 {
		return bill.PenaltyDue, nil
	}

	graceEnd := bill.DueDate.AddDays(cfg.GraceDays)
	if !asOf.After(graceEnd) {
		return bill.PenaltyPaid, nil
	}

	monthsLate := DaysBetween(graceEnd, asOf) / DaysPerPenaltyMonth
	if monthsLate < 1 {
		monthsLate = 1
	}

	penalty := decimal.NewFromInt(int64(bill.UnpaidPrincipal())).
		Mul(cfg.Rate).
		Mul(decimal.NewFromInt(int64(monthsLate))).
		Floor()

	return MaxMoney(Money(penalty.IntPart()), bill.PenaltyPaid), nil
}

// ApplyPenalties returns copies of bills with PenaltyDue recomputed as of asOf
// using the config of each bill's domain.
func ApplyPenalties(bills []Bill, asOf Date, configs PenaltyConfigs) ([]Bill, error) {
	out := make([]Bill, len(bills))
	for i, b := range bills {
		cfg, err := configs.For(b.Domain)
		if err != nil {
			return nil, &MissingConfigError{Domain: b.Domain, BillID: b.ID}
		}
		penalty, err := ComputePenalty(b, asOf, cfg)
		if err != nil {
			return nil, err
		}
		b.PenaltyDue = penalty
		out[i] = b
	}
	return out, nil
}
