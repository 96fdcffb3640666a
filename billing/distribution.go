/*
distribution.go - Payment distribution across bill cohorts

PURPOSE:
  Given a payment, the unit's existing credit and its outstanding bills,
  decides exactly which bills get paid, how much goes to penalty versus
  principal, how much credit is consumed and how much becomes new credit.

COHORTS:
  Bills sharing a CohortKey must be paid together (quarterly dues: the three
  monthly bills of a quarter share one key). A bill without a key is its own
  cohort. Cohorts are processed strictly by due date, oldest first. This
  order is a business rule and is never rearranged to fit more cohorts.

FULL-COHORT RULE:
  A cohort is paid only if totalAvailable >= cohortTotalDue. If it cannot
  be paid, processing STOPS and everything left over becomes credit.
  Exception: bills already in partial status may be completed even when the
  rest of their cohort cannot. Closing an existing partial is allowed;
  creating a new partial is not.

  ┌─────────────────────────────────────────────────────────────────┐
  │  available = payment + credit                                   │
  │                                                                 │
  │  cohort 1 (oldest) ── due <= available? ── yes ──▶ pay, next    │
  │                             │                                   │
  │                             no ──▶ complete partials, STOP      │
  │                                                                 │
  │  applied <= payment ?  overpayment = payment - applied          │
  │                     :  creditUsed  = applied - payment          │
  └─────────────────────────────────────────────────────────────────┘

WITHIN A COHORT:
  Each bill: full unpaid penalty first, then full unpaid principal.

FUNDING ORDER:
  Payment amount first, then existing credit. Credit consumption is capped
  at the existing balance; anything else is a defect and fails loudly with
  ErrInvariantViolation rather than being clamped.

CONSERVATION (always, to the minor unit):
  payment + creditBefore == totalApplied + newCreditBalance

EXAMPLE:
  Bills: A 950.00 due Jan, B 900.00 due Feb (separate cohorts)
  Payment 1000.00, credit 0:
    A paid (950.00), B blocked (shortfall 850.00)
    overpayment 50.00 -> newCreditBalance 50.00

SEE ALSO:
  - payment.go: Turns a DistributionResult into ledger/bill/credit writes
  - penalty.go: Bills must have penalties refreshed before distribution
*/
package billing

import (
	"fmt"
	"sort"
)

// =============================================================================
// DISTRIBUTION RESULT
// =============================================================================

// BillPayment is what one distribution applied to one bill.
type BillPayment struct {
	BillID    BillID
	Domain    Domain
	CohortKey string
	DueDate   Date

	PenaltyApplied   Money
	PrincipalApplied Money

	PreviousStatus BillStatus
	NewStatus      BillStatus

	// Bill after applying this payment (paid fields updated).
	Bill Bill
}

// Total returns penalty plus principal applied.
func (bp BillPayment) Total() Money { return bp.PenaltyApplied + bp.PrincipalApplied }

// DistributionResult describes how a payment was distributed.
type DistributionResult struct {
	PaymentAmount  Money
	CreditBefore   Money
	TotalAvailable Money

	// Outstanding across all input bills before this payment.
	TotalBillsDue Money

	TotalApplied     Money
	CreditUsed       Money // drawn from the existing balance
	Overpayment      Money // leftover payment added to credit
	NewCreditBalance Money

	BillPayments []BillPayment

	// First cohort that could not be fully paid, if any.
	BlockedCohort string
	// How much more would have paid the blocked cohort in full.
	Shortfall Money
}

// PaidBills returns the ids of bills that ended fully paid.
func (r *DistributionResult) PaidBills() []BillID {
	var ids []BillID
	for _, bp := range r.BillPayments {
		if bp.NewStatus == StatusPaid {
			ids = append(ids, bp.BillID)
		}
	}
	return ids
}

// Allocations converts the result into ledger allocations, penalty before
// principal for every bill, skipping zero amounts.
func (r *DistributionResult) Allocations(paymentID PaymentID, txID TransactionID) []Allocation {
	var allocs []Allocation
	for _, bp := range r.BillPayments {
		if bp.PenaltyApplied > 0 {
			allocs = append(allocs, Allocation{
				TransactionID: txID,
				PaymentID:     paymentID,
				BillID:        bp.BillID,
				Kind:          AllocPenalty,
				Amount:        bp.PenaltyApplied,
			})
		}
		if bp.PrincipalApplied > 0 {
			allocs = append(allocs, Allocation{
				TransactionID: txID,
				PaymentID:     paymentID,
				BillID:        bp.BillID,
				Kind:          AllocPrincipal,
				Amount:        bp.PrincipalApplied,
			})
		}
	}
	return allocs
}

// =============================================================================
// COHORTS
// =============================================================================

type cohort struct {
	key     string
	dueDate Date
	bills   []Bill
}

func (c cohort) totalDue() Money {
	var total Money
	for _, b := range c.bills {
		total += b.Remaining()
	}
	return total
}

// groupCohorts groups unsettled bills by cohort key and orders cohorts by
// their earliest due date (ties by key), bills within a cohort by due date
// then id.
func groupCohorts(bills []Bill) []cohort {
	index := make(map[string]int)
	var cohorts []cohort
	for _, b := range bills {
		if b.Remaining() <= 0 {
			continue
		}
		key := b.Cohort()
		i, ok := index[key]
		if !ok {
			index[key] = len(cohorts)
			cohorts = append(cohorts, cohort{key: key, dueDate: b.DueDate, bills: []Bill{b}})
			continue
		}
		cohorts[i].bills = append(cohorts[i].bills, b)
		cohorts[i].dueDate = EarlierDate(cohorts[i].dueDate, b.DueDate)
	}

	for i := range cohorts {
		SortBills(cohorts[i].bills)
	}
	sort.SliceStable(cohorts, func(i, j int) bool {
		if !cohorts[i].dueDate.Equal(cohorts[j].dueDate) {
			return cohorts[i].dueDate.Before(cohorts[j].dueDate)
		}
		return cohorts[i].key < cohorts[j].key
	})
	return cohorts
}

// SortBills orders bills by due date, then id.
func SortBills(bills []Bill) {
	sort.SliceStable(bills, func(i, j int) bool {
		if !bills[i].DueDate.Equal(bills[j].DueDate) {
			return bills[i].DueDate.Before(bills[j].DueDate)
		}
		return bills[i].ID < bills[j].ID
	})
}

// =============================================================================
// DISTRIBUTOR
// =============================================================================

// Distribute applies payment plus existing credit to bills. Bills must be
// valid and have penalties refreshed; Distribute does not re-validate them.
func Distribute(bills []Bill, payment, credit Money) (*DistributionResult, error) {
	if payment < 0 {
		return nil, &InvariantViolationError{Invariant: "payment_non_negative", Detail: fmt.Sprintf("payment %s", payment)}
	}
	if credit < 0 {
		return nil, &InvariantViolationError{Invariant: "credit_non_negative", Detail: fmt.Sprintf("credit before %s", credit)}
	}

	result := &DistributionResult{
		PaymentAmount:  payment,
		CreditBefore:   credit,
		TotalAvailable: payment + credit,
	}
	for _, b := range bills {
		if r := b.Remaining(); r > 0 {
			result.TotalBillsDue += r
		}
	}

	available := result.TotalAvailable
	for _, c := range groupCohorts(bills) {
		due := c.totalDue()
		if due <= available {
			for _, b := range c.bills {
				bp, err := payInFull(b)
				if err != nil {
					return nil, err
				}
				available -= bp.Total()
				result.BillPayments = append(result.BillPayments, bp)
			}
			continue
		}

		// Cannot pay this cohort. Existing partials may still be closed.
		result.BlockedCohort = c.key
		result.Shortfall = due - available
		for _, b := range c.bills {
			if b.Status() != StatusPartial || b.Remaining() > available {
				continue
			}
			bp, err := payInFull(b)
			if err != nil {
				return nil, err
			}
			available -= bp.Total()
			result.BillPayments = append(result.BillPayments, bp)
		}
		break
	}

	for _, bp := range result.BillPayments {
		result.TotalApplied += bp.Total()
	}

	// Payment first, then credit.
	if result.TotalApplied <= payment {
		result.Overpayment = payment - result.TotalApplied
	} else {
		result.CreditUsed = result.TotalApplied - payment
	}
	if result.CreditUsed > credit {
		return nil, &InvariantViolationError{
			Invariant: "credit_used_le_balance",
			Detail:    fmt.Sprintf("credit used %s exceeds balance %s", result.CreditUsed, credit),
		}
	}

	result.NewCreditBalance = credit - result.CreditUsed + result.Overpayment
	if result.NewCreditBalance < 0 {
		return nil, &InvariantViolationError{
			Invariant: "credit_non_negative",
			Detail:    fmt.Sprintf("new credit balance %s", result.NewCreditBalance),
		}
	}
	if payment+credit != result.TotalApplied+result.NewCreditBalance {
		return nil, &InvariantViolationError{
			Invariant: "conservation",
			Detail: fmt.Sprintf("payment %s + credit %s != applied %s + new credit %s",
				payment, credit, result.TotalApplied, result.NewCreditBalance),
		}
	}
	return result, nil
}

// payInFull settles a bill: unpaid penalty first, then unpaid principal.
func payInFull(b Bill) (BillPayment, error) {
	bp := BillPayment{
		BillID:           b.ID,
		Domain:           b.Domain,
		CohortKey:        b.CohortKey,
		DueDate:          b.DueDate,
		PenaltyApplied:   b.UnpaidPenalty(),
		PrincipalApplied: b.UnpaidPrincipal(),
		PreviousStatus:   b.Status(),
	}
	if bp.PenaltyApplied < 0 || bp.PrincipalApplied < 0 {
		return BillPayment{}, &InvariantViolationError{
			Invariant: "paid_le_due",
			BillID:    b.ID,
			Detail:    fmt.Sprintf("unpaid penalty %s, unpaid principal %s", bp.PenaltyApplied, bp.PrincipalApplied),
		}
	}

	b.PenaltyPaid += bp.PenaltyApplied
	b.PrincipalPaid += bp.PrincipalApplied
	bp.Bill = b
	bp.NewStatus = b.Status()
	return bp, nil
}
