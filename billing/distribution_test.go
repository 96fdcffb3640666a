package billing_test

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/unit-billing/billing"
)

// =============================================================================
// SCENARIOS
// =============================================================================

func TestDistribute_ExactPaymentSettlesBill(t *testing.T) {
	// GIVEN: One unpaid bill of 950.00, no penalty, no credit
	bills := []billing.Bill{bill("jan", date(2025, time.January, 1), "950.00")}

	// WHEN: Paying exactly 950.00
	result, err := billing.Distribute(bills, money("950.00"), 0)
	require.NoError(t, err)

	// THEN: The bill is paid and nothing is left over
	require.Len(t, result.BillPayments, 1)
	assert.Equal(t, billing.StatusPaid, result.BillPayments[0].NewStatus)
	assert.Equal(t, money("950.00"), result.BillPayments[0].PrincipalApplied)
	assert.Equal(t, billing.Money(0), result.Overpayment)
	assert.Equal(t, billing.Money(0), result.NewCreditBalance)
	assert.Equal(t, money("950.00"), result.TotalBillsDue)
}

func TestDistribute_TwoCohortsInDueDateOrder(t *testing.T) {
	bills := []billing.Bill{
		bill("feb", date(2025, time.February, 1), "900.00"),
		bill("jan", date(2025, time.January, 1), "950.00"),
	}

	t.Run("payment covers both cohorts", func(t *testing.T) {
		// GIVEN: 950.00 due in January and 900.00 in February
		// WHEN: Paying 1850.00
		result, err := billing.Distribute(bills, money("1850.00"), 0)
		require.NoError(t, err)

		// THEN: Both are paid, oldest first
		require.Len(t, result.BillPayments, 2)
		assert.Equal(t, billing.BillID("jan"), result.BillPayments[0].BillID)
		assert.Equal(t, billing.BillID("feb"), result.BillPayments[1].BillID)
		assert.Equal(t, []billing.BillID{"jan", "feb"}, result.PaidBills())
		assert.Equal(t, billing.Money(0), result.NewCreditBalance)
		assert.Empty(t, result.BlockedCohort)
	})

	t.Run("payment covers only the first cohort", func(t *testing.T) {
		// WHEN: Paying 1800.00, 50.00 short of both
		result, err := billing.Distribute(bills, money("1800.00"), 0)
		require.NoError(t, err)

		// THEN: January is paid, February untouched, the rest is credit
		require.Len(t, result.BillPayments, 1)
		assert.Equal(t, billing.BillID("jan"), result.BillPayments[0].BillID)
		assert.Equal(t, money("850.00"), result.Overpayment)
		assert.Equal(t, money("850.00"), result.NewCreditBalance)
		assert.Equal(t, "bill:feb", result.BlockedCohort)
		assert.Equal(t, money("50.00"), result.Shortfall)
	})
}

func TestDistribute_InsufficientPaymentBecomesCredit(t *testing.T) {
	// GIVEN: A single 950.00 bill and no credit
	bills := []billing.Bill{bill("jan", date(2025, time.January, 1), "950.00")}

	// WHEN: Paying 500.00
	result, err := billing.Distribute(bills, money("500.00"), 0)
	require.NoError(t, err)

	// THEN: No partial is created; all 500.00 becomes credit
	assert.Empty(t, result.BillPayments)
	assert.Equal(t, billing.Money(0), result.TotalApplied)
	assert.Equal(t, money("500.00"), result.Overpayment)
	assert.Equal(t, money("500.00"), result.NewCreditBalance)
	assert.Equal(t, money("450.00"), result.Shortfall)
}

func TestDistribute_CompletesExistingPartial(t *testing.T) {
	// GIVEN: A bill with 400.00 of 950.00 already paid
	bills := []billing.Bill{withPaid(bill("jan", date(2025, time.January, 1), "950.00"), "400.00")}

	// WHEN: Paying the remaining 550.00
	result, err := billing.Distribute(bills, money("550.00"), 0)
	require.NoError(t, err)

	// THEN: The bill is completed
	require.Len(t, result.BillPayments, 1)
	bp := result.BillPayments[0]
	assert.Equal(t, billing.StatusPartial, bp.PreviousStatus)
	assert.Equal(t, billing.StatusPaid, bp.NewStatus)
	assert.Equal(t, money("550.00"), bp.PrincipalApplied)
	assert.Equal(t, money("950.00"), bp.Bill.PrincipalPaid)
	assert.Equal(t, billing.Money(0), result.NewCreditBalance)
}

// =============================================================================
// COHORTS
// =============================================================================

func quarter(key string, due billing.Date, principals ...string) []billing.Bill {
	var bills []billing.Bill
	for i, p := range principals {
		bills = append(bills, inCohort(bill(fmt.Sprintf("%s-m%d", key, i+1), due, p), key))
	}
	return bills
}

func TestDistribute_CohortPaidOnlyInFull(t *testing.T) {
	// GIVEN: A quarter of three 300.00 bills sharing one cohort
	bills := quarter("Q1", date(2025, time.January, 1), "300.00", "300.00", "300.00")

	// WHEN: Paying 600.00, enough for two months but not the quarter
	result, err := billing.Distribute(bills, money("600.00"), 0)
	require.NoError(t, err)

	// THEN: Nothing is applied, the cohort is reported blocked
	assert.Empty(t, result.BillPayments)
	assert.Equal(t, "Q1", result.BlockedCohort)
	assert.Equal(t, money("300.00"), result.Shortfall)
	assert.Equal(t, money("600.00"), result.NewCreditBalance)
}

func TestDistribute_BlockedCohortClosesPartialsOnly(t *testing.T) {
	// GIVEN: A quarter where month 1 is already partial (100.00 of 300.00)
	bills := quarter("Q1", date(2025, time.January, 1), "300.00", "300.00", "300.00")
	bills[0] = withPaid(bills[0], "100.00")

	// WHEN: Paying 250.00, not enough for the quarter
	result, err := billing.Distribute(bills, money("250.00"), 0)
	require.NoError(t, err)

	// THEN: The partial month is completed, the untouched months stay unpaid
	require.Len(t, result.BillPayments, 1)
	assert.Equal(t, billing.BillID("Q1-m1"), result.BillPayments[0].BillID)
	assert.Equal(t, money("200.00"), result.BillPayments[0].PrincipalApplied)
	assert.Equal(t, money("50.00"), result.Overpayment)
	assert.Equal(t, "Q1", result.BlockedCohort)
	assert.Equal(t, money("550.00"), result.Shortfall)
}

func TestDistribute_OlderCohortBlocksYoungerOne(t *testing.T) {
	// GIVEN: A large January bill and a small February bill
	bills := []billing.Bill{
		bill("jan", date(2025, time.January, 1), "950.00"),
		bill("feb", date(2025, time.February, 1), "100.00"),
	}

	// WHEN: Paying 500.00, which would cover February alone
	result, err := billing.Distribute(bills, money("500.00"), 0)
	require.NoError(t, err)

	// THEN: Order is never rearranged; nothing is paid
	assert.Empty(t, result.BillPayments)
	assert.Equal(t, "bill:jan", result.BlockedCohort)
	assert.Equal(t, money("500.00"), result.NewCreditBalance)
}

func TestDistribute_CohortOrderUsesEarliestDueDate(t *testing.T) {
	// GIVEN: Cohort B holds the earliest bill although its other bill is late
	bills := []billing.Bill{
		inCohort(bill("a1", date(2025, time.February, 1), "100.00"), "A"),
		inCohort(bill("b1", date(2025, time.January, 1), "100.00"), "B"),
		inCohort(bill("b2", date(2025, time.March, 1), "100.00"), "B"),
	}

	// WHEN: Paying for one cohort of two bills
	result, err := billing.Distribute(bills, money("200.00"), 0)
	require.NoError(t, err)

	// THEN: Cohort B goes first
	assert.Equal(t, []billing.BillID{"b1", "b2"}, result.PaidBills())
	assert.Equal(t, "A", result.BlockedCohort)
}

// =============================================================================
// FUNDING
// =============================================================================

func TestDistribute_PenaltyBeforePrincipal(t *testing.T) {
	// GIVEN: A bill with 1000.00 principal and 50.00 penalty
	b := bill("jan", date(2025, time.January, 1), "1000.00")
	b.PenaltyDue = money("50.00")

	// WHEN: Paying 1050.00
	result, err := billing.Distribute([]billing.Bill{b}, money("1050.00"), 0)
	require.NoError(t, err)

	// THEN: Allocations list the penalty first
	allocs := result.Allocations("pay-1", "tx-1")
	require.Len(t, allocs, 2)
	assert.Equal(t, billing.AllocPenalty, allocs[0].Kind)
	assert.Equal(t, money("50.00"), allocs[0].Amount)
	assert.Equal(t, billing.AllocPrincipal, allocs[1].Kind)
	assert.Equal(t, money("1000.00"), allocs[1].Amount)
	for _, a := range allocs {
		assert.Equal(t, billing.PaymentID("pay-1"), a.PaymentID)
		assert.Equal(t, billing.TransactionID("tx-1"), a.TransactionID)
	}
}

func TestDistribute_PaymentDrawnBeforeCredit(t *testing.T) {
	// GIVEN: 950.00 due, 600.00 credit
	bills := []billing.Bill{bill("jan", date(2025, time.January, 1), "950.00")}

	// WHEN: Paying 500.00
	result, err := billing.Distribute(bills, money("500.00"), money("600.00"))
	require.NoError(t, err)

	// THEN: The whole payment is used, then 450.00 of credit
	assert.Equal(t, money("450.00"), result.CreditUsed)
	assert.Equal(t, billing.Money(0), result.Overpayment)
	assert.Equal(t, money("150.00"), result.NewCreditBalance)
}

func TestDistribute_CreditAloneClosesCohort(t *testing.T) {
	// GIVEN: 950.00 due and 950.00 credit
	bills := []billing.Bill{bill("jan", date(2025, time.January, 1), "950.00")}

	// WHEN: Distributing a zero payment
	result, err := billing.Distribute(bills, 0, money("950.00"))
	require.NoError(t, err)

	// THEN: Credit pays the bill
	assert.Equal(t, []billing.BillID{"jan"}, result.PaidBills())
	assert.Equal(t, money("950.00"), result.CreditUsed)
	assert.Equal(t, billing.Money(0), result.NewCreditBalance)
}

func TestDistribute_NoBillsEverythingBecomesCredit(t *testing.T) {
	result, err := billing.Distribute(nil, money("120.00"), money("30.00"))
	require.NoError(t, err)

	assert.Empty(t, result.BillPayments)
	assert.Equal(t, money("120.00"), result.Overpayment)
	assert.Equal(t, money("150.00"), result.NewCreditBalance)
}

func TestDistribute_SettledBillsIgnored(t *testing.T) {
	bills := []billing.Bill{
		withPaid(bill("jan", date(2025, time.January, 1), "950.00"), "950.00"),
		bill("feb", date(2025, time.February, 1), "900.00"),
	}

	result, err := billing.Distribute(bills, money("900.00"), 0)
	require.NoError(t, err)

	assert.Equal(t, []billing.BillID{"feb"}, result.PaidBills())
	assert.Equal(t, money("900.00"), result.TotalBillsDue)
}

func TestDistribute_NegativeCreditFailsLoudly(t *testing.T) {
	bills := []billing.Bill{bill("jan", date(2025, time.January, 1), "950.00")}

	_, err := billing.Distribute(bills, money("100.00"), -1)

	require.Error(t, err)
	assert.ErrorIs(t, err, billing.ErrInvariantViolation)
	var ive *billing.InvariantViolationError
	require.ErrorAs(t, err, &ive)
	assert.Equal(t, "credit_non_negative", ive.Invariant)
}

// =============================================================================
// PROPERTIES
// =============================================================================

// randomBills builds 1-5 cohorts of 1-3 bills, some partially paid, some
// carrying penalties.
func randomBills(rng *rand.Rand) []billing.Bill {
	var bills []billing.Bill
	due := date(2025, time.January, 1)
	cohorts := 1 + rng.Intn(5)
	for c := 0; c < cohorts; c++ {
		key := fmt.Sprintf("C%d", c)
		n := 1 + rng.Intn(3)
		for i := 0; i < n; i++ {
			b := inCohort(bill(fmt.Sprintf("%s-%d", key, i), due.AddDays(rng.Intn(20)), "0"), key)
			b.PrincipalDue = billing.Money(1 + rng.Intn(100000))
			if rng.Intn(3) == 0 {
				b.PenaltyDue = billing.Money(rng.Intn(5000))
			}
			switch rng.Intn(4) {
			case 0:
				b.PrincipalPaid = billing.Money(rng.Int63n(int64(b.PrincipalDue) + 1))
			case 1:
				b.PenaltyPaid = b.PenaltyDue
				b.PrincipalPaid = b.PrincipalDue
			}
			bills = append(bills, b)
		}
		due = due.AddMonths(1)
	}
	return bills
}

func TestDistribute_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(20250101))

	for i := 0; i < 500; i++ {
		bills := randomBills(rng)
		var outstanding billing.Money
		for _, b := range bills {
			outstanding += b.Remaining()
		}
		payment := billing.Money(rng.Int63n(int64(outstanding)*6/5 + 1))
		credit := billing.Money(rng.Int63n(50000))

		result, err := billing.Distribute(bills, payment, credit)
		require.NoError(t, err, "case %d", i)

		// Conservation
		assert.Equal(t, payment+credit, result.TotalApplied+result.NewCreditBalance, "case %d: conservation", i)

		// No negative credit; credit consumption capped at the balance
		assert.GreaterOrEqual(t, int64(result.NewCreditBalance), int64(0), "case %d", i)
		assert.LessOrEqual(t, int64(result.CreditUsed), int64(credit), "case %d", i)

		// Every touched bill ends fully paid
		touched := make(map[billing.BillID]bool)
		for _, bp := range result.BillPayments {
			touched[bp.BillID] = true
			assert.Equal(t, billing.StatusPaid, bp.NewStatus, "case %d bill %s", i, bp.BillID)
		}

		// Cohort atomicity
		type cohortState struct{ paid, untouched, hadPartial bool }
		cohorts := make(map[string]*cohortState)
		for _, b := range bills {
			if b.Remaining() <= 0 {
				continue
			}
			cs := cohorts[b.Cohort()]
			if cs == nil {
				cs = &cohortState{}
				cohorts[b.Cohort()] = cs
			}
			if b.Status() == billing.StatusPartial {
				cs.hadPartial = true
			}
			if touched[b.ID] {
				cs.paid = true
			} else {
				cs.untouched = true
			}
		}
		for key, cs := range cohorts {
			if cs.paid && cs.untouched {
				assert.True(t, cs.hadPartial, "case %d: cohort %s split without a prior partial", i, key)
			}
		}
	}
}
