package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/unit-billing/billing"
	"github.com/warp/unit-billing/billing/store"
)

func projectionInput(asOf billing.Date, credit billing.Money, bills ...billing.Bill) billing.ProjectionInput {
	return billing.ProjectionInput{
		Unit:      testUnit,
		AsOf:      asOf,
		Bills:     bills,
		Credit:    credit,
		Penalties: fivePercent(10),
	}
}

func TestBuildProjection_RefreshesStalePenalties(t *testing.T) {
	// GIVEN: A bill three months overdue whose stored penalty is still 0
	b := bill("jan", date(2025, time.January, 1), "1000.00")

	// WHEN: Projecting as of April 11
	proj, err := billing.BuildProjection(projectionInput(date(2025, time.April, 11), 0, b))
	require.NoError(t, err)

	// THEN: The penalty is recomputed, not read from the document
	require.Len(t, proj.Bills, 1)
	pb := proj.Bills[0]
	assert.Equal(t, billing.Money(0), pb.StoredPenalty)
	assert.Equal(t, money("150.00"), pb.Bill.PenaltyDue)
	assert.Equal(t, money("1150.00"), pb.Remaining)
	assert.Equal(t, billing.StatusUnpaid, pb.Status)
	assert.Equal(t, money("1000.00"), proj.TotalPrincipal)
	assert.Equal(t, money("150.00"), proj.TotalPenalty)
	assert.Equal(t, money("1150.00"), proj.NetDue)
}

func TestBuildProjection_Waivers(t *testing.T) {
	asOf := date(2025, time.February, 20) // one penalty month for a January bill

	t.Run("partial waiver", func(t *testing.T) {
		in := projectionInput(asOf, 0, bill("jan", date(2025, time.January, 1), "1000.00"))
		in.Options.WaivedPenalties = map[billing.BillID]billing.Money{"jan": money("30.00")}

		proj, err := billing.BuildProjection(in)
		require.NoError(t, err)

		pb := proj.Bills[0]
		assert.Equal(t, money("20.00"), pb.Bill.PenaltyDue)
		assert.Equal(t, money("30.00"), pb.PenaltyWaived)
		assert.Equal(t, money("1020.00"), pb.Remaining)
	})

	t.Run("waiver cannot undo collected penalty", func(t *testing.T) {
		b := bill("jan", date(2025, time.January, 1), "1000.00")
		b.PenaltyDue = money("10.00")
		b.PenaltyPaid = money("10.00")
		in := projectionInput(asOf, 0, b)
		in.Options.WaivedPenalties = map[billing.BillID]billing.Money{"jan": money("100.00")}

		proj, err := billing.BuildProjection(in)
		require.NoError(t, err)

		pb := proj.Bills[0]
		assert.Equal(t, money("10.00"), pb.Bill.PenaltyDue)
		assert.Equal(t, money("40.00"), pb.PenaltyWaived)
		assert.Equal(t, money("1000.00"), pb.Remaining)
	})

	t.Run("waiver for a bill without penalty", func(t *testing.T) {
		in := projectionInput(asOf, 0, bill("feb", date(2025, time.February, 15), "500.00"))
		in.Options.WaivedPenalties = map[billing.BillID]billing.Money{"feb": money("5.00")}

		proj, err := billing.BuildProjection(in)
		require.NoError(t, err)

		assert.Equal(t, billing.Money(0), proj.Bills[0].PenaltyWaived)
		assert.Equal(t, money("500.00"), proj.NetDue)
	})
}

func TestBuildProjection_Exclusions(t *testing.T) {
	in := projectionInput(date(2025, time.January, 5), 0,
		bill("jan", date(2025, time.January, 1), "950.00"),
		bill("disputed", date(2025, time.January, 1), "400.00"),
	)
	in.Options.ExcludedBills = []billing.BillID{"disputed"}

	proj, err := billing.BuildProjection(in)
	require.NoError(t, err)

	require.Len(t, proj.Bills, 1)
	assert.Equal(t, billing.BillID("jan"), proj.Bills[0].Bill.ID)
	assert.Equal(t, []billing.BillID{"disputed"}, proj.ExcludedBillIDs)
	assert.Equal(t, money("950.00"), proj.TotalRemaining)
}

func TestBuildProjection_NetDueNeverNegative(t *testing.T) {
	asOf := date(2025, time.January, 5)
	b := bill("jan", date(2025, time.January, 1), "1000.00")

	proj, err := billing.BuildProjection(projectionInput(asOf, money("200.00"), b))
	require.NoError(t, err)
	assert.Equal(t, money("800.00"), proj.NetDue)

	proj, err = billing.BuildProjection(projectionInput(asOf, money("1200.00"), b))
	require.NoError(t, err)
	assert.Equal(t, billing.Money(0), proj.NetDue)
	assert.Equal(t, money("1200.00"), proj.AvailableCredit)
}

func TestBuildProjection_ReconcilesLedgeredBills(t *testing.T) {
	jan := withPaid(bill("jan", date(2025, time.January, 1), "950.00"), "950.00")
	feb := bill("feb", date(2025, time.February, 1), "900.00")
	allocs := []billing.Allocation{{
		TransactionID: "tx1", PaymentID: "p1", BillID: "jan",
		Kind: billing.AllocPrincipal, Amount: money("950.00"),
	}}

	// GIVEN: Only feb is projected, jan is paid in the ledger
	in := projectionInput(date(2025, time.January, 5), 0, feb)
	in.Allocations = allocs

	// WHEN: The unscoped set is not passed, jan's allocations are orphans
	proj, err := billing.BuildProjection(in)
	require.NoError(t, err)
	assert.Len(t, proj.Discrepancy.Orphans, 1)

	// THEN: With it, the report is clean
	in.Ledgered = []billing.Bill{jan, feb}
	proj, err = billing.BuildProjection(in)
	require.NoError(t, err)
	assert.Empty(t, proj.Discrepancy.Orphans)
	assert.False(t, proj.Discrepancy.Detected)
	require.Len(t, proj.Bills, 1)
}

func TestBuildProjection_SortedByDueDate(t *testing.T) {
	proj, err := billing.BuildProjection(projectionInput(date(2025, time.January, 5), 0,
		bill("mar", date(2025, time.March, 1), "1.00"),
		bill("jan-b", date(2025, time.January, 1), "1.00"),
		bill("jan-a", date(2025, time.January, 1), "1.00"),
	))
	require.NoError(t, err)

	var ids []billing.BillID
	for _, pb := range proj.Bills {
		ids = append(ids, pb.Bill.ID)
	}
	assert.Equal(t, []billing.BillID{"jan-a", "jan-b", "mar"}, ids)
}

func TestBuildProjection_Errors(t *testing.T) {
	b := bill("jan", date(2025, time.January, 1), "1000.00")

	t.Run("zero as-of date", func(t *testing.T) {
		_, err := billing.BuildProjection(projectionInput(billing.Date{}, 0, b))
		assert.True(t, billing.IsClientError(err))
	})

	t.Run("missing penalty config", func(t *testing.T) {
		in := projectionInput(date(2025, time.June, 1), 0, b)
		in.Penalties = nil
		_, err := billing.BuildProjection(in)
		assert.ErrorIs(t, err, billing.ErrMissingConfig)
	})

	t.Run("negative credit", func(t *testing.T) {
		_, err := billing.BuildProjection(projectionInput(date(2025, time.June, 1), -1, b))
		assert.ErrorIs(t, err, billing.ErrInvariantViolation)
	})
}

func TestProjectionEngine_PureRead(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	src := newJSONSource(mem, billing.DomainRecurring)
	src.put(t,
		withPaid(bill("jan", date(2025, time.January, 1), "950.00"), "950.00"),
		bill("feb", date(2025, time.February, 1), "900.00"),
	)
	credit := billing.NewCreditLedger(mem)
	_, err := credit.Append(ctx, testUnit, money("50.00"), billing.CreditAdjustment, "opening")
	require.NoError(t, err)

	engine := &billing.ProjectionEngine{
		Loader:  billing.NewLoader(src),
		Ledger:  billing.NewLedger(mem),
		Credit:  credit,
		Configs: billing.StaticConfigs{testUnit.ClientID: fivePercent(10)},
	}
	asOf := date(2025, time.February, 5)

	// WHEN: Projecting twice with no writes in between
	first, err := engine.Project(ctx, testUnit, asOf, billing.ProjectionOptions{})
	require.NoError(t, err)
	second, err := engine.Project(ctx, testUnit, asOf, billing.ProjectionOptions{})
	require.NoError(t, err)

	// THEN: Identical results, stored documents untouched
	assert.Equal(t, first, second)
	assert.Equal(t, money("900.00"), first.TotalRemaining)
	assert.Equal(t, money("850.00"), first.NetDue)
	assert.True(t, first.Discrepancy.Detected, "jan claims a payment the ledger never saw")

	bills, err := src.LoadBills(ctx, testUnit)
	require.NoError(t, err)
	for _, b := range bills {
		assert.Equal(t, int64(1), b.Version)
	}
}

func TestProjectionEngine_UnknownClientHasNoConfig(t *testing.T) {
	mem := store.NewMemory()
	src := newJSONSource(mem, billing.DomainRecurring)
	src.put(t, bill("jan", date(2025, time.January, 1), "950.00"))

	engine := &billing.ProjectionEngine{
		Loader:  billing.NewLoader(src),
		Ledger:  billing.NewLedger(mem),
		Credit:  billing.NewCreditLedger(mem),
		Configs: billing.StaticConfigs{},
	}

	_, err := engine.Project(context.Background(), testUnit, date(2025, time.March, 1), billing.ProjectionOptions{})
	assert.ErrorIs(t, err, billing.ErrMissingConfig)
}

func TestParseWaiver(t *testing.T) {
	id, amount, err := billing.ParseWaiver("recurring:2025-01:25.00")
	require.NoError(t, err)
	assert.Equal(t, billing.BillID("recurring:2025-01"), id)
	assert.Equal(t, money("25.00"), amount)

	for _, bad := range []string{"", "25.00", ":25.00", "jan:", "jan:abc", "jan:-1.00", "jan:0.001"} {
		_, _, err := billing.ParseWaiver(bad)
		assert.True(t, billing.IsClientError(err), "input %q", bad)
	}
}
