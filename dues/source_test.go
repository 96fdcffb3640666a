package dues

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/unit-billing/billing"
	"github.com/warp/unit-billing/billing/store"
)

var unit = billing.UnitRef{ClientID: "maple-court", UnitID: "12B"}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func julyCalendar() billing.FiscalCalendar {
	return billing.FiscalCalendar{StartMonth: time.July, DueDayOffset: 9}
}

func TestNormalize_Monthly(t *testing.T) {
	rec := Record{FiscalYear: 2026, Month: 7, Amount: dec("950.00"), Paid: dec("400")}

	bill, err := Normalize(unit, rec, Settings{Calendar: julyCalendar(), Frequency: FrequencyMonthly})
	require.NoError(t, err)

	assert.Equal(t, billing.BillID("recurring:2026-07"), bill.ID)
	assert.Equal(t, billing.DomainRecurring, bill.Domain)
	assert.Equal(t, billing.NewDate(2026, time.January, 1), bill.PeriodStart)
	assert.Equal(t, billing.NewDate(2026, time.January, 10), bill.DueDate)
	assert.Equal(t, "recurring:2026-M07", bill.CohortKey)
	assert.Equal(t, billing.Money(95000), bill.PrincipalDue)
	assert.Equal(t, billing.Money(40000), bill.PrincipalPaid)
	assert.Equal(t, billing.StatusPartial, bill.Status())
	assert.NoError(t, bill.Validate())
}

func TestNormalize_QuarterlySharesCohortAndDueDate(t *testing.T) {
	settings := Settings{Calendar: julyCalendar(), Frequency: FrequencyQuarterly}

	// GIVEN: The three months of fiscal Q3
	var bills []billing.Bill
	for month := 7; month <= 9; month++ {
		b, err := Normalize(unit, Record{FiscalYear: 2026, Month: month, Amount: dec("300")}, settings)
		require.NoError(t, err)
		bills = append(bills, b)
	}

	// THEN: One cohort, one due date, distinct periods
	for _, b := range bills {
		assert.Equal(t, "recurring:2026-Q3", b.CohortKey)
		assert.Equal(t, billing.NewDate(2026, time.January, 10), b.DueDate)
	}
	assert.Equal(t, billing.NewDate(2026, time.March, 1), bills[2].PeriodStart)
}

func TestNormalize_RejectsBadRecords(t *testing.T) {
	settings := Settings{Calendar: julyCalendar(), Frequency: FrequencyMonthly}

	tests := []struct {
		name  string
		rec   Record
		field string
	}{
		{"month out of range", Record{FiscalYear: 2026, Month: 13, Amount: dec("1")}, "month"},
		{"missing year", Record{Month: 1, Amount: dec("1")}, "fiscal_year"},
		{"negative amount", Record{FiscalYear: 2026, Month: 1, Amount: dec("-1")}, "amount"},
		{"sub-minor paid", Record{FiscalYear: 2026, Month: 1, Amount: dec("1"), Paid: dec("0.001")}, "paid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(unit, tt.rec, settings)
			var ve *billing.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
			assert.True(t, billing.IsClientError(err))
		})
	}
}

func TestSource_LoadAndSaveRoundTrip(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	settings := Settings{Calendar: julyCalendar(), Frequency: FrequencyMonthly}
	src := NewSource(mem, func(billing.ClientID) (Settings, bool) { return settings, true })

	// GIVEN: A dues document with notes the engine does not know about
	path, err := src.Put(ctx, unit, Record{FiscalYear: 2026, Month: 7, Amount: dec("950.00"), Notes: "keep me"})
	require.NoError(t, err)
	assert.Equal(t, "clients/maple-court/units/12B/dues/2026-07", path)

	bills, err := src.LoadBills(ctx, unit)
	require.NoError(t, err)
	require.Len(t, bills, 1)

	// WHEN: Writing back a paid bill with a penalty
	b := bills[0]
	b.PenaltyDue = 2500
	b.PenaltyPaid = 2500
	b.PrincipalPaid = b.PrincipalDue
	require.NoError(t, src.SaveBill(ctx, b))

	// THEN: Only paid and penalty fields change
	doc, err := mem.Get(ctx, path)
	require.NoError(t, err)
	var rec Record
	require.NoError(t, json.Unmarshal(doc.Data, &rec))
	assert.True(t, rec.Paid.Equal(dec("950")))
	assert.True(t, rec.Penalty.Equal(dec("25")))
	assert.True(t, rec.PenaltyPaid.Equal(dec("25")))
	assert.True(t, rec.Amount.Equal(dec("950")))
	assert.Equal(t, "keep me", rec.Notes)

	// AND: A stale version loses
	assert.ErrorIs(t, src.SaveBill(ctx, b), billing.ErrConcurrentModification)
}

func TestSource_MissingSettings(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	src := NewSource(mem, func(billing.ClientID) (Settings, bool) { return Settings{}, false })

	// GIVEN: No documents, nothing to normalize
	bills, err := src.LoadBills(ctx, unit)
	require.NoError(t, err)
	assert.Empty(t, bills)

	// WHEN: A document exists for a client without settings
	_, err = src.Put(ctx, unit, Record{FiscalYear: 2026, Month: 1, Amount: dec("1")})
	require.NoError(t, err)
	_, err = src.LoadBills(ctx, unit)

	// THEN: Fails instead of guessing a calendar
	assert.ErrorIs(t, err, billing.ErrMissingConfig)
}

func TestSettings_Validate(t *testing.T) {
	assert.NoError(t, Settings{Frequency: FrequencyMonthly}.Validate())
	assert.Error(t, Settings{Frequency: "weekly"}.Validate())
	assert.Error(t, Settings{Frequency: FrequencyQuarterly, Calendar: billing.FiscalCalendar{DueDayOffset: 40}}.Validate())
}
