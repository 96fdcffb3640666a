// Package dues implements the recurring-dues billing domain.
// It normalizes raw monthly dues documents into billing.Bill values and
// groups the months of a fiscal quarter into one payment cohort when the
// client bills quarterly.
package dues

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/unit-billing/billing"
)

// Collection is the document collection holding dues records of a unit.
const Collection = "dues"

// =============================================================================
// SETTINGS
// =============================================================================

// Frequency is how often a client bills dues.
type Frequency string

const (
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
)

func (f Frequency) Valid() bool {
	return f == FrequencyMonthly || f == FrequencyQuarterly
}

// Settings is a client's dues configuration.
type Settings struct {
	Calendar  billing.FiscalCalendar
	Frequency Frequency
}

func (s Settings) Validate() error {
	if !s.Frequency.Valid() {
		return fmt.Errorf("dues frequency %q must be monthly or quarterly", s.Frequency)
	}
	return s.Calendar.Validate()
}

// SettingsLookup returns the dues settings of a client.
type SettingsLookup func(client billing.ClientID) (Settings, bool)

// =============================================================================
// RAW RECORD
// =============================================================================

// Record is the raw dues document of one fiscal month.
// Amounts are display values ("950.00").
type Record struct {
	FiscalYear  int             `json:"fiscal_year"`
	Month       int             `json:"month"` // fiscal month 1-12
	Amount      decimal.Decimal `json:"amount"`
	Paid        decimal.Decimal `json:"paid"`
	Penalty     decimal.Decimal `json:"penalty"`
	PenaltyPaid decimal.Decimal `json:"penalty_paid"`
	Notes       string          `json:"notes,omitempty"`
}

// BillID returns the normalized bill id of the record.
func (r Record) BillID() billing.BillID {
	return billing.BillID(fmt.Sprintf("%s:%d-%02d", billing.DomainRecurring, r.FiscalYear, r.Month))
}

// Path returns the document path of the record for a unit.
func (r Record) Path(unit billing.UnitRef) string {
	return billing.DocumentPrefix(unit, Collection) + fmt.Sprintf("%d-%02d", r.FiscalYear, r.Month)
}
