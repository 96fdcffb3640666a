/*
Package utilities implements the metered-consumption billing domain.

PURPOSE:
  A meter charge is one fiscal month of consumption for one unit (water,
  electricity). Its principal comes from the meter readings unless the
  document carries an explicit amount_due override:

    principal = round((current_reading - previous_reading) * rate + service_charge, 2)

  Rounding is half-up to the minor unit. A reading that goes backwards is
  rejected at the loader boundary. Each month is its own payment cohort.

RAW DOCUMENT:
  clients/{client}/units/{unit}/utilities/{fy}-{mm}
  {
    "fiscal_year": 2025, "month": 3,
    "previous_reading": "1200", "current_reading": "1260",
    "rate": "2.5", "service_charge": "100.00",
    "paid": "0", "penalty": "0", "penalty_paid": "0"
  }

SEE ALSO:
  - dues: the recurring-dues domain
  - billing/loader.go: BillSource contract
*/
package utilities

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/unit-billing/billing"
)

// Collection is the document collection holding meter charges of a unit.
const Collection = "utilities"

// CalendarLookup returns the fiscal calendar of a client.
type CalendarLookup func(client billing.ClientID) (billing.FiscalCalendar, bool)

// MeterCharge is the raw document of one metered month.
type MeterCharge struct {
	FiscalYear      int              `json:"fiscal_year"`
	Month           int              `json:"month"`
	PreviousReading decimal.Decimal  `json:"previous_reading"`
	CurrentReading  decimal.Decimal  `json:"current_reading"`
	Rate            decimal.Decimal  `json:"rate"`
	ServiceCharge   decimal.Decimal  `json:"service_charge"`
	AmountDue       *decimal.Decimal `json:"amount_due,omitempty"`
	Paid            decimal.Decimal  `json:"paid"`
	Penalty         decimal.Decimal  `json:"penalty"`
	PenaltyPaid     decimal.Decimal  `json:"penalty_paid"`
	Notes           string           `json:"notes,omitempty"`
}

func (c MeterCharge) BillID() billing.BillID {
	return billing.BillID(fmt.Sprintf("%s:%d-%02d", billing.DomainMetered, c.FiscalYear, c.Month))
}

func (c MeterCharge) Path(unit billing.UnitRef) string {
	return billing.DocumentPrefix(unit, Collection) + fmt.Sprintf("%d-%02d", c.FiscalYear, c.Month)
}

// Consumption returns current minus previous reading.
func (c MeterCharge) Consumption() decimal.Decimal {
	return c.CurrentReading.Sub(c.PreviousReading)
}

// Principal returns the amount owed for the month as a display value.
func (c MeterCharge) Principal() (decimal.Decimal, error) {
	if c.AmountDue != nil {
		return *c.AmountDue, nil
	}
	consumption := c.Consumption()
	if consumption.IsNegative() {
		return decimal.Zero, &billing.ValidationError{
			BillID: c.BillID(),
			Field:  "current_reading",
			Value:  c.CurrentReading.String(),
			Err:    billing.ErrInvalidBill,
		}
	}
	return consumption.Mul(c.Rate).Add(c.ServiceCharge).Round(billing.MinorUnitExponent), nil
}
