package utilities

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/warp/unit-billing/billing"
)

// Normalize converts a meter charge into a bill. The bill is its own cohort.
func Normalize(unit billing.UnitRef, c MeterCharge, cal billing.FiscalCalendar) (billing.Bill, error) {
	id := c.BillID()
	if c.FiscalYear <= 0 {
		return billing.Bill{}, &billing.ValidationError{BillID: id, Field: "fiscal_year", Value: fmt.Sprint(c.FiscalYear), Err: billing.ErrInvalidBill}
	}
	if c.Month < 1 || c.Month > 12 {
		return billing.Bill{}, &billing.ValidationError{BillID: id, Field: "month", Value: fmt.Sprint(c.Month), Err: billing.ErrInvalidBill}
	}
	if c.Rate.IsNegative() {
		return billing.Bill{}, &billing.ValidationError{BillID: id, Field: "rate", Value: c.Rate.String(), Err: billing.ErrInvalidBill}
	}

	start, err := cal.MonthStart(c.FiscalYear, c.Month)
	if err != nil {
		return billing.Bill{}, err
	}
	due, err := cal.MonthDue(c.FiscalYear, c.Month)
	if err != nil {
		return billing.Bill{}, err
	}
	principal, err := c.Principal()
	if err != nil {
		return billing.Bill{}, err
	}

	bill := billing.Bill{
		ID:          id,
		Unit:        unit,
		Domain:      billing.DomainMetered,
		PeriodStart: start,
		DueDate:     due,
		Path:        c.Path(unit),
	}
	if bill.PrincipalDue, err = billing.FieldMoney(id, "amount_due", principal); err != nil {
		return billing.Bill{}, err
	}
	if bill.PrincipalPaid, err = billing.FieldMoney(id, "paid", c.Paid); err != nil {
		return billing.Bill{}, err
	}
	if bill.PenaltyDue, err = billing.FieldMoney(id, "penalty", c.Penalty); err != nil {
		return billing.Bill{}, err
	}
	if bill.PenaltyPaid, err = billing.FieldMoney(id, "penalty_paid", c.PenaltyPaid); err != nil {
		return billing.Bill{}, err
	}
	return bill, nil
}

// Source loads and saves meter charge documents.
type Source struct {
	Store     billing.DocumentStore
	Calendars CalendarLookup
}

var (
	_ billing.BillSource  = (*Source)(nil)
	_ billing.StoreBinder = (*Source)(nil)
)

func NewSource(store billing.DocumentStore, calendars CalendarLookup) *Source {
	return &Source{Store: store, Calendars: calendars}
}

func (s *Source) Domain() billing.Domain { return billing.DomainMetered }

func (s *Source) WithStore(store billing.DocumentStore) billing.BillSource {
	return &Source{Store: store, Calendars: s.Calendars}
}

func (s *Source) calendar(client billing.ClientID) (billing.FiscalCalendar, error) {
	if s.Calendars == nil {
		return billing.FiscalCalendar{}, fmt.Errorf("no fiscal calendar for client %s: %w", client, billing.ErrMissingConfig)
	}
	cal, ok := s.Calendars(client)
	if !ok {
		return billing.FiscalCalendar{}, fmt.Errorf("no fiscal calendar for client %s: %w", client, billing.ErrMissingConfig)
	}
	return cal, nil
}

func (s *Source) LoadBills(ctx context.Context, unit billing.UnitRef) ([]billing.Bill, error) {
	docs, err := s.Store.List(ctx, billing.DocumentPrefix(unit, Collection))
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}

	cal, err := s.calendar(unit.ClientID)
	if err != nil {
		return nil, err
	}

	bills := make([]billing.Bill, 0, len(docs))
	for _, doc := range docs {
		var charge MeterCharge
		if err := json.Unmarshal(doc.Data, &charge); err != nil {
			return nil, &billing.ValidationError{Field: "document", Value: doc.Path, Err: fmt.Errorf("%w: %v", billing.ErrInvalidBill, err)}
		}
		bill, err := Normalize(unit, charge, cal)
		if err != nil {
			return nil, err
		}
		bill.Path = doc.Path
		bill.Version = doc.Version
		bills = append(bills, bill)
	}
	return bills, nil
}

// SaveBill writes paid and penalty fields back to the raw document.
// Readings and rates are never touched.
func (s *Source) SaveBill(ctx context.Context, bill billing.Bill) error {
	doc, err := s.Store.Get(ctx, bill.Path)
	if err != nil {
		return err
	}
	var charge MeterCharge
	if err := json.Unmarshal(doc.Data, &charge); err != nil {
		return &billing.ValidationError{BillID: bill.ID, Field: "document", Value: doc.Path, Err: fmt.Errorf("%w: %v", billing.ErrInvalidBill, err)}
	}
	charge.Paid = bill.PrincipalPaid.Decimal()
	charge.Penalty = bill.PenaltyDue.Decimal()
	charge.PenaltyPaid = bill.PenaltyPaid.Decimal()

	data, err := json.Marshal(charge)
	if err != nil {
		return err
	}
	_, err = s.Store.Update(ctx, bill.Path, data, bill.Version)
	return err
}

// Put creates or replaces the meter charge document of a unit and month.
func (s *Source) Put(ctx context.Context, unit billing.UnitRef, c MeterCharge) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	path := c.Path(unit)
	if _, err := s.Store.Set(ctx, path, data); err != nil {
		return "", err
	}
	return path, nil
}
