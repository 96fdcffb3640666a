package dues

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/warp/unit-billing/billing"
)

// =============================================================================
// NORMALIZER
// =============================================================================

// Normalize converts a raw dues record into a bill.
//
//	monthly:   due = month start + offset,   cohort recurring:{fy}-M{mm}
//	quarterly: due = quarter start + offset, cohort recurring:{fy}-Q{n}
func Normalize(unit billing.UnitRef, rec Record, settings Settings) (billing.Bill, error) {
	id := rec.BillID()
	if rec.FiscalYear <= 0 {
		return billing.Bill{}, &billing.ValidationError{BillID: id, Field: "fiscal_year", Value: fmt.Sprint(rec.FiscalYear), Err: billing.ErrInvalidBill}
	}
	if rec.Month < 1 || rec.Month > 12 {
		return billing.Bill{}, &billing.ValidationError{BillID: id, Field: "month", Value: fmt.Sprint(rec.Month), Err: billing.ErrInvalidBill}
	}

	cal := settings.Calendar
	start, err := cal.MonthStart(rec.FiscalYear, rec.Month)
	if err != nil {
		return billing.Bill{}, err
	}

	var (
		due    billing.Date
		cohort string
	)
	switch settings.Frequency {
	case FrequencyQuarterly:
		q := billing.QuarterOf(rec.Month)
		due, err = cal.QuarterDue(rec.FiscalYear, q)
		cohort = fmt.Sprintf("%s:%d-Q%d", billing.DomainRecurring, rec.FiscalYear, q)
	default:
		due, err = cal.MonthDue(rec.FiscalYear, rec.Month)
		cohort = fmt.Sprintf("%s:%d-M%02d", billing.DomainRecurring, rec.FiscalYear, rec.Month)
	}
	if err != nil {
		return billing.Bill{}, err
	}

	bill := billing.Bill{
		ID:          id,
		Unit:        unit,
		Domain:      billing.DomainRecurring,
		PeriodStart: start,
		DueDate:     due,
		CohortKey:   cohort,
		Path:        rec.Path(unit),
	}
	if bill.PrincipalDue, err = billing.FieldMoney(id, "amount", rec.Amount); err != nil {
		return billing.Bill{}, err
	}
	if bill.PrincipalPaid, err = billing.FieldMoney(id, "paid", rec.Paid); err != nil {
		return billing.Bill{}, err
	}
	if bill.PenaltyDue, err = billing.FieldMoney(id, "penalty", rec.Penalty); err != nil {
		return billing.Bill{}, err
	}
	if bill.PenaltyPaid, err = billing.FieldMoney(id, "penalty_paid", rec.PenaltyPaid); err != nil {
		return billing.Bill{}, err
	}
	return bill, nil
}

// =============================================================================
// SOURCE - billing.BillSource over the document store
// =============================================================================

// Source loads and saves dues documents.
type Source struct {
	Store    billing.DocumentStore
	Settings SettingsLookup
}

var (
	_ billing.BillSource  = (*Source)(nil)
	_ billing.StoreBinder = (*Source)(nil)
)

func NewSource(store billing.DocumentStore, settings SettingsLookup) *Source {
	return &Source{Store: store, Settings: settings}
}

func (s *Source) Domain() billing.Domain { return billing.DomainRecurring }

// WithStore returns a copy of the source bound to store.
func (s *Source) WithStore(store billing.DocumentStore) billing.BillSource {
	return &Source{Store: store, Settings: s.Settings}
}

func (s *Source) settings(client billing.ClientID) (Settings, error) {
	if s.Settings == nil {
		return Settings{}, fmt.Errorf("no dues settings for client %s: %w", client, billing.ErrMissingConfig)
	}
	st, ok := s.Settings(client)
	if !ok {
		return Settings{}, fmt.Errorf("no dues settings for client %s: %w", client, billing.ErrMissingConfig)
	}
	return st, nil
}

// LoadBills reads every dues document of the unit.
func (s *Source) LoadBills(ctx context.Context, unit billing.UnitRef) ([]billing.Bill, error) {
	docs, err := s.Store.List(ctx, billing.DocumentPrefix(unit, Collection))
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	settings, err := s.settings(unit.ClientID)
	if err != nil {
		return nil, err
	}

	bills := make([]billing.Bill, 0, len(docs))
	for _, doc := range docs {
		var rec Record
		if err := json.Unmarshal(doc.Data, &rec); err != nil {
			return nil, &billing.ValidationError{Field: "document", Value: doc.Path, Err: fmt.Errorf("%w: %v", billing.ErrInvalidBill, err)}
		}
		bill, err := Normalize(unit, rec, settings)
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
func (s *Source) SaveBill(ctx context.Context, bill billing.Bill) error {
	doc, err := s.Store.Get(ctx, bill.Path)
	if err != nil {
		return err
	}
	var rec Record
	if err := json.Unmarshal(doc.Data, &rec); err != nil {
		return &billing.ValidationError{BillID: bill.ID, Field: "document", Value: doc.Path, Err: fmt.Errorf("%w: %v", billing.ErrInvalidBill, err)}
	}
	rec.Paid = bill.PrincipalPaid.Decimal()
	rec.Penalty = bill.PenaltyDue.Decimal()
	rec.PenaltyPaid = bill.PenaltyPaid.Decimal()

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.Store.Update(ctx, bill.Path, data, bill.Version)
	return err
}

// Put creates or replaces the dues document of a unit and month.
func (s *Source) Put(ctx context.Context, unit billing.UnitRef, rec Record) (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	path := rec.Path(unit)
	if _, err := s.Store.Set(ctx, path, data); err != nil {
		return "", err
	}
	return path, nil
}
