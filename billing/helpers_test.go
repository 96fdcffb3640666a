package billing_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/unit-billing/billing"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var testUnit = billing.UnitRef{ClientID: "maple-court", UnitID: "12B"}

func money(s string) billing.Money {
	return billing.MustParseMoney(s)
}

func date(year int, month time.Month, day int) billing.Date {
	return billing.NewDate(year, month, day)
}

// bill builds an unpaid bill that is its own cohort.
func bill(id string, due billing.Date, principal string) billing.Bill {
	return billing.Bill{
		ID:           billing.BillID(id),
		Unit:         testUnit,
		Domain:       billing.DomainRecurring,
		PeriodStart:  due,
		DueDate:      due,
		PrincipalDue: money(principal),
	}
}

func inCohort(b billing.Bill, key string) billing.Bill {
	b.CohortKey = key
	return b
}

func withPaid(b billing.Bill, principalPaid string) billing.Bill {
	b.PrincipalPaid = money(principalPaid)
	return b
}

func fivePercent(grace int) billing.PenaltyConfigs {
	cfg := billing.PenaltyConfig{Rate: decimal.RequireFromString("0.05"), GraceDays: grace}
	return billing.PenaltyConfigs{
		billing.DomainRecurring: cfg,
		billing.DomainMetered:   cfg,
	}
}

// jsonSource is a BillSource that stores normalized bills as JSON documents.
type jsonSource struct {
	store  billing.DocumentStore
	domain billing.Domain
}

func newJSONSource(store billing.DocumentStore, domain billing.Domain) *jsonSource {
	return &jsonSource{store: store, domain: domain}
}

func (s *jsonSource) Domain() billing.Domain { return s.domain }

func (s *jsonSource) WithStore(store billing.DocumentStore) billing.BillSource {
	return &jsonSource{store: store, domain: s.domain}
}

func (s *jsonSource) path(unit billing.UnitRef, id billing.BillID) string {
	return billing.DocumentPrefix(unit, string(s.domain)) + string(id)
}

func (s *jsonSource) LoadBills(ctx context.Context, unit billing.UnitRef) ([]billing.Bill, error) {
	docs, err := s.store.List(ctx, billing.DocumentPrefix(unit, string(s.domain)))
	if err != nil {
		return nil, err
	}
	var bills []billing.Bill
	for _, doc := range docs {
		var b billing.Bill
		if err := json.Unmarshal(doc.Data, &b); err != nil {
			return nil, err
		}
		b.Path = doc.Path
		b.Version = doc.Version
		bills = append(bills, b)
	}
	return bills, nil
}

func (s *jsonSource) SaveBill(ctx context.Context, b billing.Bill) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	_, err = s.store.Update(ctx, b.Path, data, b.Version)
	return err
}

func (s *jsonSource) put(t *testing.T, bills ...billing.Bill) {
	t.Helper()
	for _, b := range bills {
		b.Domain = s.domain
		data, err := json.Marshal(b)
		require.NoError(t, err)
		_, err = s.store.Set(context.Background(), s.path(b.Unit, b.ID), data)
		require.NoError(t, err)
	}
}

func billByID(t *testing.T, bills []billing.Bill, id string) billing.Bill {
	t.Helper()
	for _, b := range bills {
		if b.ID == billing.BillID(id) {
			return b
		}
	}
	t.Fatalf("bill %s not found", id)
	return billing.Bill{}
}
