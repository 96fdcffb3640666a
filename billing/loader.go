package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// BILL SOURCES - One per billing domain
// =============================================================================

// BillSource loads one billing domain's raw records for a unit and
// normalizes them into Bills. Implementations are the only code that knows
// the domain's raw field names.
type BillSource interface {
	Domain() Domain

	// LoadBills returns the unit's bills for this domain.
	LoadBills(ctx context.Context, unit UnitRef) ([]Bill, error)

	// SaveBill writes the bill's paid and penalty fields back to its raw
	// document, using bill.Version for an optimistic update.
	SaveBill(ctx context.Context, bill Bill) error
}

// =============================================================================
// LOADER - Concurrent read fan-out, validation, scoping
// =============================================================================

// Loader reads bills from every configured source.
type Loader struct {
	Sources []BillSource
}

func NewLoader(sources ...BillSource) *Loader {
	return &Loader{Sources: sources}
}

// Load reads all sources concurrently, validates every bill, applies the
// optional scope and returns bills sorted by due date then id.
func (l *Loader) Load(ctx context.Context, unit UnitRef, scope *PeriodScope) ([]Bill, error) {
	if err := unit.Validate(); err != nil {
		return nil, err
	}
	results := make([][]Bill, len(l.Sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range l.Sources {
		if !scopeWantsDomain(scope, src.Domain()) {
			continue
		}
		i, src := i, src
		g.Go(func() error {
			bills, err := src.LoadBills(gctx, unit)
			if err != nil {
				return fmt.Errorf("load %s bills for %s: %w", src.Domain(), unit, err)
			}
			results[i] = bills
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var bills []Bill
	seen := make(map[BillID]bool)
	for _, batch := range results {
		for _, b := range batch {
			if err := b.Validate(); err != nil {
				return nil, err
			}
			if seen[b.ID] {
				return nil, &ValidationError{BillID: b.ID, Field: "id", Value: string(b.ID), Err: ErrInvalidBill}
			}
			seen[b.ID] = true
			if scope.Includes(b) {
				bills = append(bills, b)
			}
		}
	}
	SortBills(bills)
	return bills, nil
}

// Source returns the source for a domain, or nil.
func (l *Loader) Source(domain Domain) BillSource {
	for _, s := range l.Sources {
		if s.Domain() == domain {
			return s
		}
	}
	return nil
}

// SaveBill routes a bill to the source of its domain.
func (l *Loader) SaveBill(ctx context.Context, bill Bill) error {
	src := l.Source(bill.Domain)
	if src == nil {
		return &ValidationError{BillID: bill.ID, Field: "domain", Value: string(bill.Domain), Err: ErrInvalidBill}
	}
	return src.SaveBill(ctx, bill)
}

// WithStore returns a loader whose sources read and write through store.
// Sources that cannot be rebound are kept as is.
func (l *Loader) WithStore(store DocumentStore) *Loader {
	out := &Loader{Sources: make([]BillSource, len(l.Sources))}
	for i, s := range l.Sources {
		if r, ok := s.(StoreBinder); ok {
			out.Sources[i] = r.WithStore(store)
			continue
		}
		out.Sources[i] = s
	}
	return out
}

// StoreBinder is implemented by sources that can be rebound to another
// DocumentStore, typically the one handed out by TxStore.WithTx.
type StoreBinder interface {
	WithStore(store DocumentStore) BillSource
}

// DocumentPrefix returns the document path prefix of a unit's collection:
// clients/{client}/units/{unit}/{collection}/
func DocumentPrefix(unit UnitRef, collection string) string {
	return "clients/" + string(unit.ClientID) + "/units/" + string(unit.UnitID) + "/" + collection + "/"
}

// FieldMoney converts a raw decimal field into minor units, naming the bill
// and field in the validation error.
func FieldMoney(billID BillID, field string, d decimal.Decimal) (Money, error) {
	m, err := MoneyFromDecimal(d)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			return 0, &ValidationError{BillID: billID, Field: field, Value: ve.Value, Err: ve.Err}
		}
		return 0, err
	}
	if m < 0 {
		return 0, &ValidationError{BillID: billID, Field: field, Value: d.String(), Err: ErrInvalidBill}
	}
	return m, nil
}

func scopeWantsDomain(scope *PeriodScope, d Domain) bool {
	if scope == nil || len(scope.Domains) == 0 {
		return true
	}
	for _, sd := range scope.Domains {
		if sd == d {
			return true
		}
	}
	return false
}
