/*
reconcile.go - Derived-vs-stored discrepancy detection

PURPOSE:
  Bill documents say how much each bill has been paid. The transaction
  ledger says the same thing independently, as allocations. They should
  agree. This file compares the two and REPORTS every disagreement.

TWO SOURCES, JOINED BY BILL ID:
  stored    = bill.PrincipalPaid + bill.PenaltyPaid   (bill document)
  allocated = Σ allocation.Amount for bill.ID         (ledger only)
  delta     = stored - allocated

  |delta| <= 1 minor unit  -> consistent (rounding tolerance)
  delta > 0                -> bill document over-reports paid amount
  delta < 0                -> bill document under-reports paid amount

  Allocations whose bill is not in the compared set are listed as Orphans.

NEVER WRITES:
  Neither source is assumed more current. A manual edit can make the bill
  over-report; a crash between the ledger append and the bill write can make
  it under-report. Remediation is an operator decision, so nothing here
  corrects anything.

DISCREPANCY IS A VALUE:
  A mismatch is not an error. Reconcile always returns a report;
  ReconcileUnit only errors when it cannot read its sources.

SEE ALSO:
  - ledger.go: Source of allocations
  - projection.go: Attaches a report to every projection
*/
package billing

import (
	"context"

	"github.com/warp/unit-billing/metrics"
	"go.uber.org/zap"
)

// ReconcileTolerance is the largest |stored - allocated| treated as equal.
const ReconcileTolerance Money = 1

// DiscrepancyCause is a best-effort classification of a mismatch.
type DiscrepancyCause string

const (
	CauseOverReported  DiscrepancyCause = "over_reported"
	CauseUnderReported DiscrepancyCause = "under_reported"
	CauseUnknownBill   DiscrepancyCause = "unknown_bill"
)

// Description returns the operator-facing wording of the cause.
func (c DiscrepancyCause) Description() string {
	switch c {
	case CauseOverReported:
		return "bill document over-reports paid amount"
	case CauseUnderReported:
		return "bill document under-reports paid amount"
	case CauseUnknownBill:
		return "allocations reference a bill that was not found"
	}
	return string(c)
}

// Discrepancy is one bill whose stored paid amount disagrees with the ledger.
type Discrepancy struct {
	BillID  BillID
	Domain  Domain
	DueDate Date

	StoredPaid    Money
	AllocatedPaid Money
	Delta         Money // StoredPaid - AllocatedPaid

	StoredPrincipal    Money
	StoredPenalty      Money
	AllocatedPrincipal Money
	AllocatedPenalty   Money

	SuspectedCause     DiscrepancyCause
	NoAllocationsFound bool
	TransactionIDs     []TransactionID
}

// DiscrepancyReport is the result of one reconciliation.
type DiscrepancyReport struct {
	Detected      bool
	Primary       *Discrepancy  // first mismatch in due-date order
	Discrepancies []Discrepancy // all mismatches, Primary included
	Orphans       []Discrepancy // allocations to bills outside the compared set
	BillsChecked  int
}

type allocatedTotals struct {
	principal Money
	penalty   Money
	txIDs     []TransactionID
	seen      map[TransactionID]bool
}

func (t *allocatedTotals) total() Money { return t.principal + t.penalty }

// Reconcile compares every bill's stored paid amount against the sum of its
// ledger allocations.
func Reconcile(bills []Bill, allocations []Allocation) DiscrepancyReport {
	allocated := make(map[BillID]*allocatedTotals)
	var order []BillID
	for _, a := range allocations {
		t, ok := allocated[a.BillID]
		if !ok {
			t = &allocatedTotals{seen: make(map[TransactionID]bool)}
			allocated[a.BillID] = t
			order = append(order, a.BillID)
		}
		switch a.Kind {
		case AllocPenalty:
			t.penalty += a.Amount
		default:
			t.principal += a.Amount
		}
		if !t.seen[a.TransactionID] {
			t.seen[a.TransactionID] = true
			t.txIDs = append(t.txIDs, a.TransactionID)
		}
	}

	sorted := make([]Bill, len(bills))
	copy(sorted, bills)
	SortBills(sorted)

	report := DiscrepancyReport{BillsChecked: len(sorted)}
	known := make(map[BillID]bool, len(sorted))
	for _, b := range sorted {
		known[b.ID] = true

		t := allocated[b.ID]
		if t == nil {
			t = &allocatedTotals{}
		}
		stored := b.TotalPaid()
		delta := stored - t.total()
		if delta <= ReconcileTolerance && delta >= -ReconcileTolerance {
			continue
		}

		d := Discrepancy{
			BillID:             b.ID,
			Domain:             b.Domain,
			DueDate:            b.DueDate,
			StoredPaid:         stored,
			AllocatedPaid:      t.total(),
			Delta:              delta,
			StoredPrincipal:    b.PrincipalPaid,
			StoredPenalty:      b.PenaltyPaid,
			AllocatedPrincipal: t.principal,
			AllocatedPenalty:   t.penalty,
			NoAllocationsFound: len(t.txIDs) == 0,
			TransactionIDs:     t.txIDs,
			SuspectedCause:     CauseUnderReported,
		}
		if delta > 0 {
			d.SuspectedCause = CauseOverReported
		}
		report.Discrepancies = append(report.Discrepancies, d)
	}

	for _, id := range order {
		if known[id] {
			continue
		}
		t := allocated[id]
		report.Orphans = append(report.Orphans, Discrepancy{
			BillID:             id,
			AllocatedPaid:      t.total(),
			Delta:              -t.total(),
			AllocatedPrincipal: t.principal,
			AllocatedPenalty:   t.penalty,
			SuspectedCause:     CauseUnknownBill,
			TransactionIDs:     t.txIDs,
		})
	}

	if len(report.Discrepancies) > 0 {
		report.Detected = true
		report.Primary = &report.Discrepancies[0]
	}
	return report
}

// =============================================================================
// RECONCILER - Loads both sources for a unit
// =============================================================================

// Reconciler audits a unit's bill documents against its ledger.
type Reconciler struct {
	Loader *Loader
	Ledger Ledger
	Logger *zap.Logger
}

func NewReconciler(loader *Loader, ledger Ledger, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{Loader: loader, Ledger: ledger, Logger: logger}
}

// ReconcileUnit loads every bill and allocation of the unit and reconciles them.
func (r *Reconciler) ReconcileUnit(ctx context.Context, unit UnitRef) (*DiscrepancyReport, error) {
	bills, err := r.Loader.Load(ctx, unit, nil)
	if err != nil {
		return nil, err
	}
	allocs, err := r.Ledger.Allocations(ctx, unit)
	if err != nil {
		return nil, err
	}
	report := Reconcile(bills, allocs)
	r.log(unit, report)
	return &report, nil
}

func (r *Reconciler) log(unit UnitRef, report DiscrepancyReport) {
	logger := r.Logger
	if logger == nil {
		return
	}
	for _, d := range report.Discrepancies {
		metrics.ObserveDiscrepancy(string(d.SuspectedCause))
		logger.Warn("bill discrepancy detected",
			zap.String("unit", unit.Key()),
			zap.String("bill_id", string(d.BillID)),
			zap.Int64("stored_paid", int64(d.StoredPaid)),
			zap.Int64("allocated_paid", int64(d.AllocatedPaid)),
			zap.Int64("delta", int64(d.Delta)),
			zap.String("suspected_cause", d.SuspectedCause.Description()),
			zap.Bool("no_allocations_found", d.NoAllocationsFound),
		)
	}
	for _, o := range report.Orphans {
		metrics.ObserveDiscrepancy(string(o.SuspectedCause))
		logger.Warn("orphan allocations",
			zap.String("unit", unit.Key()),
			zap.String("bill_id", string(o.BillID)),
			zap.Int64("allocated_paid", int64(o.AllocatedPaid)),
		)
	}
}
