/*
projection.go - Payment-ready view of what a unit owes

PURPOSE:
  Answers "how much does this unit owe as of date X, and how much credit
  does it have?" A caller uses the projection to decide how much to pay and
  to preview the effect before recording anything.

PENALTIES ARE ALWAYS REFRESHED:
  Stored penalty values are treated as stale. Every projection recomputes
  PenaltyDue as of AsOf. A projection showing a 0.00 penalty on a bill that
  is months overdue is exactly the failure this prevents.

PROCESS:
  1. Load every bill of the unit, keep those inside the scope
  2. Refresh penalties as of AsOf (MissingConfig if a domain has no config)
  3. Apply waivers: PenaltyDue -= waived, never below what was collected
  4. Drop excluded bills
  5. remaining = TotalDue - TotalPaid per bill (negative = InvariantViolation)
  6. Reconcile all loaded bills, scoped or not, against the ledger
     (informational only)
  7. Sort by due date, total everything up

  NetDue = max(0, TotalRemaining - AvailableCredit)

PURE READ:
  Project never writes. Two calls with the same inputs and no writes in
  between return identical projections.

EXAMPLE:
  proj, err := engine.Project(ctx, unit, billing.NewDate(2025, 3, 15), billing.ProjectionOptions{
      WaivedPenalties: map[billing.BillID]billing.Money{"recurring:2025-01": 2500},
  })
  fmt.Println(proj.NetDue)

SEE ALSO:
  - penalty.go: ApplyPenalties
  - reconcile.go: Discrepancy report attached to the projection
  - payment.go: Preview builds on a projection
*/
package billing

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/warp/unit-billing/metrics"
)

// =============================================================================
// CONFIG SOURCE - Explicit penalty configuration per client
// =============================================================================

// ConfigSource supplies the immutable penalty configuration of a client.
type ConfigSource interface {
	PenaltyConfigs(ctx context.Context, client ClientID) (PenaltyConfigs, error)
}

// StaticConfigs is a fixed ConfigSource. An unknown client has no config,
// so penalty calculation for its bills fails with ErrMissingConfig.
type StaticConfigs map[ClientID]PenaltyConfigs

func (s StaticConfigs) PenaltyConfigs(_ context.Context, client ClientID) (PenaltyConfigs, error) {
	return s[client], nil
}

// =============================================================================
// PROJECTION TYPES
// =============================================================================

// ProjectionOptions adjusts what a projection considers.
type ProjectionOptions struct {
	WaivedPenalties map[BillID]Money // penalty amount waived per bill
	ExcludedBills   []BillID         // bills removed from consideration
	Scope           *PeriodScope     // optional due-date/domain restriction
}

func (o ProjectionOptions) excluded() map[BillID]bool {
	m := make(map[BillID]bool, len(o.ExcludedBills))
	for _, id := range o.ExcludedBills {
		m[id] = true
	}
	return m
}

// ParseWaiver parses a "bill_id:amount" waiver. Bill ids contain colons,
// so the amount is everything after the last one.
func ParseWaiver(s string) (BillID, Money, error) {
	i := strings.LastIndex(s, ":")
	if i <= 0 || i == len(s)-1 {
		return "", 0, &ValidationError{Field: "waive", Value: s, Err: ErrInvalidPayment}
	}
	amount, err := ParseMoney(s[i+1:])
	if err != nil {
		return "", 0, err
	}
	if amount < 0 {
		return "", 0, &ValidationError{BillID: BillID(s[:i]), Field: "waive", Value: s, Err: ErrInvalidPayment}
	}
	return BillID(s[:i]), amount, nil
}

// ProjectedBill is a bill with its refreshed penalty and remaining amount.
type ProjectedBill struct {
	Bill          Bill // PenaltyDue refreshed and waived
	StoredPenalty Money
	PenaltyWaived Money
	Remaining     Money
	Status        BillStatus
}

// Projection is the payment-ready view of a unit.
type Projection struct {
	Unit UnitRef
	AsOf Date

	Bills []ProjectedBill

	AvailableCredit Money
	TotalPrincipal  Money // unpaid principal across projected bills
	TotalPenalty    Money // unpaid penalty across projected bills
	TotalRemaining  Money
	NetDue          Money
	ExcludedBillIDs []BillID
	Discrepancy     DiscrepancyReport
}

// Payable returns the projected bills in due-date order, ready to distribute.
func (p *Projection) Payable() []Bill {
	bills := make([]Bill, 0, len(p.Bills))
	for _, pb := range p.Bills {
		bills = append(bills, pb.Bill)
	}
	return bills
}

// ProjectionInput contains everything BuildProjection needs.
type ProjectionInput struct {
	Unit        UnitRef
	AsOf        Date
	Bills       []Bill
	Allocations []Allocation
	Credit      Money

	// Ledgered is the unscoped bill set reconciled against Allocations.
	// Nil means Bills.
	Ledgered []Bill
	Penalties   PenaltyConfigs
	Options     ProjectionOptions
}

// BuildProjection computes a projection from already-loaded inputs.
func BuildProjection(in ProjectionInput) (*Projection, error) {
	if in.AsOf.IsZero() {
		return nil, &ValidationError{Field: "as_of", Value: "", Err: ErrInvalidPayment}
	}
	if in.Credit < 0 {
		return nil, &InvariantViolationError{Invariant: "credit_non_negative", Detail: fmt.Sprintf("available credit %s", in.Credit)}
	}

	ledgered := in.Ledgered
	if ledgered == nil {
		ledgered = in.Bills
	}

	excluded := in.Options.excluded()
	var considered []Bill
	for _, b := range in.Bills {
		if !excluded[b.ID] {
			considered = append(considered, b)
		}
	}

	refreshed, err := ApplyPenalties(considered, in.AsOf, in.Penalties)
	if err != nil {
		return nil, err
	}

	stored := make(map[BillID]Money, len(considered))
	for _, b := range considered {
		stored[b.ID] = b.PenaltyDue
	}

	proj := &Projection{
		Unit:            in.Unit,
		AsOf:            in.AsOf,
		AvailableCredit: in.Credit,
		Discrepancy:     Reconcile(ledgered, in.Allocations),
	}
	proj.ExcludedBillIDs = append(proj.ExcludedBillIDs, in.Options.ExcludedBills...)

	for _, b := range refreshed {
		pb := ProjectedBill{StoredPenalty: stored[b.ID]}
		if waived, ok := in.Options.WaivedPenalties[b.ID]; ok && waived > 0 {
			reduced := MaxMoney(b.PenaltyDue-waived, MaxMoney(0, b.PenaltyPaid))
			pb.PenaltyWaived = b.PenaltyDue - reduced
			b.PenaltyDue = reduced
		}
		pb.Bill = b
		pb.Remaining = b.Remaining()
		if pb.Remaining < 0 {
			return nil, &InvariantViolationError{
				Invariant: "remaining_non_negative",
				BillID:    b.ID,
				Detail:    fmt.Sprintf("remaining %s", pb.Remaining),
			}
		}
		pb.Status = b.Status()

		proj.TotalPrincipal += b.UnpaidPrincipal()
		proj.TotalPenalty += b.UnpaidPenalty()
		proj.TotalRemaining += pb.Remaining
		proj.Bills = append(proj.Bills, pb)
	}

	SortProjected(proj.Bills)
	proj.NetDue = MaxMoney(0, proj.TotalRemaining-proj.AvailableCredit)
	return proj, nil
}

// SortProjected orders projected bills by due date, then id.
func SortProjected(bills []ProjectedBill) {
	sort.SliceStable(bills, func(i, j int) bool {
		a, b := bills[i].Bill, bills[j].Bill
		if !a.DueDate.Equal(b.DueDate) {
			return a.DueDate.Before(b.DueDate)
		}
		return a.ID < b.ID
	})
}

// =============================================================================
// PROJECTION ENGINE - Loads inputs for a unit
// =============================================================================

// ProjectionEngine builds projections from the stores.
type ProjectionEngine struct {
	Loader  *Loader
	Ledger  Ledger
	Credit  *CreditLedger
	Configs ConfigSource
}

// Project loads the unit's bills, allocations, credit and penalty config and
// builds a projection as of asOf.
func (pe *ProjectionEngine) Project(ctx context.Context, unit UnitRef, asOf Date, opts ProjectionOptions) (*Projection, error) {
	proj, err := pe.project(ctx, unit, asOf, opts)
	if err != nil {
		metrics.ObserveProjection(metrics.ResultError)
		return nil, err
	}
	metrics.ObserveProjection(metrics.ResultSuccess)
	return proj, nil
}

func (pe *ProjectionEngine) project(ctx context.Context, unit UnitRef, asOf Date, opts ProjectionOptions) (*Projection, error) {
	// Allocations cover the whole unit, so reconcile against every bill
	// and scope only what gets projected.
	all, err := pe.Loader.Load(ctx, unit, nil)
	if err != nil {
		return nil, err
	}
	bills := all
	if opts.Scope != nil {
		bills = nil
		for _, b := range all {
			if opts.Scope.Includes(b) {
				bills = append(bills, b)
			}
		}
	}
	allocs, err := pe.Ledger.Allocations(ctx, unit)
	if err != nil {
		return nil, err
	}
	credit, err := pe.Credit.Balance(ctx, unit)
	if err != nil {
		return nil, err
	}
	penalties, err := pe.penalties(ctx, unit.ClientID)
	if err != nil {
		return nil, err
	}
	return BuildProjection(ProjectionInput{
		Unit:        unit,
		AsOf:        asOf,
		Bills:       bills,
		Allocations: allocs,
		Credit:      credit,
		Penalties:   penalties,
		Options:     opts,
		Ledgered:    all,
	})
}

func (pe *ProjectionEngine) penalties(ctx context.Context, client ClientID) (PenaltyConfigs, error) {
	if pe.Configs == nil {
		return nil, nil
	}
	return pe.Configs.PenaltyConfigs(ctx, client)
}
