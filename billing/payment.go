/*
payment.go - Payment preview and recording

PURPOSE:
  Orchestrates the write path: projection -> distribution -> writes.
  Preview runs the first two and stops. Record runs all three.

RECORD FLOW:
  1. Validate the payment at the boundary (id, unit, amount > 0, date)
  2. Reject a payment id already on the ledger (ErrDuplicatePayment)
  3. Project as of the payment date: fresh bills, fresh penalties, fresh credit
  4. Distribute
  5. Write, strictly in this order:
       a. ledger record with allocations   (source of truth)
       b. bill documents that received money
       c. credit entries: consumption, then overpayment

ATOMICITY:
  ┌──────────────┬──────────────────────────────────────────────────────┐
  │ Store        │ Failure behavior                                     │
  ├──────────────┼──────────────────────────────────────────────────────┤
  │ TxStore      │ all writes in one WithTx, rolled back on any error   │
  │              │ -> CommitError{Committed: false}                     │
  │ plain Store  │ failure at the ledger write -> Committed: false      │
  │              │ failure after it -> Committed: true (re-derive)      │
  └──────────────┴──────────────────────────────────────────────────────┘

  Writes are sequential; later writes depend on earlier totals.
  Reads and computation errors (missing config, invariant violation) happen
  before any write and are returned as is.

SEE ALSO:
  - projection.go: Pre-payment view
  - distribution.go: The allocation algorithm
  - reconcile.go: Detects bill documents left behind by a partial commit
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/warp/unit-billing/metrics"
	"go.uber.org/zap"
)

// =============================================================================
// PAYMENT SERVICE
// =============================================================================

// PaymentOutcome is what a preview computed or a recording wrote.
type PaymentOutcome struct {
	Payment      Payment
	Projection   *Projection // state before the payment
	Distribution *DistributionResult

	// Set only by Record.
	Record        *PaymentRecord
	CreditEntries []CreditEntry
}

// PaymentService previews and records payments for units.
type PaymentService struct {
	Store   Store // a TxStore gets atomic recording
	Loader  *Loader
	Configs ConfigSource
	Logger  *zap.Logger
	Now     func() time.Time
}

func NewPaymentService(store Store, loader *Loader, configs ConfigSource, logger *zap.Logger) *PaymentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentService{
		Store:   store,
		Loader:  loader,
		Configs: configs,
		Logger:  logger,
		Now:     time.Now,
	}
}

func (s *PaymentService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *PaymentService) logger() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return zap.NewNop()
}

// Preview computes the distribution of a payment without writing anything.
func (s *PaymentService) Preview(ctx context.Context, payment Payment, opts ProjectionOptions) (*PaymentOutcome, error) {
	if err := payment.Validate(); err != nil {
		return nil, err
	}
	return s.compute(ctx, s.Store, s.Loader, payment, opts)
}

// Record distributes a payment and writes the result.
func (s *PaymentService) Record(ctx context.Context, payment Payment, opts ProjectionOptions) (*PaymentOutcome, error) {
	start := s.now()
	outcome, err := s.record(ctx, payment, opts)

	result := metrics.ResultSuccess
	switch {
	case errors.Is(err, ErrDuplicatePayment):
		result = metrics.ResultDuplicate
	case err != nil:
		result = metrics.ResultError
	}
	metrics.ObservePayment(result, s.now().Sub(start))

	if err != nil {
		s.logger().Warn("payment not recorded",
			zap.String("unit", payment.Unit.Key()),
			zap.String("payment_id", string(payment.ID)),
			zap.Int64("amount", int64(payment.Amount)),
			zap.Error(err),
		)
		return nil, err
	}

	d := outcome.Distribution
	metrics.AddApplied(int64(d.TotalApplied), int64(d.Overpayment))
	s.logger().Info("payment recorded",
		zap.String("unit", payment.Unit.Key()),
		zap.String("payment_id", string(payment.ID)),
		zap.String("transaction_id", string(outcome.Record.TransactionID)),
		zap.Int64("amount", int64(payment.Amount)),
		zap.Int64("applied", int64(d.TotalApplied)),
		zap.Int64("credit_used", int64(d.CreditUsed)),
		zap.Int64("overpayment", int64(d.Overpayment)),
		zap.Int64("new_credit_balance", int64(d.NewCreditBalance)),
		zap.Int("bills_paid", len(d.BillPayments)),
		zap.String("blocked_cohort", d.BlockedCohort),
	)
	return outcome, nil
}

func (s *PaymentService) record(ctx context.Context, payment Payment, opts ProjectionOptions) (*PaymentOutcome, error) {
	if err := payment.Validate(); err != nil {
		return nil, err
	}
	exists, err := NewLedger(s.Store).HasPayment(ctx, payment.Unit, payment.ID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("payment %s for %s: %w", payment.ID, payment.Unit, ErrDuplicatePayment)
	}

	txStore, ok := s.Store.(TxStore)
	if !ok {
		outcome, err := s.compute(ctx, s.Store, s.Loader, payment, opts)
		if err != nil {
			return nil, err
		}
		if err := s.commit(ctx, s.Store, s.Loader, outcome); err != nil {
			return nil, err
		}
		return outcome, nil
	}

	var outcome *PaymentOutcome
	err = txStore.WithTx(ctx, func(st Store) error {
		loader := s.Loader.WithStore(st)
		o, err := s.compute(ctx, st, loader, payment, opts)
		if err != nil {
			return err
		}
		if err := s.commit(ctx, st, loader, o); err != nil {
			return err
		}
		outcome = o
		return nil
	})
	if err != nil {
		// Rolled back: whatever stage failed, nothing was charged.
		var ce *CommitError
		if errors.As(err, &ce) {
			ce.Committed = false
		}
		return nil, err
	}
	return outcome, nil
}

// compute projects the unit as of the payment date and distributes.
func (s *PaymentService) compute(ctx context.Context, st Store, loader *Loader, payment Payment, opts ProjectionOptions) (*PaymentOutcome, error) {
	if payment.Scope != nil {
		opts.Scope = payment.Scope
	}
	engine := &ProjectionEngine{
		Loader:  loader,
		Ledger:  NewLedger(st),
		Credit:  NewCreditLedger(st),
		Configs: s.Configs,
	}
	proj, err := engine.project(ctx, payment.Unit, payment.Date, opts)
	if err != nil {
		return nil, err
	}
	dist, err := Distribute(proj.Payable(), payment.Amount, proj.AvailableCredit)
	if err != nil {
		return nil, err
	}
	return &PaymentOutcome{Payment: payment, Projection: proj, Distribution: dist}, nil
}

// commit writes the ledger record, then bills, then credit.
func (s *PaymentService) commit(ctx context.Context, st Store, loader *Loader, outcome *PaymentOutcome) error {
	payment := outcome.Payment
	dist := outcome.Distribution
	txID := TransactionID(uuid.NewString())

	rec := PaymentRecord{
		TransactionID: txID,
		PaymentID:     payment.ID,
		Unit:          payment.Unit,
		Amount:        payment.Amount,
		PaymentDate:   payment.Date,
		CreditUsed:    dist.CreditUsed,
		Overpayment:   dist.Overpayment,
		Allocations:   dist.Allocations(payment.ID, txID),
		Reference:     payment.Reference,
		RecordedAt:    s.now().UTC(),
	}
	fail := func(stage CommitStage, err error) error {
		return &CommitError{PaymentID: payment.ID, Stage: stage, Committed: stage != StageLedger, Err: err}
	}

	if err := NewLedger(st).Record(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicatePayment) {
			return err
		}
		return fail(StageLedger, err)
	}
	outcome.Record = &rec

	for _, bp := range dist.BillPayments {
		if err := loader.SaveBill(ctx, bp.Bill); err != nil {
			return fail(StageBills, fmt.Errorf("bill %s: %w", bp.BillID, err))
		}
	}

	credit := NewCreditLedger(st)
	credit.Now = s.Now
	if dist.CreditUsed > 0 {
		entry, err := credit.Append(ctx, payment.Unit, -dist.CreditUsed, CreditApplied, string(payment.ID))
		if err != nil {
			return fail(StageCredit, err)
		}
		outcome.CreditEntries = append(outcome.CreditEntries, entry)
	}
	if dist.Overpayment > 0 {
		entry, err := credit.Append(ctx, payment.Unit, dist.Overpayment, CreditOverpayment, string(payment.ID))
		if err != nil {
			return fail(StageCredit, err)
		}
		outcome.CreditEntries = append(outcome.CreditEntries, entry)
	}
	return nil
}

// AdjustCredit appends an operator credit adjustment for a unit.
func (s *PaymentService) AdjustCredit(ctx context.Context, unit UnitRef, amount Money, reference string) (CreditEntry, error) {
	credit := NewCreditLedger(s.Store)
	credit.Now = s.Now
	entry, err := credit.Append(ctx, unit, amount, CreditAdjustment, reference)
	if err != nil {
		return CreditEntry{}, err
	}
	s.logger().Info("credit adjusted",
		zap.String("unit", unit.Key()),
		zap.Int64("amount", int64(amount)),
		zap.String("reference", reference),
	)
	return entry, nil
}
