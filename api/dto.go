/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing model from the external API contract.

MONEY ON THE WIRE:
  Amounts are decimal strings ("1250.50"), never JSON numbers. They are
  parsed with billing.ParseMoney, which rejects sub-minor-unit precision,
  so a float never touches an amount.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

SEE ALSO:
  - handlers.go: Uses these types
  - billing/types.go: Money, Bill, Payment
*/
package api

import (
	"time"

	"github.com/warp/unit-billing/billing"
)

// =============================================================================
// REQUESTS
// =============================================================================

// PaymentRequest is the body of a payment preview or recording.
type PaymentRequest struct {
	PaymentID string `json:"payment_id"`
	Amount    string `json:"amount"`
	Date      string `json:"date"`
	Reference string `json:"reference,omitempty"`
	Notes     string `json:"notes,omitempty"`

	// Optional scope of bills the payment is for.
	ScopeFrom    string   `json:"scope_from,omitempty"`
	ScopeTo      string   `json:"scope_to,omitempty"`
	ScopeDomains []string `json:"scope_domains,omitempty"`

	WaivedPenalties map[string]string `json:"waived_penalties,omitempty"`
	ExcludedBills   []string          `json:"excluded_bills,omitempty"`
}

// CreditAdjustmentRequest is an operator credit adjustment. Amount is signed.
type CreditAdjustmentRequest struct {
	Amount    string `json:"amount"`
	Reference string `json:"reference"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// BillDTO is a normalized bill.
type BillDTO struct {
	ID            string `json:"id"`
	Domain        string `json:"domain"`
	PeriodStart   string `json:"period_start"`
	DueDate       string `json:"due_date"`
	CohortKey     string `json:"cohort_key,omitempty"`
	PrincipalDue  string `json:"principal_due"`
	PenaltyDue    string `json:"penalty_due"`
	PrincipalPaid string `json:"principal_paid"`
	PenaltyPaid   string `json:"penalty_paid"`
	Remaining     string `json:"remaining"`
	Status        string `json:"status"`
}

// ProjectedBillDTO is a bill as seen by a projection.
type ProjectedBillDTO struct {
	BillDTO
	StoredPenalty string `json:"stored_penalty"`
	PenaltyWaived string `json:"penalty_waived,omitempty"`
}

// ProjectionDTO is the payment-ready view of a unit.
type ProjectionDTO struct {
	ClientID        string             `json:"client_id"`
	UnitID          string             `json:"unit_id"`
	AsOf            string             `json:"as_of"`
	Bills           []ProjectedBillDTO `json:"bills"`
	AvailableCredit string             `json:"available_credit"`
	TotalPrincipal  string             `json:"total_principal"`
	TotalPenalty    string             `json:"total_penalty"`
	TotalRemaining  string             `json:"total_remaining"`
	NetDue          string             `json:"net_due"`
	ExcludedBillIDs []string           `json:"excluded_bill_ids,omitempty"`
	Discrepancy     ReconciliationDTO  `json:"discrepancy"`
}

// BillPaymentDTO is what one bill received from a distribution.
type BillPaymentDTO struct {
	BillID           string `json:"bill_id"`
	Domain           string `json:"domain"`
	CohortKey        string `json:"cohort_key,omitempty"`
	DueDate          string `json:"due_date"`
	PenaltyApplied   string `json:"penalty_applied"`
	PrincipalApplied string `json:"principal_applied"`
	PreviousStatus   string `json:"previous_status"`
	NewStatus        string `json:"new_status"`
}

// DistributionDTO is the outcome of distributing one payment.
type DistributionDTO struct {
	PaymentAmount    string           `json:"payment_amount"`
	CreditBefore     string           `json:"credit_before"`
	TotalAvailable   string           `json:"total_available"`
	TotalBillsDue    string           `json:"total_bills_due"`
	TotalApplied     string           `json:"total_applied"`
	CreditUsed       string           `json:"credit_used"`
	Overpayment      string           `json:"overpayment"`
	NewCreditBalance string           `json:"new_credit_balance"`
	BillPayments     []BillPaymentDTO `json:"bill_payments"`
	BlockedCohort    string           `json:"blocked_cohort,omitempty"`
	Shortfall        string           `json:"shortfall,omitempty"`
}

// AllocationDTO is one ledger line item.
type AllocationDTO struct {
	BillID string `json:"bill_id"`
	Kind   string `json:"kind"`
	Amount string `json:"amount"`
}

// PaymentRecordDTO is a ledger entry.
type PaymentRecordDTO struct {
	TransactionID string          `json:"transaction_id"`
	PaymentID     string          `json:"payment_id"`
	Amount        string          `json:"amount"`
	PaymentDate   string          `json:"payment_date"`
	CreditUsed    string          `json:"credit_used"`
	Overpayment   string          `json:"overpayment"`
	Reference     string          `json:"reference,omitempty"`
	RecordedAt    string          `json:"recorded_at"`
	Allocations   []AllocationDTO `json:"allocations"`
}

// PaymentResponse is returned by preview and record.
type PaymentResponse struct {
	Recorded     bool              `json:"recorded"`
	Projection   ProjectionDTO     `json:"projection"`
	Distribution DistributionDTO   `json:"distribution"`
	Record       *PaymentRecordDTO `json:"record,omitempty"`
	Credit       []CreditEntryDTO  `json:"credit_entries,omitempty"`
}

// DiscrepancyDTO is one mismatch between a bill document and the ledger.
type DiscrepancyDTO struct {
	BillID             string   `json:"bill_id"`
	Domain             string   `json:"domain,omitempty"`
	DueDate            string   `json:"due_date,omitempty"`
	StoredPaid         string   `json:"stored_paid"`
	AllocatedPaid      string   `json:"allocated_paid"`
	Delta              string   `json:"delta"`
	SuspectedCause     string   `json:"suspected_cause"`
	Description        string   `json:"description"`
	NoAllocationsFound bool     `json:"no_allocations_found"`
	TransactionIDs     []string `json:"transaction_ids,omitempty"`
}

// ReconciliationDTO is a discrepancy report.
type ReconciliationDTO struct {
	Detected      bool             `json:"detected"`
	Primary       *DiscrepancyDTO  `json:"primary,omitempty"`
	Discrepancies []DiscrepancyDTO `json:"discrepancies"`
	Orphans       []DiscrepancyDTO `json:"orphans,omitempty"`
	BillsChecked  int              `json:"bills_checked"`
}

// CreditEntryDTO is one credit ledger entry.
type CreditEntryDTO struct {
	ID          string `json:"id"`
	Amount      string `json:"amount"`
	Timestamp   string `json:"timestamp"`
	Reason      string `json:"reason"`
	ReferenceID string `json:"reference_id,omitempty"`
}

// CreditDTO is a unit's credit balance with its history.
type CreditDTO struct {
	Balance string           `json:"balance"`
	History []CreditEntryDTO `json:"history"`
}

// ErrorResponse is returned for errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Retry   string `json:"retry,omitempty"`
}

// =============================================================================
// CONVERSION
// =============================================================================

func ToBillDTO(b billing.Bill) BillDTO {
	return BillDTO{
		ID:            string(b.ID),
		Domain:        string(b.Domain),
		PeriodStart:   b.PeriodStart.String(),
		DueDate:       b.DueDate.String(),
		CohortKey:     b.CohortKey,
		PrincipalDue:  b.PrincipalDue.String(),
		PenaltyDue:    b.PenaltyDue.String(),
		PrincipalPaid: b.PrincipalPaid.String(),
		PenaltyPaid:   b.PenaltyPaid.String(),
		Remaining:     b.Remaining().String(),
		Status:        string(b.Status()),
	}
}

func ToProjectionDTO(p *billing.Projection) ProjectionDTO {
	dto := ProjectionDTO{
		ClientID:        string(p.Unit.ClientID),
		UnitID:          string(p.Unit.UnitID),
		AsOf:            p.AsOf.String(),
		Bills:           make([]ProjectedBillDTO, 0, len(p.Bills)),
		AvailableCredit: p.AvailableCredit.String(),
		TotalPrincipal:  p.TotalPrincipal.String(),
		TotalPenalty:    p.TotalPenalty.String(),
		TotalRemaining:  p.TotalRemaining.String(),
		NetDue:          p.NetDue.String(),
		Discrepancy:     ToReconciliationDTO(p.Discrepancy),
	}
	for _, pb := range p.Bills {
		b := ProjectedBillDTO{
			BillDTO:       ToBillDTO(pb.Bill),
			StoredPenalty: pb.StoredPenalty.String(),
		}
		if pb.PenaltyWaived > 0 {
			b.PenaltyWaived = pb.PenaltyWaived.String()
		}
		dto.Bills = append(dto.Bills, b)
	}
	for _, id := range p.ExcludedBillIDs {
		dto.ExcludedBillIDs = append(dto.ExcludedBillIDs, string(id))
	}
	return dto
}

func ToDistributionDTO(d *billing.DistributionResult) DistributionDTO {
	dto := DistributionDTO{
		PaymentAmount:    d.PaymentAmount.String(),
		CreditBefore:     d.CreditBefore.String(),
		TotalAvailable:   d.TotalAvailable.String(),
		TotalBillsDue:    d.TotalBillsDue.String(),
		TotalApplied:     d.TotalApplied.String(),
		CreditUsed:       d.CreditUsed.String(),
		Overpayment:      d.Overpayment.String(),
		NewCreditBalance: d.NewCreditBalance.String(),
		BillPayments:     make([]BillPaymentDTO, 0, len(d.BillPayments)),
		BlockedCohort:    d.BlockedCohort,
	}
	if d.Shortfall > 0 {
		dto.Shortfall = d.Shortfall.String()
	}
	for _, bp := range d.BillPayments {
		dto.BillPayments = append(dto.BillPayments, BillPaymentDTO{
			BillID:           string(bp.BillID),
			Domain:           string(bp.Domain),
			CohortKey:        bp.CohortKey,
			DueDate:          bp.DueDate.String(),
			PenaltyApplied:   bp.PenaltyApplied.String(),
			PrincipalApplied: bp.PrincipalApplied.String(),
			PreviousStatus:   string(bp.PreviousStatus),
			NewStatus:        string(bp.NewStatus),
		})
	}
	return dto
}

// ToPaymentResponse converts a preview or recording outcome.
func ToPaymentResponse(o *billing.PaymentOutcome, recorded bool) PaymentResponse {
	resp := PaymentResponse{
		Recorded:     recorded,
		Projection:   ToProjectionDTO(o.Projection),
		Distribution: ToDistributionDTO(o.Distribution),
	}
	if o.Record != nil {
		rec := ToPaymentRecordDTO(*o.Record)
		resp.Record = &rec
	}
	if len(o.CreditEntries) > 0 {
		resp.Credit = ToCreditEntryDTOs(o.CreditEntries)
	}
	return resp
}

func ToPaymentRecordDTO(r billing.PaymentRecord) PaymentRecordDTO {
	dto := PaymentRecordDTO{
		TransactionID: string(r.TransactionID),
		PaymentID:     string(r.PaymentID),
		Amount:        r.Amount.String(),
		PaymentDate:   r.PaymentDate.String(),
		CreditUsed:    r.CreditUsed.String(),
		Overpayment:   r.Overpayment.String(),
		Reference:     r.Reference,
		RecordedAt:    r.RecordedAt.UTC().Format(time.RFC3339),
		Allocations:   make([]AllocationDTO, 0, len(r.Allocations)),
	}
	for _, a := range r.Allocations {
		dto.Allocations = append(dto.Allocations, AllocationDTO{
			BillID: string(a.BillID),
			Kind:   string(a.Kind),
			Amount: a.Amount.String(),
		})
	}
	return dto
}

func ToDiscrepancyDTO(d billing.Discrepancy) DiscrepancyDTO {
	dto := DiscrepancyDTO{
		BillID:             string(d.BillID),
		Domain:             string(d.Domain),
		StoredPaid:         d.StoredPaid.String(),
		AllocatedPaid:      d.AllocatedPaid.String(),
		Delta:              d.Delta.String(),
		SuspectedCause:     string(d.SuspectedCause),
		Description:        d.SuspectedCause.Description(),
		NoAllocationsFound: d.NoAllocationsFound,
	}
	if !d.DueDate.IsZero() {
		dto.DueDate = d.DueDate.String()
	}
	for _, id := range d.TransactionIDs {
		dto.TransactionIDs = append(dto.TransactionIDs, string(id))
	}
	return dto
}

func ToReconciliationDTO(r billing.DiscrepancyReport) ReconciliationDTO {
	dto := ReconciliationDTO{
		Detected:      r.Detected,
		Discrepancies: make([]DiscrepancyDTO, 0, len(r.Discrepancies)),
		BillsChecked:  r.BillsChecked,
	}
	if r.Primary != nil {
		p := ToDiscrepancyDTO(*r.Primary)
		dto.Primary = &p
	}
	for _, d := range r.Discrepancies {
		dto.Discrepancies = append(dto.Discrepancies, ToDiscrepancyDTO(d))
	}
	for _, d := range r.Orphans {
		dto.Orphans = append(dto.Orphans, ToDiscrepancyDTO(d))
	}
	return dto
}

func ToCreditEntryDTOs(entries []billing.CreditEntry) []CreditEntryDTO {
	dtos := make([]CreditEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, CreditEntryDTO{
			ID:          e.ID,
			Amount:      e.Amount.String(),
			Timestamp:   e.Timestamp.UTC().Format(time.RFC3339),
			Reason:      string(e.Reason),
			ReferenceID: e.ReferenceID,
		})
	}
	return dtos
}
