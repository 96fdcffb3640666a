/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes projections, payments, reconciliation and credit of a unit over
  REST. Handles HTTP request/response and JSON, and delegates to the
  billing services. No billing rule lives here.

ENDPOINTS:
  All under /api/clients/{client}/units/{unit}

    GET    /projection              Payment-ready view as of a date
                                    ?as_of=YYYY-MM-DD
                                    ?waive=<bill_id>:<amount> (repeatable)
                                    ?exclude=<bill_id>        (repeatable)
    POST   /payments/preview        Distribution of a payment, no writes
    POST   /payments                Record a payment
    GET    /payments                Ledger records
    GET    /reconciliation          Bill documents vs. ledger
    GET    /credit                  Credit balance and history
    POST   /credit/adjustments      Operator credit adjustment
    GET    /bills                   Normalized bills as stored

ERROR HANDLING:
  Errors are returned as JSON with an HTTP status derived from the error:
  - 400: Validation errors, invalid input
  - 404: Document not found
  - 409: Duplicate payment id, concurrent modification, credit overdrawn
  - 422: Penalty configuration missing for an overdue bill's domain
  - 500: Invariant violation, internal errors
  - 503: Store unavailable
  A CommitError also carries "retry": "rederive" when some writes landed,
  or "safe" when nothing was charged.

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/unit-billing/billing"
	"go.uber.org/zap"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store       billing.Store
	Loader      *billing.Loader
	Ledger      billing.Ledger
	Credit      *billing.CreditLedger
	Projections *billing.ProjectionEngine
	Payments    *billing.PaymentService
	Reconciler  *billing.Reconciler
	Logger      *zap.Logger

	// Now is the clock used for default dates.
	Now func() time.Time
}

// NewHandler wires the billing services over one store.
func NewHandler(store billing.Store, loader *billing.Loader, configs billing.ConfigSource, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	ledger := billing.NewLedger(store)
	credit := billing.NewCreditLedger(store)
	return &Handler{
		Store:  store,
		Loader: loader,
		Ledger: ledger,
		Credit: credit,
		Projections: &billing.ProjectionEngine{
			Loader:  loader,
			Ledger:  ledger,
			Credit:  credit,
			Configs: configs,
		},
		Payments:   billing.NewPaymentService(store, loader, configs, logger),
		Reconciler: billing.NewReconciler(loader, ledger, logger),
		Logger:     logger,
		Now:        time.Now,
	}
}

func (h *Handler) today() billing.Date {
	if h.Now != nil {
		return billing.DateOf(h.Now())
	}
	return billing.Today()
}

func unitRef(r *http.Request) billing.UnitRef {
	return billing.UnitRef{
		ClientID: billing.ClientID(chi.URLParam(r, "client")),
		UnitID:   billing.UnitID(chi.URLParam(r, "unit")),
	}
}

// =============================================================================
// PROJECTION
// =============================================================================

// GetProjection returns the payment-ready view of a unit.
// GET /api/clients/{client}/units/{unit}/projection
func (h *Handler) GetProjection(w http.ResponseWriter, r *http.Request) {
	unit := unitRef(r)
	q := r.URL.Query()

	asOf := h.today()
	if s := q.Get("as_of"); s != "" {
		d, err := parseDateField("as_of", s)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		asOf = d
	}

	waived, err := parseWaivers(q["waive"])
	if err != nil {
		writeEngineError(w, err)
		return
	}
	opts := billing.ProjectionOptions{WaivedPenalties: waived}
	for _, id := range q["exclude"] {
		opts.ExcludedBills = append(opts.ExcludedBills, billing.BillID(id))
	}

	proj, err := h.Projections.Project(r.Context(), unit, asOf, opts)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ToProjectionDTO(proj))
}

// =============================================================================
// PAYMENTS
// =============================================================================

// PreviewPayment returns the distribution a payment would produce.
// POST /api/clients/{client}/units/{unit}/payments/preview
func (h *Handler) PreviewPayment(w http.ResponseWriter, r *http.Request) {
	payment, opts, err := h.decodePayment(r)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	outcome, err := h.Payments.Preview(r.Context(), payment, opts)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ToPaymentResponse(outcome, false))
}

// RecordPayment distributes a payment and writes the result.
// POST /api/clients/{client}/units/{unit}/payments
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	payment, opts, err := h.decodePayment(r)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	outcome, err := h.Payments.Record(r.Context(), payment, opts)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ToPaymentResponse(outcome, true))
}

// ListPayments returns the unit's ledger records.
// GET /api/clients/{client}/units/{unit}/payments
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	records, err := h.Ledger.Records(r.Context(), unitRef(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	dtos := make([]PaymentRecordDTO, 0, len(records))
	for _, rec := range records {
		dtos = append(dtos, ToPaymentRecordDTO(rec))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) decodePayment(r *http.Request) (billing.Payment, billing.ProjectionOptions, error) {
	var req PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return billing.Payment{}, billing.ProjectionOptions{}, &billing.ValidationError{
			Field: "body", Value: "", Err: fmt.Errorf("%w: %v", billing.ErrInvalidPayment, err),
		}
	}

	payment := billing.Payment{
		ID:        billing.PaymentID(strings.TrimSpace(req.PaymentID)),
		Unit:      unitRef(r),
		Date:      h.today(),
		Reference: req.Reference,
		Notes:     req.Notes,
	}
	var err error
	if payment.Amount, err = parseMoneyField("amount", req.Amount); err != nil {
		return billing.Payment{}, billing.ProjectionOptions{}, err
	}
	if req.Date != "" {
		if payment.Date, err = parseDateField("date", req.Date); err != nil {
			return billing.Payment{}, billing.ProjectionOptions{}, err
		}
	}

	if req.ScopeFrom != "" || req.ScopeTo != "" || len(req.ScopeDomains) > 0 {
		scope := &billing.PeriodScope{}
		if req.ScopeFrom != "" {
			if scope.From, err = parseDateField("scope_from", req.ScopeFrom); err != nil {
				return billing.Payment{}, billing.ProjectionOptions{}, err
			}
		}
		if req.ScopeTo != "" {
			if scope.To, err = parseDateField("scope_to", req.ScopeTo); err != nil {
				return billing.Payment{}, billing.ProjectionOptions{}, err
			}
		}
		for _, d := range req.ScopeDomains {
			domain := billing.Domain(d)
			if !domain.Valid() {
				return billing.Payment{}, billing.ProjectionOptions{}, &billing.ValidationError{Field: "scope_domains", Value: d, Err: billing.ErrInvalidPayment}
			}
			scope.Domains = append(scope.Domains, domain)
		}
		payment.Scope = scope
	}

	opts := billing.ProjectionOptions{}
	if len(req.WaivedPenalties) > 0 {
		opts.WaivedPenalties = make(map[billing.BillID]billing.Money, len(req.WaivedPenalties))
		for id, amt := range req.WaivedPenalties {
			m, err := parseMoneyField("waived_penalties", amt)
			if err != nil {
				return billing.Payment{}, billing.ProjectionOptions{}, err
			}
			opts.WaivedPenalties[billing.BillID(id)] = m
		}
	}
	for _, id := range req.ExcludedBills {
		opts.ExcludedBills = append(opts.ExcludedBills, billing.BillID(id))
	}
	return payment, opts, nil
}

// =============================================================================
// RECONCILIATION / CREDIT / BILLS
// =============================================================================

// GetReconciliation compares the unit's bill documents with its ledger.
// GET /api/clients/{client}/units/{unit}/reconciliation
func (h *Handler) GetReconciliation(w http.ResponseWriter, r *http.Request) {
	report, err := h.Reconciler.ReconcileUnit(r.Context(), unitRef(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ToReconciliationDTO(*report))
}

// GetCredit returns the unit's credit balance and history.
// GET /api/clients/{client}/units/{unit}/credit
func (h *Handler) GetCredit(w http.ResponseWriter, r *http.Request) {
	history, err := h.Credit.History(r.Context(), unitRef(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CreditDTO{
		Balance: billing.SumCredit(history).String(),
		History: ToCreditEntryDTOs(history),
	})
}

// CreateCreditAdjustment appends an operator adjustment to the credit ledger.
// POST /api/clients/{client}/units/{unit}/credit/adjustments
func (h *Handler) CreateCreditAdjustment(w http.ResponseWriter, r *http.Request) {
	var req CreditAdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := billing.ParseMoney(req.Amount)
	if err != nil {
		writeEngineError(w, &billing.ValidationError{Field: "amount", Value: req.Amount, Err: err})
		return
	}
	if amount == 0 {
		writeEngineError(w, &billing.ValidationError{Field: "amount", Value: req.Amount, Err: billing.ErrInvalidCreditEntry})
		return
	}
	if strings.TrimSpace(req.Reference) == "" {
		writeEngineError(w, &billing.ValidationError{Field: "reference", Value: "", Err: billing.ErrInvalidCreditEntry})
		return
	}

	entry, err := h.Payments.AdjustCredit(r.Context(), unitRef(r), amount, req.Reference)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ToCreditEntryDTOs([]billing.CreditEntry{entry})[0])
}

// ListBills returns the unit's normalized bills as stored, without
// refreshing penalties.
// GET /api/clients/{client}/units/{unit}/bills
func (h *Handler) ListBills(w http.ResponseWriter, r *http.Request) {
	bills, err := h.Loader.Load(r.Context(), unitRef(r), nil)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	dtos := make([]BillDTO, 0, len(bills))
	for _, b := range bills {
		dtos = append(dtos, ToBillDTO(b))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func parseMoneyField(field, s string) (billing.Money, error) {
	m, err := billing.ParseMoney(s)
	if err != nil {
		return 0, &billing.ValidationError{Field: field, Value: s, Err: err}
	}
	return m, nil
}

func parseDateField(field, s string) (billing.Date, error) {
	d, err := billing.ParseDate(s)
	if err != nil {
		return billing.Date{}, &billing.ValidationError{Field: field, Value: s, Err: fmt.Errorf("%w: %v", billing.ErrInvalidPayment, err)}
	}
	return d, nil
}

func parseWaivers(values []string) (map[billing.BillID]billing.Money, error) {
	if len(values) == 0 {
		return nil, nil
	}
	waived := make(map[billing.BillID]billing.Money, len(values))
	for _, v := range values {
		id, amount, err := billing.ParseWaiver(v)
		if err != nil {
			return nil, err
		}
		waived[id] += amount
	}
	return waived, nil
}

// statusFor maps an engine error to an HTTP status.
func statusFor(err error) int {
	var negative *billing.NegativeCreditError
	switch {
	case billing.IsClientError(err):
		return http.StatusBadRequest
	case billing.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrDuplicatePayment), errors.Is(err, billing.ErrConcurrentModification),
		errors.As(err, &negative):
		return http.StatusConflict
	case errors.Is(err, billing.ErrMissingConfig):
		return http.StatusUnprocessableEntity
	case errors.Is(err, billing.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: http.StatusText(status), Details: err.Error()}

	var ce *billing.CommitError
	if errors.As(err, &ce) {
		if ce.Committed {
			resp.Retry = "rederive"
		} else {
			resp.Retry = "safe"
		}
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
