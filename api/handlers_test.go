/*
handlers_test.go - HTTP tests for the billing API

Tests for:
- Projection as of a date, waivers and input validation
- Payment preview (no writes) and recording (201, duplicate 409)
- Credit balance and operator adjustments
- Reconciliation of a manually edited bill document
- Error to status mapping and CommitError retry hints
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/unit-billing/billing"
	"github.com/warp/unit-billing/dues"
	"github.com/warp/unit-billing/factory"
	"github.com/warp/unit-billing/store/sqlite"
)

const unitPath = "/api/clients/maple-court/units/12B"

var testUnit = billing.UnitRef{ClientID: "maple-court", UnitID: "12B"}

type testServer struct {
	store   *sqlite.Store
	handler *Handler
	router  http.Handler
	dues    *dues.Source
	clients func() []billing.ClientID
}

// newTestServer seeds jan 950.00 (due 2025-01-01) and feb 900.00
// (due 2025-02-01) for maple-court/12B and fixes today at 2025-01-05.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg, err := factory.NewConfigFactory().ParseClientConfig([]byte(`{
		"client_id": "maple-court",
		"dues_frequency": "monthly",
		"penalties": {"recurring": {"rate": "0.05", "grace_days": 10}}
	}`))
	require.NoError(t, err)
	reg := factory.NewRegistry(cfg)

	src := dues.NewSource(store, reg.DuesSettings)
	for month, amount := range map[int]string{1: "950.00", 2: "900.00"} {
		_, err := src.Put(context.Background(), testUnit, dues.Record{
			FiscalYear: 2025, Month: month, Amount: decimal.RequireFromString(amount),
		})
		require.NoError(t, err)
	}

	h := NewHandler(store, reg.Loader(store), reg, zap.NewNop())
	h.Now = func() time.Time { return time.Date(2025, time.January, 5, 12, 0, 0, 0, time.UTC) }
	h.Payments.Now = h.Now

	return &testServer{store: store, handler: h, router: NewRouter(h, nil, nil), dues: src, clients: reg.Clients}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// =============================================================================
// PROJECTION
// =============================================================================

func TestGetProjection(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, unitPath+"/projection", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	proj := decode[ProjectionDTO](t, rec)
	assert.Equal(t, "2025-01-05", proj.AsOf)
	assert.Len(t, proj.Bills, 2)
	assert.Equal(t, "recurring:2025-01", proj.Bills[0].ID)
	assert.Equal(t, "1850.00", proj.NetDue)
	assert.Equal(t, "0.00", proj.AvailableCredit)
	assert.False(t, proj.Discrepancy.Detected)
}

func TestGetProjection_RefreshesPenaltyAndWaives(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: As of March 3 both bills are one penalty month late
	rec := s.do(t, http.MethodGet, unitPath+"/projection?as_of=2025-03-03&waive=recurring:2025-01:20.00&exclude=recurring:2025-02", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	proj := decode[ProjectionDTO](t, rec)
	require.Len(t, proj.Bills, 1)
	assert.Equal(t, "27.50", proj.Bills[0].PenaltyDue)
	assert.Equal(t, "20.00", proj.Bills[0].PenaltyWaived)
	assert.Equal(t, "0.00", proj.Bills[0].StoredPenalty)
	assert.Equal(t, "977.50", proj.NetDue)
	assert.Equal(t, []string{"recurring:2025-02"}, proj.ExcludedBillIDs)
}

func TestGetProjection_BadInput(t *testing.T) {
	s := newTestServer(t)

	for _, q := range []string{"?as_of=03/03/2025", "?waive=recurring:2025-01", "?waive=jan:-5"} {
		rec := s.do(t, http.MethodGet, unitPath+"/projection"+q, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestGetProjection_UnknownClient(t *testing.T) {
	s := newTestServer(t)
	_, err := s.store.Set(context.Background(), billing.DocumentPrefix(billing.UnitRef{ClientID: "oak", UnitID: "1"}, dues.Collection)+"2025-01", []byte(`{"fiscal_year":2025,"month":1,"amount":"10"}`))
	require.NoError(t, err)

	rec := s.do(t, http.MethodGet, "/api/clients/oak/units/1/projection", nil)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestPreviewPayment_NoWrites(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, unitPath+"/payments/preview", PaymentRequest{PaymentID: "p1", Amount: "1000.00"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[PaymentResponse](t, rec)
	assert.False(t, resp.Recorded)
	assert.Nil(t, resp.Record)
	assert.Equal(t, "50.00", resp.Distribution.Overpayment)
	assert.Equal(t, "recurring:2025-M02", resp.Distribution.BlockedCohort)
	assert.Equal(t, "850.00", resp.Distribution.Shortfall)

	list := s.do(t, http.MethodGet, unitPath+"/payments", nil)
	require.Equal(t, http.StatusOK, list.Code)
	assert.Empty(t, decode[[]PaymentRecordDTO](t, list))
}

func TestRecordPayment(t *testing.T) {
	s := newTestServer(t)

	// WHEN: 1000.00 is recorded
	rec := s.do(t, http.MethodPost, unitPath+"/payments", PaymentRequest{PaymentID: "p1", Amount: "1000.00", Reference: "chq-118"})

	// THEN: jan is paid and 50.00 becomes credit
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[PaymentResponse](t, rec)
	assert.True(t, resp.Recorded)
	require.NotNil(t, resp.Record)
	assert.Equal(t, "2025-01-05", resp.Record.PaymentDate)
	require.Len(t, resp.Record.Allocations, 1)
	assert.Equal(t, "recurring:2025-01", resp.Record.Allocations[0].BillID)
	assert.Equal(t, "950.00", resp.Record.Allocations[0].Amount)
	require.Len(t, resp.Credit, 1)
	assert.Equal(t, "overpayment", resp.Credit[0].Reason)

	credit := decode[CreditDTO](t, s.do(t, http.MethodGet, unitPath+"/credit", nil))
	assert.Equal(t, "50.00", credit.Balance)

	bills := decode[[]BillDTO](t, s.do(t, http.MethodGet, unitPath+"/bills", nil))
	require.Len(t, bills, 2)
	assert.Equal(t, "paid", bills[0].Status)
	assert.Equal(t, "unpaid", bills[1].Status)

	recon := decode[ReconciliationDTO](t, s.do(t, http.MethodGet, unitPath+"/reconciliation", nil))
	assert.False(t, recon.Detected)

	// AND: The same payment id is rejected
	dup := s.do(t, http.MethodPost, unitPath+"/payments", PaymentRequest{PaymentID: "p1", Amount: "1000.00"})
	assert.Equal(t, http.StatusConflict, dup.Code)

	list := decode[[]PaymentRecordDTO](t, s.do(t, http.MethodGet, unitPath+"/payments", nil))
	assert.Len(t, list, 1)
}

func TestRecordPayment_BadInput(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body any
	}{
		{"malformed body", `{"payment_id":`},
		{"missing id", PaymentRequest{Amount: "10.00"}},
		{"unparseable amount", PaymentRequest{PaymentID: "p1", Amount: "ten"}},
		{"zero amount", PaymentRequest{PaymentID: "p1", Amount: "0"}},
		{"sub-minor amount", PaymentRequest{PaymentID: "p1", Amount: "10.005"}},
		{"bad date", PaymentRequest{PaymentID: "p1", Amount: "10.00", Date: "yesterday"}},
		{"bad scope domain", PaymentRequest{PaymentID: "p1", Amount: "10.00", ScopeDomains: []string{"parking"}}},
		{"unparseable waiver", PaymentRequest{PaymentID: "p1", Amount: "10.00", WaivedPenalties: map[string]string{"x": "abc"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, unitPath+"/payments", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

// =============================================================================
// CREDIT
// =============================================================================

func TestCreditAdjustments(t *testing.T) {
	s := newTestServer(t)

	ok := s.do(t, http.MethodPost, unitPath+"/credit/adjustments", CreditAdjustmentRequest{Amount: "75.00", Reference: "refund-9"})
	require.Equal(t, http.StatusCreated, ok.Code, ok.Body.String())
	assert.Equal(t, "adjustment", decode[CreditEntryDTO](t, ok).Reason)

	overdraw := s.do(t, http.MethodPost, unitPath+"/credit/adjustments", CreditAdjustmentRequest{Amount: "-100.00", Reference: "chargeback"})
	assert.Equal(t, http.StatusConflict, overdraw.Code)

	zero := s.do(t, http.MethodPost, unitPath+"/credit/adjustments", CreditAdjustmentRequest{Amount: "0", Reference: "noop"})
	assert.Equal(t, http.StatusBadRequest, zero.Code)

	noRef := s.do(t, http.MethodPost, unitPath+"/credit/adjustments", CreditAdjustmentRequest{Amount: "5.00"})
	assert.Equal(t, http.StatusBadRequest, noRef.Code)

	credit := decode[CreditDTO](t, s.do(t, http.MethodGet, unitPath+"/credit", nil))
	assert.Equal(t, "75.00", credit.Balance)
	assert.Len(t, credit.History, 1)
}

// =============================================================================
// RECONCILIATION
// =============================================================================

func TestReconciliation_ManualEdit(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: Someone marked January paid directly in the document
	_, err := s.dues.Put(context.Background(), testUnit, dues.Record{
		FiscalYear: 2025, Month: 1,
		Amount: decimal.RequireFromString("950.00"), Paid: decimal.RequireFromString("950.00"),
	})
	require.NoError(t, err)

	rec := s.do(t, http.MethodGet, unitPath+"/reconciliation", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[ReconciliationDTO](t, rec)
	assert.True(t, report.Detected)
	require.NotNil(t, report.Primary)
	assert.Equal(t, "recurring:2025-01", report.Primary.BillID)
	assert.Equal(t, "over_reported", report.Primary.SuspectedCause)
	assert.Equal(t, "950.00", report.Primary.Delta)
	assert.True(t, report.Primary.NoAllocationsFound)
}

// =============================================================================
// ERRORS
// =============================================================================

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{&billing.ValidationError{Field: "amount", Err: billing.ErrInvalidPayment}, http.StatusBadRequest},
		{billing.ErrDocumentNotFound, http.StatusNotFound},
		{fmt.Errorf("p1: %w", billing.ErrDuplicatePayment), http.StatusConflict},
		{billing.ErrConcurrentModification, http.StatusConflict},
		{&billing.NegativeCreditError{Unit: testUnit, Balance: 10, Requested: -20}, http.StatusConflict},
		{&billing.MissingConfigError{Domain: billing.DomainMetered}, http.StatusUnprocessableEntity},
		{&billing.StoreError{Op: "load", Err: errors.New("disk")}, http.StatusServiceUnavailable},
		{&billing.InvariantViolationError{Invariant: "conservation"}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.status, statusFor(tt.err))
		})
	}
}

func TestWriteEngineError_RetryHint(t *testing.T) {
	cause := &billing.StoreError{Op: "update", Err: errors.New("disk")}

	rec := httptest.NewRecorder()
	writeEngineError(rec, &billing.CommitError{PaymentID: "p1", Stage: billing.StageBills, Committed: true, Err: cause})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "rederive", decode[ErrorResponse](t, rec).Retry)

	rec = httptest.NewRecorder()
	writeEngineError(rec, &billing.CommitError{PaymentID: "p1", Stage: billing.StageLedger, Committed: false, Err: cause})
	assert.Equal(t, "safe", decode[ErrorResponse](t, rec).Retry)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
