package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/seikyu/internal/audit/domain"
	auditrepo "github.com/smallbiznis/seikyu/internal/audit/repository"
	auditservice "github.com/smallbiznis/seikyu/internal/audit/service"
	"github.com/smallbiznis/seikyu/internal/clock"
	invoicedomain "github.com/smallbiznis/seikyu/internal/invoice/domain"
	"github.com/smallbiznis/seikyu/internal/invoice/invoicetest"
	invoiceservice "github.com/smallbiznis/seikyu/internal/invoice/service"
	"github.com/smallbiznis/seikyu/internal/invoicebatch"
	"github.com/smallbiznis/seikyu/internal/orgunit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2024, 4, 10, 9, 0, 0, 0, time.UTC)

type stubGenerator struct {
	req    invoicebatch.Request
	report invoicebatch.Report
	err    error
}

func (g *stubGenerator) Generate(_ context.Context, req invoicebatch.Request) (invoicebatch.Report, error) {
	g.req = req
	return g.report, g.err
}

type testEnv struct {
	engine *gin.Engine
	f      *invoicetest.Fixtures
	gen    *stubGenerator
	unit   orgunit.Unit
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := invoicetest.OpenDB(t)
	fake := clock.NewFakeClock(testNow)
	audit := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: invoicetest.Node(t),
		Clock: fake,
		Repo:  auditrepo.Provide(),
	})
	gen := &stubGenerator{}
	srv := NewServer(ServerParams{
		Gin:        NewEngine(EngineParams{Log: zap.NewNop()}),
		AuditSvc:   audit,
		InvoiceSvc: invoiceservice.NewService(invoiceservice.ServiceParam{DB: db, Log: zap.NewNop(), Clock: fake, AuditSvc: audit}),
		Batches:    gen,
	})

	f := invoicetest.New(t, db)
	return testEnv{
		engine: srv.Engine(),
		f:      f,
		gen:    gen,
		unit:   f.Unit("Shibuya", "11100001", orgunit.UnitTypeBranch, nil),
	}
}

func (e testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "operator-1")
	rec := httptest.NewRecorder()
	e.engine.ServeHTTP(rec, req)
	return rec
}

func (e testEnv) invoice(version int, current bool, status invoicedomain.InvoiceStatus) invoicedomain.Invoice {
	return e.f.Invoice(invoicedomain.Invoice{
		UnitID:       e.unit.ID,
		BillingMonth: "2024-03",
		Version:      version,
		IsCurrent:    current,
		Status:       status,
		TotalAmount:  11000,
		DueDate:      time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC),
	})
}

type invoiceBody struct {
	ID          string `json:"id"`
	Version     int    `json:"version"`
	Status      string `json:"status"`
	PaidAmount  int64  `json:"paid_amount"`
	TotalAmount int64  `json:"total_amount"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out.Data
}

func errorType(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var out errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out.Error.Type
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestGetInvoice(t *testing.T) {
	e := newTestEnv(t)
	inv := e.invoice(1, true, invoicedomain.InvoiceStatusDraft)

	rec := e.do(t, http.MethodGet, "/api/invoices/"+inv.ID.String(), nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[invoiceBody](t, rec)
	assert.Equal(t, inv.ID.String(), body.ID)
	assert.Equal(t, "draft", body.Status)
	assert.Equal(t, int64(11000), body.TotalAmount)
}

func TestGetInvoice_Errors(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/api/invoices/not-a-number", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", errorType(t, rec))

	rec = e.do(t, http.MethodGet, "/api/invoices/123456789", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", errorType(t, rec))
}

func TestListInvoiceItems_UnknownInvoice(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/api/invoices/123456789/items", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListUnitInvoices_ReturnsChainOldestFirst(t *testing.T) {
	e := newTestEnv(t)
	e.invoice(1, false, invoicedomain.InvoiceStatusSuperseded)
	e.invoice(2, true, invoicedomain.InvoiceStatusDraft)

	rec := e.do(t, http.MethodGet, "/api/units/"+e.unit.ID.String()+"/invoices?billing_month=2024-03", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[[]invoiceBody](t, rec)
	require.Len(t, body, 2)
	assert.Equal(t, 1, body[0].Version)
	assert.Equal(t, 2, body[1].Version)

	rec = e.do(t, http.MethodGet, "/api/units/"+e.unit.ID.String()+"/invoices?billing_month=March", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/units/"+e.unit.ID.String()+"/invoices?billing_month=2024-03&invoice_type=retail", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvoiceLifecycleEndpoints(t *testing.T) {
	e := newTestEnv(t)
	inv := e.invoice(1, true, invoicedomain.InvoiceStatusDraft)
	base := "/api/invoices/" + inv.ID.String()

	rec := e.do(t, http.MethodPost, base+"/confirm", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "confirmed", decode[invoiceBody](t, rec).Status)

	rec = e.do(t, http.MethodPost, base+"/send", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sent", decode[invoiceBody](t, rec).Status)

	rec = e.do(t, http.MethodPost, base+"/payments", recordPaymentRequest{PaidAmount: 5000})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[invoiceBody](t, rec)
	assert.Equal(t, "partial_paid", body.Status)
	assert.Equal(t, int64(5000), body.PaidAmount)

	rec = e.do(t, http.MethodPost, base+"/payments", recordPaymentRequest{PaidAmount: 4000})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, base+"/payments", recordPaymentRequest{PaidAmount: 11000})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "paid", decode[invoiceBody](t, rec).Status)

	rec = e.do(t, http.MethodPost, base+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_status_transition", errorType(t, rec))

	rec = e.do(t, http.MethodGet, "/api/audit-logs?target_type="+auditdomain.TargetTypeInvoice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	logs := decode[[]auditdomain.AuditLog](t, rec)
	require.Len(t, logs, 4)
	for _, entry := range logs {
		require.NotNil(t, entry.ActorID)
		assert.Equal(t, "operator-1", *entry.ActorID)
	}
}

func TestCreateInvoiceBatch(t *testing.T) {
	e := newTestEnv(t)
	e.gen.report = invoicebatch.Report{
		RunID:        "01HTESTRUN",
		Success:      false,
		BillingMonth: "2024-03",
		InvoiceType:  invoicedomain.InvoiceTypeBranch,
		Total:        2,
		SuccessCount: 1,
		ErrorCount:   1,
		Errors:       []string{"Osaka: regeneration_blocked"},
	}

	rec := e.do(t, http.MethodPost, "/api/invoice-batches", createInvoiceBatchRequest{
		BillingMonth: "2024-03",
		AutoSend:     true,
		ScheduledAt:  "2024-04-15T09:00:00Z",
		PerformedBy:  "admin@example.com",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[invoicebatch.Report](t, rec)
	assert.Equal(t, 1, report.ErrorCount)
	assert.Equal(t, []string{"Osaka: regeneration_blocked"}, report.Errors)

	assert.Equal(t, "2024-03", e.gen.req.BillingMonth)
	assert.Equal(t, invoicedomain.InvoiceTypeBranch, e.gen.req.InvoiceType)
	assert.True(t, e.gen.req.AutoSend)
	require.NotNil(t, e.gen.req.ScheduledAt)
	assert.True(t, e.gen.req.ScheduledAt.Equal(time.Date(2024, 4, 15, 9, 0, 0, 0, time.UTC)))
	assert.Equal(t, "admin@example.com", e.gen.req.PerformedBy)
}

func TestCreateInvoiceBatch_DefaultsPerformerToActor(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/api/invoice-batches", createInvoiceBatchRequest{BillingMonth: "2024-03"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "operator-1", e.gen.req.PerformedBy)
}

func TestCreateInvoiceBatch_Validation(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/api/invoice-batches", createInvoiceBatchRequest{BillingMonth: "2024-13"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/invoice-batches", createInvoiceBatchRequest{BillingMonth: "2024-03", InvoiceType: "retail"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/invoice-batches", createInvoiceBatchRequest{BillingMonth: "2024-03", ScheduledAt: "tomorrow"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateInvoiceBatch_InProgress(t *testing.T) {
	e := newTestEnv(t)
	e.gen.err = invoicedomain.ErrBatchInProgress

	rec := e.do(t, http.MethodPost, "/api/invoice-batches", createInvoiceBatchRequest{BillingMonth: "2024-03", InvoiceType: "agency"})

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, invoicedomain.InvoiceTypeAgency, e.gen.req.InvoiceType)
}

func TestMapError(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{invoicedomain.ErrInvalidPeriod, http.StatusBadRequest},
		{invoicedomain.ErrInvoiceNotFound, http.StatusNotFound},
		{invoicedomain.ErrRegenerationBlocked, http.StatusConflict},
		{invoicedomain.ErrConcurrentRegeneration, http.StatusConflict},
		{invoicedomain.ErrPersistenceFailure, http.StatusInternalServerError},
		{auditdomain.ErrInvalidPageToken, http.StatusBadRequest},
	}
	for _, tc := range cases {
		status, _ := mapError(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
	}
}
