package service_test

import (
	"context"
	"testing"
	"time"

	auditdomain "github.com/smallbiznis/seikyu/internal/audit/domain"
	auditrepo "github.com/smallbiznis/seikyu/internal/audit/repository"
	auditservice "github.com/smallbiznis/seikyu/internal/audit/service"
	"github.com/smallbiznis/seikyu/internal/clock"
	invoicedomain "github.com/smallbiznis/seikyu/internal/invoice/domain"
	"github.com/smallbiznis/seikyu/internal/invoice/invoicetest"
	"github.com/smallbiznis/seikyu/internal/invoice/service"
	"github.com/smallbiznis/seikyu/internal/orgunit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var now = time.Date(2024, 4, 10, 9, 0, 0, 0, time.UTC)

type env struct {
	db   *gorm.DB
	f    *invoicetest.Fixtures
	svc  invoicedomain.Service
	unit orgunit.Unit
}

func newEnv(t *testing.T) env {
	t.Helper()
	db := invoicetest.OpenDB(t)
	fake := clock.NewFakeClock(now)
	audit := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: invoicetest.Node(t),
		Clock: fake,
		Repo:  auditrepo.Provide(),
	})
	f := invoicetest.New(t, db)
	return env{
		db:   db,
		f:    f,
		svc:  service.NewService(service.ServiceParam{DB: db, Log: zap.NewNop(), Clock: fake, AuditSvc: audit}),
		unit: f.Unit("Shibuya", "11100001", orgunit.UnitTypeBranch, nil),
	}
}

func (e env) invoice(status invoicedomain.InvoiceStatus, total int64) invoicedomain.Invoice {
	return e.f.Invoice(invoicedomain.Invoice{
		UnitID:       e.unit.ID,
		BillingMonth: "2024-03",
		IsCurrent:    true,
		Status:       status,
		TotalAmount:  total,
		DueDate:      time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC),
	})
}

func (e env) auditActions(t *testing.T) []string {
	t.Helper()
	var actions []string
	require.NoError(t, e.db.Model(&auditdomain.AuditLog{}).Order("id ASC").Pluck("action", &actions).Error)
	return actions
}

func TestLifecycle_ConfirmSendPay(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	inv := e.invoice(invoicedomain.InvoiceStatusDraft, 10000)

	confirmed, err := e.svc.Confirm(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.ConfirmedAt)

	sent, err := e.svc.Send(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusSent, sent.Status)
	require.NotNil(t, sent.SentMethod)
	assert.Equal(t, invoicedomain.SentMethodManual, *sent.SentMethod)

	partial, err := e.svc.RecordPayment(ctx, invoicedomain.RecordPaymentRequest{InvoiceID: inv.ID, PaidAmount: 4000})
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusPartialPaid, partial.Status)
	assert.Equal(t, int64(6000), partial.Outstanding())

	more, err := e.svc.RecordPayment(ctx, invoicedomain.RecordPaymentRequest{InvoiceID: inv.ID, PaidAmount: 7000})
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusPartialPaid, more.Status)

	paid, err := e.svc.RecordPayment(ctx, invoicedomain.RecordPaymentRequest{InvoiceID: inv.ID, PaidAmount: 10000})
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, paid.Status)
	require.NotNil(t, paid.PaidAt)

	assert.Equal(t, []string{
		auditdomain.ActionInvoiceConfirmed,
		auditdomain.ActionInvoiceSent,
		auditdomain.ActionInvoicePayment,
		auditdomain.ActionInvoicePayment,
		auditdomain.ActionInvoicePayment,
	}, e.auditActions(t))
}

func TestRecordPayment_RejectsInvalidAmounts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	inv := e.invoice(invoicedomain.InvoiceStatusSent, 10000)

	_, err := e.svc.RecordPayment(ctx, invoicedomain.RecordPaymentRequest{InvoiceID: inv.ID, PaidAmount: 0})
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidPaymentAmount)

	_, err = e.svc.RecordPayment(ctx, invoicedomain.RecordPaymentRequest{InvoiceID: inv.ID, PaidAmount: 5000})
	require.NoError(t, err)
	_, err = e.svc.RecordPayment(ctx, invoicedomain.RecordPaymentRequest{InvoiceID: inv.ID, PaidAmount: 3000})
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidPaymentAmount)
}

func TestTransitions_RejectInvalidMoves(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	draft := e.invoice(invoicedomain.InvoiceStatusDraft, 1000)
	_, err := e.svc.Send(ctx, draft.ID)
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidTransition)
	_, err = e.svc.RecordPayment(ctx, invoicedomain.RecordPaymentRequest{InvoiceID: draft.ID, PaidAmount: 1000})
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidTransition)

	paid := e.f.Invoice(invoicedomain.Invoice{UnitID: e.unit.ID, BillingMonth: "2024-01", IsCurrent: true, Status: invoicedomain.InvoiceStatusPaid})
	_, err = e.svc.Cancel(ctx, paid.ID)
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidTransition)

	superseded := e.f.Invoice(invoicedomain.Invoice{UnitID: e.unit.ID, BillingMonth: "2024-02", Status: invoicedomain.InvoiceStatusDraft})
	_, err = e.svc.Confirm(ctx, superseded.ID)
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidTransition)

	_, err = e.svc.Confirm(ctx, 42)
	assert.ErrorIs(t, err, invoicedomain.ErrInvoiceNotFound)

	assert.Empty(t, e.auditActions(t))
}

func TestCancel_DraftAndConfirmed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	for month, status := range map[string]invoicedomain.InvoiceStatus{
		"2024-02": invoicedomain.InvoiceStatusDraft,
		"2024-03": invoicedomain.InvoiceStatusConfirmed,
	} {
		inv := e.f.Invoice(invoicedomain.Invoice{UnitID: e.unit.ID, BillingMonth: month, Status: status, IsCurrent: true})
		cancelled, err := e.svc.Cancel(ctx, inv.ID)
		require.NoError(t, err)
		assert.Equal(t, invoicedomain.InvoiceStatusCancelled, cancelled.Status)
		require.NotNil(t, cancelled.CancelledAt)
	}
}

func TestSendDue(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	scheduled := invoicedomain.SentMethodScheduled

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	due := e.f.Invoice(invoicedomain.Invoice{UnitID: e.unit.ID, BillingMonth: "2024-03", IsCurrent: true, Status: invoicedomain.InvoiceStatusConfirmed, ScheduledSendAt: &past, SentMethod: &scheduled})
	later := e.f.Invoice(invoicedomain.Invoice{UnitID: e.unit.ID, BillingMonth: "2024-02", IsCurrent: true, Status: invoicedomain.InvoiceStatusConfirmed, ScheduledSendAt: &future, SentMethod: &scheduled})

	sent, err := e.svc.SendDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	got, err := e.svc.GetByID(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusSent, got.Status)
	assert.Equal(t, invoicedomain.SentMethodScheduled, *got.SentMethod)

	got, err = e.svc.GetByID(ctx, later.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusConfirmed, got.Status)
}

func TestSweepOverdue(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	overdue := e.f.Invoice(invoicedomain.Invoice{UnitID: e.unit.ID, BillingMonth: "2024-02", IsCurrent: true, Status: invoicedomain.InvoiceStatusSent, DueDate: time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)})
	partial := e.f.Invoice(invoicedomain.Invoice{UnitID: e.unit.ID, BillingMonth: "2024-01", IsCurrent: true, Status: invoicedomain.InvoiceStatusPartialPaid, DueDate: time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)})
	dueToday := e.f.Invoice(invoicedomain.Invoice{UnitID: e.unit.ID, BillingMonth: "2024-03", IsCurrent: true, Status: invoicedomain.InvoiceStatusSent, DueDate: time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC)})

	count, err := e.svc.SweepOverdue(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	for id, want := range map[string]invoicedomain.InvoiceStatus{
		overdue.ID.String():  invoicedomain.InvoiceStatusOverdue,
		partial.ID.String():  invoicedomain.InvoiceStatusOverdue,
		dueToday.ID.String(): invoicedomain.InvoiceStatusSent,
	} {
		var got invoicedomain.Invoice
		require.NoError(t, e.db.First(&got, "id = ?", id).Error)
		assert.Equal(t, want, got.Status, id)
	}
}

func TestHistory_OrderedByVersion(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	v2 := e.f.Invoice(invoicedomain.Invoice{UnitID: e.unit.ID, BillingMonth: "2024-03", Version: 2, IsCurrent: true})
	v1 := e.f.Invoice(invoicedomain.Invoice{UnitID: e.unit.ID, BillingMonth: "2024-03", Version: 1, Status: invoicedomain.InvoiceStatusSuperseded, SupersededBy: &v2.ID})

	history, err := e.svc.History(ctx, invoicedomain.UnitInvoiceQuery{UnitID: e.unit.ID, BillingMonth: "2024-03"})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, v1.ID, history[0].ID)
	assert.Equal(t, v2.ID, history[1].ID)

	current, err := e.svc.GetCurrent(ctx, invoicedomain.UnitInvoiceQuery{UnitID: e.unit.ID, BillingMonth: "2024-03"})
	require.NoError(t, err)
	assert.Equal(t, v2.ID, current.ID)

	_, err = e.svc.GetCurrent(ctx, invoicedomain.UnitInvoiceQuery{UnitID: e.unit.ID, BillingMonth: "2024-13"})
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidPeriod)
}
