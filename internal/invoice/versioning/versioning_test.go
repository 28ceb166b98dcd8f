package versioning_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/seikyu/internal/clock"
	"github.com/smallbiznis/seikyu/internal/invoice/aggregate"
	"github.com/smallbiznis/seikyu/internal/invoice/compose"
	invoicedomain "github.com/smallbiznis/seikyu/internal/invoice/domain"
	"github.com/smallbiznis/seikyu/internal/invoice/invoicetest"
	"github.com/smallbiznis/seikyu/internal/invoice/versioning"
	"github.com/smallbiznis/seikyu/internal/orgunit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var now = time.Date(2024, 4, 5, 9, 0, 0, 0, time.UTC)

type fixture struct {
	db      *gorm.DB
	f       *invoicetest.Fixtures
	manager *versioning.Manager
	unit    orgunit.Unit
	period  invoicedomain.Period
}

func setup(t *testing.T) fixture {
	t.Helper()
	db := invoicetest.OpenDB(t)
	f := invoicetest.New(t, db)
	period, err := invoicedomain.ResolvePeriod("2024-03")
	require.NoError(t, err)
	return fixture{
		db: db,
		f:  f,
		manager: versioning.NewManager(versioning.Params{
			DB:    db,
			Log:   zap.NewNop(),
			GenID: invoicetest.Node(t),
			Clock: clock.NewFakeClock(now),
		}),
		unit:   f.Unit("Shibuya", "11100001", orgunit.UnitTypeBranch, nil),
		period: period,
	}
}

func (s fixture) draft(t *testing.T, material int64, expenseIDs ...string) versioning.Draft {
	t.Helper()
	key := versioning.Key{UnitID: s.unit.ID, BillingMonth: "2024-03", InvoiceType: invoicedomain.InvoiceTypeBranch}
	observed, err := s.manager.Prepare(context.Background(), key)
	require.NoError(t, err)
	return versioning.Draft{
		Key:         key,
		Period:      s.period,
		BranchCode:  "1110",
		Composition: compose.Compose(aggregate.Sources{Material: aggregate.MaterialResult{Amount: material, OrderCount: 1}}, decimal.RequireFromString("0.10")),
		ExpenseIDs:  expenseIDs,
		Observed:    observed,
	}
}

func (s fixture) reload(t *testing.T, inv invoicedomain.Invoice) invoicedomain.Invoice {
	t.Helper()
	var out invoicedomain.Invoice
	require.NoError(t, s.db.First(&out, "id = ?", inv.ID).Error)
	return out
}

func TestCommit_FirstVersion(t *testing.T) {
	s := setup(t)

	inv, err := s.manager.Commit(context.Background(), s.draft(t, 33000))
	require.NoError(t, err)

	assert.Equal(t, 1, inv.Version)
	assert.True(t, inv.IsCurrent)
	assert.Equal(t, invoicedomain.InvoiceStatusDraft, inv.Status)
	assert.Equal(t, "INV-202403-1110-v1", inv.InvoiceNumber)
	assert.Equal(t, invoicedomain.GenerationReasonInitial, inv.GenerationReason)
	assert.Equal(t, int64(36300), inv.TotalAmount)
	assert.Nil(t, inv.Supersedes)

	var lines []invoicedomain.InvoiceLineItem
	require.NoError(t, s.db.Where("invoice_id = ?", inv.ID).Find(&lines).Error)
	require.Len(t, lines, 1)
	assert.Equal(t, invoicedomain.LineItemMaterial, lines[0].ItemType)
}

func TestCommit_SupersedesDraft(t *testing.T) {
	s := setup(t)

	v1, err := s.manager.Commit(context.Background(), s.draft(t, 33000))
	require.NoError(t, err)
	v2, err := s.manager.Commit(context.Background(), s.draft(t, 44000))
	require.NoError(t, err)

	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, "INV-202403-1110-v2", v2.InvoiceNumber)
	assert.Equal(t, invoicedomain.GenerationReasonRecalculation, v2.GenerationReason)
	require.NotNil(t, v2.Supersedes)
	assert.Equal(t, v1.ID, *v2.Supersedes)

	old := s.reload(t, v1)
	assert.False(t, old.IsCurrent)
	assert.Equal(t, invoicedomain.InvoiceStatusSuperseded, old.Status)
	require.NotNil(t, old.SupersededBy)
	assert.Equal(t, v2.ID, *old.SupersededBy)

	var current int64
	require.NoError(t, s.db.Model(&invoicedomain.Invoice{}).
		Where("unit_id = ? AND billing_month = ? AND is_current = ?", s.unit.ID, "2024-03", true).
		Count(&current).Error)
	assert.Equal(t, int64(1), current)
}

func TestPrepare_BlocksRegenerationAfterDraft(t *testing.T) {
	for _, status := range []invoicedomain.InvoiceStatus{
		invoicedomain.InvoiceStatusConfirmed,
		invoicedomain.InvoiceStatusSent,
		invoicedomain.InvoiceStatusPaid,
		invoicedomain.InvoiceStatusCancelled,
	} {
		t.Run(string(status), func(t *testing.T) {
			s := setup(t)
			s.f.Invoice(invoicedomain.Invoice{UnitID: s.unit.ID, BillingMonth: "2024-03", IsCurrent: true, Status: status})

			_, err := s.manager.Prepare(context.Background(), versioning.Key{
				UnitID: s.unit.ID, BillingMonth: "2024-03", InvoiceType: invoicedomain.InvoiceTypeBranch,
			})
			assert.ErrorIs(t, err, invoicedomain.ErrRegenerationBlocked)
		})
	}
}

func TestCommit_RejectsStaleObservation(t *testing.T) {
	s := setup(t)

	stale := s.draft(t, 1000)
	_, err := s.manager.Commit(context.Background(), s.draft(t, 2000))
	require.NoError(t, err)

	_, err = s.manager.Commit(context.Background(), stale)
	assert.ErrorIs(t, err, invoicedomain.ErrConcurrentRegeneration)
}

func TestCommit_RejectsWhenCurrentLeftDraft(t *testing.T) {
	s := setup(t)

	v1, err := s.manager.Commit(context.Background(), s.draft(t, 1000))
	require.NoError(t, err)
	d := s.draft(t, 2000)

	require.NoError(t, s.db.Model(&invoicedomain.Invoice{}).Where("id = ?", v1.ID).
		Update("status", invoicedomain.InvoiceStatusConfirmed).Error)

	_, err = s.manager.Commit(context.Background(), d)
	assert.ErrorIs(t, err, invoicedomain.ErrRegenerationBlocked)
	assert.True(t, s.reload(t, v1).IsCurrent)
}

func TestCommit_ClaimsExpensesExactlyOnce(t *testing.T) {
	s := setup(t)
	e1 := s.f.Expense(invoicetest.Expense{StoreCode: "11100001", InvoiceMonth: "2024-03", ExpenseType: "その他", Amount: 1000})
	e2 := s.f.Expense(invoicetest.Expense{StoreCode: "11100001", InvoiceMonth: "2024-03", ExpenseType: "その他", Amount: 2000})

	v1, err := s.manager.Commit(context.Background(), s.draft(t, 0, e1.ID, e2.ID))
	require.NoError(t, err)
	assert.Equal(t, v1.ID, *s.f.ExpenseInvoiceID(e1.ID))
	assert.Equal(t, v1.ID, *s.f.ExpenseInvoiceID(e2.ID))

	// e2 no longer matches on regeneration and is released.
	v2, err := s.manager.Commit(context.Background(), s.draft(t, 0, e1.ID))
	require.NoError(t, err)
	assert.Equal(t, v2.ID, *s.f.ExpenseInvoiceID(e1.ID))
	assert.Nil(t, s.f.ExpenseInvoiceID(e2.ID))
}

func TestCommit_ClaimConflictRollsBack(t *testing.T) {
	s := setup(t)
	other := s.f.Invoice(invoicedomain.Invoice{UnitID: s.unit.ID, BillingMonth: "2024-02", IsCurrent: true})
	e1 := s.f.Expense(invoicetest.Expense{StoreCode: "11100001", InvoiceMonth: "2024-03", Amount: 1000, InvoiceID: &other.ID})

	_, err := s.manager.Commit(context.Background(), s.draft(t, 500, e1.ID))
	assert.ErrorIs(t, err, invoicedomain.ErrClaimConflict)

	var count int64
	require.NoError(t, s.db.Model(&invoicedomain.Invoice{}).Where("billing_month = ?", "2024-03").Count(&count).Error)
	assert.Zero(t, count)
	assert.Equal(t, other.ID, *s.f.ExpenseInvoiceID(e1.ID))
}

func TestCommit_AutoSend(t *testing.T) {
	t.Run("immediate", func(t *testing.T) {
		s := setup(t)
		d := s.draft(t, 1000)
		d.AutoSend = &versioning.AutoSend{}

		inv, err := s.manager.Commit(context.Background(), d)
		require.NoError(t, err)
		assert.Equal(t, invoicedomain.InvoiceStatusSent, inv.Status)
		require.NotNil(t, inv.SentAt)
		assert.True(t, inv.SentAt.Equal(now))
		assert.Equal(t, invoicedomain.SentMethodImmediate, *inv.SentMethod)
	})

	t.Run("scheduled", func(t *testing.T) {
		s := setup(t)
		at := now.Add(48 * time.Hour)
		d := s.draft(t, 1000)
		d.AutoSend = &versioning.AutoSend{ScheduledAt: &at}

		inv, err := s.manager.Commit(context.Background(), d)
		require.NoError(t, err)
		assert.Equal(t, invoicedomain.InvoiceStatusConfirmed, inv.Status)
		require.NotNil(t, inv.ScheduledSendAt)
		assert.True(t, inv.ScheduledSendAt.Equal(at))
		assert.Equal(t, invoicedomain.SentMethodScheduled, *inv.SentMethod)
		assert.Nil(t, inv.SentAt)
	})

	t.Run("past schedule sends now", func(t *testing.T) {
		s := setup(t)
		at := now.Add(-time.Hour)
		d := s.draft(t, 1000)
		d.AutoSend = &versioning.AutoSend{ScheduledAt: &at}

		inv, err := s.manager.Commit(context.Background(), d)
		require.NoError(t, err)
		assert.Equal(t, invoicedomain.InvoiceStatusSent, inv.Status)
	})
}

func TestCommit_AgencySequence(t *testing.T) {
	s := setup(t)
	agency := s.f.Unit("Agency", "22200000", orgunit.UnitTypeAgency, nil)

	commit := func(unit orgunit.Unit) invoicedomain.Invoice {
		key := versioning.Key{UnitID: unit.ID, BillingMonth: "2024-03", InvoiceType: invoicedomain.InvoiceTypeAgency}
		observed, err := s.manager.Prepare(context.Background(), key)
		require.NoError(t, err)
		inv, err := s.manager.Commit(context.Background(), versioning.Draft{
			Key:      key,
			Period:   s.period,
			Observed: observed,
		})
		require.NoError(t, err)
		return inv
	}

	assert.Equal(t, "AGY-202403-001", commit(agency).InvoiceNumber)
	assert.Equal(t, "AGY-202403-002", commit(s.unit).InvoiceNumber)
	assert.Equal(t, "AGY-202403-003", commit(agency).InvoiceNumber)
}
