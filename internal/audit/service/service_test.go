package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/smallbiznis/seikyu/internal/audit/domain"
	"github.com/smallbiznis/seikyu/internal/audit/repository"
	"github.com/smallbiznis/seikyu/internal/clock"
	obscontext "github.com/smallbiznis/seikyu/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&auditdomain.AuditLog{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC))

	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
		Repo:  repository.Provide(),
	}).(*Service)
	return svc, db, fake
}

func TestRecord_BatchEntry(t *testing.T) {
	svc, db, fake := newTestService(t)
	ctx := obscontext.WithRunID(context.Background(), "01HRUN")

	err := svc.Record(ctx, auditdomain.Entry{
		Action:        auditdomain.ActionGenerateInvoices,
		Description:   "generated 2 branch invoices for 2024-03",
		AffectedCount: 2,
		PerformedBy:   "admin@example.com",
		TargetType:    auditdomain.TargetTypeInvoiceBatch,
		TargetID:      "01HRUN",
		Metadata: map[string]any{
			"billing_month": "2024-03",
			"invoice_type":  "branch",
			"success_count": 2,
			"error_count":   0,
		},
	})
	require.NoError(t, err)

	var logs []auditdomain.AuditLog
	require.NoError(t, db.Find(&logs).Error)
	require.Len(t, logs, 1)

	entry := logs[0]
	assert.Equal(t, auditdomain.ActionGenerateInvoices, entry.Action)
	assert.Equal(t, string(auditdomain.ActorTypeUser), entry.ActorType)
	require.NotNil(t, entry.ActorID)
	assert.Equal(t, "admin@example.com", *entry.ActorID)
	assert.Equal(t, 2, entry.AffectedCount)
	assert.Equal(t, "2024-03", entry.Metadata["billing_month"])
	assert.Equal(t, "01HRUN", entry.Metadata["run_id"])
	assert.True(t, entry.CreatedAt.Equal(fake.Now()))
}

func TestRecord_SystemActorWhenAnonymous(t *testing.T) {
	svc, db, _ := newTestService(t)

	require.NoError(t, svc.AuditLog(context.Background(), auditdomain.ActionInvoiceOverdue, auditdomain.TargetTypeInvoice, nil, nil))

	var entry auditdomain.AuditLog
	require.NoError(t, db.First(&entry).Error)
	assert.Equal(t, string(auditdomain.ActorTypeSystem), entry.ActorType)
	assert.Nil(t, entry.ActorID)
	assert.Nil(t, entry.TargetID)
}

func TestRecord_RejectsEmptyAction(t *testing.T) {
	svc, _, _ := newTestService(t)
	err := svc.Record(context.Background(), auditdomain.Entry{Action: "  "})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidAction)
}

func TestList_PagesNewestFirst(t *testing.T) {
	svc, _, fake := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.Record(ctx, auditdomain.Entry{Action: auditdomain.ActionInvoiceSent, TargetType: auditdomain.TargetTypeInvoice}))
		fake.Advance(time.Minute)
	}

	first, err := svc.List(ctx, auditdomain.ListAuditLogRequest{})
	require.NoError(t, err)
	require.Len(t, first.AuditLogs, 3)
	assert.True(t, first.AuditLogs[0].CreatedAt.After(first.AuditLogs[2].CreatedAt))

	req := auditdomain.ListAuditLogRequest{}
	req.PageSize = 2
	page, err := svc.List(ctx, req)
	require.NoError(t, err)
	assert.Len(t, page.AuditLogs, 2)
	assert.True(t, page.HasMore)
}

func TestList_PageTokenWalksAllEntries(t *testing.T) {
	svc, _, fake := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, svc.Record(ctx, auditdomain.Entry{Action: auditdomain.ActionInvoiceSent, TargetType: auditdomain.TargetTypeInvoice}))
		fake.Advance(time.Minute)
	}

	req := auditdomain.ListAuditLogRequest{Action: auditdomain.ActionInvoiceSent}
	req.PageSize = 2
	seen := map[string]bool{}
	for pages := 0; ; pages++ {
		require.Less(t, pages, 5)
		page, err := svc.List(ctx, req)
		require.NoError(t, err)
		for _, entry := range page.AuditLogs {
			assert.False(t, seen[entry.ID.String()], "duplicate entry across pages")
			seen[entry.ID.String()] = true
		}
		if !page.HasMore {
			break
		}
		req.PageToken = page.NextPageToken
	}
	assert.Len(t, seen, 5)
}

func TestList_PageTokenIsBoundToFilters(t *testing.T) {
	svc, _, fake := newTestService(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, svc.Record(ctx, auditdomain.Entry{Action: auditdomain.ActionInvoiceSent, TargetType: auditdomain.TargetTypeInvoice}))
		fake.Advance(time.Minute)
	}

	req := auditdomain.ListAuditLogRequest{Action: auditdomain.ActionInvoiceSent}
	req.PageSize = 1
	page, err := svc.List(ctx, req)
	require.NoError(t, err)
	require.NotEmpty(t, page.NextPageToken)

	other := auditdomain.ListAuditLogRequest{Action: auditdomain.ActionGenerateInvoices}
	other.PageToken = page.NextPageToken
	_, err = svc.List(ctx, other)
	assert.ErrorIs(t, err, auditdomain.ErrInvalidPageToken)
}

func TestList_InvalidRange(t *testing.T) {
	svc, _, _ := newTestService(t)
	start := time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)
	_, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{StartAt: &start, EndAt: &end})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidTimeRange)
}
