package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/seikyu/internal/audit/domain"
	"github.com/smallbiznis/seikyu/internal/clock"
	invoicedomain "github.com/smallbiznis/seikyu/internal/invoice/domain"
	"github.com/smallbiznis/seikyu/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	AuditSvc auditdomain.Service `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock

	auditSvc auditdomain.Service
	metrics  *metrics.InvoiceMetrics
}

func NewService(p ServiceParam) invoicedomain.Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("invoice.service"),
		clock:    c,
		auditSvc: p.AuditSvc,
		metrics:  metrics.Invoice(),
	}
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (invoicedomain.Invoice, error) {
	var rows []invoicedomain.Invoice
	if err := s.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&rows).Error; err != nil {
		return invoicedomain.Invoice{}, err
	}
	if len(rows) == 0 {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvoiceNotFound
	}
	return rows[0], nil
}

func (s *Service) GetCurrent(ctx context.Context, q invoicedomain.UnitInvoiceQuery) (invoicedomain.Invoice, error) {
	if !invoicedomain.ValidBillingMonth(q.BillingMonth) {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidPeriod
	}
	var rows []invoicedomain.Invoice
	err := s.db.WithContext(ctx).
		Where("unit_id = ? AND billing_month = ? AND invoice_type = ? AND is_current = ?",
			q.UnitID, q.BillingMonth, invoiceType(q.InvoiceType), true).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if len(rows) == 0 {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvoiceNotFound
	}
	return rows[0], nil
}

// History returns every version of the chain, oldest first.
func (s *Service) History(ctx context.Context, q invoicedomain.UnitInvoiceQuery) ([]invoicedomain.Invoice, error) {
	if !invoicedomain.ValidBillingMonth(q.BillingMonth) {
		return nil, invoicedomain.ErrInvalidPeriod
	}
	var rows []invoicedomain.Invoice
	err := s.db.WithContext(ctx).
		Where("unit_id = ? AND billing_month = ? AND invoice_type = ?",
			q.UnitID, q.BillingMonth, invoiceType(q.InvoiceType)).
		Order("version ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Service) LineItems(ctx context.Context, invoiceID snowflake.ID) ([]invoicedomain.InvoiceLineItem, error) {
	if _, err := s.GetByID(ctx, invoiceID); err != nil {
		return nil, err
	}
	var items []invoicedomain.InvoiceLineItem
	err := s.db.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Order("sort_order ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Service) Confirm(ctx context.Context, id snowflake.ID) (invoicedomain.Invoice, error) {
	return s.transition(ctx, id, auditdomain.ActionInvoiceConfirmed, func(inv *invoicedomain.Invoice, now time.Time) (invoicedomain.InvoiceStatus, map[string]any, error) {
		return invoicedomain.InvoiceStatusConfirmed, map[string]any{"confirmed_at": now}, nil
	})
}

// Send marks the invoice as sent by hand.
func (s *Service) Send(ctx context.Context, id snowflake.ID) (invoicedomain.Invoice, error) {
	return s.send(ctx, id, invoicedomain.SentMethodManual)
}

func (s *Service) send(ctx context.Context, id snowflake.ID, method invoicedomain.SentMethod) (invoicedomain.Invoice, error) {
	return s.transition(ctx, id, auditdomain.ActionInvoiceSent, func(inv *invoicedomain.Invoice, now time.Time) (invoicedomain.InvoiceStatus, map[string]any, error) {
		return invoicedomain.InvoiceStatusSent, map[string]any{
			"sent_at":     now,
			"sent_method": method,
		}, nil
	})
}

// RecordPayment stores the cumulative paid amount. Reaching the total settles the invoice.
func (s *Service) RecordPayment(ctx context.Context, req invoicedomain.RecordPaymentRequest) (invoicedomain.Invoice, error) {
	return s.transition(ctx, req.InvoiceID, auditdomain.ActionInvoicePayment, func(inv *invoicedomain.Invoice, now time.Time) (invoicedomain.InvoiceStatus, map[string]any, error) {
		if req.PaidAmount <= 0 || req.PaidAmount < inv.PaidAmount {
			return "", nil, invoicedomain.ErrInvalidPaymentAmount
		}
		updates := map[string]any{"paid_amount": req.PaidAmount}
		if req.PaidAmount >= inv.TotalAmount {
			updates["paid_at"] = now
			return invoicedomain.InvoiceStatusPaid, updates, nil
		}
		return invoicedomain.InvoiceStatusPartialPaid, updates, nil
	})
}

func (s *Service) MarkOverdue(ctx context.Context, id snowflake.ID) (invoicedomain.Invoice, error) {
	return s.transition(ctx, id, auditdomain.ActionInvoiceOverdue, func(inv *invoicedomain.Invoice, now time.Time) (invoicedomain.InvoiceStatus, map[string]any, error) {
		return invoicedomain.InvoiceStatusOverdue, nil, nil
	})
}

func (s *Service) Cancel(ctx context.Context, id snowflake.ID) (invoicedomain.Invoice, error) {
	return s.transition(ctx, id, auditdomain.ActionInvoiceCancelled, func(inv *invoicedomain.Invoice, now time.Time) (invoicedomain.InvoiceStatus, map[string]any, error) {
		return invoicedomain.InvoiceStatusCancelled, map[string]any{"cancelled_at": now}, nil
	})
}

func (s *Service) SendDue(ctx context.Context, now time.Time, limit int) (int, error) {
	var ids []snowflake.ID
	err := s.db.WithContext(ctx).
		Model(&invoicedomain.Invoice{}).
		Where("status = ? AND is_current = ? AND scheduled_send_at IS NOT NULL AND scheduled_send_at <= ?",
			invoicedomain.InvoiceStatusConfirmed, true, now.UTC()).
		Order("scheduled_send_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}
	return s.each(ctx, ids, func(id snowflake.ID) error {
		_, err := s.send(ctx, id, invoicedomain.SentMethodScheduled)
		return err
	})
}

func (s *Service) SweepOverdue(ctx context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	var ids []snowflake.ID
	err := s.db.WithContext(ctx).
		Model(&invoicedomain.Invoice{}).
		Where("status IN ? AND is_current = ? AND due_date < ?",
			[]invoicedomain.InvoiceStatus{invoicedomain.InvoiceStatusSent, invoicedomain.InvoiceStatusPartialPaid}, true, today).
		Order("due_date ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}
	return s.each(ctx, ids, func(id snowflake.ID) error {
		_, err := s.MarkOverdue(ctx, id)
		return err
	})
}

// each applies fn to every id. Invoices that moved on since selection are skipped.
func (s *Service) each(ctx context.Context, ids []snowflake.ID, fn func(snowflake.ID) error) (int, error) {
	var (
		done int
		errs []error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		err := fn(id)
		switch {
		case err == nil:
			done++
		case errors.Is(err, invoicedomain.ErrInvalidTransition):
			s.log.Debug("invoice skipped", zap.String("invoice_id", id.String()), zap.Error(err))
		default:
			errs = append(errs, fmt.Errorf("invoice %s: %w", id, err))
		}
	}
	return done, errors.Join(errs...)
}

type applyFunc func(inv *invoicedomain.Invoice, now time.Time) (invoicedomain.InvoiceStatus, map[string]any, error)

func (s *Service) transition(ctx context.Context, id snowflake.ID, action string, apply applyFunc) (invoicedomain.Invoice, error) {
	now := s.clock.Now()
	var (
		updated invoicedomain.Invoice
		from    invoicedomain.InvoiceStatus
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []invoicedomain.Invoice
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			Limit(1).
			Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return invoicedomain.ErrInvoiceNotFound
		}
		invoice := rows[0]
		from = invoice.Status
		if !invoice.IsCurrent {
			return fmt.Errorf("%w: invoice is not current", invoicedomain.ErrInvalidTransition)
		}

		to, updates, err := apply(&invoice, now)
		if err != nil {
			return err
		}
		// A further partial payment keeps the status.
		samePartial := to == from && from == invoicedomain.InvoiceStatusPartialPaid
		if !samePartial && !invoicedomain.CanTransition(from, to) {
			return fmt.Errorf("%w: %s to %s", invoicedomain.ErrInvalidTransition, from, to)
		}

		if updates == nil {
			updates = map[string]any{}
		}
		updates["status"] = to
		updates["updated_at"] = now

		res := tx.Model(&invoicedomain.Invoice{}).
			Where("id = ? AND status = ?", invoice.ID, from).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("%w: status changed concurrently", invoicedomain.ErrInvalidTransition)
		}

		return tx.Where("id = ?", invoice.ID).First(&updated).Error
	})
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	if from != updated.Status {
		s.metrics.IncTransition(from, updated.Status)
	}
	s.emitAudit(ctx, action, &updated, map[string]any{
		"previous_status": string(from),
	})
	return updated, nil
}

func (s *Service) emitAudit(ctx context.Context, action string, invoice *invoicedomain.Invoice, extra map[string]any) {
	if s.auditSvc == nil || invoice == nil {
		return
	}
	metadata := map[string]any{
		"invoice_number": invoice.InvoiceNumber,
		"billing_month":  invoice.BillingMonth,
		"invoice_type":   string(invoice.InvoiceType),
		"unit_id":        invoice.UnitID.String(),
		"version":        invoice.Version,
		"status":         string(invoice.Status),
		"total_amount":   invoice.TotalAmount,
		"paid_amount":    invoice.PaidAmount,
	}
	for key, value := range extra {
		if key == "" {
			continue
		}
		metadata[key] = value
	}

	targetID := invoice.ID.String()
	if err := s.auditSvc.AuditLog(ctx, action, auditdomain.TargetTypeInvoice, &targetID, metadata); err != nil {
		s.log.Warn("invoice audit failed", zap.String("action", action), zap.Error(err))
	}
}

func invoiceType(t invoicedomain.InvoiceType) invoicedomain.InvoiceType {
	if t == "" {
		return invoicedomain.InvoiceTypeBranch
	}
	return t
}
