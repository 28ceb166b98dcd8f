// Package versioning writes new invoice versions and keeps the supersession chain intact.
package versioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/seikyu/internal/clock"
	"github.com/smallbiznis/seikyu/internal/invoice/compose"
	invoicedomain "github.com/smallbiznis/seikyu/internal/invoice/domain"
	"github.com/smallbiznis/seikyu/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Key identifies the invoice chain of a unit for a month.
type Key struct {
	UnitID       snowflake.ID
	BillingMonth string
	InvoiceType  invoicedomain.InvoiceType
}

// AutoSend moves a freshly generated invoice out of draft in the same transaction.
type AutoSend struct {
	// ScheduledAt in the future confirms the invoice and schedules it; otherwise it is sent now.
	ScheduledAt *time.Time
}

// Draft is a composed invoice ready to be committed.
type Draft struct {
	Key
	Period      invoicedomain.Period
	BranchCode  string
	Composition compose.Composition
	ExpenseIDs  []string
	// Observed is the current invoice seen before aggregation, nil when there was none.
	Observed *invoicedomain.Invoice
	AutoSend *AutoSend
	Metadata map[string]any
}

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Manager struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewManager(p Params) *Manager {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Manager{
		db:    p.DB,
		log:   p.Log.Named("invoice.versioning"),
		genID: p.GenID,
		clock: c,
	}
}

// Current returns the current invoice of the chain, nil when none exists.
func (m *Manager) Current(ctx context.Context, key Key) (*invoicedomain.Invoice, error) {
	return findCurrent(m.db.WithContext(ctx), key)
}

// Prepare returns the current invoice and rejects regeneration when it already left draft.
func (m *Manager) Prepare(ctx context.Context, key Key) (*invoicedomain.Invoice, error) {
	current, err := m.Current(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: load current invoice: %w", invoicedomain.ErrPersistenceFailure, err)
	}
	if current != nil && !invoicedomain.Regenerable(current.Status) {
		return nil, fmt.Errorf("%w: %s is %s", invoicedomain.ErrRegenerationBlocked, current.InvoiceNumber, current.Status)
	}
	return current, nil
}

// Commit writes the draft as the new current version. The predecessor flip, the insert,
// the expense claims and the optional auto-send all commit together or not at all.
func (m *Manager) Commit(ctx context.Context, d Draft) (invoicedomain.Invoice, error) {
	now := m.clock.Now()
	var created invoicedomain.Invoice

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := findCurrent(tx.Clauses(clause.Locking{Strength: "UPDATE"}), d.Key)
		if err != nil {
			return err
		}
		if err := verifyObserved(d.Observed, current); err != nil {
			return err
		}

		invoice := m.newInvoice(d, current, now)

		if current != nil {
			res := tx.Model(&invoicedomain.Invoice{}).
				Where("id = ? AND is_current = ? AND status = ?", current.ID, true, invoicedomain.InvoiceStatusDraft).
				Updates(map[string]any{
					"is_current": false,
					"status":     invoicedomain.InvoiceStatusSuperseded,
					"updated_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != 1 {
				return fmt.Errorf("%w: %s changed during regeneration", invoicedomain.ErrConcurrentRegeneration, current.InvoiceNumber)
			}
		}

		if d.InvoiceType == invoicedomain.InvoiceTypeAgency {
			seq, err := nextSequence(tx, invoicedomain.AgencySequencePrefix, d.Period.Compact(), now)
			if err != nil {
				return err
			}
			invoice.InvoiceNumber = invoicedomain.AgencyInvoiceNumber(d.Period, seq)
		} else {
			invoice.InvoiceNumber = invoicedomain.BranchInvoiceNumber(d.Period, d.BranchCode, invoice.Version)
		}

		if d.AutoSend != nil {
			if err := applyAutoSend(&invoice, *d.AutoSend, now); err != nil {
				return err
			}
		}

		if err := tx.Create(&invoice).Error; err != nil {
			return err
		}
		if lines := m.lineItems(invoice.ID, d.Composition.Lines, now); len(lines) > 0 {
			if err := tx.Create(&lines).Error; err != nil {
				return err
			}
		}

		if current != nil {
			if err := tx.Model(&invoicedomain.Invoice{}).
				Where("id = ?", current.ID).
				Update("superseded_by", invoice.ID).Error; err != nil {
				return err
			}
		}

		if err := claimExpenses(tx, invoice.ID, current, d.ExpenseIDs); err != nil {
			return err
		}

		created = invoice
		return nil
	})
	if err != nil {
		return invoicedomain.Invoice{}, classify(err)
	}

	m.log.Debug("invoice version committed",
		zap.String("invoice_id", created.ID.String()),
		zap.String("invoice_number", created.InvoiceNumber),
		zap.Int("version", created.Version),
		zap.String("status", string(created.Status)),
	)
	return created, nil
}

func (m *Manager) newInvoice(d Draft, current *invoicedomain.Invoice, now time.Time) invoicedomain.Invoice {
	amounts := d.Composition.Amounts
	invoice := invoicedomain.Invoice{
		ID:                   m.genID.Generate(),
		UnitID:               d.UnitID,
		BillingMonth:         d.BillingMonth,
		InvoiceType:          d.InvoiceType,
		Version:              1,
		IsCurrent:            true,
		Status:               invoicedomain.InvoiceStatusDraft,
		PreviousBalance:      amounts.PreviousBalance,
		MaterialAmount:       amounts.MaterialAmount,
		MembershipAmount:     amounts.MembershipAmount,
		OtherExpensesAmount:  amounts.OtherExpensesAmount,
		AdjustmentAmount:     amounts.AdjustmentAmount,
		NonTaxableAmount:     amounts.NonTaxableAmount,
		MaterialReturnAmount: amounts.MaterialReturnAmount,
		Subtotal:             amounts.Subtotal,
		TaxRate:              amounts.TaxRate,
		TaxAmount:            amounts.TaxAmount,
		TotalAmount:          amounts.TotalAmount,
		DueDate:              d.Period.DueDate,
		GenerationReason:     invoicedomain.GenerationReasonInitial,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if len(d.Metadata) > 0 {
		invoice.Metadata = datatypes.JSONMap(d.Metadata)
	}
	if current != nil {
		prev := current.ID
		invoice.Version = current.Version + 1
		invoice.Supersedes = &prev
		invoice.GenerationReason = invoicedomain.GenerationReasonRecalculation
	}
	return invoice
}

func (m *Manager) lineItems(invoiceID snowflake.ID, lines []compose.Line, now time.Time) []invoicedomain.InvoiceLineItem {
	items := make([]invoicedomain.InvoiceLineItem, 0, len(lines))
	for _, line := range lines {
		items = append(items, invoicedomain.InvoiceLineItem{
			ID:          m.genID.Generate(),
			InvoiceID:   invoiceID,
			ItemType:    line.ItemType,
			Description: line.Description,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			Amount:      line.Amount,
			TaxRate:     line.TaxRate,
			TaxAmount:   line.TaxAmount,
			SortOrder:   line.SortOrder,
			CreatedAt:   now,
		})
	}
	return items
}

func findCurrent(q *gorm.DB, key Key) (*invoicedomain.Invoice, error) {
	var rows []invoicedomain.Invoice
	err := q.
		Where("unit_id = ? AND billing_month = ? AND invoice_type = ? AND is_current = ?",
			key.UnitID, key.BillingMonth, key.InvoiceType, true).
		Order("version DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func verifyObserved(observed, current *invoicedomain.Invoice) error {
	switch {
	case observed == nil && current == nil:
		return nil
	case observed == nil:
		return fmt.Errorf("%w: %s appeared during generation", invoicedomain.ErrConcurrentRegeneration, current.InvoiceNumber)
	case current == nil || current.ID != observed.ID:
		return fmt.Errorf("%w: %s is no longer current", invoicedomain.ErrConcurrentRegeneration, observed.InvoiceNumber)
	case !invoicedomain.Regenerable(current.Status):
		return fmt.Errorf("%w: %s is %s", invoicedomain.ErrRegenerationBlocked, current.InvoiceNumber, current.Status)
	}
	return nil
}

func applyAutoSend(invoice *invoicedomain.Invoice, auto AutoSend, now time.Time) error {
	if !invoicedomain.CanTransition(invoice.Status, invoicedomain.InvoiceStatusConfirmed) {
		return invoicedomain.ErrInvalidTransition
	}
	invoice.Status = invoicedomain.InvoiceStatusConfirmed
	invoice.ConfirmedAt = &now

	if auto.ScheduledAt != nil && auto.ScheduledAt.After(now) {
		scheduled := auto.ScheduledAt.UTC()
		method := invoicedomain.SentMethodScheduled
		invoice.ScheduledSendAt = &scheduled
		invoice.SentMethod = &method
		return nil
	}

	if !invoicedomain.CanTransition(invoice.Status, invoicedomain.InvoiceStatusSent) {
		return invoicedomain.ErrInvalidTransition
	}
	method := invoicedomain.SentMethodImmediate
	invoice.Status = invoicedomain.InvoiceStatusSent
	invoice.SentAt = &now
	invoice.SentMethod = &method
	return nil
}

// claimExpenses stamps the matched expenses with the new invoice. Claims held by the
// superseded draft move over; claims it held that no longer match are released.
func claimExpenses(tx *gorm.DB, invoiceID snowflake.ID, superseded *invoicedomain.Invoice, expenseIDs []string) error {
	if superseded != nil {
		release := tx.Table("expenses").Where("invoice_id = ?", superseded.ID)
		if len(expenseIDs) > 0 {
			release = release.Where("id NOT IN ?", expenseIDs)
		}
		if err := release.Update("invoice_id", nil).Error; err != nil {
			return err
		}
	}
	if len(expenseIDs) == 0 {
		return nil
	}

	stmt := tx.Table("expenses").Where("id IN ?", expenseIDs)
	if superseded != nil {
		stmt = stmt.Where("(invoice_id IS NULL OR invoice_id = ?)", superseded.ID)
	} else {
		stmt = stmt.Where("invoice_id IS NULL")
	}
	res := stmt.Update("invoice_id", invoiceID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != int64(len(expenseIDs)) {
		return fmt.Errorf("%w: claimed %d of %d expenses", invoicedomain.ErrClaimConflict, res.RowsAffected, len(expenseIDs))
	}
	return nil
}

func nextSequence(tx *gorm.DB, prefix, period string, now time.Time) (int64, error) {
	seed := invoicedomain.InvoiceSequence{Prefix: prefix, Period: period, UpdatedAt: now}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return 0, err
	}
	res := tx.Model(&invoicedomain.InvoiceSequence{}).
		Where("prefix = ? AND period = ?", prefix, period).
		Updates(map[string]any{
			"last_value": gorm.Expr("last_value + 1"),
			"updated_at": now,
		})
	if res.Error != nil {
		return 0, res.Error
	}

	var seq invoicedomain.InvoiceSequence
	if err := tx.Where("prefix = ? AND period = ?", prefix, period).First(&seq).Error; err != nil {
		return 0, err
	}
	return seq.LastValue, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, invoicedomain.ErrRegenerationBlocked),
		errors.Is(err, invoicedomain.ErrConcurrentRegeneration),
		errors.Is(err, invoicedomain.ErrClaimConflict),
		errors.Is(err, invoicedomain.ErrInvalidTransition):
		return err
	case db.IsDuplicateKeyErr(err), db.IsRetryableTxErr(err):
		// Another writer committed a version of the same chain first.
		return fmt.Errorf("%w: %w", invoicedomain.ErrConcurrentRegeneration, err)
	default:
		return fmt.Errorf("%w: %w", invoicedomain.ErrPersistenceFailure, err)
	}
}
