// Package domain contains persistence models and rules for monthly invoicing.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusDraft       InvoiceStatus = "draft"
	InvoiceStatusConfirmed   InvoiceStatus = "confirmed"
	InvoiceStatusSent        InvoiceStatus = "sent"
	InvoiceStatusPaid        InvoiceStatus = "paid"
	InvoiceStatusPartialPaid InvoiceStatus = "partial_paid"
	InvoiceStatusOverdue     InvoiceStatus = "overdue"
	InvoiceStatusCancelled   InvoiceStatus = "cancelled"
	InvoiceStatusSuperseded  InvoiceStatus = "superseded"
)

// InvoiceType separates branch invoices from agency invoices for the same unit and month.
type InvoiceType string

const (
	InvoiceTypeBranch InvoiceType = "branch"
	InvoiceTypeAgency InvoiceType = "agency"
)

// ParseInvoiceType validates an invoice type token. Empty defaults to branch.
func ParseInvoiceType(value string) (InvoiceType, error) {
	switch InvoiceType(value) {
	case "", InvoiceTypeBranch:
		return InvoiceTypeBranch, nil
	case InvoiceTypeAgency:
		return InvoiceTypeAgency, nil
	default:
		return "", ErrInvalidInvoiceType
	}
}

type GenerationReason string

const (
	GenerationReasonInitial       GenerationReason = "initial"
	GenerationReasonRecalculation GenerationReason = "recalculation"
)

type SentMethod string

const (
	SentMethodImmediate SentMethod = "immediate"
	SentMethodScheduled SentMethod = "scheduled"
	SentMethodManual    SentMethod = "manual"
)

// LineItemType identifies the source bucket of an invoice line.
type LineItemType string

const (
	LineItemPreviousBalance     LineItemType = "previous_balance"
	LineItemMaterial            LineItemType = "material"
	LineItemMembership          LineItemType = "membership"
	LineItemOtherExpenseTaxable LineItemType = "other_expense_taxable"
	LineItemMaterialReturn      LineItemType = "material_return"
	LineItemAdjustment          LineItemType = "adjustment"
	LineItemNonTaxable          LineItemType = "non_taxable"
)

// Invoice is one version of the monthly invoice of a unit.
// Amounts are whole yen.
type Invoice struct {
	ID                   snowflake.ID      `gorm:"primaryKey" json:"id"`
	UnitID               snowflake.ID      `gorm:"not null;index;uniqueIndex:ux_invoice_version,priority:1" json:"unit_id"`
	BillingMonth         string            `gorm:"type:text;not null;index;uniqueIndex:ux_invoice_version,priority:2" json:"billing_month"`
	InvoiceType          InvoiceType       `gorm:"type:text;not null;default:'branch';uniqueIndex:ux_invoice_version,priority:3" json:"invoice_type"`
	Version              int               `gorm:"not null;uniqueIndex:ux_invoice_version,priority:4" json:"version"`
	InvoiceNumber        string            `gorm:"type:text;not null;index" json:"invoice_number"`
	IsCurrent            bool              `gorm:"not null;index" json:"is_current"`
	Status               InvoiceStatus     `gorm:"type:text;not null;default:'draft';index" json:"status"`
	PreviousBalance      int64             `gorm:"not null;default:0" json:"previous_balance"`
	MaterialAmount       int64             `gorm:"not null;default:0" json:"material_amount"`
	MembershipAmount     int64             `gorm:"not null;default:0" json:"membership_amount"`
	OtherExpensesAmount  int64             `gorm:"not null;default:0" json:"other_expenses_amount"`
	AdjustmentAmount     int64             `gorm:"not null;default:0" json:"adjustment_amount"`
	NonTaxableAmount     int64             `gorm:"not null;default:0" json:"non_taxable_amount"`
	MaterialReturnAmount int64             `gorm:"not null;default:0" json:"material_return_amount"`
	Subtotal             int64             `gorm:"not null;default:0" json:"subtotal"`
	TaxRate              float64           `gorm:"not null;default:0" json:"tax_rate"`
	TaxAmount            int64             `gorm:"not null;default:0" json:"tax_amount"`
	TotalAmount          int64             `gorm:"not null;default:0" json:"total_amount"`
	PaidAmount           int64             `gorm:"not null;default:0" json:"paid_amount"`
	DueDate              time.Time         `gorm:"not null" json:"due_date"`
	Supersedes           *snowflake.ID     `gorm:"index" json:"supersedes,omitempty"`
	SupersededBy         *snowflake.ID     `gorm:"index" json:"superseded_by,omitempty"`
	GenerationReason     GenerationReason  `gorm:"type:text;not null" json:"generation_reason"`
	SentMethod           *SentMethod       `gorm:"type:text" json:"sent_method,omitempty"`
	ScheduledSendAt      *time.Time        `gorm:"index" json:"scheduled_send_at,omitempty"`
	SentAt               *time.Time        `json:"sent_at,omitempty"`
	ConfirmedAt          *time.Time        `json:"confirmed_at,omitempty"`
	PaidAt               *time.Time        `json:"paid_at,omitempty"`
	CancelledAt          *time.Time        `json:"cancelled_at,omitempty"`
	Metadata             datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt            time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt            time.Time         `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// Outstanding returns the unsettled part of the invoice total.
func (i Invoice) Outstanding() int64 {
	return i.TotalAmount - i.PaidAmount
}

// InvoiceLineItem is a single line of an invoice. Amount is signed.
type InvoiceLineItem struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	InvoiceID   snowflake.ID `gorm:"not null;index" json:"invoice_id"`
	ItemType    LineItemType `gorm:"type:text;not null" json:"item_type"`
	Description string       `gorm:"type:text;not null" json:"description"`
	Quantity    *int64       `json:"quantity,omitempty"`
	UnitPrice   *int64       `json:"unit_price,omitempty"`
	Amount      int64        `gorm:"not null" json:"amount"`
	TaxRate     float64      `gorm:"not null;default:0" json:"tax_rate"`
	TaxAmount   int64        `gorm:"not null;default:0" json:"tax_amount"`
	SortOrder   int          `gorm:"not null" json:"sort_order"`
	CreatedAt   time.Time    `gorm:"not null" json:"created_at"`
}

// TableName sets the database table name.
func (InvoiceLineItem) TableName() string { return "invoice_line_items" }

// InvoiceSequence holds the last issued number for a prefix and period.
type InvoiceSequence struct {
	Prefix    string    `gorm:"primaryKey;type:text"`
	Period    string    `gorm:"primaryKey;type:text"`
	LastValue int64     `gorm:"not null;default:0"`
	UpdatedAt time.Time `gorm:"not null"`
}

// TableName sets the database table name.
func (InvoiceSequence) TableName() string { return "invoice_sequences" }
