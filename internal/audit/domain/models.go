package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type ActorType string

const (
	ActorTypeSystem ActorType = "system"
	ActorTypeUser   ActorType = "user"
)

const (
	ActionGenerateInvoices = "GENERATE_INVOICES"

	ActionInvoiceConfirmed = "invoice.confirmed"
	ActionInvoiceSent      = "invoice.sent"
	ActionInvoicePayment   = "invoice.payment_recorded"
	ActionInvoiceOverdue   = "invoice.overdue"
	ActionInvoiceCancelled = "invoice.cancelled"

	TargetTypeInvoice      = "invoice"
	TargetTypeInvoiceBatch = "invoice_batch"
)

// AuditLog is an append-only record of an operator or system action.
type AuditLog struct {
	ID            snowflake.ID      `gorm:"primaryKey" json:"id"`
	ActorType     string            `gorm:"type:text;not null" json:"actor_type"`
	ActorID       *string           `gorm:"type:text" json:"actor_id,omitempty"`
	Action        string            `gorm:"type:text;not null;index" json:"action"`
	TargetType    string            `gorm:"type:text;not null" json:"target_type"`
	TargetID      *string           `gorm:"type:text;index" json:"target_id,omitempty"`
	Description   string            `gorm:"type:text" json:"description,omitempty"`
	AffectedCount int               `gorm:"not null;default:0" json:"affected_count"`
	Metadata      datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt     time.Time         `gorm:"not null;index" json:"created_at"`
}

// TableName sets the database table name.
func (AuditLog) TableName() string { return "audit_logs" }

type AuditCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type ListFilter struct {
	Action     string
	TargetType string
	TargetID   string
	ActorType  string
	StartAt    *time.Time
	EndAt      *time.Time
	Cursor     *AuditCursor
	Limit      int
}
