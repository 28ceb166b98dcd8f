package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// UnitInvoiceQuery identifies the invoice chain of a unit for one month.
type UnitInvoiceQuery struct {
	UnitID       snowflake.ID
	BillingMonth string
	InvoiceType  InvoiceType
}

type RecordPaymentRequest struct {
	InvoiceID snowflake.ID
	// PaidAmount is the cumulative amount received so far.
	PaidAmount int64
}

// Service exposes invoice lifecycle operations to the admin surface and the scheduler.
type Service interface {
	GetByID(ctx context.Context, id snowflake.ID) (Invoice, error)
	GetCurrent(ctx context.Context, q UnitInvoiceQuery) (Invoice, error)
	History(ctx context.Context, q UnitInvoiceQuery) ([]Invoice, error)
	LineItems(ctx context.Context, invoiceID snowflake.ID) ([]InvoiceLineItem, error)

	Confirm(ctx context.Context, id snowflake.ID) (Invoice, error)
	Send(ctx context.Context, id snowflake.ID) (Invoice, error)
	RecordPayment(ctx context.Context, req RecordPaymentRequest) (Invoice, error)
	MarkOverdue(ctx context.Context, id snowflake.ID) (Invoice, error)
	Cancel(ctx context.Context, id snowflake.ID) (Invoice, error)

	// SendDue sends confirmed invoices whose scheduled send time has passed.
	SendDue(ctx context.Context, now time.Time, limit int) (int, error)
	// SweepOverdue marks sent invoices past their due date as overdue.
	SweepOverdue(ctx context.Context, now time.Time, limit int) (int, error)
}
