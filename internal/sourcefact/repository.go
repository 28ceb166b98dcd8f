package sourcefact

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// MembershipFilter selects roster records. Excluded records are never returned.
type MembershipFilter struct {
	BillingMonth string
	// BranchCode is optional; empty returns every branch.
	BranchCode   string
	BankTransfer bool
}

// Repository reads source facts. Every row passes through the parsers; one malformed row fails the read.
type Repository interface {
	InvoiceBilledUnpaidOrders(ctx context.Context, start, end time.Time) ([]Order, error)
	OrdersCreatedBetween(ctx context.Context, start, end time.Time) ([]Order, error)
	MembershipRecords(ctx context.Context, filter MembershipFilter) ([]MembershipRecord, error)
	// ClaimableExpenses returns approved expenses of the store for the month that are unclaimed
	// or claimed by claimedBy.
	ClaimableExpenses(ctx context.Context, storeCode, invoiceMonth string, claimedBy *snowflake.ID) ([]Expense, error)
}

type repo struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repo{db: db}
}

func (r *repo) InvoiceBilledUnpaidOrders(ctx context.Context, start, end time.Time) ([]Order, error) {
	var rows []OrderRow
	err := r.db.WithContext(ctx).
		Where("created_at >= ? AND created_at <= ?", start, end).
		Where("payment_method IN ?", InvoicePaymentMethods).
		Where("payment_status = ?", PaymentStatusUnpaid).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return parseOrders(rows)
}

func (r *repo) OrdersCreatedBetween(ctx context.Context, start, end time.Time) ([]Order, error) {
	var rows []OrderRow
	err := r.db.WithContext(ctx).
		Where("created_at >= ? AND created_at <= ?", start, end).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return parseOrders(rows)
}

func (r *repo) MembershipRecords(ctx context.Context, filter MembershipFilter) ([]MembershipRecord, error) {
	var rows []MembershipRow
	stmt := r.db.WithContext(ctx).
		Where("billing_month = ?", filter.BillingMonth).
		Where("is_excluded = ?", false).
		Where("is_bank_transfer = ?", filter.BankTransfer)
	if filter.BranchCode != "" {
		stmt = stmt.Where("branch_code = ?", filter.BranchCode)
	}
	if err := stmt.Order("branch_code ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}

	records := make([]MembershipRecord, 0, len(rows))
	for _, row := range rows {
		record, err := ParseMembershipRecord(row)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (r *repo) ClaimableExpenses(ctx context.Context, storeCode, invoiceMonth string, claimedBy *snowflake.ID) ([]Expense, error) {
	var rows []ExpenseRow
	stmt := r.db.WithContext(ctx).
		Where("store_code = ?", storeCode).
		Where("invoice_month = ?", invoiceMonth).
		Where("review_status = ?", ReviewStatusApproved)
	if claimedBy != nil {
		stmt = stmt.Where("(invoice_id IS NULL OR invoice_id = ?)", *claimedBy)
	} else {
		stmt = stmt.Where("invoice_id IS NULL")
	}
	if err := stmt.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}

	expenses := make([]Expense, 0, len(rows))
	for _, row := range rows {
		expense, err := ParseExpense(row)
		if err != nil {
			return nil, err
		}
		expenses = append(expenses, expense)
	}
	return expenses, nil
}

func parseOrders(rows []OrderRow) ([]Order, error) {
	orders := make([]Order, 0, len(rows))
	for _, row := range rows {
		order, err := ParseOrder(row)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}
