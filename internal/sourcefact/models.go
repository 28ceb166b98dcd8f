// Package sourcefact reads the orders, membership rosters and expenses the invoice engine consumes.
// Rows are owned by other systems; this package only reads them and converts them into typed facts.
package sourcefact

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	PaymentMethodInvoiceJA = "請求書"
	PaymentMethodInvoice   = "invoice"
	PaymentStatusUnpaid    = "unpaid"
	PriceTypeClassroom     = "classroom"
)

// InvoicePaymentMethods are the payment methods billed through the monthly invoice.
var InvoicePaymentMethods = []string{PaymentMethodInvoiceJA, PaymentMethodInvoice}

const (
	ReviewStatusPending  = "pending"
	ReviewStatusApproved = "approved"
	ReviewStatusRejected = "rejected"
)

// OrderRow is a raw order as stored by the checkout system.
// ShippingAddress holds the JSON document as written.
type OrderRow struct {
	ID              string         `gorm:"primaryKey;type:text"`
	PaymentMethod   string         `gorm:"type:text;not null"`
	PaymentStatus   string         `gorm:"type:text;not null"`
	Subtotal        int64          `gorm:"not null;default:0"`
	TotalAmount     int64          `gorm:"not null;default:0"`
	ShippingAddress datatypes.JSON `json:"shipping_address"`
	CreatedAt       time.Time      `gorm:"not null;index"`
}

func (OrderRow) TableName() string { return "orders" }

// MembershipRow is a raw monthly membership roster record.
type MembershipRow struct {
	ID             string    `gorm:"primaryKey;type:text"`
	BillingMonth   string    `gorm:"type:text;not null;index"`
	BranchCode     string    `gorm:"type:text;not null;index"`
	ClassroomName  string    `gorm:"type:text"`
	Amount         int64     `gorm:"not null;default:0"`
	TotalCount     int64     `gorm:"not null;default:0"`
	IsAigran       bool      `gorm:"not null;default:false"`
	IsExcluded     bool      `gorm:"not null;default:false"`
	IsBankTransfer bool      `gorm:"not null;default:false"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (MembershipRow) TableName() string { return "membership_records" }

// ExpenseRow is a raw expense submitted by a unit.
type ExpenseRow struct {
	ID           string        `gorm:"primaryKey;type:text"`
	StoreCode    string        `gorm:"type:text;not null;index"`
	InvoiceMonth string        `gorm:"type:text;not null;index"`
	ExpenseType  string        `gorm:"type:text;not null"`
	ReviewStatus string        `gorm:"type:text;not null"`
	Description  string        `gorm:"type:text"`
	Amount       int64         `gorm:"not null;default:0"`
	InvoiceID    *snowflake.ID `gorm:"index"`
	CreatedAt    time.Time     `gorm:"not null"`
}

func (ExpenseRow) TableName() string { return "expenses" }

// Order is a validated order.
type Order struct {
	ID            string
	PaymentMethod string
	PaymentStatus string
	Subtotal      int64
	TotalAmount   int64
	StoreCode     string
	PriceType     string
	CreatedAt     time.Time
}

// InBranch reports whether the order ships to a store under the branch code.
func (o Order) InBranch(branchCode string) bool {
	return branchCode != "" && len(o.StoreCode) >= len(branchCode) && o.StoreCode[:len(branchCode)] == branchCode
}

// InvoiceBilled reports whether the order is settled through the monthly invoice.
func (o Order) InvoiceBilled() bool {
	return o.PaymentMethod == PaymentMethodInvoiceJA || o.PaymentMethod == PaymentMethodInvoice
}

// ClassroomPriced reports whether the order was bought at classroom pricing.
func (o Order) ClassroomPriced() bool {
	return o.PriceType == PriceTypeClassroom
}

// MembershipRecord is a validated roster record.
type MembershipRecord struct {
	ID             string
	BillingMonth   string
	BranchCode     string
	ClassroomName  string
	Amount         int64
	TotalCount     int64
	IsAigran       bool
	IsExcluded     bool
	IsBankTransfer bool
}

// ExpenseCategory is the invoice bucket an expense falls into.
type ExpenseCategory string

const (
	ExpenseCategoryTaxable    ExpenseCategory = "taxable"
	ExpenseCategoryAdjustment ExpenseCategory = "adjustment"
	ExpenseCategoryNonTaxable ExpenseCategory = "non_taxable"
)

// CategorizeExpenseType maps an expense type label to its bucket. Unknown labels are taxable.
func CategorizeExpenseType(expenseType string) ExpenseCategory {
	switch expenseType {
	case "調整・返金", "adjustment":
		return ExpenseCategoryAdjustment
	case "非課税分", "non_taxable":
		return ExpenseCategoryNonTaxable
	default:
		return ExpenseCategoryTaxable
	}
}

// Expense is a validated expense.
type Expense struct {
	ID           string
	StoreCode    string
	InvoiceMonth string
	ExpenseType  string
	Category     ExpenseCategory
	ReviewStatus string
	Description  string
	Amount       int64
	InvoiceID    *snowflake.ID
}
