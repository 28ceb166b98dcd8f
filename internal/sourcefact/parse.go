package sourcefact

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	invoicedomain "github.com/smallbiznis/seikyu/internal/invoice/domain"
)

var ErrMalformedRecord = errors.New("malformed_record")

func malformed(table, id, reason string) error {
	return fmt.Errorf("%w: %s %s: %s", ErrMalformedRecord, table, id, reason)
}

type shippingAddress struct {
	StoreCode string `json:"storeCode"`
	PriceType string `json:"priceType"`
}

// ParseOrder validates an order row. An order without a storeCode ships outside every
// branch and parses with an empty StoreCode.
func ParseOrder(row OrderRow) (Order, error) {
	if strings.TrimSpace(row.ID) == "" {
		return Order{}, malformed("order", "?", "missing id")
	}
	var addr shippingAddress
	if len(row.ShippingAddress) > 0 {
		if err := json.Unmarshal(row.ShippingAddress, &addr); err != nil {
			return Order{}, malformed("order", row.ID, "invalid shipping_address")
		}
	}
	storeCode := strings.TrimSpace(addr.StoreCode)
	if row.Subtotal < 0 || row.TotalAmount < 0 {
		return Order{}, malformed("order", row.ID, "negative amount")
	}
	return Order{
		ID:            row.ID,
		PaymentMethod: strings.TrimSpace(row.PaymentMethod),
		PaymentStatus: strings.TrimSpace(row.PaymentStatus),
		Subtotal:      row.Subtotal,
		TotalAmount:   row.TotalAmount,
		StoreCode:     storeCode,
		PriceType:     strings.TrimSpace(addr.PriceType),
		CreatedAt:     row.CreatedAt,
	}, nil
}

// ParseMembershipRecord validates a roster row.
func ParseMembershipRecord(row MembershipRow) (MembershipRecord, error) {
	if !invoicedomain.ValidBillingMonth(row.BillingMonth) {
		return MembershipRecord{}, malformed("membership_record", row.ID, "invalid billing_month")
	}
	branchCode := strings.TrimSpace(row.BranchCode)
	if branchCode == "" {
		return MembershipRecord{}, malformed("membership_record", row.ID, "missing branch_code")
	}
	if utf8.RuneCountInString(branchCode) != invoicedomain.BranchCodeLength {
		return MembershipRecord{}, malformed("membership_record", row.ID, "branch_code must be 4 characters")
	}
	if row.TotalCount < 0 {
		return MembershipRecord{}, malformed("membership_record", row.ID, "negative total_count")
	}
	return MembershipRecord{
		ID:             row.ID,
		BillingMonth:   row.BillingMonth,
		BranchCode:     branchCode,
		ClassroomName:  row.ClassroomName,
		Amount:         row.Amount,
		TotalCount:     row.TotalCount,
		IsAigran:       row.IsAigran,
		IsExcluded:     row.IsExcluded,
		IsBankTransfer: row.IsBankTransfer,
	}, nil
}

// ParseExpense validates an expense row.
func ParseExpense(row ExpenseRow) (Expense, error) {
	storeCode := strings.TrimSpace(row.StoreCode)
	if storeCode == "" {
		return Expense{}, malformed("expense", row.ID, "missing store_code")
	}
	if !invoicedomain.ValidBillingMonth(row.InvoiceMonth) {
		return Expense{}, malformed("expense", row.ID, "invalid invoice_month")
	}
	switch row.ReviewStatus {
	case ReviewStatusPending, ReviewStatusApproved, ReviewStatusRejected:
	default:
		return Expense{}, malformed("expense", row.ID, "unknown review_status")
	}
	expenseType := strings.TrimSpace(row.ExpenseType)
	return Expense{
		ID:           row.ID,
		StoreCode:    storeCode,
		InvoiceMonth: row.InvoiceMonth,
		ExpenseType:  expenseType,
		Category:     CategorizeExpenseType(expenseType),
		ReviewStatus: row.ReviewStatus,
		Description:  row.Description,
		Amount:       row.Amount,
		InvoiceID:    row.InvoiceID,
	}, nil
}
