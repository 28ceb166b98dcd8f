// Package compose turns aggregated source amounts into invoice amounts and line items.
package compose

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/seikyu/internal/invoice/aggregate"
	invoicedomain "github.com/smallbiznis/seikyu/internal/invoice/domain"
)

// Amounts are the stored monetary fields of an invoice.
type Amounts struct {
	PreviousBalance      int64
	MaterialAmount       int64
	MembershipAmount     int64
	OtherExpensesAmount  int64
	AdjustmentAmount     int64
	NonTaxableAmount     int64
	MaterialReturnAmount int64
	Subtotal             int64
	TaxRate              float64
	TaxAmount            int64
	TotalAmount          int64
}

// TaxableBase is the part of the invoice the flat tax applies to.
func (a Amounts) TaxableBase() int64 {
	return a.MaterialAmount + a.MembershipAmount + a.OtherExpensesAmount
}

// Line is an invoice line before it is persisted.
type Line struct {
	ItemType    invoicedomain.LineItemType
	Description string
	Quantity    *int64
	UnitPrice   *int64
	Amount      int64
	TaxRate     float64
	TaxAmount   int64
	SortOrder   int
}

type Composition struct {
	Amounts
	Lines []Line
}

// Tax returns floor(base * rate).
func Tax(base int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(base).Mul(rate).Floor().IntPart()
}

// Compose computes the invoice totals and ordered lines.
// Lines are emitted only for non-zero amounts; their signed sum equals Subtotal.
func Compose(src aggregate.Sources, taxRate decimal.Decimal) Composition {
	amounts := Amounts{
		PreviousBalance:      src.PreviousBalance,
		MaterialAmount:       src.Material.Amount,
		MembershipAmount:     src.Membership.Net,
		OtherExpensesAmount:  src.Expenses.Taxable,
		AdjustmentAmount:     src.Expenses.Adjustment,
		NonTaxableAmount:     src.Expenses.NonTaxable,
		MaterialReturnAmount: src.Rebate.Amount,
		TaxRate:              taxRate.InexactFloat64(),
	}
	amounts.Subtotal = amounts.PreviousBalance +
		amounts.MaterialAmount +
		amounts.MembershipAmount +
		amounts.OtherExpensesAmount +
		amounts.AdjustmentAmount +
		amounts.NonTaxableAmount -
		amounts.MaterialReturnAmount
	amounts.TaxAmount = Tax(amounts.TaxableBase(), taxRate)
	amounts.TotalAmount = amounts.Subtotal + amounts.TaxAmount

	b := lineBuilder{rate: taxRate}
	b.untaxed(invoicedomain.LineItemPreviousBalance, "前月繰越残高", amounts.PreviousBalance, nil)
	b.taxed(invoicedomain.LineItemMaterial, fmt.Sprintf("教材費（%d件）", src.Material.OrderCount), amounts.MaterialAmount, nil)
	b.taxed(invoicedomain.LineItemMembership, membershipDescription(src.Membership), amounts.MembershipAmount, quantity(src.Membership.HeadCount))
	b.taxed(invoicedomain.LineItemOtherExpenseTaxable, "その他経費（課税）", amounts.OtherExpensesAmount, nil)
	b.untaxed(invoicedomain.LineItemMaterialReturn, fmt.Sprintf("教材リターン（%s%%）", src.Rebate.CommissionRate.String()), -amounts.MaterialReturnAmount, nil)
	b.untaxed(invoicedomain.LineItemAdjustment, "調整・返金", amounts.AdjustmentAmount, nil)
	b.untaxed(invoicedomain.LineItemNonTaxable, "非課税経費", amounts.NonTaxableAmount, nil)

	return Composition{Amounts: amounts, Lines: b.lines}
}

func membershipDescription(m aggregate.MembershipResult) string {
	if m.AigranHeadCount > 0 {
		return fmt.Sprintf("会費（%d名、アイグラン%d名割引後）", m.HeadCount, m.AigranHeadCount)
	}
	return fmt.Sprintf("会費（%d名）", m.HeadCount)
}

func quantity(n int64) *int64 {
	if n <= 0 {
		return nil
	}
	return &n
}

type lineBuilder struct {
	rate  decimal.Decimal
	lines []Line
}

func (b *lineBuilder) taxed(itemType invoicedomain.LineItemType, description string, amount int64, qty *int64) {
	if amount == 0 {
		return
	}
	b.add(Line{
		ItemType:    itemType,
		Description: description,
		Quantity:    qty,
		Amount:      amount,
		TaxRate:     b.rate.InexactFloat64(),
		TaxAmount:   Tax(amount, b.rate),
	})
}

func (b *lineBuilder) untaxed(itemType invoicedomain.LineItemType, description string, amount int64, qty *int64) {
	if amount == 0 {
		return
	}
	b.add(Line{
		ItemType:    itemType,
		Description: description,
		Quantity:    qty,
		Amount:      amount,
	})
}

func (b *lineBuilder) add(line Line) {
	line.SortOrder = len(b.lines) + 1
	b.lines = append(b.lines, line)
}
