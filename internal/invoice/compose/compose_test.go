package compose

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/seikyu/internal/invoice/aggregate"
	invoicedomain "github.com/smallbiznis/seikyu/internal/invoice/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tenPercent = decimal.NewFromFloat(0.10)

func lineSum(lines []Line) int64 {
	var sum int64
	for _, line := range lines {
		sum += line.Amount
	}
	return sum
}

func TestCompose_ScenarioA(t *testing.T) {
	c := Compose(aggregate.Sources{
		Material: aggregate.MaterialResult{Amount: 33000, OrderCount: 1},
	}, tenPercent)

	assert.Equal(t, int64(0), c.PreviousBalance)
	assert.Equal(t, int64(33000), c.MaterialAmount)
	assert.Equal(t, int64(33000), c.Subtotal)
	assert.Equal(t, int64(3300), c.TaxAmount)
	assert.Equal(t, int64(36300), c.TotalAmount)

	require.Len(t, c.Lines, 1)
	assert.Equal(t, invoicedomain.LineItemMaterial, c.Lines[0].ItemType)
	assert.Equal(t, int64(3300), c.Lines[0].TaxAmount)
	assert.Equal(t, 0.1, c.Lines[0].TaxRate)
}

func TestCompose_ScenarioC_RebateLine(t *testing.T) {
	c := Compose(aggregate.Sources{
		Material: aggregate.MaterialResult{Amount: 100000, OrderCount: 3},
		Rebate: aggregate.RebateResult{
			ClassroomSubtotal: 200000,
			CommissionRate:    decimal.NewFromInt(12),
			Amount:            24000,
		},
	}, tenPercent)

	assert.Equal(t, int64(24000), c.MaterialReturnAmount)
	assert.Equal(t, int64(76000), c.Subtotal)
	assert.Equal(t, int64(10000), c.TaxAmount)

	require.Len(t, c.Lines, 2)
	rebate := c.Lines[1]
	assert.Equal(t, invoicedomain.LineItemMaterialReturn, rebate.ItemType)
	assert.Equal(t, int64(-24000), rebate.Amount)
	assert.Equal(t, 0.0, rebate.TaxRate)
	assert.Equal(t, int64(0), rebate.TaxAmount)
}

func TestCompose_LineOrderAndSubtotal(t *testing.T) {
	c := Compose(aggregate.Sources{
		PreviousBalance: 5000,
		Material:        aggregate.MaterialResult{Amount: 12345, OrderCount: 2},
		Membership:      aggregate.MembershipResult{Gross: 48000, AigranRebate: 4800, Net: 43200, HeadCount: 18, AigranHeadCount: 8},
		Rebate:          aggregate.RebateResult{CommissionRate: decimal.NewFromInt(10), Amount: 777},
		Expenses:        aggregate.ExpenseResult{Taxable: 1001, Adjustment: -300, NonTaxable: 250, Total: 951},
	}, tenPercent)

	want := []invoicedomain.LineItemType{
		invoicedomain.LineItemPreviousBalance,
		invoicedomain.LineItemMaterial,
		invoicedomain.LineItemMembership,
		invoicedomain.LineItemOtherExpenseTaxable,
		invoicedomain.LineItemMaterialReturn,
		invoicedomain.LineItemAdjustment,
		invoicedomain.LineItemNonTaxable,
	}
	require.Len(t, c.Lines, len(want))
	for i, line := range c.Lines {
		assert.Equal(t, want[i], line.ItemType)
		assert.Equal(t, i+1, line.SortOrder)
	}

	assert.Equal(t, c.Subtotal, lineSum(c.Lines))
	assert.Equal(t, int64(5000+12345+43200+1001-300+250-777), c.Subtotal)
	assert.Equal(t, int64(5654), c.TaxAmount)
	assert.Equal(t, c.Subtotal+c.TaxAmount, c.TotalAmount)
	assert.Equal(t, int64(1001), c.OtherExpensesAmount)

	for _, line := range c.Lines {
		switch line.ItemType {
		case invoicedomain.LineItemPreviousBalance, invoicedomain.LineItemMaterialReturn,
			invoicedomain.LineItemAdjustment, invoicedomain.LineItemNonTaxable:
			assert.Equal(t, 0.0, line.TaxRate, string(line.ItemType))
			assert.Equal(t, int64(0), line.TaxAmount, string(line.ItemType))
		default:
			assert.Equal(t, 0.1, line.TaxRate, string(line.ItemType))
		}
	}
	require.NotNil(t, c.Lines[2].Quantity)
	assert.Equal(t, int64(18), *c.Lines[2].Quantity)
}

func TestCompose_ZeroInvoiceHasNoLines(t *testing.T) {
	c := Compose(aggregate.Sources{}, tenPercent)
	assert.Empty(t, c.Lines)
	assert.Equal(t, int64(0), c.Subtotal)
	assert.Equal(t, int64(0), c.TotalAmount)
}

func TestTax_NeverRoundsUp(t *testing.T) {
	assert.Equal(t, int64(1234), Tax(12349, tenPercent))
	assert.Equal(t, int64(0), Tax(9, tenPercent))
	assert.Equal(t, int64(-481), Tax(-4801, tenPercent))

	for base := int64(0); base < 2000; base += 7 {
		tax := Tax(base, tenPercent)
		assert.LessOrEqual(t, tax*10, base)
		assert.Greater(t, (tax+1)*10, base)
	}
}
