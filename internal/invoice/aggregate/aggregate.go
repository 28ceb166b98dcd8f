// Package aggregate computes the per-unit amounts an invoice is composed from.
// Each aggregator reads its own source and never writes.
package aggregate

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	invoicedomain "github.com/smallbiznis/seikyu/internal/invoice/domain"
	"github.com/smallbiznis/seikyu/internal/sourcefact"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var hundred = decimal.NewFromInt(100)

// PreviousBalanceAggregator sums what earlier issued branch invoices still owe.
type PreviousBalanceAggregator struct {
	db *gorm.DB
}

func NewPreviousBalanceAggregator(db *gorm.DB) PreviousBalanceAggregator {
	return PreviousBalanceAggregator{db: db}
}

func (a PreviousBalanceAggregator) Aggregate(ctx context.Context, unitID snowflake.ID, billingMonth string) (int64, error) {
	var balance int64
	err := a.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(total_amount - paid_amount), 0)
		 FROM invoices
		 WHERE unit_id = ? AND billing_month < ? AND invoice_type = ? AND status IN ?`,
		unitID,
		billingMonth,
		invoicedomain.InvoiceTypeBranch,
		invoicedomain.BalanceStatuses(),
	).Scan(&balance).Error
	if err != nil {
		return 0, fmt.Errorf("previous balance: %w", err)
	}
	return balance, nil
}

type MaterialResult struct {
	Amount     int64
	OrderCount int
}

// MaterialAggregator sums unpaid invoice-billed orders shipped under the branch code.
type MaterialAggregator struct {
	facts sourcefact.Repository
}

func NewMaterialAggregator(facts sourcefact.Repository) MaterialAggregator {
	return MaterialAggregator{facts: facts}
}

func (a MaterialAggregator) Aggregate(ctx context.Context, branchCode string, period invoicedomain.Period) (MaterialResult, error) {
	orders, err := a.facts.InvoiceBilledUnpaidOrders(ctx, period.Start, period.End)
	if err != nil {
		return MaterialResult{}, fmt.Errorf("material orders: %w", err)
	}

	var result MaterialResult
	for _, order := range orders {
		if !order.InvoiceBilled() || order.PaymentStatus != sourcefact.PaymentStatusUnpaid {
			continue
		}
		if !order.InBranch(branchCode) {
			continue
		}
		result.Amount += order.TotalAmount
		result.OrderCount++
	}
	return result, nil
}

type MembershipResult struct {
	Gross           int64
	AigranRebate    int64
	Net             int64
	HeadCount       int64
	AigranHeadCount int64
	RecordCount     int
}

// SummarizeMembership nets the Aigran per-head rebate out of the gross membership total.
func SummarizeMembership(records []sourcefact.MembershipRecord, aigranUnitPrice int64) MembershipResult {
	var result MembershipResult
	for _, record := range records {
		result.Gross += record.Amount
		result.HeadCount += record.TotalCount
		if record.IsAigran {
			result.AigranHeadCount += record.TotalCount
			result.AigranRebate += record.TotalCount * aigranUnitPrice
		}
		result.RecordCount++
	}
	result.Net = result.Gross - result.AigranRebate
	return result
}

// MembershipFeeAggregator sums the directly collected membership fees of a branch.
// Bank-transfer fees are billed to the agency instead.
type MembershipFeeAggregator struct {
	facts sourcefact.Repository
}

func NewMembershipFeeAggregator(facts sourcefact.Repository) MembershipFeeAggregator {
	return MembershipFeeAggregator{facts: facts}
}

func (a MembershipFeeAggregator) Aggregate(ctx context.Context, branchCode, billingMonth string, aigranUnitPrice int64) (MembershipResult, error) {
	records, err := a.facts.MembershipRecords(ctx, sourcefact.MembershipFilter{
		BillingMonth: billingMonth,
		BranchCode:   branchCode,
		BankTransfer: false,
	})
	if err != nil {
		return MembershipResult{}, fmt.Errorf("membership records: %w", err)
	}
	return SummarizeMembership(records, aigranUnitPrice), nil
}

type RebateResult struct {
	ClassroomSubtotal int64
	CommissionRate    decimal.Decimal
	Amount            int64
}

// MaterialRebateAggregator computes the commission a branch earns on classroom-priced orders.
type MaterialRebateAggregator struct {
	facts sourcefact.Repository
}

func NewMaterialRebateAggregator(facts sourcefact.Repository) MaterialRebateAggregator {
	return MaterialRebateAggregator{facts: facts}
}

func (a MaterialRebateAggregator) Aggregate(ctx context.Context, branchCode string, period invoicedomain.Period, commissionRate decimal.Decimal) (RebateResult, error) {
	orders, err := a.facts.OrdersCreatedBetween(ctx, period.Start, period.End)
	if err != nil {
		return RebateResult{}, fmt.Errorf("classroom orders: %w", err)
	}

	result := RebateResult{CommissionRate: commissionRate}
	for _, order := range orders {
		if order.InBranch(branchCode) && order.ClassroomPriced() {
			result.ClassroomSubtotal += order.Subtotal
		}
	}
	result.Amount = Commission(result.ClassroomSubtotal, commissionRate)
	return result, nil
}

// Commission returns floor(base * ratePercent / 100).
func Commission(base int64, ratePercent decimal.Decimal) int64 {
	return decimal.NewFromInt(base).Mul(ratePercent).Div(hundred).Floor().IntPart()
}

type ExpenseResult struct {
	Taxable    int64
	Adjustment int64
	NonTaxable int64
	Total      int64
	ExpenseIDs []string
}

// ExpenseAggregator buckets the approved, unclaimed expenses of one store code.
type ExpenseAggregator struct {
	facts sourcefact.Repository
}

func NewExpenseAggregator(facts sourcefact.Repository) ExpenseAggregator {
	return ExpenseAggregator{facts: facts}
}

// Aggregate matches the store code exactly. claimedBy, when set, is the draft about to be
// superseded; its claims are included so they move to the new version.
func (a ExpenseAggregator) Aggregate(ctx context.Context, storeCode, billingMonth string, claimedBy *snowflake.ID) (ExpenseResult, error) {
	expenses, err := a.facts.ClaimableExpenses(ctx, storeCode, billingMonth, claimedBy)
	if err != nil {
		return ExpenseResult{}, fmt.Errorf("expenses: %w", err)
	}

	result := ExpenseResult{ExpenseIDs: make([]string, 0, len(expenses))}
	for _, expense := range expenses {
		switch expense.Category {
		case sourcefact.ExpenseCategoryAdjustment:
			result.Adjustment += expense.Amount
		case sourcefact.ExpenseCategoryNonTaxable:
			result.NonTaxable += expense.Amount
		default:
			result.Taxable += expense.Amount
		}
		result.ExpenseIDs = append(result.ExpenseIDs, expense.ID)
	}
	result.Total = result.Taxable + result.Adjustment + result.NonTaxable
	return result, nil
}

// UnitInput is everything the aggregators need to know about one branch unit.
type UnitInput struct {
	UnitID                snowflake.ID
	StoreCode             string
	Period                invoicedomain.Period
	CommissionRate        decimal.Decimal
	AigranRebateUnitPrice int64
	ClaimedBy             *snowflake.ID
}

// BranchCode is the four character prefix shared by the stores of a branch.
func (in UnitInput) BranchCode() string {
	return invoicedomain.BranchCode(in.StoreCode)
}

// Sources holds the outputs of the five aggregators for one unit.
type Sources struct {
	PreviousBalance int64
	Material        MaterialResult
	Membership      MembershipResult
	Rebate          RebateResult
	Expenses        ExpenseResult
}

// Set runs the five aggregators of a unit.
type Set struct {
	PreviousBalance PreviousBalanceAggregator
	Material        MaterialAggregator
	Membership      MembershipFeeAggregator
	Rebate          MaterialRebateAggregator
	Expenses        ExpenseAggregator
}

func NewSet(db *gorm.DB, facts sourcefact.Repository) *Set {
	return &Set{
		PreviousBalance: NewPreviousBalanceAggregator(db),
		Material:        NewMaterialAggregator(facts),
		Membership:      NewMembershipFeeAggregator(facts),
		Rebate:          NewMaterialRebateAggregator(facts),
		Expenses:        NewExpenseAggregator(facts),
	}
}

// Collect runs the aggregators concurrently. The first failure cancels the rest.
func (s *Set) Collect(ctx context.Context, in UnitInput) (Sources, error) {
	var out Sources
	branchCode := in.BranchCode()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		balance, err := s.PreviousBalance.Aggregate(gctx, in.UnitID, in.Period.Month)
		out.PreviousBalance = balance
		return err
	})
	g.Go(func() error {
		material, err := s.Material.Aggregate(gctx, branchCode, in.Period)
		out.Material = material
		return err
	})
	g.Go(func() error {
		membership, err := s.Membership.Aggregate(gctx, branchCode, in.Period.Month, in.AigranRebateUnitPrice)
		out.Membership = membership
		return err
	})
	g.Go(func() error {
		rebate, err := s.Rebate.Aggregate(gctx, branchCode, in.Period, in.CommissionRate)
		out.Rebate = rebate
		return err
	})
	g.Go(func() error {
		expenses, err := s.Expenses.Aggregate(gctx, in.StoreCode, in.Period.Month, in.ClaimedBy)
		out.Expenses = expenses
		return err
	})
	if err := g.Wait(); err != nil {
		return Sources{}, err
	}
	return out, nil
}
