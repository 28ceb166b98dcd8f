// Package invoicetest seeds source facts and invoices into an in-memory database for tests.
package invoicetest

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	invoicedomain "github.com/smallbiznis/seikyu/internal/invoice/domain"
	"github.com/smallbiznis/seikyu/internal/migration"
	"github.com/smallbiznis/seikyu/internal/orgunit"
	"github.com/smallbiznis/seikyu/internal/sourcefact"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbCounter atomic.Int64

// OpenDB opens a private in-memory sqlite database with the full schema.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, dbCounter.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, migration.AutoMigrate(db))
	return db
}

// Node returns a snowflake node for test ids.
func Node(t testing.TB) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return node
}

// Fixtures writes rows with sensible defaults.
type Fixtures struct {
	t     testing.TB
	db    *gorm.DB
	node  *snowflake.Node
	seq   int
	clock time.Time
}

func New(t testing.TB, db *gorm.DB) *Fixtures {
	return &Fixtures{
		t:     t,
		db:    db,
		node:  Node(t),
		clock: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (f *Fixtures) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%04d", prefix, f.seq)
}

// Unit inserts an active unit.
func (f *Fixtures) Unit(name, storeCode string, unitType orgunit.UnitType, commission *float64) orgunit.Unit {
	f.t.Helper()
	unit := orgunit.Unit{
		ID:             f.node.Generate(),
		Name:           name,
		StoreCode:      storeCode,
		Type:           unitType,
		CommissionRate: commission,
		IsActive:       true,
		CreatedAt:      f.clock,
	}
	require.NoError(f.t, f.db.Create(&unit).Error)
	return unit
}

// Order describes an order to seed.
type Order struct {
	StoreCode     string
	PriceType     string
	PaymentMethod string
	PaymentStatus string
	Subtotal      int64
	TotalAmount   int64
	CreatedAt     time.Time
}

func (f *Fixtures) Order(o Order) sourcefact.OrderRow {
	f.t.Helper()
	if o.PaymentMethod == "" {
		o.PaymentMethod = sourcefact.PaymentMethodInvoiceJA
	}
	if o.PaymentStatus == "" {
		o.PaymentStatus = sourcefact.PaymentStatusUnpaid
	}
	if o.PriceType == "" {
		o.PriceType = "regular"
	}
	addr, err := json.Marshal(map[string]string{"storeCode": o.StoreCode, "priceType": o.PriceType})
	require.NoError(f.t, err)

	row := sourcefact.OrderRow{
		ID:              f.nextID("ord"),
		PaymentMethod:   o.PaymentMethod,
		PaymentStatus:   o.PaymentStatus,
		Subtotal:        o.Subtotal,
		TotalAmount:     o.TotalAmount,
		ShippingAddress: datatypes.JSON(addr),
		CreatedAt:       o.CreatedAt.UTC(),
	}
	require.NoError(f.t, f.db.Create(&row).Error)
	return row
}

// RawOrder inserts an order with the given shipping_address payload as is.
func (f *Fixtures) RawOrder(shippingAddress string, createdAt time.Time) sourcefact.OrderRow {
	f.t.Helper()
	row := sourcefact.OrderRow{
		ID:              f.nextID("ord"),
		PaymentMethod:   sourcefact.PaymentMethodInvoice,
		PaymentStatus:   sourcefact.PaymentStatusUnpaid,
		TotalAmount:     1000,
		ShippingAddress: datatypes.JSON(shippingAddress),
		CreatedAt:       createdAt.UTC(),
	}
	require.NoError(f.t, f.db.Create(&row).Error)
	return row
}

// Membership describes a roster record to seed.
type Membership struct {
	BillingMonth   string
	BranchCode     string
	Amount         int64
	TotalCount     int64
	IsAigran       bool
	IsExcluded     bool
	IsBankTransfer bool
}

func (f *Fixtures) Membership(m Membership) sourcefact.MembershipRow {
	f.t.Helper()
	row := sourcefact.MembershipRow{
		ID:             f.nextID("mem"),
		BillingMonth:   m.BillingMonth,
		BranchCode:     m.BranchCode,
		Amount:         m.Amount,
		TotalCount:     m.TotalCount,
		IsAigran:       m.IsAigran,
		IsExcluded:     m.IsExcluded,
		IsBankTransfer: m.IsBankTransfer,
		CreatedAt:      f.clock,
	}
	require.NoError(f.t, f.db.Create(&row).Error)
	return row
}

// Expense describes an expense to seed. ReviewStatus defaults to approved.
type Expense struct {
	StoreCode    string
	InvoiceMonth string
	ExpenseType  string
	ReviewStatus string
	Amount       int64
	InvoiceID    *snowflake.ID
}

func (f *Fixtures) Expense(e Expense) sourcefact.ExpenseRow {
	f.t.Helper()
	if e.ReviewStatus == "" {
		e.ReviewStatus = sourcefact.ReviewStatusApproved
	}
	row := sourcefact.ExpenseRow{
		ID:           f.nextID("exp"),
		StoreCode:    e.StoreCode,
		InvoiceMonth: e.InvoiceMonth,
		ExpenseType:  e.ExpenseType,
		ReviewStatus: e.ReviewStatus,
		Amount:       e.Amount,
		InvoiceID:    e.InvoiceID,
		CreatedAt:    f.clock,
	}
	require.NoError(f.t, f.db.Create(&row).Error)
	return row
}

// Invoice inserts an invoice row directly. Zero fields get draft defaults; IsCurrent is used as given.
func (f *Fixtures) Invoice(inv invoicedomain.Invoice) invoicedomain.Invoice {
	f.t.Helper()
	if inv.ID == 0 {
		inv.ID = f.node.Generate()
	}
	if inv.InvoiceType == "" {
		inv.InvoiceType = invoicedomain.InvoiceTypeBranch
	}
	if inv.Version == 0 {
		inv.Version = 1
	}
	if inv.Status == "" {
		inv.Status = invoicedomain.InvoiceStatusDraft
	}
	if inv.InvoiceNumber == "" {
		inv.InvoiceNumber = fmt.Sprintf("TEST-%d", inv.ID)
	}
	if inv.GenerationReason == "" {
		inv.GenerationReason = invoicedomain.GenerationReasonInitial
	}
	if inv.DueDate.IsZero() {
		inv.DueDate = f.clock
	}
	inv.CreatedAt = f.clock
	inv.UpdatedAt = f.clock
	require.NoError(f.t, f.db.Create(&inv).Error)
	return inv
}

// ExpenseInvoiceID returns the claim stored on an expense.
func (f *Fixtures) ExpenseInvoiceID(id string) *snowflake.ID {
	f.t.Helper()
	var row sourcefact.ExpenseRow
	require.NoError(f.t, f.db.Where("id = ?", id).First(&row).Error)
	return row.InvoiceID
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }
