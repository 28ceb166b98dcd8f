package migration

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	invoicedomain "github.com/smallbiznis/seikyu/internal/invoice/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestAutoMigrate_SingleCurrentInvoice(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:migration_current?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, Run(db))

	now := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	base := invoicedomain.Invoice{
		UnitID:           1,
		BillingMonth:     "2024-03",
		InvoiceType:      invoicedomain.InvoiceTypeBranch,
		IsCurrent:        true,
		Status:           invoicedomain.InvoiceStatusDraft,
		GenerationReason: invoicedomain.GenerationReasonInitial,
		DueDate:          now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	first := base
	first.ID = 10
	first.Version = 1
	first.InvoiceNumber = "INV-202403-1110-v1"
	require.NoError(t, db.Create(&first).Error)

	second := base
	second.ID = 11
	second.Version = 2
	second.InvoiceNumber = "INV-202403-1110-v2"
	assert.Error(t, db.Create(&second).Error)

	require.NoError(t, db.Model(&invoicedomain.Invoice{}).Where("id = ?", 10).Update("is_current", false).Error)
	assert.NoError(t, db.Create(&second).Error)
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	entries, err := embeddedMigrations.ReadDir(migrationsDir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
