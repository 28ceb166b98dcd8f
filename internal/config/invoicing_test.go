package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInvoicingConfigHolder_Defaults(t *testing.T) {
	holder, err := NewInvoicingConfigHolder(Config{})
	require.NoError(t, err)

	cfg := holder.Get()
	assert.Equal(t, 0.10, cfg.TaxRate)
	assert.Equal(t, int64(600), cfg.AigranRebateUnitPrice)
	assert.Equal(t, 10.0, cfg.DefaultCommissionRate)
	assert.Equal(t, "0.1", cfg.TaxRateDecimal().String())
}

func TestNewInvoicingConfigHolder_ExplicitMissingFile(t *testing.T) {
	_, err := NewInvoicingConfigHolder(Config{InvoicingConfig: filepath.Join(t.TempDir(), "missing.yml")})
	assert.Error(t, err)
}

func TestNewInvoicingConfigHolder_ReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invoicing.yml")
	content := []byte(`invoicing:
  taxRate: 0.08
  aigranRebateUnitPrice: 500
  defaultCommissionRate: 12
  workers: 2
  batchLockTTL: 10m
  scheduler:
    runInterval: 30s
    batchSize: 10
    monthlyGeneration: true
    monthlyGenerationDay: 3
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	holder, err := NewInvoicingConfigHolder(Config{InvoicingConfig: path})
	require.NoError(t, err)

	cfg := holder.Get()
	assert.Equal(t, 0.08, cfg.TaxRate)
	assert.Equal(t, int64(500), cfg.AigranRebateUnitPrice)
	assert.Equal(t, 12.0, cfg.DefaultCommissionRate)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, 10*time.Minute, cfg.BatchLockTTL)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.RunInterval)
	assert.True(t, cfg.Scheduler.MonthlyGeneration)
	assert.Equal(t, 3, cfg.Scheduler.MonthlyGenerationDay)
}

func TestValidateInvoicingConfig(t *testing.T) {
	cfg := DefaultInvoicingConfig()
	assert.NoError(t, ValidateInvoicingConfig(cfg))

	bad := cfg
	bad.TaxRate = 1.5
	assert.Error(t, ValidateInvoicingConfig(bad))

	bad = cfg
	bad.Workers = 0
	assert.Error(t, ValidateInvoicingConfig(bad))

	bad = cfg
	bad.DefaultCommissionRate = -1
	assert.Error(t, ValidateInvoicingConfig(bad))
}

func TestInvoicingConfigHolder_NilFallsBackToDefaults(t *testing.T) {
	var holder *InvoicingConfigHolder
	assert.Equal(t, DefaultInvoicingConfig(), holder.Get())
}
