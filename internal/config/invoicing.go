package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// InvoicingConfig holds the tunables of the monthly invoice engine.
type InvoicingConfig struct {
	TaxRate               float64           `mapstructure:"taxRate"`
	AigranRebateUnitPrice int64             `mapstructure:"aigranRebateUnitPrice"`
	DefaultCommissionRate float64           `mapstructure:"defaultCommissionRate"`
	Workers               int               `mapstructure:"workers"`
	BatchLockTTL          time.Duration     `mapstructure:"batchLockTTL"`
	Scheduler             SchedulerSettings `mapstructure:"scheduler"`
}

// SchedulerSettings configures the background jobs.
type SchedulerSettings struct {
	RunInterval          time.Duration `mapstructure:"runInterval"`
	BatchSize            int           `mapstructure:"batchSize"`
	MonthlyGeneration    bool          `mapstructure:"monthlyGeneration"`
	MonthlyGenerationDay int           `mapstructure:"monthlyGenerationDay"`
}

func DefaultInvoicingConfig() InvoicingConfig {
	return InvoicingConfig{
		TaxRate:               0.10,
		AigranRebateUnitPrice: 600,
		DefaultCommissionRate: 10,
		Workers:               4,
		BatchLockTTL:          30 * time.Minute,
		Scheduler: SchedulerSettings{
			RunInterval:          time.Minute,
			BatchSize:            100,
			MonthlyGeneration:    false,
			MonthlyGenerationDay: 1,
		},
	}
}

// TaxRateDecimal returns the flat tax rate as an exact decimal.
func (c InvoicingConfig) TaxRateDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.TaxRate)
}

// DefaultCommissionDecimal returns the fallback commission percentage.
func (c InvoicingConfig) DefaultCommissionDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.DefaultCommissionRate)
}

type InvoicingConfigHolder struct {
	current atomic.Value // holds InvoicingConfig
}

// NewStaticInvoicingConfigHolder returns a holder that never reloads.
func NewStaticInvoicingConfigHolder(cfg InvoicingConfig) *InvoicingConfigHolder {
	holder := &InvoicingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewInvoicingConfigHolder(appCfg Config) (*InvoicingConfigHolder, error) {
	v := viper.New()

	if appCfg.InvoicingConfig != "" {
		v.SetConfigFile(appCfg.InvoicingConfig)
	} else {
		v.SetConfigName("invoicing")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/seikyu")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SEIKYU")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultInvoicingConfig()
	v.SetDefault("invoicing.taxRate", defaults.TaxRate)
	v.SetDefault("invoicing.aigranRebateUnitPrice", defaults.AigranRebateUnitPrice)
	v.SetDefault("invoicing.defaultCommissionRate", defaults.DefaultCommissionRate)
	v.SetDefault("invoicing.workers", defaults.Workers)
	v.SetDefault("invoicing.batchLockTTL", defaults.BatchLockTTL)
	v.SetDefault("invoicing.scheduler.runInterval", defaults.Scheduler.RunInterval)
	v.SetDefault("invoicing.scheduler.batchSize", defaults.Scheduler.BatchSize)
	v.SetDefault("invoicing.scheduler.monthlyGeneration", defaults.Scheduler.MonthlyGeneration)
	v.SetDefault("invoicing.scheduler.monthlyGenerationDay", defaults.Scheduler.MonthlyGenerationDay)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	var cfg InvoicingConfig
	if err := v.UnmarshalKey("invoicing", &cfg); err != nil {
		return nil, err
	}
	if err := ValidateInvoicingConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticInvoicingConfigHolder(cfg)
	if !fileLoaded {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated InvoicingConfig
		if err := v.UnmarshalKey("invoicing", &updated); err != nil {
			log.Printf("[invoicing-config] reload failed: %v", err)
			return
		}
		if err := ValidateInvoicingConfig(updated); err != nil {
			log.Printf("[invoicing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[invoicing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *InvoicingConfigHolder) Get() InvoicingConfig {
	if h == nil {
		return DefaultInvoicingConfig()
	}
	cfg, ok := h.current.Load().(InvoicingConfig)
	if !ok {
		return DefaultInvoicingConfig()
	}
	return cfg
}

func ValidateInvoicingConfig(cfg InvoicingConfig) error {
	if cfg.TaxRate < 0 || cfg.TaxRate >= 1 {
		return errors.New("invoicing.taxRate must be in [0, 1)")
	}
	if cfg.AigranRebateUnitPrice < 0 {
		return errors.New("invoicing.aigranRebateUnitPrice cannot be negative")
	}
	if cfg.DefaultCommissionRate < 0 || cfg.DefaultCommissionRate > 100 {
		return errors.New("invoicing.defaultCommissionRate must be in [0, 100]")
	}
	if cfg.Workers <= 0 {
		return errors.New("invoicing.workers must be positive")
	}
	if cfg.Scheduler.MonthlyGenerationDay < 1 || cfg.Scheduler.MonthlyGenerationDay > 28 {
		return errors.New("invoicing.scheduler.monthlyGenerationDay must be in [1, 28]")
	}
	return nil
}
