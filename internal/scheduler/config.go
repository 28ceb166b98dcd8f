package scheduler

import (
	"time"

	"github.com/smallbiznis/seikyu/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval          time.Duration
	BatchSize            int
	JobTimeout           time.Duration
	GenerationTimeout    time.Duration
	MonthlyGeneration    bool
	MonthlyGenerationDay int
	// EnabledJobs limits the jobs run by this process. Empty enables all.
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:          time.Minute,
		BatchSize:            100,
		JobTimeout:           30 * time.Second,
		GenerationTimeout:    30 * time.Minute,
		MonthlyGenerationDay: 1,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = defaults.GenerationTimeout
	}
	if c.MonthlyGenerationDay < 1 || c.MonthlyGenerationDay > 28 {
		c.MonthlyGenerationDay = defaults.MonthlyGenerationDay
	}
	return c
}

// ProvideConfig reads the scheduler section of invoicing.yml.
func ProvideConfig(appCfg config.Config, holder *config.InvoicingConfigHolder) Config {
	settings := holder.Get().Scheduler
	return Config{
		RunInterval:          settings.RunInterval,
		BatchSize:            settings.BatchSize,
		MonthlyGeneration:    settings.MonthlyGeneration,
		MonthlyGenerationDay: settings.MonthlyGenerationDay,
		EnabledJobs:          appCfg.SchedulerJobs,
	}
}
