package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/seikyu/internal/audit/domain"
	"github.com/smallbiznis/seikyu/internal/clock"
	invoicedomain "github.com/smallbiznis/seikyu/internal/invoice/domain"
	"github.com/smallbiznis/seikyu/internal/invoicebatch"
	obscontext "github.com/smallbiznis/seikyu/internal/observability/context"
	obsmetrics "github.com/smallbiznis/seikyu/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	JobSendScheduled     = "send_scheduled"
	JobOverdueSweep      = "overdue_sweep"
	JobMonthlyGeneration = "monthly_generation"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	InvoiceSvc invoicedomain.Service
	Generator  invoicebatch.Generator
	Config     Config `optional:"true"`
}

type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	clock      clock.Clock
	invoiceSvc invoicedomain.Service
	generator  invoicebatch.Generator

	mu            sync.Mutex
	lastGenerated string
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.InvoiceSvc == nil || p.Generator == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		genID:      p.GenID,
		clock:      p.Clock,
		invoiceSvc: p.InvoiceSvc,
		generator:  p.Generator,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; the next tick picks up the remainder
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{JobSendScheduled, s.isJobEnabled(JobSendScheduled), func(ctx context.Context) error {
			return s.runJob(ctx, JobSendScheduled, s.cfg.BatchSize, s.cfg.JobTimeout, s.SendScheduledJob)
		}},
		{JobOverdueSweep, s.isJobEnabled(JobOverdueSweep), func(ctx context.Context) error {
			return s.runJob(ctx, JobOverdueSweep, s.cfg.BatchSize, s.cfg.JobTimeout, s.OverdueSweepJob)
		}},
		{JobMonthlyGeneration, s.cfg.MonthlyGeneration && s.isJobEnabled(JobMonthlyGeneration), func(ctx context.Context) error {
			return s.runJob(ctx, JobMonthlyGeneration, 1, s.cfg.GenerationTimeout, s.MonthlyGenerationJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// empty means every job runs in this process
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// SendScheduledJob sends confirmed invoices whose scheduled send time has passed.
func (s *Scheduler) SendScheduledJob(ctx context.Context) error {
	return s.drain(ctx, JobSendScheduled, s.invoiceSvc.SendDue)
}

// OverdueSweepJob marks sent invoices past their due date as overdue.
func (s *Scheduler) OverdueSweepJob(ctx context.Context) error {
	return s.drain(ctx, JobOverdueSweep, s.invoiceSvc.SweepOverdue)
}

func (s *Scheduler) drain(ctx context.Context, job string, fn func(context.Context, time.Time, int) (int, error)) error {
	ctx, run, owner := s.ensureJobRun(ctx, job, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		processed, err := fn(ctx, s.clock.Now(), s.cfg.BatchSize)
		run.AddProcessed(processed)
		obsmetrics.Scheduler().AddBatchProcessed(job, processed)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.batch.failed", job, err)
			return err
		}
		if processed < s.cfg.BatchSize {
			return nil
		}
	}
}

// MonthlyGenerationJob generates the previous month's branch invoices once
// the configured day of the month has been reached.
func (s *Scheduler) MonthlyGenerationJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobMonthlyGeneration, 1)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	now := s.clock.Now().UTC()
	if now.Day() < s.cfg.MonthlyGenerationDay {
		return nil
	}
	month := invoicedomain.PreviousBillingMonth(now)

	s.mu.Lock()
	done := s.lastGenerated == month
	s.mu.Unlock()
	if done {
		return nil
	}

	var existing int64
	if err := s.db.WithContext(ctx).
		Model(&invoicedomain.Invoice{}).
		Where("billing_month = ? AND invoice_type = ?", month, invoicedomain.InvoiceTypeBranch).
		Count(&existing).Error; err != nil {
		s.logSchedulerError(ctx, run, "scheduler.generation.lookup_failed", JobMonthlyGeneration, err)
		return err
	}
	if existing > 0 {
		s.markGenerated(month)
		return nil
	}

	ctx = obscontext.WithActor(ctx, string(auditdomain.ActorTypeSystem), "scheduler")
	report, err := s.generator.Generate(ctx, invoicebatch.Request{
		BillingMonth: month,
		InvoiceType:  invoicedomain.InvoiceTypeBranch,
		PerformedBy:  "scheduler",
	})
	if errors.Is(err, invoicedomain.ErrBatchInProgress) {
		s.logger(ctx).Info("scheduler.generation.skipped",
			zap.String("billing_month", month),
			zap.String("reason", "batch_in_progress"),
		)
		return nil
	}
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.generation.failed", JobMonthlyGeneration, err,
			zap.String("billing_month", month),
		)
		return err
	}

	s.markGenerated(month)
	run.AddProcessed(report.SuccessCount)
	obsmetrics.Scheduler().AddBatchProcessed(JobMonthlyGeneration, report.SuccessCount)
	s.logger(ctx).Info("scheduler.generation.completed",
		zap.String("billing_month", month),
		zap.String("batch_run_id", report.RunID),
		zap.Int("success_count", report.SuccessCount),
		zap.Int("error_count", report.ErrorCount),
	)
	return nil
}

func (s *Scheduler) markGenerated(month string) {
	s.mu.Lock()
	s.lastGenerated = month
	s.mu.Unlock()
}
