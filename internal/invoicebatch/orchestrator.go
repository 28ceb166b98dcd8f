package invoicebatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	auditdomain "github.com/smallbiznis/seikyu/internal/audit/domain"
	"github.com/smallbiznis/seikyu/internal/clock"
	"github.com/smallbiznis/seikyu/internal/config"
	"github.com/smallbiznis/seikyu/internal/invoice/aggregate"
	"github.com/smallbiznis/seikyu/internal/invoice/compose"
	invoicedomain "github.com/smallbiznis/seikyu/internal/invoice/domain"
	"github.com/smallbiznis/seikyu/internal/invoice/versioning"
	obscontext "github.com/smallbiznis/seikyu/internal/observability/context"
	"github.com/smallbiznis/seikyu/internal/observability/logger"
	"github.com/smallbiznis/seikyu/internal/observability/metrics"
	"github.com/smallbiznis/seikyu/internal/observability/tracing"
	"github.com/smallbiznis/seikyu/internal/orgunit"
	"github.com/smallbiznis/seikyu/internal/sourcefact"
	"github.com/smallbiznis/seikyu/pkg/lock"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const tracerName = "seikyu/invoicebatch"

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	Config   *config.InvoicingConfigHolder
	Units    orgunit.Repository
	Facts    sourcefact.Repository
	Versions *versioning.Manager
	Audit    auditdomain.Service
	Locker   *lock.Locker `optional:"true"`
}

type Orchestrator struct {
	log      *zap.Logger
	clock    clock.Clock
	config   *config.InvoicingConfigHolder
	units    orgunit.Repository
	facts    sourcefact.Repository
	sources  *aggregate.Set
	versions *versioning.Manager
	audit    auditdomain.Service
	metrics  *metrics.InvoiceMetrics
	guard    *guard
}

func NewOrchestrator(p Params) *Orchestrator {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Orchestrator{
		log:      p.Log.Named("invoicebatch"),
		clock:    c,
		config:   p.Config,
		units:    p.Units,
		facts:    p.Facts,
		sources:  aggregate.NewSet(p.DB, p.Facts),
		versions: p.Versions,
		audit:    p.Audit,
		metrics:  metrics.Invoice(),
		guard:    newGuard(p.Locker),
	}
}

// Generate runs one batch. A non-nil error means the batch was aborted before any unit ran;
// per-unit failures are reported in the Report instead.
func (o *Orchestrator) Generate(ctx context.Context, req Request) (report Report, err error) {
	started := time.Now()
	invoiceType, err := invoicedomain.ParseInvoiceType(string(req.InvoiceType))
	if err != nil {
		return Report{}, err
	}
	req.InvoiceType = invoiceType

	period, err := invoicedomain.ResolvePeriod(req.BillingMonth)
	if err != nil {
		o.metrics.IncBatchAborted(string(invoiceType))
		return Report{}, err
	}

	runID := ulid.Make().String()
	ctx = obscontext.WithRunID(ctx, runID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "invoicebatch.generate",
		attribute.String("billing_month", req.BillingMonth),
		attribute.String("invoice_type", string(invoiceType)),
		attribute.String("run_id", runID),
	)
	defer func() { tracing.EndSpan(span, err) }()

	log := logger.WithContext(ctx, o.log)
	cfg := o.config.Get()

	release, err := o.guard.acquire(ctx, req.BillingMonth, invoiceType, cfg.BatchLockTTL)
	if err != nil {
		o.metrics.IncBatchAborted(string(invoiceType))
		log.Warn("invoicebatch.run.rejected", zap.Error(err))
		return Report{}, err
	}
	defer release()

	snap, err := o.snapshot(ctx, period, invoiceType, cfg)
	if err != nil {
		o.metrics.IncBatchAborted(string(invoiceType))
		log.Error("invoicebatch.run.aborted", zap.Error(err))
		return Report{}, err
	}

	var jobs []job
	if invoiceType == invoicedomain.InvoiceTypeAgency {
		jobs = o.agencyJobs(ctx, snap, req)
	} else {
		jobs = o.branchJobs(snap, req)
	}

	log.Info("invoicebatch.run.start",
		zap.String("billing_month", req.BillingMonth),
		zap.String("invoice_type", string(invoiceType)),
		zap.Int("units", len(jobs)),
		zap.Int("workers", workers(cfg)),
		zap.Bool("auto_send", req.AutoSend),
	)

	results := o.run(ctx, log, invoiceType, workers(cfg), jobs)
	report = newReport(runID, req, results)

	o.metrics.ObserveBatch(string(invoiceType), report.SuccessCount, report.ErrorCount, time.Since(started))
	o.recordAudit(ctx, log, snap, req, report)

	log.Info("invoicebatch.run.finished",
		zap.Int("success_count", report.SuccessCount),
		zap.Int("error_count", report.ErrorCount),
		zap.Duration("duration", time.Since(started)),
	)
	return report, nil
}

func (o *Orchestrator) snapshot(ctx context.Context, period invoicedomain.Period, invoiceType invoicedomain.InvoiceType, cfg config.InvoicingConfig) (Snapshot, error) {
	snap := Snapshot{Period: period, Config: cfg, Now: o.clock.Now()}
	if invoiceType == invoicedomain.InvoiceTypeAgency {
		records, err := o.facts.MembershipRecords(ctx, sourcefact.MembershipFilter{
			BillingMonth: period.Month,
			BankTransfer: true,
		})
		if err != nil {
			return Snapshot{}, fmt.Errorf("load bank transfer membership: %w", err)
		}
		snap.Groups = groupByBranch(records)
		return snap, nil
	}

	units, err := o.units.ListActive(ctx, orgunit.UnitTypeBranch)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load units: %w", err)
	}
	snap.Units = units
	return snap, nil
}

type job struct {
	unitID   string
	unitName string
	run      func(ctx context.Context) (invoicedomain.Invoice, UnitResult, error)
}

func (o *Orchestrator) branchJobs(snap Snapshot, req Request) []job {
	jobs := make([]job, 0, len(snap.Units))
	for _, unit := range snap.Units {
		jobs = append(jobs, job{
			unitID:   unit.ID.String(),
			unitName: unit.Name,
			run: func(ctx context.Context) (invoicedomain.Invoice, UnitResult, error) {
				return o.generateBranch(ctx, snap, req, unit)
			},
		})
	}
	return jobs
}

// agencyJobs resolves every group's billing unit up front so that no two groups in a run
// write versions of the same invoice. The first group to claim a unit keeps it.
func (o *Orchestrator) agencyJobs(ctx context.Context, snap Snapshot, req Request) []job {
	jobs := make([]job, 0, len(snap.Groups))
	billedFor := make(map[snowflake.ID]string, len(snap.Groups))
	for _, group := range snap.Groups {
		unit, err := o.resolveAgencyUnit(ctx, group.BranchCode, billedFor)
		if err != nil {
			jobs = append(jobs, job{
				unitName: group.BranchCode,
				run: func(context.Context) (invoicedomain.Invoice, UnitResult, error) {
					return invoicedomain.Invoice{}, failed("", group.BranchCode, err), err
				},
			})
			continue
		}
		jobs = append(jobs, job{
			unitID:   unit.ID.String(),
			unitName: unit.Name,
			run: func(ctx context.Context) (invoicedomain.Invoice, UnitResult, error) {
				return o.generateAgency(ctx, snap, req, group, unit)
			},
		})
	}
	return jobs
}

func (o *Orchestrator) resolveAgencyUnit(ctx context.Context, branchCode string, billedFor map[snowflake.ID]string) (orgunit.Unit, error) {
	unit, err := o.units.ResolveAgencyUnit(ctx, branchCode)
	if err != nil {
		return orgunit.Unit{}, fmt.Errorf("%w: branch %s: %w", invoicedomain.ErrUnitLookupFailed, branchCode, err)
	}
	if other, taken := billedFor[unit.ID]; taken {
		return orgunit.Unit{}, fmt.Errorf("%w: branch %s: unit %s already billed for branch %s",
			invoicedomain.ErrUnitLookupFailed, branchCode, unit.StoreCode, other)
	}
	billedFor[unit.ID] = branchCode
	return unit, nil
}

// run executes jobs on a bounded pool. Results keep the job order.
func (o *Orchestrator) run(ctx context.Context, log *zap.Logger, invoiceType invoicedomain.InvoiceType, limit int, jobs []job) []UnitResult {
	results := make([]UnitResult, len(jobs))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, j := range jobs {
		if ctx.Err() != nil {
			results[i] = failed(j.unitID, j.unitName, ErrBatchCancelled)
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				results[i] = failed(j.unitID, j.unitName, ErrBatchCancelled)
				return nil
			}
			results[i] = o.runJob(ctx, log, invoiceType, j)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (o *Orchestrator) runJob(ctx context.Context, log *zap.Logger, invoiceType invoicedomain.InvoiceType, j job) UnitResult {
	started := time.Now()
	ctx, span := tracing.StartSpan(ctx, tracerName, "invoicebatch.unit",
		attribute.String("unit_name", j.unitName),
		attribute.String("invoice_type", string(invoiceType)),
	)

	invoice, result, err := j.run(ctx)
	tracing.EndSpan(span, err)
	o.metrics.ObserveUnit(string(invoiceType), err, time.Since(started))

	if err != nil {
		log.Warn("invoicebatch.unit.failed",
			zap.String("unit_id", result.UnitID),
			zap.String("unit_name", result.UnitName),
			zap.String("reason", metrics.ClassifyUnitError(err)),
			zap.Error(err),
		)
		return result
	}
	log.Info("invoice.generated",
		zap.String("unit_id", result.UnitID),
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("invoice_number", invoice.InvoiceNumber),
		zap.Int("version", invoice.Version),
		zap.Int64("total_amount", invoice.TotalAmount),
		zap.String("status", string(invoice.Status)),
	)
	return result
}

func (o *Orchestrator) generateBranch(ctx context.Context, snap Snapshot, req Request, unit orgunit.Unit) (invoicedomain.Invoice, UnitResult, error) {
	unitID, unitName := unit.ID.String(), unit.Name
	key := versioning.Key{UnitID: unit.ID, BillingMonth: snap.Period.Month, InvoiceType: invoicedomain.InvoiceTypeBranch}

	observed, err := o.versions.Prepare(ctx, key)
	if err != nil {
		return invoicedomain.Invoice{}, failed(unitID, unitName, err), err
	}

	src, err := o.sources.Collect(ctx, aggregate.UnitInput{
		UnitID:                unit.ID,
		StoreCode:             unit.StoreCode,
		Period:                snap.Period,
		CommissionRate:        unit.Commission(snap.Config.DefaultCommissionDecimal()),
		AigranRebateUnitPrice: snap.Config.AigranRebateUnitPrice,
		ClaimedBy:             claimedBy(observed),
	})
	if err != nil {
		err = fmt.Errorf("aggregate sources: %w", err)
		return invoicedomain.Invoice{}, failed(unitID, unitName, err), err
	}

	invoice, err := o.versions.Commit(ctx, versioning.Draft{
		Key:         key,
		Period:      snap.Period,
		BranchCode:  invoicedomain.BranchCode(unit.StoreCode),
		Composition: compose.Compose(src, snap.Config.TaxRateDecimal()),
		ExpenseIDs:  src.Expenses.ExpenseIDs,
		Observed:    observed,
		AutoSend:    autoSend(req),
		Metadata: map[string]any{
			"run_id":             obscontext.RunIDFromContext(ctx),
			"material_orders":    src.Material.OrderCount,
			"membership_heads":   src.Membership.HeadCount,
			"aigran_heads":       src.Membership.AigranHeadCount,
			"classroom_subtotal": src.Rebate.ClassroomSubtotal,
			"commission_rate":    src.Rebate.CommissionRate.String(),
			"expense_count":      len(src.Expenses.ExpenseIDs),
		},
	})
	if err != nil {
		return invoicedomain.Invoice{}, failed(unitID, unitName, err), err
	}
	return invoice, created(unitID, unitName, invoice), nil
}

func (o *Orchestrator) generateAgency(ctx context.Context, snap Snapshot, req Request, group AgencyGroup, unit orgunit.Unit) (invoicedomain.Invoice, UnitResult, error) {
	unitID, unitName := unit.ID.String(), unit.Name
	key := versioning.Key{UnitID: unit.ID, BillingMonth: snap.Period.Month, InvoiceType: invoicedomain.InvoiceTypeAgency}

	observed, err := o.versions.Prepare(ctx, key)
	if err != nil {
		return invoicedomain.Invoice{}, failed(unitID, unitName, err), err
	}

	membership := aggregate.SummarizeMembership(group.Records, snap.Config.AigranRebateUnitPrice)
	invoice, err := o.versions.Commit(ctx, versioning.Draft{
		Key:         key,
		Period:      snap.Period,
		BranchCode:  group.BranchCode,
		Composition: compose.Compose(aggregate.Sources{Membership: membership}, snap.Config.TaxRateDecimal()),
		Observed:    observed,
		AutoSend:    autoSend(req),
		Metadata: map[string]any{
			"run_id":           obscontext.RunIDFromContext(ctx),
			"branch_code":      group.BranchCode,
			"membership_heads": membership.HeadCount,
			"aigran_heads":     membership.AigranHeadCount,
			"record_count":     membership.RecordCount,
		},
	})
	if err != nil {
		return invoicedomain.Invoice{}, failed(unitID, unitName, err), err
	}
	return invoice, created(unitID, unitName, invoice), nil
}

func (o *Orchestrator) recordAudit(ctx context.Context, log *zap.Logger, snap Snapshot, req Request, report Report) {
	if o.audit == nil {
		return
	}
	// cancelled runs are the partial ones and still need their entry
	err := o.audit.Record(context.WithoutCancel(ctx), auditdomain.Entry{
		Action: auditdomain.ActionGenerateInvoices,
		Description: fmt.Sprintf("generated %d of %d %s invoices for %s",
			report.SuccessCount, report.Total, req.InvoiceType, req.BillingMonth),
		AffectedCount: report.SuccessCount,
		PerformedBy:   req.PerformedBy,
		TargetType:    auditdomain.TargetTypeInvoiceBatch,
		TargetID:      report.RunID,
		Timestamp:     snap.Now,
		Metadata: map[string]any{
			"billing_month": req.BillingMonth,
			"invoice_type":  string(req.InvoiceType),
			"success_count": report.SuccessCount,
			"error_count":   report.ErrorCount,
			"run_id":        report.RunID,
			"auto_send":     req.AutoSend,
		},
	})
	if err != nil {
		log.Error("invoicebatch.audit.failed", zap.Error(err))
	}
}

func autoSend(req Request) *versioning.AutoSend {
	if !req.AutoSend {
		return nil
	}
	return &versioning.AutoSend{ScheduledAt: req.ScheduledAt}
}

func claimedBy(observed *invoicedomain.Invoice) *snowflake.ID {
	if observed == nil {
		return nil
	}
	id := observed.ID
	return &id
}

func workers(cfg config.InvoicingConfig) int {
	if cfg.Workers <= 0 {
		return 1
	}
	return cfg.Workers
}

func created(unitID, unitName string, invoice invoicedomain.Invoice) UnitResult {
	return UnitResult{
		UnitID:        unitID,
		UnitName:      unitName,
		InvoiceID:     invoice.ID.String(),
		InvoiceNumber: invoice.InvoiceNumber,
		TotalAmount:   invoice.TotalAmount,
		Status:        StatusCreated,
	}
}

func failed(unitID, unitName string, err error) UnitResult {
	if errors.Is(err, context.Canceled) {
		err = fmt.Errorf("%w: %w", ErrBatchCancelled, err)
	}
	return UnitResult{
		UnitID:   unitID,
		UnitName: unitName,
		Status:   StatusError,
		Error:    err.Error(),
		err:      err,
	}
}
