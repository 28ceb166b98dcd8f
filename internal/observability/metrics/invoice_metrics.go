package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	invoicedomain "github.com/smallbiznis/seikyu/internal/invoice/domain"
	"github.com/smallbiznis/seikyu/internal/sourcefact"
)

const (
	UnitStatusCreated = "created"
	UnitStatusError   = "error"

	BatchOutcomeSuccess = "success"
	BatchOutcomePartial = "partial"
	BatchOutcomeFailed  = "failed"
)

// InvoiceMetrics captures generation batch and invoice lifecycle signals.
type InvoiceMetrics struct {
	batchRuns     *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
	unitResults   *prometheus.CounterVec
	unitDuration  *prometheus.HistogramVec
	transitions   *prometheus.CounterVec
}

var (
	invoiceMetricsOnce sync.Once
	invoiceMetrics     *InvoiceMetrics
)

// Invoice returns the singleton invoice metrics registry.
func Invoice() *InvoiceMetrics {
	return InvoiceWithConfig(Config{})
}

// InvoiceWithConfig returns the singleton invoice metrics registry using config labels.
func InvoiceWithConfig(cfg Config) *InvoiceMetrics {
	invoiceMetricsOnce.Do(func() {
		invoiceMetrics = newInvoiceMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return invoiceMetrics
}

// ResetInvoiceMetricsForTest resets the invoice metrics singleton for tests.
func ResetInvoiceMetricsForTest() {
	invoiceMetricsOnce = sync.Once{}
	invoiceMetrics = nil
}

func newInvoiceMetrics(registerer prometheus.Registerer, cfg Config) *InvoiceMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := prometheus.Labels(cfg.constLabels())

	batchRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "seikyu_invoice_batch_runs_total",
		Help:        "Invoice generation batch runs by type and outcome.",
		ConstLabels: constLabels,
	}, []string{"invoice_type", "outcome"})
	batchDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "seikyu_invoice_batch_duration_seconds",
		Help:        "Invoice generation batch latency.",
		Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		ConstLabels: constLabels,
	}, []string{"invoice_type"})
	unitResults := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "seikyu_invoice_unit_results_total",
		Help:        "Per-unit generation outcomes by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"invoice_type", "status", "reason"})
	unitDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "seikyu_invoice_unit_duration_seconds",
		Help:        "Latency of aggregating, composing and committing one unit invoice.",
		Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		ConstLabels: constLabels,
	}, []string{"invoice_type"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "seikyu_invoice_status_transitions_total",
		Help:        "Invoice status transitions.",
		ConstLabels: constLabels,
	}, []string{"from", "to"})

	registerer.MustRegister(batchRuns, batchDuration, unitResults, unitDuration, transitions)

	return &InvoiceMetrics{
		batchRuns:     batchRuns,
		batchDuration: batchDuration,
		unitResults:   unitResults,
		unitDuration:  unitDuration,
		transitions:   transitions,
	}
}

// ObserveBatch records one finished batch run.
func (m *InvoiceMetrics) ObserveBatch(invoiceType string, successCount, errorCount int, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := BatchOutcomeSuccess
	switch {
	case errorCount > 0 && successCount == 0:
		outcome = BatchOutcomeFailed
	case errorCount > 0:
		outcome = BatchOutcomePartial
	}
	m.batchRuns.WithLabelValues(invoiceType, outcome).Inc()
	m.batchDuration.WithLabelValues(invoiceType).Observe(duration.Seconds())
}

// IncBatchAborted records a batch that failed before any unit ran.
func (m *InvoiceMetrics) IncBatchAborted(invoiceType string) {
	if m == nil {
		return
	}
	m.batchRuns.WithLabelValues(invoiceType, BatchOutcomeFailed).Inc()
}

// ObserveUnit records the outcome of one unit.
func (m *InvoiceMetrics) ObserveUnit(invoiceType string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	if err == nil {
		m.unitResults.WithLabelValues(invoiceType, UnitStatusCreated, "none").Inc()
	} else {
		m.unitResults.WithLabelValues(invoiceType, UnitStatusError, ClassifyUnitError(err)).Inc()
	}
	m.unitDuration.WithLabelValues(invoiceType).Observe(duration.Seconds())
}

// IncTransition counts one invoice status change.
func (m *InvoiceMetrics) IncTransition(from, to invoicedomain.InvoiceStatus) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// ClassifyUnitError maps a per-unit failure to a low-cardinality reason.
func ClassifyUnitError(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, invoicedomain.ErrRegenerationBlocked):
		return "regeneration_blocked"
	case errors.Is(err, invoicedomain.ErrConcurrentRegeneration):
		return "concurrent_regeneration"
	case errors.Is(err, invoicedomain.ErrClaimConflict):
		return "claim_conflict"
	case errors.Is(err, invoicedomain.ErrUnitLookupFailed):
		return "unit_lookup_failed"
	case errors.Is(err, sourcefact.ErrMalformedRecord):
		return "malformed_record"
	}
	reason := ClassifyReason(err)
	if reason == ReasonUnknown && errors.Is(err, invoicedomain.ErrPersistenceFailure) {
		return "persistence_failure"
	}
	return reason
}
