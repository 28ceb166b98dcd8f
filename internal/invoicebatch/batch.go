// Package invoicebatch runs monthly invoice generation across every unit of a mode.
package invoicebatch

import (
	"errors"
	"time"

	"github.com/smallbiznis/seikyu/internal/config"
	invoicedomain "github.com/smallbiznis/seikyu/internal/invoice/domain"
	"github.com/smallbiznis/seikyu/internal/orgunit"
	"github.com/smallbiznis/seikyu/internal/sourcefact"
)

var ErrBatchCancelled = errors.New("batch cancelled")

// Request triggers one generation run.
type Request struct {
	BillingMonth string                    `json:"billing_month"`
	InvoiceType  invoicedomain.InvoiceType `json:"invoice_type"`
	AutoSend     bool                      `json:"auto_send"`
	ScheduledAt  *time.Time                `json:"scheduled_at,omitempty"`
	PerformedBy  string                    `json:"performed_by"`
}

const (
	StatusCreated = "created"
	StatusError   = "error"
)

// UnitResult is the outcome of one unit or agency group.
type UnitResult struct {
	UnitID        string `json:"unit_id"`
	UnitName      string `json:"unit_name"`
	InvoiceID     string `json:"invoice_id,omitempty"`
	InvoiceNumber string `json:"invoice_number,omitempty"`
	TotalAmount   int64  `json:"total_amount"`
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`

	err error
}

// Err returns the underlying failure of an error result.
func (r UnitResult) Err() error { return r.err }

type Report struct {
	RunID        string                    `json:"run_id"`
	Success      bool                      `json:"success"`
	BillingMonth string                    `json:"billing_month"`
	InvoiceType  invoicedomain.InvoiceType `json:"invoice_type"`
	Total        int                       `json:"total"`
	SuccessCount int                       `json:"success_count"`
	ErrorCount   int                       `json:"error_count"`
	Errors       []string                  `json:"errors"`
	Results      []UnitResult              `json:"results"`
}

func newReport(runID string, req Request, results []UnitResult) Report {
	report := Report{
		RunID:        runID,
		BillingMonth: req.BillingMonth,
		InvoiceType:  req.InvoiceType,
		Total:        len(results),
		Errors:       []string{},
		Results:      results,
	}
	for _, r := range results {
		if r.Status == StatusCreated {
			report.SuccessCount++
			continue
		}
		report.ErrorCount++
		report.Errors = append(report.Errors, r.UnitName+": "+r.Error)
	}
	report.Success = report.ErrorCount == 0
	return report
}

// Snapshot is captured once per run and shared read-only by every worker.
type Snapshot struct {
	Period invoicedomain.Period
	Units  []orgunit.Unit
	Groups []AgencyGroup
	Config config.InvoicingConfig
	Now    time.Time
}

// AgencyGroup holds the bank transfer roster of one branch code.
type AgencyGroup struct {
	BranchCode string
	Records    []sourcefact.MembershipRecord
}

func groupByBranch(records []sourcefact.MembershipRecord) []AgencyGroup {
	var groups []AgencyGroup
	index := map[string]int{}
	for _, record := range records {
		i, ok := index[record.BranchCode]
		if !ok {
			i = len(groups)
			index[record.BranchCode] = i
			groups = append(groups, AgencyGroup{BranchCode: record.BranchCode})
		}
		groups[i].Records = append(groups[i].Records, record)
	}
	return groups
}
