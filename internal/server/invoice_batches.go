package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	invoicedomain "github.com/smallbiznis/seikyu/internal/invoice/domain"
	"github.com/smallbiznis/seikyu/internal/invoicebatch"
	obscontext "github.com/smallbiznis/seikyu/internal/observability/context"
)

type createInvoiceBatchRequest struct {
	BillingMonth string `json:"billing_month"`
	InvoiceType  string `json:"invoice_type"`
	AutoSend     bool   `json:"auto_send"`
	ScheduledAt  string `json:"scheduled_at"`
	PerformedBy  string `json:"performed_by"`
}

// CreateInvoiceBatch runs a generation batch synchronously and returns its report.
// Unit failures are part of the report; only batch-fatal errors produce an error status.
func (s *Server) CreateInvoiceBatch(c *gin.Context) {
	var req createInvoiceBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	billingMonth := strings.TrimSpace(req.BillingMonth)
	if !invoicedomain.ValidBillingMonth(billingMonth) {
		AbortWithError(c, newValidationError("billing_month", "invalid_billing_month", "billing_month must be YYYY-MM"))
		return
	}
	invoiceType, err := invoicedomain.ParseInvoiceType(strings.TrimSpace(req.InvoiceType))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	scheduledAt, err := parseOptionalTime(req.ScheduledAt, false)
	if err != nil {
		AbortWithError(c, newValidationError("scheduled_at", "invalid_scheduled_at", "invalid scheduled_at"))
		return
	}

	performedBy := strings.TrimSpace(req.PerformedBy)
	if performedBy == "" {
		_, performedBy = obscontext.ActorFromContext(c.Request.Context())
	}

	report, err := s.batches.Generate(c.Request.Context(), invoicebatch.Request{
		BillingMonth: billingMonth,
		InvoiceType:  invoiceType,
		AutoSend:     req.AutoSend,
		ScheduledAt:  scheduledAt,
		PerformedBy:  performedBy,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": report})
}
