package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	invoicedomain "github.com/smallbiznis/seikyu/internal/invoice/domain"
)

type recordPaymentRequest struct {
	PaidAmount int64 `json:"paid_amount"`
}

func (s *Server) GetInvoiceByID(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	item, err := s.invoiceSvc.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) ListInvoiceItems(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	ctx := c.Request.Context()
	if _, err := s.invoiceSvc.GetByID(ctx, id); err != nil {
		AbortWithError(c, err)
		return
	}
	items, err := s.invoiceSvc.LineItems(ctx, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

// ListUnitInvoices returns every version of a unit's invoice for one month, oldest first.
func (s *Server) ListUnitInvoices(c *gin.Context) {
	unitID, err := parseSnowflakeID(c.Param("unit_id"))
	if err != nil {
		AbortWithError(c, newValidationError("unit_id", "invalid_unit_id", "invalid unit_id"))
		return
	}
	invoiceType, err := invoicedomain.ParseInvoiceType(strings.TrimSpace(c.Query("invoice_type")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	history, err := s.invoiceSvc.History(c.Request.Context(), invoicedomain.UnitInvoiceQuery{
		UnitID:       unitID,
		BillingMonth: strings.TrimSpace(c.Query("billing_month")),
		InvoiceType:  invoiceType,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": history})
}

func (s *Server) ConfirmInvoice(c *gin.Context) {
	s.transitionInvoice(c, s.invoiceSvc.Confirm)
}

func (s *Server) SendInvoice(c *gin.Context) {
	s.transitionInvoice(c, s.invoiceSvc.Send)
}

func (s *Server) CancelInvoice(c *gin.Context) {
	s.transitionInvoice(c, s.invoiceSvc.Cancel)
}

func (s *Server) RecordInvoicePayment(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	var req recordPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	item, err := s.invoiceSvc.RecordPayment(c.Request.Context(), invoicedomain.RecordPaymentRequest{
		InvoiceID:  id,
		PaidAmount: req.PaidAmount,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) transitionInvoice(c *gin.Context, fn func(ctx context.Context, id snowflake.ID) (invoicedomain.Invoice, error)) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	item, err := fn(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}
