package domain

import "errors"

var (
	ErrInvalidPeriod          = errors.New("invalid_period")
	ErrInvalidInvoiceType     = errors.New("invalid_invoice_type")
	ErrInvalidTransition      = errors.New("invalid_status_transition")
	ErrInvalidPaymentAmount   = errors.New("invalid_payment_amount")
	ErrInvoiceNotFound        = errors.New("invoice_not_found")
	ErrRegenerationBlocked    = errors.New("regeneration_blocked")
	ErrConcurrentRegeneration = errors.New("concurrent_regeneration")
	ErrClaimConflict          = errors.New("expense_claim_conflict")
	ErrUnitLookupFailed       = errors.New("unit_lookup_failed")
	ErrPersistenceFailure     = errors.New("persistence_failure")
	ErrBatchInProgress        = errors.New("batch_in_progress")
)
