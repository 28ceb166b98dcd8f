package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/seikyu/pkg/db/pagination"
)

// Entry is a summary audit record such as the one written per generation batch.
type Entry struct {
	Action        string
	Description   string
	AffectedCount int
	// PerformedBy overrides the actor found in the context.
	PerformedBy string
	TargetType  string
	TargetID    string
	Metadata    map[string]any
	Timestamp   time.Time
}

type ListAuditLogRequest struct {
	pagination.Pagination
	Action     string
	TargetType string
	TargetID   string
	ActorType  string
	StartAt    *time.Time
	EndAt      *time.Time
}

type ListAuditLogResponse struct {
	pagination.PageInfo
	AuditLogs []AuditLog `json:"audit_logs"`
}

type Service interface {
	Record(ctx context.Context, entry Entry) error
	AuditLog(ctx context.Context, action string, targetType string, targetID *string, metadata map[string]any) error
	List(ctx context.Context, req ListAuditLogRequest) (ListAuditLogResponse, error)
}

var (
	ErrInvalidPageToken = errors.New("invalid_page_token")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
	ErrInvalidAction    = errors.New("invalid_action")
)
