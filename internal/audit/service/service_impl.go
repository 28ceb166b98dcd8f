package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/seikyu/internal/audit/domain"
	"github.com/smallbiznis/seikyu/internal/clock"
	obscontext "github.com/smallbiznis/seikyu/internal/observability/context"
	"github.com/smallbiznis/seikyu/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  auditdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  auditdomain.Repository
}

func NewService(p Params) auditdomain.Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		clock: c,
		repo:  p.Repo,
	}
}

func (s *Service) Record(ctx context.Context, entry auditdomain.Entry) error {
	action := strings.TrimSpace(entry.Action)
	if action == "" {
		return auditdomain.ErrInvalidAction
	}

	actorType, actorID := s.resolveActor(ctx, entry.PerformedBy)
	targetType := strings.TrimSpace(entry.TargetType)
	if targetType == "" {
		targetType = "unknown"
	}
	createdAt := entry.Timestamp
	if createdAt.IsZero() {
		createdAt = s.clock.Now()
	}

	log := auditdomain.AuditLog{
		ID:            s.genID.Generate(),
		ActorType:     actorType,
		ActorID:       actorID,
		Action:        action,
		TargetType:    targetType,
		TargetID:      normalizePointer(&entry.TargetID),
		Description:   entry.Description,
		AffectedCount: entry.AffectedCount,
		Metadata:      datatypes.JSONMap(s.payload(ctx, entry.Metadata)),
		CreatedAt:     createdAt.UTC(),
	}
	if err := s.repo.Insert(ctx, s.db, &log); err != nil {
		s.log.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
		return err
	}
	return nil
}

func (s *Service) AuditLog(ctx context.Context, action string, targetType string, targetID *string, metadata map[string]any) error {
	entry := auditdomain.Entry{
		Action:     action,
		TargetType: targetType,
		Metadata:   metadata,
	}
	if targetID != nil {
		entry.TargetID = *targetID
	}
	return s.Record(ctx, entry)
}

func (s *Service) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	if req.StartAt != nil && req.EndAt != nil && req.StartAt.After(*req.EndAt) {
		return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidTimeRange
	}

	scope := listScope(req)
	var cursor *auditdomain.AuditCursor
	if strings.TrimSpace(req.PageToken) != "" {
		decoded, err := pagination.Decode(req.PageToken, scope)
		if err != nil {
			return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidPageToken
		}
		cursor = &auditdomain.AuditCursor{ID: decoded.ID, CreatedAt: decoded.CreatedAt}
	}

	pageSize := req.Size()
	rows, err := s.repo.List(ctx, s.db, auditdomain.ListFilter{
		Action:     req.Action,
		TargetType: req.TargetType,
		TargetID:   req.TargetID,
		ActorType:  req.ActorType,
		StartAt:    req.StartAt,
		EndAt:      req.EndAt,
		Cursor:     cursor,
		Limit:      pageSize,
	})
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}

	items, pageInfo, err := pagination.Page(rows, pageSize, scope, func(item *auditdomain.AuditLog) (time.Time, snowflake.ID) {
		return item.CreatedAt, item.ID
	})
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}

	logs := make([]auditdomain.AuditLog, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		logs = append(logs, *item)
	}

	return auditdomain.ListAuditLogResponse{PageInfo: pageInfo, AuditLogs: logs}, nil
}

func listScope(req auditdomain.ListAuditLogRequest) string {
	bound := func(t *time.Time) string {
		if t == nil {
			return ""
		}
		return t.UTC().Format(time.RFC3339Nano)
	}
	return pagination.Scope(
		strings.TrimSpace(req.Action),
		strings.TrimSpace(req.TargetType),
		strings.TrimSpace(req.TargetID),
		strings.TrimSpace(req.ActorType),
		bound(req.StartAt),
		bound(req.EndAt),
	)
}

func (s *Service) payload(ctx context.Context, metadata map[string]any) map[string]any {
	payload := map[string]any{}
	for key, value := range metadata {
		if key == "" {
			continue
		}
		payload[key] = value
	}
	if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
		payload["request_id"] = requestID
	}
	if runID := obscontext.RunIDFromContext(ctx); runID != "" {
		if _, ok := payload["run_id"]; !ok {
			payload["run_id"] = runID
		}
	}
	return payload
}

func (s *Service) resolveActor(ctx context.Context, performedBy string) (string, *string) {
	actorType := ""
	actorID := strings.TrimSpace(performedBy)
	if ctxType, ctxID := obscontext.ActorFromContext(ctx); ctxType != "" {
		actorType = ctxType
		if actorID == "" {
			actorID = ctxID
		}
	}
	if actorType == "" {
		actorType = string(auditdomain.ActorTypeSystem)
		if actorID != "" {
			actorType = string(auditdomain.ActorTypeUser)
		}
	}
	return actorType, normalizePointer(&actorID)
}

func normalizePointer(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
