// Package audit is the append-only administrative audit trail.
// wallet.AdminService records withdrawal approvals (first and second),
// rejections and broadcast failures here; market halts and account
// freezes are not recorded. Grounded on the teacher's
// internal/compliance/audit.Service for the actor/action/entity_ref/
// metadata record shape, trimmed to a direct synchronous write: the
// teacher's hash-chaining, encryption, and batched-worker-pool machinery
// serve a standalone compliance subsystem that SPEC_FULL.md does not
// name, so none of it is carried (see DESIGN.md).
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/orbitcex/core/internal/idgen"
	"github.com/orbitcex/core/internal/model"
	"github.com/orbitcex/core/internal/repository"
)

// Logger appends AuditLog records and mirrors them to structured logging
// so an operator tailing logs sees every administrative action as it
// happens, not only on the next audit-log query.
type Logger struct {
	repo   repository.AuditRepository
	ids    *idgen.Registry
	logger *zap.Logger
}

func New(repo repository.AuditRepository, ids *idgen.Registry, logger *zap.Logger) *Logger {
	return &Logger{repo: repo, ids: ids, logger: logger.Named("audit")}
}

// Record appends one audit entry. A persistence failure is logged at
// error level but not propagated: losing an audit entry must never block
// the administrative action it describes.
func (l *Logger) Record(ctx context.Context, actor, action, entityRef string, metadata map[string]any) {
	entry := &model.AuditLog{
		ID:        l.ids.NextAuditLogID(),
		Actor:     actor,
		Action:    action,
		EntityRef: entityRef,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}
	if err := l.repo.CreateAuditLog(ctx, entry); err != nil {
		l.logger.Error("failed to persist audit entry",
			zap.String("actor", actor), zap.String("action", action), zap.String("entity_ref", entityRef), zap.Error(err))
	}
	l.logger.Info("audit",
		zap.String("actor", actor), zap.String("action", action), zap.String("entity_ref", entityRef))
}
