// Package audit implements the append-only audit trail from spec.md §3
// (AuditLog). Grounded on arcSignv2's AuditLogger — an append-only,
// never-mutated record of what happened to what, keyed by operation and
// status — adapted from its NDJSON file store to a sqlite table, since
// AuditLog is itself part of this gateway's persisted data model rather
// than a side file. Shipping entries onward to an external SIEM is out
// of scope (spec.md §1); recording them here is not.
package audit

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/oxzoid/gatewaycore/pkg/gwerr"
	"github.com/oxzoid/gatewaycore/pkg/models"
)

// Logger appends AuditLog rows. No method ever updates or deletes a row.
type Logger struct {
	db *sql.DB
}

// New constructs a Logger.
func New(db *sql.DB) *Logger {
	return &Logger{db: db}
}

// Entry is one state change to record.
type Entry struct {
	Action        models.AuditAction
	EntityType    string
	EntityID      string
	PriorSnapshot string
	NewSnapshot   string
	ActorID       string
	MerchantID    string
	Description   string
}

// Log appends entry. Failures are reported but never block the caller's
// own transaction — audit logging observes state changes, it doesn't
// gate them.
func (l *Logger) Log(ctx context.Context, e Entry) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, action, entity_type, entity_id, prior_snapshot, new_snapshot, actor_id, merchant_id, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), string(e.Action), e.EntityType, e.EntityID, e.PriorSnapshot, e.NewSnapshot,
		e.ActorID, e.MerchantID, e.Description, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return gwerr.Wrap(gwerr.Internal, "AUDIT_LOG_FAILED", "failed to append audit log entry", err)
	}
	return nil
}

// ForEntity returns the audit trail for one entity, oldest first.
func (l *Logger) ForEntity(ctx context.Context, entityType, entityID string) ([]models.AuditLog, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, action, entity_type, entity_id, prior_snapshot, new_snapshot, actor_id, merchant_id, description, created_at
		FROM audit_logs WHERE entity_type = ? AND entity_id = ? ORDER BY created_at ASC
	`, entityType, entityID)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "AUDIT_QUERY_FAILED", "failed to query audit log", err)
	}
	defer rows.Close()

	var out []models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		var action, createdAt string
		if err := rows.Scan(&a.ID, &action, &a.EntityType, &a.EntityID, &a.PriorSnapshot, &a.NewSnapshot, &a.ActorID, &a.MerchantID, &a.Description, &createdAt); err != nil {
			return nil, gwerr.Wrap(gwerr.Internal, "AUDIT_SCAN_FAILED", "failed to scan audit log row", err)
		}
		a.Action = models.AuditAction(action)
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			a.CreatedAt = t
		}
		out = append(out, a)
	}
	return out, nil
}
