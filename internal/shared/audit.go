package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/opsdash/internal/platform/httpx"
)

// ErrIncompleteAuditLog is returned for records missing an identifying field.
var ErrIncompleteAuditLog = fmt.Errorf("audit log requires actor, action, entity and entity_id: %w", httpx.ErrValidation)

// AuditLog is one row of audit_logs.
type AuditLog struct {
	ActorID  string
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

// AuditRecorder is satisfied by AuditLogger and test doubles.
type AuditRecorder interface {
	Record(ctx context.Context, log AuditLog) error
}

// AuditLogger appends records to audit_logs.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record persists the entry. A zero At is stamped by the database.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil || l.pool == nil {
		return errors.New("audit logger not initialised")
	}
	metaJSON, err := log.encode()
	if err != nil {
		return err
	}
	var at *time.Time
	if !log.At.IsZero() {
		at = &log.At
	}
	_, err = l.pool.Exec(ctx, `
		INSERT INTO audit_logs (actor_id, action, entity, entity_id, meta, occurred_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`,
		log.ActorID, log.Action, log.Entity, log.EntityID, metaJSON, at)
	if err != nil {
		return fmt.Errorf("audit: insert %s %s/%s: %w", log.Action, log.Entity, log.EntityID, err)
	}
	return nil
}

// encode validates the entry and returns its meta as a JSON object.
func (log AuditLog) encode() ([]byte, error) {
	if log.ActorID == "" || log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return nil, ErrIncompleteAuditLog
	}
	if len(log.Meta) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(log.Meta)
}
