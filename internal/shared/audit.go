package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/aidflow/aidflow/internal/platform/db"
)

// AuditEvent represents a record stored in audit_logs.
type AuditEvent struct {
	ActorID     int64
	Type        string
	Description string
	Payload     map[string]any
	EntityType  string
	EntityID    int64
	RiskLevel   string
	At          time.Time
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	db db.DBTX
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(conn db.DBTX) *AuditLogger {
	return &AuditLogger{db: conn}
}

// Record persists the event.
func (l *AuditLogger) Record(ctx context.Context, ev AuditEvent) error {
	if l == nil || l.db == nil {
		return errors.New("audit logger not initialised")
	}
	if ev.Type == "" || ev.EntityType == "" {
		return errors.New("audit event requires type/entity_type")
	}
	if ev.RiskLevel == "" {
		ev.RiskLevel = RiskLow
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	var at *time.Time
	if !ev.At.IsZero() {
		at = &ev.At
	}
	_, err = l.db.Exec(ctx, `INSERT INTO audit_logs (actor_id, event_type, description, payload, entity_type, entity_id, risk_level, occurred_at)
VALUES (NULLIF($1::bigint, 0), $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()))`,
		ev.ActorID, ev.Type, ev.Description, payload, ev.EntityType, ev.EntityID, ev.RiskLevel, at)
	return err
}
