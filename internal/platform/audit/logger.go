package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	ActionWebhookCreated       = "webhook.created"
	ActionWebhookUpdated       = "webhook.updated"
	ActionWebhookDeleted       = "webhook.deleted"
	ActionWebhookSecretRotated = "webhook.secret_rotated"
	ActionDeliveryRetried      = "delivery.retried"
)

type AuditLog struct {
	ID           string                 `json:"id"`
	TenantID     string                 `json:"tenant_id"`
	Subject      string                 `json:"subject"`
	Action       string                 `json:"action"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   string                 `json:"resource_id"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	IPAddress    string                 `json:"ip_address"`
	UserAgent    string                 `json:"user_agent"`
	CreatedAt    int64                  `json:"created_at"`
}

// Actor identifies who made a change.
type Actor struct {
	TenantID  string
	Subject   string
	IPAddress string
	UserAgent string
}

type Logger struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

func NewLogger(db *sql.DB) *Logger {
	return &Logger{
		db:     db,
		logger: log.With().Str("component", "audit").Logger(),
		now:    time.Now,
	}
}

// Log records one change. Failures are logged and never surface to the
// caller, the change itself already happened.
func (l *Logger) Log(ctx context.Context, actor Actor, action, resourceType, resourceID string, metadata map[string]interface{}) {
	if l == nil {
		return
	}

	var meta interface{}
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			l.logger.Error().Err(err).Str("action", action).Msg("failed to encode audit metadata")
			return
		}
		meta = string(b)
	}

	_, err := l.db.ExecContext(context.WithoutCancel(ctx), `
		INSERT INTO audit_logs (id, tenant_id, subject, action, resource_type, resource_id, metadata, ip_address, user_agent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		"audit_"+uuid.New().String(),
		actor.TenantID,
		actor.Subject,
		action,
		resourceType,
		resourceID,
		meta,
		actor.IPAddress,
		actor.UserAgent,
		l.now().Unix(),
	)
	if err != nil {
		l.logger.Error().Err(err).
			Str("tenant_id", actor.TenantID).
			Str("action", action).
			Str("resource_id", resourceID).
			Msg("failed to write audit log")
	}
}

// List returns the newest entries of a tenant first.
func (l *Logger) List(ctx context.Context, tenantID string, limit int) ([]*AuditLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, tenant_id, subject, action, resource_type, resource_id, metadata, ip_address, user_agent, created_at
		FROM audit_logs WHERE tenant_id = ? ORDER BY created_at DESC, id LIMIT ?
	`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []*AuditLog{}
	for rows.Next() {
		var entry AuditLog
		var meta, ip, ua sql.NullString
		if err := rows.Scan(&entry.ID, &entry.TenantID, &entry.Subject, &entry.Action, &entry.ResourceType,
			&entry.ResourceID, &meta, &ip, &ua, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &entry.Metadata); err != nil {
				return nil, err
			}
		}
		entry.IPAddress = ip.String
		entry.UserAgent = ua.String
		logs = append(logs, &entry)
	}
	return logs, rows.Err()
}
