package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"beacon/internal/platform/models"
	"beacon/internal/platform/secrets"
)

const webhookColumns = `id, tenant_id, url, secret, events, resource_type, resource_id, headers,
	max_attempts, timeout_seconds, enabled, consecutive_failures, last_delivered_at, last_failed_at,
	last_error, created_at, updated_at`

type WebhookRepository struct {
	db  *sql.DB
	box *secrets.Box
}

func NewWebhookRepository(db *sql.DB, box *secrets.Box) *WebhookRepository {
	if box == nil {
		box = &secrets.Box{}
	}
	return &WebhookRepository{db: db, box: box}
}

func (r *WebhookRepository) Create(ctx context.Context, webhook *models.Webhook) error {
	if webhook.ID == "" {
		webhook.ID = "wh_" + uuid.New().String()
	}
	now := time.Now().Unix()
	webhook.CreatedAt = now
	webhook.UpdatedAt = now

	eventsJSON, err := json.Marshal(webhook.Events)
	if err != nil {
		return err
	}
	headersJSON, err := marshalHeaders(webhook.Headers)
	if err != nil {
		return err
	}
	secret, err := r.box.Seal(webhook.Secret)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO webhooks (id, tenant_id, url, secret, events, resource_type, resource_id, headers,
			max_attempts, timeout_seconds, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, query,
		webhook.ID,
		webhook.TenantID,
		webhook.URL,
		secret,
		string(eventsJSON),
		webhook.ResourceType,
		webhook.ResourceID,
		headersJSON,
		webhook.RetryPolicy.MaxAttempts,
		webhook.RetryPolicy.TimeoutSeconds,
		webhook.Enabled,
		webhook.CreatedAt,
		webhook.UpdatedAt,
	)
	return err
}

func (r *WebhookRepository) GetByID(ctx context.Context, tenantID, id string) (*models.Webhook, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhooks WHERE id = ? AND tenant_id = ?`
	w, err := r.scanWebhook(r.db.QueryRowContext(ctx, query, id, tenantID))
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	return w, err
}

func (r *WebhookRepository) List(ctx context.Context, tenantID string, filter models.WebhookFilter) ([]*models.Webhook, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhooks WHERE tenant_id = ?`
	args := []interface{}{tenantID}
	if filter.Enabled != nil {
		query += ` AND enabled = ?`
		args = append(args, *filter.Enabled)
	}
	query += ` ORDER BY created_at DESC, id`

	webhooks, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	// events is a JSON array, filtered in app like GetEnabled
	if filter.Event != "" {
		matched := webhooks[:0]
		for _, w := range webhooks {
			if w.HasEvent(filter.Event) {
				matched = append(matched, w)
			}
		}
		webhooks = matched
	}
	return paginate(webhooks, filter.Limit, filter.Offset), nil
}

// GetEnabled returns every enabled webhook of the tenant. Event and scope
// matching happens in the dispatcher.
func (r *WebhookRepository) GetEnabled(ctx context.Context, tenantID string) ([]*models.Webhook, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhooks WHERE tenant_id = ? AND enabled = 1 ORDER BY created_at, id`
	return r.query(ctx, query, tenantID)
}

// Update writes the mutable configuration. Secret and health counters are
// never touched here.
func (r *WebhookRepository) Update(ctx context.Context, webhook *models.Webhook) error {
	eventsJSON, err := json.Marshal(webhook.Events)
	if err != nil {
		return err
	}
	headersJSON, err := marshalHeaders(webhook.Headers)
	if err != nil {
		return err
	}
	webhook.UpdatedAt = time.Now().Unix()

	query := `
		UPDATE webhooks
		SET url = ?, events = ?, resource_type = ?, resource_id = ?, headers = ?,
			max_attempts = ?, timeout_seconds = ?, enabled = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ?
	`
	res, err := r.db.ExecContext(ctx, query,
		webhook.URL,
		string(eventsJSON),
		webhook.ResourceType,
		webhook.ResourceID,
		headersJSON,
		webhook.RetryPolicy.MaxAttempts,
		webhook.RetryPolicy.TimeoutSeconds,
		webhook.Enabled,
		webhook.UpdatedAt,
		webhook.ID,
		webhook.TenantID,
	)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (r *WebhookRepository) UpdateSecret(ctx context.Context, tenantID, id, secret string) error {
	sealed, err := r.box.Seal(secret)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE webhooks SET secret = ?, updated_at = ? WHERE id = ? AND tenant_id = ?`,
		sealed, time.Now().Unix(), id, tenantID)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// Delete removes the webhook and its delivery history in one transaction and
// returns the ids of deliveries that were still waiting for a retry.
func (r *WebhookRepository) Delete(ctx context.Context, tenantID, id string) ([]string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM webhook_deliveries WHERE webhook_id = ? AND tenant_id = ? AND status = ?`,
		id, tenantID, models.DeliveryRetrying)
	if err != nil {
		return nil, err
	}
	var retrying []string
	for rows.Next() {
		var deliveryID string
		if err := rows.Scan(&deliveryID); err != nil {
			rows.Close()
			return nil, err
		}
		retrying = append(retrying, deliveryID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM webhook_deliveries WHERE webhook_id = ? AND tenant_id = ?`, id, tenantID); err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM webhooks WHERE id = ? AND tenant_id = ?`, id, tenantID)
	if err != nil {
		return nil, err
	}
	if err := expectAffected(res); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return retrying, nil
}

func (r *WebhookRepository) query(ctx context.Context, query string, args ...interface{}) ([]*models.Webhook, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	webhooks := []*models.Webhook{}
	for rows.Next() {
		w, err := r.scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		webhooks = append(webhooks, w)
	}
	return webhooks, rows.Err()
}

func (r *WebhookRepository) scanWebhook(s scanner) (*models.Webhook, error) {
	var w models.Webhook
	var secret, eventsStr string
	var resourceType, resourceID, headersStr, lastError sql.NullString
	var lastDeliveredAt, lastFailedAt sql.NullInt64

	err := s.Scan(
		&w.ID,
		&w.TenantID,
		&w.URL,
		&secret,
		&eventsStr,
		&resourceType,
		&resourceID,
		&headersStr,
		&w.RetryPolicy.MaxAttempts,
		&w.RetryPolicy.TimeoutSeconds,
		&w.Enabled,
		&w.ConsecutiveFailures,
		&lastDeliveredAt,
		&lastFailedAt,
		&lastError,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	w.Secret, err = r.box.Open(secret)
	if err != nil {
		return nil, fmt.Errorf("open secret of %s: %w", w.ID, err)
	}
	if err := json.Unmarshal([]byte(eventsStr), &w.Events); err != nil {
		return nil, fmt.Errorf("decode events of %s: %w", w.ID, err)
	}
	if headersStr.Valid && headersStr.String != "" {
		if err := json.Unmarshal([]byte(headersStr.String), &w.Headers); err != nil {
			return nil, fmt.Errorf("decode headers of %s: %w", w.ID, err)
		}
	}
	w.ResourceType = nullableString(resourceType)
	w.ResourceID = nullableString(resourceID)
	w.LastDeliveredAt = nullableInt64(lastDeliveredAt)
	w.LastFailedAt = nullableInt64(lastFailedAt)
	if lastError.Valid {
		w.LastError = lastError.String
	}

	return &w, nil
}

func marshalHeaders(headers map[string]string) (interface{}, error) {
	if len(headers) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(headers)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func paginate(webhooks []*models.Webhook, limit, offset int) []*models.Webhook {
	if offset > 0 {
		if offset >= len(webhooks) {
			return []*models.Webhook{}
		}
		webhooks = webhooks[offset:]
	}
	if limit > 0 && limit < len(webhooks) {
		webhooks = webhooks[:limit]
	}
	return webhooks
}
