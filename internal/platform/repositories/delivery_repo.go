package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"beacon/internal/platform/models"
)

const deliveryColumns = `id, webhook_id, tenant_id, event_id, event_type, payload, status, attempt,
	next_retry_at, status_code, response_body, response_time_ms, error_message, delivered_at, is_test,
	created_at, updated_at`

type DeliveryRepository struct {
	db *sql.DB
}

func NewDeliveryRepository(db *sql.DB) *DeliveryRepository {
	return &DeliveryRepository{db: db}
}

// CreateBatch inserts all deliveries of one dispatch in a single transaction.
func (r *DeliveryRepository) CreateBatch(ctx context.Context, deliveries []*models.Delivery) error {
	if len(deliveries) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO webhook_deliveries (id, webhook_id, tenant_id, event_id, event_type, payload, status,
			attempt, is_test, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, d := range deliveries {
		if d.ID == "" {
			d.ID = "dlv_" + uuid.New().String()
		}
		if d.Status == "" {
			d.Status = models.DeliveryPending
		}
		d.CreatedAt = now
		d.UpdatedAt = now

		if _, err := stmt.ExecContext(ctx,
			d.ID, d.WebhookID, d.TenantID, d.EventID, d.EventType, []byte(d.Payload),
			d.Status, d.Attempt, d.IsTest, d.CreatedAt, d.UpdatedAt,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *DeliveryRepository) Create(ctx context.Context, delivery *models.Delivery) error {
	return r.CreateBatch(ctx, []*models.Delivery{delivery})
}

func (r *DeliveryRepository) GetByID(ctx context.Context, tenantID, id string) (*models.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE id = ? AND tenant_id = ?`
	d, err := scanDelivery(r.db.QueryRowContext(ctx, query, id, tenantID))
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	return d, err
}

func (r *DeliveryRepository) ListByWebhook(ctx context.Context, tenantID, webhookID string, filter models.DeliveryFilter) ([]*models.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE webhook_id = ? AND tenant_id = ?`
	args := []interface{}{webhookID, tenantID}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)

	return r.query(ctx, query, args...)
}

// ListByEvent returns every delivery fanned out from one event.
func (r *DeliveryRepository) ListByEvent(ctx context.Context, tenantID, eventID string) ([]*models.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE event_id = ? AND tenant_id = ? ORDER BY created_at, id`
	return r.query(ctx, query, eventID, tenantID)
}

// ListRetrying returns a page of deliveries of enabled webhooks that are
// waiting for a retry, ordered by (next_retry_at, id). Pass the cursor of the
// last row to get the next page; nil starts from the beginning.
func (r *DeliveryRepository) ListRetrying(ctx context.Context, after *models.DeliveryCursor, limit int) ([]*models.Delivery, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries
		WHERE status = ? AND webhook_id IN (SELECT id FROM webhooks WHERE enabled = 1)`
	args := []interface{}{models.DeliveryRetrying}
	if after != nil {
		query += ` AND (COALESCE(next_retry_at, 0) > ? OR (COALESCE(next_retry_at, 0) = ? AND id > ?))`
		args = append(args, after.Key, after.Key, after.ID)
	}
	query += ` ORDER BY COALESCE(next_retry_at, 0), id LIMIT ?`
	args = append(args, limit)
	return r.query(ctx, query, args...)
}

// ListStalePending returns a page of non-test deliveries of enabled webhooks
// still pending since before updatedBefore, ordered by (updated_at, id). These
// are first attempts lost to a crash or shutdown.
func (r *DeliveryRepository) ListStalePending(ctx context.Context, updatedBefore int64, after *models.DeliveryCursor, limit int) ([]*models.Delivery, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries
		WHERE status = ? AND is_test = 0 AND updated_at < ?
			AND webhook_id IN (SELECT id FROM webhooks WHERE enabled = 1)`
	args := []interface{}{models.DeliveryPending, updatedBefore}
	if after != nil {
		query += ` AND (updated_at > ? OR (updated_at = ? AND id > ?))`
		args = append(args, after.Key, after.Key, after.ID)
	}
	query += ` ORDER BY updated_at, id LIMIT ?`
	args = append(args, limit)
	return r.query(ctx, query, args...)
}

// RecordAttempt applies the outcome of one send. The delivery row is only
// updated if it still holds the attempt count the sender started from, and
// the webhook health counters change in the same transaction.
func (r *DeliveryRepository) RecordAttempt(ctx context.Context, rec models.AttemptRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var deliveredAt interface{}
	if rec.Status == models.DeliverySuccess {
		deliveredAt = rec.At
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = ?, attempt = ?, next_retry_at = ?, status_code = ?, response_body = ?,
			response_time_ms = ?, error_message = ?, delivered_at = ?, updated_at = ?
		WHERE id = ? AND attempt = ? AND status IN ('pending', 'retrying')
	`,
		rec.Status,
		rec.Attempt,
		rec.NextRetryAt,
		rec.StatusCode,
		nullIfEmpty(rec.ResponseBody),
		rec.ResponseTimeMs,
		nullIfEmpty(rec.ErrorMessage),
		deliveredAt,
		rec.At,
		rec.DeliveryID,
		rec.PriorAttempt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrStaleDelivery
	}

	if rec.UpdateHealth {
		if rec.Status == models.DeliverySuccess {
			_, err = tx.ExecContext(ctx,
				`UPDATE webhooks SET consecutive_failures = 0, last_error = NULL, last_delivered_at = ? WHERE id = ?`,
				rec.At, rec.WebhookID)
		} else {
			_, err = tx.ExecContext(ctx,
				`UPDATE webhooks SET consecutive_failures = consecutive_failures + 1, last_failed_at = ?, last_error = ? WHERE id = ?`,
				rec.At, rec.ErrorMessage, rec.WebhookID)
		}
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ResetForRetry puts a delivery back to pending with a fresh attempt budget.
func (r *DeliveryRepository) ResetForRetry(ctx context.Context, tenantID, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = ?, attempt = 0, next_retry_at = NULL, status_code = NULL, response_body = NULL,
			response_time_ms = NULL, error_message = NULL, delivered_at = NULL, updated_at = ?
		WHERE id = ? AND tenant_id = ?
	`, models.DeliveryPending, time.Now().Unix(), id, tenantID)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (r *DeliveryRepository) query(ctx context.Context, query string, args ...interface{}) ([]*models.Delivery, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deliveries := []*models.Delivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

func scanDelivery(s scanner) (*models.Delivery, error) {
	var d models.Delivery
	var payload []byte
	var nextRetryAt, statusCode, responseTimeMs, deliveredAt sql.NullInt64
	var responseBody, errorMessage sql.NullString

	err := s.Scan(
		&d.ID,
		&d.WebhookID,
		&d.TenantID,
		&d.EventID,
		&d.EventType,
		&payload,
		&d.Status,
		&d.Attempt,
		&nextRetryAt,
		&statusCode,
		&responseBody,
		&responseTimeMs,
		&errorMessage,
		&deliveredAt,
		&d.IsTest,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Payload = payload
	d.NextRetryAt = nullableInt64(nextRetryAt)
	d.ResponseTimeMs = nullableInt64(responseTimeMs)
	d.DeliveredAt = nullableInt64(deliveredAt)
	if statusCode.Valid {
		code := int(statusCode.Int64)
		d.StatusCode = &code
	}
	if responseBody.Valid {
		d.ResponseBody = responseBody.String
	}
	if errorMessage.Valid {
		d.ErrorMessage = errorMessage.String
	}

	return &d, nil
}
