package webhooks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"beacon/internal/platform/models"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrDeliveryInFlight    = errors.New("delivery attempt already in progress")
	ErrSubscriptionDeleted = errors.New("webhook has been deleted")
	ErrShuttingDown        = errors.New("webhook engine is shutting down")
)

// ValidationError carries per-field messages and matches ErrValidation.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

// SubscriptionStore persists webhooks. Implemented by
// repositories.WebhookRepository.
type SubscriptionStore interface {
	Create(ctx context.Context, webhook *models.Webhook) error
	GetByID(ctx context.Context, tenantID, id string) (*models.Webhook, error)
	List(ctx context.Context, tenantID string, filter models.WebhookFilter) ([]*models.Webhook, error)
	GetEnabled(ctx context.Context, tenantID string) ([]*models.Webhook, error)
	Update(ctx context.Context, webhook *models.Webhook) error
	UpdateSecret(ctx context.Context, tenantID, id, secret string) error
	Delete(ctx context.Context, tenantID, id string) ([]string, error)
}

// DeliveryStore persists deliveries. Implemented by
// repositories.DeliveryRepository.
type DeliveryStore interface {
	CreateBatch(ctx context.Context, deliveries []*models.Delivery) error
	Create(ctx context.Context, delivery *models.Delivery) error
	GetByID(ctx context.Context, tenantID, id string) (*models.Delivery, error)
	ListByWebhook(ctx context.Context, tenantID, webhookID string, filter models.DeliveryFilter) ([]*models.Delivery, error)
	ListByEvent(ctx context.Context, tenantID, eventID string) ([]*models.Delivery, error)
	RecordAttempt(ctx context.Context, rec models.AttemptRecord) error
	ResetForRetry(ctx context.Context, tenantID, id string) error
}
