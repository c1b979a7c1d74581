package webhooks

import (
	"context"

	"beacon/internal/platform/models"
)

// Ledger is the read side of the delivery history.
type Ledger struct {
	webhooks   SubscriptionStore
	deliveries DeliveryStore
}

func NewLedger(webhooks SubscriptionStore, deliveries DeliveryStore) *Ledger {
	return &Ledger{webhooks: webhooks, deliveries: deliveries}
}

func (l *Ledger) Get(ctx context.Context, tenantID, deliveryID string) (*models.Delivery, error) {
	return l.deliveries.GetByID(ctx, tenantID, deliveryID)
}

// ListBySubscription returns the webhook's deliveries, newest first. It fails
// with models.ErrNotFound if the webhook does not belong to the tenant.
func (l *Ledger) ListBySubscription(ctx context.Context, tenantID, webhookID string, filter models.DeliveryFilter) ([]*models.Delivery, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, invalid("status", "must be one of pending, success, retrying, failed")
	}
	if _, err := l.webhooks.GetByID(ctx, tenantID, webhookID); err != nil {
		return nil, err
	}
	return l.deliveries.ListByWebhook(ctx, tenantID, webhookID, filter)
}

func (l *Ledger) ListByEvent(ctx context.Context, tenantID, eventID string) ([]*models.Delivery, error) {
	return l.deliveries.ListByEvent(ctx, tenantID, eventID)
}
