package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"beacon/internal/platform/models"
)

type TriggerInput struct {
	TenantID     string
	EventType    string
	Data         interface{}
	ResourceType *string
	ResourceID   *string
}

type TriggerResult struct {
	EventID              string `json:"event_id"`
	SubscriptionsMatched int    `json:"subscriptions_matched"`
}

type TestResult struct {
	Success  bool             `json:"success"`
	Delivery *models.Delivery `json:"delivery"`
}

// Dispatcher fans events out to matching webhooks and owns the manual entry
// points of the sender.
type Dispatcher struct {
	webhooks   SubscriptionStore
	deliveries DeliveryStore
	sender     *Sender
	logger     zerolog.Logger
	now        func() time.Time
}

func NewDispatcher(webhooks SubscriptionStore, deliveries DeliveryStore, sender *Sender) *Dispatcher {
	return &Dispatcher{
		webhooks:   webhooks,
		deliveries: deliveries,
		sender:     sender,
		logger:     log.Logger,
		now:        time.Now,
	}
}

// WithLogger replaces the dispatcher's logger.
func (d *Dispatcher) WithLogger(logger zerolog.Logger) *Dispatcher {
	d.logger = logger
	return d
}

// Trigger records one delivery per matching webhook and starts their first
// attempts in the background. It returns once the attempts are launched;
// delivery failures are only visible in the ledger.
func (d *Dispatcher) Trigger(ctx context.Context, in TriggerInput) (*TriggerResult, error) {
	if in.TenantID == "" {
		return nil, invalid("tenant_id", "is required")
	}
	if in.EventType == "" {
		return nil, invalid("type", "is required")
	}
	if d.sender.Closed() {
		return nil, ErrShuttingDown
	}

	candidates, err := d.webhooks.GetEnabled(ctx, in.TenantID)
	if err != nil {
		return nil, fmt.Errorf("load webhooks: %w", err)
	}

	var matched []*models.Webhook
	for _, w := range candidates {
		if Matches(w, in.EventType, in.ResourceType, in.ResourceID) {
			matched = append(matched, w)
		}
	}

	event := models.WebhookEvent{
		ID:        "evt_" + uuid.New().String(),
		Type:      in.EventType,
		Timestamp: d.now().UTC().Format(time.RFC3339),
		Data:      in.Data,
	}
	result := &TriggerResult{EventID: event.ID, SubscriptionsMatched: len(matched)}
	if len(matched) == 0 {
		return result, nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return nil, invalid("data", "must be JSON serializable: "+err.Error())
	}

	deliveries := make([]*models.Delivery, len(matched))
	for i, w := range matched {
		deliveries[i] = &models.Delivery{
			WebhookID: w.ID,
			TenantID:  in.TenantID,
			EventID:   event.ID,
			EventType: event.Type,
			Payload:   payload,
			Status:    models.DeliveryPending,
		}
	}
	if err := d.deliveries.CreateBatch(ctx, deliveries); err != nil {
		return nil, fmt.Errorf("record deliveries: %w", err)
	}

	for i := range deliveries {
		webhook, delivery := matched[i], deliveries[i]
		started := d.sender.Go(func(ctx context.Context) {
			if _, err := d.sender.Attempt(ctx, webhook, delivery); err != nil {
				d.logger.Error().Err(err).Str("delivery_id", delivery.ID).Msg("delivery attempt failed")
			}
		})
		if !started {
			d.logger.Warn().Str("delivery_id", delivery.ID).Msg("engine shutting down, delivery left pending")
		}
	}

	d.logger.Debug().
		Str("tenant_id", in.TenantID).
		Str("event_id", event.ID).
		Str("event_type", event.Type).
		Int("matched", len(matched)).
		Msg("event dispatched")

	return result, nil
}

// RetryDelivery resets a delivery to a fresh attempt budget and attempts it
// immediately. Any automatic retry armed for it is cancelled.
func (d *Dispatcher) RetryDelivery(ctx context.Context, tenantID, deliveryID string) (*models.Delivery, error) {
	delivery, err := d.deliveries.GetByID(ctx, tenantID, deliveryID)
	if err != nil {
		return nil, err
	}
	webhook, err := d.webhooks.GetByID(ctx, tenantID, delivery.WebhookID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, ErrSubscriptionDeleted
	}
	if err != nil {
		return nil, err
	}

	if !d.sender.acquire(delivery.ID) {
		return nil, ErrDeliveryInFlight
	}
	defer d.sender.release(delivery.ID)

	d.sender.CancelRetries(delivery.ID)
	if err := d.deliveries.ResetForRetry(ctx, tenantID, delivery.ID); err != nil {
		return nil, err
	}
	delivery, err = d.deliveries.GetByID(ctx, tenantID, delivery.ID)
	if err != nil {
		return nil, err
	}

	d.logger.Info().
		Str("delivery_id", delivery.ID).
		Str("webhook_id", webhook.ID).
		Msg("manual delivery retry")

	return d.sender.send(ctx, webhook, delivery)
}

// TestWebhook sends one synthetic webhook.test event and waits for the
// result. The attempt is recorded as a test delivery, is never retried and
// leaves the webhook's health counters alone.
func (d *Dispatcher) TestWebhook(ctx context.Context, tenantID, webhookID string) (*TestResult, error) {
	webhook, err := d.webhooks.GetByID(ctx, tenantID, webhookID)
	if err != nil {
		return nil, err
	}

	event := models.WebhookEvent{
		ID:        "evt_" + uuid.New().String(),
		Type:      EventWebhookTest,
		Timestamp: d.now().UTC().Format(time.RFC3339),
		Data: map[string]string{
			"webhook_id": webhook.ID,
			"message":    "This is a test event.",
		},
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}

	delivery := &models.Delivery{
		WebhookID: webhook.ID,
		TenantID:  tenantID,
		EventID:   event.ID,
		EventType: event.Type,
		Payload:   payload,
		Status:    models.DeliveryPending,
		IsTest:    true,
	}
	if err := d.deliveries.Create(ctx, delivery); err != nil {
		return nil, err
	}

	result, err := d.sender.Attempt(ctx, webhook, delivery)
	if err != nil {
		return nil, err
	}
	return &TestResult{Success: result.Status == models.DeliverySuccess, Delivery: result}, nil
}

// Shutdown stops accepting events, abandons retry timers and waits for
// running attempts until ctx expires.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	return d.sender.Shutdown(ctx)
}
