package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"beacon/internal/engine/webhooks"
	"beacon/internal/platform/config"
)

// Message is the broker representation of an event to fan out.
type Message struct {
	TenantID     string          `json:"tenant_id" validate:"required"`
	Type         string          `json:"type" validate:"required"`
	Data         json.RawMessage `json:"data"`
	ResourceType *string         `json:"resource_type,omitempty"`
	ResourceID   *string         `json:"resource_id,omitempty"`
}

type Triggerer interface {
	Trigger(ctx context.Context, in webhooks.TriggerInput) (*webhooks.TriggerResult, error)
}

// Consumer reads events from an AMQP queue and triggers them.
type Consumer struct {
	cfg       config.IngestConfig
	trigger   Triggerer
	validate  *validator.Validate
	tracer    trace.Tracer
	logger    zerolog.Logger
	reconnect time.Duration
}

func NewConsumer(cfg config.IngestConfig, trigger Triggerer) *Consumer {
	return &Consumer{
		cfg:       cfg,
		trigger:   trigger,
		validate:  validator.New(),
		tracer:    otel.Tracer("beacon/ingest"),
		logger:    log.With().Str("component", "ingest").Str("queue", cfg.Queue).Logger(),
		reconnect: 5 * time.Second,
	}
}

// Run consumes until ctx is done, reconnecting when the broker goes away.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Error().Err(err).Dur("retry_in", c.reconnect).Msg("ingest connection lost")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.reconnect):
		}
	}
}

func (c *Consumer) consume(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.AMQPURL)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if c.cfg.Prefetch > 0 {
		if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
			return fmt.Errorf("failed to set prefetch: %w", err)
		}
	}

	// QueueDeclare is idempotent when the queue already exists with the same settings
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	msgs, err := ch.Consume(c.cfg.Queue, c.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume: %w", err)
	}
	c.logger.Info().Msg("ingest consumer started")

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			if amqpErr == nil {
				return errors.New("connection closed")
			}
			return amqpErr
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.Handle(ctx, msg)
		}
	}
}

// Handle triggers one message and settles it: ack on success, reject for
// messages that can never succeed, requeue on transient failures.
func (c *Consumer) Handle(ctx context.Context, msg amqp.Delivery) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier(msg.Headers))
	ctx, span := c.tracer.Start(ctx, "ingest.message", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	var m Message
	if err := json.Unmarshal(msg.Body, &m); err != nil {
		c.settle(span, msg, err, false)
		return
	}
	if err := c.validate.Struct(m); err != nil {
		c.settle(span, msg, err, false)
		return
	}
	span.SetAttributes(
		attribute.String("tenant.id", m.TenantID),
		attribute.String("event.type", m.Type),
	)

	var data interface{}
	if len(m.Data) > 0 {
		data = m.Data
	}
	res, err := c.trigger.Trigger(ctx, webhooks.TriggerInput{
		TenantID:     m.TenantID,
		EventType:    m.Type,
		Data:         data,
		ResourceType: m.ResourceType,
		ResourceID:   m.ResourceID,
	})
	if err != nil {
		c.settle(span, msg, err, !errors.Is(err, webhooks.ErrValidation))
		return
	}

	span.SetAttributes(attribute.String("event.id", res.EventID))
	if err := msg.Ack(false); err != nil {
		c.logger.Error().Err(err).Msg("failed to ack message")
	}
}

func (c *Consumer) settle(span trace.Span, msg amqp.Delivery, cause error, requeue bool) {
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())

	var err error
	if requeue {
		c.logger.Warn().Err(cause).Uint64("delivery_tag", msg.DeliveryTag).Msg("requeueing message")
		err = msg.Nack(false, true)
	} else {
		c.logger.Error().Err(cause).Uint64("delivery_tag", msg.DeliveryTag).Msg("rejecting message")
		err = msg.Reject(false)
	}
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to settle message")
	}
}

func headerCarrier(headers amqp.Table) propagation.MapCarrier {
	carrier := propagation.MapCarrier{}
	for k, v := range headers {
		if s, ok := v.(string); ok {
			carrier[k] = s
		}
	}
	return carrier
}
