package webhooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"

	"beacon/internal/platform/models"
)

// Doer is the subset of *http.Client the sender needs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type SenderConfig struct {
	Webhooks   SubscriptionStore
	Deliveries DeliveryStore
	Scheduler  RetryScheduler

	// Client defaults to an *http.Client without a global timeout; each
	// attempt is bounded by the webhook's timeout_seconds.
	Client               Doer
	Backoff              BackoffFunc
	UserAgent            string
	MaxResponseBodyBytes int
	Logger               *zerolog.Logger
	Now                  func() time.Time
}

// Sender performs delivery attempts and records their outcome.
type Sender struct {
	webhooks   SubscriptionStore
	deliveries DeliveryStore
	scheduler  RetryScheduler
	client     Doer
	backoff    BackoffFunc
	userAgent  string
	maxBody    int
	logger     zerolog.Logger
	now        func() time.Time
	tracer     trace.Tracer

	tasks    *taskGroup
	inflight sync.Map
	active   atomic.Int64
}

func NewSender(cfg SenderConfig) *Sender {
	s := &Sender{
		webhooks:   cfg.Webhooks,
		deliveries: cfg.Deliveries,
		scheduler:  cfg.Scheduler,
		client:     cfg.Client,
		backoff:    cfg.Backoff,
		userAgent:  cfg.UserAgent,
		maxBody:    cfg.MaxResponseBodyBytes,
		now:        cfg.Now,
		tracer:     otel.Tracer("beacon/webhooks"),
		tasks:      newTaskGroup(),
	}
	if s.scheduler == nil {
		s.scheduler = NewScheduler()
	}
	if s.client == nil {
		s.client = &http.Client{}
	}
	if s.backoff == nil {
		s.backoff = ExponentialBackoff
	}
	if s.userAgent == "" {
		s.userAgent = "beacon-webhooks/1.0"
	}
	if s.maxBody <= 0 {
		s.maxBody = 1024
	}
	if s.now == nil {
		s.now = time.Now
	}
	if cfg.Logger != nil {
		s.logger = *cfg.Logger
	} else {
		s.logger = log.Logger
	}
	return s
}

// Attempt sends one attempt of d to webhook and records the outcome. It fails
// with ErrDeliveryInFlight if another attempt of d is running.
func (s *Sender) Attempt(ctx context.Context, webhook *models.Webhook, d *models.Delivery) (*models.Delivery, error) {
	if !s.acquire(d.ID) {
		return nil, ErrDeliveryInFlight
	}
	defer s.release(d.ID)

	return s.send(ctx, webhook, d)
}

// InFlight is the number of attempts currently running.
func (s *Sender) InFlight() int64 {
	return s.active.Load()
}

// ScheduledRetries is the number of armed retry timers.
func (s *Sender) ScheduledRetries() int {
	return s.scheduler.Len()
}

// RecoverDelivery arms an attempt of a delivery whose timer or first send was
// lost, e.g. to a restart. It does nothing and returns false when a timer is
// already armed for d, so a fresher backoff is never replaced. The attempt is
// skipped if the row has moved past the status and attempt count seen in d.
func (s *Sender) RecoverDelivery(d *models.Delivery, delay time.Duration) bool {
	if d.Status != models.DeliveryPending && d.Status != models.DeliveryRetrying {
		return false
	}
	tenantID, id, status, attempt := d.TenantID, d.ID, d.Status, d.Attempt
	return s.scheduler.ScheduleIfAbsent(id, delay, func() {
		s.fire(tenantID, id, status, attempt)
	})
}

// CancelRetries drops the retry timers of the given deliveries.
func (s *Sender) CancelRetries(deliveryIDs ...string) {
	for _, id := range deliveryIDs {
		s.scheduler.Cancel(id)
	}
}

// Go runs fn in the background on the sender's base context.
func (s *Sender) Go(fn func(ctx context.Context)) bool {
	return s.tasks.Go(fn)
}

func (s *Sender) Closed() bool {
	return s.tasks.Closed()
}

// Shutdown abandons retry timers and waits for running attempts.
func (s *Sender) Shutdown(ctx context.Context) error {
	s.scheduler.Stop()
	return s.tasks.Close(ctx)
}

func (s *Sender) acquire(deliveryID string) bool {
	if _, loaded := s.inflight.LoadOrStore(deliveryID, struct{}{}); loaded {
		return false
	}
	s.active.Add(1)
	return true
}

func (s *Sender) release(deliveryID string) {
	s.inflight.Delete(deliveryID)
	s.active.Add(-1)
}

// fire is the automatic retry path. It re-reads the ledger and skips the
// attempt when the delivery or its webhook no longer qualifies. status and
// attempt are what the row held when the timer was armed.
func (s *Sender) fire(tenantID, deliveryID string, status models.DeliveryStatus, attempt int) {
	s.tasks.Go(func(ctx context.Context) {
		logger := s.logger.With().Str("delivery_id", deliveryID).Logger()

		if !s.acquire(deliveryID) {
			logger.Debug().Msg("retry skipped, attempt already in flight")
			return
		}
		defer s.release(deliveryID)

		d, err := s.deliveries.GetByID(ctx, tenantID, deliveryID)
		if errors.Is(err, models.ErrNotFound) {
			logger.Debug().Msg("retry skipped, delivery removed")
			return
		}
		if err != nil {
			logger.Error().Err(err).Msg("failed to load delivery for retry")
			return
		}
		if d.Status != status || d.Attempt != attempt {
			logger.Debug().
				Str("status", string(d.Status)).
				Int("attempt", d.Attempt).
				Int("armed_attempt", attempt).
				Msg("retry skipped, delivery changed since the timer was armed")
			return
		}

		webhook, err := s.webhooks.GetByID(ctx, tenantID, d.WebhookID)
		if errors.Is(err, models.ErrNotFound) {
			logger.Info().Str("webhook_id", d.WebhookID).Msg("retry skipped, webhook deleted")
			return
		}
		if err != nil {
			logger.Error().Err(err).Msg("failed to load webhook for retry")
			return
		}
		if !webhook.Enabled {
			logger.Info().Str("webhook_id", webhook.ID).Msg("retry skipped, webhook disabled")
			return
		}

		s.send(ctx, webhook, d)
	})
}

type outcome struct {
	statusCode *int
	body       string
	latency    time.Duration
	err        error
}

func (o outcome) ok() bool {
	return o.err == nil && o.statusCode != nil && *o.statusCode >= 200 && *o.statusCode < 300
}

func (o outcome) errorMessage() string {
	if o.err != nil {
		return o.err.Error()
	}
	if o.statusCode != nil {
		return fmt.Sprintf("HTTP %d", *o.statusCode)
	}
	return "no response"
}

func (s *Sender) send(ctx context.Context, webhook *models.Webhook, d *models.Delivery) (*models.Delivery, error) {
	n := d.Attempt + 1

	ctx, span := s.tracer.Start(ctx, "webhook.deliver",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(http.MethodPost),
			semconv.HTTPURLKey.String(webhook.URL),
			attribute.String("webhook.id", webhook.ID),
			attribute.String("webhook.delivery_id", d.ID),
			attribute.String("webhook.event_type", d.EventType),
			attribute.Int("webhook.attempt", n),
		),
	)
	defer span.End()

	out := s.post(ctx, webhook, d)
	now := s.now()

	rec := models.AttemptRecord{
		DeliveryID:     d.ID,
		WebhookID:      webhook.ID,
		PriorAttempt:   d.Attempt,
		Attempt:        n,
		StatusCode:     out.statusCode,
		ResponseBody:   out.body,
		ResponseTimeMs: out.latency.Milliseconds(),
		At:             now.Unix(),
		UpdateHealth:   !d.IsTest,
	}

	var delay time.Duration
	switch {
	case out.ok():
		rec.Status = models.DeliverySuccess
	case !d.IsTest && n < webhook.RetryPolicy.MaxAttempts:
		delay = s.backoff(n)
		next := now.Add(delay).Unix()
		rec.Status = models.DeliveryRetrying
		rec.NextRetryAt = &next
		rec.ErrorMessage = out.errorMessage()
	default:
		rec.Status = models.DeliveryFailed
		rec.ErrorMessage = out.errorMessage()
	}

	if out.statusCode != nil {
		span.SetAttributes(semconv.HTTPStatusCodeKey.Int(*out.statusCode))
	}
	if rec.Status != models.DeliverySuccess {
		span.SetStatus(codes.Error, rec.ErrorMessage)
	}

	// the outcome is recorded even if the caller has gone away
	if err := s.deliveries.RecordAttempt(context.WithoutCancel(ctx), rec); err != nil {
		span.RecordError(err)
		s.logger.Error().Err(err).
			Str("delivery_id", d.ID).
			Str("webhook_id", webhook.ID).
			Int("attempt", n).
			Msg("failed to record delivery attempt")
		return nil, fmt.Errorf("record attempt %d of %s: %w", n, d.ID, err)
	}

	if rec.Status == models.DeliveryRetrying {
		tenantID, id := d.TenantID, d.ID
		s.scheduler.Schedule(id, delay, func() {
			s.fire(tenantID, id, models.DeliveryRetrying, n)
		})
	}

	s.logAttempt(d, rec, out)
	return applyRecord(d, rec), nil
}

func (s *Sender) post(ctx context.Context, webhook *models.Webhook, d *models.Delivery) outcome {
	timeout := time.Duration(webhook.RetryPolicy.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return outcome{err: err}
	}
	s.setHeaders(ctx, req, webhook, d)

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timeout after %s: %w", timeout, err)
		}
		return outcome{latency: latency, err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, int64(s.maxBody)))
	code := resp.StatusCode
	return outcome{
		statusCode: &code,
		body:       strings.ToValidUTF8(string(body), ""),
		latency:    latency,
	}
}

var reservedHeaders = map[string]bool{
	"Content-Type":  true,
	"User-Agent":    true,
	HeaderSignature: true,
	HeaderEvent:     true,
	HeaderDelivery:  true,
	HeaderTest:      true,
}

func (s *Sender) setHeaders(ctx context.Context, req *http.Request, webhook *models.Webhook, d *models.Delivery) {
	for k, v := range webhook.Headers {
		if reservedHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		req.Header.Set(k, v)
	}

	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set(HeaderSignature, Sign(webhook.Secret, d.Payload))
	req.Header.Set(HeaderEvent, d.EventType)
	req.Header.Set(HeaderDelivery, d.ID)
	if d.IsTest {
		req.Header.Set(HeaderTest, "true")
	}
}

func (s *Sender) logAttempt(d *models.Delivery, rec models.AttemptRecord, out outcome) {
	var e *zerolog.Event
	switch rec.Status {
	case models.DeliverySuccess:
		e = s.logger.Info()
	case models.DeliveryRetrying:
		e = s.logger.Warn()
	default:
		e = s.logger.Error()
	}

	e = e.Str("delivery_id", d.ID).
		Str("webhook_id", rec.WebhookID).
		Str("event_id", d.EventID).
		Str("event_type", d.EventType).
		Int("attempt", rec.Attempt).
		Int64("latency_ms", rec.ResponseTimeMs).
		Str("status", string(rec.Status)).
		Bool("test", d.IsTest)
	if out.statusCode != nil {
		e = e.Int("status_code", *out.statusCode)
	}
	if rec.NextRetryAt != nil {
		e = e.Int64("next_retry_at", *rec.NextRetryAt)
	}
	if rec.ErrorMessage != "" {
		e = e.Str("error", rec.ErrorMessage)
	}
	e.Msg("webhook delivery attempt")
}

func applyRecord(d *models.Delivery, rec models.AttemptRecord) *models.Delivery {
	out := *d
	out.Status = rec.Status
	out.Attempt = rec.Attempt
	out.NextRetryAt = rec.NextRetryAt
	out.StatusCode = rec.StatusCode
	out.ResponseBody = rec.ResponseBody
	latency := rec.ResponseTimeMs
	out.ResponseTimeMs = &latency
	out.ErrorMessage = rec.ErrorMessage
	out.DeliveredAt = nil
	if rec.Status == models.DeliverySuccess {
		at := rec.At
		out.DeliveredAt = &at
	}
	out.UpdatedAt = rec.At
	return &out
}
