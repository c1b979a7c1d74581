package models

import (
	"encoding/json"
	"errors"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStaleDelivery is returned when a delivery row changed between
	// reading it and recording the outcome of an attempt.
	ErrStaleDelivery = errors.New("delivery was modified concurrently")
)

type RetryPolicy struct {
	MaxAttempts    int `json:"max_attempts"`
	TimeoutSeconds int `json:"timeout_seconds"`
}

type Webhook struct {
	ID           string            `json:"id"`
	TenantID     string            `json:"tenant_id"`
	URL          string            `json:"url"`
	Secret       string            `json:"-"`
	Events       []string          `json:"events"` // JSON array in DB
	ResourceType *string           `json:"resource_type"`
	ResourceID   *string           `json:"resource_id"`
	Headers      map[string]string `json:"headers,omitempty"` // JSON object in DB
	RetryPolicy  RetryPolicy       `json:"retry_policy"`
	Enabled      bool              `json:"enabled"`

	// Health counters, written by the sender only.
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastDeliveredAt     *int64 `json:"last_delivered_at,omitempty"`
	LastFailedAt        *int64 `json:"last_failed_at,omitempty"`
	LastError           string `json:"last_error,omitempty"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// HasEvent reports whether the webhook subscribes to eventType.
func (w *Webhook) HasEvent(eventType string) bool {
	for _, e := range w.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// WebhookEvent is the body posted to receivers.
type WebhookEvent struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Timestamp string      `json:"timestamp"`
	Data      interface{} `json:"data"`
}

type DeliveryStatus string

const (
	DeliveryPending  DeliveryStatus = "pending"
	DeliverySuccess  DeliveryStatus = "success"
	DeliveryRetrying DeliveryStatus = "retrying"
	DeliveryFailed   DeliveryStatus = "failed"
)

func (s DeliveryStatus) Valid() bool {
	switch s {
	case DeliveryPending, DeliverySuccess, DeliveryRetrying, DeliveryFailed:
		return true
	}
	return false
}

// Terminal reports whether no automatic transition leaves s.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliverySuccess || s == DeliveryFailed
}

type Delivery struct {
	ID             string          `json:"id"`
	WebhookID      string          `json:"webhook_id"`
	TenantID       string          `json:"tenant_id"`
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	Status         DeliveryStatus  `json:"status"`
	Attempt        int             `json:"attempt"`
	NextRetryAt    *int64          `json:"next_retry_at,omitempty"`
	StatusCode     *int            `json:"status_code,omitempty"`
	ResponseBody   string          `json:"response_body,omitempty"`
	ResponseTimeMs *int64          `json:"response_time_ms,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	DeliveredAt    *int64          `json:"delivered_at,omitempty"`
	IsTest         bool            `json:"is_test"`
	CreatedAt      int64           `json:"created_at"`
	UpdatedAt      int64           `json:"updated_at"`
}

// AttemptRecord is the outcome of one send, applied to the ledger and the
// webhook health counters as a single unit.
type AttemptRecord struct {
	DeliveryID string
	WebhookID  string
	// PriorAttempt is the attempt count the sender read before sending.
	PriorAttempt int

	Status         DeliveryStatus
	Attempt        int
	NextRetryAt    *int64
	StatusCode     *int
	ResponseBody   string
	ResponseTimeMs int64
	ErrorMessage   string
	At             int64

	// UpdateHealth is false for test deliveries.
	UpdateHealth bool
}
