package webhooks

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"beacon/internal/platform/config"
	"beacon/internal/platform/models"
)

// Limits bounds and defaults the retry policy of new webhooks.
type Limits struct {
	DefaultMaxAttempts    int
	DefaultTimeoutSeconds int
	MaxAttemptsLimit      int
	MaxTimeoutSeconds     int
}

func LimitsFromConfig(cfg config.WebhooksConfig) Limits {
	return Limits{
		DefaultMaxAttempts:    cfg.DefaultMaxAttempts,
		DefaultTimeoutSeconds: cfg.DefaultTimeoutSeconds,
		MaxAttemptsLimit:      cfg.MaxAttemptsLimit,
		MaxTimeoutSeconds:     cfg.MaxTimeoutSeconds,
	}
}

var DefaultLimits = Limits{
	DefaultMaxAttempts:    3,
	DefaultTimeoutSeconds: 30,
	MaxAttemptsLimit:      10,
	MaxTimeoutSeconds:     300,
}

type RetryPolicyInput struct {
	MaxAttempts    *int `json:"max_attempts" validate:"omitempty,min=1"`
	TimeoutSeconds *int `json:"timeout_seconds" validate:"omitempty,min=1"`
}

type CreateInput struct {
	URL          string            `json:"url" validate:"required,http_url"`
	Events       []string          `json:"events" validate:"required,min=1,dive,required"`
	ResourceType *string           `json:"resource_type" validate:"omitempty,min=1"`
	ResourceID   *string           `json:"resource_id" validate:"omitempty,min=1"`
	Headers      map[string]string `json:"headers" validate:"omitempty,dive,keys,required,endkeys"`
	RetryPolicy  *RetryPolicyInput `json:"retry_policy"`
}

// UpdateInput changes only the fields that are set. An empty ResourceType or
// ResourceID clears that scope.
type UpdateInput struct {
	URL          *string           `json:"url" validate:"omitempty,http_url"`
	Events       []string          `json:"events" validate:"omitempty,min=1,dive,required"`
	ResourceType *string           `json:"resource_type"`
	ResourceID   *string           `json:"resource_id"`
	Headers      map[string]string `json:"headers" validate:"omitempty,dive,keys,required,endkeys"`
	RetryPolicy  *RetryPolicyInput `json:"retry_policy"`
	Enabled      *bool             `json:"enabled"`
}

type ListFilter = models.WebhookFilter

type retryCanceller interface {
	CancelRetries(deliveryIDs ...string)
}

// Registry manages the tenant's webhook subscriptions.
type Registry struct {
	store    SubscriptionStore
	sender   retryCanceller
	limits   Limits
	validate *validator.Validate
}

// NewRegistry returns a registry. sender may be nil, in which case deleting a
// webhook does not cancel its retry timers.
func NewRegistry(store SubscriptionStore, sender *Sender, limits Limits) *Registry {
	r := &Registry{
		store:    store,
		limits:   limits,
		validate: newValidator(),
	}
	if sender != nil {
		r.sender = sender
	}
	return r
}

func (r *Registry) Create(ctx context.Context, tenantID string, in CreateInput) (*models.Webhook, error) {
	if err := r.check(in); err != nil {
		return nil, err
	}

	policy := models.RetryPolicy{
		MaxAttempts:    r.limits.DefaultMaxAttempts,
		TimeoutSeconds: r.limits.DefaultTimeoutSeconds,
	}
	if err := r.applyPolicy(&policy, in.RetryPolicy); err != nil {
		return nil, err
	}

	events := dedupe(in.Events)
	if len(events) == 0 {
		return nil, invalid("events", "is required")
	}

	secret, err := GenerateSecret()
	if err != nil {
		return nil, err
	}

	webhook := &models.Webhook{
		TenantID:     tenantID,
		URL:          in.URL,
		Secret:       secret,
		Events:       events,
		ResourceType: emptyToNil(in.ResourceType),
		ResourceID:   emptyToNil(in.ResourceID),
		Headers:      in.Headers,
		RetryPolicy:  policy,
		Enabled:      true,
	}
	if err := r.store.Create(ctx, webhook); err != nil {
		return nil, err
	}
	return webhook, nil
}

func (r *Registry) List(ctx context.Context, tenantID string, filter ListFilter) ([]*models.Webhook, error) {
	return r.store.List(ctx, tenantID, filter)
}

func (r *Registry) Get(ctx context.Context, tenantID, id string) (*models.Webhook, error) {
	return r.store.GetByID(ctx, tenantID, id)
}

func (r *Registry) Update(ctx context.Context, tenantID, id string, in UpdateInput) (*models.Webhook, error) {
	if err := r.check(in); err != nil {
		return nil, err
	}

	webhook, err := r.store.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	if in.URL != nil {
		webhook.URL = *in.URL
	}
	if in.Events != nil {
		webhook.Events = dedupe(in.Events)
		if len(webhook.Events) == 0 {
			return nil, invalid("events", "is required")
		}
	}
	if in.ResourceType != nil {
		webhook.ResourceType = emptyToNil(in.ResourceType)
	}
	if in.ResourceID != nil {
		webhook.ResourceID = emptyToNil(in.ResourceID)
	}
	if in.Headers != nil {
		webhook.Headers = in.Headers
	}
	if in.Enabled != nil {
		webhook.Enabled = *in.Enabled
	}
	if err := r.applyPolicy(&webhook.RetryPolicy, in.RetryPolicy); err != nil {
		return nil, err
	}

	if err := r.store.Update(ctx, webhook); err != nil {
		return nil, err
	}
	return webhook, nil
}

// Delete removes the webhook with its delivery history and drops any retry
// timers armed for those deliveries.
func (r *Registry) Delete(ctx context.Context, tenantID, id string) error {
	retrying, err := r.store.Delete(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if r.sender != nil {
		r.sender.CancelRetries(retrying...)
	}
	return nil
}

// RotateSecret replaces the signing secret and returns the new one. Retries
// already scheduled are signed with the new secret.
func (r *Registry) RotateSecret(ctx context.Context, tenantID, id string) (string, error) {
	secret, err := GenerateSecret()
	if err != nil {
		return "", err
	}
	if err := r.store.UpdateSecret(ctx, tenantID, id, secret); err != nil {
		return "", err
	}
	return secret, nil
}

func (r *Registry) check(in interface{}) error {
	err := r.validate.Struct(in)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fieldPath(fe)] = describe(fe)
	}
	return &ValidationError{Fields: fields}
}

func (r *Registry) applyPolicy(policy *models.RetryPolicy, in *RetryPolicyInput) error {
	if in == nil {
		return nil
	}
	if in.MaxAttempts != nil {
		if *in.MaxAttempts < 1 || *in.MaxAttempts > r.limits.MaxAttemptsLimit {
			return invalid("retry_policy.max_attempts", fmt.Sprintf("must be between 1 and %d", r.limits.MaxAttemptsLimit))
		}
		policy.MaxAttempts = *in.MaxAttempts
	}
	if in.TimeoutSeconds != nil {
		if *in.TimeoutSeconds < 1 || *in.TimeoutSeconds > r.limits.MaxTimeoutSeconds {
			return invalid("retry_policy.timeout_seconds", fmt.Sprintf("must be between 1 and %d", r.limits.MaxTimeoutSeconds))
		}
		policy.TimeoutSeconds = *in.TimeoutSeconds
	}
	return nil
}

// GenerateSecret returns a new signing secret: whsec_ followed by 32 random
// bytes in hex.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate webhook secret: %w", err)
	}
	return "whsec_" + hex.EncodeToString(b), nil
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "http_url":
		return "must be an http or https URL"
	case "min":
		return "must have a length of at least " + fe.Param()
	default:
		return "failed " + fe.Tag() + " check"
	}
}

func dedupe(events []string) []string {
	seen := make(map[string]bool, len(events))
	out := make([]string, 0, len(events))
	for _, e := range events {
		e = strings.TrimSpace(e)
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}

func emptyToNil(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}
