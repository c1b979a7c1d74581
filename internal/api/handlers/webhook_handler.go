package handlers

import (
	"net/http"
	"strconv"

	"beacon/internal/engine/webhooks"
	"beacon/internal/pkg/errors"
	"beacon/internal/platform/audit"
	"beacon/internal/platform/models"
)

type WebhookHandler struct {
	registry   *webhooks.Registry
	ledger     *webhooks.Ledger
	dispatcher *webhooks.Dispatcher
	audit      *audit.Logger
}

func NewWebhookHandler(registry *webhooks.Registry, ledger *webhooks.Ledger, dispatcher *webhooks.Dispatcher) *WebhookHandler {
	return &WebhookHandler{registry: registry, ledger: ledger, dispatcher: dispatcher}
}

// WithAudit records configuration changes to l.
func (h *WebhookHandler) WithAudit(l *audit.Logger) *WebhookHandler {
	h.audit = l
	return h
}

// webhookWithSecret is only returned by create and rotate.
type webhookWithSecret struct {
	*models.Webhook
	Secret string `json:"secret"`
}

func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req webhooks.CreateInput
	if !decode(w, r, &req) {
		return
	}

	webhook, err := h.registry.Create(r.Context(), tenantID(r), req)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	h.audit.Log(r.Context(), actor(r), audit.ActionWebhookCreated, "webhook", webhook.ID, map[string]interface{}{
		"url":    webhook.URL,
		"events": webhook.Events,
	})

	errors.WriteJSON(w, http.StatusCreated, webhookWithSecret{Webhook: webhook, Secret: webhook.Secret})
}

func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := models.WebhookFilter{Event: r.URL.Query().Get("event")}

	if raw := r.URL.Query().Get("enabled"); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "enabled must be a boolean", nil)
			return
		}
		filter.Enabled = &enabled
	}

	var ok bool
	if filter.Limit, ok = queryInt(r, "limit"); !ok {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "limit must be a non-negative integer", nil)
		return
	}
	if filter.Offset, ok = queryInt(r, "offset"); !ok {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "offset must be a non-negative integer", nil)
		return
	}

	list, err := h.registry.List(r.Context(), tenantID(r), filter)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	errors.WriteJSON(w, http.StatusOK, map[string]interface{}{"data": list})
}

func (h *WebhookHandler) Get(w http.ResponseWriter, r *http.Request) {
	webhook, err := h.registry.Get(r.Context(), tenantID(r), param(r, "webhook_id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	errors.WriteJSON(w, http.StatusOK, webhook)
}

func (h *WebhookHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req webhooks.UpdateInput
	if !decode(w, r, &req) {
		return
	}

	webhook, err := h.registry.Update(r.Context(), tenantID(r), param(r, "webhook_id"), req)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	h.audit.Log(r.Context(), actor(r), audit.ActionWebhookUpdated, "webhook", webhook.ID, map[string]interface{}{
		"enabled": webhook.Enabled,
	})

	errors.WriteJSON(w, http.StatusOK, webhook)
}

func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := param(r, "webhook_id")
	if err := h.registry.Delete(r.Context(), tenantID(r), id); err != nil {
		writeEngineError(w, r, err)
		return
	}

	h.audit.Log(r.Context(), actor(r), audit.ActionWebhookDeleted, "webhook", id, nil)

	w.WriteHeader(http.StatusNoContent)
}

func (h *WebhookHandler) RotateSecret(w http.ResponseWriter, r *http.Request) {
	id := param(r, "webhook_id")
	secret, err := h.registry.RotateSecret(r.Context(), tenantID(r), id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	h.audit.Log(r.Context(), actor(r), audit.ActionWebhookSecretRotated, "webhook", id, nil)

	errors.WriteJSON(w, http.StatusOK, map[string]string{"id": id, "secret": secret})
}

// Test sends a webhook.test event and reports the outcome of that single
// attempt.
func (h *WebhookHandler) Test(w http.ResponseWriter, r *http.Request) {
	result, err := h.dispatcher.TestWebhook(r.Context(), tenantID(r), param(r, "webhook_id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	errors.WriteJSON(w, http.StatusOK, result)
}

func (h *WebhookHandler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	filter := models.DeliveryFilter{Status: models.DeliveryStatus(r.URL.Query().Get("status"))}

	var ok bool
	if filter.Limit, ok = queryInt(r, "limit"); !ok {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "limit must be a non-negative integer", nil)
		return
	}
	if filter.Offset, ok = queryInt(r, "offset"); !ok {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "offset must be a non-negative integer", nil)
		return
	}

	deliveries, err := h.ledger.ListBySubscription(r.Context(), tenantID(r), param(r, "webhook_id"), filter)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	errors.WriteJSON(w, http.StatusOK, map[string]interface{}{"data": deliveries})
}
