package handlers

import (
	"net/http"

	"beacon/internal/engine/webhooks"
	"beacon/internal/pkg/errors"
	"beacon/internal/platform/audit"
)

type DeliveryHandler struct {
	ledger     *webhooks.Ledger
	dispatcher *webhooks.Dispatcher
	audit      *audit.Logger
}

func NewDeliveryHandler(ledger *webhooks.Ledger, dispatcher *webhooks.Dispatcher) *DeliveryHandler {
	return &DeliveryHandler{ledger: ledger, dispatcher: dispatcher}
}

func (h *DeliveryHandler) WithAudit(l *audit.Logger) *DeliveryHandler {
	h.audit = l
	return h
}

func (h *DeliveryHandler) Get(w http.ResponseWriter, r *http.Request) {
	delivery, err := h.ledger.Get(r.Context(), tenantID(r), param(r, "delivery_id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	errors.WriteJSON(w, http.StatusOK, delivery)
}

// Retry restarts the delivery's attempt budget and attempts it now.
func (h *DeliveryHandler) Retry(w http.ResponseWriter, r *http.Request) {
	delivery, err := h.dispatcher.RetryDelivery(r.Context(), tenantID(r), param(r, "delivery_id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	h.audit.Log(r.Context(), actor(r), audit.ActionDeliveryRetried, "delivery", delivery.ID, map[string]interface{}{
		"status": delivery.Status,
	})

	errors.WriteJSON(w, http.StatusOK, delivery)
}
