package handlers

import (
	"encoding/json"
	"net/http"

	"beacon/internal/engine/webhooks"
	"beacon/internal/pkg/errors"
)

type EventHandler struct {
	dispatcher *webhooks.Dispatcher
}

func NewEventHandler(dispatcher *webhooks.Dispatcher) *EventHandler {
	return &EventHandler{dispatcher: dispatcher}
}

type triggerRequest struct {
	Type         string          `json:"type"`
	Data         json.RawMessage `json:"data"`
	ResourceType *string         `json:"resource_type"`
	ResourceID   *string         `json:"resource_id"`
}

// Trigger fans an event out to the tenant's webhooks. It answers 202 as soon
// as the deliveries are recorded.
func (h *EventHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if !decode(w, r, &req) {
		return
	}

	var data interface{}
	if len(req.Data) > 0 {
		data = req.Data
	}

	result, err := h.dispatcher.Trigger(r.Context(), webhooks.TriggerInput{
		TenantID:     tenantID(r),
		EventType:    req.Type,
		Data:         data,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	errors.WriteJSON(w, http.StatusAccepted, result)
}
