package handlers

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"

	apiContext "beacon/internal/api/context"
	"beacon/internal/api/middleware"
	"beacon/internal/engine/webhooks"
	"beacon/internal/pkg/errors"
	"beacon/internal/platform/audit"
	"beacon/internal/platform/models"
)

const maxBodyBytes = 1 << 20

func param(r *http.Request, name string) string {
	params, _ := r.Context().Value(apiContext.Params).(httprouter.Params)
	return params.ByName(name)
}

func tenantID(r *http.Request) string {
	tenant, ok := middleware.TenantFrom(r.Context())
	if !ok {
		return ""
	}
	return tenant.TenantID
}

func actor(r *http.Request) audit.Actor {
	a := audit.Actor{IPAddress: r.RemoteAddr, UserAgent: r.UserAgent()}
	if tenant, ok := middleware.TenantFrom(r.Context()); ok {
		a.TenantID = tenant.TenantID
		a.Subject = tenant.Subject
	}
	return a
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", err.Error())
		return false
	}
	return true
}

func queryInt(r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// writeEngineError maps engine and storage errors to the JSON error envelope.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *webhooks.ValidationError
	switch {
	case stderrors.As(err, &verr):
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Validation failed", verr.Fields)
	case stderrors.Is(err, models.ErrNotFound):
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Resource not found", nil)
	case stderrors.Is(err, webhooks.ErrDeliveryInFlight):
		errors.WriteError(w, http.StatusConflict, errors.ErrCodeConflict, "Delivery attempt already in progress", nil)
	case stderrors.Is(err, webhooks.ErrSubscriptionDeleted):
		errors.WriteError(w, http.StatusConflict, errors.ErrCodeConflict, "Webhook has been deleted", nil)
	case stderrors.Is(err, webhooks.ErrShuttingDown):
		errors.WriteError(w, http.StatusServiceUnavailable, errors.ErrCodeUnavailable, "Service is shutting down", nil)
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Internal server error", nil)
	}
}
