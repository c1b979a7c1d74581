package handlers

import (
	"net/http"

	"beacon/internal/pkg/errors"
	"beacon/internal/platform/audit"
)

type AuditHandler struct {
	logger *audit.Logger
}

func NewAuditHandler(logger *audit.Logger) *AuditHandler {
	return &AuditHandler{logger: logger}
}

func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit")
	if !ok {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "limit must be a non-negative integer", nil)
		return
	}

	logs, err := h.logger.List(r.Context(), tenantID(r), limit)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	errors.WriteJSON(w, http.StatusOK, map[string]interface{}{"data": logs})
}
