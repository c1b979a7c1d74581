package api

import (
	"context"
	"net/http"

	"github.com/julienschmidt/httprouter"

	apiContext "beacon/internal/api/context"
	"beacon/internal/api/handlers"
	"beacon/internal/api/middleware"
	"beacon/internal/pkg/errors"
	"beacon/internal/platform/auth"
)

type Dependencies struct {
	WebhookHandler   *handlers.WebhookHandler
	DeliveryHandler  *handlers.DeliveryHandler
	EventHandler     *handlers.EventHandler
	AuditHandler     *handlers.AuditHandler
	HealthHandler    *handlers.HealthHandler
	MetricsHandler   *handlers.MetricsHandler
	AuthMiddleware   *middleware.AuthMiddleware
	TenantMiddleware *middleware.TenantMiddleware
	RateLimiter      *middleware.RateLimiter
}

func NewRouter(deps *Dependencies) http.Handler {
	router := httprouter.New()
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Route not found", nil)
	})

	router.GET("/health", wrap(deps.HealthHandler.Check))
	router.GET("/metrics", wrap(deps.MetricsHandler.Export))

	// Middleware references
	authMid := deps.AuthMiddleware
	tenantMid := deps.TenantMiddleware
	manage := middleware.RequireScope(auth.ScopeWebhooksManage)
	writeLimit := deps.RateLimiter.Limit(middleware.LimitAPIWrite)

	// Webhook management
	router.POST("/api/v1/webhooks",
		chain(deps.WebhookHandler.Create, authMid.Handle, tenantMid.Handle, manage, writeLimit))
	router.GET("/api/v1/webhooks",
		chain(deps.WebhookHandler.List, authMid.Handle, tenantMid.Handle, manage))
	router.GET("/api/v1/webhooks/:webhook_id",
		chain(deps.WebhookHandler.Get, authMid.Handle, tenantMid.Handle, manage))
	router.PATCH("/api/v1/webhooks/:webhook_id",
		chain(deps.WebhookHandler.Update, authMid.Handle, tenantMid.Handle, manage, writeLimit))
	router.DELETE("/api/v1/webhooks/:webhook_id",
		chain(deps.WebhookHandler.Delete, authMid.Handle, tenantMid.Handle, manage, writeLimit))
	router.POST("/api/v1/webhooks/:webhook_id/rotate-secret",
		chain(deps.WebhookHandler.RotateSecret, authMid.Handle, tenantMid.Handle, manage, writeLimit))
	router.POST("/api/v1/webhooks/:webhook_id/test",
		chain(deps.WebhookHandler.Test, authMid.Handle, tenantMid.Handle, manage, writeLimit))
	router.GET("/api/v1/webhooks/:webhook_id/deliveries",
		chain(deps.WebhookHandler.ListDeliveries, authMid.Handle, tenantMid.Handle, manage))

	// Delivery ledger
	router.GET("/api/v1/deliveries/:delivery_id",
		chain(deps.DeliveryHandler.Get, authMid.Handle, tenantMid.Handle, manage))
	router.POST("/api/v1/deliveries/:delivery_id/retry",
		chain(deps.DeliveryHandler.Retry, authMid.Handle, tenantMid.Handle, manage, writeLimit))

	router.GET("/api/v1/audit-logs",
		chain(deps.AuditHandler.List, authMid.Handle, tenantMid.Handle, manage))

	// Event ingestion from platform services
	router.POST("/api/v1/events",
		chain(deps.EventHandler.Trigger, authMid.Handle, tenantMid.Handle,
			middleware.RequireScope(auth.ScopeEventsWrite), deps.RateLimiter.Limit(middleware.LimitEvents)))

	return middleware.RequestLog(router)
}

// Helper function to chain middlewares
func chain(handler http.HandlerFunc, middlewares ...func(http.HandlerFunc) http.HandlerFunc) httprouter.Handle {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return wrap(handler)
}

// Convert http.HandlerFunc to httprouter.Handle
func wrap(handler http.HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		// Inject params into context
		ctx := context.WithValue(r.Context(), apiContext.Params, ps)
		handler(w, r.WithContext(ctx))
	}
}
