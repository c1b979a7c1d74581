package middleware

import (
	"context"
	"net/http"

	apiContext "beacon/internal/api/context"
	"beacon/internal/pkg/errors"
	"beacon/internal/platform/auth"
)

type TenantContext struct {
	TenantID string
	Subject  string
}

// TenantFrom returns the tenant resolved by TenantMiddleware.
func TenantFrom(ctx context.Context) (*TenantContext, bool) {
	tenant, ok := ctx.Value(apiContext.Tenant).(*TenantContext)
	return tenant, ok && tenant != nil
}

type TenantMiddleware struct{}

func NewTenantMiddleware() *TenantMiddleware {
	return &TenantMiddleware{}
}

func (m *TenantMiddleware) Handle(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := r.Context().Value(apiContext.Claims).(*auth.Claims)
		if !ok {
			errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "No authentication claims found", nil)
			return
		}
		if claims.TenantID == "" {
			errors.WriteError(w, http.StatusForbidden, errors.ErrCodeForbidden, "Token is not bound to a tenant", nil)
			return
		}

		ctx := context.WithValue(r.Context(), apiContext.Tenant, &TenantContext{
			TenantID: claims.TenantID,
			Subject:  claims.Subject,
		})

		next(w, r.WithContext(ctx))
	}
}
