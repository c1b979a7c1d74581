package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	apiContext "beacon/internal/api/context"
	"beacon/internal/platform/auth"
)

func TestTenantMiddleware(t *testing.T) {
	middleware := NewTenantMiddleware()

	t.Run("Valid Tenant", func(t *testing.T) {
		req, _ := http.NewRequest("GET", "/", nil)

		claims := &auth.Claims{TenantID: "tenant_123"}
		claims.Subject = "user_1"
		req = req.WithContext(context.WithValue(req.Context(), apiContext.Claims, claims))

		rr := httptest.NewRecorder()
		handler := middleware.Handle(func(w http.ResponseWriter, r *http.Request) {
			tenant, ok := TenantFrom(r.Context())
			if !ok {
				t.Fatal("Expected tenant in context")
			}
			if tenant.TenantID != "tenant_123" {
				t.Errorf("Expected TenantID tenant_123, got %s", tenant.TenantID)
			}
			if tenant.Subject != "user_1" {
				t.Errorf("Expected Subject user_1, got %s", tenant.Subject)
			}
			w.WriteHeader(http.StatusOK)
		})

		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
		}
	})

	t.Run("Token Without Tenant", func(t *testing.T) {
		req, _ := http.NewRequest("GET", "/", nil)
		req = req.WithContext(context.WithValue(req.Context(), apiContext.Claims, &auth.Claims{}))

		rr := httptest.NewRecorder()
		handler := middleware.Handle(func(w http.ResponseWriter, r *http.Request) {
			t.Error("Handler should not be called")
		})

		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusForbidden {
			t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusForbidden)
		}
	})

	t.Run("No Claims", func(t *testing.T) {
		req, _ := http.NewRequest("GET", "/", nil)

		rr := httptest.NewRecorder()
		middleware.Handle(func(w http.ResponseWriter, r *http.Request) {
			t.Error("Handler should not be called")
		}).ServeHTTP(rr, req)

		if rr.Code != http.StatusUnauthorized {
			t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusUnauthorized)
		}
	})
}
