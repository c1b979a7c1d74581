package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apiContext "beacon/internal/api/context"
	"beacon/internal/platform/config"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{EventsPerMinute: 2, APIWritePerMinute: 2})
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	if !rl.Allow("a", 2) || !rl.Allow("a", 2) {
		t.Fatal("first two requests should pass")
	}
	if rl.Allow("a", 2) {
		t.Error("third request should be limited")
	}
	if !rl.Allow("b", 2) {
		t.Error("other keys have their own bucket")
	}

	now = now.Add(30 * time.Second)
	if !rl.Allow("a", 2) {
		t.Error("bucket should refill after 30s")
	}
}

func TestRateLimiter_LimitPerTenant(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{EventsPerMinute: 1, APIWritePerMinute: 5})
	handler := rl.Limit(LimitEvents)(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	call := func(tenantID string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/events", nil)
		req = req.WithContext(context.WithValue(req.Context(), apiContext.Tenant, &TenantContext{TenantID: tenantID}))
		rr := httptest.NewRecorder()
		handler(rr, req)
		return rr.Code
	}

	if got := call("tenant_a"); got != http.StatusAccepted {
		t.Errorf("first call = %d", got)
	}
	if got := call("tenant_a"); got != http.StatusTooManyRequests {
		t.Errorf("second call = %d, want 429", got)
	}
	if got := call("tenant_b"); got != http.StatusAccepted {
		t.Errorf("other tenant = %d", got)
	}
}
