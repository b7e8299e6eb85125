package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterAllowsWithinBudget(t *testing.T) {
	rl := newRateLimiter(5)
	for i := 0; i < 5; i++ {
		assert.True(t, rl.allow("t-1"), "request %d", i+1)
	}
	assert.False(t, rl.allow("t-1"))
}

func TestRateLimiterIsPerTenant(t *testing.T) {
	rl := newRateLimiter(1)
	assert.True(t, rl.allow("t-1"))
	assert.False(t, rl.allow("t-1"))
	assert.True(t, rl.allow("t-2"), "another tenant has its own window")
}

func TestRateLimiterMiddlewareReturns429(t *testing.T) {
	rl := newRateLimiter(1)
	handler := rl.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/status/client/c-1", nil))
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/status/client/c-1", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "60", second.Header().Get("Retry-After"))
}

func TestTenantMiddlewareRequiresHeader(t *testing.T) {
	s := &Server{}
	handler := s.tenantMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run without a tenant")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/client/c-1", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "tenant_required")
}
