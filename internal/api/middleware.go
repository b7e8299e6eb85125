package api

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/disputeworks/core/internal/metrics"
	"github.com/disputeworks/core/internal/store"
)

type contextKey string

const tenantKey contextKey = "tenant_id"

// tenantID pulls the resolved tenant out of the request context.
func tenantID(r *http.Request) string {
	t, _ := r.Context().Value(tenantKey).(string)
	return t
}

// tenantMiddleware resolves X-Tenant-ID against the tenants table and rejects
// suspended tenants. Every tenanted route sees a verified, active tenant.
func (s *Server) tenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Tenant-ID")
		if id == "" {
			writeError(w, http.StatusUnauthorized, "tenant_required", "X-Tenant-ID header is required")
			return
		}
		tn, err := s.gw.GetTenantDirect(r.Context(), id)
		if err != nil {
			if err == store.ErrNotFound {
				writeError(w, http.StatusUnauthorized, "tenant_unknown", "unknown tenant")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal", "tenant lookup failed")
			return
		}
		if !tn.Active() {
			writeError(w, http.StatusForbidden, "tenant_suspended", "tenant is suspended")
			return
		}
		ctx := context.WithValue(r.Context(), tenantKey, tn.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// metricsMiddleware records request counts and latency per route template.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// ============================================================================
// RATE LIMITING
// ============================================================================

// rateLimiter is a per-tenant sliding window. Buckets are pruned lazily on
// access, so an idle tenant costs nothing after its window drains.
type rateLimiter struct {
	mu        sync.Mutex
	perMinute int
	windows   map[string][]time.Time
}

func newRateLimiter(perMinute int) *rateLimiter {
	return &rateLimiter{
		perMinute: perMinute,
		windows:   make(map[string][]time.Time),
	}
}

func (rl *rateLimiter) allow(tenant string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-time.Minute)

	window := rl.windows[tenant]
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= rl.perMinute {
		rl.windows[tenant] = kept
		return false
	}
	rl.windows[tenant] = append(kept, now)
	return true
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(tenantID(r)) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "per-tenant request limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
