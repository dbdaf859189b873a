package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// TenantHeader names the tenant of an enqueue request. The job handlers use
// it as the job's tenant_id so the bucket charged matches the job's tenant.
const TenantHeader = "X-Tenant-ID"

// TenantLimiter keeps one token bucket per tenant. Requests without a tenant
// header share a single bucket.
type TenantLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewTenantLimiter returns nil when perSecond is zero, which disables limiting.
func NewTenantLimiter(perSecond float64, burst int) *TenantLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &TenantLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

func (l *TenantLimiter) Allow(tenant string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[tenant]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[tenant] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// Middleware rejects requests over the tenant's budget with 429 RATE_LIMITED.
func (l *TenantLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get(TenantHeader)
		if l.Allow(tenant) {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		slog.WarnContext(ctx, "enqueue rate limited", "tenant_id", tenant)

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
		resp := map[string]interface{}{
			"error": map[string]string{
				"code":    "RATE_LIMITED",
				"message": "too many enqueue requests",
			},
			"correlationId": GetCorrelationID(ctx),
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.Error("failed to encode error response", "error", err)
		}
	})
}
