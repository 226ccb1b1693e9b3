package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/upb/tenant-isolation/internal/observability"
	"github.com/upb/tenant-isolation/services/ratelimit"
	"github.com/upb/tenant-isolation/tenancy"
	"github.com/upb/tenant-isolation/utils"
	"go.uber.org/zap"
)

// Rate limit response headers
const (
	RateLimitLimitHeader     = "X-RateLimit-Limit"
	RateLimitRemainingHeader = "X-RateLimit-Remaining"
	RateLimitResetHeader     = "X-RateLimit-Reset"
)

// QuotaEnforcer admits or rejects requests against an organization's quota
type QuotaEnforcer interface {
	Allow(ctx context.Context, tc *tenancy.TenantContext) (*ratelimit.Result, error)
}

// QuotaMiddleware applies per-organization request quotas
type QuotaMiddleware struct {
	enforcer QuotaEnforcer
	logger   *zap.Logger
	now      func() time.Time
}

// NewQuotaMiddleware creates a new QuotaMiddleware
func NewQuotaMiddleware(enforcer QuotaEnforcer, logger *zap.Logger) *QuotaMiddleware {
	return &QuotaMiddleware{enforcer: enforcer, logger: logger, now: time.Now}
}

// Enforce rejects requests over quota with 429. It must run after
// ResolveTenant; requests without a tenant context pass through. Store
// failures let the request through and are logged.
func (m *QuotaMiddleware) Enforce(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc, ok := tenancy.FromContext(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		result, err := m.enforcer.Allow(r.Context(), tc)
		if result != nil && result.Limit > 0 {
			m.setHeaders(w, result)
		}

		if err != nil {
			status, _ := utils.ErrorStatus(err)
			if status != http.StatusTooManyRequests {
				observability.ForTenant(m.logger, tc).Error("quota check failed, allowing request", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			if result != nil {
				w.Header().Set("Retry-After", strconv.Itoa(m.retryAfter(result.ResetAt)))
			}
			_ = utils.WriteServiceError(w, GetRequestIDFromContext(r.Context()), err)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *QuotaMiddleware) setHeaders(w http.ResponseWriter, result *ratelimit.Result) {
	h := w.Header()
	h.Set(RateLimitLimitHeader, strconv.Itoa(result.Limit))
	h.Set(RateLimitRemainingHeader, strconv.Itoa(result.Remaining))
	if !result.ResetAt.IsZero() {
		h.Set(RateLimitResetHeader, strconv.FormatInt(result.ResetAt.Unix(), 10))
	}
}

func (m *QuotaMiddleware) retryAfter(resetAt time.Time) int {
	secs := int(math.Ceil(resetAt.Sub(m.now()).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
