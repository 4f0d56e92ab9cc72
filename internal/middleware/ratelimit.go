package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"blueprint-backend/internal/infrastructure/ratelimit"
	"blueprint-backend/pkg/api"

	"go.uber.org/zap"
)

// Rate limit response headers.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
)

// RateChecker is the limiter consulted for every request.
type RateChecker interface {
	Check(ctx context.Context, key string, limit int, ttl time.Duration) (ratelimit.Result, error)
}

// PolicySource supplies the current limit and window.
type PolicySource interface {
	Load() ratelimit.Policy
}

// RateLimitMetrics counts rate limit decisions.
type RateLimitMetrics interface {
	RecordRateLimit(blocked bool)
}

// KeyFunc derives the rate limit key for a request.
type KeyFunc func(*http.Request) string

// ClientIP keys requests by remote host. Put chi's RealIP in front of the
// limiter when running behind a proxy.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimitOption configures the RateLimit middleware.
type RateLimitOption func(*rateLimitOptions)

type rateLimitOptions struct {
	key     KeyFunc
	metrics RateLimitMetrics
}

// WithKeyFunc replaces ClientIP.
func WithKeyFunc(fn KeyFunc) RateLimitOption {
	return func(o *rateLimitOptions) { o.key = fn }
}

// WithRateLimitMetrics records each decision.
func WithRateLimitMetrics(m RateLimitMetrics) RateLimitOption {
	return func(o *rateLimitOptions) { o.metrics = m }
}

// RateLimit rejects requests over the policy with 429. The X-RateLimit
// headers are set on every checked request. When the limiter itself fails
// the request is let through and the failure is logged.
func RateLimit(limiter RateChecker, policy PolicySource, logger *zap.Logger, opts ...RateLimitOption) func(http.Handler) http.Handler {
	o := rateLimitOptions{key: ClientIP}
	for _, opt := range opts {
		opt(&o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := policy.Load()
			key := o.key(r)

			res, err := limiter.Check(r.Context(), key, p.Limit, p.TTL)
			if err != nil {
				logger.Warn("rate limiter unavailable, allowing request",
					zap.String("key", key),
					zap.String("request_id", GetRequestIDFromRequest(r)),
					zap.Error(err),
				)
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set(HeaderRateLimitLimit, strconv.Itoa(res.Limit))
			h.Set(HeaderRateLimitRemaining, strconv.Itoa(res.Remaining))
			h.Set(HeaderRateLimitReset, strconv.Itoa(res.Reset))

			if o.metrics != nil {
				o.metrics.RecordRateLimit(res.IsBlocked)
			}

			if res.IsBlocked {
				h.Set("Retry-After", strconv.Itoa(res.Reset))
				api.Error(w, http.StatusTooManyRequests, "Too many requests")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
