package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_BreakerState(t *testing.T) {
	c := NewCollector("test")

	c.RecordBreakerState("redis", "OPEN")
	assert.Equal(t, 1.0, testutil.ToFloat64(c.BreakerState.WithLabelValues("redis", "OPEN")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.BreakerState.WithLabelValues("redis", "CLOSED")))

	c.RecordBreakerState("redis", "HALF_OPEN")
	assert.Equal(t, 0.0, testutil.ToFloat64(c.BreakerState.WithLabelValues("redis", "OPEN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.BreakerState.WithLabelValues("redis", "HALF_OPEN")))
}

func TestCollector_Counters(t *testing.T) {
	c := NewCollector("test")

	c.RecordRateLimit(true)
	c.RecordRateLimit(false)
	c.RecordRateLimit(false)
	c.RecordJobProcessed("emails", true, 10*time.Millisecond)
	c.RecordTxRetry("40P01")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.RateLimitDecision.WithLabelValues("blocked")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.RateLimitDecision.WithLabelValues("allowed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.JobsProcessed.WithLabelValues("emails", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.TxRetries.WithLabelValues("40P01")))
}

func TestCollector_IndependentRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewCollector("a")
		NewCollector("a")
	})
}

func TestMetricsMiddleware(t *testing.T) {
	c := NewCollector("test")
	r := chi.NewRouter()
	r.Use(MetricsMiddleware(c))
	r.Get("/queues/{queue}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	r.Handle("/metrics", c.Handler())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/queues/emails", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.HTTPRequests.WithLabelValues("GET", "/queues/{queue}", "202")))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "test_http_requests_total")
}

func TestInitTracing_Disabled(t *testing.T) {
	tp, err := InitTracing(context.Background(), TracingConfig{ServiceName: "test"})
	require.NoError(t, err)

	_, span := tp.Tracer("test").Start(context.Background(), "noop")
	span.End()
	assert.False(t, span.SpanContext().IsValid())
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(LoggingConfig{Production: true, Level: "warn", Format: "json"})
	require.NoError(t, err)

	assert.False(t, logger.Core().Enabled(-1))
	assert.True(t, logger.Core().Enabled(1))
}
