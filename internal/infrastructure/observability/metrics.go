package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var breakerStates = []string{"CLOSED", "OPEN", "HALF_OPEN"}

// Collector holds all Prometheus metrics for the runtime. Each Collector owns
// its registry so tests can create as many as they like.
type Collector struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Resilience metrics
	BreakerState      *prometheus.GaugeVec
	BreakerRejections *prometheus.CounterVec
	RateLimitDecision *prometheus.CounterVec
	TxRetries         *prometheus.CounterVec

	// Queue metrics
	JobsEnqueued  *prometheus.CounterVec
	JobsProcessed *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
	QueueDepth    *prometheus.GaugeVec

	// Process metrics
	WorkersRunning  prometheus.Gauge
	WorkerRestarts  prometheus.Counter
	ShutdownHandler *prometheus.HistogramVec
}

// NewCollector creates a collector with metrics under namespace.
func NewCollector(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),

		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "1 for the current state of each circuit, 0 otherwise",
		}, []string{"key", "state"}),

		BreakerRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_rejections_total",
			Help:      "Calls rejected by an open circuit",
		}, []string{"key"}),

		RateLimitDecision: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Rate limit checks by outcome",
		}, []string{"result"}),

		TxRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_transaction_retries_total",
			Help:      "Transactions retried after a serialization or deadlock failure",
		}, []string{"code"}),

		JobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Jobs added to a queue",
		}, []string{"queue"}),

		JobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Jobs processed by this worker, by outcome",
		}, []string{"queue", "status"}),

		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job handler duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_jobs",
			Help:      "Jobs per queue and state at the last health check",
		}, []string{"queue", "state"}),

		WorkersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_processes",
			Help:      "Worker processes currently running",
		}),

		WorkerRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_restarts_total",
			Help:      "Worker processes restarted after an unexpected exit",
		}),

		ShutdownHandler: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "shutdown_handler_duration_seconds",
			Help:      "Time spent disconnecting each shutdown handler",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"handler", "status"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.HTTPRequests,
		c.HTTPDuration,
		c.BreakerState,
		c.BreakerRejections,
		c.RateLimitDecision,
		c.TxRetries,
		c.JobsEnqueued,
		c.JobsProcessed,
		c.JobDuration,
		c.QueueDepth,
		c.WorkersRunning,
		c.WorkerRestarts,
		c.ShutdownHandler,
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RecordBreakerState marks state as the current state of key.
func (c *Collector) RecordBreakerState(key, state string) {
	for _, s := range breakerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.BreakerState.WithLabelValues(key, s).Set(v)
	}
}

// RecordBreakerRejection counts a call rejected by an open circuit.
func (c *Collector) RecordBreakerRejection(key string) {
	c.BreakerRejections.WithLabelValues(key).Inc()
}

// RecordRateLimit counts one rate limit decision.
func (c *Collector) RecordRateLimit(blocked bool) {
	result := "allowed"
	if blocked {
		result = "blocked"
	}
	c.RateLimitDecision.WithLabelValues(result).Inc()
}

// RecordTxRetry counts a retried transaction.
func (c *Collector) RecordTxRetry(code string) {
	c.TxRetries.WithLabelValues(code).Inc()
}

// RecordJobEnqueued counts a job added to queue.
func (c *Collector) RecordJobEnqueued(queue string) {
	c.JobsEnqueued.WithLabelValues(queue).Inc()
}

// RecordJobProcessed records a finished job.
func (c *Collector) RecordJobProcessed(queue string, failed bool, d time.Duration) {
	status := "completed"
	if failed {
		status = "failed"
	}
	c.JobsProcessed.WithLabelValues(queue, status).Inc()
	c.JobDuration.WithLabelValues(queue).Observe(d.Seconds())
}

// SetQueueDepth records the job count of queue in state.
func (c *Collector) SetQueueDepth(queue, state string, n int64) {
	c.QueueDepth.WithLabelValues(queue, state).Set(float64(n))
}

// SetWorkersRunning records the number of live worker processes.
func (c *Collector) SetWorkersRunning(n int) {
	c.WorkersRunning.Set(float64(n))
}

// RecordWorkerRestart counts a respawned worker.
func (c *Collector) RecordWorkerRestart() {
	c.WorkerRestarts.Inc()
}

// RecordShutdownHandler records how long a handler took to disconnect.
func (c *Collector) RecordShutdownHandler(name string, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.ShutdownHandler.WithLabelValues(name, status).Observe(d.Seconds())
}

// RecordHTTPRequest records one served request.
func (c *Collector) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	c.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
