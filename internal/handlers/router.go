package handlers

import (
	"net/http"
	"time"

	"blueprint-backend/internal/config"
	"blueprint-backend/internal/infrastructure/observability"
	"blueprint-backend/internal/middleware"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// RouterConfig holds the HTTP settings taken from the application config.
type RouterConfig struct {
	ServiceName    string
	RequestTimeout time.Duration
	MetricsPath    string
	CORS           config.CORS
	Breaker        middleware.CircuitBreakerConfig
}

// Dependencies are the services the router exposes. Collector, Limiter and
// Policy may be nil; the matching middleware is then left out.
type Dependencies struct {
	Jobs      *JobHandler
	Health    *HealthHandler
	Collector *observability.Collector
	Limiter   middleware.RateChecker
	Policy    middleware.PolicySource
	Logger    *zap.Logger
}

// NewRouter builds the chi router.
func NewRouter(cfg RouterConfig, deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	router := chi.NewRouter()

	// Global middleware
	router.Use(middleware.RequestID)
	router.Use(chimw.RealIP)
	router.Use(middleware.Recovery(logger))
	router.Use(observability.TracingMiddleware(cfg.ServiceName))
	if deps.Collector != nil {
		router.Use(observability.MetricsMiddleware(deps.Collector))
	}
	router.Use(observability.RequestLogger(logger.Named("http")))
	router.Use(cors.Handler(corsOptions(cfg.CORS)))

	router.Get("/healthz", deps.Health.Health)
	if deps.Collector != nil {
		router.Method(http.MethodGet, cfg.MetricsPath, deps.Collector.Handler())
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.RequestTimeout, logger))
		if deps.Limiter != nil && deps.Policy != nil {
			var opts []middleware.RateLimitOption
			if deps.Collector != nil {
				opts = append(opts, middleware.WithRateLimitMetrics(deps.Collector))
			}
			r.Use(middleware.RateLimit(deps.Limiter, deps.Policy, logger, opts...))
		}

		r.Get("/circuits", deps.Health.Circuits)

		r.Route("/queues/{queue}", func(r chi.Router) {
			r.Use(middleware.CircuitBreaker(cfg.Breaker, logger))
			r.Post("/jobs", deps.Jobs.AddJob)
			r.Get("/jobs/{id}", deps.Jobs.GetJob)
			r.Get("/health", deps.Jobs.QueueHealth)
		})
	})

	return router
}

func corsOptions(c config.CORS) cors.Options {
	opts := cors.Options{
		AllowedOrigins: c.AllowedOrigins,
		AllowedMethods: c.AllowedMethods,
		AllowedHeaders: c.AllowedHeaders,
		ExposedHeaders: []string{
			middleware.RequestIDHeader,
			middleware.HeaderRateLimitLimit,
			middleware.HeaderRateLimitRemaining,
			middleware.HeaderRateLimitReset,
		},
		MaxAge: c.MaxAge,
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if len(opts.AllowedMethods) == 0 {
		opts.AllowedMethods = []string{"GET", "POST", "OPTIONS"}
	}
	if len(opts.AllowedHeaders) == 0 {
		opts.AllowedHeaders = []string{"Accept", "Content-Type", middleware.RequestIDHeader}
	}
	return opts
}
