// Package app wires every service into the container and runs the process
// for its role.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"blueprint-backend/internal/config"
	"blueprint-backend/internal/di"
	"blueprint-backend/internal/handlers"
	"blueprint-backend/internal/infrastructure/breaker"
	"blueprint-backend/internal/infrastructure/database"
	"blueprint-backend/internal/infrastructure/messaging"
	"blueprint-backend/internal/infrastructure/observability"
	"blueprint-backend/internal/infrastructure/queue"
	"blueprint-backend/internal/infrastructure/ratelimit"
	"blueprint-backend/internal/infrastructure/workers"
	"blueprint-backend/internal/middleware"
	"blueprint-backend/internal/shutdown"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Breaker keys.
const (
	BreakerRedis = "redis"
)

// Container tokens.
var (
	TokenConfig       = di.TypeToken[*config.Config]()
	TokenRole         = di.TypeToken[Role]()
	TokenLogger       = di.TypeToken[*zap.Logger]()
	TokenCollector    = di.TypeToken[*observability.Collector]()
	TokenBreakers     = di.TypeToken[*breaker.Registry]()
	TokenRedis        = di.TypeToken[redis.UniversalClient]()
	TokenQueueBackend = di.NameToken("queue.backend")
	TokenBroker       = di.TypeToken[queue.Broker]()
	TokenOrchestrator = di.TypeToken[*queue.Orchestrator]()
	TokenMaintenance  = di.TypeToken[*queue.Maintenance]()
	TokenNotifier     = di.TypeToken[queue.FailureNotifier]()
	TokenWorker       = di.TypeToken[*queue.Worker]()
	TokenDatabase     = di.TypeToken[*sqlx.DB]()
	TokenRateStore    = di.TypeToken[ratelimit.Store]()
	TokenLimiter      = di.TypeToken[*ratelimit.Limiter]()
	TokenPolicy       = di.TypeToken[*ratelimit.DynamicPolicy]()
	TokenSupervisor   = di.TypeToken[*workers.Supervisor]()
	TokenCoordinator  = di.TypeToken[*shutdown.Coordinator]()
	TokenRouter       = di.NameToken("http.router")
)

// registerServices declares every provider. Nothing is constructed until it
// is resolved.
func registerServices(c *di.Container, cfg *config.Config, role Role, opts Options) error {
	logger := opts.Logger

	providers := []di.Provider{
		di.Value(TokenConfig, cfg),
		di.Value(TokenRole, role),
		di.Value(TokenLogger, logger),

		di.Factory(TokenCollector, func(...any) (any, error) {
			return observability.NewCollector(cfg.Metrics.Namespace), nil
		}),

		di.Factory(TokenBreakers, func(deps ...any) (any, error) {
			collector := deps[0].(*observability.Collector)
			r := breaker.NewRegistry(
				breaker.WithLogger(logger),
				breaker.WithMetrics(collector),
				breaker.WithDefaults(breakerDefaults(cfg.CircuitBreaker)),
			)
			for key, o := range cfg.CircuitBreaker.Overrides {
				r.Configure(key, breaker.Config{FailureThreshold: o.FailureThreshold, RecoveryTimeout: o.RecoveryTimeout})
			}
			return r, nil
		}, TokenCollector),

		di.Factory(TokenRedis, func(...any) (any, error) {
			return redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
				PoolSize: cfg.Redis.PoolSize,
			}), nil
		}),

		di.Factory(TokenQueueBackend, func(...any) (any, error) {
			if cfg.Broker.Provider == "memory" {
				return queue.NewMemoryBroker(), nil
			}
			client, err := di.Resolve[redis.UniversalClient](c, TokenRedis)
			if err != nil {
				return nil, err
			}
			return queue.NewRedisBroker(client, cfg.Redis.KeyPrefix, logger), nil
		}),

		di.Factory(TokenBroker, func(deps ...any) (any, error) {
			return queue.NewBreakerBroker(deps[0].(queue.Broker), deps[1].(*breaker.Registry), BreakerRedis), nil
		}, TokenQueueBackend, TokenBreakers),

		di.Factory(TokenOrchestrator, func(deps ...any) (any, error) {
			o := queue.NewOrchestrator(deps[0].(queue.Broker), queue.Options{
				DefaultJobOptions: queue.JobOptions{
					Attempts: cfg.Queues.DefaultAttempts,
					Backoff:  cfg.Queues.Backoff,
				},
				DefaultWaitTimeout: cfg.Queues.DefaultWaitTimeout,
				Logger:             logger,
				Metrics:            deps[1].(*observability.Collector),
			})
			for _, name := range cfg.Queues.Names {
				if _, err := o.CreateQueue(name); err != nil {
					return nil, err
				}
			}
			return o, nil
		}, TokenBroker, TokenCollector),

		di.Factory(TokenMaintenance, func(deps ...any) (any, error) {
			return queue.NewMaintenance(deps[0].(*queue.Orchestrator), queue.MaintenanceOptions{
				Schedule:     cfg.Queues.CleanSchedule,
				Retention:    cfg.Queues.Retention,
				StallTimeout: cfg.Queues.StallTimeout,
				Logger:       logger,
			})
		}, TokenOrchestrator),

		di.Factory(TokenDatabase, func(deps ...any) (any, error) {
			if !cfg.Database.Enabled() {
				return nil, nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return database.Open(ctx, cfg.Database, logger)
		}),

		di.Factory(TokenNotifier, func(...any) (any, error) {
			return buildNotifier(c, cfg, logger)
		}),

		di.Factory(TokenWorker, func(deps ...any) (any, error) {
			broker := deps[0].(queue.Broker)
			notifier, _ := deps[1].(queue.FailureNotifier)
			collector := deps[2].(*observability.Collector)

			w := queue.NewWorker(broker, queue.WorkerOptions{
				Queues:      cfg.Queues.Names,
				Concurrency: cfg.Queues.WorkerConcurrency,
				PollTimeout: cfg.Queues.PollTimeout,
				Notifier:    notifier,
				Metrics:     collector,
				Logger:      logger,
			})

			var db database.TxBeginner
			if sqlDB, _ := deps[3].(*sqlx.DB); sqlDB != nil {
				db = sqlDB
			}
			policy := database.PolicyFromConfig(cfg.Database)
			policy.Logger = logger.Named("tx")
			policy.OnRetry = collector.RecordTxRetry

			w.Handle(JobPing, PingHandler)
			w.Handle(JobAudit, AuditHandler(db, policy))
			for name, h := range opts.Handlers {
				w.Handle(name, h)
			}
			return w, nil
		}, TokenBroker, TokenNotifier, TokenCollector, TokenDatabase),

		di.Factory(TokenPolicy, func(...any) (any, error) {
			return ratelimit.NewDynamicPolicy(ratelimit.Policy{Limit: cfg.RateLimit.Limit, TTL: cfg.RateLimit.TTL}), nil
		}),

		di.Factory(TokenRateStore, func(...any) (any, error) {
			if cfg.RateLimit.Store == "redis" {
				client, err := di.Resolve[redis.UniversalClient](c, TokenRedis)
				if err != nil {
					return nil, err
				}
				return ratelimit.NewRedisStore(client, cfg.Redis.KeyPrefix), nil
			}
			return ratelimit.NewMemoryStore(), nil
		}),

		di.Factory(TokenLimiter, func(deps ...any) (any, error) {
			return ratelimit.NewLimiter(deps[0].(ratelimit.Store)), nil
		}, TokenRateStore),

		di.Factory(TokenSupervisor, func(deps ...any) (any, error) {
			return workers.NewSupervisor(supervisorConfig(cfg, opts), logger, deps[0].(*observability.Collector))
		}, TokenCollector),

		di.Factory(TokenCoordinator, func(deps ...any) (any, error) {
			sdOpts := []shutdown.Option{
				shutdown.WithLogger(logger),
				shutdown.WithMetrics(deps[0].(*observability.Collector)),
			}
			if opts.Exit != nil {
				sdOpts = append(sdOpts, shutdown.WithExit(opts.Exit))
			}
			return shutdown.New(shutdown.Config{
				Timeout:      cfg.Shutdown.Timeout,
				DrainTimeout: cfg.Shutdown.DrainTimeout,
				MaxRetries:   cfg.Shutdown.MaxRetries,
				RetryDelay:   cfg.Shutdown.RetryDelay,
			}, sdOpts...), nil
		}, TokenCollector),

		di.Factory(TokenRouter, func(deps ...any) (any, error) {
			o := deps[0].(*queue.Orchestrator)
			collector := deps[1].(*observability.Collector)
			breakers := deps[2].(*breaker.Registry)
			coordinator := deps[3].(*shutdown.Coordinator)

			routerDeps := handlers.Dependencies{
				Jobs:   handlers.NewJobHandler(o, cfg.Queues.DefaultWaitTimeout, logger),
				Health: handlers.NewHealthHandler(role.String(), coordinator, o, breakers),
				Logger: logger,
			}
			if cfg.Metrics.Enabled {
				routerDeps.Collector = collector
			}
			if cfg.RateLimit.Enabled {
				limiter, err := di.Resolve[*ratelimit.Limiter](c, TokenLimiter)
				if err != nil {
					return nil, err
				}
				policy, err := di.Resolve[*ratelimit.DynamicPolicy](c, TokenPolicy)
				if err != nil {
					return nil, err
				}
				routerDeps.Limiter = limiter
				routerDeps.Policy = policy
			}

			return handlers.NewRouter(handlers.RouterConfig{
				ServiceName:    cfg.ServiceName,
				RequestTimeout: cfg.Server.RequestTimeout,
				MetricsPath:    cfg.Metrics.Path,
				CORS:           cfg.CORS,
				Breaker:        middleware.DefaultCircuitBreakerConfig("jobs-api"),
			}, routerDeps), nil
		}, TokenOrchestrator, TokenCollector, TokenBreakers, TokenCoordinator),
	}

	for _, p := range providers {
		if err := c.Register(p); err != nil {
			return err
		}
	}
	return nil
}

func breakerDefaults(cfg config.CircuitBreaker) breaker.Config {
	return breaker.Config{FailureThreshold: cfg.FailureThreshold, RecoveryTimeout: cfg.RecoveryTimeout}
}

// buildNotifier fans failures out to the log, the Redis "failed" channel when
// the broker is Redis, and EventBridge when enabled.
func buildNotifier(c *di.Container, cfg *config.Config, logger *zap.Logger) (queue.FailureNotifier, error) {
	notifiers := messaging.MultiNotifier{messaging.NewLogNotifier(logger)}

	if cfg.Broker.Provider == "redis" {
		client, err := di.Resolve[redis.UniversalClient](c, TokenRedis)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, messaging.NewRedisNotifier(client, cfg.Redis.KeyPrefix))
	}

	if cfg.Events.EventBridge.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		eb, err := messaging.NewEventBridgeNotifierFromConfig(ctx, cfg.Events.EventBridge, logger)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, eb)
	}
	return notifiers, nil
}

// supervisorConfig starts workers as "<executable> serve --role=worker".
func supervisorConfig(cfg *config.Config, opts Options) workers.Config {
	args := opts.WorkerArgs
	if args == nil {
		args = []string{"serve", "--role=" + RoleWorker.String()}
		if opts.ConfigDir != "" {
			args = append(args, "--config-dir="+opts.ConfigDir)
		}
		if opts.ConfigFile != "" {
			args = append(args, "--config="+opts.ConfigFile)
		}
	}
	return workers.Config{
		Count:             cfg.Workers.Count,
		Min:               cfg.Workers.Min,
		Max:               cfg.Workers.Max,
		GracePeriod:       cfg.Workers.GracePeriod,
		RestartsPerMinute: cfg.Workers.RestartsPerMinute,
		Executable:        opts.Executable,
		Args:              args,
		Env:               []string{fmt.Sprintf("APP_ROLE=%s", RoleWorker), fmt.Sprintf("PARENT_PID=%d", os.Getpid())},
	}
}
