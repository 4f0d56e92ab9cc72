package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"blueprint-backend/internal/config"
	"blueprint-backend/internal/di"
	"blueprint-backend/internal/infrastructure/breaker"
	"blueprint-backend/internal/infrastructure/observability"
	"blueprint-backend/internal/infrastructure/queue"
	"blueprint-backend/internal/infrastructure/ratelimit"
	"blueprint-backend/internal/infrastructure/workers"
	"blueprint-backend/internal/shutdown"

	"go.uber.org/zap"
)

// Options configures an App beyond the loaded configuration.
type Options struct {
	Logger *zap.Logger
	// Exit replaces os.Exit for the shutdown coordinator.
	Exit func(code int)
	// Loader enables configuration hot reload in development.
	Loader *config.Loader
	// ConfigDir and ConfigFile are passed on to spawned workers.
	ConfigDir  string
	ConfigFile string
	// Executable and WorkerArgs override how workers are spawned.
	Executable string
	WorkerArgs []string
	// Listener replaces the listener on Server.Addr().
	Listener net.Listener
	// Handlers are registered on the job consumer next to the built-in jobs.
	Handlers map[string]queue.Handler
}

// App is one process of the runtime.
type App struct {
	cfg        *config.Config
	role       Role
	opts       Options
	logger     *zap.Logger
	subsystems Subsystems

	container   *di.Container
	coordinator *shutdown.Coordinator
	server      *http.Server
	addr        net.Addr
}

// New registers every service and creates the shutdown coordinator. Nothing
// else is constructed until Start.
func New(cfg *config.Config, role Role, opts Options) (*App, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	logger := opts.Logger.With(zap.String("role", role.String()))
	opts.Logger = logger

	c := di.New(di.WithLogger(logger))
	if err := registerServices(c, cfg, role, opts); err != nil {
		return nil, err
	}
	coordinator, err := di.Resolve[*shutdown.Coordinator](c, TokenCoordinator)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:         cfg,
		role:        role,
		opts:        opts,
		logger:      logger,
		subsystems:  SubsystemsFor(role, cfg),
		container:   c,
		coordinator: coordinator,
	}, nil
}

// Container returns the service container.
func (a *App) Container() *di.Container {
	return a.container
}

// Coordinator returns the shutdown coordinator.
func (a *App) Coordinator() *shutdown.Coordinator {
	return a.coordinator
}

// Addr returns the HTTP listen address once Start has run.
func (a *App) Addr() net.Addr {
	return a.addr
}

// Start resolves and starts the subsystems of the role. Every resource is
// registered with the shutdown coordinator as soon as it exists, so a failed
// start can be unwound by shutting down.
func (a *App) Start(ctx context.Context) error {
	a.logger.Info("starting",
		zap.String("service", a.cfg.ServiceName),
		zap.String("environment", string(a.cfg.Environment)),
		zap.Bool("http", a.subsystems.HTTP),
		zap.Bool("consumers", a.subsystems.Consumers),
		zap.Bool("supervisor", a.subsystems.Supervisor),
		zap.Bool("maintenance", a.subsystems.Maintenance),
		zap.Strings("config_sources", a.cfg.LoadedFrom),
	)

	// Constructed services are closed by the container, in reverse order.
	a.coordinator.Register("services", a.container.Dispose)

	tp, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     a.cfg.Tracing.Enabled,
		ServiceName: a.cfg.ServiceName,
		Environment: string(a.cfg.Environment),
		Role:        a.role.String(),
		Endpoint:    a.cfg.Tracing.Endpoint,
		Insecure:    a.cfg.Tracing.Insecure,
		SampleRate:  a.cfg.Tracing.SampleRate,
	})
	if err != nil {
		return err
	}
	a.coordinator.Register("tracing", tp.Shutdown)

	o, err := di.Resolve[*queue.Orchestrator](a.container, TokenOrchestrator)
	if err != nil {
		return err
	}
	if err := o.Broker().Ping(ctx); err != nil {
		a.logger.Warn("broker not reachable at startup", zap.Error(err))
	}

	if a.subsystems.Consumers {
		w, err := di.Resolve[*queue.Worker](a.container, TokenWorker)
		if err != nil {
			return err
		}
		w.Start(context.Background())
	}
	if a.role == RoleWorker {
		a.watchParent()
	}

	if a.subsystems.Maintenance {
		m, err := di.Resolve[*queue.Maintenance](a.container, TokenMaintenance)
		if err != nil {
			return err
		}
		m.Start()
	}

	if a.subsystems.Supervisor {
		sup, err := di.Resolve[*workers.Supervisor](a.container, TokenSupervisor)
		if err != nil {
			return err
		}
		if _, err := sup.Start(a.coordinator); err != nil {
			return err
		}
	}

	if a.subsystems.HTTP {
		if err := a.startHTTP(); err != nil {
			return err
		}
		if err := a.startRateLimitSweep(); err != nil {
			return err
		}
	}

	return a.watchConfig()
}

func (a *App) startHTTP() error {
	router, err := di.Resolve[http.Handler](a.container, TokenRouter)
	if err != nil {
		return err
	}

	ln := a.opts.Listener
	if ln == nil {
		ln, err = net.Listen("tcp", a.cfg.Server.Addr())
		if err != nil {
			return fmt.Errorf("listen on %s: %w", a.cfg.Server.Addr(), err)
		}
	}
	a.addr = ln.Addr()

	a.server = &http.Server{
		Handler:      router,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  a.cfg.Server.IdleTimeout,
	}
	a.coordinator.AttachServer(a.server)

	go func() {
		a.logger.Info("http server listening", zap.String("addr", ln.Addr().String()))
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.coordinator.Fail(fmt.Errorf("http server: %w", err))
		}
	}()
	return nil
}

// startRateLimitSweep drops expired windows from the in-memory store.
func (a *App) startRateLimitSweep() error {
	if !a.cfg.RateLimit.Enabled {
		return nil
	}
	store, err := di.Resolve[ratelimit.Store](a.container, TokenRateStore)
	if err != nil {
		return err
	}
	ms, ok := store.(*ratelimit.MemoryStore)
	if !ok {
		return nil
	}
	ctx, stop := context.WithCancel(context.Background())
	go ms.Run(ctx, a.cfg.RateLimit.TTL)
	a.coordinator.Register("ratelimit-sweep", func(context.Context) error {
		stop()
		return nil
	})
	return nil
}

// watchParent shuts a spawned worker down once the primary that started it
// is gone. A worker started by hand has no parent pid and is not watched.
func (a *App) watchParent() {
	want := a.cfg.Workers.ParentPID
	if want <= 0 {
		return
	}
	interval := a.cfg.Workers.ParentCheckInterval
	if interval <= 0 {
		interval = time.Second
	}

	ctx, stop := context.WithCancel(context.Background())
	a.coordinator.Register("parent-watch", func(context.Context) error {
		stop()
		return nil
	})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if ppid := os.Getppid(); ppid != want {
					a.logger.Warn("primary process is gone, shutting down",
						zap.Int("parent_pid", want),
						zap.Int("current_ppid", ppid),
					)
					a.coordinator.Trigger("parent process exited")
					return
				}
			}
		}
	}()
}

// watchConfig applies rate limit and breaker changes from hot reload. The
// watcher is only active in development.
func (a *App) watchConfig() error {
	if a.opts.Loader == nil {
		return nil
	}
	w, err := config.NewConfigWatcher(a.opts.Loader, a.cfg, a.logger)
	if err != nil {
		return err
	}
	a.coordinator.Register("config-watcher", func(context.Context) error {
		w.Stop()
		return nil
	})

	policy, err := di.Resolve[*ratelimit.DynamicPolicy](a.container, TokenPolicy)
	if err != nil {
		return err
	}
	breakers, err := di.Resolve[*breaker.Registry](a.container, TokenBreakers)
	if err != nil {
		return err
	}
	w.OnChange(func(cfg *config.Config) {
		policy.Store(ratelimit.Policy{Limit: cfg.RateLimit.Limit, TTL: cfg.RateLimit.TTL})
		breakers.SetDefaults(breakerDefaults(cfg.CircuitBreaker))
		a.logger.Info("runtime configuration reloaded",
			zap.Int("rate_limit", cfg.RateLimit.Limit),
			zap.Duration("rate_limit_ttl", cfg.RateLimit.TTL),
			zap.Int("breaker_threshold", cfg.CircuitBreaker.FailureThreshold),
		)
	})
	return nil
}

// Run starts the app and blocks until shutdown completes, returning the
// exit code. Shutdown starts on SIGINT, SIGTERM, SIGUSR2 or when ctx ends.
func (a *App) Run(ctx context.Context) int {
	a.coordinator.ListenForSignals(ctx)

	if err := a.Start(ctx); err != nil {
		return a.coordinator.Fail(fmt.Errorf("startup: %w", err))
	}
	a.logger.Info("started")

	select {
	case <-ctx.Done():
		return a.coordinator.Shutdown("context cancelled")
	case <-a.coordinator.Done():
		return a.coordinator.Shutdown("")
	}
}
