// Package shutdown coordinates process termination: it drains the HTTP
// listener, disconnects every registered resource and bounds the whole
// sequence with a hard deadline.
package shutdown

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	apperrors "blueprint-backend/internal/errors"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// State is the coordinator lifecycle position.
type State int

const (
	StateRunning State = iota
	StateShuttingDown
	StateExited
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in health reports.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Exit codes.
const (
	ExitOK    = 0
	ExitError = 1
)

// Config bounds the shutdown sequence.
type Config struct {
	// Timeout is the hard deadline from trigger to exit.
	Timeout time.Duration
	// DrainTimeout bounds the wait for in-flight HTTP requests.
	DrainTimeout time.Duration
	// MaxRetries is the number of attempts per handler.
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultConfig returns a 30s deadline, a 10s drain and three attempts per
// handler 500ms apart.
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		DrainTimeout: 10 * time.Second,
		MaxRetries:   3,
		RetryDelay:   500 * time.Millisecond,
	}
}

// Metrics receives handler outcomes.
type Metrics interface {
	RecordShutdownHandler(name string, err error, d time.Duration)
}

// Handler status values reported by Snapshot.
const (
	HandlerRegistered    = "registered"
	HandlerDisconnecting = "disconnecting"
	HandlerDisconnected  = "disconnected"
	HandlerFailed        = "failed"
)

type handler struct {
	name       string
	disconnect func(ctx context.Context) error
	status     string
	err        error
}

// Coordinator runs the shutdown sequence exactly once.
type Coordinator struct {
	cfg     Config
	logger  *zap.Logger
	metrics Metrics
	exit    func(code int)

	mu       sync.Mutex
	handlers []*handler
	server   *http.Server
	state    State
	code     int
	reason   string
	failed   bool

	once     sync.Once
	exitOnce sync.Once
	done     chan struct{}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = logger.Named("shutdown") }
}

// WithMetrics records handler outcomes.
func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithExit replaces os.Exit.
func WithExit(exit func(code int)) Option {
	return func(c *Coordinator) { c.exit = exit }
}

// New creates a coordinator in the running state.
func New(cfg Config, opts ...Option) *Coordinator {
	defaults := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaults.DrainTimeout
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}

	c := &Coordinator{
		cfg:    cfg,
		logger: zap.NewNop(),
		exit:   os.Exit,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds a resource to disconnect during shutdown. Handlers are never
// removed.
func (c *Coordinator) Register(name string, disconnect func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, &handler{name: name, disconnect: disconnect, status: HandlerRegistered})
	c.logger.Debug("shutdown handler registered", zap.String("handler", name))
}

// AttachServer sets the HTTP server drained before handlers run.
func (c *Coordinator) AttachServer(srv *http.Server) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.server = srv
}

// ListenForSignals triggers shutdown on the first of SIGINT, SIGTERM, SIGUSR2
// or any extra signal. It stops listening when ctx ends.
func (c *Coordinator) ListenForSignals(ctx context.Context, extra ...os.Signal) {
	sigs := append(append([]os.Signal(nil), defaultSignals...), extra...)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)

	go func() {
		defer signal.Stop(ch)
		select {
		case sig := <-ch:
			c.logger.Info("received signal", zap.String("signal", sig.String()))
			c.Trigger(sig.String())
		case <-ctx.Done():
		case <-c.done:
		}
	}()
}

// Trigger starts the sequence in the background. Only the first call has an
// effect.
func (c *Coordinator) Trigger(reason string) {
	c.once.Do(func() {
		c.mu.Lock()
		c.state = StateShuttingDown
		c.reason = reason
		c.mu.Unlock()
		go c.run()
	})
}

// Shutdown triggers the sequence and blocks until it finishes. Every caller
// receives the same exit code.
func (c *Coordinator) Shutdown(reason string) int {
	c.Trigger(reason)
	return c.wait()
}

// Fail is Shutdown after a fatal error. If it starts the sequence, the exit
// code is 1 even when every handler succeeds.
func (c *Coordinator) Fail(err error) int {
	c.once.Do(func() {
		c.logger.Error("fatal error, shutting down", zap.Error(err))
		c.mu.Lock()
		c.state = StateShuttingDown
		c.reason = err.Error()
		c.failed = true
		c.mu.Unlock()
		go c.run()
	})
	return c.wait()
}

func (c *Coordinator) wait() int {
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

// Done is closed once the exit code is decided.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) run() {
	c.mu.Lock()
	reason := c.reason
	failed := c.failed
	srv := c.server
	handlers := append([]*handler(nil), c.handlers...)
	c.mu.Unlock()

	start := time.Now()
	c.logger.Info("shutdown started",
		zap.String("reason", reason),
		zap.Int("handlers", len(handlers)),
		zap.Duration("timeout", c.cfg.Timeout),
	)

	deadline := time.AfterFunc(c.cfg.Timeout, func() {
		err := apperrors.Timeout(apperrors.CodeShutdownTimeout, "shutdown deadline exceeded").Build()
		c.logger.Error("forcing exit", zap.Error(err), zap.Duration("timeout", c.cfg.Timeout))
		c.finish(ExitError)
	})
	defer deadline.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()

	if srv != nil {
		c.drain(ctx, srv)
	}

	err := c.disconnectAll(ctx, handlers)

	code := ExitOK
	if failed {
		code = ExitError
	}
	if err != nil {
		code = ExitError
		c.logger.Error("shutdown completed with errors", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
	} else {
		c.logger.Info("shutdown completed", zap.Duration("elapsed", time.Since(start)))
	}

	if deadline.Stop() {
		c.finish(code)
	}
}

// drain stops accepting connections and waits for in-flight requests up to
// the drain timeout, then closes whatever is left.
func (c *Coordinator) drain(ctx context.Context, srv *http.Server) {
	srv.SetKeepAlivesEnabled(false)

	dctx, cancel := context.WithTimeout(ctx, c.cfg.DrainTimeout)
	defer cancel()

	if err := srv.Shutdown(dctx); err != nil {
		c.logger.Warn("listener drain incomplete, closing", zap.Error(err))
		if cerr := srv.Close(); cerr != nil && !errors.Is(cerr, http.ErrServerClosed) {
			c.logger.Warn("listener close failed", zap.Error(cerr))
		}
		return
	}
	c.logger.Info("listener drained")
}

// disconnectAll runs every handler concurrently. A failing handler does not
// stop the others; all errors are returned together.
func (c *Coordinator) disconnectAll(ctx context.Context, handlers []*handler) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)
	for _, h := range handlers {
		g.Go(func() error {
			if err := c.disconnect(ctx, h); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func (c *Coordinator) disconnect(ctx context.Context, h *handler) error {
	c.setStatus(h, HandlerDisconnecting, nil)
	logger := c.logger.With(zap.String("handler", h.name))
	start := time.Now()

	var err error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		if err = h.disconnect(ctx); err == nil {
			break
		}
		logger.Warn("disconnect failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", c.cfg.MaxRetries),
			zap.Error(err),
		)
		if attempt == c.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			attempt = c.cfg.MaxRetries
		case <-time.After(c.cfg.RetryDelay):
		}
	}

	if c.metrics != nil {
		c.metrics.RecordShutdownHandler(h.name, err, time.Since(start))
	}
	if err != nil {
		c.setStatus(h, HandlerFailed, err)
		logger.Error("handler gave up", zap.Error(err))
		return multierr.Append(errors.New(h.name), err)
	}
	c.setStatus(h, HandlerDisconnected, nil)
	logger.Debug("handler disconnected", zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (c *Coordinator) setStatus(h *handler, status string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h.status = status
	h.err = err
}

// finish records the exit code and exits. Only the first call has an effect.
func (c *Coordinator) finish(code int) {
	c.exitOnce.Do(func() {
		c.mu.Lock()
		c.code = code
		c.state = StateExited
		c.mu.Unlock()
		close(c.done)
		_ = c.logger.Sync()
		c.exit(code)
	})
}

// HandlerStatus is one handler in a Snapshot.
type HandlerStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Snapshot is the read-only view used by health checks.
type Snapshot struct {
	Status   string          `json:"status"`
	State    State           `json:"state"`
	Handlers []HandlerStatus `json:"handlers"`
}

// Snapshot reports "up" while running and "down" once shutdown has begun.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{Status: "up", State: c.state, Handlers: make([]HandlerStatus, 0, len(c.handlers))}
	if c.state != StateRunning {
		s.Status = "down"
	}
	for _, h := range c.handlers {
		hs := HandlerStatus{Name: h.name, Status: h.status}
		if h.err != nil {
			hs.Error = h.err.Error()
		}
		s.Handlers = append(s.Handlers, hs)
	}
	return s
}
