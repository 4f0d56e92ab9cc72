// Package breaker implements per-key circuit breakers that short-circuit
// calls to a failing dependency.
package breaker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	apperrors "blueprint-backend/internal/errors"

	"go.uber.org/zap"
)

// ============================================================================
// STATE AND CONFIGURATION
// ============================================================================

// State is the state of one circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON health reports.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config tunes one circuit.
type Config struct {
	// FailureThreshold is the consecutive failure count that opens the circuit.
	FailureThreshold int
	// RecoveryTimeout is how long an open circuit waits before admitting a probe.
	RecoveryTimeout time.Duration
}

// DefaultConfig returns the default thresholds: 5 failures, 10s recovery.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  10 * time.Second,
	}
}

// Record is a point-in-time copy of one circuit.
type Record struct {
	State       State     `json:"state"`
	Count       int       `json:"count"`
	LastFailure time.Time `json:"lastFailure,omitempty"`
}

// Metrics receives breaker events.
type Metrics interface {
	RecordBreakerState(key string, state string)
	RecordBreakerRejection(key string)
}

type circuit struct {
	mu          sync.Mutex
	state       State
	count       int
	lastFailure time.Time
}

// ============================================================================
// REGISTRY
// ============================================================================

// Registry owns every circuit in the process. Circuits are created on first
// use of a key and never removed.
type Registry struct {
	mu        sync.RWMutex
	circuits  map[string]*circuit
	defaults  Config
	overrides map[string]Config

	now     func() time.Time
	logger  *zap.Logger
	metrics Metrics
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger for state transitions.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) { r.logger = logger.Named("breaker") }
}

// WithMetrics reports state changes and rejections.
func WithMetrics(m Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithDefaults sets the config used by keys without an override.
func WithDefaults(cfg Config) Option {
	return func(r *Registry) { r.defaults = cfg }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		circuits:  make(map[string]*circuit),
		defaults:  DefaultConfig(),
		overrides: make(map[string]Config),
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Configure sets the config for one key.
func (r *Registry) Configure(key string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[key] = cfg
}

// SetDefaults replaces the config for keys without an override.
func (r *Registry) SetDefaults(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = cfg
}

func (r *Registry) config(key string) Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cfg, ok := r.overrides[key]; ok {
		return cfg
	}
	return r.defaults
}

func (r *Registry) circuit(key string) *circuit {
	r.mu.RLock()
	c, ok := r.circuits[key]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.circuits[key]; !ok {
		c = &circuit{state: StateClosed}
		r.circuits[key] = c
	}
	return c
}

// ============================================================================
// STATE MACHINE
// ============================================================================

// GetState returns the current state of key. An open circuit whose recovery
// timeout has elapsed moves to HALF_OPEN here.
func (r *Registry) GetState(key string) State {
	c := r.circuit(key)
	cfg := r.config(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	r.refresh(key, c, cfg)
	return c.state
}

// RecordSuccess closes the circuit and resets its failure count.
func (r *Registry) RecordSuccess(key string) {
	c := r.circuit(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.count = 0
	r.transitionTo(key, c, StateClosed)
}

// RecordFailure counts a failure and opens the circuit at the threshold.
// HALF_OPEN does not reset the count, so a failed probe reopens at once.
func (r *Registry) RecordFailure(key string) {
	c := r.circuit(key)
	cfg := r.config(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	c.lastFailure = r.now()
	if c.count >= cfg.FailureThreshold {
		r.transitionTo(key, c, StateOpen)
	}
}

// refresh applies the lazy OPEN to HALF_OPEN transition. Caller holds c.mu.
func (r *Registry) refresh(key string, c *circuit, cfg Config) {
	if c.state == StateOpen && r.now().Sub(c.lastFailure) > cfg.RecoveryTimeout {
		r.transitionTo(key, c, StateHalfOpen)
	}
}

// transitionTo changes state and reports it. Caller holds c.mu.
func (r *Registry) transitionTo(key string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to

	r.logger.Info("circuit breaker state changed",
		zap.String("key", key),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.Int("failures", c.count),
	)
	if r.metrics != nil {
		r.metrics.RecordBreakerState(key, to.String())
	}
}

// Record returns a copy of the circuit for key.
func (r *Registry) Record(key string) Record {
	c := r.circuit(key)
	cfg := r.config(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	r.refresh(key, c, cfg)
	return Record{State: c.state, Count: c.count, LastFailure: c.lastFailure}
}

// Snapshot returns a copy of every known circuit.
func (r *Registry) Snapshot() map[string]Record {
	r.mu.RLock()
	keys := make([]string, 0, len(r.circuits))
	for key := range r.circuits {
		keys = append(keys, key)
	}
	r.mu.RUnlock()
	sort.Strings(keys)

	out := make(map[string]Record, len(keys))
	for _, key := range keys {
		out[key] = r.Record(key)
	}
	return out
}

// ============================================================================
// EXECUTION
// ============================================================================

// Execute runs fn unless the circuit for key is open. fn's error is recorded
// and returned unchanged. An open circuit returns a ServiceUnavailable error
// without calling fn.
func (r *Registry) Execute(ctx context.Context, key string, fn func(context.Context) error) error {
	_, err := Call(ctx, r, key, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call is Execute for functions that return a value.
func Call[T any](ctx context.Context, r *Registry, key string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if r.GetState(key) == StateOpen {
		if r.metrics != nil {
			r.metrics.RecordBreakerRejection(key)
		}
		return zero, apperrors.ServiceUnavailable(key)
	}

	result, err := fn(ctx)
	var ignored ignoredError
	if errors.As(err, &ignored) {
		return result, ignored.err
	}
	if err != nil {
		r.RecordFailure(key)
		return result, err
	}
	r.RecordSuccess(key)
	return result, nil
}

// Ignore marks err as saying nothing about the dependency's health. Call
// records neither a success nor a failure for it and returns err unwrapped.
func Ignore(err error) error {
	if err == nil {
		return nil
	}
	return ignoredError{err: err}
}

type ignoredError struct{ err error }

func (e ignoredError) Error() string { return e.err.Error() }
func (e ignoredError) Unwrap() error { return e.err }
