// Package di provides an explicitly constructed service container. Services
// are registered as value, factory or class providers and resolved as
// process-wide singletons.
package di

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	apperrors "blueprint-backend/internal/errors"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Container holds provider descriptors and the singleton cache.
type Container struct {
	mu        sync.RWMutex
	providers map[Token]*descriptor
	instances map[Token]any
	// order lists constructed tokens in construction order, for Dispose.
	order  []Token
	nextID uint64
	closed bool
	// disposeErr is the result of the first Dispose.
	disposeErr error

	group  singleflight.Group
	logger *zap.Logger
}

// Option configures a Container.
type Option func(*Container)

// WithLogger sets the logger used for resolution events.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Container) { c.logger = logger.Named("di") }
}

// New creates an empty container.
func New(opts ...Option) *Container {
	c := &Container{
		providers: make(map[Token]*descriptor),
		instances: make(map[Token]any),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register stores p under its token. Registering a token again replaces the
// previous descriptor, unless that token has already been resolved.
func (c *Container) Register(p Provider) error {
	desc, err := c.describe(p)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return closedError()
	}
	if _, resolved := c.instances[desc.token]; resolved {
		return apperrors.Configuration(apperrors.CodeInvalidProvider, "token already resolved").
			WithResource(desc.token.String()).
			Build()
	}

	c.nextID++
	desc.id = c.nextID
	c.providers[desc.token] = desc
	return nil
}

// MustRegister registers every provider and panics on the first error.
// Use this only while wiring the application.
func (c *Container) MustRegister(providers ...Provider) {
	for _, p := range providers {
		if err := c.Register(p); err != nil {
			panic(fmt.Sprintf("di: %v", err))
		}
	}
}

func (c *Container) describe(p Provider) (*descriptor, error) {
	strategies := 0
	if p.UseValue != nil {
		strategies++
	}
	if p.UseFactory != nil {
		strategies++
	}
	if p.UseClass != nil {
		strategies++
	}
	if strategies != 1 {
		return nil, apperrors.Configuration(apperrors.CodeInvalidProvider, "provider must set exactly one of value, factory or class").
			WithResource(p.Provide.String()).
			Build()
	}

	switch {
	case p.UseClass != nil:
		class := p.UseClass
		if class.err != nil {
			return nil, apperrors.Configuration(apperrors.CodeInvalidProvider, "invalid constructor").
				WithResource(p.Provide.String()).
				WithCause(class.err).
				Build()
		}
		if class.Construct == nil || class.Type == nil {
			return nil, apperrors.Configuration(apperrors.CodeInvalidProvider, "class provider needs a type and a constructor").
				WithResource(p.Provide.String()).
				Build()
		}
		if !isInjectable(class.Type) {
			return nil, apperrors.Configuration(apperrors.CodeNotInjectable, "class is not marked injectable").
				WithResource(class.Type.String()).
				Build()
		}
		for pos := range class.Overrides {
			if pos < 0 || pos >= len(class.Params) {
				return nil, apperrors.Configuration(apperrors.CodeInvalidProvider, "override position out of range").
					WithResource(class.Type.String()).
					WithDetails("position %d", pos).
					Build()
			}
		}
		token := p.Provide
		if token.IsZero() {
			token = TypeTokenOf(class.Type)
		}
		return &descriptor{token: token, kind: kindClass, class: class}, nil

	case p.UseFactory != nil:
		if p.Provide.IsZero() {
			return nil, missingToken()
		}
		return &descriptor{token: p.Provide, kind: kindFactory, factory: p.UseFactory, inject: append([]Token(nil), p.Inject...)}, nil

	default:
		if p.Provide.IsZero() {
			return nil, missingToken()
		}
		return &descriptor{token: p.Provide, kind: kindValue, value: p.UseValue}, nil
	}
}

// Has reports whether token is registered or cached.
func (c *Container) Has(token Token) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, registered := c.providers[token]
	_, cached := c.instances[token]
	return registered || cached
}

// Resolve returns the singleton for token, building it and its dependencies
// on first use.
func (c *Container) Resolve(token Token) (any, error) {
	return c.resolve(token, nil)
}

func (c *Container) resolve(token Token, path []Token) (any, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, closedError()
	}
	if inst, ok := c.instances[token]; ok {
		c.mu.RUnlock()
		return inst, nil
	}
	desc, ok := c.providers[token]
	c.mu.RUnlock()

	if !ok {
		return nil, apperrors.NotFound(apperrors.CodeProviderNotFound, "no provider registered").
			WithResource(token.String()).
			Build()
	}

	for i, t := range path {
		if t == token {
			return nil, apperrors.CircularDependency(tokenNames(append(path[i:len(path):len(path)], token)))
		}
	}
	if len(path) == 0 {
		// Resolution from another goroutine may already be holding part of a
		// cycle, so cycles are rejected before anything is constructed.
		if cycle := c.findCycle(token); cycle != nil {
			return nil, apperrors.CircularDependency(tokenNames(cycle))
		}
	}
	path = append(path[:len(path):len(path)], token)

	inst, err, _ := c.group.Do(strconv.FormatUint(desc.id, 10), func() (any, error) {
		c.mu.RLock()
		inst, ok := c.instances[token]
		c.mu.RUnlock()
		if ok {
			return inst, nil
		}

		start := time.Now()
		inst, err := c.build(desc, path)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if current, ok := c.providers[token]; ok && current == desc && !c.closed {
			c.instances[token] = inst
			if desc.owned() {
				c.order = append(c.order, token)
			}
		}

		c.logger.Debug("service resolved",
			zap.Stringer("token", token),
			zap.Duration("duration", time.Since(start)),
		)
		return inst, nil
	})
	return inst, err
}

func (c *Container) build(desc *descriptor, path []Token) (any, error) {
	switch desc.kind {
	case kindValue:
		return desc.value, nil

	case kindFactory:
		args := make([]any, len(desc.inject))
		for i, dep := range desc.inject {
			v, err := c.resolve(dep, path)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		inst, err := desc.factory(args...)
		if err != nil {
			return nil, factoryError(desc.token, err)
		}
		return inst, nil

	default:
		class := desc.class
		args := make([]any, len(class.Params))
		for i, param := range class.Params {
			dep, overridden := class.dependency(i)
			if !overridden && isBuiltin(param) && !c.Has(dep) {
				continue
			}
			v, err := c.resolve(dep, path)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		inst, err := class.Construct(args...)
		if apperrors.IsType(err, apperrors.ErrorTypeConfiguration) {
			return nil, err
		}
		if err != nil {
			return nil, factoryError(desc.token, err)
		}
		return inst, nil
	}
}

// findCycle walks the registered dependency graph from root, stopping at
// cached tokens, and returns the first cycle found.
func (c *Container) findCycle(root Token) []Token {
	c.mu.RLock()
	defer c.mu.RUnlock()

	const (
		visiting = 1
		done     = 2
	)
	state := make(map[Token]int)
	var stack []Token

	var visit func(t Token) []Token
	visit = func(t Token) []Token {
		if _, cached := c.instances[t]; cached {
			return nil
		}
		desc, ok := c.providers[t]
		if !ok {
			return nil
		}
		switch state[t] {
		case visiting:
			for i := range stack {
				if stack[i] == t {
					cycle := append([]Token(nil), stack[i:]...)
					return append(cycle, t)
				}
			}
		case done:
			return nil
		}

		state[t] = visiting
		stack = append(stack, t)
		for _, dep := range desc.dependencies() {
			if cycle := visit(dep); cycle != nil {
				return cycle
			}
		}
		stack = stack[:len(stack)-1]
		state[t] = done
		return nil
	}

	return visit(root)
}

func (d *descriptor) dependencies() []Token {
	switch d.kind {
	case kindFactory:
		return d.inject
	case kindClass:
		deps := make([]Token, len(d.class.Params))
		for i := range d.class.Params {
			deps[i], _ = d.class.dependency(i)
		}
		return deps
	}
	return nil
}

// Clear drops every descriptor and cached instance without disposing them.
// It exists for test isolation.
func (c *Container) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers = make(map[Token]*descriptor)
	c.instances = make(map[Token]any)
	c.order = nil
}

// Dispose closes constructed instances in reverse construction order and
// empties the container. Instances supplied as values are left to their owner.
// A disposed container rejects further use; later calls return the result
// of the first.
func (c *Container) Dispose(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		err := c.disposeErr
		c.mu.Unlock()
		return err
	}
	c.closed = true
	order := c.order
	instances := c.instances
	c.providers = make(map[Token]*descriptor)
	c.instances = make(map[Token]any)
	c.order = nil
	c.mu.Unlock()

	var errs error
	for i := len(order) - 1; i >= 0; i-- {
		token := order[i]
		if err := closeInstance(ctx, instances[token]); err != nil {
			c.logger.Warn("failed to dispose service", zap.Stringer("token", token), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("dispose %s: %w", token, err))
		}
	}

	c.mu.Lock()
	c.disposeErr = errs
	c.mu.Unlock()
	return errs
}

func closeInstance(ctx context.Context, inst any) error {
	switch v := inst.(type) {
	case interface{ Close(context.Context) error }:
		return v.Close(ctx)
	case io.Closer:
		return v.Close()
	}
	return nil
}

// ============================================================================
// TYPED HELPERS
// ============================================================================

// Resolve resolves token and asserts the instance to T.
func Resolve[T any](c *Container, token Token) (T, error) {
	var zero T
	inst, err := c.Resolve(token)
	if err != nil {
		return zero, err
	}
	if inst == nil {
		return zero, nil
	}
	typed, ok := inst.(T)
	if !ok {
		return zero, apperrors.Configuration(apperrors.CodeInvalidProvider, "resolved instance has unexpected type").
			WithResource(token.String()).
			WithDetails("got %T", inst).
			Build()
	}
	return typed, nil
}

// Get resolves the type token of T.
func Get[T any](c *Container) (T, error) {
	return Resolve[T](c, TypeToken[T]())
}

// MustResolve is Resolve that panics on error. Use this only while wiring the application.
func MustResolve[T any](c *Container, token Token) T {
	v, err := Resolve[T](c, token)
	if err != nil {
		panic(fmt.Sprintf("di: %v", err))
	}
	return v
}

func tokenNames(tokens []Token) []string {
	names := make([]string, len(tokens))
	for i, t := range tokens {
		names[i] = t.String()
	}
	return names
}

func factoryError(token Token, err error) error {
	return apperrors.Internal(apperrors.CodeFactoryFailed, "failed to construct service").
		WithResource(token.String()).
		WithCause(err).
		Build()
}

func missingToken() error {
	return apperrors.Configuration(apperrors.CodeInvalidProvider, "provider has no token").Build()
}

func closedError() error {
	return apperrors.Configuration(apperrors.CodeContainerClosed, "container disposed").Build()
}
