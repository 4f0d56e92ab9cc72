// Package ratelimit implements a per-key fixed-window request counter.
//
// A window opens on the first hit for a key and lasts ttl. Hits inside the
// window are counted; the request that takes the count past the limit and
// every request after it are blocked until the window expires. Bursts across
// a window boundary can admit up to twice the limit; that approximation is
// accepted in exchange for one counter per key.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

// Result is the outcome of one check.
type Result struct {
	Limit     int  `json:"limit"`
	IsBlocked bool `json:"isBlocked"`
	Remaining int  `json:"remaining"`
	// Reset is the number of whole seconds until the window ends, rounded up.
	Reset int `json:"reset"`
}

// Store counts hits per key inside fixed windows.
type Store interface {
	// Increment records one hit and returns the count in the current window
	// and the time left before the window ends. It opens a new window when
	// none exists or the previous one has expired.
	Increment(ctx context.Context, key string, ttl time.Duration) (count int64, resetIn time.Duration, err error)
}

// Limiter checks requests against a Store.
type Limiter struct {
	store Store
}

// NewLimiter creates a Limiter backed by store.
func NewLimiter(store Store) *Limiter {
	return &Limiter{store: store}
}

// Check counts a hit for key and reports whether it exceeds limit within ttl.
func (l *Limiter) Check(ctx context.Context, key string, limit int, ttl time.Duration) (Result, error) {
	if limit <= 0 || ttl <= 0 {
		return Result{}, fmt.Errorf("ratelimit: limit and ttl must be positive, got %d and %s", limit, ttl)
	}

	count, resetIn, err := l.store.Increment(ctx, key, ttl)
	if err != nil {
		return Result{}, err
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Limit:     limit,
		IsBlocked: count > int64(limit),
		Remaining: remaining,
		Reset:     int(math.Ceil(resetIn.Seconds())),
	}, nil
}

// Policy is the limit applied by the HTTP middleware.
type Policy struct {
	Limit int
	TTL   time.Duration
}

// DynamicPolicy holds a Policy that can be swapped while serving traffic.
type DynamicPolicy struct {
	current atomic.Pointer[Policy]
}

// NewDynamicPolicy creates a holder initialised with p.
func NewDynamicPolicy(p Policy) *DynamicPolicy {
	d := &DynamicPolicy{}
	d.Store(p)
	return d
}

// Load returns the current policy.
func (d *DynamicPolicy) Load() Policy {
	return *d.current.Load()
}

// Store replaces the current policy.
func (d *DynamicPolicy) Store(p Policy) {
	d.current.Store(&p)
}
