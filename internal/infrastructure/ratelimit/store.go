package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// IN-MEMORY STORE
// ============================================================================

type window struct {
	count int64
	start time.Time
	ttl   time.Duration
}

// MemoryStore keeps windows in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		windows: make(map[string]*window),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Increment implements Store.
func (s *MemoryStore) Increment(_ context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows[key]
	if !ok || !now.Before(w.start.Add(w.ttl)) {
		w = &window{start: now, ttl: ttl}
		s.windows[key] = w
	}
	w.count++
	return w.count, w.start.Add(w.ttl).Sub(now), nil
}

// Sweep removes expired windows and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, w := range s.windows {
		if !now.Before(w.start.Add(w.ttl)) {
			delete(s.windows, key)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Len returns the number of tracked windows.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// ============================================================================
// REDIS STORE
// ============================================================================

// incrementScript increments the window counter and sets its expiry on the
// first hit. It returns the count and the remaining TTL in milliseconds.
var incrementScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisStore keeps windows in Redis so every process shares one count per key.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store using client. Keys are written under prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// Increment implements Store.
func (s *RedisStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	res, err := incrementScript.Run(ctx, s.client, []string{s.key(key)}, ttl.Milliseconds()).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("ratelimit: redis increment: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}
	count, ok1 := values[0].(int64)
	pttl, ok2 := values[1].(int64)
	if !ok1 || !ok2 {
		return 0, 0, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}
	return count, time.Duration(pttl) * time.Millisecond, nil
}

func (s *RedisStore) key(key string) string {
	return s.prefix + ":ratelimit:" + key
}
