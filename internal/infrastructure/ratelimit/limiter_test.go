package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestLimiter_MemoryFixedWindow(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	limiter := NewLimiter(NewMemoryStore(WithClock(clock.Now)))

	wantRemaining := []int{4, 3, 2, 1, 0, 0}
	for i, remaining := range wantRemaining {
		res, err := limiter.Check(ctx, "ip1", 5, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i == 5, res.IsBlocked, "call %d", i+1)
		assert.Equal(t, remaining, res.Remaining, "call %d", i+1)
		assert.Equal(t, 5, res.Limit)
		assert.Equal(t, 60, res.Reset)
	}

	clock.Advance(30*time.Second + 500*time.Millisecond)
	res, err := limiter.Check(ctx, "ip1", 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.IsBlocked)
	assert.Equal(t, 30, res.Reset, "reset rounds up to whole seconds")

	clock.Advance(30 * time.Second)
	res, err = limiter.Check(ctx, "ip1", 5, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.IsBlocked, "an expired window starts over")
	assert.Equal(t, 4, res.Remaining)
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	limiter := NewLimiter(NewMemoryStore())

	_, err := limiter.Check(ctx, "a", 1, time.Minute)
	require.NoError(t, err)
	res, err := limiter.Check(ctx, "a", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.IsBlocked)

	res, err = limiter.Check(ctx, "b", 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.IsBlocked)
}

func TestLimiter_RejectsInvalidPolicy(t *testing.T) {
	limiter := NewLimiter(NewMemoryStore())

	_, err := limiter.Check(context.Background(), "k", 0, time.Minute)
	assert.Error(t, err)
	_, err = limiter.Check(context.Background(), "k", 1, 0)
	assert.Error(t, err)
}

func TestMemoryStore_ConcurrentHits(t *testing.T) {
	store := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = store.Increment(context.Background(), "k", time.Minute)
		}()
	}
	wg.Wait()

	count, _, err := store.Increment(context.Background(), "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(201), count)
}

func TestMemoryStore_Sweep(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	store := NewMemoryStore(WithClock(clock.Now))
	ctx := context.Background()

	_, _, _ = store.Increment(ctx, "short", time.Second)
	_, _, _ = store.Increment(ctx, "long", time.Hour)
	clock.Advance(2 * time.Second)

	assert.Equal(t, 1, store.Sweep())
	assert.Equal(t, 1, store.Len())
}

func TestLimiter_RedisFixedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	limiter := NewLimiter(NewRedisStore(client, "test"))

	for i := 1; i <= 6; i++ {
		res, err := limiter.Check(ctx, "ip1", 5, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i == 6, res.IsBlocked, "call %d", i)
		assert.Equal(t, 60, res.Reset)
	}
	assert.True(t, mr.Exists("test:ratelimit:ip1"))

	mr.FastForward(61 * time.Second)

	res, err := limiter.Check(ctx, "ip1", 5, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.IsBlocked)
	assert.Equal(t, 4, res.Remaining)
}

func TestLimiter_RedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	_, err := NewLimiter(NewRedisStore(client, "test")).Check(context.Background(), "ip1", 5, time.Minute)
	assert.Error(t, err)
}

func TestDynamicPolicy(t *testing.T) {
	p := NewDynamicPolicy(Policy{Limit: 10, TTL: time.Minute})
	assert.Equal(t, 10, p.Load().Limit)

	p.Store(Policy{Limit: 20, TTL: time.Second})
	assert.Equal(t, Policy{Limit: 20, TTL: time.Second}, p.Load())
}
