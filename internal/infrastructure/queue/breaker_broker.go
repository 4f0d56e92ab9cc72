package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	apperrors "blueprint-backend/internal/errors"
	"blueprint-backend/internal/infrastructure/breaker"
)

// BreakerBroker guards a Broker with one circuit. While the circuit is open
// every call fails fast with a ServiceUnavailable error.
//
// A call cancelled by its caller, or answered with NotFound, says nothing
// about the broker's health and is not counted either way.
type BreakerBroker struct {
	inner    Broker
	breakers *breaker.Registry
	key      string
}

// NewBreakerBroker wraps inner with the circuit named key.
func NewBreakerBroker(inner Broker, breakers *breaker.Registry, key string) *BreakerBroker {
	return &BreakerBroker{inner: inner, breakers: breakers, key: key}
}

func guard[T any](ctx context.Context, b *BreakerBroker, fn func(context.Context) (T, error)) (T, error) {
	return breaker.Call(ctx, b.breakers, b.key, func(ctx context.Context) (T, error) {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if apperrors.IsNotFound(err) || (ctx.Err() != nil && errors.Is(err, ctx.Err())) {
			return v, breaker.Ignore(err)
		}
		return v, err
	})
}

func (b *BreakerBroker) Enqueue(ctx context.Context, queue, name string, data json.RawMessage, opts JobOptions) (*Job, error) {
	return guard(ctx, b, func(ctx context.Context) (*Job, error) {
		return b.inner.Enqueue(ctx, queue, name, data, opts)
	})
}

func (b *BreakerBroker) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*Job, error) {
	return guard(ctx, b, func(ctx context.Context) (*Job, error) {
		return b.inner.Dequeue(ctx, queue, timeout)
	})
}

func (b *BreakerBroker) Complete(ctx context.Context, job *Job, result json.RawMessage) error {
	_, err := guard(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.inner.Complete(ctx, job, result)
	})
	return err
}

func (b *BreakerBroker) Fail(ctx context.Context, job *Job, reason string) (bool, error) {
	return guard(ctx, b, func(ctx context.Context) (bool, error) {
		return b.inner.Fail(ctx, job, reason)
	})
}

func (b *BreakerBroker) GetJob(ctx context.Context, queue, id string) (*Job, error) {
	return guard(ctx, b, func(ctx context.Context) (*Job, error) {
		return b.inner.GetJob(ctx, queue, id)
	})
}

func (b *BreakerBroker) Counts(ctx context.Context, queue string) (Counts, error) {
	return guard(ctx, b, func(ctx context.Context) (Counts, error) {
		return b.inner.Counts(ctx, queue)
	})
}

func (b *BreakerBroker) Subscribe(ctx context.Context, queue string) (Subscription, error) {
	return guard(ctx, b, func(ctx context.Context) (Subscription, error) {
		return b.inner.Subscribe(ctx, queue)
	})
}

func (b *BreakerBroker) Clean(ctx context.Context, queue string, age time.Duration) (int64, error) {
	return guard(ctx, b, func(ctx context.Context) (int64, error) {
		return b.inner.Clean(ctx, queue, age)
	})
}

func (b *BreakerBroker) RequeueStalled(ctx context.Context, queue string, olderThan time.Duration) (int64, error) {
	return guard(ctx, b, func(ctx context.Context) (int64, error) {
		return b.inner.RequeueStalled(ctx, queue, olderThan)
	})
}

// Ping reports the circuit state without touching the broker while it is open.
func (b *BreakerBroker) Ping(ctx context.Context) error {
	_, err := guard(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.inner.Ping(ctx)
	})
	return err
}
