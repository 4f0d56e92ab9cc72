package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"blueprint-backend/internal/infrastructure/queue"

	"github.com/go-redis/redis/v8"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// FailedChannel is the pub/sub channel name, under the key prefix, that
// carries job failure events.
const FailedChannel = "failed"

// RedisNotifier publishes failure events on a Redis pub/sub channel.
type RedisNotifier struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisNotifier publishes on "<prefix>:failed".
func NewRedisNotifier(client redis.UniversalClient, prefix string) *RedisNotifier {
	return &RedisNotifier{client: client, channel: prefix + ":" + FailedChannel}
}

// Channel returns the channel events are published on.
func (n *RedisNotifier) Channel() string {
	return n.channel
}

// NotifyFailure implements queue.FailureNotifier.
func (n *RedisNotifier) NotifyFailure(ctx context.Context, event queue.FailureEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal failure event: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish failure event: %w", err)
	}
	return nil
}

// LogNotifier writes failure events to the log.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier that only logs.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("job_failures")}
}

// NotifyFailure implements queue.FailureNotifier.
func (n *LogNotifier) NotifyFailure(_ context.Context, event queue.FailureEvent) error {
	n.logger.Error("job failed",
		zap.String("job_id", event.JobID),
		zap.String("queue", event.Queue),
		zap.String("command", event.Command),
		zap.String("error", event.Error),
		zap.Int("attempt", event.Attempt),
		zap.Time("at", event.At),
	)
	return nil
}

// MultiNotifier fans a failure out to several notifiers. Every notifier is
// called; their errors are combined.
type MultiNotifier []queue.FailureNotifier

// NotifyFailure implements queue.FailureNotifier.
func (m MultiNotifier) NotifyFailure(ctx context.Context, event queue.FailureEvent) error {
	var errs error
	for _, n := range m {
		errs = multierr.Append(errs, n.NotifyFailure(ctx, event))
	}
	return errs
}
