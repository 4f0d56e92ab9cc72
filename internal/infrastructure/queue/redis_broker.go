package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	apperrors "blueprint-backend/internal/errors"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// minBlockingTimeout is the smallest timeout BRPOPLPUSH honours; Redis takes
// whole seconds and zero blocks forever.
const minBlockingTimeout = time.Second

// promoteScript moves due delayed jobs onto the wait list.
//
// KEYS[1] delayed zset, KEYS[2] wait list
// ARGV[1] now in ms, ARGV[2] job hash key prefix
var promoteScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, id in ipairs(ids) do
	redis.call("ZREM", KEYS[1], id)
	redis.call("LPUSH", KEYS[2], id)
	redis.call("HSET", ARGV[2] .. id, "state", "waiting")
end
return #ids
`)

// restoreScript puts a job that never started back on the wait list.
//
// KEYS[1] active list, KEYS[2] wait list
// ARGV[1] job id
var restoreScript = redis.NewScript(`
if redis.call("LREM", KEYS[1], 1, ARGV[1]) == 1 then
	redis.call("LPUSH", KEYS[2], ARGV[1])
	return 1
end
return 0
`)

// RedisBroker keeps queues in Redis. Per queue it uses a wait list, an
// active list, an active-since sorted set of start times, delayed, completed
// and failed sorted sets, one hash per job and a pub/sub channel for terminal
// events.
type RedisBroker struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

// NewRedisBroker creates a broker on client. The client is shared and is not
// closed by the broker.
func NewRedisBroker(client redis.UniversalClient, prefix string, logger *zap.Logger) *RedisBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBroker{
		client: client,
		prefix: prefix,
		logger: logger.Named("redis_broker"),
		now:    time.Now,
	}
}

func (b *RedisBroker) key(queue, part string) string {
	return b.prefix + ":queue:" + queue + ":" + part
}

func (b *RedisBroker) jobKey(queue, id string) string {
	return b.key(queue, "job:") + id
}

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperrors.TransientInfra(apperrors.CodeBrokerUnavailable, "redis broker "+op+" failed", err)
}

// Enqueue implements Broker.
func (b *RedisBroker) Enqueue(ctx context.Context, queue, name string, data json.RawMessage, opts JobOptions) (*Job, error) {
	opts = normalizeOptions(opts)
	now := b.now()
	job := &Job{
		ID:        uuid.New().String(),
		Queue:     queue,
		Name:      name,
		Data:      data,
		Opts:      opts,
		State:     StateWaiting,
		CreatedAt: now,
	}
	if opts.Delay > 0 {
		job.State = StateDelayed
	}

	fields, err := encodeJob(job)
	if err != nil {
		return nil, err
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, b.jobKey(queue, job.ID), fields)
		if opts.Delay > 0 {
			pipe.ZAdd(ctx, b.key(queue, "delayed"), &redis.Z{
				Score:  float64(now.Add(opts.Delay).UnixMilli()),
				Member: job.ID,
			})
		} else {
			pipe.LPush(ctx, b.key(queue, "wait"), job.ID)
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("enqueue", err)
	}
	return job, nil
}

// Dequeue implements Broker. Timeouts below one second are raised to one
// second.
func (b *RedisBroker) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*Job, error) {
	if timeout < minBlockingTimeout {
		timeout = minBlockingTimeout
	}

	if err := b.promote(ctx, queue); err != nil {
		return nil, err
	}

	id, err := b.client.BRPopLPush(ctx, b.key(queue, "wait"), b.key(queue, "active"), timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("dequeue", err)
	}

	now := b.now()
	jobKey := b.jobKey(queue, id)
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, b.key(queue, "active-since"), &redis.Z{Score: float64(now.UnixMilli()), Member: id})
		pipe.HSet(ctx, jobKey, "state", string(StateActive), "processedAt", formatTime(now))
		pipe.HIncrBy(ctx, jobKey, "attemptsMade", 1)
		return nil
	})
	if err != nil {
		return nil, unavailable("dequeue", err)
	}
	return b.GetJob(ctx, queue, id)
}

func (b *RedisBroker) promote(ctx context.Context, queue string) error {
	keys := []string{b.key(queue, "delayed"), b.key(queue, "wait")}
	moved, err := promoteScript.Run(ctx, b.client, keys, b.now().UnixMilli(), b.key(queue, "job:")).Int64()
	if err != nil {
		return unavailable("promote", err)
	}
	if moved > 0 {
		b.logger.Debug("promoted delayed jobs", zap.String("queue", queue), zap.Int64("count", moved))
	}
	return nil
}

// claim removes id from the active-since set. Only the caller that removed
// it may finish the job.
func (b *RedisBroker) claim(ctx context.Context, queue, id string) error {
	n, err := b.client.ZRem(ctx, b.key(queue, "active-since"), id).Result()
	if err != nil {
		return unavailable("claim", err)
	}
	if n == 0 {
		return notActive(queue, id)
	}
	return nil
}

// Complete implements Broker.
func (b *RedisBroker) Complete(ctx context.Context, job *Job, result json.RawMessage) error {
	now := b.now()
	payload, err := json.Marshal(Event{Type: StateCompleted, Queue: job.Queue, JobID: job.ID, Result: result})
	if err != nil {
		return err
	}
	if err := b.claim(ctx, job.Queue, job.ID); err != nil {
		return err
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, b.key(job.Queue, "active"), 1, job.ID)
		pipe.ZAdd(ctx, b.key(job.Queue, "completed"), &redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
		pipe.HSet(ctx, b.jobKey(job.Queue, job.ID),
			"state", string(StateCompleted),
			"result", string(result),
			"finishedAt", formatTime(now),
		)
		pipe.Publish(ctx, b.key(job.Queue, "events"), payload)
		return nil
	})
	return unavailable("complete", err)
}

// Fail implements Broker.
func (b *RedisBroker) Fail(ctx context.Context, job *Job, reason string) (bool, error) {
	if err := b.claim(ctx, job.Queue, job.ID); err != nil {
		return false, err
	}
	return b.fail(ctx, job, reason)
}

// fail moves a claimed job out of the active list.
func (b *RedisBroker) fail(ctx context.Context, job *Job, reason string) (bool, error) {
	now := b.now()
	jobKey := b.jobKey(job.Queue, job.ID)

	if job.AttemptsMade < job.Opts.Attempts {
		delay := retryDelay(job.Opts, job.AttemptsMade)
		_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, b.key(job.Queue, "active"), 1, job.ID)
			if delay > 0 {
				pipe.ZAdd(ctx, b.key(job.Queue, "delayed"), &redis.Z{
					Score:  float64(now.Add(delay).UnixMilli()),
					Member: job.ID,
				})
				pipe.HSet(ctx, jobKey, "state", string(StateDelayed), "failedReason", reason)
			} else {
				pipe.LPush(ctx, b.key(job.Queue, "wait"), job.ID)
				pipe.HSet(ctx, jobKey, "state", string(StateWaiting), "failedReason", reason)
			}
			return nil
		})
		if err != nil {
			return false, unavailable("fail", err)
		}
		return true, nil
	}

	payload, err := json.Marshal(Event{Type: StateFailed, Queue: job.Queue, JobID: job.ID, FailedReason: reason})
	if err != nil {
		return false, err
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, b.key(job.Queue, "active"), 1, job.ID)
		pipe.ZAdd(ctx, b.key(job.Queue, "failed"), &redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
		pipe.HSet(ctx, jobKey,
			"state", string(StateFailed),
			"failedReason", reason,
			"finishedAt", formatTime(now),
		)
		pipe.Publish(ctx, b.key(job.Queue, "events"), payload)
		return nil
	})
	if err != nil {
		return false, unavailable("fail", err)
	}
	return false, nil
}

// GetJob implements Broker.
func (b *RedisBroker) GetJob(ctx context.Context, queue, id string) (*Job, error) {
	fields, err := b.client.HGetAll(ctx, b.jobKey(queue, id)).Result()
	if err != nil {
		return nil, unavailable("get job", err)
	}
	if len(fields) == 0 {
		return nil, apperrors.NotFound(apperrors.CodeJobNotFound, "job not found").
			WithResource(queue + "/" + id).
			Build()
	}
	return decodeJob(queue, fields)
}

// Counts implements Broker.
func (b *RedisBroker) Counts(ctx context.Context, queue string) (Counts, error) {
	var (
		waiting, active                *redis.IntCmd
		completed, failed, delayedJobs *redis.IntCmd
	)
	_, err := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		waiting = pipe.LLen(ctx, b.key(queue, "wait"))
		active = pipe.LLen(ctx, b.key(queue, "active"))
		completed = pipe.ZCard(ctx, b.key(queue, "completed"))
		failed = pipe.ZCard(ctx, b.key(queue, "failed"))
		delayedJobs = pipe.ZCard(ctx, b.key(queue, "delayed"))
		return nil
	})
	if err != nil {
		return Counts{}, unavailable("counts", err)
	}
	return Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayedJobs.Val(),
	}, nil
}

// Subscribe implements Broker. It returns once Redis has confirmed the
// subscription, so no event published afterwards is missed.
func (b *RedisBroker) Subscribe(ctx context.Context, queue string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, b.key(queue, "events"))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, unavailable("subscribe", err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		events: make(chan Event, memoryEventBuffer),
		done:   make(chan struct{}),
	}
	go sub.run(b.logger.With(zap.String("queue", queue)))
	return sub, nil
}

// Clean implements Broker.
func (b *RedisBroker) Clean(ctx context.Context, queue string, age time.Duration) (int64, error) {
	cutoff := strconv.FormatInt(b.now().Add(-age).UnixMilli(), 10)
	var removed int64

	for _, set := range []string{"completed", "failed"} {
		setKey := b.key(queue, set)
		ids, err := b.client.ZRangeByScore(ctx, setKey, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
		if err != nil {
			return removed, unavailable("clean", err)
		}
		if len(ids) == 0 {
			continue
		}

		members := make([]interface{}, len(ids))
		jobKeys := make([]string, len(ids))
		for i, id := range ids {
			members[i] = id
			jobKeys[i] = b.jobKey(queue, id)
		}
		_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, jobKeys...)
			pipe.ZRem(ctx, setKey, members...)
			return nil
		})
		if err != nil {
			return removed, unavailable("clean", err)
		}
		removed += int64(len(ids))
	}
	return removed, nil
}

// RequeueStalled implements Broker.
func (b *RedisBroker) RequeueStalled(ctx context.Context, queue string, olderThan time.Duration) (int64, error) {
	now := b.now()
	sinceKey := b.key(queue, "active-since")

	// A job whose dequeue was cut short has no start time yet; it starts now.
	active, err := b.client.LRange(ctx, b.key(queue, "active"), 0, -1).Result()
	if err != nil {
		return 0, unavailable("requeue stalled", err)
	}
	if len(active) > 0 {
		members := make([]*redis.Z, len(active))
		for i, id := range active {
			members[i] = &redis.Z{Score: float64(now.UnixMilli()), Member: id}
		}
		if err := b.client.ZAddNX(ctx, sinceKey, members...).Err(); err != nil {
			return 0, unavailable("requeue stalled", err)
		}
	}

	cutoff := strconv.FormatInt(now.Add(-olderThan).UnixMilli(), 10)
	ids, err := b.client.ZRangeByScore(ctx, sinceKey, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err != nil {
		return 0, unavailable("requeue stalled", err)
	}

	var moved int64
	for _, id := range ids {
		if err := b.claim(ctx, queue, id); err != nil {
			if apperrors.IsNotFound(err) {
				continue
			}
			return moved, err
		}
		job, err := b.GetJob(ctx, queue, id)
		if apperrors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return moved, err
		}
		if job.State == StateWaiting {
			restored, err := restoreScript.Run(ctx, b.client, []string{b.key(queue, "active"), b.key(queue, "wait")}, id).Int64()
			if err != nil {
				return moved, unavailable("requeue stalled", err)
			}
			moved += restored
			continue
		}
		if job.State != StateActive {
			continue
		}
		retried, err := b.fail(ctx, job, stalledReason)
		if err != nil {
			return moved, err
		}
		moved++
		b.logger.Warn("took back stalled job",
			zap.String("queue", queue),
			zap.String("job_id", id),
			zap.Int("attempts_made", job.AttemptsMade),
			zap.Bool("retried", retried),
		)
	}
	return moved, nil
}

// Ping implements Broker.
func (b *RedisBroker) Ping(ctx context.Context) error {
	return unavailable("ping", b.client.Ping(ctx).Err())
}

type redisSubscription struct {
	pubsub *redis.PubSub
	events chan Event
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) run(logger *zap.Logger) {
	defer close(s.events)
	messages := s.pubsub.Channel()
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logger.Warn("dropping malformed job event", zap.Error(err))
				continue
			}
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Events() <-chan Event { return s.events }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}

// ============================================================================
// JOB HASH ENCODING
// ============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func encodeJob(job *Job) (map[string]interface{}, error) {
	opts, err := json.Marshal(job.Opts)
	if err != nil {
		return nil, fmt.Errorf("encode job options: %w", err)
	}
	return map[string]interface{}{
		"id":           job.ID,
		"name":         job.Name,
		"data":         string(job.Data),
		"opts":         string(opts),
		"state":        string(job.State),
		"attemptsMade": job.AttemptsMade,
		"createdAt":    formatTime(job.CreatedAt),
	}, nil
}

func decodeJob(queue string, fields map[string]string) (*Job, error) {
	job := &Job{
		ID:           fields["id"],
		Queue:        queue,
		Name:         fields["name"],
		State:        State(fields["state"]),
		FailedReason: fields["failedReason"],
		CreatedAt:    parseTime(fields["createdAt"]),
		ProcessedAt:  parseTime(fields["processedAt"]),
		FinishedAt:   parseTime(fields["finishedAt"]),
	}
	if data := fields["data"]; data != "" {
		job.Data = json.RawMessage(data)
	}
	if result := fields["result"]; result != "" {
		job.Result = json.RawMessage(result)
	}
	if opts := fields["opts"]; opts != "" {
		if err := json.Unmarshal([]byte(opts), &job.Opts); err != nil {
			return nil, fmt.Errorf("decode job options: %w", err)
		}
	}
	if attempts := fields["attemptsMade"]; attempts != "" {
		n, err := strconv.Atoi(attempts)
		if err != nil {
			return nil, fmt.Errorf("decode job attempts: %w", err)
		}
		job.AttemptsMade = n
	}
	return job, nil
}
