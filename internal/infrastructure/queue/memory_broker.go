package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	apperrors "blueprint-backend/internal/errors"

	"github.com/google/uuid"
)

const memoryEventBuffer = 256

// MemoryBroker keeps queues in process memory. It backs tests and single
// process development runs; jobs do not survive a restart.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]*memoryQueue
	now    func() time.Time
	closed bool
}

type memoryQueue struct {
	jobs      map[string]*Job
	waiting   []string
	delayed   map[string]time.Time
	finished  map[string]time.Time
	active    map[string]time.Time
	signal    chan struct{}
	listeners map[*memorySubscription]struct{}
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues: make(map[string]*memoryQueue),
		now:    time.Now,
	}
}

func (b *MemoryBroker) queue(name string) *memoryQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memoryQueue{
			jobs:      make(map[string]*Job),
			delayed:   make(map[string]time.Time),
			finished:  make(map[string]time.Time),
			active:    make(map[string]time.Time),
			signal:    make(chan struct{}, 1),
			listeners: make(map[*memorySubscription]struct{}),
		}
		b.queues[name] = q
	}
	return q
}

func (q *memoryQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// promote moves due delayed jobs to waiting and returns the next due time.
func (q *memoryQueue) promote(now time.Time) time.Time {
	var next time.Time
	due := make([]string, 0)
	for id, at := range q.delayed {
		if !at.After(now) {
			due = append(due, id)
			continue
		}
		if next.IsZero() || at.Before(next) {
			next = at
		}
	}
	sort.Slice(due, func(i, j int) bool { return q.delayed[due[i]].Before(q.delayed[due[j]]) })
	for _, id := range due {
		delete(q.delayed, id)
		q.jobs[id].State = StateWaiting
		q.waiting = append(q.waiting, id)
	}
	return next
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func copyJob(j *Job) *Job {
	c := *j
	return &c
}

// Enqueue implements Broker.
func (b *MemoryBroker) Enqueue(_ context.Context, queue, name string, data json.RawMessage, opts JobOptions) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, apperrors.TransientInfra(apperrors.CodeBrokerUnavailable, "broker is closed", nil)
	}

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

	q := b.queue(queue)
	q.jobs[job.ID] = job
	if opts.Delay > 0 {
		job.State = StateDelayed
		q.delayed[job.ID] = now.Add(opts.Delay)
	} else {
		q.waiting = append(q.waiting, job.ID)
	}
	q.notify()
	return copyJob(job), nil
}

// Dequeue implements Broker.
func (b *MemoryBroker) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*Job, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, apperrors.TransientInfra(apperrors.CodeBrokerUnavailable, "broker is closed", nil)
		}
		q := b.queue(queue)
		now := b.now()
		next := q.promote(now)
		if len(q.waiting) > 0 {
			id := q.waiting[0]
			q.waiting = q.waiting[1:]
			job := q.jobs[id]
			job.State = StateActive
			job.AttemptsMade++
			job.ProcessedAt = now
			q.active[id] = now
			out := copyJob(job)
			b.mu.Unlock()
			return out, nil
		}
		signal := q.signal
		b.mu.Unlock()

		var (
			wake  <-chan time.Time
			timer *time.Timer
		)
		if !next.IsZero() {
			timer = time.NewTimer(next.Sub(now))
			wake = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return nil, ctx.Err()
		case <-deadline.C:
			stopTimer(timer)
			return nil, nil
		case <-signal:
		case <-wake:
		}
		stopTimer(timer)
	}
}

// Complete implements Broker.
func (b *MemoryBroker) Complete(_ context.Context, job *Job, result json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(job.Queue)
	stored, ok := q.jobs[job.ID]
	if !ok {
		return apperrors.NotFound(apperrors.CodeJobNotFound, "job not found").WithResource(job.ID).Build()
	}
	if _, active := q.active[job.ID]; !active {
		return notActive(job.Queue, job.ID)
	}
	now := b.now()
	delete(q.active, job.ID)
	stored.State = StateCompleted
	stored.Result = result
	stored.FinishedAt = now
	q.finished[job.ID] = now

	b.publish(q, Event{Type: StateCompleted, Queue: job.Queue, JobID: job.ID, Result: result})
	return nil
}

// Fail implements Broker.
func (b *MemoryBroker) Fail(_ context.Context, job *Job, reason string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(job.Queue)
	stored, ok := q.jobs[job.ID]
	if !ok {
		return false, apperrors.NotFound(apperrors.CodeJobNotFound, "job not found").WithResource(job.ID).Build()
	}
	if _, active := q.active[job.ID]; !active {
		return false, notActive(job.Queue, job.ID)
	}
	return b.fail(q, stored, reason), nil
}

// fail must be called with b.mu held.
func (b *MemoryBroker) fail(q *memoryQueue, stored *Job, reason string) bool {
	now := b.now()
	delete(q.active, stored.ID)
	stored.FailedReason = reason

	if stored.AttemptsMade < stored.Opts.Attempts {
		if delay := retryDelay(stored.Opts, stored.AttemptsMade); delay > 0 {
			stored.State = StateDelayed
			q.delayed[stored.ID] = now.Add(delay)
		} else {
			stored.State = StateWaiting
			q.waiting = append(q.waiting, stored.ID)
		}
		q.notify()
		return true
	}

	stored.State = StateFailed
	stored.FinishedAt = now
	q.finished[stored.ID] = now
	b.publish(q, Event{Type: StateFailed, Queue: stored.Queue, JobID: stored.ID, FailedReason: reason})
	return false
}

// RequeueStalled implements Broker.
func (b *MemoryBroker) RequeueStalled(_ context.Context, queue string, olderThan time.Duration) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queue)
	cutoff := b.now().Add(-olderThan)
	stalled := make([]string, 0)
	for id, since := range q.active {
		if !since.After(cutoff) {
			stalled = append(stalled, id)
		}
	}
	sort.Slice(stalled, func(i, j int) bool { return q.active[stalled[i]].Before(q.active[stalled[j]]) })
	for _, id := range stalled {
		b.fail(q, q.jobs[id], stalledReason)
	}
	return int64(len(stalled)), nil
}

// publish must be called with b.mu held. Slow subscribers lose events.
func (b *MemoryBroker) publish(q *memoryQueue, ev Event) {
	for sub := range q.listeners {
		select {
		case sub.events <- ev:
		default:
		}
	}
}

// GetJob implements Broker.
func (b *MemoryBroker) GetJob(_ context.Context, queue, id string) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	job, ok := b.queue(queue).jobs[id]
	if !ok {
		return nil, apperrors.NotFound(apperrors.CodeJobNotFound, "job not found").
			WithResource(queue + "/" + id).
			Build()
	}
	return copyJob(job), nil
}

// Counts implements Broker.
func (b *MemoryBroker) Counts(_ context.Context, queue string) (Counts, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queue)
	var c Counts
	c.Waiting = int64(len(q.waiting))
	c.Active = int64(len(q.active))
	c.Delayed = int64(len(q.delayed))
	for id := range q.finished {
		if q.jobs[id].State == StateCompleted {
			c.Completed++
		} else {
			c.Failed++
		}
	}
	return c, nil
}

// Subscribe implements Broker.
func (b *MemoryBroker) Subscribe(_ context.Context, queue string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, apperrors.TransientInfra(apperrors.CodeBrokerUnavailable, "broker is closed", nil)
	}

	sub := &memorySubscription{
		broker: b,
		queue:  queue,
		events: make(chan Event, memoryEventBuffer),
	}
	b.queue(queue).listeners[sub] = struct{}{}
	return sub, nil
}

// Clean implements Broker.
func (b *MemoryBroker) Clean(_ context.Context, queue string, age time.Duration) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queue)
	cutoff := b.now().Add(-age)
	var removed int64
	for id, at := range q.finished {
		if at.Before(cutoff) {
			delete(q.finished, id)
			delete(q.jobs, id)
			removed++
		}
	}
	return removed, nil
}

// Ping implements Broker.
func (b *MemoryBroker) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return apperrors.TransientInfra(apperrors.CodeBrokerUnavailable, "broker is closed", nil)
	}
	return nil
}

// Close ends every subscription and rejects further calls.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, q := range b.queues {
		for sub := range q.listeners {
			delete(q.listeners, sub)
			close(sub.events)
		}
		q.notify()
	}
	return nil
}

type memorySubscription struct {
	broker *MemoryBroker
	queue  string
	events chan Event
	once   sync.Once
}

func (s *memorySubscription) Events() <-chan Event { return s.events }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.broker.mu.Lock()
		defer s.broker.mu.Unlock()
		q := s.broker.queue(s.queue)
		if _, ok := q.listeners[s]; ok {
			delete(q.listeners, s)
			close(s.events)
		}
	})
	return nil
}
