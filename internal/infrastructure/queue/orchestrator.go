package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	apperrors "blueprint-backend/internal/errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const tracerName = "blueprint/queue"

// Metrics receives queue events.
type Metrics interface {
	RecordJobEnqueued(queue string)
	SetQueueDepth(queue, state string, n int64)
}

// Options configures an Orchestrator.
type Options struct {
	// DefaultJobOptions applies when AddJob is given nil options.
	DefaultJobOptions JobOptions
	// DefaultWaitTimeout applies when WaitForJobCompletion gets no timeout.
	DefaultWaitTimeout time.Duration
	Logger             *zap.Logger
	Metrics            Metrics
}

// Orchestrator creates named queues on one shared broker and dispatches jobs
// to them.
type Orchestrator struct {
	broker Broker
	opts   Options
	logger *zap.Logger
	tracer trace.Tracer

	mu     sync.Mutex
	queues map[string]*Queue
	closed bool
}

// Queue is a named queue known to the orchestrator. It owns the event
// listener shared by every waiter on the queue.
type Queue struct {
	name   string
	broker Broker
	logger *zap.Logger

	mu       sync.Mutex
	listener *listener
	closed   bool
}

// NewOrchestrator creates an orchestrator on broker.
func NewOrchestrator(broker Broker, opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.DefaultWaitTimeout <= 0 {
		opts.DefaultWaitTimeout = 30 * time.Second
	}
	opts.DefaultJobOptions = normalizeOptions(opts.DefaultJobOptions)

	return &Orchestrator{
		broker: broker,
		opts:   opts,
		logger: opts.Logger.Named("queue"),
		tracer: otel.Tracer(tracerName),
		queues: make(map[string]*Queue),
	}
}

// Broker returns the shared broker.
func (o *Orchestrator) Broker() Broker {
	return o.broker
}

// CreateQueue returns the queue called name, creating it on first use.
func (o *Orchestrator) CreateQueue(name string) (*Queue, error) {
	if name == "" {
		return nil, apperrors.Validation(apperrors.CodeInvalidInput, "queue name is required").Build()
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if q, ok := o.queues[name]; ok {
		return q, nil
	}
	q := &Queue{
		name:   name,
		broker: o.broker,
		logger: o.logger.With(zap.String("queue", name)),
		closed: o.closed,
	}
	o.queues[name] = q
	o.logger.Info("queue created", zap.String("queue", name))
	return q, nil
}

// Queue returns a queue created earlier.
func (o *Orchestrator) Queue(name string) (*Queue, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	q, ok := o.queues[name]
	if !ok {
		return nil, apperrors.NotFound(apperrors.CodeQueueNotFound, "queue not found").
			WithResource(name).
			Build()
	}
	return q, nil
}

// Queues lists the created queue names in order.
func (o *Orchestrator) Queues() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	names := make([]string, 0, len(o.queues))
	for name := range o.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddJob enqueues a job on a created queue. payload is JSON encoded unless it
// already is raw JSON. A nil opts uses the orchestrator defaults.
func (o *Orchestrator) AddJob(ctx context.Context, queue, jobName string, payload any, opts *JobOptions) (*Job, error) {
	ctx, span := o.tracer.Start(ctx, "queue.AddJob", trace.WithAttributes(
		attribute.String("queue.name", queue),
		attribute.String("job.name", jobName),
	))
	defer span.End()

	q, err := o.Queue(queue)
	if err != nil {
		return nil, err
	}
	if jobName == "" {
		return nil, apperrors.Validation(apperrors.CodeInvalidInput, "job name is required").Build()
	}

	data, err := encodePayload(payload)
	if err != nil {
		return nil, apperrors.Validation(apperrors.CodeInvalidInput, "payload is not JSON encodable").
			WithCause(err).
			Build()
	}

	jobOpts := o.opts.DefaultJobOptions
	if opts != nil {
		jobOpts = normalizeOptions(*opts)
	}

	job, err := q.broker.Enqueue(ctx, q.name, jobName, data, jobOpts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue failed")
		return nil, err
	}

	span.SetAttributes(attribute.String("job.id", job.ID))
	if o.opts.Metrics != nil {
		o.opts.Metrics.RecordJobEnqueued(q.name)
	}
	q.logger.Debug("job added", zap.String("job_id", job.ID), zap.String("job_name", jobName))
	return job, nil
}

// WaitForJobCompletion blocks until job reaches a terminal state and returns
// its result. A failed job returns a JobFailed error. When timeout elapses
// first a JobTimeout error is returned; a non-positive timeout uses the
// default. The timeout bounds the whole call, broker round trips included.
func (o *Orchestrator) WaitForJobCompletion(ctx context.Context, queue string, job *Job, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = o.opts.DefaultWaitTimeout
	}

	ctx, span := o.tracer.Start(ctx, "queue.WaitForJobCompletion", trace.WithAttributes(
		attribute.String("queue.name", queue),
		attribute.String("job.id", job.ID),
	))
	defer span.End()

	result, err := o.wait(ctx, queue, job, timeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "wait failed")
	}
	return result, err
}

func (o *Orchestrator) wait(ctx context.Context, queue string, job *Job, timeout time.Duration) (json.RawMessage, error) {
	q, err := o.Queue(queue)
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	l, err := q.events(waitCtx)
	if err != nil {
		return nil, waitError(ctx, queue, job.ID, err)
	}
	ch := l.add(job.ID)
	defer l.remove(job.ID, ch)

	// The job may have finished before the waiter was registered.
	current, err := q.broker.GetJob(waitCtx, queue, job.ID)
	if err != nil {
		return nil, waitError(ctx, queue, job.ID, err)
	}
	switch current.State {
	case StateCompleted:
		return current.Result, nil
	case StateFailed:
		return nil, apperrors.JobFailed(queue, job.ID, current.FailedReason)
	}

	select {
	case ev, ok := <-ch:
		if !ok {
			return nil, apperrors.TransientInfra(apperrors.CodeBrokerUnavailable, "job event subscription closed", nil)
		}
		if ev.Type == StateFailed {
			return nil, apperrors.JobFailed(queue, job.ID, ev.FailedReason)
		}
		return ev.Result, nil
	case <-waitCtx.Done():
		return nil, waitError(ctx, queue, job.ID, waitCtx.Err())
	}
}

// waitError turns the expiry of the wait's own deadline into a JobTimeout.
// The caller's cancellation is returned as is.
func waitError(parent context.Context, queue, id string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.JobTimeout(queue, id)
	}
	return err
}

// GetJob returns a job of a created queue.
func (o *Orchestrator) GetJob(ctx context.Context, queue, id string) (*Job, error) {
	q, err := o.Queue(queue)
	if err != nil {
		return nil, err
	}
	return q.broker.GetJob(ctx, q.name, id)
}

// GetQueueHealth returns the job counts of one queue.
func (o *Orchestrator) GetQueueHealth(ctx context.Context, queue string) (Counts, error) {
	q, err := o.Queue(queue)
	if err != nil {
		return Counts{}, err
	}
	counts, err := q.broker.Counts(ctx, q.name)
	if err != nil {
		return Counts{}, err
	}
	if m := o.opts.Metrics; m != nil {
		m.SetQueueDepth(q.name, string(StateWaiting), counts.Waiting)
		m.SetQueueDepth(q.name, string(StateActive), counts.Active)
		m.SetQueueDepth(q.name, string(StateDelayed), counts.Delayed)
		m.SetQueueDepth(q.name, string(StateCompleted), counts.Completed)
		m.SetQueueDepth(q.name, string(StateFailed), counts.Failed)
	}
	return counts, nil
}

// Health is the read-only status of the orchestrator.
type Health struct {
	Status string            `json:"status"`
	Queues map[string]Counts `json:"queues"`
	Error  string            `json:"error,omitempty"`
}

// Snapshot pings the broker and collects counts for every queue. Status is
// "down" when the broker cannot be reached.
func (o *Orchestrator) Snapshot(ctx context.Context) Health {
	h := Health{Status: "up", Queues: make(map[string]Counts)}
	if err := o.broker.Ping(ctx); err != nil {
		h.Status = "down"
		h.Error = err.Error()
		return h
	}
	for _, name := range o.Queues() {
		counts, err := o.GetQueueHealth(ctx, name)
		if err != nil {
			h.Status = "down"
			h.Error = err.Error()
			continue
		}
		h.Queues[name] = counts
	}
	return h
}

// Clean removes finished jobs older than age from every queue.
func (o *Orchestrator) Clean(ctx context.Context, age time.Duration) (int64, error) {
	var (
		total int64
		errs  error
	)
	for _, name := range o.Queues() {
		n, err := o.broker.Clean(ctx, name, age)
		total += n
		if err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return total, errs
}

// RequeueStalled takes back jobs active for longer than olderThan on every
// queue.
func (o *Orchestrator) RequeueStalled(ctx context.Context, olderThan time.Duration) (int64, error) {
	var (
		total int64
		errs  error
	)
	for _, name := range o.Queues() {
		n, err := o.broker.RequeueStalled(ctx, name, olderThan)
		total += n
		if err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return total, errs
}

// Close ends every queue listener. Pending waiters receive an error and
// later waits are rejected.
func (o *Orchestrator) Close(context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	queues := make([]*Queue, 0, len(o.queues))
	for _, q := range o.queues {
		queues = append(queues, q)
	}
	o.mu.Unlock()

	var errs error
	for _, q := range queues {
		errs = multierr.Append(errs, q.closeListener())
	}
	return errs
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// events returns the queue listener, subscribing on first use or after the
// previous subscription ended.
func (q *Queue) events(ctx context.Context) (*listener, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, apperrors.TransientInfra(apperrors.CodeBrokerUnavailable, "queue orchestrator is closed", nil)
	}
	if q.listener != nil && !q.listener.isDone() {
		return q.listener, nil
	}

	sub, err := q.broker.Subscribe(ctx, q.name)
	if err != nil {
		return nil, err
	}
	q.listener = newListener(sub, q.logger)
	q.logger.Debug("queue event listener started")
	return q.listener, nil
}

func (q *Queue) closeListener() error {
	q.mu.Lock()
	l := q.listener
	q.listener = nil
	q.closed = true
	q.mu.Unlock()

	if l == nil {
		return nil
	}
	return l.close()
}

// ============================================================================
// EVENT LISTENER
// ============================================================================

// listener fans one subscription out to the waiters of individual jobs.
type listener struct {
	sub    Subscription
	logger *zap.Logger

	mu      sync.Mutex
	waiters map[string][]chan Event
	done    bool
}

func newListener(sub Subscription, logger *zap.Logger) *listener {
	l := &listener{
		sub:     sub,
		logger:  logger,
		waiters: make(map[string][]chan Event),
	}
	go l.run()
	return l
}

func (l *listener) run() {
	for ev := range l.sub.Events() {
		l.mu.Lock()
		for _, ch := range l.waiters[ev.JobID] {
			ch <- ev
		}
		delete(l.waiters, ev.JobID)
		l.mu.Unlock()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.done = true
	for id, chans := range l.waiters {
		for _, ch := range chans {
			close(ch)
		}
		delete(l.waiters, id)
	}
	l.logger.Debug("queue event listener stopped")
}

// add registers a waiter for jobID. The channel receives one event or is
// closed when the subscription ends.
func (l *listener) add(jobID string) chan Event {
	ch := make(chan Event, 1)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		close(ch)
		return ch
	}
	l.waiters[jobID] = append(l.waiters[jobID], ch)
	return ch
}

func (l *listener) remove(jobID string, ch chan Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	chans := l.waiters[jobID]
	for i, c := range chans {
		if c == ch {
			chans = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(chans) == 0 {
		delete(l.waiters, jobID)
		return
	}
	l.waiters[jobID] = chans
}

func (l *listener) isDone() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

func (l *listener) close() error {
	return l.sub.Close()
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, errors.New("invalid raw JSON payload")
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, errors.New("invalid raw JSON payload")
		}
		return json.RawMessage(p), nil
	default:
		return json.Marshal(payload)
	}
}
