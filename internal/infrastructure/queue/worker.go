package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	apperrors "blueprint-backend/internal/errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler processes one job. The returned value is JSON encoded as the job
// result.
type Handler func(ctx context.Context, job *Job) (any, error)

// FailureEvent describes one failed job attempt.
type FailureEvent struct {
	JobID   string    `json:"jobId"`
	Queue   string    `json:"queue"`
	Command string    `json:"command"`
	Error   string    `json:"error"`
	Attempt int       `json:"attempt"`
	At      time.Time `json:"at"`
}

// FailureNotifier publishes failure events for observability.
type FailureNotifier interface {
	NotifyFailure(ctx context.Context, event FailureEvent) error
}

// WorkerMetrics receives job outcomes.
type WorkerMetrics interface {
	RecordJobProcessed(queue string, failed bool, d time.Duration)
}

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	Queues      []string
	Concurrency int
	// PollTimeout bounds one blocking dequeue.
	PollTimeout time.Duration
	// ErrorBackoff is the pause after a failed dequeue.
	ErrorBackoff time.Duration
	Notifier     FailureNotifier
	Metrics      WorkerMetrics
	Logger       *zap.Logger
}

// Worker consumes jobs from a set of queues and runs the handler registered
// for each job name.
type Worker struct {
	broker Broker
	opts   WorkerOptions
	logger *zap.Logger
	tracer trace.Tracer

	mu       sync.RWMutex
	handlers map[string]Handler

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker creates a worker on broker.
func NewWorker(broker Broker, opts WorkerOptions) *Worker {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 5 * time.Second
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = time.Second
	}
	return &Worker{
		broker:   broker,
		opts:     opts,
		logger:   opts.Logger.Named("worker"),
		tracer:   otel.Tracer(tracerName),
		handlers: make(map[string]Handler),
	}
}

// Handle registers h for jobs called name, replacing any earlier handler.
func (w *Worker) Handle(name string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[name] = h
}

func (w *Worker) handler(name string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[name]
	return h, ok
}

// Run polls every queue until ctx is cancelled, then waits for jobs already
// taken to finish. Jobs run with a context that is not cancelled by ctx.
func (w *Worker) Run(ctx context.Context) error {
	jobs := new(errgroup.Group)
	jobs.SetLimit(w.opts.Concurrency)

	pollers, pctx := errgroup.WithContext(ctx)
	for _, queue := range w.opts.Queues {
		pollers.Go(func() error {
			w.poll(pctx, queue, jobs)
			return nil
		})
	}

	w.logger.Info("worker started",
		zap.Strings("queues", w.opts.Queues),
		zap.Int("concurrency", w.opts.Concurrency),
	)

	err := pollers.Wait()
	_ = jobs.Wait()
	w.logger.Info("worker stopped")
	return err
}

// Start runs the worker in the background until Close.
func (w *Worker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		if err := w.Run(ctx); err != nil {
			w.logger.Error("worker exited", zap.Error(err))
		}
	}()
}

// Close stops polling and waits for in-flight jobs or ctx, whichever ends
// first.
func (w *Worker) Close(ctx context.Context) error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker drain: %w", ctx.Err())
	}
}

func (w *Worker) poll(ctx context.Context, queue string, jobs *errgroup.Group) {
	logger := w.logger.With(zap.String("queue", queue))
	for ctx.Err() == nil {
		job, err := w.broker.Dequeue(ctx, queue, w.opts.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.opts.ErrorBackoff):
			}
			continue
		}
		if job == nil {
			continue
		}

		jobs.Go(func() error {
			w.process(context.WithoutCancel(ctx), job)
			return nil
		})
	}
}

// process runs the handler for job and reports the outcome to the broker.
func (w *Worker) process(ctx context.Context, job *Job) {
	ctx, span := w.tracer.Start(ctx, "queue.Process", trace.WithAttributes(
		attribute.String("queue.name", job.Queue),
		attribute.String("job.id", job.ID),
		attribute.String("job.name", job.Name),
		attribute.Int("job.attempt", job.AttemptsMade),
	))
	defer span.End()

	logger := w.logger.With(
		zap.String("queue", job.Queue),
		zap.String("job_id", job.ID),
		zap.String("job_name", job.Name),
		zap.Int("attempt", job.AttemptsMade),
	)

	start := time.Now()
	result, err := w.execute(ctx, job)
	if w.opts.Metrics != nil {
		w.opts.Metrics.RecordJobProcessed(job.Queue, err != nil, time.Since(start))
	}

	if err == nil {
		if err := w.broker.Complete(ctx, job, result); err != nil {
			w.logFinishError(logger, "failed to mark job completed", err)
		}
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "job failed")
	logger.Warn("job failed", apperrors.Fields(err)...)

	if w.opts.Notifier != nil {
		event := FailureEvent{
			JobID:   job.ID,
			Queue:   job.Queue,
			Command: job.Name,
			Error:   err.Error(),
			Attempt: job.AttemptsMade,
			At:      time.Now().UTC(),
		}
		if nerr := w.opts.Notifier.NotifyFailure(ctx, event); nerr != nil {
			logger.Error("failed to publish job failure", zap.Error(nerr))
		}
	}

	retried, ferr := w.broker.Fail(ctx, job, err.Error())
	if ferr != nil {
		w.logFinishError(logger, "failed to mark job failed", ferr)
		return
	}
	if retried {
		logger.Info("job scheduled for retry")
	}
}

// execute calls the handler, turning a panic into an error.
func (w *Worker) execute(ctx context.Context, job *Job) (result json.RawMessage, err error) {
	h, ok := w.handler(job.Name)
	if !ok {
		return nil, apperrors.NotFound(apperrors.CodeUnknownCommand, "no handler for job").
			WithResource(job.Name).
			Build()
	}

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job handler panicked",
				zap.String("job_id", job.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	value, err := h(ctx, job)
	if err != nil {
		return nil, err
	}
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode job result: %w", err)
	}
	return encoded, nil
}

// logFinishError reports a failed Complete or Fail. A job that was taken
// back as stalled while its handler ran is only a warning.
func (w *Worker) logFinishError(logger *zap.Logger, msg string, err error) {
	if apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
		logger.Warn("job was taken back before it finished", apperrors.Fields(err)...)
		return
	}
	logger.Error(msg, zap.Error(err))
}
