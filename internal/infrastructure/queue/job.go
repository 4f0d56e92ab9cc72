// Package queue dispatches jobs to named queues held by an external broker,
// waits for their completion and runs the consumer side in worker processes.
package queue

import (
	"context"
	"encoding/json"
	"time"

	apperrors "blueprint-backend/internal/errors"
)

// State is the lifecycle position of a job.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transitions happen from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// JobOptions controls retries and scheduling.
type JobOptions struct {
	// Attempts is the total number of times the job may run.
	Attempts int `json:"attempts"`
	// Backoff is the delay before the first retry; it doubles per retry.
	Backoff time.Duration `json:"backoff"`
	// Delay postpones the first run.
	Delay time.Duration `json:"delay"`
}

// Job is a unit of work on a queue.
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Name         string          `json:"name"`
	Data         json.RawMessage `json:"data"`
	Opts         JobOptions      `json:"opts"`
	State        State           `json:"state"`
	AttemptsMade int             `json:"attemptsMade"`
	Result       json.RawMessage `json:"result,omitempty"`
	FailedReason string          `json:"failedReason,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	ProcessedAt  time.Time       `json:"processedAt,omitempty"`
	FinishedAt   time.Time       `json:"finishedAt,omitempty"`
}

// Counts is the number of jobs per state in one queue.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// Event announces that a job reached a terminal state.
type Event struct {
	Type         State           `json:"type"`
	Queue        string          `json:"queue"`
	JobID        string          `json:"jobId"`
	Result       json.RawMessage `json:"result,omitempty"`
	FailedReason string          `json:"failedReason,omitempty"`
}

// Subscription delivers terminal job events for one queue.
type Subscription interface {
	// Events is closed when the subscription ends.
	Events() <-chan Event
	Close() error
}

// Broker stores jobs and moves them through their lifecycle. One broker,
// and so one connection, serves every queue.
type Broker interface {
	Enqueue(ctx context.Context, queue, name string, data json.RawMessage, opts JobOptions) (*Job, error)
	// Dequeue moves the next waiting job to active. It returns nil and no
	// error when nothing arrives within timeout.
	Dequeue(ctx context.Context, queue string, timeout time.Duration) (*Job, error)
	Complete(ctx context.Context, job *Job, result json.RawMessage) error
	// Fail records a failed attempt. The job is scheduled again while it has
	// attempts left; retried reports which happened.
	Fail(ctx context.Context, job *Job, reason string) (retried bool, err error)
	GetJob(ctx context.Context, queue, id string) (*Job, error)
	Counts(ctx context.Context, queue string) (Counts, error)
	Subscribe(ctx context.Context, queue string) (Subscription, error)
	// Clean removes finished jobs older than age and returns how many went.
	Clean(ctx context.Context, queue string, age time.Duration) (int64, error)
	// RequeueStalled takes back jobs active for longer than olderThan, whose
	// worker is presumed dead. Each one counts as a failed attempt: it is
	// scheduled again while attempts remain and failed otherwise.
	RequeueStalled(ctx context.Context, queue string, olderThan time.Duration) (int64, error)
	Ping(ctx context.Context) error
}

// stalledReason is recorded on jobs taken back from a dead worker.
const stalledReason = "job stalled: worker stopped responding"

// notActive reports a Complete or Fail for a job that is no longer active,
// typically because it was taken back as stalled.
func notActive(queue, id string) error {
	return apperrors.NotFound(apperrors.CodeJobNotActive, "job is not active").
		WithResource(queue + "/" + id).
		Build()
}

// retryDelay is the wait before the next attempt after attemptsMade runs.
func retryDelay(opts JobOptions, attemptsMade int) time.Duration {
	if opts.Backoff <= 0 || attemptsMade < 1 {
		return 0
	}
	shift := attemptsMade - 1
	if shift > 16 {
		shift = 16
	}
	return opts.Backoff << shift
}

func normalizeOptions(opts JobOptions) JobOptions {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	return opts
}
