package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "blueprint-backend/internal/errors"
	"blueprint-backend/internal/infrastructure/breaker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForState(t *testing.T, b Broker, queue, id string, want State) *Job {
	t.Helper()
	var job *Job
	require.Eventually(t, func() bool {
		j, err := b.GetJob(context.Background(), queue, id)
		if err != nil {
			return false
		}
		job = j
		return j.State == want
	}, 5*time.Second, 5*time.Millisecond)
	return job
}

func TestWorker_HandlerPanicFailsJob(t *testing.T) {
	broker := NewMemoryBroker()
	notifier := &recordingNotifier{}
	startWorker(t, broker, WorkerOptions{Queues: []string{"q"}, Notifier: notifier}, map[string]Handler{
		"panics": func(context.Context, *Job) (any, error) {
			panic("nil map")
		},
	})

	job, err := broker.Enqueue(context.Background(), "q", "panics", nil, JobOptions{})
	require.NoError(t, err)

	failed := waitForState(t, broker, "q", job.ID, StateFailed)
	assert.Contains(t, failed.FailedReason, "handler panic: nil map")
	require.Len(t, notifier.Events(), 1)
}

func TestWorker_UnknownJobNameFails(t *testing.T) {
	broker := NewMemoryBroker()
	startWorker(t, broker, WorkerOptions{Queues: []string{"q"}}, nil)

	job, err := broker.Enqueue(context.Background(), "q", "nobody.handles.this", nil, JobOptions{})
	require.NoError(t, err)

	failed := waitForState(t, broker, "q", job.ID, StateFailed)
	assert.Contains(t, failed.FailedReason, string(apperrors.CodeUnknownCommand))
}

func TestWorker_RetriesUntilSuccess(t *testing.T) {
	broker := NewMemoryBroker()
	notifier := &recordingNotifier{}
	var calls atomic.Int32
	startWorker(t, broker, WorkerOptions{Queues: []string{"q"}, Notifier: notifier}, map[string]Handler{
		"flaky": func(context.Context, *Job) (any, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("temporary")
			}
			return "ok", nil
		},
	})

	job, err := broker.Enqueue(context.Background(), "q", "flaky", nil, JobOptions{Attempts: 3})
	require.NoError(t, err)

	done := waitForState(t, broker, "q", job.ID, StateCompleted)
	assert.Equal(t, 2, done.AttemptsMade)
	assert.JSONEq(t, `"ok"`, string(done.Result))
	assert.Equal(t, int32(2), calls.Load())

	events := notifier.Events()
	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].Attempt)
}

func TestWorker_BoundedConcurrency(t *testing.T) {
	broker := NewMemoryBroker()
	var (
		inFlight atomic.Int32
		maxSeen  atomic.Int32
	)
	startWorker(t, broker, WorkerOptions{Queues: []string{"q"}, Concurrency: 2}, map[string]Handler{
		"sleep": func(context.Context, *Job) (any, error) {
			n := inFlight.Add(1)
			for {
				m := maxSeen.Load()
				if n <= m || maxSeen.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inFlight.Add(-1)
			return nil, nil
		},
	})

	ids := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		job, err := broker.Enqueue(context.Background(), "q", "sleep", nil, JobOptions{})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	for _, id := range ids {
		waitForState(t, broker, "q", id, StateCompleted)
	}

	assert.LessOrEqual(t, maxSeen.Load(), int32(2))
}

func TestWorker_CloseDrainsInFlightJobs(t *testing.T) {
	broker := NewMemoryBroker()
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	w := NewWorker(broker, WorkerOptions{Queues: []string{"q"}, PollTimeout: 20 * time.Millisecond})
	w.Handle("block", func(ctx context.Context, _ *Job) (any, error) {
		once.Do(func() { close(started) })
		<-release
		return "finished", ctx.Err()
	})
	w.Start(context.Background())

	job, err := broker.Enqueue(context.Background(), "q", "block", nil, JobOptions{})
	require.NoError(t, err)
	<-started

	closed := make(chan error, 1)
	go func() { closed <- w.Close(context.Background()) }()

	select {
	case <-closed:
		t.Fatal("close returned before the job finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-closed)

	done, err := broker.GetJob(context.Background(), "q", job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, done.State)
}

func TestWorker_CloseHonoursContext(t *testing.T) {
	broker := NewMemoryBroker()
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	w := NewWorker(broker, WorkerOptions{Queues: []string{"q"}, PollTimeout: 20 * time.Millisecond})
	w.Handle("block", func(context.Context, *Job) (any, error) {
		close(started)
		<-release
		return nil, nil
	})
	w.Start(context.Background())

	_, err := broker.Enqueue(context.Background(), "q", "block", nil, JobOptions{})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Close(ctx), context.DeadlineExceeded)
}

func TestBreakerBroker_OpensAfterFailures(t *testing.T) {
	rb, mr := newRedisTestBroker(t)
	breakers := breaker.NewRegistry(breaker.WithDefaults(breaker.Config{
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
	}))
	b := NewBreakerBroker(rb, breakers, "redis")
	ctx := context.Background()

	require.NoError(t, b.Ping(ctx))
	mr.Close()

	for i := 0; i < 2; i++ {
		err := b.Ping(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, apperrors.ErrTransientInfra)
	}
	assert.Equal(t, breaker.StateOpen, breakers.GetState("redis"))

	_, err := b.Enqueue(ctx, "q", "work", nil, JobOptions{})
	assert.ErrorIs(t, err, apperrors.ErrServiceUnavailable)
}

func TestBreakerBroker_NotFoundDoesNotTrip(t *testing.T) {
	breakers := breaker.NewRegistry(breaker.WithDefaults(breaker.Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
	}))
	b := NewBreakerBroker(NewMemoryBroker(), breakers, "memory")

	_, err := b.GetJob(context.Background(), "q", "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Equal(t, breaker.StateClosed, breakers.GetState("memory"))
}

func TestBreakerBroker_CancelledDequeueDoesNotTrip(t *testing.T) {
	breakers := breaker.NewRegistry(breaker.WithDefaults(breaker.Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
	}))
	b := NewBreakerBroker(NewMemoryBroker(), breakers, "redis")

	t.Run("Should leave the circuit closed when the caller cancels", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()

		job, err := b.Dequeue(ctx, "q", 5*time.Second)
		assert.Nil(t, job)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, breaker.StateClosed, breakers.GetState("redis"))
		assert.Zero(t, breakers.Record("redis").Count)
	})

	t.Run("Should still count a broker failure", func(t *testing.T) {
		inner := NewMemoryBroker()
		require.NoError(t, inner.Close())
		closed := NewBreakerBroker(inner, breakers, "closed")

		_, err := closed.Dequeue(context.Background(), "q", time.Millisecond)
		assert.ErrorIs(t, err, apperrors.ErrTransientInfra)
		assert.Equal(t, breaker.StateOpen, breakers.GetState("closed"))
	})
}
