package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Postgres SQLSTATE codes that abort a transaction which may succeed when run
// again from the start.
const (
	SerializationFailure = pq.ErrorCode("40001")
	DeadlockDetected     = pq.ErrorCode("40P01")
)

// RetryPolicy bounds transaction re-runs.
type RetryPolicy struct {
	// MaxRetries is the number of re-runs after the first attempt.
	MaxRetries int
	// Delay is the pause before each re-run.
	Delay time.Duration
	// Logger, when set, logs each re-run.
	Logger *zap.Logger
	// OnRetry, when set, is called with the SQLSTATE of each retried failure.
	OnRetry func(code string)
}

// DefaultRetryPolicy re-runs a transaction up to three times, 50ms apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Delay: 50 * time.Millisecond}
}

// TxBeginner starts transactions. *sqlx.DB satisfies it.
type TxBeginner interface {
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
}

// RetryableCode returns the SQLSTATE of err when it is a serialization
// failure or a deadlock.
func RetryableCode(err error) (string, bool) {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return "", false
	}
	switch pqErr.Code {
	case SerializationFailure, DeadlockDetected:
		return string(pqErr.Code), true
	}
	return "", false
}

// RunInTx runs fn inside a transaction and commits it. When the transaction
// fails with a retryable code the whole transaction, fn included, runs again
// up to policy.MaxRetries times. The last error is returned unchanged.
func RunInTx(ctx context.Context, db TxBeginner, policy RetryPolicy, fn func(ctx context.Context, tx *sqlx.Tx) error) error {
	_, err := WithTx(ctx, db, policy, func(ctx context.Context, tx *sqlx.Tx) (struct{}, error) {
		return struct{}{}, fn(ctx, tx)
	})
	return err
}

// WithTx is RunInTx for transactions that produce a value. The value is only
// returned after a successful commit.
func WithTx[T any](ctx context.Context, db TxBeginner, policy RetryPolicy, fn func(ctx context.Context, tx *sqlx.Tx) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		result, err := runOnce(ctx, db, fn)
		if err == nil {
			return result, nil
		}

		code, retryable := RetryableCode(err)
		if !retryable || attempt >= policy.MaxRetries {
			return zero, err
		}

		if policy.OnRetry != nil {
			policy.OnRetry(code)
		}
		if policy.Logger != nil {
			policy.Logger.Warn("retrying transaction",
				zap.String("sqlstate", code),
				zap.Int("attempt", attempt+1),
				zap.Int("max_retries", policy.MaxRetries),
			)
		}

		if policy.Delay > 0 {
			timer := time.NewTimer(policy.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, err
			case <-timer.C:
			}
		}
	}
}

func runOnce[T any](ctx context.Context, db TxBeginner, fn func(ctx context.Context, tx *sqlx.Tx) (T, error)) (result T, err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return result, err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	result, err = fn(ctx, tx)
	if err != nil {
		// The body's error is returned, not the rollback's.
		_ = tx.Rollback()
		return result, err
	}

	if err := tx.Commit(); err != nil {
		return result, err
	}
	return result, nil
}
