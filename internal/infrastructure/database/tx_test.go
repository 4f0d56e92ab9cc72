package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

func TestWithTx_RetriesDeadlockUntilSuccess(t *testing.T) {
	db, mock := newMockDB(t)
	deadlock := &pq.Error{Code: DeadlockDetected, Message: "deadlock detected"}

	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE accounts").WillReturnError(deadlock)
		mock.ExpectRollback()
	}
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE accounts").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var codes []string
	policy := RetryPolicy{MaxRetries: 3, OnRetry: func(code string) { codes = append(codes, code) }}

	calls := 0
	affected, err := WithTx(context.Background(), db, policy, func(ctx context.Context, tx *sqlx.Tx) (int64, error) {
		calls++
		res, err := tx.ExecContext(ctx, "UPDATE accounts SET balance = balance - 1 WHERE id = $1", 7)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	})

	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []string{"40P01", "40P01"}, codes)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunInTx_ExhaustedRetriesReturnLastError(t *testing.T) {
	db, mock := newMockDB(t)
	conflict := &pq.Error{Code: SerializationFailure, Message: "could not serialize access"}

	for i := 0; i < 3; i++ {
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO audit").WillReturnError(conflict)
		mock.ExpectRollback()
	}

	calls := 0
	err := RunInTx(context.Background(), db, RetryPolicy{MaxRetries: 2}, func(ctx context.Context, tx *sqlx.Tx) error {
		calls++
		_, err := tx.ExecContext(ctx, "INSERT INTO audit (event) VALUES ($1)", "x")
		return err
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	var pqErr *pq.Error
	require.True(t, errors.As(err, &pqErr))
	assert.Same(t, conflict, pqErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunInTx_NonRetryableErrorRunsOnce(t *testing.T) {
	db, mock := newMockDB(t)
	boom := errors.New("constraint violated")

	mock.ExpectBegin()
	mock.ExpectRollback()

	calls := 0
	err := RunInTx(context.Background(), db, DefaultRetryPolicy(), func(context.Context, *sqlx.Tx) error {
		calls++
		return boom
	})

	assert.Same(t, boom, err)
	assert.Equal(t, 1, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunInTx_RetriesCommitConflict(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(&pq.Error{Code: SerializationFailure})
	mock.ExpectBegin()
	mock.ExpectCommit()

	calls := 0
	err := RunInTx(context.Background(), db, RetryPolicy{MaxRetries: 1}, func(context.Context, *sqlx.Tx) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunInTx_ContextCancelledDuringDelay(t *testing.T) {
	db, mock := newMockDB(t)
	deadlock := &pq.Error{Code: DeadlockDetected}

	mock.ExpectBegin()
	mock.ExpectRollback()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := RunInTx(ctx, db, RetryPolicy{MaxRetries: 5, Delay: time.Hour}, func(context.Context, *sqlx.Tx) error {
		return deadlock
	})

	assert.Same(t, deadlock, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetryableCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
		ok   bool
	}{
		{"serialization", &pq.Error{Code: "40001"}, "40001", true},
		{"deadlock", &pq.Error{Code: "40P01"}, "40P01", true},
		{"wrapped", errors.Join(errors.New("ctx"), &pq.Error{Code: "40P01"}), "40P01", true},
		{"unique violation", &pq.Error{Code: "23505"}, "", false},
		{"plain", errors.New("boom"), "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, ok := RetryableCode(tt.err)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.code, code)
		})
	}
}
