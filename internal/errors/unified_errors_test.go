package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestUnifiedError_Creation(t *testing.T) {
	tests := []struct {
		name     string
		builder  func() *UnifiedError
		expected *UnifiedError
	}{
		{
			name: "configuration error",
			builder: func() *UnifiedError {
				return Configuration(CodeInvalidProvider, "provider has no strategy").
					WithDetails("token %s", "db").
					Build()
			},
			expected: &UnifiedError{
				Type:    ErrorTypeConfiguration,
				Code:    CodeInvalidProvider,
				Message: "provider has no strategy",
				Details: "token db",
			},
		},
		{
			name: "service unavailable",
			builder: func() *UnifiedError {
				return ServiceUnavailable("redis")
			},
			expected: &UnifiedError{
				Type:      ErrorTypeUnavailable,
				Code:      CodeCircuitOpen,
				Message:   "service unavailable",
				Resource:  "redis",
				Retryable: true,
			},
		},
		{
			name: "job timeout",
			builder: func() *UnifiedError {
				return JobTimeout("emails", "42")
			},
			expected: &UnifiedError{
				Type:      ErrorTypeTimeout,
				Code:      CodeJobTimeout,
				Message:   "timed out waiting for job",
				Details:   "job 42",
				Resource:  "emails",
				Retryable: true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.builder())
		})
	}
}

func TestUnifiedError_Is(t *testing.T) {
	cause := errors.New("connection refused")
	err := TransientInfra(CodeBrokerUnavailable, "broker ping failed", cause)
	wrapped := fmt.Errorf("health: %w", err)

	assert.ErrorIs(t, wrapped, ErrTransientInfra)
	assert.ErrorIs(t, wrapped, cause)
	assert.NotErrorIs(t, wrapped, ErrNotFound)
	assert.ErrorIs(t, wrapped, &UnifiedError{Type: ErrorTypeTransient, Code: CodeBrokerUnavailable})
	assert.NotErrorIs(t, wrapped, &UnifiedError{Type: ErrorTypeTransient, Code: CodeCircuitOpen})
	assert.True(t, IsRetryable(wrapped))
}

func TestCircularDependency(t *testing.T) {
	err := CircularDependency([]string{"A", "B", "A"})

	assert.ErrorIs(t, err, ErrCircularDependency)
	assert.Equal(t, []string{"A", "B", "A"}, err.Path)
	assert.Contains(t, err.Error(), "A -> B -> A")
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{NotFound(CodeQueueNotFound, "queue not found").Build(), http.StatusNotFound},
		{ServiceUnavailable("db"), http.StatusServiceUnavailable},
		{JobTimeout("q", "1"), http.StatusGatewayTimeout},
		{JobFailed("q", "1", "boom"), http.StatusUnprocessableEntity},
		{Validation(CodeInvalidInput, "bad").Build(), http.StatusBadRequest},
		{errors.New("plain"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.status, HTTPStatus(tt.err))
		})
	}
}

func TestWriteHTTPError(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	WriteHTTPError(rec, req, NotFound(CodeQueueNotFound, "queue not found").WithResource("emails").Build(), zap.NewNop())

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "QUEUE_NOT_FOUND", body.Error.Code)
	assert.Equal(t, "emails", body.Error.Resource)
}

func TestFields(t *testing.T) {
	t.Run("Should describe a unified error", func(t *testing.T) {
		err := NotFound(CodeQueueNotFound, "queue not found").WithResource("emails").Build()
		fields := Fields(fmt.Errorf("add job: %w", err))

		byKey := make(map[string]zap.Field, len(fields))
		for _, f := range fields {
			byKey[f.Key] = f
		}
		assert.Equal(t, "NOT_FOUND", byKey["error_type"].String)
		assert.Equal(t, string(CodeQueueNotFound), byKey["error_code"].String)
		assert.Equal(t, "emails", byKey["resource"].String)
	})

	t.Run("Should fall back to zap.Error", func(t *testing.T) {
		fields := Fields(errors.New("boom"))
		require.Len(t, fields, 1)
		assert.Equal(t, "error", fields[0].Key)
	})

	t.Run("Should return nothing for nil", func(t *testing.T) {
		assert.Nil(t, Fields(nil))
	})
}
