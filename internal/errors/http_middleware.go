package errors

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// HTTPErrorResponse is the JSON body written for failed requests.
type HTTPErrorResponse struct {
	Error     HTTPErrorDetails `json:"error"`
	RequestID string           `json:"requestId,omitempty"`
	Timestamp string           `json:"timestamp"`
}

// HTTPErrorDetails carries the client-visible parts of a UnifiedError.
type HTTPErrorDetails struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	Resource  string `json:"resource,omitempty"`
	Retryable bool   `json:"retryable"`
}

// WriteHTTPError writes a standardized error response
func WriteHTTPError(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	var unifiedErr *UnifiedError
	if !errors.As(err, &unifiedErr) {
		unifiedErr = Internal(CodeInternalError, "internal error").WithCause(err).Build()
	}

	statusCode := HTTPStatus(unifiedErr)
	requestID := middleware.GetReqID(r.Context())

	response := HTTPErrorResponse{
		Error: HTTPErrorDetails{
			Type:      string(unifiedErr.Type),
			Code:      string(unifiedErr.Code),
			Message:   unifiedErr.Message,
			Details:   unifiedErr.Details,
			Resource:  unifiedErr.Resource,
			Retryable: unifiedErr.Retryable,
		},
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	logger.Log(logLevel(statusCode), "HTTP error response",
		append(Fields(unifiedErr),
			zap.String("request_id", requestID),
			zap.Int("status_code", statusCode),
		)...,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Error("Failed to encode error response",
			zap.Error(err),
			zap.String("request_id", requestID),
		)
	}
}

// HTTPStatus determines the HTTP status code for an error
func HTTPStatus(err error) int {
	var unifiedErr *UnifiedError
	if !errors.As(err, &unifiedErr) {
		return http.StatusInternalServerError
	}

	if unifiedErr.Code != "" {
		if code := unifiedErr.Code.HTTPStatusCode(); code != http.StatusInternalServerError {
			return code
		}
	}

	switch unifiedErr.Type {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case ErrorTypeUnavailable, ErrorTypeTransient:
		return http.StatusServiceUnavailable
	case ErrorTypeJobFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func logLevel(status int) zapcore.Level {
	if status >= http.StatusInternalServerError {
		return zapcore.ErrorLevel
	}
	return zapcore.WarnLevel
}
