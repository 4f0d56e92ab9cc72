// Package handlers exposes the job queue, breaker and shutdown state over HTTP.
package handlers

import (
	"context"
	"net/http"
	"time"

	apperrors "blueprint-backend/internal/errors"
	"blueprint-backend/pkg/api"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var validate = validator.New()

// decodeAndValidate reads a JSON body into dst and checks its validate tags.
// Failures are returned as validation errors.
func decodeAndValidate(r *http.Request, dst interface{}) error {
	if err := api.Decode(r, dst); err != nil {
		return apperrors.Validation(apperrors.CodeInvalidInput, "invalid request body").
			WithCause(err).
			Build()
	}
	if err := validate.Struct(dst); err != nil {
		return apperrors.Validation(apperrors.CodeValidationFailed, "request validation failed").
			WithDetails("%s", err.Error()).
			Build()
	}
	return nil
}

// handleServiceError converts service errors to HTTP responses.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	apperrors.WriteHTTPError(w, r, err, logger)
}

// boundedTimeout shortens timeout so it ends before the request deadline.
func boundedTimeout(ctx context.Context, timeout time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return time.Millisecond
		}
		if remaining < timeout {
			return remaining
		}
	}
	return timeout
}
