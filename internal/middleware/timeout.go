package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"blueprint-backend/pkg/api"

	"go.uber.org/zap"
)

// Timeout gives each request a context deadline. Handlers are expected to
// honour the context; when one returns after the deadline without writing a
// response, a 504 is written for it.
func Timeout(timeout time.Duration, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			sw := &statusWriter{ResponseWriter: w}
			next.ServeHTTP(sw, r.WithContext(ctx))

			if !sw.wroteHeader && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				logger.Warn("request timed out",
					zap.String("request_id", GetRequestIDFromRequest(r)),
					zap.String("path", r.URL.Path),
					zap.Duration("timeout", timeout),
				)
				api.Error(w, http.StatusGatewayTimeout, "Request timeout")
			}
		})
	}
}

// statusWriter records the status code written by a handler.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.WriteHeader(http.StatusOK)
	}
	return sw.ResponseWriter.Write(b)
}

// Status returns the written status, or 200 if the handler wrote nothing.
func (sw *statusWriter) Status() int {
	if sw.status == 0 {
		return http.StatusOK
	}
	return sw.status
}

// Flush forwards to the underlying writer when it supports flushing.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
