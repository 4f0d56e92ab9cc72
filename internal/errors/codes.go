package errors

import "net/http"

// ErrorCode represents a unique error code for specific error scenarios
type ErrorCode string

// Container error codes
const (
	CodeInvalidProvider  ErrorCode = "INVALID_PROVIDER"
	CodeNotInjectable    ErrorCode = "NOT_INJECTABLE"
	CodeProviderNotFound ErrorCode = "PROVIDER_NOT_FOUND"
	CodeDependencyCycle  ErrorCode = "DEPENDENCY_CYCLE"
	CodeFactoryFailed    ErrorCode = "FACTORY_FAILED"
	CodeContainerClosed  ErrorCode = "CONTAINER_CLOSED"
)

// Runtime error codes
const (
	CodeCircuitOpen         ErrorCode = "CIRCUIT_OPEN"
	CodeRateLimited         ErrorCode = "RATE_LIMITED"
	CodeQueueNotFound       ErrorCode = "QUEUE_NOT_FOUND"
	CodeJobNotFound         ErrorCode = "JOB_NOT_FOUND"
	CodeJobNotActive        ErrorCode = "JOB_NOT_ACTIVE"
	CodeJobTimeout          ErrorCode = "JOB_TIMEOUT"
	CodeJobFailed           ErrorCode = "JOB_FAILED"
	CodeUnknownCommand      ErrorCode = "UNKNOWN_COMMAND"
	CodeBrokerUnavailable   ErrorCode = "BROKER_UNAVAILABLE"
	CodeTransactionConflict ErrorCode = "TRANSACTION_CONFLICT"
	CodeShutdownTimeout     ErrorCode = "SHUTDOWN_TIMEOUT"
	CodeWorkerSpawnFailed   ErrorCode = "WORKER_SPAWN_FAILED"
)

// General error codes
const (
	CodeConfigInvalid    ErrorCode = "CONFIG_INVALID"
	CodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeInternalError    ErrorCode = "INTERNAL_ERROR"
)

// HTTPStatusCode returns the appropriate HTTP status code for an error code
func (c ErrorCode) HTTPStatusCode() int {
	switch c {
	case CodeQueueNotFound, CodeJobNotFound, CodeProviderNotFound:
		return http.StatusNotFound
	case CodeInvalidInput, CodeValidationFailed, CodeUnknownCommand:
		return http.StatusBadRequest
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeCircuitOpen, CodeBrokerUnavailable:
		return http.StatusServiceUnavailable
	case CodeJobTimeout:
		return http.StatusGatewayTimeout
	case CodeTransactionConflict, CodeJobNotActive:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
