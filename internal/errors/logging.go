package errors

import (
	"errors"

	"go.uber.org/zap"
)

// Fields returns zap fields describing err. A UnifiedError contributes its
// type, code and resource; any other error is logged as is.
func Fields(err error) []zap.Field {
	if err == nil {
		return nil
	}

	var unifiedErr *UnifiedError
	if !errors.As(err, &unifiedErr) {
		return []zap.Field{zap.Error(err)}
	}

	fields := []zap.Field{
		zap.String("error_type", string(unifiedErr.Type)),
		zap.String("error_code", string(unifiedErr.Code)),
		zap.String("error_message", unifiedErr.Message),
		zap.Bool("retryable", unifiedErr.Retryable),
	}
	if unifiedErr.Details != "" {
		fields = append(fields, zap.String("error_details", unifiedErr.Details))
	}
	if unifiedErr.Operation != "" {
		fields = append(fields, zap.String("failed_operation", unifiedErr.Operation))
	}
	if unifiedErr.Resource != "" {
		fields = append(fields, zap.String("resource", unifiedErr.Resource))
	}
	if len(unifiedErr.Path) > 0 {
		fields = append(fields, zap.Strings("resolution_path", unifiedErr.Path))
	}
	if unifiedErr.Cause != nil {
		fields = append(fields, zap.NamedError("cause", unifiedErr.Cause))
	}
	return fields
}
