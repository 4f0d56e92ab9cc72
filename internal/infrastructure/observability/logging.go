package observability

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingConfig selects the zap configuration.
type LoggingConfig struct {
	Production bool
	Level      string
	Format     string
}

// NewLogger builds the process logger: the production preset in production,
// the development preset elsewhere.
func NewLogger(cfg LoggingConfig, fields ...zap.Field) (*zap.Logger, error) {
	var zapConfig zap.Config
	if cfg.Production {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	switch cfg.Level {
	case "debug":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	if cfg.Format != "" {
		zapConfig.Encoding = cfg.Format
	}
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(fields...), nil
}
