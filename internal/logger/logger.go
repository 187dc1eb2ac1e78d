package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"binance-grid-trader-go/internal/config"
)

// NewLogger creates a zap.Logger from the logger section of the config.
// Format "json" selects the production encoder; "console" or an empty
// format selects the development one.
func NewLogger(cfg config.Logger) (*zap.Logger, error) {
	logLevel, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var zc zap.Config
	switch cfg.Format {
	case "json":
		zc = zap.NewProductionConfig()
	case "console", "":
		zc = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	zc.Level = zap.NewAtomicLevelAt(logLevel)
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.OutputPaths = []string{"stdout"}

	return zc.Build()
}

// Component returns a sub-logger for one part of the application.
func Component(base *zap.Logger, name string, fields ...zap.Field) *zap.Logger {
	return base.Named(name).With(fields...)
}
