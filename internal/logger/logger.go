package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"securechat/internal/config"
)

// New builds the process logger from the configured mode.
func New(mode config.LoggerMode) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if mode.Level != "" {
		if err := level.UnmarshalText([]byte(mode.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", mode.Level, err)
		}
	}

	var cfg zap.Config
	if mode.Development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	return cfg.Build()
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
