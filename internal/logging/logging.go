// Package logging builds the application's zap logger from configuration.
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options control logger construction.
type Options struct {
	Level string
	JSON  bool
}

// New builds a logger. Console encoding by default; JSON when requested.
func New(opts Options) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	if opts.JSON {
		cfg.Encoding = "json"
	}
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(opts.Level))
	cfg.DisableStacktrace = true
	return cfg.Build()
}

func parseLevel(raw string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
