// Package kfmt builds the kernel logger and implements the kernel panic path.
package kfmt

import (
	"strideos/kernel"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	errUnknownLevel  = &kernel.Error{Module: "kfmt", Message: "unknown log level"}
	errUnknownFormat = &kernel.Error{Module: "kfmt", Message: "unknown log format"}
	errLoggerBuild   = &kernel.Error{Module: "kfmt", Message: "unable to build logger"}
)

// NewLogger returns a zap logger writing to stderr at the requested level
// (debug, info, warn or error) using either the "json" or "console" encoding.
func NewLogger(level, format string) (*zap.Logger, *kernel.Error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	var cfg zap.Config
	switch format {
	case "json":
		cfg = zap.NewProductionConfig()
	case "console", "":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, errUnknownFormat
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = true

	logger, buildErr := cfg.Build()
	if buildErr != nil {
		return nil, errLoggerBuild
	}

	return logger, nil
}

// ParseLevel maps a configuration level name to a zap level.
func ParseLevel(level string) (zapcore.Level, *kernel.Error) {
	switch level {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info", "":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, errUnknownLevel
	}
}
