// Package logging builds the zap loggers shared across the module.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a console logger writing to stderr. Verbose enables debug
// level; quiet drops everything below warn so the progress line stays
// readable.
func New(verbose, quiet bool) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	if quiet {
		level = zapcore.WarnLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.Encoding = "console"
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.DisableStacktrace = true

	return cfg.Build()
}

// ForSession returns a child logger tagged with the session identifiers
// every per-session component logs under.
func ForSession(log *zap.Logger, sessionID, scenario, user string) *zap.Logger {
	return log.With(
		zap.String("session_id", sessionID),
		zap.String("scenario", scenario),
		zap.String("user_id", user),
	)
}
