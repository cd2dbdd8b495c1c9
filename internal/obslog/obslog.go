// Package obslog builds the single zap logger the process constructs at
// startup and threads explicitly into every collaborator — there is no
// package-level logger global (see SPEC_FULL.md's ambient stack section).
package obslog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production-shaped zap logger. debug switches to a
// console-friendly development encoder with DEBUG-level output.
func New(debug bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stdout"}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}

	logger, err := cfg.Build()
	if err != nil {
		// Logging itself cannot fail to construct in practice; fall back to
		// a bare logger rather than leave the process without one.
		fallback, _ := zap.NewProduction()
		if fallback == nil {
			os.Exit(1)
		}
		return fallback
	}
	return logger
}
