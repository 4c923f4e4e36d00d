// Package logging builds the process logger from the CLI verbosity
// counter. Diagnostics always go to stderr so command output on stdout
// stays machine-readable.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New maps the net verbosity count to a logger: -1 and below logs only
// errors, 0 adds warnings, 1 adds info, 2 and above adds debug.
func New(verbosity int) (*zap.Logger, error) {
	var level zapcore.Level
	switch {
	case verbosity <= -1:
		level = zapcore.ErrorLevel
	case verbosity == 0:
		level = zapcore.WarnLevel
	case verbosity == 1:
		level = zapcore.InfoLevel
	default:
		level = zapcore.DebugLevel
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.DisableStacktrace = true
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}
