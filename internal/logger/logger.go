// Package logger owns construction of the zap loggers used across the
// generation pipeline.
//
// Library packages receive a *zap.Logger explicitly; there is no package-level
// global. This keeps tests isolated: each test builds its own logger (usually
// zap.NewNop or zaptest).
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls logger construction.
type Options struct {
	// JSON selects machine-readable structured output instead of the
	// human-readable console encoder.
	JSON bool

	// Verbose lowers the level from Info to Debug.
	Verbose bool
}

// New builds the process logger.
func New(opts Options) (*zap.Logger, error) {
	level := zap.InfoLevel
	if opts.Verbose {
		level = zap.DebugLevel
	}

	if opts.JSON {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)
		cfg.OutputPaths = []string{"stdout"}
		cfg.ErrorOutputPaths = []string{"stderr"}
		return cfg.Build()
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.TimeKey = ""
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(os.Stderr),
		level,
	)
	return zap.New(core), nil
}
