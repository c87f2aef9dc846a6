// Package logging constructs the structured logger handed to each engine at
// construction, the way the teacher hands a shared logger to each
// component.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures logger construction.
type Options struct {
	// Development enables human-readable, colorized console output instead
	// of JSON; intended for local runs and tests.
	Development bool
	// Level is the minimum enabled level ("debug", "info", "warn", "error").
	Level string
}

// New builds a *zap.Logger per Options.
func New(opts Options) (*zap.Logger, error) {
	var level zapcore.Level
	if opts.Level == "" {
		level = zapcore.InfoLevel
	} else if err := level.Set(opts.Level); err != nil {
		return nil, fmt.Errorf("logging: invalid level %q: %w", opts.Level, err)
	}

	var cfg zap.Config
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build: %w", err)
	}
	return logger, nil
}

// NewNop returns a logger that discards everything, for tests that don't
// assert on log output.
func NewNop() *zap.Logger {
	return zap.NewNop()
}

// ForLaneId returns a hex-prefix field suitable for structured logging of a
// lane identity without dumping the full 33-byte key.
func ForLaneId(key fmt.Stringer) zap.Field {
	s := key.String()
	if len(s) > 8 {
		s = s[:8]
	}
	return zap.String("lane_id", s)
}

// ForDPHash returns a hex-prefix field for a data proposal hash.
func ForDPHash(key fmt.Stringer) zap.Field {
	s := key.String()
	if len(s) > 8 {
		s = s[:8]
	}
	return zap.String("dp_hash", s)
}
