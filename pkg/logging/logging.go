// Package logging builds the process logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logging settings.
type Config struct {
	// Level is one of debug, info, warn or error.
	Level string `mapstructure:"level"`

	// Format is "json" for production output or "console" for humans.
	Format string `mapstructure:"format"`
}

// DefaultConfig returns info-level JSON logging.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "json"}
}

// ValidateLevel reports whether level is a known level. Empty means info.
func ValidateLevel(level string) error {
	if level == "" {
		return nil
	}
	if _, err := zapcore.ParseLevel(level); err != nil {
		return fmt.Errorf("unsupported level %q (supported: debug, info, warn, error)", level)
	}
	return nil
}

// New builds a logger writing to stderr.
func New(cfg Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if cfg.Level != "" {
		l, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level.SetLevel(l)
	}

	var zc zap.Config
	switch cfg.Format {
	case "console":
		zc = zap.NewDevelopmentConfig()
	case "json", "":
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("unsupported log format %q (supported: json, console)", cfg.Format)
	}
	zc.Level = level
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}

	return zc.Build()
}
