package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"
)

type Config struct {
	// Level is the minimum logging level: debug, info, warn, error.
	Level string `mapstructure:"level"`

	// Development switches to console encoding with human-readable output.
	// Production mode uses JSON.
	Development bool `mapstructure:"development"`

	// OutputPaths lists URLs or file paths to write logging output to.
	// Defaults to stderr.
	OutputPaths []string `mapstructure:"output-paths"`

	// StacktraceLevel is the minimum level at which stacktraces are captured.
	// Defaults to error.
	StacktraceLevel string `mapstructure:"stacktrace-level"`
}

func (c Config) Validate() error {
	if _, err := parseLevel(c.Level, zapcore.InfoLevel); err != nil {
		return fmt.Errorf("invalid log level '%s': %w", c.Level, err)
	}
	if _, err := parseLevel(c.StacktraceLevel, zapcore.ErrorLevel); err != nil {
		return fmt.Errorf("invalid stacktrace level '%s': %w", c.StacktraceLevel, err)
	}
	for i, path := range c.OutputPaths {
		if strings.TrimSpace(path) == "" {
			return fmt.Errorf("output-paths[%d] cannot be empty or whitespace", i)
		}
	}
	return nil
}

func parseLevel(s string, def zapcore.Level) (zapcore.Level, error) {
	if s == "" {
		return def, nil
	}
	return zapcore.ParseLevel(s)
}
