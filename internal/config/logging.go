package config

import (
	"fmt"

	"opsagent/internal/logging"
)

// LoggingConfig configures process logging (not the audit event stream).
type LoggingConfig struct {
	Level      string          `yaml:"level"`  // debug, info, warn, error
	Format     string          `yaml:"format"` // json or console
	File       string          `yaml:"file,omitempty"`
	Categories map[string]bool `yaml:"categories,omitempty"`
}

// DefaultLoggingConfig returns the production defaults.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  "info",
		Format: "json",
	}
}

// Validate checks level and format.
func (l LoggingConfig) Validate() error {
	switch l.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log level: %s", l.Level)
	}
	switch l.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("unsupported log format: %s", l.Format)
	}
	return nil
}

// Options converts the config into logging.Initialize options.
func (l LoggingConfig) Options() logging.Options {
	return logging.Options{
		Level:      l.Level,
		Format:     l.Format,
		File:       l.File,
		Categories: l.Categories,
	}
}
