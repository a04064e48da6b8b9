package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	qerrors "github.com/shhac/quill/internal/errors"
	"github.com/shhac/quill/internal/mock"
)

// Config holds application-wide configuration.
type Config struct {
	// Debug enables debug logging and additional diagnostics. ENV: QUILL_DEBUG
	Debug bool `env:"QUILL_DEBUG,default=false"`

	// ImportPaths are searched for .proto imports, before any paths given
	// on the command line. ENV: QUILL_IMPORT_PATHS, separated by ";"
	ImportPaths []string `env:"QUILL_IMPORT_PATHS"`

	// OTLPEndpoint receives call traces when set. ENV: QUILL_OTLP_ENDPOINT
	OTLPEndpoint string `env:"QUILL_OTLP_ENDPOINT"`

	// DefaultTimeout applies to calls that do not set their own.
	// Zero means no deadline. ENV: QUILL_DEFAULT_TIMEOUT
	DefaultTimeout time.Duration `env:"QUILL_DEFAULT_TIMEOUT"`

	// MaxDepth bounds how often one message type is expanded in an
	// example payload. ENV: QUILL_MAX_DEPTH
	MaxDepth int `env:"QUILL_MAX_DEPTH,default=3"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxDepth: mock.DefaultMaxDepth,
	}
}

// ConfigFromEnv creates a configuration from QUILL_* environment variables.
func ConfigFromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.MaxDepth <= 0 {
		return qerrors.ValidationError{Field: "QUILL_MAX_DEPTH", Message: "must be positive"}
	}
	if c.DefaultTimeout < 0 {
		return qerrors.ValidationError{Field: "QUILL_DEFAULT_TIMEOUT", Message: "must not be negative"}
	}
	return nil
}
