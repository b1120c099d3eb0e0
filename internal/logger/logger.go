package logger

import (
	"fmt"

	"go.uber.org/zap"
)

// Option adjusts the logger configuration.
type Option func(*zap.Config)

// WithEncoding selects the "json" or "console" encoder.
func WithEncoding(encoding string) Option {
	return func(c *zap.Config) {
		c.Encoding = encoding
	}
}

// WithoutStacktraces drops stack traces from error logs.
func WithoutStacktraces() Option {
	return func(c *zap.Config) {
		c.DisableStacktrace = true
	}
}

func New(verbosity string, opts ...Option) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(verbosity)
	if err != nil {
		return nil, err
	}
	config.Level = level
	for _, opt := range opts {
		opt(&config)
	}
	if config.Encoding != "json" && config.Encoding != "console" {
		return nil, fmt.Errorf("unknown log encoding %q", config.Encoding)
	}
	return config.Build()
}
