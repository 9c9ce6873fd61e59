package telemetry

import (
	"context"
	"errors"
	"fmt"
)

// Telemetry bundles the logger, metrics and tracer of one process.
type Telemetry struct {
	Config  *Config
	Logger  *Logger
	Metrics *Metrics
	Tracer  *Tracer
}

// New validates cfg and builds every component.
func New(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		_ = logger.Close()
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}

	return &Telemetry{
		Config:  cfg,
		Logger:  logger,
		Metrics: NewMetrics(cfg.Metrics),
		Tracer:  tracer,
	}, nil
}

// Shutdown flushes traces and closes the log file.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.Tracer.Shutdown(ctx), t.Logger.Close())
}
