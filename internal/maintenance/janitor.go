// Package maintenance runs periodic housekeeping against the transaction
// tables: expired idempotency keys and old PROCESSED outbox events.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cassiomorais/memorytx/internal/infrastructure/observability"
	"github.com/rs/zerolog"
)

// Locker runs fn only if this instance wins the lease. ran is false when
// another instance holds it.
type Locker interface {
	RunExclusive(ctx context.Context, fn func(ctx context.Context) error) (ran bool, err error)
}

type ExpiredKeyCleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

type ProcessedEventCleaner interface {
	CleanupProcessedEvents(ctx context.Context, olderThan time.Duration) (int64, error)
}

type Config struct {
	Interval           time.Duration
	ProcessedRetention time.Duration
}

// Report is the outcome of one cleanup pass.
type Report struct {
	Skipped      bool  `json:"skipped"`
	KeysPurged   int64 `json:"keys_purged"`
	EventsPurged int64 `json:"events_purged"`
}

type Janitor struct {
	cfg     Config
	keys    ExpiredKeyCleaner
	events  ProcessedEventCleaner
	newLock func() Locker
	metrics *observability.Metrics
	logger  zerolog.Logger
}

type Option func(*Janitor)

// WithLock enables leader election. newLock is called once per pass.
func WithLock(newLock func() Locker) Option {
	return func(j *Janitor) { j.newLock = newLock }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(j *Janitor) { j.logger = logger }
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(j *Janitor) { j.metrics = metrics }
}

func NewJanitor(cfg Config, keys ExpiredKeyCleaner, events ProcessedEventCleaner, opts ...Option) (*Janitor, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("janitor interval must be positive, got %s", cfg.Interval)
	}
	if cfg.ProcessedRetention <= 0 {
		return nil, fmt.Errorf("processed retention must be positive, got %s", cfg.ProcessedRetention)
	}
	j := &Janitor{
		cfg:    cfg,
		keys:   keys,
		events: events,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.logger = observability.Component(j.logger, "janitor")
	return j, nil
}

// Run cleans up every Interval until ctx is cancelled. Pass errors are
// logged and the loop continues.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	j.logger.Info().Dur("interval", j.cfg.Interval).Msg("janitor started")
	for {
		select {
		case <-ctx.Done():
			j.logger.Info().Msg("janitor stopped")
			return nil
		case <-ticker.C:
		}

		if _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
			j.logger.Error().Err(err).Msg("cleanup pass failed")
		}
	}
}

// RunOnce performs a single cleanup pass. When another instance holds the
// lock the pass is skipped.
func (j *Janitor) RunOnce(ctx context.Context) (Report, error) {
	if j.newLock == nil {
		return j.clean(ctx)
	}

	var report Report
	ran, err := j.newLock().RunExclusive(ctx, func(ctx context.Context) error {
		var cleanErr error
		report, cleanErr = j.clean(ctx)
		return cleanErr
	})
	if !ran && err == nil {
		j.logger.Debug().Msg("cleanup lock held elsewhere, skipping pass")
		report.Skipped = true
	}
	return report, err
}

func (j *Janitor) clean(ctx context.Context) (Report, error) {
	var (
		report Report
		errs   []error
	)

	keys, err := j.keys.CleanupExpired(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("cleanup idempotency keys: %w", err))
	} else {
		report.KeysPurged = keys
		j.metrics.IdempotencyPurged(keys)
	}

	events, err := j.events.CleanupProcessedEvents(ctx, j.cfg.ProcessedRetention)
	if err != nil {
		errs = append(errs, fmt.Errorf("cleanup processed events: %w", err))
	} else {
		report.EventsPurged = events
	}

	if report.KeysPurged > 0 || report.EventsPurged > 0 {
		j.logger.Info().
			Int64("keys_purged", report.KeysPurged).
			Int64("events_purged", report.EventsPurged).
			Msg("cleanup pass completed")
	}
	return report, errors.Join(errs...)
}
