// Package bootstrap wires the shared runtime dependencies of the binaries.
package bootstrap

import (
	"context"
	"fmt"
	"os"

	"github.com/cassiomorais/memorytx/internal/database"
	"github.com/cassiomorais/memorytx/internal/infrastructure/config"
	"github.com/cassiomorais/memorytx/internal/infrastructure/observability"
	infraRedis "github.com/cassiomorais/memorytx/internal/infrastructure/redis"
	"github.com/cassiomorais/memorytx/pkg/retry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	DB       *database.DB
	Redis    *redis.Client // nil when redis.host is unset
	Metrics  *observability.Metrics // nil when observability.enable_metrics is false
	Registry *prometheus.Registry
	Tracer   *sdktrace.TracerProvider
}

func New(ctx context.Context, serviceName string, metricsNamespace string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := observability.InitLogger(cfg.Observability.LogLevel, os.Stdout).
		With().Str("service", serviceName).Str("instance_id", cfg.InstanceID).Logger()
	logger.Info().Msg("Starting")

	app := &App{Config: cfg, Logger: logger}

	if cfg.Observability.EnableTracing {
		tp, err := observability.InitTracer(serviceName, cfg.Observability.JaegerEndpoint)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		} else {
			app.Tracer = tp
			logger.Info().Msg("Tracing enabled")
		}
	}

	app.Registry = prometheus.NewRegistry()
	app.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if cfg.Observability.EnableMetrics {
		app.Metrics = observability.NewMetrics(metricsNamespace, app.Registry)
		logger.Info().Msg("Metrics initialized")
	}

	dbCfg := cfg.Database.Settings()
	rc := retry.DefaultConfig()
	if cfg.Database.ConnectRetries > 0 {
		rc.MaxAttempts = cfg.Database.ConnectRetries
	}
	if cfg.Database.ConnectRetryDelay > 0 {
		rc.InitialDelay = cfg.Database.ConnectRetryDelay
	}
	rc.OnRetry = func(attempt uint, err error) {
		logger.Warn().Err(err).Uint("attempt", attempt+1).Msg("database not reachable, retrying")
	}
	db, err := retry.DoWithResult(ctx, rc, func() (*database.DB, error) {
		return database.Open(ctx, dbCfg)
	})
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	app.DB = db
	logger.Info().Str("dialect", string(db.Dialect())).Msg("Connected to database")

	if cfg.Redis.Enabled() {
		client, err := infraRedis.NewClient(ctx, &cfg.Redis, logger)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		app.Redis = client
		logger.Info().Str("addr", cfg.Redis.RedisAddr()).Msg("Connected to Redis")
	} else {
		logger.Info().Msg("Redis not configured, event bus and janitor lock disabled")
	}

	return app, nil
}

// Close releases everything New acquired. It is safe on a partially built App.
func (a *App) Close() {
	if a.Tracer != nil {
		if err := observability.ShutdownTracer(context.Background(), a.Tracer); err != nil {
			a.Logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
