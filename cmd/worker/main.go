package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cassiomorais/memorytx/internal/bootstrap"
	"github.com/cassiomorais/memorytx/internal/controller"
	domainOutbox "github.com/cassiomorais/memorytx/internal/domain/outbox"
	infraRedis "github.com/cassiomorais/memorytx/internal/infrastructure/redis"
	"github.com/cassiomorais/memorytx/internal/maintenance"
	"github.com/cassiomorais/memorytx/internal/outbox"
	"github.com/cassiomorais/memorytx/internal/repository/sqlstore"
	"github.com/cassiomorais/memorytx/internal/uow"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.New(ctx, "memorytx-worker", "memorytx")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	cfg := app.Config

	// --- Stores ---
	outboxRepo := sqlstore.NewOutboxRepository(app.DB)
	receiptRepo := sqlstore.NewReceiptRepository(app.DB)
	idempotencyRepo := sqlstore.NewIdempotencyRepository(app.DB, sqlstore.WithDefaultTTL(cfg.Idempotency.DefaultTTL))

	managerOpts := []uow.ManagerOption{
		uow.WithIdempotency(idempotencyRepo, cfg.Idempotency.DefaultTTL),
		uow.WithLogger(app.Logger),
		uow.WithMetrics(app.Metrics),
	}
	workerOpts := []outbox.WorkerOption{
		outbox.WithLogger(app.Logger),
		outbox.WithMetrics(app.Metrics),
	}
	if app.Tracer != nil {
		managerOpts = append(managerOpts, uow.WithTracer(app.Tracer.Tracer("memorytx/uow")))
		workerOpts = append(workerOpts, outbox.WithTracer(app.Tracer.Tracer("memorytx/outbox")))
	}
	manager := uow.NewManager(app.DB, receiptRepo, managerOpts...)

	// --- Outbox worker ---
	worker, err := outbox.NewWorker(cfg.Worker.OutboxConfig(), manager, outboxRepo, newPublisher(app), workerOpts...)
	if err != nil {
		app.Logger.Fatal().Err(err).Msg("Invalid worker configuration")
	}
	if err := worker.Start(ctx); err != nil {
		app.Logger.Fatal().Err(err).Msg("Failed to start outbox worker")
	}

	// --- Janitor ---
	janitorOpts := []maintenance.Option{
		maintenance.WithLogger(app.Logger),
		maintenance.WithMetrics(app.Metrics),
	}
	if app.Redis != nil {
		janitorOpts = append(janitorOpts, maintenance.WithLock(func() maintenance.Locker {
			return infraRedis.NewDistributedLock(app.Redis, "maintenance", cfg.Maintenance.LockTTL)
		}))
	}
	janitor, err := maintenance.NewJanitor(maintenance.Config{
		Interval:           cfg.Maintenance.Interval,
		ProcessedRetention: cfg.Maintenance.ProcessedRetention,
	}, idempotencyRepo, worker, janitorOpts...)
	if err != nil {
		app.Logger.Fatal().Err(err).Msg("Invalid maintenance configuration")
	}

	// --- Admin HTTP ---
	deps := controller.RouterDeps{
		DB:                 app.DB,
		Worker:             worker,
		Receipts:           receiptRepo,
		Idempotency:        idempotencyRepo,
		IdempotencyTTL:     cfg.Idempotency.DefaultTTL,
		Metrics:            app.Metrics,
		Gatherer:           app.Registry,
		CORSConfig:         cfg.Server.CORS,
		Logger:             app.Logger,
		ProcessedRetention: cfg.Maintenance.ProcessedRetention,
		RetryLimit:         cfg.Worker.BatchSize,
		AdminJWTSecret:     cfg.Server.AdminJWTSecret,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
	}
	if app.Redis != nil {
		deps.RedisClient = app.Redis
	}
	srv := controller.NewServer(cfg.Server, controller.NewRouter(deps))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	// 1. Janitor (expired keys and old PROCESSED events).
	g.Go(func() error {
		return janitor.Run(gCtx)
	})

	// 2. Admin server.
	g.Go(func() error {
		app.Logger.Info().Str("addr", srv.Addr).Msg("Admin server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})

	// 3. Wait for shutdown signal, then drain.
	g.Go(func() error {
		select {
		case <-gCtx.Done():
		case <-quit:
			app.Logger.Info().Msg("Shutting down worker...")
		}

		shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer stop()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.Logger.Error().Err(err).Msg("Admin server shutdown failed")
		}
		if err := worker.Stop(shutdownCtx); err != nil {
			app.Logger.Error().Err(err).Msg("Outbox worker did not stop cleanly")
		}
		cancel()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		app.Logger.Error().Err(err).Msg("Worker error")
	}
	app.Logger.Info().Msg("Worker exited")
}

// newPublisher picks the Redis Streams bus when Redis is configured and a
// log-only publisher otherwise.
func newPublisher(app *bootstrap.App) outbox.Publisher {
	if app.Redis != nil {
		cfg := app.Config
		return infraRedis.NewStreamPublisher(app.Redis, infraRedis.PublisherConfig{
			StreamPrefix:     cfg.Worker.TopicStreamPrefix,
			MaxLen:           cfg.Bus.MaxStreamLen,
			BreakerThreshold: uint32(cfg.Bus.CircuitBreakerThreshold),
			BreakerTimeout:   cfg.Bus.CircuitBreakerTimeout,
		}, app.Metrics, app.Logger)
	}

	logger := app.Logger.With().Str("component", "log_publisher").Logger()
	return outbox.PublisherFunc(func(_ context.Context, msg domainOutbox.Message, topic string) error {
		logger.Info().
			Str("topic", topic).
			Str("event_id", msg.Meta.EventID).
			Str("event_type", msg.Meta.EventType).
			Msg("event published")
		return nil
	})
}
