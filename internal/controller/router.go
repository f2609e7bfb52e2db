package controller

import (
	"fmt"
	"net/http"
	"time"

	"github.com/cassiomorais/memorytx/internal/domain/idempotency"
	"github.com/cassiomorais/memorytx/internal/infrastructure/config"
	"github.com/cassiomorais/memorytx/internal/infrastructure/observability"
	customMW "github.com/cassiomorais/memorytx/internal/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type RouterDeps struct {
	DB             Pinger
	RedisClient    redis.Cmdable
	Worker         OutboxOperator
	Receipts       ReceiptReader
	Idempotency    idempotency.Store
	IdempotencyTTL time.Duration
	Metrics        *observability.Metrics
	Gatherer       prometheus.Gatherer
	CORSConfig     config.CORSConfig
	Logger         zerolog.Logger

	// ProcessedRetention is the cleanup age used when a request names none.
	ProcessedRetention time.Duration
	// RetryLimit caps retry-failed requests that name no limit.
	RetryLimit         int
	// AdminJWTSecret, when set, requires an operator bearer token on /admin.
	AdminJWTSecret     string
	// RateLimitPerMinute throttles /admin per operator or client IP; 0 disables it.
	RateLimitPerMinute int
}

func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(customMW.Tracing())
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.CORSConfig.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", customMW.IdempotencyKeyHeader},
		ExposedHeaders:   []string{customMW.IdempotencyReplayedHeader},
		AllowCredentials: deps.CORSConfig.AllowCredentials,
		MaxAge:           300,
	}))
	r.Use(customMW.SecurityHeaders())
	r.Use(customMW.Metrics(deps.Metrics))

	healthH := NewHealthController(deps.DB, deps.RedisClient, deps.Worker)
	outboxH := NewOutboxController(deps.Worker, deps.ProcessedRetention, deps.RetryLimit)
	adminH := NewAdminController(deps.Receipts, deps.Idempotency, deps.Metrics)

	r.Get("/health", healthH.Health)
	r.Get("/health/live", healthH.Liveness)
	r.Get("/health/ready", healthH.Readiness)

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/admin", func(r chi.Router) {
		if deps.AdminJWTSecret != "" {
			r.Use(customMW.RequireOperator(deps.AdminJWTSecret))
		}
		if deps.RateLimitPerMinute > 0 {
			r.Use(customMW.RateLimit(deps.RateLimitPerMinute))
		}

		// Operator POSTs replay their first response per Idempotency-Key.
		idempotencyMW := customMW.Idempotency(deps.Idempotency, deps.IdempotencyTTL, deps.Logger)

		r.Get("/outbox/stats", outboxH.Stats)
		r.With(idempotencyMW).Post("/outbox/events/{id}/process", outboxH.ProcessEvent)
		r.With(idempotencyMW).Post("/outbox/retry-failed", outboxH.RetryFailed)
		r.With(idempotencyMW).Post("/outbox/cleanup", outboxH.Cleanup)
		r.With(idempotencyMW).Post("/idempotency/cleanup", adminH.CleanupIdempotencyKeys)

		r.Get("/receipts/{uow_id}", adminH.GetReceipt)
	})

	return r
}

// NewServer builds the admin HTTP server from config.
func NewServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
