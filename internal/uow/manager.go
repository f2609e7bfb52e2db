package uow

import (
	"context"
	"fmt"
	"time"

	"github.com/cassiomorais/memorytx/internal/database"
	"github.com/cassiomorais/memorytx/internal/domain/idempotency"
	"github.com/cassiomorais/memorytx/internal/infrastructure/observability"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Manager builds units of work that share a database, receipts store,
// idempotency store and telemetry.
type Manager struct {
	db       *database.DB
	receipts ReceiptAppender
	idem     idempotency.Store
	idemTTL  time.Duration
	logger   zerolog.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer
	clock    func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

func WithIdempotency(store idempotency.Store, ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		m.idem = store
		m.idemTTL = ttl
	}
}

func WithLogger(logger zerolog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

func WithMetrics(metrics *observability.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

func WithTracer(tracer trace.Tracer) ManagerOption {
	return func(m *Manager) { m.tracer = tracer }
}

func WithClock(clock func() time.Time) ManagerOption {
	return func(m *Manager) { m.clock = clock }
}

func NewManager(db *database.DB, receipts ReceiptAppender, opts ...ManagerOption) *Manager {
	m := &Manager{
		db:       db,
		receipts: receipts,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DB returns the shared database handle.
func (m *Manager) DB() *database.DB { return m.db }

// New creates a unit of work. envelopeID may be empty.
func (m *Manager) New(envelopeID string) *UnitOfWork {
	logger := m.logger
	return New(m.db, Options{
		EnvelopeID:     envelopeID,
		Receipts:       m.receipts,
		Idempotency:    m.idem,
		IdempotencyTTL: m.idemTTL,
		Logger:         &logger,
		Metrics:        m.metrics,
		Tracer:         m.tracer,
		Clock:          m.clock,
	})
}

// Do registers stores on a fresh unit of work and runs fn inside it.
func (m *Manager) Do(ctx context.Context, fn func(ctx context.Context, u *UnitOfWork) error, stores ...Store) error {
	u := m.New("")
	for _, s := range stores {
		if err := u.RegisterStore(s); err != nil {
			return err
		}
	}
	return Run(ctx, u, func(ctx context.Context) error {
		return fn(ctx, u)
	})
}

// Run enters the scope of u, calls fn with the transaction context and leaves
// the scope: commit when fn succeeds, rollback and return fn's error when it
// fails, rollback and re-panic when it panics.
func Run(ctx context.Context, u *UnitOfWork, fn func(ctx context.Context) error) (err error) {
	txCtx, err := u.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = u.Rollback(ctx, fmt.Errorf("panic: %v", p))
			panic(p)
		}
	}()

	if err := fn(txCtx); err != nil {
		// Rollback failures are logged by the unit of work; the caller sees fn's error.
		_ = u.Rollback(ctx, err)
		return err
	}
	return u.Commit(ctx)
}
