package outbox_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cassiomorais/memorytx/internal/database"
	domainOutbox "github.com/cassiomorais/memorytx/internal/domain/outbox"
	"github.com/cassiomorais/memorytx/internal/outbox"
	"github.com/cassiomorais/memorytx/internal/repository/sqlstore"
	"github.com/cassiomorais/memorytx/internal/testutil"
	"github.com/cassiomorais/memorytx/internal/uow"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type harness struct {
	db       *database.DB
	repo     *sqlstore.OutboxRepository
	receipts *sqlstore.ReceiptRepository
	manager  *uow.Manager
	pub      *testutil.StubPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.NewSQLiteDB(t)
	receipts := sqlstore.NewReceiptRepository(db)
	return &harness{
		db:       db,
		repo:     sqlstore.NewOutboxRepository(db),
		receipts: receipts,
		manager:  uow.NewManager(db, receipts),
		pub:      &testutil.StubPublisher{},
	}
}

func testWorkerConfig() outbox.WorkerConfig {
	return outbox.WorkerConfig{
		PollInterval:           10 * time.Millisecond,
		BatchSize:              10,
		MaxRetryAttempts:       5,
		InitialRetryDelay:      time.Second,
		MaxRetryDelay:          10 * time.Second,
		RetryBackoffMultiplier: 2,
		PoisonMessageThreshold: 3,
		WorkerTimeout:          5 * time.Second,
		ShutdownTimeout:        2 * time.Second,
		StartupGracePeriod:     20 * time.Millisecond,
	}
}

func (h *harness) worker(t *testing.T, cfg outbox.WorkerConfig, opts ...outbox.WorkerOption) *outbox.Worker {
	t.Helper()
	w, err := outbox.NewWorker(cfg, h.manager, h.repo, h.pub, opts...)
	require.NoError(t, err)
	return w
}

// writeEvent commits one event through a unit of work and returns its id.
func (h *harness) writeEvent(t *testing.T, in outbox.EventInput) string {
	t.Helper()
	u := h.manager.New("")
	writer, err := outbox.NewWriter(u, h.repo)
	require.NoError(t, err)

	var id string
	require.NoError(t, uow.Run(context.Background(), u, func(ctx context.Context) error {
		id, err = writer.WriteEvent(ctx, in)
		return err
	}))
	return id
}

func (h *harness) insert(t *testing.T, e *domainOutbox.Event) {
	t.Helper()
	require.NoError(t, h.repo.Insert(context.Background(), e))
}
