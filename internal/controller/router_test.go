package controller_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cassiomorais/memorytx/internal/controller"
	"github.com/cassiomorais/memorytx/internal/database"
	"github.com/cassiomorais/memorytx/internal/domain/idempotency"
	"github.com/cassiomorais/memorytx/internal/infrastructure/config"
	"github.com/cassiomorais/memorytx/internal/infrastructure/observability"
	"github.com/cassiomorais/memorytx/internal/outbox"
	"github.com/cassiomorais/memorytx/internal/repository/sqlstore"
	"github.com/cassiomorais/memorytx/internal/testutil"
	"github.com/cassiomorais/memorytx/internal/uow"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type adminFixture struct {
	db      *database.DB
	outbox  *sqlstore.OutboxRepository
	keys    *sqlstore.IdempotencyRepository
	manager *uow.Manager
	worker  *outbox.Worker
	pub     *testutil.StubPublisher
	router  http.Handler
}

func newAdminFixture(t *testing.T, redisClient redis.Cmdable, opts ...func(*controller.RouterDeps)) *adminFixture {
	t.Helper()
	db := testutil.NewSQLiteDB(t)
	receipts := sqlstore.NewReceiptRepository(db)
	f := &adminFixture{
		db:      db,
		outbox:  sqlstore.NewOutboxRepository(db),
		keys:    sqlstore.NewIdempotencyRepository(db),
		manager: uow.NewManager(db, receipts),
		pub:     &testutil.StubPublisher{},
	}

	cfg := outbox.DefaultWorkerConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.StartupGracePeriod = 10 * time.Millisecond
	w, err := outbox.NewWorker(cfg, f.manager, f.outbox, f.pub)
	require.NoError(t, err)
	f.worker = w

	reg := prometheus.NewRegistry()
	deps := controller.RouterDeps{
		DB:                 db,
		Worker:             w,
		Receipts:           receipts,
		Idempotency:        f.keys,
		IdempotencyTTL:     time.Hour,
		Metrics:            observability.NewMetrics("memorytx", reg),
		Gatherer:           reg,
		CORSConfig:         config.CORSConfig{AllowedOrigins: []string{"*"}},
		Logger:             zerolog.Nop(),
		ProcessedRetention: 24 * time.Hour,
		RetryLimit:         100,
	}
	if redisClient != nil {
		deps.RedisClient = redisClient
	}
	for _, opt := range opts {
		opt(&deps)
	}
	f.router = controller.NewRouter(deps)
	return f
}

func (f *adminFixture) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *adminFixture) writeEvent(t *testing.T) string {
	t.Helper()
	u := f.manager.New("")
	writer, err := outbox.NewWriter(u, f.outbox)
	require.NoError(t, err)

	var id string
	require.NoError(t, uow.Run(context.Background(), u, func(ctx context.Context) error {
		id, err = writer.WriteEvent(ctx, outbox.EventInput{AggregateID: "mem-1", EventType: "memory.created"})
		return err
	}))
	return id
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func TestHealth_ReflectsWorkerState(t *testing.T) {
	f := newAdminFixture(t, nil)
	ctx := context.Background()

	w := f.do(t, "GET", "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, outbox.WorkerStopped, decode[outbox.Health](t, w).Status)

	require.NoError(t, f.worker.Start(ctx))
	defer f.worker.Stop(ctx)

	w = f.do(t, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	health := decode[outbox.Health](t, w)
	assert.Equal(t, outbox.WorkerRunning, health.Status)
	assert.True(t, health.Running)
	assert.Equal(t, 10, health.Config.BatchSize)
}

func TestLivenessAndReadiness(t *testing.T) {
	f := newAdminFixture(t, nil)

	assert.Equal(t, http.StatusOK, f.do(t, "GET", "/health/live", "").Code)

	w := f.do(t, "GET", "/health/ready", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ready", decode[map[string]string](t, w)["status"])
}

func TestReadiness_RedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	f := newAdminFixture(t, client)

	assert.Equal(t, http.StatusOK, f.do(t, "GET", "/health/ready", "").Code)

	mr.Close()
	w := f.do(t, "GET", "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "redis unavailable", decode[map[string]string](t, w)["reason"])
}

func TestOutboxStats(t *testing.T) {
	f := newAdminFixture(t, nil)
	f.writeEvent(t)
	f.writeEvent(t)

	w := f.do(t, "GET", "/admin/outbox/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	stats := decode[controller.OutboxStatsResponse](t, w)
	assert.Equal(t, int64(2), stats.Counts["PENDING"])
	assert.Equal(t, int64(0), stats.Counts["POISONED"])
	assert.Equal(t, outbox.WorkerStopped, stats.Worker.Status)
}

func TestProcessEvent(t *testing.T) {
	f := newAdminFixture(t, nil)
	id := f.writeEvent(t)

	w := f.do(t, "POST", "/admin/outbox/events/"+id+"/process", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[controller.ProcessEventResponse](t, w)
	assert.Equal(t, id, resp.EventID)
	assert.Equal(t, outbox.ResultSucceeded, resp.Result)
	assert.Equal(t, 1, f.pub.Attempts())

	w = f.do(t, "POST", "/admin/outbox/events/"+id+"/process", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "event_terminal", decode[controller.ErrorResponse](t, w).Code)

	w = f.do(t, "POST", "/admin/outbox/events/missing/process", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRetryFailed(t *testing.T) {
	f := newAdminFixture(t, nil)
	ctx := context.Background()
	f.pub.SetErr(errors.New("bus down"))
	f.writeEvent(t)
	f.writeEvent(t)
	_, err := f.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	f.pub.SetErr(nil)

	w := f.do(t, "POST", "/admin/outbox/retry-failed", `{"limit":1}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[controller.RetryFailedResponse](t, w).Retried)

	w = f.do(t, "POST", "/admin/outbox/retry-failed", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[controller.RetryFailedResponse](t, w).Retried)

	w = f.do(t, "POST", "/admin/outbox/retry-failed", `{"limit":-1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", decode[controller.ErrorResponse](t, w).Code)
}

func TestCleanup_ReplaysWithIdempotencyKey(t *testing.T) {
	f := newAdminFixture(t, nil)
	ctx := context.Background()

	old := testutil.NewTestEvent("a", "t")
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, f.outbox.Insert(ctx, old))
	require.NoError(t, f.outbox.MarkProcessed(ctx, old.ID, time.Now()))

	first := f.do(t, "POST", "/admin/outbox/cleanup", `{"older_than_hours":1}`, "Idempotency-Key", "cleanup-1")
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, int64(1), decode[controller.CleanupResponse](t, first).Deleted)

	second := f.do(t, "POST", "/admin/outbox/cleanup", `{"older_than_hours":1}`, "Idempotency-Key", "cleanup-1")
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get("X-Idempotency-Replayed"))
	assert.Equal(t, int64(1), decode[controller.CleanupResponse](t, second).Deleted)

	third := f.do(t, "POST", "/admin/outbox/cleanup", `{"older_than_hours":1}`)
	assert.Equal(t, int64(0), decode[controller.CleanupResponse](t, third).Deleted)
}

func TestIdempotencyCleanup(t *testing.T) {
	f := newAdminFixture(t, nil)
	ctx := context.Background()

	_, err := f.keys.Store(ctx, idempotency.StoreParams{Key: "short", Operation: "op", Payload: 1, TTL: time.Millisecond})
	require.NoError(t, err)
	_, err = f.keys.Store(ctx, idempotency.StoreParams{Key: "long", Operation: "op", Payload: 2, TTL: time.Hour})
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	w := f.do(t, "POST", "/admin/idempotency/cleanup", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(1), decode[controller.CleanupResponse](t, w).Deleted)
}

func TestGetReceipt(t *testing.T) {
	f := newAdminFixture(t, nil)
	ctx := context.Background()

	u := f.manager.New("env-7")
	writer, err := outbox.NewWriter(u, f.outbox)
	require.NoError(t, err)
	require.NoError(t, uow.Run(ctx, u, func(ctx context.Context) error {
		_, err := writer.WriteEvent(ctx, outbox.EventInput{AggregateID: "a", EventType: "t"})
		return err
	}))

	w := f.do(t, "GET", "/admin/receipts/"+u.ID(), "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[controller.ReceiptResponse](t, w)
	assert.True(t, resp.IntegrityValid)
	assert.Equal(t, "env-7", resp.Receipt.EnvelopeID)
	assert.True(t, resp.Receipt.Committed)
	require.Len(t, resp.Receipt.Stores, 1)
	assert.Equal(t, "outbox", resp.Receipt.Stores[0].Name)

	w = f.do(t, "GET", "/admin/receipts/unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAdminFixture(t, nil)
	f.do(t, "GET", "/health/live", "")

	w := f.do(t, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "memorytx_http_requests_total")
}

func TestAdmin_RequiresOperatorToken(t *testing.T) {
	const secret = "s3cret"
	f := newAdminFixture(t, nil, func(d *controller.RouterDeps) { d.AdminJWTSecret = secret })
	ctx := context.Background()

	assert.Equal(t, http.StatusOK, f.do(t, "GET", "/health/live", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, "GET", "/admin/outbox/stats", "").Code)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"actor_id": "ops-1"}).SignedString([]byte(secret))
	require.NoError(t, err)
	bearer := "Bearer " + token

	w := f.do(t, "POST", "/admin/idempotency/cleanup", "", "Authorization", bearer, "Idempotency-Key", "purge-1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	n, err := f.keys.CountByOperation(ctx, "http:POST /admin/idempotency/cleanup")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAdmin_RateLimited(t *testing.T) {
	f := newAdminFixture(t, nil, func(d *controller.RouterDeps) { d.RateLimitPerMinute = 1 })

	assert.Equal(t, http.StatusOK, f.do(t, "GET", "/admin/outbox/stats", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, f.do(t, "GET", "/admin/outbox/stats", "").Code)
	assert.Equal(t, http.StatusOK, f.do(t, "GET", "/health/live", "").Code)
}
