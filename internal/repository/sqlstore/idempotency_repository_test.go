package sqlstore_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cassiomorais/memorytx/internal/domain/idempotency"
	"github.com/cassiomorais/memorytx/internal/repository/sqlstore"
	"github.com/cassiomorais/memorytx/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeParams(t *testing.T, op string, payload any, ttl time.Duration) idempotency.StoreParams {
	t.Helper()
	key, err := idempotency.GenerateKey(op, payload)
	require.NoError(t, err)
	return idempotency.StoreParams{
		Key:       key,
		Operation: op,
		Payload:   payload,
		Result:    json.RawMessage(`{"record_id":"r-1"}`),
		RequestID: "req-1",
		TTL:       ttl,
	}
}

func TestIdempotencyRepository_StoreAndCheck(t *testing.T) {
	repo := sqlstore.NewIdempotencyRepository(testutil.NewSQLiteDB(t))
	ctx := context.Background()

	p := storeParams(t, "store_episode", map[string]string{"text": "hi"}, time.Hour)
	stored, err := repo.Store(ctx, p)
	require.NoError(t, err)

	got, err := repo.Check(ctx, p.Key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, p.Key, got.Key)
	assert.Equal(t, "store_episode", got.Operation)
	assert.Equal(t, stored.PayloadHash, got.PayloadHash)
	assert.JSONEq(t, `{"record_id":"r-1"}`, string(got.Result))
	assert.Equal(t, "req-1", got.RequestID)
	assert.Empty(t, got.ActorID)
	assert.Equal(t, stored.ExpiresAt, got.ExpiresAt)
	assert.WithinDuration(t, got.CreatedAt.Add(time.Hour), got.ExpiresAt, time.Millisecond)
}

func TestIdempotencyRepository_CheckMissingKey(t *testing.T) {
	repo := sqlstore.NewIdempotencyRepository(testutil.NewSQLiteDB(t))
	got, err := repo.Check(context.Background(), "nope")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestIdempotencyRepository_ShortTTLExpires(t *testing.T) {
	repo := sqlstore.NewIdempotencyRepository(testutil.NewSQLiteDB(t))
	ctx := context.Background()

	p := storeParams(t, "op", "payload", time.Second)
	_, err := repo.Store(ctx, p)
	require.NoError(t, err)

	got, err := repo.Check(ctx, p.Key)
	require.NoError(t, err)
	require.NotNil(t, got)

	time.Sleep(1100 * time.Millisecond)

	got, err = repo.Check(ctx, p.Key)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestIdempotencyRepository_DefaultTTL(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	repo := sqlstore.NewIdempotencyRepository(testutil.NewSQLiteDB(t),
		sqlstore.WithDefaultTTL(10*time.Minute),
		sqlstore.WithIdempotencyClock(func() time.Time { return now }),
	)

	rec, err := repo.Store(context.Background(), storeParams(t, "op", 1, 0))
	require.NoError(t, err)
	assert.Equal(t, now.Add(10*time.Minute), rec.ExpiresAt)
}

func TestIdempotencyRepository_CleanupRemovesOnlyExpired(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	now := time.Now()
	clock := func() time.Time { return now }
	repo := sqlstore.NewIdempotencyRepository(db, sqlstore.WithIdempotencyClock(clock))
	ctx := context.Background()

	short := storeParams(t, "op", "short", time.Minute)
	long := storeParams(t, "op", "long", time.Hour)
	_, err := repo.Store(ctx, short)
	require.NoError(t, err)
	_, err = repo.Store(ctx, long)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)

	n, err := repo.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, testutil.CountRows(t, db, "idempotency_keys"))

	got, err := repo.Check(ctx, long.Key)
	require.NoError(t, err)
	assert.NotNil(t, got)

	count, err := repo.CountByOperation(ctx, "op")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestIdempotencyRepository_StoreOverwritesExistingKey(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	now := time.Now()
	repo := sqlstore.NewIdempotencyRepository(db, sqlstore.WithIdempotencyClock(func() time.Time { return now }))
	ctx := context.Background()

	p := storeParams(t, "op", "same", time.Minute)
	_, err := repo.Store(ctx, p)
	require.NoError(t, err)

	now = now.Add(5 * time.Minute)
	p.Result = json.RawMessage(`{"record_id":"r-2"}`)
	_, err = repo.Store(ctx, p)
	require.NoError(t, err)

	got, err := repo.Check(ctx, p.Key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.JSONEq(t, `{"record_id":"r-2"}`, string(got.Result))
	assert.Equal(t, 1, testutil.CountRows(t, db, "idempotency_keys"))
}

func TestIdempotencyRepository_NilResultStoredAsNull(t *testing.T) {
	repo := sqlstore.NewIdempotencyRepository(testutil.NewSQLiteDB(t))
	ctx := context.Background()

	p := storeParams(t, "op", "x", time.Hour)
	p.Result = nil
	_, err := repo.Store(ctx, p)
	require.NoError(t, err)

	got, err := repo.Check(ctx, p.Key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "null", string(got.Result))
}
