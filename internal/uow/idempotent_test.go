package uow_test

import (
	"context"
	"errors"
	"testing"

	domainErrors "github.com/cassiomorais/memorytx/internal/domain/errors"
	"github.com/cassiomorais/memorytx/internal/testutil"
	"github.com/cassiomorais/memorytx/internal/uow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeResult struct {
	RecordID string `json:"record_id"`
	Version  int    `json:"version"`
}

func TestExecuteIdempotent_SuppressesDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	calls := 0

	execute := func(payload map[string]any) *uow.IdempotentResult {
		var res *uow.IdempotentResult
		err := f.manager.Do(ctx, func(ctx context.Context, u *uow.UnitOfWork) error {
			var err error
			res, err = u.ExecuteIdempotent(ctx, "store_episode", payload, func(ctx context.Context) (any, error) {
				calls++
				return storeResult{RecordID: "ep-1", Version: calls}, nil
			}, uow.WithRequestID("req-1"), uow.WithActorID("user-7"))
			return err
		})
		require.NoError(t, err)
		return res
	}

	first := execute(map[string]any{"text": "hello", "space": "s1"})
	second := execute(map[string]any{"space": "s1", "text": "hello"})

	assert.Equal(t, 1, calls)
	assert.False(t, first.WasDuplicate)
	assert.True(t, second.WasDuplicate)
	assert.Equal(t, first.Key, second.Key)
	assert.JSONEq(t, string(first.Result), string(second.Result))

	var decoded storeResult
	require.NoError(t, second.Decode(&decoded))
	assert.Equal(t, storeResult{RecordID: "ep-1", Version: 1}, decoded)

	rec, err := f.idem.Check(ctx, first.Key)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "store_episode", rec.Operation)
	assert.Equal(t, "req-1", rec.RequestID)
	assert.Equal(t, "user-7", rec.ActorID)
}

func TestExecuteIdempotent_DifferentPayloadRunsAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	calls := 0

	for _, text := range []string{"a", "b"} {
		err := f.manager.Do(ctx, func(ctx context.Context, u *uow.UnitOfWork) error {
			res, err := u.ExecuteIdempotent(ctx, "store_episode", map[string]string{"text": text},
				func(ctx context.Context) (any, error) {
					calls++
					return text, nil
				})
			if err != nil {
				return err
			}
			assert.False(t, res.WasDuplicate)
			return nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, calls)
}

func TestExecuteIdempotent_RolledBackResultIsNotCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	calls := 0
	later := errors.New("later step failed")

	run := func(fail bool) error {
		return f.manager.Do(ctx, func(ctx context.Context, u *uow.UnitOfWork) error {
			_, err := u.ExecuteIdempotent(ctx, "op", map[string]int{"n": 1}, func(ctx context.Context) (any, error) {
				calls++
				return calls, nil
			})
			if err != nil {
				return err
			}
			if fail {
				return later
			}
			return nil
		})
	}

	assert.Same(t, later, run(true))
	require.NoError(t, run(false))
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, testutil.CountRows(t, f.db, "idempotency_keys"))
}

func TestExecuteIdempotent_OperationErrorIsNotCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	opErr := errors.New("upstream refused")

	err := f.manager.Do(ctx, func(ctx context.Context, u *uow.UnitOfWork) error {
		_, err := u.ExecuteIdempotent(ctx, "op", "payload", func(ctx context.Context) (any, error) {
			return nil, opErr
		})
		return err
	})

	assert.Same(t, opErr, err)
	assert.Equal(t, 0, testutil.CountRows(t, f.db, "idempotency_keys"))
}

func TestExecuteIdempotent_RequiresActiveScope(t *testing.T) {
	f := newFixture(t)
	u := f.manager.New("")

	_, err := u.ExecuteIdempotent(context.Background(), "op", nil, func(ctx context.Context) (any, error) {
		t.Fatal("must not run")
		return nil, nil
	})
	assert.ErrorIs(t, err, domainErrors.ErrActiveContext)
}

func TestExecuteIdempotent_WithoutStore(t *testing.T) {
	f := newFixture(t)
	u := uow.New(f.db, uow.Options{Receipts: f.receipts})
	ctx := context.Background()

	_, err := u.Begin(ctx)
	require.NoError(t, err)
	defer u.Rollback(ctx, nil)

	_, err = u.ExecuteIdempotent(ctx, "op", nil, func(ctx context.Context) (any, error) { return nil, nil })
	assert.Error(t, err)
}

func TestExecuteIdempotent_MockStore(t *testing.T) {
	f := newFixture(t)
	store := testutil.NewMockIdempotencyStore()
	manager := uow.NewManager(f.db, f.receipts, uow.WithIdempotency(store, 0))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, manager.Do(ctx, func(ctx context.Context, u *uow.UnitOfWork) error {
			_, err := u.ExecuteIdempotent(ctx, "op", []int{1, 2, 3}, func(ctx context.Context) (any, error) {
				return "ok", nil
			}, uow.WithTTL(0))
			return err
		}))
	}
	assert.Equal(t, 1, store.Len())
}
