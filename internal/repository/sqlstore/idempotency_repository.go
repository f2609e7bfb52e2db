package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cassiomorais/memorytx/internal/database"
	"github.com/cassiomorais/memorytx/internal/domain/idempotency"
)

// IdempotencyRepository is the IdempotencyStore backed by idempotency_keys.
type IdempotencyRepository struct {
	db         *database.DB
	defaultTTL time.Duration
	now        func() time.Time
}

type IdempotencyOption func(*IdempotencyRepository)

// WithDefaultTTL sets the TTL used when StoreParams.TTL is zero.
func WithDefaultTTL(ttl time.Duration) IdempotencyOption {
	return func(r *IdempotencyRepository) {
		if ttl > 0 {
			r.defaultTTL = ttl
		}
	}
}

func WithIdempotencyClock(now func() time.Time) IdempotencyOption {
	return func(r *IdempotencyRepository) { r.now = now }
}

func NewIdempotencyRepository(db *database.DB, opts ...IdempotencyOption) *IdempotencyRepository {
	r := &IdempotencyRepository{
		db:         db,
		defaultTTL: idempotency.DefaultTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *IdempotencyRepository) q(ctx context.Context) database.Querier {
	return database.QuerierFrom(ctx, r.db)
}

// Check returns the live record for key, or nil. Expired rows are left for
// CleanupExpired.
func (r *IdempotencyRepository) Check(ctx context.Context, key string) (*idempotency.Record, error) {
	var (
		rec                  idempotency.Record
		result               string
		requestID, actorID   sql.NullString
		createdAt, expiresAt float64
	)
	err := r.q(ctx).QueryRowContext(ctx,
		`SELECT key, operation, payload_hash, result, request_id, actor_id, created_at, expires_at
		 FROM idempotency_keys WHERE key = ? AND expires_at > ?`,
		key, database.ToEpoch(r.now()),
	).Scan(&rec.Key, &rec.Operation, &rec.PayloadHash, &result, &requestID, &actorID, &createdAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // not found
		}
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}

	rec.Result = []byte(result)
	rec.RequestID = requestID.String
	rec.ActorID = actorID.String
	rec.CreatedAt = database.FromEpoch(createdAt)
	rec.ExpiresAt = database.FromEpoch(expiresAt)
	return &rec, nil
}

// Store inserts the record, replacing any row (live or expired) with the
// same key.
func (r *IdempotencyRepository) Store(ctx context.Context, p idempotency.StoreParams) (*idempotency.Record, error) {
	payloadHash, err := idempotency.PayloadHash(p.Payload)
	if err != nil {
		return nil, err
	}
	ttl := p.TTL
	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	result := p.Result
	if len(result) == 0 {
		result = []byte("null")
	}

	now := r.now()
	rec := &idempotency.Record{
		Key:         p.Key,
		Operation:   p.Operation,
		PayloadHash: payloadHash,
		Result:      result,
		RequestID:   p.RequestID,
		ActorID:     p.ActorID,
		CreatedAt:   database.FromEpoch(database.ToEpoch(now)),
		ExpiresAt:   database.FromEpoch(database.ToEpoch(now.Add(ttl))),
	}

	_, err = r.q(ctx).ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, operation, payload_hash, result, request_id, actor_id, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET
		     operation = excluded.operation,
		     payload_hash = excluded.payload_hash,
		     result = excluded.result,
		     request_id = excluded.request_id,
		     actor_id = excluded.actor_id,
		     created_at = excluded.created_at,
		     expires_at = excluded.expires_at`,
		rec.Key, rec.Operation, rec.PayloadHash, string(rec.Result),
		database.NullString(rec.RequestID), database.NullString(rec.ActorID),
		database.ToEpoch(rec.CreatedAt), database.ToEpoch(rec.ExpiresAt),
	)
	if err != nil {
		return nil, fmt.Errorf("set idempotency key: %w", err)
	}
	return rec, nil
}

// CleanupExpired deletes every row with expires_at <= now.
func (r *IdempotencyRepository) CleanupExpired(ctx context.Context) (int64, error) {
	res, err := r.q(ctx).ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE expires_at <= ?`, database.ToEpoch(r.now()),
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup idempotency keys: %w", err)
	}
	return res.RowsAffected()
}

// CountByOperation reports live cached results for operation.
func (r *IdempotencyRepository) CountByOperation(ctx context.Context, operation string) (int64, error) {
	var n int64
	err := r.q(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM idempotency_keys WHERE operation = ? AND expires_at > ?`,
		operation, database.ToEpoch(r.now()),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count idempotency keys: %w", err)
	}
	return n, nil
}
