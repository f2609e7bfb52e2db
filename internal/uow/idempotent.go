package uow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cassiomorais/memorytx/internal/domain/idempotency"
)

// IdempotentResult is the outcome of ExecuteIdempotent. Result holds the JSON
// encoded return value, either fresh or from the cache.
type IdempotentResult struct {
	Key          string
	Result       json.RawMessage
	WasDuplicate bool
}

// Decode unmarshals the cached or fresh result into dst.
func (r *IdempotentResult) Decode(dst any) error {
	return json.Unmarshal(r.Result, dst)
}

type idempotentCall struct {
	requestID string
	actorID   string
	ttl       time.Duration
}

type IdempotentOption func(*idempotentCall)

func WithRequestID(id string) IdempotentOption {
	return func(c *idempotentCall) { c.requestID = id }
}

func WithActorID(id string) IdempotentOption {
	return func(c *idempotentCall) { c.actorID = id }
}

// WithTTL overrides the default TTL for the stored result.
func WithTTL(ttl time.Duration) IdempotentOption {
	return func(c *idempotentCall) { c.ttl = ttl }
}

// ExecuteIdempotent runs fn at most once per (operation, payload) while the
// cached result is live. The lookup and the cache write go through the
// shared transaction, so a rolled back unit of work caches nothing.
func (u *UnitOfWork) ExecuteIdempotent(
	ctx context.Context,
	operation string,
	payload any,
	fn func(ctx context.Context) (any, error),
	opts ...IdempotentOption,
) (*IdempotentResult, error) {
	if u.idem == nil {
		return nil, fmt.Errorf("unit of work %s has no idempotency store", u.id)
	}
	txCtx, err := u.Bind(ctx)
	if err != nil {
		return nil, err
	}

	call := idempotentCall{ttl: u.idemTTL}
	for _, opt := range opts {
		opt(&call)
	}

	key, err := idempotency.GenerateKey(operation, payload)
	if err != nil {
		return nil, err
	}

	cached, err := u.idem.Check(txCtx, key)
	if err != nil {
		return nil, fmt.Errorf("check idempotency key: %w", err)
	}
	if cached != nil {
		u.metrics.IdempotencyLookup(true)
		u.logger.Debug().Str("operation", operation).Str("key", key).Msg("duplicate operation, returning cached result")
		return &IdempotentResult{Key: key, Result: cached.Result, WasDuplicate: true}, nil
	}
	u.metrics.IdempotencyLookup(false)

	value, err := fn(txCtx)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal operation result: %w", err)
	}

	if _, err := u.idem.Store(txCtx, idempotency.StoreParams{
		Key:       key,
		Operation: operation,
		Payload:   payload,
		Result:    raw,
		RequestID: call.requestID,
		ActorID:   call.actorID,
		TTL:       call.ttl,
	}); err != nil {
		return nil, fmt.Errorf("store idempotency key: %w", err)
	}

	return &IdempotentResult{Key: key, Result: raw, WasDuplicate: false}, nil
}
