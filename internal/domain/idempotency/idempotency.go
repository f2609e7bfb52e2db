package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultTTL applies when a caller stores a record without its own TTL.
const DefaultTTL = 24 * time.Hour

// Record is a cached operation result.
type Record struct {
	Key         string
	Operation   string
	PayloadHash string
	Result      json.RawMessage
	RequestID   string
	ActorID     string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the record is no longer served at now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// StoreParams describes a result to cache.
type StoreParams struct {
	Key       string
	Operation string
	Payload   any
	Result    json.RawMessage
	RequestID string
	ActorID   string
	TTL       time.Duration
}

// Store is the idempotency cache. Check ignores expired rows, Store
// overwrites an existing key and CleanupExpired returns the rows removed.
type Store interface {
	Check(ctx context.Context, key string) (*Record, error)
	Store(ctx context.Context, p StoreParams) (*Record, error)
	CleanupExpired(ctx context.Context) (int64, error)
}

// CanonicalJSON re-encodes v with sorted object keys and no insignificant
// whitespace. Numbers keep their literal form.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return out, nil
}

// GenerateKey derives the cache key SHA256(operation || canonical payload)
// as 64 lowercase hex characters.
func GenerateKey(operation string, payload any) (string, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(operation))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// PayloadHash is the hex SHA-256 of the canonical payload alone.
func PayloadHash(payload any) (string, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
