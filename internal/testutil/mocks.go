package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cassiomorais/memorytx/internal/database"
	"github.com/cassiomorais/memorytx/internal/domain/idempotency"
	"github.com/cassiomorais/memorytx/internal/domain/outbox"
	"github.com/cassiomorais/memorytx/internal/uow"
	"github.com/stretchr/testify/require"
)

// --- Recording Store ---

// RecordingStore is a domain store backed by its own table. It records every
// hook call and lets tests inject failures per phase.
type RecordingStore struct {
	name  string
	table string
	db    *database.DB

	mu    sync.Mutex
	calls []string

	BeginFunc      func(ctx context.Context, tx *database.Tx) error
	CommitFunc     func(ctx context.Context, tx *database.Tx) error
	RollbackFunc   func(ctx context.Context, tx *database.Tx) error
	CompensateFunc func(ctx context.Context, recordIDs []string) error
}

// NewRecordingStore creates the store's table <name>_records in db.
func NewRecordingStore(t testing.TB, db *database.DB, name string) *RecordingStore {
	t.Helper()
	table := name + "_records"
	_, err := db.ExecContext(context.Background(),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (id TEXT NOT NULL PRIMARY KEY, content TEXT NOT NULL)`, table))
	require.NoError(t, err)
	return &RecordingStore{name: name, table: table, db: db}
}

func (s *RecordingStore) Name() string { return s.name }

func (s *RecordingStore) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

// Calls returns the hook calls seen so far, e.g. "begin", "commit".
func (s *RecordingStore) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *RecordingStore) BeginTransaction(ctx context.Context, tx *database.Tx) error {
	s.record("begin")
	if s.BeginFunc != nil {
		return s.BeginFunc(ctx, tx)
	}
	return nil
}

func (s *RecordingStore) CommitTransaction(ctx context.Context, tx *database.Tx) error {
	s.record("commit")
	if s.CommitFunc != nil {
		return s.CommitFunc(ctx, tx)
	}
	return nil
}

func (s *RecordingStore) RollbackTransaction(ctx context.Context, tx *database.Tx) error {
	s.record("rollback")
	if s.RollbackFunc != nil {
		return s.RollbackFunc(ctx, tx)
	}
	return nil
}

// Put writes a record through the unit of work's transaction and tracks it.
func (s *RecordingStore) Put(ctx context.Context, u *uow.UnitOfWork, id, content string) error {
	tx, err := u.Conn()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, content) VALUES (?, ?)`, s.table), id, content); err != nil {
		return err
	}
	return u.TrackWrite(s.name, id)
}

// Count reads the committed row count from the pool.
func (s *RecordingStore) Count(t testing.TB) int {
	t.Helper()
	return CountRows(t, s.db, s.table)
}

// CompensatingStore is a RecordingStore that also implements uow.Compensator.
type CompensatingStore struct {
	*RecordingStore

	compensated [][]string
}

func NewCompensatingStore(t testing.TB, db *database.DB, name string) *CompensatingStore {
	return &CompensatingStore{RecordingStore: NewRecordingStore(t, db, name)}
}

func (s *CompensatingStore) Compensate(ctx context.Context, recordIDs []string) error {
	s.record("compensate")
	s.mu.Lock()
	s.compensated = append(s.compensated, recordIDs)
	s.mu.Unlock()
	if s.CompensateFunc != nil {
		return s.CompensateFunc(ctx, recordIDs)
	}
	return nil
}

// Compensated returns the record ids passed to each Compensate call.
func (s *CompensatingStore) Compensated() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.compensated...)
}

// TimeoutStore asks the unit of work for a connection timeout.
type TimeoutStore struct {
	*RecordingStore
	Timeout time.Duration
}

func (s *TimeoutStore) ConnectionRequirements() uow.ConnectionRequirements {
	return uow.ConnectionRequirements{Timeout: s.Timeout}
}

// --- Stub Publisher ---

// StubPublisher records published messages and fails while Err is set.
type StubPublisher struct {
	mu       sync.Mutex
	messages []outbox.Message
	topics   []string
	attempts int

	Err         error
	PublishFunc func(ctx context.Context, msg outbox.Message, topic string) error
}

func (p *StubPublisher) Publish(ctx context.Context, msg outbox.Message, topic string) error {
	p.mu.Lock()
	p.attempts++
	fn, err := p.PublishFunc, p.Err
	p.mu.Unlock()

	if fn != nil {
		if err := fn(ctx, msg, topic); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	p.topics = append(p.topics, topic)
	return nil
}

// SetErr changes the failure injected into subsequent publishes.
func (p *StubPublisher) SetErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Err = err
}

func (p *StubPublisher) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

func (p *StubPublisher) Messages() []outbox.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]outbox.Message(nil), p.messages...)
}

func (p *StubPublisher) Topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.topics...)
}

// --- Idempotency Store Mock ---

// MockIdempotencyStore is an in-memory idempotency.Store.
type MockIdempotencyStore struct {
	mu      sync.Mutex
	records map[string]*idempotency.Record
	Now     func() time.Time

	CheckFunc func(ctx context.Context, key string) (*idempotency.Record, error)
	StoreFunc func(ctx context.Context, p idempotency.StoreParams) (*idempotency.Record, error)
}

func NewMockIdempotencyStore() *MockIdempotencyStore {
	return &MockIdempotencyStore{
		records: make(map[string]*idempotency.Record),
		Now:     time.Now,
	}
}

func (m *MockIdempotencyStore) Check(ctx context.Context, key string) (*idempotency.Record, error) {
	if m.CheckFunc != nil {
		return m.CheckFunc(ctx, key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[key]
	if !ok || r.Expired(m.Now()) {
		return nil, nil
	}
	return r, nil
}

func (m *MockIdempotencyStore) Store(ctx context.Context, p idempotency.StoreParams) (*idempotency.Record, error) {
	if m.StoreFunc != nil {
		return m.StoreFunc(ctx, p)
	}
	ttl := p.TTL
	if ttl <= 0 {
		ttl = idempotency.DefaultTTL
	}
	now := m.Now()
	r := &idempotency.Record{
		Key:       p.Key,
		Operation: p.Operation,
		Result:    p.Result,
		RequestID: p.RequestID,
		ActorID:   p.ActorID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[p.Key] = r
	return r, nil
}

func (m *MockIdempotencyStore) CleanupExpired(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, r := range m.records {
		if r.Expired(m.Now()) {
			delete(m.records, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored records, expired or not.
func (m *MockIdempotencyStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
