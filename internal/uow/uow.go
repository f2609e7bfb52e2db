package uow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cassiomorais/memorytx/internal/database"
	domainErrors "github.com/cassiomorais/memorytx/internal/domain/errors"
	"github.com/cassiomorais/memorytx/internal/domain/idempotency"
	"github.com/cassiomorais/memorytx/internal/domain/receipt"
	"github.com/cassiomorais/memorytx/internal/infrastructure/observability"
	"github.com/cassiomorais/memorytx/pkg/saga"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusCommitted  Status = "COMMITTED"
	StatusRolledBack Status = "ROLLED_BACK"
)

// ReceiptAppender persists receipts. The committed receipt is appended with
// the transaction context so it commits atomically with the stores.
type ReceiptAppender interface {
	Append(ctx context.Context, r *receipt.WriteReceipt) error
}

// Options configure a unit of work. Only Receipts is required for receipts
// to be persisted; every other field has a usable zero value.
type Options struct {
	EnvelopeID     string
	Receipts       ReceiptAppender
	Idempotency    idempotency.Store
	IdempotencyTTL time.Duration
	Logger         *zerolog.Logger
	Metrics        *observability.Metrics
	Tracer         trace.Tracer
	Clock          func() time.Time
}

type write struct {
	store    string
	recordID string
}

// UnitOfWork binds the registered stores to one physical transaction and
// produces a receipt for the outcome. It must not be shared between
// goroutines.
type UnitOfWork struct {
	id         string
	envelopeID string

	db       *database.DB
	receipts ReceiptAppender
	idem     idempotency.Store
	idemTTL  time.Duration
	logger   zerolog.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer
	now      func() time.Time

	mu          sync.Mutex
	status      Status
	began       bool
	active      bool
	stores      []Store
	writes      []write
	createdTS   time.Time
	committedTS *time.Time
	conn        *sql.Conn
	tx          *database.Tx
	receipt     *receipt.WriteReceipt
}

// New creates a PENDING unit of work with a fresh ULID.
func New(db *database.DB, opts Options) *UnitOfWork {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = observability.Tracer()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	ttl := opts.IdempotencyTTL
	if ttl <= 0 {
		ttl = idempotency.DefaultTTL
	}

	id := ulid.Make().String()
	return &UnitOfWork{
		id:         id,
		envelopeID: opts.EnvelopeID,
		db:         db,
		receipts:   opts.Receipts,
		idem:       opts.Idempotency,
		idemTTL:    ttl,
		logger:     logger.With().Str("uow_id", id).Logger(),
		metrics:    opts.Metrics,
		tracer:     tracer,
		now:        now,
		status:     StatusPending,
		createdTS:  now(),
	}
}

func (u *UnitOfWork) ID() string         { return u.id }
func (u *UnitOfWork) EnvelopeID() string { return u.envelopeID }

func (u *UnitOfWork) Status() Status {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.status
}

// Active reports whether the scope is open: begun and not yet terminal.
func (u *UnitOfWork) Active() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.active
}

// CreatedAt returns when the unit of work was created, or began if it has.
func (u *UnitOfWork) CreatedAt() time.Time {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.createdTS
}

// CommittedAt is nil until the unit of work reaches a terminal state.
func (u *UnitOfWork) CommittedAt() *time.Time {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.committedTS
}

// Receipt returns the receipt built at the terminal transition, or nil.
func (u *UnitOfWork) Receipt() *receipt.WriteReceipt {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.receipt
}

// RegisterStore adds a participant. Registration is closed once Begin has
// been called.
func (u *UnitOfWork) RegisterStore(s Store) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.began {
		return fmt.Errorf("%w: store %s registered after unit of work %s began", domainErrors.ErrRegistration, s.Name(), u.id)
	}
	for _, existing := range u.stores {
		if existing == s {
			return nil
		}
	}
	u.stores = append(u.stores, s)
	return nil
}

// Stores returns the registered stores in registration order.
func (u *UnitOfWork) Stores() []Store {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]Store, len(u.stores))
	copy(out, u.stores)
	return out
}

// TrackWrite records that storeName wrote recordID in this unit of work.
func (u *UnitOfWork) TrackWrite(storeName, recordID string) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.active {
		return fmt.Errorf("%w: track write for %s", domainErrors.ErrActiveContext, storeName)
	}
	u.writes = append(u.writes, write{store: storeName, recordID: recordID})
	return nil
}

// Conn returns the shared transaction.
func (u *UnitOfWork) Conn() (*database.Tx, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.active {
		return nil, fmt.Errorf("%w: get connection", domainErrors.ErrActiveContext)
	}
	return u.tx, nil
}

// Bind returns ctx carrying the shared transaction and this unit of work, so
// repositories called with it join the transaction.
func (u *UnitOfWork) Bind(ctx context.Context) (context.Context, error) {
	tx, err := u.Conn()
	if err != nil {
		return nil, err
	}
	return withUnitOfWork(database.WithTx(ctx, tx), u), nil
}

// Begin checks out one connection, opens the transaction and runs every
// store's begin hook. A failed begin leaves the unit of work ROLLED_BACK with
// a receipt and returns the underlying error unwrapped.
func (u *UnitOfWork) Begin(ctx context.Context) (context.Context, error) {
	u.mu.Lock()
	if u.began {
		u.mu.Unlock()
		return nil, fmt.Errorf("unit of work %s already began", u.id)
	}
	u.began = true
	u.createdTS = u.now()
	stores := append([]Store(nil), u.stores...)
	u.mu.Unlock()

	beginCtx, span := u.tracer.Start(ctx, "uow.begin", trace.WithAttributes(
		attribute.String("uow.id", u.id),
		attribute.Int("uow.stores", len(stores)),
	))
	defer span.End()

	conn, tx, err := u.open(beginCtx, stores)
	if err != nil {
		u.logger.Error().Err(err).Msg("failed to open transaction")
		span.RecordError(err)
		u.finishRollback(beginCtx, nil, err)
		return nil, err
	}

	u.mu.Lock()
	u.conn = conn
	u.tx = tx
	u.active = true
	u.mu.Unlock()

	for _, s := range stores {
		if err := s.BeginTransaction(withUnitOfWork(database.WithTx(beginCtx, tx), u), tx); err != nil {
			u.metrics.StoreFailed(s.Name(), "begin")
			u.logger.Error().Err(err).Str("store", s.Name()).Msg("store failed to begin")
			span.RecordError(err)
			u.rollbackStores(beginCtx, stores, tx)
			u.releaseTx(tx, conn)
			u.finishRollback(beginCtx, nil, domainErrors.NewStoreError(s.Name(), "begin", err))
			return nil, err
		}
	}

	u.logger.Debug().Int("stores", len(stores)).Msg("unit of work began")
	return withUnitOfWork(database.WithTx(ctx, tx), u), nil
}

func (u *UnitOfWork) open(ctx context.Context, stores []Store) (*sql.Conn, *database.Tx, error) {
	if u.db == nil {
		return nil, nil, fmt.Errorf("unit of work %s has no database", u.id)
	}

	acquireCtx := ctx
	if timeout := connectionTimeout(stores); timeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, err := u.db.Conn(acquireCtx)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire connection: %w", err)
	}

	// BeginTx keeps ctx until commit or rollback, so the acquisition
	// timeout must not be passed here.
	sqlTx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("begin transaction: %w", err)
	}
	return conn, database.WrapTx(sqlTx, u.db.Dialect()), nil
}

func connectionTimeout(stores []Store) time.Duration {
	var timeout time.Duration
	for _, s := range stores {
		if r, ok := s.(ConnectionRequirer); ok {
			if t := r.ConnectionRequirements().Timeout; t > timeout {
				timeout = t
			}
		}
	}
	return timeout
}

// Commit runs every store's commit hook in registration order, appends the
// committed receipt inside the transaction and issues COMMIT. If a hook or
// COMMIT fails the unit of work rolls back and the original error is
// returned. Calling Commit on a terminal unit of work is a no-op.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	u.mu.Lock()
	if u.status != StatusPending {
		u.mu.Unlock()
		return nil
	}
	if !u.active {
		u.mu.Unlock()
		return fmt.Errorf("%w: commit %s", domainErrors.ErrNotBegun, u.id)
	}
	stores := append([]Store(nil), u.stores...)
	tx, conn := u.tx, u.conn
	u.mu.Unlock()

	ctx, span := u.tracer.Start(ctx, "uow.commit", trace.WithAttributes(attribute.String("uow.id", u.id)))
	var spanErr error
	defer func() { observability.EndSpan(span, spanErr) }()

	txCtx := withUnitOfWork(database.WithTx(ctx, tx), u)

	commitSaga := saga.New("uow-commit-" + u.id)
	for _, s := range stores {
		commitSaga.AddStep(u.commitStep(ctx, txCtx, tx, s))
	}
	if err := commitSaga.Execute(txCtx); err != nil {
		var sagaErr *saga.Error
		cause := err
		storeName := ""
		if errors.As(err, &sagaErr) {
			cause = sagaErr.Err
			storeName = sagaErr.Step
			if sagaErr.CompensationErr != nil {
				u.logger.Error().Err(sagaErr.CompensationErr).Msg("compensation failed")
			}
			if len(sagaErr.Compensated) > 0 {
				u.logger.Warn().Strs("stores", sagaErr.Compensated).Msg("compensated committed stores")
			}
		}
		u.metrics.StoreFailed(storeName, "commit")
		u.logger.Error().Err(cause).Str("store", storeName).Msg("store failed to commit")
		spanErr = cause

		u.rollbackStores(ctx, stores, tx)
		u.releaseTx(tx, conn)
		u.finishRollback(ctx, nil, domainErrors.NewStoreError(storeName, "commit", cause))
		return cause
	}

	committedAt := u.now()
	r, err := receipt.New(u.envelopeID, u.id, true, u.storeRecords(committedAt), u.CreatedAt(), &committedAt, nil)
	if err == nil && u.receipts != nil {
		err = u.receipts.Append(txCtx, r)
	}
	if err != nil {
		u.metrics.ReceiptWriteFailed()
		u.logger.Error().Err(err).Msg("failed to record committed receipt")
		spanErr = err
		u.compensateAll(ctx, stores)
		u.rollbackStores(ctx, stores, tx)
		u.releaseTx(tx, conn)
		u.finishRollback(ctx, nil, err)
		return err
	}

	if err := tx.Commit(); err != nil {
		u.logger.Error().Err(err).Msg("commit failed")
		spanErr = err
		u.compensateAll(ctx, stores)
		u.rollbackStores(ctx, stores, tx)
		u.releaseTx(tx, conn)
		u.finishRollback(ctx, nil, err)
		return err
	}
	if err := conn.Close(); err != nil {
		u.logger.Warn().Err(err).Msg("failed to release connection")
	}

	u.mu.Lock()
	u.status = StatusCommitted
	u.active = false
	u.committedTS = &committedAt
	u.receipt = r
	u.tx, u.conn = nil, nil
	created := u.createdTS
	u.mu.Unlock()

	u.metrics.ObserveUOW("committed", committedAt.Sub(created))
	u.logger.Debug().Int("writes", len(r.Stores)).Msg("unit of work committed")
	return nil
}

func (u *UnitOfWork) commitStep(ctx, txCtx context.Context, tx *database.Tx, s Store) saga.Step {
	step := saga.Step{
		Name: s.Name(),
		Execute: func(context.Context) error {
			return s.CommitTransaction(txCtx, tx)
		},
	}
	if c, ok := s.(Compensator); ok {
		step.Compensate = func(context.Context) error {
			return c.Compensate(context.WithoutCancel(ctx), u.recordIDs(s.Name()))
		}
	}
	return step
}

// compensateAll undoes every compensatable store in reverse order after the
// commit hooks all succeeded but the transaction could not be committed.
func (u *UnitOfWork) compensateAll(ctx context.Context, stores []Store) {
	for i := len(stores) - 1; i >= 0; i-- {
		c, ok := stores[i].(Compensator)
		if !ok {
			continue
		}
		if err := c.Compensate(context.WithoutCancel(ctx), u.recordIDs(stores[i].Name())); err != nil {
			u.logger.Error().Err(err).Str("store", stores[i].Name()).Msg("compensation failed")
		}
	}
}

// Rollback gives every store a rollback attempt, rolls the transaction back
// and records a receipt carrying cause. Store errors are logged, never
// returned. Calling Rollback on a terminal unit of work is a no-op.
func (u *UnitOfWork) Rollback(ctx context.Context, cause error) error {
	u.mu.Lock()
	if u.status != StatusPending {
		u.mu.Unlock()
		return nil
	}
	stores := append([]Store(nil), u.stores...)
	tx, conn := u.tx, u.conn
	u.mu.Unlock()

	ctx, span := u.tracer.Start(ctx, "uow.rollback", trace.WithAttributes(attribute.String("uow.id", u.id)))
	defer span.End()

	var rbErr error
	if tx != nil {
		u.rollbackStores(ctx, stores, tx)
		rbErr = u.releaseTx(tx, conn)
	}
	if rbErr != nil {
		span.RecordError(rbErr)
	}
	u.finishRollback(ctx, rbErr, cause)
	return rbErr
}

func (u *UnitOfWork) rollbackStores(ctx context.Context, stores []Store, tx *database.Tx) {
	txCtx := withUnitOfWork(database.WithTx(ctx, tx), u)
	for _, s := range stores {
		if err := s.RollbackTransaction(txCtx, tx); err != nil {
			u.metrics.StoreFailed(s.Name(), "rollback")
			u.logger.Error().Err(err).Str("store", s.Name()).Msg("store failed to roll back")
		}
	}
}

// releaseTx rolls back the physical transaction and returns the connection
// to the pool.
func (u *UnitOfWork) releaseTx(tx *database.Tx, conn *sql.Conn) error {
	var err error
	if tx != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			u.logger.Error().Err(rbErr).Msg("transaction rollback failed")
			err = rbErr
		}
	}
	if conn != nil {
		if cErr := conn.Close(); cErr != nil {
			u.logger.Warn().Err(cErr).Msg("failed to release connection")
		}
	}
	return err
}

// finishRollback marks the unit of work ROLLED_BACK and persists the rollback
// receipt outside the (now closed) transaction.
func (u *UnitOfWork) finishRollback(ctx context.Context, rbErr, cause error) {
	endedAt := u.now()

	var msg *string
	switch {
	case cause != nil:
		s := cause.Error()
		msg = &s
	case rbErr != nil:
		s := rbErr.Error()
		msg = &s
	}

	u.mu.Lock()
	u.status = StatusRolledBack
	u.active = false
	u.committedTS = &endedAt
	u.tx, u.conn = nil, nil
	created := u.createdTS
	u.mu.Unlock()

	r, err := receipt.New(u.envelopeID, u.id, false, u.storeRecords(endedAt), created, &endedAt, msg)
	if err == nil && u.receipts != nil {
		err = u.receipts.Append(context.WithoutCancel(ctx), r)
	}
	if err != nil {
		u.metrics.ReceiptWriteFailed()
		u.logger.Error().Err(err).Msg("failed to record rollback receipt")
	}

	u.mu.Lock()
	u.receipt = r
	u.mu.Unlock()

	u.metrics.ObserveUOW("rolled_back", endedAt.Sub(created))
	event := u.logger.Debug()
	if msg != nil {
		event = u.logger.Warn().Str("error", *msg)
	}
	event.Msg("unit of work rolled back")
}

// storeRecords returns the tracked writes, de-duplicated, in first-seen order.
func (u *UnitOfWork) storeRecords(ts time.Time) []receipt.StoreWriteRecord {
	u.mu.Lock()
	defer u.mu.Unlock()

	seen := make(map[write]struct{}, len(u.writes))
	records := make([]receipt.StoreWriteRecord, 0, len(u.writes))
	for _, w := range u.writes {
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		records = append(records, receipt.StoreWriteRecord{Name: w.store, TS: ts, RecordID: w.recordID})
	}
	return records
}

func (u *UnitOfWork) recordIDs(storeName string) []string {
	u.mu.Lock()
	defer u.mu.Unlock()

	var ids []string
	for _, w := range u.writes {
		if w.store == storeName {
			ids = append(ids, w.recordID)
		}
	}
	return ids
}

type uowKey struct{}

func withUnitOfWork(ctx context.Context, u *UnitOfWork) context.Context {
	return context.WithValue(ctx, uowKey{}, u)
}

// FromContext returns the unit of work whose scope ctx was derived from.
func FromContext(ctx context.Context) (*UnitOfWork, bool) {
	u, ok := ctx.Value(uowKey{}).(*UnitOfWork)
	return u, ok && u != nil
}
