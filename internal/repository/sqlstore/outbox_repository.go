package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cassiomorais/memorytx/internal/database"
	domainErrors "github.com/cassiomorais/memorytx/internal/domain/errors"
	"github.com/cassiomorais/memorytx/internal/domain/outbox"
)

// OutboxStoreName is the name the outbox reports to a unit of work.
const OutboxStoreName = "outbox"

const outboxColumns = `id, aggregate_id, event_type, payload, created_at, status, retry_count, next_retry, last_error, processed_at`

// OutboxRepository is the OutboxStore. Its table lives in the unit of work's
// database, so the transaction hooks have nothing to do beyond joining it.
type OutboxRepository struct {
	db *database.DB
}

func NewOutboxRepository(db *database.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

func (r *OutboxRepository) q(ctx context.Context) database.Querier {
	return database.QuerierFrom(ctx, r.db)
}

func (r *OutboxRepository) Name() string { return OutboxStoreName }

func (r *OutboxRepository) BeginTransaction(context.Context, *database.Tx) error    { return nil }
func (r *OutboxRepository) CommitTransaction(context.Context, *database.Tx) error   { return nil }
func (r *OutboxRepository) RollbackTransaction(context.Context, *database.Tx) error { return nil }

func (r *OutboxRepository) Insert(ctx context.Context, e *outbox.Event) error {
	payload, err := e.Payload.Encode()
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	_, err = r.q(ctx).ExecContext(ctx,
		`INSERT INTO outbox_events (id, aggregate_id, event_type, payload, created_at, status, retry_count, next_retry, last_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AggregateID, e.EventType, string(payload), database.ToEpoch(e.CreatedAt),
		string(e.Status), e.RetryCount, database.NullEpoch(e.NextRetry), lastErrorArg(e.LastError),
	)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

func (r *OutboxRepository) FetchEligible(ctx context.Context, now time.Time, limit int) ([]*outbox.Event, error) {
	if limit <= 0 {
		limit = 10
	}
	nowEpoch := database.ToEpoch(now)
	rows, err := r.q(ctx).QueryContext(ctx,
		`SELECT `+outboxColumns+`
		 FROM outbox_events
		 WHERE status = 'PENDING'
		    OR (status = 'FAILED' AND (next_retry IS NULL OR next_retry <= ?))
		    OR (status = 'PROCESSING' AND next_retry IS NOT NULL AND next_retry <= ?)
		 ORDER BY created_at ASC
		 LIMIT ?`, nowEpoch, nowEpoch, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch eligible outbox events: %w", err)
	}
	return scanEvents(rows)
}

func (r *OutboxRepository) GetByID(ctx context.Context, id string) (*outbox.Event, error) {
	row := r.q(ctx).QueryRowContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox_events WHERE id = ?`, id,
	)
	e, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domainErrors.ErrEventNotFound, id)
		}
		return nil, fmt.Errorf("get outbox event: %w", err)
	}
	return e, nil
}

// MarkProcessing is a compare-and-set on (status, retry_count, next_retry).
// The lease is stored in next_retry, so a second claimer holding the same
// snapshot finds nothing to update.
func (r *OutboxRepository) MarkProcessing(ctx context.Context, observed *outbox.Event, leaseUntil time.Time) (bool, error) {
	observedNext := -1.0
	if observed.NextRetry != nil {
		observedNext = database.ToEpoch(*observed.NextRetry)
	}
	res, err := r.q(ctx).ExecContext(ctx,
		`UPDATE outbox_events
		 SET status = 'PROCESSING', next_retry = ?
		 WHERE id = ? AND status = ? AND retry_count = ? AND COALESCE(next_retry, -1) = ?`,
		database.ToEpoch(leaseUntil), observed.ID, string(observed.Status), observed.RetryCount, observedNext,
	)
	if err != nil {
		return false, fmt.Errorf("mark outbox processing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark outbox processing: %w", err)
	}
	return n == 1, nil
}

func (r *OutboxRepository) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	_, err := r.q(ctx).ExecContext(ctx,
		`UPDATE outbox_events SET status = 'PROCESSED', processed_at = ?, next_retry = NULL WHERE id = ?`,
		database.ToEpoch(at), id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox processed: %w", err)
	}
	return nil
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, id string, retryCount int, nextRetry time.Time, lastError string) error {
	_, err := r.q(ctx).ExecContext(ctx,
		`UPDATE outbox_events SET status = 'FAILED', retry_count = ?, next_retry = ?, last_error = ? WHERE id = ?`,
		retryCount, database.ToEpoch(nextRetry), lastError, id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox failed: %w", err)
	}
	return nil
}

func (r *OutboxRepository) MarkPoisoned(ctx context.Context, id string, retryCount int, lastError string) error {
	_, err := r.q(ctx).ExecContext(ctx,
		`UPDATE outbox_events SET status = 'POISONED', retry_count = ?, next_retry = NULL, last_error = ? WHERE id = ?`,
		retryCount, lastError, id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox poisoned: %w", err)
	}
	return nil
}

func (r *OutboxRepository) CountByStatus(ctx context.Context, status outbox.Status) (int64, error) {
	var n int64
	err := r.q(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox_events WHERE status = ?`, string(status),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count outbox events: %w", err)
	}
	return n, nil
}

func (r *OutboxRepository) ListByStatus(ctx context.Context, status outbox.Status, limit int) ([]*outbox.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.q(ctx).QueryContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox_events WHERE status = ? ORDER BY created_at ASC LIMIT ?`,
		string(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list outbox events: %w", err)
	}
	return scanEvents(rows)
}

func (r *OutboxRepository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.q(ctx).ExecContext(ctx,
		`DELETE FROM outbox_events WHERE status = 'PROCESSED' AND created_at < ?`, database.ToEpoch(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("delete processed outbox events: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvents(rows *sql.Rows) ([]*outbox.Event, error) {
	defer rows.Close()

	var events []*outbox.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// scanEvent never fails on an undecodable payload; it records the problem in
// PayloadErr so the worker can quarantine the row.
func scanEvent(row rowScanner) (*outbox.Event, error) {
	var (
		e           outbox.Event
		payload     string
		createdAt   float64
		status      string
		nextRetry   sql.NullFloat64
		lastError   sql.NullString
		processedAt sql.NullFloat64
	)
	if err := row.Scan(&e.ID, &e.AggregateID, &e.EventType, &payload, &createdAt, &status,
		&e.RetryCount, &nextRetry, &lastError, &processedAt); err != nil {
		return nil, err
	}

	e.CreatedAt = database.FromEpoch(createdAt)
	e.Status = outbox.Status(status)
	e.NextRetry = database.FromNullEpoch(nextRetry)
	e.ProcessedAt = database.FromNullEpoch(processedAt)
	if lastError.Valid {
		e.LastError = &lastError.String
	}
	p, err := outbox.DecodePayload([]byte(payload))
	if err != nil {
		e.PayloadErr = err
	} else {
		e.Payload = p
	}
	return &e, nil
}

func lastErrorArg(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
