package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cassiomorais/memorytx/internal/database"
	"github.com/cassiomorais/memorytx/internal/domain/outbox"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// NewSQLiteConfig returns a pooled config for a fresh file in t.TempDir().
func NewSQLiteConfig(t testing.TB) database.Config {
	t.Helper()
	return database.Config{
		Driver:            "sqlite",
		Path:              filepath.Join(t.TempDir(), "memory.db"),
		UseConnectionPool: true,
		MaxOpenConns:      4,
		BusyTimeout:       5 * time.Second,
	}
}

// NewSQLiteDB opens a migrated SQLite database that is closed on cleanup.
func NewSQLiteDB(t testing.TB) *database.DB {
	t.Helper()
	return OpenMigrated(t, NewSQLiteConfig(t))
}

// OpenMigrated applies the embedded migrations and opens cfg.
func OpenMigrated(t testing.TB, cfg database.Config) *database.DB {
	t.Helper()
	require.NoError(t, database.Migrate(cfg, database.DirectionUp))

	db, err := database.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// NewTestEvent builds a PENDING event with a small data payload.
func NewTestEvent(aggregateID, eventType string) *outbox.Event {
	payload, err := outbox.NewPayload(map[string]any{"aggregate": aggregateID}, outbox.Metadata{
		CorrelationID: uuid.NewString(),
	})
	if err != nil {
		panic(err)
	}
	return outbox.NewEvent("", aggregateID, eventType, payload)
}

// OutboxRow is the raw state of an outbox row for assertions.
type OutboxRow struct {
	Status     string
	RetryCount int
	NextRetry  *time.Time
	LastError  *string
}

// ReadOutboxRow reads an event's row straight from the table.
func ReadOutboxRow(t testing.TB, db *database.DB, id string) OutboxRow {
	t.Helper()
	var (
		row       OutboxRow
		nextRetry *float64
	)
	err := db.QueryRowContext(context.Background(),
		`SELECT status, retry_count, next_retry, last_error FROM outbox_events WHERE id = ?`, id,
	).Scan(&row.Status, &row.RetryCount, &nextRetry, &row.LastError)
	require.NoError(t, err)
	if nextRetry != nil {
		ts := database.FromEpoch(*nextRetry)
		row.NextRetry = &ts
	}
	return row
}

// CountRows returns SELECT COUNT(*) FROM table.
func CountRows(t testing.TB, db *database.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}
