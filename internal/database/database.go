// Package database wraps database/sql for the SQLite and PostgreSQL dialects
// used by the unit of work and its stores.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder style and driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const memoryPath = ":memory:"

// Config holds database configuration settings.
type Config struct {
	Driver            string
	Path              string
	DSN               string
	UseConnectionPool bool
	MaxOpenConns      int
	MaxIdleConns      int
	ConnMaxLifetime   time.Duration
	BusyTimeout       time.Duration
}

// Dialect returns the configured dialect, defaulting to SQLite.
func (c Config) Dialect() Dialect {
	switch strings.ToLower(c.Driver) {
	case "postgres", "postgresql", "pgx":
		return DialectPostgres
	default:
		return DialectSQLite
	}
}

// DB is a dialect-aware handle. Queries are written with "?" placeholders.
type DB struct {
	db      *sql.DB
	dialect Dialect
}

// Open opens the configured database and verifies it with a ping. For file
// backed SQLite databases the parent directory is created on first open.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	var (
		sqlDB *sql.DB
		err   error
	)

	switch cfg.Dialect() {
	case DialectPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres requires a dsn")
		}
		sqlDB, err = sql.Open("pgx", cfg.DSN)
	default:
		if err := ensureDir(cfg.Path); err != nil {
			return nil, err
		}
		sqlDB, err = sql.Open("sqlite", SQLiteDSN(cfg.Path, cfg.BusyTimeout))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	configurePool(sqlDB, cfg)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{db: sqlDB, dialect: cfg.Dialect()}, nil
}

// New wraps an already opened *sql.DB.
func New(sqlDB *sql.DB, dialect Dialect) *DB {
	return &DB{db: sqlDB, dialect: dialect}
}

// SQLiteDSN builds a modernc DSN applying WAL journaling, NORMAL synchronous
// mode and immediate write locks to every pooled connection.
func SQLiteDSN(path string, busyTimeout time.Duration) string {
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	if path == "" || path == memoryPath {
		return fmt.Sprintf("file::memory:?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)", busyTimeout.Milliseconds())
	}
	return fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_txlock=immediate",
		path, busyTimeout.Milliseconds(),
	)
}

func ensureDir(path string) error {
	if path == "" || path == memoryPath {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	return nil
}

func configurePool(sqlDB *sql.DB, cfg Config) {
	inMemory := cfg.Dialect() == DialectSQLite && (cfg.Path == "" || cfg.Path == memoryPath)
	if !cfg.UseConnectionPool || inMemory {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		return
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = maxOpen
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

// Dialect reports the SQL dialect of the handle.
func (d *DB) Dialect() Dialect { return d.dialect }

// SQL exposes the underlying pool.
func (d *DB) SQL() *sql.DB { return d.db }

func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, Rebind(d.dialect, query), args...)
}

func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, Rebind(d.dialect, query), args...)
}

func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, Rebind(d.dialect, query), args...)
}

// Conn checks out a dedicated physical connection from the pool.
func (d *DB) Conn(ctx context.Context) (*sql.Conn, error) {
	return d.db.Conn(ctx)
}

// BeginTx starts a transaction on any pooled connection.
func (d *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := d.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return WrapTx(tx, d.dialect), nil
}

// PingContext verifies the database is reachable.
func (d *DB) PingContext(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes the pool.
func (d *DB) Close() error {
	return d.db.Close()
}
