package database

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationsFS embed.FS

const (
	DirectionUp   = "up"
	DirectionDown = "down"
)

// Migrate applies (or reverts) the embedded schema. It opens its own
// connection, so it is safe to run before Open.
func Migrate(cfg Config, direction string) error {
	m, err := newMigrator(cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	switch direction {
	case DirectionUp:
		err = m.Up()
	case DirectionDown:
		err = m.Down()
	default:
		return fmt.Errorf("unknown migration direction %q (use 'up' or 'down')", direction)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration %s failed: %w", direction, err)
	}
	return nil
}

func newMigrator(cfg Config) (*migrate.Migrate, error) {
	dir := "migrations/sqlite"
	if cfg.Dialect() == DialectPostgres {
		dir = "migrations/postgres"
	}

	src, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}

	dbURL, err := migrationURL(cfg)
	if err != nil {
		return nil, err
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}

func migrationURL(cfg Config) (string, error) {
	if cfg.Dialect() == DialectPostgres {
		for _, prefix := range []string{"postgres://", "postgresql://"} {
			if strings.HasPrefix(cfg.DSN, prefix) {
				return "pgx5://" + strings.TrimPrefix(cfg.DSN, prefix), nil
			}
		}
		return "", fmt.Errorf("postgres migrations require a URL dsn (postgres://...)")
	}

	if cfg.Path == "" || cfg.Path == memoryPath {
		return "", fmt.Errorf("sqlite migrations require a file path")
	}
	if err := ensureDir(cfg.Path); err != nil {
		return "", err
	}
	return "sqlite://" + cfg.Path, nil
}
