package uow

import (
	"context"
	"time"

	"github.com/cassiomorais/memorytx/internal/database"
)

// Store participates in a unit of work. Hooks receive the shared transaction
// and are called one at a time in registration order.
type Store interface {
	Name() string
	BeginTransaction(ctx context.Context, tx *database.Tx) error
	CommitTransaction(ctx context.Context, tx *database.Tx) error
	RollbackTransaction(ctx context.Context, tx *database.Tx) error
}

// ConnectionRequirements is what a store asks of the shared connection.
type ConnectionRequirements struct {
	// Timeout bounds connection checkout and BEGIN.
	Timeout time.Duration
}

// ConnectionRequirer is implemented by stores with connection requirements.
// The unit of work honours the largest timeout requested.
type ConnectionRequirer interface {
	ConnectionRequirements() ConnectionRequirements
}

// Compensator is implemented by stores whose commit hook has effects outside
// the database transaction. When a later store fails to commit, or COMMIT
// itself fails, Compensate is called in reverse registration order with the
// record ids the store tracked.
type Compensator interface {
	Compensate(ctx context.Context, recordIDs []string) error
}
