package outbox

import (
	"context"
	"time"
)

type Repository interface {
	// Insert appends a new event (inside the caller's transaction when one is in ctx)
	Insert(ctx context.Context, event *Event) error

	// FetchEligible returns PENDING events, FAILED events whose next_retry has
	// elapsed and PROCESSING events whose lease has expired, oldest first
	FetchEligible(ctx context.Context, now time.Time, limit int) ([]*Event, error)

	// GetByID returns the event or ErrEventNotFound
	GetByID(ctx context.Context, id string) (*Event, error)

	// MarkProcessing claims the event if its status, retry count and
	// next_retry still match what the caller observed
	MarkProcessing(ctx context.Context, observed *Event, leaseUntil time.Time) (bool, error)

	// MarkProcessed records a successful publish
	MarkProcessed(ctx context.Context, id string, at time.Time) error

	// MarkFailed records a failed attempt and schedules the next one
	MarkFailed(ctx context.Context, id string, retryCount int, nextRetry time.Time, lastError string) error

	// MarkPoisoned quarantines the event permanently
	MarkPoisoned(ctx context.Context, id string, retryCount int, lastError string) error

	// CountByStatus returns the number of events in status
	CountByStatus(ctx context.Context, status Status) (int64, error)

	// ListByStatus returns up to limit events in status, oldest first
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Event, error)

	// DeleteProcessedBefore purges PROCESSED events created before cutoff
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
