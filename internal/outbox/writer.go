package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/memorytx/internal/domain/errors"
	domainOutbox "github.com/cassiomorais/memorytx/internal/domain/outbox"
	"github.com/cassiomorais/memorytx/internal/infrastructure/observability"
	"github.com/cassiomorais/memorytx/internal/uow"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// EventInput describes one event to append to the outbox.
type EventInput struct {
	AggregateID string `validate:"required"`
	EventType   string `validate:"required"`
	Data        any
	Metadata    domainOutbox.Metadata
	// EventID is optional; a UUID is generated when empty.
	EventID string
}

// Writer appends events to the outbox inside a unit of work, so they commit
// or roll back with the state change they describe.
type Writer struct {
	u       *uow.UnitOfWork
	store   Store
	logger  zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

type WriterOption func(*Writer)

func WithWriterLogger(logger zerolog.Logger) WriterOption {
	return func(w *Writer) { w.logger = logger }
}

func WithWriterMetrics(metrics *observability.Metrics) WriterOption {
	return func(w *Writer) { w.metrics = metrics }
}

func WithWriterClock(now func() time.Time) WriterOption {
	return func(w *Writer) { w.now = now }
}

// NewWriter registers store on u. It must be called before u begins.
func NewWriter(u *uow.UnitOfWork, store Store, opts ...WriterOption) (*Writer, error) {
	if err := u.RegisterStore(store); err != nil {
		return nil, err
	}
	w := &Writer{
		u:      u,
		store:  store,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// WriteEvent validates in, wraps its data in a versioned payload and appends
// it. It returns the event id.
func (w *Writer) WriteEvent(ctx context.Context, in EventInput) (string, error) {
	return w.write(ctx, in, nil)
}

// WriteDomainEvent is WriteEvent with the aggregate version recorded for
// consumers that apply events in version order.
func (w *Writer) WriteDomainEvent(ctx context.Context, in EventInput, aggregateVersion int64) (string, error) {
	return w.write(ctx, in, func(p *domainOutbox.Payload) {
		p.AggregateVersion = &aggregateVersion
	})
}

// WriteIntegrationEvent writes an event addressed to another service. The
// aggregate id becomes integration:<target>:<aggregate id>.
func (w *Writer) WriteIntegrationEvent(ctx context.Context, targetService string, in EventInput) (string, error) {
	if targetService == "" {
		return "", domainErrors.NewValidationError("target_service", "required")
	}
	in.AggregateID = fmt.Sprintf("integration:%s:%s", targetService, in.AggregateID)
	return w.write(ctx, in, func(p *domainOutbox.Payload) {
		p.EventCategory = "integration"
		p.TargetService = targetService
	})
}

// WriteBatchEvents writes every entry in order. The first invalid entry
// aborts the batch; entries already written are undone when the unit of
// work rolls back.
func (w *Writer) WriteBatchEvents(ctx context.Context, events []EventInput) ([]string, error) {
	ids := make([]string, 0, len(events))
	for i, in := range events {
		id, err := w.WriteEvent(ctx, in)
		if err != nil {
			return ids, fmt.Errorf("batch entry %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// PendingCount reads through the unit of work when it is active, so
// uncommitted writes are visible.
func (w *Writer) PendingCount(ctx context.Context) (int64, error) {
	return w.store.CountByStatus(w.bind(ctx), domainOutbox.StatusPending)
}

func (w *Writer) FailedCount(ctx context.Context) (int64, error) {
	return w.store.CountByStatus(w.bind(ctx), domainOutbox.StatusFailed)
}

// CleanupOldEvents purges PROCESSED events older than olderThan.
func (w *Writer) CleanupOldEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := w.store.DeleteProcessedBefore(w.bind(ctx), w.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	w.metrics.OutboxPurged(n)
	return n, nil
}

func (w *Writer) bind(ctx context.Context) context.Context {
	if txCtx, err := w.u.Bind(ctx); err == nil {
		return txCtx
	}
	return ctx
}

func (w *Writer) write(ctx context.Context, in EventInput, decorate func(*domainOutbox.Payload)) (string, error) {
	txCtx, err := w.u.Bind(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domainErrors.ErrOutsideTransaction, err)
	}
	if err := validateInput(in); err != nil {
		return "", err
	}

	md := in.Metadata
	if md.Timestamp.IsZero() {
		md.Timestamp = w.now().UTC()
	}
	payload, err := domainOutbox.NewPayload(in.Data, md)
	if err != nil {
		return "", domainErrors.NewValidationError("data", err.Error())
	}
	if decorate != nil {
		decorate(&payload)
	}

	event := domainOutbox.NewEvent(in.EventID, in.AggregateID, in.EventType, payload)
	event.CreatedAt = w.now().UTC()
	if err := w.store.Insert(txCtx, event); err != nil {
		return "", err
	}
	if err := w.u.TrackWrite(w.store.Name(), event.ID); err != nil {
		return "", err
	}

	w.metrics.OutboxWritten(event.EventType)
	w.logger.Debug().
		Str("uow_id", w.u.ID()).
		Str("event_id", event.ID).
		Str("event_type", event.EventType).
		Str("aggregate_id", event.AggregateID).
		Msg("outbox event written")
	return event.ID, nil
}

func validateInput(in EventInput) error {
	if err := validate.Struct(in); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			return domainErrors.NewValidationError(ve[0].Field(), ve[0].Tag()+" validation failed")
		}
		return domainErrors.NewValidationError("event", err.Error())
	}
	return nil
}
