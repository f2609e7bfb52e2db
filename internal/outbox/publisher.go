package outbox

import (
	"context"

	domainOutbox "github.com/cassiomorais/memorytx/internal/domain/outbox"
	"github.com/cassiomorais/memorytx/internal/uow"
)

// Publisher delivers an outbox message to the event bus. Implementations are
// expected to honour ctx cancellation.
type Publisher interface {
	Publish(ctx context.Context, msg domainOutbox.Message, topic string) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, msg domainOutbox.Message, topic string) error

func (f PublisherFunc) Publish(ctx context.Context, msg domainOutbox.Message, topic string) error {
	return f(ctx, msg, topic)
}

// Store is the outbox table as a unit of work participant.
type Store interface {
	uow.Store
	domainOutbox.Repository
}
