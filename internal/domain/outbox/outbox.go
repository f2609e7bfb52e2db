package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/memorytx/internal/domain/errors"
	"github.com/google/uuid"
)

// SchemaVersion is the payload envelope version written by this package.
const SchemaVersion = "1.0"

// DefaultTopic is used when the payload metadata names no topic.
const DefaultTopic = "outbox"

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusProcessed  Status = "PROCESSED"
	StatusFailed     Status = "FAILED"
	StatusPoisoned   Status = "POISONED"
)

// IsTerminal reports whether the worker will never pick the event up again.
func (s Status) IsTerminal() bool {
	return s == StatusProcessed || s == StatusPoisoned
}

// Metadata travels with every event. Timestamp defaults to the write time.
type Metadata struct {
	CorrelationID string    `json:"correlation_id,omitempty"`
	CausationID   string    `json:"causation_id,omitempty"`
	ActorID       string    `json:"actor_id,omitempty"`
	DeviceID      string    `json:"device_id,omitempty"`
	SpaceID       string    `json:"space_id,omitempty"`
	Topic         string    `json:"topic,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Payload is the versioned JSON envelope stored in outbox_events.payload.
type Payload struct {
	SchemaVersion    string          `json:"schema_version"`
	Data             json.RawMessage `json:"data"`
	Metadata         Metadata        `json:"metadata"`
	AggregateVersion *int64          `json:"aggregate_version,omitempty"`
	EventCategory    string          `json:"event_category,omitempty"`
	TargetService    string          `json:"target_service,omitempty"`
}

// NewPayload marshals data into a version 1.0 envelope.
func NewPayload(data any, md Metadata) (Payload, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Payload{}, fmt.Errorf("marshal event data: %w", err)
	}
	if md.Timestamp.IsZero() {
		md.Timestamp = time.Now().UTC()
	}
	return Payload{
		SchemaVersion: SchemaVersion,
		Data:          raw,
		Metadata:      md,
	}, nil
}

// Encode serializes the envelope.
func (p Payload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// DecodePayload parses an envelope and rejects unknown schema versions.
func DecodePayload(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("unmarshal outbox payload: %w", err)
	}
	if p.SchemaVersion != SchemaVersion {
		return Payload{}, fmt.Errorf("%w: %q", domainErrors.ErrUnsupportedSchema, p.SchemaVersion)
	}
	return p, nil
}

// DecodeData unmarshals the event data into dst.
func (p Payload) DecodeData(dst any) error {
	return json.Unmarshal(p.Data, dst)
}

type Event struct {
	ID          string
	AggregateID string
	EventType   string
	Payload     Payload
	CreatedAt   time.Time
	Status      Status
	RetryCount  int
	NextRetry   *time.Time
	LastError   *string
	ProcessedAt *time.Time

	// PayloadErr is set when the stored payload could not be decoded.
	PayloadErr error
}

// NewEvent creates a PENDING event. An empty id gets a fresh UUID.
func NewEvent(id, aggregateID, eventType string, payload Payload) *Event {
	if id == "" {
		id = uuid.New().String()
	}
	return &Event{
		ID:          id,
		AggregateID: aggregateID,
		EventType:   eventType,
		Payload:     payload,
		CreatedAt:   time.Now().UTC(),
		Status:      StatusPending,
		RetryCount:  0,
	}
}

// Topic returns the bus topic for the event.
func (e *Event) Topic() string {
	if e.Payload.Metadata.Topic != "" {
		return e.Payload.Metadata.Topic
	}
	return DefaultTopic
}

// Message is what gets handed to the event bus.
type Message struct {
	Meta    MessageMeta `json:"meta"`
	Payload Payload     `json:"payload"`
}

type MessageMeta struct {
	EventID     string    `json:"event_id"`
	AggregateID string    `json:"aggregate_id"`
	EventType   string    `json:"event_type"`
	CreatedAt   time.Time `json:"created_at"`
	RetryCount  int       `json:"retry_count"`
}

// Message builds the bus message for the event.
func (e *Event) Message() Message {
	return Message{
		Meta: MessageMeta{
			EventID:     e.ID,
			AggregateID: e.AggregateID,
			EventType:   e.EventType,
			CreatedAt:   e.CreatedAt,
			RetryCount:  e.RetryCount,
		},
		Payload: e.Payload,
	}
}
