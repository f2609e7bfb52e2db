package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	domainOutbox "github.com/cassiomorais/memorytx/internal/domain/outbox"
	"github.com/cassiomorais/memorytx/internal/infrastructure/observability"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

const breakerName = "redis-streams"

// PublisherConfig configures the stream publisher.
type PublisherConfig struct {
	// StreamPrefix is prepended to the event topic to form the stream key.
	StreamPrefix string
	// MaxLen caps each stream approximately. Zero leaves streams unbounded.
	MaxLen int64
	// BreakerThreshold is the number of consecutive failures that open the breaker.
	BreakerThreshold uint32
	// BreakerTimeout is how long the breaker stays open before probing.
	BreakerTimeout time.Duration
}

// StreamPublisher publishes outbox messages to Redis Streams. Every XADD goes
// through a circuit breaker so a down Redis fails fast instead of holding
// worker slots until the publish timeout.
type StreamPublisher struct {
	client  redis.Cmdable
	cfg     PublisherConfig
	breaker *gobreaker.CircuitBreaker[string]
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewStreamPublisher(client redis.Cmdable, cfg PublisherConfig, metrics *observability.Metrics, logger zerolog.Logger) *StreamPublisher {
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	p := &StreamPublisher{
		client:  client,
		cfg:     cfg,
		metrics: metrics,
		logger:  observability.Component(logger, "stream_publisher"),
	}
	p.breaker = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			p.metrics.SetBreakerState(name, float64(to))
		},
	})
	metrics.SetBreakerState(breakerName, float64(gobreaker.StateClosed))
	return p
}

// StreamKey returns the stream a topic publishes to.
func (p *StreamPublisher) StreamKey(topic string) string {
	return p.cfg.StreamPrefix + topic
}

// State reports the breaker state.
func (p *StreamPublisher) State() gobreaker.State {
	return p.breaker.State()
}

// Publish appends the message to the topic's stream and returns once Redis
// has acknowledged the entry.
func (p *StreamPublisher) Publish(ctx context.Context, msg domainOutbox.Message, topic string) error {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: p.StreamKey(topic),
		Values: map[string]any{
			"event_id":     msg.Meta.EventID,
			"aggregate_id": msg.Meta.AggregateID,
			"event_type":   msg.Meta.EventType,
			"retry_count":  msg.Meta.RetryCount,
			"created_at":   msg.Meta.CreatedAt.UTC().Format(time.RFC3339Nano),
			"payload":      string(payload),
		},
	}
	if p.cfg.MaxLen > 0 {
		args.MaxLen = p.cfg.MaxLen
		args.Approx = true
	}

	id, err := p.breaker.Execute(func() (string, error) {
		return p.client.XAdd(ctx, args).Result()
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		p.metrics.BreakerRequest(breakerName, "rejected")
		return fmt.Errorf("event bus unavailable: %w", err)
	case err != nil:
		p.metrics.BreakerRequest(breakerName, "failure")
		return fmt.Errorf("failed to publish event %s: %w", msg.Meta.EventID, err)
	}

	p.metrics.BreakerRequest(breakerName, "success")
	p.logger.Debug().Str("event_id", msg.Meta.EventID).Str("stream", args.Stream).Str("entry_id", id).Msg("event published")
	return nil
}
