// Package redis holds the Redis-backed event bus and the distributed lock
// the janitor uses for leader election.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/cassiomorais/memorytx/internal/infrastructure/config"
	"github.com/cassiomorais/memorytx/pkg/retry"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// NewClient creates a Redis client and pings it with exponential backoff
// until it answers or the retries run out.
func NewClient(ctx context.Context, cfg *config.RedisConfig, logger zerolog.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	})

	rc := retry.DefaultConfig()
	if cfg.ConnectRetries > 0 {
		rc.MaxAttempts = cfg.ConnectRetries
	}
	if cfg.ConnectRetryDelay > 0 {
		rc.InitialDelay = cfg.ConnectRetryDelay
	}
	rc.OnRetry = func(attempt uint, err error) {
		logger.Warn().Err(err).Uint("attempt", attempt+1).Str("addr", cfg.RedisAddr()).Msg("redis not reachable, retrying")
	}

	if err := retry.Do(ctx, rc, func() error {
		return client.Ping(ctx).Err()
	}); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis after %d attempts: %w", rc.MaxAttempts, err)
	}

	return client, nil
}
