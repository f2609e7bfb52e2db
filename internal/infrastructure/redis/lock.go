package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	domainErrors "github.com/cassiomorais/memorytx/internal/domain/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// Only the owner token may release
	releaseLockScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)

	extendLockScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// DistributedLock is a single-holder lease in Redis keyed by lock:<name>.
type DistributedLock struct {
	client   redis.Cmdable
	key      string
	value    string
	ttl      time.Duration
	acquired bool
}

func NewDistributedLock(client redis.Cmdable, key string, ttl time.Duration) *DistributedLock {
	return &DistributedLock{
		client: client,
		key:    fmt.Sprintf("lock:%s", key),
		value:  uuid.New().String(),
		ttl:    ttl,
	}
}

// Key returns the Redis key backing the lock.
func (l *DistributedLock) Key() string { return l.key }

// Acquire attempts to take the lock once. It reports false when another
// holder owns it.
func (l *DistributedLock) Acquire(ctx context.Context) (bool, error) {
	success, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %w", domainErrors.ErrLockAcquisitionFailed, err)
	}

	l.acquired = success
	return success, nil
}

// Extend pushes the lease out by ttl if this instance still holds it.
func (l *DistributedLock) Extend(ctx context.Context, ttl time.Duration) error {
	if !l.acquired {
		return domainErrors.ErrLockNotHeld
	}

	result, err := extendLockScript.Run(ctx, l.client, []string{l.key}, l.value, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to extend lock: %w", err)
	}
	if result == 0 {
		l.acquired = false
		return domainErrors.ErrLockNotHeld
	}

	return nil
}

// Release drops the lock. Releasing a lock that was never acquired is a no-op.
func (l *DistributedLock) Release(ctx context.Context) error {
	if !l.acquired {
		return nil
	}
	l.acquired = false

	result, err := releaseLockScript.Run(ctx, l.client, []string{l.key}, l.value).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if result == 0 {
		return domainErrors.ErrLockNotHeld
	}

	return nil
}

func (l *DistributedLock) IsAcquired() bool {
	return l.acquired
}

// RunExclusive runs fn while holding the lock and releases it afterwards.
// The lease is extended every ttl/3; if an extension fails fn's context is
// cancelled with ErrLockNotHeld as its cause. ran is false when another
// holder owns the lock.
func (l *DistributedLock) RunExclusive(ctx context.Context, fn func(ctx context.Context) error) (ran bool, err error) {
	acquired, err := l.Acquire(ctx)
	if err != nil || !acquired {
		return false, err
	}
	defer func() {
		if relErr := l.Release(context.WithoutCancel(ctx)); relErr != nil && !errors.Is(relErr, domainErrors.ErrLockNotHeld) {
			err = errors.Join(err, relErr)
		}
	}()

	fnCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.keepAlive(fnCtx, cancel, done)
	}()

	err = fn(fnCtx)
	close(done)
	wg.Wait()
	return true, err
}

func (l *DistributedLock) keepAlive(ctx context.Context, cancel context.CancelCauseFunc, done <-chan struct{}) {
	interval := l.ttl / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Extend(ctx, l.ttl); err != nil {
				if !errors.Is(err, domainErrors.ErrLockNotHeld) {
					err = fmt.Errorf("%w: %w", domainErrors.ErrLockNotHeld, err)
				}
				cancel(err)
				return
			}
		}
	}
}
