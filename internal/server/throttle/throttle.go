// Package throttle limits repeated failed pilot logins per pilot reference.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/diracgrid/pilotauth/internal/common"
)

const keyPrefix = "pilotauth:login-failures:"

// Limiter tracks failed attempts per key.
type Limiter interface {
	// Check returns common.ErrTooManyAttempts once key has used up its
	// failures for the current window.
	Check(ctx context.Context, key string) error
	// Fail records one failed attempt for key.
	Fail(ctx context.Context, key string) error
	// Reset forgets the failures of key.
	Reset(ctx context.Context, key string) error
}

// Nop never throttles.
type Nop struct{}

func (Nop) Check(context.Context, string) error { return nil }
func (Nop) Fail(context.Context, string) error  { return nil }
func (Nop) Reset(context.Context, string) error { return nil }

// RedisLimiter keeps a fixed-window failure counter per key in Redis. The
// window starts at the first failure.
type RedisLimiter struct {
	client      redis.UniversalClient
	maxFailures int
	window      time.Duration
}

func NewRedisLimiter(client redis.UniversalClient, maxFailures int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, maxFailures: maxFailures, window: window}
}

func (l *RedisLimiter) Check(ctx context.Context, key string) error {
	n, err := l.client.Get(ctx, keyPrefix+key).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("redis error: %w", err)
	}
	if n >= l.maxFailures {
		return common.ErrTooManyAttempts
	}
	return nil
}

// Fail increments the counter and arms its expiry in one MULTI/EXEC, so a
// counter never outlives its window. NX keeps the first failure's TTL.
func (l *RedisLimiter) Fail(ctx context.Context, key string) error {
	k := keyPrefix + key

	pipe := l.client.TxPipeline()
	pipe.Incr(ctx, k)
	pipe.ExpireNX(ctx, k, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	return nil
}

func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	return nil
}
