package auth

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"docsmith.io/internal/tenant"
)

// Operation names the throttled auth flows.
type Operation string

const (
	OpLoginAttempt  Operation = "login_attempt"
	OpTokenRefresh  Operation = "token_refresh"
	OpTokenCreation Operation = "token_creation"
	OpLoginFailure  Operation = "login_failure"
)

// Limiter throttles auth operations per subject. Check records the
// attempt regardless of outcome, so retrying a denied request cannot
// reset the window; Peek inspects the window without consuming from it.
// A nil Limiter on the engine disables throttling.
type Limiter interface {
	Check(ctx context.Context, subject string, op Operation, policy tenant.LimitPolicy) error
	Peek(ctx context.Context, subject string, op Operation, policy tenant.LimitPolicy) error
}

// RedisLimiter keeps a true sliding window per (subject, operation) in a
// Redis sorted set: members are attempt markers scored by nanosecond
// timestamp, trimmed to the window on every check.
type RedisLimiter struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisLimiter wraps the given Redis client. The clock defaults to
// time.Now.
func NewRedisLimiter(client redis.UniversalClient, now func() time.Time) *RedisLimiter {
	if now == nil {
		now = time.Now
	}
	return &RedisLimiter{client: client, now: now}
}

func limiterKey(subject string, op Operation) string {
	return fmt.Sprintf("docsmith:authlimit:%s:%s", op, subject)
}

// Check counts this attempt and returns ErrRateLimited once the window
// holds more than policy.Limit attempts. Redis failures surface as
// ErrStoreUnavailable: the limiter fails closed rather than silently
// dropping its guarantee.
func (l *RedisLimiter) Check(ctx context.Context, subject string, op Operation, policy tenant.LimitPolicy) error {
	if policy.Limit <= 0 || policy.Window <= 0 {
		return nil
	}
	now := l.now()
	key := limiterKey(subject, op)
	cutoff := strconv.FormatInt(now.Add(-policy.Window).UnixNano(), 10)

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", cutoff)
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: uuid.NewString(),
	})
	count := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, policy.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr(err)
	}
	if count.Val() > int64(policy.Limit) {
		return ErrRateLimited
	}
	return nil
}

// Peek reports whether the window is already saturated without recording
// an attempt. Used for lockout checks ahead of credential verification.
func (l *RedisLimiter) Peek(ctx context.Context, subject string, op Operation, policy tenant.LimitPolicy) error {
	if policy.Limit <= 0 || policy.Window <= 0 {
		return nil
	}
	now := l.now()
	key := limiterKey(subject, op)
	cutoff := strconv.FormatInt(now.Add(-policy.Window).UnixNano(), 10)

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", cutoff)
	count := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr(err)
	}
	if count.Val() >= int64(policy.Limit) {
		return ErrRateLimited
	}
	return nil
}
