package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"docsmith.io/internal/tenant"
)

func limiterFixture(t *testing.T) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLimiter(client, nil), mr
}

func TestRedisLimiterDeniesOverLimit(t *testing.T) {
	limiter, _ := limiterFixture(t)
	ctx := context.Background()
	policy := tenant.LimitPolicy{Limit: 2, Window: time.Minute}

	for i := 0; i < 2; i++ {
		if err := limiter.Check(ctx, "a@acme.io", OpLoginAttempt, policy); err != nil {
			t.Fatalf("attempt %d should pass: %v", i+1, err)
		}
	}
	if err := limiter.Check(ctx, "a@acme.io", OpLoginAttempt, policy); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("third attempt should be limited, got %v", err)
	}
}

func TestRedisLimiterWindowSlides(t *testing.T) {
	limiter, mr := limiterFixture(t)
	ctx := context.Background()
	policy := tenant.LimitPolicy{Limit: 1, Window: time.Minute}

	if err := limiter.Check(ctx, "a@acme.io", OpLoginAttempt, policy); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	if err := limiter.Check(ctx, "a@acme.io", OpLoginAttempt, policy); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second attempt should be limited, got %v", err)
	}

	// Past the window the old attempt ages out. The limiter scores by
	// wall clock, so shift its clock rather than miniredis's.
	shifted := NewRedisLimiter(redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		func() time.Time { return time.Now().Add(2 * time.Minute) })
	if err := shifted.Check(ctx, "a@acme.io", OpLoginAttempt, policy); err != nil {
		t.Fatalf("attempt after window should pass: %v", err)
	}
}

func TestRedisLimiterIsolatesSubjectsAndOps(t *testing.T) {
	limiter, _ := limiterFixture(t)
	ctx := context.Background()
	policy := tenant.LimitPolicy{Limit: 1, Window: time.Minute}

	if err := limiter.Check(ctx, "a@acme.io", OpLoginAttempt, policy); err != nil {
		t.Fatalf("first subject: %v", err)
	}
	if err := limiter.Check(ctx, "b@acme.io", OpLoginAttempt, policy); err != nil {
		t.Fatalf("other subject must have its own window: %v", err)
	}
	if err := limiter.Check(ctx, "a@acme.io", OpTokenRefresh, policy); err != nil {
		t.Fatalf("other operation must have its own window: %v", err)
	}
}

func TestRedisLimiterPeekDoesNotConsume(t *testing.T) {
	limiter, _ := limiterFixture(t)
	ctx := context.Background()
	policy := tenant.LimitPolicy{Limit: 1, Window: time.Minute}

	for i := 0; i < 3; i++ {
		if err := limiter.Peek(ctx, "a@acme.io", OpLoginFailure, policy); err != nil {
			t.Fatalf("peek %d on empty window: %v", i+1, err)
		}
	}
	if err := limiter.Check(ctx, "a@acme.io", OpLoginFailure, policy); err != nil {
		t.Fatalf("first recorded attempt: %v", err)
	}
	if err := limiter.Peek(ctx, "a@acme.io", OpLoginFailure, policy); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("peek at saturation should deny, got %v", err)
	}
}

func TestRedisLimiterZeroPolicyAllows(t *testing.T) {
	limiter, _ := limiterFixture(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := limiter.Check(ctx, "a@acme.io", OpLoginAttempt, tenant.LimitPolicy{}); err != nil {
			t.Fatalf("zero policy must not throttle: %v", err)
		}
	}
}

func TestRedisLimiterUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewRedisLimiter(client, nil)
	mr.Close()

	err := limiter.Check(context.Background(), "a@acme.io", OpLoginAttempt,
		tenant.LimitPolicy{Limit: 5, Window: time.Minute})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}
