package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush test db: %v", err)
	}
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return NewLimiter(client)
}

func TestAllow_WithinLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Scope: "test", Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		allowed, err := l.Allow(ctx, "user1", rule)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
}

func TestAllow_OverLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Scope: "test", Limit: 2, Window: time.Minute}

	l.Allow(ctx, "user1", rule)
	l.Allow(ctx, "user1", rule)

	allowed, err := l.Allow(ctx, "user1", rule)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Error("third request should be rejected")
	}
}

func TestAllow_IdentifiersAreIndependent(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Scope: "test", Limit: 1, Window: time.Minute}

	l.Allow(ctx, "user1", rule)

	allowed, _ := l.Allow(ctx, "user2", rule)
	if !allowed {
		t.Error("a different identifier must have its own window")
	}
}

func TestAllow_WindowExpires(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Scope: "test", Limit: 1, Window: 100 * time.Millisecond}

	l.Allow(ctx, "user1", rule)
	if allowed, _ := l.Allow(ctx, "user1", rule); allowed {
		t.Fatal("second request inside the window should be rejected")
	}

	time.Sleep(150 * time.Millisecond)

	if allowed, _ := l.Allow(ctx, "user1", rule); !allowed {
		t.Error("request after window expiry should be allowed")
	}
}

func TestRemaining(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Scope: "test", Limit: 5, Window: time.Minute}

	remaining, err := l.Remaining(ctx, "user1", rule)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if remaining != 5 {
		t.Errorf("fresh identifier should have the full limit, got %d", remaining)
	}

	l.Allow(ctx, "user1", rule)
	l.Allow(ctx, "user1", rule)

	remaining, _ = l.Remaining(ctx, "user1", rule)
	if remaining != 3 {
		t.Errorf("expected 3 remaining, got %d", remaining)
	}
}
