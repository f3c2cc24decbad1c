package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestFixedWindowLimiterRedis(t *testing.T) {
	srv := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(srv.Addr(), "", "test:ratelimit", 2, time.Minute)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	t.Cleanup(func() { _ = limiter.Close() })
	ctx := context.Background()
	if !limiter.Allow(ctx, "u1/a1") {
		t.Fatalf("first trigger should pass")
	}
	if !limiter.Allow(ctx, "u1/a1") {
		t.Fatalf("second trigger should pass")
	}
	if limiter.Allow(ctx, "u1/a1") {
		t.Fatalf("third trigger should be blocked")
	}
	if !limiter.Allow(ctx, "u1/a2") {
		t.Fatalf("other avatars keep their own quota")
	}
}

func TestFixedWindowLimiterSharedClientAndRetryAfter(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter, err := NewFixedWindowLimiter(client, "", 1, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	limiter.now = func() time.Time { return time.UnixMilli(90_000) }
	if !limiter.Allow(context.Background(), "k") {
		t.Fatalf("first trigger should pass")
	}
	if got := limiter.RetryAfter(); got != 30*time.Second {
		t.Fatalf("retry after = %v", got)
	}
	if _, err := client.Get(context.Background(), "avatarlora:ratelimit:k:1").Result(); err != nil {
		t.Fatalf("expected default-prefixed counter: %v", err)
	}
	if err := limiter.Close(); err != nil {
		t.Fatalf("close must not touch a shared client: %v", err)
	}
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("shared client closed: %v", err)
	}
}

func TestFixedWindowLimiterRedisFailClosed(t *testing.T) {
	srv := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(srv.Addr(), "", "test:ratelimit", 1, time.Second)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	srv.Close()
	if limiter.Allow(context.Background(), "u1/a1") {
		t.Fatalf("limiter should fail closed on redis errors")
	}
}

func TestFixedWindowLimiterRequiresRedisAddr(t *testing.T) {
	limiter, err := NewRedisFixedWindowLimiter("", "", "test:ratelimit", 1, time.Second)
	if err == nil || limiter != nil {
		t.Fatalf("expected constructor error for empty redis addr")
	}
}
