package gateway_test

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lecternhq/lectern/internal/gateway"
)

// newTestRedis connects to the local Redis on DB 9 and flushes it so each
// test starts empty. Tests are skipped when Redis is not reachable.
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379", DB: 9})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping: Redis not reachable on 127.0.0.1:6379: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush test db: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRateLimiterCountsWindow(t *testing.T) {
	limiter := gateway.NewRateLimiter(newTestRedis(t), 3)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		ok, err := limiter.Allow(ctx, "alice")
		if err != nil {
			t.Fatalf("Allow #%d: %v", i, err)
		}
		if !ok {
			t.Fatalf("message %d rejected under the limit", i)
		}
	}
	ok, err := limiter.Allow(ctx, "alice")
	if err != nil {
		t.Fatalf("Allow #4: %v", err)
	}
	if ok {
		t.Error("message over the limit was allowed")
	}
}

func TestRateLimiterIsolatesUsers(t *testing.T) {
	limiter := gateway.NewRateLimiter(newTestRedis(t), 1)
	ctx := context.Background()

	if ok, _ := limiter.Allow(ctx, "alice"); !ok {
		t.Fatal("alice's first message rejected")
	}
	if ok, _ := limiter.Allow(ctx, "alice"); ok {
		t.Error("alice's second message allowed at limit 1")
	}
	if ok, err := limiter.Allow(ctx, "bob"); err != nil || !ok {
		t.Errorf("bob's first message: ok=%v err=%v, want allowed", ok, err)
	}
}

func TestRateLimiterWindowExpires(t *testing.T) {
	rdb := newTestRedis(t)
	limiter := gateway.NewRateLimiter(rdb, 5)
	ctx := context.Background()

	if _, err := limiter.Allow(ctx, "alice"); err != nil {
		t.Fatalf("Allow: %v", err)
	}
	ttl, err := rdb.TTL(ctx, "ratelimit:tts:alice").Result()
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL = %v, want within (0, 1m]", ttl)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rdb := newTestRedis(t)
	limiter := gateway.NewRateLimiter(rdb, 0)
	ctx := context.Background()

	for range 10 {
		ok, err := limiter.Allow(ctx, "alice")
		if err != nil || !ok {
			t.Fatalf("disabled limiter rejected: ok=%v err=%v", ok, err)
		}
	}
	n, err := rdb.Exists(ctx, "ratelimit:tts:alice").Result()
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if n != 0 {
		t.Error("disabled limiter wrote a counter key")
	}
}
