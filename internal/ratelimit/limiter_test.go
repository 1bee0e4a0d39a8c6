package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	_ Limiter = (*RedisLimiter)(nil)
	_ Limiter = (*LocalLimiter)(nil)
)

// ---------------------------------------------------------------------------
// Local token bucket
// ---------------------------------------------------------------------------

func TestLocal_BurstThenDeny(t *testing.T) {
	l := NewLocalLimiter()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	rule := MessageRule(3, 3*time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if ok, _, _ := l.Allow(ctx, "alice", rule); !ok {
			t.Fatalf("request %d denied inside burst", i+1)
		}
	}
	ok, retry, _ := l.Allow(ctx, "alice", rule)
	if ok {
		t.Fatal("4th request should be denied")
	}
	if retry <= 0 || retry > time.Second {
		t.Errorf("retryAfter = %v, want (0, 1s]", retry)
	}

	if ok, _, _ := l.Allow(ctx, "bob", rule); !ok {
		t.Error("other identifiers have their own bucket")
	}

	now = now.Add(time.Second)
	if ok, _, _ := l.Allow(ctx, "alice", rule); !ok {
		t.Error("a token should refill after Window/Limit")
	}
}

func TestLocal_DisabledRule(t *testing.T) {
	l := NewLocalLimiter()
	for i := 0; i < 100; i++ {
		if ok, _, _ := l.Allow(context.Background(), "x", Rule{Key: "k:"}); !ok {
			t.Fatal("zero limit means unlimited")
		}
	}
}

func TestLocal_Prune(t *testing.T) {
	l := NewLocalLimiter()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	l.Allow(context.Background(), "a", MessageRule(1, time.Second))
	now = now.Add(time.Hour)
	if n := l.Prune(10 * time.Minute); n != 1 {
		t.Errorf("Prune() = %d, want 1", n)
	}
}

// ---------------------------------------------------------------------------
// Redis fixed window
// ---------------------------------------------------------------------------

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		iter := client.Scan(ctx, 0, "rl:test:*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		client.Close()
	})
	return client
}

func TestRedis_AllowAndRemaining(t *testing.T) {
	l := NewRedisLimiter(newTestRedis(t))
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 2, Window: 5 * time.Second}

	for i := 0; i < 2; i++ {
		if ok, _, err := l.Allow(ctx, "u1", rule); !ok || err != nil {
			t.Fatalf("request %d: allowed=%v err=%v", i+1, ok, err)
		}
	}
	ok, retry, err := l.Allow(ctx, "u1", rule)
	if ok || err != nil {
		t.Fatalf("3rd request: allowed=%v err=%v", ok, err)
	}
	if retry <= 0 || retry > 5*time.Second {
		t.Errorf("retryAfter = %v", retry)
	}
	if n, _ := l.Remaining(ctx, "u1", rule); n != 0 {
		t.Errorf("Remaining = %d, want 0", n)
	}
	if n, _ := l.Remaining(ctx, "u2", rule); n != 2 {
		t.Errorf("Remaining(unused) = %d, want 2", n)
	}
}
