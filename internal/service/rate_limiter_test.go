package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type mockRedisEvaler struct {
	lastScript string
	lastKeys   []string
	lastArgs   []interface{}
	result     int64
	err        error
}

func (m *mockRedisEvaler) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	m.lastScript = script
	m.lastKeys = keys
	m.lastArgs = args
	cmd := redis.NewCmd(ctx)
	if m.err != nil {
		cmd.SetErr(m.err)
		return cmd
	}
	cmd.SetVal(m.result)
	return cmd
}

func TestMemoryRateLimiter(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryRateLimiter(50*time.Millisecond, 2)

	if !l.Allow(ctx, "1.2.3.4") || !l.Allow(ctx, "1.2.3.4") {
		t.Fatalf("expected first two hits allowed")
	}
	if l.Allow(ctx, "1.2.3.4") {
		t.Fatalf("expected third hit denied")
	}
	if !l.Allow(ctx, "5.6.7.8") {
		t.Fatalf("expected other keys unaffected")
	}

	time.Sleep(70 * time.Millisecond)
	if !l.Allow(ctx, "1.2.3.4") {
		t.Fatalf("expected window to slide")
	}
}

func TestRedisRateLimiterAllow(t *testing.T) {
	ctx := context.Background()

	t.Run("nil receiver fail-open", func(t *testing.T) {
		var l *redisRateLimiter
		if !l.Allow(ctx, "1.2.3.4") {
			t.Fatalf("expected fail-open for nil limiter")
		}
	})

	t.Run("empty key rejected", func(t *testing.T) {
		l := &redisRateLimiter{client: &mockRedisEvaler{result: 1}, window: time.Minute, max: 3, prefix: "rv:rl:device:"}
		if l.Allow(ctx, "   ") {
			t.Fatalf("expected empty key to be rejected")
		}
	})

	t.Run("allow when count within max", func(t *testing.T) {
		mock := &mockRedisEvaler{result: 2}
		l := &redisRateLimiter{client: mock, window: 2 * time.Minute, max: 3, prefix: "rv:rl:device:"}
		if !l.Allow(ctx, " 10.0.0.1 ") {
			t.Fatalf("expected allow when count <= max")
		}
		if len(mock.lastKeys) != 1 || mock.lastKeys[0] != "rv:rl:device:10.0.0.1" {
			t.Fatalf("unexpected key normalization, got %+v", mock.lastKeys)
		}
		if len(mock.lastArgs) != 1 || mock.lastArgs[0] != 120 {
			t.Fatalf("expected TTL seconds=120, got %+v", mock.lastArgs)
		}
		if mock.lastScript != redisRateAllowScript {
			t.Fatalf("expected script to match")
		}
	})

	t.Run("deny when count exceeds max", func(t *testing.T) {
		l := &redisRateLimiter{client: &mockRedisEvaler{result: 4}, window: time.Minute, max: 3, prefix: "rv:rl:device:"}
		if l.Allow(ctx, "10.0.0.1") {
			t.Fatalf("expected deny when count > max")
		}
	})

	t.Run("redis error fail-open", func(t *testing.T) {
		l := &redisRateLimiter{client: &mockRedisEvaler{err: errors.New("redis down")}, window: time.Minute, max: 3, prefix: "rv:rl:device:"}
		if !l.Allow(ctx, "10.0.0.1") {
			t.Fatalf("expected fail-open on redis errors")
		}
	})
}
