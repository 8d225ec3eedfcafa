package ratelimit_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/forgeloop/agent-gateway/internal/ratelimit"
)

// newTestRedis starts a miniredis server and returns a client connected to it.
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return rdb
}

func TestRPMLimiter_AllowsUnderLimit(t *testing.T) {
	rdb := newTestRedis(t)
	limiter := ratelimit.NewRPMLimiter(rdb, 5)

	for i := 0; i < 5; i++ {
		ok, err := limiter.Allow(context.Background())
		if err != nil {
			t.Fatalf("Allow returned error on request %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("request %d should be allowed under the limit", i)
		}
	}
}

func TestRPMLimiter_BlocksOverLimit(t *testing.T) {
	rdb := newTestRedis(t)
	limiter := ratelimit.NewRPMLimiter(rdb, 3)

	for i := 0; i < 3; i++ {
		if ok, _ := limiter.Allow(context.Background()); !ok {
			t.Fatalf("request %d should be allowed", i)
		}
	}

	ok, err := limiter.Allow(context.Background())
	if err != nil {
		t.Fatalf("Allow returned error: %v", err)
	}
	if ok {
		t.Fatal("request over the limit should be blocked")
	}
}

func TestRPMLimiter_DegradesGracefully(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	limiter := ratelimit.NewRPMLimiter(rdb, 1)

	// Take the server down; the limiter must fail open.
	mr.Close()

	ok, err := limiter.Allow(context.Background())
	if err != nil {
		t.Fatalf("Allow returned error when Redis is down: %v", err)
	}
	if !ok {
		t.Fatal("limiter should allow requests when Redis is unavailable")
	}
}

func TestRPMLimiter_AgentLimitIsolated(t *testing.T) {
	rdb := newTestRedis(t)
	limiter := ratelimit.NewRPMLimiter(rdb, 100)
	limiter.SetAgentLimit(2)

	for i := 0; i < 2; i++ {
		ok, err := limiter.AllowAgent(context.Background(), "scaffolder")
		if err != nil || !ok {
			t.Fatalf("scaffolder request %d: ok=%v err=%v", i, ok, err)
		}
	}

	// The scaffolder bucket is full, but other agent types are untouched.
	if ok, _ := limiter.AllowAgent(context.Background(), "scaffolder"); ok {
		t.Error("scaffolder should be blocked at its per-agent limit")
	}
	if ok, _ := limiter.AllowAgent(context.Background(), "validator"); !ok {
		t.Error("validator should have its own bucket")
	}
}

func TestRPMLimiter_EmptyAgentSkipsAgentCheck(t *testing.T) {
	rdb := newTestRedis(t)
	limiter := ratelimit.NewRPMLimiter(rdb, 100)
	limiter.SetAgentLimit(1)

	// Requests without an agent type only consume the global bucket.
	for i := 0; i < 5; i++ {
		if ok, _ := limiter.AllowAgent(context.Background(), ""); !ok {
			t.Fatalf("request %d without agent type should be allowed", i)
		}
	}
}

func TestRPMLimiter_GlobalLimitGatesAgents(t *testing.T) {
	rdb := newTestRedis(t)
	limiter := ratelimit.NewRPMLimiter(rdb, 1)
	limiter.SetAgentLimit(100)

	if ok, _ := limiter.AllowAgent(context.Background(), "tester"); !ok {
		t.Fatal("first request should pass")
	}
	if ok, _ := limiter.AllowAgent(context.Background(), "tester"); ok {
		t.Error("global limit should block even when the agent bucket has room")
	}
}
