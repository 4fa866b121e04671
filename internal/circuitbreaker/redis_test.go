package circuitbreaker

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/Daggahh/flow3.chat/internal/domain"
	"github.com/redis/go-redis/v9"
)

func redisClient(t *testing.T) *redis.Client {
	t.Helper()

	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping Redis circuit breaker tests")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })
	return client
}

func newRedisTestBreaker(t *testing.T, provider domain.ProviderID, cfg Config) *RedisCircuitBreaker {
	t.Helper()
	cb := NewRedis(redisClient(t), provider, cfg)
	t.Cleanup(func() { cb.Reset(context.Background()) })
	cb.Reset(context.Background())
	return cb
}

func TestRedisCircuitBreaker_StartsClosed(t *testing.T) {
	cb := newRedisTestBreaker(t, "test-openai", DefaultConfig())

	if got := cb.State(context.Background()); got != StateClosed {
		t.Errorf("expected StateClosed, got %v", got)
	}
}

func TestRedisCircuitBreaker_OpensAndBlocks(t *testing.T) {
	ctx := context.Background()
	cb := newRedisTestBreaker(t, "test-mistral", Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: 30 * time.Second})

	cb.RecordFailure(ctx)
	cb.RecordFailure(ctx)

	if cb.State(ctx) != StateOpen {
		t.Errorf("expected StateOpen, got %v", cb.State(ctx))
	}
	if err := cb.Allow(ctx); !errors.Is(err, domain.ErrCircuitBreakerOpen) {
		t.Errorf("expected ErrCircuitBreakerOpen, got %v", err)
	}
	if cb.Failures(ctx) != 2 {
		t.Errorf("expected 2 failures, got %d", cb.Failures(ctx))
	}
}

func TestRedisCircuitBreaker_RecoversThroughHalfOpen(t *testing.T) {
	ctx := context.Background()
	cb := newRedisTestBreaker(t, "test-grok", Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Second})

	cb.RecordFailure(ctx)
	time.Sleep(1100 * time.Millisecond)

	if err := cb.Allow(ctx); err != nil {
		t.Fatalf("expected trial call to be allowed, got %v", err)
	}
	if cb.State(ctx) != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", cb.State(ctx))
	}

	cb.RecordSuccess(ctx)
	if cb.State(ctx) != StateClosed {
		t.Errorf("expected StateClosed, got %v", cb.State(ctx))
	}
}

func TestRedisCircuitBreaker_Reset(t *testing.T) {
	ctx := context.Background()
	cb := newRedisTestBreaker(t, "test-cohere", Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute})

	cb.RecordFailure(ctx)
	if err := cb.Reset(ctx); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if cb.State(ctx) != StateClosed {
		t.Errorf("expected StateClosed after reset, got %v", cb.State(ctx))
	}
}

func TestManager_WithRedis(t *testing.T) {
	client := redisClient(t)
	m := NewManager(DefaultConfig(), WithRedis(client))

	cb := m.Get(domain.ProviderDeepSeek)
	if _, ok := cb.(*RedisCircuitBreaker); !ok {
		t.Errorf("expected *RedisCircuitBreaker, got %T", cb)
	}
	if m.Get(domain.ProviderDeepSeek) != cb {
		t.Error("expected same breaker for same provider")
	}
}

func TestRedisCircuitBreaker_SharedAcrossNodes(t *testing.T) {
	ctx := context.Background()
	cfg := Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute}
	nodeA := newRedisTestBreaker(t, "test-perplexity", cfg)
	nodeB := NewRedis(redisClient(t), "test-perplexity", cfg)

	nodeA.RecordFailure(ctx)
	nodeB.RecordFailure(ctx)

	if err := nodeA.Allow(ctx); !errors.Is(err, domain.ErrCircuitBreakerOpen) {
		t.Errorf("node A should see the breaker opened by node B, got %v", err)
	}

	ttl, err := nodeA.client.PTTL(ctx, nodeA.key).Result()
	if err != nil {
		t.Fatalf("PTTL: %v", err)
	}
	if ttl <= 0 || ttl > time.Hour {
		t.Errorf("breaker hash TTL = %v, want within an hour", ttl)
	}
}
