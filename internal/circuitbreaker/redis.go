package circuitbreaker

import (
	"context"
	"log/slog"
	"time"

	"github.com/Daggahh/flow3.chat/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Breaker state lives in one hash per vendor:
//
//	flow3:breaker:<provider> -> state, failures, successes, last_failure_ms
//
// Every transition runs inside a script so concurrent nodes agree on it.
// The hash expires after a quiet period so a vendor that stopped being used
// does not stay open forever.

var breakerAllowScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'
if state ~= 'open' then
    return state
end

local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
local last = tonumber(redis.call('HGET', KEYS[1], 'last_failure_ms') or '0')
if now - last >= tonumber(ARGV[1]) then
    redis.call('HSET', KEYS[1], 'state', 'half-open', 'successes', 0)
    return 'half-open'
end
return 'open'
`)

var breakerSuccessScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'
if state == 'half-open' then
    local successes = redis.call('HINCRBY', KEYS[1], 'successes', 1)
    if successes >= tonumber(ARGV[1]) then
        redis.call('HSET', KEYS[1], 'state', 'closed', 'failures', 0, 'successes', 0)
        state = 'closed'
    end
elseif state == 'closed' then
    redis.call('HSET', KEYS[1], 'failures', 0)
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return state
`)

var breakerFailureScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
redis.call('HSET', KEYS[1], 'last_failure_ms', now)

if state == 'closed' then
    local failures = redis.call('HINCRBY', KEYS[1], 'failures', 1)
    if failures >= tonumber(ARGV[1]) then
        state = 'open'
    end
elseif state == 'half-open' then
    state = 'open'
end
redis.call('HSET', KEYS[1], 'state', state, 'successes', 0)
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return state
`)

// RedisCircuitBreaker shares one vendor's breaker across every node. Redis
// errors fail open: a cache outage must not take every vendor down with it.
type RedisCircuitBreaker struct {
	client   *redis.Client
	provider domain.ProviderID
	config   Config
	key      string
}

func NewRedis(client *redis.Client, provider domain.ProviderID, cfg Config) *RedisCircuitBreaker {
	return &RedisCircuitBreaker{
		client:   client,
		provider: provider,
		config:   cfg,
		key:      "flow3:breaker:" + string(provider),
	}
}

// retention keeps an idle hash around long enough to outlive an open period.
func (cb *RedisCircuitBreaker) retention() int64 {
	ttl := 10 * cb.config.Timeout
	if ttl < time.Hour {
		ttl = time.Hour
	}
	return ttl.Milliseconds()
}

func (cb *RedisCircuitBreaker) Allow(ctx context.Context) error {
	state, err := breakerAllowScript.Run(ctx, cb.client, []string{cb.key}, cb.config.Timeout.Milliseconds()).Text()
	if err != nil {
		slog.Warn("circuit breaker unavailable, allowing call", "provider", cb.provider, "error", err)
		return nil
	}
	if parseState(state) == StateOpen {
		return domain.ErrCircuitBreakerOpen
	}
	return nil
}

func (cb *RedisCircuitBreaker) RecordSuccess(ctx context.Context) {
	err := breakerSuccessScript.Run(ctx, cb.client, []string{cb.key}, cb.config.SuccessThreshold, cb.retention()).Err()
	if err != nil {
		slog.Warn("failed to record vendor success", "provider", cb.provider, "error", err)
	}
}

func (cb *RedisCircuitBreaker) RecordFailure(ctx context.Context) {
	err := breakerFailureScript.Run(ctx, cb.client, []string{cb.key}, cb.config.FailureThreshold, cb.retention()).Err()
	if err != nil {
		slog.Warn("failed to record vendor failure", "provider", cb.provider, "error", err)
	}
}

func (cb *RedisCircuitBreaker) State(ctx context.Context) State {
	state, err := cb.client.HGet(ctx, cb.key, "state").Result()
	if err != nil {
		return StateClosed
	}
	return parseState(state)
}

// Failures returns the consecutive failure count while closed.
func (cb *RedisCircuitBreaker) Failures(ctx context.Context) int {
	n, err := cb.client.HGet(ctx, cb.key, "failures").Int()
	if err != nil {
		return 0
	}
	return n
}

// Reset forces the breaker closed.
func (cb *RedisCircuitBreaker) Reset(ctx context.Context) error {
	return cb.client.Del(ctx, cb.key).Err()
}

func parseState(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half-open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}
