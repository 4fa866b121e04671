package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Daggahh/flow3.chat/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultGuestLimit  = 10
	DefaultGuestWindow = 24 * time.Hour
)

// GuestUsage is the counter state for one anonymous identity. The window
// starts at the first counted request and rolls over after the window elapses.
type GuestUsage struct {
	Count       int
	WindowStart time.Time
}

// GuestStore persists free-tier counters keyed by anonymous identity.
type GuestStore interface {
	Get(ctx context.Context, id string, window time.Duration) (GuestUsage, error)
	// Reserve increments the counter only while it is below limit. The check
	// and the increment are atomic.
	Reserve(ctx context.Context, id string, limit int, window time.Duration) (GuestUsage, bool, error)
	// Release gives back one reservation in the current window.
	Release(ctx context.Context, id string, window time.Duration) error
}

// GuestLimiter caps free-tier usage per anonymous identity. Reserve takes a
// slot at admission; Release refunds it when the turn does not complete.
type GuestLimiter struct {
	store  GuestStore
	limit  int
	window time.Duration
}

func NewGuestLimiter(store GuestStore, limit int, window time.Duration) *GuestLimiter {
	if limit <= 0 {
		limit = DefaultGuestLimit
	}
	if window <= 0 {
		window = DefaultGuestWindow
	}
	return &GuestLimiter{store: store, limit: limit, window: window}
}

func (g *GuestLimiter) Limit() int { return g.limit }

// Check reports the current usage without counting, failing once the limit is reached.
func (g *GuestLimiter) Check(ctx context.Context, id string) (GuestUsage, error) {
	usage, err := g.store.Get(ctx, id, g.window)
	if err != nil {
		return GuestUsage{}, fmt.Errorf("read guest usage: %w", err)
	}
	if usage.Count >= g.limit {
		return usage, domain.ErrGuestQuota
	}
	return usage, nil
}

func (g *GuestLimiter) Reserve(ctx context.Context, id string) (GuestUsage, error) {
	usage, ok, err := g.store.Reserve(ctx, id, g.limit, g.window)
	if err != nil {
		return GuestUsage{}, fmt.Errorf("reserve guest usage: %w", err)
	}
	if !ok {
		return usage, domain.ErrGuestQuota
	}
	return usage, nil
}

func (g *GuestLimiter) Release(ctx context.Context, id string) error {
	if err := g.store.Release(ctx, id, g.window); err != nil {
		return fmt.Errorf("release guest usage: %w", err)
	}
	return nil
}

type InMemoryGuestStore struct {
	mu     sync.Mutex
	usages map[string]GuestUsage
	now    func() time.Time
}

func NewInMemoryGuestStore() *InMemoryGuestStore {
	return &InMemoryGuestStore{
		usages: make(map[string]GuestUsage),
		now:    time.Now,
	}
}

// current returns the usage in the live window. Callers hold s.mu.
func (s *InMemoryGuestStore) current(id string, window time.Duration) (GuestUsage, bool) {
	u, ok := s.usages[id]
	if !ok || s.now().Sub(u.WindowStart) >= window {
		return GuestUsage{}, false
	}
	return u, true
}

func (s *InMemoryGuestStore) Get(ctx context.Context, id string, window time.Duration) (GuestUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, _ := s.current(id, window)
	return u, nil
}

func (s *InMemoryGuestStore) Reserve(ctx context.Context, id string, limit int, window time.Duration) (GuestUsage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.current(id, window)
	if !ok {
		u = GuestUsage{WindowStart: s.now()}
	}
	if u.Count >= limit {
		return u, false, nil
	}
	u.Count++
	s.usages[id] = u
	return u, true, nil
}

func (s *InMemoryGuestStore) Release(ctx context.Context, id string, window time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.current(id, window)
	if !ok || u.Count == 0 {
		return nil
	}
	u.Count--
	s.usages[id] = u
	return nil
}

// reserveGuestScript bumps the counter unless it has reached the limit,
// restarting the window when it has elapsed.
// Keys: [usage_key]
// Args: [now_ms, window_ms, limit]
// Returns: {reserved, count, window_start_ms}
var reserveGuestScript = redis.NewScript(`
local ts = tonumber(redis.call('HGET', KEYS[1], 'ts') or '0')
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

if ts == 0 or (now - ts) >= window then
    if limit < 1 then
        return {0, 0, now}
    end
    redis.call('HSET', KEYS[1], 'count', 1, 'ts', now)
    redis.call('PEXPIRE', KEYS[1], window)
    return {1, 1, now}
end

local count = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
if count >= limit then
    return {0, count, ts}
end
count = redis.call('HINCRBY', KEYS[1], 'count', 1)
return {1, count, ts}
`)

// releaseGuestScript decrements the counter if the window is still live.
// Keys: [usage_key]
// Args: [now_ms, window_ms]
var releaseGuestScript = redis.NewScript(`
local ts = tonumber(redis.call('HGET', KEYS[1], 'ts') or '0')
if ts == 0 or (tonumber(ARGV[1]) - ts) >= tonumber(ARGV[2]) then
    return 0
end
local count = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
if count > 0 then
    redis.call('HINCRBY', KEYS[1], 'count', -1)
end
return 1
`)

type RedisGuestStore struct {
	client *redis.Client
	prefix string
}

func NewRedisGuestStore(client *redis.Client) *RedisGuestStore {
	return &RedisGuestStore{client: client, prefix: "guest:"}
}

func (s *RedisGuestStore) Get(ctx context.Context, id string, window time.Duration) (GuestUsage, error) {
	vals, err := s.client.HMGet(ctx, s.prefix+id, "count", "ts").Result()
	if err != nil {
		return GuestUsage{}, err
	}

	count, _ := toInt64(vals[0])
	ts, _ := toInt64(vals[1])
	if ts == 0 {
		return GuestUsage{}, nil
	}

	start := time.UnixMilli(ts)
	if time.Since(start) >= window {
		return GuestUsage{}, nil
	}
	return GuestUsage{Count: int(count), WindowStart: start}, nil
}

func (s *RedisGuestStore) Reserve(ctx context.Context, id string, limit int, window time.Duration) (GuestUsage, bool, error) {
	res, err := reserveGuestScript.Run(ctx, s.client,
		[]string{s.prefix + id},
		time.Now().UnixMilli(),
		window.Milliseconds(),
		limit,
	).Int64Slice()
	if err != nil {
		return GuestUsage{}, false, err
	}
	if len(res) != 3 {
		return GuestUsage{}, false, fmt.Errorf("unexpected script result %v", res)
	}
	return GuestUsage{Count: int(res[1]), WindowStart: time.UnixMilli(res[2])}, res[0] == 1, nil
}

func (s *RedisGuestStore) Release(ctx context.Context, id string, window time.Duration) error {
	return releaseGuestScript.Run(ctx, s.client,
		[]string{s.prefix + id},
		time.Now().UnixMilli(),
		window.Milliseconds(),
	).Err()
}

func toInt64(v interface{}) (int64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil
}
