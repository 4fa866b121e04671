package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduplicator decides whether a notification with a given key was already
// sent within the window, by this or another instance.
type Deduplicator interface {
	// ShouldSend returns true for the first caller within the window.
	ShouldSend(ctx context.Context, key string) bool
	Clear(ctx context.Context, key string)
}

type InMemoryDeduplicator struct {
	mu     sync.Mutex
	window time.Duration
	sent   map[string]time.Time
	now    func() time.Time
}

func NewInMemoryDeduplicator(window time.Duration) *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		window: window,
		sent:   make(map[string]time.Time),
		now:    time.Now,
	}
}

func (d *InMemoryDeduplicator) ShouldSend(ctx context.Context, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.sent[key]; ok && now.Sub(at) < d.window {
		return false
	}
	d.sent[key] = now
	return true
}

func (d *InMemoryDeduplicator) Clear(ctx context.Context, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sent, key)
}

// RedisDeduplicator shares the sent markers across instances.
type RedisDeduplicator struct {
	client *redis.Client
	window time.Duration
}

func NewRedisDeduplicator(client *redis.Client, window time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{client: client, window: window}
}

func (d *RedisDeduplicator) key(key string) string {
	return "notify:sent:" + key
}

// ShouldSend uses SETNX so only one instance wins the window. Redis errors
// fail open.
func (d *RedisDeduplicator) ShouldSend(ctx context.Context, key string) bool {
	acquired, err := d.client.SetNX(ctx, d.key(key), time.Now().Unix(), d.window).Result()
	if err != nil {
		slog.Warn("notification dedup unavailable", "error", err)
		return true
	}
	return acquired
}

func (d *RedisDeduplicator) Clear(ctx context.Context, key string) {
	d.client.Del(ctx, d.key(key))
}

// DedupNotifier drops repeats of the same notification within the
// deduplicator's window. A provider_up clears the matching provider_down
// marker and the other way round, so each transition is reported once.
type DedupNotifier struct {
	next  Notifier
	dedup Deduplicator
}

func NewDedupNotifier(next Notifier, dedup Deduplicator) *DedupNotifier {
	return &DedupNotifier{next: next, dedup: dedup}
}

func dedupKey(typ NotificationType, n Notification) string {
	return fmt.Sprintf("%s:%s:%s", typ, n.UserID, n.Provider)
}

func (d *DedupNotifier) Send(ctx context.Context, n Notification) error {
	if !d.dedup.ShouldSend(ctx, dedupKey(n.Type, n)) {
		slog.Debug("duplicate notification dropped", "type", n.Type, "user_id", n.UserID, "provider", n.Provider)
		return nil
	}

	switch n.Type {
	case NotificationProviderUp:
		d.dedup.Clear(ctx, dedupKey(NotificationProviderDown, n))
	case NotificationProviderDown:
		d.dedup.Clear(ctx, dedupKey(NotificationProviderUp, n))
	}
	return d.next.Send(ctx, n)
}
