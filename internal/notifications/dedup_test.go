package notifications

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/Daggahh/flow3.chat/internal/domain"
	"github.com/redis/go-redis/v9"
)

func TestInMemoryDeduplicator_ShouldSend(t *testing.T) {
	ctx := context.Background()
	d := NewInMemoryDeduplicator(time.Hour)

	if !d.ShouldSend(ctx, "quota:user-1") {
		t.Error("first notification should be sent")
	}
	if d.ShouldSend(ctx, "quota:user-1") {
		t.Error("repeat should be dropped")
	}
	if !d.ShouldSend(ctx, "quota:user-2") {
		t.Error("different key should be sent")
	}

	d.Clear(ctx, "quota:user-1")
	if !d.ShouldSend(ctx, "quota:user-1") {
		t.Error("after clear, should be sent again")
	}
}

func TestInMemoryDeduplicator_WindowExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	d := NewInMemoryDeduplicator(time.Minute)
	d.now = func() time.Time { return now }

	d.ShouldSend(ctx, "k")
	now = now.Add(30 * time.Second)
	if d.ShouldSend(ctx, "k") {
		t.Error("inside the window the repeat should be dropped")
	}
	now = now.Add(31 * time.Second)
	if !d.ShouldSend(ctx, "k") {
		t.Error("after the window the notification should be sent")
	}
}

func TestDedupNotifier(t *testing.T) {
	ctx := context.Background()
	inner := NewInMemoryNotifier()
	n := NewDedupNotifier(inner, NewInMemoryDeduplicator(time.Hour))

	quota := Notification{Type: NotificationQuotaExceeded, UserID: "user-1"}
	down := Notification{Type: NotificationProviderDown, Provider: domain.ProviderOpenAI}
	up := Notification{Type: NotificationProviderUp, Provider: domain.ProviderOpenAI}

	for _, notification := range []Notification{quota, quota, down, down, up, down, up} {
		if err := n.Send(ctx, notification); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}

	var got []NotificationType
	for _, sent := range inner.GetNotifications() {
		got = append(got, sent.Type)
	}
	want := []NotificationType{NotificationQuotaExceeded, NotificationProviderDown, NotificationProviderUp, NotificationProviderDown, NotificationProviderUp}
	if len(got) != len(want) {
		t.Fatalf("sent %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sent[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping Redis deduplicator tests")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse REDIS_URL: %v", err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisDeduplicator_ShouldSend(t *testing.T) {
	ctx := context.Background()
	d := NewRedisDeduplicator(redisClient(t), time.Hour)
	defer d.Clear(ctx, "redis-user-1")

	if !d.ShouldSend(ctx, "redis-user-1") {
		t.Error("first notification should be sent")
	}
	if d.ShouldSend(ctx, "redis-user-1") {
		t.Error("repeat should be dropped")
	}

	d.Clear(ctx, "redis-user-1")
	if !d.ShouldSend(ctx, "redis-user-1") {
		t.Error("after clear, should be sent again")
	}
}

func TestRedisDeduplicator_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	d := NewRedisDeduplicator(redisClient(t), time.Second)
	defer d.Clear(ctx, "redis-user-2")

	if !d.ShouldSend(ctx, "redis-user-2") {
		t.Error("first notification should be sent")
	}
	time.Sleep(1100 * time.Millisecond)
	if !d.ShouldSend(ctx, "redis-user-2") {
		t.Error("after TTL expiry, should be sent again")
	}
}
