package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type RedisRateLimiter struct {
	client *redis.Client
	prefix string
}

func NewRedisRateLimiter(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, prefix: "ratelimit:"}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, time.Time, error) {
	redisKey := r.prefix + key
	now := time.Now()
	windowStart := now.Add(-window)
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()[:8])

	pipe := r.client.Pipeline()

	pipe.ZRemRangeByScore(ctx, redisKey, "0", formatTime(windowStart))

	pipe.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: member,
	})

	countCmd := pipe.ZCard(ctx, redisKey)
	oldestCmd := pipe.ZRangeWithScores(ctx, redisKey, 0, 0)

	pipe.Expire(ctx, redisKey, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, time.Time{}, err
	}

	resetAt := now.Add(window)
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		resetAt = time.Unix(0, int64(oldest[0].Score)).Add(window)
	}

	count := int(countCmd.Val())
	if count > limit {
		// Rejected attempts must not count against the window.
		if err := r.client.ZRem(ctx, redisKey, member).Err(); err != nil {
			return false, 0, resetAt, err
		}
		return false, 0, resetAt, nil
	}

	return true, limit - count, resetAt, nil
}

func formatTime(t time.Time) string {
	return fmt.Sprintf("%d", t.UnixNano())
}
