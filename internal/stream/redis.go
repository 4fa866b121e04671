package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/Daggahh/flow3.chat/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	fieldEvent = "event"
	fieldDone  = "done"

	readBlock = 5 * time.Second
	readCount = 100
)

var errStreamCompleted = errors.New("stream is completed")

// publishScript appends one entry unless the stream was completed.
// Keys: [stream_key, meta_key]
// Args: [field, value, ttl_seconds, next_state]
// Returns: the entry id, or an error reply when the stream is unknown or completed
var publishScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[2], 'state')
if not state then
    return redis.error_reply('unknown')
end
if state == 'completed' then
    return redis.error_reply('completed')
end

local id = redis.call('XADD', KEYS[1], '*', ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], 'state', ARGV[4])
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('EXPIRE', KEYS[2], ARGV[3])
return id
`)

// RedisRegistry stores each stream as a Redis Stream so that any node can
// serve a resume. Readers use XREAD from the first entry, which gives every
// subscriber the same order.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisRegistry(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{client: client, ttl: TTL}
}

func streamKey(id string) string { return "stream:" + id }

func metaKey(id string) string { return "stream:" + id + ":meta" }

func (r *RedisRegistry) Enabled() bool { return true }

func (r *RedisRegistry) Register(ctx context.Context, streamID, chatID string) error {
	key := metaKey(streamID)

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key,
		"state", string(StatePending),
		"chat_id", chatID,
		"created_at", strconv.FormatInt(time.Now().Unix(), 10),
	)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register stream: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Publish(ctx context.Context, streamID string, ev domain.DeltaEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return r.append(ctx, streamID, fieldEvent, string(data), StateActive)
}

// Complete appends a marker entry so that blocked readers wake up and stop.
func (r *RedisRegistry) Complete(ctx context.Context, streamID string) error {
	err := r.append(ctx, streamID, fieldDone, "1", StateCompleted)
	if errors.Is(err, errStreamCompleted) {
		return nil
	}
	return err
}

func (r *RedisRegistry) append(ctx context.Context, streamID, field, value string, next State) error {
	keys := []string{streamKey(streamID), metaKey(streamID)}
	ttl := strconv.Itoa(int(r.ttl.Seconds()))

	err := publishScript.Run(ctx, r.client, keys, field, value, ttl, string(next)).Err()
	switch {
	case err == nil:
		return nil
	case err.Error() == "unknown":
		return domain.ErrNoResumableStream
	case err.Error() == "completed":
		return errStreamCompleted
	default:
		return fmt.Errorf("append to stream: %w", err)
	}
}

func (r *RedisRegistry) Subscribe(ctx context.Context, streamID string) (<-chan domain.DeltaEvent, error) {
	n, err := r.client.Exists(ctx, metaKey(streamID)).Result()
	if err != nil {
		return nil, fmt.Errorf("check stream: %w", err)
	}
	if n == 0 {
		return nil, domain.ErrNoResumableStream
	}

	out := make(chan domain.DeltaEvent)
	go func() {
		defer close(out)
		if err := r.follow(ctx, streamID, out); err != nil && ctx.Err() == nil {
			slog.Warn("stream subscriber stopped", "stream_id", streamID, "error", err)
		}
	}()
	return out, nil
}

func (r *RedisRegistry) follow(ctx context.Context, streamID string, out chan<- domain.DeltaEvent) error {
	key := streamKey(streamID)
	lastID := "0-0"

	for {
		res, err := r.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, lastID},
			Count:   readCount,
			Block:   readBlock,
		}).Result()
		if errors.Is(err, redis.Nil) {
			// Nothing new within the block window. An expired stream ends the read.
			state, serr := r.State(ctx, streamID)
			if serr != nil {
				return serr
			}
			if state == StateCompleted {
				return nil
			}
			continue
		}
		if err != nil {
			return err
		}

		for _, s := range res {
			for _, msg := range s.Messages {
				lastID = msg.ID
				if _, ok := msg.Values[fieldDone]; ok {
					return nil
				}
				raw, ok := msg.Values[fieldEvent].(string)
				if !ok {
					continue
				}
				var ev domain.DeltaEvent
				if err := json.Unmarshal([]byte(raw), &ev); err != nil {
					return fmt.Errorf("decode entry %s: %w", msg.ID, err)
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

func (r *RedisRegistry) State(ctx context.Context, streamID string) (State, error) {
	state, err := r.client.HGet(ctx, metaKey(streamID), "state").Result()
	if errors.Is(err, redis.Nil) {
		return "", domain.ErrNoResumableStream
	}
	if err != nil {
		return "", fmt.Errorf("stream state: %w", err)
	}
	return State(state), nil
}

// Delete removes a stream and its metadata.
func (r *RedisRegistry) Delete(ctx context.Context, streamID string) error {
	return r.client.Del(ctx, streamKey(streamID), metaKey(streamID)).Err()
}
