package message

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// redisTimeout bounds each Redis round trip.
const redisTimeout = 2 * time.Second

// redisKey returns the Redis key for a room's message list.
func redisKey(roomID string) string {
	return "room:" + roomID + ":messages"
}

// RedisStore persists messages in Redis using a list per room.
type RedisStore struct {
	client  redis.Cmdable
	maxSize int64
}

// NewRedisStore creates a RedisStore that retains up to maxSize messages per room.
func NewRedisStore(client redis.Cmdable, maxSize int) *RedisStore {
	return &RedisStore{
		client:  client,
		maxSize: int64(maxSize),
	}
}

// Append pushes the event onto the room's list, trimming to maxSize. The
// record is returned only once Redis has acknowledged the write.
func (s *RedisStore) Append(ctx context.Context, ev Event) (*Message, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	msg := FromEvent(newID(), ev)
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	key := redisKey(msg.RoomID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	if s.maxSize > 0 {
		pipe.LTrim(ctx, key, -s.maxSize, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis append: %w", err)
	}
	return msg, nil
}

// Recent returns the last limit messages for a room, oldest first.
func (s *RedisStore) Recent(ctx context.Context, roomID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	vals, err := s.client.LRange(ctx, redisKey(roomID), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis recent: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}

	msgs := make([]*Message, 0, len(vals))
	for _, v := range vals {
		var m Message
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			log.Warn().Str("module", "message.redis").Err(err).Str("room", roomID).Msg("skipping undecodable message")
			continue
		}
		msgs = append(msgs, &m)
	}
	return msgs, nil
}

// Count returns the number of stored messages for a room.
func (s *RedisStore) Count(ctx context.Context, roomID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	n, err := s.client.LLen(ctx, redisKey(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis count: %w", err)
	}
	return int(n), nil
}
