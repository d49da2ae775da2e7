// Package cursor provides an optional Redis backend for read cursors.
// PostgreSQL remains the default backend; mark-read traffic is
// best-effort, so lost cursor writes only inflate unread counts.
package cursor

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one last-read timestamp per (channel, user).
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: "cursor:"}, nil
}

// NewRedisStoreWithClient wraps an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "cursor:"}
}

func (s *RedisStore) key(channelID, userID string) string {
	return s.prefix + channelID + ":" + userID
}

// GetReadCursor returns the stored timestamp; the second result is
// false when no cursor exists (everything unread).
func (s *RedisStore) GetReadCursor(ctx context.Context, channelID, userID string) (time.Time, bool, error) {
	raw, err := s.client.Get(ctx, s.key(channelID, userID)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get read cursor: %w", err)
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse read cursor: %w", err)
	}
	return at, true, nil
}

// SetReadCursor advances the cursor; it never moves it backwards.
func (s *RedisStore) SetReadCursor(ctx context.Context, channelID, userID string, at time.Time) error {
	key := s.key(channelID, userID)
	existing, found, err := s.GetReadCursor(ctx, channelID, userID)
	if err != nil {
		return err
	}
	if found && !at.After(existing) {
		return nil
	}
	if err := s.client.Set(ctx, key, at.UTC().Format(time.RFC3339Nano), 0).Err(); err != nil {
		return fmt.Errorf("set read cursor: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
