package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go-chat-realtime/internal/chat"

	"github.com/redis/go-redis/v9"
)

// ErrNotCached is returned when the cache holds no entry for a user.
var ErrNotCached = errors.New("presence not cached")

const keyPrefix = "presence:"

type Entry struct {
	UserID   string      `json:"userId"`
	Status   chat.Status `json:"status"`
	LastSeen time.Time   `json:"lastSeen"`
}

// Cache mirrors user presence into redis hashes so other services can read
// it without touching Postgres.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewCache(rdb *redis.Client, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, ttl: ttl}
}

func key(userID string) string { return keyPrefix + userID }

func (c *Cache) Set(ctx context.Context, userID string, status chat.Status, lastSeen time.Time) error {
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key(userID), "status", string(status), "last_seen", lastSeen.UTC().Format(time.RFC3339Nano))
	if c.ttl > 0 {
		pipe.Expire(ctx, key(userID), c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache presence %s: %w", userID, err)
	}
	return nil
}

func (c *Cache) Get(ctx context.Context, userID string) (Entry, error) {
	fields, err := c.rdb.HGetAll(ctx, key(userID)).Result()
	if err != nil {
		return Entry{}, fmt.Errorf("read presence %s: %w", userID, err)
	}
	if len(fields) == 0 {
		return Entry{}, ErrNotCached
	}
	e := Entry{UserID: userID, Status: chat.Status(fields["status"])}
	if ts := fields["last_seen"]; ts != "" {
		if e.LastSeen, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return Entry{}, fmt.Errorf("parse last_seen for %s: %w", userID, err)
		}
	}
	return e, nil
}

// Ping checks the redis connection.
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
