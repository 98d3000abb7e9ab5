package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lucianoaf8/gmail-assistant-sub002/internal/config"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/models"
)

// MessageCache caches fully fetched messages in Redis so that a resumed or
// retried run does not re-fetch messages the previous pass already pulled.
type MessageCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewMessageCache creates a new Redis-backed message cache
func NewMessageCache(cfg *config.RedisConfig, ttl time.Duration) (*MessageCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.MaxConnections,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewMessageCacheWithClient(client, ttl), nil
}

// NewMessageCacheWithClient wraps an existing Redis client. Used by tests.
func NewMessageCacheWithClient(client *redis.Client, ttl time.Duration) *MessageCache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &MessageCache{client: client, ttl: ttl}
}

// Close closes the Redis connection
func (c *MessageCache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Ping checks if Redis is reachable
func (c *MessageCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func messageKey(source, id string) string {
	return fmt.Sprintf("msg:%s:%s", source, id)
}

// Put stores a fetched message under its id.
func (c *MessageCache) Put(ctx context.Context, source string, msg *models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message %s: %w", msg.ID, err)
	}
	return c.client.Set(ctx, messageKey(source, msg.ID), data, c.ttl).Err()
}

// Get returns the cached message, or nil on a miss.
func (c *MessageCache) Get(ctx context.Context, source, id string) (*models.Message, error) {
	data, err := c.client.Get(ctx, messageKey(source, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cached message %s: %w", id, err)
	}

	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		// Treat a corrupt cache entry as a miss; it will be re-fetched.
		return nil, nil
	}
	return &msg, nil
}

// GetMany splits ids into cached messages and the ids that still need a
// remote fetch, preserving input order in the miss list.
func (c *MessageCache) GetMany(ctx context.Context, source string, ids []string) (map[string]*models.Message, []string, error) {
	hits := make(map[string]*models.Message, len(ids))
	var misses []string

	for _, id := range ids {
		msg, err := c.Get(ctx, source, id)
		if err != nil {
			return nil, nil, err
		}
		if msg == nil {
			misses = append(misses, id)
			continue
		}
		hits[id] = msg
	}

	return hits, misses, nil
}

// Invalidate removes cached entries for the given ids.
func (c *MessageCache) Invalidate(ctx context.Context, source string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = messageKey(source, id)
	}
	return c.client.Del(ctx, keys...).Err()
}
