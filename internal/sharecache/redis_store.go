// Package sharecache caches share-token lookups so the client portal can
// resolve tokens without hitting Postgres on every request.
package sharecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a token is not cached.
var ErrNotFound = errors.New("share token not cached")

// Entry holds the data cached for each share token.
type Entry struct {
	ProposalID string    `json:"proposal_id"`
	ShareID    string    `json:"share_id,omitempty"`
	CachedAt   time.Time `json:"cached_at"`
}

// RedisStore implements share-token caching using Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new Redis-backed share cache.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{
		client: client,
		prefix: "share:",
	}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "share:",
	}
}

func (s *RedisStore) key(token string) string {
	return s.prefix + token
}

// Save caches a token. The TTL is clamped to the share expiry so the cache
// never outlives the share itself; nil expiresAt uses the default TTL.
func (s *RedisStore) Save(ctx context.Context, token string, entry Entry, expiresAt *time.Time) error {
	entry.CachedAt = time.Now()
	jsonData, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	ttl := 24 * time.Hour
	if expiresAt != nil {
		remaining := time.Until(*expiresAt)
		if remaining <= 0 {
			return nil
		}
		if remaining < ttl {
			ttl = remaining
		}
	}

	if err := s.client.Set(ctx, s.key(token), jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("save share token: %w", err)
	}
	return nil
}

// Lookup resolves a cached token.
func (s *RedisStore) Lookup(ctx context.Context, token string) (Entry, error) {
	jsonData, err := s.client.Get(ctx, s.key(token)).Result()
	if err == redis.Nil {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("lookup share token: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal([]byte(jsonData), &entry); err != nil {
		return Entry{}, fmt.Errorf("unmarshal cache entry: %w", err)
	}
	return entry, nil
}

// Invalidate drops a token from the cache. Used when a share is revoked.
func (s *RedisStore) Invalidate(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("invalidate share token: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
