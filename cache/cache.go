// Package cache provides a Redis backed cache for serialized list responses.
// Busting bumps a per-resource version key instead of scanning for entries,
// so invalidation is a single INCR regardless of how many pages are cached.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// New creates a new Redis client and verifies connectivity.
func New(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	return client, nil
}

// Lists caches serialized list responses. It implements crud.ListCache.
// Backend failures degrade to cache misses.
type Lists struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewLists returns a list cache with the given entry TTL.
func NewLists(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Lists {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Lists{client: client, ttl: ttl, logger: logger}
}

// Get returns the cached payload for key, if present and current.
func (c *Lists) Get(ctx context.Context, key string) ([]byte, bool) {
	payload, err := c.client.Get(ctx, c.entryKey(ctx, key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.warn("cache get", err)
		}
		return nil, false
	}
	return payload, true
}

// Set stores the payload for key under the resource's current version.
func (c *Lists) Set(ctx context.Context, key string, payload []byte) {
	if err := c.client.Set(ctx, c.entryKey(ctx, key), payload, c.ttl).Err(); err != nil {
		c.warn("cache set", err)
	}
}

// Bust invalidates every cached list for the resource by bumping its
// version. Stale entries expire with their TTL.
func (c *Lists) Bust(ctx context.Context, resource string) {
	if err := c.client.Incr(ctx, versionKey(resource)).Err(); err != nil {
		c.warn("cache bust", err)
	}
}

func (c *Lists) entryKey(ctx context.Context, key string) string {
	resource, _, _ := strings.Cut(key, ":")
	version, err := c.client.Get(ctx, versionKey(resource)).Int64()
	if err != nil && err != redis.Nil {
		c.warn("cache version", err)
	}
	return fmt.Sprintf("crudkit:list:%d:%s", version, key)
}

func versionKey(resource string) string {
	return "crudkit:ver:" + resource
}

func (c *Lists) warn(op string, err error) {
	if c.logger != nil {
		c.logger.Warn(op, slog.Any("error", err))
	}
}
