// Package cache implements the redis-backed read-through cache (spec
// C9) fronting the search-projection and metadata lookups the API layer
// serves most often. Entries are invalidated by key on commit rather than
// left to expire, so a reader never observes metadata older than the
// commit that superseded it; TTL is a backstop against keys that are
// never explicitly invalidated (a digest that stops being referenced, for
// instance), not the primary correctness mechanism.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/blacklake-io/blacklake/internal/metrics"
)

// defaultTTL bounds how long an entry survives without being explicitly
// invalidated, used when Config.TTL is zero.
const defaultTTL = 30 * time.Second

// Cache wraps a redis client with namespaced get/set helpers and the key
// conventions the rest of the tree reads metadata and search projections
// through.
type Cache struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// Config configures the underlying redis client. TTL defaults to
// defaultTTL when zero.
type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// New returns a Cache backed by a redis client built from cfg. It does not
// ping the server; a bad address surfaces lazily on first Get/Set, which
// the cache treats as a miss/no-op rather than a fatal error — the cache is
// an optimization layer, never a hard dependency for correctness.
func New(cfg Config, logger *zap.Logger) *Cache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{client: client, logger: logger.Named("cache"), ttl: ttl}
}

// Close releases the underlying redis connection pool.
func (c *Cache) Close() error { return c.client.Close() }

// SearchKey is the key a search-projection lookup is cached under.
func SearchKey(commitID, path string) string {
	return fmt.Sprintf("search:%s:%s", commitID, path)
}

// MetaKey is the key an entry-metadata lookup is cached under.
func MetaKey(repoID, path, commitID string) string {
	return fmt.Sprintf("meta:%s:%s:%s", repoID, path, commitID)
}

// GetJSON looks up key and unmarshals it into dest, reporting whether it
// was present. A redis error (including connection failure) is treated as
// a miss: callers always have a DB-backed path to fall back to.
func (c *Cache) GetJSON(ctx context.Context, namespace, key string, dest any) bool {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		metrics.CacheMisses.WithLabelValues(namespace).Inc()
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		c.logger.Warn("cache: corrupt value, treating as miss", zap.String("key", key), zap.Error(err))
		metrics.CacheMisses.WithLabelValues(namespace).Inc()
		return false
	}
	metrics.CacheHits.WithLabelValues(namespace).Inc()
	return true
}

// SetJSON marshals value and stores it under key with the cache's default
// TTL. Errors are logged, not returned — a failed cache write must never
// fail the request it's optimizing.
func (c *Cache) SetJSON(ctx context.Context, key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache: marshal failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("cache: set failed", zap.String("key", key), zap.Error(err))
	}
}

// Invalidate deletes keys immediately — used after a commit lands so the
// next read observes the new state rather than a stale cached one.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("cache: invalidate failed", zap.Strings("keys", keys), zap.Error(err))
	}
}
