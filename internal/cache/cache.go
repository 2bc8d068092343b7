package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const scanBatch = 100

type Config struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// Cache is a JSON cache in front of Redis. Every failure is logged and
// reported as a miss, so callers never see a cache error. A Cache whose
// connection failed at Open stays disabled for its whole lifetime.
type Cache struct {
	client  *redis.Client
	logger  *slog.Logger
	enabled atomic.Bool
}

// Open connects to Redis. When the ping fails the returned cache is
// disabled and every operation is a no-op.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) *Cache {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 3 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 3 * time.Second
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	c := New(client, logger)
	if err := client.Ping(ctx).Err(); err != nil {
		c.logger.Warn("redis unavailable, cache disabled", "addr", cfg.Addr, "error", err)
		client.Close()
		c.enabled.Store(false)
		c.client = nil
		return c
	}

	c.logger.Info("connected to redis", "addr", cfg.Addr)
	return c
}

// New wraps an existing client. A nil client yields a disabled cache.
func New(client *redis.Client, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		client: client,
		logger: logger.With("component", "cache"),
	}
	c.enabled.Store(client != nil)
	return c
}

func (c *Cache) Enabled() bool {
	return c != nil && c.enabled.Load()
}

// Client returns the underlying Redis client, or nil when disabled.
func (c *Cache) Client() *redis.Client {
	if !c.Enabled() {
		return nil
	}
	return c.client
}

func (c *Cache) Close() error {
	// only the first Close reaches the client
	if c == nil || !c.enabled.CompareAndSwap(true, false) {
		return nil
	}
	return c.client.Close()
}

// Get decodes the value stored at key into dst and reports a hit.
// Values that no longer decode are deleted.
func (c *Cache) Get(ctx context.Context, key string, dst any) bool {
	if !c.Enabled() {
		return false
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		c.logger.Warn("cache get failed", "key", key, "error", err)
		return false
	}

	if err := json.Unmarshal(data, dst); err != nil {
		c.logger.Warn("discarding undecodable cache entry", "key", key, "error", err)
		c.Delete(ctx, key)
		return false
	}
	return true
}

func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) bool {
	if !c.Enabled() {
		return false
	}

	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("failed to encode cache value", "key", key, "error", err)
		return false
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.logger.Warn("cache set failed", "key", key, "error", err)
		return false
	}
	return true
}

func (c *Cache) Delete(ctx context.Context, key string) bool {
	if !c.Enabled() {
		return false
	}

	n, err := c.client.Del(ctx, key).Result()
	if err != nil {
		c.logger.Warn("cache delete failed", "key", key, "error", err)
		return false
	}
	return n > 0
}

func (c *Cache) Exists(ctx context.Context, key string) bool {
	if !c.Enabled() {
		return false
	}

	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		c.logger.Warn("cache exists failed", "key", key, "error", err)
		return false
	}
	return n > 0
}

// TTL returns the remaining lifetime of key, or 0 if unknown.
func (c *Cache) TTL(ctx context.Context, key string) time.Duration {
	if !c.Enabled() {
		return 0
	}

	ttl, err := c.client.TTL(ctx, key).Result()
	if err != nil {
		c.logger.Warn("cache ttl failed", "key", key, "error", err)
		return 0
	}
	if ttl < 0 {
		return 0
	}
	return ttl
}

// ClearByPrefix deletes every key matching pattern and returns how many
// were removed. Keys are walked with SCAN so large keyspaces don't block Redis.
func (c *Cache) ClearByPrefix(ctx context.Context, pattern string) int {
	if !c.Enabled() {
		return 0
	}

	deleted := 0
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			c.logger.Warn("cache scan failed", "pattern", pattern, "error", err)
			return deleted
		}

		if len(keys) > 0 {
			n, err := c.client.Del(ctx, keys...).Result()
			if err != nil {
				c.logger.Warn("cache batch delete failed", "pattern", pattern, "error", err)
				return deleted
			}
			deleted += int(n)
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	c.logger.Info("cleared cache keys", "pattern", pattern, "count", deleted)
	return deleted
}

// Health reports connectivity for the health endpoint.
func (c *Cache) Health(ctx context.Context) map[string]any {
	if !c.Enabled() {
		return map[string]any{"status": "disabled"}
	}

	health := map[string]any{"status": "healthy"}
	if err := c.client.Ping(ctx).Err(); err != nil {
		health["status"] = "unhealthy"
		health["error"] = err.Error()
		return health
	}
	if n, err := c.client.DBSize(ctx).Result(); err == nil {
		health["key_count"] = n
	}
	return health
}
