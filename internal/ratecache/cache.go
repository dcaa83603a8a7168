// Package ratecache implements the Rate Resolver: longest-prefix-match rate selection with priority tie-break, backed
// by a Redis prefix-set cache. The cache wrapper is grounded on the
// router-era internal/db/cache.go Redis client (same
// Get/Set/Delete/Lock shape, silent-failure-on-cache-miss discipline); the
// resolution algorithm itself is new domain logic.
package ratecache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/hamzaKhattat/billcore/pkg/errors"
	"github.com/hamzaKhattat/billcore/pkg/logger"
)

// Cache is the narrow Redis-backed cache the resolver needs. Cache errors
// never fail a resolution; a miss or error just falls through to the store.
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) (hit bool)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration)
	Flush(ctx context.Context)
}

// RedisCache is the production Cache, mirroring db.Cache's connection and
// error-swallowing shape.
type RedisCache struct {
	client *redis.Client
	prefix string
}

type RedisConfig struct {
	Host         string
	Port         int
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
}

func NewRedisCache(cfg RedisConfig, prefix string) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrRedis, "failed to connect to redis")
	}

	return &RedisCache{client: client, prefix: prefix}, nil
}

func (c *RedisCache) key(k string) string {
	if c.prefix != "" {
		return fmt.Sprintf("%s:%s", c.prefix, k)
	}
	return k
}

func (c *RedisCache) Get(ctx context.Context, key string, dest interface{}) bool {
	val, err := c.client.Get(ctx, c.key(key)).Result()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		logger.WithContext(ctx).WithField("key", key).WithError(err).Warn("ratecache get failed")
		return false
	}

	if err := json.Unmarshal([]byte(val), dest); err != nil {
		logger.WithContext(ctx).WithField("key", key).WithError(err).Warn("ratecache unmarshal failed")
		return false
	}
	return true
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(key), data, ttl).Err(); err != nil {
		logger.WithContext(ctx).WithField("key", key).WithError(err).Warn("ratecache set failed")
	}
}

func (c *RedisCache) Flush(ctx context.Context) {
	iter := c.client.Scan(ctx, 0, c.key("prefixset:*"), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		logger.WithContext(ctx).WithError(err).Warn("ratecache flush failed")
	}
}

// NoopCache is the always-miss Cache used when Redis is unavailable or in
// tests; it never errors, it just never hits.
type NoopCache struct{}

func (NoopCache) Get(context.Context, string, interface{}) bool           { return false }
func (NoopCache) Set(context.Context, string, interface{}, time.Duration) {}
func (NoopCache) Flush(context.Context)                                   {}
