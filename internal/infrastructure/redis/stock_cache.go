// Package redis caches stock lookups in Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxgate/internal/collab"
)

const keyPrefix = "rxgate:stock:"

// kv is the subset of *redis.Client the cache uses.
type kv interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// StockCache decorates a collab.StockSource with a read-through TTL cache.
// Redis failures fall through to the source; source errors are never cached.
type StockCache struct {
	source collab.StockSource
	client kv
	ttl    time.Duration
	logger *zap.Logger
}

// NewClient connects to addr and pings it.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

// NewStockCache wraps source. A non-positive ttl defaults to 30s.
func NewStockCache(source collab.StockSource, client *redis.Client, ttl time.Duration, logger *zap.Logger) *StockCache {
	return newStockCache(source, client, ttl, logger)
}

func newStockCache(source collab.StockSource, client kv, ttl time.Duration, logger *zap.Logger) *StockCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &StockCache{source: source, client: client, ttl: ttl, logger: logger}
}

// CheckAvailability serves from cache when possible.
func (c *StockCache) CheckAvailability(ctx context.Context, genericName, strength string) (collab.StockResult, error) {
	key := cacheKey(genericName, strength)

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var res collab.StockResult
		if jerr := json.Unmarshal(raw, &res); jerr == nil {
			c.logger.Debug("stock cache hit", zap.String("key", key))
			return res, nil
		}
		c.logger.Warn("discarding corrupt stock cache entry", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("stock cache read failed", zap.String("key", key), zap.Error(err))
	}

	res, err := c.source.CheckAvailability(ctx, genericName, strength)
	if err != nil {
		return collab.StockResult{}, err
	}

	if payload, jerr := json.Marshal(res); jerr == nil {
		if serr := c.client.Set(ctx, key, payload, c.ttl).Err(); serr != nil {
			c.logger.Warn("stock cache write failed", zap.String("key", key), zap.Error(serr))
		}
	}
	return res, nil
}

func cacheKey(drug, strength string) string {
	norm := func(s string) string { return strings.Join(strings.Fields(strings.ToLower(s)), "") }
	return keyPrefix + norm(drug) + ":" + norm(strength)
}
