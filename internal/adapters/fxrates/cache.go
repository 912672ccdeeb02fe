package fxrates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"payrail/internal/domain/money"
	"payrail/internal/domain/settlement"
)

const keyPrefix = "payrail:fx:"

type cacheClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// RedisCache decorates a provider with a shared Redis cache. Redis failures
// fall through to the provider and failed lookups are not cached.
type RedisCache struct {
	client cacheClient
	next   settlement.FXProvider
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, next settlement.FXProvider, ttl time.Duration) *RedisCache {
	return newRedisCache(client, next, ttl)
}

func newRedisCache(client cacheClient, next settlement.FXProvider, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{client: client, next: next, ttl: ttl}
}

// Connect accepts either a redis:// URL or a bare host:port.
func Connect(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

func cacheKey(from, to string) string {
	return keyPrefix + money.NormalizeCurrency(from) + ":" + money.NormalizeCurrency(to)
}

func (c *RedisCache) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	key := cacheKey(from, to)
	raw, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		if rate, parseErr := decimal.NewFromString(raw); parseErr == nil && rate.IsPositive() {
			return rate, nil
		}
		slog.Warn("fx cache entry unreadable", "key", key, "value", raw)
	case !errors.Is(err, redis.Nil):
		slog.Warn("fx cache read failed", "key", key, "err", err)
	}

	rate, err := c.next.Rate(ctx, from, to)
	if err != nil {
		return decimal.Zero, err
	}
	if err := c.client.Set(ctx, key, rate.String(), c.ttl).Err(); err != nil {
		slog.Warn("fx cache write failed", "key", key, "err", err)
	}
	return rate, nil
}
