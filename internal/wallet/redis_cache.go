package wallet

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

// redisCache fronts GetBalance with a Redis-backed short-TTL cache
// (spec.md §4.4), the pattern the pack's R3E sibling repos use for
// exactly this read-through shape — promoted here to a direct dependency
// since WalletManager is the one component whose read path benefits from
// a shared (multi-instance) cache rather than a per-process map.
type redisCache struct {
	client *redis.Client
}

// NewRedisCache wraps an existing redis.Client as a wallet Cache.
func NewRedisCache(client *redis.Client) Cache {
	return &redisCache{client: client}
}

func (c *redisCache) Get(ctx context.Context, key string) (float64, bool) {
	val, err := c.client.Get(ctx, cacheKey(key)).Result()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Str("key", key).Msg("wallet balance cache read failed")
		}
		return 0, false
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func (c *redisCache) Set(ctx context.Context, key string, value float64, ttl time.Duration) {
	if err := c.client.Set(ctx, cacheKey(key), strconv.FormatFloat(value, 'f', -1, 64), ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("wallet balance cache write failed")
	}
}

func (c *redisCache) Invalidate(ctx context.Context, key string) {
	if err := c.client.Del(ctx, cacheKey(key)).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("wallet balance cache invalidate failed")
	}
}

func cacheKey(walletID string) string {
	return "wallet:balance:" + walletID
}
