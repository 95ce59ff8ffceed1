package seq

import (
	"context"

	errors "PPIM/tools/errs"

	"github.com/redis/go-redis/v9"
)

// Advance-only write: never lets a cached counter go backwards, so a stale
// durable value written after cache recovery cannot re-issue numbers.
var luaSetIfGreater = redis.NewScript(`
  local current = tonumber(redis.call('GET', KEYS[1]) or '0')
  if tonumber(ARGV[1]) > current then
    redis.call('SET', KEYS[1], ARGV[1])
    return 1
  end
  return 0
`)

// RedisCounterCache backs the fast tier with plain INCR.
type RedisCounterCache struct {
	rdb redis.UniversalClient
}

func NewRedisCounterCache(rdb redis.UniversalClient) *RedisCounterCache {
	return &RedisCounterCache{rdb: rdb}
}

func (c *RedisCounterCache) Get(ctx context.Context, key string) (int64, bool, error) {
	v, err := c.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func (c *RedisCounterCache) Incr(ctx context.Context, key string) (int64, error) {
	return c.rdb.Incr(ctx, key).Result()
}

func (c *RedisCounterCache) SetIfGreater(ctx context.Context, key string, val int64) error {
	return luaSetIfGreater.Run(ctx, c.rdb, []string{key}, val).Err()
}
