package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRoutingCache is a RoutingCache backed by a shared Redis instance, for
// deployments running more than one routing engine process behind the same
// message bus.
type RedisRoutingCache struct {
	client *redis.Client
	prefix string
}

// NewRedisRoutingCache builds a RedisRoutingCache. Keys are namespaced under
// prefix so the routing cache and busy cache can safely share one Redis
// instance.
func NewRedisRoutingCache(client *redis.Client, prefix string) *RedisRoutingCache {
	return &RedisRoutingCache{client: client, prefix: prefix}
}

func (c *RedisRoutingCache) Put(ctx context.Context, key string, value []byte, lifetime time.Duration) error {
	if err := c.client.Set(ctx, c.prefix+key, value, lifetime).Err(); err != nil {
		return fmt.Errorf("redis: storing routing cache entry %q: %w", key, err)
	}
	return nil
}

func (c *RedisRoutingCache) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis: loading routing cache entry %q: %w", key, err)
	}
	return value, nil
}

func (c *RedisRoutingCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis: deleting routing cache entry %q: %w", key, err)
	}
	return nil
}

// RedisBusyCache is a BusyCache backed by a single Redis hash, one field per
// extension, mirroring the original system's `HINCRBY busy_cache <ext> ±1`
// bookkeeping.
type RedisBusyCache struct {
	client *redis.Client
	key    string
}

// NewRedisBusyCache builds a RedisBusyCache, namespacing its hash key under
// prefix so it can share a Redis instance with a RedisRoutingCache.
func NewRedisBusyCache(client *redis.Client, prefix string) *RedisBusyCache {
	return &RedisBusyCache{client: client, key: prefix + "busy_cache"}
}

func (c *RedisBusyCache) Increment(ctx context.Context, extension string) error {
	if err := c.client.HIncrBy(ctx, c.key, extension, 1).Err(); err != nil {
		return fmt.Errorf("redis: incrementing busy counter for %s: %w", extension, err)
	}
	return nil
}

func (c *RedisBusyCache) Decrement(ctx context.Context, extension string) error {
	// The decrement and the clamp at zero run as one script so a concurrent
	// Increment cannot land between them.
	const script = `local n = redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
if n < 0 then redis.call('HSET', KEYS[1], ARGV[1], 0) end
return n`
	if err := c.client.Eval(ctx, script, []string{c.key}, extension).Err(); err != nil {
		return fmt.Errorf("redis: decrementing busy counter for %s: %w", extension, err)
	}
	return nil
}

func (c *RedisBusyCache) IsBusy(ctx context.Context, extension string) (bool, error) {
	val, err := c.client.HGet(ctx, c.key, extension).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis: checking busy status for %s: %w", extension, err)
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return false, fmt.Errorf("redis: parsing busy counter for %s: %w", extension, err)
	}
	return n > 0, nil
}

func (c *RedisBusyCache) BusyStatus(ctx context.Context) (map[string]int, error) {
	raw, err := c.client.HGetAll(ctx, c.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: loading busy status: %w", err)
	}
	out := make(map[string]int, len(raw))
	for ext, val := range raw {
		n, err := strconv.Atoi(val)
		if err != nil {
			continue
		}
		out[ext] = n
	}
	return out, nil
}

func (c *RedisBusyCache) Flush(ctx context.Context) error {
	if err := c.client.Del(ctx, c.key).Err(); err != nil {
		return fmt.Errorf("redis: flushing busy cache: %w", err)
	}
	return nil
}
