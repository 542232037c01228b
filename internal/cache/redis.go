package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultOpTimeout = 5 * time.Second

// RedisOption is a functional option for configuring the Redis cache.
type RedisOption func(*redisCache)

// WithOpTimeout bounds every cache operation. Zero keeps the default.
func WithOpTimeout(d time.Duration) RedisOption {
	return func(c *redisCache) {
		if d > 0 {
			c.opTimeout = d
		}
	}
}

// redisCache implements Cache on a Redis server. Values are stored as
// JSON with TTL-based expiry; sets back the per-source stage indexes.
type redisCache struct {
	client    *redis.Client
	opTimeout time.Duration
	closed    atomic.Bool
}

// NewRedis connects to redisURL (e.g. "redis://localhost:6379/0") and
// verifies connectivity before returning.
func NewRedis(redisURL string, opts ...RedisOption) (Cache, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(redisOpts)

	c := &redisCache{
		client:    client,
		opTimeout: defaultOpTimeout,
	}

	for _, opt := range opts {
		opt(c)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return c, nil
}

// withTimeout bounds ctx with the operation timeout.
func (c *redisCache) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opTimeout)
}

func (c *redisCache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	if c.closed.Load() {
		return ErrClosed
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", key, err)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}

func (c *redisCache) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	if c.closed.Load() {
		return false, ErrClosed
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("getting %s: %w", key, err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("unmarshaling %s: %w", key, err)
	}
	return true, nil
}

func (c *redisCache) Delete(ctx context.Context, keys ...string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if len(keys) == 0 {
		return nil
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("deleting keys: %w", err)
	}
	return nil
}

func (c *redisCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if c.closed.Load() {
		return false, ErrClosed
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	ok, err := c.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

func (c *redisCache) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	n, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	// First increment created the key; give it its window.
	if n == 1 && ttl > 0 {
		if err := c.client.Expire(ctx, key, ttl).Err(); err != nil {
			return n, fmt.Errorf("expire %s: %w", key, err)
		}
	}
	return n, nil
}

func (c *redisCache) SAdd(ctx context.Context, key string, members []string, ttl time.Duration) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if len(members) == 0 {
		return nil
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	vals := make([]interface{}, len(members))
	for i, m := range members {
		vals[i] = m
	}

	pipe := c.client.Pipeline()
	pipe.SAdd(ctx, key, vals...)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("sadd %s: %w", key, err)
	}
	return nil
}

func (c *redisCache) SMembers(ctx context.Context, key string) ([]string, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	members, err := c.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", key, err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	return members, nil
}

func (c *redisCache) SRem(ctx context.Context, key string, members ...string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if len(members) == 0 {
		return nil
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	vals := make([]interface{}, len(members))
	for i, m := range members {
		vals[i] = m
	}
	if err := c.client.SRem(ctx, key, vals...).Err(); err != nil {
		return fmt.Errorf("srem %s: %w", key, err)
	}
	return nil
}

func (c *redisCache) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.client.Ping(ctx).Err()
}

// infoFields is the excerpt of INFO surfaced through /api/health.
var infoFields = map[string]struct{}{
	"connected_clients":        {},
	"used_memory_human":        {},
	"keyspace_hits":            {},
	"keyspace_misses":          {},
	"total_commands_processed": {},
	"uptime_in_seconds":        {},
	"redis_version":            {},
}

func (c *redisCache) Info(ctx context.Context) (map[string]string, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	raw, err := c.client.Info(ctx, "server", "clients", "memory", "stats").Result()
	if err != nil {
		return nil, fmt.Errorf("redis info: %w", err)
	}

	info := make(map[string]string)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if _, want := infoFields[k]; want {
			info[k] = v
		}
	}
	return info, nil
}

func (c *redisCache) Backend() string { return "redis" }

// Close releases the client. Safe to call more than once.
func (c *redisCache) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.client.Close()
}
