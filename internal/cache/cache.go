// Package cache provides the coordination cache used for staging,
// locking, throttling and response caching. Redis is the shared
// backend; an in-process backend keeps a single instance running when
// Redis is unreachable. The cache is best-effort everywhere: callers
// treat failures as misses, never as fatal.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("cache is closed")

// Cache is the coordination surface shared by the engine, the stats
// service and the API layer. Implementations bound each operation with
// their configured timeout; callers pass their request context.
type Cache interface {
	// SetJSON marshals v and stores it under key with the given TTL.
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error

	// GetJSON fetches key into out. The bool reports whether the key
	// existed; expired and missing keys are (false, nil).
	GetJSON(ctx context.Context, key string, out any) (bool, error)

	// Delete removes keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// SetNX stores value under key only when the key is absent,
	// returning true when this call won. The lock primitive.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Incr increments the counter at key, creating it with the given
	// TTL on first increment, and returns the new value.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// SAdd adds members to the set at key and refreshes its TTL.
	SAdd(ctx context.Context, key string, members []string, ttl time.Duration) error

	// SMembers returns the members of the set at key, nil when absent.
	SMembers(ctx context.Context, key string) ([]string, error)

	// SRem removes members from the set at key.
	SRem(ctx context.Context, key string, members ...string) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Info returns backend statistics for health reporting.
	Info(ctx context.Context) (map[string]string, error)

	// Backend names the implementation ("redis" or "memory").
	Backend() string

	Close() error
}
