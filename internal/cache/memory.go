package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const sweepInterval = 30 * time.Second

// entry is one cached value. Exactly one of data, num or set is in
// use; the key families never change type under the same key.
type entry struct {
	data      []byte
	num       int64
	set       map[string]struct{}
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// memoryCache implements Cache in process. It keeps the same TTL and
// set semantics as the Redis backend so the engine degrades without
// behavior changes, minus cross-instance coordination.
type memoryCache struct {
	mu      sync.Mutex
	entries map[string]*entry

	startedAt time.Time
	closed    atomic.Bool
	done      chan struct{}
}

// NewMemory returns an in-process cache with a background sweeper.
func NewMemory() Cache {
	c := &memoryCache{
		entries:   make(map[string]*entry),
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	go c.sweep()
	return c
}

// sweep drops expired entries so idle keys do not pin memory between
// reads. Lazy expiry on access handles correctness; this is hygiene.
func (c *memoryCache) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			for k, e := range c.entries {
				if e.expired(now) {
					delete(c.entries, k)
				}
			}
			c.mu.Unlock()
		}
	}
}

// get returns the live entry for key, pruning it when expired.
// Callers hold c.mu.
func (c *memoryCache) get(key string) (*entry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(time.Now()) {
		delete(c.entries, key)
		return nil, false
	}
	return e, true
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func (c *memoryCache) SetJSON(_ context.Context, key string, v any, ttl time.Duration) error {
	if c.closed.Load() {
		return ErrClosed
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", key, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &entry{data: data, expiresAt: expiry(ttl)}
	return nil
}

func (c *memoryCache) GetJSON(_ context.Context, key string, out any) (bool, error) {
	if c.closed.Load() {
		return false, ErrClosed
	}

	c.mu.Lock()
	e, ok := c.get(key)
	var data []byte
	if ok {
		data = e.data
	}
	c.mu.Unlock()

	if !ok || data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("unmarshaling %s: %w", key, err)
	}
	return true, nil
}

func (c *memoryCache) Delete(_ context.Context, keys ...string) error {
	if c.closed.Load() {
		return ErrClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	return nil
}

func (c *memoryCache) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	if c.closed.Load() {
		return false, ErrClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, held := c.get(key); held {
		return false, nil
	}
	c.entries[key] = &entry{data: []byte(value), expiresAt: expiry(ttl)}
	return true, nil
}

func (c *memoryCache) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.get(key)
	if !ok {
		e = &entry{expiresAt: expiry(ttl)}
		c.entries[key] = e
	}
	e.num++
	return e.num, nil
}

func (c *memoryCache) SAdd(_ context.Context, key string, members []string, ttl time.Duration) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if len(members) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.get(key)
	if !ok {
		e = &entry{set: make(map[string]struct{})}
		c.entries[key] = e
	}
	if e.set == nil {
		e.set = make(map[string]struct{})
	}
	for _, m := range members {
		e.set[m] = struct{}{}
	}
	e.expiresAt = expiry(ttl)
	return nil
}

func (c *memoryCache) SMembers(_ context.Context, key string) ([]string, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.get(key)
	if !ok || len(e.set) == 0 {
		return nil, nil
	}
	members := make([]string, 0, len(e.set))
	for m := range e.set {
		members = append(members, m)
	}
	return members, nil
}

func (c *memoryCache) SRem(_ context.Context, key string, members ...string) error {
	if c.closed.Load() {
		return ErrClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.get(key)
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(e.set, m)
	}
	if len(e.set) == 0 {
		delete(c.entries, key)
	}
	return nil
}

func (c *memoryCache) Ping(context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (c *memoryCache) Info(context.Context) (map[string]string, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	c.mu.Lock()
	keys := len(c.entries)
	c.mu.Unlock()

	return map[string]string{
		"keys":              strconv.Itoa(keys),
		"uptime_in_seconds": strconv.Itoa(int(time.Since(c.startedAt).Seconds())),
	}, nil
}

func (c *memoryCache) Backend() string { return "memory" }

// Close stops the sweeper. Safe to call more than once.
func (c *memoryCache) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.done)
	return nil
}
