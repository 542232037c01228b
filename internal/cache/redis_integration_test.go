//go:build integration

package cache

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"
)

func getTestRedisURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("RECON_TEST_REDIS_URL")
	if url == "" {
		t.Skip("RECON_TEST_REDIS_URL not set, skipping Redis integration tests")
	}
	return url
}

// newTestRedis builds a Redis cache with a unique key prefix per test
// so parallel runs do not interfere.
func newTestRedis(t *testing.T) (Cache, Keys) {
	t.Helper()
	url := getTestRedisURL(t)

	c, err := NewRedis(url)
	if err != nil {
		t.Fatalf("NewRedis() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })

	ns := fmt.Sprintf("recon-test-%d", time.Now().UnixNano())
	return c, NewKeys(ns)
}

func TestRedisJSONRoundTrip(t *testing.T) {
	c, k := newTestRedis(t)
	ctx := context.Background()

	key := k.Stage("txn-1")
	if err := c.SetJSON(ctx, key, map[string]int{"n": 7}, time.Minute); err != nil {
		t.Fatalf("SetJSON() error = %v", err)
	}
	t.Cleanup(func() { c.Delete(context.Background(), key) })

	var got map[string]int
	found, err := c.GetJSON(ctx, key, &got)
	if err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if !found || got["n"] != 7 {
		t.Errorf("GetJSON() = %v found=%v", got, found)
	}

	if found, _ := c.GetJSON(ctx, k.Stage("absent"), &got); found {
		t.Error("absent key should not be found")
	}
}

func TestRedisSetNXLock(t *testing.T) {
	c, k := newTestRedis(t)
	ctx := context.Background()

	key := k.Lock("txn-1")
	t.Cleanup(func() { c.Delete(context.Background(), key) })

	ok, err := c.SetNX(ctx, key, "worker-a", time.Minute)
	if err != nil {
		t.Fatalf("SetNX() error = %v", err)
	}
	if !ok {
		t.Fatal("first SetNX should win")
	}

	if ok, _ := c.SetNX(ctx, key, "worker-b", time.Minute); ok {
		t.Error("second SetNX should lose")
	}

	if err := c.Delete(ctx, key); err != nil {
		t.Fatal(err)
	}
	if ok, _ := c.SetNX(ctx, key, "worker-b", time.Minute); !ok {
		t.Error("SetNX after release should win")
	}
}

func TestRedisTTLExpiry(t *testing.T) {
	c, k := newTestRedis(t)
	ctx := context.Background()

	key := k.Throttle("txn-1")
	if n, err := c.Incr(ctx, key, 2*time.Second); err != nil || n != 1 {
		t.Fatalf("Incr() = %d, %v", n, err)
	}
	if n, _ := c.Incr(ctx, key, 2*time.Second); n != 2 {
		t.Fatalf("second Incr = %d, want 2", n)
	}

	time.Sleep(3 * time.Second)

	if n, _ := c.Incr(ctx, key, 2*time.Second); n != 1 {
		t.Errorf("Incr after expiry = %d, want fresh 1", n)
	}
	c.Delete(ctx, key)
}

func TestRedisSets(t *testing.T) {
	c, k := newTestRedis(t)
	ctx := context.Background()

	key := k.StageSource("core")
	t.Cleanup(func() { c.Delete(context.Background(), key) })

	if err := c.SAdd(ctx, key, []string{"t1", "t2"}, time.Minute); err != nil {
		t.Fatalf("SAdd() error = %v", err)
	}

	members, err := c.SMembers(ctx, key)
	if err != nil {
		t.Fatalf("SMembers() error = %v", err)
	}
	if len(members) != 2 {
		t.Errorf("SMembers() = %v, want 2 members", members)
	}

	if err := c.SRem(ctx, key, "t1"); err != nil {
		t.Fatal(err)
	}
	members, _ = c.SMembers(ctx, key)
	if len(members) != 1 || members[0] != "t2" {
		t.Errorf("SMembers() after SRem = %v, want [t2]", members)
	}
}

func TestRedisInfo(t *testing.T) {
	c, _ := newTestRedis(t)

	info, err := c.Info(context.Background())
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	if info["connected_clients"] == "" {
		t.Errorf("Info() missing connected_clients: %v", info)
	}
}

func TestRedisConnectionFailure(t *testing.T) {
	if _, err := NewRedis("redis://localhost:19999/0"); err == nil {
		t.Error("NewRedis() should fail with unreachable Redis")
	}
}
