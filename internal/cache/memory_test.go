package cache

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"testing"
	"time"
)

func newTestCache(t *testing.T) Cache {
	t.Helper()
	c := NewMemory()
	t.Cleanup(func() { c.Close() })
	return c
}

func TestMemoryJSONRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	type doc struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	if err := c.SetJSON(ctx, "k1", doc{Name: "a", Count: 3}, time.Minute); err != nil {
		t.Fatalf("SetJSON() error = %v", err)
	}

	var got doc
	found, err := c.GetJSON(ctx, "k1", &got)
	if err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if !found {
		t.Fatal("GetJSON() found = false, want true")
	}
	if got.Name != "a" || got.Count != 3 {
		t.Errorf("GetJSON() = %+v", got)
	}

	found, err = c.GetJSON(ctx, "missing", &got)
	if err != nil {
		t.Fatalf("GetJSON(missing) error = %v", err)
	}
	if found {
		t.Error("GetJSON(missing) found = true, want false")
	}
}

func TestMemoryExpiry(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.SetJSON(ctx, "short", "v", 20*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	var out string
	if found, _ := c.GetJSON(ctx, "short", &out); !found {
		t.Fatal("key should exist before TTL")
	}

	time.Sleep(40 * time.Millisecond)

	if found, _ := c.GetJSON(ctx, "short", &out); found {
		t.Error("key should have expired")
	}
}

func TestMemorySetNX(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "lock", "holder-1", time.Minute)
	if err != nil {
		t.Fatalf("SetNX() error = %v", err)
	}
	if !ok {
		t.Fatal("first SetNX should win")
	}

	ok, err = c.SetNX(ctx, "lock", "holder-2", time.Minute)
	if err != nil {
		t.Fatalf("SetNX() error = %v", err)
	}
	if ok {
		t.Error("second SetNX should lose while the lock is held")
	}

	if err := c.Delete(ctx, "lock"); err != nil {
		t.Fatal(err)
	}

	ok, _ = c.SetNX(ctx, "lock", "holder-2", time.Minute)
	if !ok {
		t.Error("SetNX after Delete should win")
	}
}

func TestMemorySetNXExpiredLock(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if ok, _ := c.SetNX(ctx, "lock", "dead-holder", 20*time.Millisecond); !ok {
		t.Fatal("first SetNX should win")
	}

	time.Sleep(40 * time.Millisecond)

	ok, err := c.SetNX(ctx, "lock", "live-holder", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("SetNX should win after the previous holder's TTL expired")
	}
}

func TestMemoryIncr(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := c.Incr(ctx, "counter", time.Minute)
		if err != nil {
			t.Fatalf("Incr() error = %v", err)
		}
		if got != want {
			t.Errorf("Incr() = %d, want %d", got, want)
		}
	}
}

func TestMemoryIncrWindowReset(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if n, _ := c.Incr(ctx, "throttle", 20*time.Millisecond); n != 1 {
		t.Fatalf("first Incr = %d, want 1", n)
	}
	if n, _ := c.Incr(ctx, "throttle", 20*time.Millisecond); n != 2 {
		t.Fatalf("second Incr = %d, want 2", n)
	}

	time.Sleep(40 * time.Millisecond)

	if n, _ := c.Incr(ctx, "throttle", 20*time.Millisecond); n != 1 {
		t.Errorf("Incr after window = %d, want 1 (fresh counter)", n)
	}
}

func TestMemorySets(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.SAdd(ctx, "idx", []string{"t1", "t2"}, time.Minute); err != nil {
		t.Fatalf("SAdd() error = %v", err)
	}
	if err := c.SAdd(ctx, "idx", []string{"t2", "t3"}, time.Minute); err != nil {
		t.Fatalf("SAdd() error = %v", err)
	}

	members, err := c.SMembers(ctx, "idx")
	if err != nil {
		t.Fatalf("SMembers() error = %v", err)
	}
	sort.Strings(members)
	if len(members) != 3 || members[0] != "t1" || members[2] != "t3" {
		t.Errorf("SMembers() = %v, want [t1 t2 t3]", members)
	}

	if err := c.SRem(ctx, "idx", "t1", "t3"); err != nil {
		t.Fatalf("SRem() error = %v", err)
	}
	members, _ = c.SMembers(ctx, "idx")
	if len(members) != 1 || members[0] != "t2" {
		t.Errorf("SMembers() after SRem = %v, want [t2]", members)
	}

	if members, _ := c.SMembers(ctx, "absent"); members != nil {
		t.Errorf("SMembers(absent) = %v, want nil", members)
	}
}

func TestMemoryClosed(t *testing.T) {
	c := NewMemory()
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal("second Close should be a no-op")
	}

	ctx := context.Background()
	if err := c.SetJSON(ctx, "k", "v", 0); err != ErrClosed {
		t.Errorf("SetJSON after Close = %v, want ErrClosed", err)
	}
	if _, err := c.Incr(ctx, "k", 0); err != ErrClosed {
		t.Errorf("Incr after Close = %v, want ErrClosed", err)
	}
	if err := c.Ping(ctx); err != ErrClosed {
		t.Errorf("Ping after Close = %v, want ErrClosed", err)
	}
}

func TestMemoryConcurrent(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	const goroutines = 10
	const ops = 50

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			key := fmt.Sprintf("k-%d", id)
			for j := 0; j < ops; j++ {
				_ = c.SetJSON(ctx, key, j, time.Minute)
				var out int
				_, _ = c.GetJSON(ctx, key, &out)
				_, _ = c.Incr(ctx, "shared", time.Minute)
				_ = c.SAdd(ctx, "shared-set", []string{key}, time.Minute)
			}
		}(i)
	}
	wg.Wait()

	n, err := c.Incr(ctx, "shared", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != goroutines*ops+1 {
		t.Errorf("shared counter = %d, want %d", n, goroutines*ops+1)
	}

	members, _ := c.SMembers(ctx, "shared-set")
	if len(members) != goroutines {
		t.Errorf("shared set size = %d, want %d", len(members), goroutines)
	}
}

func TestKeys(t *testing.T) {
	k := NewKeys("recon")

	tests := []struct {
		got, want string
	}{
		{k.Stage("t1"), "recon:stage:t1"},
		{k.StageSource("core"), "recon:stage-source:core"},
		{k.Lock("t1"), "recon:lock:t1"},
		{k.Throttle("t1"), "recon:throttle:t1"},
		{k.APIResponse("abc"), "recon:cache:api:abc"},
		{k.Stats("overview"), "recon:stats:overview"},
		{k.Rate("1.2.3.4"), "recon:rate:1.2.3.4"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("key = %q, want %q", tt.got, tt.want)
		}
	}

	if NewKeys("").Stage("t1") != "recon:stage:t1" {
		t.Error("empty namespace should default to recon")
	}
}

func TestAPIHash(t *testing.T) {
	a := APIHash("/api/transactions", url.Values{"source": {"core"}, "limit": {"10"}})
	b := APIHash("/api/transactions", url.Values{"limit": {"10"}, "source": {"core"}})
	if a != b {
		t.Error("parameter order should not change the hash")
	}

	c := APIHash("/api/transactions", url.Values{"limit": {"20"}, "source": {"core"}})
	if a == c {
		t.Error("different parameters should hash differently")
	}

	d := APIHash("/api/mismatches", url.Values{"limit": {"10"}, "source": {"core"}})
	if a == d {
		t.Error("different paths should hash differently")
	}

	if len(a) != 32 {
		t.Errorf("hash length = %d, want 32 hex chars", len(a))
	}
}
