package twotier

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/growthmind/meshcore/meshconfig"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	cfg := meshconfig.CacheConfig{
		Enabled:   true,
		L1MaxSize: 100,
		PerNameTTLs: map[string]meshconfig.CacheTTL{
			"user-info": {L1: time.Minute, L2: 5 * time.Minute},
		},
		DefaultTTL: meshconfig.CacheTTL{L1: time.Minute, L2: 5 * time.Minute},
	}
	return New(client, cfg), server
}

func TestGetMissesBothTiersWhenEmpty(t *testing.T) {
	c, _ := newTestCache(t)
	val, ok, err := c.Get(context.Background(), "user-info", "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok || val != nil {
		t.Fatalf("Get() = (%v, %v), want (nil, false)", val, ok)
	}
	if stats := c.Stats("user-info"); stats.Misses != 1 {
		t.Fatalf("Stats().Misses = %d, want 1", stats.Misses)
	}
}

func TestPutThenGetHitsL1WithoutTouchingRedis(t *testing.T) {
	c, server := newTestCache(t)
	ctx := context.Background()

	if err := c.Put(ctx, "user-info", "u1", []byte("alice"), time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}

	server.SetError("boom: L2 must not be consulted on an L1 hit")

	val, ok, err := c.Get(ctx, "user-info", "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || string(val) != "alice" {
		t.Fatalf("Get() = (%q, %v), want (alice, true)", val, ok)
	}
	if stats := c.Stats("user-info"); stats.HitsL1 != 1 {
		t.Fatalf("Stats().HitsL1 = %d, want 1", stats.HitsL1)
	}
}

func TestGetRepopulatesL1OnL2Hit(t *testing.T) {
	c, server := newTestCache(t)
	ctx := context.Background()

	if err := c.Put(ctx, "user-info", "u1", []byte("alice"), time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Drop only the L1 tier so the next Get must fall through to L2.
	c.mu.Lock()
	delete(c.l1, "user-info")
	c.mu.Unlock()

	val, ok, err := c.Get(ctx, "user-info", "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || string(val) != "alice" {
		t.Fatalf("Get() = (%q, %v), want (alice, true)", val, ok)
	}
	if stats := c.Stats("user-info"); stats.HitsL2 != 1 {
		t.Fatalf("Stats().HitsL2 = %d, want 1", stats.HitsL2)
	}

	server.SetError("boom: L2 must not be consulted once L1 is repopulated")
	val, ok, err = c.Get(ctx, "user-info", "u1")
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if !ok || string(val) != "alice" {
		t.Fatalf("second Get() = (%q, %v), want (alice, true) from repopulated L1", val, ok)
	}
}

func TestEvictRemovesFromBothTiers(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if err := c.Put(ctx, "user-info", "u1", []byte("alice"), time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.Evict(ctx, "user-info", "u1"); err != nil {
		t.Fatalf("Evict: %v", err)
	}

	_, ok, err := c.Get(ctx, "user-info", "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("entry should be gone from both tiers after Evict")
	}
}

func TestClearDropsEveryKeyUnderName(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if err := c.Put(ctx, "user-info", "u1", []byte("alice"), time.Minute); err != nil {
		t.Fatalf("Put u1: %v", err)
	}
	if err := c.Put(ctx, "user-info", "u2", []byte("bob"), time.Minute); err != nil {
		t.Fatalf("Put u2: %v", err)
	}

	if err := c.Clear(ctx, "user-info"); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	for _, key := range []string{"u1", "u2"} {
		_, ok, err := c.Get(ctx, "user-info", key)
		if err != nil {
			t.Fatalf("Get(%s): %v", key, err)
		}
		if ok {
			t.Fatalf("Get(%s) should miss after Clear", key)
		}
	}
}

func TestGetSkipsL2WhenCacheDisabled(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	cfg := meshconfig.CacheConfig{Enabled: false, L1MaxSize: 100, DefaultTTL: meshconfig.CacheTTL{L1: time.Minute, L2: time.Minute}}
	c := New(client, cfg)

	server.SetError("boom: disabled cache must never touch Redis")

	_, ok, err := c.Get(context.Background(), "user-info", "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("disabled cache should always miss")
	}
}

func TestStatsAreIsolatedPerName(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, _, _ = c.Get(ctx, "user-info", "missing")
	_ = c.Put(ctx, "all-users", "page-1", []byte("[]"), time.Minute)
	_, _, _ = c.Get(ctx, "all-users", "page-1")

	if stats := c.Stats("user-info"); stats.Misses != 1 || stats.HitsL1 != 0 {
		t.Fatalf("user-info stats = %+v, want one miss", stats)
	}
	if stats := c.Stats("all-users"); stats.HitsL1 != 1 {
		t.Fatalf("all-users stats = %+v, want one L1 hit", stats)
	}
}
