// Package twotier implements a two-tier cache: an L1 bounded in-process
// tier in front of an L2 distributed Redis tier, with write-through
// puts, best-effort dual-tier eviction, and per-name hit/miss
// statistics. Operations are scoped by named partitions with
// independently configured TTL pairs, fronted by go-zero's bounded
// collection.Cache for L1 instead of going straight to Redis on every
// read.
//
// collection.Cache applies one fixed expiry to every entry in a given
// instance (set at construction), rather than a per-Set override, so one
// L1 instance is built per cache name using that name's configured
// L1 TTL; repopulating L1 on an L2 hit therefore uses the name's flat
// L1 TTL, which by configuration is always <= its L2 TTL, keeping L1
// entries from outliving their L2 counterparts in the common case.
package twotier

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zeromicro/go-zero/core/collection"

	"github.com/growthmind/meshcore/errs"
	"github.com/growthmind/meshcore/meshconfig"
	"github.com/growthmind/meshcore/resiliencecore/metrics"
)

// Stats is the per-name counter set.
type Stats struct {
	HitsL1  int64
	HitsL2  int64
	Misses  int64
}

type statsCounter struct {
	hitsL1 int64
	hitsL2 int64
	misses int64
}

func (s *statsCounter) snapshot() Stats {
	return Stats{
		HitsL1: atomic.LoadInt64(&s.hitsL1),
		HitsL2: atomic.LoadInt64(&s.hitsL2),
		Misses: atomic.LoadInt64(&s.misses),
	}
}

// Cache is the two-tier cache. Every operation is scoped by a name that
// selects the TTL pair from meshconfig.CacheConfig.
type Cache struct {
	client *redis.Client
	cfg    meshconfig.CacheConfig

	metrics *metrics.Registry
	service string

	mu   sync.Mutex
	l1   map[string]*collection.Cache
	stat map[string]*statsCounter
}

// New builds a Cache. client backs L2; cfg supplies per-name TTLs and the
// L1 bound.
func New(client *redis.Client, cfg meshconfig.CacheConfig) *Cache {
	return &Cache{
		client: client,
		cfg:    cfg,
		l1:     make(map[string]*collection.Cache),
		stat:   make(map[string]*statsCounter),
	}
}

// Instrument wires this cache's hit/miss/load counters into reg, labeled
// with service. Call once at bootstrap, before the cache sees traffic.
func (c *Cache) Instrument(reg *metrics.Registry, service string) {
	c.metrics = reg
	c.service = service
}

// TTL returns the configured TTL pair for name, falling back to the
// default pair for unrecognised names.
func (c *Cache) TTL(name string) meshconfig.CacheTTL {
	return c.cfg.TTLFor(name)
}

func (c *Cache) l1For(name string) *collection.Cache {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l1, ok := c.l1[name]; ok {
		return l1
	}
	ttl := c.cfg.TTLFor(name)
	l1, err := collection.NewCache(ttl.L1, collection.WithLimit(c.cfg.L1MaxSize))
	if err != nil {
		// collection.NewCache only fails on a malformed expire duration;
		// the TTL source is our own config, so fall back to a
		// safely-bounded default rather than propagating a config bug
		// into every cache call.
		l1, _ = collection.NewCache(5*time.Minute, collection.WithLimit(c.cfg.L1MaxSize))
	}
	c.l1[name] = l1
	return l1
}

func (c *Cache) statFor(name string) *statsCounter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.stat[name]; ok {
		return s
	}
	s := &statsCounter{}
	c.stat[name] = s
	return s
}

func redisKey(name, key string) string {
	return "meshcore:cache:" + name + ":" + key
}

// Get checks L1, then L2 on a miss, repopulating L1 on an L2 hit with the
// name's flat L1 TTL; the entry's remaining L2 TTL is not consulted, so a
// repopulated L1 entry can outlive its L2 counterpart by up to that L1
// TTL. Returns (nil, false, nil) on a full miss.
func (c *Cache) Get(ctx context.Context, name, key string) ([]byte, bool, error) {
	stat := c.statFor(name)
	l1 := c.l1For(name)

	if v, ok := l1.Get(key); ok {
		atomic.AddInt64(&stat.hitsL1, 1)
		if c.metrics != nil {
			c.metrics.CacheHits.WithLabelValues(c.service, name, "l1").Inc()
		}
		return v.([]byte), true, nil
	}

	if !c.cfg.Enabled || c.client == nil {
		c.recordMiss(stat, name)
		return nil, false, nil
	}

	rk := redisKey(name, key)
	loadStart := time.Now()
	val, err := c.client.Get(ctx, rk).Bytes()
	if c.metrics != nil {
		c.metrics.CacheLoadLatency.WithLabelValues(c.service, name).Observe(time.Since(loadStart).Seconds())
	}
	if err == redis.Nil {
		c.recordMiss(stat, name)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.Wrap(errs.Unavailable, "read L2 cache", err)
	}

	atomic.AddInt64(&stat.hitsL2, 1)
	if c.metrics != nil {
		c.metrics.CacheHits.WithLabelValues(c.service, name, "l2").Inc()
	}
	l1.Set(key, val)
	return val, true, nil
}

func (c *Cache) recordMiss(stat *statsCounter, name string) {
	atomic.AddInt64(&stat.misses, 1)
	if c.metrics != nil {
		c.metrics.CacheMisses.WithLabelValues(c.service, name).Inc()
	}
}

// Put writes L2 with ttl (write-through), then writes L1, whose
// instance-level TTL never exceeds the name's configured L2 TTL.
func (c *Cache) Put(ctx context.Context, name, key string, value []byte, ttl time.Duration) error {
	if !c.cfg.Enabled {
		return nil
	}

	if c.client != nil {
		if err := c.client.Set(ctx, redisKey(name, key), value, ttl).Err(); err != nil {
			return errs.Wrap(errs.Unavailable, "write L2 cache", err)
		}
	}

	c.l1For(name).Set(key, value)
	return nil
}

// Evict removes key from both tiers. Both removals are attempted even if
// one fails; the combined error (if any) is returned but neither removal
// is rolled back.
func (c *Cache) Evict(ctx context.Context, name, key string) error {
	c.l1For(name).Del(key)

	if !c.cfg.Enabled || c.client == nil {
		return nil
	}
	if err := c.client.Del(ctx, redisKey(name, key)).Err(); err != nil {
		return errs.Wrap(errs.Unavailable, "evict from L2 cache", err)
	}
	return nil
}

// Clear best-effort clears both tiers for name.
func (c *Cache) Clear(ctx context.Context, name string) error {
	c.mu.Lock()
	delete(c.l1, name)
	c.mu.Unlock()

	if !c.cfg.Enabled || c.client == nil {
		return nil
	}

	pattern := redisKey(name, "*")
	var cursor uint64
	var firstErr error
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			firstErr = errs.Wrap(errs.Unavailable, "scan L2 cache for clear", err)
			break
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil && firstErr == nil {
				firstErr = errs.Wrap(errs.Unavailable, "delete L2 cache keys", err)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return firstErr
}

// Stats returns a snapshot of name's counters.
func (c *Cache) Stats(name string) Stats {
	return c.statFor(name).snapshot()
}
