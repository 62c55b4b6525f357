package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/renoz/turbine/internal/observability"
	"github.com/renoz/turbine/internal/store"
)

// Strategy selects the eviction and write semantics for one entry.
type Strategy string

const (
	// StrategyLRU evicts the least recently used entry at capacity.
	StrategyLRU Strategy = "lru"
	// StrategyLFU evicts the least frequently used entry at capacity.
	StrategyLFU Strategy = "lfu"
	// StrategyTTL expires entries on a deadline regardless of access pattern.
	StrategyTTL Strategy = "ttl"
	// StrategyWriteThrough stores in the cache and persists synchronously.
	StrategyWriteThrough Strategy = "write_through"
	// StrategyWriteBack stores in the cache and defers persistence to the
	// next best-effort flush.
	StrategyWriteBack Strategy = "write_back"
)

var ErrNoStore = errors.New("no authoritative store configured")

type entry struct {
	value     interface{}
	expiresAt time.Time // zero means no expiry
	frequency uint64
	storedAt  time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// shard holds a slice of the keyspace. Recency-managed entries live in an
// LRU; frequency-managed entries live in a plain map with access counters.
type shard struct {
	mu  sync.Mutex
	lru *lru.Cache[string, *entry]
	lfu map[string]*entry
	cap int
}

// Config holds cache configuration
type Config struct {
	// Capacity is the total entry bound, split evenly across shards.
	Capacity int
	// Shards must be a power of two.
	Shards int
	// DefaultTTL applies when Put is called with ttl <= 0 under StrategyTTL.
	DefaultTTL time.Duration
	// Store receives write-through and write-back persistence. Optional.
	Store *store.ResultStore
}

// Cache is a sharded result cache. Shards keep lock scope narrow so that
// concurrent workers on different keys rarely contend.
type Cache struct {
	shards     []*shard
	mask       uint64
	defaultTTL time.Duration
	store      *store.ResultStore
	lfuCount   atomic.Int64
}

// New creates a sharded cache. Shards must be a power of two; capacity is
// distributed evenly across them.
func New(cfg Config) (*Cache, error) {
	if cfg.Shards <= 0 {
		cfg.Shards = 16
	}
	if cfg.Shards&(cfg.Shards-1) != 0 {
		return nil, fmt.Errorf("shard count must be a power of two, got %d", cfg.Shards)
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 4096
	}
	perShard := cfg.Capacity / cfg.Shards
	if perShard < 1 {
		perShard = 1
	}

	observability.EnsureRegistered()

	c := &Cache{
		shards:     make([]*shard, cfg.Shards),
		mask:       uint64(cfg.Shards - 1),
		defaultTTL: cfg.DefaultTTL,
		store:      cfg.Store,
	}
	for i := range c.shards {
		l, err := lru.NewWithEvict[string, *entry](perShard, func(key string, _ *entry) {
			observability.RecordCacheEviction("lru")
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create lru shard: %w", err)
		}
		c.shards[i] = &shard{
			lru: l,
			lfu: make(map[string]*entry),
			cap: perShard,
		}
	}

	return c, nil
}

func (c *Cache) shardFor(key string) *shard {
	return c.shards[xxhash.Sum64String(key)&c.mask]
}

// Get returns the cached value for key. Expired entries are treated as
// misses but left in place until the next sweep, so they remain reachable
// through GetStale for degraded serving.
func (c *Cache) Get(key Key) (interface{}, bool) {
	ks := key.String()
	s := c.shardFor(ks)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.lru.Get(ks); ok {
		if e.expired(now) {
			observability.RecordCacheMiss(key.ToolName)
			return nil, false
		}
		observability.RecordCacheHit(key.ToolName)
		return e.value, true
	}

	if e, ok := s.lfu[ks]; ok {
		if e.expired(now) {
			observability.RecordCacheMiss(key.ToolName)
			return nil, false
		}
		e.frequency++
		observability.RecordCacheHit(key.ToolName)
		return e.value, true
	}

	observability.RecordCacheMiss(key.ToolName)
	return nil, false
}

// GetStale returns the cached value even when its TTL has lapsed. Used for
// degraded serving when the live invocation fails.
func (c *Cache) GetStale(key Key) (interface{}, bool) {
	ks := key.String()
	s := c.shardFor(ks)

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.lru.Peek(ks); ok {
		return e.value, true
	}
	if e, ok := s.lfu[ks]; ok {
		return e.value, true
	}
	return nil, false
}

// Put stores a value under key. The strategy decides where the entry lives
// and whether it is persisted; ttl <= 0 means no expiry except under
// StrategyTTL, where the default TTL applies.
func (c *Cache) Put(ctx context.Context, key Key, value interface{}, strategy Strategy, ttl time.Duration) error {
	if strategy == StrategyTTL && ttl <= 0 {
		ttl = c.defaultTTL
	}

	now := time.Now()
	e := &entry{value: value, storedAt: now}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}

	ks := key.String()
	s := c.shardFor(ks)

	s.mu.Lock()
	switch strategy {
	case StrategyLFU:
		s.lru.Remove(ks)
		e.frequency = 1
		if prev, ok := s.lfu[ks]; ok {
			e.frequency = prev.frequency + 1
		} else {
			if len(s.lfu) >= s.cap {
				s.evictLeastFrequent()
				c.lfuCount.Add(-1)
			}
			c.lfuCount.Add(1)
		}
		s.lfu[ks] = e

	case StrategyLRU, StrategyTTL, StrategyWriteThrough, StrategyWriteBack:
		if _, ok := s.lfu[ks]; ok {
			delete(s.lfu, ks)
			c.lfuCount.Add(-1)
		}
		s.lru.Add(ks, e)

	default:
		s.mu.Unlock()
		return fmt.Errorf("unknown cache strategy: %q", strategy)
	}
	s.mu.Unlock()
	c.updateEntryGauge()

	switch strategy {
	case StrategyWriteThrough:
		return c.persist(ctx, key, value, true)
	case StrategyWriteBack:
		return c.persist(ctx, key, value, false)
	}
	return nil
}

// persist writes the entry to the authoritative store, synchronously for
// write-through and deferred for write-back.
func (c *Cache) persist(ctx context.Context, key Key, value interface{}, sync bool) error {
	if c.store == nil {
		return ErrNoStore
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache payload: %w", err)
	}

	if sync {
		return c.store.Put(ctx, key.String(), key.ToolName, payload)
	}
	c.store.Enqueue(key.String(), key.ToolName, payload)
	return nil
}

// evictLeastFrequent removes the entry with the lowest access count,
// breaking ties by age. Caller holds the shard lock.
func (s *shard) evictLeastFrequent() {
	var victim string
	var victimEntry *entry
	for k, e := range s.lfu {
		if victimEntry == nil ||
			e.frequency < victimEntry.frequency ||
			(e.frequency == victimEntry.frequency && e.storedAt.Before(victimEntry.storedAt)) {
			victim = k
			victimEntry = e
		}
	}
	if victimEntry != nil {
		delete(s.lfu, victim)
		observability.RecordCacheEviction("lfu")
	}
}

// Delete removes an entry from the cache.
func (c *Cache) Delete(key Key) {
	ks := key.String()
	s := c.shardFor(ks)

	s.mu.Lock()
	s.lru.Remove(ks)
	if _, ok := s.lfu[ks]; ok {
		delete(s.lfu, ks)
		c.lfuCount.Add(-1)
	}
	s.mu.Unlock()
	c.updateEntryGauge()
}

// Len returns the current entry count across all shards.
func (c *Cache) Len() int {
	total := int(c.lfuCount.Load())
	for _, s := range c.shards {
		total += s.lru.Len()
	}
	return total
}

// Sweep removes expired entries. Run periodically; Get already treats
// expired entries as misses, so the sweep only reclaims memory.
func (c *Cache) Sweep() int {
	now := time.Now()
	removed := 0

	for _, s := range c.shards {
		s.mu.Lock()
		for _, k := range s.lru.Keys() {
			if e, ok := s.lru.Peek(k); ok && e.expired(now) {
				s.lru.Remove(k)
				removed++
			}
		}
		for k, e := range s.lfu {
			if e.expired(now) {
				delete(s.lfu, k)
				c.lfuCount.Add(-1)
				observability.RecordCacheEviction("ttl")
				removed++
			}
		}
		s.mu.Unlock()
	}

	if removed > 0 {
		c.updateEntryGauge()
		log.Debug().Int("removed", removed).Msg("Cache sweep completed")
	}
	return removed
}

// updateEntryGauge reads shard sizes without shard locks: the LRU keeps its
// own lock and the LFU count is an atomic, so the gauge is a point-in-time
// approximation under concurrent writes.
func (c *Cache) updateEntryGauge() {
	total := int(c.lfuCount.Load())
	for _, s := range c.shards {
		total += s.lru.Len()
	}
	observability.SetCacheEntries(total)
}
