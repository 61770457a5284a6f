// Package cache is the in-process TTL cache for hot lookups: the lineup
// snapshot, the discovery document, EPG now/next rows, and compiled metadata
// shells.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/plexbridge/plexbridge/internal/observe"
)

// An entry lives through two windows: until its soft deadline it is served
// directly; between soft and hard deadlines it may be served only when a
// refresh fails and the caller allowed stale-while-revalidate. Past the hard
// deadline it is never served.
type entry struct {
	key      string
	val      any
	size     int64
	soft     time.Time
	hard     time.Time
	lruEntry *list.Element
}

// Cache is an LRU-bounded TTL cache. Reads take a short critical section;
// refreshes are deduplicated per key so a thundering herd runs one fill.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	lru      *list.List // front = most recently used
	bytes    int64
	maxBytes int64
	sf       singleflight.Group
	metrics  *observe.Metrics
	now      func() time.Time
}

// DefaultMaxBytes is the hard byte cap when New is given zero.
const DefaultMaxBytes = 32 << 20

// staleFactor stretches the soft TTL into the hard TTL.
const staleFactor = 4

// New builds a cache capped at maxBytes (DefaultMaxBytes when <= 0).
// metrics may be nil.
func New(maxBytes int64, metrics *observe.Metrics) *Cache {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Cache{
		entries:  make(map[string]*entry),
		lru:      list.New(),
		maxBytes: maxBytes,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Get returns the live value for key, or ok=false when missing or past its
// soft deadline.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.now().After(e.soft) {
		if c.metrics != nil {
			c.metrics.CacheMisses.Inc()
		}
		return nil, false
	}
	c.lru.MoveToFront(e.lruEntry)
	if c.metrics != nil {
		c.metrics.CacheHits.Inc()
	}
	return e.val, true
}

// Set stores val under key with the given soft TTL and approximate size.
// The hard deadline is staleFactor times the TTL out.
func (c *Cache) Set(key string, val any, size int64, ttl time.Duration) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[key]; ok {
		c.bytes -= old.size
		c.lru.Remove(old.lruEntry)
		delete(c.entries, key)
	}
	e := &entry{
		key:  key,
		val:  val,
		size: size,
		soft: now.Add(ttl),
		hard: now.Add(staleFactor * ttl),
	}
	e.lruEntry = c.lru.PushFront(e)
	c.entries[key] = e
	c.bytes += size
	c.evictLocked()
}

// evictLocked drops least-recently-used entries until under the byte cap.
func (c *Cache) evictLocked() {
	for c.bytes > c.maxBytes {
		back := c.lru.Back()
		if back == nil {
			return
		}
		e := back.Value.(*entry)
		c.lru.Remove(back)
		delete(c.entries, e.key)
		c.bytes -= e.size
	}
}

// Invalidate removes key if present.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.lru.Remove(e.lruEntry)
		delete(c.entries, key)
		c.bytes -= e.size
	}
}

// Fill produces a value and its approximate byte size.
type Fill func(ctx context.Context) (val any, size int64, err error)

// GetOrFill returns the cached value for key, running fill on a miss.
// When fill fails and staleOK is set, a not-yet-hard-expired previous value
// is served instead of the error. Concurrent callers share one fill.
func (c *Cache) GetOrFill(ctx context.Context, key string, ttl time.Duration, staleOK bool, fill Fill) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.sf.Do(key, func() (any, error) {
		// Double-check: a racing caller may have refreshed while we queued.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		val, size, err := fill(ctx)
		if err != nil {
			if staleOK {
				if stale, ok := c.getStale(key); ok {
					return stale, nil
				}
			}
			return nil, err
		}
		c.Set(key, val, size, ttl)
		return val, nil
	})
	return v, err
}

// getStale returns an expired-but-not-hard-expired value.
func (c *Cache) getStale(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.now().After(e.hard) {
		return nil, false
	}
	return e.val, true
}

// Bytes reports the current total of entry sizes. For tests and diagnostics.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Well-known cache keys and their soft TTLs.
const (
	KeyLineup    = "lineup"
	KeyDiscovery = "discovery"

	TTLLineup    = 30 * time.Second
	TTLNowNext   = 60 * time.Second
	TTLDiscovery = 300 * time.Second
	TTLMetadata  = 300 * time.Second
	TTLProbe     = 300 * time.Second
)

// KeyProbe returns the cached probe-result key for a stream.
func KeyProbe(streamID string) string { return "probe:" + streamID }

// KeyNowNext returns the now/next cache key for a channel.
func KeyNowNext(channelID string) string { return "nownext:" + channelID }

// KeyMetadata returns the compiled metadata shell key for a channel.
func KeyMetadata(channelID string) string { return "metadata:" + channelID }
