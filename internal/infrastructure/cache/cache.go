package cache

import (
	"context"
	"math"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// NoExpiry stores an entry for the lifetime of the process
const NoExpiry = time.Duration(math.MaxInt64)

// DefaultSweepInterval is how often Start removes expired entries
const DefaultSweepInterval = 5 * time.Minute

// Config tunes a cache instance
type Config struct {
	Name          string        // used in log fields only
	SweepInterval time.Duration // 0 => DefaultSweepInterval
	MaxEntries    int           // 0 => unbounded
}

type entry[V any] struct {
	value     V
	createdAt time.Time
	expiresAt time.Time // zero => never expires
}

func (e *entry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Stats reports cache usage
type Stats struct {
	Size    int
	Hits    int64
	Misses  int64
	HitRate float64
}

// Cache is a string-keyed TTL cache safe for concurrent use.
// Get never returns an entry whose expiry has passed.
type Cache[V any] struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*entry[V]
	hits    int64
	misses  int64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	started  bool
}

// New creates an empty cache
func New[V any](cfg Config) *Cache[V] {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	return &Cache[V]{
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string]*entry[V]),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Get returns the value for key. A logically expired entry is deleted and
// reported as a miss.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return zero, false
	}
	if e.expired(c.now()) {
		delete(c.entries, key)
		c.misses++
		return zero, false
	}
	c.hits++
	return e.value, true
}

// Set stores value under key for ttl. Use NoExpiry for immutable data.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e := &entry[V]{value: value, createdAt: now}
	if ttl != NoExpiry {
		if ttl < 0 {
			ttl = 0
		}
		e.expiresAt = now.Add(ttl)
	}

	if _, exists := c.entries[key]; !exists && c.cfg.MaxEntries > 0 && len(c.entries) >= c.cfg.MaxEntries {
		c.evictLocked(now)
	}
	c.entries[key] = e
}

// evictLocked drops expired entries, or the one closest to expiry when none
// have expired. Never-expiring entries go last.
func (c *Cache[V]) evictLocked(now time.Time) {
	if c.clearExpiredLocked(now) > 0 {
		return
	}
	var (
		victim string
		soon   time.Time
		found  bool
	)
	for k, e := range c.entries {
		if e.expiresAt.IsZero() {
			continue
		}
		if !found || e.expiresAt.Before(soon) {
			victim, soon, found = k, e.expiresAt, true
		}
	}
	if !found {
		// everything is permanent: fall back to the oldest entry
		var oldest time.Time
		for k, e := range c.entries {
			if !found || e.createdAt.Before(oldest) {
				victim, oldest, found = k, e.createdAt, true
			}
		}
	}
	if found {
		delete(c.entries, victim)
		log.Debug().Str("cache", c.cfg.Name).Str("key", victim).Msg("cache full, evicted entry")
	}
}

// GetOrFetch returns the fresh cached value or calls fetch and stores its
// result for ttl. Concurrent misses for the same key each call fetch;
// network-bound fetchers deduplicate through the request queue.
func (c *Cache[V]) GetOrFetch(ctx context.Context, key string, fetch func(ctx context.Context) (V, error), ttl time.Duration) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := fetch(ctx)
	if err != nil {
		var zero V
		return zero, err
	}
	c.Set(key, v, ttl)
	return v, nil
}

// Delete removes key
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// ClearExpired removes every expired entry and returns how many were removed
func (c *Cache[V]) ClearExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clearExpiredLocked(c.now())
}

func (c *Cache[V]) clearExpiredLocked(now time.Time) int {
	n := 0
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Clear removes every entry
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
}

// ClearMatching removes entries whose key matches re and returns the count
func (c *Cache[V]) ClearMatching(re *regexp.Regexp) int {
	if re == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k := range c.entries {
		if re.MatchString(k) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Keys returns the sorted keys of entries that have not expired
func (c *Cache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	keys := make([]string, 0, len(c.entries))
	for k, e := range c.entries {
		if !e.expired(now) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Stats returns size and hit statistics. HitRate is 0 before any lookup.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Stats{Size: len(c.entries), Hits: c.hits, Misses: c.misses}
	if total := c.hits + c.misses; total > 0 {
		st.HitRate = float64(c.hits) / float64(total)
	}
	return st
}

// Start runs the background sweep until ctx is done or Close is called
func (c *Cache[V]) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				if n := c.ClearExpired(); n > 0 {
					log.Debug().Str("cache", c.cfg.Name).Int("removed", n).Msg("expired entries swept")
				}
			}
		}
	}()
}

// Close stops the background sweep and waits for it
func (c *Cache[V]) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if started {
		<-c.done
	}
	return nil
}
