package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

type localEntry[V any] struct {
	value     V
	expiresAt time.Time
}

func (e *localEntry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// LocalCache is a bounded LRU map with per-entry expiration. It is safe for
// concurrent use.
type LocalCache[V any] struct {
	Options *LocalCacheOptions

	mu    sync.Mutex
	cache *simplelru.LRU[string, *localEntry[V]]
}

// Options passed to NewLocalCache
//
// Size: Maximum number of entries in the cache. Set to 0 for DefaultSize
// TTL: Default time to live used by Set. Set to 0 to disable expiration
// Clock: Time source, defaults to time.Now
type LocalCacheOptions struct {
	Size  int
	TTL   time.Duration
	Clock func() time.Time
}

func (o *LocalCacheOptions) GetSize() int {
	if o.Size == 0 {
		return DefaultSize
	}
	return o.Size
}

func (o *LocalCacheOptions) GetClock() func() time.Time {
	if o.Clock == nil {
		return time.Now
	}
	return o.Clock
}

func (o *LocalCacheOptions) Validate() error {
	if o.Size < 0 {
		return fmt.Errorf("%w: Size must not be negative (%d)", ErrInvalidOption, o.Size)
	}
	if o.TTL < 0 && o.TTL != NoExpiration {
		return fmt.Errorf("%w: TTL must not be negative (%s)", ErrInvalidOption, o.TTL)
	}
	return nil
}

func NewLocalCache[V any](options *LocalCacheOptions) (*LocalCache[V], error) {
	if options == nil {
		options = &LocalCacheOptions{}
	}
	if err := options.Validate(); err != nil {
		return nil, err
	}
	lru, err := simplelru.NewLRU[string, *localEntry[V]](options.GetSize(), nil)
	if err != nil {
		return nil, err
	}
	return &LocalCache[V]{
		Options: options,
		cache:   lru,
	}, nil
}

func (c *LocalCache[V]) now() time.Time {
	return c.Options.GetClock()()
}

func (c *LocalCache[V]) expiresAt(ttl time.Duration) time.Time {
	if ttl == 0 {
		ttl = c.Options.TTL
	}
	if ttl <= 0 {
		return time.Time{}
	}
	return c.now().Add(ttl)
}

// Get returns the value for key and marks it as recently used.
func (c *LocalCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookup(key, true)
}

// Peek returns the value for key without updating its recency.
func (c *LocalCache[V]) Peek(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookup(key, false)
}

func (c *LocalCache[V]) lookup(key string, touch bool) (V, bool) {
	var empty V
	var entry *localEntry[V]
	var ok bool
	if touch {
		entry, ok = c.cache.Get(key)
	} else {
		entry, ok = c.cache.Peek(key)
	}
	if !ok {
		return empty, false
	}
	if entry.expired(c.now()) {
		c.cache.Remove(key)
		return empty, false
	}
	return entry.value, true
}

// Set stores value with the default TTL and reports whether another entry was
// evicted to make room.
func (c *LocalCache[V]) Set(key string, value V) bool {
	return c.SetWithTTL(key, value, 0)
}

// SetWithTTL stores value with the given TTL. A ttl of 0 uses the default TTL,
// NoExpiration stores the entry without expiration.
func (c *LocalCache[V]) SetWithTTL(key string, value V, ttl time.Duration) bool {
	return c.setUntil(key, value, c.expiresAt(ttl))
}

// setUntil stores value with an absolute expiration. A zero expiresAt never
// expires.
func (c *LocalCache[V]) setUntil(key string, value V, expiresAt time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cache.Len() >= c.Options.GetSize() && !c.cache.Contains(key) {
		c.purgeExpiredOldest(c.now(), maxTailPurge)
	}
	return c.cache.Add(key, &localEntry[V]{value: value, expiresAt: expiresAt})
}

// maxTailPurge bounds how many expired entries an insert into a full cache
// drops from the LRU tail before falling back to regular eviction.
const maxTailPurge = 8

// purgeExpiredOldest removes expired entries from the least recently used end
// and stops at the first live one.
func (c *LocalCache[V]) purgeExpiredOldest(now time.Time, limit int) int {
	removed := 0
	for removed < limit {
		_, entry, ok := c.cache.GetOldest()
		if !ok || !entry.expired(now) {
			break
		}
		c.cache.RemoveOldest()
		removed++
	}
	return removed
}

func (c *LocalCache[V]) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Remove(key)
}

func (c *LocalCache[V]) Contains(key string) bool {
	_, ok := c.Peek(key)
	return ok
}

// Keys returns the unexpired keys, oldest first.
func (c *LocalCache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	keys := []string{}
	for _, key := range c.cache.Keys() {
		entry, ok := c.cache.Peek(key)
		if ok && !entry.expired(now) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Len returns the number of stored entries, including expired entries that
// have not been purged yet.
func (c *LocalCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}

func (c *LocalCache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
}

// PurgeExpired removes all expired entries and returns how many were removed.
func (c *LocalCache[V]) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purgeExpired(c.now())
}

func (c *LocalCache[V]) purgeExpired(now time.Time) int {
	removed := 0
	for _, key := range c.cache.Keys() {
		entry, ok := c.cache.Peek(key)
		if ok && entry.expired(now) {
			c.cache.Remove(key)
			removed++
		}
	}
	return removed
}

// StartJanitor periodically purges expired entries until the returned stop
// function is called.
func (c *LocalCache[V]) StartJanitor(interval time.Duration) (stop func()) {
	if interval <= 0 {
		return func() {}
	}

	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.PurgeExpired()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}
}
