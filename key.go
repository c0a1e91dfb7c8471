package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type CacheKey[K any] interface {
	Marshal(K) string
	Unmarshal(string) (K, error)
}

type StringCacheKey struct {
}

func (k *StringCacheKey) Marshal(key string) string {
	return key
}

func (k *StringCacheKey) Unmarshal(data string) (string, error) {
	return data, nil
}

type IntCacheKey struct {
}

func (k *IntCacheKey) Marshal(key int) string {
	return strconv.Itoa(key)
}

func (k *IntCacheKey) Unmarshal(data string) (int, error) {
	return strconv.Atoi(data)
}

// PrefixCacheKey namespaces the keys of another CacheKey, e.g. "summary:" + id.
type PrefixCacheKey[K any] struct {
	Prefix string
	Key    CacheKey[K]
}

func (k *PrefixCacheKey[K]) Marshal(key K) string {
	return k.Prefix + k.Key.Marshal(key)
}

func (k *PrefixCacheKey[K]) Unmarshal(data string) (K, error) {
	var empty K
	if !strings.HasPrefix(data, k.Prefix) {
		return empty, fmt.Errorf("%w: %q does not start with %q", ErrInvalidKey, data, k.Prefix)
	}
	return k.Key.Unmarshal(strings.TrimPrefix(data, k.Prefix))
}

// TypedCache exposes a CoalescingCache through typed keys. Several TypedCaches
// with distinct PrefixCacheKeys can share one CoalescingCache.
type TypedCache[K any, V any] struct {
	Cache    *CoalescingCache[V]
	CacheKey CacheKey[K]
}

func NewTypedCache[K any, V any](cache *CoalescingCache[V], cacheKey CacheKey[K]) *TypedCache[K, V] {
	if cacheKey == nil {
		panic("CacheKey must be provided")
	}
	return &TypedCache[K, V]{Cache: cache, CacheKey: cacheKey}
}

func (c *TypedCache[K, V]) Fetch(ctx context.Context, key K, producer Producer[V]) (V, error) {
	return c.Cache.Fetch(ctx, c.CacheKey.Marshal(key), producer)
}

func (c *TypedCache[K, V]) FetchWithTTL(ctx context.Context, key K, ttl time.Duration, producer Producer[V]) (V, error) {
	return c.Cache.FetchWithTTL(ctx, c.CacheKey.Marshal(key), ttl, producer)
}

func (c *TypedCache[K, V]) Get(key K) (V, bool) {
	return c.Cache.Get(c.CacheKey.Marshal(key))
}

func (c *TypedCache[K, V]) Set(key K, value V) error {
	return c.Cache.Set(c.CacheKey.Marshal(key), value)
}

func (c *TypedCache[K, V]) Delete(key K) bool {
	return c.Cache.Delete(c.CacheKey.Marshal(key))
}

// Keys returns the resolved keys this TypedCache can decode. Keys written by
// other users of the underlying cache are skipped.
func (c *TypedCache[K, V]) Keys() []K {
	keys := []K{}
	for _, raw := range c.Cache.Keys() {
		key, err := c.CacheKey.Unmarshal(raw)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}
