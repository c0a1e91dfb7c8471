package cache

import (
	"context"
	"time"
)

// NoExpiration stores an entry that never expires.
const NoExpiration time.Duration = -1

const (
	DefaultTTL         = 1 * time.Hour
	DefaultInFlightTTL = 5 * time.Minute
	DefaultSize        = 1000
)

// Producer computes the value for a cache miss.
type Producer[V any] func() (V, error)

type CacheEntry[V any] struct {
	Key   string
	Value *V
	TTL   time.Duration
}

type CacheEventType int

const (
	CacheEventSet CacheEventType = iota
	CacheEventRemove
	CacheEventRemovePrefix
)

func (t CacheEventType) String() string {
	switch t {
	case CacheEventSet:
		return "set"
	case CacheEventRemove:
		return "remove"
	case CacheEventRemovePrefix:
		return "remove_prefix"
	default:
		return "unknown"
	}
}

type CacheEvent[V any] struct {
	Entry     *CacheEntry[V]
	Type      CacheEventType
	KeyPrefix string
	// Origin identifies the backend instance that published the event.
	Origin string
}

// Cache is the surface shared by CoalescingCache and TypedCache-backed callers
// that only need memoized fetches.
type Cache[V any] interface {
	Fetch(ctx context.Context, key string, producer Producer[V]) (V, error)
	FetchWithTTL(ctx context.Context, key string, ttl time.Duration, producer Producer[V]) (V, error)
	Get(key string) (V, bool)
	Set(key string, value V) error
	SetWithTTL(key string, value V, ttl time.Duration) error
	Delete(key string) bool
	Clear()
}
