package cache

import (
	"context"
	"time"
)

// StorageBackend is a shared tier behind the local cache. Get returns
// ErrNotFound on a miss, and the entry's TTL is the time it has left
// (NoExpiration if it never expires).
type StorageBackend[V any] interface {
	Get(context.Context, string) (*CacheEntry[V], error)
	Set(context.Context, string, V, time.Duration) error
	Remove(context.Context, string) error
	RemovePrefix(context.Context, string) error
	Load(context.Context) ([]CacheEntry[V], error)
	AddCallback(func(CacheEvent[V]))
	Close() error
}
