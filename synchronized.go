package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// SynchronizedCache is a CoalescingCache backed by a shared StorageBackend.
// Each process coalesces locally; the single producer of a coalesced batch
// consults the backend before doing the work and writes its result through.
// Writes and removals made by other processes reach the local tier through
// backend events.
type SynchronizedCache[V any] struct {
	Options *SynchronizedCacheOptions[V]

	local   *CoalescingCache[V]
	backend StorageBackend[V]
	logger  *slog.Logger
}

// Options passed to NewSynchronizedCache
//
// Local: Options of the local CoalescingCache
// StorageBackend: Shared tier, required
// Preload: Load all backend entries into the local tier on construction
type SynchronizedCacheOptions[V any] struct {
	Local          *Options
	StorageBackend StorageBackend[V]
	Preload        bool
}

func NewSynchronizedCache[V any](ctx context.Context, options *SynchronizedCacheOptions[V]) (*SynchronizedCache[V], error) {
	if options.StorageBackend == nil {
		return nil, fmt.Errorf("%w: StorageBackend is required", ErrInvalidOption)
	}
	if options.Local == nil {
		options.Local = &Options{}
	}

	local, err := NewCoalescingCache[V](options.Local)
	if err != nil {
		return nil, err
	}

	c := &SynchronizedCache[V]{
		Options: options,
		local:   local,
		backend: options.StorageBackend,
		logger:  options.Local.GetLogger().With(slog.String("component", "synchronized-cache")),
	}

	// Events published while loading must not be lost.
	c.backend.AddCallback(c.onEvent)

	if options.Preload {
		entries, err := c.backend.Load(ctx)
		if err != nil {
			local.Close()
			return nil, fmt.Errorf("failed to preload cache: %w", err)
		}
		for _, entry := range entries {
			if entry.Value == nil {
				continue
			}
			// An entry that arrived by event is newer than the loaded one.
			if _, err := c.local.setIfAbsent(entry.Key, *entry.Value, entry.TTL); err != nil {
				c.logger.WarnContext(ctx, "Skipping preloaded entry", "key", entry.Key, "error", err.Error())
			}
		}
		c.logger.InfoContext(ctx, "Preloaded cache", "entries", len(entries))
	}

	return c, nil
}

func (c *SynchronizedCache[V]) onEvent(event CacheEvent[V]) {
	switch event.Type {
	case CacheEventSet:
		if event.Entry == nil || event.Entry.Value == nil {
			return
		}
		if err := c.local.SetWithTTL(event.Entry.Key, *event.Entry.Value, event.Entry.TTL); err != nil {
			c.logger.Warn("Ignoring cache event", "type", event.Type.String(), "error", err.Error())
		}
	case CacheEventRemove:
		if event.Entry == nil {
			return
		}
		c.local.Delete(event.Entry.Key)
	case CacheEventRemovePrefix:
		c.local.DeletePrefix(event.KeyPrefix)
	}
}

func (c *SynchronizedCache[V]) Fetch(ctx context.Context, key string, producer Producer[V]) (V, error) {
	return c.FetchWithTTL(ctx, key, 0, producer)
}

// FetchWithTTL coalesces locally and then tries the backend before calling
// producer. A value found in the backend is kept locally only for the time it
// has left there. Backend failures are logged and never fail the fetch.
func (c *SynchronizedCache[V]) FetchWithTTL(ctx context.Context, key string, ttl time.Duration, producer Producer[V]) (V, error) {
	if ttl == 0 {
		ttl = c.local.Options.GetDefaultTTL()
	}
	// The producer outlives the caller that started it.
	backendCtx := context.WithoutCancel(ctx)

	return c.local.fetch(ctx, key, func() (V, time.Duration, error) {
		stored, err := c.backend.Get(backendCtx, key)
		if err == nil {
			// Keep the shared entry's remaining lifetime, not a fresh TTL.
			return *stored.Value, stored.TTL, nil
		}
		if !errors.Is(err, ErrNotFound) {
			c.logger.WarnContext(backendCtx, "Failed to read from storage backend", "key", key, "error", err.Error())
		}

		value, err := producer()
		if err != nil {
			return value, ttl, err
		}

		if err := c.backend.Set(backendCtx, key, value, ttl); err != nil {
			c.logger.WarnContext(backendCtx, "Failed to write to storage backend", "key", key, "error", err.Error())
		}
		return value, ttl, nil
	})
}

// Get reads the local tier only.
func (c *SynchronizedCache[V]) Get(key string) (V, bool) {
	return c.local.Get(key)
}

func (c *SynchronizedCache[V]) Set(ctx context.Context, key string, value V) error {
	return c.SetWithTTL(ctx, key, value, 0)
}

func (c *SynchronizedCache[V]) SetWithTTL(ctx context.Context, key string, value V, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.local.Options.GetDefaultTTL()
	}
	if err := c.local.SetWithTTL(key, value, ttl); err != nil {
		return err
	}
	return c.backend.Set(ctx, key, value, ttl)
}

func (c *SynchronizedCache[V]) Remove(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	c.local.Delete(key)
	return c.backend.Remove(ctx, key)
}

func (c *SynchronizedCache[V]) RemovePrefix(ctx context.Context, prefix string) error {
	c.local.DeletePrefix(prefix)
	return c.backend.RemovePrefix(ctx, prefix)
}

// Clear empties the local tier and removes every backend entry. A
// RedisStorageBackend without a KeyPrefix refuses to clear the backend.
func (c *SynchronizedCache[V]) Clear(ctx context.Context) error {
	c.local.Clear()
	return c.backend.RemovePrefix(ctx, "")
}

func (c *SynchronizedCache[V]) Stats() Stats {
	return c.local.Stats()
}

func (c *SynchronizedCache[V]) Close() error {
	return errors.Join(c.local.Close(), c.backend.Close())
}
