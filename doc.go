// Package cache memoizes expensive computations and coalesces concurrent
// requests for the same key into a single computation.
//
// A CoalescingCache holds, per key, either a pending computation or a resolved
// value. The first Fetch for a key starts the producer and every Fetch that
// arrives while it runs waits for the same result:
//
//	summaries, err := cache.NewCoalescingCache[string](&cache.Options{
//	    DefaultTTL:  time.Hour,
//	    InFlightTTL: 5 * time.Minute,
//	})
//	summary, err := summaries.Fetch(ctx, "summary:"+conversationID, func() (string, error) {
//	    return generateSummary(conversationID)
//	})
//
// A failed producer leaves nothing behind, so the next Fetch tries again. Its
// error is returned unchanged to every waiter.
//
// # In-flight TTL
//
// A pending entry is only authoritative for Options.InFlightTTL. A producer
// that runs longer than that does not block the key forever, but it also means
// a second producer may start for the same key while the first is still
// running. Both results are published in completion order. Size InFlightTTL
// above the slowest expected producer.
//
// # Shared tier
//
// SynchronizedCache puts a StorageBackend, such as RedisStorageBackend, behind
// the local tier so several processes share results and invalidations. A value
// read from the backend expires locally when it would expire in the backend.
package cache
