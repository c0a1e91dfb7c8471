package cache

import (
	"context"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// flight is the shared result slot of one producer call. value and err are
// written once, before done is closed.
type flight[V any] struct {
	done  chan struct{}
	value V
	err   error

	// superseded is set (under CoalescingCache.mu) when Set, Delete or Clear
	// touched the key after the producer started.
	superseded bool
}

// timedProducer is a Producer that also chooses the TTL of its result.
type timedProducer[V any] func() (V, time.Duration, error)

// cell is either pending (flight != nil) or resolved.
type cell[V any] struct {
	flight *flight[V]
	value  V
}

// CoalescingCache memoizes producer results by key and runs at most one
// producer per key while a result is outstanding.
//
// A pending entry expires after Options.InFlightTTL. Once it has, the next
// Fetch starts a second producer even if the first one is still running. The
// first producer's result is still published when it finishes (last writer
// wins), unless Set, Delete, DeletePrefix or Clear touched the key after it
// started, in which case only its own waiters see it.
type CoalescingCache[V any] struct {
	Options *Options

	mu       sync.Mutex
	local    *LocalCache[*cell[V]]
	inflight map[string]map[*flight[V]]struct{}

	logger      *slog.Logger
	instr       *instrumentation
	stopJanitor func()
}

func NewCoalescingCache[V any](options *Options) (*CoalescingCache[V], error) {
	if options == nil {
		options = &Options{}
	}
	if err := options.Validate(); err != nil {
		return nil, err
	}

	local, err := NewLocalCache[*cell[V]](&LocalCacheOptions{
		Size:  options.GetSize(),
		Clock: options.GetClock(),
	})
	if err != nil {
		return nil, err
	}

	instr, err := newInstrumentation(options)
	if err != nil {
		return nil, err
	}

	return &CoalescingCache[V]{
		Options:     options,
		local:       local,
		inflight:    make(map[string]map[*flight[V]]struct{}),
		logger:      options.GetLogger().With(slog.String("component", "coalescing-cache")),
		instr:       instr,
		stopJanitor: local.StartJanitor(options.JanitorInterval),
	}, nil
}

// Fetch returns the cached value for key, or the outcome of the producer that
// is computing it, starting producer if there is neither. Results are kept for
// Options.DefaultTTL.
func (c *CoalescingCache[V]) Fetch(ctx context.Context, key string, producer Producer[V]) (V, error) {
	return c.FetchWithTTL(ctx, key, 0, producer)
}

// FetchWithTTL is Fetch with a TTL for a freshly produced result. A ttl of 0
// uses Options.DefaultTTL, a negative ttl keeps the result until evicted.
//
// ctx only bounds how long this caller waits. A cancelled caller returns
// ctx.Err() while the producer keeps running for everyone else. Producer
// errors are returned unchanged to every coalesced caller.
func (c *CoalescingCache[V]) FetchWithTTL(ctx context.Context, key string, ttl time.Duration, producer Producer[V]) (V, error) {
	return c.fetch(ctx, key, func() (V, time.Duration, error) {
		value, err := producer()
		return value, ttl, err
	})
}

// fetch is FetchWithTTL for producers that decide the TTL of their own
// result, e.g. a value read from a shared tier with its remaining lifetime.
func (c *CoalescingCache[V]) fetch(ctx context.Context, key string, producer timedProducer[V]) (V, error) {
	var empty V
	if err := validateKey(key); err != nil {
		return empty, err
	}

	var spanOptions []trace.SpanStartOption
	if c.Options.TraceKeys {
		spanOptions = append(spanOptions, trace.WithAttributes(attribute.String("cache.key", key)))
	}
	ctx, span := c.instr.tracer.Start(ctx, "cache.Fetch", spanOptions...)
	defer span.End()

	f, outcome, value := c.claim(ctx, key, producer)
	c.instr.recordFetch(ctx, outcome)
	span.SetAttributes(attribute.String("cache.outcome", string(outcome)))
	if f == nil {
		return value, nil
	}

	select {
	case <-f.done:
		if f.err != nil {
			span.RecordError(f.err)
			span.SetStatus(codes.Error, f.err.Error())
			return empty, f.err
		}
		return f.value, nil
	case <-ctx.Done():
		span.SetStatus(codes.Error, "wait abandoned")
		return empty, ctx.Err()
	}
}

// claim resolves a hit, joins a pending flight or publishes a new one. A nil
// flight means value is a hit.
func (c *CoalescingCache[V]) claim(ctx context.Context, key string, producer timedProducer[V]) (*flight[V], fetchOutcome, V) {
	var empty V

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.local.Get(key); ok {
		if existing.flight == nil {
			return nil, outcomeHit, existing.value
		}
		c.logger.DebugContext(ctx, "Waiting for pending entry", "key", key)
		return existing.flight, outcomeCoalesced, empty
	}

	if running := len(c.inflight[key]); running > 0 {
		c.logger.WarnContext(ctx, "Starting producer while another is still running", "key", key, "running", running)
	}

	f := &flight[V]{done: make(chan struct{})}
	evicted := c.local.setUntil(key, &cell[V]{flight: f}, c.until(c.Options.GetInFlightTTL()))
	c.instr.recordEviction(ctx, evicted)
	c.track(key, f)

	c.logger.DebugContext(ctx, "Starting producer", "key", key)
	go c.run(key, f, producer)

	return f, outcomeMiss, empty
}

func (c *CoalescingCache[V]) run(key string, f *flight[V], producer timedProducer[V]) {
	value, ttl, err := callProducer(producer)
	c.complete(key, f, value, err, ttl)
}

func callProducer[V any](producer timedProducer[V]) (value V, ttl time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return producer()
}

// complete publishes the outcome of f and wakes its waiters. Both happen under
// mu so no caller can observe the key between the two.
func (c *CoalescingCache[V]) complete(key string, f *flight[V], value V, err error, ttl time.Duration) {
	ctx := context.Background()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.untrack(key, f)

	current, ok := c.local.Peek(key)
	owned := ok && current.flight == f

	switch {
	case err != nil:
		if owned {
			c.local.Remove(key)
		}
		c.instr.recordFailure(ctx)
		c.logger.Debug("Producer failed", "key", key, "error", err.Error())
	case owned:
		evicted := c.local.setUntil(key, &cell[V]{value: value}, c.until(c.resultTTL(ttl)))
		c.instr.recordEviction(ctx, evicted)
	case f.superseded:
		c.instr.recordLateCompletion(ctx, lateDiscarded)
		c.logger.Debug("Discarding late result, key was written since the producer started", "key", key)
	default:
		evicted := c.local.setUntil(key, &cell[V]{value: value}, c.until(c.resultTTL(ttl)))
		c.instr.recordEviction(ctx, evicted)
		c.instr.recordLateCompletion(ctx, lateStored)
		c.logger.Debug("Storing late result", "key", key)
	}

	f.value = value
	f.err = err
	close(f.done)
}

// Get returns the resolved, unexpired value for key. Pending entries are
// reported as absent.
func (c *CoalescingCache[V]) Get(key string) (V, bool) {
	var empty V
	if validateKey(key) != nil {
		return empty, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.local.Get(key)
	if !ok || existing.flight != nil {
		return empty, false
	}
	return existing.value, true
}

// Set stores value with Options.DefaultTTL.
func (c *CoalescingCache[V]) Set(key string, value V) error {
	return c.SetWithTTL(key, value, 0)
}

// SetWithTTL stores value, replacing a pending or resolved entry. Callers
// already waiting on a pending producer still receive its outcome, and that
// outcome is not stored. A ttl of 0 uses Options.DefaultTTL, a negative ttl
// keeps the value until evicted.
func (c *CoalescingCache[V]) SetWithTTL(key string, value V, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.supersede(key)
	evicted := c.local.setUntil(key, &cell[V]{value: value}, c.until(c.resultTTL(ttl)))
	c.instr.recordEviction(context.Background(), evicted)
	return nil
}

// setIfAbsent stores value unless key already has a live entry, pending or
// resolved, and reports whether it did.
func (c *CoalescingCache[V]) setIfAbsent(key string, value V, ttl time.Duration) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.local.Peek(key); ok {
		return false, nil
	}
	evicted := c.local.setUntil(key, &cell[V]{value: value}, c.until(c.resultTTL(ttl)))
	c.instr.recordEviction(context.Background(), evicted)
	return true, nil
}

// Delete removes the entry for key. A running producer is not cancelled but
// its result will not be stored.
func (c *CoalescingCache[V]) Delete(key string) bool {
	if validateKey(key) != nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.supersede(key)
	return c.local.Remove(key)
}

// DeletePrefix removes every entry whose key starts with prefix and returns
// the number of entries removed.
func (c *CoalescingCache[V]) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.inflight {
		if strings.HasPrefix(key, prefix) {
			c.supersede(key)
		}
	}

	removed := 0
	for _, key := range c.local.Keys() {
		if strings.HasPrefix(key, prefix) && c.local.Remove(key) {
			removed++
		}
	}
	return removed
}

// Clear removes all entries.
func (c *CoalescingCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.inflight {
		c.supersede(key)
	}
	c.local.Purge()
}

// Keys returns the keys of resolved, unexpired entries, least recently used
// first.
func (c *CoalescingCache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := []string{}
	for _, key := range c.local.Keys() {
		if existing, ok := c.local.Peek(key); ok && existing.flight == nil {
			keys = append(keys, key)
		}
	}
	return keys
}

// Len returns the number of stored entries, pending and not yet purged
// expired ones included.
func (c *CoalescingCache[V]) Len() int {
	return c.local.Len()
}

func (c *CoalescingCache[V]) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local.PurgeExpired()
}

func (c *CoalescingCache[V]) Stats() Stats {
	return c.instr.stats()
}

// Close stops the background janitor. Running producers are not affected.
func (c *CoalescingCache[V]) Close() error {
	c.stopJanitor()
	return nil
}

func (c *CoalescingCache[V]) resultTTL(ttl time.Duration) time.Duration {
	if ttl == 0 {
		return c.Options.GetDefaultTTL()
	}
	return ttl
}

func (c *CoalescingCache[V]) until(ttl time.Duration) time.Time {
	if ttl < 0 {
		return time.Time{}
	}
	return c.Options.GetClock()().Add(ttl)
}

func (c *CoalescingCache[V]) track(key string, f *flight[V]) {
	flights, ok := c.inflight[key]
	if !ok {
		flights = make(map[*flight[V]]struct{})
		c.inflight[key] = flights
	}
	flights[f] = struct{}{}
}

func (c *CoalescingCache[V]) untrack(key string, f *flight[V]) {
	flights, ok := c.inflight[key]
	if !ok {
		return
	}
	delete(flights, f)
	if len(flights) == 0 {
		delete(c.inflight, key)
	}
}

func (c *CoalescingCache[V]) supersede(key string) {
	for f := range c.inflight[key] {
		f.superseded = true
	}
}

// Type assertion
var _ Cache[string] = (*CoalescingCache[string])(nil)
