package cache

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/mxcd/go-coalescing-cache"

type fetchOutcome string

const (
	outcomeHit       fetchOutcome = "hit"
	outcomeMiss      fetchOutcome = "miss"
	outcomeCoalesced fetchOutcome = "coalesced"
)

type lateOutcome string

const (
	lateStored    lateOutcome = "stored"
	lateDiscarded lateOutcome = "discarded"
)

// Stats is a snapshot of the counters of a CoalescingCache.
type Stats struct {
	Hits          uint64
	Misses        uint64
	Coalesced     uint64
	Failures      uint64
	Evictions     uint64
	LateStored    uint64
	LateDiscarded uint64
}

func (s Stats) String() string {
	return fmt.Sprintf("Stats{hits: %d, misses: %d, coalesced: %d, failures: %d, evictions: %d}",
		s.Hits, s.Misses, s.Coalesced, s.Failures, s.Evictions)
}

type instrumentation struct {
	tracer trace.Tracer

	fetches         metric.Int64Counter
	failures        metric.Int64Counter
	evictions       metric.Int64Counter
	lateCompletions metric.Int64Counter

	hits          atomic.Uint64
	misses        atomic.Uint64
	coalesced     atomic.Uint64
	failed        atomic.Uint64
	evicted       atomic.Uint64
	lateStored    atomic.Uint64
	lateDiscarded atomic.Uint64
}

func newInstrumentation(options *Options) (*instrumentation, error) {
	meterProvider := options.MeterProvider
	if meterProvider == nil {
		meterProvider = otel.GetMeterProvider()
	}
	tracerProvider := options.TracerProvider
	if tracerProvider == nil {
		tracerProvider = otel.GetTracerProvider()
	}
	meter := meterProvider.Meter(instrumentationName)

	i := &instrumentation{tracer: tracerProvider.Tracer(instrumentationName)}

	var err error
	i.fetches, err = meter.Int64Counter("cache.fetch",
		metric.WithDescription("Fetch calls by outcome (hit, miss, coalesced)"))
	if err != nil {
		return nil, fmt.Errorf("failed to create cache.fetch counter: %w", err)
	}
	i.failures, err = meter.Int64Counter("cache.producer.failure",
		metric.WithDescription("Producer calls that returned an error or panicked"))
	if err != nil {
		return nil, fmt.Errorf("failed to create cache.producer.failure counter: %w", err)
	}
	i.evictions, err = meter.Int64Counter("cache.eviction",
		metric.WithDescription("Entries evicted to stay within capacity"))
	if err != nil {
		return nil, fmt.Errorf("failed to create cache.eviction counter: %w", err)
	}
	i.lateCompletions, err = meter.Int64Counter("cache.late_completion",
		metric.WithDescription("Producers that finished after their pending entry was superseded"))
	if err != nil {
		return nil, fmt.Errorf("failed to create cache.late_completion counter: %w", err)
	}
	return i, nil
}

func (i *instrumentation) recordFetch(ctx context.Context, outcome fetchOutcome) {
	switch outcome {
	case outcomeHit:
		i.hits.Add(1)
	case outcomeMiss:
		i.misses.Add(1)
	case outcomeCoalesced:
		i.coalesced.Add(1)
	}
	i.fetches.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
}

func (i *instrumentation) recordFailure(ctx context.Context) {
	i.failed.Add(1)
	i.failures.Add(ctx, 1)
}

func (i *instrumentation) recordEviction(ctx context.Context, evicted bool) {
	if !evicted {
		return
	}
	i.evicted.Add(1)
	i.evictions.Add(ctx, 1)
}

func (i *instrumentation) recordLateCompletion(ctx context.Context, outcome lateOutcome) {
	switch outcome {
	case lateStored:
		i.lateStored.Add(1)
	case lateDiscarded:
		i.lateDiscarded.Add(1)
	}
	i.lateCompletions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
}

func (i *instrumentation) stats() Stats {
	return Stats{
		Hits:          i.hits.Load(),
		Misses:        i.misses.Load(),
		Coalesced:     i.coalesced.Load(),
		Failures:      i.failed.Load(),
		Evictions:     i.evicted.Load(),
		LateStored:    i.lateStored.Load(),
		LateDiscarded: i.lateDiscarded.Load(),
	}
}
