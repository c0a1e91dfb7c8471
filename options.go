package cache

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Options passed to NewCoalescingCache
//
// Size: Maximum number of entries, pending ones included. Set to 0 for DefaultSize
// DefaultTTL: TTL of a resolved entry when the caller passes none. Set to 0 for
// DefaultTTL, NoExpiration to keep results until evicted
// InFlightTTL: How long a pending entry is treated as authoritative. Set to 0
// for DefaultInFlightTTL, NoExpiration to never give up on a running producer
// JanitorInterval: How often expired entries are purged in the background. Set
// to 0 to only purge lazily
// TraceKeys: Record the raw key as the cache.key span attribute. Off by
// default, keys often carry user or record identifiers
type Options struct {
	Size            int
	DefaultTTL      time.Duration
	InFlightTTL     time.Duration
	JanitorInterval time.Duration
	TraceKeys       bool

	Clock          func() time.Time
	Logger         *slog.Logger
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

func (o *Options) GetSize() int {
	if o.Size == 0 {
		return DefaultSize
	}
	return o.Size
}

func (o *Options) GetDefaultTTL() time.Duration {
	if o.DefaultTTL == 0 {
		return DefaultTTL
	}
	return o.DefaultTTL
}

func (o *Options) GetInFlightTTL() time.Duration {
	if o.InFlightTTL == 0 {
		return DefaultInFlightTTL
	}
	return o.InFlightTTL
}

func (o *Options) GetClock() func() time.Time {
	if o.Clock == nil {
		return time.Now
	}
	return o.Clock
}

func (o *Options) GetLogger() *slog.Logger {
	if o.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o.Logger
}

func (o *Options) Validate() error {
	if o.Size < 0 {
		return fmt.Errorf("%w: Size must not be negative (%d)", ErrInvalidOption, o.Size)
	}
	if o.DefaultTTL < 0 && o.DefaultTTL != NoExpiration {
		return fmt.Errorf("%w: DefaultTTL must be positive or NoExpiration (%s)", ErrInvalidOption, o.DefaultTTL)
	}
	if o.InFlightTTL < 0 && o.InFlightTTL != NoExpiration {
		return fmt.Errorf("%w: InFlightTTL must be positive or NoExpiration (%s)", ErrInvalidOption, o.InFlightTTL)
	}
	if o.JanitorInterval < 0 {
		return fmt.Errorf("%w: JanitorInterval must not be negative (%s)", ErrInvalidOption, o.JanitorInterval)
	}
	return nil
}
