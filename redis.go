package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type RedisStorageBackend[V any] struct {
	Options      *RedisStorageBackendOptions
	Client       *redis.Client
	origin       string
	logger       *slog.Logger
	callbacks    []func(CacheEvent[V])
	callbacksMu  sync.RWMutex
	cancelPubSub context.CancelFunc
	pubSubWg     sync.WaitGroup
}

type RedisStorageBackendOptions struct {
	RedisOptions      *redis.Options
	TTL               time.Duration
	KeyPrefix         string
	PubSub            bool
	PubSubChannelName string
	ScanCount         int64
	BatchSize         int

	Logger         *slog.Logger
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

func (o *RedisStorageBackendOptions) GetScanCount() int64 {
	if o.ScanCount <= 0 {
		return 0
	}
	return o.ScanCount
}

func (o *RedisStorageBackendOptions) GetBatchSize() int {
	if o.BatchSize <= 0 {
		return 100
	}
	return o.BatchSize
}

func (o *RedisStorageBackendOptions) GetLogger() *slog.Logger {
	if o.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o.Logger
}

func NewRedisStorageBackend[V any](options *RedisStorageBackendOptions) (*RedisStorageBackend[V], error) {
	if options.RedisOptions == nil {
		return nil, fmt.Errorf("%w: RedisOptions is required", ErrInvalidOption)
	}
	if options.PubSub && options.PubSubChannelName == "" {
		return nil, fmt.Errorf("%w: PubSubChannelName is required when PubSub is enabled", ErrInvalidOption)
	}

	client := redis.NewClient(options.RedisOptions)

	var tracingOptions []redisotel.TracingOption
	if options.TracerProvider != nil {
		tracingOptions = append(tracingOptions, redisotel.WithTracerProvider(options.TracerProvider))
	}
	if err := redisotel.InstrumentTracing(client, tracingOptions...); err != nil {
		client.Close()
		return nil, err
	}

	var metricsOptions []redisotel.MetricsOption
	if options.MeterProvider != nil {
		metricsOptions = append(metricsOptions, redisotel.WithMeterProvider(options.MeterProvider))
	}
	if err := redisotel.InstrumentMetrics(client, metricsOptions...); err != nil {
		client.Close()
		return nil, err
	}

	b := &RedisStorageBackend[V]{
		Options: options,
		Client:  client,
		origin:  uuid.New().String(),
		logger:  options.GetLogger().With(slog.String("component", "redis-backend")),
	}

	if b.Options.PubSub {
		ctx, cancel := context.WithCancel(context.Background())
		b.cancelPubSub = cancel

		// Subscribe before returning so events published right after
		// construction are not lost.
		pubsub := b.Client.Subscribe(ctx, b.Options.PubSubChannelName)
		if _, err := pubsub.Receive(ctx); err != nil {
			cancel()
			pubsub.Close()
			client.Close()
			return nil, fmt.Errorf("failed to subscribe to %s: %w", b.Options.PubSubChannelName, err)
		}

		b.pubSubWg.Add(1)
		go b.listen(ctx, pubsub)
	}

	return b, nil
}

// Origin identifies this backend in the events it publishes.
func (b *RedisStorageBackend[V]) Origin() string {
	return b.origin
}

func (b *RedisStorageBackend[V]) GetStringKey(key string) string {
	if b.Options.KeyPrefix == "" {
		return key
	} else {
		return b.Options.KeyPrefix + ":" + key
	}
}

// Get returns the entry for key together with its remaining TTL.
func (b *RedisStorageBackend[V]) Get(ctx context.Context, key string) (*CacheEntry[V], error) {
	pipe := b.Client.Pipeline()
	get := pipe.Get(ctx, b.GetStringKey(key))
	pttl := pipe.PTTL(ctx, b.GetStringKey(key))
	// Per-command errors are inspected below.
	_, _ = pipe.Exec(ctx)

	data, err := get.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	ttl, err := pttl.Result()
	if err != nil {
		return nil, err
	}
	switch {
	case ttl == -2 || ttl == 0:
		// Expired between the two commands.
		return nil, ErrNotFound
	case ttl < 0:
		ttl = NoExpiration
	}

	var value V
	err = msgpack.Unmarshal(data, &value)
	if err != nil {
		return nil, err
	}

	return &CacheEntry[V]{Key: key, Value: &value, TTL: ttl}, nil
}

func (b *RedisStorageBackend[V]) Ttl(ctx context.Context, key string) (time.Duration, error) {
	return b.Client.TTL(ctx, b.GetStringKey(key)).Result()
}

// Set stores value. A ttl of 0 uses Options.TTL, a negative ttl stores the
// value without expiration.
func (b *RedisStorageBackend[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) error {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return err
	}

	if ttl == 0 {
		ttl = b.Options.TTL
	}
	// redis treats an expiration of 0 as "keep forever".
	expiration := ttl
	if ttl <= 0 {
		ttl = NoExpiration
		expiration = 0
	}

	err = b.Client.Set(ctx, b.GetStringKey(key), data, expiration).Err()
	if err != nil {
		return err
	}

	if b.Options.PubSub {
		err = b.PublishEvent(ctx, &CacheEvent[V]{
			Entry: &CacheEntry[V]{
				Key:   key,
				Value: &value,
				TTL:   ttl,
			},
			Type: CacheEventSet,
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func (b *RedisStorageBackend[V]) Remove(ctx context.Context, key string) error {
	err := b.Client.Del(ctx, b.GetStringKey(key)).Err()
	if err != nil {
		return err
	}

	if b.Options.PubSub {
		err = b.PublishEvent(ctx, &CacheEvent[V]{
			Entry: &CacheEntry[V]{
				Key: key,
			},
			Type: CacheEventRemove,
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// RemovePrefix deletes every key starting with keyPrefix. An empty keyPrefix
// removes all entries and requires Options.KeyPrefix, since the keys of an
// unprefixed backend cannot be told apart from other data in the database.
func (b *RedisStorageBackend[V]) RemovePrefix(ctx context.Context, keyPrefix string) error {
	if keyPrefix == "" && b.Options.KeyPrefix == "" {
		return fmt.Errorf("%w: KeyPrefix is required to remove all entries", ErrInvalidOption)
	}

	keys, err := b.fetchKeysWithPrefix(ctx, keyPrefix)
	if err != nil {
		return err
	}

	var errs []error
	for i := 0; i < len(keys); i += 1000 {
		end := min(i+1000, len(keys))

		batchKeys := make([]string, end-i)
		for j, key := range keys[i:end] {
			batchKeys[j] = b.GetStringKey(key)
		}

		if err := b.Client.Del(ctx, batchKeys...).Err(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}

	if b.Options.PubSub {
		err = b.PublishEvent(ctx, &CacheEvent[V]{
			Type:      CacheEventRemovePrefix,
			KeyPrefix: keyPrefix,
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func (b *RedisStorageBackend[V]) Contains(ctx context.Context, key string) (bool, error) {
	n, err := b.Client.Exists(ctx, b.GetStringKey(key)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Load returns every entry under Options.KeyPrefix with its remaining TTL.
func (b *RedisStorageBackend[V]) Load(ctx context.Context) ([]CacheEntry[V], error) {
	data, err := b.fetchEntriesWithPrefix(ctx, "", b.Options.GetBatchSize())
	if err != nil {
		return nil, err
	}

	entries := make([]CacheEntry[V], 0, len(data))
	for key, entry := range data {
		value := entry.value
		entries = append(entries, CacheEntry[V]{
			Key:   key,
			Value: &value,
			TTL:   entry.ttl,
		})
	}

	return entries, nil
}

func (b *RedisStorageBackend[V]) AddCallback(callback func(CacheEvent[V])) {
	b.callbacksMu.Lock()
	defer b.callbacksMu.Unlock()
	b.callbacks = append(b.callbacks, callback)
}

func (b *RedisStorageBackend[V]) PublishEvent(ctx context.Context, event *CacheEvent[V]) error {
	event.Origin = b.origin
	data, err := msgpack.Marshal(event)
	if err != nil {
		return err
	}

	return b.Client.Publish(ctx, b.Options.PubSubChannelName, data).Err()
}

// listen dispatches events published by other backends to the callbacks and
// resubscribes with backoff when the connection drops.
func (b *RedisStorageBackend[V]) listen(ctx context.Context, pubsub *redis.PubSub) {
	defer b.pubSubWg.Done()
	backoff := 100 * time.Millisecond
	maxBackoff := 10 * time.Second

	for {
		for {
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					pubsub.Close()
					return
				}
				b.logger.Warn("PubSub error, reconnecting", "error", err.Error())
				break
			}

			backoff = 100 * time.Millisecond

			var event CacheEvent[V]
			err = msgpack.Unmarshal([]byte(msg.Payload), &event)
			if err != nil {
				b.logger.Warn("Failed to unmarshal cache event", "error", err.Error())
				continue
			}
			if event.Origin == b.origin {
				continue
			}

			b.callbacksMu.RLock()
			for _, callback := range b.callbacks {
				callback(event)
			}
			b.callbacksMu.RUnlock()
		}
		pubsub.Close()

		select {
		case <-time.After(backoff):
			if backoff < maxBackoff {
				backoff *= 2
			}
		case <-ctx.Done():
			return
		}

		pubsub = b.Client.Subscribe(ctx, b.Options.PubSubChannelName)
	}
}

func (b *RedisStorageBackend[V]) Close() error {
	if b.cancelPubSub != nil {
		b.cancelPubSub()
	}
	// Close client to unblock any TCP reads in the PubSub goroutine,
	// then wait for the goroutine to finish.
	err := b.Client.Close()
	b.pubSubWg.Wait()
	return err
}

// Type assertion
var _ StorageBackend[string] = (*RedisStorageBackend[string])(nil)
