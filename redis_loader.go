package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

type loadedEntry[V any] struct {
	value V
	ttl   time.Duration
}

func (b *RedisStorageBackend[V]) fetchValues(ctx context.Context, keys []string, resultsChan chan<- map[string]loadedEntry[V], wg *sync.WaitGroup) {
	defer wg.Done()

	pipe := b.Client.Pipeline()
	gets := make([]*redis.StringCmd, len(keys))
	ttls := make([]*redis.DurationCmd, len(keys))
	for i, key := range keys {
		gets[i] = pipe.Get(ctx, key)
		ttls[i] = pipe.PTTL(ctx, key)
	}
	// Per-command errors are inspected below.
	_, _ = pipe.Exec(ctx)

	entries := make(map[string]loadedEntry[V])
	for i, key := range keys {
		data, err := gets[i].Bytes()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				b.logger.Warn("Failed to fetch value", "key", key, "error", err.Error())
			}
			continue
		}

		var value V
		if err := msgpack.Unmarshal(data, &value); err != nil {
			b.logger.Warn("Failed to unmarshal value", "key", key, "error", err.Error())
			continue
		}

		// PTTL reports -1 for keys without expiration.
		ttl := ttls[i].Val()
		if ttl < 0 {
			ttl = NoExpiration
		}
		entries[key] = loadedEntry[V]{value: value, ttl: ttl}
	}
	resultsChan <- entries
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// keyPattern returns a SCAN MATCH pattern for keys starting with prefix. Both
// prefixes are matched literally.
func (b *RedisStorageBackend[V]) keyPattern(prefix string) string {
	return globEscaper.Replace(b.GetStringKey(prefix)) + "*"
}

func (b *RedisStorageBackend[V]) trimKeyPrefix(key string) string {
	if b.Options.KeyPrefix == "" {
		return key
	}
	return strings.TrimPrefix(key, b.Options.KeyPrefix+":")
}

func (b *RedisStorageBackend[V]) fetchEntriesWithPrefix(ctx context.Context, prefix string, batchSize int) (map[string]loadedEntry[V], error) {
	var cursor uint64
	var err error
	resultsChan := make(chan map[string]loadedEntry[V])
	var wg sync.WaitGroup

	keyPattern := b.keyPattern(prefix)

	// Keys are collected first so a failing SCAN does not leave fetchers
	// blocked on resultsChan.
	var batches [][]string
	for {
		var scanKeys []string
		scanKeys, cursor, err = b.Client.Scan(ctx, cursor, keyPattern, b.Options.GetScanCount()).Result()
		if err != nil {
			return nil, err
		}

		for i := 0; i < len(scanKeys); i += batchSize {
			end := min(i+batchSize, len(scanKeys))
			batches = append(batches, scanKeys[i:end])
		}

		if cursor == 0 {
			break
		}
	}

	for _, batch := range batches {
		wg.Add(1)
		go b.fetchValues(ctx, batch, resultsChan, &wg)
	}

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	entries := make(map[string]loadedEntry[V])
	for batch := range resultsChan {
		for key, entry := range batch {
			entries[b.trimKeyPrefix(key)] = entry
		}
	}

	return entries, nil
}

func (b *RedisStorageBackend[V]) fetchKeysWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	var cursor uint64
	var err error

	keyPattern := b.keyPattern(prefix)

	keys := []string{}
	for {
		var scanKeys []string
		scanKeys, cursor, err = b.Client.Scan(ctx, cursor, keyPattern, b.Options.GetScanCount()).Result()
		if err != nil {
			return nil, err
		}

		for _, key := range scanKeys {
			keys = append(keys, b.trimKeyPrefix(key))
		}

		if cursor == 0 {
			break
		}
	}

	return keys, nil
}
