package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func unmarshalTestData[K any](t *testing.T, data string) K {
	var value K
	err := msgpack.Unmarshal([]byte(data), &value)
	assert.Nil(t, err)
	return value
}

func marshalTestData[K any](t *testing.T, item any) []byte {
	data, err := msgpack.Marshal(item)
	assert.Nil(t, err)
	return data
}

func newTestRedisBackend(t *testing.T, s *miniredis.Miniredis, pubSub bool) *RedisStorageBackend[string] {
	t.Helper()
	backend, err := NewRedisStorageBackend[string](&RedisStorageBackendOptions{
		RedisOptions: &redis.Options{
			Addr: s.Addr(),
		},
		KeyPrefix:         "test",
		PubSub:            pubSub,
		PubSubChannelName: "pubsub",
		TTL:               0,
	})
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	return backend
}

func TestRedisClient(t *testing.T) {
	s := miniredis.RunT(t)
	cache := newTestRedisBackend(t, s, false)
	ctx := context.Background()

	err := cache.Set(ctx, "foo", "bar", 0)
	assert.Nil(t, err)

	ok, err := cache.Contains(ctx, "foo")
	assert.Nil(t, err)
	assert.True(t, ok)

	entry, err := cache.Get(ctx, "foo")
	assert.Nil(t, err)
	assert.Equal(t, "bar", *entry.Value)
	assert.Equal(t, NoExpiration, entry.TTL)

	redisValue, err := s.Get("test:foo")
	assert.Nil(t, err)
	assert.Equal(t, "bar", unmarshalTestData[string](t, redisValue))
	assert.Equal(t, time.Duration(0), s.TTL("test:foo"))

	err = cache.Remove(ctx, "foo")
	assert.Nil(t, err)
	_, err = cache.Get(ctx, "foo")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisTTL(t *testing.T) {
	s := miniredis.RunT(t)
	cache := newTestRedisBackend(t, s, false)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "foo", "bar", time.Minute))
	assert.Equal(t, time.Minute, s.TTL("test:foo"))

	ttl, err := cache.Ttl(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)

	s.FastForward(20 * time.Second)
	entry, err := cache.Get(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, "bar", *entry.Value)
	assert.Equal(t, 40*time.Second, entry.TTL, "Get reports the remaining TTL")

	s.FastForward(2 * time.Minute)
	_, err = cache.Get(ctx, "foo")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisRequiresChannelForPubSub(t *testing.T) {
	s := miniredis.RunT(t)
	_, err := NewRedisStorageBackend[string](&RedisStorageBackendOptions{
		RedisOptions: &redis.Options{Addr: s.Addr()},
		PubSub:       true,
	})
	assert.ErrorIs(t, err, ErrInvalidOption)
}

func TestRedisPubSub(t *testing.T) {
	s := miniredis.RunT(t)
	ctx := context.Background()

	lock := &sync.Mutex{}

	addCallback := func(c *RedisStorageBackend[string], items map[string]string) {
		c.AddCallback(func(event CacheEvent[string]) {
			lock.Lock()
			if event.Type == CacheEventSet {
				items[event.Entry.Key] = *event.Entry.Value
			} else if event.Type == CacheEventRemove {
				delete(items, event.Entry.Key)
			}
			lock.Unlock()
		})
	}
	has := func(items map[string]string, key, expected string) func() bool {
		return func() bool {
			lock.Lock()
			defer lock.Unlock()
			value, ok := items[key]
			return ok && value == expected
		}
	}

	localItemsOne := make(map[string]string)
	localItemsTwo := make(map[string]string)

	cacheOne := newTestRedisBackend(t, s, true)
	addCallback(cacheOne, localItemsOne)

	cacheTwo := newTestRedisBackend(t, s, true)
	addCallback(cacheTwo, localItemsTwo)

	assert.NotEqual(t, cacheOne.Origin(), cacheTwo.Origin())

	err := cacheOne.Set(ctx, "foo", "bar", 0)
	assert.Nil(t, err)
	assert.Eventually(t, has(localItemsTwo, "foo", "bar"), time.Second, 5*time.Millisecond)

	err = cacheTwo.Set(ctx, "fizz", "buzz", 0)
	assert.Nil(t, err)
	assert.Eventually(t, has(localItemsOne, "fizz", "buzz"), time.Second, 5*time.Millisecond)

	// Own events are not delivered back to the publisher.
	lock.Lock()
	_, ok := localItemsOne["foo"]
	lock.Unlock()
	assert.False(t, ok)

	err = cacheOne.Remove(ctx, "foo")
	assert.Nil(t, err)
	assert.Eventually(t, func() bool {
		lock.Lock()
		defer lock.Unlock()
		_, ok := localItemsTwo["foo"]
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestRedisRemovePrefix(t *testing.T) {
	s := miniredis.RunT(t)
	cache := newTestRedisBackend(t, s, false)
	ctx := context.Background()

	// add value
	err := cache.Set(ctx, "foo:fizz", "bar", 0)
	assert.Nil(t, err)
	redisValue, err := s.Get("test:foo:fizz")
	assert.Nil(t, err)
	assert.Equal(t, "bar", unmarshalTestData[string](t, redisValue))

	// add another value
	err = cache.Set(ctx, "foo:buzz", "fizz", 0)
	assert.Nil(t, err)

	// add more values with different prefix
	err = cache.Set(ctx, "bar:fizz", "buzz", 0)
	assert.Nil(t, err)
	err = cache.Set(ctx, "bar:buzz", "foo", 0)
	assert.Nil(t, err)

	assert.Len(t, s.Keys(), 4)

	// remove prefix "foo"
	err = cache.RemovePrefix(ctx, "foo")
	assert.Nil(t, err)
	assert.Len(t, s.Keys(), 2)

	redisValue, err = s.Get("test:foo:fizz")
	assert.NotNil(t, err)
	assert.Empty(t, redisValue)

	// remove prefix "bar"
	err = cache.RemovePrefix(ctx, "bar")
	assert.Nil(t, err)
	assert.Len(t, s.Keys(), 0)
}

func TestRedisRemovePrefixMatchesLiterally(t *testing.T) {
	s := miniredis.RunT(t)
	cache := newTestRedisBackend(t, s, false)
	ctx := context.Background()

	for _, key := range []string{"a?1", "ab1", "a*2", "a[b]3", "ac3", `a\4`} {
		require.NoError(t, cache.Set(ctx, key, key, 0))
	}

	require.NoError(t, cache.RemovePrefix(ctx, "a?"))
	_, err := cache.Get(ctx, "a?1")
	assert.ErrorIs(t, err, ErrNotFound)
	entry, err := cache.Get(ctx, "ab1")
	require.NoError(t, err)
	assert.Equal(t, "ab1", *entry.Value)

	require.NoError(t, cache.RemovePrefix(ctx, "a*"))
	_, err = cache.Get(ctx, "a*2")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, cache.RemovePrefix(ctx, "a[b]"))
	_, err = cache.Get(ctx, "a[b]3")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, cache.RemovePrefix(ctx, `a\`))
	_, err = cache.Get(ctx, `a\4`)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ElementsMatch(t, []string{"test:ab1", "test:ac3"}, s.Keys())
}

func TestRedisRemoveAllRequiresKeyPrefix(t *testing.T) {
	s := miniredis.RunT(t)
	ctx := context.Background()

	backend, err := NewRedisStorageBackend[string](&RedisStorageBackendOptions{
		RedisOptions: &redis.Options{Addr: s.Addr()},
	})
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	require.NoError(t, s.Set("unrelated", "data"))
	require.NoError(t, backend.Set(ctx, "foo", "bar", 0))

	assert.ErrorIs(t, backend.RemovePrefix(ctx, ""), ErrInvalidOption)
	assert.True(t, s.Exists("unrelated"))
	assert.True(t, s.Exists("foo"))

	require.NoError(t, backend.RemovePrefix(ctx, "fo"))
	assert.False(t, s.Exists("foo"))
	assert.True(t, s.Exists("unrelated"))
}

func TestRedisLoad(t *testing.T) {
	s := miniredis.RunT(t)
	cache := newTestRedisBackend(t, s, false)
	ctx := context.Background()

	require.NoError(t, s.Set("test:foo", string(marshalTestData[string](t, "bar"))))
	require.NoError(t, s.Set("test:fizz", string(marshalTestData[string](t, "buzz"))))
	s.SetTTL("test:fizz", time.Minute)
	require.NoError(t, s.Set("other:foo", string(marshalTestData[string](t, "ignored"))))

	entries, err := cache.Load(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	loaded := map[string]CacheEntry[string]{}
	for _, entry := range entries {
		loaded[entry.Key] = entry
	}
	assert.Equal(t, "bar", *loaded["foo"].Value)
	assert.Equal(t, NoExpiration, loaded["foo"].TTL)
	assert.Equal(t, "buzz", *loaded["fizz"].Value)
	assert.Equal(t, time.Minute, loaded["fizz"].TTL)
}
