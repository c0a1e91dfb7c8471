package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheKey(t *testing.T) {
	stringCacheKey := &StringCacheKey{}
	assert.Equal(t, "foo", stringCacheKey.Marshal("foo"))
	key, err := stringCacheKey.Unmarshal("foo")
	assert.Nil(t, err)
	assert.Equal(t, "foo", key)

	intCacheKey := &IntCacheKey{}
	assert.Equal(t, "1", intCacheKey.Marshal(1))
	keyInt, err := intCacheKey.Unmarshal("1")
	assert.Nil(t, err)
	assert.Equal(t, 1, keyInt)

	_, err = intCacheKey.Unmarshal("one")
	assert.Error(t, err)
}

func TestPrefixCacheKey(t *testing.T) {
	summaryKey := &PrefixCacheKey[int]{Prefix: "summary:", Key: &IntCacheKey{}}

	assert.Equal(t, "summary:42", summaryKey.Marshal(42))
	key, err := summaryKey.Unmarshal("summary:42")
	require.NoError(t, err)
	assert.Equal(t, 42, key)

	_, err = summaryKey.Unmarshal("soap:42")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestTypedCache(t *testing.T) {
	shared := newTestCache(t, &Options{})
	summaries := NewTypedCache[int, string](shared, &PrefixCacheKey[int]{Prefix: "summary:", Key: &IntCacheKey{}})
	notes := NewTypedCache[string, string](shared, &PrefixCacheKey[string]{Prefix: "soap:", Key: &StringCacheKey{}})

	value, err := summaries.Fetch(context.Background(), 7, func() (string, error) {
		return "summary of 7", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "summary of 7", value)

	cached, ok := shared.Get("summary:7")
	assert.True(t, ok)
	assert.Equal(t, "summary of 7", cached)

	require.NoError(t, notes.Set("visit-1", "note"))
	require.NoError(t, summaries.Set(8, "summary of 8"))

	assert.ElementsMatch(t, []int{7, 8}, summaries.Keys())
	assert.Equal(t, []string{"visit-1"}, notes.Keys())

	assert.True(t, summaries.Delete(7))
	_, ok = summaries.Get(7)
	assert.False(t, ok)
}

func TestTypedCacheRequiresCacheKey(t *testing.T) {
	assert.Panics(t, func() {
		NewTypedCache[int, string](newTestCache(t, &Options{}), nil)
	})
}
