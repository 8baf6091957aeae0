package memstore_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krisalay/weather-cache/durable/memstore"
	"github.com/krisalay/weather-cache/types"
)

func TestStoreBudget(t *testing.T) {
	ctx := context.Background()
	s := memstore.New(20)

	require.NoError(t, s.Set(ctx, "a", []byte("0123456789"))) // 11 bytes
	assert.Equal(t, int64(11), s.Used())

	err := s.Set(ctx, "b", []byte("0123456789"))
	assert.True(t, errors.Is(err, types.ErrQuotaExceeded))

	// replacing a value only counts the difference
	require.NoError(t, s.Set(ctx, "a", []byte("0123456789abcdefg")))
	assert.Equal(t, int64(18), s.Used())

	require.NoError(t, s.Remove(ctx, "a"))
	assert.Equal(t, int64(0), s.Used())
}

func TestStoreKeysAndGet(t *testing.T) {
	ctx := context.Background()
	s := memstore.New(0)

	require.NoError(t, s.Set(ctx, "meta:a", []byte("1")))
	require.NoError(t, s.Set(ctx, "meta:b", []byte("2")))
	require.NoError(t, s.Set(ctx, "other", []byte("3")))

	keys, err := s.Keys(ctx, "meta:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"meta:a", "meta:b"}, keys)

	v, ok, err := s.Get(ctx, "other")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("3"), v)

	_, ok, err = s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreClosed(t *testing.T) {
	ctx := context.Background()
	s := memstore.New(0)
	require.NoError(t, s.Close())

	err := s.Set(ctx, "a", []byte("1"))
	assert.True(t, errors.Is(err, types.ErrStorageUnavailable))
	_, _, err = s.Get(ctx, "a")
	assert.True(t, errors.Is(err, types.ErrStorageUnavailable))
}
