package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func exerciseBackend(t *testing.T, backend CacheBackend) {
	ctx := context.Background()

	_, found, err := backend.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, backend.Set(ctx, "a", []byte("1"), time.Minute))
	value, found, err := backend.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("1"), value)

	require.NoError(t, backend.SetMultiple(ctx, map[string][]byte{"b": []byte("2"), "c": []byte("3")}, time.Minute))
	got, err := backend.GetMultiple(ctx, []string{"a", "b", "c", "d"})
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Equal(t, []byte("3"), got["c"])

	require.NoError(t, backend.Delete(ctx, "a"))
	_, found, _ = backend.Get(ctx, "a")
	assert.False(t, found)

	require.NoError(t, SetJSON(ctx, backend, "json", sample{Name: "x", Count: 2}, time.Minute))
	decoded, found, err := GetJSON[sample](ctx, backend, "json")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, sample{Name: "x", Count: 2}, decoded)

	require.NoError(t, backend.Set(ctx, "garbage", []byte("{"), time.Minute))
	_, found, err = GetJSON[sample](ctx, backend, "garbage")
	require.NoError(t, err)
	assert.False(t, found, "undecodable values read as misses")
}

func TestMemoryCache(t *testing.T) {
	mc := NewMemoryCache(100, time.Hour)
	defer mc.Close()
	exerciseBackend(t, mc)
}

func TestMemoryCacheExpiry(t *testing.T) {
	mc := NewMemoryCache(100, time.Hour)
	defer mc.Close()
	ctx := context.Background()

	require.NoError(t, mc.Set(ctx, "short", []byte("x"), time.Millisecond))
	require.NoError(t, mc.Set(ctx, "forever", []byte("y"), 0))
	time.Sleep(5 * time.Millisecond)

	_, found, _ := mc.Get(ctx, "short")
	assert.False(t, found)
	_, found, _ = mc.Get(ctx, "forever")
	assert.True(t, found)
}

func TestMemoryCacheCleanupEnforcesMaxSize(t *testing.T) {
	mc := NewMemoryCache(2, 0)
	defer mc.Close()
	ctx := context.Background()

	mc.Set(ctx, "soon", []byte("1"), time.Minute)
	mc.Set(ctx, "later", []byte("2"), time.Hour)
	mc.Set(ctx, "never", []byte("3"), 0)
	mc.cleanup()

	_, found, _ := mc.Get(ctx, "soon")
	assert.False(t, found, "soonest-expiring entry is evicted first")
	_, found, _ = mc.Get(ctx, "never")
	assert.True(t, found)
}

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rc := NewRedisCacheFromClient(client, "test:")
	defer rc.Close()

	exerciseBackend(t, rc)
	assert.True(t, mr.Exists("test:b"), "keys are stored with the prefix")
}

func TestNewRedisCacheFromURL(t *testing.T) {
	mr := miniredis.RunT(t)
	rc, err := NewRedisCache(context.Background(), "redis://"+mr.Addr()+"/0", "p:")
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, "p:", rc.Prefix())

	_, err = NewRedisCache(context.Background(), "not a url", "p:")
	assert.Error(t, err)
}
