package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestRedisNativeExpiry(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	s := NewRedis(client)

	require.NoError(t, s.Set(ctx, "data", "k", []byte(`"v"`), 2*time.Second))
	assert.True(t, mr.Exists("velocity:data:k"))
	assert.Equal(t, 2*time.Second, mr.TTL("velocity:data:k"))

	mr.FastForward(3 * time.Second)
	assertMiss(t, s, "data", "k")
	assert.False(t, mr.Exists("velocity:data:k"))
}

func TestRedisRecordEncoding(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	s := NewRedis(client, WithClock(newClock().Now), WithPrefix("app"))

	require.NoError(t, s.Set(ctx, "users", "user_1", []byte(`{"id":1}`), time.Minute))
	raw, err := mr.Get("app:users:user_1")
	require.NoError(t, err)

	var rec redisRecord
	require.NoError(t, msgpack.Unmarshal([]byte(raw), &rec))
	assert.Equal(t, `{"id":1}`, string(rec.Value))
	assert.Equal(t, testEpoch.Unix(), rec.CreatedAt)
	assert.Equal(t, testEpoch.Unix()+60, rec.ExpiresAt)
}

func TestRedisCorruptRecordIsMiss(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	s := NewRedis(client)

	require.NoError(t, mr.Set("velocity:data:k", "\xc1not msgpack"))
	assertMiss(t, s, "data", "k")
	assert.False(t, mr.Exists("velocity:data:k"))

	require.NoError(t, mr.Set("velocity:data:other", "\xc1"))
	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRedisPrefixIsolation(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	a := NewRedis(client, WithPrefix("a"))
	b := NewRedis(client, WithPrefix("b"))

	require.NoError(t, a.Set(ctx, "data", "k", []byte(`1`), time.Minute))
	require.NoError(t, b.Set(ctx, "data", "k", []byte(`2`), time.Minute))

	n, err := a.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assertMiss(t, a, "data", "k")
	entry := mustGet(t, b, "data", "k")
	assert.JSONEq(t, `2`, string(entry.Value))
}

func TestRedisManyKeys(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	s := NewRedis(client)

	for i := 0; i < scanBatch*2+10; i++ {
		require.NoError(t, s.Set(ctx, "pages", fmt.Sprintf("page_%d", i), []byte(`1`), time.Minute))
	}
	n, err := s.InvalidatePattern(ctx, "pages", "page_*")
	require.NoError(t, err)
	assert.Equal(t, scanBatch*2+10, n)
}

func TestRedisUnavailable(t *testing.T) {
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	s := NewRedis(client, WithQueryTimeout(100*time.Millisecond))

	_, _, err := s.Get(ctx, "data", "k")
	assert.Error(t, err)
	assert.Error(t, s.Set(ctx, "data", "k", []byte(`1`), time.Minute))
}
