package cache

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/velocityphp/velocity-cache/logger"
)

func newTestCache(t *testing.T, opts ...CacheOption) (*Cache, *manualClock, *logger.TestLogger) {
	t.Helper()
	clock := newClock()
	log := logger.NewTestLogger()
	store, err := NewFile(t.TempDir(), WithClock(clock.Now))
	require.NoError(t, err)
	c := New(store, append([]CacheOption{WithLogger(log), WithNow(clock.Now)}, opts...)...)
	t.Cleanup(func() { c.Close() })
	return c, clock, log
}

func TestCacheSetGet(t *testing.T) {
	ctx := context.Background()
	c, clock, log := newTestCache(t)

	_, ok := c.Get(ctx, "data", "k")
	assert.False(t, ok)
	assert.False(t, c.Has(ctx, "data", "k"))

	want := Object(map[string]Value{"name": String("ada"), "tags": Array(String("a"), String("b"))})
	require.True(t, c.Set(ctx, "data", "k", want, time.Minute))

	got, ok := c.Get(ctx, "data", "k")
	require.True(t, ok)
	assert.True(t, want.Equal(got))
	assert.True(t, c.Has(ctx, "data", "k"))

	clock.Advance(time.Minute)
	_, ok = c.Get(ctx, "data", "k")
	assert.False(t, ok)
	assert.Zero(t, log.Count("WARNING"))
}

func TestCacheSetPlainGoValues(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t)

	type post struct {
		ID    int      `json:"id"`
		Title string   `json:"title"`
		Tags  []string `json:"tags"`
	}
	require.True(t, c.Set(ctx, "data", "post_1", post{ID: 1, Title: "hello", Tags: []string{"go"}}, 0))

	got, ok := GetAs[post](ctx, c, "data", "post_1")
	require.True(t, ok)
	assert.Equal(t, post{ID: 1, Title: "hello", Tags: []string{"go"}}, got)

	v, ok := c.Get(ctx, "data", "post_1")
	require.True(t, ok)
	title, _ := v.Field("title")
	s, _ := title.AsString()
	assert.Equal(t, "hello", s)
}

func TestCacheDefaultTTL(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t, WithDefaultTTL(5*time.Minute))
	require.True(t, c.Set(ctx, "data", "k", 1, 0))

	_, entry, err := c.Store().Get(ctx, "data", "k")
	require.NoError(t, err)
	assert.Equal(t, testEpoch.Add(5*time.Minute), entry.ExpiresAt)
}

func TestCacheSerializationFailure(t *testing.T) {
	ctx := context.Background()
	c, _, log := newTestCache(t)

	assert.False(t, c.Set(ctx, "data", "k", make(chan int), time.Minute))
	assert.False(t, c.Set(ctx, "data", "k", func() {}, time.Minute))
	assert.False(t, c.Has(ctx, "data", "k"))
	assert.Equal(t, 2, log.Count("WARNING"))
	assert.True(t, log.Contains("cannot be serialized") || log.Contains("encoding value"))
}

func TestCacheDeleteAndInvalidate(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t)

	assert.True(t, c.Delete(ctx, "users", "missing"), "deleting a missing key is not an error")

	for _, key := range []string{"users_list_p1", "users_list_p2", "user_42"} {
		require.True(t, c.Set(ctx, "users", key, []int{1}, time.Minute))
	}
	require.True(t, c.Set(ctx, "api", "x", "y", time.Minute))

	assert.Equal(t, 2, c.InvalidatePattern(ctx, "users", "users_list_*"))
	assert.True(t, c.Has(ctx, "users", "user_42"))
	assert.True(t, c.Delete(ctx, "users", "user_42"))
	assert.False(t, c.Has(ctx, "users", "user_42"))

	require.True(t, c.Set(ctx, "users", "a", 1, time.Minute))
	assert.Equal(t, 1, c.ClearNamespace(ctx, "users"))
	assert.True(t, c.Has(ctx, "api", "x"))
	assert.Equal(t, 1, c.ClearAll(ctx))
}

func TestCacheSweepAndStats(t *testing.T) {
	ctx := context.Background()
	c, clock, _ := newTestCache(t)
	require.True(t, c.Set(ctx, "data", "a", 1, 10*time.Second))
	require.True(t, c.Set(ctx, "data", "b", 2, time.Hour))
	clock.Advance(time.Minute)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.ExpiredEntries)

	assert.Equal(t, 1, c.Sweep(ctx))
	stats, err = c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalEntries)
	assert.Zero(t, stats.ExpiredEntries)
}

func TestCacheStorageFaultIsMiss(t *testing.T) {
	ctx := context.Background()
	log := logger.NewTestLogger()
	backend := &flakyStore{Store: NewInMemory(ctx)}
	c := New(backend, WithLogger(log))
	defer c.Close()

	require.True(t, c.Set(ctx, "data", "k", 1, time.Minute))
	backend.down = true

	_, ok := c.Get(ctx, "data", "k")
	assert.False(t, ok)
	assert.False(t, c.Set(ctx, "data", "k", 2, time.Minute))
	assert.Equal(t, 2, log.Count("WARNING"))
	assert.True(t, log.Contains("backend down"))
}

func TestCacheDisabledIsQuiet(t *testing.T) {
	ctx := context.Background()
	log := logger.NewTestLogger()
	c := New(NewDisabled(errors.New("no storage")), WithLogger(log))
	defer c.Close()

	assert.True(t, c.Disabled())
	assert.False(t, c.Set(ctx, "data", "k", 1, time.Minute))
	_, ok := c.Get(ctx, "data", "k")
	assert.False(t, ok)
	assert.False(t, c.Delete(ctx, "data", "k"))
	assert.Zero(t, c.InvalidatePattern(ctx, "data", "*"))
	assert.Zero(t, c.ClearAll(ctx))
	assert.Zero(t, c.Sweep(ctx))
	assert.Empty(t, log.Logs())
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestCacheCloseReleasesResources(t *testing.T) {
	closed := 0
	c := New(NewInMemory(context.Background()),
		WithLogger(logger.NewTestLogger()),
		WithCloser(closerFunc(func() error { closed++; return nil })),
		WithCloser(closerFunc(func() error { closed++; return errors.New("close failed") })),
	)
	err := c.Close()
	assert.Error(t, err)
	assert.Equal(t, 2, closed)
}
