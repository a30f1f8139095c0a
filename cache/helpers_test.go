package cache

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserHelpers(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t)

	require.True(t, c.SetUser(ctx, "42", map[string]any{"id": 42, "name": "ada"}, time.Hour))
	require.True(t, c.Set(ctx, NamespaceUsers, "users_list_p1_pp15", []int{42}, time.Hour))
	require.True(t, c.Set(ctx, NamespaceUsers, "users_list_p2_pp15", []int{43}, time.Hour))
	require.True(t, c.SetUser(ctx, "43", map[string]any{"id": 43}, time.Hour))

	user, ok := c.GetUser(ctx, "42")
	require.True(t, ok)
	name, _ := user.Field("name")
	s, _ := name.AsString()
	assert.Equal(t, "ada", s)

	assert.Equal(t, 3, c.InvalidateUser(ctx, "42"))
	_, ok = c.GetUser(ctx, "42")
	assert.False(t, ok)
	_, ok = c.GetUser(ctx, "43")
	assert.True(t, ok, "other users stay cached")
	assert.False(t, c.Has(ctx, NamespaceUsers, "users_list_p1_pp15"))
}

func TestAPIResponseHelpers(t *testing.T) {
	ctx := context.Background()
	c, clock, _ := newTestCache(t)
	query := url.Values{"page": {"1"}, "per_page": {"15"}}

	response := map[string]any{"data": []int{1, 2}, "meta": map[string]any{"total": 2}}
	require.True(t, c.SetAPIResponse(ctx, "/api/users", query, response, 300*time.Second))

	same := url.Values{"per_page": {"15"}, "page": {"1"}}
	got, ok := c.GetAPIResponse(ctx, "/api/users", same)
	require.True(t, ok)
	meta, _ := got.Field("meta")
	total, _ := meta.Field("total")
	n, _ := total.AsInt()
	assert.Equal(t, int64(2), n)

	_, ok = c.GetAPIResponse(ctx, "/api/users", url.Values{"page": {"2"}})
	assert.False(t, ok)

	clock.Advance(301 * time.Second)
	_, ok = c.GetAPIResponse(ctx, "/api/users", query)
	assert.False(t, ok)
}

func TestPageHelpers(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t)

	require.True(t, c.SetPage(ctx, "/blog/hello-world", "<h1>Hello</h1>", time.Hour))
	require.True(t, c.SetPage(ctx, "/blog/hello_world", "<h1>Other</h1>", time.Hour))
	require.True(t, c.SetPage(ctx, "/", "<h1>Home</h1>", time.Hour))

	html, ok := c.GetPage(ctx, "/blog/hello-world")
	require.True(t, ok)
	assert.Equal(t, "<h1>Hello</h1>", html)
	html, ok = c.GetPage(ctx, "/blog/hello_world")
	require.True(t, ok)
	assert.Equal(t, "<h1>Other</h1>", html)
	html, ok = c.GetPage(ctx, "/")
	require.True(t, ok)
	assert.Equal(t, "<h1>Home</h1>", html)

	assert.NotEqual(t, PageKey("/a/b"), PageKey("/a_b"))
	_, ok = c.GetPage(ctx, "/missing")
	assert.False(t, ok)
}

func TestHitIP(t *testing.T) {
	ctx := context.Background()
	c, clock, _ := newTestCache(t)

	assert.Equal(t, 1, c.HitIP(ctx, "203.0.113.7", time.Minute))
	clock.Advance(20 * time.Second)
	assert.Equal(t, 2, c.HitIP(ctx, "203.0.113.7", time.Minute))
	assert.Equal(t, 1, c.HitIP(ctx, "198.51.100.1", time.Minute))

	// the window is anchored at the first hit
	clock.Advance(40 * time.Second)
	assert.Equal(t, 1, c.HitIP(ctx, "203.0.113.7", time.Minute))
}

func TestDefaultNamespacesAreValid(t *testing.T) {
	for _, ns := range DefaultNamespaces {
		assert.NoError(t, ValidateNamespace(ns))
	}
}
