package cache

import (
	"context"
	"net/url"
	"strings"
	"time"
)

// Namespaces used by the application helpers.
const (
	NamespaceUsers = "users"
	NamespaceData  = "data"
	NamespaceAPI   = "api"
	NamespacePages = "pages"
	NamespaceIP    = "ip"
)

// DefaultNamespaces lists the namespaces an application cache starts with.
var DefaultNamespaces = []string{NamespaceUsers, NamespaceData, NamespaceAPI, NamespacePages, NamespaceIP}

// UserListPattern matches every cached listing of users.
const UserListPattern = "users_list_*"

// UserKey returns the key of a single cached user.
func UserKey(id string) string {
	return "user_" + id
}

// PageKey returns the key of a rendered page. The readable part is
// sanitized and the digest keeps paths that sanitize alike apart.
func PageKey(path string) string {
	id := replaceDisallowed(strings.Trim(path, "/"))
	if id == "" {
		id = "index"
	}
	return "page_" + id + "_" + digest([]byte(path))
}

// IPKey returns the key of the hit counter for ip.
func IPKey(ip string) string {
	return "hits_" + ip
}

// GetUser returns the cached user with the given id.
func (c *Cache) GetUser(ctx context.Context, id string) (Value, bool) {
	return c.Get(ctx, NamespaceUsers, UserKey(id))
}

// SetUser caches a user record.
func (c *Cache) SetUser(ctx context.Context, id string, user any, ttl time.Duration) bool {
	return c.Set(ctx, NamespaceUsers, UserKey(id), user, ttl)
}

// InvalidateUser drops a user and every cached user listing, since any of
// them may include the changed record. It returns the number of entries removed.
func (c *Cache) InvalidateUser(ctx context.Context, id string) int {
	removed := c.InvalidatePattern(ctx, NamespaceUsers, UserListPattern)
	found, err := c.store.Delete(ctx, NamespaceUsers, UserKey(id))
	if err != nil {
		c.fault("delete", NamespaceUsers, UserKey(id), err)
	}
	if found {
		removed++
	}
	return removed
}

// GetAPIResponse returns the cached response for endpoint called with query.
func (c *Cache) GetAPIResponse(ctx context.Context, endpoint string, query url.Values) (Value, bool) {
	return c.Get(ctx, NamespaceAPI, APIKey(endpoint, query))
}

// SetAPIResponse caches the response for endpoint called with query.
func (c *Cache) SetAPIResponse(ctx context.Context, endpoint string, query url.Values, response any, ttl time.Duration) bool {
	return c.Set(ctx, NamespaceAPI, APIKey(endpoint, query), response, ttl)
}

// GetPage returns the cached rendering of path.
func (c *Cache) GetPage(ctx context.Context, path string) (string, bool) {
	v, ok := c.Get(ctx, NamespacePages, PageKey(path))
	if !ok {
		return "", false
	}
	return v.AsString()
}

// SetPage caches the rendering of path.
func (c *Cache) SetPage(ctx context.Context, path string, html string, ttl time.Duration) bool {
	return c.Set(ctx, NamespacePages, PageKey(path), html, ttl)
}

// HitIP counts a request from ip and returns the number of hits inside the
// current window. The window starts with the first hit and is not extended
// by later ones. The read-modify-write is not atomic, so concurrent hits
// may be undercounted.
func (c *Cache) HitIP(ctx context.Context, ip string, window time.Duration) int {
	key := IPKey(ip)
	window = c.ttl(window)
	remaining := window
	hits := 0
	if entry := c.lookup(ctx, NamespaceIP, key); entry != nil {
		if err := entry.Decode(&hits); err != nil {
			hits = 0
		} else if left := entry.ExpiresAt.Sub(c.now()); left > 0 {
			remaining = left
		}
	}
	hits++
	c.Set(ctx, NamespaceIP, key, hits, remaining)
	return hits
}
