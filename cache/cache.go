package cache

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/velocityphp/velocity-cache/logger"
	"golang.org/x/sync/singleflight"
)

// Cache is the handle collaborators use to read and write cached data.
// Construct one per process with New and pass it to whatever needs it.
//
// Storage faults never reach the caller: they are logged and the call
// behaves as if nothing was cached. A Cache is safe for concurrent use.
type Cache struct {
	store        Store
	log          logger.Logger
	defaultTTL   time.Duration
	singleFlight bool
	group        singleflight.Group
	now          func() time.Time
	closers      []io.Closer
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithLogger sets the logger storage faults are reported to.
func WithLogger(log logger.Logger) CacheOption {
	return func(c *Cache) {
		if log != nil {
			c.log = log
		}
	}
}

// WithDefaultTTL sets the TTL used when a write passes ttl <= 0. Defaults to one hour.
func WithDefaultTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		if ttl > 0 {
			c.defaultTTL = ttl
		}
	}
}

// WithSingleFlight makes Remember collapse concurrent misses for the same
// key within this process into a single producer call. Off by default:
// without it every concurrent miss runs its own producer.
func WithSingleFlight() CacheOption {
	return func(c *Cache) { c.singleFlight = true }
}

// WithNow replaces the clock used by the helpers that compute remaining lifetimes.
func WithNow(now func() time.Time) CacheOption {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithCloser registers a resource to close along with the Cache, such as
// the Redis client behind a Redis store.
func WithCloser(closer io.Closer) CacheOption {
	return func(c *Cache) {
		if closer != nil {
			c.closers = append(c.closers, closer)
		}
	}
}

// New returns a Cache backed by store.
func New(store Store, opts ...CacheOption) *Cache {
	c := &Cache{
		store:      store,
		defaultTTL: DefaultExpires,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.NewConsoleLogger(logger.GetLevelFromEnv())
	}
	c.log = c.log.WithPrefix("[cache]")
	return c
}

// Store returns the backend this Cache writes to.
func (c *Cache) Store() Store {
	return c.store
}

// Disabled reports whether the Cache is running without storage.
func (c *Cache) Disabled() bool {
	return IsDisabled(c.store)
}

func (c *Cache) ttl(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return c.defaultTTL
	}
	return ttl
}

// fault logs a storage error. A disabled store was already reported when it
// was installed, so its errors stay quiet.
func (c *Cache) fault(op, ns, key string, err error) {
	if err == nil || errors.Is(err, ErrDisabled) {
		return
	}
	c.log.With(map[string]interface{}{"namespace": ns, "key": key}).Warn("%s failed: %s", op, err)
}

// lookup returns the live entry for key, or nil on a miss or storage fault.
func (c *Cache) lookup(ctx context.Context, ns, key string) *Entry {
	found, entry, err := c.store.Get(ctx, ns, key)
	if err != nil {
		c.fault("get", ns, key, err)
		return nil
	}
	if !found {
		return nil
	}
	return entry
}

// discard removes an entry whose payload could not be decoded.
func (c *Cache) discard(ctx context.Context, ns, key string, cause error) {
	c.log.With(map[string]interface{}{"namespace": ns, "key": key}).Debug("discarding unreadable entry: %s", cause)
	if _, err := c.store.Delete(ctx, ns, key); err != nil {
		c.fault("delete", ns, key, err)
	}
}

// encode serializes v for storage.
func encode(v any) ([]byte, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "cache: encoding value"), ErrSerialization)
	}
	return buf, nil
}

// Get returns the cached value for key. The second result is false on a miss.
func (c *Cache) Get(ctx context.Context, ns, key string) (Value, bool) {
	entry := c.lookup(ctx, ns, key)
	if entry == nil {
		return Null(), false
	}
	var v Value
	if err := entry.Decode(&v); err != nil {
		c.discard(ctx, ns, key, err)
		return Null(), false
	}
	return v, true
}

// Has reports whether key currently holds a live entry.
func (c *Cache) Has(ctx context.Context, ns, key string) bool {
	return c.lookup(ctx, ns, key) != nil
}

// Set stores v under key for ttl, replacing any existing entry. v may be a
// Value or anything encoding/json can marshal. It returns false if v cannot
// be serialized or the write failed.
func (c *Cache) Set(ctx context.Context, ns, key string, v any, ttl time.Duration) bool {
	payload, err := encode(v)
	if err != nil {
		c.fault("set", ns, key, err)
		return false
	}
	return c.setPayload(ctx, ns, key, payload, ttl)
}

func (c *Cache) setPayload(ctx context.Context, ns, key string, payload []byte, ttl time.Duration) bool {
	if err := c.store.Set(ctx, ns, key, payload, c.ttl(ttl)); err != nil {
		c.fault("set", ns, key, err)
		return false
	}
	return true
}

// Delete removes key. A missing key is not an error; false means the
// storage could not be reached.
func (c *Cache) Delete(ctx context.Context, ns, key string) bool {
	if _, err := c.store.Delete(ctx, ns, key); err != nil {
		c.fault("delete", ns, key, err)
		return false
	}
	return true
}

// InvalidatePattern removes every entry in ns whose key matches pattern,
// where '*' matches any run of characters. It returns the number removed.
func (c *Cache) InvalidatePattern(ctx context.Context, ns, pattern string) int {
	n, err := c.store.InvalidatePattern(ctx, ns, pattern)
	if err != nil {
		c.fault("invalidate", ns, pattern, err)
	}
	return n
}

// ClearNamespace removes every entry in ns.
func (c *Cache) ClearNamespace(ctx context.Context, ns string) int {
	return c.InvalidatePattern(ctx, ns, "*")
}

// ClearAll removes every entry in every namespace.
func (c *Cache) ClearAll(ctx context.Context) int {
	n, err := c.store.ClearAll(ctx)
	if err != nil {
		c.fault("clear", allNamespaces, "", err)
	}
	return n
}

// Sweep removes expired entries that have not been read since they expired.
func (c *Cache) Sweep(ctx context.Context) int {
	n, err := c.store.Sweep(ctx)
	if err != nil {
		c.fault("sweep", allNamespaces, "", err)
	}
	return n
}

// Stats reports what the store holds. Unlike the other methods it returns
// the storage error, since it serves operators rather than requests.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	return c.store.Stats(ctx)
}

// Close releases the store and every resource registered with WithCloser.
func (c *Cache) Close() error {
	var errs error
	if err := c.store.Close(); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	for _, closer := range c.closers {
		if err := closer.Close(); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}
