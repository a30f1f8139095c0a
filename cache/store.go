package cache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrDisabled is returned by mutations on a store whose storage could not be opened.
	ErrDisabled = errors.New("cache: storage unavailable")
	// ErrInvalidNamespace is returned when a namespace name is empty or contains characters outside [A-Za-z0-9_-].
	ErrInvalidNamespace = errors.New("cache: invalid namespace")
	// ErrSerialization is returned when a value cannot be encoded as JSON.
	ErrSerialization = errors.New("cache: value cannot be serialized")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("cache: store is closed")
)

// Store is a storage backend holding JSON encoded entries partitioned by namespace.
//
// A miss is reported as found=false with a nil error. Expired and unreadable
// entries are removed by the read that discovers them and reported as a miss.
type Store interface {
	// Get returns the live entry for key in namespace ns.
	Get(ctx context.Context, ns string, key string) (bool, *Entry, error)
	// Set stores payload (a JSON document) under key, replacing any existing entry.
	// If ttl <= 0 the store's default TTL is used.
	Set(ctx context.Context, ns string, key string, payload []byte, ttl time.Duration) error
	// Delete removes key. Deleting a missing key returns false and no error.
	Delete(ctx context.Context, ns string, key string) (bool, error)
	// InvalidatePattern removes every entry in ns whose key matches pattern,
	// where '*' matches any run of characters and everything else is literal.
	InvalidatePattern(ctx context.Context, ns string, pattern string) (int, error)
	// ClearAll removes every entry in every namespace.
	ClearAll(ctx context.Context) (int, error)
	// Sweep removes every expired entry without waiting for it to be read.
	Sweep(ctx context.Context) (int, error)
	// Stats reports entry counts and sizes per namespace.
	Stats(ctx context.Context) (Stats, error)
	// Close releases the resources held by the store.
	Close() error
}

// DefaultExpires is the TTL used when Set is called with ttl <= 0.
const DefaultExpires = time.Hour

// Forever is the TTL used by RememberForever. There is no separate
// never-expire flag; entries simply outlive any realistic process.
const Forever = 100 * 365 * 24 * time.Hour

// DefaultL1TTL caps how long a tiered store keeps an entry in its
// process-local tier.
const DefaultL1TTL = 5 * time.Second

// DefaultQueryTimeout is the per-operation timeout for backends that
// perform I/O through a driver (SQLite, Redis).
const DefaultQueryTimeout = 5 * time.Second

// config holds the resolved configuration for a Store implementation.
type config struct {
	defaultExpires time.Duration
	queryTimeout   time.Duration
	expiryCheck    time.Duration
	prefix         string
	now            func() time.Time
}

// Option configures a Store implementation.
type Option func(*config)

func defaultConfig() config {
	return config{
		defaultExpires: DefaultExpires,
		queryTimeout:   DefaultQueryTimeout,
		prefix:         "velocity",
		now:            time.Now,
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// ttl resolves a caller supplied TTL against the configured default.
func (c config) ttl(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return c.defaultExpires
	}
	return ttl
}

// WithExpires sets the default TTL used when Set is called with ttl <= 0.
// Defaults to DefaultExpires (1 hour).
func WithExpires(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.defaultExpires = d
		}
	}
}

// WithQueryTimeout sets the per-operation timeout for the SQLite and Redis stores.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.queryTimeout = d
		}
	}
}

// WithExpiryCheck enables a background goroutine that sweeps expired entries
// every d. Applies to the SQLite and in-memory stores. Off by default.
func WithExpiryCheck(d time.Duration) Option {
	return func(c *config) { c.expiryCheck = d }
}

// WithPrefix sets the key prefix used by the Redis store. Defaults to "velocity".
func WithPrefix(p string) Option {
	return func(c *config) {
		if p != "" {
			c.prefix = p
		}
	}
}

// WithClock replaces the time source used to stamp and expire entries.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}
