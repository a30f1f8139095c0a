package cache

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// scanBatch is the COUNT hint passed to SCAN and the DEL batch size.
const scanBatch = 256

// redisRecord is the msgpack document stored under each Redis key.
type redisRecord struct {
	Value     []byte `msgpack:"v"`
	CreatedAt int64  `msgpack:"c"`
	ExpiresAt int64  `msgpack:"e"`
}

type redisStore struct {
	client *redis.Client
	cfg    config
}

var _ Store = (*redisStore)(nil)

// NewRedis returns a Store backed by Redis. Entries live under
// "<prefix>:<namespace>:<key>" and expire natively.
// The caller owns the redis.Client lifecycle; Close does not close it.
func NewRedis(client *redis.Client, opts ...Option) Store {
	return &redisStore{client: client, cfg: applyOptions(opts)}
}

func (c *redisStore) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.cfg.queryTimeout)
}

func (c *redisStore) nsPrefix(ns string) (string, error) {
	if err := ValidateNamespace(ns); err != nil {
		return "", err
	}
	return c.cfg.prefix + ":" + ns + ":", nil
}

// split recovers the namespace and caller key from a full Redis key.
func (c *redisStore) split(full string) (string, string, bool) {
	rest, ok := strings.CutPrefix(full, c.cfg.prefix+":")
	if !ok {
		return "", "", false
	}
	return strings.Cut(rest, ":")
}

func (c *redisStore) load(ctx context.Context, k string) (*redisRecord, error) {
	data, err := c.client.Get(ctx, k).Bytes()
	if err != nil {
		return nil, err
	}
	var rec redisRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, errCorrupt
	}
	return &rec, nil
}

func (c *redisStore) Get(ctx context.Context, ns string, key string) (bool, *Entry, error) {
	prefix, err := c.nsPrefix(ns)
	if err != nil {
		return false, nil, err
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	k := prefix + key
	rec, err := c.load(qctx, k)
	if errors.Is(err, redis.Nil) {
		return false, nil, nil
	}
	if errors.Is(err, errCorrupt) {
		c.client.Del(qctx, k)
		return false, nil, nil
	}
	if err != nil {
		return false, nil, errors.Wrapf(err, "cache: reading %s", k)
	}
	if expired(rec.ExpiresAt, c.cfg.now()) {
		c.client.Del(qctx, k)
		return false, nil, nil
	}
	return true, newEntry(ns, key, rec.Value, rec.CreatedAt, rec.ExpiresAt), nil
}

func (c *redisStore) Set(ctx context.Context, ns string, key string, payload []byte, ttl time.Duration) error {
	if err := checkPayload(payload); err != nil {
		return err
	}
	prefix, err := c.nsPrefix(ns)
	if err != nil {
		return err
	}
	now := c.cfg.now()
	rec := redisRecord{
		Value:     payload,
		CreatedAt: now.Unix(),
		ExpiresAt: expiresAt(now, c.cfg.ttl(ttl)),
	}
	data, err := msgpack.Marshal(&rec)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "cache: encoding record"), ErrSerialization)
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	if err := c.client.Set(qctx, prefix+key, data, lifetime(c.cfg.ttl(ttl))).Err(); err != nil {
		return errors.Wrapf(err, "cache: writing %s", prefix+key)
	}
	return nil
}

func (c *redisStore) Delete(ctx context.Context, ns string, key string) (bool, error) {
	prefix, err := c.nsPrefix(ns)
	if err != nil {
		return false, err
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	n, err := c.client.Del(qctx, prefix+key).Result()
	if err != nil {
		return false, errors.Wrapf(err, "cache: deleting %s", prefix+key)
	}
	return n > 0, nil
}

// scan calls fn for every key matching match.
func (c *redisStore) scan(ctx context.Context, match string, fn func(k string) error) error {
	iter := c.client.Scan(ctx, 0, match, scanBatch).Iterator()
	for iter.Next(ctx) {
		if err := fn(iter.Val()); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return errors.Wrapf(err, "cache: scanning %s", match)
	}
	return nil
}

func (c *redisStore) del(ctx context.Context, keys []string) (int, error) {
	var removed int
	for start := 0; start < len(keys); start += scanBatch {
		end := min(start+scanBatch, len(keys))
		n, err := c.client.Del(ctx, keys[start:end]...).Result()
		if err != nil {
			return removed, errors.Wrap(err, "cache: deleting keys")
		}
		removed += int(n)
	}
	return removed, nil
}

func (c *redisStore) InvalidatePattern(ctx context.Context, ns string, pattern string) (int, error) {
	prefix, err := c.nsPrefix(ns)
	if err != nil {
		return 0, err
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	var keys []string
	err = c.scan(qctx, redisPattern(prefix, pattern), func(k string) error {
		if matchPattern(pattern, strings.TrimPrefix(k, prefix)) {
			keys = append(keys, k)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return c.del(qctx, keys)
}

func (c *redisStore) ClearAll(ctx context.Context) (int, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	var keys []string
	err := c.scan(qctx, redisPattern(c.cfg.prefix+":", "*"), func(k string) error {
		keys = append(keys, k)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return c.del(qctx, keys)
}

// Sweep removes records whose stored expiry has passed. Redis drops keys
// on its own; this only matters when the store clock runs ahead of the
// server's.
func (c *redisStore) Sweep(ctx context.Context) (int, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	now := c.cfg.now()
	var keys []string
	err := c.scan(qctx, redisPattern(c.cfg.prefix+":", "*"), func(k string) error {
		rec, err := c.load(qctx, k)
		switch {
		case errors.Is(err, redis.Nil):
		case errors.Is(err, errCorrupt):
			keys = append(keys, k)
		case err != nil:
			return errors.Wrapf(err, "cache: reading %s", k)
		case expired(rec.ExpiresAt, now):
			keys = append(keys, k)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return c.del(qctx, keys)
}

func (c *redisStore) Stats(ctx context.Context) (Stats, error) {
	stats := newStats()
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	now := c.cfg.now()
	err := c.scan(qctx, redisPattern(c.cfg.prefix+":", "*"), func(k string) error {
		ns, _, ok := c.split(k)
		if !ok {
			return nil
		}
		data, err := c.client.Get(qctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "cache: reading %s", k)
		}
		var rec redisRecord
		isExpired := msgpack.Unmarshal(data, &rec) != nil || expired(rec.ExpiresAt, now)
		stats.add(ns, int64(len(data)), isExpired)
		return nil
	})
	return stats, err
}

// Close is a no-op; the caller owns the redis.Client lifecycle.
func (c *redisStore) Close() error {
	return nil
}
