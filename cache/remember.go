package cache

import (
	"context"
	"time"
)

// Producer computes a value on a cache miss. It returns found=false when
// there is nothing to cache, for example a record that does not exist.
type Producer[T any] func(ctx context.Context) (T, bool, error)

// GetAs returns the cached value for key decoded into T. A cached payload
// that no longer decodes into T is deleted and reported as a miss.
func GetAs[T any](ctx context.Context, c *Cache, ns, key string) (T, bool) {
	var out T
	entry := c.lookup(ctx, ns, key)
	if entry == nil {
		return out, false
	}
	if err := entry.Decode(&out); err != nil {
		c.discard(ctx, ns, key, err)
		var zero T
		return zero, false
	}
	return out, true
}

// Remember returns the cached value for key, or calls produce on a miss and
// caches its result for ttl.
//
// The result is returned but not cached when produce fails, reports
// found=false, or yields a value encoding to JSON null or false. Concurrent
// misses each call produce unless the Cache was built WithSingleFlight.
func Remember[T any](ctx context.Context, c *Cache, ns, key string, ttl time.Duration, produce Producer[T]) (T, error) {
	if v, ok := GetAs[T](ctx, c, ns, key); ok {
		return v, nil
	}
	if !c.singleFlight {
		return produceAndStore(ctx, c, ns, key, ttl, produce)
	}

	res, err, _ := c.group.Do(ns+"\x00"+key, func() (any, error) {
		if v, ok := GetAs[T](ctx, c, ns, key); ok {
			return v, nil
		}
		return produceAndStore(ctx, c, ns, key, ttl, produce)
	})
	if res == nil {
		var zero T
		return zero, err
	}
	v, ok := res.(T)
	if !ok {
		// another caller shared the key with a different type
		return produceAndStore(ctx, c, ns, key, ttl, produce)
	}
	return v, err
}

// RememberForever is Remember with a lifetime of Forever.
func RememberForever[T any](ctx context.Context, c *Cache, ns, key string, produce Producer[T]) (T, error) {
	return Remember(ctx, c, ns, key, Forever, produce)
}

func produceAndStore[T any](ctx context.Context, c *Cache, ns, key string, ttl time.Duration, produce Producer[T]) (T, error) {
	v, found, err := produce(ctx)
	if err != nil || !found {
		return v, err
	}
	payload, err := encode(v)
	if err != nil {
		c.fault("remember", ns, key, err)
		return v, nil
	}
	if negativePayload(payload) {
		return v, nil
	}
	c.setPayload(ctx, ns, key, payload, ttl)
	return v, nil
}
