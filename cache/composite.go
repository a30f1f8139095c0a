package cache

import (
	"context"
	"time"
)

type compositeStore struct {
	stores []Store
	// l1TTL caps the lifetime of entries in every store but the last and
	// turns on filling them from later hits. Zero leaves both off.
	l1TTL time.Duration
	cfg   config
}

var _ Store = (*compositeStore)(nil)

// NewComposite returns a Store that chains multiple stores together.
// Use NewTiered to put a process-local store in front of a shared one.
// Get checks stores in order and returns the first hit.
// Mutations are applied to every store; counts report the largest number
// removed from any single store. Stats come from the last store.
// At least one store must be provided; panics if empty.
func NewComposite(stores ...Store) Store {
	if len(stores) == 0 {
		panic("cache: NewComposite requires at least one store")
	}
	return &compositeStore{stores: stores, cfg: applyOptions(nil)}
}

// NewTiered returns a two level store: a process-local l1 in front of a
// shared l2. Entries live in l1 for at most l1TTL, which bounds how long a
// process can serve a value another process has since deleted or
// invalidated. A hit in l2 is copied into l1. Options supply the clock used
// to work out how long such a copy may live.
func NewTiered(l1, l2 Store, l1TTL time.Duration, opts ...Option) Store {
	if l1TTL <= 0 {
		l1TTL = DefaultL1TTL
	}
	return &compositeStore{stores: []Store{l1, l2}, l1TTL: l1TTL, cfg: applyOptions(opts)}
}

func (c *compositeStore) Get(ctx context.Context, ns string, key string) (bool, *Entry, error) {
	for i, store := range c.stores {
		found, entry, err := store.Get(ctx, ns, key)
		if err != nil {
			return false, nil, err
		}
		if found {
			c.fill(ctx, i, entry)
			return true, entry, nil
		}
	}
	return false, nil, nil
}

// fill copies an entry found in stores[hit] into the stores before it.
func (c *compositeStore) fill(ctx context.Context, hit int, entry *Entry) {
	if c.l1TTL <= 0 || hit == 0 {
		return
	}
	ttl := min(c.l1TTL, entry.TTL(c.cfg.now()))
	if ttl <= 0 {
		return
	}
	for _, store := range c.stores[:hit] {
		// a failed copy only costs a later read in the next tier
		_ = store.Set(ctx, entry.Namespace, entry.Key, entry.Value, ttl)
	}
}

// tierTTL is the ttl written to stores[i].
func (c *compositeStore) tierTTL(i int, ttl time.Duration) time.Duration {
	if c.l1TTL <= 0 || i == len(c.stores)-1 {
		return ttl
	}
	if ttl <= 0 || ttl > c.l1TTL {
		return c.l1TTL
	}
	return ttl
}

func (c *compositeStore) Set(ctx context.Context, ns string, key string, payload []byte, ttl time.Duration) error {
	var firstErr error
	for i, store := range c.stores {
		if err := store.Set(ctx, ns, key, payload, c.tierTTL(i, ttl)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *compositeStore) Delete(ctx context.Context, ns string, key string) (bool, error) {
	anyFound := false
	for _, store := range c.stores {
		found, err := store.Delete(ctx, ns, key)
		if err != nil {
			return anyFound, err
		}
		if found {
			anyFound = true
		}
	}
	return anyFound, nil
}

// fanOut runs fn against every store, returning the largest count.
func (c *compositeStore) fanOut(fn func(Store) (int, error)) (int, error) {
	var most int
	for _, store := range c.stores {
		n, err := fn(store)
		if err != nil {
			return most, err
		}
		most = max(most, n)
	}
	return most, nil
}

func (c *compositeStore) InvalidatePattern(ctx context.Context, ns string, pattern string) (int, error) {
	return c.fanOut(func(s Store) (int, error) { return s.InvalidatePattern(ctx, ns, pattern) })
}

func (c *compositeStore) ClearAll(ctx context.Context) (int, error) {
	return c.fanOut(func(s Store) (int, error) { return s.ClearAll(ctx) })
}

func (c *compositeStore) Sweep(ctx context.Context) (int, error) {
	return c.fanOut(func(s Store) (int, error) { return s.Sweep(ctx) })
}

func (c *compositeStore) Stats(ctx context.Context) (Stats, error) {
	return c.stores[len(c.stores)-1].Stats(ctx)
}

func (c *compositeStore) Close() error {
	var firstErr error
	for _, store := range c.stores {
		if err := store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
