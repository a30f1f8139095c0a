package cache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/velocityphp/velocity-cache/resilience"
)

type guardedStore struct {
	next    Store
	breaker *resilience.CircuitBreaker
}

var _ Store = (*guardedStore)(nil)

// NewGuarded routes every call to next through a circuit breaker. While the
// breaker is open reads miss and mutations fail with resilience.ErrOpen,
// so a struggling backend is left alone until it recovers.
// Caller mistakes (bad namespaces, unencodable values) do not trip the breaker.
func NewGuarded(next Store, config resilience.Config) Store {
	config.IsFailure = storageFault
	return &guardedStore{next: next, breaker: resilience.NewCircuitBreaker(config)}
}

// storageFault reports whether err points at the backend rather than the caller.
func storageFault(err error) bool {
	return err != nil &&
		!errors.Is(err, ErrInvalidNamespace) &&
		!errors.Is(err, ErrSerialization) &&
		!errors.Is(err, context.Canceled)
}

// Breaker exposes the breaker state for a guarded store, or nil otherwise.
func Breaker(s Store) *resilience.CircuitBreaker {
	if g, ok := s.(*guardedStore); ok {
		return g.breaker
	}
	return nil
}

func (g *guardedStore) Get(ctx context.Context, ns string, key string) (bool, *Entry, error) {
	var found bool
	var entry *Entry
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		found, entry, err = g.next.Get(ctx, ns, key)
		return err
	})
	if errors.Is(err, resilience.ErrOpen) {
		return false, nil, nil
	}
	return found, entry, err
}

func (g *guardedStore) Set(ctx context.Context, ns string, key string, payload []byte, ttl time.Duration) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.next.Set(ctx, ns, key, payload, ttl)
	})
}

func (g *guardedStore) Delete(ctx context.Context, ns string, key string) (bool, error) {
	var found bool
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		found, err = g.next.Delete(ctx, ns, key)
		return err
	})
	return found, err
}

func (g *guardedStore) count(ctx context.Context, fn func(ctx context.Context) (int, error)) (int, error) {
	var n int
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		n, err = fn(ctx)
		return err
	})
	return n, err
}

func (g *guardedStore) InvalidatePattern(ctx context.Context, ns string, pattern string) (int, error) {
	return g.count(ctx, func(ctx context.Context) (int, error) {
		return g.next.InvalidatePattern(ctx, ns, pattern)
	})
}

func (g *guardedStore) ClearAll(ctx context.Context) (int, error) {
	return g.count(ctx, g.next.ClearAll)
}

func (g *guardedStore) Sweep(ctx context.Context) (int, error) {
	return g.count(ctx, g.next.Sweep)
}

func (g *guardedStore) Stats(ctx context.Context) (Stats, error) {
	stats := newStats()
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		stats, err = g.next.Stats(ctx)
		return err
	})
	return stats, err
}

func (g *guardedStore) Close() error {
	return g.next.Close()
}
