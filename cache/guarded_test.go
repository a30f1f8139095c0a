package cache

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/velocityphp/velocity-cache/resilience"
)

// flakyStore fails every call while down is set.
type flakyStore struct {
	Store
	down  bool
	calls int
}

var errBackendDown = errors.New("backend down")

func (f *flakyStore) Get(ctx context.Context, ns, key string) (bool, *Entry, error) {
	f.calls++
	if f.down {
		return false, nil, errBackendDown
	}
	return f.Store.Get(ctx, ns, key)
}

func (f *flakyStore) Set(ctx context.Context, ns, key string, payload []byte, ttl time.Duration) error {
	f.calls++
	if f.down {
		return errBackendDown
	}
	return f.Store.Set(ctx, ns, key, payload, ttl)
}

func TestGuardedOpensAndRecovers(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	backend := &flakyStore{Store: NewInMemory(ctx), down: true}
	s := NewGuarded(backend, resilience.Config{
		MaxFailures:      2,
		Timeout:          30 * time.Second,
		SuccessThreshold: 1,
		Now:              clock.Now,
	})
	defer s.Close()

	assert.ErrorIs(t, s.Set(ctx, "data", "k", []byte(`1`), time.Minute), errBackendDown)
	_, _, err := s.Get(ctx, "data", "k")
	assert.ErrorIs(t, err, errBackendDown)
	require.Equal(t, resilience.StateOpen, Breaker(s).State())

	calls := backend.calls
	// open: reads miss quietly, writes fail fast, the backend is not touched
	found, _, err := s.Get(ctx, "data", "k")
	assert.NoError(t, err)
	assert.False(t, found)
	assert.ErrorIs(t, s.Set(ctx, "data", "k", []byte(`1`), time.Minute), resilience.ErrOpen)
	assert.Equal(t, calls, backend.calls)

	backend.down = false
	clock.Advance(30 * time.Second)
	require.NoError(t, s.Set(ctx, "data", "k", []byte(`1`), time.Minute))
	assert.Equal(t, resilience.StateClosed, Breaker(s).State())
	mustGet(t, s, "data", "k")
}

func TestGuardedIgnoresCallerMistakes(t *testing.T) {
	ctx := context.Background()
	s := NewGuarded(NewInMemory(ctx), resilience.Config{MaxFailures: 1})
	defer s.Close()

	assert.ErrorIs(t, s.Set(ctx, "bad/ns", "k", []byte(`1`), time.Minute), ErrInvalidNamespace)
	assert.ErrorIs(t, s.Set(ctx, "data", "k", []byte(`nope`), time.Minute), ErrSerialization)
	assert.Equal(t, resilience.StateClosed, Breaker(s).State())
	assert.Nil(t, Breaker(NewInMemory(ctx)))
}
