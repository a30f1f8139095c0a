package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledStore(t *testing.T) {
	ctx := context.Background()
	reason := errors.New("mkdir /readonly: permission denied")
	s := NewDisabled(reason)
	assert.True(t, IsDisabled(s))
	assert.False(t, IsDisabled(NewInMemory(ctx)))

	assertMiss(t, s, "data", "k")

	err := s.Set(ctx, "data", "k", []byte(`1`), time.Minute)
	assert.ErrorIs(t, err, ErrDisabled)
	assert.Contains(t, fmt.Sprintf("%+v", err), "permission denied")

	_, err = s.Delete(ctx, "data", "k")
	assert.ErrorIs(t, err, ErrDisabled)
	_, err = s.InvalidatePattern(ctx, "data", "*")
	assert.ErrorIs(t, err, ErrDisabled)
	_, err = s.ClearAll(ctx)
	assert.ErrorIs(t, err, ErrDisabled)
	_, err = s.Sweep(ctx)
	assert.ErrorIs(t, err, ErrDisabled)
	stats, err := s.Stats(ctx)
	assert.ErrorIs(t, err, ErrDisabled)
	assert.Zero(t, stats.TotalEntries)
	require.NoError(t, s.Close())
}
