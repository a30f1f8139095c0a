package cache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

type disabledStore struct {
	reason error
}

var _ Store = (*disabledStore)(nil)

// NewDisabled returns the Store used when storage could not be opened.
// Every read misses and every mutation fails with ErrDisabled, so callers
// fall through to computing fresh data.
func NewDisabled(reason error) Store {
	return &disabledStore{reason: reason}
}

// IsDisabled reports whether s is a disabled store.
func IsDisabled(s Store) bool {
	_, ok := s.(*disabledStore)
	return ok
}

func (d *disabledStore) err() error {
	if d.reason == nil {
		return ErrDisabled
	}
	return errors.WithSecondaryError(ErrDisabled, d.reason)
}

func (d *disabledStore) Get(context.Context, string, string) (bool, *Entry, error) {
	return false, nil, nil
}

func (d *disabledStore) Set(context.Context, string, string, []byte, time.Duration) error {
	return d.err()
}

func (d *disabledStore) Delete(context.Context, string, string) (bool, error) {
	return false, d.err()
}

func (d *disabledStore) InvalidatePattern(context.Context, string, string) (int, error) {
	return 0, d.err()
}

func (d *disabledStore) ClearAll(context.Context) (int, error) {
	return 0, d.err()
}

func (d *disabledStore) Sweep(context.Context) (int, error) {
	return 0, d.err()
}

func (d *disabledStore) Stats(context.Context) (Stats, error) {
	return newStats(), d.err()
}

func (d *disabledStore) Close() error {
	return nil
}
