package cache

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

const (
	fileExt    = ".json"
	tempPrefix = ".tmp-"
	// staleTempAge is how old an abandoned temp file must be before Sweep removes it.
	staleTempAge = time.Hour
	// sweepParallelism bounds how many namespaces are swept at once.
	sweepParallelism = 4
)

// fileDocument is the on-disk form of one entry.
type fileDocument struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	CreatedAt int64           `json:"createdAt"`
	ExpiresAt int64           `json:"expiresAt"`
}

type fileStore struct {
	root   string
	cfg    config
	closed atomic.Bool
}

var _ Store = (*fileStore)(nil)

// NewFile returns a Store keeping one JSON document per entry under root,
// with one subdirectory per namespace. The root is created if needed and
// must be writable.
func NewFile(root string, opts ...Option) (Store, error) {
	if root == "" {
		return nil, errors.New("cache: file store requires a directory")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "cache: resolving %s", root)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrapf(err, "cache: creating %s", abs)
	}
	probe, err := os.CreateTemp(abs, tempPrefix+"probe-*")
	if err != nil {
		return nil, errors.Wrapf(err, "cache: %s is not writable", abs)
	}
	probe.Close()
	os.Remove(probe.Name())
	return &fileStore{root: abs, cfg: applyOptions(opts)}, nil
}

// Root returns the absolute directory holding the namespaces.
func (s *fileStore) Root() string {
	return s.root
}

func (s *fileStore) dir(ns string) (string, error) {
	if err := ValidateNamespace(ns); err != nil {
		return "", err
	}
	return filepath.Join(s.root, ns), nil
}

// path maps (ns, key) onto the entry's file. The sanitized name holds no
// separators, but the result is still checked to stay inside the namespace.
func (s *fileStore) path(ns, key string) (string, error) {
	dir, err := s.dir(ns)
	if err != nil {
		return "", err
	}
	p := filepath.Join(dir, SanitizeKey(key)+fileExt)
	if filepath.Dir(p) != dir {
		return "", errors.Newf("cache: key %q escapes namespace %s", key, ns)
	}
	return p, nil
}

func readDocument(p string) (*fileDocument, int64, error) {
	buf, err := os.ReadFile(p)
	if err != nil {
		return nil, 0, err
	}
	var doc fileDocument
	if err := json.Unmarshal(buf, &doc); err != nil || len(doc.Value) == 0 {
		return nil, int64(len(buf)), errCorrupt
	}
	return &doc, int64(len(buf)), nil
}

// errCorrupt marks a document that could not be parsed. It never leaves the package.
var errCorrupt = errors.New("cache: corrupt entry")

func (s *fileStore) Get(ctx context.Context, ns string, key string) (bool, *Entry, error) {
	if s.closed.Load() {
		return false, nil, ErrClosed
	}
	p, err := s.path(ns, key)
	if err != nil {
		return false, nil, err
	}
	doc, _, err := readDocument(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil, nil
	}
	now := s.cfg.now()
	if errors.Is(err, errCorrupt) {
		reclaim(p, now)
		return false, nil, nil
	}
	if err != nil {
		return false, nil, errors.Wrapf(err, "cache: reading %s", p)
	}
	if doc.Key != key {
		// a different key sanitizes to the same file name
		return false, nil, nil
	}
	if expired(doc.ExpiresAt, now) {
		reclaim(p, now)
		return false, nil, nil
	}
	return true, newEntry(ns, key, doc.Value, doc.CreatedAt, doc.ExpiresAt), nil
}

func (s *fileStore) Set(ctx context.Context, ns string, key string, payload []byte, ttl time.Duration) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := checkPayload(payload); err != nil {
		return err
	}
	p, err := s.path(ns, key)
	if err != nil {
		return err
	}
	now := s.cfg.now()
	buf, err := json.Marshal(fileDocument{
		Key:       key,
		Value:     payload,
		CreatedAt: now.Unix(),
		ExpiresAt: expiresAt(now, s.cfg.ttl(ttl)),
	})
	if err != nil {
		return errors.Mark(errors.Wrap(err, "cache: encoding document"), ErrSerialization)
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "cache: creating %s", dir)
	}
	return writeAtomic(dir, p, buf)
}

// writeAtomic writes buf to a temp file next to p and renames it into
// place, so readers see either the old document or the new one in full.
func writeAtomic(dir, p string, buf []byte) error {
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return errors.Wrapf(err, "cache: creating temp file in %s", dir)
	}
	name := tmp.Name()
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(name)
		return errors.Wrapf(err, "cache: writing %s", name)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return errors.Wrapf(err, "cache: closing %s", name)
	}
	if err := os.Rename(name, p); err != nil {
		os.Remove(name)
		return errors.Wrapf(err, "cache: renaming into %s", p)
	}
	return nil
}

func (s *fileStore) Delete(ctx context.Context, ns string, key string) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	p, err := s.path(ns, key)
	if err != nil {
		return false, err
	}
	doc, _, err := readDocument(p)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	case errors.Is(err, errCorrupt):
	case err != nil:
		return false, errors.Wrapf(err, "cache: reading %s", p)
	case doc.Key != key:
		// the file belongs to a different key with the same sanitized name
		return false, nil
	}
	return removeFile(p)
}

func removeFile(p string) (bool, error) {
	err := os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "cache: removing %s", p)
	}
	return true, nil
}

// reclaim removes the document at p if it is still expired or corrupt. The
// document is renamed aside before it is inspected, so a fresh one written
// by a concurrent Set after the caller's read is put back rather than lost.
func reclaim(p string, now time.Time) (bool, error) {
	dir := filepath.Dir(p)
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return false, errors.Wrapf(err, "cache: creating temp file in %s", dir)
	}
	aside := tmp.Name()
	tmp.Close()
	if err := os.Rename(p, aside); err != nil {
		os.Remove(aside)
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, errors.Wrapf(err, "cache: moving %s aside", p)
	}
	doc, _, err := readDocument(aside)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	case errors.Is(err, errCorrupt):
	case err != nil || !expired(doc.ExpiresAt, now):
		return false, restore(aside, p)
	}
	if err := os.Remove(aside); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, errors.Wrapf(err, "cache: removing %s", aside)
	}
	return true, nil
}

// restore moves a document set aside by reclaim back to p, unless a newer
// document has been written there in the meantime.
func restore(aside, p string) error {
	defer os.Remove(aside)
	err := os.Link(aside, p)
	if err == nil || errors.Is(err, fs.ErrExist) {
		return nil
	}
	// no hard links on this filesystem
	if err := os.Rename(aside, p); err != nil {
		return errors.Wrapf(err, "cache: restoring %s", p)
	}
	return nil
}

func (s *fileStore) InvalidatePattern(ctx context.Context, ns string, pattern string) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	dir, err := s.dir(ns)
	if err != nil {
		return 0, err
	}
	matches, err := filepath.Glob(filepath.Join(dir, filePattern(pattern)))
	if err != nil {
		return 0, errors.Wrapf(err, "cache: matching %q", pattern)
	}
	var removed int
	for _, p := range matches {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		doc, _, err := readDocument(p)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			continue
		case errors.Is(err, errCorrupt):
		case err != nil:
			return removed, errors.Wrapf(err, "cache: reading %s", p)
		case !matchPattern(pattern, doc.Key):
			// the file name matched only because of sanitization
			continue
		}
		ok, err := removeFile(p)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

// namespaces lists the namespace directories present under the root.
func (s *fileStore) namespaces() ([]string, error) {
	items, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errors.Wrapf(err, "cache: listing %s", s.root)
	}
	var out []string
	for _, item := range items {
		if item.IsDir() && ValidateNamespace(item.Name()) == nil {
			out = append(out, item.Name())
		}
	}
	return out, nil
}

// eachNamespace runs fn for every namespace concurrently.
func (s *fileStore) eachNamespace(ctx context.Context, fn func(ctx context.Context, ns, dir string) error) error {
	names, err := s.namespaces()
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepParallelism)
	for _, ns := range names {
		g.Go(func() error {
			return fn(gctx, ns, filepath.Join(s.root, ns))
		})
	}
	return g.Wait()
}

func (s *fileStore) ClearAll(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	var removed atomic.Int64
	err := s.eachNamespace(ctx, func(ctx context.Context, ns, dir string) error {
		items, err := os.ReadDir(dir)
		if err != nil {
			return errors.Wrapf(err, "cache: listing %s", dir)
		}
		for _, item := range items {
			if err := ctx.Err(); err != nil {
				return err
			}
			name := item.Name()
			if item.IsDir() || (!strings.HasSuffix(name, fileExt) && !strings.HasPrefix(name, tempPrefix)) {
				continue
			}
			ok, err := removeFile(filepath.Join(dir, name))
			if err != nil {
				return err
			}
			if ok && strings.HasSuffix(name, fileExt) {
				removed.Add(1)
			}
		}
		return nil
	})
	return int(removed.Load()), err
}

func (s *fileStore) Sweep(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	now := s.cfg.now()
	var removed atomic.Int64
	err := s.eachNamespace(ctx, func(ctx context.Context, ns, dir string) error {
		items, err := os.ReadDir(dir)
		if err != nil {
			return errors.Wrapf(err, "cache: listing %s", dir)
		}
		for _, item := range items {
			if err := ctx.Err(); err != nil {
				return err
			}
			name := item.Name()
			p := filepath.Join(dir, name)
			switch {
			case item.IsDir():
			case strings.HasPrefix(name, tempPrefix):
				if info, err := item.Info(); err == nil && now.Sub(info.ModTime()) > staleTempAge {
					os.Remove(p)
				}
			case strings.HasSuffix(name, fileExt):
				doc, _, err := readDocument(p)
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				if err != nil && !errors.Is(err, errCorrupt) {
					return errors.Wrapf(err, "cache: reading %s", p)
				}
				if err == nil && !expired(doc.ExpiresAt, now) {
					continue
				}
				ok, err := reclaim(p, now)
				if err != nil {
					return err
				}
				if ok {
					removed.Add(1)
				}
			}
		}
		return nil
	})
	return int(removed.Load()), err
}

func (s *fileStore) Stats(ctx context.Context) (Stats, error) {
	stats := newStats()
	if s.closed.Load() {
		return stats, ErrClosed
	}
	names, err := s.namespaces()
	if err != nil {
		return stats, err
	}
	now := s.cfg.now()
	for _, ns := range names {
		stats.touch(ns)
		dir := filepath.Join(s.root, ns)
		items, err := os.ReadDir(dir)
		if err != nil {
			return stats, errors.Wrapf(err, "cache: listing %s", dir)
		}
		for _, item := range items {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			if item.IsDir() || !strings.HasSuffix(item.Name(), fileExt) {
				continue
			}
			doc, size, err := readDocument(filepath.Join(dir, item.Name()))
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil && !errors.Is(err, errCorrupt) {
				return stats, errors.Wrapf(err, "cache: reading %s", item.Name())
			}
			// corrupt documents count as expired: the next read or sweep removes them
			stats.add(ns, size, err != nil || expired(doc.ExpiresAt, now))
		}
	}
	return stats, nil
}

func (s *fileStore) Close() error {
	s.closed.Store(true)
	return nil
}
