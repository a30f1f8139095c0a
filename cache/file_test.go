package cache

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFile(t *testing.T, clock *manualClock) (*fileStore, string) {
	t.Helper()
	root := t.TempDir()
	s, err := NewFile(root, WithClock(clock.Now))
	require.NoError(t, err)
	return s.(*fileStore), root
}

// listFiles returns every regular file under root, relative to it.
func listFiles(t *testing.T, root string) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			rel, _ := filepath.Rel(root, p)
			out = append(out, rel)
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestFileLayout(t *testing.T) {
	s, root := newTestFile(t, newClock())
	require.NoError(t, s.Set(context.Background(), "users", "user_42", []byte(`{"id":42}`), time.Minute))

	assert.Equal(t, []string{filepath.Join("users", "user_42.json")}, listFiles(t, root))
	buf, err := os.ReadFile(filepath.Join(root, "users", "user_42.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"user_42","value":{"id":42},"createdAt":1700000000,"expiresAt":1700000060}`, string(buf))
}

func TestFileKeyPathSafety(t *testing.T) {
	ctx := context.Background()
	parent := t.TempDir()
	root := filepath.Join(parent, "cache")
	s, err := NewFile(root)
	require.NoError(t, err)

	keys := []string{
		"../../etc/passwd",
		"..",
		"/absolute/path",
		"nul\x00byte",
		`..\..\windows`,
		"",
	}
	for _, key := range keys {
		require.NoError(t, s.Set(ctx, "data", key, []byte(`"x"`), time.Minute), "key %q", key)
		entry := mustGet(t, s, "data", key)
		assert.Equal(t, key, entry.Key)
	}

	// nothing escaped the root, and every file sits directly in the namespace directory
	items, err := os.ReadDir(parent)
	require.NoError(t, err)
	require.Len(t, items, 1)
	for _, rel := range listFiles(t, root) {
		assert.Equal(t, "data", filepath.Dir(rel), rel)
		assert.NotContains(t, filepath.Base(rel), "\x00")
	}
}

func TestFileSanitizedCollision(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestFile(t, newClock())
	require.NoError(t, s.Set(ctx, "data", "a/b", []byte(`1`), time.Minute))

	// "a_b" maps onto the same file but is a different key
	assertMiss(t, s, "data", "a_b")
	mustGet(t, s, "data", "a/b")
}

func TestFileDeleteLeavesCollidingKey(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestFile(t, newClock())
	require.NoError(t, s.Set(ctx, "users", "user_42", []byte(`{"id":42}`), time.Minute))

	found, err := s.Delete(ctx, "users", "user.42")
	require.NoError(t, err)
	assert.False(t, found)
	assert.JSONEq(t, `{"id":42}`, string(mustGet(t, s, "users", "user_42").Value))

	found, err = s.Delete(ctx, "users", "user_42")
	require.NoError(t, err)
	assert.True(t, found)
	assertMiss(t, s, "users", "user_42")
}

func TestFileLongKeys(t *testing.T) {
	ctx := context.Background()
	s, root := newTestFile(t, newClock())
	base := strings.Repeat("k", 300)
	require.NoError(t, s.Set(ctx, "data", base+"1", []byte(`1`), time.Minute))
	require.NoError(t, s.Set(ctx, "data", base+"2", []byte(`2`), time.Minute))

	assert.JSONEq(t, `1`, string(mustGet(t, s, "data", base+"1").Value))
	assert.JSONEq(t, `2`, string(mustGet(t, s, "data", base+"2").Value))
	for _, rel := range listFiles(t, root) {
		assert.LessOrEqual(t, len(filepath.Base(rel)), maxKeyLength+len(fileExt))
	}
}

func TestFileCorruptEntryIsMiss(t *testing.T) {
	ctx := context.Background()
	s, root := newTestFile(t, newClock())
	require.NoError(t, s.Set(ctx, "data", "k", []byte(`1`), time.Minute))

	p := filepath.Join(root, "data", "k.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"value": tru`), 0o644))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.ExpiredEntries)

	assertMiss(t, s, "data", "k")
	_, err = os.Stat(p)
	assert.True(t, os.IsNotExist(err), "corrupt entry should be removed")
}

func TestFileExpiredEntryRemovedOnRead(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	s, root := newTestFile(t, clock)
	require.NoError(t, s.Set(ctx, "data", "k", []byte(`1`), time.Second))
	clock.Advance(2 * time.Second)

	assertMiss(t, s, "data", "k")
	assert.Empty(t, listFiles(t, root))
}

func TestFileReclaimKeepsFreshDocument(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	s, root := newTestFile(t, clock)
	p := filepath.Join(root, "data", "k.json")
	require.NoError(t, s.Set(ctx, "data", "k", []byte(`1`), time.Second))
	clock.Advance(2 * time.Second)

	// a reader saw the expired document, then a writer replaced it
	require.NoError(t, s.Set(ctx, "data", "k", []byte(`2`), time.Minute))
	removed, err := reclaim(p, clock.Now())
	require.NoError(t, err)
	assert.False(t, removed)
	assert.JSONEq(t, `2`, string(mustGet(t, s, "data", "k").Value))
	assert.Equal(t, []string{filepath.Join("data", "k.json")}, listFiles(t, root))

	clock.Advance(time.Minute)
	removed, err = reclaim(p, clock.Now())
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Empty(t, listFiles(t, root))

	removed, err = reclaim(p, clock.Now())
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestFileSweepRemovesStaleTempFiles(t *testing.T) {
	ctx := context.Background()
	clock := &manualClock{now: time.Now()}
	s, root := newTestFile(t, clock)
	require.NoError(t, s.Set(ctx, "data", "k", []byte(`1`), time.Hour*24))

	stale := filepath.Join(root, "data", tempPrefix+"abandoned")
	fresh := filepath.Join(root, "data", tempPrefix+"in-flight")
	require.NoError(t, os.WriteFile(stale, []byte(`{`), 0o644))
	require.NoError(t, os.WriteFile(fresh, []byte(`{`), 0o644))
	old := time.Now().Add(-2 * staleTempAge)
	require.NoError(t, os.Chtimes(stale, old, old))

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)
	mustGet(t, s, "data", "k")
}

func TestFileRootMustBeWritable(t *testing.T) {
	parent := t.TempDir()
	blocker := filepath.Join(parent, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	_, err := NewFile(blocker)
	assert.Error(t, err)
	_, err = NewFile("")
	assert.Error(t, err)
}

func TestFileClosed(t *testing.T) {
	s, _ := newTestFile(t, newClock())
	require.NoError(t, s.Close())
	ctx := context.Background()
	assert.ErrorIs(t, s.Set(ctx, "data", "k", []byte(`1`), time.Minute), ErrClosed)
	_, _, err := s.Get(ctx, "data", "k")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFileIgnoresForeignFiles(t *testing.T) {
	ctx := context.Background()
	s, root := newTestFile(t, newClock())
	require.NoError(t, s.Set(ctx, "data", "k", []byte(`1`), time.Minute))
	require.NoError(t, os.WriteFile(filepath.Join(root, "data", "README"), []byte("keep"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "not a namespace"), 0o755))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalEntries)
	assert.Equal(t, []string{"data"}, stats.NamespaceNames())

	n, err := s.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.FileExists(t, filepath.Join(root, "data", "README"))
}
