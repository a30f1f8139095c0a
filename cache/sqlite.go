package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	key TEXT NOT NULL UNIQUE,
	value TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_key ON cache_entries(key);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries(expires_at);
`

type sqliteStore struct {
	db        *sql.DB
	cfg       config
	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	once      sync.Once
}

var _ Store = (*sqliteStore)(nil)

// NewSQLite returns a Store backed by a single SQLite table.
// If dbPath is empty or ":memory:", a private in-memory database is used.
func NewSQLite(ctx context.Context, dbPath string, opts ...Option) (Store, error) {
	cfg := applyOptions(opts)
	memory := dbPath == "" || dbPath == ":memory:"
	dsn := ":memory:"
	if !memory {
		dsn = dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "cache: opening %s", dbPath)
	}
	if memory {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	initCtx, cancel := context.WithTimeout(ctx, cfg.queryTimeout)
	defer cancel()
	if _, err := db.ExecContext(initCtx, sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "cache: initialising schema in %s", dbPath)
	}

	childCtx, childCancel := context.WithCancel(ctx)
	c := &sqliteStore{
		db:     db,
		cfg:    cfg,
		ctx:    childCtx,
		cancel: childCancel,
	}
	if cfg.expiryCheck > 0 {
		c.waitGroup.Add(1)
		go c.run()
	}
	return c, nil
}

func (c *sqliteStore) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.cfg.queryTimeout)
}

// rowKey folds the namespace into the stored key.
func rowKey(ns, key string) (string, error) {
	if err := ValidateNamespace(ns); err != nil {
		return "", err
	}
	return ns + ":" + key, nil
}

func (c *sqliteStore) Get(ctx context.Context, ns string, key string) (bool, *Entry, error) {
	k, err := rowKey(ns, key)
	if err != nil {
		return false, nil, err
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()

	var value string
	var createdAt, expiresAt int64
	err = c.db.QueryRowContext(qctx,
		`SELECT value, created_at, expires_at FROM cache_entries WHERE key = ?`, k,
	).Scan(&value, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, errors.Wrapf(err, "cache: reading %s", k)
	}

	now := c.cfg.now()
	if expired(expiresAt, now) || !json.Valid([]byte(value)) {
		// the expires_at guard keeps a concurrent refresh alive
		_, _ = c.db.ExecContext(qctx,
			`DELETE FROM cache_entries WHERE key = ? AND expires_at = ?`, k, expiresAt)
		return false, nil, nil
	}
	return true, newEntry(ns, key, []byte(value), createdAt, expiresAt), nil
}

func (c *sqliteStore) Set(ctx context.Context, ns string, key string, payload []byte, ttl time.Duration) error {
	if err := checkPayload(payload); err != nil {
		return err
	}
	k, err := rowKey(ns, key)
	if err != nil {
		return err
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()

	now := c.cfg.now()
	_, err = c.db.ExecContext(qctx,
		`INSERT INTO cache_entries (key, value, expires_at, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		k, string(payload), expiresAt(now, c.cfg.ttl(ttl)), now.Unix(), now.Unix(),
	)
	if err != nil {
		return errors.Wrapf(err, "cache: writing %s", k)
	}
	return nil
}

func (c *sqliteStore) Delete(ctx context.Context, ns string, key string) (bool, error) {
	k, err := rowKey(ns, key)
	if err != nil {
		return false, err
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	result, err := c.db.ExecContext(qctx, `DELETE FROM cache_entries WHERE key = ?`, k)
	if err != nil {
		return false, errors.Wrapf(err, "cache: deleting %s", k)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// InvalidatePattern narrows candidates with LIKE and confirms each match in
// Go, because SQLite's LIKE folds ASCII case.
func (c *sqliteStore) InvalidatePattern(ctx context.Context, ns string, pattern string) (int, error) {
	if err := ValidateNamespace(ns); err != nil {
		return 0, err
	}
	prefix := ns + ":"
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()

	tx, err := c.db.BeginTx(qctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "cache: starting transaction")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(qctx,
		`SELECT key FROM cache_entries WHERE key LIKE ? ESCAPE '\'`, likePattern(prefix, pattern))
	if err != nil {
		return 0, errors.Wrapf(err, "cache: matching %q", pattern)
	}
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return 0, err
		}
		if matchPattern(pattern, strings.TrimPrefix(k, prefix)) {
			keys = append(keys, k)
		}
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var removed int
	for _, k := range keys {
		result, err := tx.ExecContext(qctx, `DELETE FROM cache_entries WHERE key = ?`, k)
		if err != nil {
			return 0, errors.Wrapf(err, "cache: deleting %s", k)
		}
		n, _ := result.RowsAffected()
		removed += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "cache: committing invalidation")
	}
	return removed, nil
}

func (c *sqliteStore) ClearAll(ctx context.Context) (int, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	result, err := c.db.ExecContext(qctx, `DELETE FROM cache_entries`)
	if err != nil {
		return 0, errors.Wrap(err, "cache: clearing entries")
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (c *sqliteStore) Sweep(ctx context.Context) (int, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	result, err := c.db.ExecContext(qctx,
		`DELETE FROM cache_entries WHERE expires_at <= ?`, c.cfg.now().Unix())
	if err != nil {
		return 0, errors.Wrap(err, "cache: sweeping expired entries")
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (c *sqliteStore) Stats(ctx context.Context) (Stats, error) {
	stats := newStats()
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	rows, err := c.db.QueryContext(qctx, `
		SELECT substr(key, 1, instr(key, ':') - 1) AS ns,
			COUNT(*),
			COALESCE(SUM(CASE WHEN expires_at > ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(LENGTH(CAST(value AS BLOB))), 0)
		FROM cache_entries
		GROUP BY ns`, c.cfg.now().Unix())
	if err != nil {
		return stats, errors.Wrap(err, "cache: aggregating entries")
	}
	defer rows.Close()
	for rows.Next() {
		var ns string
		var count, active, size int64
		if err := rows.Scan(&ns, &count, &active, &size); err != nil {
			return stats, err
		}
		stats.addCounts(ns, count, active, count-active, size)
	}
	return stats, rows.Err()
}

func (c *sqliteStore) Close() error {
	var dbErr error
	c.once.Do(func() {
		c.cancel()
		c.waitGroup.Wait()
		dbErr = c.db.Close()
	})
	return dbErr
}

func (c *sqliteStore) run() {
	defer c.waitGroup.Done()
	ticker := time.NewTicker(c.cfg.expiryCheck)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_, _ = c.Sweep(c.ctx)
		}
	}
}
