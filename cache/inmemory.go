package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	createdAt int64
	expiresAt int64
}

type inMemoryStore struct {
	ctx        context.Context
	cancel     context.CancelFunc
	namespaces map[string]map[string]*memoryEntry
	mutex      sync.Mutex
	waitGroup  sync.WaitGroup
	once       sync.Once
	cfg        config
}

var _ Store = (*inMemoryStore)(nil)

// NewInMemory returns a process-local Store. Payloads are copied in and
// out, so callers never share memory with the cache. Contents are lost
// when the process exits.
func NewInMemory(parent context.Context, opts ...Option) Store {
	cfg := applyOptions(opts)
	ctx, cancel := context.WithCancel(parent)
	c := &inMemoryStore{
		ctx:        ctx,
		cancel:     cancel,
		namespaces: make(map[string]map[string]*memoryEntry),
		cfg:        cfg,
	}
	if cfg.expiryCheck > 0 {
		c.waitGroup.Add(1)
		go c.run()
	}
	return c
}

func (c *inMemoryStore) Get(_ context.Context, ns string, key string) (bool, *Entry, error) {
	if err := ValidateNamespace(ns); err != nil {
		return false, nil, err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	val, ok := c.namespaces[ns][key]
	if !ok {
		return false, nil, nil
	}
	if expired(val.expiresAt, c.cfg.now()) {
		delete(c.namespaces[ns], key)
		return false, nil, nil
	}
	return true, newEntry(ns, key, append([]byte(nil), val.value...), val.createdAt, val.expiresAt), nil
}

func (c *inMemoryStore) Set(_ context.Context, ns string, key string, payload []byte, ttl time.Duration) error {
	if err := ValidateNamespace(ns); err != nil {
		return err
	}
	if err := checkPayload(payload); err != nil {
		return err
	}
	now := c.cfg.now()
	val := &memoryEntry{
		value:     append([]byte(nil), payload...),
		createdAt: now.Unix(),
		expiresAt: expiresAt(now, c.cfg.ttl(ttl)),
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	bucket, ok := c.namespaces[ns]
	if !ok {
		bucket = make(map[string]*memoryEntry)
		c.namespaces[ns] = bucket
	}
	bucket[key] = val
	return nil
}

func (c *inMemoryStore) Delete(_ context.Context, ns string, key string) (bool, error) {
	if err := ValidateNamespace(ns); err != nil {
		return false, err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	_, ok := c.namespaces[ns][key]
	if ok {
		delete(c.namespaces[ns], key)
	}
	return ok, nil
}

func (c *inMemoryStore) InvalidatePattern(_ context.Context, ns string, pattern string) (int, error) {
	if err := ValidateNamespace(ns); err != nil {
		return 0, err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	var removed int
	for key := range c.namespaces[ns] {
		if matchPattern(pattern, key) {
			delete(c.namespaces[ns], key)
			removed++
		}
	}
	return removed, nil
}

func (c *inMemoryStore) ClearAll(_ context.Context) (int, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	var removed int
	for ns, bucket := range c.namespaces {
		removed += len(bucket)
		c.namespaces[ns] = make(map[string]*memoryEntry)
	}
	return removed, nil
}

func (c *inMemoryStore) Sweep(_ context.Context) (int, error) {
	now := c.cfg.now()
	c.mutex.Lock()
	defer c.mutex.Unlock()
	var removed int
	for _, bucket := range c.namespaces {
		for key, val := range bucket {
			if expired(val.expiresAt, now) {
				delete(bucket, key)
				removed++
			}
		}
	}
	return removed, nil
}

func (c *inMemoryStore) Stats(_ context.Context) (Stats, error) {
	stats := newStats()
	now := c.cfg.now()
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for ns, bucket := range c.namespaces {
		stats.touch(ns)
		for _, val := range bucket {
			stats.add(ns, int64(len(val.value)), expired(val.expiresAt, now))
		}
	}
	return stats, nil
}

func (c *inMemoryStore) Close() error {
	c.once.Do(func() {
		c.cancel()
		c.waitGroup.Wait()
	})
	return nil
}

func (c *inMemoryStore) run() {
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
