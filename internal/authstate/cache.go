// Package authstate keeps per-tenant cryptographic session material in
// memory and writes it back to the durable store in batches. Reads and
// writes on the hot path never touch the database; a per-tenant flush
// worker persists dirty slots on a fixed interval.
package authstate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultFlushInterval is how often dirty slots are persisted.
const DefaultFlushInterval = 3 * time.Second

// Backend is the durable side of the cache. *store.Store satisfies it.
type Backend interface {
	LoadAuthState(ctx context.Context, tenantID int64) (map[string][]byte, error)
	FlushAuthState(ctx context.Context, tenantID int64, upserts map[string][]byte, deletes []string) error
	ClearAuthState(ctx context.Context, tenantID int64) error
}

// Cache owns one TenantState per loaded tenant.
type Cache struct {
	backend  Backend
	interval time.Duration

	mu      sync.Mutex
	tenants map[int64]*TenantState
}

// New creates a cache flushing every interval (DefaultFlushInterval if <= 0).
func New(backend Backend, interval time.Duration) *Cache {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Cache{
		backend:  backend,
		interval: interval,
		tenants:  make(map[int64]*TenantState),
	}
}

// Load returns the tenant's in-memory state, reading persisted records
// exactly once and starting its flush worker on first use.
func (c *Cache) Load(ctx context.Context, tenantID int64) (*TenantState, error) {
	c.mu.Lock()
	if ts, ok := c.tenants[tenantID]; ok {
		c.mu.Unlock()
		return ts, nil
	}
	c.mu.Unlock()

	persisted, err := c.backend.LoadAuthState(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load auth state for tenant %d: %w", tenantID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another Load may have won the race while we were reading.
	if ts, ok := c.tenants[tenantID]; ok {
		return ts, nil
	}
	ts := &TenantState{
		tenantID: tenantID,
		backend:  c.backend,
		values:   persisted,
		dirty:    make(map[string]struct{}),
		stop:     make(chan struct{}),
	}
	go ts.flushLoop(c.interval)
	c.tenants[tenantID] = ts
	return ts, nil
}

// Clear stops the tenant's flush worker, drops its in-memory state and
// deletes all durable records. Used on logout or clear-and-reconnect.
func (c *Cache) Clear(ctx context.Context, tenantID int64) error {
	c.mu.Lock()
	ts, ok := c.tenants[tenantID]
	if ok {
		delete(c.tenants, tenantID)
	}
	c.mu.Unlock()
	if ok {
		ts.stopOnce.Do(func() { close(ts.stop) })
	}
	if err := c.backend.ClearAuthState(ctx, tenantID); err != nil {
		return fmt.Errorf("clear auth state for tenant %d: %w", tenantID, err)
	}
	return nil
}

// Stop terminates every flush worker after a final best-effort flush.
func (c *Cache) Stop() {
	c.mu.Lock()
	tenants := make([]*TenantState, 0, len(c.tenants))
	for _, ts := range c.tenants {
		tenants = append(tenants, ts)
	}
	c.tenants = make(map[int64]*TenantState)
	c.mu.Unlock()
	for _, ts := range tenants {
		ts.stopOnce.Do(func() { close(ts.stop) })
		if err := ts.Flush(context.Background()); err != nil {
			slog.Warn("auth state final flush failed", "tenant", ts.tenantID, "error", err)
		}
	}
}

// TenantState is the typed key-value accessor for one tenant. Get and Set
// are pure memory operations.
type TenantState struct {
	tenantID int64
	backend  Backend

	mu     sync.RWMutex
	values map[string][]byte
	dirty  map[string]struct{}

	stop     chan struct{}
	stopOnce sync.Once
}

// Get returns the current value of a slot key.
func (t *TenantState) Get(key string) ([]byte, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.values[key]
	return v, ok
}

// GetMany returns the present subset of the requested keys.
func (t *TenantState) GetMany(keys []string) map[string][]byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := t.values[k]; ok {
			out[k] = v
		}
	}
	return out
}

// Set applies entries to memory immediately and marks them dirty. A nil
// value deletes the key.
func (t *TenantState) Set(entries map[string][]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, value := range entries {
		if value == nil {
			delete(t.values, key)
		} else {
			t.values[key] = value
		}
		t.dirty[key] = struct{}{}
	}
}

// Flush persists the current dirty set. The set is snapshotted and cleared
// first so writes landing during the store round trip stay dirty; on failure
// the snapshotted keys are re-added so nothing is lost.
func (t *TenantState) Flush(ctx context.Context) error {
	t.mu.Lock()
	if len(t.dirty) == 0 {
		t.mu.Unlock()
		return nil
	}
	snapshot := t.dirty
	t.dirty = make(map[string]struct{})
	upserts := make(map[string][]byte)
	var deletes []string
	for key := range snapshot {
		if v, ok := t.values[key]; ok {
			upserts[key] = v
		} else {
			deletes = append(deletes, key)
		}
	}
	t.mu.Unlock()

	if err := t.backend.FlushAuthState(ctx, t.tenantID, upserts, deletes); err != nil {
		t.mu.Lock()
		for key := range snapshot {
			t.dirty[key] = struct{}{}
		}
		t.mu.Unlock()
		return fmt.Errorf("flush auth state for tenant %d: %w", t.tenantID, err)
	}
	return nil
}

// DirtyCount reports the number of unflushed keys.
func (t *TenantState) DirtyCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.dirty)
}

func (t *TenantState) flushLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval*2)
			if err := t.Flush(ctx); err != nil {
				slog.Warn("auth state flush failed, will retry", "tenant", t.tenantID, "error", err)
			}
			cancel()
		}
	}
}
