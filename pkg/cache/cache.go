// Package cache is an in-memory keyed store of fetched and derived values.
//
// Entries are overwritten unconditionally by Set and marked stale by
// Invalidate. An entry is also stale once it is older than its category's
// staleness window; the "like" category uses a zero window so that the next
// Fetch after a mutation always goes to the network.
//
// Reads through Fetch are deduplicated per key. Refetch cancels whatever read
// is in flight for the key and starts a new one; callers that were waiting
// on the cancelled read get the new read's result. A read only writes its
// result back if nothing was Set on the key after it started, so a slow read
// never clobbers an optimistic write.
//
// With EvictAfter set, writes also sweep out entries older than that age.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/daviddao/tagged/pkg/clock"
	"github.com/daviddao/tagged/pkg/model"
)

// errSuperseded is the cancel cause of a read replaced by Refetch.
var errSuperseded = errors.New("cache: read superseded")

// FetchFunc loads the authoritative value for a key.
type FetchFunc[V any] func(ctx context.Context) (V, error)

// Options configures staleness.
type Options struct {
	// StaleAfter maps a key category to its staleness window. A zero
	// window means entries are stale as soon as they are written.
	StaleAfter map[string]time.Duration
	// DefaultStaleAfter applies to categories missing from StaleAfter.
	// Negative means never stale by age.
	DefaultStaleAfter time.Duration
	// QueryTimeout bounds a single background read. Zero means no bound
	// beyond the fetch function's own.
	QueryTimeout time.Duration
	// EvictAfter drops entries older than this, swept at most once per
	// EvictAfter on write. Zero keeps entries until Delete.
	EvictAfter time.Duration
}

// Entry is a snapshot of one cache entry.
type Entry[V any] struct {
	Value     V
	Stale     bool
	UpdatedAt time.Time
	Version   uint64
}

type entry[V any] struct {
	value     V
	stale     bool
	updatedAt time.Time
	version   uint64
}

type inflight struct {
	cancel context.CancelCauseFunc
	id     uint64
}

// Cache is a goroutine-safe keyed cache of V.
type Cache[V any] struct {
	opts Options
	now  func() time.Time

	mu        sync.Mutex
	clk       clock.Clock
	entries   map[model.CacheKey]*entry[V]
	inflight  map[model.CacheKey]inflight
	queryID   uint64
	lastSweep time.Time

	group singleflight.Group
}

// New returns an empty cache.
func New[V any](opts Options) *Cache[V] {
	return &Cache[V]{
		opts:     opts,
		now:      time.Now,
		entries:  make(map[model.CacheKey]*entry[V]),
		inflight: make(map[model.CacheKey]inflight),
	}
}

// Get returns the last known value for key, stale or not.
func (c *Cache[V]) Get(key model.CacheKey) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Lookup returns a snapshot of the entry for key.
func (c *Cache[V]) Lookup(key model.CacheKey) (Entry[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Entry[V]{}, false
	}
	return Entry[V]{Value: e.value, Stale: c.staleLocked(key, e), UpdatedAt: e.updatedAt, Version: e.version}, true
}

// Set overwrites the value for key and marks it fresh.
func (c *Cache[V]) Set(key model.CacheKey, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, v)
}

// Invalidate marks key stale so the next Fetch goes to the network.
// Invalidating a missing key is a no-op.
func (c *Cache[V]) Invalidate(key model.CacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.stale = true
	}
}

// Delete removes key and cancels any read in flight for it.
func (c *Cache[V]) Delete(key model.CacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clk.Tick()
	delete(c.entries, key)
	c.cancelLocked(key)
}

// IsStale reports whether key is missing, invalidated, or past its window.
func (c *Cache[V]) IsStale(key model.CacheKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return !ok || c.staleLocked(key, e)
}

// Cancel aborts the read in flight for key, if any.
func (c *Cache[V]) Cancel(key model.CacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked(key)
}

// Len returns the number of entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Fetch returns the cached value if fresh; otherwise it loads it with fn.
// Concurrent Fetches for the same key share one call to fn.
func (c *Cache[V]) Fetch(ctx context.Context, key model.CacheKey, fn FetchFunc[V]) (V, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && !c.staleLocked(key, e) {
		v := e.value
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()
	return c.load(ctx, key, fn, nil)
}

// Refetch cancels any read in flight for key and loads it again with fn.
// Callers waiting on the cancelled read receive this read's result.
func (c *Cache[V]) Refetch(ctx context.Context, key model.CacheKey, fn FetchFunc[V]) (V, error) {
	c.mu.Lock()
	old, ok := c.inflight[key]
	if ok {
		delete(c.inflight, key)
	}
	c.mu.Unlock()
	c.group.Forget(key.String())
	// The old read is cancelled only once the new one is registered, so
	// its waiters can join the new one.
	return c.load(ctx, key, fn, func() {
		if ok {
			old.cancel(errSuperseded)
		}
	})
}

// load runs fn through the singleflight group. registered, if set, runs
// once the call is registered with the group.
func (c *Cache[V]) load(ctx context.Context, key model.CacheKey, fn FetchFunc[V], registered func()) (V, error) {
	var zero V
	c.mu.Lock()
	start := c.clk.Value()
	c.mu.Unlock()

	for {
		ch := c.group.DoChan(key.String(), func() (any, error) {
			return c.query(key, fn)
		})
		if registered != nil {
			registered()
			registered = nil
		}
		select {
		case r := <-ch:
			if r.Err == nil {
				return r.Val.(V), nil
			}
			if !errors.Is(r.Err, errSuperseded) {
				return zero, r.Err
			}
			if v, ok := c.writtenSince(key, start); ok {
				return v, nil
			}
			// The replacing read is still running; join it.
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// writtenSince returns the value of key if it was written after version.
func (c *Cache[V]) writtenSince(key model.CacheKey, version uint64) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && clock.Newer(e.version, version) {
		return e.value, true
	}
	var zero V
	return zero, false
}

// query runs fn detached from any one caller, so that a caller giving up
// does not abort a read other callers are waiting on. Only Cancel,
// Refetch, Delete, or the query timeout abort it.
func (c *Cache[V]) query(key model.CacheKey, fn FetchFunc[V]) (V, error) {
	base, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	qctx := base
	if c.opts.QueryTimeout > 0 {
		var stop context.CancelFunc
		qctx, stop = context.WithTimeout(base, c.opts.QueryTimeout)
		defer stop()
	}

	c.mu.Lock()
	c.queryID++
	id := c.queryID
	c.inflight[key] = inflight{cancel: cancel, id: id}
	startVersion := c.clk.Value()
	c.mu.Unlock()

	v, err := fn(qctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.inflight[key]; ok && cur.id == id {
		delete(c.inflight, key)
	}
	if qctx.Err() != nil {
		err = context.Cause(qctx)
	}
	if err != nil {
		var zero V
		return zero, err
	}
	if e, ok := c.entries[key]; ok && clock.Newer(e.version, startVersion) {
		// Written after we started; keep the newer value.
		return e.value, nil
	}
	c.setLocked(key, v)
	return v, nil
}

func (c *Cache[V]) setLocked(key model.CacheKey, v V) {
	now := c.now()
	c.entries[key] = &entry[V]{
		value:     v,
		updatedAt: now,
		version:   c.clk.Tick(),
	}
	if c.opts.EvictAfter > 0 && now.Sub(c.lastSweep) >= c.opts.EvictAfter {
		c.sweepLocked(now)
	}
}

// sweepLocked drops entries older than EvictAfter.
func (c *Cache[V]) sweepLocked(now time.Time) {
	for k, e := range c.entries {
		if now.Sub(e.updatedAt) >= c.opts.EvictAfter {
			delete(c.entries, k)
		}
	}
	c.lastSweep = now
}

func (c *Cache[V]) cancelLocked(key model.CacheKey) {
	if f, ok := c.inflight[key]; ok {
		f.cancel(nil)
		delete(c.inflight, key)
	}
}

func (c *Cache[V]) staleLocked(key model.CacheKey, e *entry[V]) bool {
	if e.stale {
		return true
	}
	window, ok := c.opts.StaleAfter[key.Category]
	if !ok {
		window = c.opts.DefaultStaleAfter
	}
	if window < 0 {
		return false
	}
	return c.now().Sub(e.updatedAt) >= window
}
