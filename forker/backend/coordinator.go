package backend

import (
	"context"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"
)

// FetchFn resolves a cache miss. It is invoked at most once per key while
// any number of callers wait on the result.
type FetchFn[V any] func(ctx context.Context) (V, error)

// CoordinatorOpts configures a FetchCoordinator.
type CoordinatorOpts[K comparable] struct {
	// MaxSize bounds the number of unpinned entries. Pinned entries are
	// invisible to the eviction scan and do not count against the bound.
	MaxSize int
	// KeyString renders a key for the in-flight fetch group.
	KeyString func(K) string
	// OnEvict is called when an unpinned entry is dropped for capacity.
	OnEvict func(K)
	// OnGet is called on every lookup with the hit/miss outcome.
	OnGet func(hit bool)
}

// FetchCoordinator is a cache plus single-flight primitive: Get returns a
// cached value or joins/launches exactly one in-flight fetch for the key.
// Unpinned entries are evicted LRU-order once MaxSize is exceeded; pinned
// entries live outside the LRU and are never evicted.
//
// Fetch failures cache nothing, so the next Get for that key retries.
type FetchCoordinator[K comparable, V any] struct {
	mu       sync.Mutex
	unpinned *simplelru.LRU[K, V]
	pinned   map[K]V

	flights   singleflight.Group
	keyString func(K) string
	onGet     func(hit bool)
	onEvict   func(K)

	// evicted stages keys dropped by the LRU while mu is held; eviction
	// callbacks run after the lock is released, so they may safely call
	// back into the coordinator.
	evicted []K
}

func NewFetchCoordinator[K comparable, V any](opts CoordinatorOpts[K]) *FetchCoordinator[K, V] {
	size := opts.MaxSize
	if size <= 0 {
		size = 1
	}
	keyString := opts.KeyString
	if keyString == nil {
		panic("coordinator requires a KeyString function")
	}
	c := &FetchCoordinator[K, V]{
		pinned:    make(map[K]V),
		keyString: keyString,
		onGet:     opts.OnGet,
		onEvict:   opts.OnEvict,
	}
	lru, err := simplelru.NewLRU[K, V](size, func(k K, _ V) {
		c.evicted = append(c.evicted, k)
	})
	if err != nil {
		panic(err) // only errors on size <= 0
	}
	c.unpinned = lru
	return c
}

// takeEvictedLocked drains the staged eviction keys; call with mu held.
func (c *FetchCoordinator[K, V]) takeEvictedLocked() []K {
	ev := c.evicted
	c.evicted = nil
	return ev
}

func (c *FetchCoordinator[K, V]) notifyEvicted(keys []K) {
	if c.onEvict == nil {
		return
	}
	for _, k := range keys {
		c.onEvict(k)
	}
}

// Get returns the cached value for key, or resolves it via fetch. Concurrent
// callers for the same key share one fetch and observe the same result or
// error. A ctx expiry surfaces to the caller without wedging the key: once
// the shared fetch returns, the in-flight slot is released either way.
func (c *FetchCoordinator[K, V]) Get(ctx context.Context, key K, fetch FetchFn[V]) (V, error) {
	if v, ok := c.lookup(key, true); ok {
		return v, nil
	}
	ch := c.flights.DoChan(c.keyString(key), func() (any, error) {
		// Re-check under the flight: a Put may have landed between the
		// miss and the flight start.
		if v, ok := c.lookup(key, false); ok {
			return v, nil
		}
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		return c.fill(key, v), nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			var zero V
			return zero, res.Err
		}
		return res.Val.(V), nil
	case <-ctx.Done():
		var zero V
		return zero, asRemoteErr(ctx.Err(), c.keyString(key))
	}
}

func (c *FetchCoordinator[K, V]) lookup(key K, record bool) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.pinned[key]; ok {
		if record && c.onGet != nil {
			c.onGet(true)
		}
		return v, true
	}
	v, ok := c.unpinned.Get(key)
	if record && c.onGet != nil {
		c.onGet(ok)
	}
	return v, ok
}

// Peek returns the cached value without updating recency or hit metrics.
func (c *FetchCoordinator[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.pinned[key]; ok {
		return v, true
	}
	return c.unpinned.Peek(key)
}

// fill stores a fetched value, unless the key was pinned while the fetch was
// in flight: a pin marks a deliberate override, so the fetched value is
// dropped and the pinned value returned instead.
func (c *FetchCoordinator[K, V]) fill(key K, v V) V {
	c.mu.Lock()
	if cur, ok := c.pinned[key]; ok {
		c.mu.Unlock()
		return cur
	}
	c.unpinned.Add(key, v)
	ev := c.takeEvictedLocked()
	c.mu.Unlock()
	c.notifyEvicted(ev)
	return v
}

// Put inserts or updates an entry. An entry that is currently pinned stays
// pinned; a new entry lands in the unpinned LRU and may trigger an eviction.
func (c *FetchCoordinator[K, V]) Put(key K, v V) {
	c.mu.Lock()
	if _, ok := c.pinned[key]; ok {
		c.pinned[key] = v
		c.mu.Unlock()
		return
	}
	c.unpinned.Add(key, v)
	ev := c.takeEvictedLocked()
	c.mu.Unlock()
	c.notifyEvicted(ev)
}

// PutPinned inserts or updates an entry directly in the pinned set.
func (c *FetchCoordinator[K, V]) PutPinned(key K, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unpinned.Remove(key)
	c.pinned[key] = v
}

// SetPinned moves an existing entry between the pinned set and the LRU.
// Unpinning an entry counts it against MaxSize again and may evict the
// least-recently-used unpinned entry. Absent keys are a no-op.
func (c *FetchCoordinator[K, V]) SetPinned(key K, pinned bool) {
	c.mu.Lock()
	if pinned {
		if v, ok := c.unpinned.Peek(key); ok {
			c.unpinned.Remove(key)
			c.pinned[key] = v
		}
		c.mu.Unlock()
		return
	}
	var ev []K
	if v, ok := c.pinned[key]; ok {
		delete(c.pinned, key)
		c.unpinned.Add(key, v)
		ev = c.takeEvictedLocked()
	}
	c.mu.Unlock()
	c.notifyEvicted(ev)
}

// Delete removes an entry entirely, pinned or not.
func (c *FetchCoordinator[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pinned, key)
	c.unpinned.Remove(key)
}

// Invalidate is Delete plus forgetting any in-flight fetch, so the next Get
// starts fresh rather than joining a stale flight.
func (c *FetchCoordinator[K, V]) Invalidate(key K) {
	c.flights.Forget(c.keyString(key))
	c.Delete(key)
}

// Len counts all entries, pinned and unpinned.
func (c *FetchCoordinator[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pinned) + c.unpinned.Len()
}

// PinnedLen counts pinned entries only.
func (c *FetchCoordinator[K, V]) PinnedLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pinned)
}
