// internal/cache/ttl.go
//
// Generic time-to-live cache with a dispose hook.
//
// Context
// -------
// The router keeps two keyed caches: directory records and open tenant
// pools.  Both share one eviction policy, so it lives here once:
//
//   - an entry is stale when now - stamp > MaxAge,
//   - Sweep disposes stale entries under their key lock and drops them only
//     when dispose succeeds,
//   - when MaxEntries > 0, Sweep then disposes the least-recently stamped
//     entries until the map fits,
//   - dispose failures are collected with multierr and never stop the pass.
//
// Locking
// -------
// `mu` guards the map and the stamps.  Lock(key) hands out a per-key mutex
// that callers use to make multi-step operations on one key atomic with
// respect to Sweep, Remove, and Drain.  The key lock is never taken while
// `mu` is held.
//
// Notes
// -----
//   - Get honours MaxAge; Peek does not.  The connection cache hits on Peek
//     and leaves age checks to the reaper.
//   - Oxford commas, two spaces after periods.
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
)

// Config tunes a TTL cache.  Zero MaxAge disables age eviction and zero
// MaxEntries disables size pressure.
type Config struct {
	MaxAge     time.Duration
	MaxEntries int
	Clock      clock.Clock
}

type item[V any] struct {
	val   V
	stamp time.Time
}

// TTL is a keyed cache whose entries expire MaxAge after their last stamp.
// It is safe for concurrent use.
type TTL[K comparable, V any] struct {
	maxAge     time.Duration
	maxEntries int
	clock      clock.Clock
	dispose    func(K, V) error

	mu    sync.Mutex
	items map[K]*item[V]

	locks keyLocks[K]
}

// New returns an empty cache.  dispose may be nil when evicting a value needs
// no cleanup.
func New[K comparable, V any](cfg Config, dispose func(K, V) error) *TTL[K, V] {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &TTL[K, V]{
		maxAge:     cfg.MaxAge,
		maxEntries: cfg.MaxEntries,
		clock:      clk,
		dispose:    dispose,
		items:      make(map[K]*item[V]),
	}
}

// Lock acquires the per-key mutex and returns its release func.
func (c *TTL[K, V]) Lock(key K) (unlock func()) {
	return c.locks.lock(key)
}

// Get returns the value for key when it is present and not stale.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok || c.stale(it, c.clock.Now()) {
		var zero V
		return zero, false
	}
	return it.val, true
}

// Peek returns the value and its stamp regardless of age.
func (c *TTL[K, V]) Peek(key K) (V, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		var zero V
		return zero, time.Time{}, false
	}
	return it.val, it.stamp, true
}

// Set stores val stamped with the current time, replacing any previous
// entry without disposing it.
func (c *TTL[K, V]) Set(key K, val V) {
	c.mu.Lock()
	c.items[key] = &item[V]{val: val, stamp: c.clock.Now()}
	c.mu.Unlock()
}

// Touch re-stamps key.  It reports false when key is absent.
func (c *TTL[K, V]) Touch(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if ok {
		it.stamp = c.clock.Now()
	}
	return ok
}

// Delete drops key without calling dispose.
func (c *TTL[K, V]) Delete(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	delete(c.items, key)
	return it.val, true
}

// Remove drops key under its key lock and disposes the value.  The entry is
// gone even when dispose fails; the error is returned for logging.
func (c *TTL[K, V]) Remove(key K) (bool, error) {
	unlock := c.Lock(key)
	defer unlock()
	return c.removeLocked(key)
}

func (c *TTL[K, V]) removeLocked(key K) (bool, error) {
	val, ok := c.Delete(key)
	if !ok || c.dispose == nil {
		return ok, nil
	}
	return true, c.dispose(key, val)
}

// Len reports the number of entries, stale ones included.
func (c *TTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Range calls fn for a snapshot of every entry until fn returns false.  fn
// runs without any cache lock held.
func (c *TTL[K, V]) Range(fn func(key K, val V, stamp time.Time) bool) {
	type kv struct {
		key   K
		val   V
		stamp time.Time
	}
	c.mu.Lock()
	snap := make([]kv, 0, len(c.items))
	for k, it := range c.items {
		snap = append(snap, kv{k, it.val, it.stamp})
	}
	c.mu.Unlock()

	for _, e := range snap {
		if !fn(e.key, e.val, e.stamp) {
			return
		}
	}
}

//
// Eviction
//

// SweepResult counts the entries one Sweep removed.
type SweepResult struct {
	Expired   int // stale past MaxAge
	Pressured int // oldest entries dropped for MaxEntries
}

// Sweep evicts stale entries, then applies size pressure.  A dispose failure
// keeps its entry for the next pass and is folded into the returned error.
func (c *TTL[K, V]) Sweep() (SweepResult, error) {
	var (
		res  SweepResult
		errs error
	)

	if c.maxAge > 0 {
		now := c.clock.Now()
		for _, key := range c.keysWhere(func(it *item[V]) bool { return c.stale(it, now) }) {
			ok, err := c.evictIf(key, func(it *item[V]) bool { return c.stale(it, c.clock.Now()) })
			errs = multierr.Append(errs, err)
			if ok {
				res.Expired++
			}
		}
	}

	if c.maxEntries > 0 {
		for _, key := range c.oldest(c.Len() - c.maxEntries) {
			ok, err := c.evictIf(key, nil)
			errs = multierr.Append(errs, err)
			if ok {
				res.Pressured++
			}
		}
	}
	return res, errs
}

// Drain disposes and drops every entry.  Failures do not stop the drain and
// the map is empty afterwards.
func (c *TTL[K, V]) Drain() (int, error) {
	var (
		n    int
		errs error
	)
	for _, key := range c.keysWhere(nil) {
		ok, err := c.Remove(key)
		errs = multierr.Append(errs, err)
		if ok {
			n++
		}
	}
	return n, errs
}

// evictIf disposes and removes key when cond (re-checked under the key lock)
// still holds.  A nil cond always holds.
func (c *TTL[K, V]) evictIf(key K, cond func(*item[V]) bool) (bool, error) {
	unlock := c.Lock(key)
	defer unlock()

	c.mu.Lock()
	it, ok := c.items[key]
	if !ok || (cond != nil && !cond(it)) {
		c.mu.Unlock()
		return false, nil
	}
	if c.dispose == nil {
		delete(c.items, key)
		c.mu.Unlock()
		return true, nil
	}
	c.mu.Unlock()

	if err := c.dispose(key, it.val); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Writers that skipped the key lock may have replaced the entry.
	if cur, ok := c.items[key]; ok && cur == it {
		delete(c.items, key)
	}
	return true, nil
}

func (c *TTL[K, V]) stale(it *item[V], now time.Time) bool {
	return c.maxAge > 0 && now.Sub(it.stamp) > c.maxAge
}

func (c *TTL[K, V]) keysWhere(pred func(*item[V]) bool) []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]K, 0, len(c.items))
	for k, it := range c.items {
		if pred == nil || pred(it) {
			keys = append(keys, k)
		}
	}
	return keys
}

// oldest returns up to n keys ordered by ascending stamp.
func (c *TTL[K, V]) oldest(n int) []K {
	if n <= 0 {
		return nil
	}
	type kv struct {
		key K
		at  time.Time
	}
	c.mu.Lock()
	all := make([]kv, 0, len(c.items))
	for k, it := range c.items {
		all = append(all, kv{key: k, at: it.stamp})
	}
	c.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	if n > len(all) {
		n = len(all)
	}
	keys := make([]K, n)
	for i := range keys {
		keys[i] = all[i].key
	}
	return keys
}
