// internal/tenant/router.go
//
// Tenant connection router.
//
// Context
// -------
// One Router is built at process start and handed to every consumer.  It
// owns the master directory pool, a TTL cache of directory records, a TTL
// cache of open tenant pools, and the reaper that expires both.
//
// Request flow
// ------------
//  1. Conn(id) checks the connection cache under the tenant's key lock and
//     bumps lastAccessed on a hit.
//  2. On a miss, concurrent callers for the same id collapse into one
//     singleflight call.
//  3. The call resolves the tenant through TenantInfo (cache first), opens
//     a pool with the PoolFactory, and stores it under the key lock.
//
// Notes
// -----
//   - The reaper takes the same key lock before closing a pool, so a hit
//     can never hand out a pool that an eviction is closing.
//   - Pool creation runs detached from the caller's cancellation and is
//     bounded by ConnectionTimeout; each waiter still honours its own ctx.
//   - Oxford commas, two spaces after periods.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/yanizio/tenantdb/internal/cache"
	"github.com/yanizio/tenantdb/internal/metrics"
	"github.com/yanizio/tenantdb/internal/tenant/meta"
)

// Router resolves tenants to pooled database handles.  It is safe for
// concurrent use.  Zero value is invalid; use New.
type Router struct {
	cfg        Config
	log        *zap.Logger
	clock      clock.Clock
	factory    PoolFactory
	openMaster MasterOpener

	lifecycle sync.Mutex // serialises Initialize and Close

	mu          sync.RWMutex // guards master
	master      Pool
	unregMaster func()

	infos  *cache.TTL[string, meta.Record]
	conns  *cache.TTL[string, *conn]
	sfg    singleflight.Group
	reaper *reaper
}

// Option customises a Router.
type Option func(*Router)

// WithLogger sets the logger.  Default is zap.L() at construction time.
func WithLogger(l *zap.Logger) Option {
	return func(r *Router) { r.log = l }
}

// WithClock replaces the wall clock used for cache stamps and the reaper.
func WithClock(c clock.Clock) Option {
	return func(r *Router) { r.clock = c }
}

// New builds a Router.  Nothing is opened until Initialize.
func New(cfg Config, master MasterOpener, factory PoolFactory, opts ...Option) *Router {
	r := &Router{
		cfg:        cfg.withDefaults(),
		log:        zap.L(),
		clock:      clock.New(),
		factory:    factory,
		openMaster: master,
	}
	for _, opt := range opts {
		opt(r)
	}

	r.infos = cache.New[string, meta.Record](cache.Config{
		MaxAge: r.cfg.MaxCacheAge,
		Clock:  r.clock,
	}, nil)
	r.conns = cache.New[string, *conn](cache.Config{
		MaxAge:     r.cfg.MaxCacheAge,
		MaxEntries: r.cfg.MaxTenants,
		Clock:      r.clock,
	}, r.disposeConn)
	r.reaper = newReaper(r.clock, r.cfg.CacheCleanupInterval, r.reap, r.log)
	return r
}

// Config returns the effective configuration, defaults applied.
func (r *Router) Config() Config { return r.cfg }

//
// Lifecycle
//

// Initialize opens the master pool and starts the reaper.  It is a no-op
// while a connected master pool exists.
func (r *Router) Initialize(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if _, err := r.Master(); err == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.ConnectionTimeout)
	defer cancel()

	m, err := r.openMaster(ctx)
	if err != nil {
		r.log.Error("master connect failed", zap.Error(err))
		return &ConnectionError{Target: "master", Err: err}
	}

	// A disconnected previous master still owns the "master" stats
	// collector; release it so the new pool's collector can register.
	r.mu.Lock()
	old, oldUnreg := r.master, r.unregMaster
	r.master, r.unregMaster = nil, nil
	r.mu.Unlock()
	if oldUnreg != nil {
		oldUnreg()
	}
	if old != nil && old != m {
		if err := old.Close(); err != nil {
			r.log.Warn("stale master close failed", zap.Error(err))
		}
	}

	unreg := func() {}
	if db := m.DB(); db != nil {
		unreg = metrics.RegisterDBStats(db.DB, "master")
	}

	r.mu.Lock()
	r.master, r.unregMaster = m, unreg
	r.mu.Unlock()

	r.reaper.start()
	r.log.Info("tenant router online",
		zap.Int("max_pool_size", r.cfg.MaxPoolSize),
		zap.Duration("max_cache_age", r.cfg.MaxCacheAge),
		zap.Duration("cleanup_interval", r.cfg.CacheCleanupInterval),
	)
	return nil
}

// Master returns the live master pool.
func (r *Router) Master() (Pool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.master == nil || !r.master.Connected() {
		return nil, ErrNotInitialized
	}
	return r.master, nil
}

// Close stops the reaper, closes every tenant pool, clears both caches, and
// closes the master pool.  Tenant close failures are logged, not returned.
// Initialize may be called again afterwards.
func (r *Router) Close() error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.reaper.stop()

	// Detach the master first so in-flight Conn calls cannot store new pools
	// behind the drain.
	r.mu.Lock()
	m, unreg := r.master, r.unregMaster
	r.master, r.unregMaster = nil, nil
	r.mu.Unlock()

	n, err := r.conns.Drain()
	r.logCleanup("shutdown", err)
	metrics.TenantPoolEvictTotal.WithLabelValues(metrics.EvictShutdown).Add(float64(n))
	_, _ = r.infos.Drain()
	metrics.TenantPools.Set(0)

	if m == nil {
		return nil
	}
	if unreg != nil {
		unreg()
	}
	if err := m.Close(); err != nil {
		r.log.Error("master close failed", zap.Error(err))
		return err
	}
	r.log.Info("tenant router closed", zap.Int("tenant_pools_closed", n))
	return nil
}

//
// Connection cache
//

// Conn returns the pool for tenantID, opening it on first use.
// ErrTenantNotFound covers unknown and inactive tenants; pool failures come
// back as *ConnectionError.
func (r *Router) Conn(ctx context.Context, tenantID string) (Pool, error) {
	for {
		if p, ok := r.lookup(tenantID); ok {
			return p, nil
		}

		ch := r.sfg.DoChan(tenantID, func() (any, error) {
			return r.open(context.WithoutCancel(ctx), tenantID)
		})
		select {
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
			if p := res.Val.(Pool); p.Connected() {
				return p, nil
			}
			// A late joiner can receive a shared pool the reaper already
			// closed; go around again.
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// HasConn reports whether a connected pool is cached for tenantID.  It does
// not refresh the entry.
func (r *Router) HasConn(tenantID string) bool {
	c, _, ok := r.conns.Peek(tenantID)
	return ok && c.pool.Connected()
}

// ActiveConns lists every connected cached pool.
func (r *Router) ActiveConns() []ConnInfo {
	out := make([]ConnInfo, 0, r.conns.Len())
	r.conns.Range(func(_ string, c *conn, at time.Time) bool {
		if c.pool.Connected() {
			out = append(out, ConnInfo{
				TenantID:       c.tenantID,
				DatabaseName:   c.databaseName,
				DatabaseServer: c.databaseServer,
				LastAccessed:   at,
			})
		}
		return true
	})
	return out
}

// CloseConn closes and forgets the pool for tenantID and drops its directory
// record, so the next Conn re-reads the directory.  A close failure is
// returned as *CleanupError; the entry is removed regardless.
func (r *Router) CloseConn(tenantID string) error {
	ok, err := r.conns.Remove(tenantID)
	r.infos.Delete(tenantID)
	if ok {
		metrics.TenantPoolEvictTotal.WithLabelValues(metrics.EvictExplicit).Inc()
		metrics.TenantPools.Set(float64(r.conns.Len()))
	}
	if err != nil {
		r.logCleanup("close", err)
		return err
	}
	return nil
}

// Stats is a snapshot for health checks.
type Stats struct {
	Initialized   bool `json:"initialized"`
	ReaperRunning bool `json:"reaper_running"`
	TenantPools   int  `json:"tenant_pools"`
	TenantInfos   int  `json:"tenant_infos"`
}

// Stats reports the router's current state.
func (r *Router) Stats() Stats {
	_, err := r.Master()
	return Stats{
		Initialized:   err == nil,
		ReaperRunning: r.reaper.running(),
		TenantPools:   r.conns.Len(),
		TenantInfos:   r.infos.Len(),
	}
}

// lookup returns a cached connected pool and bumps its last access.
func (r *Router) lookup(tenantID string) (Pool, bool) {
	unlock := r.conns.Lock(tenantID)
	defer unlock()

	c, _, ok := r.conns.Peek(tenantID)
	if !ok || !c.pool.Connected() {
		return nil, false
	}
	r.conns.Touch(tenantID)
	return c.pool, true
}

// open runs inside the singleflight barrier.
func (r *Router) open(ctx context.Context, tenantID string) (Pool, error) {
	// Double-check after singleflight barrier.
	if p, ok := r.lookup(tenantID); ok {
		return p, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.ConnectionTimeout)
	defer cancel()

	rec, found, err := r.TenantInfo(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}

	start := r.clock.Now()
	p, err := r.factory.Open(ctx, rec)
	if err != nil {
		metrics.TenantPoolOpenErrorsTotal.Inc()
		r.log.Warn("tenant pool open failed",
			zap.String("tenant_id", tenantID),
			zap.String("database_server", rec.DatabaseServer),
			zap.Error(err))
		var ce *ConnectionError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, &ConnectionError{Target: rec.DatabaseServer + "/" + rec.DatabaseName, Err: err}
	}
	metrics.TenantPoolOpenSeconds.Observe(r.clock.Since(start).Seconds())

	return r.store(tenantID, rec, p)
}

// store caches p under the requested key, which the directory may match
// without byte equality (case and trailing-space insensitive collations).
// A disconnected previous entry is closed and replaced.
func (r *Router) store(tenantID string, rec meta.Record, p Pool) (Pool, error) {
	unlock := r.conns.Lock(tenantID)
	defer unlock()

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.master == nil {
		_ = p.Close()
		return nil, ErrNotInitialized
	}

	if old, _, ok := r.conns.Peek(tenantID); ok {
		if old.pool.Connected() {
			_ = p.Close()
			r.conns.Touch(tenantID)
			return old.pool, nil
		}
		r.conns.Delete(tenantID)
		if err := r.disposeConn(tenantID, old); err != nil {
			r.logCleanup("replace", err)
		}
		metrics.TenantPoolEvictTotal.WithLabelValues(metrics.EvictStale).Inc()
	}

	r.conns.Set(tenantID, newConn(tenantID, rec, p))
	metrics.TenantPoolOpenTotal.Inc()
	metrics.TenantPools.Set(float64(r.conns.Len()))
	r.log.Info("tenant pool opened",
		zap.String("tenant_id", tenantID),
		zap.String("database_server", rec.DatabaseServer),
		zap.String("database_name", rec.DatabaseName))
	return p, nil
}

func (r *Router) disposeConn(tenantID string, c *conn) error {
	if err := c.pool.Close(); err != nil {
		metrics.CleanupErrorsTotal.Inc()
		return &CleanupError{TenantID: tenantID, Op: "close", Err: err}
	}
	return nil
}

// logCleanup logs each tenant failure folded into err.
func (r *Router) logCleanup(op string, err error) {
	for _, e := range multierr.Errors(err) {
		fields := []zap.Field{zap.String("op", op), zap.Error(e)}
		var ce *CleanupError
		if errors.As(e, &ce) {
			fields = append(fields, zap.String("tenant_id", ce.TenantID))
		}
		r.log.Warn("tenant pool cleanup failed", fields...)
	}
}
