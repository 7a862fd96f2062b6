// reaper.go houses the eviction loop for Router.  Every
// CacheCleanupInterval it sweeps both caches and removes:
//
//   - tenant pools idle longer than MaxCacheAge (closed first, kept on a
//     failed close so the next tick retries)
//   - least-recently-used pools when MaxTenants is exceeded
//   - directory records older than MaxCacheAge
//
// Each eviction updates Prometheus counters; failures are logged only.
package tenant

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/yanizio/tenantdb/internal/metrics"
)

// reaper runs tick on a fixed interval between start and stop.
// States: stopped → running → stopped.
type reaper struct {
	clock    clock.Clock
	interval time.Duration
	tick     func()
	log      *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newReaper(clk clock.Clock, interval time.Duration, tick func(), log *zap.Logger) *reaper {
	return &reaper{clock: clk, interval: interval, tick: tick, log: log}
}

// start is a no-op while running.
func (rp *reaper) start() {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	if rp.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t := rp.clock.Ticker(rp.interval)
	rp.cancel, rp.done = cancel, done
	go rp.loop(ctx, t, done)
}

// stop cancels the schedule and waits for an in-flight tick to finish.
func (rp *reaper) stop() {
	rp.mu.Lock()
	cancel, done := rp.cancel, rp.done
	rp.cancel, rp.done = nil, nil
	rp.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (rp *reaper) running() bool {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return rp.cancel != nil
}

func (rp *reaper) loop(ctx context.Context, t *clock.Ticker, done chan struct{}) {
	defer close(done)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rp.safeTick()
		}
	}
}

func (rp *reaper) safeTick() {
	defer func() {
		if p := recover(); p != nil {
			rp.log.Error("reaper tick panicked", zap.Any("panic", p))
		}
	}()
	rp.tick()
}

// reap is the Router's tick.
func (r *Router) reap() {
	res, err := r.conns.Sweep()
	r.logCleanup("reap", err)
	metrics.TenantPoolEvictTotal.WithLabelValues(metrics.EvictIdle).Add(float64(res.Expired))
	metrics.TenantPoolEvictTotal.WithLabelValues(metrics.EvictPressure).Add(float64(res.Pressured))
	metrics.TenantPools.Set(float64(r.conns.Len()))

	infos, _ := r.infos.Sweep()

	if res.Expired+res.Pressured+infos.Expired > 0 {
		r.log.Info("tenant caches swept",
			zap.Int("pools_idle", res.Expired),
			zap.Int("pools_pressure", res.Pressured),
			zap.Int("infos_expired", infos.Expired))
	}
}
