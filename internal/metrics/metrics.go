// Package metrics holds Prometheus instruments used by the tenant router.
// All collectors are registered with the global registry, so importing this
// package in main.go is enough to expose them on /metrics.
package metrics

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "tenantdb"

// Eviction reasons for TenantPoolEvictTotal.
const (
	EvictIdle     = "idle"
	EvictPressure = "pressure"
	EvictExplicit = "explicit"
	EvictStale    = "stale"
	EvictShutdown = "shutdown"
)

// Directory lookup results for DirectoryLookupTotal.
const (
	LookupHit      = "hit"
	LookupMiss     = "miss"
	LookupNotFound = "not_found"
	LookupError    = "error"
)

var (
	TenantPools = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tenant_pools",
			Help:      "Number of tenant pools currently cached.",
		})

	TenantPoolOpenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tenant_pool_open_total",
			Help:      "Cumulative number of tenant pools successfully opened.",
		})

	TenantPoolOpenErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tenant_pool_open_errors_total",
			Help:      "Cumulative number of tenant pool open failures.",
		})

	TenantPoolOpenSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tenant_pool_open_seconds",
			Help:      "Time spent opening a tenant pool, including the first ping.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		})

	TenantPoolEvictTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tenant_pool_evict_total",
			Help:      "Cumulative number of tenant pools closed and removed, by reason.",
		}, []string{"reason"})

	DirectoryLookupTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directory_lookup_total",
			Help:      "Tenant directory lookups by outcome.",
		}, []string{"result"})

	CleanupErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_errors_total",
			Help:      "Tenant pool close failures during reaping or shutdown.",
		})
)

func init() {
	prometheus.MustRegister(
		TenantPools,
		TenantPoolOpenTotal,
		TenantPoolOpenErrorsTotal,
		TenantPoolOpenSeconds,
		TenantPoolEvictTotal,
		DirectoryLookupTotal,
		CleanupErrorsTotal,
	)
}

// RegisterDBStats exposes database/sql pool statistics for db under the
// db_name label.  The returned func unregisters the collector; call it when
// the pool is closed.  Registering the same name twice keeps the first
// collector.
func RegisterDBStats(db *sql.DB, name string) (unregister func()) {
	c := collectors.NewDBStatsCollector(db, name)
	if err := prometheus.Register(c); err != nil {
		return func() {}
	}
	return func() { prometheus.Unregister(c) }
}
