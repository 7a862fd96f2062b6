// Directory lookups against the master database.
//
// TenantInfo is cache first: a record younger than MaxCacheAge is served
// from memory, anything older is re-read.  TenantBySlug always reads the
// directory and never touches the id-keyed cache.
package tenant

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/yanizio/tenantdb/internal/metrics"
	"github.com/yanizio/tenantdb/internal/tenant/meta"
)

// TenantInfo resolves an active tenant by id.  found is false for unknown
// and inactive tenants; err is reserved for directory failures.
func (r *Router) TenantInfo(ctx context.Context, tenantID string) (rec meta.Record, found bool, err error) {
	if rec, ok := r.infos.Get(tenantID); ok {
		metrics.DirectoryLookupTotal.WithLabelValues(metrics.LookupHit).Inc()
		return rec, true, nil
	}

	db, err := r.masterDB()
	if err != nil {
		return meta.Record{}, false, err
	}

	got, err := meta.ByID(ctx, db, tenantID)
	if err != nil {
		metrics.DirectoryLookupTotal.WithLabelValues(metrics.LookupError).Inc()
		r.log.Error("tenant directory lookup failed",
			zap.String("tenant_id", tenantID), zap.Error(err))
		return meta.Record{}, false, fmt.Errorf("tenant directory lookup %q: %w", tenantID, err)
	}
	if got == nil {
		metrics.DirectoryLookupTotal.WithLabelValues(metrics.LookupNotFound).Inc()
		return meta.Record{}, false, nil
	}

	metrics.DirectoryLookupTotal.WithLabelValues(metrics.LookupMiss).Inc()
	r.infos.Set(tenantID, *got)
	return *got, true, nil
}

// TenantBySlug resolves an active tenant by slug.  Results are not cached.
func (r *Router) TenantBySlug(ctx context.Context, slug string) (rec meta.Record, found bool, err error) {
	db, err := r.masterDB()
	if err != nil {
		return meta.Record{}, false, err
	}
	got, err := meta.BySlug(ctx, db, slug)
	if err != nil {
		return meta.Record{}, false, fmt.Errorf("tenant directory lookup slug %q: %w", slug, err)
	}
	if got == nil {
		return meta.Record{}, false, nil
	}
	return *got, true, nil
}

// InvalidateTenant drops the cached directory record for tenantID.  An open
// pool is left alone.
func (r *Router) InvalidateTenant(tenantID string) {
	r.infos.Delete(tenantID)
}

func (r *Router) masterDB() (*sqlx.DB, error) {
	m, err := r.Master()
	if err != nil {
		return nil, err
	}
	db := m.DB()
	if db == nil {
		return nil, ErrNotInitialized
	}
	return db, nil
}
