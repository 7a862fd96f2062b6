// Connection cache entry.
//
// The connection cache stores a *conn per tenant id.  Its cache stamp is the
// tenant's last access time, bumped on every hit, and is what the reaper
// compares against MaxCacheAge.
package tenant

import (
	"time"

	"github.com/yanizio/tenantdb/internal/tenant/meta"
)

type conn struct {
	tenantID       string
	databaseName   string
	databaseServer string
	pool           Pool
}

func newConn(tenantID string, rec meta.Record, p Pool) *conn {
	return &conn{
		tenantID:       tenantID,
		databaseName:   rec.DatabaseName,
		databaseServer: rec.DatabaseServer,
		pool:           p,
	}
}

// ConnInfo is a point-in-time view of one cached tenant pool.
type ConnInfo struct {
	TenantID       string    `json:"tenant_id"`
	DatabaseName   string    `json:"database_name"`
	DatabaseServer string    `json:"database_server"`
	LastAccessed   time.Time `json:"last_accessed"`
}
