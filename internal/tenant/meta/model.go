// internal/tenant/meta/model.go
//
// `tenants` table row model.
//
// Context
// -------
// The `Record` struct mirrors one row in the master database's tenant
// directory.  Each row names the store, its billing plan, and the server and
// schema that hold the store's isolated database.  The router resolves a
// tenant id to a Record, then opens a pool against DatabaseServer and
// DatabaseName.
//
// Schema reference
//
//	CREATE TABLE tenants (
//	    id                CHAR(36)      PRIMARY KEY,
//	    name              VARCHAR(255)  NOT NULL,
//	    slug              VARCHAR(128)  NOT NULL UNIQUE,
//	    email             VARCHAR(255)  NOT NULL,
//	    status            VARCHAR(32)   NOT NULL DEFAULT 'active',
//	    subscription_plan VARCHAR(64)   NOT NULL DEFAULT 'basic',
//	    database_name     VARCHAR(128)  NOT NULL,
//	    database_server   VARCHAR(255)  NOT NULL
//	);
//
// Notes
// -----
//   - Records are immutable once fetched; only a fresh directory read changes
//     them.
//   - This struct contains no behaviour beyond Active, pure data for sqlx
//     scans.
package meta

// StatusActive is the only status the router serves.
const StatusActive = "active"

// Record mirrors one row in the `tenants` table.
type Record struct {
	ID               string `db:"id" json:"id"`
	Name             string `db:"name" json:"name"`
	Slug             string `db:"slug" json:"slug"`
	Email            string `db:"email" json:"email"`
	Status           string `db:"status" json:"status"`
	SubscriptionPlan string `db:"subscription_plan" json:"subscription_plan"`
	DatabaseName     string `db:"database_name" json:"database_name"`
	DatabaseServer   string `db:"database_server" json:"database_server"`
}

// Active reports whether the tenant may be served.
func (r Record) Active() bool { return r.Status == StatusActive }
