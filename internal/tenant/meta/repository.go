// internal/tenant/meta/repository.go
//
// Tenant-directory query helpers.
//
// Context
// -------
// These functions provide read-only access to the **tenants** table in the
// master database:
//
//   - `ByID`       : router cache miss on a tenant id.
//   - `BySlug`     : slug lookups; never cached by the router.
//   - `AllActive`  : admin tooling, batch reports.
//   - `CountActive`: boot-time sanity check.
//
// Inactive rows are filtered at SQL level, so "unknown" and "inactive" look
// the same to callers: both return (nil, nil).
//
// Notes
// -----
//   - Column list matches the fields in `Record`; update both together.
//   - Errors other than sql.ErrNoRows are returned verbatim so the caller
//     can wrap or log them.
package meta

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

const columns = `id, name, slug, email, status, subscription_plan,
               database_name, database_server`

// ByID fetches the active tenant with the given id.  A missing or inactive
// tenant yields (nil, nil).
func ByID(ctx context.Context, db *sqlx.DB, id string) (*Record, error) {
	const q = `
        SELECT ` + columns + `
        FROM   tenants
        WHERE  id = ?
          AND  status = ?
        LIMIT  1`
	return getOne(ctx, db, q, id)
}

// BySlug is ByID keyed by the tenant's unique slug.
func BySlug(ctx context.Context, db *sqlx.DB, slug string) (*Record, error) {
	const q = `
        SELECT ` + columns + `
        FROM   tenants
        WHERE  slug = ?
          AND  status = ?
        LIMIT  1`
	return getOne(ctx, db, q, slug)
}

func getOne(ctx context.Context, db *sqlx.DB, q, key string) (*Record, error) {
	var rec Record
	if err := db.GetContext(ctx, &rec, q, key, StatusActive); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// AllActive returns every active tenant ordered by name.  Intended for admin
// dashboards or batch operations, not the request path.
func AllActive(ctx context.Context, db *sqlx.DB) ([]Record, error) {
	const q = `
        SELECT ` + columns + `
        FROM   tenants
        WHERE  status = ?
        ORDER  BY name`
	var rows []Record
	if err := db.SelectContext(ctx, &rows, q, StatusActive); err != nil {
		return nil, err
	}
	return rows, nil
}

// CountActive returns the number of active tenants.
func CountActive(ctx context.Context, db *sqlx.DB) (int, error) {
	const q = `SELECT COUNT(*) FROM tenants WHERE status = ?`
	var n int
	if err := db.GetContext(ctx, &n, q, StatusActive); err != nil {
		return 0, err
	}
	return n, nil
}
