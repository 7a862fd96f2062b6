package tenant

import (
	"context"
	"sync/atomic"

	"github.com/jmoiron/sqlx"

	"github.com/yanizio/tenantdb/internal/database"
	"github.com/yanizio/tenantdb/internal/tenant/meta"
)

// Pool is one pooled handle to a database.  Close is idempotent and a closed
// Pool reports Connected() == false from the moment Close starts.
type Pool interface {
	DB() *sqlx.DB
	Connected() bool
	Close() error
}

// PoolFactory opens the pool for one tenant record.
type PoolFactory interface {
	Open(ctx context.Context, rec meta.Record) (Pool, error)
}

// MasterOpener opens the master directory pool.
type MasterOpener func(ctx context.Context) (Pool, error)

//
// database/sql implementation
//

type sqlPool struct {
	db     *sqlx.DB
	closed atomic.Bool
}

// NewPool wraps an open *sqlx.DB.
func NewPool(db *sqlx.DB) Pool { return &sqlPool{db: db} }

func (p *sqlPool) DB() *sqlx.DB { return p.db }

func (p *sqlPool) Connected() bool { return !p.closed.Load() }

func (p *sqlPool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.db.Close()
}

// SQLPoolFactory opens MySQL pools using one set of service credentials for
// every tenant server.
type SQLPoolFactory struct {
	Config      Config
	Credentials database.Credentials
}

// Open dials rec.DatabaseServer/rec.DatabaseName and blocks up to
// Config.ConnectionTimeout.
func (f SQLPoolFactory) Open(ctx context.Context, rec meta.Record) (Pool, error) {
	cfg := f.Config.withDefaults()
	target := database.Target{Server: rec.DatabaseServer, Database: rec.DatabaseName}
	dsn := database.TenantDSN(target, f.Credentials, cfg.timeouts())

	db, err := database.OpenWithOptions(ctx, dsn, cfg.poolOptions())
	if err != nil {
		return nil, &ConnectionError{Target: target.String(), Err: err}
	}
	return NewPool(db), nil
}

// SQLMaster returns a MasterOpener for a complete master DSN.  The pool uses
// the same sizing and timeouts as tenant pools.
func SQLMaster(dsn string, cfg Config) MasterOpener {
	cfg = cfg.withDefaults()
	return func(ctx context.Context) (Pool, error) {
		db, err := database.OpenWithOptions(ctx, dsn, cfg.poolOptions())
		if err != nil {
			return nil, err
		}
		return NewPool(db), nil
	}
}
