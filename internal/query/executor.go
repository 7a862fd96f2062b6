// internal/query/executor.go
//
// Per-tenant statement executor.
//
// Context
// -------
// Callers that only need to run SQL against one tenant ask the router for
// an Executor instead of handling pools directly.  Every statement gets its
// own deadline of RequestTimeout, layered on top of whatever deadline the
// caller's context already carries.
//
// Usage
// -----
//
//	ex, err := query.For(ctx, router, tenantID)
//	if err != nil { … }
//	var n int
//	err = ex.Get(ctx, &n, `SELECT COUNT(*) FROM products`)
//
// Notes
// -----
//   - An Executor is cheap and short-lived; build one per unit of work.
//     The pool it wraps may be reaped once the Executor goes idle.
//   - Oxford commas, two spaces after periods.
package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/yanizio/tenantdb/internal/tenant"
)

// ErrPoolClosed is returned when the wrapped pool was closed underneath the
// Executor.  Fetch a fresh Executor and retry.
var ErrPoolClosed = errors.New("tenant pool closed")

// Executor runs statements against one tenant pool.
type Executor struct {
	pool    tenant.Pool
	timeout time.Duration
}

// New wraps pool.  A non-positive timeout disables the per-statement bound.
func New(pool tenant.Pool, timeout time.Duration) *Executor {
	return &Executor{pool: pool, timeout: timeout}
}

// Router is the part of *tenant.Router that For needs.
type Router interface {
	Conn(ctx context.Context, tenantID string) (tenant.Pool, error)
	Config() tenant.Config
}

// For resolves tenantID through r and returns an Executor bounded by the
// router's RequestTimeout.
func For(ctx context.Context, r Router, tenantID string) (*Executor, error) {
	p, err := r.Conn(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return New(p, r.Config().RequestTimeout), nil
}

// Get scans a single row into dest.  sql.ErrNoRows is returned unchanged.
func (e *Executor) Get(ctx context.Context, dest any, q string, args ...any) error {
	db, ctx, cancel, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	if err := db.GetContext(ctx, dest, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return fmt.Errorf("query get: %w", err)
	}
	return nil
}

// Select scans every row into dest, which must be a pointer to a slice.
func (e *Executor) Select(ctx context.Context, dest any, q string, args ...any) error {
	db, ctx, cancel, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	if err := db.SelectContext(ctx, dest, q, args...); err != nil {
		return fmt.Errorf("query select: %w", err)
	}
	return nil
}

// Exec runs a statement that returns no rows.
func (e *Executor) Exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	db, ctx, cancel, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	res, err := db.ExecContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query exec: %w", err)
	}
	return res, nil
}

// NamedExec runs a statement with :name placeholders bound from arg.
func (e *Executor) NamedExec(ctx context.Context, q string, arg any) (sql.Result, error) {
	db, ctx, cancel, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	res, err := db.NamedExecContext(ctx, q, arg)
	if err != nil {
		return nil, fmt.Errorf("query named exec: %w", err)
	}
	return res, nil
}

func (e *Executor) begin(ctx context.Context) (*sqlx.DB, context.Context, context.CancelFunc, error) {
	if !e.pool.Connected() {
		return nil, ctx, func() {}, ErrPoolClosed
	}
	if e.timeout <= 0 {
		return e.pool.DB(), ctx, func() {}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	return e.pool.DB(), ctx, cancel, nil
}
