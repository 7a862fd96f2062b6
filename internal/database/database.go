// Package database centralises sqlx connection helpers.  The default driver
// is go-sql-driver/mysql, which also works with MariaDB and TiDB when
// configured for the MySQL wire protocol.
//
// Public entry points:
//
//	Open(ctx, dsn)                   – quick helper with conservative pool sizes.
//	OpenWithOptions(ctx, dsn, opts)  – fine-grained control, used per tenant.
//	Configure(ctx, db, opts)         – applies Options to an already open pool.
//
// All helpers Ping the database before returning so callers fail fast.  The
// Ping is retried with exponential backoff but never beyond ConnectTimeout.
// Callers should Close() the returned *sqlx.DB when no longer needed.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// DriverName is the database/sql driver every pool is opened with.
const DriverName = "mysql"

// Options tunes one pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	MinConns        int // opened eagerly once the pool is reachable
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration // bounds Ping, retries, and warm-up together
	Retries         int
	RetryBackoff    time.Duration
}

// DefaultOptions mirrors the process-wide pool used for the master database:
// 15 max open, 5 idle, and a 30-minute connection lifetime.
func DefaultOptions() Options {
	return Options{
		MaxOpenConns:    15,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnectTimeout:  30 * time.Second,
		Retries:         2,
		RetryBackoff:    500 * time.Millisecond,
	}
}

// Open returns a *sqlx.DB configured with DefaultOptions.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	return OpenWithOptions(ctx, dsn, DefaultOptions())
}

// OpenWithOptions opens a MySQL pool and hands it to Configure.  The pool is
// closed again when Configure fails.
func OpenWithOptions(ctx context.Context, dsn string, opts Options) (*sqlx.DB, error) {
	db, err := sqlx.Open(DriverName, dsn)
	if err != nil {
		return nil, err
	}
	if err := Configure(ctx, db, opts); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Configure applies pool limits, pings, and warms MinConns connections.
func Configure(ctx context.Context, db *sqlx.DB, opts Options) error {
	idle := opts.MaxIdleConns
	if opts.MinConns > idle {
		idle = opts.MinConns
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(idle)
	db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	if err := ping(ctx, db, opts); err != nil {
		return err
	}
	return warm(ctx, db.DB, opts.MinConns)
}

func ping(ctx context.Context, db *sqlx.DB, opts Options) error {
	b := backoff.NewExponentialBackOff()
	if opts.RetryBackoff > 0 {
		b.InitialInterval = opts.RetryBackoff
	}
	b.MaxElapsedTime = 0 // ctx carries the deadline

	var policy backoff.BackOff = b
	if opts.Retries >= 0 {
		policy = backoff.WithMaxRetries(b, uint64(opts.Retries))
	}

	var last error
	err := backoff.Retry(func() error {
		last = db.PingContext(ctx)
		return last
	}, backoff.WithContext(policy, ctx))
	if err != nil && last != nil && !errors.Is(err, last) {
		// The deadline won; keep the driver's reason alongside it.
		return fmt.Errorf("%w: %v", err, last)
	}
	return err
}

// warm checks out n connections at once and returns them to the idle set.
// database/sql keeps them until ConnMaxIdleTime, so this is a floor at open
// time only.
func warm(ctx context.Context, db *sql.DB, n int) error {
	conns := make([]*sql.Conn, 0, n)
	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()
	for i := 0; i < n; i++ {
		c, err := db.Conn(ctx)
		if err != nil {
			return fmt.Errorf("warm connection %d/%d: %w", i+1, n, err)
		}
		conns = append(conns, c)
	}
	return nil
}
