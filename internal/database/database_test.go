// internal/database/database_test.go
//
// Pool configuration and DSN helpers, driven through sqlmock.
//
// Run: go test ./internal/database -v

package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, DriverName), mock
}

func TestConfigurePingsAndAppliesLimits(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectPing()

	opts := Options{MaxOpenConns: 7, MaxIdleConns: 3, ConnectTimeout: time.Second}
	if err := Configure(context.Background(), db, opts); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if got := db.Stats().MaxOpenConnections; got != 7 {
		t.Fatalf("MaxOpenConnections = %d, want 7", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestConfigureRetriesPing(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectPing().WillReturnError(errors.New("dial tcp: connection refused"))
	mock.ExpectPing()

	opts := Options{MaxOpenConns: 1, MaxIdleConns: 1, Retries: 2, RetryBackoff: time.Millisecond, ConnectTimeout: time.Second}
	if err := Configure(context.Background(), db, opts); err != nil {
		t.Fatalf("Configure after one failed ping: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestConfigureGivesUpAfterRetries(t *testing.T) {
	db, mock := newMock(t)
	refused := errors.New("dial tcp: connection refused")
	mock.ExpectPing().WillReturnError(refused)
	mock.ExpectPing().WillReturnError(refused)

	opts := Options{MaxOpenConns: 1, MaxIdleConns: 1, Retries: 1, RetryBackoff: time.Millisecond, ConnectTimeout: time.Second}
	err := Configure(context.Background(), db, opts)
	if !errors.Is(err, refused) {
		t.Fatalf("Configure error = %v, want %v", err, refused)
	}
}

func TestTenantDSN(t *testing.T) {
	dsn := TenantDSN(
		Target{Server: "db1", Database: "AcmeDB"},
		Credentials{User: "store", Password: "s3cret"},
		Timeouts{Dial: 5 * time.Second, IO: 10 * time.Second},
	)
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		t.Fatalf("ParseDSN(%q): %v", dsn, err)
	}
	if cfg.Addr != "db1:3306" || cfg.DBName != "AcmeDB" {
		t.Fatalf("unexpected target: addr=%q db=%q", cfg.Addr, cfg.DBName)
	}
	if cfg.User != "store" || cfg.Passwd != "s3cret" {
		t.Fatalf("unexpected credentials: %q/%q", cfg.User, cfg.Passwd)
	}
	if cfg.Timeout != 5*time.Second || cfg.ReadTimeout != 10*time.Second || cfg.WriteTimeout != 10*time.Second {
		t.Fatalf("unexpected timeouts: %v %v %v", cfg.Timeout, cfg.ReadTimeout, cfg.WriteTimeout)
	}
	if !cfg.ParseTime {
		t.Fatalf("parseTime not set")
	}
}

func TestTenantDSNKeepsExplicitPort(t *testing.T) {
	cfg, err := mysql.ParseDSN(TenantDSN(Target{Server: "10.0.0.4:3307", Database: "x"}, Credentials{}, Timeouts{}))
	if err != nil {
		t.Fatalf("ParseDSN: %v", err)
	}
	if cfg.Addr != "10.0.0.4:3307" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
}

func TestWithPassword(t *testing.T) {
	out, err := WithPassword("master@tcp(127.0.0.1:3306)/directory?readTimeout=2s",
		"pw", Timeouts{Dial: time.Second, IO: 9 * time.Second})
	if err != nil {
		t.Fatalf("WithPassword: %v", err)
	}
	cfg, err := mysql.ParseDSN(out)
	if err != nil {
		t.Fatalf("ParseDSN: %v", err)
	}
	if cfg.Passwd != "pw" {
		t.Fatalf("password not injected")
	}
	if cfg.ReadTimeout != 2*time.Second {
		t.Fatalf("explicit readTimeout overwritten: %v", cfg.ReadTimeout)
	}
	if cfg.Timeout != time.Second || cfg.WriteTimeout != 9*time.Second {
		t.Fatalf("defaults not filled: %v %v", cfg.Timeout, cfg.WriteTimeout)
	}

	if _, err := WithPassword("not a dsn", "", Timeouts{}); err == nil {
		t.Fatalf("expected parse error")
	}
}
