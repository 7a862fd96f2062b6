package database

import (
	"net"
	"time"

	"github.com/go-sql-driver/mysql"
)

// DefaultPort is appended to a server address that carries none.
const DefaultPort = "3306"

// Target names one database on one server, as stored in the tenant
// directory.
type Target struct {
	Server   string
	Database string
}

func (t Target) String() string { return t.Server + "/" + t.Database }

// Credentials authenticate against a tenant server.
type Credentials struct {
	User     string
	Password string
}

// Timeouts bound the driver's dial and per-statement socket I/O.
type Timeouts struct {
	Dial time.Duration
	IO   time.Duration
}

// TenantDSN renders a MySQL DSN for t.  Times are parsed into time.Time.
func TenantDSN(t Target, c Credentials, to Timeouts) string {
	cfg := mysql.NewConfig()
	cfg.User = c.User
	cfg.Passwd = c.Password
	cfg.Net = "tcp"
	cfg.Addr = withDefaultPort(t.Server)
	cfg.DBName = t.Database
	cfg.ParseTime = true
	applyTimeouts(cfg, to)
	return cfg.FormatDSN()
}

// WithPassword injects password into dsn and fills timeouts the DSN leaves
// unset.  An empty password keeps whatever the DSN already carries.
func WithPassword(dsn, password string, to Timeouts) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", err
	}
	if password != "" {
		cfg.Passwd = password
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = to.Dial
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = to.IO
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = to.IO
	}
	return cfg.FormatDSN(), nil
}

func applyTimeouts(cfg *mysql.Config, to Timeouts) {
	cfg.Timeout = to.Dial
	cfg.ReadTimeout = to.IO
	cfg.WriteTimeout = to.IO
}

func withDefaultPort(server string) string {
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(server, DefaultPort)
}
