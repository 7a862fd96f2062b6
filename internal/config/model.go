// internal/config/model.go
//
// Typed configuration model for routerd.
//
// Context
// -------
// These structs define the shape of the configuration tree that
// `internal/config/loader.go` builds from four overlay layers:
//
//   - built-in defaults                          (lowest precedence),
//   - optional `.env`                            (dotenv values),
//   - `conf/global.yaml`                         (primary static file),
//   - `TENANTDB_`-prefixed environment overrides (highest precedence).
//
// Any value whose string begins with the prefix `vault:` is resolved
// through the Vault client before unmarshalling, so the model never
// stores Vault references, only plain strings.
//
// Notes
// -----
//   - Struct tags use `koanf:"…"`, not `yaml:"…"`.  Koanf ignores `yaml`
//     tags unless configured otherwise.
//   - The `Paths` block is filled at runtime; YAML must not try to set it.
//   - Oxford commas, two spaces after periods.  No em-dash.

package config

import (
	"time"

	"github.com/yanizio/tenantdb/internal/database"
	"github.com/yanizio/tenantdb/internal/tenant"
)

//
// HTTP section
//

// HTTP holds the diagnostics listener.
type HTTP struct {
	ListenAddr string `koanf:"listen_addr" validate:"required,hostname_port"`
}

//
// Database section
//

// Database holds the master DSN template and the secrets injected into it.
//
// The template (`MasterDSN`) is kept in YAML so operators can tweak host,
// port, or flags without touching Vault.  The passwords are stored in Vault
// and injected at runtime.
type Database struct {
	MasterDSN      string `koanf:"master_dsn"      validate:"required,mysql_dsn"`
	MasterPassword string `koanf:"master_password" validate:"required"`
	TenantUser     string `koanf:"tenant_user"     validate:"required"`
	TenantPassword string `koanf:"tenant_password" validate:"required"`
}

// TenantCredentials returns the service account used for every tenant pool.
func (d Database) TenantCredentials() database.Credentials {
	return database.Credentials{User: d.TenantUser, Password: d.TenantPassword}
}

//
// Router section
//

// Router mirrors tenant.Config.
type Router struct {
	MaxPoolSize          int           `koanf:"max_pool_size"          validate:"gt=0"`
	MinPoolSize          int           `koanf:"min_pool_size"          validate:"gte=0,ltefield=MaxPoolSize"`
	IdleTimeout          time.Duration `koanf:"idle_timeout"           validate:"gt=0"`
	ConnectionTimeout    time.Duration `koanf:"connection_timeout"     validate:"gt=0"`
	RequestTimeout       time.Duration `koanf:"request_timeout"        validate:"gt=0"`
	CacheCleanupInterval time.Duration `koanf:"cache_cleanup_interval" validate:"gt=0"`
	MaxCacheAge          time.Duration `koanf:"max_cache_age"          validate:"gt=0"`
	MaxTenants           int           `koanf:"max_tenants"            validate:"gte=0"`
}

// TenantConfig converts the section to tenant.Config.
func (r Router) TenantConfig() tenant.Config {
	return tenant.Config{
		MaxPoolSize:          r.MaxPoolSize,
		MinPoolSize:          r.MinPoolSize,
		IdleTimeout:          r.IdleTimeout,
		ConnectionTimeout:    r.ConnectionTimeout,
		RequestTimeout:       r.RequestTimeout,
		CacheCleanupInterval: r.CacheCleanupInterval,
		MaxCacheAge:          r.MaxCacheAge,
		MaxTenants:           r.MaxTenants,
	}
}

//
// Log and Vault sections
//

// Log configures internal/logger.
type Log struct {
	Dir   string `koanf:"dir"`
	Level string `koanf:"level" validate:"omitempty,oneof=debug info warn error"`
}

// Vault tunes secret resolution.
type Vault struct {
	CacheTTL time.Duration `koanf:"cache_ttl" validate:"gte=0"`
}

//
// Paths section (runtime only)
//

// Paths is resolved at runtime, never set in YAML or env.
type Paths struct {
	Root string // TENANTDB_ROOT or discovered parent
}

//
// Root aggregate
//

// Config is the immutable aggregate returned by Load() and cached in an
// atomic.Pointer for lock-free reads.
type Config struct {
	HTTP     HTTP     `koanf:"http"`
	Database Database `koanf:"database"`
	Router   Router   `koanf:"router"`
	Log      Log      `koanf:"log"`
	Vault    Vault    `koanf:"vault"`
	Paths    Paths    `koanf:"-"`
}
