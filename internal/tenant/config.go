package tenant

import (
	"time"

	"github.com/yanizio/tenantdb/internal/database"
)

// Static defaults.  Override through internal/config.
const (
	DefaultMaxPoolSize          = 10
	DefaultMinPoolSize          = 0
	DefaultIdleTimeout          = 30 * time.Second
	DefaultConnectionTimeout    = 30 * time.Second
	DefaultRequestTimeout       = 30 * time.Second
	DefaultCacheCleanupInterval = 60 * time.Second
	DefaultMaxCacheAge          = 5 * time.Minute
)

// Config sizes tenant pools and drives cache expiry.  It is copied into the
// Router at construction and never changes afterwards.
type Config struct {
	MaxPoolSize          int           // max open connections per tenant pool
	MinPoolSize          int           // connections warmed when a pool opens
	IdleTimeout          time.Duration // idle connection lifetime inside a pool
	ConnectionTimeout    time.Duration // bounds opening a pool, master included
	RequestTimeout       time.Duration // per-statement socket I/O bound
	CacheCleanupInterval time.Duration // reaper tick
	MaxCacheAge          time.Duration // TTL for both caches
	MaxTenants           int           // 0 disables LRU pressure on cached pools
}

// DefaultConfig returns pool size 10/0, 30s timeouts, a 60s reaper tick, and
// a five-minute cache age.
func DefaultConfig() Config {
	return Config{
		MaxPoolSize:          DefaultMaxPoolSize,
		MinPoolSize:          DefaultMinPoolSize,
		IdleTimeout:          DefaultIdleTimeout,
		ConnectionTimeout:    DefaultConnectionTimeout,
		RequestTimeout:       DefaultRequestTimeout,
		CacheCleanupInterval: DefaultCacheCleanupInterval,
		MaxCacheAge:          DefaultMaxCacheAge,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxPoolSize <= 0 {
		c.MaxPoolSize = d.MaxPoolSize
	}
	if c.MinPoolSize < 0 {
		c.MinPoolSize = 0
	}
	if c.MinPoolSize > c.MaxPoolSize {
		c.MinPoolSize = c.MaxPoolSize
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = d.ConnectionTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.CacheCleanupInterval <= 0 {
		c.CacheCleanupInterval = d.CacheCleanupInterval
	}
	if c.MaxCacheAge <= 0 {
		c.MaxCacheAge = d.MaxCacheAge
	}
	return c
}

func (c Config) poolOptions() database.Options {
	return database.Options{
		MaxOpenConns:    c.MaxPoolSize,
		MaxIdleConns:    c.MaxPoolSize,
		MinConns:        c.MinPoolSize,
		ConnMaxIdleTime: c.IdleTimeout,
		ConnectTimeout:  c.ConnectionTimeout,
		Retries:         2,
		RetryBackoff:    250 * time.Millisecond,
	}
}

func (c Config) timeouts() database.Timeouts {
	return database.Timeouts{Dial: c.ConnectionTimeout, IO: c.RequestTimeout}
}
