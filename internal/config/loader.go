// internal/config/loader.go
//
// Configuration loader.
//
/*
Context
--------
`Load()` builds one immutable `Config` struct from four layers (highest
precedence last):

  1. Built-in defaults, mirroring tenant.DefaultConfig.
  2. Optional `.env` file at `<root>/conf/.env`.
  3. `conf/global.yaml` (optional; a bare environment is enough).
  4. Environment variables prefixed `TENANTDB_`, where `__` maps to "."
     (e.g., `TENANTDB_ROUTER__MAX_POOL_SIZE → router.max_pool_size`).

After merging, every string value that starts with `vault:` is replaced
with the secret it names.  The tree is then unmarshalled into typed
structs, validated, enriched with the runtime root path, and cached in an
`atomic.Pointer` for lock-free reads.

Instrumentation
---------------
  - DEBUG spans: root discovery, YAML read, secret resolution.
  - ERROR spans: YAML parse, env overlay, unmarshal, validation failures.
  - INFO  span:  final "config loaded" with key highlights.
  - Logs use the global sugared logger (`zap.S()`) because config loads
    before the file logger is installed.

Notes
-----
  - `rootDir()` climbs the cwd tree until it finds `conf/global.yaml`; this
    lets `go run ./cmd/routerd` work from any sub-directory.
  - Oxford commas, two spaces after periods.
*/
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	koanf "github.com/knadh/koanf/v2"
	"go.uber.org/zap"

	"github.com/yanizio/tenantdb/internal/tenant"
	"github.com/yanizio/tenantdb/internal/vault"
)

// EnvPrefix marks environment overrides.
const EnvPrefix = "TENANTDB_"

// SecretResolver turns a `vault:` reference into its value.  *vault.Client
// satisfies it.
type SecretResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// ErrNoResolver is returned when the config holds `vault:` references but
// no resolver was supplied.
var ErrNoResolver = errors.New("config references vault but no resolver is configured")

var current atomic.Pointer[Config]

/*──────────────────────────── root discovery ───────────────────────────────*/

// rootDir resolves TENANTDB_ROOT or climbs directories until
// conf/global.yaml is found.  Falls back to the executable heuristic for the
// production layout.
func rootDir() string {
	if r := os.Getenv(EnvPrefix + "ROOT"); r != "" {
		return r
	}

	wd, _ := os.Getwd()
	dir := wd
	for {
		if _, err := os.Stat(filepath.Join(dir, "conf", "global.yaml")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir { // reached filesystem root
			break
		}
		dir = parent
	}

	exe, _ := os.Executable()
	if filepath.Base(filepath.Dir(exe)) == "bin" {
		return filepath.Dir(filepath.Dir(exe))
	}
	return wd
}

/*─────────────────────────────── loader ───────────────────────────────────*/

func defaults() map[string]any {
	d := tenant.DefaultConfig()
	return map[string]any{
		"http.listen_addr":              "127.0.0.1:9090",
		"router.max_pool_size":          d.MaxPoolSize,
		"router.min_pool_size":          d.MinPoolSize,
		"router.idle_timeout":           d.IdleTimeout.String(),
		"router.connection_timeout":     d.ConnectionTimeout.String(),
		"router.request_timeout":        d.RequestTimeout.String(),
		"router.cache_cleanup_interval": d.CacheCleanupInterval.String(),
		"router.max_cache_age":          d.MaxCacheAge.String(),
		"router.max_tenants":            0,
		"log.dir":                       "logs",
		"log.level":                     "info",
		"vault.cache_ttl":               "5m",
	}
}

// Load discovers the root directory and loads from it.
func Load(ctx context.Context, res SecretResolver) (*Config, error) {
	return LoadFrom(ctx, rootDir(), res)
}

// LoadFrom reads defaults, .env, YAML, and env overrides under root, resolves
// `vault:` references through res, validates, and caches Config.
func LoadFrom(ctx context.Context, root string, res SecretResolver) (*Config, error) {
	zap.S().Debugw("config root resolved", "root", root)

	k, err := layers(root)
	if err != nil {
		return nil, err
	}

	if err := resolveSecrets(ctx, k, res); err != nil {
		zap.S().Errorw("config secret resolution failed", "err", err)
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		zap.S().Errorw("config unmarshal failed", "err", err)
		return nil, err
	}

	cfg.Paths.Root = root
	if cfg.Log.Dir != "" && !filepath.IsAbs(cfg.Log.Dir) {
		cfg.Log.Dir = filepath.Join(root, cfg.Log.Dir)
	}
	if err := validateStruct(&cfg); err != nil {
		zap.S().Errorw("config validation failed", "err", err)
		return nil, err
	}

	current.Store(&cfg)
	zap.S().Infow("config loaded",
		"listen_addr", cfg.HTTP.ListenAddr,
		"max_pool_size", cfg.Router.MaxPoolSize,
		"max_cache_age", cfg.Router.MaxCacheAge,
		"root", cfg.Paths.Root,
	)
	return &cfg, nil
}

// layers merges defaults, .env, YAML, and env overrides under root.  Values
// are left unresolved.
func layers(root string) (*koanf.Koanf, error) {
	// .env (optional, no error if missing)
	_ = godotenv.Load(filepath.Join(root, "conf", ".env"))

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, err
	}

	yamlPath := filepath.Join(root, "conf", "global.yaml")
	if _, err := os.Stat(yamlPath); err == nil {
		if err := k.Load(file.Provider(yamlPath), yaml.Parser()); err != nil {
			zap.S().Errorw("config yaml load failed", "file", yamlPath, "err", err)
			return nil, err
		}
		zap.S().Debugw("config yaml loaded", "file", yamlPath)
	}

	// Env overrides: TENANTDB_ROUTER__MAX_POOL_SIZE → router.max_pool_size
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(s, EnvPrefix), "__", "."))
	}), nil); err != nil {
		zap.S().Errorw("config env overlay failed", "err", err)
		return nil, err
	}
	return k, nil
}

// VaultCacheTTL reads vault.cache_ttl under the discovered root.
func VaultCacheTTL() (time.Duration, error) { return VaultCacheTTLFrom(rootDir()) }

// VaultCacheTTLFrom reads vault.cache_ttl before a Vault client exists, so
// the client can be built with it.  Secrets are not resolved; zero disables
// the secret cache.
func VaultCacheTTLFrom(root string) (time.Duration, error) {
	k, err := layers(root)
	if err != nil {
		return 0, err
	}
	raw := k.String("vault.cache_ttl")
	ttl, err := time.ParseDuration(raw)
	if err != nil || ttl < 0 {
		return 0, fmt.Errorf("vault.cache_ttl: invalid duration %q", raw)
	}
	return ttl, nil
}

// resolveSecrets replaces every `vault:` string in k with its secret value.
func resolveSecrets(ctx context.Context, k *koanf.Koanf, res SecretResolver) error {
	var refs []string
	for key, val := range k.All() {
		if s, ok := val.(string); ok && vault.IsRef(s) {
			refs = append(refs, key)
		}
	}
	if len(refs) == 0 {
		return nil
	}
	if res == nil {
		return fmt.Errorf("%w: %s", ErrNoResolver, strings.Join(refs, ", "))
	}

	sort.Strings(refs)
	for _, key := range refs {
		val, err := res.Resolve(ctx, k.String(key))
		if err != nil {
			return fmt.Errorf("resolve %s: %w", key, err)
		}
		if err := k.Set(key, val); err != nil {
			return err
		}
		zap.S().Debugw("config secret resolved", "key", key)
	}
	return nil
}

/*──────────────────────────── helpers ─────────────────────────────────────*/

// Get returns the last successfully loaded Config, or nil.
func Get() *Config { return current.Load() }

// Reload loads again with the same resolver and swaps the cached pointer.
func Reload(ctx context.Context, res SecretResolver) error {
	_, err := Load(ctx, res)
	return err
}
