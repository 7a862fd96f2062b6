// internal/vault/vault.go
//
// Vault client wrapper for secret resolution.
//
// Context
// -------
//   - Wraps the HashiCorp Vault Go SDK for the two secrets tenantdb needs at
//     boot: the master directory password and the tenant service password.
//   - Adds background token renewal, KV-v2 reads, and a small TTL cache so a
//     config reload does not hammer Vault.
//   - Secrets are referenced from config as `vault:<mount>/<path>#<key>`.
//
// Public workflow
// ---------------
//  1. cli, err := vault.New(ctx, log, 5*time.Minute)   // during boot.
//  2. pw,  err := cli.Resolve(ctx, "vault:kv/tenantdb/master#password")
//
// Notes
// -----
//   - VAULT_ADDR and VAULT_TOKEN are read from the environment by the SDK.
//   - Oxford commas, two spaces after periods, no m-dash.
package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	vault "github.com/hashicorp/vault/api"
	"go.uber.org/zap"

	"github.com/yanizio/tenantdb/internal/cache"
)

// Prefix marks a config value as a Vault reference.
const Prefix = "vault:"

// ErrBadRef is returned for malformed `vault:` references.
var ErrBadRef = errors.New("malformed vault reference")

//
// SECTION 1.  References
//

// Ref names one key inside one KV-v2 secret.
type Ref struct {
	Mount string
	Path  string
	Key   string
}

func (r Ref) String() string { return Prefix + r.Mount + "/" + r.Path + "#" + r.Key }

// IsRef reports whether s should be resolved through Vault.
func IsRef(s string) bool { return strings.HasPrefix(s, Prefix) }

// ParseRef parses `vault:<mount>/<path>#<key>`.
func ParseRef(s string) (Ref, error) {
	if !IsRef(s) {
		return Ref{}, fmt.Errorf("%w: %q lacks %q prefix", ErrBadRef, s, Prefix)
	}
	body := strings.TrimPrefix(s, Prefix)

	loc, key, ok := strings.Cut(body, "#")
	if !ok || key == "" {
		return Ref{}, fmt.Errorf("%w: %q has no #key", ErrBadRef, s)
	}
	mount, path, ok := strings.Cut(loc, "/")
	if !ok || mount == "" || path == "" {
		return Ref{}, fmt.Errorf("%w: %q needs mount/path", ErrBadRef, s)
	}
	return Ref{Mount: mount, Path: path, Key: key}, nil
}

//
// SECTION 2.  Client
//

// KV reads one KV-v2 secret.  *vault.KVv2 satisfies it through kvAdapter.
type KV interface {
	Get(ctx context.Context, mount, path string) (map[string]any, error)
}

// Client is safe for concurrent use.  Create once at startup.  Zero value is
// invalid.
type Client struct {
	api   *vault.Client
	kv    KV
	log   *zap.Logger
	cache *cache.TTL[string, string]
}

// New constructs a Vault client from the environment and starts a background
// token-renewal loop bound to ctx.  Resolved values are cached for cacheTTL;
// zero disables caching.
func New(ctx context.Context, log *zap.Logger, cacheTTL time.Duration) (*Client, error) {
	cfg := vault.DefaultConfig()
	if err := cfg.ReadEnvironment(); err != nil {
		return nil, fmt.Errorf("vault env cfg: %w", err)
	}
	api, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault api: %w", err)
	}

	c := NewWithKV(kvAdapter{api: api}, log, cacheTTL)
	c.api = api
	go c.renewLoop(ctx)
	return c, nil
}

// NewWithKV builds a Client over any KV reader, without token renewal.
func NewWithKV(kv KV, log *zap.Logger, cacheTTL time.Duration) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{kv: kv, log: log.Named("vault")}
	if cacheTTL > 0 {
		c.cache = cache.New[string, string](cache.Config{MaxAge: cacheTTL}, nil)
	}
	return c
}

// Resolve returns the secret behind a `vault:` reference.
func (c *Client) Resolve(ctx context.Context, s string) (string, error) {
	ref, err := ParseRef(s)
	if err != nil {
		return "", err
	}
	return c.GetKV(ctx, ref)
}

// GetKV fetches ref.Key from a KV-v2 secret.
func (c *Client) GetKV(ctx context.Context, ref Ref) (string, error) {
	canonical := ref.String()
	if c.cache != nil {
		if v, ok := c.cache.Get(canonical); ok {
			return v, nil
		}
	}

	data, err := c.kv.Get(ctx, ref.Mount, ref.Path)
	if err != nil {
		return "", fmt.Errorf("vault get %s/%s: %w", ref.Mount, ref.Path, err)
	}
	raw, ok := data[ref.Key]
	if !ok {
		return "", fmt.Errorf("key %q not found in secret %s/%s", ref.Key, ref.Mount, ref.Path)
	}
	val, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("value at %s is not a string", canonical)
	}

	if c.cache != nil {
		c.cache.Set(canonical, val)
	}
	return val, nil
}

type kvAdapter struct{ api *vault.Client }

func (a kvAdapter) Get(ctx context.Context, mount, path string) (map[string]any, error) {
	sec, err := a.api.KVv2(mount).Get(ctx, path)
	if err != nil {
		return nil, err
	}
	return sec.Data, nil
}

//
// SECTION 3.  Background token renewal
//

func (c *Client) renewLoop(ctx context.Context) {
	for ctx.Err() == nil {
		wait := c.watchToken(ctx)
		sleep(ctx, wait)
	}
}

// watchToken renews the current token until the watcher gives up and
// returns how long to wait before probing again.
func (c *Client) watchToken(ctx context.Context) time.Duration {
	sec, err := c.api.Auth().Token().RenewSelfWithContext(ctx, 0)
	if err != nil {
		c.log.Warn("token renew self failed", zap.Error(err))
		return 30 * time.Second
	}
	if sec == nil || sec.Auth == nil || !sec.Auth.Renewable {
		c.log.Info("token is not renewable, sleeping 1h")
		return time.Hour
	}

	w, err := c.api.NewLifetimeWatcher(&vault.LifetimeWatcherInput{Secret: sec})
	if err != nil {
		c.log.Warn("lifetime watcher init failed", zap.Error(err))
		return 30 * time.Second
	}
	go w.Start()
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0
		case err := <-w.DoneCh():
			if err != nil {
				c.log.Warn("token renewal stopped", zap.Error(err))
			}
			return 15 * time.Second
		case ev := <-w.RenewCh():
			if ev != nil && ev.Secret != nil && ev.Secret.Auth != nil {
				c.log.Debug("token renewed", zap.Int("ttl_seconds", ev.Secret.Auth.LeaseDuration))
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
