// cmd/routerd/main.go
//
// tenantdb router daemon.
//
// Boot sequence
// -------------
//
//  1. Load env vars (jail-wide file, then .env fallback).
//
//  2. Connect to Vault when VAULT_ADDR is set, so `vault:` config values
//     resolve.
//
//  3. Load config, then start the daily rotating logger (tees to console
//     when running in a TTY).
//
//  4. Build the tenant router, open the master directory pool, and log the
//     active-tenant count as an early sanity check.
//
//  5. Serve /healthz, /metrics, and /debug/tenants on the diagnostics
//     listener.
//
//  6. On SIGINT or SIGTERM, stop the listener, then close every tenant pool
//     and the master pool.
//
// Large comment blocks are framed by blank "//" lines; inline comments use
// a single "//".
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/yanizio/tenantdb/internal/config"
	"github.com/yanizio/tenantdb/internal/database"
	"github.com/yanizio/tenantdb/internal/logger"
	"github.com/yanizio/tenantdb/internal/server"
	"github.com/yanizio/tenantdb/internal/tenant"
	"github.com/yanizio/tenantdb/internal/tenant/meta"
	"github.com/yanizio/tenantdb/internal/vault"
)

const serverEnvPath = "/usr/local/etc/tenantdb/global.env"

// loadEnv prefers the jail-wide env file; on dev it falls back to .env.
func loadEnv() {
	if _, err := os.Stat(serverEnvPath); err == nil {
		_ = godotenv.Load(serverEnvPath)
		return
	}
	_ = godotenv.Load()
}

func init() { loadEnv() }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("routerd: %v", err)
	}
}

func run(ctx context.Context) error {
	//
	// ── 1.  Secrets and config ──────────────────────────────────────────
	//
	var res config.SecretResolver
	if os.Getenv("VAULT_ADDR") != "" {
		ttl, err := config.VaultCacheTTL()
		if err != nil {
			return err
		}
		cli, err := vault.New(ctx, zap.L(), ttl)
		if err != nil {
			return err
		}
		res = cli
	}

	cfg, err := config.Load(ctx, res)
	if err != nil {
		return err
	}

	zl, err := logger.New(logger.Options{
		Dir:   cfg.Log.Dir,
		Level: cfg.Log.Level,
		Tee:   logger.RunningInTTY(),
	})
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()

	//
	// ── 2.  Tenant router and master pool ───────────────────────────────
	//
	tc := cfg.Router.TenantConfig()
	masterDSN, err := database.WithPassword(cfg.Database.MasterDSN, cfg.Database.MasterPassword,
		database.Timeouts{Dial: tc.ConnectionTimeout, IO: tc.RequestTimeout})
	if err != nil {
		return err
	}

	router := tenant.New(tc,
		tenant.SQLMaster(masterDSN, tc),
		tenant.SQLPoolFactory{Config: tc, Credentials: cfg.Database.TenantCredentials()},
		tenant.WithLogger(zl.Named("router")),
	)
	if err := router.Initialize(ctx); err != nil {
		return err
	}
	defer func() {
		if err := router.Close(); err != nil {
			zl.Error("router close failed", zap.Error(err))
		}
	}()

	if m, err := router.Master(); err == nil {
		if n, err := meta.CountActive(ctx, m.DB()); err == nil {
			zl.Info("tenant directory online", zap.Int("active_tenants", n))
		} else {
			zl.Warn("active tenant count failed", zap.Error(err))
		}
	}

	//
	// ── 3.  Diagnostics listener ────────────────────────────────────────
	//
	srv := server.New(cfg.HTTP.ListenAddr, server.Handler(router, zl.Named("http")))
	errc := make(chan error, 1)
	go func() {
		zl.Info("diagnostics listening", zap.String("addr", cfg.HTTP.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	//
	// ── 4.  Shutdown ────────────────────────────────────────────────────
	//
	select {
	case <-ctx.Done():
		zl.Info("shutdown requested")
	case err := <-errc:
		if err != nil {
			return err
		}
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}
