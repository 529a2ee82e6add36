// Package app wires the relay subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject fakes via functional options (WithAuthStore,
// WithMinter, WithRegistry). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/voxrelay/voxrelay/internal/accounting"
	"github.com/voxrelay/voxrelay/internal/auth"
	"github.com/voxrelay/voxrelay/internal/config"
	"github.com/voxrelay/voxrelay/internal/minter"
	"github.com/voxrelay/voxrelay/internal/pool"
	"github.com/voxrelay/voxrelay/internal/registry"
	"github.com/voxrelay/voxrelay/internal/relay"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	// Subsystems — initialised in New, torn down in Shutdown.
	store   auth.Store
	mint    minter.Minter
	pool    *pool.Pool
	limiter *accounting.Limiter
	ledger  *accounting.Ledger
	reg     registry.Registry
	relay   *relay.Server
	httpSrv *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithAuthStore injects a credential store instead of building one from config.
func WithAuthStore(s auth.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMinter injects a credential minter instead of the HTTP minter.
func WithMinter(m minter.Minter) Option {
	return func(a *App) { a.mint = m }
}

// WithRegistry injects a tool registry instead of building one from config.
func WithRegistry(r registry.Registry) Option {
	return func(a *App) { a.reg = r }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together: credential store →
// minter → session pool → accounting → relay frontend. Use Option functions
// to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Credential store ──────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Minter + session pool ─────────────────────────────────────────
	a.initPool()

	// ── 3. Accounting ────────────────────────────────────────────────────
	a.limiter = accounting.NewLimiter(cfg.RateLimit.Capacity, cfg.RateLimit.RefillPerMin)
	a.ledger = accounting.NewLedger()

	// ── 4. Tool registry ─────────────────────────────────────────────────
	if err := a.initRegistry(ctx); err != nil {
		return nil, fmt.Errorf("app: init registry: %w", err)
	}

	// ── 5. Relay frontend ────────────────────────────────────────────────
	a.relay = relay.New(relay.Config{
		Store:            a.store,
		Pool:             a.pool,
		Limiter:          a.limiter,
		Ledger:           a.ledger,
		Registry:         a.reg,
		InitTimeout:      cfg.Server.InitTimeout.Std(),
		IdleTimeout:      cfg.Server.IdleTimeout.Std(),
		RegionMultiplier: cfg.Accounting.RegionMultiplier,
	})

	a.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.relay.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore builds the Postgres store when a DSN is configured, else the
// in-memory store seeded from config.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil // injected
	}

	if dsn := a.cfg.Auth.PostgresDSN; dsn != "" {
		store, err := auth.NewPGStore(ctx, dsn)
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
		slog.Info("credential store ready", "backend", "postgres")
		return nil
	}

	seeds := make([]auth.Seed, 0, len(a.cfg.Auth.Users))
	for _, u := range a.cfg.Auth.Users {
		seeds = append(seeds, auth.Seed{
			Name:     u.Name,
			Tier:     auth.Tier(u.Tier),
			Token:    u.APIKey,
			Username: u.Username,
			Password: u.Password,
			Disabled: u.Disabled,
		})
	}
	a.store = auth.NewMemStore(seeds...)
	slog.Info("credential store ready", "backend", "memory", "users", len(seeds))
	return nil
}

// initPool builds the ephemeral-credential minter (wrapped in a circuit
// breaker) and the upstream session pool on top of it.
func (a *App) initPool() {
	if a.mint == nil {
		a.mint = minter.NewBreaker(minter.New(a.cfg.Upstream.BaseURL, a.cfg.Upstream.APIKey))
	}
	a.pool = pool.New(a.cfg.Upstream.WSURL, a.mint,
		pool.WithCapacity(a.cfg.Pool.Capacity),
	)
	a.closers = append(a.closers, func() error {
		a.pool.Close()
		return nil
	})
}

// initRegistry builds the configured tool registry backend, if any.
func (a *App) initRegistry(ctx context.Context) error {
	if a.reg != nil {
		return nil // injected
	}

	rc := a.cfg.Registry
	switch {
	case rc.HTTPURL != "":
		a.reg = registry.NewHTTP(rc.HTTPURL)
		slog.Info("tool registry ready", "backend", "http", "url", rc.HTTPURL)
	case rc.MCPCommand != "" || rc.MCPURL != "":
		reg, err := registry.NewMCP(ctx, registry.MCPConfig{
			Command: rc.MCPCommand,
			URL:     rc.MCPURL,
		})
		if err != nil {
			return err
		}
		a.reg = reg
		a.closers = append(a.closers, reg.Close)
		slog.Info("tool registry ready", "backend", "mcp")
	}
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until the listener fails or ctx is cancelled. On
// cancellation it drains connections and returns nil.
func (a *App) Run(ctx context.Context) error {
	if interval := a.cfg.Accounting.JournalInterval.Std(); interval > 0 {
		go a.journalLoop(ctx, interval)
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpSrv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("relay listening",
		"addr", a.cfg.Server.ListenAddr,
		"tls", a.cfg.Server.TLS != nil,
	)

	select {
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
		return nil
	}
}

// journalLoop periodically writes ledger snapshots to the Postgres usage
// journal. Only runs when the store is Postgres-backed.
func (a *App) journalLoop(ctx context.Context, interval time.Duration) {
	pg, ok := a.store.(*auth.PGStore)
	if !ok {
		slog.Warn("usage journaling requires the postgres store; disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.journalOnce(ctx, pg); err != nil {
				slog.Warn("usage journal write failed", "error", err)
			}
		}
	}
}

func (a *App) journalOnce(ctx context.Context, pg *auth.PGStore) error {
	snapshots := a.ledger.SnapshotAll()
	if len(snapshots) == 0 {
		return nil
	}
	rows := make([]auth.UsageRow, 0, len(snapshots))
	for _, s := range snapshots {
		rows = append(rows, auth.UsageRow{
			PrincipalID:      s.PrincipalID,
			InputTokens:      s.InputTokens,
			OutputTokens:     s.OutputTokens,
			AudioInputTicks:  s.AudioInputTicks,
			AudioOutputTicks: s.AudioOutputTicks,
			CachedTokens:     s.CachedTokens,
			Requests:         s.Requests,
			Errors:           s.Errors,
		})
	}

	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return pg.RecordUsage(writeCtx, rows)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears everything down in order: stop accepting HTTP, drain live
// relay connections, then run closers (pool, store, registry) in init order.
// It respects the context deadline: if ctx expires, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.httpSrv.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "error", err)
		}
		a.relay.Shutdown(ctx)

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "error", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
