// Package relay implements the client-facing WebSocket frontend and the
// relay's HTTP surfaces.
//
// The server owns the full per-connection lifecycle: authenticate, greet,
// await init_session, acquire an upstream session from the pool, hand both
// sockets to a router, and release everything on any exit path. Alongside
// /ws it mounts the JSON metrics snapshot (/metrics), the Prometheus scrape
// endpoint (/metrics/prometheus), and the health probes.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxrelay/voxrelay/internal/accounting"
	"github.com/voxrelay/voxrelay/internal/auth"
	"github.com/voxrelay/voxrelay/internal/health"
	"github.com/voxrelay/voxrelay/internal/observe"
	"github.com/voxrelay/voxrelay/internal/pool"
	"github.com/voxrelay/voxrelay/internal/registry"
)

// toolListTimeout bounds the per-connection registry catalogue fetch.
const toolListTimeout = 3 * time.Second

// Config wires a [Server]. Store, Pool, Limiter, and Ledger are required.
type Config struct {
	Store    auth.Store
	Pool     *pool.Pool
	Limiter  *accounting.Limiter
	Ledger   *accounting.Ledger
	Registry registry.Registry // optional

	// InitTimeout bounds the wait for init_session; defaults to 5 s.
	InitTimeout time.Duration

	// IdleTimeout closes connections with no client traffic; zero disables.
	IdleTimeout time.Duration

	// RegionMultiplier scales projected costs in /metrics; defaults to 1.
	RegionMultiplier float64

	Metrics *observe.Metrics
}

// Server is the relay frontend. Create with [New]; serve via [Server.Handler].
type Server struct {
	store    auth.Store
	pool     *pool.Pool
	limiter  *accounting.Limiter
	ledger   *accounting.Ledger
	reg      registry.Registry
	metrics  *observe.Metrics
	health   *health.Handler
	initTmo  time.Duration
	idleTmo  time.Duration
	costMult float64

	mu      sync.Mutex
	conns   map[string]context.CancelFunc // conn id → router cancel
	active  map[string]int                // principal id → live connections
	tiers   map[string]auth.Tier          // principal id → tier, for /metrics
	tools   []registry.Tool               // last good registry catalogue
	closing bool
}

// New creates a Server from cfg.
func New(cfg Config) *Server {
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = 5 * time.Second
	}
	if cfg.RegionMultiplier <= 0 {
		cfg.RegionMultiplier = 1
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	s := &Server{
		store:    cfg.Store,
		pool:     cfg.Pool,
		limiter:  cfg.Limiter,
		ledger:   cfg.Ledger,
		reg:      cfg.Registry,
		metrics:  cfg.Metrics,
		initTmo:  cfg.InitTimeout,
		idleTmo:  cfg.IdleTimeout,
		costMult: cfg.RegionMultiplier,
		conns:    make(map[string]context.CancelFunc),
		active:   make(map[string]int),
		tiers:    make(map[string]auth.Tier),
	}

	s.health = health.New(health.Checker{
		Name:  "credential_store",
		Check: s.checkStore,
	})
	s.health.SetDetail(s.healthDetail)
	return s
}

// Handler returns the relay's full HTTP surface wrapped in the observability
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.Handle("GET /metrics/prometheus", promhttp.Handler())
	s.health.Register(mux)
	return observe.Middleware(s.metrics)(mux)
}

// Shutdown cancels all live connections and waits for them to wind down or
// ctx to end. The HTTP listener itself is the caller's to close.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.closing = true
	cancels := make([]context.CancelFunc, 0, len(s.conns))
	for _, cancel := range s.conns {
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		s.mu.Lock()
		remaining := len(s.conns)
		s.mu.Unlock()
		if remaining == 0 {
			return
		}
		select {
		case <-ctx.Done():
			slog.Warn("shutdown deadline reached with connections still open",
				"remaining", remaining)
			return
		case <-ticker.C:
		}
	}
}

// checkStore probes the credential store for /readyz. Stores without a Ping
// method (the in-memory store) are always ready.
func (s *Server) checkStore(ctx context.Context) error {
	if p, ok := s.store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// healthDetail reports pool occupancy, live connections, and ledger activity.
func (s *Server) healthDetail() any {
	s.mu.Lock()
	live := len(s.conns)
	s.mu.Unlock()

	detail := map[string]any{
		"pool":               s.pool.Stats(),
		"active_connections": live,
	}
	if last := s.ledger.LastActivity(); !last.IsZero() {
		detail["last_activity"] = last.UTC().Format(time.RFC3339)
	}
	return detail
}

// listTools fetches the registry catalogue, falling back to the last good
// list when the registry is slow or down. Returns nil without a registry.
func (s *Server) listTools(ctx context.Context) []registry.Tool {
	if s.reg == nil {
		return nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, toolListTimeout)
	tools, err := s.reg.ListTools(fetchCtx)
	cancel()
	if err != nil {
		s.mu.Lock()
		cached := s.tools
		s.mu.Unlock()
		slog.Warn("tool registry unavailable, using cached catalogue",
			"cached", len(cached), "error", err)
		return cached
	}

	s.mu.Lock()
	s.tools = tools
	s.mu.Unlock()
	return tools
}

// Registration failures; handleWS maps them to close codes.
var (
	errQuotaExceeded = errors.New("relay: concurrent session quota exceeded")
	errDraining      = errors.New("relay: server draining")
)

// register tracks a live connection; the returned func unregisters it. The
// concurrent-session quota is checked under the same lock as the registration
// itself, so two racing upgrades cannot both slip in at the limit.
// maxSessions <= 0 disables the quota.
func (s *Server) register(connID string, principal auth.Principal, maxSessions int, cancel context.CancelFunc) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return nil, errDraining
	}
	if maxSessions > 0 && s.active[principal.ID] >= maxSessions {
		return nil, errQuotaExceeded
	}
	s.conns[connID] = cancel
	s.active[principal.ID]++
	s.tiers[principal.ID] = principal.Tier

	return func() {
		s.mu.Lock()
		delete(s.conns, connID)
		if s.active[principal.ID]--; s.active[principal.ID] <= 0 {
			delete(s.active, principal.ID)
		}
		s.mu.Unlock()
	}, nil
}

// draining reports whether Shutdown has begun.
func (s *Server) draining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}
