package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/voxrelay/voxrelay/internal/auth"
	"github.com/voxrelay/voxrelay/internal/event"
	"github.com/voxrelay/voxrelay/internal/registry"
	"github.com/voxrelay/voxrelay/internal/router"
)

// Close codes on the client wire protocol.
const (
	CloseNormal         = websocket.StatusNormalClosure
	CloseUnauthorized   websocket.StatusCode = 4401
	CloseInitTimeout    websocket.StatusCode = 4408
	CloseRateLimited    websocket.StatusCode = 4429
	CloseRelayInternal  websocket.StatusCode = 4500
	CloseUpstreamFailed websocket.StatusCode = 4502
)

// handleWS owns one client connection end to end.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.draining() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	connID := "conn_" + uuid.NewString()
	log := slog.Default().With("conn_id", connID, "remote", r.RemoteAddr)
	start := time.Now()

	ctx := r.Context()

	// 1. Authenticate from the upgrade request.
	principal, err := s.store.Authenticate(ctx, credentialsFrom(r))
	if err != nil {
		if errors.Is(err, auth.ErrUnavailable) {
			log.Error("credential store unavailable", "error", err)
			conn.Close(CloseRelayInternal, "relay_internal")
			return
		}
		log.Info("client rejected", "reason", "unauthorized")
		conn.Close(CloseUnauthorized, "unauthorized")
		return
	}
	log = log.With("principal_id", principal.ID)

	// 2. Enforce the concurrent-session quota and install tier bucket
	// parameters before any traffic flows.
	quotas, err := s.store.QuotaFor(ctx, principal.ID)
	if err != nil {
		log.Error("quota lookup failed", "error", err)
		conn.Close(CloseRelayInternal, "relay_internal")
		return
	}
	if quotas.RateCapacity > 0 && quotas.RateRefillPerMin > 0 {
		s.limiter.Configure(principal.ID, quotas.RateCapacity, quotas.RateRefillPerMin)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	unregister, err := s.register(connID, *principal, quotas.ConcurrentSessions, cancel)
	if err != nil {
		cancel()
		if errors.Is(err, errDraining) {
			log.Info("client rejected", "reason", "shutting down")
			conn.Close(websocket.StatusGoingAway, "relay_shutdown")
			return
		}
		log.Info("client rejected", "reason", "concurrent session quota")
		conn.Close(CloseRateLimited, "quota_exceeded")
		return
	}
	defer cancel()
	defer unregister()

	s.metrics.ActiveConnections.Add(runCtx, 1)
	defer func() {
		s.metrics.ActiveConnections.Add(context.Background(), -1)
		s.metrics.ConnectionDuration.Record(context.Background(), time.Since(start).Seconds())
	}()

	// 3. Greet, then await init_session under the init timeout.
	established := event.New(event.TypeConnectionEstablished, map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err := conn.Write(runCtx, websocket.MessageText, established.Encode()); err != nil {
		log.Debug("greeting write failed", "error", err)
		return
	}

	cfg, ok := s.awaitInit(runCtx, conn, log)
	if !ok {
		return
	}

	// 4. Merge registry tools so the upstream session knows the catalogue.
	tools := s.listTools(runCtx)
	if len(tools) > 0 {
		cfg = cfg.MergeTools(registry.SessionTools(tools))
	}

	// 5. Acquire an upstream session.
	sess, err := s.pool.Acquire(runCtx, cfg)
	if err != nil {
		log.Warn("upstream acquisition failed", "error", err)
		s.metrics.RecordRelayError(runCtx, "init_failed")
		failure := event.ErrRelayInitFailed(err.Error())
		_ = conn.Write(runCtx, websocket.MessageText, failure.Encode())
		conn.Close(CloseUpstreamFailed, "relay_init_failed")
		return
	}
	var rt *router.Router
	defer func() {
		// A connection that ended with a response still in flight leaves
		// conversation state on the wire; such sessions never go back to
		// the pool.
		if rt != nil && rt.State() != router.StateIdle {
			s.pool.Discard(sess)
			return
		}
		s.pool.Release(sess)
	}()

	// A reused session keeps its fingerprint but may need fresh instructions
	// and temperature.
	if update := sessionUpdateFor(cfg); update != nil {
		if err := sess.Send(update); err != nil {
			log.Warn("session update enqueue failed", "error", err)
		}
	}

	created := event.New(event.TypeSessionCreated, map[string]any{
		"session_id": sess.ID(),
	})
	if err := conn.Write(runCtx, websocket.MessageText, created.Encode()); err != nil {
		log.Debug("session.created write failed", "error", err)
		return
	}

	log.Info("connection established", "session_id", sess.ID(), "tier", principal.Tier)

	// 6. Pump until either side ends.
	rt = router.New(router.Config{
		ConnID:    connID,
		Principal: *principal,
		Client:    &wsConn{conn: conn, idleTimeout: s.idleTmo},
		Upstream:  sess,
		Limiter:   s.limiter,
		Ledger:    s.ledger,
		Registry:  s.reg,
		Tools:     tools,
		Metrics:   s.metrics,
	})
	err = rt.Run(runCtx)

	// 7. Translate the router verdict to a close code.
	code, reason := closeFor(err)
	conn.Close(code, reason)
	log.Info("connection closed",
		"code", int(code),
		"reason", reason,
		"duration", time.Since(start),
	)
}

// awaitInit reads and validates the first client frame. On failure it closes
// the socket and reports !ok.
func (s *Server) awaitInit(ctx context.Context, conn *websocket.Conn, log *slog.Logger) (event.SessionConfig, bool) {
	initCtx, cancel := context.WithTimeout(ctx, s.initTmo)
	defer cancel()

	_, data, err := conn.Read(initCtx)
	if err != nil {
		log.Info("client closed before init", "error", err)
		conn.Close(CloseInitTimeout, "init_timeout")
		return event.SessionConfig{}, false
	}

	evt, err := event.Parse(data)
	if err != nil || evt.Type != event.TypeInitSession {
		failure := event.ErrInvalidInit()
		_ = conn.Write(ctx, websocket.MessageText, failure.Encode())
		conn.Close(CloseInitTimeout, "invalid_init")
		return event.SessionConfig{}, false
	}

	return event.SessionConfigFromEvent(evt), true
}

// sessionUpdateFor builds the late session.update for tunable fields that
// stay outside the pool fingerprint. Nil when none are set.
func sessionUpdateFor(cfg event.SessionConfig) *event.Event {
	session := make(map[string]any)
	fields := cfg.Fields()
	for _, key := range []string{"instructions", "temperature", "tool_choice", "tools"} {
		if v, ok := fields[key]; ok {
			session[key] = v
		}
	}
	if len(session) == 0 {
		return nil
	}
	return event.New(event.TypeSessionUpdate, map[string]any{"session": session})
}

// closeFor maps a router result to the wire close code.
func closeFor(err error) (websocket.StatusCode, string) {
	switch {
	case err == nil, errors.Is(err, router.ErrClientClosed):
		return CloseNormal, ""
	case errors.Is(err, router.ErrInvalidInit):
		return CloseInitTimeout, "invalid_init"
	case errors.Is(err, router.ErrUpstreamClosed):
		return CloseNormal, "upstream_closed"
	case errors.Is(err, router.ErrUpstreamFatal):
		return CloseUpstreamFailed, "upstream_failed"
	case errors.Is(err, context.Canceled):
		return websocket.StatusGoingAway, "relay_shutdown"
	default:
		return CloseRelayInternal, "relay_internal"
	}
}

// credentialsFrom extracts client credentials from the upgrade request.
// Bearer tokens and HTTP basic auth are both accepted.
func credentialsFrom(r *http.Request) auth.Credentials {
	header := r.Header.Get("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		return auth.Credentials{BearerToken: strings.TrimPrefix(header, "Bearer ")}
	case strings.HasPrefix(header, "Basic "):
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, "Basic "))
		if err != nil {
			return auth.Credentials{}
		}
		username, password, ok := strings.Cut(string(decoded), ":")
		if !ok {
			return auth.Credentials{}
		}
		return auth.Credentials{Username: username, Password: password}
	default:
		return auth.Credentials{}
	}
}

// wsConn adapts a client WebSocket to the router's view. The optional idle
// timeout bounds each read.
type wsConn struct {
	conn        *websocket.Conn
	idleTimeout time.Duration
}

// Compile-time interface check.
var _ router.Conn = (*wsConn)(nil)

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	if c.idleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.idleTimeout)
		defer cancel()
	}
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}
