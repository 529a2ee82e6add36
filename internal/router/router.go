// Package router pumps events between one client WebSocket and its upstream
// session, enforcing the relay's protocol, rate limits, and accounting along
// the way.
//
// Each connection runs two pumps: client→upstream validates, stamps,
// rate-checks, and enqueues; upstream→client drives the per-connection
// response state machine, filters stale deltas, and records usage. The two
// pumps share one mutex-guarded state block; the lock is never held across
// socket I/O.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxrelay/voxrelay/internal/accounting"
	"github.com/voxrelay/voxrelay/internal/auth"
	"github.com/voxrelay/voxrelay/internal/event"
	"github.com/voxrelay/voxrelay/internal/observe"
	"github.com/voxrelay/voxrelay/internal/registry"
	"github.com/voxrelay/voxrelay/internal/upstream"
)

// Sentinel results of [Router.Run]; the frontend maps them to close codes.
var (
	// ErrClientClosed means the client went away; nothing left to tell it.
	ErrClientClosed = errors.New("router: client closed")

	// ErrInvalidInit means the client sent init_session after setup.
	ErrInvalidInit = errors.New("router: unexpected init_session")

	// ErrUpstreamClosed means the upstream closed cleanly underneath the
	// connection.
	ErrUpstreamClosed = errors.New("router: upstream closed")

	// ErrUpstreamFatal means the upstream failed unrecoverably (fatal error
	// event or reconnect exhaustion).
	ErrUpstreamFatal = errors.New("router: upstream fatal")
)

// functionCallTimeout bounds a registry-intercepted tool call.
const functionCallTimeout = 15 * time.Second

// Conn is the router's view of the client WebSocket. Implementations must
// honour ctx cancellation on both operations.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
}

// UpstreamSession is the subset of [upstream.Session] the router uses.
type UpstreamSession interface {
	Send(*event.Event) error
	Recv() <-chan *event.Event
	ClosedCleanly() bool
}

// Compile-time check that the real session satisfies the router's view.
var _ UpstreamSession = (*upstream.Session)(nil)

// fatalUpstreamCodes are upstream error codes that end the connection.
// Everything else is forwarded and the connection continues.
var fatalUpstreamCodes = map[string]struct{}{
	"auth_failed":       {},
	"invalid_api_key":   {},
	"session_expired":   {},
	"session_not_found": {},
}

// Config wires a [Router]. Principal, Client, Upstream, Limiter, and Ledger
// are required; Registry and Tools enable function-call interception.
type Config struct {
	ConnID    string
	Principal auth.Principal
	Client    Conn
	Upstream  UpstreamSession
	Limiter   *accounting.Limiter
	Ledger    *accounting.Ledger
	Registry  registry.Registry
	Tools     []registry.Tool
	Metrics   *observe.Metrics
}

// Router drives one client connection. Create with [New], run with
// [Router.Run]; a Router is single-use.
type Router struct {
	connID    string
	principal auth.Principal
	client    Conn
	up        UpstreamSession
	limiter   *accounting.Limiter
	ledger    *accounting.Ledger
	reg       registry.Registry
	known     map[string]struct{}
	metrics   *observe.Metrics
	log       *slog.Logger

	state connState
}

// New creates a Router from cfg.
func New(cfg Config) *Router {
	known := make(map[string]struct{}, len(cfg.Tools))
	if cfg.Registry != nil {
		for _, t := range cfg.Tools {
			known[t.Name] = struct{}{}
		}
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Router{
		connID:    cfg.ConnID,
		principal: cfg.Principal,
		client:    cfg.Client,
		up:        cfg.Upstream,
		limiter:   cfg.Limiter,
		ledger:    cfg.Ledger,
		reg:       cfg.Registry,
		known:     known,
		metrics:   m,
		log: slog.Default().With(
			"conn_id", cfg.ConnID,
			"principal_id", cfg.Principal.ID,
		),
		state: connState{stamper: event.NewIDStamper()},
	}
}

// Run pumps until either side ends. The returned error is one of the package
// sentinels (possibly wrapped) or nil when ctx was cancelled.
func (r *Router) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.clientPump(ctx) })
	g.Go(func() error { return r.upstreamPump(ctx) })

	err := g.Wait()
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// State returns the current response state; test and metrics hook.
func (r *Router) State() ResponseState {
	return r.state.current()
}

// RateLimits returns the most recent upstream-reported limits.
func (r *Router) RateLimits() []event.RateLimit {
	return r.state.rateLimits()
}

// ── client → upstream ─────────────────────────────────────────────────────────

func (r *Router) clientPump(ctx context.Context) error {
	for {
		data, err := r.client.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", ErrClientClosed, err)
		}

		evt, err := event.Parse(data)
		if err != nil {
			r.synthesize(ctx, event.ErrInvalidJSON())
			continue
		}
		if evt.Type == "" {
			r.synthesize(ctx, event.ErrInvalidEvent())
			continue
		}
		r.state.stamp(evt)

		// init_session is consumed during connection setup; a second one is a
		// protocol violation that ends the connection.
		if evt.Type == event.TypeInitSession {
			r.synthesize(ctx, event.ErrInvalidInit())
			return ErrInvalidInit
		}

		// Known tools are answered locally and never reach the upstream.
		if evt.Type == event.TypeFunctionCall && r.intercepts(evt) {
			r.handleFunctionCall(ctx, evt)
			continue
		}

		if ok, retryAfter := r.limiter.Allow(r.principal.ID); !ok {
			r.metrics.RateLimitRejections.Add(ctx, 1)
			r.synthesize(ctx, event.ErrRateLimited(retryAfter))
			continue
		}

		if evt.Type == event.TypeAudioAppend {
			r.ledger.RecordAudioInput(r.principal.ID, event.AudioTicks(evt.AudioPayloadBytes()))
		}
		if evt.Type == event.TypeResponseCancel {
			r.state.onClientCancel()
		}

		if err := r.up.Send(evt); err != nil {
			return fmt.Errorf("%w: %v", ErrUpstreamFatal, err)
		}
		r.metrics.RecordForwarded(ctx, "client_to_upstream")
	}
}

// intercepts reports whether evt names a tool the configured registry owns.
func (r *Router) intercepts(evt *event.Event) bool {
	if r.reg == nil {
		return false
	}
	_, ok := r.known[evt.StringField("name")]
	return ok
}

// handleFunctionCall executes an intercepted tool call and routes the result
// (or a failure event) downstream to the client.
func (r *Router) handleFunctionCall(ctx context.Context, evt *event.Event) {
	name := evt.StringField("name")

	var params json.RawMessage
	if v, ok := evt.Field("arguments"); ok {
		if s, isStr := v.(string); isStr {
			params = json.RawMessage(s)
		} else if data, err := json.Marshal(v); err == nil {
			params = data
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, functionCallTimeout)
	result, err := r.reg.Call(callCtx, name, params)
	cancel()

	if err != nil {
		r.log.Warn("intercepted function call failed", "tool", name, "error", err)
		r.ledger.RecordError(r.principal.ID)
		r.synthesize(ctx, event.ErrFunctionCallFailed(err.Error()))
		return
	}

	r.sendClient(ctx, event.New(event.TypeFunctionResponse, map[string]any{
		"call_id": evt.StringField("call_id"),
		"name":    name,
		"result":  result,
	}))
}

// ── upstream → client ─────────────────────────────────────────────────────────

func (r *Router) upstreamPump(ctx context.Context) error {
	for {
		var evt *event.Event
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok = <-r.up.Recv():
		}

		if !ok {
			if r.up.ClosedCleanly() {
				r.synthesize(ctx, event.ErrUpstreamClosed())
				return ErrUpstreamClosed
			}
			r.synthesize(ctx, event.NewError("relay_error", "upstream_failed",
				"Upstream connection lost", nil))
			return ErrUpstreamFatal
		}

		forward, cancelID, fatal := r.state.onUpstream(evt)

		if cancelID != "" {
			// Barge-in: the user started speaking over an active response.
			cancelEvt := event.New(event.TypeResponseCancel, map[string]any{
				"response_id": cancelID,
			})
			if err := r.up.Send(cancelEvt); err != nil {
				return fmt.Errorf("%w: %v", ErrUpstreamFatal, err)
			}
			r.log.Debug("cancelled superseded response", "response_id", cancelID)
		}

		if !forward {
			r.metrics.RecordDropped(ctx, "stale_response")
			continue
		}

		if err := r.client.Write(ctx, evt.Encode()); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", ErrClientClosed, err)
		}
		r.metrics.RecordForwarded(ctx, "upstream_to_client")

		switch evt.Type {
		case event.TypeResponseDone:
			if u := evt.Usage(); u != nil {
				r.ledger.RecordResponse(r.principal.ID, accounting.TokenUsage{
					InputTokens:  u.InputTokens,
					OutputTokens: u.OutputTokens,
					CachedTokens: u.CachedTokens,
				})
			}
		case event.TypeAudioDelta:
			r.ledger.RecordAudioOutput(r.principal.ID, event.AudioTicks(evt.AudioPayloadBytes()))
		case event.TypeError:
			r.ledger.RecordError(r.principal.ID)
		}

		if fatal {
			r.metrics.RecordRelayError(ctx, "upstream_fatal")
			return ErrUpstreamFatal
		}
	}
}

// synthesize sends a relay-originated event to the client. Delivery failures
// are logged, not escalated; the read side will notice a dead socket.
func (r *Router) synthesize(ctx context.Context, evt *event.Event) {
	if evt.Type == event.TypeError {
		r.ledger.RecordError(r.principal.ID)
	}
	r.sendClient(ctx, evt)
}

func (r *Router) sendClient(ctx context.Context, evt *event.Event) {
	if err := r.client.Write(ctx, evt.Encode()); err != nil {
		r.log.Debug("client write failed", "type", evt.Type, "error", err)
	}
}
