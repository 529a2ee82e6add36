// Package pool manages a bounded set of upstream sessions keyed by session
// config fingerprint.
//
// Sessions whose fingerprints match (model, modalities, voice, audio formats,
// turn-detection presence) are interchangeable upstream: instructions and
// temperature are adjusted with a late session.update on reuse, so they stay
// out of the fingerprint. Beyond capacity, [Pool.Acquire] blocks until a
// session is released or the caller's context ends.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxrelay/voxrelay/internal/event"
	"github.com/voxrelay/voxrelay/internal/minter"
	"github.com/voxrelay/voxrelay/internal/observe"
	"github.com/voxrelay/voxrelay/internal/upstream"
)

// DefaultCapacity bounds the number of concurrently open upstream sessions
// when the config does not say otherwise.
const DefaultCapacity = 32

// ErrPoolClosed is returned by [Pool.Acquire] after [Pool.Close].
var ErrPoolClosed = errors.New("pool: closed")

// Opener dials a new upstream session for a config. Swapped out in tests.
type Opener func(ctx context.Context, cfg event.SessionConfig) (*upstream.Session, error)

// Stats is a point-in-time view of pool occupancy for the health and metrics
// surfaces.
type Stats struct {
	Capacity   int `json:"capacity"`
	Open       int `json:"open"`
	Idle       int `json:"idle"`
	QueueDepth int `json:"queue_depth"`
}

// ── Options ───────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a [Pool].
type Option func(*Pool)

// WithCapacity bounds the number of concurrently open sessions.
func WithCapacity(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.capacity = n
		}
	}
}

// WithOpener replaces the dial function, primarily for tests.
func WithOpener(open Opener) Option {
	return func(p *Pool) { p.open = open }
}

// WithSessionOptions forwards options to every opened [upstream.Session].
func WithSessionOptions(opts ...upstream.Option) Option {
	return func(p *Pool) { p.sessionOpts = opts }
}

// WithMetrics attaches a metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// ── Pool ──────────────────────────────────────────────────────────────────────

// Pool is a bounded multiset of upstream sessions indexed by fingerprint.
// Safe for concurrent use.
type Pool struct {
	baseURL     string
	mint        minter.Minter
	capacity    int
	sessionOpts []upstream.Option
	metrics     *observe.Metrics
	open        Opener

	// sem holds one token per open session; sending acquires a slot.
	sem chan struct{}

	// notify wakes one blocked Acquire when a session returns to the idle
	// set. Slot frees are observed through sem directly.
	notify chan struct{}

	mu     sync.Mutex
	idle   map[string][]*upstream.Session
	opened map[*upstream.Session]struct{}
	closed bool
}

// New creates a pool that mints credentials through m and dials baseURL.
func New(baseURL string, m minter.Minter, opts ...Option) *Pool {
	p := &Pool{
		baseURL:  baseURL,
		mint:     m,
		capacity: DefaultCapacity,
		idle:     make(map[string][]*upstream.Session),
		opened:   make(map[*upstream.Session]struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	if p.open == nil {
		p.open = p.dial
	}
	p.sem = make(chan struct{}, p.capacity)
	p.notify = make(chan struct{}, 1)
	return p
}

// dial is the production opener: mint an ephemeral credential, then open the
// upstream socket with it.
func (p *Pool) dial(ctx context.Context, cfg event.SessionConfig) (*upstream.Session, error) {
	start := time.Now()
	cred, err := p.mint.Mint(ctx, cfg)
	p.metrics.MintDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("pool: mint: %w", err)
	}
	sess, err := upstream.Open(ctx, p.baseURL, cred, cfg, p.sessionOpts...)
	if err != nil {
		return nil, fmt.Errorf("pool: %w", err)
	}
	return sess, nil
}

// Acquire returns a healthy pooled session with a matching fingerprint, or
// opens a new one up to capacity. Beyond capacity it blocks until a slot or a
// pooled session frees, or ctx ends.
func (p *Pool) Acquire(ctx context.Context, cfg event.SessionConfig) (*upstream.Session, error) {
	cfg = cfg.ApplyDefaults()
	fp := cfg.Fingerprint()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if sess := p.takeIdleLocked(fp); sess != nil {
			p.signalLocked()
			p.mu.Unlock()
			slog.Debug("reusing pooled upstream session",
				"session_id", sess.ID(), "fingerprint", fp)
			return sess, nil
		}
		// With every slot taken, an idle session of another fingerprint is
		// reclaimable capacity.
		if len(p.sem) == p.capacity {
			p.evictAnyIdleLocked()
		}
		p.mu.Unlock()

		// Claim a slot before dialing.
		select {
		case p.sem <- struct{}{}:
		case <-p.notify:
			// A session was released; retry the idle path.
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		// A matching session may have been released, or the pool closed,
		// while we waited for the slot.
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			<-p.sem
			return nil, ErrPoolClosed
		}
		if sess := p.takeIdleLocked(fp); sess != nil {
			p.mu.Unlock()
			<-p.sem
			return sess, nil
		}
		p.mu.Unlock()

		sess, err := p.open(ctx, cfg)
		if err != nil {
			<-p.sem
			return nil, err
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = sess.Close()
			<-p.sem
			return nil, ErrPoolClosed
		}
		p.opened[sess] = struct{}{}
		p.mu.Unlock()
		return sess, nil
	}
}

// takeIdleLocked pops a healthy idle session with the given fingerprint.
// Unhealthy idle sessions found along the way are closed and their slots
// freed. Caller holds p.mu.
func (p *Pool) takeIdleLocked(fp string) *upstream.Session {
	list := p.idle[fp]
	for len(list) > 0 {
		sess := list[len(list)-1]
		list = list[:len(list)-1]
		p.idle[fp] = list
		p.metrics.PooledSessions.Add(context.Background(), -1)

		if sess.Healthy() {
			// Anything the upstream sent while the session sat idle belongs
			// to nobody; it must not reach the next holder.
			if n := sess.DrainBuffered(); n > 0 {
				slog.Debug("drained events buffered while idle",
					"session_id", sess.ID(), "events", n)
			}
			return sess
		}
		p.discardLocked(sess, "unhealthy while pooled")
	}
	return nil
}

// evictAnyIdleLocked discards one idle session of any fingerprint so a waiter
// can open a session the pool holds no match for. Caller holds p.mu.
func (p *Pool) evictAnyIdleLocked() {
	for fp, list := range p.idle {
		sess := list[len(list)-1]
		p.idle[fp] = list[:len(list)-1]
		if len(p.idle[fp]) == 0 {
			delete(p.idle, fp)
		}
		p.metrics.PooledSessions.Add(context.Background(), -1)
		p.discardLocked(sess, "evicted on fingerprint miss")
		return
	}
}

// signalLocked wakes one Acquire waiter. Caller holds p.mu.
func (p *Pool) signalLocked() {
	if p.closed {
		return
	}
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Release returns a session to the pool when it is still healthy; otherwise
// it is closed and its capacity slot freed. Events left over from the
// releasing holder, buffered inbound or queued outbound, are drained so they
// never leak into the next acquisition. Sessions that may carry an in-flight
// response belong in [Pool.Discard] instead.
func (p *Pool) Release(sess *upstream.Session) {
	if sess == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.opened[sess]; !ok {
		return
	}
	if p.closed || !sess.Healthy() {
		p.discardLocked(sess, "released unhealthy")
		return
	}

	if n := sess.DrainBuffered(); n > 0 {
		slog.Debug("drained residual events on release",
			"session_id", sess.ID(), "events", n)
	}

	fp := sess.Fingerprint()
	p.idle[fp] = append(p.idle[fp], sess)
	p.metrics.PooledSessions.Add(context.Background(), 1)
	p.signalLocked()
}

// Discard closes a session instead of pooling it, freeing its capacity slot.
// Used when the session ended mid-response: its conversation state must not
// be handed to another principal.
func (p *Pool) Discard(sess *upstream.Session) {
	if sess == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.opened[sess]; !ok {
		return
	}
	p.discardLocked(sess, "discarded mid-response")
}

// discardLocked closes a session and frees its slot. Caller holds p.mu.
func (p *Pool) discardLocked(sess *upstream.Session, reason string) {
	delete(p.opened, sess)
	_ = sess.Close()
	<-p.sem
	slog.Debug("discarded upstream session",
		"session_id", sess.ID(), "reason", reason)
}

// Stats returns a point-in-time occupancy snapshot. QueueDepth sums pending
// outbound events across all open sessions.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Stats{Capacity: p.capacity, Open: len(p.opened)}
	for _, list := range p.idle {
		st.Idle += len(list)
	}
	for sess := range p.opened {
		st.QueueDepth += sess.QueueLen()
	}
	return st
}

// Close closes every open session and rejects further acquisitions via
// released-unhealthy semantics. Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true

	for fp, list := range p.idle {
		for _, sess := range list {
			p.discardLocked(sess, "pool closed")
		}
		delete(p.idle, fp)
	}
	// In-use sessions are closed by their routers on release.
}
