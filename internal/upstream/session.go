// Package upstream maintains a single WebSocket session to the Realtime API.
//
// A [Session] owns the socket for its whole lifetime, including heartbeat
// probing and bounded reconnection. Callers interact with it through three
// operations only: [Session.Send] enqueues outbound events on a bounded
// queue, [Session.Recv] yields inbound events in upstream order, and
// [Session.Close] tears the session down. Everything else — keepalive pings,
// backoff, queue replay after reconnect — is internal machinery.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/voxrelay/voxrelay/internal/event"
	"github.com/voxrelay/voxrelay/internal/minter"
	"github.com/voxrelay/voxrelay/internal/observe"
)

// ErrSessionClosed is returned by [Session.Send] once the session has reached
// its terminal state.
var ErrSessionClosed = errors.New("upstream: session closed")

// protocolHeader is attached to every dial, mirroring the mint request.
const (
	protocolHeaderName  = "OpenAI-Beta"
	protocolHeaderValue = "realtime=v1"
)

// Defaults for the session's internal machinery.
const (
	defaultQueueCapacity     = 256
	defaultRecvBuffer        = 256
	defaultHeartbeatInterval = 20 * time.Second
	defaultPongTimeout       = 10 * time.Second
	defaultMaxReconnects     = 3
	maxBackoff               = 30 * time.Second
)

// State describes the session lifecycle. The only terminal state is
// [StateClosed].
type State int32

const (
	StateConnecting State = iota
	StateHealthy
	StateUnhealthy
	StateClosed
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHealthy:
		return "healthy"
	case StateUnhealthy:
		return "unhealthy"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ── Options ───────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a [Session].
type Option func(*Session)

// WithQueueCapacity sets the bounded outbound queue size.
func WithQueueCapacity(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.queueCap = n
		}
	}
}

// WithHeartbeat overrides the keepalive ping interval and pong deadline.
// Primarily used in tests to speed up failure detection.
func WithHeartbeat(interval, pongTimeout time.Duration) Option {
	return func(s *Session) {
		if interval > 0 {
			s.heartbeatInterval = interval
		}
		if pongTimeout > 0 {
			s.pongTimeout = pongTimeout
		}
	}
}

// WithMaxReconnects sets how many reconnect attempts are made before the
// session goes terminal.
func WithMaxReconnects(n int) Option {
	return func(s *Session) {
		if n >= 0 {
			s.maxReconnects = n
		}
	}
}

// WithBackoffBase overrides the first reconnect backoff step. Tests use
// millisecond values here; production keeps the default of one second
// doubling per attempt.
func WithBackoffBase(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.backoffBase = d
		}
	}
}

// WithMetrics attaches a metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// ── Session ───────────────────────────────────────────────────────────────────

// Session is a relay-side handle to one upstream Realtime WebSocket.
// Safe for concurrent use.
type Session struct {
	id   string
	url  string
	cred minter.EphemeralCredential
	cfg  event.SessionConfig

	queueCap          int
	heartbeatInterval time.Duration
	pongTimeout       time.Duration
	maxReconnects     int
	backoffBase       time.Duration
	metrics           *observe.Metrics

	queue   *sendQueue
	recvCh  chan *event.Event
	dropped atomic.Int64
	state   atomic.Int32
	clean   atomic.Bool

	runCtx    context.Context
	runCancel context.CancelFunc
	closeOnce sync.Once

	mu   sync.Mutex
	conn *websocket.Conn
}

// Open dials the upstream WebSocket at baseURL (e.g.
// "wss://api.openai.com/v1/realtime"), attaching the ephemeral credential as
// a bearer token and the protocol-version header. It returns once the opening
// handshake has completed; the session is Healthy at that point.
func Open(ctx context.Context, baseURL string, cred minter.EphemeralCredential, cfg event.SessionConfig, opts ...Option) (*Session, error) {
	cfg = cfg.ApplyDefaults()

	s := &Session{
		id:                event.NewID(),
		url:               baseURL + "?model=" + url.QueryEscape(cfg.Model()),
		cred:              cred,
		cfg:               cfg,
		queueCap:          defaultQueueCapacity,
		heartbeatInterval: defaultHeartbeatInterval,
		pongTimeout:       defaultPongTimeout,
		maxReconnects:     defaultMaxReconnects,
		backoffBase:       time.Second,
		recvCh:            make(chan *event.Event, defaultRecvBuffer),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.queue = newSendQueue(s.queueCap)
	s.state.Store(int32(StateConnecting))

	conn, err := s.dial(ctx)
	if err != nil {
		s.state.Store(int32(StateClosed))
		return nil, fmt.Errorf("upstream: dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.transition(StateHealthy, "opening handshake complete")

	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	go s.run(conn)

	return s, nil
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	start := time.Now()
	conn, _, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization":    []string{"Bearer " + s.cred.Secret},
			protocolHeaderName: []string{protocolHeaderValue},
		},
	})
	if err == nil {
		s.metrics.UpstreamDialDuration.Record(ctx, time.Since(start).Seconds())
	}
	return conn, err
}

// ID returns the session's relay-local identifier.
func (s *Session) ID() string { return s.id }

// Config returns the session config the session was opened with.
func (s *Session) Config() event.SessionConfig { return s.cfg }

// Fingerprint returns the pool-reuse fingerprint of the session config.
func (s *Session) Fingerprint() string { return s.cfg.Fingerprint() }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Healthy reports whether the session is usable right now.
func (s *Session) Healthy() bool { return s.State() == StateHealthy }

// Dropped returns the number of events shed under queue pressure.
func (s *Session) Dropped() int64 { return s.dropped.Load() }

// ClosedCleanly reports whether the session terminated by a normal-closure
// frame (from either side) rather than by reconnect exhaustion.
func (s *Session) ClosedCleanly() bool { return s.clean.Load() }

// QueueLen returns the number of events waiting to be written.
func (s *Session) QueueLen() int { return s.queue.len() }

// Send enqueues an event on the bounded outbound queue. It never blocks: when
// the queue is full, the oldest pending audio frame is shed first so control
// events survive. Enqueueing keeps working while the session reconnects;
// queued events are replayed in order on success. Returns [ErrSessionClosed]
// once the session is terminal.
func (s *Session) Send(evt *event.Event) error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	if s.queue.push(evt) {
		s.dropped.Add(1)
		s.metrics.RecordDropped(context.Background(), "queue_full")
	}
	return nil
}

// Recv returns the channel of inbound events, in exact upstream order. The
// channel is closed when the session reaches its terminal state.
func (s *Session) Recv() <-chan *event.Event { return s.recvCh }

// DrainBuffered discards inbound events buffered while the session had no
// consumer, along with any unsent outbound events still queued by a previous
// holder. Returns how many events were discarded.
func (s *Session) DrainBuffered() int {
	n := s.queue.drain()
	for {
		select {
		case _, ok := <-s.recvCh:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

// Close initiates a clean shutdown. Idempotent; queued events are released
// undelivered.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.runCancel != nil {
			s.runCancel()
		} else {
			// Open failed before the run loop started.
			s.finalize()
		}
	})
	return nil
}

// ── internal machinery ────────────────────────────────────────────────────────

// run owns the connection across epochs: it starts the per-connection
// goroutines, reacts to their failures with bounded reconnection, and
// finalizes the session on exhaustion or close.
func (s *Session) run(conn *websocket.Conn) {
	defer s.finalize()

	for {
		err := s.serveConn(conn)

		if s.runCtx.Err() != nil {
			s.clean.Store(true)
			conn.Close(websocket.StatusNormalClosure, "session closed")
			return
		}

		// A clean close from upstream is terminal, not a fault to retry.
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			s.clean.Store(true)
			slog.Info("upstream closed cleanly", "session_id", s.id)
			return
		}

		s.transition(StateUnhealthy, err.Error())
		conn.Close(websocket.StatusGoingAway, "reconnecting")

		next, ok := s.reconnect()
		if !ok {
			return
		}
		conn = next
	}
}

// serveConn runs the writer, reader, and heartbeat loops for one connection
// epoch and returns the first failure.
func (s *Session) serveConn(conn *websocket.Conn) error {
	epochCtx, cancel := context.WithCancel(s.runCtx)
	defer cancel()

	fail := make(chan error, 3)
	var wg sync.WaitGroup

	wg.Add(3)
	go func() {
		defer wg.Done()
		fail <- s.writeLoop(epochCtx, conn)
	}()
	go func() {
		defer wg.Done()
		fail <- s.readLoop(epochCtx, conn)
	}()
	go func() {
		defer wg.Done()
		fail <- s.heartbeatLoop(epochCtx, conn)
	}()

	err := <-fail
	cancel()
	wg.Wait()
	return err
}

// writeLoop drains the outbound queue onto the socket. A failed write pushes
// the event back to the head so reconnect replay preserves order.
func (s *Session) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		evt, ok := s.queue.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.queue.notify:
				continue
			}
		}

		if err := conn.Write(ctx, websocket.MessageText, evt.Encode()); err != nil {
			s.queue.pushFront(evt)
			return fmt.Errorf("write: %w", err)
		}
	}
}

// readLoop parses inbound frames and delivers them in order. Frames that fail
// to parse are skipped; the upstream protocol does not guarantee every frame
// is well-formed during error storms.
func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		evt, err := event.Parse(data)
		if err != nil {
			slog.Debug("skipping unparseable upstream frame", "session_id", s.id, "error", err)
			continue
		}

		select {
		case s.recvCh <- evt:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// heartbeatLoop pings the upstream every heartbeatInterval and requires a
// pong within pongTimeout.
func (s *Session) heartbeatLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		pingCtx, cancel := context.WithTimeout(ctx, s.pongTimeout)
		err := conn.Ping(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("heartbeat: %w", err)
		}
	}
}

// reconnect attempts to re-dial with exponential backoff, doubling from
// backoffBase and capped at maxBackoff. Reports the new connection, or false
// when attempts are exhausted or the session was closed meanwhile.
func (s *Session) reconnect() (*websocket.Conn, bool) {
	backoff := s.backoffBase

	for attempt := 1; attempt <= s.maxReconnects; attempt++ {
		select {
		case <-s.runCtx.Done():
			return nil, false
		case <-time.After(backoff):
		}

		slog.Info("reconnecting to upstream",
			"session_id", s.id,
			"attempt", attempt,
			"max_attempts", s.maxReconnects,
			"backoff", backoff,
		)

		dialCtx, cancel := context.WithTimeout(s.runCtx, 15*time.Second)
		conn, err := s.dial(dialCtx)
		cancel()
		if err == nil {
			s.mu.Lock()
			s.conn = conn
			s.mu.Unlock()
			s.transition(StateHealthy, "reconnected")
			s.metrics.RecordReconnect(context.Background(), "success")
			return conn, true
		}

		s.metrics.RecordReconnect(context.Background(), "failure")
		slog.Warn("reconnect attempt failed",
			"session_id", s.id, "attempt", attempt, "error", err)

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	slog.Error("reconnect attempts exhausted", "session_id", s.id, "max_attempts", s.maxReconnects)
	return nil, false
}

// finalize moves the session to its terminal state, releasing queued events
// and closing the recv channel.
func (s *Session) finalize() {
	s.transition(StateClosed, "terminal")
	if released := s.queue.drain(); released > 0 {
		slog.Info("released queued events on close", "session_id", s.id, "count", released)
	}
	close(s.recvCh)
}

// transition updates the state and logs the change. No-op when already in the
// target state or already terminal.
func (s *Session) transition(to State, reason string) {
	for {
		from := State(s.state.Load())
		if from == to || from == StateClosed {
			return
		}
		if s.state.CompareAndSwap(int32(from), int32(to)) {
			slog.Info("upstream session state change",
				"session_id", s.id,
				"from", from.String(),
				"to", to.String(),
				"reason", reason,
			)
			return
		}
	}
}
