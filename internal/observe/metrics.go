// Package observe provides application-wide observability primitives for the
// relay: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard Prometheus endpoint alongside the relay's own JSON
// metrics surface. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all relay metrics.
const meterName = "github.com/voxrelay/voxrelay"

// Metrics holds all OpenTelemetry metric instruments for the relay.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// MintDuration tracks ephemeral credential minting latency.
	MintDuration metric.Float64Histogram

	// UpstreamDialDuration tracks upstream WebSocket dial latency, including
	// the wait for session.created.
	UpstreamDialDuration metric.Float64Histogram

	// ConnectionDuration tracks full client connection lifetimes.
	ConnectionDuration metric.Float64Histogram

	// --- Counters ---

	// EventsForwarded counts relayed events. Use with attribute:
	//   attribute.String("direction", "client_to_upstream" | "upstream_to_client")
	EventsForwarded metric.Int64Counter

	// EventsDropped counts events discarded under backpressure or by the
	// stale-response filter. Use with attribute:
	//   attribute.String("reason", "queue_full" | "stale_response")
	EventsDropped metric.Int64Counter

	// RateLimitRejections counts frames rejected by the per-principal token
	// bucket.
	RateLimitRejections metric.Int64Counter

	// UpstreamReconnects counts reconnect attempts. Use with attribute:
	//   attribute.String("outcome", "success" | "failure")
	UpstreamReconnects metric.Int64Counter

	// --- Error counters ---

	// RelayErrors counts classified relay failures. Use with attribute:
	//   attribute.String("kind", ...)
	RelayErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveConnections tracks the number of currently open client
	// connections.
	ActiveConnections metric.Int64UpDownCounter

	// PooledSessions tracks the number of upstream sessions held by the pool.
	PooledSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for network round-trips and session lifetimes.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.MintDuration, err = m.Float64Histogram("voxrelay.mint.duration",
		metric.WithDescription("Latency of ephemeral credential minting."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UpstreamDialDuration, err = m.Float64Histogram("voxrelay.upstream.dial.duration",
		metric.WithDescription("Latency of upstream WebSocket connection establishment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ConnectionDuration, err = m.Float64Histogram("voxrelay.connection.duration",
		metric.WithDescription("Client connection lifetime."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.EventsForwarded, err = m.Int64Counter("voxrelay.events.forwarded",
		metric.WithDescription("Total relayed events by direction."),
	); err != nil {
		return nil, err
	}
	if met.EventsDropped, err = m.Int64Counter("voxrelay.events.dropped",
		metric.WithDescription("Total events discarded, by reason."),
	); err != nil {
		return nil, err
	}
	if met.RateLimitRejections, err = m.Int64Counter("voxrelay.ratelimit.rejections",
		metric.WithDescription("Total frames rejected by the per-principal rate limiter."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamReconnects, err = m.Int64Counter("voxrelay.upstream.reconnects",
		metric.WithDescription("Total upstream reconnect attempts by outcome."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.RelayErrors, err = m.Int64Counter("voxrelay.errors",
		metric.WithDescription("Total relay failures by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveConnections, err = m.Int64UpDownCounter("voxrelay.active_connections",
		metric.WithDescription("Number of currently open client connections."),
	); err != nil {
		return nil, err
	}
	if met.PooledSessions, err = m.Int64UpDownCounter("voxrelay.pooled_sessions",
		metric.WithDescription("Number of upstream sessions held by the pool."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxrelay.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordForwarded records a relayed event counter increment for a direction.
func (m *Metrics) RecordForwarded(ctx context.Context, direction string) {
	m.EventsForwarded.Add(ctx, 1,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordDropped records a discarded event counter increment with a reason.
func (m *Metrics) RecordDropped(ctx context.Context, reason string) {
	m.EventsDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordReconnect records a reconnect attempt counter increment with an
// outcome.
func (m *Metrics) RecordReconnect(ctx context.Context, outcome string) {
	m.UpstreamReconnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordRelayError records a relay failure counter increment with a kind.
func (m *Metrics) RecordRelayError(ctx context.Context, kind string) {
	m.RelayErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
