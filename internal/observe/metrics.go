// Package observe provides application-wide observability primitives for
// Parley: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Parley metrics.
const meterName = "github.com/parleyio/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks the time to establish a live conversation,
	// from dial to the provider's ready acknowledgement.
	ConnectDuration metric.Float64Histogram

	// --- Counters ---

	// CapturedFrames counts microphone frames sent to the provider. Use with
	// attribute:
	//   attribute.String("provider", ...)
	CapturedFrames metric.Int64Counter

	// TransportEvents counts inbound conversation events. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	TransportEvents metric.Int64Counter

	// PlaybackChunks counts audio buffers scheduled for playback.
	PlaybackChunks metric.Int64Counter

	// PlaybackSeconds accumulates the audio duration scheduled for playback.
	PlaybackSeconds metric.Float64Counter

	// Interruptions counts barge-ins that cut playback short.
	Interruptions metric.Int64Counter

	// Turns counts finalized transcript turns. Use with attribute:
	//   attribute.String("role", ...)
	Turns metric.Int64Counter

	// --- Error counters ---

	// SessionErrors counts terminal session errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	SessionErrors metric.Int64Counter

	// DroppedFrames counts frames discarded as malformed or undeliverable.
	// Use with attribute:
	//   attribute.String("stage", ...)
	DroppedFrames metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live conversations.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for connection setup latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("parley.connect.duration",
		metric.WithDescription("Latency of live connection establishment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CapturedFrames, err = m.Int64Counter("parley.capture.frames",
		metric.WithDescription("Total microphone frames sent by provider."),
	); err != nil {
		return nil, err
	}
	if met.TransportEvents, err = m.Int64Counter("parley.transport.events",
		metric.WithDescription("Total inbound conversation events by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackChunks, err = m.Int64Counter("parley.playback.chunks",
		metric.WithDescription("Total audio buffers scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackSeconds, err = m.Float64Counter("parley.playback.seconds",
		metric.WithDescription("Total audio duration scheduled for playback."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("parley.interruptions",
		metric.WithDescription("Total barge-ins that cut playback short."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("parley.turns",
		metric.WithDescription("Total finalized transcript turns by role."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.SessionErrors, err = m.Int64Counter("parley.session.errors",
		metric.WithDescription("Total terminal session errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("parley.frames.dropped",
		metric.WithDescription("Total frames discarded as malformed or undeliverable, by stage."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Number of live conversations."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
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

// RecordConnect is a convenience method that records one connection
// establishment latency sample.
func (m *Metrics) RecordConnect(ctx context.Context, provider string, seconds float64) {
	m.ConnectDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordCapturedFrame is a convenience method that counts one microphone
// frame handed to the provider.
func (m *Metrics) RecordCapturedFrame(ctx context.Context, provider string) {
	m.CapturedFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordTransportEvent is a convenience method that counts one inbound
// conversation event with the standard attribute set.
func (m *Metrics) RecordTransportEvent(ctx context.Context, provider, kind string) {
	m.TransportEvents.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordTurn is a convenience method that counts one finalized transcript
// turn.
func (m *Metrics) RecordTurn(ctx context.Context, role string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("role", role)),
	)
}

// RecordSessionError is a convenience method that counts one terminal
// session error.
func (m *Metrics) RecordSessionError(ctx context.Context, provider, kind string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordDroppedFrame is a convenience method that counts one discarded frame.
func (m *Metrics) RecordDroppedFrame(ctx context.Context, stage string) {
	m.DroppedFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}
