// Package observe provides application-wide observability primitives for
// Parlo: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Parlo metrics.
const meterName = "github.com/parlo-chat/parlo"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks how long a session spends in Connecting before
	// the transport resolves, successfully or not.
	ConnectDuration metric.Float64Histogram

	// SessionDuration tracks the lifetime of a voice session from Active to
	// teardown.
	SessionDuration metric.Float64Histogram

	// --- Counters ---

	// CaptureChunks counts microphone chunks handed to the transport.
	CaptureChunks metric.Int64Counter

	// PlaybackChunks counts agent audio chunks by outcome. Use with attribute:
	//   attribute.String("status", "scheduled"|"dropped")
	PlaybackChunks metric.Int64Counter

	// Interruptions counts barge-in events that cancelled pending playback.
	Interruptions metric.Int64Counter

	// SessionFailures counts sessions ending in Failed. Use with attribute:
	//   attribute.String("kind", ...) — the error taxonomy class.
	SessionFailures metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time on the ops
	// endpoints. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for connect and session latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ConnectDuration, err = m.Float64Histogram("parlo.session.connect.duration",
		metric.WithDescription("Time from connect request to transport resolution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("parlo.session.duration",
		metric.WithDescription("Voice session lifetime from Active to teardown."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.CaptureChunks, err = m.Int64Counter("parlo.capture.chunks",
		metric.WithDescription("Total microphone chunks handed to the transport."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackChunks, err = m.Int64Counter("parlo.playback.chunks",
		metric.WithDescription("Total agent audio chunks by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("parlo.playback.interruptions",
		metric.WithDescription("Total barge-in events that cancelled pending playback."),
	); err != nil {
		return nil, err
	}
	if met.SessionFailures, err = m.Int64Counter("parlo.session.failures",
		metric.WithDescription("Total sessions ending in Failed, by error kind."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("parlo.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("parlo.http.request.duration",
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

// RecordConnect records the latency of one transport resolution.
func (m *Metrics) RecordConnect(ctx context.Context, d time.Duration, status string) {
	m.ConnectDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordPlaybackChunk records one agent audio chunk outcome.
func (m *Metrics) RecordPlaybackChunk(ctx context.Context, status string) {
	m.PlaybackChunks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordSessionFailure records a session that ended in Failed.
func (m *Metrics) RecordSessionFailure(ctx context.Context, kind string) {
	m.SessionFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
