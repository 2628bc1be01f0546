// Package observe provides application-wide observability primitives for
// duplexvoice: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// exports them on a private Prometheus registry served by [Telemetry.Handler]. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
//
// Components never reach for a global logger. They receive a [Diagnostics]
// value (logger plus metrics) and open a session-scoped sink with
// [Diagnostics.Begin].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all duplexvoice metrics.
const meterName = "github.com/MrWong99/duplexvoice"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Capture / transmit ---

	// CaptureFrames counts microphone frames encoded into chunks.
	CaptureFrames metric.Int64Counter

	// CaptureDropped counts frames that never reached the transport. Use with
	// attribute.String("reason", ...): "not_ready", "queue_full", "encode".
	CaptureDropped metric.Int64Counter

	// ChunksSent counts chunks successfully handed to the remote.
	ChunksSent metric.Int64Counter

	// TransmitErrors counts chunks the remote transport failed to send.
	TransmitErrors metric.Int64Counter

	// --- Playback ---

	// ChunksReceived counts inbound audio payloads.
	ChunksReceived metric.Int64Counter

	// ChunksScheduled counts decoded buffers submitted to the speaker.
	ChunksScheduled metric.Int64Counter

	// ChunksRejected counts inbound payloads that were not scheduled. Use with
	// attribute.String("reason", ...): "decode", "lookahead", "device", "closed".
	ChunksRejected metric.Int64Counter

	// PlaybackLookahead tracks how far ahead of the device clock each buffer
	// was scheduled, in seconds.
	PlaybackLookahead metric.Float64Histogram

	// PlaybackGap tracks silence left between consecutive buffers because a
	// chunk arrived after the previous one had finished playing.
	PlaybackGap metric.Float64Histogram

	// --- Remote ---

	// RemoteEvents counts control events from the remote. Use with
	// attribute.String("kind", ...): "turn_complete", "interrupted", "error".
	RemoteEvents metric.Int64Counter

	// HandshakeDuration tracks the time from dial to the remote's ready signal.
	HandshakeDuration metric.Float64Histogram

	// --- Sessions ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SessionDuration tracks session lifetime from open to close.
	SessionDuration metric.Float64Histogram

	// SessionsClosed counts closed sessions. Use with attribute:
	//   attribute.String("reason", ...)
	SessionsClosed metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks control API latency by method, route
	// pattern and status. WebSocket streams are not recorded.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets covers conversations from a few seconds to the remote's
// session limit.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 900,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Capture / transmit.
	if met.CaptureFrames, err = m.Int64Counter("duplexvoice.capture.frames",
		metric.WithDescription("Microphone frames encoded into PCM16 chunks."),
	); err != nil {
		return nil, err
	}
	if met.CaptureDropped, err = m.Int64Counter("duplexvoice.capture.dropped",
		metric.WithDescription("Captured frames dropped before transmission, by reason."),
	); err != nil {
		return nil, err
	}
	if met.ChunksSent, err = m.Int64Counter("duplexvoice.transmit.chunks",
		metric.WithDescription("Encoded chunks sent to the remote voice service."),
	); err != nil {
		return nil, err
	}
	if met.TransmitErrors, err = m.Int64Counter("duplexvoice.transmit.errors",
		metric.WithDescription("Encoded chunks that failed to send."),
	); err != nil {
		return nil, err
	}

	// Playback.
	if met.ChunksReceived, err = m.Int64Counter("duplexvoice.playback.chunks_received",
		metric.WithDescription("Inbound synthesised audio payloads."),
	); err != nil {
		return nil, err
	}
	if met.ChunksScheduled, err = m.Int64Counter("duplexvoice.playback.chunks_scheduled",
		metric.WithDescription("Decoded buffers submitted to the output device."),
	); err != nil {
		return nil, err
	}
	if met.ChunksRejected, err = m.Int64Counter("duplexvoice.playback.chunks_rejected",
		metric.WithDescription("Inbound payloads not scheduled, by reason."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackLookahead, err = m.Float64Histogram("duplexvoice.playback.lookahead",
		metric.WithDescription("Distance between the device clock and a buffer's scheduled start."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackGap, err = m.Float64Histogram("duplexvoice.playback.gap",
		metric.WithDescription("Silence between consecutive buffers caused by late arrival."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Remote.
	if met.RemoteEvents, err = m.Int64Counter("duplexvoice.remote.events",
		metric.WithDescription("Control events received from the remote, by kind."),
	); err != nil {
		return nil, err
	}
	if met.HandshakeDuration, err = m.Float64Histogram("duplexvoice.remote.handshake.duration",
		metric.WithDescription("Time from dial to the remote's ready signal."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Sessions.
	if met.ActiveSessions, err = m.Int64UpDownCounter("duplexvoice.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("duplexvoice.session.duration",
		metric.WithDescription("Voice session lifetime."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionsClosed, err = m.Int64Counter("duplexvoice.sessions.closed",
		metric.WithDescription("Closed voice sessions by close reason."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("duplexvoice.http.request.duration",
		metric.WithDescription("Control API request latency by method, route and status."),
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

// RecordCaptureDrop records a dropped capture frame.
func (m *Metrics) RecordCaptureDrop(ctx context.Context, reason string) {
	m.CaptureDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordChunkRejected records an inbound payload that was not scheduled.
func (m *Metrics) RecordChunkRejected(ctx context.Context, reason string) {
	m.ChunksRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordRemoteEvent records a control event from the remote.
func (m *Metrics) RecordRemoteEvent(ctx context.Context, kind string) {
	m.RemoteEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordSessionClosed records the end of a session with its close reason and
// lifetime.
func (m *Metrics) RecordSessionClosed(ctx context.Context, reason string, lifetime time.Duration) {
	m.SessionsClosed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.SessionDuration.Record(ctx, lifetime.Seconds())
}
