// Package observe provides application-wide observability primitives for
// Cadenza: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Cadenza metrics.
const meterName = "github.com/cadenza-voice/cadenza"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks how long session establishment takes, from
	// Connect to the backend's readiness confirmation.
	ConnectDuration metric.Float64Histogram

	// TimeToFirstAudio tracks playback time-to-first-audio per utterance.
	TimeToFirstAudio metric.Float64Histogram

	// STTLatency tracks the delay between an input commit and its user
	// transcript.
	STTLatency metric.Float64Histogram

	// ResponseLatency tracks the delay between an input commit and the first
	// assistant audio of the reply.
	ResponseLatency metric.Float64Histogram

	// --- Counters ---

	// Reconnects counts automatic session reconnections.
	Reconnects metric.Int64Counter

	// SpeechSegments counts detected speech segments.
	SpeechSegments metric.Int64Counter

	// PlaybackUnderruns counts mid-utterance playback queue underruns.
	PlaybackUnderruns metric.Int64Counter

	// ChunksDropped counts audio fragments dropped by playback, either from
	// decode failures or interruption. Use with attribute:
	//   attribute.String("reason", ...)
	ChunksDropped metric.Int64Counter

	// SyncUploads counts recording sync attempts. Use with attribute:
	//   attribute.String("status", "uploaded"|"failed")
	SyncUploads metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions (0 or 1 per
	// process today, kept additive for multi-conversation futures).
	ActiveSessions metric.Int64UpDownCounter

	// PendingRecordings tracks recordings awaiting upload.
	PendingRecordings metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for interactive voice latencies.
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
	if met.ConnectDuration, err = m.Float64Histogram("cadenza.connect.duration",
		metric.WithDescription("Time from Connect to session readiness."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TimeToFirstAudio, err = m.Float64Histogram("cadenza.playback.ttfa",
		metric.WithDescription("Time from first queued fragment to first audible sample."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.STTLatency, err = m.Float64Histogram("cadenza.stt.latency",
		metric.WithDescription("Delay between input commit and user transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResponseLatency, err = m.Float64Histogram("cadenza.response.latency",
		metric.WithDescription("Delay between input commit and first assistant audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Reconnects, err = m.Int64Counter("cadenza.session.reconnects",
		metric.WithDescription("Total automatic session reconnections."),
	); err != nil {
		return nil, err
	}
	if met.SpeechSegments, err = m.Int64Counter("cadenza.vad.speech_segments",
		metric.WithDescription("Total detected speech segments."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackUnderruns, err = m.Int64Counter("cadenza.playback.underruns",
		metric.WithDescription("Total mid-utterance playback queue underruns."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("cadenza.playback.chunks_dropped",
		metric.WithDescription("Total dropped audio fragments by reason."),
	); err != nil {
		return nil, err
	}
	if met.SyncUploads, err = m.Int64Counter("cadenza.recording.sync_uploads",
		metric.WithDescription("Total recording sync attempts by status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("cadenza.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.PendingRecordings, err = m.Int64UpDownCounter("cadenza.recording.pending",
		metric.WithDescription("Number of recordings awaiting upload."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("cadenza.http.request.duration",
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

// RecordSyncUpload records one recording sync attempt with its outcome.
func (m *Metrics) RecordSyncUpload(ctx context.Context, status string) {
	m.SyncUploads.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordChunkDropped records one dropped playback fragment with its reason.
func (m *Metrics) RecordChunkDropped(ctx context.Context, reason string) {
	m.ChunksDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordSpeechSegment records one completed speech segment.
func (m *Metrics) RecordSpeechSegment(ctx context.Context) {
	m.SpeechSegments.Add(ctx, 1)
}

// RecordReconnect records one successful automatic reconnection.
func (m *Metrics) RecordReconnect(ctx context.Context) {
	m.Reconnects.Add(ctx, 1)
}
