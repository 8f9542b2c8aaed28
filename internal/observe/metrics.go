// Package observe provides application-wide observability primitives
// for callscribe: OpenTelemetry metrics with a Prometheus exporter
// bridge so the standard /metrics endpoint keeps working.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is
// provided for convenience; tests should use [NewMetrics] with a
// custom [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for all callscribe metrics.
const meterName = "github.com/tkellem/callscribe"

// Metrics holds all OpenTelemetry metric instruments for the
// application. All fields are safe for concurrent use — the underlying
// OTel types handle their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// STTDuration tracks speech-to-text call latency. Attributes:
	//   attribute.String("backend", ...), attribute.String("status", ...)
	STTDuration metric.Float64Histogram

	// SegmentDuration tracks the audio length of emitted segments.
	SegmentDuration metric.Float64Histogram

	// --- Counters ---

	// AudioChunks counts decoded media chunks by speaker.
	AudioChunks metric.Int64Counter

	// Segments counts emitted speech segments by speaker.
	Segments metric.Int64Counter

	// Transcripts counts produced transcripts. Attributes:
	//   attribute.String("speaker", ...), attribute.Bool("final", ...)
	Transcripts metric.Int64Counter

	// HallucinationRejects counts filtered STT results by rule.
	HallucinationRejects metric.Int64Counter

	// Drops counts discarded work by reason: "ingress_overflow",
	// "segment_queue_full", "subscriber_overflow", "pre_start_expired".
	Drops metric.Int64Counter

	// STTErrors counts provider faults by kind ("transient", "fatal").
	STTErrors metric.Int64Counter

	// StreamsTerminated counts streaming STT directions that ended
	// after a failed reconnect.
	StreamsTerminated metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live call sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveSubscribers tracks attached transcript subscribers.
	ActiveSubscribers metric.Int64UpDownCounter

	// ActiveStreams tracks open streaming STT connections.
	ActiveStreams metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds)
// sized for segment lengths and provider round trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the
// given [metric.MeterProvider]. Returns an error if any instrument
// creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("callscribe.stt.duration",
		metric.WithDescription("Latency of speech-to-text calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SegmentDuration, err = m.Float64Histogram("callscribe.segment.duration",
		metric.WithDescription("Audio length of emitted speech segments."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.AudioChunks, err = m.Int64Counter("callscribe.audio.chunks",
		metric.WithDescription("Total decoded media chunks by speaker."),
	); err != nil {
		return nil, err
	}
	if met.Segments, err = m.Int64Counter("callscribe.segments",
		metric.WithDescription("Total emitted speech segments by speaker."),
	); err != nil {
		return nil, err
	}
	if met.Transcripts, err = m.Int64Counter("callscribe.transcripts",
		metric.WithDescription("Total transcripts by speaker and finality."),
	); err != nil {
		return nil, err
	}
	if met.HallucinationRejects, err = m.Int64Counter("callscribe.hallucination.rejects",
		metric.WithDescription("Total STT results rejected by the hallucination filter, by rule."),
	); err != nil {
		return nil, err
	}
	if met.Drops, err = m.Int64Counter("callscribe.drops",
		metric.WithDescription("Total discarded work items by reason."),
	); err != nil {
		return nil, err
	}
	if met.STTErrors, err = m.Int64Counter("callscribe.stt.errors",
		metric.WithDescription("Total STT provider faults by kind."),
	); err != nil {
		return nil, err
	}
	if met.StreamsTerminated, err = m.Int64Counter("callscribe.stt.streams_terminated",
		metric.WithDescription("Streaming STT directions that ended after a failed reconnect."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("callscribe.active_sessions",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSubscribers, err = m.Int64UpDownCounter("callscribe.active_subscribers",
		metric.WithDescription("Number of attached transcript subscribers."),
	); err != nil {
		return nil, err
	}
	if met.ActiveStreams, err = m.Int64UpDownCounter("callscribe.active_streams",
		metric.WithDescription("Number of open streaming STT connections."),
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

// DefaultMetrics returns the package-level [Metrics] instance, creating
// it on first call using [otel.GetMeterProvider]. Subsequent calls
// return the same pointer. Panics if instrument creation fails (should
// not happen with the global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce
// verbosity at call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTranscript records one produced transcript.
func (m *Metrics) RecordTranscript(ctx context.Context, speaker string, final bool) {
	m.Transcripts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("speaker", speaker),
			attribute.String("final", strconv.FormatBool(final)),
		),
	)
}

// RecordDrop records one discarded work item.
func (m *Metrics) RecordDrop(ctx context.Context, reason string) {
	m.Drops.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordHallucination records one filtered STT result.
func (m *Metrics) RecordHallucination(ctx context.Context, rule string) {
	m.HallucinationRejects.Add(ctx, 1, metric.WithAttributes(attribute.String("rule", rule)))
}

// RecordSTTError records one provider fault.
func (m *Metrics) RecordSTTError(ctx context.Context, kind string) {
	m.STTErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
