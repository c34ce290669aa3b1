// Package observe carries parley's telemetry: OpenTelemetry instruments for
// turn latency and device health, the turn span, trace-aware loggers and the
// middleware in front of the probe listener.
//
// [DefaultMetrics] binds to the global meter provider, which [InitProvider]
// points at a Prometheus exporter. Tests build their own instruments with
// [NewMetrics] and a manual reader.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds parley's instruments. Fields are safe for concurrent use.
type Metrics struct {
	// --- Turn latency histograms (measured from end of speech) ---

	// FirstByteLatency tracks end of speech to the first reply event.
	FirstByteLatency metric.Float64Histogram

	// FirstAudioLatency tracks end of speech to the first reply audio.
	FirstAudioLatency metric.Float64Histogram

	// PlaybackEndLatency tracks end of speech to the end of playback.
	PlaybackEndLatency metric.Float64Histogram

	// UtteranceDuration tracks the length of accepted utterances.
	UtteranceDuration metric.Float64Histogram

	// SynthesisDuration tracks fallback synthesis latency.
	SynthesisDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// Turns counts finished turns. Use with attribute:
	//   attribute.String("outcome", ...)
	Turns metric.Int64Counter

	// BargeIns counts interruptions. Use with attribute:
	//   attribute.String("trigger", "transcript"|"acoustic")
	BargeIns metric.Int64Counter

	// DiscardedUtterances counts utterances dropped before upload. Use with
	// attribute: attribute.String("reason", ...)
	DiscardedUtterances metric.Int64Counter

	// StaleEvents counts events dropped because their turn was superseded.
	// Use with attribute: attribute.String("kind", ...)
	StaleEvents metric.Int64Counter

	// FallbackSyntheses counts replies spoken through fallback synthesis.
	FallbackSyntheses metric.Int64Counter

	// PlaybackRestarts counts output device restarts.
	PlaybackRestarts metric.Int64Counter

	// PlaybackDrops counts chunks dropped because the output was unavailable.
	PlaybackDrops metric.Int64Counter

	// CaptureDrops counts capture readings or frames dropped on full queues.
	// Use with attribute: attribute.String("kind", ...)
	CaptureDrops metric.Int64Counter

	// RecognizerRestarts counts live transcription restarts after benign
	// errors.
	RecognizerRestarts metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// RepliesInFlight tracks replies currently streaming.
	RepliesInFlight metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// utteranceBuckets covers utterance lengths from a short word to the
// maximum utterance duration.
var utteranceBuckets = []float64{
	0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histograms := []struct {
		dst     *metric.Float64Histogram
		name    string
		desc    string
		buckets []float64
	}{
		{&met.FirstByteLatency, "parley.turn.first_byte", "Latency from end of speech to the first reply event.", latencyBuckets},
		{&met.FirstAudioLatency, "parley.turn.first_audio", "Latency from end of speech to the first reply audio.", latencyBuckets},
		{&met.PlaybackEndLatency, "parley.turn.playback_end", "Latency from end of speech to the end of playback.", latencyBuckets},
		{&met.UtteranceDuration, "parley.utterance.duration", "Duration of accepted user utterances.", utteranceBuckets},
		{&met.SynthesisDuration, "parley.synthesis.duration", "Latency of fallback speech synthesis.", latencyBuckets},
	}
	for _, h := range histograms {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(h.buckets...),
		); err != nil {
			return nil, err
		}
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.ProviderRequests, "parley.provider.requests", "Total provider API requests by provider, kind, and status."},
		{&met.Turns, "parley.turns", "Total finished turns by outcome."},
		{&met.BargeIns, "parley.barge_ins", "Total barge-in interruptions by trigger."},
		{&met.DiscardedUtterances, "parley.utterances.discarded", "Total utterances discarded before upload by reason."},
		{&met.StaleEvents, "parley.events.stale", "Total events dropped because their turn was superseded."},
		{&met.FallbackSyntheses, "parley.fallback_syntheses", "Total replies spoken through fallback synthesis."},
		{&met.PlaybackRestarts, "parley.playback.restarts", "Total output device restarts."},
		{&met.PlaybackDrops, "parley.playback.drops", "Total playback chunks dropped."},
		{&met.CaptureDrops, "parley.capture.drops", "Total capture readings or frames dropped by kind."},
		{&met.RecognizerRestarts, "parley.recognizer.restarts", "Total live transcription restarts."},
		{&met.ProviderErrors, "parley.provider.errors", "Total provider errors by provider and kind."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.RepliesInFlight, err = m.Int64UpDownCounter("parley.replies_in_flight",
		metric.WithDescription("Number of replies currently streaming."),
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

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordTurn records the outcome of a finished turn.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordBargeIn records an interruption and what triggered it.
func (m *Metrics) RecordBargeIn(ctx context.Context, trigger string) {
	m.BargeIns.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}

// RecordDiscard records an utterance dropped before upload.
func (m *Metrics) RecordDiscard(ctx context.Context, reason string) {
	m.DiscardedUtterances.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordStale records an event dropped because its turn was superseded.
func (m *Metrics) RecordStale(ctx context.Context, kind string) {
	m.StaleEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordCaptureDrops adds n dropped capture items of the given kind.
func (m *Metrics) RecordCaptureDrops(ctx context.Context, kind string, n int64) {
	if n <= 0 {
		return
	}
	m.CaptureDrops.Add(ctx, n, metric.WithAttributes(attribute.String("kind", kind)))
}

// ObserveLatency records d in seconds on h.
func ObserveLatency(ctx context.Context, h metric.Float64Histogram, d time.Duration) {
	if d < 0 {
		return
	}
	h.Record(ctx, d.Seconds())
}
