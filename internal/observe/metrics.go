// Package observe holds the lip-sync server's telemetry: OpenTelemetry
// instruments scraped through the Prometheus bridge built by [InitProvider],
// session-aware spans and loggers, and the HTTP middleware.
package observe

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/MrWong99/lipsync"

// Frame kinds recorded by FramesComposited.
const (
	FrameIdle    = "idle"
	FrameTalking = "talking"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// InferenceDuration tracks one batched lip-sync model call.
	InferenceDuration metric.Float64Histogram

	// TTSDuration tracks time from request to last PCM byte of an utterance.
	TTSDuration metric.Float64Histogram

	// TTSFirstByte tracks time to the first PCM byte of an utterance.
	TTSFirstByte metric.Float64Histogram

	// LLMDuration tracks a full chat reply.
	LLMDuration metric.Float64Histogram

	// ProviderRequests counts provider calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors by provider and kind.
	ProviderErrors metric.Int64Counter

	// FramesComposited counts frames handed to the media pump, by kind
	// ([FrameIdle] or [FrameTalking]).
	FramesComposited metric.Int64Counter

	// FramesDropped counts frames the compositor had to skip.
	FramesDropped metric.Int64Counter

	// Utterances counts utterances spoken by the avatar.
	Utterances metric.Int64Counter

	// ActiveSessions tracks the number of live avatar sessions.
	ActiveSessions metric.Int64UpDownCounter

	// QueueDepth samples pipeline queue occupancy, by attribute "queue".
	QueueDepth metric.Int64Gauge

	// HTTPRequestDuration tracks HTTP request processing time.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates every instrument on a meter from mp. Tests pass a
// provider backed by a manual reader.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := builder{meter: mp.Meter(meterName)}
	met := &Metrics{
		InferenceDuration: b.latency("lipsync.inference.duration", "Latency of one batched lip-sync inference."),
		TTSDuration:       b.latency("lipsync.tts.duration", "Time from synthesis request to the last PCM byte."),
		TTSFirstByte:      b.latency("lipsync.tts.first_byte", "Time from synthesis request to the first PCM byte."),
		LLMDuration:       b.latency("lipsync.llm.duration", "Duration of a streamed chat reply."),
		ProviderRequests:  b.counter("lipsync.provider.requests", "Provider calls by provider, kind and status."),
		ProviderErrors:    b.counter("lipsync.provider.errors", "Provider failures by provider and kind."),
		FramesComposited:  b.counter("lipsync.frames.composited", "Video frames produced by the compositor, by kind."),
		FramesDropped:     b.counter("lipsync.frames.dropped", "Video frames skipped by the compositor."),
		Utterances:        b.counter("lipsync.utterances", "Utterances spoken by the avatar."),
	}
	met.ActiveSessions, b.err = b.upDown("lipsync.active_sessions", "Live avatar sessions.")
	if b.err == nil {
		met.QueueDepth, b.err = b.meter.Int64Gauge("lipsync.queue.depth",
			metric.WithDescription("Pipeline queue occupancy by queue name."))
	}
	if b.err == nil {
		met.HTTPRequestDuration, b.err = b.meter.Float64Histogram("lipsync.http.request.duration",
			metric.WithDescription("HTTP request latency by method, route and status."),
			metric.WithUnit("s"))
	}
	if b.err != nil {
		return nil, b.err
	}
	return met, nil
}

// builder creates instruments and keeps the first error so NewMetrics can
// declare them in one literal.
type builder struct {
	meter metric.Meter
	err   error
}

func (b *builder) latency(name, desc string) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	b.keep(err)
	return h
}

func (b *builder) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.keep(err)
	return c
}

func (b *builder) upDown(name, desc string) (metric.Int64UpDownCounter, error) {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	if b.err != nil {
		return c, b.err
	}
	return c, err
}

func (b *builder) keep(err error) {
	if b.err == nil && err != nil {
		b.err = fmt.Errorf("observe: create instrument: %w", err)
	}
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest counts one provider call. status is "ok" or
// "error".
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		Attr("provider", provider), Attr("kind", kind), Attr("status", status)))
}

func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(Attr("provider", provider), Attr("kind", kind)))
}

// RecordFrame counts one composited frame of the given kind.
func (m *Metrics) RecordFrame(ctx context.Context, session, kind string) {
	m.FramesComposited.Add(ctx, 1, metric.WithAttributes(Attr("session", session), Attr("kind", kind)))
}

// RecordQueueDepth samples the occupancy of a named queue.
func (m *Metrics) RecordQueueDepth(ctx context.Context, session, queue string, depth int) {
	m.QueueDepth.Record(ctx, int64(depth), metric.WithAttributes(Attr("session", session), Attr("queue", queue)))
}
