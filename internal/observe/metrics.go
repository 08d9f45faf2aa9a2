// Package observe provides application-wide observability primitives for
// parolfluo: OpenTelemetry metrics, tracing helpers, and HTTP middleware
// that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from the /metrics endpoint on the web UI server. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all parolfluo metrics.
const meterName = "github.com/parolfluo/parolfluo"

// Metrics holds all OpenTelemetry metric instruments for the pipeline.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Capture ---

	// FramesCaptured counts audio frames emitted by the capture source.
	FramesCaptured metric.Int64Counter

	// FramesDropped counts frames discarded because the capture queue was
	// full.
	FramesDropped metric.Int64Counter

	// AudioRebinds counts capture device re-binds (default-device change,
	// dead stream, device error).
	AudioRebinds metric.Int64Counter

	// --- Pipeline ---

	// TranscriptEvents counts recognizer events. Use with attribute:
	//   attribute.String("kind", "partial"|"final")
	TranscriptEvents metric.Int64Counter

	// PipelineStalls counts recognizer sends blocked for longer than the
	// stall threshold.
	PipelineStalls metric.Int64Counter

	// --- Sinks ---

	// CaptionPosts counts caption POST outcomes. Use with attribute:
	//   attribute.String("status", "ok"|"error"|"dropped")
	CaptionPosts metric.Int64Counter

	// CaptionRetries counts caption POST retry attempts.
	CaptionRetries metric.Int64Counter

	// TranslationRequests counts translation calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("target", ...), attribute.String("status", ...)
	TranslationRequests metric.Int64Counter

	// WebhookFlushes counts webhook batch deliveries. Use with attribute:
	//   attribute.String("status", "ok"|"error"|"dropped")
	WebhookFlushes metric.Int64Counter

	// WebhookRetries counts webhook delivery retry attempts.
	WebhookRetries metric.Int64Counter

	// --- Web UI ---

	// WebsocketClients tracks the number of connected board clients.
	WebsocketClients metric.Int64UpDownCounter

	// WebsocketDrops counts messages dropped from full per-client queues.
	WebsocketDrops metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Capture counters.
	if met.FramesCaptured, err = m.Int64Counter("parolfluo.audio.frames_captured",
		metric.WithDescription("Total audio frames emitted by the capture source."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("parolfluo.audio.frames_dropped",
		metric.WithDescription("Total frames dropped from the full capture queue."),
	); err != nil {
		return nil, err
	}
	if met.AudioRebinds, err = m.Int64Counter("parolfluo.audio.rebinds",
		metric.WithDescription("Total capture device re-binds."),
	); err != nil {
		return nil, err
	}

	// Pipeline counters.
	if met.TranscriptEvents, err = m.Int64Counter("parolfluo.transcript.events",
		metric.WithDescription("Total transcript events by kind."),
	); err != nil {
		return nil, err
	}
	if met.PipelineStalls, err = m.Int64Counter("parolfluo.pipeline.stalls",
		metric.WithDescription("Total recognizer sends blocked beyond the stall threshold."),
	); err != nil {
		return nil, err
	}

	// Sink counters.
	if met.CaptionPosts, err = m.Int64Counter("parolfluo.caption.posts",
		metric.WithDescription("Total caption POST attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.CaptionRetries, err = m.Int64Counter("parolfluo.caption.retries",
		metric.WithDescription("Total caption POST retries."),
	); err != nil {
		return nil, err
	}
	if met.TranslationRequests, err = m.Int64Counter("parolfluo.translation.requests",
		metric.WithDescription("Total translation requests by provider, target, and status."),
	); err != nil {
		return nil, err
	}
	if met.WebhookFlushes, err = m.Int64Counter("parolfluo.webhook.flushes",
		metric.WithDescription("Total webhook batch deliveries by status."),
	); err != nil {
		return nil, err
	}
	if met.WebhookRetries, err = m.Int64Counter("parolfluo.webhook.retries",
		metric.WithDescription("Total webhook delivery retries."),
	); err != nil {
		return nil, err
	}

	// Web UI.
	if met.WebsocketClients, err = m.Int64UpDownCounter("parolfluo.webui.clients",
		metric.WithDescription("Number of connected board websocket clients."),
	); err != nil {
		return nil, err
	}
	if met.WebsocketDrops, err = m.Int64Counter("parolfluo.webui.drops",
		metric.WithDescription("Total board messages dropped from full client queues."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parolfluo.http.request.duration",
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

// RecordTranscriptEvent records a transcript event counter increment with the
// kind attribute.
func (m *Metrics) RecordTranscriptEvent(ctx context.Context, kind string) {
	m.TranscriptEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordCaptionPost records a caption post counter increment with the
// outcome attribute.
func (m *Metrics) RecordCaptionPost(ctx context.Context, status string) {
	m.CaptionPosts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordTranslation records a translation request counter increment with the
// standard attribute set.
func (m *Metrics) RecordTranslation(ctx context.Context, provider, target, status string) {
	m.TranslationRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("target", target),
			attribute.String("status", status),
		),
	)
}

// RecordWebhookFlush records a webhook flush counter increment with the
// outcome attribute.
func (m *Metrics) RecordWebhookFlush(ctx context.Context, status string) {
	m.WebhookFlushes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
