// Package observe provides observability primitives for speechdeck:
// OpenTelemetry metrics, tracing, trace-aware structured logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported for
// Prometheus scraping via [InitProvider]. A package-level [DefaultMetrics]
// instance exists for convenience; tests should use [NewMetrics] with their
// own [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of all speechdeck metrics.
const meterName = "github.com/MrWong99/speechdeck"

// Status attribute values.
const (
	StatusOK       = "ok"
	StatusError    = "error"
	StatusRejected = "rejected"
)

// Metrics holds the OpenTelemetry instruments of the application. All fields
// are safe for concurrent use.
type Metrics struct {
	// TTSDuration tracks how long a synthesis dispatch takes until the
	// backend accepted or rejected it.
	TTSDuration metric.Float64Histogram

	// STTSessionDuration tracks the lifetime of recognition sessions.
	STTSessionDuration metric.Float64Histogram

	// SpeakRequests counts Speak calls. Attributes: status.
	SpeakRequests metric.Int64Counter

	// CatalogRefreshes counts voice catalogue deliveries to the controller.
	CatalogRefreshes metric.Int64Counter

	// CatalogVoices tracks the size of the current voice catalogue.
	CatalogVoices metric.Int64UpDownCounter

	// TranscriptUpdates counts transcript values emitted by recognition.
	TranscriptUpdates metric.Int64Counter

	// Listening is 1 while a recognition session is open.
	Listening metric.Int64UpDownCounter

	// ProviderRequests counts provider API calls. Attributes: provider,
	// kind, status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider failures. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Attributes:
	// breaker, state.
	BreakerTransitions metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, path.
	HTTPRequestDuration metric.Float64Histogram
}

var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TTSDuration, err = m.Float64Histogram("speechdeck.tts.duration",
		metric.WithDescription("Latency of handing an utterance to the text-to-speech backend."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.STTSessionDuration, err = m.Float64Histogram("speechdeck.stt.session.duration",
		metric.WithDescription("Lifetime of speech-to-text recognition sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	if met.SpeakRequests, err = m.Int64Counter("speechdeck.speak.requests",
		metric.WithDescription("Total speak requests by status."),
	); err != nil {
		return nil, err
	}
	if met.CatalogRefreshes, err = m.Int64Counter("speechdeck.catalog.refreshes",
		metric.WithDescription("Total voice catalogue refreshes delivered to the session."),
	); err != nil {
		return nil, err
	}
	if met.CatalogVoices, err = m.Int64UpDownCounter("speechdeck.catalog.voices",
		metric.WithDescription("Number of voices in the current catalogue."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptUpdates, err = m.Int64Counter("speechdeck.transcript.updates",
		metric.WithDescription("Total cumulative transcript updates emitted by recognition."),
	); err != nil {
		return nil, err
	}
	if met.Listening, err = m.Int64UpDownCounter("speechdeck.listening",
		metric.WithDescription("Number of open recognition sessions."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("speechdeck.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("speechdeck.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("speechdeck.breaker.transitions",
		metric.WithDescription("Total circuit breaker state changes by breaker and new state."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("speechdeck.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call from [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with a well-formed global provider.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest increments ProviderRequests with the standard
// attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError increments ProviderErrors.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordSpeak increments SpeakRequests.
func (m *Metrics) RecordSpeak(ctx context.Context, status string) {
	m.SpeakRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordCatalog counts a catalogue refresh and moves CatalogVoices from prev
// to n voices.
func (m *Metrics) RecordCatalog(ctx context.Context, prev, n int) {
	m.CatalogRefreshes.Add(ctx, 1)
	if d := n - prev; d != 0 {
		m.CatalogVoices.Add(ctx, int64(d))
	}
}

// RecordBreakerTransition increments BreakerTransitions.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("state", state),
		),
	)
}
