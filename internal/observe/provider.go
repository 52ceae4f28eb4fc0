package observe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Resource attribute keys describing the speech session a process serves.
const (
	AttrTTSProvider = attribute.Key("speechdeck.tts.provider")
	AttrSTTProvider = attribute.Key("speechdeck.stt.provider")
	AttrLanguage    = attribute.Key("speechdeck.session.language")
)

// ProviderConfig describes the process to the OpenTelemetry SDK.
type ProviderConfig struct {
	// ServiceName defaults to "speechdeck".
	ServiceName    string
	ServiceVersion string

	// SessionID is reported as service.instance.id. Pass the same value to
	// the controller so logs, state snapshots and metrics line up.
	SessionID string

	// TTSProvider, STTProvider and Language are the configured backends and
	// recognition language. Empty values are omitted.
	TTSProvider string
	STTProvider string
	Language    string

	// TraceExporter is optional. Without it spans are recorded for
	// trace-aware logging but never exported.
	TraceExporter sdktrace.SpanExporter
}

// Telemetry owns the SDK providers installed by [InitProvider].
type Telemetry struct {
	registry *prometheus.Registry
	resource *resource.Resource
	shutdown []func(context.Context) error
}

// InitProvider installs a MeterProvider that exports to a private Prometheus
// registry and a TracerProvider, both as the global OTel providers. The
// registry is served by [Telemetry.Handler].
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Telemetry, error) {
	res, err := NewResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	promExp, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return &Telemetry{
		registry: reg,
		resource: res,
		shutdown: []func(context.Context) error{mp.Shutdown, tp.Shutdown},
	}, nil
}

// NewResource builds the OTel resource for cfg.
func NewResource(ctx context.Context, cfg ProviderConfig) (*resource.Resource, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "speechdeck"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.SessionID != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(cfg.SessionID))
	}
	if cfg.TTSProvider != "" {
		attrs = append(attrs, AttrTTSProvider.String(cfg.TTSProvider))
	}
	if cfg.STTProvider != "" {
		attrs = append(attrs, AttrSTTProvider.String(cfg.STTProvider))
	}
	if cfg.Language != "" {
		attrs = append(attrs, AttrLanguage.String(cfg.Language))
	}
	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithFromEnv(),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}
	return res, nil
}

// Resource returns the resource attached to every metric and span.
func (t *Telemetry) Resource() *resource.Resource {
	return t.resource
}

// Handler serves the Prometheus exposition of all OTel metrics.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and closes both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range t.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
