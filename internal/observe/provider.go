package observe

import (
	"context"
	"errors"

	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName is the service name reported in telemetry. Default: "memoscribe".
	ServiceName string

	// ServiceVersion is the service version reported in telemetry.
	ServiceVersion string

	// Deployment describes how this instance transcribes. It is attached to
	// the resource so that dashboards can split latency by setup.
	Deployment Deployment

	// TraceExporter is an optional span exporter. When nil, spans are
	// recorded but not exported.
	TraceExporter sdktrace.SpanExporter
}

// Deployment is the transcription setup reported as resource attributes.
// Zero fields are omitted.
type Deployment struct {
	ModelProvider string
	FeaturesMode  string
	Engines       int
	MaxChunks     int
	Fallbacks     []string
}

// attributes returns d as memoscribe.* resource attributes.
func (d Deployment) attributes() []attribute.KeyValue {
	var kv []attribute.KeyValue
	if d.ModelProvider != "" {
		kv = append(kv, attribute.String("memoscribe.model.provider", d.ModelProvider))
	}
	if d.FeaturesMode != "" {
		kv = append(kv, attribute.String("memoscribe.features.mode", d.FeaturesMode))
	}
	if d.Engines > 0 {
		kv = append(kv, attribute.Int("memoscribe.pipeline.engines", d.Engines))
	}
	// 0 means unbounded and is worth reporting.
	kv = append(kv, attribute.Int("memoscribe.pipeline.max_chunks", d.MaxChunks))
	if len(d.Fallbacks) > 0 {
		kv = append(kv, attribute.StringSlice("memoscribe.fallbacks", d.Fallbacks))
	}
	return kv
}

// newResource describes this service for every exported metric and span.
func newResource(cfg ProviderConfig) (*resource.Resource, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "memoscribe"
	}
	attrs := append([]attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}, cfg.Deployment.attributes()...)
	// Schemaless, so the merge cannot conflict with the SDK default's schema.
	return resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
}

// InitProvider initialises the OTel SDK with the given config. It sets up:
//
//   - A [sdkmetric.MeterProvider] with a Prometheus exporter registered on
//     the default Prometheus registerer, so promhttp.Handler serves /metrics.
//   - A [sdktrace.TracerProvider] with the configured exporter (or a no-op
//     exporter if none is provided).
//
// Both share a resource carrying the service identity and cfg.Deployment,
// and both are registered as the global OTel providers.
//
// Returns a shutdown function that flushes and closes exporters. Call it in a
// defer from main().
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}

	var shutdownFuncs []func(context.Context) error

	// --- Metrics: Prometheus exporter bridge ---
	promExp, err := promexporter.New()
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(mp)
	shutdownFuncs = append(shutdownFuncs, mp.Shutdown)

	// --- Traces ---
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	shutdownFuncs = append(shutdownFuncs, tp.Shutdown)

	// Combined shutdown.
	shutdown = func(ctx context.Context) error {
		var errs []error
		for _, fn := range shutdownFuncs {
			if e := fn(ctx); e != nil {
				errs = append(errs, e)
			}
		}
		return errors.Join(errs...)
	}

	return shutdown, nil
}
