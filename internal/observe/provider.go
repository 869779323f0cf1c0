package observe

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// serviceName identifies this binary in exported telemetry.
const serviceName = "parley"

// ProviderConfig configures the process-wide telemetry providers.
type ProviderConfig struct {
	// Provider is the configured conversation backend ("gemini-live",
	// "openai-realtime"). It becomes a resource attribute so one dashboard
	// can split a mixed fleet by backend without relabelling every
	// instrument.
	Provider string

	// ServiceVersion is the build version stamped into the telemetry
	// resource.
	ServiceVersion string
}

// InitProvider installs the global OTel providers for one parley process.
// Metrics flow through the Prometheus bridge and surface on the debug
// listener's /metrics endpoint. Spans are recorded but not exported: their
// job here is minting the trace and span IDs that [Logger] stitches into the
// logs, so one conversation's log lines can be grepped back together.
//
// The returned function flushes and shuts both providers down.
func InitProvider(ctx context.Context, cfg ProviderConfig) (func(context.Context) error, error) {
	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	mp, err := newMeterProvider(res)
	if err != nil {
		return nil, fmt.Errorf("observe: meter provider: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx), tp.Shutdown(ctx))
	}, nil
}

// newResource describes this process: the service identity plus the
// conversation backend it talks to.
func newResource(ctx context.Context, cfg ProviderConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.Provider != "" {
		attrs = append(attrs, attribute.String("parley.provider", cfg.Provider))
	}
	return resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(attrs...),
	)
}

// newMeterProvider wires the Prometheus bridge. The debug listener answers
// locally in milliseconds, so the route-latency histogram gets buckets on
// that scale instead of the SDK defaults.
func newMeterProvider(res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	bridge, err := promexporter.New()
	if err != nil {
		return nil, err
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(bridge),
		sdkmetric.WithView(sdkmetric.NewView(
			sdkmetric.Instrument{Name: "parley.http.request.duration"},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
				Boundaries: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			}},
		)),
	), nil
}
