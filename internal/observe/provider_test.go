package observe

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func TestInitProvider_InstallsGlobalProviders(t *testing.T) {
	origMP := otel.GetMeterProvider()
	origTP := otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	shutdown, err := InitProvider(context.Background(), ProviderConfig{
		Provider:       "gemini-live",
		ServiceVersion: "test",
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}

	if otel.GetMeterProvider() == origMP {
		t.Error("global meter provider was not replaced")
	}
	if otel.GetTracerProvider() == origTP {
		t.Error("global tracer provider was not replaced")
	}

	// The installed tracer provider mints real IDs; that is what lets Logger
	// stitch trace_id into the logs.
	_, span := StartSpan(context.Background(), "telemetry-check")
	if !span.SpanContext().HasTraceID() {
		t.Error("span from the installed provider has no trace ID")
	}
	span.End()

	// Metrics recorded through the installed provider must reach the
	// Prometheus gatherer the debug listener serves.
	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordTurn(context.Background(), "user")

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, f := range families {
		if strings.Contains(f.GetName(), "turns") {
			found = true
			break
		}
	}
	if !found {
		t.Error("recorded turn counter never reached the Prometheus gatherer")
	}

	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestNewResource_DescribesProcess(t *testing.T) {
	res, err := newResource(context.Background(), ProviderConfig{
		Provider:       "openai-realtime",
		ServiceVersion: "1.2.3",
	})
	if err != nil {
		t.Fatalf("newResource: %v", err)
	}

	set := res.Set()
	if v, ok := set.Value(semconv.ServiceNameKey); !ok || v.AsString() != "parley" {
		t.Errorf("service.name = %q, want %q", v.AsString(), "parley")
	}
	if v, ok := set.Value(semconv.ServiceVersionKey); !ok || v.AsString() != "1.2.3" {
		t.Errorf("service.version = %q, want %q", v.AsString(), "1.2.3")
	}
	if v, ok := set.Value(attribute.Key("parley.provider")); !ok || v.AsString() != "openai-realtime" {
		t.Errorf("parley.provider = %q, want %q", v.AsString(), "openai-realtime")
	}
}

func TestNewResource_OmitsEmptyProvider(t *testing.T) {
	res, err := newResource(context.Background(), ProviderConfig{ServiceVersion: "dev"})
	if err != nil {
		t.Fatalf("newResource: %v", err)
	}
	if _, ok := res.Set().Value(attribute.Key("parley.provider")); ok {
		t.Error("parley.provider attribute set despite no configured backend")
	}
}
