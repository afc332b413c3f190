// Package telemetry wraps OpenTelemetry's trace and metric SDKs for the
// gate kernel's ambient instrumentation (spec.md §4.M domain stack): a
// span around every gated operation and a RED (rate, errors, duration)
// metric set, grounded on the teacher's pkg/observability package. This
// gateway has no OTLP collector to ship spans to, so no exporter is
// wired: the tracer provider has no span processor registered by default
// (spans are captured only if a caller registers one), and metrics go to
// a manual reader, so a write never depends on an external collector
// being reachable.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Provider manages the process-wide tracer and meter for the gate
// kernel. Exactly one is constructed per Gateway, mirroring the
// teacher's one-Provider-per-process observability wiring.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	reader         *sdkmetric.ManualReader
	tracer         trace.Tracer
	meter          metric.Meter

	requestCounter metric.Int64Counter
	errorCounter   metric.Int64Counter
	durationHist   metric.Float64Histogram
}

// New builds a Provider whose tracer provider has no span processor
// registered and whose metrics go to a manual reader, so ambient
// instrumentation works without an OTLP endpoint configured.
func New(serviceVersion string) (*Provider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("gatekernel"),
			semconv.ServiceVersion(serviceVersion),
			attribute.String("gatekernel.component", "gateway"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build telemetry resource: %w", err)
	}

	p := &Provider{}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(p.tracerProvider)

	p.reader = sdkmetric.NewManualReader()
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(p.reader),
	)
	otel.SetMeterProvider(p.meterProvider)

	p.tracer = p.tracerProvider.Tracer("gatekernel/gateway", trace.WithInstrumentationVersion(serviceVersion))
	p.meter = p.meterProvider.Meter("gatekernel/gateway", metric.WithInstrumentationVersion(serviceVersion))

	if err := p.initREDMetrics(); err != nil {
		return nil, fmt.Errorf("failed to init RED metrics: %w", err)
	}
	return p, nil
}

func (p *Provider) initREDMetrics() error {
	var err error
	p.requestCounter, err = p.meter.Int64Counter("gatekernel.requests.total",
		metric.WithDescription("Total number of gated operations processed"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}
	p.errorCounter, err = p.meter.Int64Counter("gatekernel.errors.total",
		metric.WithDescription("Total number of gated operations that returned an error"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}
	p.durationHist, err = p.meter.Float64Histogram("gatekernel.operation.duration",
		metric.WithDescription("Gated operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0),
	)
	return err
}

// Tracer returns the gateway's tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// TrackOperation starts a span named name and returns a function to call
// on completion with the operation's outcome, folding duration and
// error-rate metrics into the same attribute set as the span.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(attrs...))
	p.requestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	return ctx, func(err error) {
		p.durationHist.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		if err != nil {
			span.RecordError(err)
			allAttrs := append(append([]attribute.KeyValue{}, attrs...), attribute.String("error.type", fmt.Sprintf("%T", err)))
			p.errorCounter.Add(ctx, 1, metric.WithAttributes(allAttrs...))
		}
		span.End()
	}
}

// Shutdown flushes and releases the tracer and meter providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		return err
	}
	return p.meterProvider.Shutdown(ctx)
}
