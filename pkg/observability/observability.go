// Package observability wires OpenTelemetry tracing and metrics for the
// ticketing core: scan decision RED metrics, mint pipeline outcomes, and
// idempotency lifecycle counters.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC, e.g. "localhost:4317"
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "ticketing-core",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       false,
	}
}

// Provider manages the trace and metric providers. A disabled provider is
// safe to call everywhere and records nothing.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	logger         *slog.Logger

	scanCounter  metric.Int64Counter
	scanDuration metric.Float64Histogram
	mintCounter  metric.Int64Counter
	mintDuration metric.Float64Histogram
	idemCounter  metric.Int64Counter
	driftHist    metric.Float64Histogram
}

// New initializes the providers and registers them globally.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: metric provider: %w", err)
	}

	p.tracer = otel.Tracer("tickettoken.core",
		trace.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("observability: instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	meter := otel.Meter("tickettoken.core",
		metric.WithInstrumentationVersion(p.config.ServiceVersion))

	var err error
	if p.scanCounter, err = meter.Int64Counter("scan.decisions",
		metric.WithDescription("Scan decisions by result and reason")); err != nil {
		return err
	}
	if p.scanDuration, err = meter.Float64Histogram("scan.duration",
		metric.WithDescription("Scan decision latency"), metric.WithUnit("ms")); err != nil {
		return err
	}
	if p.mintCounter, err = meter.Int64Counter("mint.outcomes",
		metric.WithDescription("Mint pipeline outcomes by terminal point")); err != nil {
		return err
	}
	if p.mintDuration, err = meter.Float64Histogram("mint.duration",
		metric.WithDescription("Mint pipeline latency"), metric.WithUnit("ms")); err != nil {
		return err
	}
	if p.idemCounter, err = meter.Int64Counter("idempotency.events",
		metric.WithDescription("Idempotency lifecycle events")); err != nil {
		return err
	}
	if p.driftHist, err = meter.Float64Histogram("internal_auth.drift",
		metric.WithDescription("Internal RPC timestamp drift"), metric.WithUnit("s")); err != nil {
		return err
	}
	return nil
}

// Tracer returns the core tracer. Safe on a disabled provider.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("tickettoken.core")
	}
	return p.tracer
}

// RecordScan records one scan decision.
func (p *Provider) RecordScan(ctx context.Context, result, reason string, elapsed time.Duration) {
	if p.scanCounter == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("result", result),
		attribute.String("reason", reason),
	)
	p.scanCounter.Add(ctx, 1, attrs)
	p.scanDuration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
}

// RecordMint records one mint pipeline run ending at point.
func (p *Provider) RecordMint(ctx context.Context, point string, elapsed time.Duration) {
	if p.mintCounter == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("point", point))
	p.mintCounter.Add(ctx, 1, attrs)
	p.mintDuration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
}

// Event implements the idempotency store's lifecycle recorder.
func (p *Provider) Event(kind string) {
	if p.idemCounter == nil {
		return
	}
	p.idemCounter.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("event", kind)))
}

// ObserveDrift records one internal-auth timestamp drift sample.
func (p *Provider) ObserveDrift(d time.Duration) {
	if p.driftHist == nil {
		return
	}
	if d < 0 {
		d = -d
	}
	p.driftHist.Record(context.Background(), d.Seconds())
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
