// Package telemetry provides logging and OpenTelemetry instrumentation for terradrift.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/terradrift/internal/config"
)

// InstrumentationName is the tracer and meter name used across terradrift.
const InstrumentationName = "terradrift"

// Provider wraps OTEL tracer and meter providers.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
}

// NewProvider creates a new telemetry provider and installs it globally.
// Extra readers (e.g. a Prometheus exporter) are attached to the meter provider.
func NewProvider(ctx context.Context, cfg config.OTELConfig, readers ...sdkmetric.Reader) (*Provider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	p := &Provider{}

	if err := p.setupTracing(ctx, cfg, res); err != nil {
		return nil, err
	}

	if err := p.setupMetrics(ctx, cfg, res, readers); err != nil {
		if p.tracerProvider != nil {
			_ = p.tracerProvider.Shutdown(ctx)
		}
		return nil, err
	}

	return p, nil
}

func (p *Provider) setupTracing(ctx context.Context, cfg config.OTELConfig, res *resource.Resource) error {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}

	if cfg.Traces.Enabled && cfg.Endpoint != "" {
		exp, err := createTraceExporter(ctx, cfg)
		if err != nil {
			return fmt.Errorf("create trace exporter: %w", err)
		}
		sampler := sdktrace.TraceIDRatioBased(cfg.Traces.SampleRate)
		opts = append(opts, sdktrace.WithBatcher(exp), sdktrace.WithSampler(sampler))
	}

	p.tracerProvider = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(p.tracerProvider)
	p.tracer = p.tracerProvider.Tracer(InstrumentationName)

	return nil
}

func (p *Provider) setupMetrics(ctx context.Context, cfg config.OTELConfig, res *resource.Resource, readers []sdkmetric.Reader) error {
	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
	}

	if cfg.Metrics.Enabled && cfg.Endpoint != "" {
		exp, err := createMetricExporter(ctx, cfg)
		if err != nil {
			return fmt.Errorf("create metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)))
	}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	p.meterProvider = sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(p.meterProvider)
	p.meter = p.meterProvider.Meter(InstrumentationName)

	return nil
}

func createTraceExporter(ctx context.Context, cfg config.OTELConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

func createMetricExporter(ctx context.Context, cfg config.OTELConfig) (sdkmetric.Exporter, error) {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	return otlpmetricgrpc.New(ctx, opts...)
}

// Tracer returns the tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Meter returns the meter.
func (p *Provider) Meter() metric.Meter {
	return p.meter
}

// Shutdown flushes and shuts down the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown tracer: %w", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown meter: %w", err)
		}
	}
	return nil
}

// ScanMetrics holds the per-workspace instruments recorded by the scheduler.
type ScanMetrics struct {
	planDuration metric.Float64Histogram
	workspaces   metric.Int64Counter
	earlyExits   metric.Int64Counter
	inFlight     metric.Int64UpDownCounter
}

// NewScanMetrics creates scan instruments on the given meter. A nil meter
// uses the global meter provider.
func NewScanMetrics(meter metric.Meter) (*ScanMetrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}

	var (
		m   ScanMetrics
		err error
	)

	m.planDuration, err = meter.Float64Histogram(
		"terradrift_plan_duration_seconds",
		metric.WithDescription("Wall-clock duration of terraform plan per workspace"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create plan_duration: %w", err)
	}

	m.workspaces, err = meter.Int64Counter(
		"terradrift_workspaces_scanned_total",
		metric.WithDescription("Workspaces scanned, by result status"),
	)
	if err != nil {
		return nil, fmt.Errorf("create workspaces_scanned: %w", err)
	}

	m.earlyExits, err = meter.Int64Counter(
		"terradrift_plan_early_exits_total",
		metric.WithDescription("Plans terminated early after the first change record"),
	)
	if err != nil {
		return nil, fmt.Errorf("create early_exits: %w", err)
	}

	m.inFlight, err = meter.Int64UpDownCounter(
		"terradrift_workspaces_in_flight",
		metric.WithDescription("Workspace tasks currently holding an admission slot"),
	)
	if err != nil {
		return nil, fmt.Errorf("create in_flight: %w", err)
	}

	return &m, nil
}

// Workspace status labels.
const (
	StatusClean = "clean"
	StatusDrift = "drift"
	StatusError = "error"
)

// RecordWorkspace records the result of one workspace task.
func (m *ScanMetrics) RecordWorkspace(ctx context.Context, profile, status string, d time.Duration, earlyExit bool) {
	attrs := metric.WithAttributes(
		attribute.String("profile", profile),
		attribute.String("status", status),
	)
	m.workspaces.Add(ctx, 1, attrs)
	if d > 0 {
		m.planDuration.Record(ctx, d.Seconds(), attrs)
	}
	if earlyExit {
		m.earlyExits.Add(ctx, 1, metric.WithAttributes(attribute.String("profile", profile)))
	}
}

// TaskStarted increments the in-flight gauge.
func (m *ScanMetrics) TaskStarted(ctx context.Context, profile string) {
	m.inFlight.Add(ctx, 1, metric.WithAttributes(attribute.String("profile", profile)))
}

// TaskFinished decrements the in-flight gauge.
func (m *ScanMetrics) TaskFinished(ctx context.Context, profile string) {
	m.inFlight.Add(ctx, -1, metric.WithAttributes(attribute.String("profile", profile)))
}
