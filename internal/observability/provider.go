// ABOUTME: OpenTelemetry setup: Prometheus-backed meter and optional OTLP tracer
// ABOUTME: One Provider per process; Shutdown flushes spans and stops the meter

package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// ScopeName is the instrumentation scope for everything agentbus records.
const ScopeName = "github.com/2389/agentbus"

// Config selects which signals are exported.
type Config struct {
	ServiceName    string
	ServiceVersion string

	MetricsEnabled bool

	TracingEnabled bool
	OTLPEndpoint   string // host:port of an OTLP gRPC collector
	Insecure       bool
}

// Provider owns the meter and tracer providers for the process.
type Provider struct {
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	registry *prometheus.Registry
	meter    metric.Meter
	tracer   trace.Tracer

	shutdowns []func(context.Context) error
	logger    *slog.Logger
}

// New builds a Provider. Disabled signals get no-op implementations so
// callers never need to nil-check.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "agentbus"
	}

	p := &Provider{
		meterProvider:  metricnoop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
		logger:         logger.With("component", "observability"),
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	if cfg.MetricsEnabled {
		// A private registry keeps repeated Providers (tests, restarts) from
		// colliding in the global default registerer.
		p.registry = prometheus.NewRegistry()
		p.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		exporter, err := otelprom.New(otelprom.WithRegisterer(p.registry))
		if err != nil {
			return nil, fmt.Errorf("creating prometheus exporter: %w", err)
		}

		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		p.meterProvider = mp
		p.shutdowns = append(p.shutdowns, mp.Shutdown)
	}

	if cfg.TracingEnabled {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			_ = p.Shutdown(ctx)
			return nil, fmt.Errorf("creating otlp trace exporter: %w", err)
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		p.tracerProvider = tp
		p.shutdowns = append(p.shutdowns, tp.Shutdown)

		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	}

	p.meter = p.meterProvider.Meter(ScopeName)
	p.tracer = p.tracerProvider.Tracer(ScopeName)

	p.logger.Info("observability initialized",
		"metrics", cfg.MetricsEnabled,
		"tracing", cfg.TracingEnabled,
		"otlp_endpoint", cfg.OTLPEndpoint,
	)
	return p, nil
}

// Meter returns the agentbus meter.
func (p *Provider) Meter() metric.Meter { return p.meter }

// Tracer returns the agentbus tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// MeterProvider exposes the provider for instrumentation libraries such as otelgrpc.
func (p *Provider) MeterProvider() metric.MeterProvider { return p.meterProvider }

// TracerProvider exposes the provider for instrumentation libraries such as otelgrpc.
func (p *Provider) TracerProvider() trace.TracerProvider { return p.tracerProvider }

// MetricsHandler serves the Prometheus exposition format, or 404 when
// metrics are disabled.
func (p *Provider) MetricsHandler() http.Handler {
	if p.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes pending spans and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(p.shutdowns) - 1; i >= 0; i-- {
		if err := p.shutdowns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.shutdowns = nil
	return errors.Join(errs...)
}
