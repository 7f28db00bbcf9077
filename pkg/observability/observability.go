// Package observability wires OpenTelemetry tracing/metrics and
// structured log/slog logging into a single Provider threaded through the
// routing core's dependency container (§9: "global singletons ... a
// dependency container constructed at process start").
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
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
)

// Config configures the observability Provider.
type Config struct {
	ServiceName  string
	Environment  string
	OTLPEndpoint string
	Enabled      bool
	Insecure     bool
	LogLevel     string
}

// DefaultConfig returns conservative defaults suitable for local runs.
func DefaultConfig() Config {
	return Config{
		ServiceName: "atp-routing-core",
		Environment: "development",
		Enabled:     false,
		Insecure:    true,
		LogLevel:    "info",
	}
}

// Provider bundles the tracer, meter, and logger used across the core's
// components. Every background task and request path pulls its
// instrumentation from here rather than touching package-level globals.
type Provider struct {
	cfg    Config
	tp     *sdktrace.TracerProvider
	mp     *sdkmetric.MeterProvider
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger *slog.Logger

	DecisionsTotal    metric.Int64Counter
	SwallowedErrors   metric.Int64Counter
	BackgroundRestart metric.Int64Counter
	RegretHistogram   metric.Float64Histogram
}

// New builds a Provider. When cfg.Enabled is false, it still returns a
// working no-op-exporting Provider so callers never need a nil check —
// only the OTLP exporters are skipped.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).
		With("service", cfg.ServiceName, "component", "routing-core")

	p := &Provider{cfg: cfg, Logger: logger}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.DeploymentEnvironment(cfg.Environment),
		attribute.String("atp.component", "routing-core"),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	if cfg.Enabled && cfg.OTLPEndpoint != "" {
		if err := p.initTrace(ctx, res); err != nil {
			return nil, err
		}
		if err := p.initMetrics(ctx, res); err != nil {
			return nil, err
		}
	} else {
		p.tp = sdktrace.NewTracerProvider(sdktrace.WithResource(res))
		p.mp = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	}

	p.Tracer = p.tp.Tracer("atp.routing-core")
	p.Meter = p.mp.Meter("atp.routing-core")

	if err := p.initInstruments(); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *Provider) initTrace(ctx context.Context, res *resource.Resource) error {
	var opts []otlptracegrpc.Option
	opts = append(opts, otlptracegrpc.WithEndpoint(p.cfg.OTLPEndpoint))
	if p.cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: trace exporter: %w", err)
	}
	p.tp = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(p.tp)
	return nil
}

func (p *Provider) initMetrics(ctx context.Context, res *resource.Resource) error {
	var opts []otlpmetricgrpc.Option
	opts = append(opts, otlpmetricgrpc.WithEndpoint(p.cfg.OTLPEndpoint))
	if p.cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: metric exporter: %w", err)
	}
	p.mp = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(p.mp)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	if p.DecisionsTotal, err = p.Meter.Int64Counter("atp.decisions_total"); err != nil {
		return err
	}
	if p.SwallowedErrors, err = p.Meter.Int64Counter("atp.swallowed_errors_total"); err != nil {
		return err
	}
	if p.BackgroundRestart, err = p.Meter.Int64Counter("atp.background_task_restarts_total"); err != nil {
		return err
	}
	if p.RegretHistogram, err = p.Meter.Float64Histogram("atp.regret_percent",
		metric.WithExplicitBucketBoundaries(0, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 50, 100)); err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and stops the exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			return err
		}
	}
	if p.mp != nil {
		return p.mp.Shutdown(ctx)
	}
	return nil
}
