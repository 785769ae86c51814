package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/jrsteele09/go-session-server"

// Settings selects where telemetry is exported.
type Settings struct {
	// Endpoint is the OTLP gRPC collector, host:port or a URL whose path is
	// ignored. Empty means in-process providers with no exporter.
	Endpoint       string
	ServiceName    string
	Insecure       bool
	MetricInterval time.Duration
}

// Providers holds the tracer, meter and logger providers and their shutdown.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	LoggerProvider *sdklog.LoggerProvider

	shutdown []func(context.Context) error
}

// NewProviders creates OTLP-exporting providers for settings.Endpoint.
func NewProviders(ctx context.Context, settings Settings) (*Providers, error) {
	endpoint := strings.TrimSpace(settings.Endpoint)
	if endpoint == "" {
		p := &Providers{
			TracerProvider: sdktrace.NewTracerProvider(),
			MeterProvider:  sdkmetric.NewMeterProvider(),
			LoggerProvider: sdklog.NewLoggerProvider(),
		}
		p.shutdown = []func(context.Context) error{p.TracerProvider.Shutdown, p.MeterProvider.Shutdown, p.LoggerProvider.Shutdown}
		return p, nil
	}

	target, insecure, err := grpcTarget(endpoint)
	if err != nil {
		return nil, err
	}
	insecure = insecure || settings.Insecure

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(settings.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("[telemetry.NewProviders] resource: %w", err)
	}

	p := &Providers{}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(target)}
	if insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
	}
	traceExp, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("[telemetry.NewProviders] trace exporter: %w", err)
	}
	p.TracerProvider = sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp), sdktrace.WithResource(res))
	p.shutdown = append(p.shutdown, p.TracerProvider.Shutdown)

	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(target)}
	if insecure {
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}
	metricExp, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = p.Shutdown(ctx)
		return nil, fmt.Errorf("[telemetry.NewProviders] metric exporter: %w", err)
	}
	interval := settings.MetricInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	p.MeterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(interval))),
	)
	p.shutdown = append(p.shutdown, p.MeterProvider.Shutdown)

	logOpts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(target)}
	if insecure {
		logOpts = append(logOpts, otlploggrpc.WithInsecure())
	}
	logExp, err := otlploggrpc.New(ctx, logOpts...)
	if err != nil {
		_ = p.Shutdown(ctx)
		return nil, fmt.Errorf("[telemetry.NewProviders] log exporter: %w", err)
	}
	p.LoggerProvider = sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	p.shutdown = append(p.shutdown, p.LoggerProvider.Shutdown)

	return p, nil
}

// grpcTarget reduces an endpoint to host:port. Plain http endpoints, and
// endpoints given without a scheme, are dialled without TLS.
func grpcTarget(endpoint string) (string, bool, error) {
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("invalid OTLP endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("invalid OTLP endpoint %q: missing host", endpoint)
	}
	return u.Host, u.Scheme != "https", nil
}

// SetGlobal installs the tracer and meter providers as the otel globals.
func (p *Providers) SetGlobal() {
	otel.SetTracerProvider(p.TracerProvider)
	otel.SetMeterProvider(p.MeterProvider)
}

func (p *Providers) Tracer() trace.Tracer {
	return p.TracerProvider.Tracer(instrumentationName)
}

// Sink returns the combined event sink: zerolog, OTel logs and the event counter.
func (p *Providers) Sink(logger zerolog.Logger) (Sink, error) {
	metrics, err := NewMetricsSink(p.MeterProvider.Meter(instrumentationName))
	if err != nil {
		return nil, err
	}
	return Multi(
		NewLogSink(logger),
		NewOTelSink(p.LoggerProvider.Logger(instrumentationName)),
		metrics,
	), nil
}

// Shutdown flushes and stops the providers in reverse creation order.
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(p.shutdown) - 1; i >= 0; i-- {
		if err := p.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
