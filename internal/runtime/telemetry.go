package runtime

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mohammad-safakhou/voiceplanner/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
)

// Telemetry encapsulates tracer and meter providers and the registry behind /metrics.
type Telemetry struct {
	tp       *sdktrace.TracerProvider
	mp       *sdkmetric.MeterProvider
	registry *prometheus.Registry
}

// TelemetryOptions configures telemetry initialization.
type TelemetryOptions struct {
	ServiceName    string
	ServiceVersion string
	DialTimeout    time.Duration
}

// SetupTelemetry installs the global meter and tracer providers. Metrics are always exported to a
// Prometheus registry once telemetry is enabled; OTLP export runs only when an endpoint is configured.
func SetupTelemetry(ctx context.Context, cfg config.TelemetryConfig, opts TelemetryOptions) (*Telemetry, otelmetric.Meter, trace.Tracer, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = "voiceplanner"
	}
	if !cfg.Enabled {
		return &Telemetry{}, otel.Meter(opts.ServiceName), otel.Tracer(opts.ServiceName), nil
	}
	if opts.ServiceVersion == "" {
		opts.ServiceVersion = cfg.ServiceVersion
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(opts.ServiceName),
			attribute.String("service.namespace", "voiceplanner"),
			attribute.String("service.version", opts.ServiceVersion),
		),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("resource init: %w", err)
	}

	t := &Telemetry{registry: prometheus.NewRegistry()}
	promExporter, err := promexporter.New(promexporter.WithRegisterer(t.registry))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("prom exporter: %w", err)
	}
	readers := []sdkmetric.Option{sdkmetric.WithReader(promExporter), sdkmetric.WithResource(res)}
	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	if endpoint := cfg.OTLPEndpoint; endpoint != "" {
		dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
		defer cancel()
		traceExporter, err := otlptracegrpc.New(dialCtx,
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithDialOption(grpc.WithBlock()),
		)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("otlp init: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(traceExporter))

		metricExporter, err := otlpmetricgrpc.New(dialCtx,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
			otlpmetricgrpc.WithDialOption(grpc.WithBlock()),
		)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("otlp metric init: %w", err)
		}
		readers = append(readers, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(15*time.Second))))
	}

	t.tp = sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(t.tp)
	t.mp = sdkmetric.NewMeterProvider(readers...)
	otel.SetMeterProvider(t.mp)

	return t, t.mp.Meter(opts.ServiceName), t.tp.Tracer(opts.ServiceName), nil
}

// MetricsHandler serves the Prometheus registry. It serves an empty registry when telemetry is disabled.
func (t *Telemetry) MetricsHandler() http.Handler {
	reg := prometheus.NewRegistry()
	if t != nil && t.registry != nil {
		reg = t.registry
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Shutdown flushes providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var err error
	if t.tp != nil {
		if e := t.tp.Shutdown(ctx); e != nil {
			err = fmt.Errorf("trace shutdown: %w", e)
		}
	}
	if t.mp != nil {
		if e := t.mp.Shutdown(ctx); e != nil {
			if err != nil {
				err = fmt.Errorf("%v; metric shutdown: %w", err, e)
			} else {
				err = fmt.Errorf("metric shutdown: %w", e)
			}
		}
	}
	return err
}
