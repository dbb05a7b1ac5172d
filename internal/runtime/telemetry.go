package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

func setupTelemetry(cfg config.Config, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	ctx := context.Background()
	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	traceProvider, err := initTracer(ctx, cfg, res, logger)
	if err != nil {
		return nil, nil, err
	}
	otel.SetTracerProvider(traceProvider)

	meterProvider, metricHandler := initMetrics(res, logger)
	otel.SetMeterProvider(meterProvider)

	shutdown := func(ctx context.Context) error {
		return errors.Join(meterProvider.Shutdown(ctx), traceProvider.Shutdown(ctx))
	}
	return shutdown, metricHandler, nil
}

// newResource identifies this node and the recognition pipeline it runs on
// every exported span and metric.
func newResource(ctx context.Context, cfg config.Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.RuntimeName),
		semconv.ServiceInstanceID(cfg.Node.ID),
		attribute.String("deployment.environment", cfg.Environment),
		attribute.String("loqa.node.role", cfg.Node.Role),
	}
	if cfg.STT.Enabled {
		attrs = append(attrs,
			attribute.String("loqa.stt.engine", cfg.STT.Engine),
			attribute.String("loqa.stt.speech_mode", cfg.STT.SpeechMode),
			attribute.Int("loqa.stt.sample_rate", cfg.STT.SampleRate),
		)
	}
	return resource.New(ctx, resource.WithAttributes(attrs...))
}

// traceExporter picks OTLP when an endpoint is configured and stdout when
// debugging. A nil exporter keeps spans in-process only.
func traceExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, string, error) {
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		return exporter, "otlp", err
	}
	if cfg.LogLevel == "debug" {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		return exporter, "stdout", err
	}
	return nil, "none", nil
}

func initTracer(ctx context.Context, cfg config.Config, res *resource.Resource, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	exporter, name, err := traceExporter(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	logger.Info("telemetry initialized",
		slog.String("exporter", name),
		slog.String("endpoint", cfg.Telemetry.OTLPEndpoint))
	return sdktrace.NewTracerProvider(opts...), nil
}

// initMetrics falls back to a reader-less provider when the prometheus
// exporter cannot be registered; /metrics is then not served.
func initMetrics(res *resource.Resource, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler) {
	promExporter, err := prometheus.New()
	if err != nil {
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
		return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res)), nil
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithResource(res),
	)
	return provider, promhttp.Handler()
}
