package server

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// InitTracing installs a global tracer provider exporting over OTLP/HTTP when
// an endpoint is configured. Without one the global no-op provider stays in
// place. The returned function flushes and stops the exporter.
func InitTracing(ctx context.Context, config *Config, logger logrus.FieldLogger) (func(context.Context) error, error) {
	if config.Tracing.OTLPEndpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(config.Tracing.OTLPEndpoint))
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %v", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", config.Tracing.ServiceName),
		)),
	)
	otel.SetTracerProvider(provider)

	logger.WithField("endpoint", config.Tracing.OTLPEndpoint).Info("Tracing enabled")
	return provider.Shutdown, nil
}
