package telemetry

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

/*
Tracing setup.

Spans are created through the global tracer provider, so without a Jaeger
endpoint they are no-ops. With one, spans are batched to the collector and
the returned shutdown func flushes whatever is still buffered.
*/

// ShutdownFunc flushes and stops the exporter
type ShutdownFunc func(context.Context) error

// Noop is used when tracing is disabled
func Noop(context.Context) error { return nil }

// InitJaeger installs a global tracer provider exporting to endpoint
func InitJaeger(serviceName, version, instanceID, endpoint string, log zerolog.Logger) (ShutdownFunc, error) {
	if endpoint == "" {
		return Noop, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	// resource.Default is built against an older semconv schema and would
	// conflict on merge, so the service attributes stand alone.
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(version),
		semconv.ServiceInstanceID(instanceID),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)

	log.Info().Str("endpoint", endpoint).Msg("jaeger tracing initialized")
	return tp.Shutdown, nil
}
