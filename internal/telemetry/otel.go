// Package telemetry wires up OpenTelemetry tracing and metrics for the
// flowrunner daemon, mirroring the teacher's otelinit package: an OTLP
// gRPC exporter for traces, a periodic-reader OTLP gRPC exporter for
// metrics, both defaulting to localhost:4317 and falling back to a no-op
// provider if the exporter cannot be constructed (telemetry failures must
// never prevent the engine from running workflows).
package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
)

// Shutdown tears down both providers; call on daemon exit.
type Shutdown func(context.Context) error

func endpoint() string {
	if e := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); e != "" {
		return e
	}
	return "localhost:4317"
}

// InitTracer configures the global tracer provider with an OTLP gRPC
// exporter and returns a tracer for service plus a shutdown func.
func InitTracer(ctx context.Context, service string) (trace.Tracer, Shutdown) {
	ep := endpoint()
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(ep),
		otlptracegrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("telemetry: tracer exporter init failed, tracing disabled", "error", err)
		return otel.Tracer(service), func(context.Context) error { return nil }
	}

	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
	))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	slog.Info("telemetry: tracer initialized", "endpoint", ep)
	return tp.Tracer("flowrunner"), tp.Shutdown
}

// InitMeter configures the global meter provider with an OTLP gRPC
// exporter and returns a meter for service plus a shutdown func.
func InitMeter(ctx context.Context, service string) (metric.Meter, Shutdown) {
	ep := endpoint()
	exp, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(ep), otlpmetricgrpc.WithInsecure())
	if err != nil {
		slog.Warn("telemetry: meter exporter init failed, metrics disabled", "error", err)
		return otel.Meter(service), func(context.Context) error { return nil }
	}

	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
	))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	slog.Info("telemetry: meter initialized", "endpoint", ep)
	return mp.Meter("flowrunner"), mp.Shutdown
}

// Flush bounds shutdown to 3s so a hung exporter never blocks process exit.
func Flush(ctx context.Context, shutdown Shutdown) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_ = shutdown(ctx)
}
