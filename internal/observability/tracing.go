package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/signalsfoundry/sdn-experiment/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const tracerName = "github.com/signalsfoundry/sdn-experiment"

// TracingConfig selects where run spans go. A run is one trace: a "run"
// root span with a child per stage. Every span is kept.
type TracingConfig struct {
	// Exporter is "none", "stdout" or "otlp".
	Exporter    string
	ServiceName string
	// Endpoint is the OTLP gRPC collector address (host:port).
	Endpoint string
	// Output receives stdout spans. Defaults to stderr; stdout carries the
	// record paths.
	Output io.Writer
}

// TracingConfigFromEnv reads EXPERIMENT_TRACE_EXPORTER and
// EXPERIMENT_OTLP_ENDPOINT. Tracing is off unless an exporter is named.
func TracingConfigFromEnv() TracingConfig {
	cfg := TracingConfig{
		Exporter:    strings.ToLower(strings.TrimSpace(os.Getenv("EXPERIMENT_TRACE_EXPORTER"))),
		ServiceName: "sdn-experiment",
		Endpoint:    os.Getenv("EXPERIMENT_OTLP_ENDPOINT"),
	}
	if cfg.Exporter == "" {
		cfg.Exporter = "none"
	}
	return cfg
}

// InitTracing installs the global tracer provider and returns the function
// that flushes it. With the "none" exporter a noop provider is installed and
// the returned function does nothing.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}
	otel.SetTextMapPropagator(propagation.TraceContext{})

	var opt sdktrace.TracerProviderOption
	switch cfg.Exporter {
	case "none", "":
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	case "stdout":
		out := cfg.Output
		if out == nil {
			out = os.Stderr
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(out), stdouttrace.WithoutTimestamps())
		if err != nil {
			return nil, fmt.Errorf("stdout exporter: %w", err)
		}
		// Stages are few and long; export each as it ends.
		opt = sdktrace.WithSyncer(exp)
	case "otlp":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		exp, err := otlptrace.New(ctx, otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		))
		if err != nil {
			return nil, fmt.Errorf("otlp exporter %s: %w", endpoint, err)
		}
		opt = sdktrace.WithBatcher(exp)
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}
	tp := sdktrace.NewTracerProvider(opt, sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)

	log.Info(ctx, "tracing enabled", logging.String("exporter", cfg.Exporter))
	return tp.Shutdown, nil
}

// StartStage opens a span for one pipeline stage. The returned function ends
// the span, recording err on it when non-nil.
func StartStage(ctx context.Context, stage string, attrs ...attribute.KeyValue) (context.Context, func(err error)) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "stage."+stage,
		trace.WithAttributes(append(attrs, attribute.String("experiment.stage", stage))...),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// ShutdownWithTimeout flushes tracing for at most five seconds. Errors are
// logged, not returned.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil && log != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}
