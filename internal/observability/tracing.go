package observability

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// ServiceName names the process in logs and traces.
const ServiceName = "lfs"

// Trace exporters understood by InitTracerProvider.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

// InitTracerProvider installs a global provider. With ExporterNone spans are
// still created, so trace ids reach the logs, but nothing is exported.
func InitTracerProvider(ctx context.Context, exporter string, logger *zap.Logger) (*trace.TracerProvider, error) {
	opts := []trace.TracerProviderOption{
		trace.WithResource(resource.NewSchemaless(attribute.String("service.name", ServiceName))),
	}

	switch exporter {
	case ExporterNone, "":
	case ExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("stdout exporter: %w", err)
		}
		opts = append(opts, trace.WithBatcher(exp))
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", exporter)
	}

	tp := trace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	logger.Debug("tracer provider installed", zap.String("exporter", exporter))
	return tp, nil
}

// ShutdownTracerProvider flushes pending spans.
func ShutdownTracerProvider(ctx context.Context, tp *trace.TracerProvider, logger *zap.Logger) {
	if err := tp.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown tracer provider", zap.Error(err))
	}
}

func GetOTelGRPCOption(tp *trace.TracerProvider) []otelgrpc.Option {
	return []otelgrpc.Option{
		otelgrpc.WithTracerProvider(tp),
	}
}
