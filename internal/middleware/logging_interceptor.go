package middleware

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// health probes poll constantly; successful ones are logged at debug
const healthServicePrefix = "/grpc.health.v1.Health/"

func callLevel(method string, err error) zapcore.Level {
	switch {
	case err != nil:
		return zapcore.ErrorLevel
	case strings.HasPrefix(method, healthServicePrefix):
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

// callFields identifies a call in its log entries.
func callFields(ctx context.Context, method string) []zap.Field {
	fields := []zap.Field{
		zap.String("method", method),
		zap.String("request_id", RequestID(ctx)),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		fields = append(fields, zap.String("trace_id", sc.TraceID().String()))
	}
	return fields
}

// UnaryLoggingInterceptor logs unary RPC calls with timing and errors
func UnaryLoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if ce := logger.Check(callLevel(info.FullMethod, err), "unary RPC"); ce != nil {
			ce.Write(append(callFields(ctx, info.FullMethod),
				zap.Duration("duration", time.Since(start)),
				zap.String("code", status.Code(err).String()),
				zap.Error(err),
			)...)
		}
		return resp, err
	}
}

// StreamLoggingInterceptor logs streaming RPC calls with timing and errors
func StreamLoggingInterceptor(logger *zap.Logger) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		start := time.Now()
		fields := callFields(ss.Context(), info.FullMethod)

		logger.Debug("stream RPC started", append(fields,
			zap.Bool("is_client_stream", info.IsClientStream),
			zap.Bool("is_server_stream", info.IsServerStream),
		)...)

		err := handler(srv, ss)

		code := status.Code(err)
		level := callLevel(info.FullMethod, err)
		// a watcher going away is how health watches end
		if code == codes.Canceled {
			level = zapcore.DebugLevel
		}
		if ce := logger.Check(level, "stream RPC"); ce != nil {
			ce.Write(append(fields,
				zap.Duration("duration", time.Since(start)),
				zap.String("code", code.String()),
				zap.Error(err),
			)...)
		}
		return err
	}
}
