// Package server exposes the daemon's gRPC surface: the standard health
// service, reporting overall liveness and archive reachability.
package server

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/I54m/LFS/internal/middleware"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ArchiveService is the health service name reporting archive reachability.
const ArchiveService = "lfs.archive"

const shutdownGrace = 10 * time.Second

// ArchiveChecker probes the archive tier.
type ArchiveChecker interface {
	CheckArchive(ctx context.Context) error
}

// Server is the gRPC server of the daemon.
type Server struct {
	grpc    *grpc.Server
	health  *health.Server
	checker ArchiveChecker
	logger  *zap.Logger
}

// New builds the server with logging, recovery, metrics and tracing on every
// call. metrics may be nil.
func New(checker ArchiveChecker, metrics *grpcprom.ServerMetrics, otelOpts []otelgrpc.Option, logger *zap.Logger) *Server {
	logger = logger.With(zap.String("component", "grpc"))

	unary := []grpc.UnaryServerInterceptor{
		middleware.UnaryRequestIDInterceptor,
		middleware.UnaryLoggingInterceptor(logger),
		middleware.UnaryRecoveryInterceptor(logger),
	}
	stream := []grpc.StreamServerInterceptor{
		middleware.StreamRequestIDInterceptor,
		middleware.StreamLoggingInterceptor(logger),
		middleware.StreamRecoveryInterceptor(logger),
	}
	if metrics != nil {
		unary = append([]grpc.UnaryServerInterceptor{metrics.UnaryServerInterceptor()}, unary...)
		stream = append([]grpc.StreamServerInterceptor{metrics.StreamServerInterceptor()}, stream...)
	}

	gs := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler(otelOpts...)),
		grpc.UnaryInterceptor(middleware.ChainUnaryInterceptors(unary...)),
		grpc.StreamInterceptor(middleware.ChainStreamInterceptors(stream...)),
	)

	hs := health.NewServer()
	hs.SetServingStatus(ArchiveService, healthpb.HealthCheckResponse_UNKNOWN)
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)

	if metrics != nil {
		metrics.InitializeMetrics(gs)
	}

	return &Server{grpc: gs, health: hs, checker: checker, logger: logger}
}

// ProbeArchive checks the archive and publishes the result as the
// lfs.archive health status.
func (s *Server) ProbeArchive(ctx context.Context) error {
	err := s.checker.CheckArchive(ctx)
	if err != nil {
		s.health.SetServingStatus(ArchiveService, healthpb.HealthCheckResponse_NOT_SERVING)
		s.logger.Warn("archive unreachable", zap.Error(err))
		return err
	}
	s.health.SetServingStatus(ArchiveService, healthpb.HealthCheckResponse_SERVING)
	return nil
}

// Serve accepts connections on lis until ctx ends, then stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
		errCh <- s.grpc.Serve(lis)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.health.Shutdown()
	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownGrace):
		s.logger.Warn("graceful stop timed out, forcing")
		s.grpc.Stop()
	}

	if err := <-errCh; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
