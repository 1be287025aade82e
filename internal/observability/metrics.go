package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/disk"
	"go.uber.org/zap"
)

var (
	diskUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lfs_local_disk_used_bytes",
		Help: "Bytes used on the filesystem holding the local tier",
	})
	diskFreeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lfs_local_disk_free_bytes",
		Help: "Bytes free on the filesystem holding the local tier",
	})
	diskUsedPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lfs_local_disk_used_percent",
		Help: "Usage of the filesystem holding the local tier",
	})
)

// MetricsCollector wraps Prometheus metrics for gRPC
type MetricsCollector struct {
	serverMetrics *grpcprom.ServerMetrics
}

// InitMetrics initializes Prometheus metrics for gRPC server
func InitMetrics() (*MetricsCollector, error) {
	serverMetrics := grpcprom.NewServerMetrics(
		grpcprom.WithServerHandlingTimeHistogram(
			grpcprom.WithHistogramBuckets([]float64{0.001, 0.01, 0.1, 0.5, 1, 2.5, 5, 10}),
		),
	)

	if err := prometheus.Register(serverMetrics); err != nil {
		// already registered is fine in tests
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
	}

	return &MetricsCollector{serverMetrics: serverMetrics}, nil
}

// GetServerMetrics returns the gRPC server metrics
func (mc *MetricsCollector) GetServerMetrics() *grpcprom.ServerMetrics {
	return mc.serverMetrics
}

// StartMetricsServer serves /metrics and /health on port until ctx ends.
func StartMetricsServer(ctx context.Context, port string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("starting metrics server", zap.String("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// RecordDiskUsage samples the filesystem that holds root into the disk gauges.
func RecordDiskUsage(ctx context.Context, root string) error {
	usage, err := disk.UsageWithContext(ctx, root)
	if err != nil {
		return err
	}
	diskUsedBytes.Set(float64(usage.Used))
	diskFreeBytes.Set(float64(usage.Free))
	diskUsedPercent.Set(usage.UsedPercent)
	return nil
}
