// Command lfsd runs the lifecycle daemon: scheduled expiry and orphan sweeps,
// cache maintenance, and a gRPC health endpoint.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/I54m/LFS/internal/app"
	"github.com/I54m/LFS/internal/config"
	"github.com/I54m/LFS/internal/observability"
	"github.com/I54m/LFS/internal/scheduler"
	"github.com/I54m/LFS/internal/server"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// no logger yet
		fmt.Fprintln(os.Stderr, "lfsd:", err)
		os.Exit(1)
	}

	logger, err := observability.InitLogger(observability.LogOptions{Dev: cfg.LogDev, Level: cfg.LogLevel})
	if err != nil {
		fmt.Fprintln(os.Stderr, "lfsd: init logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("lfsd stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := observability.InitTracerProvider(ctx, cfg.TraceExporter, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		observability.ShutdownTracerProvider(shutdownCtx, tp, logger)
	}()

	metrics, err := observability.InitMetrics()
	if err != nil {
		return err
	}
	observability.StartMetricsServer(ctx, cfg.MetricsPort, logger)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("shutdown", zap.Error(err))
		}
	}()

	srv := server.New(a.Archiver, metrics.GetServerMetrics(), observability.GetOTelGRPCOption(tp), logger)

	loc, _ := cfg.Location()
	sched := scheduler.New(a.Pool, loc, logger)
	sched.Add("expire", scheduler.NextMidnight, func(ctx context.Context) error {
		_, err := a.Archiver.ExpireSweep(ctx)
		return err
	})
	sched.Add("orphans", scheduler.NextMonday, a.Sweeper.SweepAll)
	sched.Add("maintenance", scheduler.NextHour, func(ctx context.Context) error {
		if n := a.Embeds.Sweep(); n > 0 {
			logger.Debug("embed cache swept", zap.Int("removed", n))
		}
		if err := observability.RecordDiskUsage(ctx, a.Store.Root()); err != nil {
			logger.Warn("disk usage", zap.Error(err))
		}
		return srv.ProbeArchive(ctx)
	})
	go sched.Run(ctx)

	a.Pool.Submit("probe_archive", srv.ProbeArchive)

	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return err
	}
	logger.Info("lfsd started",
		zap.String("repository", cfg.RepositoryDriver),
		zap.String("archive", cfg.Archive.Driver),
		zap.String("media_root", a.Store.Root()),
		zap.Int("workers", cfg.Workers),
	)
	return srv.Serve(ctx, lis)
}
