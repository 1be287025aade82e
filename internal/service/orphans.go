package service

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"

	"github.com/I54m/LFS/internal/archive"
	"github.com/I54m/LFS/internal/database"
	"github.com/I54m/LFS/internal/models"
	"github.com/I54m/LFS/internal/storage"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var orphansRemovedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lfs_orphans_removed_total",
	Help: "Stored files removed because no record claims them, by tier",
}, []string{"tier"})

// Sweeper removes stored files, on either tier, whose name does not match a
// record. Records are never touched.
type Sweeper struct {
	runner
	repo  database.Repository
	store *storage.FilesystemStorage
}

func NewSweeper(
	repo database.Repository,
	store *storage.FilesystemStorage,
	dialer archive.Dialer,
	logger *zap.Logger,
) *Sweeper {
	return &Sweeper{
		runner: newRunner(dialer, logger.With(zap.String("component", "orphans"))),
		repo:   repo,
		store:  store,
	}
}

// kindDirs lists every {UploadKind}/{ContentKind} directory.
func kindDirs() []string {
	dirs := make([]string, 0, len(models.UploadKinds)*len(models.ContentKinds))
	for _, u := range models.UploadKinds {
		for _, c := range models.ContentKinds {
			dirs = append(dirs, path.Join(string(u), string(c)))
		}
	}
	return dirs
}

// claimed reports whether a record exists for the stored file name.
func (s *Sweeper) claimed(ctx context.Context, name string) (bool, error) {
	return s.repo.Exists(ctx, models.SlugFromFilename(name))
}

// SweepLocal removes unclaimed files, thumbnails included, from the local
// tier. Processed counts files examined.
func (s *Sweeper) SweepLocal(ctx context.Context) (BatchResult, error) {
	res := BatchResult{Operation: "sweep_local", RunID: uuid.NewString()}
	logger := s.logger.With(zap.String("op", res.Operation), zap.String("run_id", res.RunID))

	ctx, span := s.tracer.Start(ctx, "service.sweep_local", trace.WithAttributes(
		attribute.String("lfs.run_id", res.RunID),
	))
	defer span.End()

	var err error
	for _, dir := range kindDirs() {
		if err = ctx.Err(); err != nil {
			break
		}
		files, listErr := s.store.List(dir)
		if listErr != nil {
			res.Processed++
			res.Failed++
			logger.Error("listing local directory", zap.String("dir", dir), zap.Error(listErr))
			continue
		}
		for _, p := range files {
			track(&res, logger, models.SlugFromFilename(path.Base(p)), func() error {
				ok, err := s.claimed(ctx, path.Base(p))
				if err != nil || ok {
					return err
				}
				if err := s.store.Remove(p); err != nil {
					return fmt.Errorf("remove %s: %w", p, err)
				}
				orphansRemovedTotal.WithLabelValues("local").Inc()
				logger.Info("orphan removed", zap.String("tier", "local"), zap.String("path", p))
				return nil
			})
		}
	}
	if err == nil {
		err = res.Err()
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		archiveOpsTotal.WithLabelValues(res.Operation, "failed").Inc()
		return res, err
	}
	archiveOpsTotal.WithLabelValues(res.Operation, "ok").Inc()
	logger.Info("local sweep finished", zap.Int("examined", res.Processed))
	return res, nil
}

// SweepRemote removes unclaimed files from the archive tier over one
// session. Directories inside kind directories are left alone.
func (s *Sweeper) SweepRemote(ctx context.Context) (BatchResult, error) {
	return s.batch(ctx, "sweep_remote", func(ctx context.Context, sess archive.Session, res *BatchResult, logger *zap.Logger) error {
		for _, dir := range kindDirs() {
			if err := ctx.Err(); err != nil {
				return err
			}
			entries, err := sess.List(ctx, dir)
			if err != nil {
				res.Processed++
				res.Failed++
				logger.Error("listing archive directory", zap.String("dir", dir), zap.Error(err))
				continue
			}
			for _, e := range entries {
				if e.IsDir {
					continue
				}
				p := path.Join(dir, e.Name)
				track(res, logger, models.SlugFromFilename(e.Name), func() error {
					ok, err := s.claimed(ctx, e.Name)
					if err != nil || ok {
						return err
					}
					if err := sess.Remove(ctx, p); err != nil {
						return err
					}
					orphansRemovedTotal.WithLabelValues("archive").Inc()
					logger.Info("orphan removed", zap.String("tier", "archive"), zap.String("path", p))
					return nil
				})
			}
		}
		return nil
	})
}

// SweepAll runs the local and archive passes concurrently and waits for both.
func (s *Sweeper) SweepAll(ctx context.Context) error {
	var (
		wg                  sync.WaitGroup
		localErr, remoteErr error
	)
	wg.Go(func() { _, localErr = s.SweepLocal(ctx) })
	wg.Go(func() { _, remoteErr = s.SweepRemote(ctx) })
	wg.Wait()
	return errors.Join(localErr, remoteErr)
}
