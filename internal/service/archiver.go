// Package service orchestrates the lifecycle of stored files: creation and
// deletion, movement between the local and archive tiers, and orphan
// reconciliation.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/I54m/LFS/internal/archive"
	"github.com/I54m/LFS/internal/database"
	"github.com/I54m/LFS/internal/lifecycle"
	"github.com/I54m/LFS/internal/models"
	"github.com/I54m/LFS/internal/storage"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/I54m/LFS/internal/service"

var (
	archiveOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lfs_archive_operations_total",
		Help: "Archive operations run, by operation and result",
	}, []string{"op", "result"})

	recordFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lfs_archive_record_failures_total",
		Help: "Records an archive operation failed to process",
	}, []string{"op"})

	archiveOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lfs_archive_operation_duration_seconds",
		Help:    "Duration of archive operations",
		Buckets: []float64{0.1, 0.5, 1, 5, 30, 120, 600, 1800, 3600},
	}, []string{"op"})
)

// BatchResult summarizes one batch invocation.
type BatchResult struct {
	Operation string
	RunID     string
	Processed int
	Failed    int
}

// Err returns a *models.BatchError when any record failed.
func (r BatchResult) Err() error {
	if r.Failed == 0 {
		return nil
	}
	return &models.BatchError{Operation: r.Operation, Failed: r.Failed, Total: r.Processed}
}

// Archiver moves records between the local tier and the archive tier. Every
// call opens its own archive session and closes it before returning.
type Archiver struct {
	runner
	repo    database.Repository
	store   *storage.FilesystemStorage
	machine *lifecycle.Machine
}

func NewArchiver(
	repo database.Repository,
	store *storage.FilesystemStorage,
	dialer archive.Dialer,
	machine *lifecycle.Machine,
	logger *zap.Logger,
) *Archiver {
	return &Archiver{
		runner:  newRunner(dialer, logger.With(zap.String("component", "archiver"))),
		repo:    repo,
		store:   store,
		machine: machine,
	}
}

// runner holds what every batch needs: the archive dialer, a tracer and a
// component logger.
type runner struct {
	dialer archive.Dialer
	tracer trace.Tracer
	logger *zap.Logger
}

func newRunner(dialer archive.Dialer, logger *zap.Logger) runner {
	return runner{dialer: dialer, tracer: otel.Tracer(tracerName), logger: logger}
}

// transportFields flattens the diagnostics of a transport failure into log
// fields.
func transportFields(err error) []zap.Field {
	var te *models.TransportError
	if !errors.As(err, &te) {
		return []zap.Field{zap.Error(err)}
	}
	return []zap.Field{
		zap.String("host", te.Host),
		zap.Int("port", te.Port),
		zap.String("username", te.Username),
		zap.Bool("key_configured", te.KeyConfigured),
		zap.Bool("session_up", te.SessionUp),
		zap.Error(te.Err),
	}
}

// withSession dials the archive, runs fn and closes the session on every path.
func withSession(ctx context.Context, dialer archive.Dialer, logger *zap.Logger, fn func(archive.Session) error) error {
	sess, err := dialer.Dial(ctx)
	if err != nil {
		logger.Error("archive connection failed", transportFields(err)...)
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Warn("closing archive session", zap.Error(err))
		}
	}()
	return fn(sess)
}

// batch is the shared frame of every batch operation: run id, span, session
// and metrics. each is called with the open session and must account for
// every record it touches through res.
func (r runner) batch(
	ctx context.Context,
	op string,
	each func(ctx context.Context, sess archive.Session, res *BatchResult, logger *zap.Logger) error,
) (BatchResult, error) {
	res := BatchResult{Operation: op, RunID: uuid.NewString()}
	logger := r.logger.With(zap.String("op", op), zap.String("run_id", res.RunID))

	ctx, span := r.tracer.Start(ctx, "service."+op, trace.WithAttributes(
		attribute.String("lfs.run_id", res.RunID),
	))
	defer span.End()

	start := time.Now()
	err := withSession(ctx, r.dialer, logger, func(sess archive.Session) error {
		return each(ctx, sess, &res, logger)
	})
	if err == nil {
		err = res.Err()
	}
	archiveOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	span.SetAttributes(
		attribute.Int("lfs.processed", res.Processed),
		attribute.Int("lfs.failed", res.Failed),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		archiveOpsTotal.WithLabelValues(op, "failed").Inc()
		logger.Warn("batch finished with errors",
			zap.Int("processed", res.Processed),
			zap.Int("failed", res.Failed),
			zap.Error(err),
		)
		return res, err
	}
	archiveOpsTotal.WithLabelValues(op, "ok").Inc()
	logger.Info("batch finished", zap.Int("processed", res.Processed))
	return res, nil
}

// track runs one per-record step and counts its outcome.
func track(res *BatchResult, logger *zap.Logger, id string, step func() error) {
	res.Processed++
	if err := step(); err != nil {
		res.Failed++
		recordFailuresTotal.WithLabelValues(res.Operation).Inc()
		logger.Error("record failed", zap.String("file_id", id), zap.Error(err))
	}
}

// ExpireSweep archives expired local records and purges expired archived
// ones. Persistent records are never selected; records mid-transfer are
// skipped.
func (a *Archiver) ExpireSweep(ctx context.Context) (BatchResult, error) {
	return a.batch(ctx, "expire", func(ctx context.Context, sess archive.Session, res *BatchResult, logger *zap.Logger) error {
		files, err := a.repo.Filter(ctx, database.FileFilter{
			Persistent:    database.Bool(false),
			ExpiresBefore: a.machine.Today(),
		})
		if err != nil {
			return fmt.Errorf("select expired records: %w", err)
		}
		logger.Info("expired records selected", zap.Int("count", len(files)))

		for _, file := range files {
			if err := ctx.Err(); err != nil {
				return err
			}
			switch file.State {
			case models.StateLocal:
				track(res, logger, file.ID, func() error { return a.archiveOne(ctx, sess, file) })
			case models.StateArchived:
				track(res, logger, file.ID, func() error { return a.purgeArchived(ctx, sess, file) })
			default:
				logger.Debug("skipping record in transfer", zap.String("file_id", file.ID))
			}
		}
		return nil
	})
}

// ForceArchive moves the given local records to the archive regardless of
// their expiry. Ids that are not local are skipped; unknown ids count as
// failures.
func (a *Archiver) ForceArchive(ctx context.Context, ids []string) (BatchResult, error) {
	return a.batch(ctx, "force_archive", func(ctx context.Context, sess archive.Session, res *BatchResult, logger *zap.Logger) error {
		for _, id := range lo.Uniq(ids) {
			if err := ctx.Err(); err != nil {
				return err
			}
			track(res, logger, id, func() error {
				file, err := a.repo.GetByID(ctx, id)
				if err != nil {
					return err
				}
				if file.State != models.StateLocal {
					logger.Debug("skipping record not local", zap.String("file_id", id), zap.String("state", string(file.State)))
					return nil
				}
				return a.archiveOne(ctx, sess, file)
			})
		}
		return nil
	})
}

// ForceLocalise brings the given archived records back to the local tier.
// Ids that are not archived are skipped; unknown ids count as failures.
func (a *Archiver) ForceLocalise(ctx context.Context, ids []string) (BatchResult, error) {
	return a.batch(ctx, "force_localise", func(ctx context.Context, sess archive.Session, res *BatchResult, logger *zap.Logger) error {
		for _, id := range lo.Uniq(ids) {
			if err := ctx.Err(); err != nil {
				return err
			}
			track(res, logger, id, func() error {
				file, err := a.repo.GetByID(ctx, id)
				if err != nil {
					return err
				}
				if file.State != models.StateArchived {
					logger.Debug("skipping record not archived", zap.String("file_id", id), zap.String("state", string(file.State)))
					return nil
				}
				return a.localise(ctx, sess, file)
			})
		}
		return nil
	})
}

// LocaliseOne brings a single archived record back to the local tier.
func (a *Archiver) LocaliseOne(ctx context.Context, id string) error {
	file, err := a.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	switch file.State {
	case models.StateLocal:
		return &models.IllegalStateError{ID: id, Op: "localise", Reason: "already local"}
	case models.StateMoving:
		return &models.IllegalStateError{ID: id, Op: "localise", Reason: "transfer already in progress"}
	}

	_, err = a.batch(ctx, "localise", func(ctx context.Context, sess archive.Session, res *BatchResult, logger *zap.Logger) error {
		res.Processed++
		return a.localise(ctx, sess, file)
	})
	return err
}

// DeleteArchived removes an archived record together with its archive bytes
// and local thumbnail.
func (a *Archiver) DeleteArchived(ctx context.Context, id string) error {
	file, err := a.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if file.State != models.StateArchived {
		return &models.IllegalStateError{ID: id, Op: "delete archived", Reason: "record is " + string(file.State)}
	}

	_, err = a.batch(ctx, "delete_archived", func(ctx context.Context, sess archive.Session, res *BatchResult, logger *zap.Logger) error {
		res.Processed++
		return a.purgeArchived(ctx, sess, file)
	})
	return err
}

// CheckArchive opens a session and lists the archive root.
func (a *Archiver) CheckArchive(ctx context.Context) error {
	ctx, span := a.tracer.Start(ctx, "service.check_archive")
	defer span.End()

	err := withSession(ctx, a.dialer, a.logger, func(sess archive.Session) error {
		entries, err := sess.List(ctx, "")
		if err != nil {
			return err
		}
		a.logger.Debug("archive reachable", zap.Int("root_entries", len(entries)))
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		archiveOpsTotal.WithLabelValues("check", "failed").Inc()
		return err
	}
	archiveOpsTotal.WithLabelValues("check", "ok").Inc()
	return nil
}

// archiveOne uploads a local record and re-expires it one year out.
func (a *Archiver) archiveOne(ctx context.Context, sess archive.Session, file *models.FileRecord) error {
	if err := a.machine.BeginMoving(ctx, file); err != nil {
		return err
	}

	exists, err := a.store.Exists(file.StoragePath)
	if err == nil && !exists {
		err = fmt.Errorf("local bytes %s: %w", file.StoragePath, models.ErrNotFound)
	}
	if err == nil {
		err = sess.Put(ctx, a.store.FullPath(file.StoragePath), file.StoragePath)
	}
	if err != nil {
		return a.abort(ctx, file, models.StateLocal, err)
	}
	if err := a.machine.MarkArchived(ctx, file, 0, 0, 0, lifecycle.ArchivedYears); err != nil {
		// The record stays LOCAL and still claims its path, so the remote
		// orphan pass would never reclaim this copy.
		if rmErr := sess.Remove(ctx, file.StoragePath); rmErr != nil {
			a.logger.Warn("removing archive copy of unarchived record", zap.String("file_id", file.ID), zap.Error(rmErr))
			err = errors.Join(err, fmt.Errorf("remove archive copy of %s: %w", file.ID, rmErr))
		}
		return a.abort(ctx, file, models.StateLocal, err)
	}

	if err := a.store.Remove(file.StoragePath); err != nil {
		return fmt.Errorf("remove local copy of archived %s: %w", file.ID, err)
	}
	a.logger.Info("record archived", zap.String("file_id", file.ID), zap.Time("expires", file.ExpirationDate))
	return nil
}

// localise downloads an archived record and re-expires it six months out.
func (a *Archiver) localise(ctx context.Context, sess archive.Session, file *models.FileRecord) error {
	if err := a.machine.BeginMoving(ctx, file); err != nil {
		return err
	}

	if err := sess.Get(ctx, file.StoragePath, a.store.FullPath(file.StoragePath)); err != nil {
		return a.abort(ctx, file, models.StateArchived, err)
	}
	if err := a.machine.MarkLocal(ctx, file); err != nil {
		if rmErr := a.store.Remove(file.StoragePath); rmErr != nil {
			a.logger.Warn("removing local copy of unlocalised record", zap.String("file_id", file.ID), zap.Error(rmErr))
			err = errors.Join(err, fmt.Errorf("remove local copy of %s: %w", file.ID, rmErr))
		}
		return a.abort(ctx, file, models.StateArchived, err)
	}

	if err := sess.Remove(ctx, file.StoragePath); err != nil {
		return fmt.Errorf("remove archive copy of localised %s: %w", file.ID, err)
	}
	a.logger.Info("record localised", zap.String("file_id", file.ID), zap.Time("expires", file.ExpirationDate))
	return nil
}

// purgeArchived removes an archived record's remote bytes, its thumbnail and
// the record itself.
func (a *Archiver) purgeArchived(ctx context.Context, sess archive.Session, file *models.FileRecord) error {
	if err := a.machine.BeginMoving(ctx, file); err != nil {
		return err
	}
	if err := sess.Remove(ctx, file.StoragePath); err != nil {
		return a.abort(ctx, file, models.StateArchived, err)
	}
	if file.HasThumbnail() {
		if err := a.store.Remove(file.ThumbnailPath); err != nil {
			a.logger.Warn("removing thumbnail", zap.String("file_id", file.ID), zap.Error(err))
		}
	}
	if err := a.repo.Delete(ctx, file.ID); err != nil {
		return fmt.Errorf("delete record %s: %w", file.ID, err)
	}
	a.logger.Info("archived record deleted", zap.String("file_id", file.ID))
	return nil
}

// abort returns a record left in MOVING by a failed transfer to the state it
// came from and reports cause.
func (a *Archiver) abort(ctx context.Context, file *models.FileRecord, back models.State, cause error) error {
	swapped, err := a.repo.CompareAndSwapState(ctx, file.ID, models.StateMoving, back)
	if err != nil {
		return errors.Join(cause, fmt.Errorf("restore state of %s: %w", file.ID, err))
	}
	if swapped {
		file.State = back
		a.logger.Debug("state restored", zap.String("file_id", file.ID), zap.String("state", string(back)))
	}
	return cause
}
