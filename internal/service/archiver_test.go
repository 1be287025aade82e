package service_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/I54m/LFS/internal/archive"
	"github.com/I54m/LFS/internal/config"
	"github.com/I54m/LFS/internal/database"
	"github.com/I54m/LFS/internal/lifecycle"
	"github.com/I54m/LFS/internal/mocks"
	"github.com/I54m/LFS/internal/models"
	"github.com/I54m/LFS/internal/service"
	"github.com/I54m/LFS/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
)

var (
	fixedNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	today    = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
)

type env struct {
	repo     database.Repository
	store    *storage.FilesystemStorage
	dialer   archive.Dialer
	machine  *lifecycle.Machine
	archiver *service.Archiver
	sweeper  *service.Sweeper
}

func newEnv(t *testing.T) *env {
	t.Helper()
	repo, err := database.NewBadgerDB("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	store, err := storage.NewFilesystemStorage(t.TempDir())
	require.NoError(t, err)

	dialer, err := archive.NewDialer(config.Archive{
		Driver:          "blob",
		BucketURL:       "file://" + filepath.ToSlash(t.TempDir()),
		Root:            "archive",
		TransferTimeout: time.Minute,
	}, zap.NewNop())
	require.NoError(t, err)

	return newEnvWithDialer(t, repo, store, dialer)
}

func newEnvWithDialer(t *testing.T, repo database.Repository, store *storage.FilesystemStorage, dialer archive.Dialer) *env {
	t.Helper()
	machine := lifecycle.NewMachine(repo,
		lifecycle.WithLocation(time.UTC),
		lifecycle.WithClock(func() time.Time { return fixedNow }),
	)
	return &env{
		repo:     repo,
		store:    store,
		dialer:   dialer,
		machine:  machine,
		archiver: service.NewArchiver(repo, store, dialer, machine, zap.NewNop()),
		sweeper:  service.NewSweeper(repo, store, dialer, zap.NewNop()),
	}
}

func newStore(t *testing.T) (database.Repository, *storage.FilesystemStorage) {
	t.Helper()
	repo, err := database.NewBadgerDB("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	store, err := storage.NewFilesystemStorage(t.TempDir())
	require.NoError(t, err)
	return repo, store
}

// addLocal saves a LOCAL text record and its bytes.
func (e *env) addLocal(t *testing.T, id string, expires time.Time, persistent bool) *models.FileRecord {
	t.Helper()
	rec := &models.FileRecord{
		ID:             id,
		State:          models.StateLocal,
		UploadKind:     models.UploadManual,
		ContentKind:    models.ContentText,
		MimeType:       "text/plain",
		OriginalName:   "notes.txt",
		StoragePath:    models.BuildStoragePath(id, models.UploadManual, models.ContentText, "notes.txt"),
		Persistent:     persistent,
		ExpirationDate: expires,
		Access:         models.AccessPublic,
	}
	_, err := e.store.Put(rec.StoragePath, bytes.NewReader([]byte("bytes of "+id)))
	require.NoError(t, err)
	require.NoError(t, e.repo.Save(context.Background(), rec))
	return rec
}

// addArchived saves an ARCHIVED record with its bytes on the archive and a
// local thumbnail.
func (e *env) addArchived(t *testing.T, id string, expires time.Time) *models.FileRecord {
	t.Helper()
	ctx := context.Background()
	rec := e.addLocal(t, id, expires, false)

	sess, err := e.dialer.Dial(ctx)
	require.NoError(t, err)
	require.NoError(t, sess.Put(ctx, e.store.FullPath(rec.StoragePath), rec.StoragePath))
	require.NoError(t, sess.Close())
	require.NoError(t, e.store.Remove(rec.StoragePath))

	rec.State = models.StateArchived
	rec.ThumbnailPath = models.ThumbnailBase(rec.StoragePath) + ".svg"
	_, err = e.store.Put(rec.ThumbnailPath, bytes.NewReader([]byte("<svg/>")))
	require.NoError(t, err)
	require.NoError(t, e.repo.Save(ctx, rec))
	return rec
}

// remote reads a file back from the archive; ok is false when it is missing.
func (e *env) remote(t *testing.T, remotePath string) (data string, ok bool) {
	t.Helper()
	ctx := context.Background()
	sess, err := e.dialer.Dial(ctx)
	require.NoError(t, err)
	defer sess.Close()

	dst := filepath.Join(t.TempDir(), "remote")
	err = sess.Get(ctx, remotePath, dst)
	if errors.Is(err, models.ErrNotFound) {
		return "", false
	}
	require.NoError(t, err)
	b, err := os.ReadFile(dst)
	require.NoError(t, err)
	return string(b), true
}

func (e *env) localExists(t *testing.T, p string) bool {
	t.Helper()
	ok, err := e.store.Exists(p)
	require.NoError(t, err)
	return ok
}

func TestForceArchiveMovesLocalRecord(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rec := e.addLocal(t, "ABCDEFGH", today.AddDate(0, 1, 0), false)

	res, err := e.archiver.ForceArchive(ctx, []string{rec.ID, rec.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 0, res.Failed)
	assert.NotEmpty(t, res.RunID)

	got, err := e.repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateArchived, got.State)
	assert.True(t, got.ExpirationDate.Equal(today.AddDate(0, 0, 364)), "expires %s", got.ExpirationDate)

	assert.False(t, e.localExists(t, rec.StoragePath))
	data, ok := e.remote(t, rec.StoragePath)
	require.True(t, ok)
	assert.Equal(t, "bytes of ABCDEFGH", data)
}

func TestForceArchiveSkipsAndCounts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pinned := e.addLocal(t, "PINNED01", today, true)
	archived := e.addArchived(t, "ARCHIVED", today)

	res, err := e.archiver.ForceArchive(ctx, []string{pinned.ID, archived.ID, "MISSING0"})
	assert.ErrorIs(t, err, models.ErrAggregate)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 2, res.Failed, "persistent and unknown records fail, archived is skipped")

	got, err := e.repo.GetByID(ctx, pinned.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateLocal, got.State)
	assert.True(t, e.localExists(t, pinned.StoragePath))
}

func TestForceArchiveMissingLocalBytesRestoresState(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rec := e.addLocal(t, "NOBYTES1", today, false)
	require.NoError(t, e.store.Remove(rec.StoragePath))

	res, err := e.archiver.ForceArchive(ctx, []string{rec.ID})
	assert.ErrorIs(t, err, models.ErrAggregate)
	assert.Equal(t, 1, res.Failed)

	got, err := e.repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateLocal, got.State)
}

func TestExpireSweep(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	expired := e.addLocal(t, "EXPIRED1", today.AddDate(0, 0, -1), false)
	dueToday := e.addLocal(t, "DUETODAY", today, false)
	fresh := e.addLocal(t, "FRESH001", today.AddDate(0, 0, 1), false)
	pinned := e.addLocal(t, "PINNED01", today.AddDate(0, 0, -30), true)
	gone := e.addArchived(t, "ARCHIVED", today.AddDate(0, 0, -1))

	moving := e.addLocal(t, "MOVING01", today.AddDate(0, 0, -1), false)
	moving.State = models.StateMoving
	require.NoError(t, e.repo.Save(ctx, moving))

	res, err := e.archiver.ExpireSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Processed)

	for _, rec := range []*models.FileRecord{expired, dueToday} {
		got, err := e.repo.GetByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StateArchived, got.State, rec.ID)
		assert.False(t, e.localExists(t, rec.StoragePath), rec.ID)
	}

	for _, rec := range []*models.FileRecord{fresh, pinned} {
		got, err := e.repo.GetByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StateLocal, got.State, rec.ID)
		assert.True(t, e.localExists(t, rec.StoragePath), rec.ID)
	}

	_, err = e.repo.GetByID(ctx, gone.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, ok := e.remote(t, gone.StoragePath)
	assert.False(t, ok)
	assert.False(t, e.localExists(t, gone.ThumbnailPath))

	got, err := e.repo.GetByID(ctx, moving.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateMoving, got.State)
}

func TestLocaliseOne(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rec := e.addArchived(t, "ARCHIVED", today)

	require.NoError(t, e.archiver.LocaliseOne(ctx, rec.ID))

	got, err := e.repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateLocal, got.State)
	assert.True(t, got.ExpirationDate.Equal(today.AddDate(0, 0, 180)))
	assert.True(t, e.localExists(t, rec.StoragePath))
	_, ok := e.remote(t, rec.StoragePath)
	assert.False(t, ok)

	err = e.archiver.LocaliseOne(ctx, rec.ID)
	assert.ErrorIs(t, err, models.ErrIllegalState)
	assert.Contains(t, err.Error(), "already local")
}

func TestForceLocaliseSkipsLocal(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	local := e.addLocal(t, "LOCAL001", today, false)
	archived := e.addArchived(t, "ARCHIVED", today)

	res, err := e.archiver.ForceLocalise(ctx, []string{local.ID, archived.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)

	got, err := e.repo.GetByID(ctx, archived.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateLocal, got.State)
}

func TestDeleteArchived(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	local := e.addLocal(t, "LOCAL001", today, false)
	archived := e.addArchived(t, "ARCHIVED", today)

	assert.ErrorIs(t, e.archiver.DeleteArchived(ctx, local.ID), models.ErrIllegalState)

	require.NoError(t, e.archiver.DeleteArchived(ctx, archived.ID))
	_, err := e.repo.GetByID(ctx, archived.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, ok := e.remote(t, archived.StoragePath)
	assert.False(t, ok)
	assert.False(t, e.localExists(t, archived.ThumbnailPath))
}

func TestCheckArchive(t *testing.T) {
	e := newEnv(t)
	assert.NoError(t, e.archiver.CheckArchive(context.Background()))
}

func TestTransportFailureLeavesRecordsUntouched(t *testing.T) {
	ctrl := gomock.NewController(t)
	dialer := mocks.NewMockDialer(ctrl)
	transport := &models.TransportError{
		Host:          "archive.example.org",
		Port:          22,
		Username:      "lfs",
		KeyConfigured: true,
		Err:           errors.New("connection refused"),
	}
	dialer.EXPECT().Dial(gomock.Any()).Return(nil, transport).Times(2)

	repo, store := newStore(t)
	e := newEnvWithDialer(t, repo, store, dialer)
	rec := e.addLocal(t, "EXPIRED1", today.AddDate(0, 0, -1), false)

	_, err := e.archiver.ExpireSweep(context.Background())
	require.ErrorIs(t, err, models.ErrTransport)
	var te *models.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "archive.example.org", te.Host)
	assert.False(t, te.SessionUp)

	got, err := repo.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateLocal, got.State)

	assert.ErrorIs(t, e.archiver.CheckArchive(context.Background()), models.ErrTransport)
}

func TestRecordFailureDoesNotStopBatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	dialer := mocks.NewMockDialer(ctrl)
	sess := mocks.NewMockSession(ctrl)

	repo, store := newStore(t)
	e := newEnvWithDialer(t, repo, store, dialer)
	first := e.addLocal(t, "FIRST001", today, false)
	second := e.addLocal(t, "SECOND01", today, false)

	dialer.EXPECT().Dial(gomock.Any()).Return(sess, nil)
	sess.EXPECT().Put(gomock.Any(), gomock.Any(), first.StoragePath).Return(errors.New("connection reset"))
	sess.EXPECT().Put(gomock.Any(), gomock.Any(), second.StoragePath).Return(nil)
	sess.EXPECT().Close().Return(nil)

	res, err := e.archiver.ForceArchive(context.Background(), []string{first.ID, second.ID})
	require.ErrorIs(t, err, models.ErrAggregate)
	var be *models.BatchError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 1, be.Failed)
	assert.Equal(t, 2, be.Total)
	assert.Equal(t, 2, res.Processed)

	got, err := repo.GetByID(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateLocal, got.State, "failed transfer is rolled back")
	assert.True(t, e.localExists(t, first.StoragePath))

	got, err = repo.GetByID(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateArchived, got.State)
}

// stuckRepo fails the write that settles a transfer into state.
type stuckRepo struct {
	database.Repository
	state models.State
}

func (r stuckRepo) SaveIfState(ctx context.Context, file *models.FileRecord, expected models.State) (bool, error) {
	if expected == models.StateMoving && file.State == r.state {
		return false, errors.New("disk full")
	}
	return r.Repository.SaveIfState(ctx, file, expected)
}

func TestArchiveRecordFailureRemovesRemoteCopy(t *testing.T) {
	ctx := context.Background()
	base := newEnv(t)
	e := newEnvWithDialer(t, stuckRepo{Repository: base.repo, state: models.StateArchived}, base.store, base.dialer)
	rec := e.addLocal(t, "STUCK001", today, false)

	_, err := e.archiver.ForceArchive(ctx, []string{rec.ID})
	require.ErrorIs(t, err, models.ErrAggregate)

	got, err := e.repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateLocal, got.State)
	assert.True(t, e.localExists(t, rec.StoragePath))
	_, ok := e.remote(t, rec.StoragePath)
	assert.False(t, ok, "archive copy of a record that stayed local is removed")
}

func TestLocaliseRecordFailureRemovesLocalCopy(t *testing.T) {
	ctx := context.Background()
	base := newEnv(t)
	rec := base.addArchived(t, "STUCK002", today.AddDate(0, 1, 0))
	e := newEnvWithDialer(t, stuckRepo{Repository: base.repo, state: models.StateLocal}, base.store, base.dialer)

	err := e.archiver.LocaliseOne(ctx, rec.ID)
	require.Error(t, err)

	got, err := e.repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateArchived, got.State)
	assert.False(t, e.localExists(t, rec.StoragePath))
	data, ok := e.remote(t, rec.StoragePath)
	assert.True(t, ok)
	assert.Equal(t, "bytes of STUCK002", data)
}
