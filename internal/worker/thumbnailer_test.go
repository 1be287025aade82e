package worker_test

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/I54m/LFS/internal/database"
	"github.com/I54m/LFS/internal/mocks"
	"github.com/I54m/LFS/internal/models"
	"github.com/I54m/LFS/internal/preview"
	"github.com/I54m/LFS/internal/storage"
	"github.com/I54m/LFS/internal/worker"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
)

type fixture struct {
	repo  database.Repository
	store *storage.FilesystemStorage
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo, err := database.NewBadgerDB("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	store, err := storage.NewFilesystemStorage(t.TempDir())
	require.NoError(t, err)
	return &fixture{repo: repo, store: store}
}

func (f *fixture) addFile(t *testing.T, id, name, mimeType string, content []byte) *models.FileRecord {
	t.Helper()
	kind := models.ContentKindFromMime(mimeType)
	rec := &models.FileRecord{
		ID:             id,
		State:          models.StateLocal,
		UploadKind:     models.UploadManual,
		ContentKind:    kind,
		MimeType:       mimeType,
		OriginalName:   name,
		StoragePath:    models.BuildStoragePath(id, models.UploadManual, kind, name),
		ExpirationDate: time.Now(),
		Access:         models.AccessPublic,
	}
	_, err := f.store.Put(rec.StoragePath, bytes.NewReader(content))
	require.NoError(t, err)
	require.NoError(t, f.repo.Save(context.Background(), rec))
	return rec
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	img := imaging.New(w, h, color.NRGBA{B: 255, A: 255})
	require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))
	return buf.Bytes()
}

func TestThumbnailUnsupportedMimeUsesSVG(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rec := f.addFile(t, "ABCDEFGH", "song.mp3", "audio/mpeg", []byte("ID3"))

	ctrl := gomock.NewController(t)
	previewer := mocks.NewMockPreviewer(ctrl)
	previewer.EXPECT().SupportedMimeTypes().Return(map[string]struct{}{"image/png": {}})

	th := worker.NewThumbnailer(f.repo, f.store, previewer, nil, true, zap.NewNop())
	require.NoError(t, th.Generate(ctx, rec.ID))

	got, err := f.repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "MANUAL/AUDIO/THUMBNAIL/ABCDEFGH.mp3.svg", got.ThumbnailPath)

	data, err := os.ReadFile(f.store.FullPath(got.ThumbnailPath))
	require.NoError(t, err)
	assert.Contains(t, string(data), "<tspan x=\"256\" dy=\"1.2em\">song.mp3</tspan>")
	assert.Contains(t, string(data), "audio/mpeg")
}

func TestThumbnailImageIsJPEGWithinBounds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rec := f.addFile(t, "IMAGEPNG", "photo.png", "image/png", pngBytes(t, 1024, 768))

	mgr, err := preview.NewManager(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	th := worker.NewThumbnailer(f.repo, f.store, mgr, nil, true, zap.NewNop())
	th.Trigger(ctx, rec.ID)

	got, err := f.repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ContentImage, got.ContentKind)
	assert.True(t, strings.HasSuffix(got.StoragePath, ".png"))
	assert.Equal(t, "MANUAL/IMAGE/THUMBNAIL/IMAGEPNG.png.jpeg", got.ThumbnailPath)

	w, h, err := worker.Dimensions(f.store.FullPath(got.ThumbnailPath))
	require.NoError(t, err)
	assert.LessOrEqual(t, w, worker.ThumbnailSize)
	assert.LessOrEqual(t, h, worker.ThumbnailSize)
	assert.Equal(t, 512, w)
	assert.Equal(t, 384, h)
}

func TestThumbnailPreviewFailureFallsBackToSVG(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rec := f.addFile(t, "BROKENPN", "photo.png", "image/png", []byte("not a png"))

	ctrl := gomock.NewController(t)
	previewer := mocks.NewMockPreviewer(ctrl)
	previewer.EXPECT().SupportedMimeTypes().Return(map[string]struct{}{"image/png": {}})
	previewer.EXPECT().
		JPEGPreview(f.store.FullPath(rec.StoragePath), worker.ThumbnailSize, worker.ThumbnailSize).
		Return("", errors.New("renderer crashed"))

	th := worker.NewThumbnailer(f.repo, f.store, previewer, nil, true, zap.NewNop())
	require.NoError(t, th.Generate(ctx, rec.ID))

	got, err := f.repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "MANUAL/IMAGE/THUMBNAIL/BROKENPN.png.svg", got.ThumbnailPath)
}

func TestThumbnailArchiveRendersListingFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rec := f.addFile(t, "ZIPPEDAA", "bundle.zip", "application/zip", []byte("PK"))

	rendered := f.store.FullPath("rendered.jpeg")
	require.NoError(t, imaging.Save(imaging.New(900, 300, color.White), rendered))

	ctrl := gomock.NewController(t)
	previewer := mocks.NewMockPreviewer(ctrl)
	gomock.InOrder(
		previewer.EXPECT().SupportedMimeTypes().Return(map[string]struct{}{"application/zip": {}}),
		previewer.EXPECT().TextPreview(f.store.FullPath(rec.StoragePath)).Return("/tmp/listing.txt", nil),
		previewer.EXPECT().JPEGPreview("/tmp/listing.txt", 512, 512).Return(rendered, nil),
	)

	th := worker.NewThumbnailer(f.repo, f.store, previewer, nil, true, zap.NewNop())
	require.NoError(t, th.Generate(ctx, rec.ID))

	got, err := f.repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "MANUAL/APPLICATION/THUMBNAIL/ZIPPEDAA.zip.jpeg", got.ThumbnailPath)

	w, h, err := worker.Dimensions(f.store.FullPath(got.ThumbnailPath))
	require.NoError(t, err)
	assert.Equal(t, 512, w)
	assert.Equal(t, 171, h)
}

func TestThumbnailMissingRecord(t *testing.T) {
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	previewer := mocks.NewMockPreviewer(ctrl)

	th := worker.NewThumbnailer(f.repo, f.store, previewer, nil, true, zap.NewNop())
	err := th.Generate(context.Background(), "NOPENOPE")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestPlaceholderSVG(t *testing.T) {
	rec := &models.FileRecord{
		OriginalName: "backup.gz",
		MimeType:     "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	}
	svg := worker.PlaceholderSVG(rec)

	assert.Contains(t, svg, ">backup.gz</tspan>")
	assert.Contains(t, svg, ">tar.gz</tspan>")
	assert.Contains(t, svg, ">application/vnd.openxmlformats-o</tspan>")
	assert.Contains(t, svg, ">fficedocument.wordprocessingml.d</tspan>")
	assert.Contains(t, svg, ">ocument</tspan>")

	short := worker.PlaceholderSVG(&models.FileRecord{StoragePath: "API/FILE/ABCDEFGH.<b>", MimeType: "x/y"})
	assert.Contains(t, short, "ABCDEFGH.&lt;b&gt;")
	assert.Equal(t, 2, strings.Count(short, "dy=\"1.2em\"> </tspan>"))
}

// claimingRepo starts a transfer on the record right after the first read.
type claimingRepo struct {
	database.Repository
	reads int
}

func (r *claimingRepo) GetByID(ctx context.Context, id string) (*models.FileRecord, error) {
	file, err := r.Repository.GetByID(ctx, id)
	r.reads++
	if err == nil && r.reads == 1 {
		if _, err := r.Repository.CompareAndSwapState(ctx, id, models.StateLocal, models.StateMoving); err != nil {
			return nil, err
		}
	}
	return file, err
}

func TestThumbnailKeepsConcurrentStateChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rec := f.addFile(t, "ABCDEFGH", "song.mp3", "audio/mpeg", []byte("ID3"))

	ctrl := gomock.NewController(t)
	previewer := mocks.NewMockPreviewer(ctrl)
	previewer.EXPECT().SupportedMimeTypes().Return(map[string]struct{}{})

	repo := &claimingRepo{Repository: f.repo}
	th := worker.NewThumbnailer(repo, f.store, previewer, nil, true, zap.NewNop())
	require.NoError(t, th.Generate(ctx, rec.ID))

	stored, err := f.repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateMoving, stored.State, "thumbnail write must not undo the transfer claim")
	assert.Equal(t, "MANUAL/AUDIO/THUMBNAIL/ABCDEFGH.mp3.svg", stored.ThumbnailPath)
	assert.Equal(t, 2, repo.reads)
}
