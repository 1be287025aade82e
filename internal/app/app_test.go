package app_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/I54m/LFS/internal/app"
	"github.com/I54m/LFS/internal/config"
	"github.com/I54m/LFS/internal/models"
	"github.com/I54m/LFS/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		MediaRoot:        filepath.Join(dir, "media"),
		PreviewCacheDir:  filepath.Join(dir, "preview"),
		RepositoryDriver: "badger",
		BadgerPath:       filepath.Join(dir, "badger"),
		Archive: config.Archive{
			Driver:          "blob",
			BucketURL:       "file://" + filepath.ToSlash(t.TempDir()),
			Root:            "archive",
			TransferTimeout: time.Minute,
		},
		Workers:        2,
		ThumbnailsSync: true,
		EmbedCacheTTL:  time.Hour,
		EmbedCacheSize: 8,
		PublicBaseURL:  "https://lfs.i54m.com",
		Timezone:       "UTC",
	}
}

func TestAppLifecycle(t *testing.T) {
	ctx := context.Background()
	a, err := app.New(ctx, testConfig(t), zap.NewNop())
	require.NoError(t, err)

	rec, err := a.Files.Create(ctx, service.CreateRequest{
		Filename: "readme.txt",
		Content:  strings.NewReader("hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.ContentText, rec.ContentKind)

	res, err := a.Archiver.ForceArchive(ctx, []string{rec.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)

	require.NoError(t, a.Archiver.LocaliseOne(ctx, rec.ID))
	require.NoError(t, a.Sweeper.SweepAll(ctx))

	got, err := a.Repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateLocal, got.State)

	require.NoError(t, a.Close())
}

func TestAppRejectsBadTimezone(t *testing.T) {
	cfg := testConfig(t)
	cfg.Timezone = "Mars/Olympus"
	_, err := app.New(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}
