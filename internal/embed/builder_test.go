package embed_test

import (
	"encoding/json"
	"image/color"
	"strings"
	"testing"

	"github.com/I54m/LFS/internal/embed"
	"github.com/I54m/LFS/internal/models"
	"github.com/I54m/LFS/internal/storage"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newBuilder(t *testing.T) (*embed.Builder, *storage.FilesystemStorage) {
	t.Helper()
	store, err := storage.NewFilesystemStorage(t.TempDir())
	require.NoError(t, err)
	return embed.NewBuilder("https://lfs.i54m.com/", store, zap.NewNop()), store
}

func TestFitDimensions(t *testing.T) {
	tests := []struct {
		name             string
		w, h, maxW, maxH int
		wantW, wantH     int
	}{
		{"no bounds", 1600, 900, 0, 0, 1600, 900},
		{"already fits", 400, 300, 800, 600, 400, 300},
		{"width bound", 1600, 900, 800, 0, 800, 450},
		{"height bound", 1600, 900, 0, 300, 533, 300},
		{"both bounds", 1000, 1000, 500, 250, 250, 250},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := embed.FitDimensions(tt.w, tt.h, tt.maxW, tt.maxH)
			assert.Equal(t, tt.wantW, w)
			assert.Equal(t, tt.wantH, h)
		})
	}
}

func TestBuildPhoto(t *testing.T) {
	b, store := newBuilder(t)
	file := &models.FileRecord{
		ID:            "ABCDEFGH",
		State:         models.StateLocal,
		ContentKind:   models.ContentImage,
		StoragePath:   "MANUAL/IMAGE/ABCDEFGH.png",
		ThumbnailPath: "MANUAL/IMAGE/THUMBNAIL/ABCDEFGH.png.jpeg",
	}
	require.NoError(t, store.EnsureDir("MANUAL/IMAGE/THUMBNAIL"))
	require.NoError(t, imaging.Save(imaging.New(1200, 800, color.White), store.FullPath(file.StoragePath)))
	require.NoError(t, imaging.Save(imaging.New(512, 341, color.White), store.FullPath(file.ThumbnailPath)))

	resp, err := b.Build(file, embed.Options{MaxWidth: 600, Referrer: "https://example.org"})
	require.NoError(t, err)

	assert.Equal(t, "photo", resp.Type)
	assert.Equal(t, "1.0", resp.Version)
	assert.Equal(t, "lfs.i54m.com", resp.AuthorName)
	assert.Equal(t, "https://lfs.i54m.com", resp.AuthorURL)
	assert.Equal(t, "https://lfs.i54m.com/ABCDEFGH/raw/", resp.URL)
	assert.Equal(t, 600, resp.Width)
	assert.Equal(t, 400, resp.Height)
	assert.Equal(t, "https://lfs.i54m.com/ABCDEFGH/thmb/", resp.ThumbnailURL)
	assert.Equal(t, 512, resp.ThumbnailWidth)
	assert.Equal(t, 341, resp.ThumbnailHeight)
	assert.Equal(t, "https://example.org", resp.Referrer)
	assert.Equal(t, embed.CacheAge, resp.CacheAge)
}

func TestBuildOtherKinds(t *testing.T) {
	b, _ := newBuilder(t)

	resp, err := b.Build(&models.FileRecord{ID: "VIDEOAAA", ContentKind: models.ContentVideo}, embed.Options{})
	require.NoError(t, err)
	assert.Equal(t, "video", resp.Type)

	resp, err = b.Build(&models.FileRecord{ID: "TEXTAAAA", ContentKind: models.ContentText}, embed.Options{})
	require.NoError(t, err)
	assert.Equal(t, "link", resp.Type)
	assert.Empty(t, resp.URL)

	archived := &models.FileRecord{ID: "ARCHIVED", State: models.StateArchived, ContentKind: models.ContentImage}
	resp, err = b.Build(archived, embed.Options{})
	require.NoError(t, err)
	assert.Equal(t, "link", resp.Type)
}

func TestResponseRenderings(t *testing.T) {
	resp := &embed.Response{Version: "1.0", Type: "link", Title: "ABCDEFGH", CacheAge: 3600}

	body, err := resp.JSON()
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "link", decoded["type"])
	assert.NotContains(t, decoded, "width")

	xmlBody, err := resp.XML()
	require.NoError(t, err)
	s := string(xmlBody)
	assert.True(t, strings.HasPrefix(s, "<?xml"))
	assert.Contains(t, s, "<oembed>")
	assert.Contains(t, s, "<title>ABCDEFGH</title>")
	assert.Contains(t, s, "<cache_age>3600</cache_age>")
}
