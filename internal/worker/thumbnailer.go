package worker

import (
	"context"
	"fmt"
	"html"
	"os"
	"path"
	"strings"

	"github.com/I54m/LFS/internal/database"
	"github.com/I54m/LFS/internal/models"
	"github.com/I54m/LFS/internal/preview"
	"github.com/I54m/LFS/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

const (
	extSVG  = "svg"
	extJPEG = "jpeg"

	mimeLineWidth = 32
	mimeLines     = 3

	attachAttempts = 3
)

var thumbnailsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lfs_thumbnails_total",
	Help: "Thumbnails produced, by output kind",
}, []string{"kind"})

// Thumbnailer produces a preview image for a newly created record, falling
// back to an SVG placeholder when the previewer cannot render it.
type Thumbnailer struct {
	repo      database.Repository
	store     *storage.FilesystemStorage
	previewer preview.Previewer
	images    *ImageProcessor
	pool      *Pool
	sync      bool
	logger    *zap.Logger
}

func NewThumbnailer(
	repo database.Repository,
	store *storage.FilesystemStorage,
	previewer preview.Previewer,
	pool *Pool,
	sync bool,
	logger *zap.Logger,
) *Thumbnailer {
	return &Thumbnailer{
		repo:      repo,
		store:     store,
		previewer: previewer,
		images:    NewImageProcessor(ThumbnailSize),
		pool:      pool,
		sync:      sync,
		logger:    logger.With(zap.String("component", "thumbnailer")),
	}
}

// Trigger generates the thumbnail for id, inline when configured for
// synchronous operation and on the pool otherwise. Failures are logged only.
func (t *Thumbnailer) Trigger(ctx context.Context, id string) {
	if t.sync || t.pool == nil {
		if err := t.Generate(ctx, id); err != nil {
			t.logger.Error("thumbnail generation failed", zap.String("file_id", id), zap.Error(err))
		}
		return
	}
	t.pool.Submit("thumbnail", func(ctx context.Context) error {
		return t.Generate(ctx, id)
	})
}

// Generate writes the thumbnail for id and points the record at it.
func (t *Thumbnailer) Generate(ctx context.Context, id string) error {
	file, err := t.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	logger := t.logger.With(zap.String("file_id", id), zap.String("mime", file.MimeType))

	base := models.ThumbnailBase(file.StoragePath)
	if err := t.store.EnsureDir(path.Dir(base)); err != nil {
		return fmt.Errorf("create thumbnail dir: %w", err)
	}

	ext := extSVG
	if _, ok := t.previewer.SupportedMimeTypes()[file.MimeType]; ok {
		if err := t.renderJPEG(file, base+"."+extJPEG); err != nil {
			logger.Warn("preview failed, using placeholder", zap.Error(err))
		} else {
			ext = extJPEG
		}
	}

	if ext == extSVG {
		if _, err := t.store.Put(base+"."+extSVG, strings.NewReader(PlaceholderSVG(file))); err != nil {
			return fmt.Errorf("write placeholder: %w", err)
		}
	} else {
		w, h, err := t.images.FitWithin(t.store.FullPath(base + "." + extJPEG))
		if err != nil {
			return err
		}
		logger.Debug("thumbnail sized", zap.Int("width", w), zap.Int("height", h))
	}

	thumb := base + "." + ext
	if err := t.attach(ctx, file, thumb); err != nil {
		return err
	}
	thumbnailsTotal.WithLabelValues(ext).Inc()
	logger.Info("thumbnail created", zap.String("thumbnail", thumb))
	return nil
}

// attach stores the thumbnail path without clobbering a state change made by
// a concurrent transfer. A lost race re-reads the record and tries again.
func (t *Thumbnailer) attach(ctx context.Context, file *models.FileRecord, thumb string) error {
	for range attachAttempts {
		file.ThumbnailPath = thumb
		saved, err := t.repo.SaveIfState(ctx, file, file.State)
		if err != nil {
			return fmt.Errorf("save %s: %w", file.ID, err)
		}
		if saved {
			return nil
		}
		if file, err = t.repo.GetByID(ctx, file.ID); err != nil {
			return err
		}
	}
	return &models.IllegalStateError{ID: file.ID, Op: "thumbnail", Reason: "state changed concurrently"}
}

func (t *Thumbnailer) renderJPEG(file *models.FileRecord, dst string) error {
	src := t.store.FullPath(file.StoragePath)

	if models.IsArchiveMime(file.MimeType) {
		listing, err := t.previewer.TextPreview(src)
		if err != nil {
			return fmt.Errorf("text preview: %w", err)
		}
		src = listing
	}

	rendered, err := t.previewer.JPEGPreview(src, ThumbnailSize, ThumbnailSize)
	if err != nil {
		return fmt.Errorf("jpeg preview: %w", err)
	}

	f, err := os.Open(rendered)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = t.store.Put(dst, f)
	return err
}

// PlaceholderSVG draws the file name, its extension and its MIME type on a
// dark square.
func PlaceholderSVG(file *models.FileRecord) string {
	name := file.OriginalName
	if name == "" {
		name = path.Base(file.StoragePath)
	}
	lines := wrapMime(file.MimeType)

	return fmt.Sprintf(`<svg id="preview" viewBox="0 0 512 512" width="100%%" height="256px" preserveAspectRatio="none" xmlns="http://www.w3.org/2000/svg" xmlns:xlink="http://www.w3.org/1999/xlink" version="1.1">
  <rect x="0" y="0" width="512" height="512" fill="#343434"></rect>
  <text style="alignment-baseline: middle; text-anchor:middle;" x="256" y="64" fill="#eeeeee" font-size="4em" dy="0">
    <tspan x="256" dy="1.2em">%s</tspan>
    <tspan x="256" dy="1.2em">%s</tspan>
    <tspan textLength="416" lengthAdjust="spacingAndGlyphs" x="256" dy="1.2em">%s</tspan>
    <tspan textLength="416" lengthAdjust="spacingAndGlyphs" x="256" dy="1.2em">%s</tspan>
    <tspan textLength="416" lengthAdjust="spacingAndGlyphs" x="256" dy="1.2em">%s</tspan>
  </text>
</svg>
`,
		html.EscapeString(name),
		html.EscapeString(models.Extension(name)),
		html.EscapeString(lines[0]),
		html.EscapeString(lines[1]),
		html.EscapeString(lines[2]),
	)
}

// wrapMime splits mimeType into lines of at most 32 characters. Unused lines
// hold a single space so every tspan renders.
func wrapMime(mimeType string) [mimeLines]string {
	lines := [mimeLines]string{" ", " ", " "}
	for i := 0; i < mimeLines && len(mimeType) > 0; i++ {
		n := min(mimeLineWidth, len(mimeType))
		lines[i] = mimeType[:n]
		mimeType = mimeType[n:]
	}
	return lines
}
