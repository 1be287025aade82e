package preview

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"compress/gzip"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/I54m/LFS/internal/models"
	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	maxTextLines  = 200
	lineHeight    = 15
	textMargin    = 8
	listingHeader = "Archive contents:"
)

var imageTypes = []string{
	"image/jpeg", "image/png", "image/gif", "image/webp", "image/bmp", "image/tiff",
}

var textTypes = []string{
	"text/plain", "text/csv", "text/markdown", "text/html", "text/xml",
	"application/json", "application/xml",
}

// Manager is the built-in Previewer. Outputs are written under cacheDir and
// named after a hash of the source path, so repeated renders overwrite.
type Manager struct {
	cacheDir  string
	logger    *zap.Logger
	supported map[string]struct{}
}

func NewManager(cacheDir string, logger *zap.Logger) (*Manager, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create preview cache: %w", err)
	}

	supported := make(map[string]struct{})
	for _, group := range [][]string{imageTypes, textTypes} {
		for _, t := range group {
			supported[t] = struct{}{}
		}
	}
	for t := range models.ArchiveMimeTypes {
		supported[t] = struct{}{}
	}

	return &Manager{
		cacheDir:  cacheDir,
		logger:    logger.With(zap.String("component", "preview")),
		supported: supported,
	}, nil
}

func (m *Manager) SupportedMimeTypes() map[string]struct{} {
	return m.supported
}

func (m *Manager) cachePath(src, suffix string) string {
	sum := sha1.Sum([]byte(src))
	return filepath.Join(m.cacheDir, hex.EncodeToString(sum[:])+suffix)
}

// TextPreview lists the members of zip, tar and gzip archives. Any other file
// is previewed by its first lines.
func (m *Manager) TextPreview(path string) (string, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("detect %s: %w", path, err)
	}

	var lines []string
	switch {
	case mt.Is("application/zip"):
		lines, err = zipListing(path)
	case mt.Is("application/x-tar"):
		lines, err = tarListing(path, false)
	case mt.Is("application/gzip"):
		lines, err = tarListing(path, true)
	default:
		lines, err = headLines(path)
	}
	if err != nil {
		return "", err
	}

	out := m.cachePath(path, ".txt")
	if err := os.WriteFile(out, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		return "", err
	}
	return out, nil
}

// JPEGPreview decodes images directly and draws anything textual onto a white
// page.
func (m *Manager) JPEGPreview(path string, width, height int) (string, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("detect %s: %w", path, err)
	}

	var img image.Image
	if strings.HasPrefix(mt.String(), "image/") {
		src, err := imaging.Open(path, imaging.AutoOrientation(true))
		if err != nil {
			return "", fmt.Errorf("decode %s: %w", path, err)
		}
		img = imaging.Fit(src, width, height, imaging.Lanczos)
	} else {
		lines, err := headLines(path)
		if err != nil {
			return "", err
		}
		img = renderText(lines, width, height)
	}

	out := m.cachePath(path, fmt.Sprintf("_%dx%d.jpeg", width, height))
	if err := imaging.Save(img, out, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("save preview: %w", err)
	}
	m.logger.Debug("rendered preview", zap.String("src", path), zap.String("mime", mt.String()))
	return out, nil
}

func renderText(lines []string, width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	face := basicfont.Face7x13
	d := &font.Drawer{Dst: img, Src: image.NewUniform(color.Black), Face: face}
	maxChars := (width - 2*textMargin) / face.Advance

	for i, line := range lines {
		y := textMargin + face.Ascent + i*lineHeight
		if y > height-textMargin {
			break
		}
		if maxChars > 0 && len(line) > maxChars {
			line = line[:maxChars]
		}
		d.Dot = fixed.P(textMargin, y)
		d.DrawString(line)
	}
	return img
}

func headLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() && len(lines) < maxTextLines {
		lines = append(lines, strings.ReplaceAll(sc.Text(), "\t", "    "))
	}
	return lines, sc.Err()
}

func zipListing(path string) ([]string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	lines := []string{listingHeader}
	for _, f := range r.File {
		if len(lines) > maxTextLines {
			break
		}
		lines = append(lines, fmt.Sprintf("%10d  %s", f.UncompressedSize64, f.Name))
	}
	return lines, nil
}

func tarListing(path string, gzipped bool) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var src io.Reader = f
	if gzipped {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open gzip: %w", err)
		}
		defer gz.Close()
		src = gz
	}

	lines := []string{listingHeader}
	tr := tar.NewReader(src)
	for len(lines) <= maxTextLines {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// a plain gzip stream has no tar headers
			if gzipped && len(lines) == 1 {
				return []string{listingHeader, filepath.Base(strings.TrimSuffix(path, ".gz"))}, nil
			}
			return nil, fmt.Errorf("read tar: %w", err)
		}
		lines = append(lines, fmt.Sprintf("%10d  %s", hdr.Size, hdr.Name))
	}
	return lines, nil
}
