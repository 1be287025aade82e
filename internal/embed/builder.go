// Package embed builds oEmbed responses describing stored files and caches
// them per file.
package embed

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"path"
	"strings"

	"github.com/I54m/LFS/internal/models"
	"github.com/I54m/LFS/internal/storage"
	"github.com/I54m/LFS/internal/worker"
	"go.uber.org/zap"
)

const (
	Version = "1.0"

	ProviderName = "i54m"
	ProviderURL  = "https://i54m.com"

	// CacheAge is the cache_age advertised to consumers, in seconds.
	CacheAge = 3600
)

// Response is an oEmbed document. Zero sizes and empty URLs are omitted.
type Response struct {
	XMLName xml.Name `json:"-" xml:"oembed"`

	Version      string `json:"version" xml:"version"`
	Type         string `json:"type" xml:"type"`
	ProviderName string `json:"provider_name" xml:"provider_name"`
	ProviderURL  string `json:"provider_url" xml:"provider_url"`
	AuthorName   string `json:"author_name" xml:"author_name"`
	AuthorURL    string `json:"author_url" xml:"author_url"`
	Referrer     string `json:"referrer" xml:"referrer"`
	Title        string `json:"title" xml:"title"`
	CacheAge     int    `json:"cache_age" xml:"cache_age"`

	URL    string `json:"url,omitempty" xml:"url,omitempty"`
	Width  int    `json:"width,omitempty" xml:"width,omitempty"`
	Height int    `json:"height,omitempty" xml:"height,omitempty"`

	ThumbnailURL    string `json:"thumbnail_url,omitempty" xml:"thumbnail_url,omitempty"`
	ThumbnailWidth  int    `json:"thumbnail_width,omitempty" xml:"thumbnail_width,omitempty"`
	ThumbnailHeight int    `json:"thumbnail_height,omitempty" xml:"thumbnail_height,omitempty"`
}

func (r *Response) JSON() ([]byte, error) {
	return json.Marshal(r)
}

func (r *Response) XML() ([]byte, error) {
	body, err := xml.Marshal(r)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}

// Options are the consumer's constraints. Zero MaxWidth or MaxHeight means
// unbounded on that axis.
type Options struct {
	MaxWidth  int
	MaxHeight int
	Referrer  string
}

// Builder computes responses from a record and the local tier.
type Builder struct {
	baseURL string
	store   *storage.FilesystemStorage
	logger  *zap.Logger
}

// NewBuilder returns a builder publishing URLs under baseURL, which is also
// the author URL.
func NewBuilder(baseURL string, store *storage.FilesystemStorage, logger *zap.Logger) *Builder {
	return &Builder{
		baseURL: strings.TrimRight(baseURL, "/"),
		store:   store,
		logger:  logger.With(zap.String("component", "embed")),
	}
}

func (b *Builder) authorName() string {
	return strings.TrimPrefix(strings.TrimPrefix(b.baseURL, "https://"), "http://")
}

// Build describes file. Images become photo responses sized to the
// consumer's maxima; videos are typed but carry no player; everything else
// is a link.
func (b *Builder) Build(file *models.FileRecord, opts Options) (*Response, error) {
	resp := &Response{
		Version:      Version,
		ProviderName: ProviderName,
		ProviderURL:  ProviderURL,
		AuthorName:   b.authorName(),
		AuthorURL:    b.baseURL,
		Referrer:     opts.Referrer,
		Title:        file.ID,
		CacheAge:     CacheAge,
	}

	switch file.ContentKind {
	case models.ContentImage:
		if err := b.photo(resp, file, opts); err != nil {
			// bytes are on the archive tier or unreadable
			b.logger.Debug("image not readable, embedding as link", zap.String("file_id", file.ID), zap.Error(err))
			resp.Type = "link"
			resp.URL = ""
			return resp, nil
		}
	case models.ContentVideo:
		resp.Type = "video"
	default:
		resp.Type = "link"
	}
	return resp, nil
}

func (b *Builder) photo(resp *Response, file *models.FileRecord, opts Options) error {
	if file.State != models.StateLocal {
		return fmt.Errorf("file is %s", file.State)
	}
	w, h, err := worker.Dimensions(b.store.FullPath(file.StoragePath))
	if err != nil {
		return err
	}

	resp.Type = "photo"
	resp.URL = fmt.Sprintf("%s/%s/raw/", b.baseURL, file.ID)
	resp.Width, resp.Height = FitDimensions(w, h, opts.MaxWidth, opts.MaxHeight)

	if file.HasThumbnail() {
		resp.ThumbnailURL = fmt.Sprintf("%s/%s/thmb/", b.baseURL, file.ID)
		resp.ThumbnailWidth, resp.ThumbnailHeight = worker.ThumbnailSize, worker.ThumbnailSize
		if path.Ext(file.ThumbnailPath) != ".svg" {
			tw, th, err := worker.Dimensions(b.store.FullPath(file.ThumbnailPath))
			if err == nil {
				resp.ThumbnailWidth, resp.ThumbnailHeight = tw, th
			}
		}
	}
	return nil
}

// FitDimensions scales w x h down to fit maxW x maxH keeping the aspect
// ratio. A zero maximum leaves that axis unbounded.
func FitDimensions(w, h, maxW, maxH int) (int, int) {
	if w <= 0 || h <= 0 {
		return w, h
	}
	scale := 1.0
	if maxW > 0 && w > maxW {
		scale = min(scale, float64(maxW)/float64(w))
	}
	if maxH > 0 && h > maxH {
		scale = min(scale, float64(maxH)/float64(h))
	}
	if scale == 1.0 {
		return w, h
	}
	return max(1, int(float64(w)*scale+0.5)), max(1, int(float64(h)*scale+0.5))
}
