//go:generate go run go.uber.org/mock/mockgen -source=previewer.go -destination=../mocks/mock_previewer.go -package=mocks

// Package preview renders previews of stored files: JPEG rasters of images
// and text, and text listings of archives.
package preview

// Previewer is the rendering capability the thumbnail pipeline calls into.
// Returned paths point at files owned by the previewer's cache.
type Previewer interface {
	SupportedMimeTypes() map[string]struct{}
	// TextPreview renders a text representation of the file at path.
	TextPreview(path string) (string, error)
	// JPEGPreview renders the file at path to a JPEG fitting width x height.
	JPEGPreview(path string, width, height int) (string, error)
}
