package models

import (
	"crypto/rand"
	"math/big"
	"path"
	"strings"
	"time"
)

// SlugLength is the fixed length of every file identifier.
const SlugLength = 8

const slugAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// UnknownMimeType marks a record whose MIME type has not been detected yet.
const UnknownMimeType = "UNKNOWN"

// ThumbnailDir is the path segment holding thumbnails inside a kind directory.
const ThumbnailDir = "THUMBNAIL"

type State string

const (
	StateLocal    State = "LOCAL"
	StateMoving   State = "MOVING"
	StateArchived State = "ARCHIVED"
)

type UploadKind string

const (
	UploadManual          UploadKind = "MANUAL"
	UploadAPI             UploadKind = "API"
	UploadEmailAttachment UploadKind = "EMAIL_ATTACHMENT"
)

// UploadKinds lists every upload kind, in directory order.
var UploadKinds = []UploadKind{UploadManual, UploadAPI, UploadEmailAttachment}

type ContentKind string

const (
	ContentFile        ContentKind = "FILE"
	ContentImage       ContentKind = "IMAGE"
	ContentAudio       ContentKind = "AUDIO"
	ContentVideo       ContentKind = "VIDEO"
	ContentText        ContentKind = "TEXT"
	ContentFont        ContentKind = "FONT"
	ContentModel       ContentKind = "MODEL"
	ContentApplication ContentKind = "APPLICATION"
)

// ContentKinds lists every content kind, in directory order.
var ContentKinds = []ContentKind{
	ContentFile, ContentImage, ContentAudio, ContentVideo,
	ContentText, ContentFont, ContentModel, ContentApplication,
}

type AccessLevel string

const (
	AccessPublic      AccessLevel = "PUBLIC"
	AccessMembersOnly AccessLevel = "MEMBERS_ONLY"
	AccessPrivate     AccessLevel = "PRIVATE"
)

// ArchiveMimeTypes are the compressed formats whose previews are rendered
// from a text listing of their contents.
var ArchiveMimeTypes = map[string]struct{}{
	"application/x-compressed":     {},
	"application/x-zip-compressed": {},
	"application/zip":              {},
	"multipart/x-zip":              {},
	"application/x-tar":            {},
	"application/x-gzip":           {},
	"application/gzip":             {},
	"application/x-gtar":           {},
	"application/x-tgz":            {},
}

// FileRecord is the metadata of one uploaded file.
type FileRecord struct {
	ID             string
	State          State
	UploadKind     UploadKind
	ContentKind    ContentKind
	MimeType       string
	OriginalName   string
	StoragePath    string
	ThumbnailPath  string
	Persistent     bool
	ExpirationDate time.Time
	Access         AccessLevel
	Featured       bool
	UploaderID     string
	UploadedAt     time.Time
}

// User is the subset of an account the lifecycle rules look at.
type User struct {
	ID            string
	Authenticated bool
	Superuser     bool
}

// NewSlug returns a random identifier of SlugLength alphanumeric characters.
func NewSlug() (string, error) {
	var sb strings.Builder
	sb.Grow(SlugLength)
	max := big.NewInt(int64(len(slugAlphabet)))
	for i := 0; i < SlugLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		sb.WriteByte(slugAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

// Extension returns the text after the last dot of filename, with gz
// normalized to tar.gz.
func Extension(filename string) string {
	ext := filename
	if i := strings.LastIndex(filename, "."); i >= 0 {
		ext = filename[i+1:]
	}
	if ext == "gz" {
		ext = "tar.gz"
	}
	return ext
}

// BuildStoragePath returns {uploadKind}/{contentKind}/{id}.{ext}.
func BuildStoragePath(id string, upload UploadKind, content ContentKind, filename string) string {
	return path.Join(string(upload), string(content), id+"."+Extension(filename))
}

// ThumbnailBase mirrors storagePath under the THUMBNAIL segment, without the
// generated extension.
func ThumbnailBase(storagePath string) string {
	dir, name := path.Split(storagePath)
	return path.Join(dir, ThumbnailDir, name)
}

// SlugFromFilename derives a candidate id from a stored file name: the text
// before the first dot.
func SlugFromFilename(name string) string {
	id, _, _ := strings.Cut(name, ".")
	return id
}

// ContentKindFromMime maps a MIME type to its coarse content kind.
func ContentKindFromMime(mimeType string) ContentKind {
	if mimeType == "" || mimeType == "application/octet-stream" {
		return ContentFile
	}
	major, _, _ := strings.Cut(mimeType, "/")
	kind := ContentKind(strings.ToUpper(major))
	for _, k := range ContentKinds {
		if k == kind {
			return k
		}
	}
	return ContentFile
}

// IsArchiveMime reports whether mimeType is one of the recognized archive formats.
func IsArchiveMime(mimeType string) bool {
	_, ok := ArchiveMimeTypes[mimeType]
	return ok
}

// Normalize enforces the rules that hold on every save.
func (f *FileRecord) Normalize() {
	if f.Access != AccessPublic {
		f.Featured = false
	}
}

// HasThumbnail reports whether the pipeline produced a thumbnail.
func (f *FileRecord) HasThumbnail() bool {
	return f.ThumbnailPath != ""
}

func (f *FileRecord) String() string {
	return f.ID
}
