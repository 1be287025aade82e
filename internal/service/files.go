package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"slices"
	"time"

	"github.com/I54m/LFS/internal/database"
	"github.com/I54m/LFS/internal/embed"
	"github.com/I54m/LFS/internal/lifecycle"
	"github.com/I54m/LFS/internal/models"
	"github.com/I54m/LFS/internal/storage"
	"github.com/I54m/LFS/internal/worker"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

const (
	maxSlugAttempts = 16
	sniffLen        = 3072
)

var (
	ErrInvalidUpload = errors.New("invalid upload")
	ErrForbidden     = errors.New("forbidden")
)

// Expiry is a relative expiration, in the units SetExpiration takes.
type Expiry struct {
	Days, Weeks, Months, Years int
}

// DefaultExpiry applies to uploads that do not choose one.
var DefaultExpiry = Expiry{Months: lifecycle.LocalMonths}

// CreateRequest describes an upload. An empty MimeType is detected from the
// content, falling back to the filename extension.
type CreateRequest struct {
	Filename   string
	Content    io.Reader
	UploadKind models.UploadKind
	MimeType   string
	UploaderID string
	Access     models.AccessLevel
	Featured   bool
	Persistent bool
	Expiration *Expiry
}

// Files creates and deletes records together with their local bytes.
type Files struct {
	repo     database.Repository
	store    *storage.FilesystemStorage
	machine  *lifecycle.Machine
	archiver *Archiver
	thumbs   *worker.Thumbnailer
	pool     *worker.Pool
	cache    *embed.Cache
	builder  *embed.Builder
	logger   *zap.Logger
}

type FilesOption func(*Files)

// WithThumbnailer triggers thumbnail generation after every create.
func WithThumbnailer(t *worker.Thumbnailer) FilesOption {
	return func(f *Files) { f.thumbs = t }
}

// WithPool runs archive deletions in the background. Without a pool they run
// inline.
func WithPool(p *worker.Pool) FilesOption {
	return func(f *Files) { f.pool = p }
}

// WithEmbeds enables Embed and invalidates cached responses on mutation.
func WithEmbeds(cache *embed.Cache, builder *embed.Builder) FilesOption {
	return func(f *Files) {
		f.cache = cache
		f.builder = builder
	}
}

func NewFiles(
	repo database.Repository,
	store *storage.FilesystemStorage,
	machine *lifecycle.Machine,
	archiver *Archiver,
	logger *zap.Logger,
	opts ...FilesOption,
) *Files {
	f := &Files{
		repo:     repo,
		store:    store,
		machine:  machine,
		archiver: archiver,
		logger:   logger.With(zap.String("component", "files")),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Files) Get(ctx context.Context, id string) (*models.FileRecord, error) {
	return f.repo.GetByID(ctx, id)
}

// Create stores the upload on the local tier, saves its record and triggers
// its thumbnail.
func (f *Files) Create(ctx context.Context, req CreateRequest) (*models.FileRecord, error) {
	if req.Filename == "" || req.Content == nil {
		return nil, fmt.Errorf("%w: filename and content are required", ErrInvalidUpload)
	}
	if req.UploadKind == "" {
		req.UploadKind = models.UploadManual
	}
	if !slices.Contains(models.UploadKinds, req.UploadKind) {
		return nil, fmt.Errorf("%w: upload kind %q", ErrInvalidUpload, req.UploadKind)
	}
	if req.Access == "" {
		req.Access = models.AccessPublic
	}
	if !validAccess(req.Access) {
		return nil, fmt.Errorf("%w: access level %q", ErrInvalidUpload, req.Access)
	}

	id, err := f.newID(ctx)
	if err != nil {
		return nil, err
	}

	content := req.Content
	mimeType := req.MimeType
	if mimeType == "" {
		mimeType, content, err = detectMime(req.Filename, req.Content)
		if err != nil {
			return nil, fmt.Errorf("detect mime type: %w", err)
		}
	}
	kind := models.ContentKindFromMime(mimeType)

	expiry := DefaultExpiry
	if req.Expiration != nil {
		expiry = *req.Expiration
	}

	file := &models.FileRecord{
		ID:             id,
		State:          models.StateLocal,
		UploadKind:     req.UploadKind,
		ContentKind:    kind,
		MimeType:       mimeType,
		OriginalName:   req.Filename,
		StoragePath:    models.BuildStoragePath(id, req.UploadKind, kind, req.Filename),
		Persistent:     req.Persistent,
		ExpirationDate: lifecycle.Expiration(f.machine.Today(), expiry.Days, expiry.Weeks, expiry.Months, expiry.Years),
		Access:         req.Access,
		Featured:       req.Featured,
		UploaderID:     req.UploaderID,
		UploadedAt:     time.Now().UTC(),
	}

	// The record goes first so the local orphan pass never sees the bytes
	// without it.
	if err := f.repo.Save(ctx, file); err != nil {
		return nil, fmt.Errorf("save %s: %w", id, err)
	}
	size, err := f.store.Put(file.StoragePath, content)
	if err != nil {
		if delErr := f.repo.Delete(ctx, id); delErr != nil {
			f.logger.Warn("removing record of unstored upload", zap.String("file_id", id), zap.Error(delErr))
		}
		return nil, fmt.Errorf("store %s: %w", id, err)
	}

	f.logger.Info("file created",
		zap.String("file_id", id),
		zap.String("path", file.StoragePath),
		zap.String("mime", mimeType),
		zap.Int64("size", size),
	)

	if f.thumbs != nil {
		f.thumbs.Trigger(ctx, id)
		if updated, err := f.repo.GetByID(ctx, id); err == nil {
			file = updated
		}
	}
	return file, nil
}

// newID draws slugs until one is unused.
func (f *Files) newID(ctx context.Context) (string, error) {
	for range maxSlugAttempts {
		id, err := models.NewSlug()
		if err != nil {
			return "", err
		}
		taken, err := f.repo.Exists(ctx, id)
		if err != nil {
			return "", err
		}
		if !taken {
			return id, nil
		}
		f.logger.Debug("slug collision", zap.String("file_id", id))
	}
	return "", fmt.Errorf("no free slug after %d attempts", maxSlugAttempts)
}

// detectMime sniffs the head of r and returns the MIME type without
// parameters and a reader replaying the whole content.
func detectMime(filename string, r io.Reader) (string, io.Reader, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", nil, err
	}
	head = head[:n]
	replay := io.MultiReader(bytes.NewReader(head), r)

	mtype := mimetype.Detect(head)
	detected := mtype.String()
	if mtype.Is("application/octet-stream") {
		if byExt := mime.TypeByExtension("." + models.Extension(filename)); byExt != "" {
			detected = byExt
		}
	}
	mediaType, _, err := mime.ParseMediaType(detected)
	if err != nil {
		return detected, replay, nil
	}
	return mediaType, replay, nil
}

func validAccess(a models.AccessLevel) bool {
	switch a {
	case models.AccessPublic, models.AccessMembersOnly, models.AccessPrivate:
		return true
	}
	return false
}

// Delete removes a record and its bytes. Archived bytes are removed through
// the archiver, in the background when a pool is configured.
func (f *Files) Delete(ctx context.Context, id string) error {
	file, err := f.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	defer f.invalidate(id)

	switch file.State {
	case models.StateMoving:
		return &models.IllegalStateError{ID: id, Op: "delete", Reason: "transfer in progress"}

	case models.StateArchived:
		job := func(ctx context.Context) error { return f.archiver.DeleteArchived(ctx, id) }
		if f.pool == nil {
			return job(ctx)
		}
		f.pool.Submit("delete_archived", job)
		f.logger.Info("archived file deletion dispatched", zap.String("file_id", id))
		return nil

	default:
		if err := f.store.Remove(file.StoragePath); err != nil {
			return fmt.Errorf("remove %s: %w", file.StoragePath, err)
		}
		f.removeThumbnail(file)
		if err := f.repo.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete record %s: %w", id, err)
		}
		f.logger.Info("file deleted", zap.String("file_id", id))
		return nil
	}
}

func (f *Files) removeThumbnail(file *models.FileRecord) {
	if !file.HasThumbnail() {
		return
	}
	if err := f.store.Remove(file.ThumbnailPath); err != nil {
		f.logger.Warn("removing thumbnail", zap.String("file_id", file.ID), zap.Error(err))
	}
}

// SetPersistent pins a local record to the local tier.
func (f *Files) SetPersistent(ctx context.Context, id string) (*models.FileRecord, error) {
	file, err := f.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := f.machine.MarkPersistent(ctx, file); err != nil {
		return nil, err
	}
	f.invalidate(id)
	return file, nil
}

// UpdateAccess changes who may see a record. Featured only sticks on public
// records.
func (f *Files) UpdateAccess(ctx context.Context, id string, access models.AccessLevel, featured bool) (*models.FileRecord, error) {
	if !validAccess(access) {
		return nil, fmt.Errorf("%w: access level %q", ErrInvalidUpload, access)
	}
	file, err := f.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	file.Access = access
	file.Featured = featured
	saved, err := f.repo.SaveIfState(ctx, file, file.State)
	if err != nil {
		return nil, fmt.Errorf("save %s: %w", id, err)
	}
	if !saved {
		return nil, &models.IllegalStateError{ID: id, Op: "update access", Reason: "state changed concurrently"}
	}
	f.invalidate(id)
	return file, nil
}

// Manage runs mutate on the record when user may manage it.
func (f *Files) Manage(ctx context.Context, id string, user *models.User, mutate func(ctx context.Context, id string) error) error {
	file, err := f.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !lifecycle.CanBeManagedBy(file, user) {
		return fmt.Errorf("%w: %s", ErrForbidden, id)
	}
	return mutate(ctx, id)
}

// Embed returns the embed response for id, from the cache when present.
func (f *Files) Embed(ctx context.Context, id string, opts embed.Options) (*embed.Response, error) {
	if f.cache == nil || f.builder == nil {
		return nil, errors.New("embeds are not configured")
	}
	return f.cache.Get(id, func() (*embed.Response, error) {
		file, err := f.repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return f.builder.Build(file, opts)
	})
}

func (f *Files) invalidate(id string) {
	if f.cache != nil {
		f.cache.Invalidate(id)
	}
}
