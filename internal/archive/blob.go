package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/I54m/LFS/internal/config"
	"github.com/I54m/LFS/internal/models"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
)

// BlobDialer opens a bucket through a gocloud URL (file://, s3://, gs://).
// The configured root becomes a key prefix.
type BlobDialer struct {
	cfg config.Archive
}

func NewBlobDialer(cfg config.Archive) *BlobDialer {
	return &BlobDialer{cfg: cfg}
}

func (d *BlobDialer) transportError(err error, sessionUp bool) error {
	return &models.TransportError{
		Host:      d.cfg.BucketURL,
		SessionUp: sessionUp,
		Err:       err,
	}
}

func (d *BlobDialer) Dial(ctx context.Context) (Session, error) {
	bucket, err := blob.OpenBucket(ctx, d.cfg.BucketURL)
	if err != nil {
		return nil, d.transportError(err, false)
	}
	if root := strings.Trim(d.cfg.Root, "/"); root != "" {
		bucket = blob.PrefixedBucket(bucket, root+"/")
	}
	return &blobSession{dialer: d, bucket: bucket}, nil
}

type blobSession struct {
	dialer *BlobDialer
	bucket *blob.Bucket
}

func (s *blobSession) timeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.dialer.cfg.TransferTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.dialer.cfg.TransferTimeout)
}

func (s *blobSession) Put(ctx context.Context, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	writeCtx, cancel := s.timeout(ctx)
	defer cancel()

	w, err := s.bucket.NewWriter(writeCtx, remotePath, nil)
	if err != nil {
		return s.dialer.transportError(fmt.Errorf("create %s: %w", remotePath, err), true)
	}
	if _, err := w.ReadFrom(src); err != nil {
		cancel()
		_ = w.Close()
		return s.dialer.transportError(fmt.Errorf("upload %s: %w", remotePath, err), true)
	}
	if err := w.Close(); err != nil {
		return s.dialer.transportError(fmt.Errorf("upload %s: %w", remotePath, err), true)
	}
	return nil
}

func (s *blobSession) Get(ctx context.Context, remotePath, localPath string) error {
	readCtx, cancel := s.timeout(ctx)
	defer cancel()

	r, err := s.bucket.NewReader(readCtx, remotePath, nil)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return fmt.Errorf("remote %s: %w", remotePath, models.ErrNotFound)
	}
	if err != nil {
		return s.dialer.transportError(fmt.Errorf("open %s: %w", remotePath, err), true)
	}
	defer r.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	dst, err := os.Create(localPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, r); err != nil {
		_ = dst.Close()
		_ = os.Remove(localPath)
		return s.dialer.transportError(fmt.Errorf("download %s: %w", remotePath, err), true)
	}
	return dst.Close()
}

func (s *blobSession) Remove(ctx context.Context, remotePath string) error {
	err := s.bucket.Delete(ctx, remotePath)
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return s.dialer.transportError(fmt.Errorf("remove %s: %w", remotePath, err), true)
	}
	return nil
}

func (s *blobSession) List(ctx context.Context, remoteDir string) ([]Entry, error) {
	prefix := strings.Trim(remoteDir, "/")
	if prefix != "" {
		prefix += "/"
	}

	var entries []Entry
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix, Delimiter: "/"})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, s.dialer.transportError(fmt.Errorf("list %s: %w", remoteDir, err), true)
		}
		name := path.Base(strings.TrimSuffix(strings.TrimPrefix(obj.Key, prefix), "/"))
		entries = append(entries, Entry{Name: name, IsDir: obj.IsDir})
	}
	return entries, nil
}

func (s *blobSession) Close() error {
	return s.bucket.Close()
}
