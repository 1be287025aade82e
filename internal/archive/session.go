//go:generate go run go.uber.org/mock/mockgen -source=session.go -destination=../mocks/mock_archive.go -package=mocks

// Package archive is the remote tier: a short-lived session to a file-transfer
// host or object bucket. Paths given to a Session are relative to the
// configured archive root and mirror the local storage paths.
package archive

import (
	"context"
	"fmt"

	"github.com/I54m/LFS/internal/config"
	"go.uber.org/zap"
)

// Entry is one item of a remote directory listing.
type Entry struct {
	Name  string
	IsDir bool
}

// Session is a single connection to the archive. It is owned by one
// invocation and must be closed by it.
type Session interface {
	// Put uploads the local file at localPath to remotePath, creating parent
	// directories.
	Put(ctx context.Context, localPath, remotePath string) error
	// Get downloads remotePath into localPath, creating parent directories.
	Get(ctx context.Context, remotePath, localPath string) error
	// Remove deletes remotePath. A missing file is not an error.
	Remove(ctx context.Context, remotePath string) error
	// List returns the entries of remoteDir. A missing directory is empty.
	List(ctx context.Context, remoteDir string) ([]Entry, error)
	Close() error
}

// Dialer opens sessions. Connection failures are reported as
// *models.TransportError.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// NewDialer returns the dialer for the configured driver.
func NewDialer(cfg config.Archive, logger *zap.Logger) (Dialer, error) {
	switch cfg.Driver {
	case "sftp":
		return NewSFTPDialer(cfg, logger)
	case "blob":
		return NewBlobDialer(cfg), nil
	default:
		return nil, fmt.Errorf("unknown archive driver %q", cfg.Driver)
	}
}
