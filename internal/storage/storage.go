package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/I54m/LFS/internal/models"
)

// FilesystemStorage stores files on local disk, keyed by slash-separated
// paths relative to its root.
type FilesystemStorage struct {
	basePath string // e.g., "./data/media"
}

func NewFilesystemStorage(basePath string) (*FilesystemStorage, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create media root: %w", err)
	}
	return &FilesystemStorage{basePath: basePath}, nil
}

// Root returns the directory every stored path is relative to.
func (fs *FilesystemStorage) Root() string {
	return fs.basePath
}

// FullPath resolves a stored path to its location on disk.
func (fs *FilesystemStorage) FullPath(path string) string {
	return filepath.Join(fs.basePath, filepath.FromSlash(path))
}

// EnsureDir creates the directory dir and its parents.
func (fs *FilesystemStorage) EnsureDir(dir string) error {
	return os.MkdirAll(fs.FullPath(dir), 0o755)
}

// Put writes r to path, creating parent directories. It returns the number of
// bytes written.
func (fs *FilesystemStorage) Put(path string, r io.Reader) (int64, error) {
	full := fs.FullPath(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return 0, err
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		_ = os.Remove(tmp.Name())
		return 0, err
	}
	return n, nil
}

func (fs *FilesystemStorage) Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(fs.FullPath(path))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, models.ErrNotFound)
	}
	return f, err
}

// Remove deletes path. A file that is already gone is not an error.
func (fs *FilesystemStorage) Remove(path string) error {
	err := os.Remove(fs.FullPath(path))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (fs *FilesystemStorage) Exists(path string) (bool, error) {
	info, err := os.Stat(fs.FullPath(path))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// List walks dir and returns the stored paths of every regular file below it.
// A missing dir yields no files.
func (fs *FilesystemStorage) List(dir string) ([]string, error) {
	root := fs.FullPath(dir)
	var files []string

	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if p == root && errors.Is(err, os.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		// in-flight uploads are hidden
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(fs.basePath, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
