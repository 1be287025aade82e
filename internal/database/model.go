package database

import (
	"context"
	"errors"
	"time"

	"github.com/I54m/LFS/internal/models"
)

// Repository is the durable store of file records.
type Repository interface {
	GetByID(ctx context.Context, id string) (*models.FileRecord, error)
	Exists(ctx context.Context, id string) (bool, error)
	Filter(ctx context.Context, filter FileFilter) ([]*models.FileRecord, error)
	Save(ctx context.Context, file *models.FileRecord) error
	Delete(ctx context.Context, id string) error
	// CompareAndSwapState moves id from one state to another only if it is
	// still in the expected state. It reports whether the swap happened.
	CompareAndSwapState(ctx context.Context, id string, from, to models.State) (bool, error)
	// SaveIfState writes file over an existing record only if the stored
	// record is still in the expected state. It reports whether it wrote.
	SaveIfState(ctx context.Context, file *models.FileRecord, expected models.State) (bool, error)
	Close() error
}

// ErrLocked is returned when another process holds the badger directory.
var ErrLocked = errors.New("repository is locked by another process")

// FileFilter selects records. Zero fields match everything.
type FileFilter struct {
	Persistent    *bool
	ExpiresBefore time.Time // inclusive
	States        []models.State
}

// Match reports whether f selects file.
func (f FileFilter) Match(file *models.FileRecord) bool {
	if f.Persistent != nil && file.Persistent != *f.Persistent {
		return false
	}
	if !f.ExpiresBefore.IsZero() && file.ExpirationDate.After(f.ExpiresBefore) {
		return false
	}
	if len(f.States) > 0 {
		for _, s := range f.States {
			if file.State == s {
				return true
			}
		}
		return false
	}
	return true
}

// Open returns the repository selected by driver.
func Open(ctx context.Context, driver, databaseURL, badgerPath string) (Repository, error) {
	switch driver {
	case "postgres":
		db, err := NewPostgresDB(databaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return db, nil
	case "badger":
		return NewBadgerDB(badgerPath)
	default:
		return nil, errors.New("unknown repository driver: " + driver)
	}
}

// Bool returns a pointer to b, for filters.
func Bool(b bool) *bool {
	return &b
}
