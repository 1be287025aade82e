package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/I54m/LFS/internal/models"
	"github.com/dgraph-io/badger/v4"
)

const filePrefix = "file:"

// BadgerDB keeps file records in an embedded badger store, one JSON value
// per record under "file:<id>".
type BadgerDB struct {
	db *badger.DB
}

// NewBadgerDB opens a store at dir. An empty dir opens an in-memory store.
func NewBadgerDB(dir string) (*BadgerDB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		// badger has no sentinel for its directory lock.
		if strings.Contains(err.Error(), "Cannot acquire directory lock") {
			return nil, fmt.Errorf("%w: badger at %s allows one process, use the postgres driver to run lfsctl next to lfsd: %v", ErrLocked, dir, err)
		}
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerDB{db: db}, nil
}

func (b *BadgerDB) Close() error {
	return b.db.Close()
}

func fileKey(id string) []byte {
	return []byte(filePrefix + id)
}

func (b *BadgerDB) Save(_ context.Context, file *models.FileRecord) error {
	file.Normalize()
	return b.db.Update(func(txn *badger.Txn) error {
		stored := *file
		existing, err := readFile(txn, file.ID)
		switch {
		case err == nil:
			// write-once columns
			stored.UploadKind = existing.UploadKind
			stored.StoragePath = existing.StoragePath
		case !errors.Is(err, models.ErrNotFound):
			return err
		}
		return writeFile(txn, &stored)
	})
}

func (b *BadgerDB) SaveIfState(_ context.Context, file *models.FileRecord, expected models.State) (bool, error) {
	file.Normalize()
	saved := false
	err := b.db.Update(func(txn *badger.Txn) error {
		existing, err := readFile(txn, file.ID)
		if err != nil {
			return err
		}
		if existing.State != expected {
			return nil
		}
		stored := *file
		stored.UploadKind = existing.UploadKind
		stored.StoragePath = existing.StoragePath
		saved = true
		return writeFile(txn, &stored)
	})
	if errors.Is(err, badger.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return saved, nil
}

func (b *BadgerDB) GetByID(_ context.Context, id string) (*models.FileRecord, error) {
	var file *models.FileRecord
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		file, err = readFile(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return file, nil
}

func (b *BadgerDB) Exists(_ context.Context, id string) (bool, error) {
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(fileKey(id))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (b *BadgerDB) Filter(_ context.Context, filter FileFilter) ([]*models.FileRecord, error) {
	var files []*models.FileRecord
	prefix := []byte(filePrefix)

	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(v []byte) error {
				var f models.FileRecord
				if err := json.Unmarshal(v, &f); err != nil {
					return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
				}
				if filter.Match(&f) {
					files = append(files, &f)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(files, func(i, j int) bool {
		return files[i].ExpirationDate.Before(files[j].ExpirationDate)
	})
	return files, nil
}

func (b *BadgerDB) Delete(_ context.Context, id string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(fileKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("file %s: %w", id, models.ErrNotFound)
			}
			return err
		}
		return txn.Delete(fileKey(id))
	})
}

func (b *BadgerDB) CompareAndSwapState(_ context.Context, id string, from, to models.State) (bool, error) {
	swapped := false
	err := b.db.Update(func(txn *badger.Txn) error {
		file, err := readFile(txn, id)
		if err != nil {
			return err
		}
		if file.State != from {
			return nil
		}
		file.State = to
		swapped = true
		return writeFile(txn, file)
	})
	if errors.Is(err, badger.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return swapped, nil
}

func readFile(txn *badger.Txn, id string) (*models.FileRecord, error) {
	item, err := txn.Get(fileKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("file %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var file models.FileRecord
	err = item.Value(func(v []byte) error {
		return json.Unmarshal(v, &file)
	})
	if err != nil {
		return nil, err
	}
	return &file, nil
}

func writeFile(txn *badger.Txn, file *models.FileRecord) error {
	data, err := json.Marshal(file)
	if err != nil {
		return err
	}
	return txn.Set(fileKey(file.ID), data)
}
