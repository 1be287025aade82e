package database

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/I54m/LFS/internal/models"
	_ "github.com/lib/pq"
)

//go:embed schema.sql
var schema string

const fileColumns = `id, state, upload_kind, content_kind, mime_type, original_name, storage_path,
        thumbnail_path, persistent, expiration_date, access, featured, uploader_id, uploaded_at`

type PostgresDB struct {
	db *sql.DB
}

func NewPostgresDB(connectionString string) (*PostgresDB, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &PostgresDB{db: db}, nil
}

// EnsureSchema creates the files table when it does not exist yet.
func (p *PostgresDB) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

func (p *PostgresDB) Close() error {
	return p.db.Close()
}

// Save inserts or updates a record. The id, upload kind and storage path are
// written once and never updated.
func (p *PostgresDB) Save(ctx context.Context, file *models.FileRecord) error {
	file.Normalize()
	query := `
        INSERT INTO uploaded_files (` + fileColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
        ON CONFLICT (id) DO UPDATE SET
            state = EXCLUDED.state,
            content_kind = EXCLUDED.content_kind,
            mime_type = EXCLUDED.mime_type,
            thumbnail_path = EXCLUDED.thumbnail_path,
            persistent = EXCLUDED.persistent,
            expiration_date = EXCLUDED.expiration_date,
            access = EXCLUDED.access,
            featured = EXCLUDED.featured,
            uploader_id = EXCLUDED.uploader_id
    `
	_, err := p.db.ExecContext(ctx, query,
		file.ID,
		string(file.State),
		string(file.UploadKind),
		string(file.ContentKind),
		file.MimeType,
		file.OriginalName,
		file.StoragePath,
		nullString(file.ThumbnailPath),
		file.Persistent,
		file.ExpirationDate,
		string(file.Access),
		file.Featured,
		nullString(file.UploaderID),
		file.UploadedAt,
	)

	return err
}

func (p *PostgresDB) GetByID(ctx context.Context, id string) (*models.FileRecord, error) {
	query := `SELECT ` + fileColumns + ` FROM uploaded_files WHERE id = $1`

	file, err := scanFile(p.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("file %s: %w", id, models.ErrNotFound)
	}
	return file, err
}

func (p *PostgresDB) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM uploaded_files WHERE id = $1)`, id).Scan(&exists)
	return exists, err
}

func (p *PostgresDB) Filter(ctx context.Context, filter FileFilter) ([]*models.FileRecord, error) {
	var (
		where []string
		args  []any
	)
	if filter.Persistent != nil {
		args = append(args, *filter.Persistent)
		where = append(where, fmt.Sprintf("persistent = $%d", len(args)))
	}
	if !filter.ExpiresBefore.IsZero() {
		args = append(args, filter.ExpiresBefore)
		where = append(where, fmt.Sprintf("expiration_date <= $%d", len(args)))
	}
	if len(filter.States) > 0 {
		placeholders := make([]string, 0, len(filter.States))
		for _, s := range filter.States {
			args = append(args, string(s))
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		where = append(where, "state IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := `SELECT ` + fileColumns + ` FROM uploaded_files`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY expiration_date, id"

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []*models.FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (p *PostgresDB) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM uploaded_files WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("file %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (p *PostgresDB) CompareAndSwapState(ctx context.Context, id string, from, to models.State) (bool, error) {
	result, err := p.db.ExecContext(ctx,
		`UPDATE uploaded_files SET state = $1 WHERE id = $2 AND state = $3`,
		string(to), id, string(from))
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// SaveIfState updates the mutable columns of an existing record only while
// its stored state is still expected.
func (p *PostgresDB) SaveIfState(ctx context.Context, file *models.FileRecord, expected models.State) (bool, error) {
	file.Normalize()
	query := `
        UPDATE uploaded_files SET
            state = $2,
            content_kind = $3,
            mime_type = $4,
            thumbnail_path = $5,
            persistent = $6,
            expiration_date = $7,
            access = $8,
            featured = $9,
            uploader_id = $10
        WHERE id = $1 AND state = $11
    `
	result, err := p.db.ExecContext(ctx, query,
		file.ID,
		string(file.State),
		string(file.ContentKind),
		file.MimeType,
		nullString(file.ThumbnailPath),
		file.Persistent,
		file.ExpirationDate,
		string(file.Access),
		file.Featured,
		nullString(file.UploaderID),
		string(expected),
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*models.FileRecord, error) {
	var (
		f                   models.FileRecord
		state, upload       string
		content, access     string
		thumbnail, uploader sql.NullString
	)
	err := row.Scan(
		&f.ID,
		&state,
		&upload,
		&content,
		&f.MimeType,
		&f.OriginalName,
		&f.StoragePath,
		&thumbnail,
		&f.Persistent,
		&f.ExpirationDate,
		&access,
		&f.Featured,
		&uploader,
		&f.UploadedAt,
	)
	if err != nil {
		return nil, err
	}
	f.State = models.State(state)
	f.UploadKind = models.UploadKind(upload)
	f.ContentKind = models.ContentKind(content)
	f.Access = models.AccessLevel(access)
	f.ThumbnailPath = thumbnail.String
	f.UploaderID = uploader.String
	return &f, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
