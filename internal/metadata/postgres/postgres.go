// Package postgres provides a PostgreSQL-backed metadata store with metrics.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/filora/filora/internal/logging"
	"github.com/filora/filora/internal/metadata"
	"github.com/filora/filora/internal/metrics"
	"github.com/filora/filora/internal/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a PostgreSQL metadata store.
type Store struct {
	db *sql.DB
}

var _ metadata.Repository = (*Store)(nil)

// New creates a new PostgreSQL metadata store.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

type gooseLogger struct{}

func (gooseLogger) Fatalf(format string, v ...interface{}) {
	logging.Fatal(fmt.Sprintf(format, v...))
}

func (gooseLogger) Printf(format string, v ...interface{}) {
	logging.Info(fmt.Sprintf(format, v...))
}

// Migrate applies the embedded goose migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{})
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func observe(query string) func() {
	start := time.Now()
	return func() { metrics.RecordDBQuery(query, time.Since(start)) }
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return metadata.ErrNotFound
	}
	return err
}

// ─── Folders ───────────────────────────────────────────────────────────────

// CreateFolder inserts a folder, assigning an ID when unset.
func (s *Store) CreateFolder(ctx context.Context, f *metadata.Folder) error {
	defer observe("create_folder")()

	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO folders (id, owner_id, parent_id, name) VALUES ($1, $2, $3, $4)
		 RETURNING created_at`,
		f.ID, f.OwnerID, f.ParentID, f.Name).Scan(&f.CreatedAt)
	if err != nil {
		return fmt.Errorf("create folder: %w", err)
	}
	return nil
}

// GetFolder returns the folder when it belongs to owner.
func (s *Store) GetFolder(ctx context.Context, owner string, id uuid.UUID) (*metadata.Folder, error) {
	defer observe("get_folder")()

	var f metadata.Folder
	var parent uuid.NullUUID
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, parent_id, name, created_at FROM folders WHERE id = $1 AND owner_id = $2`,
		id, owner).Scan(&f.ID, &f.OwnerID, &parent, &f.Name, &f.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get folder %s: %w", id, notFound(err))
	}
	if parent.Valid {
		f.ParentID = &parent.UUID
	}
	return &f, nil
}

// ─── Files ─────────────────────────────────────────────────────────────────

const fileColumns = `id, owner_id, folder_id, name, backend_kind, blob_handle, size, checksum,
	mime_type, status, is_public, version, download_count, last_accessed, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*metadata.File, error) {
	var f metadata.File
	var folder uuid.NullUUID
	var kind, status string
	var lastAccessed sql.NullTime
	if err := row.Scan(&f.ID, &f.OwnerID, &folder, &f.Name, &kind, &f.Handle, &f.Size, &f.Checksum,
		&f.MimeType, &status, &f.IsPublic, &f.Version, &f.DownloadCount, &lastAccessed,
		&f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	if folder.Valid {
		f.FolderID = &folder.UUID
	}
	if lastAccessed.Valid {
		f.LastAccessed = &lastAccessed.Time
	}
	f.Kind = storage.Kind(kind)
	f.Status = metadata.FileStatus(status)
	return &f, nil
}

// CreateFile inserts a finalized file at version 1.
func (s *Store) CreateFile(ctx context.Context, f *metadata.File) error {
	defer observe("create_file")()

	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.Version == 0 {
		f.Version = 1
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO files (id, owner_id, folder_id, name, backend_kind, blob_handle, size, checksum,
		                    mime_type, status, is_public, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING created_at, updated_at`,
		f.ID, f.OwnerID, f.FolderID, f.Name, string(f.Kind), f.Handle, f.Size, f.Checksum,
		f.MimeType, string(f.Status), f.IsPublic, f.Version).Scan(&f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	logging.Debug("file created", zap.String("file_id", f.ID.String()), zap.Int64("size", f.Size))
	return nil
}

// GetFile returns a file by ID.
func (s *Store) GetFile(ctx context.Context, id uuid.UUID) (*metadata.File, error) {
	defer observe("get_file")()

	f, err := scanFile(s.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get file %s: %w", id, notFound(err))
	}
	return f, nil
}

// withTx runs fn in a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func lockFile(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*metadata.File, error) {
	f, err := scanFile(tx.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, fmt.Errorf("lock file %s: %w", id, notFound(err))
	}
	return f, nil
}

func snapshot(ctx context.Context, tx *sql.Tx, f *metadata.File) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO file_versions (id, file_id, version, backend_kind, blob_handle, size, checksum, mime_type)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (file_id, version) DO NOTHING`,
		uuid.New(), f.ID, f.Version, string(f.Kind), f.Handle, f.Size, f.Checksum, f.MimeType)
	if err != nil {
		return fmt.Errorf("save version: %w", err)
	}
	return nil
}

func setBlob(ctx context.Context, tx *sql.Tx, id uuid.UUID, b metadata.Blob) (*metadata.File, error) {
	f, err := scanFile(tx.QueryRowContext(ctx,
		`UPDATE files SET backend_kind = $2, blob_handle = $3, size = $4, checksum = $5, mime_type = $6,
		        version = version + 1, updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+fileColumns,
		id, string(b.Kind), b.Handle, b.Size, b.Checksum, b.MimeType))
	if err != nil {
		return nil, fmt.Errorf("update file blob: %w", err)
	}
	return f, nil
}

// ReplaceFileBlob snapshots the current blob as a version and points the
// file at blob.
func (s *Store) ReplaceFileBlob(ctx context.Context, id uuid.UUID, blob metadata.Blob) (*metadata.File, error) {
	defer observe("replace_file_blob")()

	var out *metadata.File
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := lockFile(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := snapshot(ctx, tx, cur); err != nil {
			return err
		}
		out, err = setBlob(ctx, tx, id, blob)
		return err
	})
	if err != nil {
		return nil, err
	}
	logging.Info("file content replaced",
		zap.String("file_id", id.String()),
		zap.Int("version", out.Version))
	return out, nil
}

// RestoreVersion snapshots the current blob and makes the version's blob
// current again.
func (s *Store) RestoreVersion(ctx context.Context, fileID, versionID uuid.UUID) (*metadata.File, error) {
	defer observe("restore_version")()

	var out *metadata.File
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := lockFile(ctx, tx, fileID)
		if err != nil {
			return err
		}
		var b metadata.Blob
		var kind string
		err = tx.QueryRowContext(ctx,
			`SELECT backend_kind, blob_handle, size, checksum, mime_type
			 FROM file_versions WHERE id = $1 AND file_id = $2`,
			versionID, fileID).Scan(&kind, &b.Handle, &b.Size, &b.Checksum, &b.MimeType)
		if err != nil {
			return fmt.Errorf("get version %s: %w", versionID, notFound(err))
		}
		b.Kind = storage.Kind(kind)
		if err := snapshot(ctx, tx, cur); err != nil {
			return err
		}
		out, err = setBlob(ctx, tx, fileID, b)
		return err
	})
	if err != nil {
		return nil, err
	}
	logging.Info("restored version",
		zap.String("file_id", fileID.String()),
		zap.String("version_id", versionID.String()),
		zap.Int("to_version", out.Version))
	return out, nil
}

func listVersions(ctx context.Context, q interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}, fileID uuid.UUID) ([]metadata.FileVersion, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, file_id, version, backend_kind, blob_handle, size, checksum, mime_type, created_at
		 FROM file_versions WHERE file_id = $1 ORDER BY version DESC`, fileID)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()

	var versions []metadata.FileVersion
	for rows.Next() {
		var v metadata.FileVersion
		var kind string
		if err := rows.Scan(&v.ID, &v.FileID, &v.Version, &kind, &v.Handle, &v.Size,
			&v.Checksum, &v.MimeType, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		v.Kind = storage.Kind(kind)
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// ListVersions returns the file's versions, newest first.
func (s *Store) ListVersions(ctx context.Context, fileID uuid.UUID) ([]metadata.FileVersion, error) {
	defer observe("list_versions")()

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM files WHERE id = $1)`, fileID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check file: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("file %s: %w", fileID, metadata.ErrNotFound)
	}
	return listVersions(ctx, s.db, fileID)
}

// DeleteFile removes the file and its versions and returns both so the
// caller can release the blobs.
func (s *Store) DeleteFile(ctx context.Context, id uuid.UUID) (*metadata.File, []metadata.FileVersion, error) {
	defer observe("delete_file")()

	var f *metadata.File
	var versions []metadata.FileVersion
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if f, err = lockFile(ctx, tx, id); err != nil {
			return err
		}
		if versions, err = listVersions(ctx, tx, id); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM files WHERE id = $1`, id)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return f, versions, nil
}

// RecordDownload bumps the download counter.
func (s *Store) RecordDownload(ctx context.Context, id uuid.UUID) error {
	defer observe("record_download")()

	res, err := s.db.ExecContext(ctx,
		`UPDATE files SET download_count = download_count + 1, last_accessed = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("record download: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return metadata.ErrNotFound
	}
	return nil
}

// SetPublic toggles public link access.
func (s *Store) SetPublic(ctx context.Context, id uuid.UUID, public bool) (*metadata.File, error) {
	defer observe("set_public")()

	f, err := scanFile(s.db.QueryRowContext(ctx,
		`UPDATE files SET is_public = $2, updated_at = NOW() WHERE id = $1 RETURNING `+fileColumns,
		id, public))
	if err != nil {
		return nil, fmt.Errorf("set public %s: %w", id, notFound(err))
	}
	return f, nil
}

// StorageUsed sums the sizes of owner's current files.
func (s *Store) StorageUsed(ctx context.Context, owner string) (int64, error) {
	defer observe("storage_used")()

	var used int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size), 0) FROM files WHERE owner_id = $1`, owner).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("storage used: %w", err)
	}
	return used, nil
}

// ─── Upload sessions ───────────────────────────────────────────────────────

// SaveSession upserts the session row.
func (s *Store) SaveSession(ctx context.Context, us *metadata.UploadSession) error {
	defer observe("save_session")()

	accepted, err := json.Marshal(us.Accepted)
	if err != nil {
		return fmt.Errorf("encode accepted: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO upload_sessions (id, owner_id, filename, mime_type, expected_size, folder_id,
		        replace_file_id, backend_kind, blob_handle, chunk_size, total_chunks, accepted,
		        bytes_written, state, file_id, error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		 ON CONFLICT (id) DO UPDATE SET
		        blob_handle = EXCLUDED.blob_handle,
		        accepted = EXCLUDED.accepted,
		        bytes_written = EXCLUDED.bytes_written,
		        state = EXCLUDED.state,
		        file_id = EXCLUDED.file_id,
		        error = EXCLUDED.error,
		        updated_at = EXCLUDED.updated_at`,
		us.ID, us.OwnerID, us.Filename, us.MimeType, us.ExpectedSize, us.FolderID,
		us.ReplaceFileID, string(us.BackendKind), us.BlobHandle, us.ChunkSize, us.TotalChunks, accepted,
		us.BytesWritten, us.State, us.FileID, us.Error, us.CreatedAt, us.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save session %s: %w", us.ID, err)
	}
	return nil
}

// ListOpenSessions returns every session not yet in a terminal state.
func (s *Store) ListOpenSessions(ctx context.Context) ([]*metadata.UploadSession, error) {
	defer observe("list_open_sessions")()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, filename, mime_type, expected_size, folder_id, replace_file_id,
		        backend_kind, blob_handle, chunk_size, total_chunks, accepted, bytes_written,
		        state, file_id, error, created_at, updated_at
		 FROM upload_sessions WHERE state <> ALL($1) ORDER BY created_at`,
		pq.Array(metadata.TerminalStates))
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []*metadata.UploadSession
	for rows.Next() {
		var us metadata.UploadSession
		var folder, replace, file uuid.NullUUID
		var kind string
		var accepted []byte
		if err := rows.Scan(&us.ID, &us.OwnerID, &us.Filename, &us.MimeType, &us.ExpectedSize,
			&folder, &replace, &kind, &us.BlobHandle, &us.ChunkSize, &us.TotalChunks, &accepted,
			&us.BytesWritten, &us.State, &file, &us.Error, &us.CreatedAt, &us.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if err := json.Unmarshal(accepted, &us.Accepted); err != nil {
			return nil, fmt.Errorf("decode accepted for %s: %w", us.ID, err)
		}
		if folder.Valid {
			us.FolderID = &folder.UUID
		}
		if replace.Valid {
			us.ReplaceFileID = &replace.UUID
		}
		if file.Valid {
			us.FileID = &file.UUID
		}
		us.BackendKind = storage.Kind(kind)
		out = append(out, &us)
	}
	return out, rows.Err()
}

// ─── Webhooks ──────────────────────────────────────────────────────────────

// CreateWebhook inserts a subscription.
func (s *Store) CreateWebhook(ctx context.Context, w *metadata.Webhook) error {
	defer observe("create_webhook")()

	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO webhooks (id, owner_id, url, secret, events, active) VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at`,
		w.ID, w.OwnerID, w.URL, w.Secret, pq.Array(w.Events), w.Active).Scan(&w.CreatedAt)
	if err != nil {
		return fmt.Errorf("create webhook: %w", err)
	}
	return nil
}

// ListWebhooks returns the owner's subscriptions.
func (s *Store) ListWebhooks(ctx context.Context, owner string) ([]metadata.Webhook, error) {
	defer observe("list_webhooks")()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, url, secret, events, active, created_at
		 FROM webhooks WHERE owner_id = $1 ORDER BY created_at`, owner)
	if err != nil {
		return nil, fmt.Errorf("query webhooks: %w", err)
	}
	defer rows.Close()

	var out []metadata.Webhook
	for rows.Next() {
		var w metadata.Webhook
		if err := rows.Scan(&w.ID, &w.OwnerID, &w.URL, &w.Secret, pq.Array(&w.Events), &w.Active, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
