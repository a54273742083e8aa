// Package files serves finalized files: access checks for downloads,
// deletion with blob release, versions, folders and public links.
package files

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/filora/filora/internal/logging"
	"github.com/filora/filora/internal/metadata"
	"github.com/filora/filora/internal/storage"
)

const (
	EventFileDeleted   = "file.deleted"
	EventShareCreated  = "share.created"
	EventFolderCreated = "folder.created"
)

var (
	// ErrNotFound covers missing files, foreign files and files whose blob
	// is gone.
	ErrNotFound = errors.New("not found")

	// ErrForbidden is returned when a file exists but is neither owned by
	// the caller nor public.
	ErrForbidden = errors.New("forbidden")

	// ErrValidation covers bad folder input.
	ErrValidation = errors.New("validation failed")
)

// Notifier receives best-effort events.
type Notifier interface {
	Notify(ctx context.Context, owner, event string, data any)
}

// Repository is the metadata the service reads and writes.
type Repository interface {
	CreateFolder(ctx context.Context, f *metadata.Folder) error
	GetFolder(ctx context.Context, owner string, id uuid.UUID) (*metadata.Folder, error)
	GetFile(ctx context.Context, id uuid.UUID) (*metadata.File, error)
	RestoreVersion(ctx context.Context, fileID, versionID uuid.UUID) (*metadata.File, error)
	ListVersions(ctx context.Context, fileID uuid.UUID) ([]metadata.FileVersion, error)
	DeleteFile(ctx context.Context, id uuid.UUID) (*metadata.File, []metadata.FileVersion, error)
	RecordDownload(ctx context.Context, id uuid.UUID) error
	SetPublic(ctx context.Context, id uuid.UUID, public bool) (*metadata.File, error)
}

// Service implements file operations on top of the metadata repository
// and the blob stores.
type Service struct {
	repo     Repository
	stores   *storage.Registry
	notifier Notifier
}

// NewService creates a Service.
func NewService(repo Repository, stores *storage.Registry, notifier Notifier) *Service {
	return &Service{repo: repo, stores: stores, notifier: notifier}
}

func (s *Service) notify(ctx context.Context, owner, event string, data any) {
	if s.notifier != nil {
		s.notifier.Notify(context.WithoutCancel(ctx), owner, event, data)
	}
}

func mapNotFound(err error) error {
	if errors.Is(err, metadata.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

// Get returns a file the viewer may read: their own, or a public one.
func (s *Service) Get(ctx context.Context, viewer string, id uuid.UUID) (*metadata.File, error) {
	f, err := s.repo.GetFile(ctx, id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	if f.OwnerID != viewer && !f.IsPublic {
		return nil, ErrForbidden
	}
	return f, nil
}

// owned returns the file only when owner owns it.
func (s *Service) owned(ctx context.Context, owner string, id uuid.UUID) (*metadata.File, error) {
	f, err := s.repo.GetFile(ctx, id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	if f.OwnerID != owner {
		return nil, ErrNotFound
	}
	return f, nil
}

// Open resolves a readable file to its live store. A file whose backend is
// not configured or whose blob is missing reports ErrNotFound.
func (s *Service) Open(ctx context.Context, viewer string, id uuid.UUID) (*metadata.File, storage.BlobStore, error) {
	f, err := s.Get(ctx, viewer, id)
	if err != nil {
		return nil, nil, err
	}
	store, err := s.stores.Get(f.Kind)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if _, err := store.Size(ctx, f.Handle); err != nil {
		if errors.Is(err, storage.ErrBlobNotFound) {
			return nil, nil, fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return nil, nil, err
	}
	return f, store, nil
}

// RecordDownload bumps the counter. Failures are logged only.
func (s *Service) RecordDownload(ctx context.Context, id uuid.UUID) {
	if err := s.repo.RecordDownload(context.WithoutCancel(ctx), id); err != nil {
		logging.WithContext(ctx).Warn("failed to record download", zap.String("file_id", id.String()), logging.Err(err))
	}
}

// Delete removes the file record and then every blob it or its versions
// referenced. Blob cleanup errors are logged.
func (s *Service) Delete(ctx context.Context, owner string, id uuid.UUID) error {
	if _, err := s.owned(ctx, owner, id); err != nil {
		return err
	}
	f, versions, err := s.repo.DeleteFile(ctx, id)
	if err != nil {
		return mapNotFound(err)
	}

	cleanup := context.WithoutCancel(ctx)
	for _, b := range metadata.BlobsOf(f, versions) {
		store, err := s.stores.Get(b.Kind)
		if err == nil {
			err = store.Delete(cleanup, b.Handle)
		}
		if err != nil {
			logging.WithContext(ctx).Error("failed to release file blob",
				zap.String("file_id", id.String()),
				logging.Backend(string(b.Kind)),
				logging.Handle(b.Handle),
				logging.Err(err))
		}
	}

	s.notify(ctx, owner, EventFileDeleted, map[string]any{
		"file_id": f.ID,
		"name":    f.Name,
		"size":    f.Size,
	})
	return nil
}

// ListVersions returns the file's prior blobs, newest first.
func (s *Service) ListVersions(ctx context.Context, owner string, id uuid.UUID) ([]metadata.FileVersion, error) {
	if _, err := s.owned(ctx, owner, id); err != nil {
		return nil, err
	}
	versions, err := s.repo.ListVersions(ctx, id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return versions, nil
}

// RestoreVersion points the file back at a prior blob. The current blob
// becomes a new version.
func (s *Service) RestoreVersion(ctx context.Context, owner string, fileID, versionID uuid.UUID) (*metadata.File, error) {
	if _, err := s.owned(ctx, owner, fileID); err != nil {
		return nil, err
	}
	f, err := s.repo.RestoreVersion(ctx, fileID, versionID)
	if err != nil {
		return nil, mapNotFound(err)
	}
	logging.WithContext(ctx).Info("file version restored",
		zap.String("file_id", fileID.String()),
		zap.Int("version", f.Version))
	return f, nil
}

// SetPublic toggles public access. Publishing emits share.created.
func (s *Service) SetPublic(ctx context.Context, owner string, id uuid.UUID, public bool) (*metadata.File, error) {
	if _, err := s.owned(ctx, owner, id); err != nil {
		return nil, err
	}
	f, err := s.repo.SetPublic(ctx, id, public)
	if err != nil {
		return nil, mapNotFound(err)
	}
	if public {
		s.notify(ctx, owner, EventShareCreated, map[string]any{
			"file_id": f.ID,
			"name":    f.Name,
			"public":  true,
		})
	}
	return f, nil
}

// CreateFolder adds a folder under parentID, or at the root.
func (s *Service) CreateFolder(ctx context.Context, owner, name string, parentID *uuid.UUID) (*metadata.Folder, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, "/\\") {
		return nil, fmt.Errorf("%w: invalid folder name %q", ErrValidation, name)
	}
	if parentID != nil {
		if _, err := s.repo.GetFolder(ctx, owner, *parentID); err != nil {
			return nil, mapNotFound(err)
		}
	}
	f := &metadata.Folder{OwnerID: owner, ParentID: parentID, Name: name}
	if err := s.repo.CreateFolder(ctx, f); err != nil {
		return nil, fmt.Errorf("create folder: %w", err)
	}
	s.notify(ctx, owner, EventFolderCreated, map[string]any{
		"folder_id": f.ID,
		"name":      f.Name,
		"parent_id": f.ParentID,
	})
	return f, nil
}
