// Package metadata holds the persisted entities (folders, files, file
// versions, upload sessions, webhooks) and the repository contract the
// Postgres and in-memory stores implement.
package metadata

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/filora/filora/internal/storage"
)

// ErrNotFound is returned when a row does not exist or is not visible to
// the caller.
var ErrNotFound = errors.New("not found")

// FileStatus is the lifecycle of a File record.
type FileStatus string

const (
	FileReady  FileStatus = "ready"
	FileFailed FileStatus = "failed"
)

// Folder is a node of a user's folder tree.
type Folder struct {
	ID        uuid.UUID  `json:"id"`
	OwnerID   string     `json:"owner_id"`
	ParentID  *uuid.UUID `json:"parent_id,omitempty"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
}

// Blob references the stored bytes of a file or version.
type Blob struct {
	Kind     storage.Kind `json:"backend_kind"`
	Handle   string       `json:"-"`
	Size     int64        `json:"size"`
	Checksum string       `json:"checksum"`
	MimeType string       `json:"mime_type"`
}

// File is a finalized upload.
type File struct {
	ID            uuid.UUID  `json:"id"`
	OwnerID       string     `json:"owner_id"`
	FolderID      *uuid.UUID `json:"folder_id,omitempty"`
	Name          string     `json:"name"`
	Blob                     // flattened: backend_kind, size, checksum, mime_type
	Status        FileStatus `json:"status"`
	IsPublic      bool       `json:"is_public"`
	Version       int        `json:"version"`
	DownloadCount int64      `json:"download_count"`
	LastAccessed  *time.Time `json:"last_accessed,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// FileVersion snapshots a previous blob of a file.
type FileVersion struct {
	ID        uuid.UUID `json:"id"`
	FileID    uuid.UUID `json:"file_id"`
	Version   int       `json:"version"`
	Blob                // flattened
	CreatedAt time.Time `json:"created_at"`
}

// UploadSession is the persisted form of an upload in progress.
type UploadSession struct {
	ID            uuid.UUID
	OwnerID       string
	Filename      string
	MimeType      string
	ExpectedSize  int64
	FolderID      *uuid.UUID
	ReplaceFileID *uuid.UUID
	BackendKind   storage.Kind
	BlobHandle    string
	ChunkSize     int64
	TotalChunks   int
	Accepted      map[int]int64 // sequence number -> payload length
	BytesWritten  int64
	State         string
	FileID        *uuid.UUID
	Error         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Clone returns a deep copy.
func (s *UploadSession) Clone() *UploadSession {
	c := *s
	c.Accepted = make(map[int]int64, len(s.Accepted))
	for k, v := range s.Accepted {
		c.Accepted[k] = v
	}
	return &c
}

// Webhook is an integration subscription.
type Webhook struct {
	ID        uuid.UUID `json:"id"`
	OwnerID   string    `json:"owner_id"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	Events    []string  `json:"events"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Subscribes reports whether the webhook wants event.
func (w *Webhook) Subscribes(event string) bool {
	return w.Active && slices.Contains(w.Events, event)
}

// Repository is implemented by the Postgres and in-memory stores.
type Repository interface {
	CreateFolder(ctx context.Context, f *Folder) error
	GetFolder(ctx context.Context, owner string, id uuid.UUID) (*Folder, error)

	CreateFile(ctx context.Context, f *File) error
	GetFile(ctx context.Context, id uuid.UUID) (*File, error)
	ReplaceFileBlob(ctx context.Context, id uuid.UUID, blob Blob) (*File, error)
	RestoreVersion(ctx context.Context, fileID, versionID uuid.UUID) (*File, error)
	ListVersions(ctx context.Context, fileID uuid.UUID) ([]FileVersion, error)
	DeleteFile(ctx context.Context, id uuid.UUID) (*File, []FileVersion, error)
	RecordDownload(ctx context.Context, id uuid.UUID) error
	SetPublic(ctx context.Context, id uuid.UUID, public bool) (*File, error)
	StorageUsed(ctx context.Context, owner string) (int64, error)

	SaveSession(ctx context.Context, s *UploadSession) error
	ListOpenSessions(ctx context.Context) ([]*UploadSession, error)

	CreateWebhook(ctx context.Context, w *Webhook) error
	ListWebhooks(ctx context.Context, owner string) ([]Webhook, error)

	Close() error
}

// TerminalStates are the session states ListOpenSessions skips.
var TerminalStates = []string{"completed", "failed", "cancelled"}

// BlobsOf returns the distinct blobs referenced by a file and its
// versions. A restored version shares its blob with the file.
func BlobsOf(f *File, versions []FileVersion) []Blob {
	seen := map[string]bool{}
	var out []Blob
	add := func(b Blob) {
		key := string(b.Kind) + "\x00" + b.Handle
		if b.Handle == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, b)
	}
	add(f.Blob)
	for _, v := range versions {
		add(v.Blob)
	}
	return out
}
