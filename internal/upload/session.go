package upload

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/filora/filora/internal/metadata"
	"github.com/filora/filora/internal/storage"
)

// State is the lifecycle state of an upload session.
type State string

const (
	StateInitialized State = "initialized"
	StateUploading   State = "uploading"
	StateProcessing  State = "processing"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Session is one upload in progress. mu is held across the whole
// check, write, transition sequence of every operation.
type Session struct {
	mu sync.Mutex

	id            uuid.UUID
	owner         string
	filename      string
	mimeType      string
	expectedSize  int64
	folderID      *uuid.UUID
	replaceFileID *uuid.UUID

	store       storage.BlobStore
	handle      string
	chunkSize   int64
	totalChunks int

	accepted     map[int]int64
	bytesWritten int64
	state        State
	fileID       *uuid.UUID
	failure      string

	createdAt time.Time
	updatedAt time.Time
}

// Status is a point-in-time view of a session, used for resuming.
type Status struct {
	ID           uuid.UUID    `json:"upload_id"`
	State        State        `json:"state"`
	Filename     string       `json:"filename"`
	MimeType     string       `json:"mime_type"`
	ExpectedSize int64        `json:"size"`
	BackendKind  storage.Kind `json:"backend_kind"`
	ChunkSize    int64        `json:"chunk_size"`
	TotalChunks  int          `json:"total_chunks"`
	Accepted     []int        `json:"chunks_accepted"`
	Missing      []int        `json:"chunks_missing"`
	BytesWritten int64        `json:"bytes_written"`
	Progress     float64      `json:"progress_percent"`
	FileID       *uuid.UUID   `json:"file_id,omitempty"`
	Error        string       `json:"error,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// acceptedSeqs must be called with mu held.
func (s *Session) acceptedSeqs() []int {
	seqs := make([]int, 0, len(s.accepted))
	for seq := range s.accepted {
		seqs = append(seqs, seq)
	}
	slices.Sort(seqs)
	return seqs
}

// missing lists the sequence numbers in [0, totalChunks) not yet accepted.
func (s *Session) missing() []int {
	var out []int
	for seq := range s.totalChunks {
		if _, ok := s.accepted[seq]; !ok {
			out = append(out, seq)
		}
	}
	return out
}

// acceptedEnd is the byte offset just past the furthest accepted chunk.
func (s *Session) acceptedEnd() int64 {
	var end int64
	for seq, n := range s.accepted {
		end = max(end, int64(seq)*s.chunkSize+n)
	}
	return end
}

func (s *Session) progress() float64 {
	if s.expectedSize == 0 {
		return 0
	}
	return float64(s.bytesWritten) * 100 / float64(s.expectedSize)
}

func (s *Session) status() *Status {
	return &Status{
		ID:           s.id,
		State:        s.state,
		Filename:     s.filename,
		MimeType:     s.mimeType,
		ExpectedSize: s.expectedSize,
		BackendKind:  s.store.Kind(),
		ChunkSize:    s.chunkSize,
		TotalChunks:  s.totalChunks,
		Accepted:     s.acceptedSeqs(),
		Missing:      s.missing(),
		BytesWritten: s.bytesWritten,
		Progress:     s.progress(),
		FileID:       s.fileID,
		Error:        s.failure,
		CreatedAt:    s.createdAt,
		UpdatedAt:    s.updatedAt,
	}
}

// record converts the session to its persisted form.
func (s *Session) record() *metadata.UploadSession {
	accepted := make(map[int]int64, len(s.accepted))
	for k, v := range s.accepted {
		accepted[k] = v
	}
	return &metadata.UploadSession{
		ID:            s.id,
		OwnerID:       s.owner,
		Filename:      s.filename,
		MimeType:      s.mimeType,
		ExpectedSize:  s.expectedSize,
		FolderID:      s.folderID,
		ReplaceFileID: s.replaceFileID,
		BackendKind:   s.store.Kind(),
		BlobHandle:    s.handle,
		ChunkSize:     s.chunkSize,
		TotalChunks:   s.totalChunks,
		Accepted:      accepted,
		BytesWritten:  s.bytesWritten,
		State:         string(s.state),
		FileID:        s.fileID,
		Error:         s.failure,
		CreatedAt:     s.createdAt,
		UpdatedAt:     s.updatedAt,
	}
}

// sessionFromRecord rebuilds a session bound to store.
func sessionFromRecord(r *metadata.UploadSession, store storage.BlobStore) *Session {
	accepted := make(map[int]int64, len(r.Accepted))
	var written int64
	for k, v := range r.Accepted {
		accepted[k] = v
		written += v
	}
	return &Session{
		id:            r.ID,
		owner:         r.OwnerID,
		filename:      r.Filename,
		mimeType:      r.MimeType,
		expectedSize:  r.ExpectedSize,
		folderID:      r.FolderID,
		replaceFileID: r.ReplaceFileID,
		store:         store,
		handle:        r.BlobHandle,
		chunkSize:     r.ChunkSize,
		totalChunks:   r.TotalChunks,
		accepted:      accepted,
		bytesWritten:  written,
		state:         State(r.State),
		fileID:        r.FileID,
		failure:       r.Error,
		createdAt:     r.CreatedAt,
		updatedAt:     r.UpdatedAt,
	}
}
