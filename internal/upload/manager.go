// Package upload implements chunked upload sessions: backend selection at
// init, chunk admission, assembly with checksum verification, and cleanup
// of partial blobs on failure or cancellation.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/filora/filora/internal/logging"
	"github.com/filora/filora/internal/metadata"
	"github.com/filora/filora/internal/metrics"
	"github.com/filora/filora/internal/storage"
)

const defaultMimeType = "application/octet-stream"

// EventUploadCompleted is emitted after a session produces a file.
const EventUploadCompleted = "upload.completed"

// Notifier receives best-effort events. Notify must not block for long
// and its failures are its own concern.
type Notifier interface {
	Notify(ctx context.Context, owner, event string, data any)
}

// Repository is the slice of the metadata layer the manager needs.
type Repository interface {
	GetFolder(ctx context.Context, owner string, id uuid.UUID) (*metadata.Folder, error)
	CreateFile(ctx context.Context, f *metadata.File) error
	GetFile(ctx context.Context, id uuid.UUID) (*metadata.File, error)
	ReplaceFileBlob(ctx context.Context, id uuid.UUID, blob metadata.Blob) (*metadata.File, error)
	SaveSession(ctx context.Context, s *metadata.UploadSession) error
	ListOpenSessions(ctx context.Context) ([]*metadata.UploadSession, error)
}

// StorageQuota rejects uploads that would exceed an owner's storage limit.
type StorageQuota interface {
	CheckStorage(ctx context.Context, owner string, additional int64) error
}

// Config holds manager settings. Quota is optional.
type Config struct {
	MaxUploadSize int64
	Policy        Policy
	IdleTimeout   time.Duration
	Quota         StorageQuota
}

// Manager owns every live upload session.
type Manager struct {
	cfg      Config
	stores   *storage.Registry
	repo     Repository
	notifier Notifier
	now      func() time.Time

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session

	wg sync.WaitGroup
}

// NewManager creates a Manager. Backend availability in cfg.Policy is
// taken from stores.
func NewManager(cfg Config, stores *storage.Registry, repo Repository, notifier Notifier) *Manager {
	cfg.Policy = PolicyFor(stores, cfg.Policy)
	return &Manager{
		cfg:      cfg,
		stores:   stores,
		repo:     repo,
		notifier: notifier,
		now:      time.Now,
		sessions: make(map[uuid.UUID]*Session),
	}
}

// MaxUploadSize returns the configured size ceiling.
func (m *Manager) MaxUploadSize() int64 { return m.cfg.MaxUploadSize }

// Wait blocks until the reaper has stopped and in-flight notifications
// have been handed off.
func (m *Manager) Wait() { m.wg.Wait() }

// ─── Init ───────────────────────────────────────────────────────────────────

// InitRequest describes a new upload.
type InitRequest struct {
	Owner         string
	Filename      string
	Size          int64
	MimeType      string
	FolderID      *uuid.UUID
	ReplaceFileID *uuid.UUID
}

// Init validates req, picks a backend and chunk size, allocates an empty
// blob and returns the new session in the uploading state.
func (m *Manager) Init(ctx context.Context, req InitRequest) (*Status, error) {
	req.Filename = strings.TrimSpace(req.Filename)
	switch {
	case req.Owner == "":
		return nil, validationf("owner is required")
	case req.Filename == "":
		return nil, validationf("filename is required")
	case req.Size <= 0:
		return nil, validationf("size must be positive")
	case m.cfg.MaxUploadSize > 0 && req.Size > m.cfg.MaxUploadSize:
		return nil, fmt.Errorf("%w: %s exceeds the %s limit", ErrTooLarge,
			humanize.IBytes(uint64(req.Size)), humanize.IBytes(uint64(m.cfg.MaxUploadSize)))
	}
	if req.MimeType == "" {
		req.MimeType = defaultMimeType
	}
	if m.cfg.Quota != nil {
		if err := m.cfg.Quota.CheckStorage(ctx, req.Owner, req.Size); err != nil {
			return nil, err
		}
	}

	if req.FolderID != nil {
		if _, err := m.repo.GetFolder(ctx, req.Owner, *req.FolderID); err != nil {
			if errors.Is(err, metadata.ErrNotFound) {
				return nil, fmt.Errorf("folder %s: %w", req.FolderID, ErrNotFound)
			}
			return nil, fmt.Errorf("resolve folder: %w", err)
		}
	}
	if req.ReplaceFileID != nil {
		f, err := m.repo.GetFile(ctx, *req.ReplaceFileID)
		if err != nil && !errors.Is(err, metadata.ErrNotFound) {
			return nil, fmt.Errorf("resolve file: %w", err)
		}
		if err != nil || f.OwnerID != req.Owner {
			return nil, fmt.Errorf("file %s: %w", req.ReplaceFileID, ErrNotFound)
		}
	}

	plan := m.cfg.Policy.Select(req.Size, req.MimeType)
	store, err := m.stores.Get(plan.Kind)
	if err != nil {
		return nil, err
	}
	handle, err := store.Create(ctx)
	if err != nil {
		return nil, err
	}

	now := m.now()
	s := &Session{
		id:            uuid.New(),
		owner:         req.Owner,
		filename:      req.Filename,
		mimeType:      req.MimeType,
		expectedSize:  req.Size,
		folderID:      req.FolderID,
		replaceFileID: req.ReplaceFileID,
		store:         store,
		handle:        handle,
		chunkSize:     plan.ChunkSize,
		totalChunks:   TotalChunks(req.Size, plan.ChunkSize),
		accepted:      make(map[int]int64),
		state:         StateInitialized,
		createdAt:     now,
		updatedAt:     now,
	}
	s.state = StateUploading

	if err := m.repo.SaveSession(ctx, s.record()); err != nil {
		m.release(ctx, s)
		return nil, fmt.Errorf("save session: %w", err)
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	metrics.RecordSessionStarted()
	logging.WithContext(ctx).Info("upload session started",
		logging.UploadID(s.id.String()),
		logging.Backend(string(plan.Kind)),
		zap.String("filename", s.filename),
		zap.String("size", humanize.IBytes(uint64(s.expectedSize))),
		zap.Int64("chunk_size", s.chunkSize),
		zap.Int("total_chunks", s.totalChunks))

	return s.status(), nil
}

// ─── Chunks ─────────────────────────────────────────────────────────────────

// ChunkInput is one submitted chunk. TotalChunks is optional; when set it
// must agree with the session.
type ChunkInput struct {
	Sequence    int
	TotalChunks int
	Data        []byte
}

// ChunkResult reports session progress after a chunk.
type ChunkResult struct {
	Sequence       int     `json:"sequence_number"`
	Progress       float64 `json:"progress_percent"`
	ChunksAccepted int     `json:"chunks_accepted"`
	TotalChunks    int     `json:"total_chunks"`
	BytesWritten   int64   `json:"bytes_written"`
	Duplicate      bool    `json:"duplicate,omitempty"`
}

// AcceptChunk writes one chunk to the session's blob. Re-submitting an
// accepted sequence number with the same length is a no-op.
func (m *Manager) AcceptChunk(ctx context.Context, owner string, id uuid.UUID, in ChunkInput) (*ChunkResult, error) {
	s, err := m.lookup(owner, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kind := string(s.store.Kind())
	res, err := m.acceptLocked(ctx, s, in)
	switch {
	case err != nil:
		metrics.RecordChunk(kind, "rejected", len(in.Data))
	case res.Duplicate:
		metrics.RecordChunk(kind, "duplicate", len(in.Data))
	default:
		metrics.RecordChunk(kind, "accepted", len(in.Data))
	}
	return res, err
}

func (m *Manager) acceptLocked(ctx context.Context, s *Session, in ChunkInput) (*ChunkResult, error) {
	if s.state != StateUploading {
		return nil, fmt.Errorf("%w: session is %s", ErrInvalidState, s.state)
	}
	if in.TotalChunks > 0 && in.TotalChunks != s.totalChunks {
		return nil, validationf("total_chunks is %d, session expects %d", in.TotalChunks, s.totalChunks)
	}
	if in.Sequence < 0 || in.Sequence >= s.totalChunks {
		return nil, validationf("sequence number %d outside [0, %d)", in.Sequence, s.totalChunks)
	}
	size := int64(len(in.Data))
	if size == 0 {
		return nil, validationf("chunk %d is empty", in.Sequence)
	}

	if prev, ok := s.accepted[in.Sequence]; ok {
		if prev != size {
			return nil, fmt.Errorf("%w: chunk %d already accepted with %d bytes, got %d",
				ErrConflict, in.Sequence, prev, size)
		}
		res := s.result(in.Sequence)
		res.Duplicate = true
		return res, nil
	}

	off := int64(in.Sequence) * s.chunkSize
	remaining := s.expectedSize - off
	final := in.Sequence == s.totalChunks-1
	switch {
	case final && size > remaining:
		return nil, validationf("chunk %d would exceed declared size by %d bytes", in.Sequence, size-remaining)
	case !final && size != s.chunkSize:
		return nil, validationf("chunk %d has %d bytes, expected %d", in.Sequence, size, s.chunkSize)
	case s.bytesWritten+size > s.expectedSize:
		return nil, validationf("chunk %d would exceed declared size", in.Sequence)
	}

	appendOnly := s.store.WriteMode() == storage.ModeAppend
	if appendOnly && in.Sequence != len(s.accepted) {
		return nil, fmt.Errorf("%w: got %d, next is %d", ErrOutOfOrderChunk, in.Sequence, len(s.accepted))
	}

	var n int
	var err error
	if appendOnly {
		n, err = s.store.Append(ctx, s.handle, in.Data)
	} else {
		n, err = s.store.WriteAt(ctx, s.handle, in.Data, off)
	}
	if err == nil && int64(n) != size {
		err = storage.Wrap(s.store.Kind(), "write", s.handle, io.ErrShortWrite)
	}
	if err != nil {
		m.fail(ctx, s, err)
		return nil, err
	}

	s.accepted[in.Sequence] = size
	s.bytesWritten += size
	s.updatedAt = m.now()
	m.persist(ctx, s)
	return s.result(in.Sequence), nil
}

func (s *Session) result(seq int) *ChunkResult {
	return &ChunkResult{
		Sequence:       seq,
		Progress:       s.progress(),
		ChunksAccepted: len(s.accepted),
		TotalChunks:    s.totalChunks,
		BytesWritten:   s.bytesWritten,
	}
}

// ─── Complete / Cancel ──────────────────────────────────────────────────────

// Complete verifies the blob and produces the file record. A completed
// session returns its file again. Completing before any chunk arrived is an
// ErrInvalidState and leaves the session open; any other failure, missing
// chunks included, fails the session.
func (m *Manager) Complete(ctx context.Context, owner string, id uuid.UUID) (*metadata.File, error) {
	s, err := m.lookup(owner, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateCompleted && s.fileID != nil {
		return m.repo.GetFile(ctx, *s.fileID)
	}
	if s.state != StateUploading {
		return nil, fmt.Errorf("%w: session is %s", ErrInvalidState, s.state)
	}
	if len(s.accepted) == 0 {
		return nil, fmt.Errorf("%w: no chunks received", ErrInvalidState)
	}

	s.state = StateProcessing
	s.updatedAt = m.now()
	m.persist(ctx, s)

	file, err := m.assemble(ctx, s)
	if err != nil {
		m.fail(ctx, s, err)
		return nil, err
	}

	s.state = StateCompleted
	s.fileID = &file.ID
	s.updatedAt = m.now()
	m.persist(ctx, s)
	metrics.RecordSessionFinished(string(s.store.Kind()), string(StateCompleted))

	logging.WithContext(ctx).Info("upload completed",
		logging.UploadID(s.id.String()),
		logging.Backend(string(s.store.Kind())),
		zap.String("file_id", file.ID.String()),
		zap.String("checksum", file.Checksum))

	m.notify(s.owner, EventUploadCompleted, map[string]any{
		"upload_id":    s.id,
		"file_id":      file.ID,
		"name":         file.Name,
		"size":         file.Size,
		"checksum":     file.Checksum,
		"mime_type":    file.MimeType,
		"backend_kind": file.Kind,
		"version":      file.Version,
	})
	return file, nil
}

// Cancel releases the session's blob. Cancelling a terminal session is a
// no-op.
func (m *Manager) Cancel(ctx context.Context, owner string, id uuid.UUID) error {
	s, err := m.lookup(owner, id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state.Terminal():
		return nil
	case s.state == StateProcessing:
		return fmt.Errorf("%w: session is %s", ErrInvalidState, s.state)
	}

	m.release(ctx, s)
	s.state = StateCancelled
	s.updatedAt = m.now()
	m.persist(ctx, s)
	metrics.RecordSessionFinished(string(s.store.Kind()), string(StateCancelled))
	logging.WithContext(ctx).Info("upload cancelled", logging.UploadID(s.id.String()))
	return nil
}

// Status returns a snapshot of the session for resuming.
func (m *Manager) Status(_ context.Context, owner string, id uuid.UUID) (*Status, error) {
	s, err := m.lookup(owner, id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status(), nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (m *Manager) lookup(owner string, id uuid.UUID) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok || s.owner != owner {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// fail moves s to failed and releases its blob. Caller holds s.mu.
func (m *Manager) fail(ctx context.Context, s *Session, cause error) {
	m.release(ctx, s)
	s.state = StateFailed
	s.failure = cause.Error()
	s.updatedAt = m.now()
	m.persist(ctx, s)
	metrics.RecordSessionFinished(string(s.store.Kind()), string(StateFailed))
	logging.WithContext(ctx).Warn("upload failed",
		logging.UploadID(s.id.String()),
		logging.Backend(string(s.store.Kind())),
		logging.Err(cause))
}

// release deletes the session's blob. Cleanup errors are logged only.
func (m *Manager) release(ctx context.Context, s *Session) {
	ctx = context.WithoutCancel(ctx)
	if err := s.store.Delete(ctx, s.handle); err != nil {
		logging.WithContext(ctx).Error("failed to release upload blob",
			logging.UploadID(s.id.String()),
			logging.Backend(string(s.store.Kind())),
			logging.Handle(s.handle),
			logging.Err(err))
	}
}

// persist saves s. The in-memory session stays authoritative when the
// save fails.
func (m *Manager) persist(ctx context.Context, s *Session) {
	ctx = context.WithoutCancel(ctx)
	if err := m.repo.SaveSession(ctx, s.record()); err != nil {
		logging.WithContext(ctx).Warn("failed to persist upload session",
			logging.UploadID(s.id.String()),
			zap.String("state", string(s.state)),
			logging.Err(err))
	}
}

func (m *Manager) notify(owner, event string, data any) {
	if m.notifier == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.notifier.Notify(context.Background(), owner, event, data)
	}()
}
