package metadata

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a Repository kept in process memory. It backs the unit
// tests of the packages above it.
type MemoryStore struct {
	mu       sync.Mutex
	folders  map[uuid.UUID]Folder
	files    map[uuid.UUID]File
	versions map[uuid.UUID][]FileVersion
	sessions map[uuid.UUID]*UploadSession
	webhooks []Webhook
	now      func() time.Time
}

var _ Repository = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		folders:  make(map[uuid.UUID]Folder),
		files:    make(map[uuid.UUID]File),
		versions: make(map[uuid.UUID][]FileVersion),
		sessions: make(map[uuid.UUID]*UploadSession),
		now:      time.Now,
	}
}

func (m *MemoryStore) CreateFolder(_ context.Context, f *Folder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = m.now()
	}
	m.folders[f.ID] = *f
	return nil
}

func (m *MemoryStore) GetFolder(_ context.Context, owner string, id uuid.UUID) (*Folder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.folders[id]
	if !ok || f.OwnerID != owner {
		return nil, ErrNotFound
	}
	return &f, nil
}

func (m *MemoryStore) CreateFile(_ context.Context, f *File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	now := m.now()
	f.CreatedAt, f.UpdatedAt = now, now
	if f.Version == 0 {
		f.Version = 1
	}
	m.files[f.ID] = *f
	return nil
}

func (m *MemoryStore) GetFile(_ context.Context, id uuid.UUID) (*File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &f, nil
}

// snapshot must be called with m.mu held.
func (m *MemoryStore) snapshot(f File) {
	m.versions[f.ID] = append(m.versions[f.ID], FileVersion{
		ID:        uuid.New(),
		FileID:    f.ID,
		Version:   f.Version,
		Blob:      f.Blob,
		CreatedAt: m.now(),
	})
}

func (m *MemoryStore) ReplaceFileBlob(_ context.Context, id uuid.UUID, blob Blob) (*File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return nil, ErrNotFound
	}
	m.snapshot(f)
	f.Blob = blob
	f.Version++
	f.UpdatedAt = m.now()
	m.files[id] = f
	return &f, nil
}

func (m *MemoryStore) RestoreVersion(_ context.Context, fileID, versionID uuid.UUID) (*File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[fileID]
	if !ok {
		return nil, ErrNotFound
	}
	idx := slices.IndexFunc(m.versions[fileID], func(v FileVersion) bool { return v.ID == versionID })
	if idx < 0 {
		return nil, ErrNotFound
	}
	target := m.versions[fileID][idx]
	m.snapshot(f)
	f.Blob = target.Blob
	f.Version++
	f.UpdatedAt = m.now()
	m.files[fileID] = f
	return &f, nil
}

func (m *MemoryStore) ListVersions(_ context.Context, fileID uuid.UUID) ([]FileVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[fileID]; !ok {
		return nil, ErrNotFound
	}
	out := slices.Clone(m.versions[fileID])
	slices.Reverse(out)
	return out, nil
}

func (m *MemoryStore) DeleteFile(_ context.Context, id uuid.UUID) (*File, []FileVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return nil, nil, ErrNotFound
	}
	versions := m.versions[id]
	delete(m.files, id)
	delete(m.versions, id)
	return &f, versions, nil
}

func (m *MemoryStore) RecordDownload(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return ErrNotFound
	}
	now := m.now()
	f.DownloadCount++
	f.LastAccessed = &now
	m.files[id] = f
	return nil
}

// StorageUsed sums the sizes of owner's files.
func (m *MemoryStore) StorageUsed(_ context.Context, owner string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var used int64
	for _, f := range m.files {
		if f.OwnerID == owner {
			used += f.Size
		}
	}
	return used, nil
}

func (m *MemoryStore) SetPublic(_ context.Context, id uuid.UUID, public bool) (*File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return nil, ErrNotFound
	}
	f.IsPublic = public
	f.UpdatedAt = m.now()
	m.files[id] = f
	return &f, nil
}

func (m *MemoryStore) SaveSession(_ context.Context, s *UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) ListOpenSessions(_ context.Context) ([]*UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*UploadSession
	for _, s := range m.sessions {
		if !slices.Contains(TerminalStates, s.State) {
			out = append(out, s.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *UploadSession) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// Session returns the last saved copy of a session.
func (m *MemoryStore) Session(id uuid.UUID) (*UploadSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// FileCount returns the number of file records.
func (m *MemoryStore) FileCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files)
}

func (m *MemoryStore) CreateWebhook(_ context.Context, w *Webhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = m.now()
	}
	m.webhooks = append(m.webhooks, *w)
	return nil
}

func (m *MemoryStore) ListWebhooks(_ context.Context, owner string) ([]Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Webhook
	for _, w := range m.webhooks {
		if w.OwnerID == owner {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
