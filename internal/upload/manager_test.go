package upload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/filora/filora/internal/metadata"
	"github.com/filora/filora/internal/quota"
	"github.com/filora/filora/internal/storage"
	"github.com/filora/filora/internal/storage/storagetest"
)

const owner = "alice"

type recorded struct {
	owner, event string
	data         any
}

type recorder struct {
	mu     sync.Mutex
	events []recorded
}

func (r *recorder) Notify(_ context.Context, owner, event string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recorded{owner, event, data})
}

func (r *recorder) all() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.events...)
}

func newStore(kind storage.Kind) *storagetest.MemoryStore {
	mode := storage.ModeOffset
	if kind == storage.KindLargeObject {
		mode = storage.ModeAppend
	}
	s := storagetest.NewMemoryStore(kind, mode)
	s.SetReadChunkSize(64 << 10)
	return s
}

type fixture struct {
	m      *Manager
	repo   *metadata.MemoryStore
	reg    *storage.Registry
	events *recorder
	clock  time.Time
}

func newFixture(t *testing.T, policy Policy, stores ...storage.BlobStore) *fixture {
	t.Helper()
	f := &fixture{
		repo:   metadata.NewMemoryStore(),
		reg:    storage.NewRegistry(stores...),
		events: &recorder{},
		clock:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.m = f.manager(policy)
	return f
}

func (f *fixture) manager(policy Policy) *Manager {
	m := NewManager(Config{MaxUploadSize: 100 * mib, Policy: policy, IdleTimeout: time.Hour}, f.reg, f.repo, f.events)
	m.now = func() time.Time { return f.clock }
	return m
}

func smallChunks(size int64) Policy {
	p := testPolicy(false, false)
	p.ChunkSizeDefault = size
	return p
}

func payload(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)*31 + seed
	}
	return b
}

func (f *fixture) init(t *testing.T, size int64, mime string) *Status {
	t.Helper()
	st, err := f.m.Init(context.Background(), InitRequest{Owner: owner, Filename: "file.bin", Size: size, MimeType: mime})
	require.NoError(t, err)
	require.Equal(t, StateUploading, st.State)
	return st
}

// send uploads data split into chunkSize pieces in the given order.
func (f *fixture) send(t *testing.T, id uuid.UUID, data []byte, chunkSize int, order ...int) {
	t.Helper()
	for _, seq := range order {
		start := seq * chunkSize
		end := min(start+chunkSize, len(data))
		_, err := f.m.AcceptChunk(context.Background(), owner, id, ChunkInput{Sequence: seq, Data: data[start:end]})
		require.NoError(t, err, "chunk %d", seq)
	}
}

func TestLargeMediaUpload(t *testing.T) {
	lo := newStore(storage.KindLargeObject)
	f := newFixture(t, testPolicy(false, false), lo, newStore(storage.KindObject))
	ctx := context.Background()

	st := f.init(t, 15*mib, "video/mp4")
	assert.Equal(t, storage.KindLargeObject, st.BackendKind)
	assert.Equal(t, int64(5*mib), st.ChunkSize)
	assert.Equal(t, 3, st.TotalChunks)

	data := payload(15*mib, 7)
	for seq := range 3 {
		res, err := f.m.AcceptChunk(ctx, owner, st.ID, ChunkInput{Sequence: seq, TotalChunks: 3, Data: data[seq*5*mib : (seq+1)*5*mib]})
		require.NoError(t, err)
		assert.Equal(t, seq+1, res.ChunksAccepted)
	}

	file, err := f.m.Complete(ctx, owner, st.ID)
	require.NoError(t, err)
	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), file.Checksum)
	assert.Equal(t, metadata.FileReady, file.Status)
	assert.Equal(t, int64(15*mib), file.Size)
	assert.Equal(t, storage.KindLargeObject, file.Kind)
	assert.Equal(t, "video/mp4", file.MimeType)

	got, err := f.m.Status(ctx, owner, st.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
	assert.Equal(t, file.ID, *got.FileID)

	f.m.Wait()
	events := f.events.all()
	require.Len(t, events, 1)
	assert.Equal(t, EventUploadCompleted, events[0].event)
	assert.Equal(t, owner, events[0].owner)
}

func TestChecksumMatchesStoredBlob(t *testing.T) {
	store := newStore(storage.KindLocal)
	f := newFixture(t, smallChunks(64), store)
	data := payload(1000, 3)

	st := f.init(t, int64(len(data)), "application/octet-stream")
	order := make([]int, st.TotalChunks)
	for i := range order {
		order[i] = st.TotalChunks - 1 - i
	}
	f.send(t, st.ID, data, 64, order...)

	file, err := f.m.Complete(context.Background(), owner, st.ID)
	require.NoError(t, err)

	stored := storagetest.Collect(t, store, file.Handle, 0, file.Size-1)
	require.Equal(t, data, stored)
	sum := sha256.Sum256(stored)
	assert.Equal(t, hex.EncodeToString(sum[:]), file.Checksum)
}

func TestSizeMismatchFailsSession(t *testing.T) {
	store := newStore(storage.KindLocal)
	f := newFixture(t, testPolicy(false, false), store)
	ctx := context.Background()

	st := f.init(t, 1000, "text/plain")
	_, err := f.m.AcceptChunk(ctx, owner, st.ID, ChunkInput{Sequence: 0, Data: payload(900, 1)})
	require.NoError(t, err)

	_, err = f.m.Complete(ctx, owner, st.ID)
	var mismatch *SizeMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, int64(1000), mismatch.Expected)
	assert.Equal(t, int64(900), mismatch.Actual)
	assert.ErrorIs(t, err, ErrSizeMismatch)

	got, err := f.m.Status(ctx, owner, st.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Empty(t, store.Handles())
	assert.Zero(t, f.repo.FileCount())

	saved, ok := f.repo.Session(st.ID)
	require.True(t, ok)
	assert.Equal(t, string(StateFailed), saved.State)
	assert.Contains(t, saved.Error, "size mismatch")
}

func TestShortMultiChunkUploadFailsSession(t *testing.T) {
	for _, kind := range []storage.Kind{storage.KindLocal, storage.KindLargeObject} {
		t.Run(string(kind), func(t *testing.T) {
			store := newStore(kind)
			f := newFixture(t, smallChunks(100), store)
			ctx := context.Background()
			data := payload(1000, 4)

			st := f.init(t, 1000, "text/plain")
			f.send(t, st.ID, data, 100, 0, 1, 2, 3, 4, 5, 6, 7, 8)

			_, err := f.m.Complete(ctx, owner, st.ID)
			var mismatch *SizeMismatchError
			require.ErrorAs(t, err, &mismatch)
			assert.Equal(t, int64(1000), mismatch.Expected)
			assert.Equal(t, int64(900), mismatch.Actual)
			assert.Equal(t, []int{9}, mismatch.Missing)

			got, err := f.m.Status(ctx, owner, st.ID)
			require.NoError(t, err)
			assert.Equal(t, StateFailed, got.State)
			assert.Empty(t, store.Handles())
			assert.Zero(t, f.repo.FileCount())

			// The session is terminal: late chunks are refused.
			_, err = f.m.AcceptChunk(ctx, owner, st.ID, ChunkInput{Sequence: 9, Data: data[900:]})
			assert.ErrorIs(t, err, ErrInvalidState)
		})
	}
}

func TestGapInOffsetUploadFailsSession(t *testing.T) {
	store := newStore(storage.KindLocal)
	f := newFixture(t, smallChunks(100), store)
	ctx := context.Background()
	data := payload(300, 5)

	st := f.init(t, 300, "")
	f.send(t, st.ID, data, 100, 0, 2)

	_, err := f.m.Complete(ctx, owner, st.ID)
	var mismatch *SizeMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, int64(200), mismatch.Actual)
	assert.Equal(t, []int{1}, mismatch.Missing)
	assert.Contains(t, err.Error(), "missing chunks 1")
	assert.Empty(t, store.Handles())
}

func TestCancelReleasesBlob(t *testing.T) {
	store := newStore(storage.KindLocal)
	f := newFixture(t, smallChunks(100), store)
	ctx := context.Background()

	st := f.init(t, 500, "")
	require.Equal(t, 5, st.TotalChunks)
	data := payload(500, 9)
	f.send(t, st.ID, data, 100, 0, 1)

	require.NoError(t, f.m.Cancel(ctx, owner, st.ID))
	assert.Empty(t, store.Handles())

	_, err := f.m.AcceptChunk(ctx, owner, st.ID, ChunkInput{Sequence: 2, Data: data[200:300]})
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, f.m.Cancel(ctx, owner, st.ID), "cancel is a no-op once terminal")

	got, err := f.m.Status(ctx, owner, st.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State)
}

func TestResubmittedChunkIsNoop(t *testing.T) {
	store := newStore(storage.KindLocal)
	f := newFixture(t, smallChunks(100), store)
	ctx := context.Background()
	st := f.init(t, 250, "")
	data := payload(250, 2)

	first, err := f.m.AcceptChunk(ctx, owner, st.ID, ChunkInput{Sequence: 0, Data: data[:100]})
	require.NoError(t, err)
	second, err := f.m.AcceptChunk(ctx, owner, st.ID, ChunkInput{Sequence: 0, Data: data[:100]})
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.ChunksAccepted, second.ChunksAccepted)
	assert.Equal(t, first.BytesWritten, second.BytesWritten)
	assert.Equal(t, int64(100), second.BytesWritten)

	_, err = f.m.AcceptChunk(ctx, owner, st.ID, ChunkInput{Sequence: 0, Data: data[:99]})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := f.m.Status(ctx, owner, st.ID)
	require.NoError(t, err)
	assert.Equal(t, StateUploading, got.State)
	assert.Equal(t, []int{0}, got.Accepted)
	assert.Equal(t, []int{1, 2}, got.Missing)
}

func TestChunksNeverExceedDeclaredSize(t *testing.T) {
	store := newStore(storage.KindLocal)
	f := newFixture(t, smallChunks(100), store)
	ctx := context.Background()
	st := f.init(t, 250, "")
	h := store.Handles()[0]

	_, err := f.m.AcceptChunk(ctx, owner, st.ID, ChunkInput{Sequence: 2, Data: payload(51, 0)})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.m.AcceptChunk(ctx, owner, st.ID, ChunkInput{Sequence: 0, Data: payload(101, 0)})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.m.AcceptChunk(ctx, owner, st.ID, ChunkInput{Sequence: 1, Data: payload(40, 0)})
	assert.ErrorIs(t, err, ErrValidation, "non-final chunks must be full")

	_, err = f.m.AcceptChunk(ctx, owner, st.ID, ChunkInput{Sequence: 3, Data: payload(10, 0)})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.m.AcceptChunk(ctx, owner, st.ID, ChunkInput{Sequence: 0, TotalChunks: 4, Data: payload(100, 0)})
	assert.ErrorIs(t, err, ErrValidation)

	size, err := store.Size(ctx, h)
	require.NoError(t, err)
	assert.Zero(t, size)

	got, err := f.m.Status(ctx, owner, st.ID)
	require.NoError(t, err)
	assert.Equal(t, StateUploading, got.State)
	assert.Zero(t, got.BytesWritten)
}

func TestAppendStoreRequiresOrder(t *testing.T) {
	lo := newStore(storage.KindLargeObject)
	f := newFixture(t, smallChunks(100), lo)
	ctx := context.Background()
	st := f.init(t, 300, "")
	require.Equal(t, storage.KindLargeObject, st.BackendKind)
	data := payload(300, 4)

	_, err := f.m.AcceptChunk(ctx, owner, st.ID, ChunkInput{Sequence: 1, Data: data[100:200]})
	assert.ErrorIs(t, err, ErrOutOfOrderChunk)
	assert.ErrorIs(t, err, ErrConflict)

	f.send(t, st.ID, data, 100, 0, 1, 2)
	file, err := f.m.Complete(ctx, owner, st.ID)
	require.NoError(t, err)
	assert.Equal(t, data, lo.Bytes(file.Handle))
}

func TestOffsetStoreAcceptsAnyOrder(t *testing.T) {
	store := newStore(storage.KindObject)
	f := newFixture(t, smallChunks(100), store)
	data := payload(450, 5)

	st := f.init(t, 450, "")
	require.Equal(t, storage.KindObject, st.BackendKind)
	f.send(t, st.ID, data, 100, 4, 2, 0, 3, 1)

	file, err := f.m.Complete(context.Background(), owner, st.ID)
	require.NoError(t, err)
	assert.Equal(t, data, store.Bytes(file.Handle))
}

func TestStorageFailureFailsSession(t *testing.T) {
	store := newStore(storage.KindLocal)
	f := newFixture(t, smallChunks(100), store)
	ctx := context.Background()
	st := f.init(t, 300, "")
	data := payload(300, 6)
	f.send(t, st.ID, data, 100, 0)

	store.Fail("write_at", errors.New("disk full"))
	_, err := f.m.AcceptChunk(ctx, owner, st.ID, ChunkInput{Sequence: 1, Data: data[100:200]})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrStorage)
	store.Heal("write_at")

	got, err := f.m.Status(ctx, owner, st.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Contains(t, got.Error, "disk full")
	assert.Empty(t, store.Handles(), "partial blob must be released")

	_, err = f.m.AcceptChunk(ctx, owner, st.ID, ChunkInput{Sequence: 1, Data: data[100:200]})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCleanupFailureKeepsOriginalError(t *testing.T) {
	store := newStore(storage.KindLocal)
	f := newFixture(t, smallChunks(100), store)
	st := f.init(t, 100, "")

	store.Fail("write_at", errors.New("io timeout"))
	store.Fail("delete", errors.New("permission denied"))
	_, err := f.m.AcceptChunk(context.Background(), owner, st.ID, ChunkInput{Sequence: 0, Data: payload(100, 0)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "io timeout")
	assert.NotContains(t, err.Error(), "permission denied")
}

func TestCompleteNeedsAChunk(t *testing.T) {
	store := newStore(storage.KindLocal)
	f := newFixture(t, smallChunks(100), store)
	ctx := context.Background()
	st := f.init(t, 300, "")
	data := payload(300, 8)

	_, err := f.m.Complete(ctx, owner, st.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
	got, err := f.m.Status(ctx, owner, st.ID)
	require.NoError(t, err)
	assert.Equal(t, StateUploading, got.State)

	f.send(t, st.ID, data, 100, 2, 0, 1)
	file, err := f.m.Complete(ctx, owner, st.ID)
	require.NoError(t, err)

	again, err := f.m.Complete(ctx, owner, st.ID)
	require.NoError(t, err)
	assert.Equal(t, file.ID, again.ID)
	assert.Equal(t, 1, f.repo.FileCount())
}

func TestSessionsAreOwnerScoped(t *testing.T) {
	f := newFixture(t, smallChunks(100), newStore(storage.KindLocal))
	ctx := context.Background()
	st := f.init(t, 100, "")

	_, err := f.m.AcceptChunk(ctx, "mallory", st.ID, ChunkInput{Sequence: 0, Data: payload(100, 0)})
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.m.Status(ctx, "mallory", st.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, f.m.Cancel(ctx, "mallory", st.ID), ErrSessionNotFound)
	_, err = f.m.Complete(ctx, owner, uuid.New())
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestInitValidation(t *testing.T) {
	f := newFixture(t, testPolicy(false, false), newStore(storage.KindLocal))
	ctx := context.Background()

	mine := &metadata.Folder{OwnerID: owner, Name: "docs"}
	require.NoError(t, f.repo.CreateFolder(ctx, mine))
	theirs := &metadata.Folder{OwnerID: "bob", Name: "private"}
	require.NoError(t, f.repo.CreateFolder(ctx, theirs))
	foreign := &metadata.File{OwnerID: "bob", Name: "x", Status: metadata.FileReady}
	require.NoError(t, f.repo.CreateFile(ctx, foreign))
	missing := uuid.New()

	tests := []struct {
		name string
		req  InitRequest
		want error
	}{
		{"missing filename", InitRequest{Owner: owner, Filename: "  ", Size: 10}, ErrValidation},
		{"zero size", InitRequest{Owner: owner, Filename: "a", Size: 0}, ErrValidation},
		{"negative size", InitRequest{Owner: owner, Filename: "a", Size: -1}, ErrValidation},
		{"too large", InitRequest{Owner: owner, Filename: "a", Size: 100*mib + 1}, ErrTooLarge},
		{"unknown folder", InitRequest{Owner: owner, Filename: "a", Size: 10, FolderID: &missing}, ErrNotFound},
		{"foreign folder", InitRequest{Owner: owner, Filename: "a", Size: 10, FolderID: &theirs.ID}, ErrNotFound},
		{"foreign replace target", InitRequest{Owner: owner, Filename: "a", Size: 10, ReplaceFileID: &foreign.ID}, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.m.Init(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := f.m.Init(ctx, InitRequest{Owner: owner, Filename: "a", Size: 100*mib + 1})
	assert.ErrorIs(t, err, ErrValidation, "too large is a validation error")

	st, err := f.m.Init(ctx, InitRequest{Owner: owner, Filename: "a", Size: 10, FolderID: &mine.ID})
	require.NoError(t, err)
	assert.Equal(t, defaultMimeType, st.MimeType)
}

func TestInitChecksStorageQuota(t *testing.T) {
	store := newStore(storage.KindLocal)
	f := newFixture(t, testPolicy(false, false), store)
	ctx := context.Background()
	require.NoError(t, f.repo.CreateFile(ctx, &metadata.File{
		OwnerID: owner, Name: "old", Status: metadata.FileReady,
		Blob: metadata.Blob{Kind: storage.KindLocal, Handle: "h", Size: 900},
	}))
	m := NewManager(Config{
		MaxUploadSize: 100 * mib,
		Policy:        testPolicy(false, false),
		IdleTimeout:   time.Hour,
		Quota:         quota.NewStorageQuota(f.repo, 1000),
	}, f.reg, f.repo, f.events)

	_, err := m.Init(ctx, InitRequest{Owner: owner, Filename: "a", Size: 101})
	assert.ErrorIs(t, err, quota.ErrQuotaExceeded)
	assert.Empty(t, store.Handles(), "no blob is allocated for a rejected upload")

	_, err = m.Init(ctx, InitRequest{Owner: owner, Filename: "a", Size: 100})
	require.NoError(t, err)
	_, err = m.Init(ctx, InitRequest{Owner: "bob", Filename: "b", Size: 1000})
	require.NoError(t, err)
}

func TestInitReleasesBlobWhenSaveFails(t *testing.T) {
	store := newStore(storage.KindLocal)
	reg := storage.NewRegistry(store)
	m := NewManager(Config{MaxUploadSize: mib, Policy: testPolicy(false, false)}, reg, failingSaves{metadata.NewMemoryStore()}, nil)

	_, err := m.Init(context.Background(), InitRequest{Owner: owner, Filename: "a", Size: 10})
	require.Error(t, err)
	assert.Empty(t, store.Handles())
}

type failingSaves struct{ *metadata.MemoryStore }

func (failingSaves) SaveSession(context.Context, *metadata.UploadSession) error {
	return errors.New("database is down")
}

func TestReplaceFileCreatesVersion(t *testing.T) {
	store := newStore(storage.KindLocal)
	f := newFixture(t, smallChunks(100), store)
	ctx := context.Background()

	st := f.init(t, 100, "text/plain")
	f.send(t, st.ID, payload(100, 1), 100, 0)
	original, err := f.m.Complete(ctx, owner, st.ID)
	require.NoError(t, err)

	next, err := f.m.Init(ctx, InitRequest{Owner: owner, Filename: "file.bin", Size: 50, ReplaceFileID: &original.ID})
	require.NoError(t, err)
	f.send(t, next.ID, payload(50, 2), 100, 0)
	replaced, err := f.m.Complete(ctx, owner, next.ID)
	require.NoError(t, err)

	assert.Equal(t, original.ID, replaced.ID)
	assert.Equal(t, 2, replaced.Version)
	assert.Equal(t, int64(50), replaced.Size)

	versions, err := f.repo.ListVersions(ctx, original.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, original.Checksum, versions[0].Checksum)
	assert.Len(t, store.Handles(), 2, "the old blob stays referenced by the version")
}

func TestRestoreResumesOrFailsSessions(t *testing.T) {
	lo := newStore(storage.KindLargeObject)
	f := newFixture(t, smallChunks(100), lo)
	ctx := context.Background()
	data := payload(200, 3)

	good := f.init(t, 200, "")
	f.send(t, good.ID, data, 100, 0)

	diverged := f.init(t, 200, "")
	f.send(t, diverged.ID, data, 100, 0)
	saved, ok := f.repo.Session(diverged.ID)
	require.True(t, ok)
	_, err := lo.Append(ctx, saved.BlobHandle, []byte("torn write"))
	require.NoError(t, err)

	stuck := f.init(t, 100, "")
	f.send(t, stuck.ID, data[:100], 100, 0)
	rec, ok := f.repo.Session(stuck.ID)
	require.True(t, ok)
	rec.State = string(StateProcessing)
	require.NoError(t, f.repo.SaveSession(ctx, rec))

	m2 := f.manager(smallChunks(100))
	n, err := m2.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := m2.Status(ctx, owner, diverged.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.False(t, lo.Exists(saved.BlobHandle))

	got, err = m2.Status(ctx, owner, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.False(t, lo.Exists(rec.BlobHandle))

	got, err = m2.Status(ctx, owner, good.ID)
	require.NoError(t, err)
	assert.Equal(t, StateUploading, got.State)
	assert.Equal(t, []int{0}, got.Accepted)
	assert.Equal(t, int64(100), got.BytesWritten)

	_, err = m2.AcceptChunk(ctx, owner, good.ID, ChunkInput{Sequence: 1, Data: data[100:]})
	require.NoError(t, err)
	file, err := m2.Complete(ctx, owner, good.ID)
	require.NoError(t, err)
	assert.Equal(t, data, lo.Bytes(file.Handle))
}

func activeSessions(t *testing.T) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "filora_upload_sessions_active" {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatal("filora_upload_sessions_active not registered")
	return 0
}

func TestRestoreKeepsActiveSessionGauge(t *testing.T) {
	lo := newStore(storage.KindLargeObject)
	f := newFixture(t, smallChunks(100), lo)
	ctx := context.Background()
	data := payload(200, 6)

	good := f.init(t, 200, "")
	f.send(t, good.ID, data, 100, 0)
	torn := f.init(t, 200, "")
	f.send(t, torn.ID, data, 100, 0)
	saved, ok := f.repo.Session(torn.ID)
	require.True(t, ok)
	_, err := lo.Append(ctx, saved.BlobHandle, []byte("x"))
	require.NoError(t, err)

	before := activeSessions(t)
	m2 := f.manager(smallChunks(100))
	_, err = m2.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, before+1, activeSessions(t), "only the resumable session counts as active")

	require.NoError(t, m2.Cancel(ctx, owner, good.ID))
	assert.Equal(t, before, activeSessions(t))
}

func TestRestoreFailsTruncatedOffsetBlob(t *testing.T) {
	store := newStore(storage.KindLocal)
	f := newFixture(t, smallChunks(100), store)
	ctx := context.Background()
	data := payload(300, 7)

	intact := f.init(t, 300, "")
	f.send(t, intact.ID, data, 100, 0, 2)

	short := f.init(t, 300, "")
	f.send(t, short.ID, data, 100, 0, 2)
	saved, ok := f.repo.Session(short.ID)
	require.True(t, ok)
	store.Truncate(saved.BlobHandle, 250)

	m2 := f.manager(smallChunks(100))
	n, err := m2.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := m2.Status(ctx, owner, short.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Contains(t, got.Error, "accepted chunks reach 300")
	assert.False(t, store.Exists(saved.BlobHandle))

	got, err = m2.Status(ctx, owner, intact.ID)
	require.NoError(t, err)
	assert.Equal(t, StateUploading, got.State)
	_, err = m2.AcceptChunk(ctx, owner, intact.ID, ChunkInput{Sequence: 1, Data: data[100:200]})
	require.NoError(t, err)
	file, err := m2.Complete(ctx, owner, intact.ID)
	require.NoError(t, err)
	assert.Equal(t, data, store.Bytes(file.Handle))
}

func TestRestoreFailsSessionsOnMissingBackend(t *testing.T) {
	f := newFixture(t, smallChunks(100), newStore(storage.KindObject))
	ctx := context.Background()
	st := f.init(t, 100, "")

	f.reg = storage.NewRegistry(newStore(storage.KindLocal))
	m2 := f.manager(smallChunks(100))
	n, err := m2.Restore(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	saved, ok := f.repo.Session(st.ID)
	require.True(t, ok)
	assert.Equal(t, string(StateFailed), saved.State)
}

func TestExpireIdle(t *testing.T) {
	store := newStore(storage.KindLocal)
	f := newFixture(t, smallChunks(100), store)
	ctx := context.Background()

	idle := f.init(t, 200, "")
	f.send(t, idle.ID, payload(200, 0), 100, 0)

	f.clock = f.clock.Add(50 * time.Minute)
	active := f.init(t, 200, "")
	assert.Zero(t, f.m.ExpireIdle(ctx))

	f.clock = f.clock.Add(20 * time.Minute)
	assert.Equal(t, 1, f.m.ExpireIdle(ctx))

	got, err := f.m.Status(ctx, owner, idle.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Contains(t, got.Error, "expired")
	assert.Len(t, store.Handles(), 1)

	got, err = f.m.Status(ctx, owner, active.ID)
	require.NoError(t, err)
	assert.Equal(t, StateUploading, got.State)

	f.clock = f.clock.Add(2 * time.Hour)
	assert.Equal(t, 1, f.m.ExpireIdle(ctx))
	_, err = f.m.Status(ctx, owner, idle.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound, "terminal sessions are evicted")
}

func TestConcurrentChunksSerialize(t *testing.T) {
	store := newStore(storage.KindLocal)
	f := newFixture(t, smallChunks(64), store)
	data := payload(64*32, 1)
	st := f.init(t, int64(len(data)), "")

	var g errgroup.Group
	for seq := range st.TotalChunks {
		g.Go(func() error {
			chunk := data[seq*64 : (seq+1)*64]
			_, err := f.m.AcceptChunk(context.Background(), owner, st.ID, ChunkInput{Sequence: seq, Data: chunk})
			return err
		})
		g.Go(func() error {
			chunk := data[seq*64 : (seq+1)*64]
			_, err := f.m.AcceptChunk(context.Background(), owner, st.ID, ChunkInput{Sequence: seq, Data: chunk})
			return err
		})
	}
	require.NoError(t, g.Wait())

	got, err := f.m.Status(context.Background(), owner, st.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), got.BytesWritten)

	file, err := f.m.Complete(context.Background(), owner, st.ID)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, store.Bytes(file.Handle)))
}

func TestCancelWaitsForInflightChunk(t *testing.T) {
	store := newStore(storage.KindLocal)
	f := newFixture(t, smallChunks(100), store)
	ctx := context.Background()
	st := f.init(t, 200, "")

	cancelled := make(chan error, 1)
	var once sync.Once
	store.BeforeWrite = func(string) {
		once.Do(func() {
			go func() { cancelled <- f.m.Cancel(ctx, owner, st.ID) }()
		})
	}

	_, err := f.m.AcceptChunk(ctx, owner, st.ID, ChunkInput{Sequence: 0, Data: payload(100, 0)})
	require.NoError(t, err)
	require.NoError(t, <-cancelled)

	got, err := f.m.Status(ctx, owner, st.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State)
	assert.Empty(t, store.Handles())

	_, err = f.m.AcceptChunk(ctx, owner, st.ID, ChunkInput{Sequence: 1, Data: payload(100, 0)})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCancelledContextFailsSession(t *testing.T) {
	store := newStore(storage.KindLocal)
	f := newFixture(t, smallChunks(100), store)
	st := f.init(t, 200, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.m.AcceptChunk(ctx, owner, st.ID, ChunkInput{Sequence: 0, Data: payload(100, 0)})
	assert.ErrorIs(t, err, context.Canceled)

	got, err := f.m.Status(context.Background(), owner, st.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Empty(t, store.Handles())
}
