// Package storagetest provides an in-memory BlobStore with fault injection
// and a conformance suite every BlobStore implementation must pass.
package storagetest

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"strconv"
	"sync"

	"github.com/filora/filora/internal/storage"
)

// MemoryStore is a BlobStore backed by a map. Faults can be injected per
// operation ("create", "append", "write_at", "read", "size", "delete").
type MemoryStore struct {
	mu        sync.Mutex
	kind      storage.Kind
	mode      storage.WriteMode
	blobs     map[string][]byte
	next      int
	chunkSize int
	faults    map[string]error
	closed    bool

	// BeforeWrite, when set, runs inside Append/WriteAt before data lands.
	BeforeWrite func(handle string)
}

var _ storage.BlobStore = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store reporting kind and mode.
func NewMemoryStore(kind storage.Kind, mode storage.WriteMode) *MemoryStore {
	return &MemoryStore{
		kind:      kind,
		mode:      mode,
		blobs:     make(map[string][]byte),
		chunkSize: 4,
		faults:    make(map[string]error),
	}
}

// SetReadChunkSize sets the size of chunks yielded by ReadRange.
func (m *MemoryStore) SetReadChunkSize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunkSize = n
}

// Fail makes every later call of op fail with err until Heal.
func (m *MemoryStore) Fail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = err
}

// Heal clears the fault for op.
func (m *MemoryStore) Heal(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.faults, op)
}

// Exists reports whether handle currently holds a blob.
func (m *MemoryStore) Exists(handle string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[handle]
	return ok
}

// Bytes returns a copy of the blob contents.
func (m *MemoryStore) Bytes(handle string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.blobs[handle]...)
}

// Truncate cuts the blob to n bytes, simulating storage lost behind the
// store's back.
func (m *MemoryStore) Truncate(handle string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.blobs[handle]; ok && n < len(b) {
		m.blobs[handle] = b[:n]
	}
}

// Handles returns every live handle, sorted.
func (m *MemoryStore) Handles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.blobs))
	for h := range m.blobs {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// Closed reports whether Close was called.
func (m *MemoryStore) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MemoryStore) Kind() storage.Kind           { return m.kind }
func (m *MemoryStore) WriteMode() storage.WriteMode { return m.mode }

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// check must be called with m.mu held.
func (m *MemoryStore) check(ctx context.Context, op, handle string) error {
	if err := ctx.Err(); err != nil {
		return storage.Wrap(m.kind, op, handle, err)
	}
	if err := m.faults[op]; err != nil {
		return storage.Wrap(m.kind, op, handle, err)
	}
	return nil
}

func (m *MemoryStore) notFound(op, handle string) error {
	return storage.Wrap(m.kind, op, handle, storage.ErrBlobNotFound)
}

func (m *MemoryStore) Create(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "create", ""); err != nil {
		return "", err
	}
	m.next++
	h := strconv.Itoa(m.next)
	m.blobs[h] = []byte{}
	return h, nil
}

func (m *MemoryStore) Append(ctx context.Context, handle string, p []byte) (int, error) {
	if m.BeforeWrite != nil {
		m.BeforeWrite(handle)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "append", handle); err != nil {
		return 0, err
	}
	b, ok := m.blobs[handle]
	if !ok {
		return 0, m.notFound("append", handle)
	}
	m.blobs[handle] = append(b, p...)
	return len(p), nil
}

func (m *MemoryStore) WriteAt(ctx context.Context, handle string, p []byte, off int64) (int, error) {
	if m.BeforeWrite != nil {
		m.BeforeWrite(handle)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "write_at", handle); err != nil {
		return 0, err
	}
	b, ok := m.blobs[handle]
	if !ok {
		return 0, m.notFound("write_at", handle)
	}
	if off < 0 {
		return 0, storage.Wrap(m.kind, "write_at", handle, fmt.Errorf("negative offset %d", off))
	}
	if need := off + int64(len(p)); need > int64(len(b)) {
		grown := make([]byte, need)
		copy(grown, b)
		b = grown
	}
	copy(b[off:], p)
	m.blobs[handle] = b
	return len(p), nil
}

func (m *MemoryStore) ReadRange(ctx context.Context, handle string, start, end int64) iter.Seq2[storage.Chunk, error] {
	if err := storage.CheckRange(m.kind, handle, start, end); err != nil {
		return storage.FailedRead(err)
	}
	return func(yield func(storage.Chunk, error) bool) {
		m.mu.Lock()
		err := m.check(ctx, "read", handle)
		b, ok := m.blobs[handle]
		b = append([]byte(nil), b...)
		chunkSize := int64(m.chunkSize)
		m.mu.Unlock()

		switch {
		case err != nil:
			yield(storage.Chunk{}, err)
			return
		case !ok:
			yield(storage.Chunk{}, m.notFound("read", handle))
			return
		case end >= int64(len(b)):
			yield(storage.Chunk{}, storage.Wrap(m.kind, "read", handle,
				fmt.Errorf("%w: end %d beyond size %d", storage.ErrInvalidRange, end, len(b))))
			return
		}

		for off := start; off <= end; off += chunkSize {
			if err := ctx.Err(); err != nil {
				yield(storage.Chunk{}, storage.Wrap(m.kind, "read", handle, err))
				return
			}
			stop := min(off+chunkSize, end+1)
			if !yield(storage.Chunk{Offset: off, Data: b[off:stop]}, nil) {
				return
			}
		}
	}
}

func (m *MemoryStore) Size(ctx context.Context, handle string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "size", handle); err != nil {
		return 0, err
	}
	b, ok := m.blobs[handle]
	if !ok {
		return 0, m.notFound("size", handle)
	}
	return int64(len(b)), nil
}

func (m *MemoryStore) Delete(ctx context.Context, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "delete", handle); err != nil {
		return err
	}
	delete(m.blobs, handle)
	return nil
}
