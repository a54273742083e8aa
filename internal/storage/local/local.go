// Package local provides a local filesystem blob store.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"

	"github.com/oklog/ulid/v2"

	"github.com/filora/filora/internal/storage"
)

// DefaultReadBufferSize bounds each chunk yielded by ReadRange.
const DefaultReadBufferSize = 64 * 1024

// Config holds local filesystem store settings.
type Config struct {
	RootPath       string
	CreateDirs     bool
	ReadBufferSize int
}

// Store implements storage.BlobStore with one file per blob. Handles are
// ULIDs; files are sharded as blobs/<xx>/<yy>/<ulid>.bin.
type Store struct {
	rootPath string
	bufSize  int
	locks    storage.HandleLocks
}

var _ storage.BlobStore = (*Store)(nil)

// New creates a new local filesystem store.
func New(cfg Config) (*Store, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.RootPath, 0o755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	bufSize := cfg.ReadBufferSize
	if bufSize <= 0 {
		bufSize = DefaultReadBufferSize
	}
	return &Store{rootPath: cfg.RootPath, bufSize: bufSize}, nil
}

// Kind returns storage.KindLocal.
func (s *Store) Kind() storage.Kind { return storage.KindLocal }

// WriteMode returns storage.ModeOffset.
func (s *Store) WriteMode() storage.WriteMode { return storage.ModeOffset }

// Close is a no-op for local stores.
func (s *Store) Close() error { return nil }

func (s *Store) fail(op, handle string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		err = fmt.Errorf("%w: %v", storage.ErrBlobNotFound, err)
	}
	return storage.Wrap(storage.KindLocal, op, handle, err)
}

// pathFor maps a handle to its file. Only well-formed ULIDs are accepted,
// so a handle can never escape the root.
func (s *Store) pathFor(handle string) (string, error) {
	id, err := ulid.ParseStrict(handle)
	if err != nil {
		return "", fmt.Errorf("%w: malformed handle", storage.ErrBlobNotFound)
	}
	name := id.String()
	// Shard on the random tail; the head is a timestamp.
	a, b := name[len(name)-4:len(name)-2], name[len(name)-2:]
	return filepath.Join(s.rootPath, "blobs", a, b, name+".bin"), nil
}

// Create allocates an empty file for a new ULID handle.
func (s *Store) Create(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", s.fail("create", "", err)
	}
	handle := ulid.Make().String()
	path, err := s.pathFor(handle)
	if err != nil {
		return "", s.fail("create", handle, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", s.fail("create", handle, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", s.fail("create", handle, err)
	}
	if err := f.Close(); err != nil {
		return "", s.fail("create", handle, err)
	}
	return handle, nil
}

// Append writes p at the end of the file.
func (s *Store) Append(ctx context.Context, handle string, p []byte) (int, error) {
	unlock := s.locks.Lock(handle)
	defer unlock()

	size, err := s.size(handle)
	if err != nil {
		return 0, s.fail("append", handle, err)
	}
	n, err := s.writeAt(ctx, handle, p, size)
	if err != nil {
		return n, s.fail("append", handle, err)
	}
	return n, nil
}

// WriteAt writes p at off. Writing past the end leaves a sparse gap that
// reads back as zeros.
func (s *Store) WriteAt(ctx context.Context, handle string, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, s.fail("write_at", handle, fmt.Errorf("negative offset %d", off))
	}
	unlock := s.locks.Lock(handle)
	defer unlock()

	n, err := s.writeAt(ctx, handle, p, off)
	if err != nil {
		return n, s.fail("write_at", handle, err)
	}
	return n, nil
}

func (s *Store) writeAt(ctx context.Context, handle string, p []byte, off int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	path, err := s.pathFor(handle)
	if err != nil {
		return 0, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return 0, err
	}
	n, err := f.WriteAt(p, off)
	if err != nil {
		f.Close()
		return n, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return n, err
	}
	return n, f.Close()
}

// Size returns the file length.
func (s *Store) Size(ctx context.Context, handle string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, s.fail("size", handle, err)
	}
	n, err := s.size(handle)
	if err != nil {
		return 0, s.fail("size", handle, err)
	}
	return n, nil
}

func (s *Store) size(handle string) (int64, error) {
	path, err := s.pathFor(handle)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// ReadRange streams [start, end] from the file in bufSize pieces.
func (s *Store) ReadRange(ctx context.Context, handle string, start, end int64) iter.Seq2[storage.Chunk, error] {
	if err := storage.CheckRange(storage.KindLocal, handle, start, end); err != nil {
		return storage.FailedRead(err)
	}
	return func(yield func(storage.Chunk, error) bool) {
		path, err := s.pathFor(handle)
		if err != nil {
			yield(storage.Chunk{}, s.fail("read", handle, err))
			return
		}
		f, err := os.Open(path)
		if err != nil {
			yield(storage.Chunk{}, s.fail("read", handle, err))
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			yield(storage.Chunk{}, s.fail("read", handle, err))
			return
		}
		if end >= info.Size() {
			yield(storage.Chunk{}, s.fail("read", handle,
				fmt.Errorf("%w: end %d beyond size %d", storage.ErrInvalidRange, end, info.Size())))
			return
		}

		off := start
		for off <= end {
			if err := ctx.Err(); err != nil {
				yield(storage.Chunk{}, s.fail("read", handle, err))
				return
			}
			n := min(int64(s.bufSize), end-off+1)
			buf := make([]byte, n)
			read, err := f.ReadAt(buf, off)
			if err != nil && !(errors.Is(err, io.EOF) && int64(read) == n) {
				yield(storage.Chunk{}, s.fail("read", handle, err))
				return
			}
			if !yield(storage.Chunk{Offset: off, Data: buf}, nil) {
				return
			}
			off += n
		}
	}
}

// Delete removes the file. A missing file is not an error.
func (s *Store) Delete(ctx context.Context, handle string) error {
	if err := ctx.Err(); err != nil {
		return s.fail("delete", handle, err)
	}
	path, err := s.pathFor(handle)
	if err != nil {
		// A malformed handle cannot name an existing blob.
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return s.fail("delete", handle, err)
	}
	return nil
}
