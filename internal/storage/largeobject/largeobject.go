// Package largeobject stores blobs as PostgreSQL large objects through pgx.
//
// Handles are large object OIDs in decimal. Every write runs in its own
// transaction holding a transaction-scoped advisory lock on the OID, so a
// crash mid-write rolls back and concurrent writers on other server
// instances are serialized too.
package largeobject

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/filora/filora/internal/storage"
)

// DefaultReadBufferSize bounds each chunk yielded by ReadRange.
const DefaultReadBufferSize = 64 * 1024

// lockNamespace is the first key of the two-key advisory lock.
const lockNamespace = 0x0F11_0BA5

// undefinedObject is the SQLSTATE for a missing large object.
const undefinedObject = "42704"

// Config holds large object store settings.
type Config struct {
	DatabaseURL    string
	MaxConns       int32
	ReadBufferSize int
}

// Store implements storage.BlobStore on pg_largeobject.
type Store struct {
	pool    *pgxpool.Pool
	ownPool bool
	bufSize int
	locks   storage.HandleLocks
}

var _ storage.BlobStore = (*Store)(nil)

// New opens a dedicated pgx pool and returns a Store using it.
func New(ctx context.Context, cfg Config) (*Store, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := NewWithPool(pool, cfg.ReadBufferSize)
	s.ownPool = true
	return s, nil
}

// NewWithPool returns a Store on an existing pool. The caller keeps
// ownership of the pool.
func NewWithPool(pool *pgxpool.Pool, readBufferSize int) *Store {
	if readBufferSize <= 0 {
		readBufferSize = DefaultReadBufferSize
	}
	return &Store{pool: pool, bufSize: readBufferSize}
}

// Kind returns storage.KindLargeObject.
func (s *Store) Kind() storage.Kind { return storage.KindLargeObject }

// WriteMode returns storage.ModeAppend. WriteAt works, but the upload
// manager feeds large objects strictly in order.
func (s *Store) WriteMode() storage.WriteMode { return storage.ModeAppend }

// Close closes the pool when the store opened it.
func (s *Store) Close() error {
	if s.ownPool {
		s.pool.Close()
	}
	return nil
}

func (s *Store) fail(op, handle string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == undefinedObject {
		err = fmt.Errorf("%w: %v", storage.ErrBlobNotFound, err)
	}
	return storage.Wrap(storage.KindLargeObject, op, handle, err)
}

func parseHandle(handle string) (uint32, error) {
	oid, err := strconv.ParseUint(handle, 10, 32)
	if err != nil || oid == 0 {
		return 0, fmt.Errorf("%w: malformed handle", storage.ErrBlobNotFound)
	}
	return uint32(oid), nil
}

// Create allocates a new, empty large object.
func (s *Store) Create(ctx context.Context) (string, error) {
	var oid uint32
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		los := tx.LargeObjects()
		var err error
		oid, err = los.Create(ctx, 0)
		return err
	})
	if err != nil {
		return "", s.fail("create", "", err)
	}
	return strconv.FormatUint(uint64(oid), 10), nil
}

// Append seeks to the end and writes p in one transaction.
func (s *Store) Append(ctx context.Context, handle string, p []byte) (int, error) {
	n, err := s.write(ctx, handle, p, -1)
	if err != nil {
		return 0, s.fail("append", handle, err)
	}
	return n, nil
}

// WriteAt writes p at off in one transaction.
func (s *Store) WriteAt(ctx context.Context, handle string, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, s.fail("write_at", handle, fmt.Errorf("negative offset %d", off))
	}
	n, err := s.write(ctx, handle, p, off)
	if err != nil {
		return 0, s.fail("write_at", handle, err)
	}
	return n, nil
}

// write appends when off is negative. A failed write reports zero bytes:
// the transaction rolled back, so nothing landed.
func (s *Store) write(ctx context.Context, handle string, p []byte, off int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	oid, err := parseHandle(handle)
	if err != nil {
		return 0, err
	}

	unlock := s.locks.Lock(handle)
	defer unlock()

	var n int
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1::int4, $2::int4)", int32(lockNamespace), int32(oid)); err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}
		los := tx.LargeObjects()
		obj, err := los.Open(ctx, oid, pgx.LargeObjectModeWrite)
		if err != nil {
			return err
		}
		defer obj.Close()

		if off < 0 {
			_, err = obj.Seek(0, io.SeekEnd)
		} else {
			_, err = obj.Seek(off, io.SeekStart)
		}
		if err != nil {
			return fmt.Errorf("seek: %w", err)
		}
		n, err = obj.Write(p)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Size seeks to the end of the object.
func (s *Store) Size(ctx context.Context, handle string) (int64, error) {
	oid, err := parseHandle(handle)
	if err != nil {
		return 0, s.fail("size", handle, err)
	}
	var size int64
	err = pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		los := tx.LargeObjects()
		obj, err := los.Open(ctx, oid, pgx.LargeObjectModeRead)
		if err != nil {
			return err
		}
		defer obj.Close()
		size, err = obj.Seek(0, io.SeekEnd)
		return err
	})
	if err != nil {
		return 0, s.fail("size", handle, err)
	}
	return size, nil
}

// ReadRange reads [start, end] inside one read-only transaction, yielding
// pieces of at most bufSize bytes.
func (s *Store) ReadRange(ctx context.Context, handle string, start, end int64) iter.Seq2[storage.Chunk, error] {
	if err := storage.CheckRange(storage.KindLargeObject, handle, start, end); err != nil {
		return storage.FailedRead(err)
	}
	return func(yield func(storage.Chunk, error) bool) {
		oid, err := parseHandle(handle)
		if err != nil {
			yield(storage.Chunk{}, s.fail("read", handle, err))
			return
		}
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
		if err != nil {
			yield(storage.Chunk{}, s.fail("read", handle, err))
			return
		}
		defer tx.Rollback(context.WithoutCancel(ctx))

		los := tx.LargeObjects()
		obj, err := los.Open(ctx, oid, pgx.LargeObjectModeRead)
		if err != nil {
			yield(storage.Chunk{}, s.fail("read", handle, err))
			return
		}
		size, err := obj.Seek(0, io.SeekEnd)
		if err != nil {
			yield(storage.Chunk{}, s.fail("read", handle, err))
			return
		}
		if end >= size {
			yield(storage.Chunk{}, s.fail("read", handle,
				fmt.Errorf("%w: end %d beyond size %d", storage.ErrInvalidRange, end, size)))
			return
		}
		if _, err := obj.Seek(start, io.SeekStart); err != nil {
			yield(storage.Chunk{}, s.fail("read", handle, err))
			return
		}

		off := start
		for off <= end {
			want := min(int64(s.bufSize), end-off+1)
			buf := make([]byte, want)
			n, err := obj.Read(buf)
			// pgx reports io.EOF together with the final bytes.
			if err != nil && !(errors.Is(err, io.EOF) && int64(n) == want) {
				if errors.Is(err, io.EOF) {
					err = fmt.Errorf("short read at %d: %w", off+int64(n), io.ErrUnexpectedEOF)
				}
				yield(storage.Chunk{}, s.fail("read", handle, err))
				return
			}
			if !yield(storage.Chunk{Offset: off, Data: buf}, nil) {
				return
			}
			off += want
		}
	}
}

// Delete unlinks the object. A missing object is not an error.
func (s *Store) Delete(ctx context.Context, handle string) error {
	oid, err := parseHandle(handle)
	if err != nil {
		return nil
	}
	unlock := s.locks.Lock(handle)
	defer unlock()

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		los := tx.LargeObjects()
		return los.Unlink(ctx, oid)
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == undefinedObject {
			return nil
		}
		return s.fail("delete", handle, err)
	}
	return nil
}
