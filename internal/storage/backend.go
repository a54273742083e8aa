// Package storage defines the BlobStore interface for content storage
// and a registry resolving a backend kind to its store.
package storage

import (
	"context"
	"iter"
)

// Kind identifies a blob backend. It is persisted with sessions and files.
type Kind string

const (
	KindLargeObject Kind = "large_object"
	KindObject      Kind = "object"
	KindLocal       Kind = "local"
)

// Valid reports whether k names a known backend.
func (k Kind) Valid() bool {
	switch k {
	case KindLargeObject, KindObject, KindLocal:
		return true
	}
	return false
}

// WriteMode tells the upload manager how a store accepts chunk data.
type WriteMode int

const (
	// ModeOffset stores accept WriteAt at any offset, in any order.
	ModeOffset WriteMode = iota
	// ModeAppend stores only grow at the end; chunks must arrive in order.
	ModeAppend
)

func (m WriteMode) String() string {
	if m == ModeAppend {
		return "append"
	}
	return "offset"
}

// Chunk is one piece of a ranged read. Offset is absolute within the blob.
type Chunk struct {
	Offset int64
	Data   []byte
}

// End returns the absolute offset one past the chunk's last byte.
func (c Chunk) End() int64 { return c.Offset + int64(len(c.Data)) }

// BlobStore is the interface for blob backends (Postgres large objects,
// S3 part objects, local files). Metadata lives elsewhere; a store only
// knows opaque handles. All failures are reported as *Error.
type BlobStore interface {
	// Kind returns the backend kind.
	Kind() Kind

	// WriteMode returns how chunks must be written to this store.
	WriteMode() WriteMode

	// Create allocates an empty blob and returns its handle.
	Create(ctx context.Context) (string, error)

	// Append writes p at the current end of the blob. Appends to the
	// same handle are serialized.
	Append(ctx context.Context, handle string, p []byte) (int, error)

	// WriteAt writes p at off, extending the blob as needed.
	WriteAt(ctx context.Context, handle string, p []byte, off int64) (int, error)

	// ReadRange yields the bytes [start, end] inclusive in ascending,
	// bounded chunks. The sequence is lazy; ranging over it again re-reads.
	// A read error is yielded once as the final element.
	ReadRange(ctx context.Context, handle string, start, end int64) iter.Seq2[Chunk, error]

	// Size returns the current length of the blob.
	Size(ctx context.Context, handle string) (int64, error)

	// Delete removes the blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, handle string) error

	// Close releases any resources held by the store.
	Close() error
}
