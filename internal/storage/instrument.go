package storage

import (
	"context"
	"iter"
	"time"

	"github.com/filora/filora/internal/metrics"
)

// Instrument wraps s so every call is timed and counted per backend.
func Instrument(s BlobStore) BlobStore {
	return &instrumented{BlobStore: s, kind: string(s.Kind())}
}

type instrumented struct {
	BlobStore
	kind string
}

func (i *instrumented) record(op string, start time.Time, err error) {
	metrics.RecordBlobOperation(i.kind, op, time.Since(start), err == nil)
}

func (i *instrumented) Create(ctx context.Context) (string, error) {
	start := time.Now()
	h, err := i.BlobStore.Create(ctx)
	i.record("create", start, err)
	return h, err
}

func (i *instrumented) Append(ctx context.Context, handle string, p []byte) (int, error) {
	start := time.Now()
	n, err := i.BlobStore.Append(ctx, handle, p)
	i.record("append", start, err)
	return n, err
}

func (i *instrumented) WriteAt(ctx context.Context, handle string, p []byte, off int64) (int, error) {
	start := time.Now()
	n, err := i.BlobStore.WriteAt(ctx, handle, p, off)
	i.record("write_at", start, err)
	return n, err
}

func (i *instrumented) ReadRange(ctx context.Context, handle string, start, end int64) iter.Seq2[Chunk, error] {
	seq := i.BlobStore.ReadRange(ctx, handle, start, end)
	return func(yield func(Chunk, error) bool) {
		began := time.Now()
		var failed error
		for c, err := range seq {
			if err != nil {
				failed = err
			}
			if !yield(c, err) {
				break
			}
		}
		i.record("read_range", began, failed)
	}
}

func (i *instrumented) Size(ctx context.Context, handle string) (int64, error) {
	start := time.Now()
	n, err := i.BlobStore.Size(ctx, handle)
	i.record("size", start, err)
	return n, err
}

func (i *instrumented) Delete(ctx context.Context, handle string) error {
	start := time.Now()
	err := i.BlobStore.Delete(ctx, handle)
	i.record("delete", start, err)
	return err
}
