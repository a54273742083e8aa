package rangeread

import (
	"context"
	"fmt"
	"io"
	"iter"

	"github.com/filora/filora/internal/storage"
)

// Window yields exactly the bytes of r from the blob, in order. Backend
// chunks are trimmed by their absolute offsets, so a store that returns
// block-aligned chunks still produces an exact window.
func Window(ctx context.Context, store storage.BlobStore, handle string, r Range) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		next := r.Start
		for c, err := range store.ReadRange(ctx, handle, r.Start, r.End) {
			if err != nil {
				yield(nil, err)
				return
			}
			lo := max(c.Offset, next)
			hi := min(c.End(), r.End+1)
			if lo >= hi {
				continue
			}
			if lo != next {
				yield(nil, fmt.Errorf("blob %s: gap at offset %d: %w", handle, next, io.ErrUnexpectedEOF))
				return
			}
			if !yield(c.Data[lo-c.Offset:hi-c.Offset], nil) {
				return
			}
			next = hi
		}
		if next != r.End+1 {
			yield(nil, fmt.Errorf("blob %s: short read, got %d of %d bytes: %w",
				handle, next-r.Start, r.Length(), io.ErrUnexpectedEOF))
		}
	}
}

// Copy writes the window to w and returns the number of bytes written.
func Copy(ctx context.Context, w io.Writer, store storage.BlobStore, handle string, r Range) (int64, error) {
	var written int64
	for data, err := range Window(ctx, store, handle, r) {
		if err != nil {
			return written, err
		}
		n, err := w.Write(data)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
