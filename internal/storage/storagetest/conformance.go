package storagetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/filora/filora/internal/storage"
)

// Collect drains a ranged read into one buffer. It fails the test when
// chunks are out of order, overlap, or leave gaps.
func Collect(t testing.TB, store storage.BlobStore, handle string, start, end int64) []byte {
	t.Helper()
	var buf bytes.Buffer
	next := start
	for c, err := range store.ReadRange(context.Background(), handle, start, end) {
		require.NoError(t, err)
		require.Equal(t, next, c.Offset, "chunk offsets must be ascending and contiguous")
		buf.Write(c.Data)
		next = c.End()
	}
	require.Equal(t, end+1, next, "read must cover the whole window")
	return buf.Bytes()
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return b
}

// RunConformance exercises the BlobStore contract against stores built by
// newStore. Each subtest gets a fresh store.
func RunConformance(t *testing.T, newStore func(t *testing.T) storage.BlobStore) {
	ctx := context.Background()

	t.Run("CreateIsEmpty", func(t *testing.T) {
		s := newStore(t)
		h, err := s.Create(ctx)
		require.NoError(t, err)
		require.NotEmpty(t, h)

		size, err := s.Size(ctx, h)
		require.NoError(t, err)
		assert.Zero(t, size)
	})

	t.Run("AppendGrowsBlob", func(t *testing.T) {
		s := newStore(t)
		h, err := s.Create(ctx)
		require.NoError(t, err)

		n, err := s.Append(ctx, h, []byte("hello"))
		require.NoError(t, err)
		assert.Equal(t, 5, n)
		_, err = s.Append(ctx, h, []byte(" world"))
		require.NoError(t, err)

		size, err := s.Size(ctx, h)
		require.NoError(t, err)
		assert.Equal(t, int64(11), size)
		assert.Equal(t, "hello world", string(Collect(t, s, h, 0, 10)))
	})

	t.Run("WriteAtAnyOrder", func(t *testing.T) {
		s := newStore(t)
		if s.WriteMode() != storage.ModeOffset {
			t.Skip("store is append-only")
		}
		h, err := s.Create(ctx)
		require.NoError(t, err)

		data := pattern(12)
		_, err = s.WriteAt(ctx, h, data[8:], 8)
		require.NoError(t, err)
		_, err = s.WriteAt(ctx, h, data[:4], 0)
		require.NoError(t, err)
		_, err = s.WriteAt(ctx, h, data[4:8], 4)
		require.NoError(t, err)

		size, err := s.Size(ctx, h)
		require.NoError(t, err)
		assert.Equal(t, int64(12), size)
		assert.Equal(t, data, Collect(t, s, h, 0, 11))
	})

	t.Run("RewriteSameOffset", func(t *testing.T) {
		s := newStore(t)
		if s.WriteMode() != storage.ModeOffset {
			t.Skip("store is append-only")
		}
		h, err := s.Create(ctx)
		require.NoError(t, err)

		_, err = s.WriteAt(ctx, h, []byte("abcd"), 0)
		require.NoError(t, err)
		_, err = s.WriteAt(ctx, h, []byte("wxyz"), 0)
		require.NoError(t, err)
		assert.Equal(t, "wxyz", string(Collect(t, s, h, 0, 3)))
	})

	t.Run("EveryRangeWindow", func(t *testing.T) {
		s := newStore(t)
		h, err := s.Create(ctx)
		require.NoError(t, err)
		data := pattern(17)
		// Several appends so multi-part stores see part boundaries.
		for _, part := range [][]byte{data[:5], data[5:11], data[11:]} {
			_, err := s.Append(ctx, h, part)
			require.NoError(t, err)
		}

		for start := int64(0); start < 17; start++ {
			for end := start; end < 17; end++ {
				got := Collect(t, s, h, start, end)
				require.Equal(t, data[start:end+1], got, "window [%d, %d]", start, end)
			}
		}
	})

	t.Run("ReadIsRestartable", func(t *testing.T) {
		s := newStore(t)
		h, err := s.Create(ctx)
		require.NoError(t, err)
		_, err = s.Append(ctx, h, pattern(10))
		require.NoError(t, err)

		seq := s.ReadRange(ctx, h, 2, 8)
		var first, second bytes.Buffer
		for c, err := range seq {
			require.NoError(t, err)
			first.Write(c.Data)
		}
		for c, err := range seq {
			require.NoError(t, err)
			second.Write(c.Data)
		}
		assert.Equal(t, first.Bytes(), second.Bytes())
	})

	t.Run("EarlyBreakStopsRead", func(t *testing.T) {
		s := newStore(t)
		h, err := s.Create(ctx)
		require.NoError(t, err)
		_, err = s.Append(ctx, h, pattern(64))
		require.NoError(t, err)

		seen := 0
		for _, err := range s.ReadRange(ctx, h, 0, 63) {
			require.NoError(t, err)
			seen++
			break
		}
		assert.Equal(t, 1, seen)
	})

	t.Run("ReadPastEndFails", func(t *testing.T) {
		s := newStore(t)
		h, err := s.Create(ctx)
		require.NoError(t, err)
		_, err = s.Append(ctx, h, pattern(4))
		require.NoError(t, err)

		var got error
		for _, err := range s.ReadRange(ctx, h, 0, 4) {
			if err != nil {
				got = err
			}
		}
		require.Error(t, got)
		assert.ErrorIs(t, got, storage.ErrStorage)
	})

	t.Run("UnknownHandle", func(t *testing.T) {
		s := newStore(t)
		h, err := s.Create(ctx)
		require.NoError(t, err)
		require.NoError(t, s.Delete(ctx, h))

		_, err = s.Size(ctx, h)
		require.Error(t, err)
		assert.ErrorIs(t, err, storage.ErrStorage)

		var se *storage.Error
		require.True(t, errors.As(err, &se))
		assert.Equal(t, s.Kind(), se.Backend)
		assert.Equal(t, h, se.Handle)
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		h, err := s.Create(ctx)
		require.NoError(t, err)
		_, err = s.Append(ctx, h, []byte("data"))
		require.NoError(t, err)

		require.NoError(t, s.Delete(ctx, h))
		require.NoError(t, s.Delete(ctx, h))
	})

	t.Run("ConcurrentAppendsSerialize", func(t *testing.T) {
		s := newStore(t)
		h, err := s.Create(ctx)
		require.NoError(t, err)

		const writers, width = 8, 16
		var g errgroup.Group
		for i := range writers {
			payload := bytes.Repeat([]byte{byte('A' + i)}, width)
			g.Go(func() error {
				_, err := s.Append(ctx, h, payload)
				return err
			})
		}
		require.NoError(t, g.Wait())

		size, err := s.Size(ctx, h)
		require.NoError(t, err)
		require.Equal(t, int64(writers*width), size)

		got := Collect(t, s, h, 0, size-1)
		seen := map[byte]bool{}
		for i := 0; i < len(got); i += width {
			block := got[i : i+width]
			require.Equal(t, bytes.Repeat(block[:1], width), block,
				fmt.Sprintf("block at %d interleaved", i))
			seen[block[0]] = true
		}
		assert.Len(t, seen, writers)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		s := newStore(t)
		h, err := s.Create(ctx)
		require.NoError(t, err)

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err = s.Append(cctx, h, []byte("late"))
		require.Error(t, err)
		assert.ErrorIs(t, err, storage.ErrStorage)
		assert.ErrorIs(t, err, context.Canceled)

		size, err := s.Size(ctx, h)
		require.NoError(t, err)
		assert.Zero(t, size)
	})
}
