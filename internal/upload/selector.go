package upload

import (
	"strings"

	"github.com/filora/filora/internal/storage"
)

// Policy decides where a new upload is stored and how it is chunked.
// Thresholds are exclusive: a size must exceed them.
type Policy struct {
	LargeObjectAvailable bool
	ObjectAvailable      bool

	ChunkSizeDefault    int64
	ChunkSizeLarge      int64
	ChunkSizeMedia      int64
	LargeFileThreshold  int64
	LargeMediaThreshold int64
}

// Plan is the frozen outcome of Select for one session.
type Plan struct {
	Kind      storage.Kind
	ChunkSize int64
}

// IsMedia reports whether mime names audio or video content.
func IsMedia(mime string) bool {
	mime = strings.ToLower(strings.TrimSpace(mime))
	return strings.HasPrefix(mime, "audio/") || strings.HasPrefix(mime, "video/")
}

// Select picks the backend and chunk size for an upload of size bytes.
//
// Large objects win when available and either the upload is media above
// the large-media threshold or there is no remote object backend to fall
// back to. Otherwise the object backend is used when configured, else
// local disk. Media gets the largest chunks, large generic files the
// middle tier, everything else the default.
func (p Policy) Select(size int64, mime string) Plan {
	media := IsMedia(mime)

	var kind storage.Kind
	switch {
	case p.LargeObjectAvailable && ((media && size > p.LargeMediaThreshold) || !p.ObjectAvailable):
		kind = storage.KindLargeObject
	case p.ObjectAvailable:
		kind = storage.KindObject
	default:
		kind = storage.KindLocal
	}

	chunk := p.ChunkSizeDefault
	switch {
	case media:
		chunk = p.ChunkSizeMedia
	case size > p.LargeFileThreshold:
		chunk = p.ChunkSizeLarge
	}
	if chunk <= 0 {
		chunk = 1 << 20
	}
	return Plan{Kind: kind, ChunkSize: chunk}
}

// PolicyFor derives availability from the registry.
func PolicyFor(reg *storage.Registry, base Policy) Policy {
	base.LargeObjectAvailable = reg.Has(storage.KindLargeObject)
	base.ObjectAvailable = reg.Has(storage.KindObject)
	return base
}

// TotalChunks returns how many chunks of chunkSize cover size bytes.
func TotalChunks(size, chunkSize int64) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}
