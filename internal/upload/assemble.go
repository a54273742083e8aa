package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/filora/filora/internal/metadata"
	"github.com/filora/filora/internal/rangeread"
)

// assemble checks the stored length, hashes the blob in bounded reads and
// writes the file record. Nothing is recorded unless every step succeeds.
// Caller holds s.mu.
func (m *Manager) assemble(ctx context.Context, s *Session) (*metadata.File, error) {
	size, err := s.store.Size(ctx, s.handle)
	if err != nil {
		return nil, err
	}
	// Offset stores can hold a sparse blob of the right length.
	if missing := s.missing(); len(missing) > 0 {
		return nil, &SizeMismatchError{Expected: s.expectedSize, Actual: s.bytesWritten, Missing: missing}
	}
	if size != s.expectedSize {
		return nil, &SizeMismatchError{Expected: s.expectedSize, Actual: size}
	}

	h := sha256.New()
	if _, err := rangeread.Copy(ctx, h, s.store, s.handle, rangeread.Full(size)); err != nil {
		return nil, fmt.Errorf("checksum: %w", err)
	}

	blob := metadata.Blob{
		Kind:     s.store.Kind(),
		Handle:   s.handle,
		Size:     size,
		Checksum: hex.EncodeToString(h.Sum(nil)),
		MimeType: s.mimeType,
	}

	if s.replaceFileID != nil {
		f, err := m.repo.ReplaceFileBlob(ctx, *s.replaceFileID, blob)
		if err != nil {
			return nil, fmt.Errorf("replace file blob: %w", err)
		}
		return f, nil
	}

	f := &metadata.File{
		OwnerID:  s.owner,
		FolderID: s.folderID,
		Name:     s.filename,
		Blob:     blob,
		Status:   metadata.FileReady,
	}
	if err := m.repo.CreateFile(ctx, f); err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	return f, nil
}
