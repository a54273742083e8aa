// Package metadatatest holds the behaviour every metadata.Repository must
// show, run against both the in-memory and the Postgres store.
package metadatatest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filora/filora/internal/metadata"
	"github.com/filora/filora/internal/storage"
)

func blob(handle string, size int64) metadata.Blob {
	return metadata.Blob{
		Kind:     storage.KindLocal,
		Handle:   handle,
		Size:     size,
		Checksum: "sum-" + handle,
		MimeType: "text/plain",
	}
}

// RunRepositoryContract exercises repo built by newRepo.
func RunRepositoryContract(t *testing.T, newRepo func(t *testing.T) metadata.Repository) {
	ctx := context.Background()

	t.Run("FolderOwnership", func(t *testing.T) {
		repo := newRepo(t)
		f := &metadata.Folder{OwnerID: "alice", Name: "docs"}
		require.NoError(t, repo.CreateFolder(ctx, f))
		require.NotEqual(t, uuid.Nil, f.ID)

		got, err := repo.GetFolder(ctx, "alice", f.ID)
		require.NoError(t, err)
		assert.Equal(t, "docs", got.Name)

		_, err = repo.GetFolder(ctx, "bob", f.ID)
		assert.ErrorIs(t, err, metadata.ErrNotFound)
	})

	t.Run("FileLifecycle", func(t *testing.T) {
		repo := newRepo(t)
		f := &metadata.File{OwnerID: "alice", Name: "a.txt", Blob: blob("h1", 10), Status: metadata.FileReady}
		require.NoError(t, repo.CreateFile(ctx, f))
		assert.Equal(t, 1, f.Version)

		got, err := repo.GetFile(ctx, f.ID)
		require.NoError(t, err)
		assert.Equal(t, "h1", got.Handle)
		assert.Equal(t, storage.KindLocal, got.Kind)
		assert.Equal(t, metadata.FileReady, got.Status)

		require.NoError(t, repo.RecordDownload(ctx, f.ID))
		got, err = repo.GetFile(ctx, f.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.DownloadCount)
		require.NotNil(t, got.LastAccessed)

		_, err = repo.GetFile(ctx, uuid.New())
		assert.ErrorIs(t, err, metadata.ErrNotFound)

		shared, err := repo.SetPublic(ctx, f.ID, true)
		require.NoError(t, err)
		assert.True(t, shared.IsPublic)
		got, err = repo.GetFile(ctx, f.ID)
		require.NoError(t, err)
		assert.True(t, got.IsPublic)

		_, err = repo.SetPublic(ctx, uuid.New(), true)
		assert.ErrorIs(t, err, metadata.ErrNotFound)
	})

	t.Run("StorageUsed", func(t *testing.T) {
		repo := newRepo(t)
		for i, size := range []int64{10, 32} {
			f := &metadata.File{OwnerID: "alice", Name: fmt.Sprintf("f%d", i), Blob: blob(fmt.Sprintf("u%d", i), size), Status: metadata.FileReady}
			require.NoError(t, repo.CreateFile(ctx, f))
		}
		require.NoError(t, repo.CreateFile(ctx, &metadata.File{OwnerID: "bob", Name: "b", Blob: blob("u9", 5), Status: metadata.FileReady}))

		used, err := repo.StorageUsed(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(42), used)

		used, err = repo.StorageUsed(ctx, "carol")
		require.NoError(t, err)
		assert.Zero(t, used)
	})

	t.Run("VersionsAndRestore", func(t *testing.T) {
		repo := newRepo(t)
		f := &metadata.File{OwnerID: "alice", Name: "a.txt", Blob: blob("h1", 10), Status: metadata.FileReady}
		require.NoError(t, repo.CreateFile(ctx, f))

		updated, err := repo.ReplaceFileBlob(ctx, f.ID, blob("h2", 20))
		require.NoError(t, err)
		assert.Equal(t, 2, updated.Version)
		assert.Equal(t, "h2", updated.Handle)
		assert.Equal(t, int64(20), updated.Size)

		versions, err := repo.ListVersions(ctx, f.ID)
		require.NoError(t, err)
		require.Len(t, versions, 1)
		assert.Equal(t, 1, versions[0].Version)
		assert.Equal(t, "h1", versions[0].Handle)

		restored, err := repo.RestoreVersion(ctx, f.ID, versions[0].ID)
		require.NoError(t, err)
		assert.Equal(t, 3, restored.Version)
		assert.Equal(t, "h1", restored.Handle)

		versions, err = repo.ListVersions(ctx, f.ID)
		require.NoError(t, err)
		require.Len(t, versions, 2)
		assert.Equal(t, 2, versions[0].Version, "newest first")

		_, err = repo.RestoreVersion(ctx, f.ID, uuid.New())
		assert.ErrorIs(t, err, metadata.ErrNotFound)
	})

	t.Run("DeleteReturnsBlobs", func(t *testing.T) {
		repo := newRepo(t)
		f := &metadata.File{OwnerID: "alice", Name: "a.txt", Blob: blob("h1", 10), Status: metadata.FileReady}
		require.NoError(t, repo.CreateFile(ctx, f))
		_, err := repo.ReplaceFileBlob(ctx, f.ID, blob("h2", 20))
		require.NoError(t, err)

		deleted, versions, err := repo.DeleteFile(ctx, f.ID)
		require.NoError(t, err)
		handles := []string{}
		for _, b := range metadata.BlobsOf(deleted, versions) {
			handles = append(handles, b.Handle)
		}
		assert.ElementsMatch(t, []string{"h1", "h2"}, handles)

		_, err = repo.GetFile(ctx, f.ID)
		assert.ErrorIs(t, err, metadata.ErrNotFound)
		_, _, err = repo.DeleteFile(ctx, f.ID)
		assert.ErrorIs(t, err, metadata.ErrNotFound)
	})

	t.Run("SessionPersistence", func(t *testing.T) {
		repo := newRepo(t)
		now := time.Now().UTC().Truncate(time.Millisecond)
		open := &metadata.UploadSession{
			ID: uuid.New(), OwnerID: "alice", Filename: "v.mp4", MimeType: "video/mp4",
			ExpectedSize: 30, BackendKind: storage.KindLargeObject, BlobHandle: "16400",
			ChunkSize: 10, TotalChunks: 3, Accepted: map[int]int64{0: 10, 1: 10},
			BytesWritten: 20, State: "uploading", CreatedAt: now, UpdatedAt: now,
		}
		done := open.Clone()
		done.ID = uuid.New()
		done.State = "completed"
		done.CreatedAt = now.Add(time.Second)
		require.NoError(t, repo.SaveSession(ctx, open))
		require.NoError(t, repo.SaveSession(ctx, done))

		got, err := repo.ListOpenSessions(ctx)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, open.ID, got[0].ID)
		assert.Equal(t, map[int]int64{0: 10, 1: 10}, got[0].Accepted)
		assert.Equal(t, int64(20), got[0].BytesWritten)

		open.State = "cancelled"
		require.NoError(t, repo.SaveSession(ctx, open))
		got, err = repo.ListOpenSessions(ctx)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("Webhooks", func(t *testing.T) {
		repo := newRepo(t)
		w := &metadata.Webhook{OwnerID: "alice", URL: "http://example.test/hook", Secret: "s",
			Events: []string{"upload.completed"}, Active: true}
		require.NoError(t, repo.CreateWebhook(ctx, w))

		got, err := repo.ListWebhooks(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.True(t, got[0].Subscribes("upload.completed"))
		assert.False(t, got[0].Subscribes("file.deleted"))

		got, err = repo.ListWebhooks(ctx, "bob")
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}
