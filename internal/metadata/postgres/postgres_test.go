package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/filora/filora/internal/metadata"
	"github.com/filora/filora/internal/metadata/metadatatest"
)

// Integration tests need PostgreSQL; set TEST_DATABASE_URL to run them.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration tests")
	}
	s, err := New(url)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	_, err = s.db.Exec(`TRUNCATE webhooks, upload_sessions, file_versions, files, folders`)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRepositoryContract(t *testing.T) {
	metadatatest.RunRepositoryContract(t, func(t *testing.T) metadata.Repository {
		return newTestStore(t)
	})
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrations.ReadDir("migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)
}
