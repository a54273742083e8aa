// Package backends builds the blob store registry from configuration.
package backends

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/filora/filora/internal/config"
	"github.com/filora/filora/internal/logging"
	"github.com/filora/filora/internal/storage"
	"github.com/filora/filora/internal/storage/largeobject"
	"github.com/filora/filora/internal/storage/local"
	s3store "github.com/filora/filora/internal/storage/s3"
)

// Open instantiates every configured backend. The local store is always
// available; large objects and S3 are added when enabled. Each store is
// wrapped with metrics instrumentation.
func Open(ctx context.Context, cfg *config.Config) (*storage.Registry, error) {
	reg := storage.NewRegistry()

	localStore, err := local.New(local.Config{
		RootPath:       cfg.LocalStoragePath,
		CreateDirs:     true,
		ReadBufferSize: cfg.ReadBufferSize,
	})
	if err != nil {
		return nil, fmt.Errorf("local store: %w", err)
	}
	reg.Register(storage.Instrument(localStore))

	if cfg.LargeObjectsEnabled {
		lo, err := largeobject.New(ctx, largeobject.Config{
			DatabaseURL:    cfg.DatabaseURL,
			ReadBufferSize: cfg.ReadBufferSize,
		})
		if err != nil {
			reg.Close()
			return nil, fmt.Errorf("large object store: %w", err)
		}
		reg.Register(storage.Instrument(lo))
	}

	if cfg.S3Configured() {
		s3s, err := s3store.New(ctx, s3store.Config{
			Endpoint:       cfg.S3Endpoint,
			Bucket:         cfg.S3Bucket,
			AccessKey:      cfg.S3AccessKey,
			SecretKey:      cfg.S3SecretKey,
			Region:         cfg.S3Region,
			UseSSL:         cfg.S3UseSSL,
			ReadBufferSize: cfg.ReadBufferSize,
		})
		if err != nil {
			reg.Close()
			return nil, fmt.Errorf("s3 store: %w", err)
		}
		reg.Register(storage.Instrument(s3s))
	}

	kinds := make([]string, 0, 3)
	for _, k := range reg.Kinds() {
		kinds = append(kinds, string(k))
	}
	logging.Info("blob stores ready", zap.Strings("backends", kinds))
	return reg, nil
}
