// Filora Server
//
// Features:
// - Resumable chunked uploads into Postgres large objects, S3 or local disk
// - Ranged downloads and media streaming
// - File versions, folders, public links
// - Webhooks and SSE event feed
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/filora/filora/internal/api"
	"github.com/filora/filora/internal/auth"
	"github.com/filora/filora/internal/config"
	"github.com/filora/filora/internal/events"
	"github.com/filora/filora/internal/files"
	"github.com/filora/filora/internal/logging"
	"github.com/filora/filora/internal/metadata/postgres"
	"github.com/filora/filora/internal/metrics"
	"github.com/filora/filora/internal/quota"
	"github.com/filora/filora/internal/storage/backends"
	"github.com/filora/filora/internal/upload"
	"github.com/filora/filora/internal/webhook"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := cmdToken(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("Filora server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("max_upload_size", humanize.IBytes(uint64(cfg.MaxUploadSize))))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Fatal("server error", zap.Error(err))
	}
	logging.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	// Initialize PostgreSQL
	logging.Info("connecting to PostgreSQL...")
	metaStore, err := postgres.New(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection: %w", err)
	}
	defer metaStore.Close()

	logging.Info("running migrations...")
	if err := metaStore.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	stores, err := backends.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	// Notification sinks: SSE subscribers and webhooks
	broadcaster := events.NewBroadcaster()
	dispatcher := webhook.NewDispatcher(webhook.Config{
		Workers:    cfg.WebhookWorkers,
		QueueSize:  cfg.WebhookQueueSize,
		MaxRetries: cfg.WebhookMaxRetries,
		Timeout:    cfg.WebhookTimeout,
	}, metaStore)
	dispatcher.Start(ctx)
	notifier := events.Fanout{broadcaster, dispatcher}

	uploads := upload.NewManager(upload.Config{
		MaxUploadSize: cfg.MaxUploadSize,
		IdleTimeout:   cfg.UploadIdleTimeout,
		Quota:         quota.NewStorageQuota(metaStore, cfg.StorageQuotaPerOwner),
		Policy: upload.Policy{
			ChunkSizeDefault:    cfg.ChunkSizeDefault,
			ChunkSizeLarge:      cfg.ChunkSizeLarge,
			ChunkSizeMedia:      cfg.ChunkSizeMedia,
			LargeFileThreshold:  cfg.LargeFileThreshold,
			LargeMediaThreshold: cfg.LargeMediaThreshold,
		},
	}, stores, metaStore, notifier)
	defer func() {
		uploads.Wait()
		dispatcher.Stop()
	}()

	if _, err := uploads.Restore(ctx); err != nil {
		return fmt.Errorf("restore upload sessions: %w", err)
	}
	uploads.StartReaper(ctx, cfg.ReaperInterval)

	limiter := quota.NewRateLimiter(cfg.RateLimitPerMinute)
	srv := api.NewServer(
		uploads,
		files.NewService(metaStore, stores, notifier),
		metaStore,
		broadcaster,
		auth.New(cfg.JWTSecret),
		limiter,
	)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		return serve(httpServer)
	})
	g.Go(func() error {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		return serve(metricsServer)
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := limiter.Cleanup(24 * time.Hour); n > 0 {
					logging.Debug("rate limiter buckets dropped", zap.Int("count", n))
				}
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		logging.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// SSE streams never finish on their own.
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			httpServer.Close()
		}
		return metricsServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func serve(s *http.Server) error {
	if err := s.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// cmdToken issues a bearer token for an owner identity.
func cmdToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	subject := fs.String("sub", "", "Owner identity (required)")
	username := fs.String("name", "", "Display name")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	secret := fs.String("secret", os.Getenv("JWT_SECRET"), "Signing secret (default $JWT_SECRET)")
	fs.Parse(args)

	if *secret == "" {
		return errors.New("JWT_SECRET or -secret is required")
	}
	token, expires, err := auth.New(*secret).IssueToken(*subject, *username, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expires.Format(time.RFC3339))
	return nil
}
