// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	MiB = 1024 * 1024
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL string

	// Auth
	JWTSecret string

	// Large-object backend lives in the same Postgres database.
	LargeObjectsEnabled bool

	// S3 storage; an empty bucket means no remote object backend.
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3UseSSL    bool

	LocalStoragePath string

	// Uploads
	MaxUploadSize       int64
	ChunkSizeDefault    int64
	ChunkSizeLarge      int64
	ChunkSizeMedia      int64
	LargeFileThreshold  int64
	LargeMediaThreshold int64
	UploadIdleTimeout   time.Duration
	ReaperInterval      time.Duration

	// Downloads
	ReadBufferSize int

	// Quotas; zero disables the limit.
	RateLimitPerMinute   int
	StorageQuotaPerOwner int64

	// Webhooks
	WebhookTimeout    time.Duration
	WebhookWorkers    int
	WebhookQueueSize  int
	WebhookMaxRetries int
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:           envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:          envOr("METRICS_ADDR", ":9090"),
		LogLevel:             envOr("LOG_LEVEL", "info"),
		LogFormat:            envOr("LOG_FORMAT", "json"),
		DatabaseURL:          envOr("DATABASE_URL", ""),
		JWTSecret:            envOr("JWT_SECRET", ""),
		LargeObjectsEnabled:  envBool("LARGE_OBJECTS_ENABLED", true),
		S3Endpoint:           envOr("S3_ENDPOINT", ""),
		S3Bucket:             envOr("S3_BUCKET", ""),
		S3AccessKey:          envOr("S3_ACCESS_KEY", ""),
		S3SecretKey:          envOr("S3_SECRET_KEY", ""),
		S3Region:             envOr("S3_REGION", "us-east-1"),
		S3UseSSL:             envBool("S3_USE_SSL", false),
		LocalStoragePath:     envOr("LOCAL_STORAGE_PATH", "/data/storage"),
		MaxUploadSize:        envBytes("MAX_UPLOAD_SIZE", 100*MiB),
		ChunkSizeDefault:     envBytes("CHUNK_SIZE_DEFAULT", 1*MiB),
		ChunkSizeLarge:       envBytes("CHUNK_SIZE_LARGE", 2*MiB),
		ChunkSizeMedia:       envBytes("CHUNK_SIZE_MEDIA", 5*MiB),
		LargeFileThreshold:   envBytes("LARGE_FILE_THRESHOLD", 10*MiB),
		LargeMediaThreshold:  envBytes("LARGE_MEDIA_THRESHOLD", 10*MiB),
		UploadIdleTimeout:    envDuration("UPLOAD_IDLE_TIMEOUT", 24*time.Hour),
		ReaperInterval:       envDuration("UPLOAD_REAPER_INTERVAL", time.Hour),
		ReadBufferSize:       envInt("READ_BUFFER_SIZE", 64*1024),
		RateLimitPerMinute:   envInt("RATE_LIMIT_PER_MINUTE", 0),
		StorageQuotaPerOwner: envBytes("STORAGE_QUOTA_PER_OWNER", 0),
		WebhookTimeout:       envDuration("WEBHOOK_TIMEOUT", 30*time.Second),
		WebhookWorkers:       envInt("WEBHOOK_WORKERS", 4),
		WebhookQueueSize:     envInt("WEBHOOK_QUEUE_SIZE", 256),
		WebhookMaxRetries:    envInt("WEBHOOK_MAX_RETRIES", 3),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the upload limits for consistency.
func (c *Config) Validate() error {
	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE must be positive")
	}
	if c.ChunkSizeDefault <= 0 {
		return fmt.Errorf("CHUNK_SIZE_DEFAULT must be positive")
	}
	if c.ChunkSizeLarge < c.ChunkSizeDefault || c.ChunkSizeMedia < c.ChunkSizeLarge {
		return fmt.Errorf("chunk tiers must satisfy default <= large <= media (got %s, %s, %s)",
			humanize.IBytes(uint64(c.ChunkSizeDefault)),
			humanize.IBytes(uint64(c.ChunkSizeLarge)),
			humanize.IBytes(uint64(c.ChunkSizeMedia)))
	}
	if c.ReadBufferSize <= 0 {
		return fmt.Errorf("READ_BUFFER_SIZE must be positive")
	}
	if c.RateLimitPerMinute < 0 || c.StorageQuotaPerOwner < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE and STORAGE_QUOTA_PER_OWNER must not be negative")
	}
	if c.UploadIdleTimeout <= 0 || c.ReaperInterval <= 0 {
		return fmt.Errorf("UPLOAD_IDLE_TIMEOUT and UPLOAD_REAPER_INTERVAL must be positive")
	}
	return nil
}

// S3Configured reports whether a remote object backend is configured.
func (c *Config) S3Configured() bool {
	return c.S3Bucket != ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

// envBytes accepts plain byte counts or humanized sizes ("5MiB", "100 MB").
func envBytes(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return fallback
	}
	return int64(n)
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
