// Package config provides application configuration management from
// environment variables, with optional .env file loading.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/dsjohal14/seglog/internal/wal"
)

// Config holds application configuration
type Config struct {
	DataDir     string
	HTTPAddr    string
	LogLevel    string
	DatabaseURL string

	CheckpointDir string

	MaxSegmentSize         int64
	MaxSegmentMessageCount int64
	MaxSegmentTimeSpan     time.Duration
	FlushInterval          time.Duration
	FlushBatchSize         int
	SparseIndexInterval    int
	ReadPollingInterval    time.Duration
	SegmentCleanupInterval time.Duration
	SegmentRetentionPeriod time.Duration
	SegmentRetentionLimit  int
	MaxEntryPayloadSize    int64
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DataDir:       getEnv("SEGLOG_DATA_DIR", "wal"),
		HTTPAddr:      getEnv("SEGLOG_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:      getEnv("SEGLOG_LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		CheckpointDir: getEnv("SEGLOG_CHECKPOINT_DIR", "checkpoints"),
	}

	var err error
	if cfg.MaxSegmentSize, err = getEnvInt64("SEGLOG_MAX_SEGMENT_SIZE_BYTES", 64*1024*1024); err != nil {
		return nil, err
	}
	if cfg.MaxSegmentMessageCount, err = getEnvInt64("SEGLOG_MAX_SEGMENT_MESSAGE_COUNT", -1); err != nil {
		return nil, err
	}
	if cfg.MaxSegmentTimeSpan, err = getEnvDuration("SEGLOG_MAX_SEGMENT_TIME_SPAN", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.FlushInterval, err = getEnvDuration("SEGLOG_FLUSH_INTERVAL", time.Second); err != nil {
		return nil, err
	}
	if cfg.FlushBatchSize, err = getEnvInt("SEGLOG_FLUSH_BATCH_SIZE", 100); err != nil {
		return nil, err
	}
	if cfg.SparseIndexInterval, err = getEnvInt("SEGLOG_SPARSE_INDEX_INTERVAL", 500); err != nil {
		return nil, err
	}
	if cfg.ReadPollingInterval, err = getEnvDuration("SEGLOG_READ_POLLING_INTERVAL", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.SegmentCleanupInterval, err = getEnvDuration("SEGLOG_SEGMENT_CLEANUP_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.SegmentRetentionPeriod, err = getEnvDuration("SEGLOG_SEGMENT_RETENTION_PERIOD", 7*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.SegmentRetentionLimit, err = getEnvInt("SEGLOG_SEGMENT_RETENTION_LIMIT", 0); err != nil {
		return nil, err
	}
	if cfg.MaxEntryPayloadSize, err = getEnvInt64("SEGLOG_MAX_ENTRY_PAYLOAD_SIZE", -1); err != nil {
		return nil, err
	}

	if cfg.DataDir == "" {
		return nil, fmt.Errorf("SEGLOG_DATA_DIR is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// WALOptions converts the configured limits into engine options.
func (c *Config) WALOptions() []wal.Option {
	return []wal.Option{
		wal.WithMaxSegmentSize(c.MaxSegmentSize),
		wal.WithMaxSegmentMessageCount(c.MaxSegmentMessageCount),
		wal.WithMaxSegmentTimeSpan(c.MaxSegmentTimeSpan),
		wal.WithFlushInterval(c.FlushInterval),
		wal.WithFlushBatchSize(c.FlushBatchSize),
		wal.WithSparseIndexInterval(c.SparseIndexInterval),
		wal.WithReadPollingInterval(c.ReadPollingInterval),
		wal.WithSegmentCleanupInterval(c.SegmentCleanupInterval),
		wal.WithSegmentRetentionPeriod(c.SegmentRetentionPeriod),
		wal.WithSegmentRetentionLimit(c.SegmentRetentionLimit),
		wal.WithMaxEntryPayloadSize(c.MaxEntryPayloadSize),
	}
}
