package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.DataDir != "wal" {
		t.Errorf("expected default data dir 'wal', got %s", cfg.DataDir)
	}
	if cfg.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("expected default addr, got %s", cfg.HTTPAddr)
	}
	if cfg.MaxSegmentSize != 64*1024*1024 {
		t.Errorf("expected 64MiB segment size, got %d", cfg.MaxSegmentSize)
	}
	if cfg.MaxSegmentMessageCount != -1 {
		t.Errorf("expected disabled message count limit, got %d", cfg.MaxSegmentMessageCount)
	}
	if cfg.FlushInterval != time.Second {
		t.Errorf("expected 1s flush interval, got %v", cfg.FlushInterval)
	}
	if cfg.SparseIndexInterval != 500 {
		t.Errorf("expected sparse index interval 500, got %d", cfg.SparseIndexInterval)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SEGLOG_DATA_DIR", "/tmp/logs")
	t.Setenv("SEGLOG_MAX_SEGMENT_SIZE_BYTES", "1024")
	t.Setenv("SEGLOG_MAX_SEGMENT_TIME_SPAN", "30m")
	t.Setenv("SEGLOG_FLUSH_BATCH_SIZE", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.DataDir != "/tmp/logs" {
		t.Errorf("data dir: got %s", cfg.DataDir)
	}
	if cfg.MaxSegmentSize != 1024 {
		t.Errorf("segment size: got %d", cfg.MaxSegmentSize)
	}
	if cfg.MaxSegmentTimeSpan != 30*time.Minute {
		t.Errorf("time span: got %v", cfg.MaxSegmentTimeSpan)
	}
	if cfg.FlushBatchSize != 7 {
		t.Errorf("flush batch: got %d", cfg.FlushBatchSize)
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("SEGLOG_FLUSH_INTERVAL", "not-a-duration")
	if _, err := Load(); err == nil {
		t.Error("expected error for malformed duration")
	}
}

func TestWALOptions(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if len(cfg.WALOptions()) != 11 {
		t.Errorf("expected 11 engine options, got %d", len(cfg.WALOptions()))
	}
}
