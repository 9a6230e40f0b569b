package wal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Manifest mirrors segment lifecycle events into external storage for
// operational visibility. The filesystem headers remain the source of truth:
// the engine calls the manifest best-effort and logs failures without
// affecting the log.
type Manifest interface {
	// SegmentCreated registers a new active segment.
	SegmentCreated(ctx context.Context, path string, createdAt time.Time) error

	// SegmentSealed records a segment's final header at seal time.
	SegmentSealed(ctx context.Context, path string, hdr SegmentHeader) error

	// SegmentRemoved records a retention deletion.
	SegmentRemoved(ctx context.Context, path string) error
}

// PostgresManifest implements Manifest on a wal_segments table.
type PostgresManifest struct {
	db *pgxpool.Pool
}

// NewPostgresManifest creates a PostgreSQL-backed manifest.
func NewPostgresManifest(db *pgxpool.Pool) *PostgresManifest {
	return &PostgresManifest{db: db}
}

// SegmentCreated registers a new active segment.
func (m *PostgresManifest) SegmentCreated(ctx context.Context, path string, createdAt time.Time) error {
	_, err := m.db.Exec(ctx, `
		INSERT INTO wal_segments (filename, status, created_at)
		VALUES ($1, 'active', $2)
		ON CONFLICT (filename) DO NOTHING
	`, path, createdAt)
	if err != nil {
		return fmt.Errorf("manifest create segment: %w", err)
	}
	return nil
}

// SegmentSealed records a segment's final header.
func (m *PostgresManifest) SegmentSealed(ctx context.Context, path string, hdr SegmentHeader) error {
	_, err := m.db.Exec(ctx, `
		UPDATE wal_segments
		SET status = 'sealed', sealed_at = NOW(),
		    first_seq = $2, last_seq = $3, record_count = $4, size_bytes = $5
		WHERE filename = $1
	`, path, int64(hdr.FirstSequence), int64(hdr.LastSequence), int64(hdr.MessageCount), hdr.SizeBytes)
	if err != nil {
		return fmt.Errorf("manifest seal segment: %w", err)
	}
	return nil
}

// SegmentRemoved records a retention deletion.
func (m *PostgresManifest) SegmentRemoved(ctx context.Context, path string) error {
	_, err := m.db.Exec(ctx, `
		UPDATE wal_segments SET status = 'deleted', deleted_at = NOW()
		WHERE filename = $1
	`, path)
	if err != nil {
		return fmt.Errorf("manifest remove segment: %w", err)
	}
	return nil
}

// manifestEvent is one recorded lifecycle transition.
type manifestEvent struct {
	Path   string
	Status string
	Header SegmentHeader
}

// InMemoryManifest implements Manifest in memory for tests and
// database-less deployments.
type InMemoryManifest struct {
	mu     sync.Mutex
	events []manifestEvent
	status map[string]string
}

// NewInMemoryManifest creates an empty in-memory manifest.
func NewInMemoryManifest() *InMemoryManifest {
	return &InMemoryManifest{status: make(map[string]string)}
}

// SegmentCreated registers a new active segment.
func (m *InMemoryManifest) SegmentCreated(_ context.Context, path string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, manifestEvent{Path: path, Status: "active"})
	m.status[path] = "active"
	return nil
}

// SegmentSealed records a segment's final header.
func (m *InMemoryManifest) SegmentSealed(_ context.Context, path string, hdr SegmentHeader) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, manifestEvent{Path: path, Status: "sealed", Header: hdr})
	m.status[path] = "sealed"
	return nil
}

// SegmentRemoved records a retention deletion.
func (m *InMemoryManifest) SegmentRemoved(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, manifestEvent{Path: path, Status: "deleted"})
	m.status[path] = "deleted"
	return nil
}

// Status returns the last recorded status for path, or "".
func (m *InMemoryManifest) Status(path string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status[path]
}

// EventCount returns the number of recorded transitions.
func (m *InMemoryManifest) EventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}
