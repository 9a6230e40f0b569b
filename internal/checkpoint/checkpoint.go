// Package checkpoint durably persists a single reader's position in the log
// as a 10-byte memory-mapped file: two magic bytes ("ID" for sequence, "TS"
// for timestamp) followed by an 8-byte little-endian value.
package checkpoint

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/edsrzf/mmap-go"
	"github.com/rs/zerolog"

	"github.com/dsjohal14/seglog/internal/wal"
)

const fileSize = 10

var (
	magicSequence  = [2]byte{'I', 'D'}
	magicTimestamp = [2]byte{'T', 'S'}
)

// ErrClosed is returned for operations on a closed store.
var ErrClosed = fmt.Errorf("checkpoint: closed")

// Store persists one reader position. Save marks the mapped view dirty; Flush
// (manual or background) pushes it to disk.
type Store struct {
	mu      sync.RWMutex
	path    string
	file    *os.File
	m       mmap.MMap
	dirty   bool
	flushed chan struct{}
	closed  bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup

	logger zerolog.Logger
}

// Options configures a Store.
type Options struct {
	// FlushInterval is the background flush cadence. <=0 disables the
	// background task and requires manual Flush calls.
	FlushInterval time.Duration

	Logger zerolog.Logger
}

// Option mutates Options.
type Option func(*Options)

// WithFlushInterval sets the background flush cadence.
func WithFlushInterval(d time.Duration) Option {
	return func(o *Options) { o.FlushInterval = d }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// Open creates or opens the checkpoint file at path with a shared read+write
// mapping. The file is not locked: other openers are not excluded.
func Open(path string, opts ...Option) (*Store, error) {
	o := Options{Logger: zerolog.Nop()}
	for _, fn := range opts {
		fn(&o)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat checkpoint %s: %w", path, err)
	}
	if fi.Size() < fileSize {
		if err := f.Truncate(fileSize); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("extend checkpoint %s: %w", path, err)
		}
	}

	m, err := mmap.MapRegion(f, fileSize, mmap.RDWR, 0, 0)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("map checkpoint %s: %w", path, err)
	}

	s := &Store{
		path:    path,
		file:    f,
		m:       m,
		flushed: make(chan struct{}),
		logger:  o.Logger.With().Str("component", "checkpoint").Str("file", path).Logger(),
	}

	if o.FlushInterval > 0 {
		s.ticker = time.NewTicker(o.FlushInterval)
		s.stop = make(chan struct{})
		s.wg.Add(1)
		go s.flushLoop(s.ticker, s.stop)
	}
	return s, nil
}

// Save records the position in the mapped view and marks it dirty. A neutral
// position zeroes the file.
func (s *Store) Save(p wal.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	switch p.Kind {
	case wal.PositionSequence:
		copy(s.m[0:2], magicSequence[:])
		binary.LittleEndian.PutUint64(s.m[2:10], p.Sequence)
	case wal.PositionTimestamp:
		copy(s.m[0:2], magicTimestamp[:])
		binary.LittleEndian.PutUint64(s.m[2:10], uint64(p.Timestamp))
	default:
		for i := range s.m {
			s.m[i] = 0
		}
	}
	s.dirty = true
	return nil
}

// Load reads the saved position. An unrecognized prefix means no checkpoint
// and returns the neutral position.
func (s *Store) Load() (wal.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return wal.Position{}, ErrClosed
	}
	switch {
	case s.m[0] == magicSequence[0] && s.m[1] == magicSequence[1]:
		return wal.SequencePosition(binary.LittleEndian.Uint64(s.m[2:10])), nil
	case s.m[0] == magicTimestamp[0] && s.m[1] == magicTimestamp[1]:
		return wal.TimestampPosition(int64(binary.LittleEndian.Uint64(s.m[2:10]))), nil
	default:
		return wal.Position{}, nil
	}
}

// Flush pushes the mapped view to disk if dirty and signals waiters.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	if s.closed {
		return ErrClosed
	}
	if s.dirty {
		if err := s.m.Flush(); err != nil {
			return fmt.Errorf("flush checkpoint: %w", err)
		}
		s.dirty = false
	}
	close(s.flushed)
	s.flushed = make(chan struct{})
	return nil
}

// WaitForFlush blocks until the next flush completes or ctx is done.
func (s *Store) WaitForFlush(ctx context.Context) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	ch := s.flushed
	s.mu.RUnlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) flushLoop(ticker *time.Ticker, stop chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case <-ticker.C:
			if err := s.Flush(); err != nil && err != ErrClosed {
				s.logger.Warn().Err(err).Msg("background checkpoint flush failed")
			}
		case <-stop:
			return
		}
	}
}

// Close stops the background flush, flushes once more and unmaps.
func (s *Store) Close() error {
	s.mu.Lock()
	ticker, stop := s.ticker, s.stop
	s.ticker, s.stop = nil, nil
	s.mu.Unlock()
	if ticker != nil {
		ticker.Stop()
		close(stop)
		s.wg.Wait()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	err := s.flushLocked()
	s.closed = true
	if uerr := s.m.Unmap(); uerr != nil && err == nil {
		err = fmt.Errorf("unmap checkpoint: %w", uerr)
	}
	if cerr := s.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
