package wal

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/edsrzf/mmap-go"
	"github.com/rs/zerolog"
)

// segmentWriter owns one segment file open for read+write: a memory-mapped
// view over the 128-byte header, mutated in place on every append, and the
// appended tail. Frames are written straight through to the OS so
// same-process readers see them immediately; the dirty flags track what
// still needs to reach disk. Appends are serialized by the mutex; the header
// write is the commit point of an append.
type segmentWriter struct {
	mu   sync.Mutex
	path string
	file *os.File
	hmap mmap.MMap
	hdr  SegmentHeader

	createdAt time.Time
	scratch   []byte

	// Independent dirty flags so a quiescent flush can skip either side.
	hdrDirty  bool
	tailDirty bool

	flushBatch int
	sealed     bool
	closed     bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup

	logger zerolog.Logger
}

// openSegmentWriter opens or creates the segment at path for appending. A
// file shorter than the header is extended and given a fresh header; an
// existing header is decoded, and a sealed segment fails with ErrSealed.
func openSegmentWriter(path string, createdAt time.Time, flushInterval time.Duration, flushBatch int, logger zerolog.Logger) (*segmentWriter, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		if os.IsPermission(err) && fileSealed(path) {
			return nil, fmt.Errorf("%w: %s", ErrSealed, path)
		}
		return nil, fmt.Errorf("open segment %s: %w", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat segment %s: %w", path, err)
	}

	fresh := fi.Size() < SegmentHeaderSize
	if fresh {
		if err := f.Truncate(SegmentHeaderSize); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("extend segment %s: %w", path, err)
		}
	}

	m, err := mmap.MapRegion(f, SegmentHeaderSize, mmap.RDWR, 0, 0)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("map segment header %s: %w", path, err)
	}

	w := &segmentWriter{
		path:       path,
		file:       f,
		hmap:       m,
		createdAt:  createdAt,
		flushBatch: flushBatch,
		logger:     logger.With().Str("segment", path).Logger(),
	}

	if fresh {
		w.hdr = newSegmentHeader()
		w.hdr.encode(w.hmap)
		w.hdrDirty = true
	} else {
		hdr, err := decodeSegmentHeader(w.hmap)
		if err != nil {
			w.release()
			return nil, err
		}
		if hdr.ReadOnly {
			w.release()
			return nil, fmt.Errorf("%w: %s", ErrSealed, path)
		}
		w.hdr = hdr
	}

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		w.release()
		return nil, fmt.Errorf("seek segment tail %s: %w", path, err)
	}

	if flushInterval > 0 {
		w.ticker = time.NewTicker(flushInterval)
		w.stop = make(chan struct{})
		w.wg.Add(1)
		go w.flushLoop(w.ticker, w.stop)
	}

	return w, nil
}

// release drops the mmap view and file handle without flushing.
func (w *segmentWriter) release() {
	if w.hmap != nil {
		_ = w.hmap.Unmap()
		w.hmap = nil
	}
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
}

// header returns a snapshot of the current in-memory header.
func (w *segmentWriter) header() SegmentHeader {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.hdr
}

// append writes the framed payload to the segment tail and commits the
// record by rewriting the mmap'd header. Returns the frame length. An I/O
// error leaves
// the header untouched; the partial tail write is discarded by the frame
// decoder's resync path on recovery.
func (w *segmentWriter) append(payload []byte, seq uint64, ts int64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.sealed {
		return 0, ErrSealed
	}
	if w.closed {
		return 0, ErrClosed
	}

	w.scratch = AppendFrame(w.scratch[:0], seq, ts, payload)
	if _, err := w.file.Write(w.scratch); err != nil {
		return 0, fmt.Errorf("write frame: %w", err)
	}
	w.tailDirty = true

	n := len(w.scratch)
	if w.hdr.empty() {
		w.hdr.FirstSequence = seq
		w.hdr.FirstTimestamp = ts
	}
	w.hdr.LastSequence = seq
	w.hdr.LastTimestamp = ts
	w.hdr.MessageCount++
	w.hdr.SizeBytes += int64(n)
	w.hdr.encode(w.hmap)
	w.hdrDirty = true

	if w.flushBatch > 0 && w.hdr.MessageCount%uint64(w.flushBatch) == 0 {
		if err := w.flushLocked(); err != nil {
			return 0, err
		}
	}
	return n, nil
}

// flush syncs the written tail and the header view to disk if dirty.
func (w *segmentWriter) flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	return w.flushLocked()
}

// flushLocked flushes tail before header so the header never claims records
// whose frames are not on disk.
func (w *segmentWriter) flushLocked() error {
	if !w.tailDirty && !w.hdrDirty {
		return nil
	}
	if w.tailDirty {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("sync segment: %w", err)
		}
		w.tailDirty = false
	}
	if w.hdrDirty {
		if err := w.hmap.Flush(); err != nil {
			return fmt.Errorf("flush segment header: %w", err)
		}
		w.hdrDirty = false
	}
	metricFlushes.Inc()
	return nil
}

// seal marks the segment read-only, force-flushes, closes all handles and
// sets the read-only attribute on the file. A sealed segment can never be
// reopened for writing.
func (w *segmentWriter) seal() error {
	w.stopFlushLoop()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sealed {
		return nil
	}
	if w.closed {
		return ErrClosed
	}

	w.hdr.ReadOnly = true
	w.hdr.encode(w.hmap)
	w.hdrDirty = true
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.sealed = true
	w.closed = true
	w.release()

	if err := os.Chmod(w.path, 0o444); err != nil {
		return fmt.Errorf("mark segment read-only: %w", err)
	}
	return nil
}

// close flushes and releases the writer without sealing, leaving the segment
// writable for the next open.
func (w *segmentWriter) close() error {
	w.stopFlushLoop()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	err := w.flushLocked()
	w.closed = true
	w.release()
	return err
}

func (w *segmentWriter) stopFlushLoop() {
	w.mu.Lock()
	ticker, stop := w.ticker, w.stop
	w.ticker, w.stop = nil, nil
	w.mu.Unlock()

	if ticker == nil {
		return
	}
	ticker.Stop()
	close(stop)
	w.wg.Wait()
}

func (w *segmentWriter) flushLoop(ticker *time.Ticker, stop chan struct{}) {
	defer w.wg.Done()
	for {
		select {
		case <-ticker.C:
			if err := w.flush(); err != nil {
				w.logger.Warn().Err(err).Msg("background flush failed")
			}
		case <-stop:
			return
		}
	}
}
