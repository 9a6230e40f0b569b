package wal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RolloverReason names the predicate that triggered a segment rollover.
type RolloverReason string

// Rollover reasons, in evaluation order.
const (
	RolloverNoWritableSegments RolloverReason = "no_writable_segments"
	RolloverSegmentSize        RolloverReason = "segment_size_limit"
	RolloverSegmentTime        RolloverReason = "segment_time_limit"
	RolloverSegmentCount       RolloverReason = "segment_message_count_limit"
	RolloverManual             RolloverReason = "manual"
)

// sealedSegment is one retired segment tracked by the engine.
type sealedSegment struct {
	path      string
	createdAt time.Time
	header    SegmentHeader
	index     *sparseIndex
}

// SegmentInfo is a point-in-time snapshot of one segment.
type SegmentInfo struct {
	Path      string
	CreatedAt time.Time
	Header    SegmentHeader
	Active    bool
}

// readerState is the engine-side registration of one tailing reader: a queue
// of segments created by rollovers after the reader's snapshot, plus a
// wakeable signal. Retention never touches it.
type readerState struct {
	id uint64

	mu      sync.Mutex
	pending []string

	wake chan struct{}
}

func (r *readerState) enqueue(path string) {
	r.mu.Lock()
	r.pending = append(r.pending, path)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *readerState) pop() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return "", false
	}
	path := r.pending[0]
	r.pending = r.pending[1:]
	return path, true
}

// Log is the WAL engine: it owns the active segment writer and the sparse
// index set, assigns sequence IDs and timestamps, detects rollover, signals
// tailing readers and runs retention cleanup.
type Log struct {
	dir    string
	opts   Options
	logger zerolog.Logger
	clock  Clock
	pool   *BufferPool

	initMu      sync.Mutex
	initialized bool

	// mu is the write lock: appends, flushes, rollovers, cleanup, close.
	mu sync.Mutex

	// imu is the indices lock. Readers take the shared side to snapshot the
	// sealed set and the active segment; the exclusive side is taken by
	// rollover, cleanup, init and reader registration.
	imu sync.RWMutex

	active        *segmentWriter
	activeIndex   *sparseIndex
	activePath    string
	activeCreated time.Time

	sealed []*sealedSegment

	lastSeq uint64
	lastTS  int64

	readers    map[uint64]*readerState
	nextReader uint64

	cleanupStop chan struct{}
	cleanupWG   sync.WaitGroup

	done   chan struct{}
	closed bool
}

// New creates a Log over dir. The log is initialized lazily by the first
// operation, or eagerly via Init.
func New(dir string, opts ...Option) *Log {
	o := DefaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	o.normalize()
	return &Log{
		dir:     dir,
		opts:    o,
		logger:  o.Logger.With().Str("component", "wal").Str("dir", dir).Logger(),
		clock:   o.Clock,
		pool:    NewBufferPool(),
		readers: make(map[uint64]*readerState),
		done:    make(chan struct{}),
	}
}

// Open creates and initializes a Log over dir.
func Open(ctx context.Context, dir string, opts ...Option) (*Log, error) {
	l := New(dir, opts...)
	if err := l.Init(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// Dir returns the data directory.
func (l *Log) Dir() string { return l.dir }

// Init recovers the log state from the data directory. It is idempotent and
// safe for concurrent callers; only the first call does work.
func (l *Log) Init(ctx context.Context) error {
	l.initMu.Lock()
	defer l.initMu.Unlock()
	if l.initialized {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.imu.Lock()
	defer l.imu.Unlock()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	paths, err := listSegmentFiles(l.dir)
	if err != nil {
		return err
	}

	type writableSegment struct {
		path      string
		createdAt time.Time
		header    SegmentHeader
	}
	var writable []writableSegment

	for _, path := range paths {
		createdAt, err := parseSegmentName(path)
		if err != nil {
			l.logger.Warn().Str("file", path).Err(err).Msg("skipping unrecognized segment file")
			continue
		}
		hdr, err := readSegmentHeader(path)
		if err != nil {
			l.logger.Warn().Str("file", path).Err(err).Msg("skipping segment with invalid header")
			continue
		}
		if hdr.LastSequence > l.lastSeq {
			l.lastSeq = hdr.LastSequence
		}
		if hdr.LastTimestamp > l.lastTS {
			l.lastTS = hdr.LastTimestamp
		}
		if hdr.ReadOnly {
			idx, err := scanSegment(path, hdr, l.opts.SparseIndexInterval)
			if err != nil {
				l.logger.Warn().Str("file", path).Err(err).Msg("sparse index rebuild failed")
				idx = newSparseIndex()
			}
			idx.freeze()
			l.sealed = append(l.sealed, &sealedSegment{
				path:      path,
				createdAt: createdAt,
				header:    hdr,
				index:     idx,
			})
		} else {
			writable = append(writable, writableSegment{path: path, createdAt: createdAt, header: hdr})
		}
	}

	// At most one segment may be writable. A crash between creating a new
	// writer and sealing the old one can leave more: the newest wins, the
	// rest are sealed in place.
	for i, cand := range writable {
		if i < len(writable)-1 {
			l.logger.Warn().Str("file", cand.path).Msg("sealing stale writable segment")
			w, err := openSegmentWriter(cand.path, cand.createdAt, 0, 0, l.logger)
			if err != nil {
				l.logger.Warn().Str("file", cand.path).Err(err).Msg("cannot open stale segment; skipping")
				continue
			}
			if err := w.seal(); err != nil {
				l.logger.Warn().Str("file", cand.path).Err(err).Msg("cannot seal stale segment; skipping")
				continue
			}
			hdr := w.header()
			idx, err := scanSegment(cand.path, hdr, l.opts.SparseIndexInterval)
			if err != nil {
				idx = newSparseIndex()
			}
			idx.freeze()
			l.sealed = append(l.sealed, &sealedSegment{
				path:      cand.path,
				createdAt: cand.createdAt,
				header:    hdr,
				index:     idx,
			})
			continue
		}

		hdr, err := repairSegmentTail(cand.path, cand.header, l.logger)
		if err != nil {
			return err
		}
		w, err := openSegmentWriter(cand.path, cand.createdAt, l.opts.FlushInterval, l.opts.FlushBatchSize, l.logger)
		if err != nil {
			return err
		}
		idx, err := scanSegment(cand.path, hdr, l.opts.SparseIndexInterval)
		if err != nil {
			l.logger.Warn().Str("file", cand.path).Err(err).Msg("sparse index rebuild failed")
			idx = newSparseIndex()
		}
		l.active = w
		l.activeIndex = idx
		l.activePath = cand.path
		l.activeCreated = cand.createdAt
	}

	// Lexicographic path order is chronological order for segment names.
	sort.Slice(l.sealed, func(i, j int) bool { return l.sealed[i].path < l.sealed[j].path })

	if l.opts.SegmentCleanupInterval > 0 {
		l.cleanupStop = make(chan struct{})
		l.cleanupWG.Add(1)
		go l.cleanupLoop()
	}

	l.initialized = true
	l.logger.Info().
		Int("sealed_segments", len(l.sealed)).
		Bool("active_segment", l.active != nil).
		Uint64("last_sequence", l.lastSeq).
		Msg("log initialized")
	return nil
}

// repairSegmentTail reconciles the active segment's file length with its
// header. Frames past the header's committed size are uncommitted (the header
// write is the commit point) and are truncated; a header claiming more bytes
// than the file holds is clamped and rewritten.
func repairSegmentTail(path string, hdr SegmentHeader, logger zerolog.Logger) (SegmentHeader, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return hdr, fmt.Errorf("stat segment %s: %w", path, err)
	}
	limit := int64(SegmentHeaderSize) + hdr.SizeBytes
	switch {
	case fi.Size() > limit:
		logger.Warn().
			Str("file", path).
			Int64("file_size", fi.Size()).
			Int64("committed", limit).
			Msg("truncating uncommitted segment tail")
		if err := os.Truncate(path, limit); err != nil {
			return hdr, fmt.Errorf("truncate segment %s: %w", path, err)
		}
	case fi.Size() < limit:
		logger.Warn().
			Str("file", path).
			Int64("file_size", fi.Size()).
			Int64("committed", limit).
			Msg("segment header ahead of tail; clamping")
		hdr.SizeBytes = fi.Size() - SegmentHeaderSize
		f, err := os.OpenFile(path, os.O_RDWR, 0o644)
		if err != nil {
			return hdr, fmt.Errorf("open segment %s: %w", path, err)
		}
		buf := make([]byte, SegmentHeaderSize)
		hdr.encode(buf)
		if _, err := f.WriteAt(buf, 0); err != nil {
			_ = f.Close()
			return hdr, fmt.Errorf("rewrite segment header %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return hdr, fmt.Errorf("close segment %s: %w", path, err)
		}
	}
	return hdr, nil
}

// Append assigns the next sequence ID and timestamp to payload and writes it
// to the active segment, rolling over first if any rollover predicate fires.
func (l *Log) Append(ctx context.Context, payload []byte) (uint64, int64, error) {
	if err := l.Init(ctx); err != nil {
		return 0, 0, err
	}
	if int64(len(payload)) > int64(MaxPayloadSize) {
		return 0, 0, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	if max := l.opts.MaxEntryPayloadSize; max > 0 && int64(len(payload)) > max {
		return 0, 0, fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(payload), max)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, 0, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	frameLen := FrameOverhead + len(payload)
	if reason, ok := l.rolloverReasonLocked(frameLen); ok {
		if err := l.rolloverLocked(reason); err != nil {
			return 0, 0, err
		}
	}

	seq := l.lastSeq + 1
	ts := l.clock.Now().UnixNano()
	if ts < l.lastTS {
		ts = l.lastTS
	}

	n, err := l.active.append(payload, seq, ts)
	if err != nil {
		return 0, 0, err
	}
	l.lastSeq = seq
	l.lastTS = ts

	if iv := l.opts.SparseIndexInterval; iv > 0 {
		hdr := l.active.header()
		if hdr.MessageCount%uint64(iv) == 0 {
			l.activeIndex.add(seq, ts, hdr.SizeBytes-int64(n))
		}
	}

	metricAppends.Inc()
	metricAppendBytes.Add(float64(n))
	return seq, ts, nil
}

// rolloverReasonLocked evaluates the rollover predicates in order.
func (l *Log) rolloverReasonLocked(frameLen int) (RolloverReason, bool) {
	if l.active == nil {
		return RolloverNoWritableSegments, true
	}
	hdr := l.active.header()
	// An oversized frame landing on an empty segment is accepted rather than
	// rolling over forever.
	if max := l.opts.MaxSegmentSize; max > 0 && hdr.MessageCount > 0 && hdr.SizeBytes+int64(frameLen) > max {
		return RolloverSegmentSize, true
	}
	if span := l.opts.MaxSegmentTimeSpan; span > 0 {
		if !l.clock.Now().Before(l.activeCreated.Add(span)) {
			return RolloverSegmentTime, true
		}
	}
	if max := l.opts.MaxSegmentMessageCount; max > 0 && int64(hdr.MessageCount) >= max {
		return RolloverSegmentCount, true
	}
	return "", false
}

// rolloverLocked seals the active segment and starts a new one. The new
// writer is installed and announced to in-flight readers before the old one
// is sealed, so concurrent readers always have a writer to tail.
func (l *Log) rolloverLocked(reason RolloverReason) error {
	now := l.clock.Now()
	name, err := newSegmentName(now)
	if err != nil {
		return err
	}
	path := filepath.Join(l.dir, name)

	w, err := openSegmentWriter(path, now, l.opts.FlushInterval, l.opts.FlushBatchSize, l.logger)
	if err != nil {
		return err
	}

	old := l.active
	oldIdx := l.activeIndex
	oldPath := l.activePath
	oldCreated := l.activeCreated

	l.imu.Lock()
	l.active = w
	l.activeIndex = newSparseIndex()
	l.activePath = path
	l.activeCreated = now
	for _, r := range l.readers {
		r.enqueue(path)
	}
	var oldHdr SegmentHeader
	if old != nil {
		if err := old.seal(); err != nil {
			l.imu.Unlock()
			return fmt.Errorf("seal segment %s: %w", oldPath, err)
		}
		oldHdr = old.header()
		oldIdx.freeze()
		l.sealed = append(l.sealed, &sealedSegment{
			path:      oldPath,
			createdAt: oldCreated,
			header:    oldHdr,
			index:     oldIdx,
		})
	}
	l.imu.Unlock()

	l.notifyManifest(func(ctx context.Context) error {
		if old != nil {
			if err := l.opts.Manifest.SegmentSealed(ctx, oldPath, oldHdr); err != nil {
				return err
			}
		}
		return l.opts.Manifest.SegmentCreated(ctx, path, now)
	})

	metricRollovers.WithLabelValues(string(reason)).Inc()
	l.logger.Info().
		Str("reason", string(reason)).
		Str("segment", path).
		Msg("rolled over to new segment")
	return nil
}

// Rollover seals the active segment and starts a new one on demand.
func (l *Log) Rollover(ctx context.Context) error {
	if err := l.Init(ctx); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return l.rolloverLocked(RolloverManual)
}

// Flush syncs the active segment's written tail and its header view to disk.
func (l *Log) Flush(ctx context.Context) error {
	if err := l.Init(ctx); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.active == nil {
		return nil
	}
	return l.active.flush()
}

// Segments returns a snapshot of all tracked segments, oldest first.
func (l *Log) Segments(ctx context.Context) ([]SegmentInfo, error) {
	if err := l.Init(ctx); err != nil {
		return nil, err
	}
	l.imu.RLock()
	defer l.imu.RUnlock()

	infos := make([]SegmentInfo, 0, len(l.sealed)+1)
	for _, s := range l.sealed {
		infos = append(infos, SegmentInfo{
			Path:      s.path,
			CreatedAt: s.createdAt,
			Header:    s.header,
		})
	}
	if l.active != nil {
		infos = append(infos, SegmentInfo{
			Path:      l.activePath,
			CreatedAt: l.activeCreated,
			Header:    l.active.header(),
			Active:    true,
		})
	}
	return infos, nil
}

// LastSequence returns the highest assigned sequence ID.
func (l *Log) LastSequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// Cleanup applies the retention policy to sealed segments: first the count
// limit, then the age limit. The active segment is never touched. File
// deletion is best-effort; in-flight readers keep their own handles open.
func (l *Log) Cleanup(ctx context.Context) error {
	if err := l.Init(ctx); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	l.imu.Lock()
	victims := make(map[*sealedSegment]bool)
	if limit := l.opts.SegmentRetentionLimit; limit > 0 && len(l.sealed) > limit {
		for _, s := range l.sealed[:len(l.sealed)-limit] {
			victims[s] = true
		}
	}
	if period := l.opts.SegmentRetentionPeriod; period > 0 {
		now := l.clock.Now()
		for _, s := range l.sealed {
			if s.createdAt.Add(period).Before(now) {
				victims[s] = true
			}
		}
	}
	if len(victims) == 0 {
		l.imu.Unlock()
		return nil
	}
	kept := l.sealed[:0]
	var removed []string
	for _, s := range l.sealed {
		if victims[s] {
			removed = append(removed, s.path)
			continue
		}
		kept = append(kept, s)
	}
	l.sealed = kept
	l.imu.Unlock()

	for _, path := range removed {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			l.logger.Warn().Str("file", path).Err(err).Msg("segment delete failed")
			continue
		}
		metricSegmentsDeleted.Inc()
		l.logger.Info().Str("file", path).Msg("segment deleted by retention")
		p := path
		l.notifyManifest(func(ctx context.Context) error {
			return l.opts.Manifest.SegmentRemoved(ctx, p)
		})
	}
	return nil
}

func (l *Log) cleanupLoop() {
	defer l.cleanupWG.Done()
	ticker := time.NewTicker(l.opts.SegmentCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := l.Cleanup(context.Background()); err != nil && err != ErrClosed {
				l.logger.Warn().Err(err).Msg("background cleanup failed")
			}
		case <-l.cleanupStop:
			return
		}
	}
}

// Close flushes and releases the active writer without sealing it, stops
// background tasks and wakes blocked readers. Further operations fail with
// ErrClosed.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	stop := l.cleanupStop
	l.cleanupStop = nil
	l.mu.Unlock()

	if stop != nil {
		close(stop)
		l.cleanupWG.Wait()
	}
	close(l.done)

	l.mu.Lock()
	defer l.mu.Unlock()
	var err error
	if l.active != nil {
		err = l.active.close()
		l.active = nil
	}
	return err
}

// notifyManifest runs fn against the configured manifest with a bounded
// deadline. Manifest failures never affect the log.
func (l *Log) notifyManifest(fn func(context.Context) error) {
	if l.opts.Manifest == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		l.logger.Warn().Err(err).Msg("manifest update failed")
	}
}
