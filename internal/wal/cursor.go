package wal

import (
	"context"
	"errors"
	"io"
	"os"
	"time"
)

// cursorSegment is one segment selected by a read snapshot.
type cursorSegment struct {
	path  string
	index *sparseIndex
}

// Cursor streams records in sequence order across segment boundaries.
// Iterate with Next/Record, check Err afterwards, and Close when done. Each
// delivered record owns a pooled buffer the consumer must Release.
type Cursor struct {
	log    *Log
	target Position
	watch  bool
	limit  int64
	poll   time.Duration

	snapshot []cursorSegment
	snapIdx  int
	seen     map[string]bool

	state *readerState
	cur   *segmentScanner

	rec       *Record
	err       error
	delivered int64
	closed    bool
}

// Read opens a cursor at the given position. With Watch set, the cursor
// registers with the engine, tails the active segment and follows rollovers
// until cancellation; otherwise it terminates at the end of the matching
// records.
func (l *Log) Read(ctx context.Context, opts ReadOptions) (*Cursor, error) {
	if err := l.Init(ctx); err != nil {
		return nil, err
	}
	select {
	case <-l.done:
		return nil, ErrClosed
	default:
	}

	c := &Cursor{
		log:    l,
		target: opts.Position,
		watch:  opts.Watch,
		limit:  opts.Limit,
		poll:   l.opts.ReadPollingInterval,
		seen:   make(map[string]bool),
	}

	if opts.Watch {
		// Registration and snapshot are atomic under the indices write lock
		// so no rollover can slip between them unseen.
		l.imu.Lock()
		l.nextReader++
		c.state = &readerState{id: l.nextReader, wake: make(chan struct{}, 1)}
		l.readers[c.state.id] = c.state
		c.snapshot = l.snapshotLocked(opts)
		l.imu.Unlock()
		metricActiveReaders.Inc()
	} else {
		l.imu.RLock()
		c.snapshot = l.snapshotLocked(opts)
		l.imu.RUnlock()
	}
	return c, nil
}

// snapshotLocked selects the segments whose range can contain records at or
// after the target position, in chronological order. The active segment is
// included for watchers regardless of its range. Callers hold imu.
func (l *Log) snapshotLocked(opts ReadOptions) []cursorSegment {
	var segs []cursorSegment
	for _, s := range l.sealed {
		if s.header.empty() || !headerCovers(s.header, opts.Position) {
			continue
		}
		segs = append(segs, cursorSegment{path: s.path, index: s.index})
	}
	if l.active != nil {
		hdr := l.active.header()
		if opts.Watch || (!hdr.empty() && headerCovers(hdr, opts.Position)) {
			segs = append(segs, cursorSegment{path: l.activePath, index: l.activeIndex})
		}
	}
	return segs
}

// headerCovers reports whether a segment whose header is h can contain a
// record at or after p.
func headerCovers(h SegmentHeader, p Position) bool {
	switch p.Kind {
	case PositionSequence:
		return h.LastSequence >= p.Sequence
	case PositionTimestamp:
		return h.LastTimestamp >= p.Timestamp
	default:
		return true
	}
}

// Next advances to the next matching record. It returns false at the end of
// the stream, on cancellation, or after the limit is exhausted; Err
// distinguishes the cases.
func (c *Cursor) Next(ctx context.Context) bool {
	if c.closed || c.err != nil {
		return false
	}
	c.rec = nil
	if c.limit > 0 && c.delivered >= c.limit {
		return false
	}

	for {
		if c.cur == nil {
			seg, ok := c.nextSegment()
			if !ok {
				if !c.watch {
					return false
				}
				if !c.waitForSegment(ctx) {
					return false
				}
				continue
			}
			offset := int64(0)
			if seg.index != nil {
				switch c.target.Kind {
				case PositionSequence:
					offset = seg.index.seekSequence(c.target.Sequence)
				case PositionTimestamp:
					offset = seg.index.seekTimestamp(c.target.Timestamp)
				}
			}
			sc, err := newSegmentScanner(seg.path, offset, c.watch, c.poll)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					// Deleted by retention between snapshot and open.
					continue
				}
				c.err = err
				return false
			}
			sc.done = c.log.done
			c.cur = sc
		}

		f, err := c.cur.next(ctx)
		if err != nil {
			_ = c.cur.close()
			c.cur = nil
			if err == io.EOF {
				continue
			}
			c.err = err
			return false
		}
		if !c.target.matches(f.Sequence, f.Timestamp) {
			continue
		}

		c.rec = &Record{
			Sequence:  f.Sequence,
			Timestamp: f.Timestamp,
			payload:   c.log.pool.get(f.Payload),
			pool:      c.log.pool,
		}
		c.delivered++
		return true
	}
}

// nextSegment yields the next unvisited segment: first the snapshot, then
// segments queued by rollovers.
func (c *Cursor) nextSegment() (cursorSegment, bool) {
	for c.snapIdx < len(c.snapshot) {
		seg := c.snapshot[c.snapIdx]
		c.snapIdx++
		if c.seen[seg.path] {
			continue
		}
		c.seen[seg.path] = true
		return seg, true
	}
	if c.state != nil {
		for {
			path, ok := c.state.pop()
			if !ok {
				return cursorSegment{}, false
			}
			if c.seen[path] {
				continue
			}
			c.seen[path] = true
			return cursorSegment{path: path}, true
		}
	}
	return cursorSegment{}, false
}

// waitForSegment blocks until a rollover queues a new segment, the context is
// cancelled or the log closes.
func (c *Cursor) waitForSegment(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		c.err = ctx.Err()
		return false
	case <-c.log.done:
		c.err = ErrClosed
		return false
	case <-c.state.wake:
		return true
	}
}

// Record returns the record produced by the last successful Next call.
func (c *Cursor) Record() *Record {
	return c.rec
}

// Err returns the terminal error, if any. Normal exhaustion and limit
// completion leave it nil.
func (c *Cursor) Err() error {
	return c.err
}

// Close unregisters the cursor and releases its file handle. Records already
// delivered stay valid until their own Release.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.cur != nil {
		_ = c.cur.close()
		c.cur = nil
	}
	if c.state != nil {
		c.log.imu.Lock()
		delete(c.log.readers, c.state.id)
		c.log.imu.Unlock()
		c.state = nil
		metricActiveReaders.Dec()
	}
	return nil
}
