package wal

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"
)

const scanChunkSize = 32 * 1024

// segmentScanner streams frames from one segment file, starting at a byte
// offset into the segment body. In watch mode it polls the file for growth at
// the configured interval and terminates once the segment is sealed (OS
// read-only attribute) or the file vanishes. Polling is the only
// change-detection mechanism; rollover acceleration happens one level up, in
// the engine's reader registry.
type segmentScanner struct {
	path  string
	file  *os.File
	dec   frameDecoder
	off   int64 // next absolute file offset to read
	watch bool
	poll  time.Duration
	chunk []byte

	// done, when non-nil, aborts tail waits because the owning log closed.
	done <-chan struct{}
}

// newSegmentScanner opens path for reading at the given body offset.
func newSegmentScanner(path string, bodyOffset int64, watch bool, poll time.Duration) (*segmentScanner, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", path, err)
	}
	return &segmentScanner{
		path:  path,
		file:  f,
		off:   SegmentHeaderSize + bodyOffset,
		watch: watch,
		poll:  poll,
		chunk: make([]byte, scanChunkSize),
	}, nil
}

// next returns the next frame, io.EOF when the segment is exhausted, or the
// context error on cancellation. Partially decoded bytes at cancellation are
// dropped. The frame payload is only valid until the following next call.
func (s *segmentScanner) next(ctx context.Context) (Frame, error) {
	sealedRetry := false
	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		if f, ok := s.dec.next(); ok {
			return f, nil
		}

		n, err := s.file.ReadAt(s.chunk, s.off)
		if n > 0 {
			s.off += int64(n)
			s.dec.feed(s.chunk[:n])
			sealedRetry = false
			continue
		}
		if err != nil && err != io.EOF {
			return Frame{}, fmt.Errorf("read segment %s: %w", s.path, err)
		}

		// At end of file with no decodable frame buffered.
		if !s.watch {
			return Frame{}, io.EOF
		}
		if fileSealed(s.path) {
			// Seal flushes before setting the attribute, so one extra read
			// pass after observing it drains any bytes written in between.
			if sealedRetry {
				return Frame{}, io.EOF
			}
			sealedRetry = true
			continue
		}
		if err := s.wait(ctx); err != nil {
			return Frame{}, err
		}
	}
}

// wait sleeps one full poll interval, returning early only on cancellation or
// log close; growth is picked up by the next read. A vanished file ends the
// scan.
func (s *segmentScanner) wait(ctx context.Context) error {
	timer := time.NewTimer(s.poll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	case <-timer.C:
	}
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return io.EOF
	}
	return nil
}

// close releases the file handle.
func (s *segmentScanner) close() error {
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}

// scanSegment rebuilds a sparse index by scanning the committed body of the
// segment at path. Only the first hdr.SizeBytes body bytes are scanned; every
// interval-th record is sampled. Correctness never depends on the result: a
// lost index only costs seek time.
func scanSegment(path string, hdr SegmentHeader, interval int) (*sparseIndex, error) {
	idx := newSparseIndex()
	if hdr.empty() || interval <= 0 {
		return idx, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	body := io.NewSectionReader(f, SegmentHeaderSize, hdr.SizeBytes)
	var dec frameDecoder
	chunk := make([]byte, scanChunkSize)
	var scanned int64 // body bytes handed to the decoder
	var count uint64

	for {
		frame, ok := dec.next()
		if !ok {
			n, err := body.Read(chunk)
			if n > 0 {
				dec.feed(chunk[:n])
				scanned += int64(n)
				continue
			}
			if err == io.EOF {
				return idx, nil
			}
			if err != nil {
				return nil, fmt.Errorf("scan segment %s: %w", path, err)
			}
			continue
		}
		count++
		if count%uint64(interval) == 0 {
			// Offset of the frame start: everything scanned minus what is
			// still undecoded minus this frame itself.
			offset := scanned - int64(dec.pending()) - int64(frame.Size())
			idx.add(frame.Sequence, frame.Timestamp, offset)
		}
	}
}
