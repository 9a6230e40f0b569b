package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// Segment header layout (128 bytes, little-endian):
//
//	[0:4)     magic "WAL!"
//	[4:8)     version (currently 1)
//	[8:16)    first sequence ID (0 until first append)
//	[16:24)   last sequence ID
//	[24:32)   first timestamp (-1 until first append)
//	[32:40)   last timestamp
//	[40:48)   message count
//	[48:56)   body size in bytes (framing included, header excluded)
//	[56]      read-only flag (1 once sealed)
//	[57:124)  reserved, zero-filled
//	[124:128) CRC32 over [0:124)

const (
	// SegmentHeaderSize is the fixed on-disk size of a segment header.
	SegmentHeaderSize = 128

	// SegmentVersion is the only header version this build reads or writes.
	SegmentVersion = 1
)

var segmentMagic = []byte{'W', 'A', 'L', '!'}

// SegmentHeader is the decoded form of a segment file header.
type SegmentHeader struct {
	Version        uint32
	FirstSequence  uint64
	LastSequence   uint64
	FirstTimestamp int64
	LastTimestamp  int64
	MessageCount   uint64
	SizeBytes      int64
	ReadOnly       bool
}

// newSegmentHeader returns the header of a freshly created, empty segment.
func newSegmentHeader() SegmentHeader {
	return SegmentHeader{
		Version:        SegmentVersion,
		FirstTimestamp: -1,
		LastTimestamp:  -1,
	}
}

// empty reports whether the segment has never been appended to. A just-rolled
// segment keeps first sequence 0 until its first append.
func (h SegmentHeader) empty() bool {
	return h.FirstSequence == 0
}

// encode serializes the header into dst, which must be at least
// SegmentHeaderSize bytes.
func (h SegmentHeader) encode(dst []byte) {
	copy(dst[0:4], segmentMagic)
	binary.LittleEndian.PutUint32(dst[4:8], h.Version)
	binary.LittleEndian.PutUint64(dst[8:16], h.FirstSequence)
	binary.LittleEndian.PutUint64(dst[16:24], h.LastSequence)
	binary.LittleEndian.PutUint64(dst[24:32], uint64(h.FirstTimestamp))
	binary.LittleEndian.PutUint64(dst[32:40], uint64(h.LastTimestamp))
	binary.LittleEndian.PutUint64(dst[40:48], h.MessageCount)
	binary.LittleEndian.PutUint64(dst[48:56], uint64(h.SizeBytes))
	if h.ReadOnly {
		dst[56] = 1
	} else {
		dst[56] = 0
	}
	for i := 57; i < SegmentHeaderSize-4; i++ {
		dst[i] = 0
	}
	crc := crc32.ChecksumIEEE(dst[:SegmentHeaderSize-4])
	binary.LittleEndian.PutUint32(dst[SegmentHeaderSize-4:SegmentHeaderSize], crc)
}

// decodeSegmentHeader parses and validates a 128-byte segment header.
// Magic, version and CRC failures all return ErrInvalidHeader.
func decodeSegmentHeader(b []byte) (SegmentHeader, error) {
	if len(b) < SegmentHeaderSize {
		return SegmentHeader{}, fmt.Errorf("%w: short header: %d bytes", ErrInvalidHeader, len(b))
	}
	if !bytes.Equal(b[0:4], segmentMagic) {
		return SegmentHeader{}, fmt.Errorf("%w: bad magic %q", ErrInvalidHeader, b[0:4])
	}
	want := binary.LittleEndian.Uint32(b[SegmentHeaderSize-4 : SegmentHeaderSize])
	if crc32.ChecksumIEEE(b[:SegmentHeaderSize-4]) != want {
		return SegmentHeader{}, fmt.Errorf("%w: header CRC mismatch", ErrInvalidHeader)
	}
	h := SegmentHeader{
		Version:        binary.LittleEndian.Uint32(b[4:8]),
		FirstSequence:  binary.LittleEndian.Uint64(b[8:16]),
		LastSequence:   binary.LittleEndian.Uint64(b[16:24]),
		FirstTimestamp: int64(binary.LittleEndian.Uint64(b[24:32])),
		LastTimestamp:  int64(binary.LittleEndian.Uint64(b[32:40])),
		MessageCount:   binary.LittleEndian.Uint64(b[40:48]),
		SizeBytes:      int64(binary.LittleEndian.Uint64(b[48:56])),
		ReadOnly:       b[56] == 1,
	}
	if h.Version != SegmentVersion {
		return SegmentHeader{}, fmt.Errorf("%w: unsupported version %d", ErrInvalidHeader, h.Version)
	}
	return h, nil
}

// readSegmentHeader reads and validates the header of the segment at path.
func readSegmentHeader(path string) (SegmentHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return SegmentHeader{}, fmt.Errorf("open segment %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, SegmentHeaderSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return SegmentHeader{}, fmt.Errorf("%w: read header of %s: %v", ErrInvalidHeader, path, err)
	}
	return decodeSegmentHeader(buf)
}
