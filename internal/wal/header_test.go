package wal

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := SegmentHeader{
		Version:        SegmentVersion,
		FirstSequence:  10,
		LastSequence:   250,
		FirstTimestamp: 1000,
		LastTimestamp:  9000,
		MessageCount:   241,
		SizeBytes:      123456,
		ReadOnly:       true,
	}

	buf := make([]byte, SegmentHeaderSize)
	h.encode(buf)

	got, err := decodeSegmentHeader(buf)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got != h {
		t.Errorf("round trip mismatch:\n  want %+v\n  got  %+v", h, got)
	}
}

func TestHeaderFreshDefaults(t *testing.T) {
	h := newSegmentHeader()
	if !h.empty() {
		t.Error("fresh header should be empty")
	}
	if h.FirstTimestamp != -1 || h.LastTimestamp != -1 {
		t.Errorf("fresh timestamps should be -1, got %d/%d", h.FirstTimestamp, h.LastTimestamp)
	}
	buf := make([]byte, SegmentHeaderSize)
	h.encode(buf)
	if _, err := decodeSegmentHeader(buf); err != nil {
		t.Errorf("fresh header should decode: %v", err)
	}
}

func TestHeaderRejectsBitFlips(t *testing.T) {
	h := newSegmentHeader()
	h.FirstSequence = 1
	h.LastSequence = 5
	h.MessageCount = 5

	buf := make([]byte, SegmentHeaderSize)
	h.encode(buf)

	// Any bit flip in [0, 124) must invalidate the header.
	for i := 0; i < SegmentHeaderSize-4; i++ {
		corrupt := make([]byte, SegmentHeaderSize)
		copy(corrupt, buf)
		corrupt[i] ^= 0x01

		if _, err := decodeSegmentHeader(corrupt); !errors.Is(err, ErrInvalidHeader) {
			t.Fatalf("bit flip at byte %d not rejected: %v", i, err)
		}
	}
}

func TestHeaderRejectsUnsupportedVersion(t *testing.T) {
	h := newSegmentHeader()
	buf := make([]byte, SegmentHeaderSize)
	h.encode(buf)

	// Bump the version and re-CRC so only the version check can fail.
	binary.LittleEndian.PutUint32(buf[4:8], 2)
	crc := crc32.ChecksumIEEE(buf[:SegmentHeaderSize-4])
	binary.LittleEndian.PutUint32(buf[SegmentHeaderSize-4:], crc)

	if _, err := decodeSegmentHeader(buf); !errors.Is(err, ErrInvalidHeader) {
		t.Errorf("unsupported version not rejected: %v", err)
	}
}

func TestHeaderRejectsShortBuffer(t *testing.T) {
	if _, err := decodeSegmentHeader(make([]byte, 64)); !errors.Is(err, ErrInvalidHeader) {
		t.Errorf("short buffer not rejected: %v", err)
	}
}
