// Package wal implements an embedded, file-backed write-ahead log: a durable,
// append-only sequence of opaque byte payloads partitioned into rolling
// segment files with CRC32-checked framing.
package wal

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
)

// Frame layout (little-endian):
// ┌──────────────────────────────────────────────────────┐
// │ Magic "MSG!" (4B)                                    │
// ├──────────────────────────────────────────────────────┤
// │ PayloadLen (4B, int32, >= 0)                         │
// ├──────────────────────────────────────────────────────┤
// │ SequenceID (8B, uint64)                              │
// ├──────────────────────────────────────────────────────┤
// │ Timestamp (8B, int64, unix nanoseconds)              │
// ├──────────────────────────────────────────────────────┤
// │ Payload (variable)                                   │
// ├──────────────────────────────────────────────────────┤
// │ CRC32 (4B) - checksum of all preceding frame bytes   │
// └──────────────────────────────────────────────────────┘

const (
	// FrameHeaderSize is the fixed prefix before the payload.
	FrameHeaderSize = 24

	// FrameOverhead is the framing cost per record: header plus trailing CRC.
	FrameOverhead = FrameHeaderSize + 4

	// MaxPayloadSize limits an individual record payload.
	MaxPayloadSize = 1<<31 - 1
)

// frameMagic identifies the start of a record frame.
var frameMagic = []byte{'M', 'S', 'G', '!'}

// Frame is one decoded record frame. Payload aliases the decode input and is
// only valid until the input buffer is reused.
type Frame struct {
	Sequence  uint64
	Timestamp int64
	Payload   []byte
}

// Size returns the encoded size of the frame.
func (f Frame) Size() int {
	return FrameOverhead + len(f.Payload)
}

// AppendFrame encodes one record frame and appends it to dst, returning the
// extended slice. The CRC covers every frame byte before the CRC itself.
func AppendFrame(dst []byte, seq uint64, ts int64, payload []byte) []byte {
	start := len(dst)
	dst = append(dst, frameMagic...)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(payload)))
	dst = binary.LittleEndian.AppendUint64(dst, seq)
	dst = binary.LittleEndian.AppendUint64(dst, uint64(ts))
	dst = append(dst, payload...)
	crc := crc32.ChecksumIEEE(dst[start:])
	return binary.LittleEndian.AppendUint32(dst, crc)
}

// TryDecodeFrame scans b for the next valid frame.
//
// Bytes preceding a magic marker are skipped silently; candidates whose CRC
// does not verify are rejected and scanning resumes one byte past the
// rejected magic. The returned count is the number of bytes the caller can
// discard. ok=false means no complete frame is available yet: either more
// data is needed after `consumed` bytes (a partially received frame, or a
// magic prefix straddling the chunk boundary, is never consumed), or
// everything so far was garbage.
func TryDecodeFrame(b []byte) (f Frame, consumed int, ok bool) {
	for {
		rest := b[consumed:]
		i := bytes.Index(rest, frameMagic)
		if i < 0 {
			// No magic. Discard everything except a trailing partial magic
			// that may be completed by the next chunk.
			consumed += len(rest) - partialMagicLen(rest)
			return Frame{}, consumed, false
		}
		consumed += i
		cand := b[consumed:]
		if len(cand) < FrameHeaderSize {
			return Frame{}, consumed, false
		}
		plen := int32(binary.LittleEndian.Uint32(cand[4:8]))
		if plen < 0 {
			consumed++
			continue
		}
		total := FrameOverhead + int(plen)
		if len(cand) < total {
			return Frame{}, consumed, false
		}
		want := binary.LittleEndian.Uint32(cand[total-4 : total])
		if crc32.ChecksumIEEE(cand[:total-4]) != want {
			consumed++
			continue
		}
		f = Frame{
			Sequence:  binary.LittleEndian.Uint64(cand[8:16]),
			Timestamp: int64(binary.LittleEndian.Uint64(cand[16:24])),
			Payload:   cand[FrameHeaderSize : FrameHeaderSize+plen],
		}
		return f, consumed + total, true
	}
}

// partialMagicLen reports how many trailing bytes of b form a proper prefix
// of the frame magic. Those bytes must be retained across chunk boundaries.
func partialMagicLen(b []byte) int {
	for k := len(frameMagic) - 1; k > 0; k-- {
		if len(b) >= k && bytes.Equal(b[len(b)-k:], frameMagic[:k]) {
			return k
		}
	}
	return 0
}

// frameDecoder accumulates raw file bytes and yields decoded frames. Garbage
// between frames is dropped by the resync path in TryDecodeFrame.
type frameDecoder struct {
	buf []byte
}

func (d *frameDecoder) feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// next returns the next decodable frame. The frame payload aliases the
// decoder's buffer and must be copied before the next feed call.
func (d *frameDecoder) next() (Frame, bool) {
	f, n, ok := TryDecodeFrame(d.buf)
	d.buf = d.buf[n:]
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return f, ok
}

// pending reports how many undecoded bytes are buffered.
func (d *frameDecoder) pending() int {
	return len(d.buf)
}
