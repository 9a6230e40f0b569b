package wal

import "errors"

var (
	// ErrClosed is returned for any operation on a closed log or writer.
	ErrClosed = errors.New("wal: closed")

	// ErrPayloadTooLarge is returned when an append exceeds the configured
	// per-record payload cap.
	ErrPayloadTooLarge = errors.New("wal: payload too large")

	// ErrSealed is returned when a sealed segment is opened for writing or
	// appended to. A sealed segment is never writable again.
	ErrSealed = errors.New("wal: segment sealed")

	// ErrInvalidHeader marks a segment header whose magic, version or CRC
	// does not verify. The segment is skipped during recovery.
	ErrInvalidHeader = errors.New("wal: invalid segment header")
)
