package wal

import (
	"time"

	"github.com/rs/zerolog"
)

// Defaults for the recognized configuration options.
const (
	DefaultMaxSegmentSize         = 64 * 1024 * 1024
	DefaultMaxSegmentMessageCount = int64(-1)
	DefaultMaxSegmentTimeSpan     = 24 * time.Hour
	DefaultFlushInterval          = time.Second
	DefaultFlushBatchSize         = 100
	DefaultSparseIndexInterval    = 500
	DefaultReadPollingInterval    = 500 * time.Millisecond
	DefaultSegmentCleanupInterval = time.Hour
	DefaultSegmentRetentionPeriod = 7 * 24 * time.Hour
	DefaultSegmentRetentionLimit  = 0
	DefaultMaxEntryPayloadSize    = int64(-1)
)

// Options configures a Log. Zero or negative values disable the respective
// limit or background task, matching the documented defaults.
type Options struct {
	// MaxSegmentSize triggers size-based rollover once the next frame would
	// take the segment body past this many bytes. A segment with no records
	// accepts its first frame whatever its size. <=0 disables.
	MaxSegmentSize int64

	// MaxSegmentMessageCount triggers count-based rollover. <=0 disables.
	MaxSegmentMessageCount int64

	// MaxSegmentTimeSpan triggers time-based rollover once the active
	// segment outlives its creation time by this much. <=0 disables;
	// positive values below one second are raised to one second.
	MaxSegmentTimeSpan time.Duration

	// FlushInterval is the background flush cadence. <=0 disables.
	FlushInterval time.Duration

	// FlushBatchSize forces a flush every N appends. <=0 disables.
	FlushBatchSize int

	// SparseIndexInterval records every Nth append in the segment's sparse
	// index. <=0 disables indexing.
	SparseIndexInterval int

	// ReadPollingInterval is the cadence at which tailing readers poll the
	// active segment for growth.
	ReadPollingInterval time.Duration

	// SegmentCleanupInterval is the background retention cadence. <=0
	// disables the background task; Cleanup can still be called manually.
	SegmentCleanupInterval time.Duration

	// SegmentRetentionPeriod deletes sealed segments older than this. <=0
	// disables.
	SegmentRetentionPeriod time.Duration

	// SegmentRetentionLimit caps the number of sealed segments kept. <=0
	// disables.
	SegmentRetentionLimit int

	// MaxEntryPayloadSize is the hard per-record payload cap. <=0 disables.
	MaxEntryPayloadSize int64

	// Clock is the append timestamp source. Defaults to the system clock.
	Clock Clock

	// Logger receives warnings and background task errors.
	Logger zerolog.Logger

	// Manifest optionally mirrors segment lifecycle events. Failures are
	// logged and never affect the log.
	Manifest Manifest
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		MaxSegmentSize:         DefaultMaxSegmentSize,
		MaxSegmentMessageCount: DefaultMaxSegmentMessageCount,
		MaxSegmentTimeSpan:     DefaultMaxSegmentTimeSpan,
		FlushInterval:          DefaultFlushInterval,
		FlushBatchSize:         DefaultFlushBatchSize,
		SparseIndexInterval:    DefaultSparseIndexInterval,
		ReadPollingInterval:    DefaultReadPollingInterval,
		SegmentCleanupInterval: DefaultSegmentCleanupInterval,
		SegmentRetentionPeriod: DefaultSegmentRetentionPeriod,
		SegmentRetentionLimit:  DefaultSegmentRetentionLimit,
		MaxEntryPayloadSize:    DefaultMaxEntryPayloadSize,
		Clock:                  SystemClock(),
		Logger:                 zerolog.Nop(),
	}
}

// Option mutates Options.
type Option func(*Options)

// WithMaxSegmentSize sets the size-based rollover limit.
func WithMaxSegmentSize(n int64) Option {
	return func(o *Options) { o.MaxSegmentSize = n }
}

// WithMaxSegmentMessageCount sets the count-based rollover limit.
func WithMaxSegmentMessageCount(n int64) Option {
	return func(o *Options) { o.MaxSegmentMessageCount = n }
}

// WithMaxSegmentTimeSpan sets the time-based rollover limit.
func WithMaxSegmentTimeSpan(d time.Duration) Option {
	return func(o *Options) { o.MaxSegmentTimeSpan = d }
}

// WithFlushInterval sets the background flush cadence.
func WithFlushInterval(d time.Duration) Option {
	return func(o *Options) { o.FlushInterval = d }
}

// WithFlushBatchSize sets the forced-flush append batch size.
func WithFlushBatchSize(n int) Option {
	return func(o *Options) { o.FlushBatchSize = n }
}

// WithSparseIndexInterval sets the index sampling interval.
func WithSparseIndexInterval(n int) Option {
	return func(o *Options) { o.SparseIndexInterval = n }
}

// WithReadPollingInterval sets the tail polling cadence.
func WithReadPollingInterval(d time.Duration) Option {
	return func(o *Options) { o.ReadPollingInterval = d }
}

// WithSegmentCleanupInterval sets the background retention cadence.
func WithSegmentCleanupInterval(d time.Duration) Option {
	return func(o *Options) { o.SegmentCleanupInterval = d }
}

// WithSegmentRetentionPeriod sets the age-based retention limit.
func WithSegmentRetentionPeriod(d time.Duration) Option {
	return func(o *Options) { o.SegmentRetentionPeriod = d }
}

// WithSegmentRetentionLimit sets the count-based retention limit.
func WithSegmentRetentionLimit(n int) Option {
	return func(o *Options) { o.SegmentRetentionLimit = n }
}

// WithMaxEntryPayloadSize sets the per-record payload cap.
func WithMaxEntryPayloadSize(n int64) Option {
	return func(o *Options) { o.MaxEntryPayloadSize = n }
}

// WithClock sets the timestamp source.
func WithClock(c Clock) Option {
	return func(o *Options) { o.Clock = c }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithManifest sets the optional segment manifest.
func WithManifest(m Manifest) Option {
	return func(o *Options) { o.Manifest = m }
}

// normalize applies the documented clamps.
func (o *Options) normalize() {
	if o.Clock == nil {
		o.Clock = SystemClock()
	}
	if o.MaxSegmentTimeSpan > 0 && o.MaxSegmentTimeSpan < time.Second {
		o.MaxSegmentTimeSpan = time.Second
	}
	if o.ReadPollingInterval <= 0 {
		o.ReadPollingInterval = DefaultReadPollingInterval
	}
}
