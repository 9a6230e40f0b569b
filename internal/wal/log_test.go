package wal

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// openTestLog opens a log with background tasks disabled and fast polling.
func openTestLog(t *testing.T, dir string, opts ...Option) *Log {
	t.Helper()
	base := []Option{
		WithFlushInterval(0),
		WithSegmentCleanupInterval(0),
		WithReadPollingInterval(2 * time.Millisecond),
	}
	l, err := Open(context.Background(), dir, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

type readRecord struct {
	seq     uint64
	ts      int64
	payload string
}

func readAll(t *testing.T, l *Log, opts ReadOptions) []readRecord {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cur, err := l.Read(ctx, opts)
	require.NoError(t, err)
	defer func() { _ = cur.Close() }()

	var out []readRecord
	for cur.Next(ctx) {
		rec := cur.Record()
		out = append(out, readRecord{rec.Sequence, rec.Timestamp, string(rec.Payload())})
		rec.Release()
	}
	require.NoError(t, cur.Err())
	return out
}

func TestAppendReadBasic(t *testing.T) {
	clock := NewManualClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	l := openTestLog(t, t.TempDir(), WithClock(clock))
	ctx := context.Background()

	for i, payload := range []string{"A", "B", "C"} {
		clock.Advance(time.Millisecond)
		seq, ts, err := l.Append(ctx, []byte(payload))
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), seq)
		assert.Equal(t, clock.Now().UnixNano(), ts)
	}

	got := readAll(t, l, ReadOptions{})
	require.Len(t, got, 3)
	for i, want := range []string{"A", "B", "C"} {
		assert.Equal(t, uint64(i+1), got[i].seq)
		assert.Equal(t, want, got[i].payload)
		if i > 0 {
			assert.Greater(t, got[i].ts, got[i-1].ts, "timestamps must strictly increase")
		}
	}
}

func nineSixtyFourBytePayloads() [][]byte {
	payloads := make([][]byte, 9)
	for i := range payloads {
		payloads[i] = bytes.Repeat([]byte{byte(i)}, 64)
	}
	return payloads
}

func assertFiveFourSplit(t *testing.T, l *Log) {
	t.Helper()
	segs, err := l.Segments(context.Background())
	require.NoError(t, err)
	require.Len(t, segs, 2)

	first, second := segs[0], segs[1]
	assert.True(t, first.Header.ReadOnly)
	assert.Equal(t, uint64(5), first.Header.MessageCount)
	assert.Equal(t, uint64(1), first.Header.FirstSequence)
	assert.Equal(t, uint64(5), first.Header.LastSequence)

	assert.True(t, second.Active)
	assert.Equal(t, uint64(4), second.Header.MessageCount)
	assert.Equal(t, uint64(6), second.Header.FirstSequence)
	assert.Equal(t, uint64(9), second.Header.LastSequence)
}

func TestCountRollover(t *testing.T) {
	l := openTestLog(t, t.TempDir(), WithMaxSegmentMessageCount(5))
	ctx := context.Background()

	for _, p := range nineSixtyFourBytePayloads() {
		_, _, err := l.Append(ctx, p)
		require.NoError(t, err)
	}
	assertFiveFourSplit(t, l)
}

func TestSizeRollover(t *testing.T) {
	frameLen := int64(FrameOverhead + 64)
	l := openTestLog(t, t.TempDir(), WithMaxSegmentSize(5*frameLen))
	ctx := context.Background()

	for _, p := range nineSixtyFourBytePayloads() {
		_, _, err := l.Append(ctx, p)
		require.NoError(t, err)
	}
	assertFiveFourSplit(t, l)
}

func TestTimeRollover(t *testing.T) {
	clock := NewManualClock(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	l := openTestLog(t, t.TempDir(), WithClock(clock), WithMaxSegmentTimeSpan(time.Minute))
	ctx := context.Background()

	_, _, err := l.Append(ctx, []byte("early"))
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, _, err = l.Append(ctx, []byte("late"))
	require.NoError(t, err)

	segs, err := l.Segments(ctx)
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.True(t, segs[0].Header.ReadOnly)
	assert.Equal(t, uint64(1), segs[0].Header.MessageCount)
	assert.Equal(t, uint64(1), segs[1].Header.MessageCount)
}

func TestRestartSequenceContinuity(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	l1 := openTestLog(t, dir)
	for i := 0; i < 5; i++ {
		_, _, err := l1.Append(ctx, []byte("payload"))
		require.NoError(t, err)
	}
	require.NoError(t, l1.Flush(ctx))
	require.NoError(t, l1.Close())

	l2 := openTestLog(t, dir)
	seq, _, err := l2.Append(ctx, []byte("after restart"))
	require.NoError(t, err)
	assert.Equal(t, uint64(6), seq, "next sequence must be header max + 1")

	got := readAll(t, l2, ReadOptions{})
	require.Len(t, got, 6)
	for i, rec := range got {
		assert.Equal(t, uint64(i+1), rec.seq)
	}
}

func TestRolloverSequenceContinuity(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := l.Append(ctx, []byte("x"))
		require.NoError(t, err)
	}
	require.NoError(t, l.Rollover(ctx))
	_, _, err := l.Append(ctx, []byte("y"))
	require.NoError(t, err)

	segs, err := l.Segments(ctx)
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, segs[0].Header.LastSequence+1, segs[1].Header.FirstSequence)
}

func TestCrashRecoveryCorruptTail(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	l1 := openTestLog(t, dir)
	for i := 0; i < 10; i++ {
		_, _, err := l1.Append(ctx, []byte("record payload"))
		require.NoError(t, err)
	}
	require.NoError(t, l1.Flush(ctx))
	segs, err := l1.Segments(ctx)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	path := segs[0].Path
	require.NoError(t, l1.Close())

	// Garbage over the last 5 bytes of the segment.
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	fi, err := f.Stat()
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, fi.Size()-5)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l2 := openTestLog(t, dir)
	got := readAll(t, l2, ReadOptions{})
	require.Len(t, got, 9, "the torn 10th record must be dropped")
	for i, rec := range got {
		assert.Equal(t, uint64(i+1), rec.seq)
	}

	// The header still records the 10th append, so the next ID is 11.
	seq, _, err := l2.Append(ctx, []byte("after crash"))
	require.NoError(t, err)
	assert.Equal(t, uint64(11), seq)

	got = readAll(t, l2, ReadOptions{})
	require.Len(t, got, 10)
	assert.Equal(t, uint64(11), got[9].seq)
}

func TestReadLimit(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _, err := l.Append(ctx, []byte("x"))
		require.NoError(t, err)
	}

	got := readAll(t, l, ReadOptions{Limit: 2})
	require.Len(t, got, 2)
	assert.Equal(t, uint64(1), got[0].seq)
	assert.Equal(t, uint64(2), got[1].seq)
}

func TestReadFromSequencePosition(t *testing.T) {
	l := openTestLog(t, t.TempDir(), WithMaxSegmentMessageCount(3))
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, _, err := l.Append(ctx, []byte{byte(i)})
		require.NoError(t, err)
	}

	got := readAll(t, l, ReadOptions{Position: SequencePosition(7)})
	require.Len(t, got, 4)
	for i, rec := range got {
		assert.Equal(t, uint64(7+i), rec.seq)
	}
}

func TestReadFromTimestampPosition(t *testing.T) {
	clock := NewManualClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	l := openTestLog(t, t.TempDir(), WithClock(clock))
	ctx := context.Background()

	var tsThird int64
	for i := 1; i <= 5; i++ {
		clock.Advance(time.Second)
		_, ts, err := l.Append(ctx, []byte{byte(i)})
		require.NoError(t, err)
		if i == 3 {
			tsThird = ts
		}
	}

	got := readAll(t, l, ReadOptions{Position: TimestampPosition(tsThird)})
	require.Len(t, got, 3)
	assert.Equal(t, uint64(3), got[0].seq)
}

func TestSparseIndexAssistedRead(t *testing.T) {
	l := openTestLog(t, t.TempDir(), WithSparseIndexInterval(10))
	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		_, _, err := l.Append(ctx, []byte("sixteen-byte-pay"))
		require.NoError(t, err)
	}

	got := readAll(t, l, ReadOptions{Position: SequencePosition(500), Limit: 1})
	require.Len(t, got, 1)
	assert.Equal(t, uint64(500), got[0].seq)
}

func TestLiveTailAcrossRollover(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cur, err := l.Read(ctx, ReadOptions{Watch: true})
	require.NoError(t, err)
	defer func() { _ = cur.Close() }()

	collected := make(chan []uint64, 1)
	go func() {
		var seqs []uint64
		for len(seqs) < 10 && cur.Next(ctx) {
			rec := cur.Record()
			seqs = append(seqs, rec.Sequence)
			rec.Release()
		}
		collected <- seqs
	}()

	for i := 0; i < 5; i++ {
		_, _, err := l.Append(ctx, []byte("before rollover"))
		require.NoError(t, err)
	}
	require.NoError(t, l.Rollover(ctx))
	for i := 0; i < 5; i++ {
		_, _, err := l.Append(ctx, []byte("after rollover"))
		require.NoError(t, err)
	}

	select {
	case seqs := <-collected:
		require.Len(t, seqs, 10)
		for i, seq := range seqs {
			assert.Equal(t, uint64(i+1), seq)
		}
	case <-ctx.Done():
		t.Fatal("tailing reader did not deliver all records in time")
	}
	require.NoError(t, cur.Err())
}

func TestWatchBlocksUntilAppend(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cur, err := l.Read(ctx, ReadOptions{Watch: true})
	require.NoError(t, err)
	defer func() { _ = cur.Close() }()

	got := make(chan uint64, 1)
	go func() {
		if cur.Next(ctx) {
			rec := cur.Record()
			got <- rec.Sequence
			rec.Release()
		}
		close(got)
	}()

	// Nothing may arrive before the first append.
	select {
	case seq := <-got:
		t.Fatalf("reader delivered %d before any append", seq)
	case <-time.After(20 * time.Millisecond):
	}

	_, _, err = l.Append(ctx, []byte("wake up"))
	require.NoError(t, err)

	select {
	case seq, ok := <-got:
		require.True(t, ok)
		assert.Equal(t, uint64(1), seq)
	case <-ctx.Done():
		t.Fatal("reader did not deliver the first append")
	}
}

func TestRetentionCleanupCountLimit(t *testing.T) {
	l := openTestLog(t, t.TempDir(),
		WithMaxSegmentMessageCount(2),
		WithSegmentRetentionLimit(1),
		WithSegmentRetentionPeriod(0),
	)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, _, err := l.Append(ctx, []byte("x"))
		require.NoError(t, err)
	}
	segsBefore, err := l.Segments(ctx)
	require.NoError(t, err)
	require.Len(t, segsBefore, 3) // two sealed + active

	require.NoError(t, l.Cleanup(ctx))

	segsAfter, err := l.Segments(ctx)
	require.NoError(t, err)
	require.Len(t, segsAfter, 2)
	assert.True(t, segsAfter[1].Active, "the active segment is never deleted")

	_, statErr := os.Stat(segsBefore[0].Path)
	assert.True(t, os.IsNotExist(statErr), "oldest sealed segment file must be gone")
	_, statErr = os.Stat(segsAfter[1].Path)
	assert.NoError(t, statErr)
}

func TestRetentionCleanupAge(t *testing.T) {
	clock := NewManualClock(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	l := openTestLog(t, t.TempDir(),
		WithClock(clock),
		WithSegmentRetentionPeriod(time.Hour),
		WithSegmentRetentionLimit(0),
		WithMaxSegmentTimeSpan(0),
	)
	ctx := context.Background()

	_, _, err := l.Append(ctx, []byte("old"))
	require.NoError(t, err)
	require.NoError(t, l.Rollover(ctx))

	// Not yet expired.
	require.NoError(t, l.Cleanup(ctx))
	segs, err := l.Segments(ctx)
	require.NoError(t, err)
	require.Len(t, segs, 2)

	clock.Advance(2 * time.Hour)
	require.NoError(t, l.Cleanup(ctx))
	segs, err = l.Segments(ctx)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.True(t, segs[0].Active)
}

func TestPayloadTooLarge(t *testing.T) {
	l := openTestLog(t, t.TempDir(), WithMaxEntryPayloadSize(4))
	ctx := context.Background()

	_, _, err := l.Append(ctx, []byte("too big"))
	require.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.Equal(t, uint64(0), l.LastSequence(), "failed append must not consume a sequence ID")

	seq, _, err := l.Append(ctx, []byte("ok"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
}

func TestOperationsAfterClose(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	ctx := context.Background()
	_, _, err := l.Append(ctx, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	_, _, err = l.Append(ctx, []byte("y"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = l.Read(ctx, ReadOptions{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, l.Rollover(ctx), ErrClosed)
	assert.ErrorIs(t, l.Cleanup(ctx), ErrClosed)
	assert.NoError(t, l.Close(), "close is idempotent")
}

func TestInitSkipsInvalidHeader(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	l1 := openTestLog(t, dir, WithMaxSegmentMessageCount(2))
	for i := 0; i < 4; i++ {
		_, _, err := l1.Append(ctx, []byte("x"))
		require.NoError(t, err)
	}
	segs, err := l1.Segments(ctx)
	require.NoError(t, err)
	require.Len(t, segs, 2)
	sealedPath := segs[0].Path
	require.NoError(t, l1.Close())

	// Flip a byte inside the sealed segment's header.
	require.NoError(t, os.Chmod(sealedPath, 0o644))
	f, err := os.OpenFile(sealedPath, os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xEE}, 16)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l2 := openTestLog(t, dir, WithMaxSegmentMessageCount(2))
	segs, err = l2.Segments(ctx)
	require.NoError(t, err)
	require.Len(t, segs, 1, "the corrupt segment is skipped with a warning")

	got := readAll(t, l2, ReadOptions{})
	require.Len(t, got, 2)
	assert.Equal(t, uint64(3), got[0].seq)
}

func TestManifestLifecycleEvents(t *testing.T) {
	manifest := NewInMemoryManifest()
	l := openTestLog(t, t.TempDir(),
		WithManifest(manifest),
		WithSegmentRetentionLimit(1),
		WithMaxSegmentMessageCount(1),
	)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := l.Append(ctx, []byte("x"))
		require.NoError(t, err)
	}
	segs, err := l.Segments(ctx)
	require.NoError(t, err)
	require.Len(t, segs, 3)

	assert.Equal(t, "sealed", manifest.Status(segs[0].Path))
	assert.Equal(t, "active", manifest.Status(segs[2].Path))

	require.NoError(t, l.Cleanup(ctx))
	assert.Equal(t, "deleted", manifest.Status(segs[0].Path))
}

func TestReadAfterRetentionDuringCursor(t *testing.T) {
	// A reader holding its own handle may finish a segment deleted by
	// retention; a reader opening after deletion simply skips it.
	l := openTestLog(t, t.TempDir(),
		WithMaxSegmentMessageCount(2),
		WithSegmentRetentionLimit(1),
	)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		_, _, err := l.Append(ctx, []byte("x"))
		require.NoError(t, err)
	}
	require.NoError(t, l.Cleanup(ctx))

	got := readAll(t, l, ReadOptions{})
	require.NotEmpty(t, got)
	assert.Equal(t, uint64(3), got[0].seq, "records of deleted segments are gone")
}

func TestConcurrentAppends(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	ctx := context.Background()

	const goroutines = 8
	const perGoroutine = 50
	errs := make(chan error, goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			for i := 0; i < perGoroutine; i++ {
				if _, _, err := l.Append(ctx, []byte("concurrent")); err != nil {
					errs <- err
					return
				}
			}
			errs <- nil
		}()
	}
	for g := 0; g < goroutines; g++ {
		require.NoError(t, <-errs)
	}

	got := readAll(t, l, ReadOptions{})
	require.Len(t, got, goroutines*perGoroutine)
	for i, rec := range got {
		assert.Equal(t, uint64(i+1), rec.seq, "sequence IDs are contiguous and ordered")
	}
}
