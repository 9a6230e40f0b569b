package wal

import (
	"sort"
	"sync"
)

// indexEntry records one sampled record: its sequence ID, timestamp and byte
// offset from the start of the segment body (header excluded).
type indexEntry struct {
	seq    uint64
	ts     int64
	offset int64
}

// sparseIndex holds every Nth record of one segment for seek assistance. A
// mutable index is attached to the active writer segment; freezing it on seal
// makes it immutable. The index is an optimization only: a lost index is
// rebuilt by rescanning the segment.
type sparseIndex struct {
	mu      sync.RWMutex
	entries []indexEntry
	frozen  bool
}

func newSparseIndex() *sparseIndex {
	return &sparseIndex{}
}

// add appends one entry. Entries arrive in append order, so the slice stays
// sorted by both sequence and timestamp. No-op once frozen.
func (x *sparseIndex) add(seq uint64, ts int64, offset int64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.frozen {
		return
	}
	x.entries = append(x.entries, indexEntry{seq: seq, ts: ts, offset: offset})
}

// freeze makes the index immutable. Called when its segment is sealed.
func (x *sparseIndex) freeze() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.frozen = true
}

// len returns the entry count.
func (x *sparseIndex) len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// seekSequence returns the body offset at which a scan for sequence seq
// should start. The offset always lands at or before the target record, so
// the caller must still skip records below the target.
func (x *sparseIndex) seekSequence(seq uint64) int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	i := sort.Search(len(x.entries), func(i int) bool {
		return x.entries[i].seq >= seq
	})
	return x.offsetAt(i, func(e indexEntry) bool { return e.seq == seq })
}

// seekTimestamp is the timestamp analogue of seekSequence.
func (x *sparseIndex) seekTimestamp(ts int64) int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	i := sort.Search(len(x.entries), func(i int) bool {
		return x.entries[i].ts >= ts
	})
	return x.offsetAt(i, func(e indexEntry) bool { return e.ts == ts })
}

// offsetAt resolves the search position i into a start offset: an exact hit
// seeks to the hit, an overshoot seeks to the previous entry, a miss past the
// end seeks to the last entry, and an empty index seeks to zero.
func (x *sparseIndex) offsetAt(i int, exact func(indexEntry) bool) int64 {
	if len(x.entries) == 0 {
		return 0
	}
	if i == len(x.entries) {
		return x.entries[len(x.entries)-1].offset
	}
	if exact(x.entries[i]) {
		return x.entries[i].offset
	}
	if i == 0 {
		return 0
	}
	return x.entries[i-1].offset
}
