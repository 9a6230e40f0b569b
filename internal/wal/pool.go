package wal

import "sync"

// BufferPool rents payload buffers to records delivered by readers. Consumers
// release each record before, or soon after, requesting the next one so the
// buffer returns to the pool.
type BufferPool struct {
	pool sync.Pool
}

// NewBufferPool creates an empty buffer pool.
func NewBufferPool() *BufferPool {
	return &BufferPool{
		pool: sync.Pool{
			New: func() any { return make([]byte, 0, 4096) },
		},
	}
}

// get returns a buffer of length len(src) filled from src.
func (p *BufferPool) get(src []byte) []byte {
	buf := p.pool.Get().([]byte)
	if cap(buf) < len(src) {
		buf = make([]byte, 0, len(src))
	}
	buf = buf[:len(src)]
	copy(buf, src)
	return buf
}

// put returns a buffer to the pool.
func (p *BufferPool) put(b []byte) {
	if b == nil {
		return
	}
	p.pool.Put(b[:0])
}

// Record is one log record delivered to a reader. Its payload buffer is
// rented from the log's buffer pool; Release must be called when the consumer
// is done with it.
type Record struct {
	Sequence  uint64
	Timestamp int64

	payload []byte
	pool    *BufferPool
}

// Payload returns the record payload. The slice is invalid after Release.
func (r *Record) Payload() []byte {
	return r.payload
}

// Release returns the payload buffer to the pool. Safe to call twice.
func (r *Record) Release() {
	if r.pool != nil {
		r.pool.put(r.payload)
	}
	r.payload = nil
	r.pool = nil
}
