package mcp

import "sync"

// DefaultPoolBufferSize is the capacity a fresh buffer is allocated with.
const DefaultPoolBufferSize = 32 * 1024

// maxRetainedMultiple bounds how much larger than DefaultPoolBufferSize a
// returned buffer may be before it is discarded instead of pooled — an
// oversized buffer retained forever would turn one large message into a
// permanent memory cost for every future lease.
const maxRetainedMultiple = 2

// BufferPool is a lease/return pool of reusable byte buffers, used by the
// SSE streaming path and JSON serialization to reduce per-event
// allocations. Buffers more than 2x the default size are discarded on
// return rather than retained.
type BufferPool struct {
	pool sync.Pool
}

// NewBufferPool constructs an empty BufferPool.
func NewBufferPool() *BufferPool {
	return &BufferPool{
		pool: sync.Pool{
			New: func() interface{} {
				b := make([]byte, 0, DefaultPoolBufferSize)
				return &b
			},
		},
	}
}

// Get leases a buffer with length 0 and at least DefaultPoolBufferSize
// capacity.
func (p *BufferPool) Get() []byte {
	b := p.pool.Get().(*[]byte)
	return (*b)[:0]
}

// Put returns a buffer to the pool. Oversized buffers (more than
// maxRetainedMultiple times the default size) are dropped so one large
// message doesn't pin memory in the pool indefinitely.
func (p *BufferPool) Put(b []byte) {
	if cap(b) > DefaultPoolBufferSize*maxRetainedMultiple {
		return
	}
	b = b[:0]
	p.pool.Put(&b)
}
