package mcp

import "testing"

func TestBufferPoolGetReturnsZeroLength(t *testing.T) {
	p := NewBufferPool()
	b := p.Get()
	if len(b) != 0 {
		t.Errorf("expected zero-length buffer, got len %d", len(b))
	}
	if cap(b) < DefaultPoolBufferSize {
		t.Errorf("expected capacity >= %d, got %d", DefaultPoolBufferSize, cap(b))
	}
}

func TestBufferPoolReusesPutBuffers(t *testing.T) {
	p := NewBufferPool()
	b := p.Get()
	b = append(b, make([]byte, 128)...)
	p.Put(b)

	b2 := p.Get()
	if len(b2) != 0 {
		t.Errorf("expected zero length after reuse, got %d", len(b2))
	}
}

func TestBufferPoolDiscardsOversizedBuffers(t *testing.T) {
	p := NewBufferPool()
	huge := make([]byte, 0, DefaultPoolBufferSize*4)
	p.Put(huge) // must not panic; oversized buffer is simply dropped
}
