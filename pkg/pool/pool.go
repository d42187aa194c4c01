// Package pool recycles the byte buffers the download workers copy through.
// Streams reuse a fixed-size buffer; thumbnail bodies, whose lengths vary
// with the preview width, draw from power-of-two buckets.
package pool

import (
	"fmt"
	"math/bits"
	"sync"
)

// BucketedBufferPool hands out slices sized to the request from a ladder of
// power-of-two buckets. Safe for concurrent use.
type BucketedBufferPool struct {
	minExp  int
	maxExp  int
	maxSize int64
	buckets []sync.Pool
}

// NewBucketedBufferPool builds a pool covering [minSize, maxSize]. Both
// bounds must be powers of two; requests above maxSize bypass the pool.
func NewBucketedBufferPool(minSize, maxSize int64) *BucketedBufferPool {
	if !powerOfTwo(minSize) {
		panic(fmt.Sprintf("minSize %d must be a power of two", minSize))
	}
	if !powerOfTwo(maxSize) {
		panic(fmt.Sprintf("maxSize %d must be a power of two", maxSize))
	}
	if maxSize <= minSize {
		panic("maxSize must be greater than minSize")
	}

	minExp := bits.TrailingZeros64(uint64(minSize))
	maxExp := bits.TrailingZeros64(uint64(maxSize))
	p := &BucketedBufferPool{
		minExp:  minExp,
		maxExp:  maxExp,
		maxSize: maxSize,
		buckets: make([]sync.Pool, maxExp+1),
	}
	for exp := minExp; exp <= maxExp; exp++ {
		n := 1 << exp
		p.buckets[exp].New = func() any {
			b := make([]byte, n)
			return &b
		}
	}
	return p
}

// Get returns a slice of exactly size bytes, backed by a bucket of at least
// that capacity. Oversized and non-positive requests are plain allocations.
func (p *BucketedBufferPool) Get(size int64) *[]byte {
	if size <= 0 {
		b := []byte{}
		return &b
	}
	if size > p.maxSize {
		b := make([]byte, size)
		return &b
	}

	exp := bits.Len64(uint64(size - 1))
	if exp < p.minExp {
		exp = p.minExp
	}
	buf := p.buckets[exp].Get().(*[]byte)
	// The exact length matters: io.ReadFull and io.CopyBuffer size their
	// work by len, not cap.
	*buf = (*buf)[:size]
	return buf
}

// Put returns a slice to its bucket. Slices that did not come from a bucket
// (wrong capacity or outside the ladder) are dropped for the GC.
func (p *BucketedBufferPool) Put(buf *[]byte) {
	if buf == nil {
		return
	}
	c := int64(cap(*buf))
	if c < int64(1)<<p.minExp || c > p.maxSize || !powerOfTwo(c) {
		return
	}
	*buf = (*buf)[:c]
	p.buckets[bits.TrailingZeros64(uint64(c))].Put(buf)
}

// FixedBufferPool recycles buffers of one size, for the ranged-download
// copy loop where every worker needs the same chunk buffer.
type FixedBufferPool struct {
	size int64
	pool sync.Pool
}

// NewFixedBuffer builds a pool of size-byte buffers.
func NewFixedBuffer(size int64) *FixedBufferPool {
	return &FixedBufferPool{
		size: size,
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

// Get returns a buffer of the pool's size.
func (p *FixedBufferPool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

// Put returns a buffer. Foreign sizes are dropped.
func (p *FixedBufferPool) Put(buf *[]byte) {
	if buf == nil || int64(cap(*buf)) != p.size {
		return
	}
	*buf = (*buf)[:p.size]
	p.pool.Put(buf)
}

func powerOfTwo(n int64) bool {
	return n > 0 && n&(n-1) == 0
}
