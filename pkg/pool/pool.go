// Package pool provides typed object pooling for hot paths of the format
// adapters, chiefly the read buffers handed to line scanners.
//
// Example usage:
//
//	buf := pool.GlobalBufferPool.Get(64 * 1024)
//	defer pool.GlobalBufferPool.Put(buf)
//
//	scanner := bufio.NewScanner(r)
//	scanner.Buffer(buf, maxLine)
package pool

import (
	"sync"
)

// Pool is a type-safe wrapper over sync.Pool. It is safe for concurrent use.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(T)
}

// New creates a pool. newFn builds a fresh object when the pool is empty;
// reset, if non-nil, runs on every object handed back through Put.
func New[T any](newFn func() T, reset func(T)) *Pool[T] {
	p := &Pool[T]{reset: reset}
	p.pool.New = func() interface{} { return newFn() }
	return p
}

// Get retrieves an object from the pool, allocating one if necessary.
func (p *Pool[T]) Get() T {
	return p.pool.Get().(T)
}

// Put returns obj to the pool.
func (p *Pool[T]) Put(obj T) {
	if p.reset != nil {
		p.reset(obj)
	}
	p.pool.Put(obj)
}

// BufferPool pools byte slices in power-of-four size buckets from 4KB to
// 16MB. Larger requests are allocated directly and never pooled.
type BufferPool struct {
	pools []*Pool[[]byte]
	sizes []int
}

// NewBufferPool creates a buffer pool with the default buckets.
func NewBufferPool() *BufferPool {
	sizes := []int{
		4 << 10,
		16 << 10,
		64 << 10,
		256 << 10,
		1 << 20,
		4 << 20,
		16 << 20,
	}

	pools := make([]*Pool[[]byte], len(sizes))
	for i, size := range sizes {
		pools[i] = New(func() []byte { return make([]byte, size) }, nil)
	}
	return &BufferPool{pools: pools, sizes: sizes}
}

// Get returns a buffer with length size from the smallest fitting bucket.
func (p *BufferPool) Get(size int) []byte {
	for i, s := range p.sizes {
		if s >= size {
			return p.pools[i].Get()[:size]
		}
	}
	return make([]byte, size)
}

// Put hands buf back to the bucket matching its capacity. Buffers with
// a foreign capacity are dropped.
func (p *BufferPool) Put(buf []byte) {
	c := cap(buf)
	for i, s := range p.sizes {
		if s == c {
			p.pools[i].Put(buf[:c])
			return
		}
	}
}

// GlobalBufferPool is shared by every reader in the process.
var GlobalBufferPool = NewBufferPool()
