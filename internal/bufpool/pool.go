// Package bufpool recycles the transfer buffers used for chunk reads and
// plaintext copies.
package bufpool

import (
	"sync"
)

// Pool hands out buffers of one fixed size.
type Pool struct {
	pool    sync.Pool
	bufSize int
}

// New creates a pool of bufSize-byte buffers.
func New(bufSize int) *Pool {
	if bufSize <= 0 {
		panic("bufSize must be positive")
	}
	return &Pool{
		bufSize: bufSize,
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, bufSize)
				return &b
			},
		},
	}
}

// Get returns a buffer of exactly bufSize bytes.
func (p *Pool) Get() []byte {
	b := p.pool.Get().(*[]byte)
	return (*b)[:p.bufSize]
}

// Put recycles buf. Buffers of another capacity are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) != p.bufSize {
		return
	}
	buf = buf[:cap(buf)]
	p.pool.Put(&buf)
}

// BufSize returns the size of buffers in this pool.
func (p *Pool) BufSize() int {
	return p.bufSize
}

// Pools holds one Pool per buffer size. Chunk sizes are negotiated per
// upload, so callers ask for a size instead of owning a fixed pool.
type Pools struct {
	mu    sync.Mutex
	pools map[int]*Pool
}

// NewPools creates an empty set of pools.
func NewPools() *Pools {
	return &Pools{pools: make(map[int]*Pool)}
}

// Get returns a buffer of exactly size bytes.
func (p *Pools) Get(size int) []byte {
	return p.pool(size).Get()
}

// Put returns buf to the pool matching its capacity.
func (p *Pools) Put(buf []byte) {
	if cap(buf) == 0 {
		return
	}
	p.mu.Lock()
	pool, ok := p.pools[cap(buf)]
	p.mu.Unlock()
	if ok {
		pool.Put(buf)
	}
}

func (p *Pools) pool(size int) *Pool {
	p.mu.Lock()
	defer p.mu.Unlock()
	pool, ok := p.pools[size]
	if !ok {
		pool = New(size)
		p.pools[size] = pool
	}
	return pool
}
