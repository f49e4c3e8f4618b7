package arena

import (
	"sync"
	"sync/atomic"
)

// DefaultBlockSize is the block size used when a pool is created with a
// non-positive size.
const DefaultBlockSize = 64 * 1024

// Pool hands out fixed-size zeroed blocks to arenas and takes them back when
// an arena is freed. A single pool may back any number of arenas, including
// arenas owned by different goroutines.
type Pool struct {
	blockSize int
	blocks    sync.Pool

	outstanding atomic.Int64
	allocated   atomic.Int64
}

// NewPool creates a block pool. Blocks are blockSize bytes long.
func NewPool(blockSize int) *Pool {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	p := &Pool{blockSize: blockSize}
	p.blocks.New = func() any {
		p.allocated.Add(1)
		b := make([]byte, p.blockSize)
		return &b
	}
	return p
}

// BlockSize returns the size of the blocks this pool hands out.
func (p *Pool) BlockSize() int {
	return p.blockSize
}

// Outstanding returns the number of blocks currently held by arenas.
func (p *Pool) Outstanding() int64 {
	return p.outstanding.Load()
}

// Allocated returns the number of blocks ever created by the pool.
func (p *Pool) Allocated() int64 {
	return p.allocated.Load()
}

func (p *Pool) get() []byte {
	p.outstanding.Add(1)
	return *(p.blocks.Get().(*[]byte))
}

// put zeroes the block before making it available again, so every block an
// arena receives starts out cleared.
func (p *Pool) put(b []byte) {
	p.outstanding.Add(-1)
	if cap(b) != p.blockSize {
		return
	}
	b = b[:p.blockSize]
	clear(b)
	p.blocks.Put(&b)
}
