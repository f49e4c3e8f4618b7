// Package arena provides region allocators whose memory is released as a
// whole. Arenas back the persistent state of a memory manager as well as the
// short-lived scratch space of a single method transformation.
package arena

import (
	"errors"
	"fmt"
)

var (
	// ErrArenaFreed is returned when allocating from an arena after Free.
	ErrArenaFreed = errors.New("arena: allocation from freed arena")

	// ErrTooLarge is returned for requests that cannot be satisfied at all.
	ErrTooLarge = errors.New("arena: allocation too large")
)

// MaxAlloc bounds a single allocation.
const MaxAlloc = 1 << 30

// Arena is a bump allocator over blocks obtained from a Pool. Requests larger
// than the pool's block size get a dedicated block that is not returned to
// the pool. All memory handed out is zeroed.
//
// An Arena is not safe for concurrent use; owners serialize access.
type Arena struct {
	pool   *Pool
	blocks [][]byte // pooled blocks, current one last
	large  [][]byte // dedicated oversize blocks
	cur    []byte
	off    int
	used   int
	freed  bool
}

// New creates an arena drawing blocks from pool. A nil pool gets a private
// pool with the default block size.
func New(pool *Pool) *Arena {
	if pool == nil {
		pool = NewPool(DefaultBlockSize)
	}
	return &Arena{pool: pool}
}

// Alloc returns size zeroed bytes whose start is aligned to align within its
// block. align must be zero or a power of two.
func (a *Arena) Alloc(size, align int) ([]byte, error) {
	if a.freed {
		return nil, ErrArenaFreed
	}
	if size < 0 || size > MaxAlloc {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}
	if align <= 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return nil, fmt.Errorf("arena: alignment %d is not a power of two", align)
	}
	if size == 0 {
		return []byte{}, nil
	}

	if size > a.pool.blockSize {
		b := make([]byte, size)
		a.large = append(a.large, b)
		a.used += size
		return b, nil
	}

	off := alignUp(a.off, align)
	if a.cur == nil || off+size > len(a.cur) {
		a.cur = a.pool.get()
		a.blocks = append(a.blocks, a.cur)
		off = 0
	}
	b := a.cur[off : off+size : off+size]
	a.off = off + size
	a.used += size
	return b, nil
}

// Copy allocates len(src) bytes and copies src into them.
func (a *Arena) Copy(src []byte) ([]byte, error) {
	b, err := a.Alloc(len(src), 1)
	if err != nil {
		return nil, err
	}
	copy(b, src)
	return b, nil
}

// Used returns the number of bytes handed out.
func (a *Arena) Used() int {
	return a.used
}

// Reserved returns the number of bytes held by the arena, including unused
// block tails.
func (a *Arena) Reserved() int {
	n := len(a.blocks) * a.pool.blockSize
	for _, b := range a.large {
		n += len(b)
	}
	return n
}

// Blocks returns the number of pooled blocks currently held.
func (a *Arena) Blocks() int {
	return len(a.blocks)
}

// Freed reports whether Free has been called.
func (a *Arena) Freed() bool {
	return a.freed
}

// Free releases every block. Slices previously returned by Alloc must not be
// used afterwards. Free is idempotent.
func (a *Arena) Free() {
	if a.freed {
		return
	}
	for _, b := range a.blocks {
		a.pool.put(b)
	}
	a.blocks = nil
	a.large = nil
	a.cur = nil
	a.off = 0
	a.used = 0
	a.freed = true
}

// Reset releases every block but leaves the arena usable.
func (a *Arena) Reset() {
	a.Free()
	a.freed = false
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
