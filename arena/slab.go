package arena

import "fmt"

// Handle identifies a value allocated with Slab.New. Handles are dense and
// start at zero, so they double as stable indices.
type Handle uint32

// Slab is a typed arena. Values never move once allocated, so pointers
// returned by New and slices returned by AllocN stay valid until Free.
type Slab[T any] struct {
	chunk  int
	chunks [][]T // fixed-size chunks backing New
	runs   [][]T // backing storage for AllocN
	n      int
	runLen int
	freed  bool
}

// NewSlab creates a slab that grows chunk values at a time.
func NewSlab[T any](chunk int) *Slab[T] {
	if chunk <= 0 {
		chunk = 64
	}
	return &Slab[T]{chunk: chunk}
}

// New allocates a single zero value.
func (s *Slab[T]) New() (*T, Handle, error) {
	if s.freed {
		return nil, 0, ErrArenaFreed
	}
	i := s.n % s.chunk
	if i == 0 {
		s.chunks = append(s.chunks, make([]T, s.chunk))
	}
	p := &s.chunks[len(s.chunks)-1][i]
	h := Handle(s.n)
	s.n++
	return p, h, nil
}

// Get resolves a handle returned by New.
func (s *Slab[T]) Get(h Handle) *T {
	if s.freed || int(h) >= s.n {
		panic(fmt.Sprintf("arena: invalid slab handle %d", h))
	}
	return &s.chunks[int(h)/s.chunk][int(h)%s.chunk]
}

// AllocN allocates n contiguous zero values.
func (s *Slab[T]) AllocN(n int) ([]T, error) {
	if s.freed {
		return nil, ErrArenaFreed
	}
	if n < 0 || n > MaxAlloc {
		return nil, fmt.Errorf("%w: %d values", ErrTooLarge, n)
	}
	if n == 0 {
		return nil, nil
	}
	run := make([]T, n)
	s.runs = append(s.runs, run)
	s.runLen += n
	return run[:n:n], nil
}

// Len returns the number of values allocated with New.
func (s *Slab[T]) Len() int {
	return s.n
}

// Count returns the total number of values held, including AllocN runs.
func (s *Slab[T]) Count() int {
	return s.n + s.runLen
}

// Each calls fn for every value allocated with New, in handle order.
func (s *Slab[T]) Each(fn func(Handle, *T)) {
	for i := 0; i < s.n; i++ {
		fn(Handle(i), &s.chunks[i/s.chunk][i%s.chunk])
	}
}

// Free drops all values. Free is idempotent.
func (s *Slab[T]) Free() {
	for _, c := range s.chunks {
		clear(c)
	}
	for _, r := range s.runs {
		clear(r)
	}
	s.chunks = nil
	s.runs = nil
	s.n = 0
	s.runLen = 0
	s.freed = true
}

// Freed reports whether Free has been called.
func (s *Slab[T]) Freed() bool {
	return s.freed
}

// Reset drops all values but leaves the slab usable.
func (s *Slab[T]) Reset() {
	s.Free()
	s.freed = false
}
