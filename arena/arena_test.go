package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArenaAllocZeroedAndAligned(t *testing.T) {
	a := New(NewPool(256))
	defer a.Free()

	b1, err := a.Alloc(3, 1)
	require.NoError(t, err)
	require.Len(t, b1, 3)
	b1[0], b1[1], b1[2] = 1, 2, 3

	b2, err := a.Alloc(8, 8)
	require.NoError(t, err)
	require.Len(t, b2, 8)
	for _, v := range b2 {
		assert.Equal(t, byte(0), v)
	}
	assert.Equal(t, 11, a.Used())
	assert.Equal(t, 1, a.Blocks())
}

func TestArenaAllocDoesNotOverlap(t *testing.T) {
	a := New(NewPool(16))
	defer a.Free()

	x, err := a.Alloc(10, 1)
	require.NoError(t, err)
	y, err := a.Alloc(10, 1)
	require.NoError(t, err)
	for i := range x {
		x[i] = 0xAA
	}
	for _, v := range y {
		assert.Equal(t, byte(0), v)
	}
	assert.Equal(t, 2, a.Blocks())
	// appending to an allocation must not scribble over the next one
	assert.Equal(t, 10, cap(x))
}

func TestArenaOversize(t *testing.T) {
	pool := NewPool(32)
	a := New(pool)
	b, err := a.Alloc(100, 1)
	require.NoError(t, err)
	require.Len(t, b, 100)
	assert.Equal(t, 0, a.Blocks())
	assert.Equal(t, 100, a.Reserved())
	a.Free()
	assert.Equal(t, int64(0), pool.Outstanding())
}

func TestArenaFree(t *testing.T) {
	pool := NewPool(64)
	a := New(pool)
	_, err := a.Alloc(40, 1)
	require.NoError(t, err)
	_, err = a.Alloc(40, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pool.Outstanding())

	a.Free()
	a.Free()
	assert.True(t, a.Freed())
	assert.Equal(t, int64(0), pool.Outstanding())

	_, err = a.Alloc(1, 1)
	assert.ErrorIs(t, err, ErrArenaFreed)
}

func TestArenaReusedBlocksAreZeroed(t *testing.T) {
	pool := NewPool(64)
	a := New(pool)
	b, err := a.Alloc(64, 1)
	require.NoError(t, err)
	for i := range b {
		b[i] = 0xFF
	}
	a.Free()

	c := New(pool)
	defer c.Free()
	d, err := c.Alloc(64, 1)
	require.NoError(t, err)
	for _, v := range d {
		require.Equal(t, byte(0), v)
	}
}

func TestArenaBadRequests(t *testing.T) {
	a := New(nil)
	defer a.Free()

	_, err := a.Alloc(-1, 1)
	assert.ErrorIs(t, err, ErrTooLarge)
	_, err = a.Alloc(4, 3)
	assert.Error(t, err)

	b, err := a.Alloc(0, 1)
	require.NoError(t, err)
	assert.Len(t, b, 0)
}

func TestArenaCopyAndReset(t *testing.T) {
	a := New(NewPool(64))
	b, err := a.Copy([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))

	a.Reset()
	assert.False(t, a.Freed())
	assert.Equal(t, 0, a.Used())
	_, err = a.Alloc(1, 1)
	require.NoError(t, err)
	a.Free()
}

type point struct{ x, y int }

func TestSlabNewAndGet(t *testing.T) {
	s := NewSlab[point](4)
	var ptrs []*point
	for i := 0; i < 10; i++ {
		p, h, err := s.New()
		require.NoError(t, err)
		assert.Equal(t, Handle(i), h)
		p.x = i
		ptrs = append(ptrs, p)
	}
	assert.Equal(t, 10, s.Len())
	for i, p := range ptrs {
		assert.Same(t, p, s.Get(Handle(i)))
		assert.Equal(t, i, s.Get(Handle(i)).x)
	}

	seen := 0
	s.Each(func(h Handle, p *point) {
		assert.Equal(t, int(h), p.x)
		seen++
	})
	assert.Equal(t, 10, seen)
}

func TestSlabAllocN(t *testing.T) {
	s := NewSlab[int](4)
	run, err := s.AllocN(9)
	require.NoError(t, err)
	assert.Len(t, run, 9)
	assert.Equal(t, 9, s.Count())

	empty, err := s.AllocN(0)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestSlabFree(t *testing.T) {
	s := NewSlab[int](2)
	_, _, err := s.New()
	require.NoError(t, err)
	s.Free()
	assert.True(t, s.Freed())

	_, _, err = s.New()
	assert.ErrorIs(t, err, ErrArenaFreed)
	_, err = s.AllocN(1)
	assert.ErrorIs(t, err, ErrArenaFreed)
	assert.Panics(t, func() { s.Get(0) })

	s.Reset()
	_, h, err := s.New()
	require.NoError(t, err)
	assert.Equal(t, Handle(0), h)
}
