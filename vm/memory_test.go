package vm

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/mint/metadata"
)

const counterSource = `
name = "%s"

[[class]]
namespace = "Counter"
name = "Program"

  [[class.field]]
  name = "count"
  type = "int32"
  static = true

  [[class.method]]
  name = "Bump"
  static = true
  returns = "int32"
  code = """
      ldsfld Counter.Program::count
      ldc.i4.1
      add
      dup
      stsfld Counter.Program::count
      ret
  """
`

func counterImage(name string) string {
	return fmt.Sprintf(counterSource, name)
}

func TestGetOrTransformConcurrent(t *testing.T) {
	img := loadSource(t, loopSource)
	desc := mustMethod(t, img, "Loops.Program::Sum")
	rt := NewRuntime()
	mm := rt.Attach(img)

	const n = 32
	results := make([]*Method, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			m, err := mm.GetOrTransform(desc)
			if assert.NoError(t, err) {
				results[i] = m
			}
		}(i)
	}
	close(start)
	wg.Wait()

	for _, m := range results {
		assert.Same(t, results[0], m)
	}
	assert.Equal(t, StateReady, results[0].State())
	st := mm.Stats()
	assert.Equal(t, int64(1), st.Transformed)
	assert.Equal(t, 1, st.Methods)
	assert.Greater(t, st.ArenaUsed, 0)
}

func TestManagerRejectsForeignMethod(t *testing.T) {
	a := loadSource(t, loopSource)
	b := loadSource(t, counterImage("other"))
	rt := NewRuntime()
	_, err := rt.Attach(a).GetOrTransform(mustMethod(t, b, "Counter.Program::Bump"))
	assert.Error(t, err)
}

func TestStaticsPersistAcrossInvocations(t *testing.T) {
	img := loadSource(t, counterImage("statics"))
	bump := mustMethod(t, img, "Counter.Program::Bump")
	rt := NewRuntime()

	for want := int32(1); want <= 3; want++ {
		v, err := rt.Invoke(context.Background(), bump)
		require.NoError(t, err)
		assert.Equal(t, want, v.I4())
	}
	mm, ok := rt.Manager(img)
	require.True(t, ok)
	assert.Equal(t, 1, mm.Stats().Statics)

	var seen []int32
	mm.VisitStatics(func(v Value) { seen = append(seen, v.I4()) })
	assert.Equal(t, []int32{3}, seen)
}

func TestDestroyIsolatesContexts(t *testing.T) {
	a := loadSource(t, counterImage("a"))
	b := loadSource(t, counterImage("b"))
	bumpA := mustMethod(t, a, "Counter.Program::Bump")
	bumpB := mustMethod(t, b, "Counter.Program::Bump")
	rt := NewRuntime()
	ctx := context.Background()

	_, err := rt.Invoke(ctx, bumpA)
	require.NoError(t, err)
	_, err = rt.Invoke(ctx, bumpB)
	require.NoError(t, err)

	mb, ok := rt.Manager(b)
	require.True(t, ok)
	cached, ok := mb.Lookup(bumpB)
	require.True(t, ok)
	code := append([]byte(nil), cached.Code...)

	require.NoError(t, rt.Detach(a))
	ma, _ := rt.Manager(a)
	assert.True(t, ma.Destroyed())
	assert.Equal(t, 0, ma.Stats().Methods)

	_, err = rt.Invoke(ctx, bumpA)
	assert.ErrorIs(t, err, ErrManagerDestroyed)
	_, err = ma.GetOrTransform(bumpA)
	assert.ErrorIs(t, err, ErrManagerDestroyed)

	v, err := rt.Invoke(ctx, bumpB)
	require.NoError(t, err)
	assert.Equal(t, int32(2), v.I4())
	assert.Equal(t, code, cached.Code)
	assert.False(t, mb.Destroyed())

	// Attaching again starts from fresh statics.
	rt.Attach(a)
	v, err = rt.Invoke(ctx, bumpA)
	require.NoError(t, err)
	assert.Equal(t, int32(1), v.I4())
}

func TestDestroyIsIdempotent(t *testing.T) {
	img := loadSource(t, loopSource)
	rt := NewRuntime()
	mm := rt.Attach(img)
	_, err := mm.GetOrTransform(mustMethod(t, img, "Loops.Program::Sum"))
	require.NoError(t, err)

	require.Greater(t, rt.Pool().Outstanding(), int64(0))
	mm.Destroy()
	mm.Destroy()
	assert.True(t, mm.Stats().Destroyed)
	assert.Equal(t, 0, mm.Stats().ArenaUsed)
	assert.Equal(t, int64(0), rt.Pool().Outstanding())

	assert.Error(t, NewRuntime().Detach(img))
}

func TestManagersListsAttached(t *testing.T) {
	rt := NewRuntime()
	a := loadSource(t, counterImage("one"))
	b := loadSource(t, counterImage("two"))
	rt.Attach(a)
	rt.Attach(b)
	assert.Same(t, rt.Attach(a), rt.Attach(a))

	names := map[string]bool{}
	for _, mm := range rt.Managers() {
		names[mm.Context().Name()] = true
	}
	assert.Equal(t, map[string]bool{"one": true, "two": true}, names)
}

const libSource = `
name = "lib"

[[class]]
namespace = "Lib"
name = "K"

  [[class.field]]
  name = "hits"
  type = "int32"
  static = true

  [[class.method]]
  name = "Seven"
  static = true
  returns = "int32"
  code = "ldc.i4.7\nret"
`

const appSource = `
name = "app"

[[class]]
namespace = "App"
name = "Main"

  [[class.method]]
  name = "Call"
  static = true
  returns = "int32"
  code = "call [lib]Lib.K::Seven\nret"

  [[class.method]]
  name = "Hit"
  static = true
  returns = "int32"
  code = """
      ldsfld [lib]Lib.K::hits
      ldc.i4.1
      add
      dup
      stsfld [lib]Lib.K::hits
      ret
  """
`

func TestDetachedImportsResolveAgain(t *testing.T) {
	l := metadata.NewLoader(nil)
	lib, err := l.Load([]byte(libSource))
	require.NoError(t, err)
	app, err := l.Load([]byte(appSource))
	require.NoError(t, err)
	call := mustMethod(t, app, "App.Main::Call")
	hit := mustMethod(t, app, "App.Main::Hit")
	rt := NewRuntime()
	ctx := context.Background()

	v, err := rt.Invoke(ctx, call)
	require.NoError(t, err)
	assert.Equal(t, int32(7), v.I4())
	for want := int32(1); want <= 2; want++ {
		v, err = rt.Invoke(ctx, hit)
		require.NoError(t, err)
		assert.Equal(t, want, v.I4())
	}

	mapp, ok := rt.Manager(app)
	require.True(t, ok)
	cached, ok := mapp.Lookup(call)
	require.True(t, ok)

	require.NoError(t, rt.Detach(lib))
	_, err = rt.Invoke(ctx, call)
	assert.ErrorIs(t, err, ErrManagerDestroyed)
	_, err = rt.Invoke(ctx, hit)
	assert.ErrorIs(t, err, ErrManagerDestroyed)

	// The caller's own cache is untouched.
	assert.False(t, mapp.Destroyed())
	assert.Equal(t, StateReady, cached.State())
	again, ok := mapp.Lookup(call)
	require.True(t, ok)
	assert.Same(t, cached, again)

	mlib := rt.Attach(lib)
	v, err = rt.Invoke(ctx, call)
	require.NoError(t, err)
	assert.Equal(t, int32(7), v.I4())
	v, err = rt.Invoke(ctx, hit)
	require.NoError(t, err)
	assert.Equal(t, int32(1), v.I4(), "a reattached context starts from fresh statics")

	var seen []int32
	mlib.VisitStatics(func(v Value) { seen = append(seen, v.I4()) })
	assert.Equal(t, []int32{1}, seen)
}
