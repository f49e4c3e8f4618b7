package vm

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestArithmetic(t *testing.T) {
	cases := []struct {
		name string
		code string
		want int32
	}{
		{"Sub", "ldc.i4.7\nldc.i4.5\nsub\nret", 2},
		{"DivTruncates", "ldc.i4 -7\nldc.i4.2\ndiv\nret", -3},
		{"RemSign", "ldc.i4 -7\nldc.i4.2\nrem\nret", -1},
		{"DivUn", "ldc.i4.m1\nldc.i4 16\ndiv.un\nret", 0x0FFFFFFF},
		{"AddWraps", "ldc.i4 2147483647\nldc.i4.1\nadd\nret", math.MinInt32},
		{"Shr", "ldc.i4 -8\nldc.i4.1\nshr\nret", -4},
		{"ShrUn", "ldc.i4 -8\nldc.i4 28\nshr.un\nret", 15},
		{"ShlMasksCount", "ldc.i4.1\nldc.i4 33\nshl\nret", 2},
		{"ConvI1", "ldc.i4 200\nconv.i1\nret", -56},
		{"ConvU2", "ldc.i4.m1\nconv.u2\nret", 65535},
		{"Neg", "ldc.i4.5\nneg\nret", -5},
		{"Not", "ldc.i4.0\nnot\nret", -1},
		{"Xor", "ldc.i4 12\nldc.i4.s 10\nxor\nret", 6},
		{"Ceq", "ldc.i4.3\nldc.i4.3\nceq\nret", 1},
		{"Cgt", "ldc.i4.2\nldc.i4.3\ncgt\nret", 0},
		{"CltUn", "ldc.i4.m1\nldc.i4.1\nclt.un\nret", 0},
		{"RealMul", "ldc.r8 2.5\nldc.r8 4\nmul\nconv.i4\nret", 10},
		{"RealTruncates", "ldc.r8 7.9\nconv.i4\nret", 7},
		{"LongDiv", "ldc.i8 5000000000\nldc.i8 1000000000\ndiv\nconv.i4\nret", 5},
		{"ConvU8ZeroExtends", "ldc.i4.m1\nconv.u8\nldc.i8 4294967295\nceq\nret", 1},
		{"NaNNotEqual", "ldc.r8 NaN\nldc.r8 NaN\nceq\nret", 0},
		{"NaNUnorderedGreater", "ldc.r8 NaN\nldc.r8 1\ncgt.un\nret", 1},
		{"NaNOrderedGreater", "ldc.r8 NaN\nldc.r8 1\ncgt\nret", 0},
		{"BranchTaken", "ldc.i4.1\nldc.i4.2\nblt.s yes\nldc.i4.0\nret\nyes:\nldc.i4.1\nret", 1},
		{"BranchNotTaken", "ldc.i4.2\nldc.i4.1\nble.s yes\nldc.i4.0\nret\nyes:\nldc.i4.1\nret", 0},
		{"BrFalse", "ldc.i4.0\nbrfalse.s yes\nldc.i4.0\nret\nyes:\nldc.i4.s 9\nret", 9},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := runI4(t, staticMethod("M", "int32", nil, nil, tc.code), "T.P::M")
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestWideResults(t *testing.T) {
	v, err := run(t, staticMethod("M", "int64", nil, nil, "ldc.i8 4000000000\nldc.i8 3\nmul\nret"), "T.P::M")
	require.NoError(t, err)
	assert.Equal(t, KindI8, v.Kind())
	assert.Equal(t, int64(12000000000), v.I8())

	v, err = run(t, staticMethod("M", "float64", nil, nil, "ldc.r8 1.5\nldc.r8 2.25\nadd\nret"), "T.P::M")
	require.NoError(t, err)
	assert.Equal(t, KindR8, v.Kind())
	assert.Equal(t, 3.75, v.R8())

	v, err = run(t, staticMethod("M", "", nil, nil, "ret"), "T.P::M")
	require.NoError(t, err)
	assert.Equal(t, Value{}, v)
}

func TestArguments(t *testing.T) {
	src := staticMethod("Mix", "int64", []string{"int32", "int64", "float64"}, nil, `
      ldarg.0
      conv.i8
      ldarg.1
      add
      ldarg.2
      conv.i8
      add
      ret`)
	v, err := run(t, src, "T.P::Mix", I4(1), I8(10), R8(100.9))
	require.NoError(t, err)
	assert.Equal(t, int64(111), v.I8())

	_, err = run(t, src, "T.P::Mix", I4(1))
	assert.ErrorIs(t, err, ErrArgumentCount)
	_, err = run(t, src, "T.P::Mix", I4(1), I4(2), R8(3))
	assert.ErrorIs(t, err, ErrBadArguments)
}

func TestNarrowingStores(t *testing.T) {
	src := staticMethod("M", "int32", nil, []string{"uint8", "int16"}, `
      ldc.i4 300
      stloc.0
      ldc.i4 40000
      stloc.1
      ldloc.0
      ldloc.1
      add
      ret`)
	assert.Equal(t, int32(44+(40000-65536)), runI4(t, src, "T.P::M"))
}

func TestLoopAndSwitch(t *testing.T) {
	img := loadSource(t, loopSource)
	rt := NewRuntime()
	ctx := context.Background()

	v, err := rt.Invoke(ctx, mustMethod(t, img, "Loops.Program::Sum"), I4(10))
	require.NoError(t, err)
	assert.Equal(t, int32(45), v.I4())

	pick := mustMethod(t, img, "Loops.Program::Pick")
	for arg, want := range map[int32]int32{0: 100, 1: 200, 2: 300, 3: -1, -1: -1} {
		v, err := rt.Invoke(ctx, pick, I4(arg))
		require.NoError(t, err)
		assert.Equal(t, want, v.I4(), "Pick(%d)", arg)
	}
}

const shapesSource = `
name = "shapes"

[[class]]
namespace = "Shapes"
name = "Shape"

  [[class.field]]
  name = "id"
  type = "int32"

  [[class.method]]
  name = ".ctor"
  code = "ret"

  [[class.method]]
  name = "Area"
  abstract = true
  returns = "int32"

  [[class.method]]
  name = "Describe"
  virtual = true
  returns = "int32"
  code = "ldc.i4.0\nret"

[[class]]
namespace = "Shapes"
name = "Square"
parent = "Shapes.Shape"

  [[class.field]]
  name = "side"
  type = "int32"

  [[class.method]]
  name = ".ctor"
  params = ["int32"]
  code = """
      ldarg.0
      call Shapes.Shape::.ctor
      ldarg.0
      ldarg.1
      stfld Shapes.Square::side
      ret
  """

  [[class.method]]
  name = "Area"
  virtual = true
  returns = "int32"
  code = """
      ldarg.0
      ldfld Shapes.Square::side
      dup
      mul
      ret
  """

[[class]]
namespace = "Shapes"
name = "Circle"
parent = "Shapes.Shape"

  [[class.method]]
  name = ".ctor"
  code = "ldarg.0\ncall Shapes.Shape::.ctor\nret"

  [[class.method]]
  name = "Area"
  virtual = true
  returns = "int32"
  code = "ldc.i4.3\nret"

  [[class.method]]
  name = "Describe"
  virtual = true
  returns = "int32"
  code = "ldc.i4.7\nret"

[[class]]
namespace = "Shapes"
name = "Program"

  [[class.method]]
  name = "Total"
  static = true
  returns = "int32"
  locals = ["Shapes.Shape[]", "int32", "int32"]
  code = """
      ldc.i4.2
      newarr Shapes.Shape
      stloc.0
      ldloc.0
      ldc.i4.0
      ldc.i4.4
      newobj Shapes.Square::.ctor/1
      stelem.ref
      ldloc.0
      ldc.i4.1
      newobj Shapes.Circle::.ctor/0
      stelem.ref
      ldc.i4.0
      stloc.1
      ldc.i4.0
      stloc.2
      br.s check
  loop:
      ldloc.1
      ldloc.0
      ldloc.2
      ldelem.ref
      callvirt Shapes.Shape::Area
      add
      stloc.1
      ldloc.2
      ldc.i4.1
      add
      stloc.2
  check:
      ldloc.2
      ldloc.0
      ldlen
      conv.i4
      blt.s loop
      ldloc.1
      ret
  """

  [[class.method]]
  name = "Describe"
  static = true
  params = ["Shapes.Shape"]
  returns = "int32"
  code = """
      ldarg.0
      callvirt Shapes.Shape::Describe
      ret
  """

  [[class.method]]
  name = "AreaOf"
  static = true
  params = ["Shapes.Shape"]
  returns = "int32"
  code = """
      ldarg.0
      callvirt Shapes.Shape::Area
      ret
  """

  [[class.method]]
  name = "IsSquare"
  static = true
  params = ["Shapes.Shape"]
  returns = "int32"
  code = """
      ldarg.0
      isinst Shapes.Square
      ldnull
      cgt.un
      ret
  """

  [[class.method]]
  name = "SideOf"
  static = true
  params = ["Shapes.Shape"]
  returns = "int32"
  code = """
      ldarg.0
      castclass Shapes.Square
      ldfld Shapes.Square::side
      ret
  """
`

func TestObjectsAndVirtualCalls(t *testing.T) {
	img := loadSource(t, shapesSource)
	rt := NewRuntime(WithUnhandledHandler(func(*UnhandledError) {}))
	ctx := context.Background()
	call := func(ref string, args ...Value) (Value, error) {
		return rt.Invoke(ctx, mustMethod(t, img, ref), args...)
	}

	v, err := call("Shapes.Program::Total")
	require.NoError(t, err)
	assert.Equal(t, int32(19), v.I4())

	squareClass, err := img.Class("Shapes.Square")
	require.NoError(t, err)
	circleClass, err := img.Class("Shapes.Circle")
	require.NoError(t, err)
	square := rt.NewObject(squareClass)
	square.Fields[squareClass.FieldByName("side").Slot] = I4(6)
	circle := rt.NewObject(circleClass)

	v, err = call("Shapes.Program::AreaOf", FromRef(square))
	require.NoError(t, err)
	assert.Equal(t, int32(36), v.I4())

	v, err = call("Shapes.Program::Describe", FromRef(square))
	require.NoError(t, err)
	assert.Equal(t, int32(0), v.I4(), "inherited implementation")
	v, err = call("Shapes.Program::Describe", FromRef(circle))
	require.NoError(t, err)
	assert.Equal(t, int32(7), v.I4())

	v, err = call("Shapes.Program::IsSquare", FromRef(square))
	require.NoError(t, err)
	assert.Equal(t, int32(1), v.I4())
	v, err = call("Shapes.Program::IsSquare", FromRef(circle))
	require.NoError(t, err)
	assert.Equal(t, int32(0), v.I4())

	v, err = call("Shapes.Program::SideOf", FromRef(square))
	require.NoError(t, err)
	assert.Equal(t, int32(6), v.I4())
	_, err = call("Shapes.Program::SideOf", FromRef(circle))
	assertManaged(t, err, "System.InvalidCastException")

	_, err = call("Shapes.Program::AreaOf", Null)
	assertManaged(t, err, "System.NullReferenceException")
}

// assertManaged checks that err is an unhandled managed exception of the
// named class.
func assertManaged(t *testing.T, err error, class string) *ManagedException {
	t.Helper()
	require.Error(t, err)
	require.ErrorIs(t, err, ErrUnhandledException)
	var ue *UnhandledError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, class, ue.Exception.Class().FullName())
	return ue.Exception
}

func TestRuntimeFaults(t *testing.T) {
	cases := []struct {
		name  string
		code  string
		class string
		msg   string
	}{
		{"DivideByZero", "ldc.i4.1\nldc.i4.0\ndiv\nret", "System.DivideByZeroException", msgDivideByZero},
		{"RemByZero", "ldc.i8 1\nldc.i8 0\nrem\nconv.i4\nret", "System.DivideByZeroException", msgDivideByZero},
		{"DivOverflow", "ldc.i4 -2147483648\nldc.i4.m1\ndiv\nret", "System.OverflowException", msgOverflow},
		{"AddOvf", "ldc.i4 2147483647\nldc.i4.1\nadd.ovf\nret", "System.OverflowException", msgOverflow},
		{"SubOvfUn", "ldc.i4.0\nldc.i4.1\nsub.ovf.un\nret", "System.OverflowException", msgOverflow},
		{"MulOvf", "ldc.i8 4611686018427387904\nldc.i8 4\nmul.ovf\nconv.i4\nret", "System.OverflowException", msgOverflow},
		{"Ckfinite", "ldc.r8 Inf\nckfinite\nconv.i4\nret", "System.ArithmeticException", msgNotFinite},
		{"NegativeArray", "ldc.i4.m1\nnewarr int32\nldlen\nconv.i4\nret", "System.OverflowException", msgOverflow},
		{"HugeArray", "ldc.i4 2147483647\nnewarr int32\nldlen\nconv.i4\nret", "System.OutOfMemoryException", msgOutOfMemory},
		{"IndexOutOfRange", "ldc.i4.2\nnewarr int32\nldc.i4.2\nldelem.i4\nret", "System.IndexOutOfRangeException", msgIndexOutOfRange},
		{"NegativeIndex", "ldc.i4.2\nnewarr int32\nldc.i4.m1\nldc.i4.0\nstelem.i4\nldc.i4.0\nret", "System.IndexOutOfRangeException", msgIndexOutOfRange},
		{"NullArray", "ldnull\nldlen\nconv.i4\nret", "System.NullReferenceException", msgNullReference},
		{"ThrowNull", "ldnull\nthrow", "System.NullReferenceException", msgNullReference},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := run(t, staticMethod("M", "int32", nil, nil, tc.code), "T.P::M")
			exc := assertManaged(t, err, tc.class)
			assert.Equal(t, tc.msg, exc.Message())
			require.NotEmpty(t, exc.Trace)
			assert.Equal(t, "T.P::M", exc.Trace[0].Method)
		})
	}
}

func TestArrays(t *testing.T) {
	src := staticMethod("Squares", "int32", nil, []string{"int32[]", "int32", "int32"}, `
      ldc.i4.5
      newarr int32
      stloc.0
      ldc.i4.0
      stloc.1
      br.s fill_check
  fill:
      ldloc.0
      ldloc.1
      ldloc.1
      ldloc.1
      mul
      stelem.i4
      ldloc.1
      ldc.i4.1
      add
      stloc.1
  fill_check:
      ldloc.1
      ldloc.0
      ldlen
      conv.i4
      blt.s fill
      ldc.i4.0
      stloc.1
      ldc.i4.0
      stloc.2
      br.s sum_check
  sum:
      ldloc.2
      ldloc.0
      ldloc.1
      ldelem.i4
      add
      stloc.2
      ldloc.1
      ldc.i4.1
      add
      stloc.1
  sum_check:
      ldloc.1
      ldc.i4.5
      blt.s sum
      ldloc.2
      ret`)
	assert.Equal(t, int32(0+1+4+9+16), runI4(t, src, "T.P::Squares"))

	bytes := staticMethod("Bytes", "int32", nil, []string{"uint8[]"}, `
      ldc.i4.1
      newarr uint8
      stloc.0
      ldloc.0
      ldc.i4.0
      ldc.i4 511
      stelem.i1
      ldloc.0
      ldc.i4.0
      ldelem.u1
      ret`)
	assert.Equal(t, int32(255), runI4(t, bytes, "T.P::Bytes"))
}

func TestStrings(t *testing.T) {
	v, err := run(t, staticMethod("Greet", "string", nil, nil, "ldstr \"hello, world\"\nret"), "T.P::Greet")
	require.NoError(t, err)
	s, ok := v.Ref().(*String)
	require.True(t, ok)
	assert.Equal(t, "hello, world", s.Value)
	assert.Equal(t, "System.String", s.RefClass().FullName())
}

const recursionSource = `
name = "rec"

[[class]]
namespace = "Rec"
name = "P"

  [[class.method]]
  name = "Fib"
  static = true
  params = ["int32"]
  returns = "int32"
  code = """
      ldarg.0
      ldc.i4.2
      bge.s recurse
      ldarg.0
      ret
  recurse:
      ldarg.0
      ldc.i4.1
      sub
      call Rec.P::Fib
      ldarg.0
      ldc.i4.2
      sub
      call Rec.P::Fib
      add
      ret
  """

  [[class.method]]
  name = "Depth"
  static = true
  params = ["int32"]
  returns = "int32"
  code = """
      ldarg.0
      brtrue.s more
      ldc.i4.0
      ret
  more:
      ldarg.0
      ldc.i4.1
      sub
      call Rec.P::Depth
      ldc.i4.1
      add
      ret
  """

  [[class.method]]
  name = "Forever"
  static = true
  code = """
      call Rec.P::Forever
      ret
  """

  [[class.method]]
  name = "Spin"
  static = true
  code = """
  top:
      br.s top
  """
`

func TestRecursion(t *testing.T) {
	img := loadSource(t, recursionSource)
	rt := NewRuntime()
	v, err := rt.Invoke(context.Background(), mustMethod(t, img, "Rec.P::Fib"), I4(15))
	require.NoError(t, err)
	assert.Equal(t, int32(610), v.I4())
}

func TestStackGrowsOnDemand(t *testing.T) {
	img := loadSource(t, recursionSource)
	rt := NewRuntime(WithInitialStackSlots(16))
	th := rt.NewThread()
	require.Equal(t, 16, th.StackSize())

	v, err := th.Invoke(context.Background(), mustMethod(t, img, "Rec.P::Depth"), I4(500))
	require.NoError(t, err)
	assert.Equal(t, int32(500), v.I4())
	assert.Greater(t, th.StackSize(), 16)
	assert.Equal(t, 0, th.Depth())
}

func TestStackExhaustion(t *testing.T) {
	img := loadSource(t, recursionSource)
	forever := mustMethod(t, img, "Rec.P::Forever")

	rt := NewRuntime(WithMaxFrameDepth(200))
	_, err := rt.Invoke(context.Background(), forever)
	assert.ErrorIs(t, err, ErrStackExhausted)
	_, managed := AsManaged(err)
	assert.False(t, managed)

	rt = NewRuntime(WithInitialStackSlots(8), WithMaxStackSlots(64))
	_, err = rt.Invoke(context.Background(), forever)
	assert.ErrorIs(t, err, ErrStackExhausted)

	// The runtime stays usable afterwards.
	v, err := rt.Invoke(context.Background(), mustMethod(t, img, "Rec.P::Fib"), I4(10))
	require.NoError(t, err)
	assert.Equal(t, int32(55), v.I4())
}

func TestCancellation(t *testing.T) {
	img := loadSource(t, recursionSource)
	spin := mustMethod(t, img, "Rec.P::Spin")
	rt := NewRuntime()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := rt.Invoke(ctx, spin)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)

	ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = rt.Invoke(ctx, spin)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	_, err = rt.Invoke(ctx, mustMethod(t, img, "Rec.P::Forever"))
	assert.ErrorIs(t, err, ErrCancelled, "calls are safepoints")
}

func TestThreadIsNotReentrant(t *testing.T) {
	img := loadSource(t, recursionSource)
	fib := mustMethod(t, img, "Rec.P::Fib")
	var inner error
	polled := false
	rt := NewRuntime(WithCollector(CollectorFunc(func(th *Thread) {
		if !polled {
			polled = true
			_, inner = th.Invoke(context.Background(), fib, I4(1))
		}
	})))
	_, err := rt.Invoke(context.Background(), fib, I4(5))
	require.NoError(t, err)
	require.True(t, polled)
	assert.ErrorIs(t, inner, ErrThreadBusy)
}

func TestConcurrentInvocations(t *testing.T) {
	img := loadSource(t, recursionSource)
	fib := mustMethod(t, img, "Rec.P::Fib")
	rt := NewRuntime()

	var g errgroup.Group
	results := make([]int32, 16)
	for i := range results {
		g.Go(func() error {
			v, err := rt.Invoke(context.Background(), fib, I4(int32(10+i%5)))
			if err != nil {
				return err
			}
			results[i] = v.I4()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	want := []int32{55, 89, 144, 233, 377}
	for i, got := range results {
		assert.Equal(t, want[i%5], got)
	}
	mm, _ := rt.Manager(img)
	assert.Equal(t, int64(1), mm.Stats().Transformed)
}
