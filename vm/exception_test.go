package vm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exceptionSource = `
name = "exc"

[[class]]
namespace = "E"
name = "P"

  [[class.field]]
  name = "log"
  type = "int32"
  static = true

  [[class.method]]
  name = "Log"
  static = true
  returns = "int32"
  code = "ldsfld E.P::log\nret"

  [[class.method]]
  name = "Note"
  static = true
  params = ["int32"]
  code = """
      ldsfld E.P::log
      ldc.i4.s 10
      mul
      ldarg.0
      add
      stsfld E.P::log
      ret
  """

  [[class.method]]
  name = "Caught"
  static = true
  returns = "int32"
  code = """
  try_start:
      newobj System.Exception::.ctor/0
      throw
  handler:
      pop
      leave.s done
  done:
      ldc.i4.1
      ret
  """

    [[class.method.clause]]
    kind = "catch"
    try = ["try_start", "handler"]
    handler = ["handler", "done"]
    class = "System.Exception"

  [[class.method]]
  name = "LeaveThroughFinally"
  static = true
  returns = "int32"
  code = """
  try_start:
      nop
      leave.s done
  fin:
      ldc.i4.1
      call E.P::Note
      endfinally
  done:
      ldsfld E.P::log
      ret
  """

    [[class.method.clause]]
    kind = "finally"
    try = ["try_start", "fin"]
    handler = ["fin", "done"]

  [[class.method]]
  name = "ReturnThroughFinally"
  static = true
  returns = "int32"
  code = """
  try_start:
      ldc.i4.s 42
      ret
  fin:
      ldc.i4.1
      call E.P::Note
      endfinally
  end:
  """

    [[class.method.clause]]
    kind = "finally"
    try = ["try_start", "fin"]
    handler = ["fin", "end"]

  [[class.method]]
  name = "Nested"
  static = true
  returns = "int32"
  code = """
  outer_try:
  inner_try:
      ldc.i4.1
      ldc.i4.0
      div
      pop
      leave.s after_inner
  inner_fin:
      ldc.i4.1
      call E.P::Note
      endfinally
  after_inner:
      leave.s done
  catch:
      pop
      ldc.i4.2
      call E.P::Note
      leave.s done
  done:
      ldsfld E.P::log
      ret
  """

    [[class.method.clause]]
    kind = "finally"
    try = ["inner_try", "inner_fin"]
    handler = ["inner_fin", "after_inner"]

    [[class.method.clause]]
    kind = "catch"
    try = ["outer_try", "catch"]
    handler = ["catch", "done"]
    class = "System.ArithmeticException"

  [[class.method]]
  name = "Filtered"
  static = true
  params = ["int32"]
  returns = "int32"
  code = """
  try_start:
      ldc.i4.1
      ldc.i4.0
      div
      pop
      leave.s done_zero
  filter:
      pop
      ldarg.0
      ldc.i4.1
      ceq
      endfilter
  handler:
      pop
      leave.s done_one
  catch_all:
      pop
      leave.s done_two
  done_zero:
      ldc.i4.0
      ret
  done_one:
      ldc.i4.1
      ret
  done_two:
      ldc.i4.2
      ret
  """

    [[class.method.clause]]
    kind = "filter"
    try = ["try_start", "filter"]
    filter = "filter"
    handler = ["handler", "catch_all"]

    [[class.method.clause]]
    kind = "catch"
    try = ["try_start", "filter"]
    handler = ["catch_all", "done_zero"]
    class = "System.Object"

  [[class.method]]
  name = "FaultingFilter"
  static = true
  returns = "int32"
  code = """
  try_start:
      ldnull
      throw
  filter:
      pop
      ldc.i4.1
      ldc.i4.0
      div
      endfilter
  handler:
      pop
      leave.s done_one
  catch_all:
      pop
      leave.s done_two
  done_one:
      ldc.i4.1
      ret
  done_two:
      ldc.i4.2
      ret
  """

    [[class.method.clause]]
    kind = "filter"
    try = ["try_start", "filter"]
    filter = "filter"
    handler = ["handler", "catch_all"]

    [[class.method.clause]]
    kind = "catch"
    try = ["try_start", "filter"]
    handler = ["catch_all", "done_one"]
    class = "System.NullReferenceException"

  [[class.method]]
  name = "Thrower"
  static = true
  code = """
      ldstr "thrown"
      newobj System.Exception::.ctor/1
      throw
  """

  [[class.method]]
  name = "Middle"
  static = true
  code = """
  try_start:
      call E.P::Thrower
      leave.s done
  fin:
      ldc.i4.1
      call E.P::Note
      endfinally
  done:
      ret
  """

    [[class.method.clause]]
    kind = "finally"
    try = ["try_start", "fin"]
    handler = ["fin", "done"]

  [[class.method]]
  name = "TwoPass"
  static = true
  returns = "int32"
  code = """
  try_start:
      call E.P::Middle
      leave.s done
  filter:
      pop
      ldc.i4.3
      call E.P::Note
      ldc.i4.1
      endfilter
  handler:
      pop
      ldc.i4.2
      call E.P::Note
      leave.s done
  done:
      ldsfld E.P::log
      ret
  """

    [[class.method.clause]]
    kind = "filter"
    try = ["try_start", "filter"]
    filter = "filter"
    handler = ["handler", "done"]

  [[class.method]]
  name = "Rethrown"
  static = true
  returns = "string"
  locals = ["string"]
  code = """
  outer_try:
  inner_try:
      ldstr "first"
      newobj System.Exception::.ctor/1
      throw
  inner_catch:
      pop
      rethrow
  outer_catch:
      callvirt System.Exception::get_Message
      stloc.0
      leave.s done
  done:
      ldloc.0
      ret
  """

    [[class.method.clause]]
    kind = "catch"
    try = ["inner_try", "inner_catch"]
    handler = ["inner_catch", "outer_catch"]
    class = "System.Exception"

    [[class.method.clause]]
    kind = "catch"
    try = ["outer_try", "outer_catch"]
    handler = ["outer_catch", "done"]
    class = "System.Exception"

  [[class.method]]
  name = "Relay"
  static = true
  code = """
  try_start:
      call E.P::Thrower
      leave.s done
  handler:
      pop
      rethrow
  done:
      ret
  """

    [[class.method.clause]]
    kind = "catch"
    try = ["try_start", "handler"]
    handler = ["handler", "done"]
    class = "System.Exception"

  [[class.method]]
  name = "Replaced"
  static = true
  returns = "string"
  locals = ["string"]
  code = """
  outer_try:
  inner_try:
      ldstr "original"
      newobj System.Exception::.ctor/1
      throw
  inner_fin:
      ldstr "replacement"
      newobj System.Exception::.ctor/1
      throw
  outer_catch:
      callvirt System.Exception::get_Message
      stloc.0
      leave.s done
  done:
      ldloc.0
      ret
  """

    [[class.method.clause]]
    kind = "finally"
    try = ["inner_try", "inner_fin"]
    handler = ["inner_fin", "outer_catch"]

    [[class.method.clause]]
    kind = "catch"
    try = ["outer_try", "outer_catch"]
    handler = ["outer_catch", "done"]
    class = "System.Exception"

  [[class.method]]
  name = "Faulted"
  static = true
  params = ["int32"]
  code = """
  try_start:
      ldarg.0
      brfalse.s skip
      ldnull
      throw
  skip:
      leave.s done
  fault:
      ldc.i4.1
      call E.P::Note
      endfinally
  done:
      ret
  """

    [[class.method.clause]]
    kind = "fault"
    try = ["try_start", "fault"]
    handler = ["fault", "done"]
`

type excFixture struct {
	t   *testing.T
	rt  *Runtime
	src string

	unhandled []*UnhandledError
}

func newExcFixture(t *testing.T) *excFixture {
	fx := &excFixture{t: t}
	fx.rt = NewRuntime(WithUnhandledHandler(func(e *UnhandledError) {
		fx.unhandled = append(fx.unhandled, e)
	}))
	return fx
}

// call invokes a method of a fresh exception image, so that every test
// starts with a zero log.
func (fx *excFixture) call(name string, args ...Value) (Value, error) {
	fx.t.Helper()
	img := loadSource(fx.t, exceptionSource)
	return fx.rt.Invoke(context.Background(), mustMethod(fx.t, img, "E.P::"+name), args...)
}

func TestCatchReturnsNormally(t *testing.T) {
	fx := newExcFixture(t)
	v, err := fx.call("Caught")
	require.NoError(t, err)
	assert.Equal(t, int32(1), v.I4())
	assert.Empty(t, fx.unhandled)
}

func TestFinallyRunsOnceOnLeave(t *testing.T) {
	v, err := newExcFixture(t).call("LeaveThroughFinally")
	require.NoError(t, err)
	assert.Equal(t, int32(1), v.I4())
}

func TestFinallyRunsOnceOnReturn(t *testing.T) {
	img := loadSource(t, exceptionSource)
	rt := NewRuntime()
	ctx := context.Background()

	v, err := rt.Invoke(ctx, mustMethod(t, img, "E.P::ReturnThroughFinally"))
	require.NoError(t, err)
	assert.Equal(t, int32(42), v.I4())

	log, err := rt.Invoke(ctx, mustMethod(t, img, "E.P::Log"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), log.I4())
}

func TestNestedFinallyRunsBeforeOuterCatch(t *testing.T) {
	v, err := newExcFixture(t).call("Nested")
	require.NoError(t, err)
	assert.Equal(t, int32(12), v.I4())
}

func TestFilterSelectsHandler(t *testing.T) {
	fx := newExcFixture(t)
	v, err := fx.call("Filtered", I4(1))
	require.NoError(t, err)
	assert.Equal(t, int32(1), v.I4())

	v, err = fx.call("Filtered", I4(0))
	require.NoError(t, err)
	assert.Equal(t, int32(2), v.I4())
}

func TestFaultingFilterRejects(t *testing.T) {
	v, err := newExcFixture(t).call("FaultingFilter")
	require.NoError(t, err)
	assert.Equal(t, int32(2), v.I4())
}

func TestFiltersRunBeforeUnwinding(t *testing.T) {
	// The filter records 3 before the finally in Middle records 1, and the
	// handler records 2 last.
	v, err := newExcFixture(t).call("TwoPass")
	require.NoError(t, err)
	assert.Equal(t, int32(312), v.I4())
}

func TestRethrowReachesOuterHandler(t *testing.T) {
	v, err := newExcFixture(t).call("Rethrown")
	require.NoError(t, err)
	s, ok := v.Ref().(*String)
	require.True(t, ok)
	assert.Equal(t, "first", s.Value)
}

func TestRethrowKeepsTrace(t *testing.T) {
	fx := newExcFixture(t)
	_, err := fx.call("Relay")
	exc := assertManaged(t, err, "System.Exception")
	assert.Equal(t, "thrown", exc.Message())
	require.GreaterOrEqual(t, len(exc.Trace), 2)
	assert.Equal(t, "E.P::Thrower", exc.Trace[0].Method)
	assert.Equal(t, "E.P::Relay", exc.Trace[1].Method)
	assert.Contains(t, exc.StackTrace(), "at E.P::Thrower IL_")

	require.Len(t, fx.unhandled, 1)
	assert.Same(t, exc, fx.unhandled[0].Exception)
}

func TestFinallyExceptionReplacesOriginal(t *testing.T) {
	v, err := newExcFixture(t).call("Replaced")
	require.NoError(t, err)
	s, ok := v.Ref().(*String)
	require.True(t, ok)
	assert.Equal(t, "replacement", s.Value)
}

func TestFaultRunsOnlyOnException(t *testing.T) {
	img := loadSource(t, exceptionSource)
	rt := NewRuntime(WithUnhandledHandler(func(*UnhandledError) {}))
	ctx := context.Background()
	faulted := mustMethod(t, img, "E.P::Faulted")
	logOf := func() int32 {
		v, err := rt.Invoke(ctx, mustMethod(t, img, "E.P::Log"))
		require.NoError(t, err)
		return v.I4()
	}

	_, err := rt.Invoke(ctx, faulted, I4(0))
	require.NoError(t, err)
	assert.Equal(t, int32(0), logOf())

	_, err = rt.Invoke(ctx, faulted, I4(1))
	assertManaged(t, err, "System.NullReferenceException")
	assert.Equal(t, int32(1), logOf())
}

func TestUnhandledDefaultPolicyLogs(t *testing.T) {
	img := loadSource(t, exceptionSource)
	rt := NewRuntime()
	_, err := rt.Invoke(context.Background(), mustMethod(t, img, "E.P::Thrower"))
	exc := assertManaged(t, err, "System.Exception")
	assert.Equal(t, "System.Exception: thrown", exc.Error())
	assert.Contains(t, err.Error(), "unhandled exception")
}

func TestThreadUsableAfterException(t *testing.T) {
	img := loadSource(t, exceptionSource)
	rt := NewRuntime(WithUnhandledHandler(func(*UnhandledError) {}))
	th := rt.NewThread()
	ctx := context.Background()

	_, err := th.Invoke(ctx, mustMethod(t, img, "E.P::Thrower"))
	require.Error(t, err)
	assert.Equal(t, 0, th.Depth())

	v, err := th.Invoke(ctx, mustMethod(t, img, "E.P::Caught"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), v.I4())
}
