package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/mint/il"
)

const shapesSource = `
name = "shapes"
entry = "Shapes.Program::Main"

[[class]]
namespace = "Shapes"
name = "Square"
parent = "Shapes.Shape"

  [[class.field]]
  name = "side"
  type = "int32"

  [[class.method]]
  name = "Area"
  virtual = true
  returns = "int32"
  code = """
      ldarg.0
      ldfld Shapes.Square::side
      ldarg.0
      ldfld Shapes.Square::side
      mul
      ret
  """

[[class]]
namespace = "Shapes"
name = "Shape"

  [[class.field]]
  name = "id"
  type = "int32"

  [[class.field]]
  name = "count"
  type = "int32"
  static = true

  [[class.method]]
  name = "Area"
  abstract = true
  returns = "int32"

[[class]]
namespace = "Shapes"
name = "Program"

  [[class.method]]
  name = "Main"
  static = true
  returns = "int32"
  locals = ["int32", "string"]
  code = """
      ldstr "hi"
      stloc.1
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
`

func TestCoreImage(t *testing.T) {
	core := NewCoreImage()
	exc := core.WellKnown(ClassException)
	require.NotNil(t, exc)
	dbz := core.WellKnown(ClassDivideByZeroException)
	require.NotNil(t, dbz)
	assert.True(t, dbz.IsSubclassOf(exc))
	assert.True(t, core.IsAssignable(dbz, core.WellKnown(ClassObject)))
	assert.False(t, core.IsAssignable(exc, dbz))
	assert.NotNil(t, dbz.FieldByName(MessageField))

	i4, err := core.Class("System.Int32")
	require.NoError(t, err)
	typ, err := core.ResolveType(i4.Token())
	require.NoError(t, err)
	assert.Equal(t, ElementI4, typ.Elem)

	for _, m := range core.Methods() {
		_, err := il.DecodeAll(m.Header.Code)
		require.NoError(t, err, m.FullName())
	}
}

func TestImageTokens(t *testing.T) {
	core := NewCoreImage()
	img := NewImage("app", core)
	c := img.DefineClass("App", "Thing", nil)
	assert.Equal(t, core.WellKnown(ClassObject), c.Parent)
	assert.Equal(t, MakeToken(TableTypeDef, 1), c.Token())

	f := img.DefineField(c, "x", Primitive(ElementI8), false)
	m := img.DefineMethod(c, "Get", &Signature{HasThis: true, Return: Primitive(ElementI8)}, &MethodHeader{Code: []byte{byte(il.Ret)}})

	gotM, err := img.ResolveMethod(m.Token())
	require.NoError(t, err)
	assert.Same(t, m, gotM)
	gotF, err := img.ResolveField(f.Token())
	require.NoError(t, err)
	assert.Same(t, f, gotF)

	s1 := img.Intern("hello")
	assert.Equal(t, s1, img.Intern("hello"))
	str, err := img.ResolveString(s1)
	require.NoError(t, err)
	assert.Equal(t, "hello", str)

	excCtor := core.WellKnown(ClassException).MethodByName(".ctor")
	ref := img.ImportMethod(excCtor)
	assert.Equal(t, TableMemberRef, ref.Table())
	assert.Equal(t, ref, img.ImportMethod(excCtor))
	resolved, err := img.ResolveMethod(ref)
	require.NoError(t, err)
	assert.Same(t, excCtor, resolved)
	assert.Equal(t, core, resolved.Context())

	_, err = img.ResolveMethod(MakeToken(TableMethodDef, 99))
	assert.ErrorIs(t, err, ErrBadToken)
	_, err = img.ResolveField(m.Token())
	assert.ErrorIs(t, err, ErrBadToken)
}

func TestValueSize(t *testing.T) {
	img := NewCoreImage()
	cases := []struct {
		t     *Type
		size  int
		align int
	}{
		{Primitive(ElementBoolean), 1, 1},
		{Primitive(ElementI2), 2, 2},
		{Primitive(ElementI4), 4, 4},
		{Primitive(ElementR8), 8, 8},
		{Primitive(ElementString), PointerSize, PointerSize},
		{ArrayOf(Primitive(ElementI4)), PointerSize, PointerSize},
	}
	for _, tc := range cases {
		size, align := img.ValueSize(tc.t)
		assert.Equal(t, tc.size, size, tc.t.String())
		assert.Equal(t, tc.align, align, tc.t.String())
	}
}

func TestLoadSource(t *testing.T) {
	l := NewLoader(nil)
	img, err := l.Load([]byte(shapesSource))
	require.NoError(t, err)
	assert.Equal(t, "Shapes.Program::Main", l.Entry("shapes"))

	shape, err := img.Class("Shapes.Shape")
	require.NoError(t, err)
	square, err := img.Class("Shapes.Square")
	require.NoError(t, err)
	assert.Same(t, shape, square.Parent)
	assert.Equal(t, 0, shape.FieldByName("id").Slot)
	assert.Equal(t, 1, square.FieldByName("side").Slot)
	assert.Equal(t, 2, square.InstanceFieldCount())

	abstractArea := shape.MethodByName("Area")
	require.True(t, abstractArea.Abstract)
	impl, err := img.FindOverride(square, abstractArea)
	require.NoError(t, err)
	assert.Same(t, square.MethodByName("Area"), impl)
	_, err = img.FindOverride(shape, abstractArea)
	assert.Error(t, err)

	main, err := img.Method("Shapes.Program::Main")
	require.NoError(t, err)
	h := main.Header
	assert.Equal(t, DefaultMaxStack, h.MaxStack)
	assert.True(t, h.InitLocals)
	require.Len(t, h.Clauses, 1)
	cl := h.Clauses[0]
	assert.Equal(t, ClauseCatch, cl.Kind)
	assert.Equal(t, cl.TryOffset+cl.TryLength, cl.HandlerOffset)
	cls, err := img.ResolveClass(cl.ClassToken)
	require.NoError(t, err)
	assert.Same(t, img.WellKnown(ClassException), cls)
}

func TestLoadSourceErrors(t *testing.T) {
	l := NewLoader(nil)
	_, err := l.Load([]byte(`
name = "bad"
[[class]]
namespace = "Bad"
name = "A"
parent = "Bad.Missing"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown parent")

	_, err = l.Load([]byte(`
name = "bad2"
[[class]]
namespace = "Bad"
name = "B"
  [[class.method]]
  name = "M"
  static = true
  code = "call Bad.B::Nope"
  [[class.method]]
  name = "N"
  static = true
  params = ["Bad.Unknown"]
`))
	require.Error(t, err)

	_, err = l.Load([]byte(shapesSource))
	require.NoError(t, err)
	_, err = l.Load([]byte(shapesSource))
	assert.Error(t, err, "duplicate image name")
}

func TestCrossImageReference(t *testing.T) {
	l := NewLoader(nil)
	_, err := l.Load([]byte(`
name = "lib"
[[class]]
namespace = "Lib"
name = "Math"
  [[class.method]]
  name = "Two"
  static = true
  returns = "int32"
  code = "ldc.i4.2\nret"
`))
	require.NoError(t, err)
	app, err := l.Load([]byte(`
name = "app"
[[class]]
namespace = "App"
name = "Main"
  [[class.method]]
  name = "Run"
  static = true
  returns = "int32"
  code = "call [lib]Lib.Math::Two\nret"
`))
	require.NoError(t, err)

	run, err := app.Method("App.Main::Run")
	require.NoError(t, err)
	in, err := il.Decode(run.Header.Code, 0)
	require.NoError(t, err)
	tok := Token(in.Token())
	assert.Equal(t, TableMemberRef, tok.Table())
	target, err := app.ResolveMethod(tok)
	require.NoError(t, err)
	assert.Equal(t, "lib", target.Context().Name())
}

func TestEncodeDecodeImage(t *testing.T) {
	l := NewLoader(nil)
	img, err := l.Load([]byte(shapesSource))
	require.NoError(t, err)

	data, err := EncodeImage(img, "Shapes.Program::Main")
	require.NoError(t, err)
	again, err := EncodeImage(img, "Shapes.Program::Main")
	require.NoError(t, err)
	assert.Equal(t, data, again, "encoding is deterministic")

	l2 := NewLoader(nil)
	dec, err := l2.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "Shapes.Program::Main", l2.Entry("shapes"))

	orig := img.Methods()
	got := dec.Methods()
	require.Len(t, got, len(orig))
	for i := range orig {
		assert.Equal(t, orig[i].FullName(), got[i].FullName())
		assert.Equal(t, orig[i].Token(), got[i].Token())
		if orig[i].Header != nil {
			assert.Equal(t, orig[i].Header.Code, got[i].Header.Code)
			assert.Equal(t, orig[i].Header.Clauses, got[i].Header.Clauses)
		}
	}
	square, err := dec.Class("Shapes.Square")
	require.NoError(t, err)
	assert.Equal(t, 1, square.FieldByName("side").Slot)

	main, err := dec.Method("Shapes.Program::Main")
	require.NoError(t, err)
	in, err := il.Decode(main.Header.Code, 0)
	require.NoError(t, err)
	s, err := dec.ResolveString(Token(in.Token()))
	require.NoError(t, err)
	assert.Equal(t, "hi", s)

	_, err = l2.Decode([]byte{0xff, 0x00})
	assert.Error(t, err)
}

func TestValidateReportsAll(t *testing.T) {
	core := NewCoreImage()
	img := NewImage("v", core)
	c := img.DefineClass("V", "C", nil)
	img.DefineMethod(c, "A", &Signature{}, &MethodHeader{
		Code:    []byte{byte(il.Ret)},
		Clauses: []ExceptionClause{{Kind: ClauseFinally, TryOffset: 0, TryLength: 5}},
	})
	img.DefineMethod(c, "B", &Signature{}, nil)
	img.DefineMethod(c, "C", &Signature{}, &MethodHeader{Code: []byte{byte(il.Ret)}, MaxStack: -1})

	err := img.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "V.C::A")
	assert.Contains(t, err.Error(), "V.C::B")
	assert.Contains(t, err.Error(), "V.C::C")
}
