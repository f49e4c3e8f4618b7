package metadata

import (
	"fmt"

	"github.com/chazu/mint/il"
)

// CoreName is the name of the image that defines the System classes.
const CoreName = "System.Core"

// MessageField is the name of the field holding an exception's message.
const MessageField = "_message"

// NewCoreImage creates the image defining System.Object, System.String, the
// primitive type classes and the exception hierarchy the engine raises.
// Every other image is created on top of a core image.
func NewCoreImage() *Image {
	img := newImage(CoreName, nil)
	img.wellKnown = map[WellKnownClass]*Class{}

	object := img.DefineClass("System", "Object", nil)
	img.wellKnown[ClassObject] = object
	img.DefineMethod(object, ".ctor", &Signature{HasThis: true}, body(1, nil, func(a *il.Assembler) {
		a.Emit(il.Ret)
	}))

	str := img.DefineClass("System", "String", object)
	img.wellKnown[ClassString] = str

	for _, p := range []struct {
		name string
		elem ElementType
	}{
		{"Boolean", ElementBoolean}, {"Char", ElementChar},
		{"SByte", ElementI1}, {"Byte", ElementU1},
		{"Int16", ElementI2}, {"UInt16", ElementU2},
		{"Int32", ElementI4}, {"UInt32", ElementU4},
		{"Int64", ElementI8}, {"UInt64", ElementU8},
		{"Single", ElementR4}, {"Double", ElementR8},
		{"IntPtr", ElementI}, {"UIntPtr", ElementU},
	} {
		c := img.DefineClass("System", p.name, object)
		c.Primitive = p.elem
	}

	exc := img.DefineClass("System", "Exception", object)
	img.wellKnown[ClassException] = exc
	msg := img.DefineField(exc, MessageField, Primitive(ElementString), false)
	excCtor := img.DefineMethod(exc, ".ctor", &Signature{HasThis: true}, body(1, nil, func(a *il.Assembler) {
		a.Emit(il.Ret)
	}))
	img.DefineMethod(exc, ".ctor", &Signature{HasThis: true, Params: []*Type{Primitive(ElementString)}}, body(2, nil, func(a *il.Assembler) {
		a.Emit(il.Ldarg0).Emit(il.Ldarg1).EmitToken(il.Stfld, uint32(msg.token)).Emit(il.Ret)
	}))
	img.DefineMethod(exc, "get_Message", &Signature{HasThis: true, Return: Primitive(ElementString)}, body(1, nil, func(a *il.Assembler) {
		a.Emit(il.Ldarg0).EmitToken(il.Ldfld, uint32(msg.token)).Emit(il.Ret)
	}), Virtual())

	sys := img.DefineClass("System", "SystemException", exc)
	arith := img.DefineClass("System", "ArithmeticException", sys)
	img.wellKnown[ClassArithmeticException] = arith

	derived := []struct {
		name   string
		parent *Class
		kind   WellKnownClass
	}{
		{"DivideByZeroException", arith, ClassDivideByZeroException},
		{"OverflowException", arith, ClassOverflowException},
		{"NullReferenceException", sys, ClassNullReferenceException},
		{"IndexOutOfRangeException", sys, ClassIndexOutOfRangeException},
		{"InvalidCastException", sys, ClassInvalidCastException},
		{"OutOfMemoryException", sys, ClassOutOfMemoryException},
	}
	for _, c := range []*Class{sys, arith} {
		defineChainedCtor(img, c, excCtor)
	}
	for _, d := range derived {
		c := img.DefineClass("System", d.name, d.parent)
		img.wellKnown[d.kind] = c
		defineChainedCtor(img, c, excCtor)
	}
	return img
}

// defineChainedCtor gives c a parameterless constructor that calls base.
func defineChainedCtor(img *Image, c *Class, base *Method) {
	img.DefineMethod(c, ".ctor", &Signature{HasThis: true}, body(1, nil, func(a *il.Assembler) {
		a.Emit(il.Ldarg0).EmitToken(il.Call, uint32(base.token)).Emit(il.Ret)
	}))
}

func body(maxStack int, locals []*Type, emit func(*il.Assembler)) *MethodHeader {
	a := il.NewAssembler()
	emit(a)
	code, err := a.Bytes()
	if err != nil {
		panic(fmt.Sprintf("metadata: core body: %v", err))
	}
	return &MethodHeader{Code: code, MaxStack: maxStack, Locals: locals, InitLocals: true}
}
