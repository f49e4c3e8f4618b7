package vm

import (
	"fmt"
	"math"

	"github.com/chazu/mint/metadata"
)

// Kind is the stack type of a Value. The evaluation stack only ever holds
// these four shapes; narrower integers are widened to KindI4 and float32 to
// KindR8 when loaded.
type Kind uint8

const (
	KindVoid Kind = iota
	KindI4
	KindI8
	KindR8
	KindRef
)

func (k Kind) String() string {
	switch k {
	case KindVoid:
		return "void"
	case KindI4:
		return "i4"
	case KindI8:
		return "i8"
	case KindR8:
		return "r8"
	case KindRef:
		return "ref"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// KindOf maps a metadata type to the stack type it occupies. Value types
// other than primitives, pointers and byrefs have no stack kind.
func KindOf(t *metadata.Type) (Kind, bool) {
	if t == nil {
		return KindVoid, false
	}
	switch t.Elem {
	case metadata.ElementVoid:
		return KindVoid, true
	case metadata.ElementBoolean, metadata.ElementChar,
		metadata.ElementI1, metadata.ElementU1,
		metadata.ElementI2, metadata.ElementU2,
		metadata.ElementI4, metadata.ElementU4:
		return KindI4, true
	case metadata.ElementI8, metadata.ElementU8, metadata.ElementI, metadata.ElementU:
		return KindI8, true
	case metadata.ElementR4, metadata.ElementR8:
		return KindR8, true
	case metadata.ElementString, metadata.ElementObject, metadata.ElementClass,
		metadata.ElementSZArray:
		return KindRef, true
	}
	return KindVoid, false
}

// ---------------------------------------------------------------------------
// Value
// ---------------------------------------------------------------------------

// Value is one evaluation-stack or slot entry. Integers and floats live in
// bits; references live in ref. The zero Value is void.
type Value struct {
	kind Kind
	bits uint64
	ref  Ref
}

// Ref is implemented by every heap reference the engine can hold.
type Ref interface {
	RefClass() *metadata.Class
}

// Null is the null reference.
var Null = Value{kind: KindRef}

// I4 returns a 32-bit integer value.
func I4(v int32) Value { return Value{kind: KindI4, bits: uint64(uint32(v))} }

// I8 returns a 64-bit integer value.
func I8(v int64) Value { return Value{kind: KindI8, bits: uint64(v)} }

// R8 returns a float value.
func R8(v float64) Value { return Value{kind: KindR8, bits: math.Float64bits(v)} }

// Bool returns the I4 encoding of b.
func Bool(b bool) Value {
	if b {
		return I4(1)
	}
	return I4(0)
}

// FromRef wraps a heap reference. A nil r yields Null.
func FromRef(r Ref) Value { return Value{kind: KindRef, ref: r} }

// Zero returns the zero value of a stack kind.
func Zero(k Kind) Value { return Value{kind: k} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) I4() int32 { return int32(uint32(v.bits)) }

func (v Value) I8() int64 { return int64(v.bits) }

func (v Value) R8() float64 { return math.Float64frombits(v.bits) }

func (v Value) Ref() Ref { return v.ref }

// IsNull reports whether v is a null reference.
func (v Value) IsNull() bool { return v.kind == KindRef && v.ref == nil }

// Int returns an integer value widened to int64, sign-extending I4.
func (v Value) Int() int64 {
	if v.kind == KindI4 {
		return int64(v.I4())
	}
	return int64(v.bits)
}

// Truthy is the brtrue test: non-zero integers and non-null references.
func (v Value) Truthy() bool {
	return v.bits != 0 || v.ref != nil
}

// Interface returns the Go rendering of v.
func (v Value) Interface() any {
	switch v.kind {
	case KindI4:
		return v.I4()
	case KindI8:
		return v.I8()
	case KindR8:
		return v.R8()
	case KindRef:
		if s, ok := v.ref.(*String); ok {
			return s.Value
		}
		return v.ref
	}
	return nil
}

func (v Value) String() string {
	switch v.kind {
	case KindVoid:
		return "void"
	case KindI4:
		return fmt.Sprintf("%d", v.I4())
	case KindI8:
		return fmt.Sprintf("%dL", v.I8())
	case KindR8:
		return fmt.Sprintf("%g", v.R8())
	}
	switch r := v.ref.(type) {
	case nil:
		return "null"
	case *String:
		return fmt.Sprintf("%q", r.Value)
	case fmt.Stringer:
		return r.String()
	}
	return fmt.Sprintf("%v", v.ref)
}

// narrow truncates v to the storage width of a small element type, the way
// a store into a field, local or array element of that type does.
func narrow(e metadata.ElementType, v Value) Value {
	switch e {
	case metadata.ElementBoolean, metadata.ElementU1:
		return I4(int32(uint8(v.bits)))
	case metadata.ElementI1:
		return I4(int32(int8(v.bits)))
	case metadata.ElementI2:
		return I4(int32(int16(v.bits)))
	case metadata.ElementChar, metadata.ElementU2:
		return I4(int32(uint16(v.bits)))
	case metadata.ElementR4:
		return R8(float64(float32(v.R8())))
	}
	return v
}
