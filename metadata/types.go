// Package metadata defines the method, class and field descriptors consumed
// by the transformer and the engine, the Resolver interface a loading
// context provides, and Image, an in-memory loading context that can be
// built programmatically, loaded from TOML sources or decoded from CBOR.
package metadata

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Tokens
// ---------------------------------------------------------------------------

// Token is a metadata token: table number in the high byte, 1-based row in
// the low three bytes.
type Token uint32

// Metadata tables referenced by IL operands.
const (
	TableTypeRef    byte = 0x01
	TableTypeDef    byte = 0x02
	TableField      byte = 0x04
	TableMethodDef  byte = 0x06
	TableMemberRef  byte = 0x0A
	TableUserString byte = 0x70
)

// MakeToken builds a token from a table and a 1-based row.
func MakeToken(table byte, row uint32) Token {
	return Token(uint32(table)<<24 | row&0x00FFFFFF)
}

// Table returns the token's table.
func (t Token) Table() byte { return byte(t >> 24) }

// Row returns the token's 1-based row.
func (t Token) Row() uint32 { return uint32(t) & 0x00FFFFFF }

func (t Token) String() string { return fmt.Sprintf("0x%08x", uint32(t)) }

// ---------------------------------------------------------------------------
// Types
// ---------------------------------------------------------------------------

// ElementType is the signature encoding of a type (CorElementType).
type ElementType uint8

const (
	ElementVoid      ElementType = 0x01
	ElementBoolean   ElementType = 0x02
	ElementChar      ElementType = 0x03
	ElementI1        ElementType = 0x04
	ElementU1        ElementType = 0x05
	ElementI2        ElementType = 0x06
	ElementU2        ElementType = 0x07
	ElementI4        ElementType = 0x08
	ElementU4        ElementType = 0x09
	ElementI8        ElementType = 0x0A
	ElementU8        ElementType = 0x0B
	ElementR4        ElementType = 0x0C
	ElementR8        ElementType = 0x0D
	ElementString    ElementType = 0x0E
	ElementPtr       ElementType = 0x0F
	ElementByRef     ElementType = 0x10
	ElementValueType ElementType = 0x11
	ElementClass     ElementType = 0x12
	ElementArray     ElementType = 0x14
	ElementI         ElementType = 0x18
	ElementU         ElementType = 0x19
	ElementObject    ElementType = 0x1C
	ElementSZArray   ElementType = 0x1D
)

var elementNames = map[ElementType]string{
	ElementVoid: "void", ElementBoolean: "bool", ElementChar: "char",
	ElementI1: "int8", ElementU1: "uint8", ElementI2: "int16", ElementU2: "uint16",
	ElementI4: "int32", ElementU4: "uint32", ElementI8: "int64", ElementU8: "uint64",
	ElementR4: "float32", ElementR8: "float64", ElementString: "string",
	ElementI: "nint", ElementU: "nuint", ElementObject: "object",
}

// ParseElementType maps a primitive type name to its element type.
func ParseElementType(name string) (ElementType, bool) {
	for e, n := range elementNames {
		if n == name {
			return e, true
		}
	}
	return 0, false
}

// Type describes a local, parameter, field or array element type.
type Type struct {
	Elem  ElementType
	Class *Class // ElementClass and ElementValueType
	Inner *Type  // ElementSZArray element, ElementByRef and ElementPtr target
}

// Primitive returns the type for a primitive element type.
func Primitive(e ElementType) *Type {
	return &Type{Elem: e}
}

// ClassType returns the reference type for c.
func ClassType(c *Class) *Type {
	if c.Primitive != 0 {
		return &Type{Elem: c.Primitive}
	}
	return &Type{Elem: ElementClass, Class: c}
}

// ArrayOf returns the single-dimension zero-based array type of elem.
func ArrayOf(elem *Type) *Type {
	return &Type{Elem: ElementSZArray, Inner: elem}
}

// ByRef returns a managed pointer to t.
func ByRef(t *Type) *Type {
	return &Type{Elem: ElementByRef, Inner: t}
}

// IsByRef reports whether the type is a managed pointer.
func (t *Type) IsByRef() bool {
	return t.Elem == ElementByRef
}

// IsReference reports whether values of the type are object references.
func (t *Type) IsReference() bool {
	switch t.Elem {
	case ElementString, ElementClass, ElementObject, ElementSZArray, ElementArray:
		return true
	}
	return false
}

func (t *Type) String() string {
	if t == nil {
		return "<nil>"
	}
	switch t.Elem {
	case ElementClass, ElementValueType:
		if t.Class != nil {
			return t.Class.FullName()
		}
	case ElementSZArray:
		return t.Inner.String() + "[]"
	case ElementByRef:
		return t.Inner.String() + "&"
	case ElementPtr:
		return t.Inner.String() + "*"
	}
	if n, ok := elementNames[t.Elem]; ok {
		return n
	}
	return fmt.Sprintf("element(0x%02x)", uint8(t.Elem))
}

// Equal reports whether two types denote the same type.
func (t *Type) Equal(o *Type) bool {
	if t == nil || o == nil {
		return t == o
	}
	if t.Elem != o.Elem || t.Class != o.Class {
		return false
	}
	if t.Inner != nil || o.Inner != nil {
		return t.Inner.Equal(o.Inner)
	}
	return true
}

// ---------------------------------------------------------------------------
// Classes and fields
// ---------------------------------------------------------------------------

// Class is a type definition.
type Class struct {
	Namespace string
	Name      string
	Parent    *Class
	Fields    []*Field
	Methods   []*Method

	// Primitive is non-zero for the classes that stand for primitive types
	// (System.Int32 and friends) so that type tokens naming them resolve to
	// primitive element types.
	Primitive ElementType

	Image *Image
	token Token
}

// Token returns the class's TypeDef token in its image.
func (c *Class) Token() Token { return c.token }

// FullName returns Namespace.Name.
func (c *Class) FullName() string {
	if c.Namespace == "" {
		return c.Name
	}
	return c.Namespace + "." + c.Name
}

func (c *Class) String() string { return c.FullName() }

// IsSubclassOf reports whether c is other or derives from it.
func (c *Class) IsSubclassOf(other *Class) bool {
	for k := c; k != nil; k = k.Parent {
		if k == other {
			return true
		}
	}
	return false
}

// InstanceFieldCount returns the number of instance fields including those
// inherited from parents.
func (c *Class) InstanceFieldCount() int {
	n := 0
	for k := c; k != nil; k = k.Parent {
		for _, f := range k.Fields {
			if !f.Static {
				n++
			}
		}
	}
	return n
}

// FieldByName finds a field declared on c or one of its parents.
func (c *Class) FieldByName(name string) *Field {
	for k := c; k != nil; k = k.Parent {
		for _, f := range k.Fields {
			if f.Name == name {
				return f
			}
		}
	}
	return nil
}

// MethodByName finds the first method named name declared directly on c.
func (c *Class) MethodByName(name string) *Method {
	for _, m := range c.Methods {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// Field is a field definition. Instance fields carry their slot in the
// object layout; static fields are stored by the memory manager owning the
// declaring image.
type Field struct {
	Name           string
	Type           *Type
	Static         bool
	DeclaringClass *Class
	Slot           int

	token Token
}

// Token returns the field's token in its image.
func (f *Field) Token() Token { return f.token }

// FullName returns Class::Name.
func (f *Field) FullName() string {
	return f.DeclaringClass.FullName() + "::" + f.Name
}

func (f *Field) String() string { return f.FullName() }

// ---------------------------------------------------------------------------
// Methods
// ---------------------------------------------------------------------------

// Signature is a method signature.
type Signature struct {
	HasThis bool
	Params  []*Type
	Return  *Type // nil or ElementVoid for no result
}

// ParamCount returns the number of declared parameters.
func (s *Signature) ParamCount() int { return len(s.Params) }

// ArgCount returns the number of argument slots, including this.
func (s *Signature) ArgCount() int {
	if s.HasThis {
		return len(s.Params) + 1
	}
	return len(s.Params)
}

// ReturnsValue reports whether the method produces a result.
func (s *Signature) ReturnsValue() bool {
	return s.Return != nil && s.Return.Elem != ElementVoid
}

func (s *Signature) String() string {
	var b strings.Builder
	if s.ReturnsValue() {
		b.WriteString(s.Return.String())
	} else {
		b.WriteString("void")
	}
	b.WriteString(" (")
	for i, p := range s.Params {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(p.String())
	}
	b.WriteString(")")
	return b.String()
}

// ClauseKind identifies the kind of an exception handling clause.
type ClauseKind uint8

const (
	ClauseCatch   ClauseKind = 0
	ClauseFilter  ClauseKind = 1
	ClauseFinally ClauseKind = 2
	ClauseFault   ClauseKind = 4
)

func (k ClauseKind) String() string {
	switch k {
	case ClauseCatch:
		return "catch"
	case ClauseFilter:
		return "filter"
	case ClauseFinally:
		return "finally"
	case ClauseFault:
		return "fault"
	}
	return fmt.Sprintf("clause(%d)", uint8(k))
}

// ParseClauseKind parses the name of a clause kind.
func ParseClauseKind(s string) (ClauseKind, bool) {
	for _, k := range []ClauseKind{ClauseCatch, ClauseFilter, ClauseFinally, ClauseFault} {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// ExceptionClause is a protected region with its handler, in IL offsets.
type ExceptionClause struct {
	Kind          ClauseKind
	TryOffset     uint32
	TryLength     uint32
	HandlerOffset uint32
	HandlerLength uint32
	ClassToken    Token  // catch clauses
	FilterOffset  uint32 // filter clauses
}

// MethodHeader is a method body.
type MethodHeader struct {
	Code       []byte
	MaxStack   int
	Locals     []*Type
	Clauses    []ExceptionClause
	InitLocals bool
}

// CodeSize returns the IL body length.
func (h *MethodHeader) CodeSize() int { return len(h.Code) }

// NumLocals returns the number of locals.
func (h *MethodHeader) NumLocals() int { return len(h.Locals) }

// NumClauses returns the number of exception clauses.
func (h *MethodHeader) NumClauses() int { return len(h.Clauses) }

// Method is a method descriptor. Descriptors are immutable once their image
// is complete and are shared by every thread.
type Method struct {
	Name           string
	DeclaringClass *Class
	Signature      *Signature
	Header         *MethodHeader // nil for abstract methods
	Virtual        bool
	Abstract       bool

	token Token
}

// Token returns the method's MethodDef token in its image.
func (m *Method) Token() Token { return m.token }

// Context returns the loading context the method belongs to.
func (m *Method) Context() LoadContext {
	if m.DeclaringClass == nil || m.DeclaringClass.Image == nil {
		return nil
	}
	return m.DeclaringClass.Image
}

// IsStatic reports whether the method has no this argument.
func (m *Method) IsStatic() bool { return !m.Signature.HasThis }

// IsConstructor reports whether the method is an instance constructor.
func (m *Method) IsConstructor() bool { return m.Name == ".ctor" }

// FullName returns Class::Name.
func (m *Method) FullName() string {
	if m.DeclaringClass == nil {
		return m.Name
	}
	return m.DeclaringClass.FullName() + "::" + m.Name
}

func (m *Method) String() string { return m.FullName() }

// ---------------------------------------------------------------------------
// Collaborator interfaces
// ---------------------------------------------------------------------------

// WellKnownClass names the classes the engine raises or relies on.
type WellKnownClass int

const (
	ClassObject WellKnownClass = iota
	ClassString
	ClassException
	ClassArithmeticException
	ClassDivideByZeroException
	ClassOverflowException
	ClassNullReferenceException
	ClassIndexOutOfRangeException
	ClassInvalidCastException
	ClassOutOfMemoryException
)

// Resolver answers the metadata queries issued while transforming and
// executing methods.
type Resolver interface {
	ResolveMethod(tok Token) (*Method, error)
	ResolveField(tok Token) (*Field, error)
	ResolveType(tok Token) (*Type, error)
	ResolveString(tok Token) (string, error)

	// ValueSize returns the storage size and alignment of a value of t.
	ValueSize(t *Type) (size, align int)

	// IsAssignable reports whether an instance of from can be stored in a
	// location of class to.
	IsAssignable(from, to *Class) bool

	// FindOverride returns the implementation of m that instances of c use.
	FindOverride(c *Class, m *Method) (*Method, error)

	WellKnown(k WellKnownClass) *Class
}

// LoadContext is a loading context: a named resolver whose methods are owned
// by one memory manager.
type LoadContext interface {
	Resolver
	Name() string
}
