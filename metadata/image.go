package metadata

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
)

var (
	// ErrBadToken is returned for tokens that name no row of the expected
	// table.
	ErrBadToken = errors.New("metadata: bad token")

	// ErrNotFound is returned by name lookups.
	ErrNotFound = errors.New("metadata: not found")
)

// PointerSize is the size of an object reference and of native integers.
const PointerSize = 8

type memberRef struct {
	method *Method
	field  *Field
}

// Image is an in-memory loading context. Definitions receive tokens in the
// order they are added. Images are built by a single goroutine and are safe
// for concurrent reads afterwards; imports may still be added concurrently.
type Image struct {
	name string
	core *Image

	mu        sync.RWMutex
	classes   []*Class
	fields    []*Field
	methods   []*Method
	strings   []string
	stringIdx map[string]Token
	typeRefs  []*Class
	refs      []memberRef
	importIdx map[any]Token
	byName    map[string]*Class

	wellKnown map[WellKnownClass]*Class
}

// NewImage creates an empty image whose core classes come from core.
func NewImage(name string, core *Image) *Image {
	if core == nil {
		panic("metadata: NewImage requires a core image")
	}
	return newImage(name, core)
}

func newImage(name string, core *Image) *Image {
	return &Image{
		name:      name,
		core:      core,
		stringIdx: map[string]Token{},
		importIdx: map[any]Token{},
		byName:    map[string]*Class{},
	}
}

// Name returns the image name.
func (img *Image) Name() string { return img.name }

// Core returns the image providing the well-known classes.
func (img *Image) Core() *Image {
	if img.core == nil {
		return img
	}
	return img.core
}

func (img *Image) String() string { return img.name }

// ---------------------------------------------------------------------------
// Definitions
// ---------------------------------------------------------------------------

// DefineClass adds a class. A nil parent means System.Object, except for
// System.Object itself.
func (img *Image) DefineClass(namespace, name string, parent *Class) *Class {
	img.mu.Lock()
	defer img.mu.Unlock()
	c := &Class{Namespace: namespace, Name: name, Parent: parent, Image: img}
	if parent == nil && img.core != nil {
		c.Parent = img.core.wellKnown[ClassObject]
	}
	img.classes = append(img.classes, c)
	c.token = MakeToken(TableTypeDef, uint32(len(img.classes)))
	img.byName[c.FullName()] = c
	return c
}

// DefineField adds a field to c. Instance fields are assigned the next
// object slot after those of c's parents.
func (img *Image) DefineField(c *Class, name string, t *Type, static bool) *Field {
	img.mu.Lock()
	defer img.mu.Unlock()
	f := &Field{Name: name, Type: t, Static: static, DeclaringClass: c}
	if !static {
		f.Slot = c.InstanceFieldCount()
	}
	c.Fields = append(c.Fields, f)
	img.fields = append(img.fields, f)
	f.token = MakeToken(TableField, uint32(len(img.fields)))
	return f
}

// MethodOption adjusts a method definition.
type MethodOption func(*Method)

// Virtual marks the method as virtual.
func Virtual() MethodOption {
	return func(m *Method) { m.Virtual = true }
}

// Abstract marks the method as abstract; abstract methods have no body.
func Abstract() MethodOption {
	return func(m *Method) {
		m.Virtual = true
		m.Abstract = true
		m.Header = nil
	}
}

// DefineMethod adds a method to c.
func (img *Image) DefineMethod(c *Class, name string, sig *Signature, body *MethodHeader, opts ...MethodOption) *Method {
	img.mu.Lock()
	defer img.mu.Unlock()
	m := &Method{Name: name, DeclaringClass: c, Signature: sig, Header: body}
	for _, opt := range opts {
		opt(m)
	}
	c.Methods = append(c.Methods, m)
	img.methods = append(img.methods, m)
	m.token = MakeToken(TableMethodDef, uint32(len(img.methods)))
	return m
}

// SetBody replaces a method's body. Used by loaders that define every
// method before assembling any code.
func (img *Image) SetBody(m *Method, body *MethodHeader) {
	img.mu.Lock()
	defer img.mu.Unlock()
	m.Header = body
}

// Intern interns a user string and returns its token.
func (img *Image) Intern(s string) Token {
	img.mu.Lock()
	defer img.mu.Unlock()
	if tok, ok := img.stringIdx[s]; ok {
		return tok
	}
	img.strings = append(img.strings, s)
	tok := MakeToken(TableUserString, uint32(len(img.strings)))
	img.stringIdx[s] = tok
	return tok
}

// ImportMethod returns a token through which this image's code can refer to
// m. Methods of this image get their MethodDef token; others get a MemberRef.
func (img *Image) ImportMethod(m *Method) Token {
	if m.DeclaringClass.Image == img {
		return m.token
	}
	return img.importMember(m, memberRef{method: m})
}

// ImportField returns a token through which this image's code can refer to f.
func (img *Image) ImportField(f *Field) Token {
	if f.DeclaringClass.Image == img {
		return f.token
	}
	return img.importMember(f, memberRef{field: f})
}

func (img *Image) importMember(key any, ref memberRef) Token {
	img.mu.Lock()
	defer img.mu.Unlock()
	if tok, ok := img.importIdx[key]; ok {
		return tok
	}
	img.refs = append(img.refs, ref)
	tok := MakeToken(TableMemberRef, uint32(len(img.refs)))
	img.importIdx[key] = tok
	return tok
}

// ImportClass returns a token through which this image's code can refer to c.
func (img *Image) ImportClass(c *Class) Token {
	if c.Image == img {
		return c.token
	}
	img.mu.Lock()
	defer img.mu.Unlock()
	if tok, ok := img.importIdx[c]; ok {
		return tok
	}
	img.typeRefs = append(img.typeRefs, c)
	tok := MakeToken(TableTypeRef, uint32(len(img.typeRefs)))
	img.importIdx[c] = tok
	return tok
}

// ---------------------------------------------------------------------------
// Lookup
// ---------------------------------------------------------------------------

// Classes returns the image's classes in definition order.
func (img *Image) Classes() []*Class {
	img.mu.RLock()
	defer img.mu.RUnlock()
	return append([]*Class(nil), img.classes...)
}

// Methods returns the image's methods in definition order.
func (img *Image) Methods() []*Method {
	img.mu.RLock()
	defer img.mu.RUnlock()
	return append([]*Method(nil), img.methods...)
}

// Class finds a class by full name in this image or its core.
func (img *Image) Class(fullName string) (*Class, error) {
	img.mu.RLock()
	c, ok := img.byName[fullName]
	img.mu.RUnlock()
	if ok {
		return c, nil
	}
	if img.core != nil {
		return img.core.Class(fullName)
	}
	return nil, fmt.Errorf("%w: class %s in %s", ErrNotFound, fullName, img.name)
}

// Method finds a method by "Namespace.Class::Name".
func (img *Image) Method(ref string) (*Method, error) {
	cls, name, ok := strings.Cut(ref, "::")
	if !ok {
		return nil, fmt.Errorf("metadata: method reference %q is not Class::Name", ref)
	}
	c, err := img.Class(cls)
	if err != nil {
		return nil, err
	}
	if m := c.MethodByName(name); m != nil {
		return m, nil
	}
	return nil, fmt.Errorf("%w: method %s", ErrNotFound, ref)
}

// Field finds a field by "Namespace.Class::Name".
func (img *Image) Field(ref string) (*Field, error) {
	cls, name, ok := strings.Cut(ref, "::")
	if !ok {
		return nil, fmt.Errorf("metadata: field reference %q is not Class::Name", ref)
	}
	c, err := img.Class(cls)
	if err != nil {
		return nil, err
	}
	if f := c.FieldByName(name); f != nil {
		return f, nil
	}
	return nil, fmt.Errorf("%w: field %s", ErrNotFound, ref)
}

// ---------------------------------------------------------------------------
// Resolver implementation
// ---------------------------------------------------------------------------

func row[T any](rows []T, tok Token, table byte) (T, bool) {
	var zero T
	if tok.Table() != table || tok.Row() == 0 || int(tok.Row()) > len(rows) {
		return zero, false
	}
	return rows[tok.Row()-1], true
}

// ResolveMethod implements Resolver.
func (img *Image) ResolveMethod(tok Token) (*Method, error) {
	img.mu.RLock()
	defer img.mu.RUnlock()
	switch tok.Table() {
	case TableMethodDef:
		if m, ok := row(img.methods, tok, TableMethodDef); ok {
			return m, nil
		}
	case TableMemberRef:
		if r, ok := row(img.refs, tok, TableMemberRef); ok && r.method != nil {
			return r.method, nil
		}
	}
	return nil, fmt.Errorf("%w: method %s in %s", ErrBadToken, tok, img.name)
}

// ResolveField implements Resolver.
func (img *Image) ResolveField(tok Token) (*Field, error) {
	img.mu.RLock()
	defer img.mu.RUnlock()
	switch tok.Table() {
	case TableField:
		if f, ok := row(img.fields, tok, TableField); ok {
			return f, nil
		}
	case TableMemberRef:
		if r, ok := row(img.refs, tok, TableMemberRef); ok && r.field != nil {
			return r.field, nil
		}
	}
	return nil, fmt.Errorf("%w: field %s in %s", ErrBadToken, tok, img.name)
}

// ResolveClass resolves a TypeDef or TypeRef token to a class.
func (img *Image) ResolveClass(tok Token) (*Class, error) {
	img.mu.RLock()
	defer img.mu.RUnlock()
	switch tok.Table() {
	case TableTypeDef:
		if c, ok := row(img.classes, tok, TableTypeDef); ok {
			return c, nil
		}
	case TableTypeRef:
		if c, ok := row(img.typeRefs, tok, TableTypeRef); ok {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: type %s in %s", ErrBadToken, tok, img.name)
}

// ResolveType implements Resolver.
func (img *Image) ResolveType(tok Token) (*Type, error) {
	c, err := img.ResolveClass(tok)
	if err != nil {
		return nil, err
	}
	return ClassType(c), nil
}

// ResolveString implements Resolver.
func (img *Image) ResolveString(tok Token) (string, error) {
	img.mu.RLock()
	defer img.mu.RUnlock()
	if s, ok := row(img.strings, tok, TableUserString); ok {
		return s, nil
	}
	return "", fmt.Errorf("%w: string %s in %s", ErrBadToken, tok, img.name)
}

// ValueSize implements Resolver.
func (img *Image) ValueSize(t *Type) (size, align int) {
	switch t.Elem {
	case ElementBoolean, ElementI1, ElementU1:
		return 1, 1
	case ElementChar, ElementI2, ElementU2:
		return 2, 2
	case ElementI4, ElementU4, ElementR4:
		return 4, 4
	case ElementI8, ElementU8, ElementR8, ElementI, ElementU:
		return 8, 8
	case ElementValueType:
		return 0, 0
	}
	return PointerSize, PointerSize
}

// IsAssignable implements Resolver.
func (img *Image) IsAssignable(from, to *Class) bool {
	if from == nil || to == nil {
		return false
	}
	return from.IsSubclassOf(to)
}

// FindOverride implements Resolver. The most derived method with the same
// name and parameter count wins.
func (img *Image) FindOverride(c *Class, m *Method) (*Method, error) {
	if !m.Virtual {
		return m, nil
	}
	if c == nil || !c.IsSubclassOf(m.DeclaringClass) {
		return nil, fmt.Errorf("metadata: %s does not derive from %s", c, m.DeclaringClass)
	}
	for k := c; k != nil; k = k.Parent {
		for _, cand := range k.Methods {
			if cand.Name == m.Name && cand.Virtual &&
				cand.Signature.ParamCount() == m.Signature.ParamCount() &&
				cand.Signature.HasThis == m.Signature.HasThis {
				if cand.Abstract {
					break
				}
				return cand, nil
			}
		}
		if k == m.DeclaringClass {
			break
		}
	}
	if m.Abstract {
		return nil, fmt.Errorf("metadata: no implementation of %s on %s", m.FullName(), c)
	}
	return m, nil
}

// WellKnown implements Resolver.
func (img *Image) WellKnown(k WellKnownClass) *Class {
	return img.Core().wellKnown[k]
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate checks structural properties of every method body: clause ranges
// inside the code, catch tokens that resolve, and max stack values that are
// not negative. It reports every problem found.
func (img *Image) Validate() error {
	var result *multierror.Error
	for _, m := range img.Methods() {
		h := m.Header
		if h == nil {
			if !m.Abstract {
				result = multierror.Append(result, fmt.Errorf("%s: no body", m.FullName()))
			}
			continue
		}
		if h.MaxStack < 0 {
			result = multierror.Append(result, fmt.Errorf("%s: negative max stack", m.FullName()))
		}
		size := uint64(len(h.Code))
		for i, c := range h.Clauses {
			if uint64(c.TryOffset)+uint64(c.TryLength) > size ||
				uint64(c.HandlerOffset)+uint64(c.HandlerLength) > size {
				result = multierror.Append(result, fmt.Errorf("%s: clause %d outside the body", m.FullName(), i))
			}
			if c.Kind == ClauseCatch {
				if _, err := img.ResolveClass(c.ClassToken); err != nil {
					result = multierror.Append(result, fmt.Errorf("%s: clause %d: %w", m.FullName(), i, err))
				}
			}
		}
	}
	return result.ErrorOrNil()
}
