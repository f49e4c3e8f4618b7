package metadata

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"

	"github.com/chazu/mint/il"
)

// ---------------------------------------------------------------------------
// TOML image sources
// ---------------------------------------------------------------------------

// Source is the TOML description of an image.
//
//	name = "demo"
//	entry = "Demo.Program::Main"
//
//	[[class]]
//	namespace = "Demo"
//	name = "Program"
//
//	  [[class.method]]
//	  name = "Main"
//	  static = true
//	  returns = "int32"
//	  code = """
//	      ldc.i4.1
//	      ret
//	  """
//
// Method operands name members as "Namespace.Class::Name"; a "/N" suffix
// selects the overload with N parameters and an "[image]" prefix refers to
// another image known to the loader. Type operands use primitive names
// (int32, float64, string, object, ...), class names, and a "[]" suffix for
// arrays. Clauses name their boundaries with code labels.
type Source struct {
	Name    string        `toml:"name"`
	Entry   string        `toml:"entry"`
	Classes []ClassSource `toml:"class"`
}

// ClassSource describes a class.
type ClassSource struct {
	Namespace string         `toml:"namespace"`
	Name      string         `toml:"name"`
	Parent    string         `toml:"parent"`
	Fields    []FieldSource  `toml:"field"`
	Methods   []MethodSource `toml:"method"`
}

// FieldSource describes a field.
type FieldSource struct {
	Name   string `toml:"name"`
	Type   string `toml:"type"`
	Static bool   `toml:"static"`
}

// MethodSource describes a method and its body.
type MethodSource struct {
	Name       string         `toml:"name"`
	Static     bool           `toml:"static"`
	Virtual    bool           `toml:"virtual"`
	Abstract   bool           `toml:"abstract"`
	Params     []string       `toml:"params"`
	Returns    string         `toml:"returns"`
	Locals     []string       `toml:"locals"`
	MaxStack   int            `toml:"max_stack"`
	InitLocals *bool          `toml:"init_locals"`
	Code       string         `toml:"code"`
	Clauses    []ClauseSource `toml:"clause"`
}

// ClauseSource describes an exception clause by code labels.
type ClauseSource struct {
	Kind    string   `toml:"kind"`
	Try     []string `toml:"try"`
	Handler []string `toml:"handler"`
	Class   string   `toml:"class"`
	Filter  string   `toml:"filter"`
}

// DefaultMaxStack is used for methods that do not declare a max stack.
const DefaultMaxStack = 8

// Loader builds images from sources. Images loaded through the same loader
// share a core image and may refer to each other by name.
type Loader struct {
	core *Image

	mu      sync.Mutex
	images  map[string]*Image
	entries map[string]string
}

// NewLoader creates a loader. A nil core gets a fresh core image.
func NewLoader(core *Image) *Loader {
	if core == nil {
		core = NewCoreImage()
	}
	return &Loader{
		core:    core,
		images:  map[string]*Image{core.Name(): core},
		entries: map[string]string{},
	}
}

// Core returns the loader's core image.
func (l *Loader) Core() *Image { return l.core }

// Image returns a previously loaded image.
func (l *Loader) Image(name string) (*Image, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	img, ok := l.images[name]
	return img, ok
}

// Entry returns the entry point declared by the named image's source.
func (l *Loader) Entry(name string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries[name]
}

// Add registers an image built elsewhere so that sources can refer to it.
func (l *Loader) Add(img *Image) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.images[img.Name()] = img
}

// LoadFile parses and builds a TOML source file.
func (l *Loader) LoadFile(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	img, err := l.Load(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// Load parses and builds TOML source text.
func (l *Loader) Load(data []byte) (*Image, error) {
	var src Source
	if err := toml.Unmarshal(data, &src); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	return l.Build(&src)
}

// Build creates an image from a parsed source.
func (l *Loader) Build(src *Source) (*Image, error) {
	if src.Name == "" {
		return nil, fmt.Errorf("metadata: image source has no name")
	}
	if _, exists := l.Image(src.Name); exists {
		return nil, fmt.Errorf("metadata: image %q already loaded", src.Name)
	}
	b := &builder{loader: l, img: NewImage(src.Name, l.core)}
	if err := b.build(src); err != nil {
		return nil, err
	}
	if err := b.img.Validate(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.images[src.Name] = b.img
	l.entries[src.Name] = src.Entry
	l.mu.Unlock()
	return b.img, nil
}

type builder struct {
	loader *Loader
	img    *Image
}

func (b *builder) build(src *Source) error {
	classes, err := b.defineClasses(src.Classes)
	if err != nil {
		return err
	}

	// Fields go in parent-first order so instance slots follow the parent's.
	index := make(map[*Class]int, len(classes))
	for i, c := range classes {
		index[c] = i
	}
	var errs *multierror.Error
	for _, c := range b.img.Classes() {
		for _, fs := range src.Classes[index[c]].Fields {
			t, err := b.parseType(fs.Type)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s::%s: %w", c, fs.Name, err))
				continue
			}
			b.img.DefineField(c, fs.Name, t, fs.Static)
		}
	}

	type pending struct {
		m   *Method
		src *MethodSource
	}
	var bodies []pending
	for i, cs := range src.Classes {
		c := classes[i]
		for j := range cs.Methods {
			ms := &cs.Methods[j]
			sig, err := b.signature(ms)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s::%s: %w", c, ms.Name, err))
				continue
			}
			var opts []MethodOption
			if ms.Virtual {
				opts = append(opts, Virtual())
			}
			if ms.Abstract {
				opts = append(opts, Abstract())
			}
			m := b.img.DefineMethod(c, ms.Name, sig, nil, opts...)
			if !ms.Abstract {
				bodies = append(bodies, pending{m, ms})
			}
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return err
	}

	for _, p := range bodies {
		h, err := b.body(p.src)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", p.m.FullName(), err))
			continue
		}
		b.img.SetBody(p.m, h)
	}
	return errs.ErrorOrNil()
}

// defineClasses defines classes in an order where parents come first.
func (b *builder) defineClasses(srcs []ClassSource) ([]*Class, error) {
	out := make([]*Class, len(srcs))
	remaining := len(srcs)
	for remaining > 0 {
		progress := false
		for i, cs := range srcs {
			if out[i] != nil {
				continue
			}
			var parent *Class
			if cs.Parent != "" {
				p, err := b.class(cs.Parent)
				if err != nil {
					continue
				}
				parent = p
			}
			out[i] = b.img.DefineClass(cs.Namespace, cs.Name, parent)
			remaining--
			progress = true
		}
		if !progress {
			var errs *multierror.Error
			for i, cs := range srcs {
				if out[i] == nil {
					errs = multierror.Append(errs, fmt.Errorf("class %s.%s: unknown parent %s", cs.Namespace, cs.Name, cs.Parent))
				}
			}
			return nil, errs.ErrorOrNil()
		}
	}
	return out, nil
}

func (b *builder) signature(ms *MethodSource) (*Signature, error) {
	sig := &Signature{HasThis: !ms.Static}
	for _, p := range ms.Params {
		t, err := b.parseType(p)
		if err != nil {
			return nil, err
		}
		sig.Params = append(sig.Params, t)
	}
	if ms.Returns != "" {
		t, err := b.parseType(ms.Returns)
		if err != nil {
			return nil, err
		}
		sig.Return = t
	}
	return sig, nil
}

func (b *builder) body(ms *MethodSource) (*MethodHeader, error) {
	h := &MethodHeader{MaxStack: ms.MaxStack, InitLocals: true}
	if h.MaxStack == 0 {
		h.MaxStack = DefaultMaxStack
	}
	if ms.InitLocals != nil {
		h.InitLocals = *ms.InitLocals
	}
	for _, ls := range ms.Locals {
		t, err := b.parseType(ls)
		if err != nil {
			return nil, err
		}
		h.Locals = append(h.Locals, t)
	}

	prog, err := il.Assemble(ms.Code, b.resolveOperand)
	if err != nil {
		return nil, err
	}
	h.Code = prog.Code

	label := func(name string) (uint32, error) {
		off, ok := prog.Labels[name]
		if !ok {
			return 0, fmt.Errorf("unknown label %q", name)
		}
		return uint32(off), nil
	}
	span := func(what string, names []string) (uint32, uint32, error) {
		if len(names) != 2 {
			return 0, 0, fmt.Errorf("%s must name a start and an end label", what)
		}
		start, err := label(names[0])
		if err != nil {
			return 0, 0, err
		}
		end, err := label(names[1])
		if err != nil {
			return 0, 0, err
		}
		if end < start {
			return 0, 0, fmt.Errorf("%s ends before it starts", what)
		}
		return start, end - start, nil
	}

	for i, cs := range ms.Clauses {
		kind, ok := ParseClauseKind(cs.Kind)
		if !ok {
			return nil, fmt.Errorf("clause %d: unknown kind %q", i, cs.Kind)
		}
		c := ExceptionClause{Kind: kind}
		if c.TryOffset, c.TryLength, err = span("try", cs.Try); err != nil {
			return nil, fmt.Errorf("clause %d: %w", i, err)
		}
		if c.HandlerOffset, c.HandlerLength, err = span("handler", cs.Handler); err != nil {
			return nil, fmt.Errorf("clause %d: %w", i, err)
		}
		switch kind {
		case ClauseCatch:
			cls, err := b.class(cs.Class)
			if err != nil {
				return nil, fmt.Errorf("clause %d: %w", i, err)
			}
			c.ClassToken = b.img.ImportClass(cls)
		case ClauseFilter:
			if c.FilterOffset, err = label(cs.Filter); err != nil {
				return nil, fmt.Errorf("clause %d: %w", i, err)
			}
		}
		h.Clauses = append(h.Clauses, c)
	}
	return h, nil
}

func (b *builder) resolveOperand(op il.Opcode, operand string) (uint32, error) {
	switch op {
	case il.Ldstr:
		return uint32(b.img.Intern(operand)), nil
	case il.Call, il.Callvirt, il.Newobj, il.Jmp, il.Ldftn, il.Ldvirtftn:
		m, err := b.method(operand)
		if err != nil {
			return 0, err
		}
		return uint32(b.img.ImportMethod(m)), nil
	case il.Ldfld, il.Stfld, il.Ldsfld, il.Stsfld, il.Ldflda, il.Ldsflda:
		f, err := b.field(operand)
		if err != nil {
			return 0, err
		}
		return uint32(b.img.ImportField(f)), nil
	}
	t, err := b.parseType(operand)
	if err != nil {
		return 0, err
	}
	c := b.classOf(t)
	if c == nil {
		return 0, fmt.Errorf("type %s has no class token", operand)
	}
	return uint32(b.img.ImportClass(c)), nil
}

// classOf maps a parsed type back to the class whose token names it.
func (b *builder) classOf(t *Type) *Class {
	if t.Class != nil {
		return t.Class
	}
	core := b.img.Core()
	switch t.Elem {
	case ElementString:
		return core.WellKnown(ClassString)
	case ElementObject:
		return core.WellKnown(ClassObject)
	}
	for _, c := range core.Classes() {
		if c.Primitive == t.Elem {
			return c
		}
	}
	return nil
}

// scope splits an optional "[image]" prefix off a reference.
func (b *builder) scope(ref string) (*Image, string, error) {
	if !strings.HasPrefix(ref, "[") {
		return b.img, ref, nil
	}
	end := strings.IndexByte(ref, ']')
	if end < 0 {
		return nil, "", fmt.Errorf("unterminated image reference %q", ref)
	}
	img, ok := b.loader.Image(ref[1:end])
	if !ok {
		return nil, "", fmt.Errorf("%w: image %s", ErrNotFound, ref[1:end])
	}
	return img, ref[end+1:], nil
}

func (b *builder) class(ref string) (*Class, error) {
	img, name, err := b.scope(ref)
	if err != nil {
		return nil, err
	}
	return img.Class(name)
}

func (b *builder) method(ref string) (*Method, error) {
	img, name, err := b.scope(ref)
	if err != nil {
		return nil, err
	}
	arity := -1
	if i := strings.LastIndexByte(name, '/'); i > 0 {
		n, err := strconv.Atoi(name[i+1:])
		if err != nil {
			return nil, fmt.Errorf("bad arity in %q", ref)
		}
		arity, name = n, name[:i]
	}
	if arity < 0 {
		return img.Method(name)
	}
	cls, mname, ok := strings.Cut(name, "::")
	if !ok {
		return nil, fmt.Errorf("metadata: method reference %q is not Class::Name", ref)
	}
	c, err := img.Class(cls)
	if err != nil {
		return nil, err
	}
	for _, m := range c.Methods {
		if m.Name == mname && m.Signature.ParamCount() == arity {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: method %s", ErrNotFound, ref)
}

func (b *builder) field(ref string) (*Field, error) {
	img, name, err := b.scope(ref)
	if err != nil {
		return nil, err
	}
	return img.Field(name)
}

func (b *builder) parseType(s string) (*Type, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return nil, fmt.Errorf("empty type name")
	case strings.HasSuffix(s, "[]"):
		inner, err := b.parseType(s[:len(s)-2])
		if err != nil {
			return nil, err
		}
		return ArrayOf(inner), nil
	case strings.HasSuffix(s, "&"):
		inner, err := b.parseType(s[:len(s)-1])
		if err != nil {
			return nil, err
		}
		return ByRef(inner), nil
	}
	if e, ok := ParseElementType(s); ok {
		return Primitive(e), nil
	}
	c, err := b.class(s)
	if err != nil {
		return nil, err
	}
	return ClassType(c), nil
}
