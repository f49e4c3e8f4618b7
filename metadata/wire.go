package metadata

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Binary image encoding
// ---------------------------------------------------------------------------

// Images are encoded as CBOR in canonical mode so that equal images produce
// equal bytes. Rows are written in definition order, which keeps every
// token embedded in method bodies valid after decoding.

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("metadata: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

type imageRecord struct {
	Name       string            `cbor:"name"`
	Entry      string            `cbor:"entry,omitempty"`
	Classes    []classRecord     `cbor:"classes"`
	Fields     []fieldRecord     `cbor:"fields"`
	Methods    []methodRecord    `cbor:"methods"`
	Strings    []string          `cbor:"strings"`
	TypeRefs   []classRef        `cbor:"typerefs"`
	MemberRefs []memberRefRecord `cbor:"memberrefs"`
}

type classRef struct {
	Image string `cbor:"image,omitempty"` // empty for the encoded image itself
	Name  string `cbor:"name"`
}

type classRecord struct {
	Namespace string    `cbor:"ns"`
	Name      string    `cbor:"name"`
	Parent    *classRef `cbor:"parent,omitempty"`
	Primitive uint8     `cbor:"prim,omitempty"`
}

type typeRecord struct {
	Elem  uint8       `cbor:"elem"`
	Class *classRef   `cbor:"class,omitempty"`
	Inner *typeRecord `cbor:"inner,omitempty"`
}

type fieldRecord struct {
	Class  int        `cbor:"class"`
	Name   string     `cbor:"name"`
	Type   typeRecord `cbor:"type"`
	Static bool       `cbor:"static,omitempty"`
}

type methodRecord struct {
	Class    int          `cbor:"class"`
	Name     string       `cbor:"name"`
	HasThis  bool         `cbor:"this,omitempty"`
	Params   []typeRecord `cbor:"params,omitempty"`
	Return   *typeRecord  `cbor:"ret,omitempty"`
	Virtual  bool         `cbor:"virtual,omitempty"`
	Abstract bool         `cbor:"abstract,omitempty"`
	Body     *bodyRecord  `cbor:"body,omitempty"`
}

type bodyRecord struct {
	Code       []byte         `cbor:"code"`
	MaxStack   int            `cbor:"maxstack"`
	Locals     []typeRecord   `cbor:"locals,omitempty"`
	InitLocals bool           `cbor:"initlocals,omitempty"`
	Clauses    []clauseRecord `cbor:"clauses,omitempty"`
}

type clauseRecord struct {
	Kind          uint8  `cbor:"kind"`
	TryOffset     uint32 `cbor:"try"`
	TryLength     uint32 `cbor:"trylen"`
	HandlerOffset uint32 `cbor:"handler"`
	HandlerLength uint32 `cbor:"handlerlen"`
	ClassToken    uint32 `cbor:"class,omitempty"`
	FilterOffset  uint32 `cbor:"filter,omitempty"`
}

type memberRefRecord struct {
	Class classRef `cbor:"class"`
	Name  string   `cbor:"name"`
	Field bool     `cbor:"field,omitempty"`
	Index int      `cbor:"index"` // position among the class's methods or fields
}

// EncodeImage serializes an image to CBOR. entry names the entry point
// recorded alongside it and may be empty.
func EncodeImage(img *Image, entry string) ([]byte, error) {
	img.mu.RLock()
	defer img.mu.RUnlock()

	ref := func(c *Class) classRef {
		if c.Image == img {
			return classRef{Name: c.FullName()}
		}
		return classRef{Image: c.Image.Name(), Name: c.FullName()}
	}
	var typ func(t *Type) typeRecord
	typ = func(t *Type) typeRecord {
		r := typeRecord{Elem: uint8(t.Elem)}
		if t.Class != nil {
			cr := ref(t.Class)
			r.Class = &cr
		}
		if t.Inner != nil {
			in := typ(t.Inner)
			r.Inner = &in
		}
		return r
	}
	classIndex := make(map[*Class]int, len(img.classes))

	rec := imageRecord{Name: img.name, Entry: entry, Strings: img.strings}
	for i, c := range img.classes {
		classIndex[c] = i
		cr := classRecord{Namespace: c.Namespace, Name: c.Name, Primitive: uint8(c.Primitive)}
		if c.Parent != nil {
			p := ref(c.Parent)
			cr.Parent = &p
		}
		rec.Classes = append(rec.Classes, cr)
	}
	for _, f := range img.fields {
		rec.Fields = append(rec.Fields, fieldRecord{
			Class:  classIndex[f.DeclaringClass],
			Name:   f.Name,
			Type:   typ(f.Type),
			Static: f.Static,
		})
	}
	for _, m := range img.methods {
		mr := methodRecord{
			Class:    classIndex[m.DeclaringClass],
			Name:     m.Name,
			HasThis:  m.Signature.HasThis,
			Virtual:  m.Virtual,
			Abstract: m.Abstract,
		}
		for _, p := range m.Signature.Params {
			mr.Params = append(mr.Params, typ(p))
		}
		if m.Signature.Return != nil {
			r := typ(m.Signature.Return)
			mr.Return = &r
		}
		if h := m.Header; h != nil {
			br := &bodyRecord{Code: h.Code, MaxStack: h.MaxStack, InitLocals: h.InitLocals}
			for _, l := range h.Locals {
				br.Locals = append(br.Locals, typ(l))
			}
			for _, c := range h.Clauses {
				br.Clauses = append(br.Clauses, clauseRecord{
					Kind:          uint8(c.Kind),
					TryOffset:     c.TryOffset,
					TryLength:     c.TryLength,
					HandlerOffset: c.HandlerOffset,
					HandlerLength: c.HandlerLength,
					ClassToken:    uint32(c.ClassToken),
					FilterOffset:  c.FilterOffset,
				})
			}
			mr.Body = br
		}
		rec.Methods = append(rec.Methods, mr)
	}
	for _, c := range img.typeRefs {
		rec.TypeRefs = append(rec.TypeRefs, ref(c))
	}
	for _, r := range img.refs {
		if r.method != nil {
			c := r.method.DeclaringClass
			rec.MemberRefs = append(rec.MemberRefs, memberRefRecord{
				Class: ref(c), Name: r.method.Name, Index: indexOf(c.Methods, r.method),
			})
			continue
		}
		c := r.field.DeclaringClass
		rec.MemberRefs = append(rec.MemberRefs, memberRefRecord{
			Class: ref(c), Name: r.field.Name, Field: true, Index: indexOf(c.Fields, r.field),
		})
	}
	return cborEncMode.Marshal(&rec)
}

func indexOf[T comparable](s []T, v T) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

// Decode deserializes an image produced by EncodeImage and registers it.
// Images it refers to must already be known to the loader.
func (l *Loader) Decode(data []byte) (*Image, error) {
	var rec imageRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("metadata: unmarshal image: %w", err)
	}
	if _, exists := l.Image(rec.Name); exists {
		return nil, fmt.Errorf("metadata: image %q already loaded", rec.Name)
	}
	img := NewImage(rec.Name, l.core)

	class := func(r classRef) (*Class, error) {
		if r.Image == "" {
			return img.Class(r.Name)
		}
		other, ok := l.Image(r.Image)
		if !ok {
			return nil, fmt.Errorf("%w: image %s", ErrNotFound, r.Image)
		}
		return other.Class(r.Name)
	}
	var typ func(r typeRecord) (*Type, error)
	typ = func(r typeRecord) (*Type, error) {
		t := &Type{Elem: ElementType(r.Elem)}
		if r.Class != nil {
			c, err := class(*r.Class)
			if err != nil {
				return nil, err
			}
			t.Class = c
		}
		if r.Inner != nil {
			in, err := typ(*r.Inner)
			if err != nil {
				return nil, err
			}
			t.Inner = in
		}
		return t, nil
	}
	types := func(rs []typeRecord) ([]*Type, error) {
		var out []*Type
		for _, r := range rs {
			t, err := typ(r)
			if err != nil {
				return nil, err
			}
			out = append(out, t)
		}
		return out, nil
	}

	classes := make([]*Class, len(rec.Classes))
	for i, cr := range rec.Classes {
		var parent *Class
		if cr.Parent != nil {
			p, err := class(*cr.Parent)
			if err != nil {
				return nil, fmt.Errorf("metadata: class %s.%s: %w", cr.Namespace, cr.Name, err)
			}
			parent = p
		}
		classes[i] = img.DefineClass(cr.Namespace, cr.Name, parent)
		classes[i].Primitive = ElementType(cr.Primitive)
	}
	classAt := func(i int) (*Class, error) {
		if i < 0 || i >= len(classes) {
			return nil, fmt.Errorf("metadata: class index %d out of range", i)
		}
		return classes[i], nil
	}
	for _, fr := range rec.Fields {
		c, err := classAt(fr.Class)
		if err != nil {
			return nil, err
		}
		t, err := typ(fr.Type)
		if err != nil {
			return nil, fmt.Errorf("metadata: field %s: %w", fr.Name, err)
		}
		img.DefineField(c, fr.Name, t, fr.Static)
	}
	for _, mr := range rec.Methods {
		c, err := classAt(mr.Class)
		if err != nil {
			return nil, err
		}
		sig := &Signature{HasThis: mr.HasThis}
		if sig.Params, err = types(mr.Params); err != nil {
			return nil, fmt.Errorf("metadata: method %s: %w", mr.Name, err)
		}
		if mr.Return != nil {
			if sig.Return, err = typ(*mr.Return); err != nil {
				return nil, fmt.Errorf("metadata: method %s: %w", mr.Name, err)
			}
		}
		var h *MethodHeader
		if br := mr.Body; br != nil {
			h = &MethodHeader{Code: br.Code, MaxStack: br.MaxStack, InitLocals: br.InitLocals}
			if h.Locals, err = types(br.Locals); err != nil {
				return nil, fmt.Errorf("metadata: method %s: %w", mr.Name, err)
			}
			for _, cr := range br.Clauses {
				h.Clauses = append(h.Clauses, ExceptionClause{
					Kind:          ClauseKind(cr.Kind),
					TryOffset:     cr.TryOffset,
					TryLength:     cr.TryLength,
					HandlerOffset: cr.HandlerOffset,
					HandlerLength: cr.HandlerLength,
					ClassToken:    Token(cr.ClassToken),
					FilterOffset:  cr.FilterOffset,
				})
			}
		}
		m := img.DefineMethod(c, mr.Name, sig, h)
		m.Virtual = mr.Virtual
		m.Abstract = mr.Abstract
	}
	for _, s := range rec.Strings {
		img.Intern(s)
	}
	for _, r := range rec.TypeRefs {
		c, err := class(r)
		if err != nil {
			return nil, err
		}
		img.ImportClass(c)
	}
	for _, r := range rec.MemberRefs {
		c, err := class(r.Class)
		if err != nil {
			return nil, err
		}
		if r.Field {
			if r.Index < 0 || r.Index >= len(c.Fields) || c.Fields[r.Index].Name != r.Name {
				return nil, fmt.Errorf("%w: field %s::%s", ErrNotFound, c, r.Name)
			}
			img.ImportField(c.Fields[r.Index])
			continue
		}
		if r.Index < 0 || r.Index >= len(c.Methods) || c.Methods[r.Index].Name != r.Name {
			return nil, fmt.Errorf("%w: method %s::%s", ErrNotFound, c, r.Name)
		}
		img.ImportMethod(c.Methods[r.Index])
	}
	if err := img.Validate(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.images[img.name] = img
	l.entries[img.name] = rec.Entry
	l.mu.Unlock()
	return img, nil
}
