package vm

import (
	"fmt"
	"strings"

	"github.com/chazu/mint/metadata"
)

// ---------------------------------------------------------------------------
// Heap objects
// ---------------------------------------------------------------------------

// Object is an instance of a class. Fields are indexed by metadata.Field.Slot,
// parent fields first.
type Object struct {
	Class  *metadata.Class
	Fields []Value
}

// RefClass implements Ref.
func (o *Object) RefClass() *metadata.Class { return o.Class }

func (o *Object) String() string {
	if msg, ok := exceptionMessage(o); ok {
		return fmt.Sprintf("%s: %s", o.Class.FullName(), msg)
	}
	return o.Class.FullName()
}

// String is an immutable string object.
type String struct {
	Value string
	class *metadata.Class
}

// RefClass implements Ref.
func (s *String) RefClass() *metadata.Class { return s.class }

func (s *String) String() string { return s.Value }

// Array is a single-dimension, zero-based array. Elements are stored at
// their stack kind and narrowed on store.
type Array struct {
	Elem  *metadata.Type
	Data  []Value
	class *metadata.Class
}

// RefClass implements Ref. Arrays report System.Object.
func (a *Array) RefClass() *metadata.Class { return a.class }

func (a *Array) String() string {
	var b strings.Builder
	b.WriteString(a.Elem.String())
	fmt.Fprintf(&b, "[%d]", len(a.Data))
	return b.String()
}

// Len returns the element count.
func (a *Array) Len() int { return len(a.Data) }

func (a *Array) store(i int, v Value) {
	a.Data[i] = narrow(a.Elem.Elem, v)
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// fieldKinds returns the zero template of c's instance fields, cached per
// class.
func (r *Runtime) fieldKinds(c *metadata.Class) []Kind {
	if v, ok := r.layouts.Load(c); ok {
		return v.([]Kind)
	}
	kinds := make([]Kind, c.InstanceFieldCount())
	for k := c; k != nil; k = k.Parent {
		for _, f := range k.Fields {
			if f.Static || f.Slot >= len(kinds) {
				continue
			}
			kinds[f.Slot], _ = KindOf(f.Type)
		}
	}
	v, _ := r.layouts.LoadOrStore(c, kinds)
	return v.([]Kind)
}

// NewObject allocates a zeroed instance of c.
func (r *Runtime) NewObject(c *metadata.Class) *Object {
	kinds := r.fieldKinds(c)
	o := &Object{Class: c, Fields: make([]Value, len(kinds))}
	for i, k := range kinds {
		o.Fields[i] = Zero(k)
	}
	return o
}

// NewString allocates a string object whose class is the core String class
// known to res.
func NewString(res metadata.Resolver, s string) *String {
	return &String{Value: s, class: res.WellKnown(metadata.ClassString)}
}

// NewArray allocates a zeroed array of n elements of type elem.
func NewArray(res metadata.Resolver, elem *metadata.Type, n int) *Array {
	k, _ := KindOf(elem)
	a := &Array{Elem: elem, Data: make([]Value, n), class: res.WellKnown(metadata.ClassObject)}
	for i := range a.Data {
		a.Data[i] = Zero(k)
	}
	return a
}

// exceptionMessage returns the message stored in an exception object.
func exceptionMessage(o *Object) (string, bool) {
	f := o.Class.FieldByName(metadata.MessageField)
	if f == nil || f.Static || f.Slot >= len(o.Fields) {
		return "", false
	}
	s, ok := o.Fields[f.Slot].ref.(*String)
	if !ok {
		return "", false
	}
	return s.Value, true
}
