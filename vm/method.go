package vm

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/zeebo/xxh3"

	"github.com/chazu/mint/metadata"
)

// ---------------------------------------------------------------------------
// Method: the interpreter-ready form of a method descriptor
// ---------------------------------------------------------------------------

// MethodState is the publication state of a Method.
type MethodState uint32

const (
	StateUntransformed MethodState = iota
	StateTransforming
	StateReady
	StateFailed
)

func (s MethodState) String() string {
	switch s {
	case StateUntransformed:
		return "untransformed"
	case StateTransforming:
		return "transforming"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

// Method is the cached, transformed form of one descriptor. A Method starts
// as an empty shell and is published exactly once; after that every field
// below mu is immutable.
type Method struct {
	Desc    *metadata.Method
	Manager *MemoryManager

	mu    sync.Mutex
	state atomic.Uint32
	err   error

	// Code is the internal bytecode, allocated from the manager's arena.
	Code []byte

	NumArgs   int
	NumLocals int
	// SlotKinds holds the stack kind of every argument and local slot.
	SlotKinds []Kind
	// Locals is the byte layout of the locals area, one entry per local.
	Locals    []LocalSlot
	FrameSize int
	MaxStack  int

	Clauses []Clause
	Data    []DataItem
	ILMap   []OffsetMapping

	ReturnKind Kind
	ILSize     int

	callees []atomic.Pointer[Method]
	statics []atomic.Pointer[staticLink]
}

// staticLink is a resolved static field slot and the manager that owns it.
type staticLink struct {
	owner *MemoryManager
	slot  *Value
}

// LocalSlot is the placement of one local in the frame's locals area.
type LocalSlot struct {
	Offset int
	Size   int
	Align  int
}

// OffsetMapping maps a bytecode offset to the IL instruction it came from.
type OffsetMapping struct {
	Offset int
	IL     int
}

// Clause is an exception clause with ranges in bytecode offsets. Ranges are
// half-open.
type Clause struct {
	Kind         metadata.ClauseKind
	TryStart     int
	TryEnd       int
	HandlerStart int
	HandlerEnd   int
	FilterStart  int
	Class        *metadata.Class
}

// TryContains reports whether off lies in the protected region.
func (c *Clause) TryContains(off int) bool {
	return off >= c.TryStart && off < c.TryEnd
}

// HandlerContains reports whether off lies in the handler.
func (c *Clause) HandlerContains(off int) bool {
	return off >= c.HandlerStart && off < c.HandlerEnd
}

// FilterContains reports whether off lies in the filter block.
func (c *Clause) FilterContains(off int) bool {
	return c.Kind == metadata.ClauseFilter && off >= c.FilterStart && off < c.HandlerStart
}

// DataKind identifies what a data table entry holds.
type DataKind uint8

const (
	DataMethod DataKind = iota + 1
	DataField
	DataType
	DataString
)

// DataItem is one resolved token. Entries are deduplicated by token.
type DataItem struct {
	Kind   DataKind
	Token  metadata.Token
	Method *metadata.Method
	Field  *metadata.Field
	Type   *metadata.Type
	Str    *String
	// Static is the storage of a static field, owned by the manager of the
	// field's declaring image.
	Static *Value

	owner *MemoryManager
}

func (d *DataItem) String() string {
	switch d.Kind {
	case DataMethod:
		return d.Method.FullName()
	case DataField:
		return d.Field.FullName()
	case DataType:
		return d.Type.String()
	case DataString:
		return fmt.Sprintf("%q", d.Str.Value)
	}
	return d.Token.String()
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// State returns the publication state.
func (m *Method) State() MethodState {
	return MethodState(m.state.Load())
}

// Err returns the sticky transform error of a failed method.
func (m *Method) Err() error {
	if m.State() != StateFailed {
		return nil
	}
	return m.err
}

// Slots returns the number of argument and local slots.
func (m *Method) Slots() int {
	return m.NumArgs + m.NumLocals
}

// Name returns the descriptor's full name.
func (m *Method) Name() string {
	return m.Desc.FullName()
}

func (m *Method) String() string {
	return m.Name()
}

// ILOffset returns the IL offset of the instruction containing a bytecode
// offset, or -1.
func (m *Method) ILOffset(offset int) int {
	i := sort.Search(len(m.ILMap), func(i int) bool { return m.ILMap[i].Offset > offset })
	if i == 0 {
		return -1
	}
	return m.ILMap[i-1].IL
}

// Fingerprint hashes the bytecode, the frame shape and the clause table.
// Two transforms of the same descriptor produce the same fingerprint.
func (m *Method) Fingerprint() uint64 {
	h := xxh3.New()
	_, _ = h.Write(m.Code)
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, uint32(m.MaxStack))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(m.FrameSize))
	for _, k := range m.SlotKinds {
		buf = append(buf, byte(k))
	}
	for _, c := range m.Clauses {
		buf = append(buf, byte(c.Kind))
		for _, v := range []int{c.TryStart, c.TryEnd, c.HandlerStart, c.HandlerEnd, c.FilterStart} {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(v))
		}
	}
	for _, d := range m.Data {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(d.Token))
	}
	_, _ = h.Write(buf)
	return h.Sum64()
}

// live reports whether m is published by a manager that has not been
// destroyed.
func (m *Method) live() bool {
	mm := m.Manager
	return mm != nil && !mm.Destroyed() && m.State() == StateReady
}

// callee returns the resolved target of a call data entry, transforming it
// on first use. A target whose manager was destroyed is resolved again, so
// calls into a detached context fail with ErrManagerDestroyed until it is
// attached again.
func (m *Method) callee(rt *Runtime, idx int) (*Method, error) {
	if c := m.callees[idx].Load(); c != nil && c.live() {
		return c, nil
	}
	c, err := rt.GetOrTransform(m.Data[idx].Method)
	if err != nil {
		return nil, err
	}
	m.callees[idx].Store(c)
	return c, nil
}

// static returns the storage of a static field data entry. Storage whose
// owning manager was destroyed is resolved again through the runtime.
func (m *Method) static(rt *Runtime, idx int) (*Value, error) {
	if l := m.statics[idx].Load(); l != nil && !l.owner.Destroyed() {
		return l.slot, nil
	}
	d := &m.Data[idx]
	l := &staticLink{owner: d.owner, slot: d.Static}
	if l.owner.Destroyed() {
		owner, slot, err := rt.staticSlot(d.Field)
		if err != nil {
			return nil, err
		}
		l = &staticLink{owner: owner, slot: slot}
	}
	m.statics[idx].Store(l)
	return l.slot, nil
}
