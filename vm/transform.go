package vm

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/chazu/mint/arena"
	"github.com/chazu/mint/il"
	"github.com/chazu/mint/metadata"
)

// ---------------------------------------------------------------------------
// Transformer: IL to internal bytecode
// ---------------------------------------------------------------------------

// Boundary marks recorded by the scan pass, one byte per IL offset plus one
// for the end of the body.
const (
	markStart        byte = 1 << iota // instruction boundary
	markTarget                        // branch or leave target
	markCatchEntry                    // catch handler, filter block or filter handler entry
	markFinallyEntry                  // finally or fault handler entry
	markTryStart                      // first instruction of a protected region
	markRegionEnd                     // first offset past a try block or handler
)

const maxIndex = 0xFFFF

// irInstr is one lowered instruction. Branch targets stay IL offsets until
// finalize assigns bytecode offsets.
type irInstr struct {
	op      Opcode
	imm     int64
	fimm    float64
	target  int
	targets []int
	offset  int
}

type transformer struct {
	mm   *MemoryManager
	m    *Method
	desc *metadata.Method
	res  metadata.Resolver
	hdr  *metadata.MethodHeader
	code []byte

	scratch *arena.Arena
	ir      *arena.Slab[irInstr]
	marks   []byte
	ilToIR  []int
	ilMap   [][2]int // IL offset, IR index

	argTypes   []*metadata.Type
	localTypes []*metadata.Type
	slotKinds  []Kind
	layout     []LocalSlot
	frameSize  int
	retKind    Kind
	clauses    []Clause // ranges still in IL offsets

	stack    []Kind
	maxDepth int
	states   map[int][]Kind
	off      int

	data    []DataItem
	dataIdx map[metadata.Token]int
}

// transform lowers m.Desc into m. It either fills every published field of m
// and returns nil, or returns a *TransformError and leaves m untouched.
func (mm *MemoryManager) transform(m *Method) error {
	start := time.Now()
	t := &transformer{
		mm:      mm,
		m:       m,
		desc:    m.Desc,
		res:     mm.ctx,
		scratch: arena.New(mm.rt.pool),
		ir:      arena.NewSlab[irInstr](256),
		states:  make(map[int][]Kind),
		dataIdx: make(map[metadata.Token]int),
	}
	defer t.release()

	err := t.prepare()
	if err == nil {
		err = t.scan()
	}
	if err == nil {
		err = t.lower()
	}
	if err == nil {
		err = t.finalize()
	}
	mm.stats.record(err, len(t.code), len(m.Code), time.Since(start))
	return err
}

func (t *transformer) release() {
	t.ir.Free()
	t.scratch.Free()
}

func (t *transformer) fail(r Reason, off int, format string, args ...any) error {
	var err error
	if format != "" {
		err = fmt.Errorf(format, args...)
	}
	return &TransformError{Method: t.desc.FullName(), Reason: r, ILOffset: off, Err: err}
}

// ---------------------------------------------------------------------------
// Preparation: frame shape and clauses
// ---------------------------------------------------------------------------

func (t *transformer) prepare() error {
	d := t.desc
	if d.Abstract || d.Header == nil {
		return t.fail(ReasonNoBody, -1, "")
	}
	t.hdr = d.Header
	t.code = t.hdr.Code
	if len(t.code) == 0 {
		return t.fail(ReasonNoBody, -1, "empty body")
	}

	sig := d.Signature
	if sig.HasThis {
		t.argTypes = append(t.argTypes, metadata.ClassType(d.DeclaringClass))
	}
	t.argTypes = append(t.argTypes, sig.Params...)
	t.localTypes = t.hdr.Locals
	if len(t.argTypes)+len(t.localTypes) > maxIndex {
		return t.fail(ReasonUnsupported, -1, "%d slots", len(t.argTypes)+len(t.localTypes))
	}

	for i, at := range t.argTypes {
		k, ok := KindOf(at)
		if !ok || k == KindVoid {
			return t.fail(ReasonUnsupported, -1, "argument %d has type %s", i, at)
		}
		t.slotKinds = append(t.slotKinds, k)
	}
	for i, lt := range t.localTypes {
		k, ok := KindOf(lt)
		if !ok || k == KindVoid {
			return t.fail(ReasonUnsupported, -1, "local %d has type %s", i, lt)
		}
		t.slotKinds = append(t.slotKinds, k)
		size, align := t.res.ValueSize(lt)
		t.frameSize = alignTo(t.frameSize, align)
		t.layout = append(t.layout, LocalSlot{Offset: t.frameSize, Size: size, Align: align})
		t.frameSize += size
	}

	if sig.ReturnsValue() {
		k, ok := KindOf(sig.Return)
		if !ok {
			return t.fail(ReasonUnsupported, -1, "return type %s", sig.Return)
		}
		t.retKind = k
	}

	if len(t.hdr.Clauses) > maxIndex {
		return t.fail(ReasonBadClause, -1, "%d clauses", len(t.hdr.Clauses))
	}
	size := len(t.code)
	for i, ec := range t.hdr.Clauses {
		c := Clause{
			Kind:         ec.Kind,
			TryStart:     int(ec.TryOffset),
			TryEnd:       int(ec.TryOffset) + int(ec.TryLength),
			HandlerStart: int(ec.HandlerOffset),
			HandlerEnd:   int(ec.HandlerOffset) + int(ec.HandlerLength),
			FilterStart:  int(ec.FilterOffset),
		}
		switch {
		case ec.TryLength == 0 || ec.HandlerLength == 0:
			return t.fail(ReasonBadClause, -1, "clause %d has an empty region", i)
		case c.TryEnd > size || c.HandlerEnd > size:
			return t.fail(ReasonBadClause, -1, "clause %d extends past the body", i)
		case c.HandlerStart < c.TryEnd && c.TryStart < c.HandlerEnd:
			return t.fail(ReasonBadClause, -1, "clause %d handler overlaps its try block", i)
		}
		switch ec.Kind {
		case metadata.ClauseCatch:
			typ, err := t.res.ResolveType(ec.ClassToken)
			if err != nil {
				return t.fail(ReasonUnresolvedToken, -1, "clause %d: %w", i, err)
			}
			if typ.Class == nil {
				return t.fail(ReasonBadClause, -1, "clause %d catches non-class type %s", i, typ)
			}
			c.Class = typ.Class
		case metadata.ClauseFilter:
			if c.FilterStart >= c.HandlerStart {
				return t.fail(ReasonBadClause, -1, "clause %d filter does not precede its handler", i)
			}
		case metadata.ClauseFinally, metadata.ClauseFault:
		default:
			return t.fail(ReasonBadClause, -1, "clause %d has kind %d", i, ec.Kind)
		}
		t.clauses = append(t.clauses, c)
	}
	return nil
}

func alignTo(n, align int) int {
	if align <= 1 {
		return n
	}
	return (n + align - 1) &^ (align - 1)
}

// ---------------------------------------------------------------------------
// Scan: instruction boundaries, branch targets, clause boundaries
// ---------------------------------------------------------------------------

func (t *transformer) scan() error {
	size := len(t.code)
	marks, err := t.scratch.Alloc(size+1, 1)
	if err != nil {
		return t.fail(ReasonResourceExhausted, -1, "%w", err)
	}
	t.marks = marks

	type branch struct{ from, to int }
	var branches []branch
	for off := 0; off < size; {
		in, err := il.Decode(t.code, off)
		if err != nil {
			if errors.Is(err, il.ErrUnknownOpcode) {
				return t.fail(ReasonUnknownOpcode, off, "%w", err)
			}
			return t.fail(ReasonTruncated, off, "%w", err)
		}
		t.marks[off] |= markStart
		for _, to := range in.Targets {
			if to < 0 || to >= size {
				return t.fail(ReasonBranchOutOfRange, off, "target IL_%04x outside body of %d bytes", to, size)
			}
			branches = append(branches, branch{off, to})
		}
		off = in.Next()
	}
	for _, b := range branches {
		if t.marks[b.to]&markStart == 0 {
			return t.fail(ReasonBadBranchTarget, b.from, "target IL_%04x is not an instruction boundary", b.to)
		}
		t.marks[b.to] |= markTarget
	}

	onBoundary := func(off int) bool {
		return off == size || t.marks[off]&markStart != 0
	}
	for i, c := range t.clauses {
		if !onBoundary(c.TryStart) || !onBoundary(c.TryEnd) ||
			!onBoundary(c.HandlerStart) || !onBoundary(c.HandlerEnd) ||
			(c.Kind == metadata.ClauseFilter && !onBoundary(c.FilterStart)) {
			return t.fail(ReasonBadClause, -1, "clause %d boundary is not an instruction boundary", i)
		}
		t.marks[c.TryStart] |= markTryStart
		t.marks[c.TryEnd] |= markRegionEnd
		t.marks[c.HandlerEnd] |= markRegionEnd
		switch c.Kind {
		case metadata.ClauseCatch:
			t.marks[c.HandlerStart] |= markCatchEntry
		case metadata.ClauseFilter:
			t.marks[c.HandlerStart] |= markCatchEntry
			t.marks[c.FilterStart] |= markCatchEntry
		default:
			t.marks[c.HandlerStart] |= markFinallyEntry
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Lowering
// ---------------------------------------------------------------------------

func (t *transformer) lower() error {
	size := len(t.code)
	t.ilToIR = make([]int, size+1)
	reachable := true
	for off := 0; off < size; {
		in, _ := il.Decode(t.code, off)
		t.off = off
		mark := t.marks[off]

		if reachable && mark&markRegionEnd != 0 {
			return t.fail(ReasonBadControlFlow, off, "control falls through the end of a protected region or handler")
		}
		switch {
		case mark&(markCatchEntry|markFinallyEntry) != 0:
			if reachable {
				return t.fail(ReasonBadControlFlow, off, "control falls through into a handler")
			}
			t.stack = t.stack[:0]
			if mark&markCatchEntry != 0 {
				if err := t.push(KindRef); err != nil {
					return err
				}
			}
		case mark&markTarget != 0:
			if st, ok := t.states[off]; ok {
				if !reachable {
					t.stack = append(t.stack[:0], st...)
				} else if !sameStack(st, t.stack) {
					return t.fail(ReasonStackMismatch, off, "stack %v at join, %v recorded", t.stack, st)
				}
			} else {
				if !reachable {
					t.stack = t.stack[:0]
				}
				t.states[off] = append([]Kind(nil), t.stack...)
			}
		case !reachable:
			t.stack = t.stack[:0]
		}
		if mark&markTryStart != 0 && len(t.stack) != 0 {
			return t.fail(ReasonStackMismatch, off, "protected region entered with a non-empty stack")
		}

		t.ilToIR[off] = t.ir.Len()
		t.ilMap = append(t.ilMap, [2]int{off, t.ir.Len()})
		next, err := t.lowerOne(&in)
		if err != nil {
			return err
		}
		reachable = next
		off = in.Next()
	}
	if reachable {
		return t.fail(ReasonBadControlFlow, size, "control falls through the end of the body")
	}
	t.ilToIR[size] = t.ir.Len()
	return nil
}

func sameStack(a, b []Kind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Abstract stack
// ---------------------------------------------------------------------------

func (t *transformer) push(k Kind) error {
	t.stack = append(t.stack, k)
	if len(t.stack) > t.hdr.MaxStack {
		return t.fail(ReasonStackOverflow, t.off, "depth %d exceeds max stack %d", len(t.stack), t.hdr.MaxStack)
	}
	if len(t.stack) > t.maxDepth {
		t.maxDepth = len(t.stack)
	}
	return nil
}

func (t *transformer) pop() (Kind, error) {
	if len(t.stack) == 0 {
		return 0, t.fail(ReasonStackUnderflow, t.off, "")
	}
	k := t.stack[len(t.stack)-1]
	t.stack = t.stack[:len(t.stack)-1]
	return k, nil
}

// popKind pops a value that must have kind want.
func (t *transformer) popKind(want Kind) error {
	k, err := t.pop()
	if err != nil {
		return err
	}
	if k != want {
		return t.fail(ReasonInvalidStackType, t.off, "expected %s, found %s", want, k)
	}
	return nil
}

// popIndex pops an I4 or I8 and converts it to I4.
func (t *transformer) popIndex() error {
	k, err := t.pop()
	if err != nil {
		return err
	}
	switch k {
	case KindI4:
	case KindI8:
		t.emit(OpConvI8I4)
	default:
		return t.fail(ReasonInvalidStackType, t.off, "expected an integer, found %s", k)
	}
	return nil
}

func (t *transformer) recordState(target int) error {
	if st, ok := t.states[target]; ok {
		if !sameStack(st, t.stack) {
			return t.fail(ReasonStackMismatch, t.off, "stack %v at branch to IL_%04x, %v recorded", t.stack, target, st)
		}
		return nil
	}
	t.states[target] = append([]Kind(nil), t.stack...)
	return nil
}

// ---------------------------------------------------------------------------
// Emission
// ---------------------------------------------------------------------------

// emit appends an instruction to the scratch IR. The IR slab lives until
// release, so New cannot fail here.
func (t *transformer) emit(op Opcode) *irInstr {
	p, _, _ := t.ir.New()
	p.op = op
	p.target = -1
	return p
}

func (t *transformer) emitImm(op Opcode, imm int64) {
	t.emit(op).imm = imm
}

func (t *transformer) emitBranch(op Opcode, target int) {
	if target <= t.off {
		t.emit(OpSafepoint)
	}
	t.emit(op).target = target
}

// emitNarrow truncates the value on top of the stack to the storage width
// of typ before a store.
func (t *transformer) emitNarrow(typ *metadata.Type) {
	switch typ.Elem {
	case metadata.ElementI1:
		t.emit(OpConvI1)
	case metadata.ElementU1, metadata.ElementBoolean:
		t.emit(OpConvU1)
	case metadata.ElementI2:
		t.emit(OpConvI2)
	case metadata.ElementU2, metadata.ElementChar:
		t.emit(OpConvU2)
	case metadata.ElementR4:
		t.emit(OpConvR8R4)
	}
}

// ---------------------------------------------------------------------------
// Region queries on IL offsets
// ---------------------------------------------------------------------------

// innermostHandler returns the first clause, in table order, whose handler
// or filter block contains off.
func (t *transformer) innermostHandler(off int) (*Clause, bool, bool) {
	for i := range t.clauses {
		c := &t.clauses[i]
		if c.HandlerContains(off) {
			return c, false, true
		}
		if c.FilterContains(off) {
			return c, true, true
		}
	}
	return nil, false, false
}

// checkBranch enforces the structured control flow rules for a transfer
// from off to target.
func (t *transformer) checkBranch(target int, leave bool) error {
	off := t.off
	for i := range t.clauses {
		c := &t.clauses[i]
		if c.HandlerContains(target) && !c.HandlerContains(off) {
			return t.fail(ReasonBadControlFlow, off, "branch into a handler")
		}
		if c.FilterContains(target) && !c.FilterContains(off) {
			return t.fail(ReasonBadControlFlow, off, "branch into a filter")
		}
		if c.TryContains(target) && !c.TryContains(off) && target != c.TryStart {
			return t.fail(ReasonBadControlFlow, off, "branch into the middle of a protected region")
		}
		if c.FilterContains(off) && !c.FilterContains(target) {
			return t.fail(ReasonBadControlFlow, off, "branch out of a filter")
		}
		if leave {
			if (c.Kind == metadata.ClauseFinally || c.Kind == metadata.ClauseFault) &&
				c.HandlerContains(off) && !c.HandlerContains(target) {
				return t.fail(ReasonBadControlFlow, off, "leave out of a %s handler", c.Kind)
			}
			continue
		}
		if c.TryContains(off) && !c.TryContains(target) {
			return t.fail(ReasonBadControlFlow, off, "branch out of a protected region")
		}
		if c.HandlerContains(off) && !c.HandlerContains(target) {
			return t.fail(ReasonBadControlFlow, off, "branch out of a handler")
		}
	}
	return nil
}

// emitFinallyCalls calls, innermost first, every finally whose try block
// contains the current instruction but not target. A target of -1 exits
// every protected region.
func (t *transformer) emitFinallyCalls(target int) {
	for i := range t.clauses {
		c := &t.clauses[i]
		if c.Kind == metadata.ClauseFinally && c.TryContains(t.off) && (target < 0 || !c.TryContains(target)) {
			t.emitImm(OpCallFinally, int64(i))
		}
	}
}

// ---------------------------------------------------------------------------
// Tokens
// ---------------------------------------------------------------------------

func (t *transformer) token(kind DataKind, tok metadata.Token) (int, error) {
	if i, ok := t.dataIdx[tok]; ok {
		if t.data[i].Kind != kind {
			return 0, t.fail(ReasonUnresolvedToken, t.off, "token %s used as %d and %d", tok, t.data[i].Kind, kind)
		}
		return i, nil
	}
	if len(t.data) >= maxIndex {
		return 0, t.fail(ReasonUnsupported, t.off, "more than %d distinct tokens", maxIndex)
	}
	item := DataItem{Kind: kind, Token: tok}
	var err error
	switch kind {
	case DataMethod:
		item.Method, err = t.res.ResolveMethod(tok)
	case DataField:
		item.Field, err = t.res.ResolveField(tok)
		if err == nil && item.Field.Static {
			item.owner, item.Static, err = t.mm.rt.staticSlot(item.Field)
		}
	case DataType:
		item.Type, err = t.res.ResolveType(tok)
	case DataString:
		var s string
		s, err = t.res.ResolveString(tok)
		item.Str = NewString(t.res, s)
	}
	if err != nil {
		return 0, t.fail(ReasonUnresolvedToken, t.off, "%w", err)
	}
	t.dataIdx[tok] = len(t.data)
	t.data = append(t.data, item)
	return len(t.data) - 1, nil
}

// ---------------------------------------------------------------------------
// Finalize: offsets, encoding, publication
// ---------------------------------------------------------------------------

func (t *transformer) finalize() error {
	pos := 0
	t.ir.Each(func(_ arena.Handle, p *irInstr) {
		p.offset = pos
		pos += p.op.Size(len(p.targets))
	})
	size := pos
	n := t.ir.Len()
	codeOf := func(ilOff int) int {
		idx := t.ilToIR[ilOff]
		if idx >= n {
			return size
		}
		return t.ir.Get(arena.Handle(idx)).offset
	}

	mm := t.mm
	mm.allocMu.Lock()
	buf, kinds, layout, clauses, data, ilMap, err := mm.allocMethod(size, len(t.slotKinds), len(t.layout), len(t.clauses), len(t.data), len(t.ilMap))
	mm.allocMu.Unlock()
	if err != nil {
		if errors.Is(err, ErrManagerDestroyed) {
			return err
		}
		return t.fail(ReasonResourceExhausted, -1, "%w", err)
	}

	b := NewBytecodeBuilder(buf)
	t.ir.Each(func(_ arena.Handle, p *irInstr) {
		switch {
		case p.op == OpSwitch:
			targets := make([]int32, len(p.targets))
			for i, tg := range p.targets {
				targets[i] = int32(codeOf(tg))
			}
			b.EmitSwitch(targets)
		case p.target >= 0:
			b.EmitInt32(p.op, int32(codeOf(p.target)))
		case p.op == OpLdcI4:
			b.EmitInt32(p.op, int32(p.imm))
		case p.op == OpLdcI8:
			b.EmitInt64(p.op, p.imm)
		case p.op == OpLdcR8:
			b.EmitFloat64(p.op, p.fimm)
		case p.op.Info().OperandBytes == 2:
			b.EmitUint16(p.op, uint16(p.imm))
		default:
			b.Emit(p.op)
		}
	})
	if b.Len() != size {
		return t.fail(ReasonResourceExhausted, -1, "encoded %d bytes, sized %d", b.Len(), size)
	}

	copy(kinds, t.slotKinds)
	copy(layout, t.layout)
	copy(data, t.data)
	for i, c := range t.clauses {
		c.TryStart, c.TryEnd = codeOf(c.TryStart), codeOf(c.TryEnd)
		c.HandlerStart, c.HandlerEnd = codeOf(c.HandlerStart), codeOf(c.HandlerEnd)
		if c.Kind == metadata.ClauseFilter {
			c.FilterStart = codeOf(c.FilterStart)
		} else {
			c.FilterStart = 0
		}
		clauses[i] = c
	}
	for i, e := range t.ilMap {
		ilMap[i] = OffsetMapping{Offset: codeOf(e[0]), IL: e[0]}
	}

	m := t.m
	m.Code = b.Bytes()
	m.NumArgs = len(t.argTypes)
	m.NumLocals = len(t.localTypes)
	m.SlotKinds = kinds
	m.Locals = layout
	m.FrameSize = t.frameSize
	m.MaxStack = t.maxDepth
	m.Clauses = clauses
	m.Data = data
	m.ILMap = ilMap
	m.ReturnKind = t.retKind
	m.ILSize = len(t.code)
	m.callees = make([]atomic.Pointer[Method], len(data))
	m.statics = make([]atomic.Pointer[staticLink], len(data))
	return nil
}
