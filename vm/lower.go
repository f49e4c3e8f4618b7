package vm

import (
	"github.com/chazu/mint/il"
	"github.com/chazu/mint/metadata"
)

// Per-kind opcode tables, indexed by kindIndex. A zero entry (OpNop) marks
// a kind the operation does not accept.
type kindOps [4]Opcode

func kindIndex(k Kind) int {
	switch k {
	case KindI4:
		return 0
	case KindI8:
		return 1
	case KindR8:
		return 2
	case KindRef:
		return 3
	}
	return -1
}

var (
	addOps   = kindOps{OpAddI4, OpAddI8, OpAddR8}
	subOps   = kindOps{OpSubI4, OpSubI8, OpSubR8}
	mulOps   = kindOps{OpMulI4, OpMulI8, OpMulR8}
	divOps   = kindOps{OpDivI4, OpDivI8, OpDivR8}
	divUnOps = kindOps{OpDivUnI4, OpDivUnI8}
	remOps   = kindOps{OpRemI4, OpRemI8, OpRemR8}
	remUnOps = kindOps{OpRemUnI4, OpRemUnI8}
	andOps   = kindOps{OpAndI4, OpAndI8}
	orOps    = kindOps{OpOrI4, OpOrI8}
	xorOps   = kindOps{OpXorI4, OpXorI8}
	negOps   = kindOps{OpNegI4, OpNegI8, OpNegR8}
	notOps   = kindOps{OpNotI4, OpNotI8}
	shlOps   = kindOps{OpShlI4, OpShlI8}
	shrOps   = kindOps{OpShrI4, OpShrI8}
	shrUnOps = kindOps{OpShrUnI4, OpShrUnI8}

	addOvfOps   = kindOps{OpAddOvfI4, OpAddOvfI8}
	addOvfUnOps = kindOps{OpAddOvfUnI4, OpAddOvfUnI8}
	subOvfOps   = kindOps{OpSubOvfI4, OpSubOvfI8}
	subOvfUnOps = kindOps{OpSubOvfUnI4, OpSubOvfUnI8}
	mulOvfOps   = kindOps{OpMulOvfI4, OpMulOvfI8}
	mulOvfUnOps = kindOps{OpMulOvfUnI4, OpMulOvfUnI8}

	ceqOps   = kindOps{OpCeqI4, OpCeqI8, OpCeqR8, OpCeqRef}
	cgtOps   = kindOps{OpCgtI4, OpCgtI8, OpCgtR8}
	cgtUnOps = kindOps{OpCgtUnI4, OpCgtUnI8, OpCgtUnR8, OpCgtUnRef}
	cltOps   = kindOps{OpCltI4, OpCltI8, OpCltR8}
	cltUnOps = kindOps{OpCltUnI4, OpCltUnI8, OpCltUnR8}
)

// condBranch lowers a compare-and-branch into a compare and a brtrue or
// brfalse. Float variants pick the ordered or unordered compare that gives
// the IL semantics for NaN.
type condBranch struct {
	cmp kindOps
	br  Opcode
}

var condBranches = map[il.Opcode]condBranch{
	il.Beq:    {ceqOps, OpBrTrue},
	il.BneUn:  {ceqOps, OpBrFalse},
	il.Bge:    {kindOps{OpCltI4, OpCltI8, OpCltUnR8}, OpBrFalse},
	il.BgeUn:  {kindOps{OpCltUnI4, OpCltUnI8, OpCltR8}, OpBrFalse},
	il.Bgt:    {cgtOps, OpBrTrue},
	il.BgtUn:  {cgtUnOps, OpBrTrue},
	il.Ble:    {kindOps{OpCgtI4, OpCgtI8, OpCgtUnR8}, OpBrFalse},
	il.BleUn:  {kindOps{OpCgtUnI4, OpCgtUnI8, OpCgtR8}, OpBrFalse},
	il.Blt:    {cltOps, OpBrTrue},
	il.BltUn:  {cltUnOps, OpBrTrue},
	il.BeqS:   {ceqOps, OpBrTrue},
	il.BneUnS: {ceqOps, OpBrFalse},
	il.BgeS:   {kindOps{OpCltI4, OpCltI8, OpCltUnR8}, OpBrFalse},
	il.BgeUnS: {kindOps{OpCltUnI4, OpCltUnI8, OpCltR8}, OpBrFalse},
	il.BgtS:   {cgtOps, OpBrTrue},
	il.BgtUnS: {cgtUnOps, OpBrTrue},
	il.BleS:   {kindOps{OpCgtI4, OpCgtI8, OpCgtUnR8}, OpBrFalse},
	il.BleUnS: {kindOps{OpCgtUnI4, OpCgtUnI8, OpCgtR8}, OpBrFalse},
	il.BltS:   {cltOps, OpBrTrue},
	il.BltUnS: {cltUnOps, OpBrTrue},
}

var binaryOps = map[il.Opcode]kindOps{
	il.Add: addOps, il.Sub: subOps, il.Mul: mulOps,
	il.Div: divOps, il.DivUn: divUnOps, il.Rem: remOps, il.RemUn: remUnOps,
	il.And: andOps, il.Or: orOps, il.Xor: xorOps,
	il.AddOvf: addOvfOps, il.AddOvfUn: addOvfUnOps,
	il.SubOvf: subOvfOps, il.SubOvfUn: subOvfUnOps,
	il.MulOvf: mulOvfOps, il.MulOvfUn: mulOvfUnOps,
}

var compareOps = map[il.Opcode]kindOps{
	il.Ceq: ceqOps, il.Cgt: cgtOps, il.CgtUn: cgtUnOps, il.Clt: cltOps, il.CltUn: cltUnOps,
}

var shiftOps = map[il.Opcode]kindOps{
	il.Shl: shlOps, il.Shr: shrOps, il.ShrUn: shrUnOps,
}

// Element kinds of the typed ldelem and stelem forms.
var ldelemKinds = map[il.Opcode]Kind{
	il.LdelemI1: KindI4, il.LdelemU1: KindI4, il.LdelemI2: KindI4, il.LdelemU2: KindI4,
	il.LdelemI4: KindI4, il.LdelemU4: KindI4, il.LdelemI8: KindI8, il.LdelemI: KindI8,
	il.LdelemR4: KindR8, il.LdelemR8: KindR8, il.LdelemRef: KindRef,
}

var stelemKinds = map[il.Opcode]Kind{
	il.StelemI1: KindI4, il.StelemI2: KindI4, il.StelemI4: KindI4, il.StelemI8: KindI8,
	il.StelemI: KindI8, il.StelemR4: KindR8, il.StelemR8: KindR8, il.StelemRef: KindRef,
}

// lowerOne lowers a single IL instruction and reports whether control can
// fall through to the next one.
func (t *transformer) lowerOne(in *il.Instruction) (bool, error) {
	op := in.Op

	if ops, ok := binaryOps[op]; ok {
		return true, t.binary(ops)
	}
	if ops, ok := compareOps[op]; ok {
		return true, t.compare(ops)
	}
	if ops, ok := shiftOps[op]; ok {
		return true, t.shift(ops)
	}
	if cb, ok := condBranches[op]; ok {
		if err := t.compare(cb.cmp); err != nil {
			return false, err
		}
		if _, err := t.pop(); err != nil {
			return false, err
		}
		return true, t.branch(cb.br, in.Targets[0])
	}
	if k, ok := ldelemKinds[op]; ok {
		return true, t.loadElement(k)
	}
	if k, ok := stelemKinds[op]; ok {
		return true, t.storeElement(k)
	}

	switch op {
	case il.Nop, il.Break, il.Tail, il.Volatile, il.Readonly, il.Unaligned, il.No:
		return true, nil

	// Arguments and locals
	case il.Ldarg0, il.Ldarg1, il.Ldarg2, il.Ldarg3:
		return true, t.loadArg(int(op - il.Ldarg0))
	case il.LdargS, il.Ldarg:
		return true, t.loadArg(int(in.Int))
	case il.StargS, il.Starg:
		return true, t.storeArg(int(in.Int))
	case il.Ldloc0, il.Ldloc1, il.Ldloc2, il.Ldloc3:
		return true, t.loadLocal(int(op - il.Ldloc0))
	case il.LdlocS, il.Ldloc:
		return true, t.loadLocal(int(in.Int))
	case il.Stloc0, il.Stloc1, il.Stloc2, il.Stloc3:
		return true, t.storeLocal(int(op - il.Stloc0))
	case il.StlocS, il.Stloc:
		return true, t.storeLocal(int(in.Int))

	// Constants
	case il.Ldnull:
		t.emit(OpLdNull)
		return true, t.push(KindRef)
	case il.LdcI4M1, il.LdcI40, il.LdcI41, il.LdcI42, il.LdcI43,
		il.LdcI44, il.LdcI45, il.LdcI46, il.LdcI47, il.LdcI48:
		t.emitImm(OpLdcI4, int64(op)-int64(il.LdcI40))
		return true, t.push(KindI4)
	case il.LdcI4S, il.LdcI4:
		t.emitImm(OpLdcI4, in.Int)
		return true, t.push(KindI4)
	case il.LdcI8:
		t.emitImm(OpLdcI8, in.Int)
		return true, t.push(KindI8)
	case il.LdcR4, il.LdcR8:
		t.emit(OpLdcR8).fimm = in.Float
		return true, t.push(KindR8)
	case il.Ldstr:
		idx, err := t.token(DataString, metadata.Token(in.Token()))
		if err != nil {
			return false, err
		}
		t.emitImm(OpLdStr, int64(idx))
		return true, t.push(KindRef)

	// Stack
	case il.Dup:
		if len(t.stack) == 0 {
			return false, t.fail(ReasonStackUnderflow, t.off, "")
		}
		t.emit(OpDup)
		return true, t.push(t.stack[len(t.stack)-1])
	case il.Pop:
		if _, err := t.pop(); err != nil {
			return false, err
		}
		t.emit(OpPop)
		return true, nil

	// Unary arithmetic
	case il.Neg:
		return true, t.unary(negOps)
	case il.Not:
		return true, t.unary(notOps)
	case il.Ckfinite:
		if err := t.popKind(KindR8); err != nil {
			return false, err
		}
		t.emit(OpCkfinite)
		return true, t.push(KindR8)

	// Conversions
	case il.ConvI1, il.ConvU1, il.ConvI2, il.ConvU2, il.ConvI4, il.ConvU4,
		il.ConvI8, il.ConvU8, il.ConvI, il.ConvU, il.ConvR4, il.ConvR8, il.ConvRUn:
		return true, t.convert(op)

	// Branches
	case il.Br, il.BrS:
		return false, t.branch(OpBr, in.Targets[0])
	case il.Brtrue, il.BrtrueS, il.Brfalse, il.BrfalseS:
		k, err := t.pop()
		if err != nil {
			return false, err
		}
		if k == KindR8 {
			return false, t.fail(ReasonInvalidStackType, t.off, "branch on %s", k)
		}
		br := OpBrTrue
		if op == il.Brfalse || op == il.BrfalseS {
			br = OpBrFalse
		}
		return true, t.branch(br, in.Targets[0])
	case il.Switch:
		return true, t.lowerSwitch(in.Targets)

	// Calls
	case il.Call, il.Callvirt, il.Newobj:
		return true, t.call(op, metadata.Token(in.Token()))
	case il.Ret:
		return false, t.ret()

	// Fields
	case il.Ldfld, il.Stfld, il.Ldsfld, il.Stsfld:
		return true, t.field(op, metadata.Token(in.Token()))

	// Arrays
	case il.Newarr:
		if err := t.popIndex(); err != nil {
			return false, err
		}
		idx, elem, err := t.typeToken(metadata.Token(in.Token()))
		if err != nil {
			return false, err
		}
		if k, ok := KindOf(elem); !ok || k == KindVoid {
			return false, t.fail(ReasonUnsupported, t.off, "array of %s", elem)
		}
		t.emitImm(OpNewArr, int64(idx))
		return true, t.push(KindRef)
	case il.Ldlen:
		if err := t.popKind(KindRef); err != nil {
			return false, err
		}
		t.emit(OpLdLen)
		return true, t.push(KindI8)
	case il.Ldelem, il.Stelem:
		_, elem, err := t.typeToken(metadata.Token(in.Token()))
		if err != nil {
			return false, err
		}
		k, ok := KindOf(elem)
		if !ok || k == KindVoid {
			return false, t.fail(ReasonUnsupported, t.off, "element type %s", elem)
		}
		if op == il.Ldelem {
			return true, t.loadElement(k)
		}
		return true, t.storeElement(k)

	// Type tests
	case il.Castclass, il.Isinst, il.UnboxAny:
		if err := t.popKind(KindRef); err != nil {
			return false, err
		}
		idx, typ, err := t.typeToken(metadata.Token(in.Token()))
		if err != nil {
			return false, err
		}
		if typ.Class == nil || !typ.IsReference() {
			return false, t.fail(ReasonUnsupported, t.off, "%s to value type %s", op.Info().Name, typ)
		}
		if op == il.Isinst {
			t.emitImm(OpIsInst, int64(idx))
		} else {
			t.emitImm(OpCastClass, int64(idx))
		}
		return true, t.push(KindRef)

	// Exceptions
	case il.Throw:
		if err := t.popKind(KindRef); err != nil {
			return false, err
		}
		t.emit(OpThrow)
		return false, nil
	case il.Rethrow:
		c, inFilter, ok := t.innermostHandler(t.off)
		if !ok || inFilter || (c.Kind != metadata.ClauseCatch && c.Kind != metadata.ClauseFilter) {
			return false, t.fail(ReasonBadControlFlow, t.off, "rethrow outside a catch handler")
		}
		t.emit(OpRethrow)
		return false, nil
	case il.Leave, il.LeaveS:
		return false, t.leave(in.Targets[0])
	case il.Endfinally:
		c, inFilter, ok := t.innermostHandler(t.off)
		if !ok || inFilter || (c.Kind != metadata.ClauseFinally && c.Kind != metadata.ClauseFault) {
			return false, t.fail(ReasonBadControlFlow, t.off, "endfinally outside a finally or fault handler")
		}
		t.stack = t.stack[:0]
		t.emit(OpEndFinally)
		return false, nil
	case il.Endfilter:
		if _, inFilter, ok := t.innermostHandler(t.off); !ok || !inFilter {
			return false, t.fail(ReasonBadControlFlow, t.off, "endfilter outside a filter block")
		}
		if err := t.popKind(KindI4); err != nil {
			return false, err
		}
		if len(t.stack) != 0 {
			return false, t.fail(ReasonStackMismatch, t.off, "endfilter with %d extra values", len(t.stack))
		}
		t.emit(OpEndFilter)
		return false, nil
	}

	return false, t.fail(ReasonUnsupported, t.off, "%s", op.Info().Name)
}

// ---------------------------------------------------------------------------
// Slots
// ---------------------------------------------------------------------------

func (t *transformer) loadArg(i int) error {
	if i < 0 || i >= len(t.argTypes) {
		return t.fail(ReasonBadLocal, t.off, "argument %d of %d", i, len(t.argTypes))
	}
	t.emitImm(OpLdSlot, int64(i))
	return t.push(t.slotKinds[i])
}

func (t *transformer) storeArg(i int) error {
	if i < 0 || i >= len(t.argTypes) {
		return t.fail(ReasonBadLocal, t.off, "argument %d of %d", i, len(t.argTypes))
	}
	return t.storeSlot(i, t.argTypes[i])
}

func (t *transformer) loadLocal(i int) error {
	if i < 0 || i >= len(t.localTypes) {
		return t.fail(ReasonBadLocal, t.off, "local %d of %d", i, len(t.localTypes))
	}
	slot := len(t.argTypes) + i
	t.emitImm(OpLdSlot, int64(slot))
	return t.push(t.slotKinds[slot])
}

func (t *transformer) storeLocal(i int) error {
	if i < 0 || i >= len(t.localTypes) {
		return t.fail(ReasonBadLocal, t.off, "local %d of %d", i, len(t.localTypes))
	}
	return t.storeSlot(len(t.argTypes)+i, t.localTypes[i])
}

func (t *transformer) storeSlot(slot int, typ *metadata.Type) error {
	if err := t.popKind(t.slotKinds[slot]); err != nil {
		return err
	}
	t.emitNarrow(typ)
	t.emitImm(OpStSlot, int64(slot))
	return nil
}

// ---------------------------------------------------------------------------
// Arithmetic, compare, convert
// ---------------------------------------------------------------------------

func (t *transformer) binary(ops kindOps) error {
	b, err := t.pop()
	if err != nil {
		return err
	}
	a, err := t.pop()
	if err != nil {
		return err
	}
	i := kindIndex(a)
	if a != b || i < 0 || ops[i] == OpNop {
		return t.fail(ReasonInvalidStackType, t.off, "operands %s and %s", a, b)
	}
	t.emit(ops[i])
	return t.push(a)
}

func (t *transformer) unary(ops kindOps) error {
	a, err := t.pop()
	if err != nil {
		return err
	}
	i := kindIndex(a)
	if i < 0 || ops[i] == OpNop {
		return t.fail(ReasonInvalidStackType, t.off, "operand %s", a)
	}
	t.emit(ops[i])
	return t.push(a)
}

func (t *transformer) compare(ops kindOps) error {
	b, err := t.pop()
	if err != nil {
		return err
	}
	a, err := t.pop()
	if err != nil {
		return err
	}
	i := kindIndex(a)
	if a != b || i < 0 || ops[i] == OpNop {
		return t.fail(ReasonInvalidStackType, t.off, "compare %s with %s", a, b)
	}
	t.emit(ops[i])
	return t.push(KindI4)
}

func (t *transformer) shift(ops kindOps) error {
	if err := t.popIndex(); err != nil {
		return err
	}
	return t.unary(ops)
}

// toI4 converts the value on top of the stack, of kind k, to I4.
func (t *transformer) toI4(k Kind) {
	switch k {
	case KindI8:
		t.emit(OpConvI8I4)
	case KindR8:
		t.emit(OpConvR8I4)
	}
}

func (t *transformer) convert(op il.Opcode) error {
	k, err := t.pop()
	if err != nil {
		return err
	}
	if k == KindRef {
		return t.fail(ReasonInvalidStackType, t.off, "%s of a reference", op.Info().Name)
	}
	switch op {
	case il.ConvI1, il.ConvU1, il.ConvI2, il.ConvU2:
		t.toI4(k)
		t.emit(map[il.Opcode]Opcode{il.ConvI1: OpConvI1, il.ConvU1: OpConvU1, il.ConvI2: OpConvI2, il.ConvU2: OpConvU2}[op])
		return t.push(KindI4)
	case il.ConvI4:
		t.toI4(k)
		return t.push(KindI4)
	case il.ConvU4:
		if k == KindR8 {
			t.emit(OpConvR8U4)
		} else {
			t.toI4(k)
		}
		return t.push(KindI4)
	case il.ConvI8, il.ConvI:
		switch k {
		case KindI4:
			t.emit(OpConvI4I8)
		case KindR8:
			t.emit(OpConvR8I8)
		}
		return t.push(KindI8)
	case il.ConvU8, il.ConvU:
		switch k {
		case KindI4:
			t.emit(OpConvU4I8)
		case KindR8:
			t.emit(OpConvR8U8)
		}
		return t.push(KindI8)
	case il.ConvR4, il.ConvR8:
		switch k {
		case KindI4:
			t.emit(OpConvI4R8)
		case KindI8:
			t.emit(OpConvI8R8)
		}
		if op == il.ConvR4 {
			t.emit(OpConvR8R4)
		}
		return t.push(KindR8)
	case il.ConvRUn:
		switch k {
		case KindI4:
			t.emit(OpConvU4R8)
		case KindI8:
			t.emit(OpConvU8R8)
		}
		return t.push(KindR8)
	}
	return t.fail(ReasonUnsupported, t.off, "%s", op.Info().Name)
}

// ---------------------------------------------------------------------------
// Control flow
// ---------------------------------------------------------------------------

func (t *transformer) branch(op Opcode, target int) error {
	if err := t.checkBranch(target, false); err != nil {
		return err
	}
	if err := t.recordState(target); err != nil {
		return err
	}
	t.emitBranch(op, target)
	return nil
}

func (t *transformer) lowerSwitch(targets []int) error {
	if err := t.popKind(KindI4); err != nil {
		return err
	}
	backward := false
	for _, tg := range targets {
		if err := t.checkBranch(tg, false); err != nil {
			return err
		}
		if err := t.recordState(tg); err != nil {
			return err
		}
		backward = backward || tg <= t.off
	}
	if backward {
		t.emit(OpSafepoint)
	}
	t.emit(OpSwitch).targets = targets
	return nil
}

func (t *transformer) leave(target int) error {
	if err := t.checkBranch(target, true); err != nil {
		return err
	}
	t.stack = t.stack[:0]
	if err := t.recordState(target); err != nil {
		return err
	}
	t.emitFinallyCalls(target)
	t.emitBranch(OpLeave, target)
	return nil
}

func (t *transformer) ret() error {
	if _, _, ok := t.innermostHandler(t.off); ok {
		return t.fail(ReasonBadControlFlow, t.off, "ret inside a handler")
	}
	if t.retKind != KindVoid {
		if err := t.popKind(t.retKind); err != nil {
			return err
		}
	}
	if len(t.stack) != 0 {
		return t.fail(ReasonStackMismatch, t.off, "ret with %d extra values", len(t.stack))
	}
	t.emitFinallyCalls(-1)
	if t.retKind != KindVoid {
		t.emit(OpRet)
	} else {
		t.emit(OpRetVoid)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Calls, fields, arrays
// ---------------------------------------------------------------------------

func (t *transformer) call(op il.Opcode, tok metadata.Token) error {
	idx, err := t.token(DataMethod, tok)
	if err != nil {
		return err
	}
	callee := t.data[idx].Method
	sig := callee.Signature
	for i := len(sig.Params) - 1; i >= 0; i-- {
		k, ok := KindOf(sig.Params[i])
		if !ok || k == KindVoid {
			return t.fail(ReasonUnsupported, t.off, "%s parameter %d has type %s", callee.FullName(), i, sig.Params[i])
		}
		if err := t.popKind(k); err != nil {
			return err
		}
	}

	switch op {
	case il.Newobj:
		if !callee.IsConstructor() || !sig.HasThis || callee.DeclaringClass.Primitive != 0 {
			return t.fail(ReasonUnsupported, t.off, "newobj %s", callee.FullName())
		}
		t.emitImm(OpNewObj, int64(idx))
		return t.push(KindRef)
	case il.Callvirt:
		if !sig.HasThis {
			return t.fail(ReasonUnsupported, t.off, "callvirt to static %s", callee.FullName())
		}
		if err := t.popKind(KindRef); err != nil {
			return err
		}
		t.emitImm(OpCallVirt, int64(idx))
	default:
		if sig.HasThis {
			if err := t.popKind(KindRef); err != nil {
				return err
			}
		}
		t.emitImm(OpCall, int64(idx))
	}

	if sig.ReturnsValue() {
		k, ok := KindOf(sig.Return)
		if !ok {
			return t.fail(ReasonUnsupported, t.off, "%s returns %s", callee.FullName(), sig.Return)
		}
		return t.push(k)
	}
	return nil
}

func (t *transformer) field(op il.Opcode, tok metadata.Token) error {
	idx, err := t.token(DataField, tok)
	if err != nil {
		return err
	}
	f := t.data[idx].Field
	static := op == il.Ldsfld || op == il.Stsfld
	if f.Static != static {
		return t.fail(ReasonUnsupported, t.off, "%s on %s", op.Info().Name, f.FullName())
	}
	k, ok := KindOf(f.Type)
	if !ok || k == KindVoid {
		return t.fail(ReasonUnsupported, t.off, "field %s has type %s", f.FullName(), f.Type)
	}

	switch op {
	case il.Ldfld:
		if err := t.popKind(KindRef); err != nil {
			return err
		}
		t.emitImm(OpLdFld, int64(idx))
		return t.push(k)
	case il.Ldsfld:
		t.emitImm(OpLdSFld, int64(idx))
		return t.push(k)
	case il.Stfld:
		if err := t.popKind(k); err != nil {
			return err
		}
		if err := t.popKind(KindRef); err != nil {
			return err
		}
		t.emitNarrow(f.Type)
		t.emitImm(OpStFld, int64(idx))
	default:
		if err := t.popKind(k); err != nil {
			return err
		}
		t.emitNarrow(f.Type)
		t.emitImm(OpStSFld, int64(idx))
	}
	return nil
}

func (t *transformer) typeToken(tok metadata.Token) (int, *metadata.Type, error) {
	idx, err := t.token(DataType, tok)
	if err != nil {
		return 0, nil, err
	}
	return idx, t.data[idx].Type, nil
}

func (t *transformer) loadElement(k Kind) error {
	if err := t.popIndex(); err != nil {
		return err
	}
	if err := t.popKind(KindRef); err != nil {
		return err
	}
	t.emit(OpLdElem)
	return t.push(k)
}

func (t *transformer) storeElement(k Kind) error {
	if err := t.popKind(k); err != nil {
		return err
	}
	// The index sits under the value; an I8 index is narrowed at run time.
	ik, err := t.pop()
	if err != nil {
		return err
	}
	if ik != KindI4 && ik != KindI8 {
		return t.fail(ReasonInvalidStackType, t.off, "array index of kind %s", ik)
	}
	if err := t.popKind(KindRef); err != nil {
		return err
	}
	t.emit(OpStElem)
	return nil
}
