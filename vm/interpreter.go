package vm

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"

	"github.com/chazu/mint/metadata"
)

// Messages of the exceptions the engine raises.
const (
	msgDivideByZero    = "Attempted to divide by zero."
	msgOverflow        = "Arithmetic operation resulted in an overflow."
	msgNotFinite       = "Number is not a finite value."
	msgNullReference   = "Object reference not set to an instance of an object."
	msgIndexOutOfRange = "Index was outside the bounds of the array."
	msgInvalidCast     = "Specified cast is not valid."
	msgOutOfMemory     = "Array dimensions exceeded supported range."
)

// maxArrayLength bounds newarr.
const maxArrayLength = 1 << 27

func u16(code []byte, ip int) int {
	return int(binary.LittleEndian.Uint16(code[ip:]))
}

func i32(code []byte, ip int) int32 {
	return int32(binary.LittleEndian.Uint32(code[ip:]))
}

func i64(code []byte, ip int) int64 {
	return int64(binary.LittleEndian.Uint64(code[ip:]))
}

// pop2 pops two operands and returns them in push order.
func (t *Thread) pop2() (Value, Value) {
	t.sp -= 2
	return t.stack[t.sp], t.stack[t.sp+1]
}

// ---------------------------------------------------------------------------
// Main interpreter loop
// ---------------------------------------------------------------------------

// run executes f from f.ip until the region rg completes: a return for the
// method body, endfinally for a finally or fault handler, endfilter for a
// filter block. Only endfilter produces a verdict.
func (t *Thread) run(f *Frame, rg *region) (bool, error) {
	m := f.Method
	code := m.Code
	for {
		ip := f.ip
		if ip >= len(code) {
			return false, fmt.Errorf("vm: %s: execution ran past the end of the code", m.Name())
		}
		f.cur = ip
		op := Opcode(code[ip])
		if t.tracer != nil {
			t.tracer.OnStep(t, m, ip, op)
		}
		f.ip = ip + 1

		var err error
		switch op {
		// --- Stack ---
		case OpNop:

		case OpPop:
			t.sp--

		case OpDup:
			t.push(t.stack[t.sp-1])

		case OpSafepoint:
			err = t.safepoint()

		// --- Constants ---
		case OpLdNull:
			t.push(Null)

		case OpLdcI4:
			t.push(I4(i32(code, f.ip)))
			f.ip += 4

		case OpLdcI8:
			t.push(I8(i64(code, f.ip)))
			f.ip += 8

		case OpLdcR8:
			t.push(R8(math.Float64frombits(uint64(i64(code, f.ip)))))
			f.ip += 8

		case OpLdStr:
			t.push(FromRef(m.Data[u16(code, f.ip)].Str))
			f.ip += 2

		// --- Slots ---
		case OpLdSlot:
			t.push(t.stack[f.bp+u16(code, f.ip)])
			f.ip += 2

		case OpStSlot:
			t.stack[f.bp+u16(code, f.ip)] = t.pop()
			f.ip += 2

		// --- Arithmetic ---
		case OpAddI4:
			a, b := t.pop2()
			t.push(I4(a.I4() + b.I4()))
		case OpAddI8:
			a, b := t.pop2()
			t.push(I8(a.I8() + b.I8()))
		case OpAddR8:
			a, b := t.pop2()
			t.push(R8(a.R8() + b.R8()))
		case OpSubI4:
			a, b := t.pop2()
			t.push(I4(a.I4() - b.I4()))
		case OpSubI8:
			a, b := t.pop2()
			t.push(I8(a.I8() - b.I8()))
		case OpSubR8:
			a, b := t.pop2()
			t.push(R8(a.R8() - b.R8()))
		case OpMulI4:
			a, b := t.pop2()
			t.push(I4(a.I4() * b.I4()))
		case OpMulI8:
			a, b := t.pop2()
			t.push(I8(a.I8() * b.I8()))
		case OpMulR8:
			a, b := t.pop2()
			t.push(R8(a.R8() * b.R8()))

		case OpDivI4, OpRemI4:
			a, b := t.pop2()
			x, y := a.I4(), b.I4()
			switch {
			case y == 0:
				err = t.fault(f, metadata.ClassDivideByZeroException, msgDivideByZero)
			case x == math.MinInt32 && y == -1:
				err = t.fault(f, metadata.ClassOverflowException, msgOverflow)
			case op == OpDivI4:
				t.push(I4(x / y))
			default:
				t.push(I4(x % y))
			}
		case OpDivI8, OpRemI8:
			a, b := t.pop2()
			x, y := a.I8(), b.I8()
			switch {
			case y == 0:
				err = t.fault(f, metadata.ClassDivideByZeroException, msgDivideByZero)
			case x == math.MinInt64 && y == -1:
				err = t.fault(f, metadata.ClassOverflowException, msgOverflow)
			case op == OpDivI8:
				t.push(I8(x / y))
			default:
				t.push(I8(x % y))
			}
		case OpDivUnI4, OpRemUnI4:
			a, b := t.pop2()
			x, y := uint32(a.I4()), uint32(b.I4())
			switch {
			case y == 0:
				err = t.fault(f, metadata.ClassDivideByZeroException, msgDivideByZero)
			case op == OpDivUnI4:
				t.push(I4(int32(x / y)))
			default:
				t.push(I4(int32(x % y)))
			}
		case OpDivUnI8, OpRemUnI8:
			a, b := t.pop2()
			x, y := uint64(a.I8()), uint64(b.I8())
			switch {
			case y == 0:
				err = t.fault(f, metadata.ClassDivideByZeroException, msgDivideByZero)
			case op == OpDivUnI8:
				t.push(I8(int64(x / y)))
			default:
				t.push(I8(int64(x % y)))
			}
		case OpDivR8:
			a, b := t.pop2()
			t.push(R8(a.R8() / b.R8()))
		case OpRemR8:
			a, b := t.pop2()
			t.push(R8(math.Mod(a.R8(), b.R8())))

		case OpNegI4:
			t.stack[t.sp-1] = I4(-t.stack[t.sp-1].I4())
		case OpNegI8:
			t.stack[t.sp-1] = I8(-t.stack[t.sp-1].I8())
		case OpNegR8:
			t.stack[t.sp-1] = R8(-t.stack[t.sp-1].R8())

		// --- Bitwise ---
		case OpAndI4:
			a, b := t.pop2()
			t.push(I4(a.I4() & b.I4()))
		case OpAndI8:
			a, b := t.pop2()
			t.push(I8(a.I8() & b.I8()))
		case OpOrI4:
			a, b := t.pop2()
			t.push(I4(a.I4() | b.I4()))
		case OpOrI8:
			a, b := t.pop2()
			t.push(I8(a.I8() | b.I8()))
		case OpXorI4:
			a, b := t.pop2()
			t.push(I4(a.I4() ^ b.I4()))
		case OpXorI8:
			a, b := t.pop2()
			t.push(I8(a.I8() ^ b.I8()))
		case OpNotI4:
			t.stack[t.sp-1] = I4(^t.stack[t.sp-1].I4())
		case OpNotI8:
			t.stack[t.sp-1] = I8(^t.stack[t.sp-1].I8())

		case OpShlI4:
			a, b := t.pop2()
			t.push(I4(a.I4() << (uint32(b.I4()) & 31)))
		case OpShlI8:
			a, b := t.pop2()
			t.push(I8(a.I8() << (uint32(b.I4()) & 63)))
		case OpShrI4:
			a, b := t.pop2()
			t.push(I4(a.I4() >> (uint32(b.I4()) & 31)))
		case OpShrI8:
			a, b := t.pop2()
			t.push(I8(a.I8() >> (uint32(b.I4()) & 63)))
		case OpShrUnI4:
			a, b := t.pop2()
			t.push(I4(int32(uint32(a.I4()) >> (uint32(b.I4()) & 31))))
		case OpShrUnI8:
			a, b := t.pop2()
			t.push(I8(int64(uint64(a.I8()) >> (uint32(b.I4()) & 63))))

		// --- Checked arithmetic ---
		case OpAddOvfI4, OpSubOvfI4, OpMulOvfI4:
			a, b := t.pop2()
			x, y := int64(a.I4()), int64(b.I4())
			var r int64
			switch op {
			case OpAddOvfI4:
				r = x + y
			case OpSubOvfI4:
				r = x - y
			default:
				r = x * y
			}
			if r != int64(int32(r)) {
				err = t.fault(f, metadata.ClassOverflowException, msgOverflow)
				break
			}
			t.push(I4(int32(r)))
		case OpAddOvfUnI4, OpSubOvfUnI4, OpMulOvfUnI4:
			a, b := t.pop2()
			x, y := uint64(uint32(a.I4())), uint64(uint32(b.I4()))
			var r uint64
			ok := true
			switch op {
			case OpAddOvfUnI4:
				r = x + y
			case OpSubOvfUnI4:
				r, ok = x-y, x >= y
			default:
				r = x * y
			}
			if !ok || r > math.MaxUint32 {
				err = t.fault(f, metadata.ClassOverflowException, msgOverflow)
				break
			}
			t.push(I4(int32(uint32(r))))
		case OpAddOvfI8:
			a, b := t.pop2()
			x, y := a.I8(), b.I8()
			r := x + y
			if (x^r)&(y^r) < 0 {
				err = t.fault(f, metadata.ClassOverflowException, msgOverflow)
				break
			}
			t.push(I8(r))
		case OpSubOvfI8:
			a, b := t.pop2()
			x, y := a.I8(), b.I8()
			r := x - y
			if (x^y)&(x^r) < 0 {
				err = t.fault(f, metadata.ClassOverflowException, msgOverflow)
				break
			}
			t.push(I8(r))
		case OpMulOvfI8:
			a, b := t.pop2()
			r, overflow := mulOvf64(a.I8(), b.I8())
			if overflow {
				err = t.fault(f, metadata.ClassOverflowException, msgOverflow)
				break
			}
			t.push(I8(r))
		case OpAddOvfUnI8:
			a, b := t.pop2()
			r, carry := bits.Add64(uint64(a.I8()), uint64(b.I8()), 0)
			if carry != 0 {
				err = t.fault(f, metadata.ClassOverflowException, msgOverflow)
				break
			}
			t.push(I8(int64(r)))
		case OpSubOvfUnI8:
			a, b := t.pop2()
			r, borrow := bits.Sub64(uint64(a.I8()), uint64(b.I8()), 0)
			if borrow != 0 {
				err = t.fault(f, metadata.ClassOverflowException, msgOverflow)
				break
			}
			t.push(I8(int64(r)))
		case OpMulOvfUnI8:
			a, b := t.pop2()
			hi, lo := bits.Mul64(uint64(a.I8()), uint64(b.I8()))
			if hi != 0 {
				err = t.fault(f, metadata.ClassOverflowException, msgOverflow)
				break
			}
			t.push(I8(int64(lo)))
		case OpCkfinite:
			v := t.stack[t.sp-1].R8()
			if math.IsNaN(v) || math.IsInf(v, 0) {
				err = t.fault(f, metadata.ClassArithmeticException, msgNotFinite)
			}

		// --- Comparisons ---
		case OpCeqI4:
			a, b := t.pop2()
			t.push(Bool(a.I4() == b.I4()))
		case OpCeqI8:
			a, b := t.pop2()
			t.push(Bool(a.I8() == b.I8()))
		case OpCeqR8:
			a, b := t.pop2()
			t.push(Bool(a.R8() == b.R8()))
		case OpCeqRef:
			a, b := t.pop2()
			t.push(Bool(a.ref == b.ref))
		case OpCgtI4:
			a, b := t.pop2()
			t.push(Bool(a.I4() > b.I4()))
		case OpCgtI8:
			a, b := t.pop2()
			t.push(Bool(a.I8() > b.I8()))
		case OpCgtR8:
			a, b := t.pop2()
			t.push(Bool(a.R8() > b.R8()))
		case OpCgtUnI4:
			a, b := t.pop2()
			t.push(Bool(uint32(a.I4()) > uint32(b.I4())))
		case OpCgtUnI8:
			a, b := t.pop2()
			t.push(Bool(uint64(a.I8()) > uint64(b.I8())))
		case OpCgtUnR8:
			a, b := t.pop2()
			t.push(Bool(!(a.R8() <= b.R8())))
		case OpCgtUnRef:
			a, b := t.pop2()
			t.push(Bool(a.ref != nil && b.ref == nil))
		case OpCltI4:
			a, b := t.pop2()
			t.push(Bool(a.I4() < b.I4()))
		case OpCltI8:
			a, b := t.pop2()
			t.push(Bool(a.I8() < b.I8()))
		case OpCltR8:
			a, b := t.pop2()
			t.push(Bool(a.R8() < b.R8()))
		case OpCltUnI4:
			a, b := t.pop2()
			t.push(Bool(uint32(a.I4()) < uint32(b.I4())))
		case OpCltUnI8:
			a, b := t.pop2()
			t.push(Bool(uint64(a.I8()) < uint64(b.I8())))
		case OpCltUnR8:
			a, b := t.pop2()
			t.push(Bool(!(a.R8() >= b.R8())))

		// --- Conversions ---
		case OpConvI4I8, OpConvU4I8, OpConvI4R8, OpConvU4R8, OpConvI8I4, OpConvI8R8,
			OpConvU8R8, OpConvR8I4, OpConvR8U4, OpConvR8I8, OpConvR8U8, OpConvR8R4,
			OpConvI1, OpConvU1, OpConvI2, OpConvU2:
			t.stack[t.sp-1] = convert(op, t.stack[t.sp-1])

		// --- Control flow ---
		case OpBr:
			f.ip = int(i32(code, f.ip))
		case OpBrTrue:
			if t.pop().Truthy() {
				f.ip = int(i32(code, f.ip))
			} else {
				f.ip += 4
			}
		case OpBrFalse:
			if !t.pop().Truthy() {
				f.ip = int(i32(code, f.ip))
			} else {
				f.ip += 4
			}
		case OpSwitch:
			n := int(uint32(i32(code, f.ip)))
			table := f.ip + 4
			if idx := uint32(t.pop().I4()); idx < uint32(n) {
				f.ip = int(i32(code, table+4*int(idx)))
			} else {
				f.ip = table + 4*n
			}
		case OpLeave:
			target := int(i32(code, f.ip))
			t.sp = rg.base
			f.trimHandled(target)
			f.ip = target

		// --- Calls ---
		case OpCall, OpCallVirt, OpNewObj:
			idx := u16(code, f.ip)
			f.ip += 2
			err = t.invoke(f, op, idx)

		case OpRet:
			v := t.pop()
			t.stack[f.bp] = v
			t.sp = f.bp + 1
			return false, nil

		case OpRetVoid:
			t.sp = f.bp
			return false, nil

		// --- Objects and arrays ---
		case OpLdFld:
			fld := m.Data[u16(code, f.ip)].Field
			f.ip += 2
			var o *Object
			if o, err = t.object(f, t.pop(), fld); err == nil {
				t.push(o.Fields[fld.Slot])
			}
		case OpStFld:
			fld := m.Data[u16(code, f.ip)].Field
			f.ip += 2
			v := t.pop()
			var o *Object
			if o, err = t.object(f, t.pop(), fld); err == nil {
				o.Fields[fld.Slot] = v
			}
		case OpLdSFld:
			var slot *Value
			if slot, err = m.static(t.rt, u16(code, f.ip)); err == nil {
				t.push(*slot)
			}
			f.ip += 2
		case OpStSFld:
			var slot *Value
			if slot, err = m.static(t.rt, u16(code, f.ip)); err == nil {
				*slot = t.pop()
			}
			f.ip += 2

		case OpNewArr:
			elem := m.Data[u16(code, f.ip)].Type
			f.ip += 2
			n := t.pop().I4()
			switch {
			case n < 0:
				err = t.fault(f, metadata.ClassOverflowException, msgOverflow)
			case n > maxArrayLength:
				err = t.fault(f, metadata.ClassOutOfMemoryException, msgOutOfMemory)
			default:
				t.push(FromRef(NewArray(m.Manager.ctx, elem, int(n))))
			}
		case OpLdLen:
			var a *Array
			if a, err = t.array(f, t.pop()); err == nil {
				t.push(I8(int64(a.Len())))
			}
		case OpLdElem:
			i := t.pop().I4()
			var a *Array
			if a, err = t.array(f, t.pop()); err != nil {
				break
			}
			if uint32(i) >= uint32(a.Len()) {
				err = t.fault(f, metadata.ClassIndexOutOfRangeException, msgIndexOutOfRange)
				break
			}
			t.push(a.Data[i])
		case OpStElem:
			v := t.pop()
			i := t.pop().Int()
			var a *Array
			if a, err = t.array(f, t.pop()); err != nil {
				break
			}
			if i < 0 || i >= int64(a.Len()) {
				err = t.fault(f, metadata.ClassIndexOutOfRangeException, msgIndexOutOfRange)
				break
			}
			a.store(int(i), v)

		case OpCastClass, OpIsInst:
			typ := m.Data[u16(code, f.ip)].Type
			f.ip += 2
			v := t.stack[t.sp-1]
			if v.IsNull() || m.Manager.ctx.IsAssignable(v.ref.RefClass(), typ.Class) {
				break
			}
			if op == OpIsInst {
				t.stack[t.sp-1] = Null
				break
			}
			err = t.fault(f, metadata.ClassInvalidCastException, msgInvalidCast)

		// --- Exceptions ---
		case OpThrow:
			v := t.pop()
			if v.IsNull() {
				err = t.fault(f, metadata.ClassNullReferenceException, msgNullReference)
				break
			}
			err = t.throw(f, v.ref)
		case OpRethrow:
			exc := f.caught()
			if exc == nil {
				return false, fmt.Errorf("vm: %s: rethrow with no exception being handled", m.Name())
			}
			err = t.rethrow(f, exc)
		case OpCallFinally:
			c := &m.Clauses[u16(code, f.ip)]
			f.ip += 2
			err = t.runHandler(f, c)
		case OpEndFinally:
			return false, nil
		case OpEndFilter:
			return t.pop().I4() != 0, nil

		default:
			return false, fmt.Errorf("vm: %s: unknown opcode 0x%02x at %04d", m.Name(), byte(op), ip)
		}

		if err != nil {
			if err = t.dispatch(f, rg, err); err != nil {
				return false, err
			}
		}
	}
}

// convert applies a conversion opcode to v.
func convert(op Opcode, v Value) Value {
	switch op {
	case OpConvI4I8:
		return I8(int64(v.I4()))
	case OpConvU4I8:
		return I8(int64(uint32(v.I4())))
	case OpConvI4R8:
		return R8(float64(v.I4()))
	case OpConvU4R8:
		return R8(float64(uint32(v.I4())))
	case OpConvI8I4:
		return I4(int32(v.I8()))
	case OpConvI8R8:
		return R8(float64(v.I8()))
	case OpConvU8R8:
		return R8(float64(uint64(v.I8())))
	case OpConvR8I4:
		return I4(int32(int64(v.R8())))
	case OpConvR8U4:
		return I4(int32(uint32(int64(v.R8()))))
	case OpConvR8I8:
		return I8(int64(v.R8()))
	case OpConvR8U8:
		return I8(int64(uint64(v.R8())))
	case OpConvR8R4:
		return R8(float64(float32(v.R8())))
	case OpConvI1:
		return I4(int32(int8(v.I4())))
	case OpConvU1:
		return I4(int32(uint8(v.I4())))
	case OpConvI2:
		return I4(int32(int16(v.I4())))
	case OpConvU2:
		return I4(int32(uint16(v.I4())))
	}
	return v
}

func mulOvf64(x, y int64) (int64, bool) {
	if x == 0 || y == 0 {
		return 0, false
	}
	r := x * y
	if (x == -1 && y == math.MinInt64) || (y == -1 && x == math.MinInt64) || r/y != x {
		return r, true
	}
	return r, false
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// invoke performs a call, callvirt or newobj through data entry idx of f's
// method.
func (t *Thread) invoke(f *Frame, op Opcode, idx int) error {
	if err := t.safepoint(); err != nil {
		return err
	}
	m := f.Method
	desc := m.Data[idx].Method

	switch op {
	case OpNewObj:
		callee, err := m.callee(t.rt, idx)
		if err != nil {
			return err
		}
		if err := t.ensure(t.sp + 1); err != nil {
			return err
		}
		obj := t.rt.NewObject(desc.DeclaringClass)
		at := t.sp - desc.Signature.ParamCount()
		copy(t.stack[at+1:t.sp+1], t.stack[at:t.sp])
		t.stack[at] = FromRef(obj)
		t.sp++
		if err := t.call(callee); err != nil {
			return err
		}
		t.push(FromRef(obj))
		return nil

	case OpCallVirt:
		this := t.stack[t.sp-desc.Signature.ArgCount()]
		if this.IsNull() {
			return t.fault(f, metadata.ClassNullReferenceException, msgNullReference)
		}
		if desc.Virtual {
			impl, err := t.rt.findOverride(m.Manager.ctx, this.ref.RefClass(), desc)
			if err != nil {
				return fmt.Errorf("vm: callvirt %s: %w", desc.FullName(), err)
			}
			if impl != desc {
				callee, err := t.rt.GetOrTransform(impl)
				if err != nil {
					return err
				}
				return t.call(callee)
			}
		}
	}

	callee, err := m.callee(t.rt, idx)
	if err != nil {
		return err
	}
	return t.call(callee)
}

// object checks that v is a non-null instance holding fld.
func (t *Thread) object(f *Frame, v Value, fld *metadata.Field) (*Object, error) {
	if v.IsNull() {
		return nil, t.fault(f, metadata.ClassNullReferenceException, msgNullReference)
	}
	o, ok := v.ref.(*Object)
	if !ok || fld.Slot >= len(o.Fields) || !o.Class.IsSubclassOf(fld.DeclaringClass) {
		return nil, t.fault(f, metadata.ClassInvalidCastException, msgInvalidCast)
	}
	return o, nil
}

// array checks that v is a non-null array.
func (t *Thread) array(f *Frame, v Value) (*Array, error) {
	if v.IsNull() {
		return nil, t.fault(f, metadata.ClassNullReferenceException, msgNullReference)
	}
	a, ok := v.ref.(*Array)
	if !ok {
		return nil, t.fault(f, metadata.ClassInvalidCastException, msgInvalidCast)
	}
	return a, nil
}
