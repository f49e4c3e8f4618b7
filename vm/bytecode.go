package vm

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode is an internal bytecode instruction. Every arithmetic, compare and
// convert opcode is specialized for the stack kinds it consumes, so the
// dispatch loop never inspects operand types.
type Opcode byte

// Stack operations
const (
	OpNop       Opcode = 0x00 // no operation
	OpPop       Opcode = 0x01 // discard top of stack
	OpDup       Opcode = 0x02 // duplicate top of stack
	OpSafepoint Opcode = 0x03 // poll cancellation and suspension
)

// Constants
const (
	OpLdNull Opcode = 0x10 // push null
	OpLdcI4  Opcode = 0x11 // push 32-bit integer (4 bytes)
	OpLdcI8  Opcode = 0x12 // push 64-bit integer (8 bytes)
	OpLdcR8  Opcode = 0x13 // push float64 (8 bytes)
	OpLdStr  Opcode = 0x14 // push string from data table (16-bit index)
)

// Argument and local slots
const (
	OpLdSlot Opcode = 0x18 // push slot (16-bit index)
	OpStSlot Opcode = 0x19 // pop into slot (16-bit index)
)

// Arithmetic
const (
	OpAddI4 Opcode = 0x20 + iota
	OpAddI8
	OpAddR8
	OpSubI4
	OpSubI8
	OpSubR8
	OpMulI4
	OpMulI8
	OpMulR8
	OpDivI4
	OpDivI8
	OpDivR8
	OpDivUnI4
	OpDivUnI8
	OpRemI4
	OpRemI8
	OpRemR8
	OpRemUnI4
	OpRemUnI8
	OpNegI4
	OpNegI8
	OpNegR8
)

// Bitwise and shifts. Shift counts are always I4.
const (
	OpAndI4 Opcode = 0x38 + iota
	OpAndI8
	OpOrI4
	OpOrI8
	OpXorI4
	OpXorI8
	OpNotI4
	OpNotI8
	OpShlI4
	OpShlI8
	OpShrI4
	OpShrI8
	OpShrUnI4
	OpShrUnI8
)

// Overflow-checked arithmetic
const (
	OpAddOvfI4 Opcode = 0x48 + iota
	OpAddOvfI8
	OpAddOvfUnI4
	OpAddOvfUnI8
	OpSubOvfI4
	OpSubOvfI8
	OpSubOvfUnI4
	OpSubOvfUnI8
	OpMulOvfI4
	OpMulOvfI8
	OpMulOvfUnI4
	OpMulOvfUnI8
	OpCkfinite
)

// Comparisons. Each pops two operands of the same kind and pushes an I4.
const (
	OpCeqI4 Opcode = 0x58 + iota
	OpCeqI8
	OpCeqR8
	OpCeqRef
	OpCgtI4
	OpCgtI8
	OpCgtR8
	OpCgtUnI4
	OpCgtUnI8
	OpCgtUnR8
	OpCgtUnRef
	OpCltI4
	OpCltI8
	OpCltR8
	OpCltUnI4
	OpCltUnI8
	OpCltUnR8
)

// Conversions, named source then destination.
const (
	OpConvI4I8 Opcode = 0x70 + iota
	OpConvU4I8
	OpConvI4R8
	OpConvU4R8
	OpConvI8I4
	OpConvI8R8
	OpConvU8R8
	OpConvR8I4
	OpConvR8U4
	OpConvR8I8
	OpConvR8U8
	OpConvR8R4
	OpConvI1
	OpConvU1
	OpConvI2
	OpConvU2
)

// Control flow. Branch operands are absolute bytecode offsets.
const (
	OpBr      Opcode = 0x80 // jump (32-bit target)
	OpBrTrue  Opcode = 0x81 // pop, jump if non-zero or non-null
	OpBrFalse Opcode = 0x82 // pop, jump if zero or null
	OpSwitch  Opcode = 0x83 // pop I4, jump table (32-bit count, count 32-bit targets)
	OpLeave   Opcode = 0x84 // empty the stack, jump (32-bit target)
)

// Calls and returns
const (
	OpCall     Opcode = 0x88 // call method (16-bit data index)
	OpCallVirt Opcode = 0x89 // null-checked, virtually dispatched call (16-bit data index)
	OpNewObj   Opcode = 0x8A // allocate and run constructor (16-bit data index)
	OpRet      Opcode = 0x8B // return top of stack
	OpRetVoid  Opcode = 0x8C // return without a value
)

// Objects, fields and arrays
const (
	OpLdFld     Opcode = 0x90 // pop object, push field (16-bit data index)
	OpStFld     Opcode = 0x91 // pop value and object, store field (16-bit data index)
	OpLdSFld    Opcode = 0x92 // push static field (16-bit data index)
	OpStSFld    Opcode = 0x93 // pop into static field (16-bit data index)
	OpNewArr    Opcode = 0x94 // pop length, push array (16-bit data index)
	OpLdLen     Opcode = 0x95 // pop array, push I8 length
	OpLdElem    Opcode = 0x96 // pop index and array, push element
	OpStElem    Opcode = 0x97 // pop value, index and array, store element
	OpCastClass Opcode = 0x98 // check reference type or raise (16-bit data index)
	OpIsInst    Opcode = 0x99 // replace reference with null unless it is an instance (16-bit data index)
)

// Exception handling
const (
	OpThrow       Opcode = 0xA0 // pop and raise
	OpRethrow     Opcode = 0xA1 // re-raise the exception being handled
	OpCallFinally Opcode = 0xA2 // run a finally handler (16-bit clause index)
	OpEndFinally  Opcode = 0xA3 // end of finally or fault handler
	OpEndFilter   Opcode = 0xA4 // pop I4, end of filter block
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name         string // human-readable name
	OperandBytes int    // fixed operand bytes; switch adds its table
	Branch       bool   // operand is a branch target
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpNop:       {"NOP", 0, false},
	OpPop:       {"POP", 0, false},
	OpDup:       {"DUP", 0, false},
	OpSafepoint: {"SAFEPOINT", 0, false},

	OpLdNull: {"LDNULL", 0, false},
	OpLdcI4:  {"LDC_I4", 4, false},
	OpLdcI8:  {"LDC_I8", 8, false},
	OpLdcR8:  {"LDC_R8", 8, false},
	OpLdStr:  {"LDSTR", 2, false},

	OpLdSlot: {"LDSLOT", 2, false},
	OpStSlot: {"STSLOT", 2, false},

	OpAddI4: {"ADD_I4", 0, false}, OpAddI8: {"ADD_I8", 0, false}, OpAddR8: {"ADD_R8", 0, false},
	OpSubI4: {"SUB_I4", 0, false}, OpSubI8: {"SUB_I8", 0, false}, OpSubR8: {"SUB_R8", 0, false},
	OpMulI4: {"MUL_I4", 0, false}, OpMulI8: {"MUL_I8", 0, false}, OpMulR8: {"MUL_R8", 0, false},
	OpDivI4: {"DIV_I4", 0, false}, OpDivI8: {"DIV_I8", 0, false}, OpDivR8: {"DIV_R8", 0, false},
	OpDivUnI4: {"DIV_UN_I4", 0, false}, OpDivUnI8: {"DIV_UN_I8", 0, false},
	OpRemI4: {"REM_I4", 0, false}, OpRemI8: {"REM_I8", 0, false}, OpRemR8: {"REM_R8", 0, false},
	OpRemUnI4: {"REM_UN_I4", 0, false}, OpRemUnI8: {"REM_UN_I8", 0, false},
	OpNegI4: {"NEG_I4", 0, false}, OpNegI8: {"NEG_I8", 0, false}, OpNegR8: {"NEG_R8", 0, false},

	OpAndI4: {"AND_I4", 0, false}, OpAndI8: {"AND_I8", 0, false},
	OpOrI4: {"OR_I4", 0, false}, OpOrI8: {"OR_I8", 0, false},
	OpXorI4: {"XOR_I4", 0, false}, OpXorI8: {"XOR_I8", 0, false},
	OpNotI4: {"NOT_I4", 0, false}, OpNotI8: {"NOT_I8", 0, false},
	OpShlI4: {"SHL_I4", 0, false}, OpShlI8: {"SHL_I8", 0, false},
	OpShrI4: {"SHR_I4", 0, false}, OpShrI8: {"SHR_I8", 0, false},
	OpShrUnI4: {"SHR_UN_I4", 0, false}, OpShrUnI8: {"SHR_UN_I8", 0, false},

	OpAddOvfI4: {"ADD_OVF_I4", 0, false}, OpAddOvfI8: {"ADD_OVF_I8", 0, false},
	OpAddOvfUnI4: {"ADD_OVF_UN_I4", 0, false}, OpAddOvfUnI8: {"ADD_OVF_UN_I8", 0, false},
	OpSubOvfI4: {"SUB_OVF_I4", 0, false}, OpSubOvfI8: {"SUB_OVF_I8", 0, false},
	OpSubOvfUnI4: {"SUB_OVF_UN_I4", 0, false}, OpSubOvfUnI8: {"SUB_OVF_UN_I8", 0, false},
	OpMulOvfI4: {"MUL_OVF_I4", 0, false}, OpMulOvfI8: {"MUL_OVF_I8", 0, false},
	OpMulOvfUnI4: {"MUL_OVF_UN_I4", 0, false}, OpMulOvfUnI8: {"MUL_OVF_UN_I8", 0, false},
	OpCkfinite: {"CKFINITE", 0, false},

	OpCeqI4: {"CEQ_I4", 0, false}, OpCeqI8: {"CEQ_I8", 0, false},
	OpCeqR8: {"CEQ_R8", 0, false}, OpCeqRef: {"CEQ_REF", 0, false},
	OpCgtI4: {"CGT_I4", 0, false}, OpCgtI8: {"CGT_I8", 0, false}, OpCgtR8: {"CGT_R8", 0, false},
	OpCgtUnI4: {"CGT_UN_I4", 0, false}, OpCgtUnI8: {"CGT_UN_I8", 0, false},
	OpCgtUnR8: {"CGT_UN_R8", 0, false}, OpCgtUnRef: {"CGT_UN_REF", 0, false},
	OpCltI4: {"CLT_I4", 0, false}, OpCltI8: {"CLT_I8", 0, false}, OpCltR8: {"CLT_R8", 0, false},
	OpCltUnI4: {"CLT_UN_I4", 0, false}, OpCltUnI8: {"CLT_UN_I8", 0, false}, OpCltUnR8: {"CLT_UN_R8", 0, false},

	OpConvI4I8: {"CONV_I4_I8", 0, false}, OpConvU4I8: {"CONV_U4_I8", 0, false},
	OpConvI4R8: {"CONV_I4_R8", 0, false}, OpConvU4R8: {"CONV_U4_R8", 0, false},
	OpConvI8I4: {"CONV_I8_I4", 0, false}, OpConvI8R8: {"CONV_I8_R8", 0, false},
	OpConvU8R8: {"CONV_U8_R8", 0, false}, OpConvR8I4: {"CONV_R8_I4", 0, false},
	OpConvR8U4: {"CONV_R8_U4", 0, false}, OpConvR8I8: {"CONV_R8_I8", 0, false},
	OpConvR8U8: {"CONV_R8_U8", 0, false}, OpConvR8R4: {"CONV_R8_R4", 0, false},
	OpConvI1: {"CONV_I1", 0, false}, OpConvU1: {"CONV_U1", 0, false},
	OpConvI2: {"CONV_I2", 0, false}, OpConvU2: {"CONV_U2", 0, false},

	OpBr:      {"BR", 4, true},
	OpBrTrue:  {"BRTRUE", 4, true},
	OpBrFalse: {"BRFALSE", 4, true},
	OpSwitch:  {"SWITCH", 4, true},
	OpLeave:   {"LEAVE", 4, true},

	OpCall:     {"CALL", 2, false},
	OpCallVirt: {"CALLVIRT", 2, false},
	OpNewObj:   {"NEWOBJ", 2, false},
	OpRet:      {"RET", 0, false},
	OpRetVoid:  {"RET_VOID", 0, false},

	OpLdFld:     {"LDFLD", 2, false},
	OpStFld:     {"STFLD", 2, false},
	OpLdSFld:    {"LDSFLD", 2, false},
	OpStSFld:    {"STSFLD", 2, false},
	OpNewArr:    {"NEWARR", 2, false},
	OpLdLen:     {"LDLEN", 0, false},
	OpLdElem:    {"LDELEM", 0, false},
	OpStElem:    {"STELEM", 0, false},
	OpCastClass: {"CASTCLASS", 2, false},
	OpIsInst:    {"ISINST", 2, false},

	OpThrow:       {"THROW", 0, false},
	OpRethrow:     {"RETHROW", 0, false},
	OpCallFinally: {"CALLFINALLY", 2, false},
	OpEndFinally:  {"ENDFINALLY", 0, false},
	OpEndFilter:   {"ENDFILTER", 0, false},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// Size returns the encoded size of an instruction. Switch instructions also
// carry 4 bytes per target.
func (op Opcode) Size(targets int) int {
	n := 1 + op.Info().OperandBytes
	if op == OpSwitch {
		n += 4 * targets
	}
	return n
}

func (op Opcode) String() string {
	return op.Name()
}

// ---------------------------------------------------------------------------
// BytecodeBuilder: encodes instructions
// ---------------------------------------------------------------------------

// BytecodeBuilder appends encoded instructions to a buffer. When the buffer
// is created with enough capacity the result shares its backing array.
type BytecodeBuilder struct {
	bytes []byte
}

// NewBytecodeBuilder creates a builder writing into buf[:0].
func NewBytecodeBuilder(buf []byte) *BytecodeBuilder {
	if buf == nil {
		buf = make([]byte, 0, 64)
	}
	return &BytecodeBuilder{bytes: buf[:0]}
}

// Bytes returns the encoded bytecode.
func (b *BytecodeBuilder) Bytes() []byte {
	return b.bytes
}

// Len returns the current length.
func (b *BytecodeBuilder) Len() int {
	return len(b.bytes)
}

// Emit appends an opcode with no operands.
func (b *BytecodeBuilder) Emit(op Opcode) {
	b.bytes = append(b.bytes, byte(op))
}

// EmitUint16 appends an opcode with a 16-bit operand.
func (b *BytecodeBuilder) EmitUint16(op Opcode, operand uint16) {
	b.bytes = append(b.bytes, byte(op))
	b.bytes = binary.LittleEndian.AppendUint16(b.bytes, operand)
}

// EmitInt32 appends an opcode with a 32-bit operand.
func (b *BytecodeBuilder) EmitInt32(op Opcode, operand int32) {
	b.bytes = append(b.bytes, byte(op))
	b.bytes = binary.LittleEndian.AppendUint32(b.bytes, uint32(operand))
}

// EmitInt64 appends an opcode with a 64-bit operand.
func (b *BytecodeBuilder) EmitInt64(op Opcode, operand int64) {
	b.bytes = append(b.bytes, byte(op))
	b.bytes = binary.LittleEndian.AppendUint64(b.bytes, uint64(operand))
}

// EmitFloat64 appends an opcode with a float64 operand.
func (b *BytecodeBuilder) EmitFloat64(op Opcode, operand float64) {
	b.bytes = append(b.bytes, byte(op))
	b.bytes = binary.LittleEndian.AppendUint64(b.bytes, math.Float64bits(operand))
}

// EmitSwitch appends a switch with absolute targets.
func (b *BytecodeBuilder) EmitSwitch(targets []int32) {
	b.bytes = append(b.bytes, byte(OpSwitch))
	b.bytes = binary.LittleEndian.AppendUint32(b.bytes, uint32(len(targets)))
	for _, t := range targets {
		b.bytes = binary.LittleEndian.AppendUint32(b.bytes, uint32(t))
	}
}

// ---------------------------------------------------------------------------
// Bytecode reader for disassembly
// ---------------------------------------------------------------------------

// BytecodeReader reads bytecode for disassembly and validation.
type BytecodeReader struct {
	bytes []byte
	pos   int
}

// NewBytecodeReader creates a reader for bytecode.
func NewBytecodeReader(bc []byte) *BytecodeReader {
	return &BytecodeReader{bytes: bc}
}

// Position returns the current read position.
func (r *BytecodeReader) Position() int {
	return r.pos
}

// HasMore returns true if there are more bytes to read.
func (r *BytecodeReader) HasMore() bool {
	return r.pos < len(r.bytes)
}

func (r *BytecodeReader) need(n int) {
	if r.pos+n > len(r.bytes) {
		panic("bytecode underflow")
	}
}

// ReadOpcode reads and returns the next opcode.
func (r *BytecodeReader) ReadOpcode() Opcode {
	r.need(1)
	op := Opcode(r.bytes[r.pos])
	r.pos++
	return op
}

// ReadUint16 reads a 16-bit operand.
func (r *BytecodeReader) ReadUint16() uint16 {
	r.need(2)
	v := binary.LittleEndian.Uint16(r.bytes[r.pos:])
	r.pos += 2
	return v
}

// ReadInt32 reads a 32-bit operand.
func (r *BytecodeReader) ReadInt32() int32 {
	r.need(4)
	v := binary.LittleEndian.Uint32(r.bytes[r.pos:])
	r.pos += 4
	return int32(v)
}

// ReadInt64 reads a 64-bit operand.
func (r *BytecodeReader) ReadInt64() int64 {
	r.need(8)
	v := binary.LittleEndian.Uint64(r.bytes[r.pos:])
	r.pos += 8
	return int64(v)
}

// ReadFloat64 reads a float64 operand.
func (r *BytecodeReader) ReadFloat64() float64 {
	return math.Float64frombits(uint64(r.ReadInt64()))
}

// Skip advances the position by n bytes.
func (r *BytecodeReader) Skip(n int) {
	r.pos += n
}

// Seek sets the read position.
func (r *BytecodeReader) Seek(pos int) {
	r.pos = pos
}

// Instruction is one decoded bytecode instruction.
type Instruction struct {
	Offset  int
	Op      Opcode
	Operand int64
	Float   float64
	Targets []int
}

// Size returns the encoded size of the instruction.
func (in Instruction) Size() int { return in.Op.Size(len(in.Targets)) }

// ReadInstruction decodes the instruction at the reader's position.
func (r *BytecodeReader) ReadInstruction() Instruction {
	in := Instruction{Offset: r.pos, Op: r.ReadOpcode()}
	switch in.Op {
	case OpLdcI4:
		in.Operand = int64(r.ReadInt32())
	case OpLdcI8:
		in.Operand = r.ReadInt64()
	case OpLdcR8:
		in.Float = r.ReadFloat64()
	case OpBr, OpBrTrue, OpBrFalse, OpLeave:
		in.Operand = int64(r.ReadInt32())
		in.Targets = []int{int(in.Operand)}
	case OpSwitch:
		n := int(uint32(r.ReadInt32()))
		r.need(4 * n)
		in.Operand = int64(n)
		in.Targets = make([]int, n)
		for i := range in.Targets {
			in.Targets[i] = int(r.ReadInt32())
		}
	default:
		switch in.Op.Info().OperandBytes {
		case 2:
			in.Operand = int64(r.ReadUint16())
		default:
			r.Skip(in.Op.Info().OperandBytes)
		}
	}
	return in
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleInstruction renders a single instruction. Data table operands
// are resolved through data when it is non-nil.
func DisassembleInstruction(in Instruction, data []DataItem) string {
	name := in.Op.Name()
	switch in.Op {
	case OpLdcI4, OpLdcI8, OpLdSlot, OpStSlot:
		return fmt.Sprintf("%04d  %s %d", in.Offset, name, in.Operand)
	case OpLdcR8:
		return fmt.Sprintf("%04d  %s %g", in.Offset, name, in.Float)
	case OpBr, OpBrTrue, OpBrFalse, OpLeave:
		return fmt.Sprintf("%04d  %s -> %04d", in.Offset, name, in.Operand)
	case OpSwitch:
		parts := make([]string, len(in.Targets))
		for i, t := range in.Targets {
			parts[i] = fmt.Sprintf("%04d", t)
		}
		return fmt.Sprintf("%04d  %s (%s)", in.Offset, name, strings.Join(parts, ", "))
	case OpCallFinally:
		return fmt.Sprintf("%04d  %s clause=%d", in.Offset, name, in.Operand)
	}
	if in.Op.Info().OperandBytes == 2 {
		idx := int(in.Operand)
		if idx < len(data) {
			return fmt.Sprintf("%04d  %s #%d (%s)", in.Offset, name, idx, data[idx].String())
		}
		return fmt.Sprintf("%04d  %s #%d", in.Offset, name, idx)
	}
	return fmt.Sprintf("%04d  %s", in.Offset, name)
}

// DisassembleCode returns a listing of raw bytecode without data table
// names.
func DisassembleCode(bc []byte) string {
	r := NewBytecodeReader(bc)
	var lines []string
	for r.HasMore() {
		lines = append(lines, DisassembleInstruction(r.ReadInstruction(), nil))
	}
	return strings.Join(lines, "\n")
}
