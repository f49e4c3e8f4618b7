// Package il describes the CIL instruction set consumed by the transformer:
// the opcode table, a decoder for encoded method bodies, and assemblers used
// to produce bodies for images and tests.
package il

import "fmt"

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode is a CIL opcode. Two-byte opcodes carry the 0xFE prefix in the high
// byte, so Ceq is 0xFE01.
type Opcode uint16

// Prefix is the first byte of every two-byte opcode.
const Prefix byte = 0xFE

// Base instructions
const (
	Nop     Opcode = 0x00
	Break   Opcode = 0x01
	Ldarg0  Opcode = 0x02
	Ldarg1  Opcode = 0x03
	Ldarg2  Opcode = 0x04
	Ldarg3  Opcode = 0x05
	Ldloc0  Opcode = 0x06
	Ldloc1  Opcode = 0x07
	Ldloc2  Opcode = 0x08
	Ldloc3  Opcode = 0x09
	Stloc0  Opcode = 0x0A
	Stloc1  Opcode = 0x0B
	Stloc2  Opcode = 0x0C
	Stloc3  Opcode = 0x0D
	LdargS  Opcode = 0x0E
	LdargaS Opcode = 0x0F
	StargS  Opcode = 0x10
	LdlocS  Opcode = 0x11
	LdlocaS Opcode = 0x12
	StlocS  Opcode = 0x13
	Ldnull  Opcode = 0x14
	LdcI4M1 Opcode = 0x15
	LdcI40  Opcode = 0x16
	LdcI41  Opcode = 0x17
	LdcI42  Opcode = 0x18
	LdcI43  Opcode = 0x19
	LdcI44  Opcode = 0x1A
	LdcI45  Opcode = 0x1B
	LdcI46  Opcode = 0x1C
	LdcI47  Opcode = 0x1D
	LdcI48  Opcode = 0x1E
	LdcI4S  Opcode = 0x1F
	LdcI4   Opcode = 0x20
	LdcI8   Opcode = 0x21
	LdcR4   Opcode = 0x22
	LdcR8   Opcode = 0x23
	Dup     Opcode = 0x25
	Pop     Opcode = 0x26
	Jmp     Opcode = 0x27
	Call    Opcode = 0x28
	Calli   Opcode = 0x29
	Ret     Opcode = 0x2A
)

// Branches
const (
	BrS      Opcode = 0x2B
	BrfalseS Opcode = 0x2C
	BrtrueS  Opcode = 0x2D
	BeqS     Opcode = 0x2E
	BgeS     Opcode = 0x2F
	BgtS     Opcode = 0x30
	BleS     Opcode = 0x31
	BltS     Opcode = 0x32
	BneUnS   Opcode = 0x33
	BgeUnS   Opcode = 0x34
	BgtUnS   Opcode = 0x35
	BleUnS   Opcode = 0x36
	BltUnS   Opcode = 0x37
	Br       Opcode = 0x38
	Brfalse  Opcode = 0x39
	Brtrue   Opcode = 0x3A
	Beq      Opcode = 0x3B
	Bge      Opcode = 0x3C
	Bgt      Opcode = 0x3D
	Ble      Opcode = 0x3E
	Blt      Opcode = 0x3F
	BneUn    Opcode = 0x40
	BgeUn    Opcode = 0x41
	BgtUn    Opcode = 0x42
	BleUn    Opcode = 0x43
	BltUn    Opcode = 0x44
	Switch   Opcode = 0x45
)

// Indirect loads and stores
const (
	LdindI1  Opcode = 0x46
	LdindU1  Opcode = 0x47
	LdindI2  Opcode = 0x48
	LdindU2  Opcode = 0x49
	LdindI4  Opcode = 0x4A
	LdindU4  Opcode = 0x4B
	LdindI8  Opcode = 0x4C
	LdindI   Opcode = 0x4D
	LdindR4  Opcode = 0x4E
	LdindR8  Opcode = 0x4F
	LdindRef Opcode = 0x50
	StindRef Opcode = 0x51
	StindI1  Opcode = 0x52
	StindI2  Opcode = 0x53
	StindI4  Opcode = 0x54
	StindI8  Opcode = 0x55
	StindR4  Opcode = 0x56
	StindR8  Opcode = 0x57
)

// Arithmetic and conversion
const (
	Add    Opcode = 0x58
	Sub    Opcode = 0x59
	Mul    Opcode = 0x5A
	Div    Opcode = 0x5B
	DivUn  Opcode = 0x5C
	Rem    Opcode = 0x5D
	RemUn  Opcode = 0x5E
	And    Opcode = 0x5F
	Or     Opcode = 0x60
	Xor    Opcode = 0x61
	Shl    Opcode = 0x62
	Shr    Opcode = 0x63
	ShrUn  Opcode = 0x64
	Neg    Opcode = 0x65
	Not    Opcode = 0x66
	ConvI1 Opcode = 0x67
	ConvI2 Opcode = 0x68
	ConvI4 Opcode = 0x69
	ConvI8 Opcode = 0x6A
	ConvR4 Opcode = 0x6B
	ConvR8 Opcode = 0x6C
	ConvU4 Opcode = 0x6D
	ConvU8 Opcode = 0x6E
)

// Object model
const (
	Callvirt    Opcode = 0x6F
	Cpobj       Opcode = 0x70
	Ldobj       Opcode = 0x71
	Ldstr       Opcode = 0x72
	Newobj      Opcode = 0x73
	Castclass   Opcode = 0x74
	Isinst      Opcode = 0x75
	ConvRUn     Opcode = 0x76
	Unbox       Opcode = 0x79
	Throw       Opcode = 0x7A
	Ldfld       Opcode = 0x7B
	Ldflda      Opcode = 0x7C
	Stfld       Opcode = 0x7D
	Ldsfld      Opcode = 0x7E
	Ldsflda     Opcode = 0x7F
	Stsfld      Opcode = 0x80
	Stobj       Opcode = 0x81
	ConvOvfI1Un Opcode = 0x82
	ConvOvfI2Un Opcode = 0x83
	ConvOvfI4Un Opcode = 0x84
	ConvOvfI8Un Opcode = 0x85
	ConvOvfU1Un Opcode = 0x86
	ConvOvfU2Un Opcode = 0x87
	ConvOvfU4Un Opcode = 0x88
	ConvOvfU8Un Opcode = 0x89
	ConvOvfIUn  Opcode = 0x8A
	ConvOvfUUn  Opcode = 0x8B
	Box         Opcode = 0x8C
	Newarr      Opcode = 0x8D
	Ldlen       Opcode = 0x8E
	Ldelema     Opcode = 0x8F
)

// Array elements
const (
	LdelemI1  Opcode = 0x90
	LdelemU1  Opcode = 0x91
	LdelemI2  Opcode = 0x92
	LdelemU2  Opcode = 0x93
	LdelemI4  Opcode = 0x94
	LdelemU4  Opcode = 0x95
	LdelemI8  Opcode = 0x96
	LdelemI   Opcode = 0x97
	LdelemR4  Opcode = 0x98
	LdelemR8  Opcode = 0x99
	LdelemRef Opcode = 0x9A
	StelemI   Opcode = 0x9B
	StelemI1  Opcode = 0x9C
	StelemI2  Opcode = 0x9D
	StelemI4  Opcode = 0x9E
	StelemI8  Opcode = 0x9F
	StelemR4  Opcode = 0xA0
	StelemR8  Opcode = 0xA1
	StelemRef Opcode = 0xA2
	Ldelem    Opcode = 0xA3
	Stelem    Opcode = 0xA4
	UnboxAny  Opcode = 0xA5
)

// Checked conversions and arithmetic
const (
	ConvOvfI1  Opcode = 0xB3
	ConvOvfU1  Opcode = 0xB4
	ConvOvfI2  Opcode = 0xB5
	ConvOvfU2  Opcode = 0xB6
	ConvOvfI4  Opcode = 0xB7
	ConvOvfU4  Opcode = 0xB8
	ConvOvfI8  Opcode = 0xB9
	ConvOvfU8  Opcode = 0xBA
	Refanyval  Opcode = 0xC2
	Ckfinite   Opcode = 0xC3
	Mkrefany   Opcode = 0xC6
	Ldtoken    Opcode = 0xD0
	ConvU2     Opcode = 0xD1
	ConvU1     Opcode = 0xD2
	ConvI      Opcode = 0xD3
	ConvOvfI   Opcode = 0xD4
	ConvOvfU   Opcode = 0xD5
	AddOvf     Opcode = 0xD6
	AddOvfUn   Opcode = 0xD7
	MulOvf     Opcode = 0xD8
	MulOvfUn   Opcode = 0xD9
	SubOvf     Opcode = 0xDA
	SubOvfUn   Opcode = 0xDB
	Endfinally Opcode = 0xDC
	Leave      Opcode = 0xDD
	LeaveS     Opcode = 0xDE
	StindI     Opcode = 0xDF
	ConvU      Opcode = 0xE0
)

// Two-byte instructions
const (
	Arglist     Opcode = 0xFE00
	Ceq         Opcode = 0xFE01
	Cgt         Opcode = 0xFE02
	CgtUn       Opcode = 0xFE03
	Clt         Opcode = 0xFE04
	CltUn       Opcode = 0xFE05
	Ldftn       Opcode = 0xFE06
	Ldvirtftn   Opcode = 0xFE07
	Ldarg       Opcode = 0xFE09
	Ldarga      Opcode = 0xFE0A
	Starg       Opcode = 0xFE0B
	Ldloc       Opcode = 0xFE0C
	Ldloca      Opcode = 0xFE0D
	Stloc       Opcode = 0xFE0E
	Localloc    Opcode = 0xFE0F
	Endfilter   Opcode = 0xFE11
	Unaligned   Opcode = 0xFE12
	Volatile    Opcode = 0xFE13
	Tail        Opcode = 0xFE14
	Initobj     Opcode = 0xFE15
	Constrained Opcode = 0xFE16
	Cpblk       Opcode = 0xFE17
	Initblk     Opcode = 0xFE18
	No          Opcode = 0xFE19
	Rethrow     Opcode = 0xFE1A
	Sizeof      Opcode = 0xFE1C
	Refanytype  Opcode = 0xFE1D
	Readonly    Opcode = 0xFE1E
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OperandKind describes the inline operand that follows an opcode.
type OperandKind uint8

const (
	OperandNone        OperandKind = iota
	OperandShortI      // signed 8-bit immediate
	OperandShortVar    // unsigned 8-bit argument or local index
	OperandVar         // unsigned 16-bit argument or local index
	OperandI4          // 32-bit immediate
	OperandI8          // 64-bit immediate
	OperandR4          // 32-bit float
	OperandR8          // 64-bit float
	OperandToken       // 32-bit metadata token
	OperandShortBranch // signed 8-bit displacement
	OperandBranch      // signed 32-bit displacement
	OperandSwitch      // 32-bit count followed by count 32-bit displacements
)

// Size returns the fixed encoded size of the operand. Switch operands report
// only the count field.
func (k OperandKind) Size() int {
	switch k {
	case OperandShortI, OperandShortVar, OperandShortBranch:
		return 1
	case OperandVar:
		return 2
	case OperandI4, OperandR4, OperandToken, OperandBranch, OperandSwitch:
		return 4
	case OperandI8, OperandR8:
		return 8
	}
	return 0
}

// Flow classifies how an instruction affects control flow.
type Flow uint8

const (
	FlowNext Flow = iota
	FlowBranch
	FlowCondBranch
	FlowCall
	FlowReturn
	FlowThrow
	FlowMeta // prefix instructions
)

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name    string
	Operand OperandKind
	Flow    Flow
}

var opcodeTable = map[Opcode]OpcodeInfo{
	Nop: {"nop", OperandNone, FlowNext}, Break: {"break", OperandNone, FlowNext},
	Ldarg0: {"ldarg.0", OperandNone, FlowNext}, Ldarg1: {"ldarg.1", OperandNone, FlowNext},
	Ldarg2: {"ldarg.2", OperandNone, FlowNext}, Ldarg3: {"ldarg.3", OperandNone, FlowNext},
	Ldloc0: {"ldloc.0", OperandNone, FlowNext}, Ldloc1: {"ldloc.1", OperandNone, FlowNext},
	Ldloc2: {"ldloc.2", OperandNone, FlowNext}, Ldloc3: {"ldloc.3", OperandNone, FlowNext},
	Stloc0: {"stloc.0", OperandNone, FlowNext}, Stloc1: {"stloc.1", OperandNone, FlowNext},
	Stloc2: {"stloc.2", OperandNone, FlowNext}, Stloc3: {"stloc.3", OperandNone, FlowNext},
	LdargS: {"ldarg.s", OperandShortVar, FlowNext}, LdargaS: {"ldarga.s", OperandShortVar, FlowNext},
	StargS: {"starg.s", OperandShortVar, FlowNext}, LdlocS: {"ldloc.s", OperandShortVar, FlowNext},
	LdlocaS: {"ldloca.s", OperandShortVar, FlowNext}, StlocS: {"stloc.s", OperandShortVar, FlowNext},
	Ldnull: {"ldnull", OperandNone, FlowNext}, LdcI4M1: {"ldc.i4.m1", OperandNone, FlowNext},
	LdcI40: {"ldc.i4.0", OperandNone, FlowNext}, LdcI41: {"ldc.i4.1", OperandNone, FlowNext},
	LdcI42: {"ldc.i4.2", OperandNone, FlowNext}, LdcI43: {"ldc.i4.3", OperandNone, FlowNext},
	LdcI44: {"ldc.i4.4", OperandNone, FlowNext}, LdcI45: {"ldc.i4.5", OperandNone, FlowNext},
	LdcI46: {"ldc.i4.6", OperandNone, FlowNext}, LdcI47: {"ldc.i4.7", OperandNone, FlowNext},
	LdcI48: {"ldc.i4.8", OperandNone, FlowNext}, LdcI4S: {"ldc.i4.s", OperandShortI, FlowNext},
	LdcI4: {"ldc.i4", OperandI4, FlowNext}, LdcI8: {"ldc.i8", OperandI8, FlowNext},
	LdcR4: {"ldc.r4", OperandR4, FlowNext}, LdcR8: {"ldc.r8", OperandR8, FlowNext},
	Dup: {"dup", OperandNone, FlowNext}, Pop: {"pop", OperandNone, FlowNext},
	Jmp: {"jmp", OperandToken, FlowCall}, Call: {"call", OperandToken, FlowCall},
	Calli: {"calli", OperandToken, FlowCall}, Ret: {"ret", OperandNone, FlowReturn},

	BrS: {"br.s", OperandShortBranch, FlowBranch}, BrfalseS: {"brfalse.s", OperandShortBranch, FlowCondBranch},
	BrtrueS: {"brtrue.s", OperandShortBranch, FlowCondBranch}, BeqS: {"beq.s", OperandShortBranch, FlowCondBranch},
	BgeS: {"bge.s", OperandShortBranch, FlowCondBranch}, BgtS: {"bgt.s", OperandShortBranch, FlowCondBranch},
	BleS: {"ble.s", OperandShortBranch, FlowCondBranch}, BltS: {"blt.s", OperandShortBranch, FlowCondBranch},
	BneUnS: {"bne.un.s", OperandShortBranch, FlowCondBranch}, BgeUnS: {"bge.un.s", OperandShortBranch, FlowCondBranch},
	BgtUnS: {"bgt.un.s", OperandShortBranch, FlowCondBranch}, BleUnS: {"ble.un.s", OperandShortBranch, FlowCondBranch},
	BltUnS: {"blt.un.s", OperandShortBranch, FlowCondBranch}, Br: {"br", OperandBranch, FlowBranch},
	Brfalse: {"brfalse", OperandBranch, FlowCondBranch}, Brtrue: {"brtrue", OperandBranch, FlowCondBranch},
	Beq: {"beq", OperandBranch, FlowCondBranch}, Bge: {"bge", OperandBranch, FlowCondBranch},
	Bgt: {"bgt", OperandBranch, FlowCondBranch}, Ble: {"ble", OperandBranch, FlowCondBranch},
	Blt: {"blt", OperandBranch, FlowCondBranch}, BneUn: {"bne.un", OperandBranch, FlowCondBranch},
	BgeUn: {"bge.un", OperandBranch, FlowCondBranch}, BgtUn: {"bgt.un", OperandBranch, FlowCondBranch},
	BleUn: {"ble.un", OperandBranch, FlowCondBranch}, BltUn: {"blt.un", OperandBranch, FlowCondBranch},
	Switch: {"switch", OperandSwitch, FlowCondBranch},

	LdindI1: {"ldind.i1", OperandNone, FlowNext}, LdindU1: {"ldind.u1", OperandNone, FlowNext},
	LdindI2: {"ldind.i2", OperandNone, FlowNext}, LdindU2: {"ldind.u2", OperandNone, FlowNext},
	LdindI4: {"ldind.i4", OperandNone, FlowNext}, LdindU4: {"ldind.u4", OperandNone, FlowNext},
	LdindI8: {"ldind.i8", OperandNone, FlowNext}, LdindI: {"ldind.i", OperandNone, FlowNext},
	LdindR4: {"ldind.r4", OperandNone, FlowNext}, LdindR8: {"ldind.r8", OperandNone, FlowNext},
	LdindRef: {"ldind.ref", OperandNone, FlowNext}, StindRef: {"stind.ref", OperandNone, FlowNext},
	StindI1: {"stind.i1", OperandNone, FlowNext}, StindI2: {"stind.i2", OperandNone, FlowNext},
	StindI4: {"stind.i4", OperandNone, FlowNext}, StindI8: {"stind.i8", OperandNone, FlowNext},
	StindR4: {"stind.r4", OperandNone, FlowNext}, StindR8: {"stind.r8", OperandNone, FlowNext},

	Add: {"add", OperandNone, FlowNext}, Sub: {"sub", OperandNone, FlowNext},
	Mul: {"mul", OperandNone, FlowNext}, Div: {"div", OperandNone, FlowNext},
	DivUn: {"div.un", OperandNone, FlowNext}, Rem: {"rem", OperandNone, FlowNext},
	RemUn: {"rem.un", OperandNone, FlowNext}, And: {"and", OperandNone, FlowNext},
	Or: {"or", OperandNone, FlowNext}, Xor: {"xor", OperandNone, FlowNext},
	Shl: {"shl", OperandNone, FlowNext}, Shr: {"shr", OperandNone, FlowNext},
	ShrUn: {"shr.un", OperandNone, FlowNext}, Neg: {"neg", OperandNone, FlowNext},
	Not: {"not", OperandNone, FlowNext}, ConvI1: {"conv.i1", OperandNone, FlowNext},
	ConvI2: {"conv.i2", OperandNone, FlowNext}, ConvI4: {"conv.i4", OperandNone, FlowNext},
	ConvI8: {"conv.i8", OperandNone, FlowNext}, ConvR4: {"conv.r4", OperandNone, FlowNext},
	ConvR8: {"conv.r8", OperandNone, FlowNext}, ConvU4: {"conv.u4", OperandNone, FlowNext},
	ConvU8: {"conv.u8", OperandNone, FlowNext},

	Callvirt: {"callvirt", OperandToken, FlowCall}, Cpobj: {"cpobj", OperandToken, FlowNext},
	Ldobj: {"ldobj", OperandToken, FlowNext}, Ldstr: {"ldstr", OperandToken, FlowNext},
	Newobj: {"newobj", OperandToken, FlowCall}, Castclass: {"castclass", OperandToken, FlowNext},
	Isinst: {"isinst", OperandToken, FlowNext}, ConvRUn: {"conv.r.un", OperandNone, FlowNext},
	Unbox: {"unbox", OperandToken, FlowNext}, Throw: {"throw", OperandNone, FlowThrow},
	Ldfld: {"ldfld", OperandToken, FlowNext}, Ldflda: {"ldflda", OperandToken, FlowNext},
	Stfld: {"stfld", OperandToken, FlowNext}, Ldsfld: {"ldsfld", OperandToken, FlowNext},
	Ldsflda: {"ldsflda", OperandToken, FlowNext}, Stsfld: {"stsfld", OperandToken, FlowNext},
	Stobj: {"stobj", OperandToken, FlowNext},
	ConvOvfI1Un: {"conv.ovf.i1.un", OperandNone, FlowNext}, ConvOvfI2Un: {"conv.ovf.i2.un", OperandNone, FlowNext},
	ConvOvfI4Un: {"conv.ovf.i4.un", OperandNone, FlowNext}, ConvOvfI8Un: {"conv.ovf.i8.un", OperandNone, FlowNext},
	ConvOvfU1Un: {"conv.ovf.u1.un", OperandNone, FlowNext}, ConvOvfU2Un: {"conv.ovf.u2.un", OperandNone, FlowNext},
	ConvOvfU4Un: {"conv.ovf.u4.un", OperandNone, FlowNext}, ConvOvfU8Un: {"conv.ovf.u8.un", OperandNone, FlowNext},
	ConvOvfIUn: {"conv.ovf.i.un", OperandNone, FlowNext}, ConvOvfUUn: {"conv.ovf.u.un", OperandNone, FlowNext},
	Box: {"box", OperandToken, FlowNext}, Newarr: {"newarr", OperandToken, FlowNext},
	Ldlen: {"ldlen", OperandNone, FlowNext}, Ldelema: {"ldelema", OperandToken, FlowNext},

	LdelemI1: {"ldelem.i1", OperandNone, FlowNext}, LdelemU1: {"ldelem.u1", OperandNone, FlowNext},
	LdelemI2: {"ldelem.i2", OperandNone, FlowNext}, LdelemU2: {"ldelem.u2", OperandNone, FlowNext},
	LdelemI4: {"ldelem.i4", OperandNone, FlowNext}, LdelemU4: {"ldelem.u4", OperandNone, FlowNext},
	LdelemI8: {"ldelem.i8", OperandNone, FlowNext}, LdelemI: {"ldelem.i", OperandNone, FlowNext},
	LdelemR4: {"ldelem.r4", OperandNone, FlowNext}, LdelemR8: {"ldelem.r8", OperandNone, FlowNext},
	LdelemRef: {"ldelem.ref", OperandNone, FlowNext}, StelemI: {"stelem.i", OperandNone, FlowNext},
	StelemI1: {"stelem.i1", OperandNone, FlowNext}, StelemI2: {"stelem.i2", OperandNone, FlowNext},
	StelemI4: {"stelem.i4", OperandNone, FlowNext}, StelemI8: {"stelem.i8", OperandNone, FlowNext},
	StelemR4: {"stelem.r4", OperandNone, FlowNext}, StelemR8: {"stelem.r8", OperandNone, FlowNext},
	StelemRef: {"stelem.ref", OperandNone, FlowNext}, Ldelem: {"ldelem", OperandToken, FlowNext},
	Stelem: {"stelem", OperandToken, FlowNext}, UnboxAny: {"unbox.any", OperandToken, FlowNext},

	ConvOvfI1: {"conv.ovf.i1", OperandNone, FlowNext}, ConvOvfU1: {"conv.ovf.u1", OperandNone, FlowNext},
	ConvOvfI2: {"conv.ovf.i2", OperandNone, FlowNext}, ConvOvfU2: {"conv.ovf.u2", OperandNone, FlowNext},
	ConvOvfI4: {"conv.ovf.i4", OperandNone, FlowNext}, ConvOvfU4: {"conv.ovf.u4", OperandNone, FlowNext},
	ConvOvfI8: {"conv.ovf.i8", OperandNone, FlowNext}, ConvOvfU8: {"conv.ovf.u8", OperandNone, FlowNext},
	Refanyval: {"refanyval", OperandToken, FlowNext}, Ckfinite: {"ckfinite", OperandNone, FlowNext},
	Mkrefany: {"mkrefany", OperandToken, FlowNext}, Ldtoken: {"ldtoken", OperandToken, FlowNext},
	ConvU2: {"conv.u2", OperandNone, FlowNext}, ConvU1: {"conv.u1", OperandNone, FlowNext},
	ConvI: {"conv.i", OperandNone, FlowNext}, ConvOvfI: {"conv.ovf.i", OperandNone, FlowNext},
	ConvOvfU: {"conv.ovf.u", OperandNone, FlowNext}, AddOvf: {"add.ovf", OperandNone, FlowNext},
	AddOvfUn: {"add.ovf.un", OperandNone, FlowNext}, MulOvf: {"mul.ovf", OperandNone, FlowNext},
	MulOvfUn: {"mul.ovf.un", OperandNone, FlowNext}, SubOvf: {"sub.ovf", OperandNone, FlowNext},
	SubOvfUn: {"sub.ovf.un", OperandNone, FlowNext}, Endfinally: {"endfinally", OperandNone, FlowReturn},
	Leave: {"leave", OperandBranch, FlowBranch}, LeaveS: {"leave.s", OperandShortBranch, FlowBranch},
	StindI: {"stind.i", OperandNone, FlowNext}, ConvU: {"conv.u", OperandNone, FlowNext},

	Arglist: {"arglist", OperandNone, FlowNext}, Ceq: {"ceq", OperandNone, FlowNext},
	Cgt: {"cgt", OperandNone, FlowNext}, CgtUn: {"cgt.un", OperandNone, FlowNext},
	Clt: {"clt", OperandNone, FlowNext}, CltUn: {"clt.un", OperandNone, FlowNext},
	Ldftn: {"ldftn", OperandToken, FlowNext}, Ldvirtftn: {"ldvirtftn", OperandToken, FlowNext},
	Ldarg: {"ldarg", OperandVar, FlowNext}, Ldarga: {"ldarga", OperandVar, FlowNext},
	Starg: {"starg", OperandVar, FlowNext}, Ldloc: {"ldloc", OperandVar, FlowNext},
	Ldloca: {"ldloca", OperandVar, FlowNext}, Stloc: {"stloc", OperandVar, FlowNext},
	Localloc: {"localloc", OperandNone, FlowNext}, Endfilter: {"endfilter", OperandNone, FlowReturn},
	Unaligned: {"unaligned.", OperandShortVar, FlowMeta}, Volatile: {"volatile.", OperandNone, FlowMeta},
	Tail: {"tail.", OperandNone, FlowMeta}, Initobj: {"initobj", OperandToken, FlowNext},
	Constrained: {"constrained.", OperandToken, FlowMeta}, Cpblk: {"cpblk", OperandNone, FlowNext},
	Initblk: {"initblk", OperandNone, FlowNext}, No: {"no.", OperandShortVar, FlowMeta},
	Rethrow: {"rethrow", OperandNone, FlowThrow}, Sizeof: {"sizeof", OperandToken, FlowNext},
	Refanytype: {"refanytype", OperandNone, FlowNext}, Readonly: {"readonly.", OperandNone, FlowMeta},
}

var byName map[string]Opcode

func init() {
	byName = make(map[string]Opcode, len(opcodeTable))
	for op, info := range opcodeTable {
		byName[info.Name] = op
	}
}

// Lookup returns the opcode with the given mnemonic.
func Lookup(name string) (Opcode, bool) {
	op, ok := byName[name]
	return op, ok
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("unknown_%04X", uint16(op))}
}

// Known reports whether op is a defined CIL opcode.
func (op Opcode) Known() bool {
	_, ok := opcodeTable[op]
	return ok
}

// IsTwoByte reports whether op is encoded with the 0xFE prefix.
func (op Opcode) IsTwoByte() bool {
	return op > 0xFF
}

// Size returns the encoded size of the opcode itself.
func (op Opcode) Size() int {
	if op.IsTwoByte() {
		return 2
	}
	return 1
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Info().Name
}
