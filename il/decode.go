package il

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrTruncated reports an instruction whose operand runs past the body.
	ErrTruncated = errors.New("il: truncated instruction")

	// ErrUnknownOpcode reports a byte sequence that names no CIL opcode.
	ErrUnknownOpcode = errors.New("il: unknown opcode")
)

// DecodeError locates a decoding failure.
type DecodeError struct {
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("IL_%04x: %v", e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Instruction is a decoded CIL instruction.
type Instruction struct {
	Offset  int
	Size    int
	Op      Opcode
	Int     int64   // immediates, indices and tokens
	Float   float64 // ldc.r4 and ldc.r8
	Targets []int   // absolute IL offsets of branch and switch targets
}

// Next returns the offset of the following instruction.
func (in *Instruction) Next() int {
	return in.Offset + in.Size
}

// Token returns the metadata token operand.
func (in *Instruction) Token() uint32 {
	return uint32(in.Int)
}

// Decode decodes the instruction starting at off.
func Decode(code []byte, off int) (Instruction, error) {
	in := Instruction{Offset: off}
	if off < 0 || off >= len(code) {
		return in, &DecodeError{Offset: off, Err: ErrTruncated}
	}
	pos := off
	op := Opcode(code[pos])
	pos++
	if code[off] == Prefix {
		if pos >= len(code) {
			return in, &DecodeError{Offset: off, Err: ErrTruncated}
		}
		op = Opcode(uint16(Prefix)<<8 | uint16(code[pos]))
		pos++
	}
	info, ok := opcodeTable[op]
	if !ok {
		return in, &DecodeError{Offset: off, Err: fmt.Errorf("%w 0x%X", ErrUnknownOpcode, uint16(op))}
	}
	in.Op = op

	need := info.Operand.Size()
	if pos+need > len(code) {
		return in, &DecodeError{Offset: off, Err: ErrTruncated}
	}
	raw := code[pos:]
	switch info.Operand {
	case OperandShortI:
		in.Int = int64(int8(raw[0]))
	case OperandShortVar:
		in.Int = int64(raw[0])
	case OperandVar:
		in.Int = int64(binary.LittleEndian.Uint16(raw))
	case OperandI4:
		in.Int = int64(int32(binary.LittleEndian.Uint32(raw)))
	case OperandToken:
		in.Int = int64(binary.LittleEndian.Uint32(raw))
	case OperandI8:
		in.Int = int64(binary.LittleEndian.Uint64(raw))
	case OperandR4:
		in.Float = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw)))
	case OperandR8:
		in.Float = math.Float64frombits(binary.LittleEndian.Uint64(raw))
	case OperandShortBranch:
		end := pos + 1
		in.Targets = []int{end + int(int8(raw[0]))}
	case OperandBranch:
		end := pos + 4
		in.Targets = []int{end + int(int32(binary.LittleEndian.Uint32(raw)))}
	case OperandSwitch:
		n := binary.LittleEndian.Uint32(raw)
		if uint64(n) > uint64(len(code)) || pos+4+int(n)*4 > len(code) {
			return in, &DecodeError{Offset: off, Err: ErrTruncated}
		}
		end := pos + 4 + int(n)*4
		in.Targets = make([]int, n)
		for i := range in.Targets {
			d := int32(binary.LittleEndian.Uint32(raw[4+i*4:]))
			in.Targets[i] = end + int(d)
		}
		need += int(n) * 4
	}
	in.Size = pos + need - off
	return in, nil
}

// DecodeAll decodes every instruction of a method body in order.
func DecodeAll(code []byte) ([]Instruction, error) {
	var out []Instruction
	for off := 0; off < len(code); {
		in, err := Decode(code, off)
		if err != nil {
			return out, err
		}
		out = append(out, in)
		off = in.Next()
	}
	return out, nil
}

// String renders an instruction in assembler syntax.
func (in *Instruction) String() string {
	info := in.Op.Info()
	switch info.Operand {
	case OperandNone:
		return fmt.Sprintf("IL_%04x: %s", in.Offset, info.Name)
	case OperandR4, OperandR8:
		return fmt.Sprintf("IL_%04x: %s %g", in.Offset, info.Name, in.Float)
	case OperandToken:
		return fmt.Sprintf("IL_%04x: %s 0x%08x", in.Offset, info.Name, uint32(in.Int))
	case OperandShortBranch, OperandBranch:
		return fmt.Sprintf("IL_%04x: %s IL_%04x", in.Offset, info.Name, in.Targets[0])
	case OperandSwitch:
		s := fmt.Sprintf("IL_%04x: %s (", in.Offset, info.Name)
		for i, t := range in.Targets {
			if i > 0 {
				s += ", "
			}
			s += fmt.Sprintf("IL_%04x", t)
		}
		return s + ")"
	}
	return fmt.Sprintf("IL_%04x: %s %d", in.Offset, info.Name, in.Int)
}
