package il

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/hashicorp/go-multierror"
)

// ---------------------------------------------------------------------------
// Assembler: builds encoded method bodies
// ---------------------------------------------------------------------------

// Label marks a position in the body being assembled. Branches may refer to
// a label before it is marked.
type Label struct {
	name     string
	position int
	marked   bool
}

// Name returns the label's name, if it has one.
func (l *Label) Name() string { return l.name }

// Position returns the marked offset, or -1 if the label is unmarked.
func (l *Label) Position() int {
	if !l.marked {
		return -1
	}
	return l.position
}

type fixup struct {
	at     int // position of the displacement field
	end    int // offset the displacement is relative to
	short  bool
	label  *Label
	origin int // offset of the referencing instruction
}

// Assembler constructs CIL method bodies. Emit methods never fail; errors
// such as unmarked labels or short branches out of range surface from Bytes.
type Assembler struct {
	buf    []byte
	fixups []fixup
}

// NewAssembler creates an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{buf: make([]byte, 0, 64)}
}

// Len returns the current body length.
func (a *Assembler) Len() int {
	return len(a.buf)
}

func (a *Assembler) op(op Opcode) {
	if op.IsTwoByte() {
		a.buf = append(a.buf, Prefix, byte(op))
		return
	}
	a.buf = append(a.buf, byte(op))
}

// Emit appends an instruction without operands.
func (a *Assembler) Emit(op Opcode) *Assembler {
	a.op(op)
	return a
}

// EmitI1 appends an instruction with a signed 8-bit operand.
func (a *Assembler) EmitI1(op Opcode, v int8) *Assembler {
	a.op(op)
	a.buf = append(a.buf, byte(v))
	return a
}

// EmitU1 appends an instruction with an unsigned 8-bit operand.
func (a *Assembler) EmitU1(op Opcode, v uint8) *Assembler {
	a.op(op)
	a.buf = append(a.buf, v)
	return a
}

// EmitU2 appends an instruction with an unsigned 16-bit operand.
func (a *Assembler) EmitU2(op Opcode, v uint16) *Assembler {
	a.op(op)
	a.buf = binary.LittleEndian.AppendUint16(a.buf, v)
	return a
}

// EmitI4 appends an instruction with a 32-bit operand.
func (a *Assembler) EmitI4(op Opcode, v int32) *Assembler {
	a.op(op)
	a.buf = binary.LittleEndian.AppendUint32(a.buf, uint32(v))
	return a
}

// EmitI8 appends an instruction with a 64-bit operand.
func (a *Assembler) EmitI8(op Opcode, v int64) *Assembler {
	a.op(op)
	a.buf = binary.LittleEndian.AppendUint64(a.buf, uint64(v))
	return a
}

// EmitR4 appends an instruction with a 32-bit float operand.
func (a *Assembler) EmitR4(op Opcode, v float32) *Assembler {
	a.op(op)
	a.buf = binary.LittleEndian.AppendUint32(a.buf, math.Float32bits(v))
	return a
}

// EmitR8 appends an instruction with a 64-bit float operand.
func (a *Assembler) EmitR8(op Opcode, v float64) *Assembler {
	a.op(op)
	a.buf = binary.LittleEndian.AppendUint64(a.buf, math.Float64bits(v))
	return a
}

// EmitToken appends an instruction with a metadata token operand.
func (a *Assembler) EmitToken(op Opcode, token uint32) *Assembler {
	a.op(op)
	a.buf = binary.LittleEndian.AppendUint32(a.buf, token)
	return a
}

// EmitLdcI4 appends the shortest encoding that loads v.
func (a *Assembler) EmitLdcI4(v int32) *Assembler {
	switch {
	case v >= -1 && v <= 8:
		return a.Emit(LdcI40 + Opcode(v))
	case v >= math.MinInt8 && v <= math.MaxInt8:
		return a.EmitI1(LdcI4S, int8(v))
	}
	return a.EmitI4(LdcI4, v)
}

// NewLabel creates an unmarked label.
func (a *Assembler) NewLabel() *Label {
	return &Label{}
}

// NamedLabel creates an unmarked label with a name for error messages.
func (a *Assembler) NamedLabel(name string) *Label {
	return &Label{name: name}
}

// Mark binds a label to the current position.
func (a *Assembler) Mark(l *Label) *Assembler {
	if l.marked {
		panic(fmt.Sprintf("il: label %q marked twice", l.name))
	}
	l.marked = true
	l.position = len(a.buf)
	return a
}

// EmitBranch appends a branch or leave instruction targeting l.
func (a *Assembler) EmitBranch(op Opcode, l *Label) *Assembler {
	origin := len(a.buf)
	a.op(op)
	short := op.Info().Operand == OperandShortBranch
	at := len(a.buf)
	if short {
		a.buf = append(a.buf, 0)
	} else {
		a.buf = append(a.buf, 0, 0, 0, 0)
	}
	a.fixups = append(a.fixups, fixup{at: at, end: len(a.buf), short: short, label: l, origin: origin})
	return a
}

// EmitSwitch appends a switch over the given targets.
func (a *Assembler) EmitSwitch(targets ...*Label) *Assembler {
	origin := len(a.buf)
	a.op(Switch)
	a.buf = binary.LittleEndian.AppendUint32(a.buf, uint32(len(targets)))
	first := len(a.buf)
	a.buf = append(a.buf, make([]byte, 4*len(targets))...)
	end := len(a.buf)
	for i, l := range targets {
		a.fixups = append(a.fixups, fixup{at: first + 4*i, end: end, label: l, origin: origin})
	}
	return a
}

// Bytes resolves every branch and returns the encoded body.
func (a *Assembler) Bytes() ([]byte, error) {
	var errs *multierror.Error
	for _, f := range a.fixups {
		if !f.label.marked {
			errs = multierror.Append(errs, fmt.Errorf("il: IL_%04x: branch to unmarked label %q", f.origin, f.label.name))
			continue
		}
		d := f.label.position - f.end
		if f.short {
			if d < math.MinInt8 || d > math.MaxInt8 {
				errs = multierror.Append(errs, fmt.Errorf("il: IL_%04x: short branch displacement %d out of range", f.origin, d))
				continue
			}
			a.buf[f.at] = byte(int8(d))
			continue
		}
		binary.LittleEndian.PutUint32(a.buf[f.at:], uint32(int32(d)))
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	out := make([]byte, len(a.buf))
	copy(out, a.buf)
	return out, nil
}
