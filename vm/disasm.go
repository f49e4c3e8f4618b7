package vm

import (
	"fmt"
	"strings"

	"github.com/chazu/mint/metadata"
)

// Disassemble renders a transformed method: its frame shape, clause table,
// data table and code, with each IL instruction's offset marked where its
// lowering starts.
func Disassemble(m *Method) string {
	var b strings.Builder
	fmt.Fprintf(&b, "method %s [%s]\n", m.Name(), m.State())
	if m.State() != StateReady {
		if err := m.Err(); err != nil {
			fmt.Fprintf(&b, "  error: %v\n", err)
		}
		return b.String()
	}

	fmt.Fprintf(&b, "  args %d, locals %d, frame %d bytes, max stack %d, returns %s\n",
		m.NumArgs, m.NumLocals, m.FrameSize, m.MaxStack, m.ReturnKind)
	fmt.Fprintf(&b, "  il %d bytes, code %d bytes, fingerprint %016x\n", m.ILSize, len(m.Code), m.Fingerprint())
	if len(m.SlotKinds) > 0 {
		kinds := make([]string, len(m.SlotKinds))
		for i, k := range m.SlotKinds {
			kinds[i] = k.String()
		}
		fmt.Fprintf(&b, "  slots (%s)\n", strings.Join(kinds, ", "))
	}
	for i, l := range m.Locals {
		fmt.Fprintf(&b, "  local %d at +%d size %d align %d\n", i, l.Offset, l.Size, l.Align)
	}

	for i, c := range m.Clauses {
		fmt.Fprintf(&b, "  clause %d %s try [%04d, %04d) handler [%04d, %04d)", i, c.Kind, c.TryStart, c.TryEnd, c.HandlerStart, c.HandlerEnd)
		switch {
		case c.Class != nil:
			fmt.Fprintf(&b, " catches %s", c.Class.FullName())
		case c.Kind == metadata.ClauseFilter:
			fmt.Fprintf(&b, " filter %04d", c.FilterStart)
		}
		b.WriteByte('\n')
	}

	for i := range m.Data {
		fmt.Fprintf(&b, "  data #%d %s\n", i, m.Data[i].String())
	}

	b.WriteString("  code\n")
	next := 0
	r := NewBytecodeReader(m.Code)
	for r.HasMore() {
		in := r.ReadInstruction()
		for next < len(m.ILMap) && m.ILMap[next].Offset <= in.Offset {
			if m.ILMap[next].Offset == in.Offset {
				fmt.Fprintf(&b, "  IL_%04x:\n", m.ILMap[next].IL)
			}
			next++
		}
		b.WriteString("    ")
		b.WriteString(DisassembleInstruction(in, m.Data))
		b.WriteByte('\n')
	}
	return b.String()
}
