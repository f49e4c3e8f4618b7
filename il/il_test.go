package il

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpcodeTable(t *testing.T) {
	assert.Equal(t, "ceq", Ceq.String())
	assert.True(t, Ceq.IsTwoByte())
	assert.Equal(t, 2, Ceq.Size())
	assert.Equal(t, 1, Add.Size())

	op, ok := Lookup("brtrue.s")
	require.True(t, ok)
	assert.Equal(t, BrtrueS, op)

	_, ok = Lookup("frobnicate")
	assert.False(t, ok)
	assert.False(t, Opcode(0x24).Known())
	assert.Contains(t, Opcode(0x24).String(), "unknown")
}

func TestDecodeOperands(t *testing.T) {
	code := []byte{
		byte(LdcI4S), 0xFE, // ldc.i4.s -2
		byte(LdcI4), 0x78, 0x56, 0x34, 0x12, // ldc.i4 0x12345678
		0xFE, 0x0C, 0x05, 0x00, // ldloc 5
		byte(Call), 0x01, 0x00, 0x00, 0x06, // call 0x06000001
		byte(BrS), 0xFE, // br.s to itself
	}
	ins, err := DecodeAll(code)
	require.NoError(t, err)
	require.Len(t, ins, 5)

	assert.Equal(t, int64(-2), ins[0].Int)
	assert.Equal(t, int64(0x12345678), ins[1].Int)
	assert.Equal(t, Ldloc, ins[2].Op)
	assert.Equal(t, 4, ins[2].Size)
	assert.Equal(t, int64(5), ins[2].Int)
	assert.Equal(t, uint32(0x06000001), ins[3].Token())
	assert.Equal(t, []int{ins[4].Offset}, ins[4].Targets)
}

func TestDecodeErrors(t *testing.T) {
	cases := []struct {
		name string
		code []byte
		want error
	}{
		{"truncated operand", []byte{byte(LdcI4), 1, 2}, ErrTruncated},
		{"truncated prefix", []byte{0xFE}, ErrTruncated},
		{"unknown", []byte{0x24}, ErrUnknownOpcode},
		{"unknown two byte", []byte{0xFE, 0x08}, ErrUnknownOpcode},
		{"truncated switch", []byte{byte(Switch), 2, 0, 0, 0, 0, 0, 0, 0}, ErrTruncated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeAll(tc.code)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
			var de *DecodeError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, 0, de.Offset)
		})
	}
}

func TestAssemblerBranches(t *testing.T) {
	a := NewAssembler()
	loop := a.NewLabel()
	done := a.NewLabel()
	a.Mark(loop)
	a.Emit(Ldarg0)
	a.EmitBranch(BrfalseS, done)
	a.EmitBranch(Br, loop)
	a.Mark(done)
	a.Emit(Ret)

	code, err := a.Bytes()
	require.NoError(t, err)
	ins, err := DecodeAll(code)
	require.NoError(t, err)
	require.Len(t, ins, 4)
	assert.Equal(t, []int{done.Position()}, ins[1].Targets)
	assert.Equal(t, []int{0}, ins[2].Targets)
}

func TestAssemblerErrors(t *testing.T) {
	a := NewAssembler()
	a.EmitBranch(BrS, a.NamedLabel("nowhere"))
	_, err := a.Bytes()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nowhere")

	a = NewAssembler()
	far := a.NewLabel()
	a.EmitBranch(BrS, far)
	for i := 0; i < 200; i++ {
		a.Emit(Nop)
	}
	a.Mark(far)
	_, err = a.Bytes()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestEmitLdcI4(t *testing.T) {
	for _, v := range []int32{-1, 0, 8, 9, -100, 1000, -1 << 31} {
		a := NewAssembler()
		a.EmitLdcI4(v)
		code, err := a.Bytes()
		require.NoError(t, err)
		in, err := Decode(code, 0)
		require.NoError(t, err)
		switch {
		case v >= -1 && v <= 8:
			assert.Equal(t, LdcI40+Opcode(v), in.Op)
		case v >= -128 && v <= 127:
			assert.Equal(t, LdcI4S, in.Op)
			assert.Equal(t, int64(v), in.Int)
		default:
			assert.Equal(t, LdcI4, in.Op)
			assert.Equal(t, int64(v), in.Int)
		}
	}
}

func TestAssembleText(t *testing.T) {
	src := `
	// counts down from arg 0
	top:	ldarg.0
		brfalse.s done ; exit when zero
		ldarg.0
		ldc.i4.1
		sub
		starg.s 0
		br top
	done:
		ldstr "a;b // c"
		call Helper.Run
		switch (top, done)
		ldc.r8 2.5
		ret
	`
	var seen []string
	p, err := Assemble(src, func(op Opcode, operand string) (uint32, error) {
		seen = append(seen, fmt.Sprintf("%s %s", op, operand))
		return 0x70000001, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ldstr a;b // c", "call Helper.Run"}, seen)
	assert.Equal(t, 0, p.Labels["top"])

	ins, err := DecodeAll(p.Code)
	require.NoError(t, err)
	assert.Equal(t, BrfalseS, ins[1].Op)
	assert.Equal(t, []int{p.Labels["done"]}, ins[1].Targets)
	var sw Instruction
	for _, in := range ins {
		if in.Op == Switch {
			sw = in
		}
	}
	assert.Equal(t, []int{p.Labels["top"], p.Labels["done"]}, sw.Targets)
}

func TestAssembleTextErrors(t *testing.T) {
	_, err := Assemble("bogus\nldc.i4.s 1000\nbr missing\nx: nop\nx: nop", nil)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "line 1")
	assert.Contains(t, msg, "line 2")
	assert.Contains(t, msg, "line 5")

	_, err = Assemble("call Foo", nil)
	require.Error(t, err)

	p, err := Assemble("call 0x06000002\nret", nil)
	require.NoError(t, err)
	in, err := Decode(p.Code, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x06000002), in.Token())
}
