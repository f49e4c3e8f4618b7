package vm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/mint/il"
	"github.com/chazu/mint/metadata"
)

func TestDisassembleReadyMethod(t *testing.T) {
	img := loadSource(t, loopSource)
	m, err := NewRuntime().GetOrTransform(mustMethod(t, img, "Loops.Program::Guarded"))
	require.NoError(t, err)

	out := Disassemble(m)
	assert.Contains(t, out, "method Loops.Program::Guarded [ready]\n")
	assert.Contains(t, out, "returns i4")
	assert.Contains(t, out, fmt.Sprintf("fingerprint %016x\n", m.Fingerprint()))
	assert.Contains(t, out, "  clause 0 finally try [")
	assert.Contains(t, out, "  IL_0000:\n")
	assert.Contains(t, out, "CALLFINALLY clause=0")
	assert.Contains(t, out, "LEAVE -> ")
	assert.NotContains(t, out, "error:")
}

func TestDisassembleShowsData(t *testing.T) {
	img := loadSource(t, staticMethod("Greet", "string", nil, nil, `ldstr "hi"
ret`))
	m, err := NewRuntime().GetOrTransform(mustMethod(t, img, "T.P::Greet"))
	require.NoError(t, err)

	out := Disassemble(m)
	assert.Contains(t, out, `  data #0 "hi"`)
	assert.Contains(t, out, `LDSTR #0 ("hi")`)
}

func TestDisassembleFailedMethod(t *testing.T) {
	img := metadata.NewImage("raw", metadata.NewCoreImage())
	desc := rawMethod(img, "Bad", &metadata.Signature{}, &metadata.MethodHeader{
		Code: []byte{byte(il.Pop), byte(il.Ret)},
	})
	rt := NewRuntime()
	_, err := rt.GetOrTransform(desc)
	require.Error(t, err)
	mm, _ := rt.Manager(img)
	m, ok := mm.Lookup(desc)
	require.True(t, ok)

	out := Disassemble(m)
	assert.Contains(t, out, "method Raw.C::Bad [failed]\n")
	assert.Contains(t, out, "  error: ")
	assert.NotContains(t, out, "  code\n")
}
