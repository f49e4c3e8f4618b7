package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/mint/metadata"
	"github.com/chazu/mint/vm"
)

func writeFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadKeepsDefaultsForOmittedKeys(t *testing.T) {
	path := writeFile(t, t.TempDir(), `
[runtime]
max-frame-depth = 50

[trace]
enabled = true

[log]
verbosity = 2
`)
	c, err := Load(path)
	require.NoError(t, err)

	d := Default()
	assert.Equal(t, 50, c.Runtime.MaxFrameDepth)
	assert.Equal(t, d.Runtime.InitialStackSlots, c.Runtime.InitialStackSlots)
	assert.Equal(t, d.Runtime.MaxStackSlots, c.Runtime.MaxStackSlots)
	assert.Equal(t, d.Arena.BlockSize, c.Arena.BlockSize)
	assert.True(t, c.Trace.Enabled)
	assert.False(t, c.Trace.Steps)
	assert.Equal(t, 2, c.Log.Verbosity)
	assert.True(t, filepath.IsAbs(c.Path))
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot read")
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeFile(t, dir, "[runtime\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse error in")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"zero initial stack", "[runtime]\ninitial-stack-slots = 0", "initial-stack-slots"},
		{"max below initial", "[runtime]\ninitial-stack-slots = 64\nmax-stack-slots = 32", "max-stack-slots"},
		{"negative depth", "[runtime]\nmax-frame-depth = -1", "max-frame-depth"},
		{"tiny blocks", "[arena]\nblock-size = 16", "block-size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestFindAndLoadWalksUp(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "[runtime]\nmax-frame-depth = 7\n")
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	c, err := FindAndLoad(nested)
	require.NoError(t, err)
	assert.Equal(t, 7, c.Runtime.MaxFrameDepth)
}

func TestOptionsApplyLimits(t *testing.T) {
	c, err := Parse([]byte("[runtime]\nmax-frame-depth = 10\n"))
	require.NoError(t, err)

	img, err := metadata.NewLoader(nil).Load([]byte(`
name = "cfg"
[[class]]
namespace = "C"
name = "P"
  [[class.method]]
  name = "Down"
  static = true
  code = """
      call C.P::Down
      ret
  """
`))
	require.NoError(t, err)
	desc, err := img.Method("C.P::Down")
	require.NoError(t, err)

	prof := vm.NewProfiler()
	rt := vm.NewRuntime(c.Options(prof)...)
	_, err = rt.Invoke(context.Background(), desc)
	require.ErrorIs(t, err, vm.ErrStackExhausted)

	m, err := rt.GetOrTransform(desc)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), prof.Profile(m).Calls.Load())
}
