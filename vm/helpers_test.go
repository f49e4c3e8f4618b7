package vm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chazu/mint/metadata"
)

// loadSource builds an image from TOML source with a fresh loader.
func loadSource(t *testing.T, src string) *metadata.Image {
	t.Helper()
	img, err := metadata.NewLoader(nil).Load([]byte(src))
	require.NoError(t, err)
	return img
}

func mustMethod(t *testing.T, img *metadata.Image, ref string) *metadata.Method {
	t.Helper()
	m, err := img.Method(ref)
	require.NoError(t, err)
	return m
}

// run invokes ref on a new runtime.
func run(t *testing.T, src, ref string, args ...Value) (Value, error) {
	t.Helper()
	img := loadSource(t, src)
	rt := NewRuntime(WithUnhandledHandler(func(*UnhandledError) {}))
	return rt.Invoke(context.Background(), mustMethod(t, img, ref), args...)
}

// runI4 invokes ref and requires an int32 result.
func runI4(t *testing.T, src, ref string, args ...Value) int32 {
	t.Helper()
	v, err := run(t, src, ref, args...)
	require.NoError(t, err)
	require.Equal(t, KindI4, v.Kind())
	return v.I4()
}

// staticMethod wraps a single static method body in an image source.
func staticMethod(name, returns string, params []string, locals []string, code string) string {
	src := "name = \"t\"\n[[class]]\nnamespace = \"T\"\nname = \"P\"\n"
	src += "  [[class.method]]\n  name = \"" + name + "\"\n  static = true\n"
	if returns != "" {
		src += "  returns = \"" + returns + "\"\n"
	}
	if len(params) > 0 {
		src += "  params = " + tomlList(params) + "\n"
	}
	if len(locals) > 0 {
		src += "  locals = " + tomlList(locals) + "\n"
	}
	src += "  code = \"\"\"\n" + code + "\n\"\"\"\n"
	return src
}

func tomlList(items []string) string {
	out := "["
	for i, s := range items {
		if i > 0 {
			out += ", "
		}
		out += "\"" + s + "\""
	}
	return out + "]"
}
