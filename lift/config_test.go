package lift

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFallbackMode(t *testing.T) {
	golden := []struct {
		s    string
		want FallbackMode
	}{
		{s: "none", want: FallbackNone},
		{s: "error", want: FallbackError},
		{s: "error1", want: FallbackError1},
		{s: "basic", want: FallbackBasic},
		{s: "Extended", want: FallbackExtended},
		{s: "unfallback", want: FallbackUnfallback},
	}
	for _, g := range golden {
		var mode FallbackMode
		require.NoError(t, mode.Set(g.s))
		assert.Equal(t, g.want, mode)
		text, err := mode.MarshalText()
		require.NoError(t, err)
		var got FallbackMode
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, g.want, got)
	}
	var mode FallbackMode
	assert.Error(t, mode.Set("fast"))
	assert.Equal(t, "unknown", FallbackMode(42).String())
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracelift.yml")
	const src = `
arch:
  addr_size: 64
  stack_pointer: R_RSP
fallback: extended
debug: 2
recover_functions: false
plt_stub_size: 16
`
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Arch.AddrSize)
	assert.Equal(t, 8, cfg.Arch.WordSize())
	assert.Equal(t, "R_RSP", cfg.Arch.StackPointer)
	// Unspecified fields keep their default values.
	assert.Equal(t, "PC", cfg.Arch.PC)
	assert.Equal(t, "tb_", cfg.BlockPrefix)
	assert.Equal(t, FallbackExtended, cfg.Fallback)
	assert.Equal(t, 2, cfg.DebugLevel)
	assert.False(t, cfg.RecoverFunctions)
	size, err := cfg.stubSize()
	require.NoError(t, err)
	assert.Equal(t, 16, size)
}

func TestLoadConfigInvalid(t *testing.T) {
	dir := t.TempDir()
	golden := []string{
		"fallback: fast\n",
		"arch:\n  addr_size: 48\n",
		"max_tail_depth: -1\n",
		"jump_table_cap: 0\n",
	}
	for i, src := range golden {
		path := filepath.Join(dir, "cfg.yml")
		require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
		_, err := LoadConfig(path)
		assert.Error(t, err, "case %d: %q", i, src)
	}
	_, err := LoadConfig(filepath.Join(dir, "missing.yml"))
	assert.Error(t, err)
}

func TestDefaultStubSize(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	size, err := cfg.stubSize()
	require.NoError(t, err)
	assert.Equal(t, 6, size)
}
