package config

import (
	"bytes"
	"debug/elf"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/flagext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, uint64(0x1000), c.Loader.PageSize)
	assert.Equal(t, "init_module", c.Loader.EntrySymbol)
	assert.Equal(t, flagext.StringSliceCSV{".text.vdso", ".data.vdso"}, c.VDSO.Sections)
	assert.Equal(t, "__vdso_end", c.VDSO.EndSymbol)

	var viaFlagext Config
	flagext.DefaultValues(&viaFlagext)
	assert.Equal(t, c, &viaFlagext)
}

const overrides = `
log_level: debug
loader:
  page_size: 16384
  machines: aarch64,riscv
vdso:
  target: 0x7fff00000000
arena:
  base: 0x100000
`

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prelink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(overrides), 0o644))

	c := Default()
	require.NoError(t, c.LoadFile(path))
	require.NoError(t, c.Validate())

	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, uint64(16384), c.Loader.PageSize)
	assert.Equal(t, "init_module", c.Loader.EntrySymbol, "keys missing from the file keep their defaults")
	machines, err := c.Loader.ParseMachines()
	require.NoError(t, err)
	assert.Equal(t, []elf.Machine{elf.EM_AARCH64, elf.EM_RISCV}, machines)
	assert.Equal(t, uint64(0x7fff00000000), c.VDSO.Target)
	assert.Equal(t, uint64(0x100000), c.Arena.Base)
	assert.Equal(t, uint64(0x40000000), c.Arena.Size)
}

func TestLoadErrors(t *testing.T) {
	c := Default()
	require.Error(t, c.LoadBytes([]byte("unknown_key: 1\n")))
	require.Error(t, c.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"page size":       func(c *Config) { c.Loader.PageSize = 1000 },
		"machine":         func(c *Config) { c.Loader.Machines = []string{"vax"} },
		"vdso target":     func(c *Config) { c.VDSO.Target = 0x1234 },
		"arena size":      func(c *Config) { c.Arena.Size = 0 },
		"arena base":      func(c *Config) { c.Arena.Base = 0x1001 },
		"arena wraps":     func(c *Config) { c.Arena.Base, c.Arena.Size = 0xfffffffffffff000, 0x2000 },
		"log level":       func(c *Config) { c.LogLevel = "trace" },
		"log format":      func(c *Config) { c.LogFormat = "xml" },
		"vdso no section": func(c *Config) { c.VDSO.Sections = nil },
	} {
		t.Run(name, func(t *testing.T) {
			c := Default()
			mutate(c)
			require.Error(t, c.Validate())
		})
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	c := Default()
	logger := c.NewLogger(&buf)
	level.Debug(logger).Log("msg", "hidden")
	level.Info(logger).Log("msg", "shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown")
	assert.Contains(t, buf.String(), "level=info")
}
