package loader_test

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/prelink/pkg/alloc"
	elf2 "github.com/grafana/prelink/pkg/elf"
	"github.com/grafana/prelink/pkg/elf/elftest"
	"github.com/grafana/prelink/pkg/exports"
	"github.com/grafana/prelink/pkg/loader"
	"github.com/grafana/prelink/pkg/reloc"
	"github.com/grafana/prelink/pkg/symtab"
)

const arenaBase = 0x200000

func testConfig() loader.Config {
	return loader.Config{
		PageSize:     0x1000,
		EntrySymbol:  "init_module",
		UserSections: []string{".text.vdso", ".data.vdso"},
	}
}

func newLoader(t *testing.T) (*loader.Loader, *exports.Registry, *alloc.Arena) {
	t.Helper()
	reg := prometheus.NewRegistry()
	registry := exports.New(nil, reg)
	l, err := loader.New(testConfig(), registry, nil, reg)
	require.NoError(t, err)
	return l, registry, alloc.NewArena(arenaBase, 0x100000)
}

// kernelModule is an x86-64 object whose .text starts with an absolute
// reference to ref+4 and whose .data defines export.
func kernelModule(export, ref string) []byte {
	b := elftest.New(elf.ELFCLASS64, elf.ELFDATA2LSB, elf.EM_X86_64)
	text := b.Text(".text", make([]byte, 16))
	data := b.ReadWrite(".data", make([]byte, 8))
	b.Bss(".bss", 32)
	b.Symbol(elftest.Symbol{Name: "local_counter", Bind: elf.STB_LOCAL, Type: elf.STT_OBJECT, Section: data, Value: 4})
	b.Symbol(elftest.Symbol{Name: "init_module", Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Section: text, Size: 16})
	b.Symbol(elftest.Symbol{Name: export, Bind: elf.STB_GLOBAL, Type: elf.STT_OBJECT, Section: data, Size: 8})
	b.Symbol(elftest.Symbol{Name: ref, Bind: elf.STB_GLOBAL})
	b.Relocs(text, true, elftest.Reloc{Offset: 0, Symbol: ref, Type: uint32(elf.R_X86_64_64), Addend: 4})
	return b.Bytes()
}

func TestLoadKernelModule(t *testing.T) {
	l, registry, arena := newLoader(t)
	buf := kernelModule("counter", "printk")

	li, err := l.LoadBytes(buf, arena, loader.ModeKernelModule,
		loader.WithName("mod_a"),
		loader.WithResolver(reloc.MapResolver{"printk": 0x1000}),
		loader.WithExports("counter"),
	)
	require.NoError(t, err)

	assert.Equal(t, "mod_a", li.Name)
	assert.Equal(t, uint64(arenaBase), li.Base)
	assert.Equal(t, uint64(0x1000), li.Size)
	assert.Equal(t, uint64(arenaBase), li.Entry)
	assert.Equal(t, 1, li.Relocations)
	assert.Equal(t, xxhash.Sum64(buf), li.Checksum)
	assert.Equal(t, uint64(0x1004), binary.LittleEndian.Uint64(li.Mem()[0:8]))

	data, ok := li.Section(".data")
	require.True(t, ok)
	assert.Equal(t, uint64(arenaBase+16), data.Addr)
	bss, ok := li.Section(".bss")
	require.True(t, ok)
	assert.Equal(t, uint64(arenaBase+24), bss.Addr)

	e, ok := registry.Lookup("counter")
	require.True(t, ok)
	assert.Equal(t, exports.Entry{Name: "counter", Addr: arenaBase + 16, Size: 8, Owner: li.ID, Scope: exports.ScopeKernel}, e)
	assert.Equal(t, []exports.Entry{e}, li.Exports)
	_, ok = registry.Lookup("local_counter")
	assert.False(t, ok)
	_, ok = registry.Lookup("init_module")
	assert.False(t, ok, "only requested names are exported")

	sym, ok := li.Symbolize(arenaBase + 20)
	require.True(t, ok)
	assert.Equal(t, "local_counter", sym.Name)
	assert.Equal(t, "mod_a", sym.Module)

	assert.Equal(t, 1.0, testutil.ToFloat64(l.Metrics().Loads.WithLabelValues("kernel_module", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(l.Metrics().Relocations.WithLabelValues("x86_64")))
	assert.Equal(t, 1.0, testutil.ToFloat64(l.Metrics().LoadedImages.WithLabelValues("kernel_module")))
}

func TestRegistryResolvesLaterLoads(t *testing.T) {
	l, _, arena := newLoader(t)
	a, err := l.LoadBytes(kernelModule("printk", "bootstrap"), arena, loader.ModeKernelModule,
		loader.WithResolver(reloc.MapResolver{"bootstrap": 0xffff0000}),
		loader.WithExports("printk"),
	)
	require.NoError(t, err)

	b, err := l.LoadBytes(kernelModule("other", "printk"), arena, loader.ModeKernelModule, loader.WithExports("other"))
	require.NoError(t, err)
	assert.Equal(t, a.Exports[0].Addr+4, binary.LittleEndian.Uint64(b.Mem()[0:8]))
}

func TestLoadFailureReleasesEverything(t *testing.T) {
	l, registry, arena := newLoader(t)

	_, err := l.LoadBytes(kernelModule("counter", "missing"), arena, loader.ModeKernelModule,
		loader.WithName("broken"),
		loader.WithExports("counter"),
	)
	require.Error(t, err)
	var loadErr *loader.LoadError
	require.True(t, errors.As(err, &loadErr))
	assert.Equal(t, "broken", loadErr.Name)
	var relErr *reloc.RelocError
	require.True(t, errors.As(err, &relErr))
	assert.Equal(t, "missing", relErr.Symbol)
	require.ErrorIs(t, err, reloc.ErrUnresolvedSymbol)

	assert.Equal(t, 0, arena.Allocations())
	assert.Equal(t, 0, registry.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(l.Metrics().Loads.WithLabelValues("kernel_module", "error")))

	_, err = l.LoadBytes(kernelModule("counter", "printk"), arena, loader.ModeKernelModule,
		loader.WithResolver(reloc.MapResolver{"printk": 0x1000}),
		loader.WithExports("not_defined"),
	)
	require.ErrorIs(t, err, loader.ErrMissingExport)
	assert.Equal(t, 0, arena.Allocations())
}

func TestDuplicateExportFailsSecondLoad(t *testing.T) {
	l, registry, arena := newLoader(t)
	ext := loader.WithResolver(reloc.MapResolver{"printk": 0x1000})

	first, err := l.LoadBytes(kernelModule("counter", "printk"), arena, loader.ModeKernelModule, ext, loader.WithExports("counter"))
	require.NoError(t, err)

	_, err = l.LoadBytes(kernelModule("counter", "printk"), arena, loader.ModeKernelModule, ext, loader.WithExports("counter"))
	var dup *exports.DuplicateSymbolError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, first.ID, dup.Existing)
	assert.Equal(t, 1, arena.Allocations())

	e, ok := registry.Lookup("counter")
	require.True(t, ok)
	assert.Equal(t, first.ID, e.Owner)
}

func TestUnloadRetractsExports(t *testing.T) {
	l, registry, arena := newLoader(t)
	li, err := l.LoadBytes(kernelModule("counter", "printk"), arena, loader.ModeKernelModule,
		loader.WithResolver(reloc.MapResolver{"printk": 0x1000}),
		loader.WithExportFilter(func(s *symtab.Symbol) bool { return s.Type == elf.STT_FUNC }),
	)
	require.NoError(t, err)
	_, ok := registry.Lookup("init_module")
	require.True(t, ok)
	_, ok = registry.Lookup("counter")
	require.False(t, ok)

	require.NoError(t, li.Unload())
	require.NoError(t, li.Unload())
	assert.Equal(t, 0, registry.Len())
	assert.Equal(t, 0, arena.Allocations())
	assert.Equal(t, 0.0, testutil.ToFloat64(l.Metrics().LoadedImages.WithLabelValues("kernel_module")))
}

func vdsoObject(textAlign uint64) []byte {
	b := elftest.New(elf.ELFCLASS64, elf.ELFDATA2LSB, elf.EM_X86_64)
	vt := b.Section(elftest.Section{Name: ".text.vdso", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Align: textAlign, Data: make([]byte, 0x1000)})
	vd := b.Section(elftest.Section{Name: ".data.vdso", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Align: 0x1000, Data: make([]byte, 0x1000)})
	kt := b.Text(".text", make([]byte, 8))
	b.Symbol(elftest.Symbol{Name: "__vdso_gettimeofday", Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Section: vt, Value: 0x10, Size: 0x20})
	b.Symbol(elftest.Symbol{Name: "vdso_data", Bind: elf.STB_GLOBAL, Type: elf.STT_OBJECT, Section: vd, Size: 0x40})
	b.Symbol(elftest.Symbol{Name: "kernel_helper", Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Section: kt})
	return b.Bytes()
}

func TestVdsoExport(t *testing.T) {
	l, registry, arena := newLoader(t)
	li, err := l.LoadBytes(vdsoObject(0x1000), arena, loader.ModeVdsoExport, loader.WithName("vdso"))
	require.NoError(t, err)

	assert.Equal(t, uint64(0x3000), li.Size)
	e, ok := registry.Lookup("__vdso_gettimeofday")
	require.True(t, ok)
	assert.Equal(t, uint64(arenaBase+0x10), e.Addr)
	assert.Equal(t, exports.ScopeUser, e.Scope)
	e, ok = registry.Lookup("vdso_data")
	require.True(t, ok)
	assert.Equal(t, uint64(arenaBase+0x1000), e.Addr)
	_, ok = registry.Lookup("kernel_helper")
	assert.False(t, ok)

	assert.Equal(t, []loader.Mapping{
		{Addr: arenaBase, Pages: 1, Perm: loader.Perm{R: true, X: true}, Section: ".text.vdso"},
		{Addr: arenaBase + 0x1000, Pages: 1, Perm: loader.Perm{R: true, W: true}, Section: ".data.vdso"},
	}, li.UserMappings(0x1000))
	assert.Len(t, li.Mappings(0x1000), 3)
}

func TestVdsoMisalignedSectionRejected(t *testing.T) {
	l, registry, arena := newLoader(t)
	require.NoError(t, registry.Register("existing", 0x1234, 0, ulid.Make(), exports.ScopeKernel))
	before := registry.Snapshot()

	_, err := l.LoadBytes(vdsoObject(16), arena, loader.ModeVdsoExport)
	require.ErrorIs(t, err, loader.ErrAlignmentViolation)
	assert.Equal(t, before, registry.Snapshot())
	assert.Equal(t, 0, arena.Allocations())

	// The same object is acceptable as a kernel module.
	_, err = l.LoadBytes(vdsoObject(16), arena, loader.ModeKernelModule)
	require.NoError(t, err)
}

func TestLoadSharedObject(t *testing.T) {
	b := elftest.New(elf.ELFCLASS64, elf.ELFDATA2LSB, elf.EM_X86_64)
	b.Type = elf.ET_DYN
	b.Entry = 0x1000
	code := make([]byte, 16)
	for i := range code {
		code[i] = 0xcc
	}
	text := b.Text(".text", code)
	text.Addr = 0x1000
	got := b.ReadWrite(".got", make([]byte, 16))
	got.Addr = 0x2000
	b.Prog(elftest.Prog{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X, Section: text})
	b.Prog(elftest.Prog{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_W, Section: got})
	b.SymtabName, b.SymtabType = ".dynsym", elf.SHT_DYNSYM
	b.Symbol(elftest.Symbol{Name: "ext_fn", Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC})
	b.Symbol(elftest.Symbol{Name: "entry_fn", Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Section: text, Value: 0x1000})
	b.Relocs(nil, true,
		elftest.Reloc{Offset: 0x2000, Type: uint32(elf.R_X86_64_RELATIVE), Addend: 0x1008},
		elftest.Reloc{Offset: 0x2008, Symbol: "ext_fn", Type: uint32(elf.R_X86_64_GLOB_DAT)},
	)

	l, _, arena := newLoader(t)
	li, err := l.LoadBytes(b.Bytes(), arena, loader.ModeKernelModule,
		loader.WithResolver(reloc.MapResolver{"ext_fn": 0xdead0000}),
		loader.WithExports("entry_fn"),
	)
	require.NoError(t, err)

	const bias = arenaBase - 0x1000
	assert.Equal(t, uint64(bias), li.Bias)
	assert.Equal(t, uint64(0x2000), li.Size)
	assert.Equal(t, uint64(arenaBase), li.Entry)
	assert.Equal(t, code, li.Mem()[:16])
	assert.Equal(t, uint64(arenaBase+8), binary.LittleEndian.Uint64(li.Mem()[0x1000:]))
	assert.Equal(t, uint64(0xdead0000), binary.LittleEndian.Uint64(li.Mem()[0x1008:]))
	assert.Equal(t, uint64(arenaBase), li.Exports[0].Addr)

	sym, ok := li.Symbolize(arenaBase + 4)
	require.True(t, ok)
	assert.Equal(t, "entry_fn", sym.Name)
	assert.Equal(t, uint64(arenaBase), sym.Start)
}

// pltObject is a shared object whose jump slots live in .got.plt and are
// described by a .rela.plt that names .got.plt through SHF_INFO_LINK.
func pltObject(fn string) []byte {
	b := elftest.New(elf.ELFCLASS64, elf.ELFDATA2LSB, elf.EM_X86_64)
	b.Type = elf.ET_DYN
	gotplt := b.ReadWrite(".got.plt", make([]byte, 16))
	gotplt.Addr = 0x3000
	b.Prog(elftest.Prog{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_W, Section: gotplt})
	b.SymtabName, b.SymtabType = ".dynsym", elf.SHT_DYNSYM
	b.Symbol(elftest.Symbol{Name: fn, Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC})
	b.Relocs(gotplt, true,
		elftest.Reloc{Offset: 0x3008, Symbol: fn, Type: uint32(elf.R_X86_64_JMP_SLOT)},
	)
	return b.Bytes()
}

func TestLoadSharedObjectJumpSlots(t *testing.T) {
	l, _, arena := newLoader(t)
	li, err := l.LoadBytes(pltObject("__vdso_gettime"), arena, loader.ModeKernelModule,
		loader.WithResolver(reloc.MapResolver{"__vdso_gettime": 0x7fff0000}))
	require.NoError(t, err)
	assert.Equal(t, 1, li.Relocations)
	assert.Equal(t, uint64(0), binary.LittleEndian.Uint64(li.Mem()[0:]))
	assert.Equal(t, uint64(0x7fff0000), binary.LittleEndian.Uint64(li.Mem()[8:]))
	require.NoError(t, li.Unload())

	_, err = l.LoadBytes(pltObject("missing_fn"), arena, loader.ModeKernelModule)
	require.ErrorIs(t, err, reloc.ErrUnresolvedSymbol)
	assert.Equal(t, 0, arena.Allocations())
}

func TestNewRejectsUnknownMachines(t *testing.T) {
	cfg := testConfig()
	cfg.Machines = []string{"aarch64", "mipz"}
	_, err := loader.New(cfg, nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mipz")

	cfg.Machines = []string{"aarch64"}
	l, err := loader.New(cfg, nil, nil, nil)
	require.NoError(t, err)
	arena := alloc.NewArena(arenaBase, 0x100000)
	_, err = l.LoadBytes(kernelModule("counter", "printk"), arena, loader.ModeKernelModule,
		loader.WithResolver(reloc.MapResolver{"printk": 0x1000}))
	require.ErrorIs(t, err, elf2.ErrUnsupportedMachine)
	assert.Equal(t, 0, arena.Allocations())
}

// plainAllocator hides AllocateAt.
type plainAllocator struct {
	loader.Allocator
}

func TestLoadExecutableAtFixedAddress(t *testing.T) {
	b := elftest.New(elf.ELFCLASS32, elf.ELFDATA2LSB, elf.EM_386)
	b.Type = elf.ET_EXEC
	b.Entry = 0x400000
	text := b.Text(".text", []byte{0x90, 0x90, 0xc3})
	text.Addr = 0x400000
	b.Prog(elftest.Prog{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X, Section: text})
	buf := b.Bytes()

	l, err := loader.New(testConfig(), nil, nil, nil)
	require.NoError(t, err)
	arena := alloc.NewArena(0x400000, 0x10000)

	_, err = l.LoadBytes(buf, plainAllocator{arena}, loader.ModeKernelModule)
	require.ErrorIs(t, err, loader.ErrFixedAddress)
	assert.Equal(t, 0, arena.Allocations())

	li, err := l.LoadBytes(buf, arena, loader.ModeKernelModule)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x400000), li.Base)
	assert.Equal(t, uint64(0), li.Bias)
	assert.Equal(t, uint64(0x400000), li.Entry)
	assert.Equal(t, []byte{0x90, 0x90, 0xc3}, li.Mem()[:3])
}

func TestLoadRejectsBadInput(t *testing.T) {
	l, _, arena := newLoader(t)

	_, err := l.LoadBytes([]byte("not an elf file"), arena, loader.ModeKernelModule, loader.WithName("junk"))
	var loadErr *loader.LoadError
	require.True(t, errors.As(err, &loadErr))
	assert.Equal(t, "junk", loadErr.Name)
	assert.True(t, elf2.IsNotELF(err))

	b := elftest.New(elf.ELFCLASS64, elf.ELFDATA2LSB, elf.EM_X86_64)
	b.Type = elf.ET_CORE
	b.Text(".text", make([]byte, 4))
	_, err = l.LoadBytes(b.Bytes(), arena, loader.ModeKernelModule)
	require.ErrorIs(t, err, loader.ErrUnsupportedType)

	b = elftest.New(elf.ELFCLASS64, elf.ELFDATA2LSB, elf.EM_X86_64)
	b.Symbol(elftest.Symbol{Name: "nothing", Bind: elf.STB_GLOBAL})
	_, err = l.LoadBytes(b.Bytes(), arena, loader.ModeKernelModule)
	require.ErrorIs(t, err, loader.ErrNoSegments)
	assert.Equal(t, 0, arena.Allocations())
}

func TestAllocationFailure(t *testing.T) {
	l, _, _ := newLoader(t)
	small := alloc.NewArena(arenaBase, 0x800)
	_, err := l.LoadBytes(kernelModule("counter", "printk"), small, loader.ModeKernelModule,
		loader.WithResolver(reloc.MapResolver{"printk": 0x1000}))
	require.ErrorIs(t, err, loader.ErrAllocation)
	require.ErrorIs(t, err, alloc.ErrNoSpace)
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	require.NoError(t, cfg.Validate())
	cfg.PageSize = 3000
	require.Error(t, cfg.Validate())

	cfg = testConfig()
	cfg.Machines = []string{"x86_64", "AArch64"}
	m, err := cfg.ParseMachines()
	require.NoError(t, err)
	assert.Equal(t, []elf.Machine{elf.EM_X86_64, elf.EM_AARCH64}, m)
	cfg.Machines = []string{"sparc"}
	require.Error(t, cfg.Validate())
}
