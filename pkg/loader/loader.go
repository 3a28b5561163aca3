// Package loader places ELF images into memory handed out by an Allocator,
// relocates them and publishes their exports.
//
// A load either completes or leaves nothing behind: memory is released and
// no export stays registered when any step fails. The export registry is
// only written once relocation has succeeded.
package loader

import (
	"debug/elf"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"

	elf2 "github.com/grafana/prelink/pkg/elf"
	"github.com/grafana/prelink/pkg/exports"
	"github.com/grafana/prelink/pkg/reloc"
	"github.com/grafana/prelink/pkg/sections"
	"github.com/grafana/prelink/pkg/symtab"
)

type Mode uint8

const (
	ModeKernelModule Mode = iota
	ModeVdsoExport
)

func (m Mode) String() string {
	switch m {
	case ModeKernelModule:
		return "kernel_module"
	case ModeVdsoExport:
		return "vdso_export"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// FixedAllocator is implemented by allocators that can hand out a region at
// a given address. Executables linked at a fixed address need one.
type FixedAllocator interface {
	Allocator
	AllocateAt(addr, size uint64) (Region, error)
}

type Loader struct {
	cfg      Config
	registry *exports.Registry
	logger   log.Logger
	metrics  *Metrics
	machines []elf.Machine
}

// New returns a Loader publishing into registry. A nil registry disables
// export registration and registry based symbol resolution. A zero page size
// means DefaultPageSize; any other invalid setting is an error.
func New(cfg Config, registry *exports.Registry, logger log.Logger, reg prometheus.Registerer) (*Loader, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = DefaultPageSize
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid loader config")
	}
	machines, err := cfg.ParseMachines()
	if err != nil {
		return nil, err
	}
	return &Loader{
		cfg:      cfg,
		registry: registry,
		logger:   logger,
		metrics:  NewMetrics(reg),
		machines: machines,
	}, nil
}

func (l *Loader) Config() Config {
	return l.cfg
}

func (l *Loader) Metrics() *Metrics {
	return l.metrics
}

func (l *Loader) Registry() *exports.Registry {
	return l.registry
}

// LoadBytes parses buf with the configured machine allow-list and loads it.
// buf must stay unmodified until LoadBytes returns.
func (l *Loader) LoadBytes(buf []byte, alloc Allocator, mode Mode, opts ...Option) (*LoadedImage, error) {
	var parseOpts []elf2.Option
	if len(l.machines) > 0 {
		parseOpts = append(parseOpts, elf2.WithMachines(l.machines...))
	}
	img, err := elf2.Parse(buf, parseOpts...)
	if err != nil {
		o := loadOptions{}
		for _, opt := range opts {
			opt(&o)
		}
		l.metrics.Loads.WithLabelValues(mode.String(), "error").Inc()
		return nil, &LoadError{Name: o.name, Err: err}
	}
	return l.Load(img, alloc, mode, opts...)
}

// Load lays img out in memory from alloc, relocates it and registers its
// exports.
func (l *Loader) Load(img *elf2.Image, alloc Allocator, mode Mode, opts ...Option) (*LoadedImage, error) {
	o := loadOptions{userSections: l.cfg.UserSections}
	for _, opt := range opts {
		opt(&o)
	}
	start := time.Now()
	li, err := l.load(img, alloc, mode, &o)
	if err != nil {
		l.metrics.Loads.WithLabelValues(mode.String(), "error").Inc()
		level.Warn(l.logger).Log("msg", "load failed", "name", o.name, "mode", mode, "err", err)
		return nil, &LoadError{Name: o.name, Err: err}
	}
	l.metrics.Loads.WithLabelValues(mode.String(), "success").Inc()
	l.metrics.LoadedImages.WithLabelValues(mode.String()).Inc()
	l.metrics.LoadedBytes.WithLabelValues(mode.String()).Add(float64(li.Size))
	level.Info(l.logger).Log(
		"msg", "image loaded",
		"name", li.Name,
		"id", li.ID,
		"mode", mode,
		"base", fmt.Sprintf("%#x", li.Base),
		"size", li.Size,
		"relocations", li.Relocations,
		"exports", len(li.Exports),
		"duration", time.Since(start),
	)
	return li, nil
}

func (l *Loader) load(img *elf2.Image, alloc Allocator, mode Mode, o *loadOptions) (*LoadedImage, error) {
	secs, err := sections.Resolve(img)
	if err != nil {
		return nil, errors.Wrap(err, "resolving sections")
	}
	eng, err := reloc.New(secs)
	if err != nil {
		return nil, err
	}
	p, err := l.planImage(secs)
	if err != nil {
		return nil, err
	}

	user := map[string]bool{}
	if mode == ModeVdsoExport {
		for _, name := range o.userSections {
			user[name] = true
		}
		if err := l.checkUserSections(secs, user, p.relocatable); err != nil {
			return nil, err
		}
	}

	id := o.id
	if id.IsZero() {
		id = ulid.Make()
	}
	if o.name == "" {
		o.name = id.String()
	}
	level.Debug(l.logger).Log("msg", "image planned", "name", o.name, "type", img.Type, "machine", img.Machine, "size", p.size, "align", p.align)

	region, err := l.allocate(alloc, p)
	if err != nil {
		return nil, err
	}
	lay, err := l.layout(secs, p, region)
	if err != nil {
		return nil, l.release(alloc, region, err)
	}

	var ext []reloc.Resolver
	ext = append(ext, o.resolver)
	if l.registry != nil && !o.noRegistry {
		ext = append(ext, l.registry)
	}
	n, err := eng.ApplyAll(lay, l.relocationTables(secs, p), reloc.Chain(ext...))
	if err != nil {
		return nil, l.release(alloc, region, err)
	}
	l.metrics.Relocations.WithLabelValues(eng.Arch().Name).Add(float64(n))

	var syms *symtab.Table
	if d, ok := secs.Symtab(); ok {
		if syms, err = eng.Symbols(d); err != nil {
			return nil, l.release(alloc, region, err)
		}
	}

	li := &LoadedImage{
		ID:          id,
		Name:        o.name,
		Mode:        mode,
		Type:        img.Type,
		Machine:     img.Machine,
		Base:        region.Base,
		Size:        p.size,
		Bias:        lay.Bias,
		Relocations: n,
		Checksum:    xxhash.Sum64(img.Raw()),
		region:      region,
		alloc:       alloc,
		loader:      l,
	}
	for _, s := range p.sections {
		li.Sections = append(li.Sections, LoadedSection{
			Index: s.d.Index,
			Name:  s.d.Name,
			Kind:  s.d.Kind,
			Flags: s.d.Flags,
			Addr:  region.Base + s.offset,
			Size:  s.d.Size,
			User:  user[s.d.Name],
		})
	}
	sort.SliceStable(li.Sections, func(i, j int) bool {
		return li.Sections[i].Addr < li.Sections[j].Addr
	})
	li.Entry = l.entry(img, lay, syms)
	li.addrs = addrTable(o.name, lay, syms)
	li.globals = globalAddrs(lay, syms)

	entries, err := l.exports(mode, secs, lay, syms, user, o)
	if err != nil {
		return nil, l.release(alloc, region, err)
	}
	if len(entries) > 0 && l.registry != nil {
		if err := l.registry.RegisterAll(id, entries); err != nil {
			return nil, l.release(alloc, region, err)
		}
	}
	for i := range entries {
		entries[i].Owner = id
	}
	li.Exports = entries
	return li, nil
}

func (l *Loader) allocate(alloc Allocator, p *plan) (Region, error) {
	var (
		region Region
		err    error
	)
	if p.fixed {
		fa, ok := alloc.(FixedAllocator)
		if !ok {
			return Region{}, errors.Wrapf(ErrFixedAddress, "image is linked at %#x and the allocator cannot place it", p.linkBase)
		}
		region, err = fa.AllocateAt(p.linkBase, p.size)
	} else {
		region, err = alloc.Allocate(p.size, p.align)
	}
	if err != nil {
		return Region{}, fmt.Errorf("%w: %d bytes: %w", ErrAllocation, p.size, err)
	}
	if uint64(len(region.Mem)) < p.size {
		return Region{}, l.release(alloc, region, fmt.Errorf("%w: got %d bytes, need %d", ErrAllocation, len(region.Mem), p.size))
	}
	if p.fixed && region.Base != p.linkBase {
		return Region{}, l.release(alloc, region, fmt.Errorf("%w: got %#x, linked at %#x", ErrFixedAddress, region.Base, p.linkBase))
	}
	if !IsPageAligned(region.Base, l.cfg.PageSize) {
		return Region{}, l.release(alloc, region, fmt.Errorf("%w: region %#x is not page aligned", ErrAllocation, region.Base))
	}
	return region, nil
}

func (l *Loader) layout(secs *sections.Table, p *plan, region Region) (*reloc.Layout, error) {
	mem := region.Mem[:p.size]
	if err := p.fill(secs, mem); err != nil {
		return nil, err
	}
	lay := reloc.NewLayout(region.Base, mem, p.relocatable)
	if !p.relocatable {
		lay.Bias = region.Base - p.linkBase
	}
	for _, s := range p.sections {
		lay.Place(reloc.Placement{
			Index:    s.d.Index,
			LinkAddr: s.d.Addr,
			Addr:     region.Base + s.offset,
			Offset:   s.offset,
			Size:     s.d.Size,
		})
	}
	return lay, nil
}

// relocationTables picks the tables to apply. Object files relocate every
// loaded section. Linked images apply their dynamic tables: those bound to
// .dynsym, such as .rela.plt naming .got.plt through SHF_INFO_LINK, and those
// bound to no section at all. Tables against .symtab were consumed by the
// static linker.
func (l *Loader) relocationTables(secs *sections.Table, p *plan) []*sections.Descriptor {
	if !p.relocatable {
		return lo.Filter(secs.Relocations(), func(d *sections.Descriptor, _ int) bool {
			if d.Target < 0 {
				return true
			}
			syms := secs.At(int(d.Link))
			return d.Link != 0 && syms != nil && syms.Kind == sections.KindDynsym
		})
	}
	return lo.Filter(secs.Relocations(), func(d *sections.Descriptor, _ int) bool {
		t := secs.At(d.Target)
		return t != nil && t.Loadable()
	})
}

func (l *Loader) entry(img *elf2.Image, lay *reloc.Layout, syms *symtab.Table) uint64 {
	if !lay.Relocatable {
		if img.Entry == 0 {
			return 0
		}
		return img.Entry + lay.Bias
	}
	if syms == nil || l.cfg.EntrySymbol == "" {
		return 0
	}
	if s, ok := syms.Lookup(l.cfg.EntrySymbol); ok {
		if addr, ok := symbolAddr(lay, s); ok {
			return addr
		}
	}
	return 0
}

func (l *Loader) exports(mode Mode, secs *sections.Table, lay *reloc.Layout, syms *symtab.Table, user map[string]bool, o *loadOptions) ([]exports.Entry, error) {
	scope := exports.ScopeKernel
	if mode == ModeVdsoExport {
		scope = exports.ScopeUser
	}
	var res []exports.Entry
	seen := map[string]bool{}
	add := func(s *symtab.Symbol) bool {
		if seen[s.Name] {
			return true
		}
		addr, ok := symbolAddr(lay, s)
		if !ok {
			return false
		}
		seen[s.Name] = true
		res = append(res, exports.Entry{Name: s.Name, Addr: addr, Size: s.Size, Scope: scope})
		return true
	}

	for _, name := range o.exports {
		var s *symtab.Symbol
		ok := false
		if syms != nil {
			s, ok = syms.Lookup(name)
		}
		if !ok || !add(s) {
			return nil, errors.Wrapf(ErrMissingExport, "%s", name)
		}
	}
	if syms == nil {
		return res, nil
	}
	for _, s := range syms.Globals() {
		switch {
		case o.filter != nil && o.filter(s):
		case mode == ModeVdsoExport && o.filter == nil && inUserSection(secs, s, user):
		default:
			continue
		}
		add(s)
	}
	return res, nil
}

func inUserSection(secs *sections.Table, s *symtab.Symbol, user map[string]bool) bool {
	if s.Absolute() || s.Common() || !s.Defined() {
		return false
	}
	d := secs.At(int(s.Section))
	return d != nil && user[d.Name]
}

// symbolAddr is the runtime address of a definition.
func symbolAddr(lay *reloc.Layout, s *symtab.Symbol) (uint64, bool) {
	switch {
	case s.Absolute():
		return s.Value, true
	case !s.Defined() || s.Common():
		return 0, false
	case !lay.Relocatable:
		return s.Value + lay.Bias, true
	}
	addr, ok := lay.SectionAddr(int(s.Section))
	if !ok {
		return 0, false
	}
	if s.Type == elf.STT_SECTION {
		return addr, true
	}
	return addr + s.Value, true
}

// addrTable indexes the image's functions and objects. Linked images keep
// their link-time values and are rebased by the load bias.
func addrTable(name string, lay *reloc.Layout, syms *symtab.Table) *symtab.AddrTable {
	var res []symtab.AddrSymbol
	if syms != nil {
		for _, s := range syms.All() {
			if s.Name == "" || (s.Type != elf.STT_FUNC && s.Type != elf.STT_OBJECT) || s.Absolute() {
				continue
			}
			addr, ok := symbolAddr(lay, &s)
			if !ok {
				continue
			}
			if !lay.Relocatable {
				addr -= lay.Bias
			}
			res = append(res, symtab.AddrSymbol{Start: addr, Name: s.Name, Module: name})
		}
	}
	t := symtab.NewAddrTable(res)
	if !lay.Relocatable {
		t.Rebase(lay.Bias)
	}
	return t
}

func globalAddrs(lay *reloc.Layout, syms *symtab.Table) map[string]uint64 {
	res := map[string]uint64{}
	if syms == nil {
		return res
	}
	for _, s := range syms.Globals() {
		if addr, ok := symbolAddr(lay, s); ok {
			res[s.Name] = addr
		}
	}
	return res
}

// release undoes a failed load after allocation.
func (l *Loader) release(alloc Allocator, region Region, cause error) error {
	if err := alloc.Deallocate(region); err != nil {
		level.Error(l.logger).Log("msg", "failed to release region", "base", fmt.Sprintf("%#x", region.Base), "err", err)
		return multierror.Append(cause, errors.Wrap(err, "releasing region"))
	}
	return cause
}

func (l *Loader) unload(li *LoadedImage) error {
	if l.registry != nil {
		l.registry.UnregisterAll(li.ID)
	}
	if err := li.alloc.Deallocate(li.region); err != nil {
		return errors.Wrapf(err, "unloading %s", li.Name)
	}
	l.metrics.LoadedImages.WithLabelValues(li.Mode.String()).Dec()
	l.metrics.LoadedBytes.WithLabelValues(li.Mode.String()).Sub(float64(li.Size))
	level.Info(l.logger).Log("msg", "image unloaded", "name", li.Name, "id", li.ID)
	return nil
}
