// Package vdso publishes a kernel-linked VDSO: it loads the image in VDSO
// mode, checks the linker contract and translates its symbols to the
// addresses a process sees.
package vdso

import (
	"errors"
	"fmt"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"

	elf2 "github.com/grafana/prelink/pkg/elf"
	"github.com/grafana/prelink/pkg/exports"
	"github.com/grafana/prelink/pkg/loader"
)

var (
	ErrNoSections = errors.New("image has no VDSO sections")
	ErrBrackets   = errors.New("VDSO bracket symbols do not cover the VDSO sections")
)

type Publisher struct {
	cfg    Config
	loader *loader.Loader
	logger log.Logger
}

func NewPublisher(cfg Config, l *loader.Loader, logger log.Logger) *Publisher {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Publisher{cfg: cfg, loader: l, logger: logger}
}

// Image is a published VDSO. Start and End bound the kernel copy, which
// appears in every process at Target.
type Image struct {
	Start, End uint64
	Target     uint64

	image    *loader.LoadedImage
	pageSize uint64
	symbols  map[string]uint64
}

// Publish loads img in VDSO mode and validates the result. On any error
// nothing stays loaded or registered.
func (p *Publisher) Publish(img *elf2.Image, alloc loader.Allocator, opts ...loader.Option) (*Image, error) {
	opts = append(opts, loader.WithUserVisible(p.cfg.Sections...))
	li, err := p.loader.Load(img, alloc, loader.ModeVdsoExport, opts...)
	if err != nil {
		return nil, err
	}
	v, err := p.bind(li)
	if err != nil {
		if uerr := li.Unload(); uerr != nil {
			err = multierror.Append(err, uerr)
		}
		return nil, err
	}
	level.Info(p.logger).Log(
		"msg", "vdso published",
		"start", fmt.Sprintf("%#x", v.Start),
		"end", fmt.Sprintf("%#x", v.End),
		"target", fmt.Sprintf("%#x", v.Target),
		"symbols", len(v.symbols),
	)
	return v, nil
}

func (p *Publisher) bind(li *loader.LoadedImage) (*Image, error) {
	pageSize := p.loader.Config().PageSize
	var start, end uint64
	found := false
	for _, s := range li.Sections {
		if !s.User {
			continue
		}
		if !found || s.Addr < start {
			start = s.Addr
		}
		if s.Addr+s.Size > end {
			end = s.Addr + s.Size
		}
		found = true
	}
	if !found {
		return nil, ErrNoSections
	}

	if addr, ok := li.Lookup(p.cfg.StartSymbol); ok {
		if addr > start || !loader.IsPageAligned(addr, pageSize) {
			return nil, fmt.Errorf("%w: %s at %#x, first section at %#x", ErrBrackets, p.cfg.StartSymbol, addr, start)
		}
		start = addr
	}
	if addr, ok := li.Lookup(p.cfg.EndSymbol); ok {
		if addr < end || !loader.IsPageAligned(addr, pageSize) {
			return nil, fmt.Errorf("%w: %s at %#x, last section ends at %#x", ErrBrackets, p.cfg.EndSymbol, addr, end)
		}
		end = addr
	}

	v := &Image{
		Start:    start,
		End:      end,
		Target:   p.cfg.Target,
		image:    li,
		pageSize: pageSize,
		symbols:  make(map[string]uint64),
	}
	for _, e := range li.Exports {
		if e.Scope != exports.ScopeUser {
			continue
		}
		if addr, ok := v.UserAddr(e.Addr); ok {
			v.symbols[e.Name] = addr
		}
	}
	return v, nil
}

// UserAddr translates a kernel address inside the VDSO to the address a
// process sees.
func (v *Image) UserAddr(addr uint64) (uint64, bool) {
	if addr < v.Start || addr >= v.End {
		return 0, false
	}
	return v.Target + (addr - v.Start), true
}

// Lookup returns the userspace address of an exported VDSO symbol.
func (v *Image) Lookup(name string) (uint64, bool) {
	addr, ok := v.symbols[name]
	return addr, ok
}

// ResolveSymbol lets userspace images be pre-linked against the VDSO.
func (v *Image) ResolveSymbol(name string) (uint64, bool) {
	return v.Lookup(name)
}

// Symbols returns the exported names in order.
func (v *Image) Symbols() []string {
	res := make([]string, 0, len(v.symbols))
	for name := range v.symbols {
		res = append(res, name)
	}
	sort.Strings(res)
	return res
}

// Prelink loads a userspace image whose undefined symbols bind to the VDSO's
// user addresses. Nothing else is consulted, so a symbol the VDSO does not
// map into processes stays unresolved.
func (v *Image) Prelink(l *loader.Loader, buf []byte, alloc loader.Allocator, opts ...loader.Option) (*loader.LoadedImage, error) {
	opts = append(opts, loader.WithResolver(v), loader.WithoutRegistry())
	return l.LoadBytes(buf, alloc, loader.ModeKernelModule, opts...)
}

// Mappings returns the process mappings of the VDSO. Executable sections
// are mapped r-x, everything else read-only.
func (v *Image) Mappings() []loader.Mapping {
	var res []loader.Mapping
	for _, m := range v.image.UserMappings(v.pageSize) {
		addr, ok := v.UserAddr(m.Addr)
		if !ok {
			continue
		}
		m.Addr = addr
		m.Perm.W = false
		res = append(res, m)
	}
	return res
}

func (v *Image) Image() *loader.LoadedImage {
	return v.image
}

// Close unloads the VDSO and retracts its symbols.
func (v *Image) Close() error {
	return v.image.Unload()
}
