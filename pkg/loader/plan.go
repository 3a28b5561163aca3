package loader

import (
	"debug/elf"
	"fmt"

	elf2 "github.com/grafana/prelink/pkg/elf"
	"github.com/grafana/prelink/pkg/sections"
)

type placed struct {
	d      *sections.Descriptor
	offset uint64
}

// plan is the memory image of a load before any memory is obtained.
type plan struct {
	relocatable bool
	size        uint64
	align       uint64
	// linkBase is the lowest page of a linked image's segments.
	linkBase    uint64
	fixed       bool
	sections    []placed
	segments    []elf2.ProgHeader
}

func (l *Loader) planImage(secs *sections.Table) (*plan, error) {
	img := secs.Image()
	switch img.Type {
	case elf.ET_REL:
		return l.planRelocatable(secs)
	case elf.ET_DYN, elf.ET_EXEC:
		return l.planLinked(secs)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, img.Type)
}

// planRelocatable packs loadable sections in index order, each at its own
// alignment.
func (l *Loader) planRelocatable(secs *sections.Table) (*plan, error) {
	p := &plan{relocatable: true, align: l.cfg.PageSize}
	for _, d := range secs.All() {
		if !d.Loadable() {
			continue
		}
		off := alignUp(p.size, d.Align)
		p.sections = append(p.sections, placed{d: d, offset: off})
		p.size = off + d.Size
		if d.Align > p.align {
			p.align = d.Align
		}
	}
	if len(p.sections) == 0 || p.size == 0 {
		return nil, ErrNoSegments
	}
	p.size = PageCeil(p.size, l.cfg.PageSize)
	return p, nil
}

// planLinked lays a linked image out from its PT_LOAD segments, keeping the
// distances between them.
func (l *Loader) planLinked(secs *sections.Table) (*plan, error) {
	img := secs.Image()
	p := &plan{align: l.cfg.PageSize, fixed: img.Type == elf.ET_EXEC}
	var lo, hi uint64
	for i := 0; i < img.NumProgs(); i++ {
		ph, err := img.Prog(i)
		if err != nil {
			return nil, err
		}
		if ph.Type != elf.PT_LOAD || ph.Memsz == 0 {
			continue
		}
		if len(p.segments) == 0 || ph.Vaddr < lo {
			lo = ph.Vaddr
		}
		if end := ph.Vaddr + ph.Memsz; end > hi {
			hi = end
		}
		if ph.Align > p.align {
			p.align = ph.Align
		}
		p.segments = append(p.segments, ph)
	}
	if len(p.segments) == 0 {
		return nil, ErrNoSegments
	}
	p.linkBase = PageFloor(lo, l.cfg.PageSize)
	p.size = PageCeil(hi, l.cfg.PageSize) - p.linkBase

	for _, d := range secs.All() {
		if !d.Loadable() || d.Addr < p.linkBase || d.Addr+d.Size > p.linkBase+p.size {
			continue
		}
		p.sections = append(p.sections, placed{d: d, offset: d.Addr - p.linkBase})
	}
	return p, nil
}

// checkUserSections enforces the VDSO linker contract: every user visible
// section starts and ends on a page boundary.
func (l *Loader) checkUserSections(secs *sections.Table, user map[string]bool, relocatable bool) error {
	for _, d := range secs.All() {
		if !user[d.Name] {
			continue
		}
		if !d.PageAligned(l.cfg.PageSize, relocatable) {
			return fmt.Errorf("%w: %s (addr %#x, align %#x, size %#x, page %#x)",
				ErrAlignmentViolation, d.Name, d.Addr, d.Align, d.Size, l.cfg.PageSize)
		}
	}
	return nil
}

// fill copies file contents into mem and zeroes everything else.
func (p *plan) fill(secs *sections.Table, mem []byte) error {
	clear(mem)
	img := secs.Image()
	if p.relocatable {
		for _, s := range p.sections {
			if s.d.Kind == sections.KindBSS {
				continue
			}
			data, err := secs.Data(s.d)
			if err != nil {
				return err
			}
			copy(mem[s.offset:s.offset+s.d.Size], data)
		}
		return nil
	}
	for _, ph := range p.segments {
		data, err := img.ProgData(ph)
		if err != nil {
			return err
		}
		copy(mem[ph.Vaddr-p.linkBase:], data)
	}
	return nil
}
