// Package reloc applies ELF relocations to an image laid out in memory.
//
// Arithmetic is table driven: each supported architecture has a closed set
// of relocation types, and anything outside it is rejected rather than
// guessed at. Relocations are applied through a journal, so a table either
// applies completely or leaves memory as it found it.
package reloc

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	elf2 "github.com/grafana/prelink/pkg/elf"
	"github.com/grafana/prelink/pkg/sections"
	"github.com/grafana/prelink/pkg/symtab"
)

// Engine relocates one image. It caches decoded symbol tables and is not
// safe for concurrent use.
type Engine struct {
	img     *elf2.Image
	secs    *sections.Table
	arch    *Arch
	order   binary.ByteOrder
	symbols map[int]*symtab.Table
}

func New(secs *sections.Table) (*Engine, error) {
	img := secs.Image()
	arch, err := ArchFor(img.Machine, img.Class)
	if err != nil {
		return nil, err
	}
	return &Engine{
		img:     img,
		secs:    secs,
		arch:    arch,
		order:   img.ByteOrder(),
		symbols: make(map[int]*symtab.Table),
	}, nil
}

func (e *Engine) Arch() *Arch {
	return e.arch
}

// Symbols returns the validated symbol table in section d.
func (e *Engine) Symbols(d *sections.Descriptor) (*symtab.Table, error) {
	if t, ok := e.symbols[d.Index]; ok {
		return t, nil
	}
	if d.Kind != sections.KindSymtab && d.Kind != sections.KindDynsym {
		return nil, &elf2.ParseError{Field: "sh_link", Offset: d.Offset, Err: fmt.Errorf("%w: %s is not a symbol table", elf2.ErrBadIndex, d.Name)}
	}
	t, err := symtab.Build(e.secs, d)
	if err != nil {
		return nil, err
	}
	e.symbols[d.Index] = t
	return t, nil
}

// Apply applies a single relocation table. On error memory is restored.
func (e *Engine) Apply(l *Layout, rel *sections.Descriptor, ext Resolver) (int, error) {
	return e.ApplyAll(l, []*sections.Descriptor{rel}, ext)
}

// ApplyAll applies the tables in order as one unit: if any entry fails,
// every byte written so far is restored and the error is returned.
func (e *Engine) ApplyAll(l *Layout, rels []*sections.Descriptor, ext Resolver) (int, error) {
	j := &journal{mem: l.Mem}
	total := 0
	for _, rel := range rels {
		n, err := e.apply(j, l, rel, ext)
		if err != nil {
			j.rollback()
			return 0, err
		}
		total += n
	}
	return total, nil
}

type fixup struct {
	Fixup
	howto Howto
	pos   uint64
	sym   string
}

func (e *Engine) apply(j *journal, l *Layout, rel *sections.Descriptor, ext Resolver) (int, error) {
	sh := rel.Header()
	n, err := e.img.NumRelocations(sh)
	if err != nil {
		return 0, err
	}
	var syms *symtab.Table
	if rel.Link != 0 {
		d := e.secs.At(int(rel.Link))
		if d == nil {
			return 0, &elf2.ParseError{Field: "sh_link", Offset: rel.Offset, Err: fmt.Errorf("%w: %d", elf2.ErrBadIndex, rel.Link)}
		}
		if syms, err = e.Symbols(d); err != nil {
			return 0, err
		}
	}

	var pairs map[uint64]int64
	for i := 0; i < n; i++ {
		r, err := e.img.Relocation(sh, i)
		if err != nil {
			return 0, err
		}
		if h, ok := e.arch.Howto(r.Type); !ok || h.Pair == nil {
			continue
		}
		f, err := e.prepare(l, rel, syms, ext, r)
		if err != nil {
			// Reported by the main pass.
			continue
		}
		if pairs == nil {
			pairs = make(map[uint64]int64)
		}
		pairs[f.P] = f.howto.Pair(&f.Fixup)
	}
	lookupHi := func(p uint64) (int64, bool) {
		v, ok := pairs[p]
		return v, ok
	}

	for i := 0; i < n; i++ {
		r, err := e.img.Relocation(sh, i)
		if err != nil {
			return 0, err
		}
		f, err := e.prepare(l, rel, syms, ext, r)
		if err != nil {
			return 0, e.relocError(rel, i, r, f.sym, err)
		}
		if f.howto.Size == 0 {
			continue
		}
		f.hi = lookupHi
		j.record(f.pos, f.howto.Size)
		if err := f.howto.Apply(&f.Fixup); err != nil {
			return 0, e.relocError(rel, i, r, f.sym, err)
		}
	}
	return n, nil
}

func (e *Engine) relocError(rel *sections.Descriptor, i int, r elf2.Rel, sym string, err error) error {
	return &RelocError{
		Section: rel.Name,
		Index:   i,
		Type:    e.arch.TypeName(r.Type),
		Symbol:  sym,
		Err:     err,
	}
}

func (e *Engine) prepare(l *Layout, rel *sections.Descriptor, syms *symtab.Table, ext Resolver, r elf2.Rel) (fixup, error) {
	f := fixup{}
	h, ok := e.arch.Howto(r.Type)
	if !ok {
		return f, ErrUnsupportedRelocation
	}
	f.howto = h
	s, name, err := e.symbolValue(l, syms, r.Sym, ext)
	f.sym = name
	if err != nil {
		return f, err
	}
	if h.Size == 0 {
		return f, nil
	}
	pos, p, err := e.locate(l, rel, r.Offset, uint64(h.Size))
	if err != nil {
		return f, err
	}
	f.Fixup = Fixup{
		S:     s,
		A:     r.Addend,
		P:     p,
		B:     l.Bias,
		Loc:   l.Mem[pos : pos+uint64(h.Size)],
		Order: e.order,
	}
	f.pos = pos
	if !r.Explicit {
		f.A = 0
		if h.Implicit != nil {
			f.A = h.Implicit(&f.Fixup)
		}
	}
	return f, nil
}

// locate returns the offset in l.Mem and the runtime address of the patched
// location. Object files relocate relative to the target section; linked
// images use link-time virtual addresses.
func (e *Engine) locate(l *Layout, rel *sections.Descriptor, off, size uint64) (uint64, uint64, error) {
	if l.Relocatable {
		p, ok := l.Placement(rel.Target)
		if !ok {
			return 0, 0, fmt.Errorf("%w: target section %d is not loaded", ErrOutOfBounds, rel.Target)
		}
		if off > p.Size || size > p.Size-off {
			return 0, 0, fmt.Errorf("%w: offset %#x size %d in section of %d bytes", ErrOutOfBounds, off, size, p.Size)
		}
		pos := p.Offset + off
		if pos+size > uint64(len(l.Mem)) {
			return 0, 0, fmt.Errorf("%w: offset %#x", ErrOutOfBounds, off)
		}
		return pos, p.Addr + off, nil
	}
	pos, ok := l.locate(off, size)
	if !ok || pos+size > uint64(len(l.Mem)) {
		return 0, 0, fmt.Errorf("%w: address %#x size %d", ErrOutOfBounds, off, size)
	}
	return pos, off + l.Bias, nil
}

func (e *Engine) symbolValue(l *Layout, syms *symtab.Table, idx uint32, ext Resolver) (uint64, string, error) {
	if idx == 0 {
		return 0, "", nil
	}
	if syms == nil {
		return 0, "", &symtab.SymbolError{Index: int(idx), Err: fmt.Errorf("%w: relocation has no symbol table", symtab.ErrMalformedSymbol)}
	}
	sym, ok := syms.Effective(int(idx))
	if !ok {
		return 0, "", &symtab.SymbolError{Index: int(idx), Err: fmt.Errorf("%w: index out of range", symtab.ErrMalformedSymbol)}
	}
	name := sym.Name
	switch {
	case sym.Common():
		return 0, name, &symtab.SymbolError{Index: sym.Index, Name: name, Err: symtab.ErrCommonSymbol}
	case sym.Absolute():
		return sym.Value, name, nil
	case sym.Defined():
		if !l.Relocatable {
			return sym.Value + l.Bias, name, nil
		}
		addr, ok := l.SectionAddr(int(sym.Section))
		if !ok {
			return 0, name, fmt.Errorf("%w: section %d of %q is not loaded", ErrUnresolvedSymbol, sym.Section, name)
		}
		if sym.Type == elf.STT_SECTION {
			return addr, name, nil
		}
		return addr + sym.Value, name, nil
	}
	if ext != nil {
		if addr, ok := ext.ResolveSymbol(name); ok {
			return addr, name, nil
		}
	}
	if sym.Weak() {
		return 0, name, nil
	}
	return 0, name, fmt.Errorf("%w: %s", ErrUnresolvedSymbol, name)
}
