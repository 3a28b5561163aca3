// Package elftest assembles small ELF images for tests.
package elftest

import (
	"debug/elf"

	elf2 "github.com/grafana/prelink/pkg/elf"
)

type Section struct {
	Name    string
	Type    elf.SectionType
	Flags   elf.SectionFlag
	Addr    uint64
	Align   uint64
	Data    []byte
	Size    uint64 // SHT_NOBITS only
	EntSize uint64
	Link    *Section
	Info    uint32

	index  int
	offset uint64
}

// Index is the section header index, valid after Builder.Bytes.
func (s *Section) Index() int { return s.index }

// Offset is the file offset of the contents, valid after Builder.Bytes.
func (s *Section) Offset() uint64 { return s.offset }

func (s *Section) size() uint64 {
	if s.Type == elf.SHT_NOBITS {
		return s.Size
	}
	return uint64(len(s.Data))
}

type Symbol struct {
	Name    string
	Value   uint64
	Size    uint64
	Bind    elf.SymBind
	Type    elf.SymType
	Other   uint8
	Section *Section
	// Shndx is used when Section is nil: SHN_UNDEF, SHN_ABS or SHN_COMMON.
	Shndx   elf.SectionIndex
}

type Reloc struct {
	Offset   uint64
	// Symbol names the referenced symbol; the first symbol of that name in
	// table order is used. Empty means index 0.
	Symbol   string
	// SymIndex overrides Symbol when non-zero.
	SymIndex uint32
	Type     uint32
	Addend   int64
}

type Prog struct {
	Type    elf.ProgType
	Flags   elf.ProgFlag
	Section *Section
	Align   uint64
}

type relocTable struct {
	target  *Section
	rela    bool
	entries []Reloc
}

type Builder struct {
	Class   elf.Class
	Data    elf.Data
	Type    elf.Type
	Machine elf.Machine
	Entry   uint64
	Flags   uint32

	SymtabName string
	SymtabType elf.SectionType

	sections []*Section
	symbols  []Symbol
	relocs   []relocTable
	progs    []Prog
}

// New returns a builder for a relocatable object.
func New(class elf.Class, data elf.Data, machine elf.Machine) *Builder {
	return &Builder{
		Class:      class,
		Data:       data,
		Type:       elf.ET_REL,
		Machine:    machine,
		SymtabName: ".symtab",
		SymtabType: elf.SHT_SYMTAB,
	}
}

func (b *Builder) Section(s Section) *Section {
	sec := s
	b.sections = append(b.sections, &sec)
	return &sec
}

func (b *Builder) Text(name string, code []byte) *Section {
	return b.Section(Section{
		Name:  name,
		Type:  elf.SHT_PROGBITS,
		Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR,
		Align: 4,
		Data:  code,
	})
}

func (b *Builder) ReadWrite(name string, data []byte) *Section {
	return b.Section(Section{
		Name:  name,
		Type:  elf.SHT_PROGBITS,
		Flags: elf.SHF_ALLOC | elf.SHF_WRITE,
		Align: 8,
		Data:  data,
	})
}

func (b *Builder) Bss(name string, size uint64) *Section {
	return b.Section(Section{
		Name:  name,
		Type:  elf.SHT_NOBITS,
		Flags: elf.SHF_ALLOC | elf.SHF_WRITE,
		Align: 8,
		Size:  size,
	})
}

func (b *Builder) Symbol(s Symbol) {
	b.symbols = append(b.symbols, s)
}

// Relocs adds a relocation table for target. A nil target produces a
// dynamic-style table whose offsets are virtual addresses.
func (b *Builder) Relocs(target *Section, rela bool, rs ...Reloc) {
	b.relocs = append(b.relocs, relocTable{target: target, rela: rela, entries: rs})
}

func (b *Builder) Prog(p Prog) {
	b.progs = append(b.progs, p)
}

// ordered returns the symbol table order: null entry, locals, then the rest,
// each group in insertion order.
func (b *Builder) ordered() (syms []Symbol, firstGlobal int) {
	syms = append(syms, Symbol{})
	for _, s := range b.symbols {
		if s.Bind == elf.STB_LOCAL {
			syms = append(syms, s)
		}
	}
	firstGlobal = len(syms)
	for _, s := range b.symbols {
		if s.Bind != elf.STB_LOCAL {
			syms = append(syms, s)
		}
	}
	return syms, firstGlobal
}

func alignUp(v, a uint64) uint64 {
	if a <= 1 {
		return v
	}
	return (v + a - 1) &^ (a - 1)
}

// Bytes lays the image out and encodes it.
func (b *Builder) Bytes() []byte {
	word := uint64(4)
	if b.Class == elf.ELFCLASS64 {
		word = 8
	}
	hsize := uint64(elf2.HeaderSize(b.Class))
	phsize := uint64(elf2.ProgHeaderSize(b.Class))
	shsize := uint64(elf2.SectionHeaderSize(b.Class))

	syms, firstGlobal := b.ordered()
	withSymtab := len(b.symbols) > 0 || len(b.relocs) > 0

	all := []*Section{{Type: elf.SHT_NULL}}
	all = append(all, b.sections...)
	for i, s := range all {
		s.index = i
	}

	var strtab, symtab *Section
	var relSecs []*Section
	for _, rt := range b.relocs {
		typ, name := elf.SHT_REL, ".rel"
		if rt.rela {
			typ, name = elf.SHT_RELA, ".rela"
		}
		s := &Section{Type: typ, Align: word}
		if rt.target != nil {
			s.Name = name + rt.target.Name
			s.Info = uint32(rt.target.index)
			s.Flags = elf.SHF_INFO_LINK
		} else {
			s.Name = name + ".dyn"
		}
		s.index = len(all)
		all = append(all, s)
		relSecs = append(relSecs, s)
	}
	if withSymtab {
		strtab = &Section{Name: ".strtab", Type: elf.SHT_STRTAB, Align: 1}
		symtab = &Section{Name: b.SymtabName, Type: b.SymtabType, Align: word, Link: strtab, Info: uint32(firstGlobal)}
		symtab.index = len(all)
		all = append(all, symtab)
		strtab.index = len(all)
		all = append(all, strtab)
	}
	shstrtab := &Section{Name: ".shstrtab", Type: elf.SHT_STRTAB, Align: 1}
	shstrtab.index = len(all)
	all = append(all, shstrtab)

	// String tables.
	names := []byte{0}
	nameOff := make([]uint32, len(all))
	for i, s := range all {
		if i == 0 {
			continue
		}
		nameOff[i] = uint32(len(names))
		names = append(append(names, s.Name...), 0)
	}
	shstrtab.Data = names

	symIndex := map[string]uint32{}
	if withSymtab {
		strs := []byte{0}
		var data []byte
		for i, s := range syms {
			var nameAt uint32
			if s.Name != "" {
				nameAt = uint32(len(strs))
				strs = append(append(strs, s.Name...), 0)
				if _, ok := symIndex[s.Name]; !ok {
					symIndex[s.Name] = uint32(i)
				}
			}
			shndx := uint16(s.Shndx)
			if s.Section != nil {
				shndx = uint16(s.Section.index)
			}
			data = elf2.AppendSym(data, b.Class, b.Data, elf2.Sym{
				Name:  nameAt,
				Info:  elf.ST_INFO(s.Bind, s.Type),
				Other: s.Other,
				Shndx: shndx,
				Value: s.Value,
				Size:  s.Size,
			})
		}
		strtab.Data = strs
		symtab.Data = data
		if b.Class == elf.ELFCLASS64 {
			symtab.EntSize = 24
		} else {
			symtab.EntSize = 16
		}
	}
	for i, rt := range b.relocs {
		s := relSecs[i]
		s.Link = symtab
		var data []byte
		for _, r := range rt.entries {
			sym := r.SymIndex
			if sym == 0 && r.Symbol != "" {
				sym = symIndex[r.Symbol]
			}
			data = elf2.AppendRel(data, b.Class, b.Data, elf2.Rel{
				Offset:   r.Offset,
				Sym:      sym,
				Type:     r.Type,
				Addend:   r.Addend,
				Explicit: rt.rela,
			})
		}
		s.Data = data
		if len(rt.entries) > 0 {
			s.EntSize = uint64(len(data) / len(rt.entries))
		}
	}

	// File layout.
	cursor := hsize + uint64(len(b.progs))*phsize
	for _, s := range all[1:] {
		cursor = alignUp(cursor, s.Align)
		s.offset = cursor
		if s.Type != elf.SHT_NOBITS {
			cursor += uint64(len(s.Data))
		}
	}
	shoff := alignUp(cursor, word)
	out := make([]byte, shoff+uint64(len(all))*shsize)

	hdr := elf2.Header{
		Class:     b.Class,
		Data:      b.Data,
		Version:   elf.EV_CURRENT,
		Type:      b.Type,
		Machine:   b.Machine,
		Entry:     b.Entry,
		ShOff:     shoff,
		Flags:     b.Flags,
		EhSize:    uint16(hsize),
		ShEntSize: uint16(shsize),
		ShNum:     uint16(len(all)),
		ShStrNdx:  uint16(shstrtab.index),
	}
	if len(b.progs) > 0 {
		hdr.PhOff = hsize
		hdr.PhEntSize = uint16(phsize)
		hdr.PhNum = uint16(len(b.progs))
	}
	copy(out, elf2.AppendHeader(nil, hdr))

	ph := out[hsize:hsize]
	for _, p := range b.progs {
		s := p.Section
		align := p.Align
		if align == 0 {
			align = 0x1000
		}
		filesz := uint64(0)
		if s.Type != elf.SHT_NOBITS {
			filesz = uint64(len(s.Data))
		}
		ph = elf2.AppendProgHeader(ph, b.Class, b.Data, elf2.ProgHeader{
			Type:   p.Type,
			Flags:  p.Flags,
			Offset: s.offset,
			Vaddr:  s.Addr,
			Paddr:  s.Addr,
			Filesz: filesz,
			Memsz:  s.size(),
			Align:  align,
		})
	}

	sh := out[shoff:shoff]
	for i, s := range all {
		copy(out[s.offset:], s.Data)
		link := uint32(0)
		if s.Link != nil {
			link = uint32(s.Link.index)
		}
		hdr := elf2.SectionHeader{
			Name:      nameOff[i],
			Type:      s.Type,
			Flags:     s.Flags,
			Addr:      s.Addr,
			Size:      s.size(),
			Link:      link,
			Info:      s.Info,
			AddrAlign: s.Align,
			EntSize:   s.EntSize,
		}
		if i != 0 {
			hdr.Offset = s.offset
		}
		sh = elf2.AppendSectionHeader(sh, b.Class, b.Data, hdr)
	}
	return out
}
