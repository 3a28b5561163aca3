package elf

import (
	"debug/elf"
	"fmt"
)

// Sym is a raw symbol table entry.
type Sym struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Value uint64
	Size  uint64
}

func (s Sym) Bind() elf.SymBind {
	return elf.ST_BIND(s.Info)
}

func (s Sym) Type() elf.SymType {
	return elf.ST_TYPE(s.Info)
}

func (s Sym) Visibility() elf.SymVis {
	return elf.ST_VISIBILITY(s.Other)
}

// Rel is a raw relocation entry. Addend is only meaningful when Explicit is
// set (SHT_RELA); SHT_REL entries keep their addend in the patched location.
type Rel struct {
	Offset   uint64
	Sym      uint32
	Type     uint32
	Addend   int64
	Explicit bool
}

// SymEntrySize is the on-disk size of one symbol for the image's class.
func (img *Image) SymEntrySize() uint64 {
	if img.Class == elf.ELFCLASS64 {
		return sym64Size
	}
	return sym32Size
}

// RelEntrySize is the on-disk size of one relocation of the given table type.
func (img *Image) RelEntrySize(t elf.SectionType) uint64 {
	switch {
	case img.Class == elf.ELFCLASS64 && t == elf.SHT_RELA:
		return rela64Size
	case img.Class == elf.ELFCLASS64:
		return rel64Size
	case t == elf.SHT_RELA:
		return rela32Size
	default:
		return rel32Size
	}
}

func entryCount(sh SectionHeader, minSize uint64) (int, error) {
	ent := sh.EntSize
	if ent == 0 {
		ent = minSize
	}
	if ent < minSize {
		return 0, parseError("sh_entsize", sh.Offset, fmt.Errorf("%w: %d < %d", ErrBadEntrySize, ent, minSize))
	}
	if sh.Size%ent != 0 {
		return 0, parseError("sh_size", sh.Offset, fmt.Errorf("%w: %d is not a multiple of %d", ErrBadEntrySize, sh.Size, ent))
	}
	return int(sh.Size / ent), nil
}

// NumSymbols returns the number of entries in a symbol table section.
func (img *Image) NumSymbols(sh SectionHeader) (int, error) {
	return entryCount(sh, img.SymEntrySize())
}

// Symbol decodes entry i of the symbol table section sh.
func (img *Image) Symbol(sh SectionHeader, i int) (Sym, error) {
	data, err := img.SectionData(sh)
	if err != nil {
		return Sym{}, err
	}
	ent := sh.EntSize
	if ent == 0 {
		ent = img.SymEntrySize()
	}
	off := uint64(i) * ent
	if i < 0 || off+img.SymEntrySize() > uint64(len(data)) {
		return Sym{}, parseError("symbol index", uint64(i), ErrSectionOverrun)
	}
	b, bo := data[off:], img.order
	if img.Class == elf.ELFCLASS64 {
		return Sym{
			Name:  bo.Uint32(b[0:]),
			Info:  b[4],
			Other: b[5],
			Shndx: bo.Uint16(b[6:]),
			Value: bo.Uint64(b[8:]),
			Size:  bo.Uint64(b[16:]),
		}, nil
	}
	return Sym{
		Name:  bo.Uint32(b[0:]),
		Value: uint64(bo.Uint32(b[4:])),
		Size:  uint64(bo.Uint32(b[8:])),
		Info:  b[12],
		Other: b[13],
		Shndx: bo.Uint16(b[14:]),
	}, nil
}

// NumRelocations returns the number of entries in a SHT_REL or SHT_RELA
// section.
func (img *Image) NumRelocations(sh SectionHeader) (int, error) {
	return entryCount(sh, img.RelEntrySize(sh.Type))
}

// Relocation decodes entry i of the relocation section sh.
func (img *Image) Relocation(sh SectionHeader, i int) (Rel, error) {
	data, err := img.SectionData(sh)
	if err != nil {
		return Rel{}, err
	}
	size := img.RelEntrySize(sh.Type)
	ent := sh.EntSize
	if ent == 0 {
		ent = size
	}
	off := uint64(i) * ent
	if i < 0 || off+size > uint64(len(data)) {
		return Rel{}, parseError("relocation index", uint64(i), ErrSectionOverrun)
	}
	b, bo := data[off:], img.order
	r := Rel{Explicit: sh.Type == elf.SHT_RELA}
	if img.Class == elf.ELFCLASS64 {
		info := bo.Uint64(b[8:])
		r.Offset = bo.Uint64(b[0:])
		r.Sym = elf.R_SYM64(info)
		r.Type = elf.R_TYPE64(info)
		if r.Explicit {
			r.Addend = int64(bo.Uint64(b[16:]))
		}
		return r, nil
	}
	info := bo.Uint32(b[4:])
	r.Offset = uint64(bo.Uint32(b[0:]))
	r.Sym = elf.R_SYM32(info)
	r.Type = elf.R_TYPE32(info)
	if r.Explicit {
		r.Addend = int64(int32(bo.Uint32(b[8:])))
	}
	return r, nil
}
