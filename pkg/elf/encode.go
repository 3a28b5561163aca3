package elf

import (
	"debug/elf"
	"encoding/binary"
)

func appendOrder(d elf.Data) binary.AppendByteOrder {
	if d == elf.ELFDATA2MSB {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// AppendHeader appends the on-disk encoding of h.
func AppendHeader(dst []byte, h Header) []byte {
	bo := appendOrder(h.Data)
	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(h.Class)
	ident[elf.EI_DATA] = byte(h.Data)
	ident[elf.EI_VERSION] = byte(h.Version)
	ident[elf.EI_OSABI] = byte(h.OSABI)
	ident[elf.EI_ABIVERSION] = h.ABIVersion
	dst = append(dst, ident[:]...)
	dst = bo.AppendUint16(dst, uint16(h.Type))
	dst = bo.AppendUint16(dst, uint16(h.Machine))
	dst = bo.AppendUint32(dst, uint32(elf.EV_CURRENT))
	if h.Class == elf.ELFCLASS64 {
		dst = bo.AppendUint64(dst, h.Entry)
		dst = bo.AppendUint64(dst, h.PhOff)
		dst = bo.AppendUint64(dst, h.ShOff)
	} else {
		dst = bo.AppendUint32(dst, uint32(h.Entry))
		dst = bo.AppendUint32(dst, uint32(h.PhOff))
		dst = bo.AppendUint32(dst, uint32(h.ShOff))
	}
	dst = bo.AppendUint32(dst, h.Flags)
	dst = bo.AppendUint16(dst, h.EhSize)
	dst = bo.AppendUint16(dst, h.PhEntSize)
	dst = bo.AppendUint16(dst, h.PhNum)
	dst = bo.AppendUint16(dst, h.ShEntSize)
	dst = bo.AppendUint16(dst, h.ShNum)
	dst = bo.AppendUint16(dst, h.ShStrNdx)
	return dst
}

func AppendSectionHeader(dst []byte, class elf.Class, data elf.Data, sh SectionHeader) []byte {
	bo := appendOrder(data)
	dst = bo.AppendUint32(dst, sh.Name)
	dst = bo.AppendUint32(dst, uint32(sh.Type))
	if class == elf.ELFCLASS64 {
		dst = bo.AppendUint64(dst, uint64(sh.Flags))
		dst = bo.AppendUint64(dst, sh.Addr)
		dst = bo.AppendUint64(dst, sh.Offset)
		dst = bo.AppendUint64(dst, sh.Size)
		dst = bo.AppendUint32(dst, sh.Link)
		dst = bo.AppendUint32(dst, sh.Info)
		dst = bo.AppendUint64(dst, sh.AddrAlign)
		return bo.AppendUint64(dst, sh.EntSize)
	}
	dst = bo.AppendUint32(dst, uint32(sh.Flags))
	dst = bo.AppendUint32(dst, uint32(sh.Addr))
	dst = bo.AppendUint32(dst, uint32(sh.Offset))
	dst = bo.AppendUint32(dst, uint32(sh.Size))
	dst = bo.AppendUint32(dst, sh.Link)
	dst = bo.AppendUint32(dst, sh.Info)
	dst = bo.AppendUint32(dst, uint32(sh.AddrAlign))
	return bo.AppendUint32(dst, uint32(sh.EntSize))
}

func AppendProgHeader(dst []byte, class elf.Class, data elf.Data, ph ProgHeader) []byte {
	bo := appendOrder(data)
	if class == elf.ELFCLASS64 {
		dst = bo.AppendUint32(dst, uint32(ph.Type))
		dst = bo.AppendUint32(dst, uint32(ph.Flags))
		dst = bo.AppendUint64(dst, ph.Offset)
		dst = bo.AppendUint64(dst, ph.Vaddr)
		dst = bo.AppendUint64(dst, ph.Paddr)
		dst = bo.AppendUint64(dst, ph.Filesz)
		dst = bo.AppendUint64(dst, ph.Memsz)
		return bo.AppendUint64(dst, ph.Align)
	}
	dst = bo.AppendUint32(dst, uint32(ph.Type))
	dst = bo.AppendUint32(dst, uint32(ph.Offset))
	dst = bo.AppendUint32(dst, uint32(ph.Vaddr))
	dst = bo.AppendUint32(dst, uint32(ph.Paddr))
	dst = bo.AppendUint32(dst, uint32(ph.Filesz))
	dst = bo.AppendUint32(dst, uint32(ph.Memsz))
	dst = bo.AppendUint32(dst, uint32(ph.Flags))
	return bo.AppendUint32(dst, uint32(ph.Align))
}

func AppendSym(dst []byte, class elf.Class, data elf.Data, s Sym) []byte {
	bo := appendOrder(data)
	if class == elf.ELFCLASS64 {
		dst = bo.AppendUint32(dst, s.Name)
		dst = append(dst, s.Info, s.Other)
		dst = bo.AppendUint16(dst, s.Shndx)
		dst = bo.AppendUint64(dst, s.Value)
		return bo.AppendUint64(dst, s.Size)
	}
	dst = bo.AppendUint32(dst, s.Name)
	dst = bo.AppendUint32(dst, uint32(s.Value))
	dst = bo.AppendUint32(dst, uint32(s.Size))
	dst = append(dst, s.Info, s.Other)
	return bo.AppendUint16(dst, s.Shndx)
}

func AppendRel(dst []byte, class elf.Class, data elf.Data, r Rel) []byte {
	bo := appendOrder(data)
	if class == elf.ELFCLASS64 {
		dst = bo.AppendUint64(dst, r.Offset)
		dst = bo.AppendUint64(dst, elf.R_INFO(r.Sym, r.Type))
		if r.Explicit {
			dst = bo.AppendUint64(dst, uint64(r.Addend))
		}
		return dst
	}
	dst = bo.AppendUint32(dst, uint32(r.Offset))
	dst = bo.AppendUint32(dst, elf.R_INFO32(r.Sym, r.Type))
	if r.Explicit {
		dst = bo.AppendUint32(dst, uint32(int32(r.Addend)))
	}
	return dst
}

// SectionHeaderSize is the on-disk size of one section header for class.
func SectionHeaderSize(class elf.Class) int {
	return sectionHeaderSize(class)
}

// ProgHeaderSize is the on-disk size of one program header for class.
func ProgHeaderSize(class elf.Class) int {
	return progHeaderSize(class)
}

// HeaderSize is the on-disk size of the file header for class.
func HeaderSize(class elf.Class) int {
	return headerSize(class)
}
