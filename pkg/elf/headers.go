package elf

import (
	"debug/elf"
	"encoding/binary"
)

const (
	header32Size  = 52
	header64Size  = 64
	section32Size = 40
	section64Size = 64
	prog32Size    = 32
	prog64Size    = 56
	sym32Size     = 16
	sym64Size     = 24
	rel32Size     = 8
	rel64Size     = 16
	rela32Size    = 12
	rela64Size    = 24

	pnXNum = 0xffff
)

// Header is the decoded file header. Counts and indexes are the raw values
// from the file; Image resolves extended numbering.
type Header struct {
	Class      elf.Class
	Data       elf.Data
	Version    elf.Version
	OSABI      elf.OSABI
	ABIVersion uint8
	Type       elf.Type
	Machine    elf.Machine
	Entry      uint64
	PhOff      uint64
	ShOff      uint64
	Flags      uint32
	EhSize     uint16
	PhEntSize  uint16
	PhNum      uint16
	ShEntSize  uint16
	ShNum      uint16
	ShStrNdx   uint16
}

type SectionHeader struct {
	Name      uint32
	Type      elf.SectionType
	Flags     elf.SectionFlag
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	AddrAlign uint64
	EntSize   uint64
}

// HasData reports whether the section occupies bytes in the file.
func (s SectionHeader) HasData() bool {
	return s.Type != elf.SHT_NOBITS && s.Type != elf.SHT_NULL
}

type ProgHeader struct {
	Type   elf.ProgType
	Flags  elf.ProgFlag
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

func headerSize(c elf.Class) int {
	if c == elf.ELFCLASS64 {
		return header64Size
	}
	return header32Size
}

func sectionHeaderSize(c elf.Class) int {
	if c == elf.ELFCLASS64 {
		return section64Size
	}
	return section32Size
}

func progHeaderSize(c elf.Class) int {
	if c == elf.ELFCLASS64 {
		return prog64Size
	}
	return prog32Size
}

func byteOrder(d elf.Data) binary.ByteOrder {
	if d == elf.ELFDATA2MSB {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// decodeHeader expects b to hold at least headerSize(class) bytes.
func decodeHeader(b []byte, class elf.Class, bo binary.ByteOrder) Header {
	h := Header{
		Class:      class,
		Data:       elf.Data(b[elf.EI_DATA]),
		Version:    elf.Version(b[elf.EI_VERSION]),
		OSABI:      elf.OSABI(b[elf.EI_OSABI]),
		ABIVersion: b[elf.EI_ABIVERSION],
		Type:       elf.Type(bo.Uint16(b[16:])),
		Machine:    elf.Machine(bo.Uint16(b[18:])),
	}
	if class == elf.ELFCLASS64 {
		h.Entry = bo.Uint64(b[24:])
		h.PhOff = bo.Uint64(b[32:])
		h.ShOff = bo.Uint64(b[40:])
		h.Flags = bo.Uint32(b[48:])
		h.EhSize = bo.Uint16(b[52:])
		h.PhEntSize = bo.Uint16(b[54:])
		h.PhNum = bo.Uint16(b[56:])
		h.ShEntSize = bo.Uint16(b[58:])
		h.ShNum = bo.Uint16(b[60:])
		h.ShStrNdx = bo.Uint16(b[62:])
		return h
	}
	h.Entry = uint64(bo.Uint32(b[24:]))
	h.PhOff = uint64(bo.Uint32(b[28:]))
	h.ShOff = uint64(bo.Uint32(b[32:]))
	h.Flags = bo.Uint32(b[36:])
	h.EhSize = bo.Uint16(b[40:])
	h.PhEntSize = bo.Uint16(b[42:])
	h.PhNum = bo.Uint16(b[44:])
	h.ShEntSize = bo.Uint16(b[46:])
	h.ShNum = bo.Uint16(b[48:])
	h.ShStrNdx = bo.Uint16(b[50:])
	return h
}

func decodeSectionHeader(b []byte, class elf.Class, bo binary.ByteOrder) SectionHeader {
	if class == elf.ELFCLASS64 {
		return SectionHeader{
			Name:      bo.Uint32(b[0:]),
			Type:      elf.SectionType(bo.Uint32(b[4:])),
			Flags:     elf.SectionFlag(bo.Uint64(b[8:])),
			Addr:      bo.Uint64(b[16:]),
			Offset:    bo.Uint64(b[24:]),
			Size:      bo.Uint64(b[32:]),
			Link:      bo.Uint32(b[40:]),
			Info:      bo.Uint32(b[44:]),
			AddrAlign: bo.Uint64(b[48:]),
			EntSize:   bo.Uint64(b[56:]),
		}
	}
	return SectionHeader{
		Name:      bo.Uint32(b[0:]),
		Type:      elf.SectionType(bo.Uint32(b[4:])),
		Flags:     elf.SectionFlag(bo.Uint32(b[8:])),
		Addr:      uint64(bo.Uint32(b[12:])),
		Offset:    uint64(bo.Uint32(b[16:])),
		Size:      uint64(bo.Uint32(b[20:])),
		Link:      bo.Uint32(b[24:]),
		Info:      bo.Uint32(b[28:]),
		AddrAlign: uint64(bo.Uint32(b[32:])),
		EntSize:   uint64(bo.Uint32(b[36:])),
	}
}

func decodeProgHeader(b []byte, class elf.Class, bo binary.ByteOrder) ProgHeader {
	if class == elf.ELFCLASS64 {
		return ProgHeader{
			Type:   elf.ProgType(bo.Uint32(b[0:])),
			Flags:  elf.ProgFlag(bo.Uint32(b[4:])),
			Offset: bo.Uint64(b[8:]),
			Vaddr:  bo.Uint64(b[16:]),
			Paddr:  bo.Uint64(b[24:]),
			Filesz: bo.Uint64(b[32:]),
			Memsz:  bo.Uint64(b[40:]),
			Align:  bo.Uint64(b[48:]),
		}
	}
	return ProgHeader{
		Type:   elf.ProgType(bo.Uint32(b[0:])),
		Offset: uint64(bo.Uint32(b[4:])),
		Vaddr:  uint64(bo.Uint32(b[8:])),
		Paddr:  uint64(bo.Uint32(b[12:])),
		Filesz: uint64(bo.Uint32(b[16:])),
		Memsz:  uint64(bo.Uint32(b[20:])),
		Flags:  elf.ProgFlag(bo.Uint32(b[24:])),
		Align:  uint64(bo.Uint32(b[28:])),
	}
}
