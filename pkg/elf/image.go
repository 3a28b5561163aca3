// Package elf validates ELF images held in memory and exposes typed,
// zero-copy views over their header tables.
package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"math/bits"
	"slices"
)

// DefaultMachines is the architecture allow-list used when Parse is called
// without WithMachines.
var DefaultMachines = []elf.Machine{
	elf.EM_X86_64,
	elf.EM_AARCH64,
	elf.EM_RISCV,
	elf.EM_386,
	elf.EM_PPC,
}

type options struct {
	machines []elf.Machine
}

type Option func(*options)

// WithMachines replaces the architecture allow-list.
func WithMachines(machines ...elf.Machine) Option {
	return func(o *options) {
		o.machines = machines
	}
}

// Image is an immutable view over a caller-owned buffer. The buffer is
// borrowed for the lifetime of the Image and must not be modified.
type Image struct {
	Header

	order    binary.ByteOrder
	raw      []byte
	phnum    int
	shnum    int
	shstrndx int
}

// Parse validates buf and indexes its header tables. Every range derived from
// the header tables is checked against len(buf) here, so accessors never read
// out of bounds.
func Parse(buf []byte, opts ...Option) (*Image, error) {
	o := options{machines: DefaultMachines}
	for _, opt := range opts {
		opt(&o)
	}

	if len(buf) < 4 || !bytes.Equal(buf[:4], []byte(elf.ELFMAG)) {
		return nil, parseError("e_ident[EI_MAG]", 0, ErrBadMagic)
	}
	if len(buf) < elf.EI_NIDENT {
		return nil, parseError("e_ident", 0, ErrTruncated)
	}
	class := elf.Class(buf[elf.EI_CLASS])
	if class != elf.ELFCLASS32 && class != elf.ELFCLASS64 {
		return nil, parseError("e_ident[EI_CLASS]", elf.EI_CLASS, fmt.Errorf("%w: %s", ErrUnsupportedClass, class))
	}
	data := elf.Data(buf[elf.EI_DATA])
	if data != elf.ELFDATA2LSB && data != elf.ELFDATA2MSB {
		return nil, parseError("e_ident[EI_DATA]", elf.EI_DATA, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, data))
	}
	if v := elf.Version(buf[elf.EI_VERSION]); v != elf.EV_CURRENT {
		return nil, parseError("e_ident[EI_VERSION]", elf.EI_VERSION, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v))
	}
	if len(buf) < headerSize(class) {
		return nil, parseError("e_ehsize", 0, ErrTruncated)
	}

	img := &Image{
		order: byteOrder(data),
		raw:   buf,
	}
	img.Header = decodeHeader(buf, class, img.order)
	if v := elf.Version(img.order.Uint32(buf[20:])); v != elf.EV_CURRENT {
		return nil, parseError("e_version", 20, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v))
	}
	if int(img.EhSize) < headerSize(class) {
		return nil, parseError("e_ehsize", 0, fmt.Errorf("%w: %d", ErrBadHeaderSize, img.EhSize))
	}
	if !slices.Contains(o.machines, img.Machine) {
		return nil, parseError("e_machine", 18, fmt.Errorf("%w: %s", ErrUnsupportedMachine, img.Machine))
	}

	if err := img.indexSections(); err != nil {
		return nil, err
	}
	if err := img.indexProgs(); err != nil {
		return nil, err
	}
	return img, nil
}

func (img *Image) indexSections() error {
	if img.ShOff == 0 {
		if img.ShNum != 0 {
			return parseError("e_shoff", 0, fmt.Errorf("%w: %d sections without a table", ErrTableOverrun, img.ShNum))
		}
		return nil
	}
	entSize := uint64(img.ShEntSize)
	if entSize < uint64(sectionHeaderSize(img.Class)) {
		return parseError("e_shentsize", img.ShOff, fmt.Errorf("%w: %d", ErrBadEntrySize, img.ShEntSize))
	}
	if !img.inBounds(img.ShOff, entSize) {
		return parseError("e_shoff", img.ShOff, ErrTableOverrun)
	}

	// Extended numbering keeps the real count and name index in section 0.
	first := decodeSectionHeader(img.raw[img.ShOff:], img.Class, img.order)
	count := uint64(img.ShNum)
	if count == 0 {
		count = first.Size
	}
	strndx := uint64(img.ShStrNdx)
	if img.ShStrNdx == uint16(elf.SHN_XINDEX) {
		strndx = uint64(first.Link)
	}

	if count > uint64(len(img.raw))/entSize || !img.inBounds(img.ShOff, count*entSize) {
		return parseError("e_shnum", img.ShOff, fmt.Errorf("%w: %d entries of %d bytes", ErrTableOverrun, count, entSize))
	}
	img.shnum = int(count)
	if strndx >= count && strndx != uint64(elf.SHN_UNDEF) {
		return parseError("e_shstrndx", img.ShOff, fmt.Errorf("%w: %d of %d", ErrBadIndex, strndx, count))
	}
	img.shstrndx = int(strndx)

	for i := 0; i < img.shnum; i++ {
		sh := img.sectionHeader(i)
		field := fmt.Sprintf("section[%d]", i)
		if sh.HasData() && !img.inBounds(sh.Offset, sh.Size) {
			return parseError(field, sh.Offset, fmt.Errorf("%w: %d bytes", ErrSectionOverrun, sh.Size))
		}
		if sh.AddrAlign > 1 && bits.OnesCount64(sh.AddrAlign) != 1 {
			return parseError(field+".sh_addralign", sh.Offset, fmt.Errorf("%w: %d", ErrBadAlignment, sh.AddrAlign))
		}
	}
	if img.shstrndx != 0 {
		if sh := img.sectionHeader(img.shstrndx); sh.Type != elf.SHT_STRTAB {
			return parseError("e_shstrndx", img.ShOff, fmt.Errorf("%w: section %d is %s", ErrBadIndex, img.shstrndx, sh.Type))
		}
	}
	return nil
}

func (img *Image) indexProgs() error {
	if img.PhNum == 0 {
		return nil
	}
	entSize := uint64(img.PhEntSize)
	if entSize < uint64(progHeaderSize(img.Class)) {
		return parseError("e_phentsize", img.PhOff, fmt.Errorf("%w: %d", ErrBadEntrySize, img.PhEntSize))
	}
	count := uint64(img.PhNum)
	if img.PhNum == pnXNum {
		if img.shnum == 0 {
			return parseError("e_phnum", img.PhOff, fmt.Errorf("%w: PN_XNUM without section 0", ErrBadIndex))
		}
		count = uint64(img.sectionHeader(0).Info)
	}
	if count > uint64(len(img.raw))/entSize || !img.inBounds(img.PhOff, count*entSize) {
		return parseError("e_phoff", img.PhOff, fmt.Errorf("%w: %d entries of %d bytes", ErrTableOverrun, count, entSize))
	}
	img.phnum = int(count)

	for i := 0; i < img.phnum; i++ {
		ph := img.progHeader(i)
		field := fmt.Sprintf("segment[%d]", i)
		if ph.Filesz > ph.Memsz {
			return parseError(field+".p_filesz", ph.Offset, fmt.Errorf("%w: file size %d exceeds memory size %d", ErrSectionOverrun, ph.Filesz, ph.Memsz))
		}
		if ph.Filesz > 0 && !img.inBounds(ph.Offset, ph.Filesz) {
			return parseError(field, ph.Offset, fmt.Errorf("%w: %d bytes", ErrSectionOverrun, ph.Filesz))
		}
	}
	return nil
}

func (img *Image) inBounds(off, size uint64) bool {
	n := uint64(len(img.raw))
	return off <= n && size <= n-off
}

func (img *Image) sectionHeader(i int) SectionHeader {
	off := img.ShOff + uint64(i)*uint64(img.ShEntSize)
	return decodeSectionHeader(img.raw[off:], img.Class, img.order)
}

func (img *Image) progHeader(i int) ProgHeader {
	off := img.PhOff + uint64(i)*uint64(img.PhEntSize)
	return decodeProgHeader(img.raw[off:], img.Class, img.order)
}

func (img *Image) ByteOrder() binary.ByteOrder {
	return img.order
}

// Raw returns the borrowed buffer.
func (img *Image) Raw() []byte {
	return img.raw
}

func (img *Image) NumSections() int {
	return img.shnum
}

func (img *Image) NumProgs() int {
	return img.phnum
}

// SectionNameIndex returns the index of the section-name string table, or 0
// when the image carries no section names.
func (img *Image) SectionNameIndex() int {
	return img.shstrndx
}

func (img *Image) Section(i int) (SectionHeader, error) {
	if i < 0 || i >= img.shnum {
		return SectionHeader{}, parseError("section index", uint64(i), ErrBadIndex)
	}
	return img.sectionHeader(i), nil
}

func (img *Image) Prog(i int) (ProgHeader, error) {
	if i < 0 || i >= img.phnum {
		return ProgHeader{}, parseError("segment index", uint64(i), ErrBadIndex)
	}
	return img.progHeader(i), nil
}

// SectionData returns the section contents as a sub-slice of the image
// buffer. NOBITS sections have no contents and yield nil.
func (img *Image) SectionData(sh SectionHeader) ([]byte, error) {
	if !sh.HasData() {
		return nil, nil
	}
	if !img.inBounds(sh.Offset, sh.Size) {
		return nil, parseError("section contents", sh.Offset, ErrSectionOverrun)
	}
	return img.raw[sh.Offset : sh.Offset+sh.Size : sh.Offset+sh.Size], nil
}

func (img *Image) ProgData(ph ProgHeader) ([]byte, error) {
	if !img.inBounds(ph.Offset, ph.Filesz) {
		return nil, parseError("segment contents", ph.Offset, ErrSectionOverrun)
	}
	return img.raw[ph.Offset : ph.Offset+ph.Filesz : ph.Offset+ph.Filesz], nil
}

// Strings returns sh as a string table.
func (img *Image) Strings(sh SectionHeader) (StringTable, error) {
	if sh.Type != elf.SHT_STRTAB {
		return nil, parseError("string table", sh.Offset, fmt.Errorf("%w: %s is not a string table", ErrBadIndex, sh.Type))
	}
	data, err := img.SectionData(sh)
	if err != nil {
		return nil, err
	}
	return StringTable(data), nil
}

// SectionName resolves the name of section i through the section-name table.
func (img *Image) SectionName(i int) (string, error) {
	sh, err := img.Section(i)
	if err != nil {
		return "", err
	}
	if img.shstrndx == 0 {
		return "", nil
	}
	names, err := img.Strings(img.sectionHeader(img.shstrndx))
	if err != nil {
		return "", err
	}
	return names.Lookup(sh.Name)
}
