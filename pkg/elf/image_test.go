package elf_test

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	elf2 "github.com/grafana/prelink/pkg/elf"
	"github.com/grafana/prelink/pkg/elf/elftest"
)

func testObject(class elf.Class, data elf.Data, machine elf.Machine) []byte {
	b := elftest.New(class, data, machine)
	text := b.Text(".text", []byte{0x90, 0x90, 0x90, 0x90, 0xc3, 0, 0, 0})
	rw := b.ReadWrite(".data", make([]byte, 16))
	b.Bss(".bss", 64)
	b.Symbol(elftest.Symbol{Name: "local_fn", Bind: elf.STB_LOCAL, Type: elf.STT_FUNC, Section: text})
	b.Symbol(elftest.Symbol{Name: "entry", Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Section: text, Value: 4, Size: 1})
	b.Symbol(elftest.Symbol{Name: "counter", Bind: elf.STB_GLOBAL, Type: elf.STT_OBJECT, Section: rw, Size: 8})
	b.Symbol(elftest.Symbol{Name: "printk", Bind: elf.STB_GLOBAL})
	b.Relocs(rw, true, elftest.Reloc{Offset: 8, Symbol: "entry", Type: uint32(elf.R_X86_64_64), Addend: -2})
	return b.Bytes()
}

func TestParseRelocatable(t *testing.T) {
	buf := testObject(elf.ELFCLASS64, elf.ELFDATA2LSB, elf.EM_X86_64)
	img, err := elf2.Parse(buf)
	require.NoError(t, err)

	assert.Equal(t, elf.ELFCLASS64, img.Class)
	assert.Equal(t, elf.ET_REL, img.Type)
	assert.Equal(t, elf.EM_X86_64, img.Machine)
	assert.Equal(t, binary.LittleEndian, img.ByteOrder())
	assert.Equal(t, 0, img.NumProgs())

	var names []string
	for i := 0; i < img.NumSections(); i++ {
		name, err := img.SectionName(i)
		require.NoError(t, err)
		names = append(names, name)
	}
	assert.Equal(t, []string{"", ".text", ".data", ".bss", ".rela.data", ".symtab", ".strtab", ".shstrtab"}, names)

	text, err := img.Section(1)
	require.NoError(t, err)
	data, err := img.SectionData(text)
	require.NoError(t, err)
	assert.Equal(t, byte(0xc3), data[4])
	assert.Same(t, &buf[text.Offset], &data[0], "section data must alias the input buffer")

	bss, err := img.Section(3)
	require.NoError(t, err)
	data, err = img.SectionData(bss)
	require.NoError(t, err)
	assert.Nil(t, data)
	assert.Equal(t, uint64(64), bss.Size)
}

func TestParseEntries(t *testing.T) {
	for _, tc := range []struct {
		class elf.Class
		data  elf.Data
	}{
		{elf.ELFCLASS64, elf.ELFDATA2LSB},
		{elf.ELFCLASS32, elf.ELFDATA2MSB},
	} {
		t.Run(tc.class.String()+"/"+tc.data.String(), func(t *testing.T) {
			img, err := elf2.Parse(testObject(tc.class, tc.data, elf.EM_X86_64))
			require.NoError(t, err)

			symtab, err := img.Section(5)
			require.NoError(t, err)
			n, err := img.NumSymbols(symtab)
			require.NoError(t, err)
			assert.Equal(t, 5, n)

			sym, err := img.Symbol(symtab, 2)
			require.NoError(t, err)
			assert.Equal(t, elf.STB_GLOBAL, sym.Bind())
			assert.Equal(t, elf.STT_FUNC, sym.Type())
			assert.Equal(t, uint64(4), sym.Value)
			assert.Equal(t, uint16(1), sym.Shndx)

			_, err = img.Symbol(symtab, n)
			require.ErrorIs(t, err, elf2.ErrSectionOverrun)

			rela, err := img.Section(4)
			require.NoError(t, err)
			n, err = img.NumRelocations(rela)
			require.NoError(t, err)
			require.Equal(t, 1, n)
			r, err := img.Relocation(rela, 0)
			require.NoError(t, err)
			assert.Equal(t, elf2.Rel{Offset: 8, Sym: 2, Type: uint32(elf.R_X86_64_64), Addend: -2, Explicit: true}, r)
		})
	}
}

func TestParseErrors(t *testing.T) {
	valid := testObject(elf.ELFCLASS64, elf.ELFDATA2LSB, elf.EM_X86_64)
	mutate := func(f func(b []byte)) []byte {
		b := append([]byte(nil), valid...)
		f(b)
		return b
	}
	for _, tc := range []struct {
		name   string
		buf    []byte
		opts   []elf2.Option
		expect error
	}{
		{"empty", nil, nil, elf2.ErrBadMagic},
		{"magic", mutate(func(b []byte) { b[1] = 'X' }), nil, elf2.ErrBadMagic},
		{"ident", valid[:10], nil, elf2.ErrTruncated},
		{"class", mutate(func(b []byte) { b[elf.EI_CLASS] = 3 }), nil, elf2.ErrUnsupportedClass},
		{"encoding", mutate(func(b []byte) { b[elf.EI_DATA] = 0 }), nil, elf2.ErrUnsupportedEncoding},
		{"ident version", mutate(func(b []byte) { b[elf.EI_VERSION] = 2 }), nil, elf2.ErrUnsupportedVersion},
		{"version", mutate(func(b []byte) { b[20] = 7 }), nil, elf2.ErrUnsupportedVersion},
		{"machine", valid, []elf2.Option{elf2.WithMachines(elf.EM_RISCV)}, elf2.ErrUnsupportedMachine},
		{"ehsize", mutate(func(b []byte) { binary.LittleEndian.PutUint16(b[52:], 12) }), nil, elf2.ErrBadHeaderSize},
		{"shentsize", mutate(func(b []byte) { binary.LittleEndian.PutUint16(b[58:], 10) }), nil, elf2.ErrBadEntrySize},
		{"shnum", mutate(func(b []byte) { binary.LittleEndian.PutUint16(b[60:], 0x7fff) }), nil, elf2.ErrTableOverrun},
		{"shoff", mutate(func(b []byte) { binary.LittleEndian.PutUint64(b[40:], 1<<62) }), nil, elf2.ErrTableOverrun},
		{"shstrndx", mutate(func(b []byte) { binary.LittleEndian.PutUint16(b[62:], 100) }), nil, elf2.ErrBadIndex},
		{"shstrndx type", mutate(func(b []byte) { binary.LittleEndian.PutUint16(b[62:], 1) }), nil, elf2.ErrBadIndex},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := elf2.Parse(tc.buf, tc.opts...)
			require.ErrorIs(t, err, tc.expect)
			var pe *elf2.ParseError
			require.True(t, errors.As(err, &pe))
		})
	}
}

func TestParseSectionOverrun(t *testing.T) {
	buf := testObject(elf.ELFCLASS64, elf.ELFDATA2LSB, elf.EM_X86_64)
	img, err := elf2.Parse(buf)
	require.NoError(t, err)
	// Grow .text past the end of the buffer.
	off := img.ShOff + uint64(img.ShEntSize) + 32
	binary.LittleEndian.PutUint64(buf[off:], uint64(len(buf)))
	_, err = elf2.Parse(buf)
	require.ErrorIs(t, err, elf2.ErrSectionOverrun)
	assert.True(t, elf2.IsCorrupt(err))
}

func TestParseBadAlignment(t *testing.T) {
	buf := testObject(elf.ELFCLASS64, elf.ELFDATA2LSB, elf.EM_X86_64)
	img, err := elf2.Parse(buf)
	require.NoError(t, err)
	off := img.ShOff + uint64(img.ShEntSize) + 48
	binary.LittleEndian.PutUint64(buf[off:], 12)
	_, err = elf2.Parse(buf)
	require.ErrorIs(t, err, elf2.ErrBadAlignment)
}

func TestTruncatedBuffers(t *testing.T) {
	for _, buf := range [][]byte{
		testObject(elf.ELFCLASS64, elf.ELFDATA2LSB, elf.EM_X86_64),
		testObject(elf.ELFCLASS32, elf.ELFDATA2MSB, elf.EM_PPC),
	} {
		img, err := elf2.Parse(buf)
		require.NoError(t, err)
		end := int(img.ShOff) + img.NumSections()*int(img.ShEntSize)
		for n := 0; n < end; n++ {
			_, err := elf2.Parse(buf[:n:n])
			var pe *elf2.ParseError
			require.Truef(t, errors.As(err, &pe), "truncated at %d: %v", n, err)
		}
	}
}

func TestErrorClassification(t *testing.T) {
	_, err := elf2.Parse([]byte("#!/bin/sh\n"))
	assert.True(t, elf2.IsNotELF(err))
	assert.False(t, elf2.IsUnsupported(err))
	assert.False(t, elf2.IsCorrupt(err))

	buf := testObject(elf.ELFCLASS64, elf.ELFDATA2LSB, elf.EM_X86_64)
	_, err = elf2.Parse(buf, elf2.WithMachines(elf.EM_AARCH64))
	assert.False(t, elf2.IsNotELF(err))
	assert.True(t, elf2.IsUnsupported(err))
	assert.False(t, elf2.IsCorrupt(err))

	_, err = elf2.Parse(buf[:len(buf)-1])
	assert.False(t, elf2.IsNotELF(err))
	assert.False(t, elf2.IsUnsupported(err))
	assert.True(t, elf2.IsCorrupt(err))
}

func TestStringTable(t *testing.T) {
	st := elf2.StringTable("\x00.text\x00.data\x00tail")
	s, err := st.Lookup(1)
	require.NoError(t, err)
	assert.Equal(t, ".text", s)
	s, err = st.Lookup(3)
	require.NoError(t, err)
	assert.Equal(t, "ext", s)
	s, err = st.Lookup(0)
	require.NoError(t, err)
	assert.Equal(t, "", s)

	_, err = st.Lookup(13)
	require.ErrorIs(t, err, elf2.ErrBadStringOffset, "unterminated string must not be truncated")
	_, err = st.Lookup(100)
	require.ErrorIs(t, err, elf2.ErrBadStringOffset)
}
