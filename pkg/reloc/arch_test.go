package reloc

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type encodeCase struct {
	name   string
	typ    uint32
	s, p   uint64
	a      int64
	insn   uint64
	expect uint64
	err    error
}

func runEncode(t *testing.T, arch *Arch, order binary.ByteOrder, cases []encodeCase) {
	t.Helper()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, ok := arch.Howto(tc.typ)
			require.True(t, ok)
			loc := make([]byte, h.Size)
			switch h.Size {
			case 2:
				order.PutUint16(loc, uint16(tc.insn))
			case 4:
				order.PutUint32(loc, uint32(tc.insn))
			case 8:
				order.PutUint64(loc, tc.insn)
			}
			f := &Fixup{S: tc.s, A: tc.a, P: tc.p, Loc: loc, Order: order}
			err := h.Apply(f)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			var got uint64
			switch h.Size {
			case 2:
				got = uint64(order.Uint16(loc))
			case 4:
				got = uint64(order.Uint32(loc))
			case 8:
				got = order.Uint64(loc)
			}
			assert.Equal(t, tc.expect, got, "%#x", got)
		})
	}
}

func TestX86_64(t *testing.T) {
	runEncode(t, x86_64, binary.LittleEndian, []encodeCase{
		{name: "64", typ: uint32(elf.R_X86_64_64), s: 0x1000, a: 4, expect: 0x1004},
		{name: "pc32", typ: uint32(elf.R_X86_64_PC32), s: 0x1000, p: 0x2000, a: -4, expect: 0xffffeffc},
		{name: "pc32 overflow", typ: uint32(elf.R_X86_64_PC32), s: 0x1_0000_0000, p: 0x10, err: ErrOverflow},
		{name: "32", typ: uint32(elf.R_X86_64_32), s: 0xffff_fff0, a: 0xf, expect: 0xffff_ffff},
		{name: "32 overflow", typ: uint32(elf.R_X86_64_32), s: 0xffff_ffff_8000_0000, err: ErrOverflow},
		{name: "32s", typ: uint32(elf.R_X86_64_32S), s: 0xffff_ffff_8000_0000, expect: 0x8000_0000},
		{name: "32s overflow", typ: uint32(elf.R_X86_64_32S), s: 0x8000_0000, err: ErrOverflow},
		{name: "glob dat ignores addend", typ: uint32(elf.R_X86_64_GLOB_DAT), s: 0x4000, a: 8, expect: 0x4000},
	})
}

func TestAArch64(t *testing.T) {
	runEncode(t, aarch64, binary.LittleEndian, []encodeCase{
		{name: "bl forward", typ: uint32(elf.R_AARCH64_CALL26), s: 0x2000, p: 0x1000, insn: 0x94000000, expect: 0x94000400},
		{name: "bl backward", typ: uint32(elf.R_AARCH64_CALL26), s: 0x1000, p: 0x2000, insn: 0x94000000, expect: 0x97fffc00},
		{name: "bl misaligned", typ: uint32(elf.R_AARCH64_CALL26), s: 0x1002, p: 0x2000, insn: 0x94000000, err: ErrMisaligned},
		{name: "bl range", typ: uint32(elf.R_AARCH64_JUMP26), s: 0x1000_0000, p: 0, insn: 0x14000000, err: ErrOverflow},
		{name: "adrp", typ: uint32(elf.R_AARCH64_ADR_PREL_PG_HI21), s: 0x12345678, p: 0x10000000, insn: 0x90000000, expect: 0xb0011a20},
		{name: "add lo12", typ: uint32(elf.R_AARCH64_ADD_ABS_LO12_NC), s: 0x12345678, insn: 0x91000000, expect: 0x9119e000},
		{name: "ldr lo12", typ: uint32(elf.R_AARCH64_LDST64_ABS_LO12_NC), s: 0x12345678, insn: 0xf9400000, expect: 0xf9433c00},
		{name: "ldr lo12 misaligned", typ: uint32(elf.R_AARCH64_LDST64_ABS_LO12_NC), s: 0x12345674, insn: 0xf9400000, err: ErrMisaligned},
		{name: "prel32", typ: uint32(elf.R_AARCH64_PREL32), s: 0x1000, p: 0x1010, expect: 0xfffffff0},
	})
}

func TestRISCV(t *testing.T) {
	runEncode(t, riscv64, binary.LittleEndian, []encodeCase{
		{name: "call", typ: uint32(elf.R_RISCV_CALL_PLT), s: 0x2800, p: 0x1000, insn: 0x000080e7_00000097, expect: 0x800080e7_00002097},
		{name: "branch", typ: uint32(elf.R_RISCV_BRANCH), s: 0x1010, p: 0x1000, insn: 0x63, expect: 0x863},
		{name: "branch range", typ: uint32(elf.R_RISCV_BRANCH), s: 0x3000, p: 0x1000, insn: 0x63, err: ErrOverflow},
		{name: "jal", typ: uint32(elf.R_RISCV_JAL), s: 0x1800, p: 0x1000, insn: 0x6f, expect: 0x0010006f},
		{name: "hi20", typ: uint32(elf.R_RISCV_HI20), s: 0x12345800, insn: 0x537, expect: 0x12346537},
		{name: "lo12 i", typ: uint32(elf.R_RISCV_LO12_I), s: 0x12345800, insn: 0x00050513, expect: 0x80050513},
		{name: "lo12 s", typ: uint32(elf.R_RISCV_LO12_S), s: 0x12345824, insn: 0x00a53023, expect: 0x82a53223},
		{name: "add32", typ: uint32(elf.R_RISCV_ADD32), s: 0x10, a: 2, insn: 0x100, expect: 0x112},
		{name: "sub64", typ: uint32(elf.R_RISCV_SUB64), s: 0x10, insn: 0x100, expect: 0xf0},
		{name: "pcrel lo without hi", typ: uint32(elf.R_RISCV_PCREL_LO12_I), s: 0x1000, insn: 0x00050513, err: ErrMissingPair},
	})
}

func TestPPC(t *testing.T) {
	runEncode(t, ppc, binary.BigEndian, []encodeCase{
		{name: "ha", typ: uint32(elf.R_PPC_ADDR16_HA), s: 0x12348000, expect: 0x1235},
		{name: "hi", typ: uint32(elf.R_PPC_ADDR16_HI), s: 0x12348000, expect: 0x1234},
		{name: "lo", typ: uint32(elf.R_PPC_ADDR16_LO), s: 0x12348000, expect: 0x8000},
		{name: "rel24", typ: uint32(elf.R_PPC_REL24), s: 0x1100, p: 0x1000, insn: 0x48000001, expect: 0x48000101},
		{name: "rel24 backward", typ: uint32(elf.R_PPC_REL24), s: 0x1000, p: 0x1100, insn: 0x48000001, expect: 0x4bffff01},
		{name: "rel24 range", typ: uint32(elf.R_PPC_REL24), s: 0x0400_0000, p: 0, insn: 0x48000001, err: ErrOverflow},
	})
}

func TestI386ImplicitAddend(t *testing.T) {
	h, ok := i386.Howto(uint32(elf.R_386_PC32))
	require.True(t, ok)
	loc := []byte{0xfc, 0xff, 0xff, 0xff}
	f := &Fixup{S: 0x2000, P: 0x1000, Loc: loc, Order: binary.LittleEndian}
	f.A = h.Implicit(f)
	assert.Equal(t, int64(-4), f.A)
	require.NoError(t, h.Apply(f))
	assert.Equal(t, uint32(0xffc), binary.LittleEndian.Uint32(loc))
}

func TestArchFor(t *testing.T) {
	for _, tc := range []struct {
		machine elf.Machine
		class   elf.Class
		name    string
	}{
		{elf.EM_X86_64, elf.ELFCLASS64, "x86_64"},
		{elf.EM_AARCH64, elf.ELFCLASS64, "aarch64"},
		{elf.EM_RISCV, elf.ELFCLASS64, "riscv64"},
		{elf.EM_RISCV, elf.ELFCLASS32, "riscv32"},
		{elf.EM_386, elf.ELFCLASS32, "i386"},
		{elf.EM_PPC, elf.ELFCLASS32, "ppc"},
	} {
		a, err := ArchFor(tc.machine, tc.class)
		require.NoError(t, err)
		assert.Equal(t, tc.name, a.Name)
	}
	_, err := ArchFor(elf.EM_X86_64, elf.ELFCLASS32)
	require.ErrorIs(t, err, ErrUnsupportedArch)
	_, err = ArchFor(elf.EM_MIPS, elf.ELFCLASS32)
	require.ErrorIs(t, err, ErrUnsupportedArch)

	assert.Equal(t, "R_X86_64_PC32", x86_64.TypeName(uint32(elf.R_X86_64_PC32)))
	assert.Equal(t, "R_X86_64_GOTPCREL", x86_64.TypeName(uint32(elf.R_X86_64_GOTPCREL)))
}
