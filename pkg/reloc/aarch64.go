package reloc

import "debug/elf"

var aarch64 = &Arch{
	Name:    "aarch64",
	Machine: elf.EM_AARCH64,
	Class:   elf.ELFCLASS64,
	howtos: map[uint32]Howto{
		uint32(elf.R_AARCH64_NONE):               {Name: "R_AARCH64_NONE", Apply: nop},
		uint32(elf.R_AARCH64_ABS64):              {Name: "R_AARCH64_ABS64", Size: 8, Apply: abs64},
		uint32(elf.R_AARCH64_ABS32):              {Name: "R_AARCH64_ABS32", Size: 4, Apply: abs32},
		uint32(elf.R_AARCH64_ABS16):              {Name: "R_AARCH64_ABS16", Size: 2, Apply: abs16},
		uint32(elf.R_AARCH64_PREL64):             {Name: "R_AARCH64_PREL64", Size: 8, Apply: pc64},
		uint32(elf.R_AARCH64_PREL32):             {Name: "R_AARCH64_PREL32", Size: 4, Apply: arm64Prel32},
		uint32(elf.R_AARCH64_PREL16):             {Name: "R_AARCH64_PREL16", Size: 2, Apply: pc16},
		uint32(elf.R_AARCH64_RELATIVE):           {Name: "R_AARCH64_RELATIVE", Size: 8, Apply: relative},
		uint32(elf.R_AARCH64_GLOB_DAT):           {Name: "R_AARCH64_GLOB_DAT", Size: 8, Apply: absWord},
		uint32(elf.R_AARCH64_JUMP_SLOT):          {Name: "R_AARCH64_JUMP_SLOT", Size: 8, Apply: absWord},
		uint32(elf.R_AARCH64_CALL26):             {Name: "R_AARCH64_CALL26", Size: 4, Apply: arm64Branch26},
		uint32(elf.R_AARCH64_JUMP26):             {Name: "R_AARCH64_JUMP26", Size: 4, Apply: arm64Branch26},
		uint32(elf.R_AARCH64_ADR_PREL_PG_HI21):   {Name: "R_AARCH64_ADR_PREL_PG_HI21", Size: 4, Apply: arm64AdrPage},
		uint32(elf.R_AARCH64_ADD_ABS_LO12_NC):    {Name: "R_AARCH64_ADD_ABS_LO12_NC", Size: 4, Apply: arm64Lo12(0)},
		uint32(elf.R_AARCH64_LDST8_ABS_LO12_NC):  {Name: "R_AARCH64_LDST8_ABS_LO12_NC", Size: 4, Apply: arm64Lo12(0)},
		uint32(elf.R_AARCH64_LDST16_ABS_LO12_NC): {Name: "R_AARCH64_LDST16_ABS_LO12_NC", Size: 4, Apply: arm64Lo12(1)},
		uint32(elf.R_AARCH64_LDST32_ABS_LO12_NC): {Name: "R_AARCH64_LDST32_ABS_LO12_NC", Size: 4, Apply: arm64Lo12(2)},
		uint32(elf.R_AARCH64_LDST64_ABS_LO12_NC): {Name: "R_AARCH64_LDST64_ABS_LO12_NC", Size: 4, Apply: arm64Lo12(3)},
	},
}

// PREL32 accepts results representable either signed or unsigned.
func arm64Prel32(f *Fixup) error {
	v := f.pcrel()
	if v < -(1<<31) || v >= 1<<32 {
		return overflow(v, 32)
	}
	f.put32(uint32(v))
	return nil
}

// B and BL: imm26 holds the word offset, +/-128MiB.
func arm64Branch26(f *Fixup) error {
	v := f.pcrel()
	if v&3 != 0 {
		return misaligned(v, 4)
	}
	if !fitsSigned(v, 28) {
		return overflow(v, 28)
	}
	insn := f.get32()
	f.put32(insn&^0x03ffffff | uint32(v>>2)&0x03ffffff)
	return nil
}

// ADRP: 21-bit page delta split into immlo (bits 29-30) and immhi (5-23).
func arm64AdrPage(f *Fixup) error {
	v := int64(f.abs()&^0xfff) - int64(f.P&^0xfff)
	v >>= 12
	if !fitsSigned(v, 21) {
		return overflow(v, 21)
	}
	immlo := uint32(v) & 3
	immhi := uint32(v>>2) & 0x7ffff
	insn := f.get32() &^ (3<<29 | 0x7ffff<<5)
	f.put32(insn | immlo<<29 | immhi<<5)
	return nil
}

// arm64Lo12 fills imm12 (bits 10-21) with the low 12 bits of S+A scaled by
// the access size.
func arm64Lo12(shift uint) func(f *Fixup) error {
	return func(f *Fixup) error {
		lo := f.abs() & 0xfff
		if lo&(1<<shift-1) != 0 {
			return misaligned(int64(lo), 1<<shift)
		}
		insn := f.get32() &^ (0xfff << 10)
		f.put32(insn | uint32(lo>>shift)<<10)
		return nil
	}
}
