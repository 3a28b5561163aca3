package reloc

import "debug/elf"

var ppc = &Arch{
	Name:    "ppc",
	Machine: elf.EM_PPC,
	Class:   elf.ELFCLASS32,
	howtos: map[uint32]Howto{
		uint32(elf.R_PPC_NONE):      {Name: "R_PPC_NONE", Apply: nop},
		uint32(elf.R_PPC_ADDR32):    {Name: "R_PPC_ADDR32", Size: 4, Apply: abs32},
		uint32(elf.R_PPC_REL32):     {Name: "R_PPC_REL32", Size: 4, Apply: pcWord32},
		uint32(elf.R_PPC_RELATIVE):  {Name: "R_PPC_RELATIVE", Size: 4, Apply: relative},
		uint32(elf.R_PPC_GLOB_DAT):  {Name: "R_PPC_GLOB_DAT", Size: 4, Apply: absWord},
		uint32(elf.R_PPC_ADDR16_LO): {Name: "R_PPC_ADDR16_LO", Size: 2, Apply: ppcHalf(lo16)},
		uint32(elf.R_PPC_ADDR16_HI): {Name: "R_PPC_ADDR16_HI", Size: 2, Apply: ppcHalf(hi16)},
		uint32(elf.R_PPC_ADDR16_HA): {Name: "R_PPC_ADDR16_HA", Size: 2, Apply: ppcHalf(ha16)},
		uint32(elf.R_PPC_REL24):     {Name: "R_PPC_REL24", Size: 4, Apply: ppcRel24},
	},
}

func lo16(v uint32) uint16 { return uint16(v) }
func hi16(v uint32) uint16 { return uint16(v >> 16) }

// ha16 is the high half adjusted for the sign of the low half.
func ha16(v uint32) uint16 { return uint16((v + 0x8000) >> 16) }

func ppcHalf(part func(uint32) uint16) func(f *Fixup) error {
	return func(f *Fixup) error {
		f.put16(part(uint32(f.abs())))
		return nil
	}
}

// b/bl: LI field in bits 2-25, +/-32MiB.
func ppcRel24(f *Fixup) error {
	v := int64(int32(uint32(f.pcrel())))
	if v&3 != 0 {
		return misaligned(v, 4)
	}
	if !fitsSigned(v, 26) {
		return overflow(v, 26)
	}
	insn := f.get32()
	f.put32(insn&^0x03fffffc | uint32(v)&0x03fffffc)
	return nil
}
