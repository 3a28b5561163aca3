package reloc

import "debug/elf"

var x86_64 = &Arch{
	Name:    "x86_64",
	Machine: elf.EM_X86_64,
	Class:   elf.ELFCLASS64,
	howtos: map[uint32]Howto{
		uint32(elf.R_X86_64_NONE):     {Name: "R_X86_64_NONE", Apply: nop},
		uint32(elf.R_X86_64_64):       {Name: "R_X86_64_64", Size: 8, Apply: abs64},
		uint32(elf.R_X86_64_PC32):     {Name: "R_X86_64_PC32", Size: 4, Apply: pc32},
		uint32(elf.R_X86_64_PLT32):    {Name: "R_X86_64_PLT32", Size: 4, Apply: pc32},
		uint32(elf.R_X86_64_32):       {Name: "R_X86_64_32", Size: 4, Apply: x86Abs32},
		uint32(elf.R_X86_64_32S):      {Name: "R_X86_64_32S", Size: 4, Apply: x86Abs32S},
		uint32(elf.R_X86_64_16):       {Name: "R_X86_64_16", Size: 2, Apply: abs16},
		uint32(elf.R_X86_64_PC16):     {Name: "R_X86_64_PC16", Size: 2, Apply: pc16},
		uint32(elf.R_X86_64_PC64):     {Name: "R_X86_64_PC64", Size: 8, Apply: pc64},
		uint32(elf.R_X86_64_RELATIVE): {Name: "R_X86_64_RELATIVE", Size: 8, Apply: relative},
		uint32(elf.R_X86_64_GLOB_DAT): {Name: "R_X86_64_GLOB_DAT", Size: 8, Apply: symWord},
		uint32(elf.R_X86_64_JMP_SLOT): {Name: "R_X86_64_JUMP_SLOT", Size: 8, Apply: symWord},
	},
}

// R_X86_64_32 is zero-extended by the CPU.
func x86Abs32(f *Fixup) error {
	v := f.abs()
	if v>>32 != 0 {
		return overflow(int64(v), 32)
	}
	f.put32(uint32(v))
	return nil
}

// R_X86_64_32S is sign-extended by the CPU.
func x86Abs32S(f *Fixup) error {
	v := int64(f.abs())
	if !fitsSigned(v, 32) {
		return overflow(v, 32)
	}
	f.put32(uint32(v))
	return nil
}
