package reloc

import "debug/elf"

// i386 objects use SHT_REL; addends live in the patched word.
var i386 = &Arch{
	Name:    "i386",
	Machine: elf.EM_386,
	Class:   elf.ELFCLASS32,
	howtos: map[uint32]Howto{
		uint32(elf.R_386_NONE):     {Name: "R_386_NONE", Apply: nop},
		uint32(elf.R_386_32):       {Name: "R_386_32", Size: 4, Implicit: implicit32, Apply: abs32},
		uint32(elf.R_386_PC32):     {Name: "R_386_PC32", Size: 4, Implicit: implicit32, Apply: pcWord32},
		uint32(elf.R_386_PLT32):    {Name: "R_386_PLT32", Size: 4, Implicit: implicit32, Apply: pcWord32},
		uint32(elf.R_386_RELATIVE): {Name: "R_386_RELATIVE", Size: 4, Implicit: implicit32, Apply: relative},
		uint32(elf.R_386_GLOB_DAT): {Name: "R_386_GLOB_DAT", Size: 4, Apply: symWord},
		uint32(elf.R_386_JMP_SLOT): {Name: "R_386_JMP_SLOT", Size: 4, Apply: symWord},
	},
}

// pcWord32 is S+A-P in a 32-bit address space, where every distance wraps.
func pcWord32(f *Fixup) error {
	f.put32(uint32(f.pcrel()))
	return nil
}
