package reloc

import "debug/elf"

var (
	riscv64 = riscv("riscv64", elf.ELFCLASS64, 8)
	riscv32 = riscv("riscv32", elf.ELFCLASS32, 4)
)

func riscv(name string, class elf.Class, word int) *Arch {
	return &Arch{
		Name:    name,
		Machine: elf.EM_RISCV,
		Class:   class,
		howtos: map[uint32]Howto{
			uint32(elf.R_RISCV_NONE):         {Name: "R_RISCV_NONE", Apply: nop},
			uint32(elf.R_RISCV_32):           {Name: "R_RISCV_32", Size: 4, Apply: abs32},
			uint32(elf.R_RISCV_64):           {Name: "R_RISCV_64", Size: 8, Apply: abs64},
			uint32(elf.R_RISCV_RELATIVE):     {Name: "R_RISCV_RELATIVE", Size: word, Apply: relative},
			uint32(elf.R_RISCV_JUMP_SLOT):    {Name: "R_RISCV_JUMP_SLOT", Size: word, Apply: absWord},
			uint32(elf.R_RISCV_BRANCH):       {Name: "R_RISCV_BRANCH", Size: 4, Apply: rvBranch},
			uint32(elf.R_RISCV_JAL):          {Name: "R_RISCV_JAL", Size: 4, Apply: rvJal},
			uint32(elf.R_RISCV_CALL):         {Name: "R_RISCV_CALL", Size: 8, Apply: rvCall(word)},
			uint32(elf.R_RISCV_CALL_PLT):     {Name: "R_RISCV_CALL_PLT", Size: 8, Apply: rvCall(word)},
			uint32(elf.R_RISCV_PCREL_HI20):   {Name: "R_RISCV_PCREL_HI20", Size: 4, Apply: rvPcrelHi20(word), Pair: rvPcrel(word)},
			uint32(elf.R_RISCV_PCREL_LO12_I): {Name: "R_RISCV_PCREL_LO12_I", Size: 4, Apply: rvPcrelLo12(rvPutI)},
			uint32(elf.R_RISCV_PCREL_LO12_S): {Name: "R_RISCV_PCREL_LO12_S", Size: 4, Apply: rvPcrelLo12(rvPutS)},
			uint32(elf.R_RISCV_HI20):         {Name: "R_RISCV_HI20", Size: 4, Apply: rvHi20(word)},
			uint32(elf.R_RISCV_LO12_I):       {Name: "R_RISCV_LO12_I", Size: 4, Apply: rvLo12(word, rvPutI)},
			uint32(elf.R_RISCV_LO12_S):       {Name: "R_RISCV_LO12_S", Size: 4, Apply: rvLo12(word, rvPutS)},
			uint32(elf.R_RISCV_ADD32):        {Name: "R_RISCV_ADD32", Size: 4, Apply: rvAdd32(1)},
			uint32(elf.R_RISCV_SUB32):        {Name: "R_RISCV_SUB32", Size: 4, Apply: rvAdd32(-1)},
			uint32(elf.R_RISCV_ADD64):        {Name: "R_RISCV_ADD64", Size: 8, Apply: rvAdd64(1)},
			uint32(elf.R_RISCV_SUB64):        {Name: "R_RISCV_SUB64", Size: 8, Apply: rvAdd64(-1)},
			// Linker relaxation hints; the unrelaxed code is already valid.
			uint32(elf.R_RISCV_RELAX): {Name: "R_RISCV_RELAX", Apply: nop},
			uint32(elf.R_RISCV_ALIGN): {Name: "R_RISCV_ALIGN", Apply: nop},
		},
	}
}

// rvSplit returns the AUIPC/LUI upper part and the signed low 12 bits of v.
func rvSplit(v int64) (hi, lo int64) {
	hi = (v + 0x800) >> 12
	lo = v - hi<<12
	return hi, lo
}

// rvFitsHi reports whether v is reachable with a LUI/AUIPC pair. On riscv32
// every value is, since the address space wraps.
func rvFitsHi(v int64, word int) bool {
	return word == 4 || v >= -(1<<31)-0x800 && v < (1<<31)-0x800
}

func rvPutU(f *Fixup, hi int64) {
	insn := f.get32() & 0xfff
	f.put32(insn | uint32(hi)<<12)
}

func rvPutI(f *Fixup, lo int64) {
	insn := f.get32() & 0x000fffff
	f.put32(insn | (uint32(lo)&0xfff)<<20)
}

func rvPutS(f *Fixup, lo int64) {
	imm := uint32(lo) & 0xfff
	insn := f.get32() &^ (0x7f<<25 | 0x1f<<7)
	f.put32(insn | (imm>>5)<<25 | (imm&0x1f)<<7)
}

func rvBranch(f *Fixup) error {
	v := f.pcrel()
	if v&1 != 0 {
		return misaligned(v, 2)
	}
	if !fitsSigned(v, 13) {
		return overflow(v, 13)
	}
	imm := uint32(v)
	insn := f.get32() &^ (0x7f<<25 | 0x1f<<7)
	insn |= (imm>>12&1)<<31 | (imm>>5&0x3f)<<25 | (imm>>1&0xf)<<8 | (imm>>11&1)<<7
	f.put32(insn)
	return nil
}

func rvJal(f *Fixup) error {
	v := f.pcrel()
	if v&1 != 0 {
		return misaligned(v, 2)
	}
	if !fitsSigned(v, 21) {
		return overflow(v, 21)
	}
	imm := uint32(v)
	insn := f.get32() & 0xfff
	insn |= (imm>>20&1)<<31 | (imm>>1&0x3ff)<<21 | (imm>>11&1)<<20 | (imm>>12&0xff)<<12
	f.put32(insn)
	return nil
}

// narrow truncates v to the register width of riscv32.
func narrow(v int64, word int) int64 {
	if word == 4 {
		return int64(int32(v))
	}
	return v
}

func rvPcrel(word int) func(f *Fixup) int64 {
	return func(f *Fixup) int64 {
		return narrow(f.pcrel(), word)
	}
}

// AUIPC followed by JALR.
func rvCall(word int) func(f *Fixup) error {
	return func(f *Fixup) error {
		v := narrow(f.pcrel(), word)
		if !rvFitsHi(v, word) {
			return overflow(v, 32)
		}
		hi, lo := rvSplit(v)
		rvPutU(&Fixup{Loc: f.Loc[:4], Order: f.Order}, hi)
		rvPutI(&Fixup{Loc: f.Loc[4:8], Order: f.Order}, lo)
		return nil
	}
}

func rvPcrelHi20(word int) func(f *Fixup) error {
	return func(f *Fixup) error {
		v := narrow(f.pcrel(), word)
		if !rvFitsHi(v, word) {
			return overflow(v, 32)
		}
		hi, _ := rvSplit(v)
		rvPutU(f, hi)
		return nil
	}
}

// The symbol of a PCREL_LO12 relocation labels the AUIPC whose
// PCREL_HI20 value supplies the low bits.
func rvPcrelLo12(put func(*Fixup, int64)) func(f *Fixup) error {
	return func(f *Fixup) error {
		if f.hi == nil {
			return ErrMissingPair
		}
		v, ok := f.hi(f.abs())
		if !ok {
			return ErrMissingPair
		}
		_, lo := rvSplit(v)
		put(f, lo)
		return nil
	}
}

func rvHi20(word int) func(f *Fixup) error {
	return func(f *Fixup) error {
		v := narrow(int64(f.abs()), word)
		if !rvFitsHi(v, word) {
			return overflow(v, 32)
		}
		hi, _ := rvSplit(v)
		rvPutU(f, hi)
		return nil
	}
}

func rvLo12(word int, put func(*Fixup, int64)) func(f *Fixup) error {
	return func(f *Fixup) error {
		_, lo := rvSplit(narrow(int64(f.abs()), word))
		put(f, lo)
		return nil
	}
}

func rvAdd32(sign int64) func(f *Fixup) error {
	return func(f *Fixup) error {
		f.put32(f.get32() + uint32(sign*int64(f.abs())))
		return nil
	}
}

func rvAdd64(sign int64) func(f *Fixup) error {
	return func(f *Fixup) error {
		f.put64(f.get64() + uint64(sign*int64(f.abs())))
		return nil
	}
}
