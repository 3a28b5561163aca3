package reloc

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// Fixup carries the inputs of one relocation: S is the symbol address, A
// the addend, P the address of the patched location and B the load bias.
// Loc is the patched memory, exactly Howto.Size bytes long.
type Fixup struct {
	S     uint64
	A     int64
	P     uint64
	B     uint64
	Loc   []byte
	Order binary.ByteOrder

	// hi returns the PC-relative value computed by the high-part
	// relocation at address p.
	hi func(p uint64) (int64, bool)
}

func (f *Fixup) abs() uint64 {
	return f.S + uint64(f.A)
}

func (f *Fixup) pcrel() int64 {
	return int64(f.S + uint64(f.A) - f.P)
}

func (f *Fixup) rel() uint64 {
	return f.B + uint64(f.A)
}

func (f *Fixup) get32() uint32  { return f.Order.Uint32(f.Loc) }
func (f *Fixup) get64() uint64  { return f.Order.Uint64(f.Loc) }
func (f *Fixup) put16(v uint16) { f.Order.PutUint16(f.Loc, v) }
func (f *Fixup) put32(v uint32) { f.Order.PutUint32(f.Loc, v) }
func (f *Fixup) put64(v uint64) { f.Order.PutUint64(f.Loc, v) }

func (f *Fixup) putWord(v uint64) {
	if len(f.Loc) == 8 {
		f.put64(v)
		return
	}
	f.put32(uint32(v))
}

// Howto is the arithmetic of one relocation type.
type Howto struct {
	Name     string
	// Size is the number of bytes patched. Zero means the relocation is a
	// marker and nothing is written.
	Size     int
	// Implicit reads the addend of a SHT_REL entry from the location.
	Implicit func(f *Fixup) int64
	Apply    func(f *Fixup) error
	// Pair computes the value that low-part relocations referring back to
	// this one's location use.
	Pair     func(f *Fixup) int64
}

// Arch is the closed set of relocation types supported for one machine.
type Arch struct {
	Name    string
	Machine elf.Machine
	Class   elf.Class
	howtos  map[uint32]Howto
}

func (a *Arch) Howto(typ uint32) (Howto, bool) {
	h, ok := a.howtos[typ]
	return h, ok
}

// TypeName names a relocation type of this architecture.
func (a *Arch) TypeName(typ uint32) string {
	if h, ok := a.howtos[typ]; ok {
		return h.Name
	}
	switch a.Machine {
	case elf.EM_X86_64:
		return elf.R_X86_64(typ).String()
	case elf.EM_AARCH64:
		return elf.R_AARCH64(typ).String()
	case elf.EM_RISCV:
		return elf.R_RISCV(typ).String()
	case elf.EM_386:
		return elf.R_386(typ).String()
	case elf.EM_PPC:
		return elf.R_PPC(typ).String()
	}
	return fmt.Sprintf("type %d", typ)
}

// ArchFor returns the relocation table for machine and class.
func ArchFor(machine elf.Machine, class elf.Class) (*Arch, error) {
	switch {
	case machine == elf.EM_X86_64 && class == elf.ELFCLASS64:
		return x86_64, nil
	case machine == elf.EM_AARCH64 && class == elf.ELFCLASS64:
		return aarch64, nil
	case machine == elf.EM_RISCV && class == elf.ELFCLASS64:
		return riscv64, nil
	case machine == elf.EM_RISCV && class == elf.ELFCLASS32:
		return riscv32, nil
	case machine == elf.EM_386 && class == elf.ELFCLASS32:
		return i386, nil
	case machine == elf.EM_PPC && class == elf.ELFCLASS32:
		return ppc, nil
	}
	return nil, fmt.Errorf("%w: %s %s", ErrUnsupportedArch, machine, class)
}

func fitsSigned(v int64, bits uint) bool {
	lim := int64(1) << (bits - 1)
	return v >= -lim && v < lim
}

// fitsWord accepts values that are representable either zero- or
// sign-extended in the given width.
func fitsWord(v uint64, bits uint) bool {
	return v < 1<<bits || fitsSigned(int64(v), bits)
}

func overflow(v int64, bits uint) error {
	return fmt.Errorf("%w: %#x in %d bits", ErrOverflow, v, bits)
}

func misaligned(v int64, align int) error {
	return fmt.Errorf("%w: %#x is not a multiple of %d", ErrMisaligned, v, align)
}

func implicit32(f *Fixup) int64 {
	return int64(int32(f.get32()))
}

func nop(*Fixup) error {
	return nil
}

// Shared value kinds.

func abs64(f *Fixup) error {
	f.put64(f.abs())
	return nil
}

func absWord(f *Fixup) error {
	f.putWord(f.abs())
	return nil
}

func abs32(f *Fixup) error {
	v := f.abs()
	if !fitsWord(v, 32) {
		return overflow(int64(v), 32)
	}
	f.put32(uint32(v))
	return nil
}

func abs16(f *Fixup) error {
	v := f.abs()
	if !fitsWord(v, 16) {
		return overflow(int64(v), 16)
	}
	f.put16(uint16(v))
	return nil
}

func pc64(f *Fixup) error {
	f.put64(uint64(f.pcrel()))
	return nil
}

func pc32(f *Fixup) error {
	v := f.pcrel()
	if !fitsSigned(v, 32) {
		return overflow(v, 32)
	}
	f.put32(uint32(v))
	return nil
}

func pc16(f *Fixup) error {
	v := f.pcrel()
	if !fitsSigned(v, 16) {
		return overflow(v, 16)
	}
	f.put16(uint16(v))
	return nil
}

func relative(f *Fixup) error {
	f.putWord(f.rel())
	return nil
}

// symWord stores S alone, as GOT and PLT slot relocations do on x86.
func symWord(f *Fixup) error {
	f.putWord(f.S)
	return nil
}
