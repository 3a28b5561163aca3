// Package sections resolves section names and classifies sections by the
// role the loader gives them.
package sections

import (
	"debug/elf"
	"fmt"

	elf2 "github.com/grafana/prelink/pkg/elf"
)

type Kind uint8

const (
	KindNull Kind = iota
	KindCode
	KindData
	KindBSS
	KindNote
	KindSymtab
	KindDynsym
	KindStrtab
	KindRel
	KindRela
	KindOther
)

var kindNames = [...]string{
	KindNull:   "null",
	KindCode:   "code",
	KindData:   "data",
	KindBSS:    "bss",
	KindNote:   "note",
	KindSymtab: "symtab",
	KindDynsym: "dynsym",
	KindStrtab: "strtab",
	KindRel:    "rel",
	KindRela:   "rela",
	KindOther:  "other",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

type Flags uint8

const (
	FlagWrite Flags = 1 << iota
	FlagExec
	FlagAlloc
)

func (f Flags) String() string {
	b := []byte("---")
	if f&FlagAlloc != 0 {
		b[0] = 'a'
	}
	if f&FlagWrite != 0 {
		b[1] = 'w'
	}
	if f&FlagExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Descriptor is a resolved section header.
type Descriptor struct {
	Index   int
	Name    string
	Type    elf.SectionType
	Kind    Kind
	Offset  uint64
	Addr    uint64
	Size    uint64
	Align   uint64
	Flags   Flags
	Link    uint32
	Info    uint32
	EntSize uint64

	// Target is the section a relocation table applies to, -1 when the
	// table is not bound to a section or the section is not a relocation
	// table.
	Target  int
	// Strings is the string table paired with a symbol table, -1 otherwise.
	Strings int

	header elf2.SectionHeader
}

func (d *Descriptor) Header() elf2.SectionHeader {
	return d.header
}

func (d *Descriptor) Alloc() bool {
	return d.Flags&FlagAlloc != 0
}

// Loadable reports whether the section occupies memory in a loaded image.
func (d *Descriptor) Loadable() bool {
	return d.Alloc() && (d.Kind == KindCode || d.Kind == KindData || d.Kind == KindBSS)
}

// PageAligned reports whether the section both starts and ends on a page
// boundary. Linked images are checked by address, relocatable ones by their
// declared alignment since their address is chosen at load time.
func (d *Descriptor) PageAligned(pageSize uint64, relocatable bool) bool {
	if d.Size%pageSize != 0 {
		return false
	}
	if relocatable {
		return d.Align%pageSize == 0
	}
	return d.Addr%pageSize == 0
}

func classify(sh elf2.SectionHeader) Kind {
	switch sh.Type {
	case elf.SHT_NULL:
		return KindNull
	case elf.SHT_PROGBITS, elf.SHT_INIT_ARRAY, elf.SHT_FINI_ARRAY, elf.SHT_PREINIT_ARRAY:
		if sh.Flags&elf.SHF_EXECINSTR != 0 {
			return KindCode
		}
		return KindData
	case elf.SHT_NOBITS:
		return KindBSS
	case elf.SHT_NOTE:
		return KindNote
	case elf.SHT_SYMTAB:
		return KindSymtab
	case elf.SHT_DYNSYM:
		return KindDynsym
	case elf.SHT_STRTAB:
		return KindStrtab
	case elf.SHT_REL:
		return KindRel
	case elf.SHT_RELA:
		return KindRela
	default:
		return KindOther
	}
}

func flagsOf(f elf.SectionFlag) Flags {
	var res Flags
	if f&elf.SHF_WRITE != 0 {
		res |= FlagWrite
	}
	if f&elf.SHF_EXECINSTR != 0 {
		res |= FlagExec
	}
	if f&elf.SHF_ALLOC != 0 {
		res |= FlagAlloc
	}
	return res
}
