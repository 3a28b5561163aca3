package sections

import (
	"debug/elf"
	"fmt"

	"github.com/samber/lo"

	elf2 "github.com/grafana/prelink/pkg/elf"
)

// Table holds the resolved section headers of one image.
type Table struct {
	img    *elf2.Image
	descs  []Descriptor
	byName map[string]int
}

// Resolve names and classifies every section of img and binds relocation
// tables and symbol tables to the sections they refer to.
func Resolve(img *elf2.Image) (*Table, error) {
	n := img.NumSections()
	t := &Table{
		img:    img,
		descs:  make([]Descriptor, n),
		byName: make(map[string]int, n),
	}
	for i := 0; i < n; i++ {
		sh, err := img.Section(i)
		if err != nil {
			return nil, err
		}
		name, err := img.SectionName(i)
		if err != nil {
			return nil, err
		}
		align := sh.AddrAlign
		if align == 0 {
			align = 1
		}
		t.descs[i] = Descriptor{
			Index:   i,
			Name:    name,
			Type:    sh.Type,
			Kind:    classify(sh),
			Offset:  sh.Offset,
			Addr:    sh.Addr,
			Size:    sh.Size,
			Align:   align,
			Flags:   flagsOf(sh.Flags),
			Link:    sh.Link,
			Info:    sh.Info,
			EntSize: sh.EntSize,
			Target:  -1,
			Strings: -1,
			header:  sh,
		}
		if _, ok := t.byName[name]; !ok && name != "" {
			t.byName[name] = i
		}
	}
	for i := range t.descs {
		if err := t.bind(&t.descs[i]); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Table) bind(d *Descriptor) error {
	switch d.Kind {
	case KindRel, KindRela:
		if d.Info == 0 {
			return nil
		}
		// Dynamic relocation tables may carry an unrelated sh_info; only
		// object files and SHF_INFO_LINK tables name their target there.
		if t.img.Type != elf.ET_REL && d.header.Flags&elf.SHF_INFO_LINK == 0 {
			return nil
		}
		if int(d.Info) >= len(t.descs) {
			return &elf2.ParseError{Field: "sh_info", Offset: d.Offset, Err: fmt.Errorf("%w: relocation target %d", elf2.ErrBadIndex, d.Info)}
		}
		d.Target = int(d.Info)
	case KindSymtab, KindDynsym:
		if int(d.Link) >= len(t.descs) || d.Link == 0 || t.descs[d.Link].Kind != KindStrtab {
			return &elf2.ParseError{Field: "sh_link", Offset: d.Offset, Err: fmt.Errorf("%w: string table %d of %s", elf2.ErrBadIndex, d.Link, d.Name)}
		}
		d.Strings = int(d.Link)
	}
	return nil
}

func (t *Table) Image() *elf2.Image {
	return t.img
}

func (t *Table) Len() int {
	return len(t.descs)
}

// At returns the descriptor at index i, or nil if i is out of range.
func (t *Table) At(i int) *Descriptor {
	if i < 0 || i >= len(t.descs) {
		return nil
	}
	return &t.descs[i]
}

// ByName returns the first section with the given name.
func (t *Table) ByName(name string) (*Descriptor, bool) {
	i, ok := t.byName[name]
	if !ok {
		return nil, false
	}
	return &t.descs[i], true
}

func (t *Table) All() []*Descriptor {
	return t.filter(func(*Descriptor) bool { return true })
}

// SymbolTables returns the SHT_SYMTAB and SHT_DYNSYM sections in index order.
func (t *Table) SymbolTables() []*Descriptor {
	return t.filter(func(d *Descriptor) bool {
		return d.Kind == KindSymtab || d.Kind == KindDynsym
	})
}

// Relocations returns every relocation table in index order.
func (t *Table) Relocations() []*Descriptor {
	return t.filter(func(d *Descriptor) bool {
		return d.Kind == KindRel || d.Kind == KindRela
	})
}

// RelocationsFor returns the relocation tables bound to section target.
func (t *Table) RelocationsFor(target int) []*Descriptor {
	return t.filter(func(d *Descriptor) bool {
		return (d.Kind == KindRel || d.Kind == KindRela) && d.Target == target
	})
}

// Symtab picks the symbol table the loader links against: .symtab when
// present, otherwise .dynsym.
func (t *Table) Symtab() (*Descriptor, bool) {
	var dyn *Descriptor
	for _, d := range t.SymbolTables() {
		if d.Kind == KindSymtab {
			return d, true
		}
		if dyn == nil {
			dyn = d
		}
	}
	return dyn, dyn != nil
}

func (t *Table) Data(d *Descriptor) ([]byte, error) {
	return t.img.SectionData(d.header)
}

// Strings returns the string table paired with the symbol table d.
func (t *Table) Strings(d *Descriptor) (elf2.StringTable, error) {
	if d.Strings < 0 {
		return nil, &elf2.ParseError{Field: "sh_link", Offset: d.Offset, Err: fmt.Errorf("%w: %s has no string table", elf2.ErrBadIndex, d.Name)}
	}
	return t.img.Strings(t.descs[d.Strings].header)
}

func (t *Table) filter(keep func(*Descriptor) bool) []*Descriptor {
	all := lo.Map(t.descs, func(_ Descriptor, i int) *Descriptor { return &t.descs[i] })
	return lo.Filter(all, func(d *Descriptor, _ int) bool { return keep(d) })
}
