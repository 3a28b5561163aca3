// Package symtab models the symbol table of an ELF image, with the name
// resolution rules the loader links by, and maps addresses back to symbols.
package symtab

import (
	"debug/elf"
	"fmt"

	elf2 "github.com/grafana/prelink/pkg/elf"
	"github.com/grafana/prelink/pkg/sections"
)

type Symbol struct {
	Index      int
	Name       string
	Value      uint64
	Size       uint64
	Bind       elf.SymBind
	Type       elf.SymType
	Visibility elf.SymVis
	// Section is a real section index or one of SHN_UNDEF, SHN_ABS and
	// SHN_COMMON. SHN_XINDEX is resolved while building the table.
	Section    elf.SectionIndex
}

func (s *Symbol) Local() bool {
	return s.Bind == elf.STB_LOCAL
}

func (s *Symbol) Weak() bool {
	return s.Bind == elf.STB_WEAK
}

func (s *Symbol) Defined() bool {
	return s.Section != elf.SHN_UNDEF
}

func (s *Symbol) Absolute() bool {
	return s.Section == elf.SHN_ABS
}

func (s *Symbol) Common() bool {
	return s.Section == elf.SHN_COMMON || s.Type == elf.STT_COMMON
}

// Table is a validated symbol table. Non-local definitions are merged by
// name: a global replaces an earlier weak, a weak never replaces anything,
// and two globals of the same name are an error.
type Table struct {
	syms    []Symbol
	defs    map[string]int
	undef   map[string]int
	section *sections.Descriptor
}

// Build decodes and validates the symbol table symSec of secs.
func Build(secs *sections.Table, symSec *sections.Descriptor) (*Table, error) {
	img := secs.Image()
	sh := symSec.Header()
	n, err := img.NumSymbols(sh)
	if err != nil {
		return nil, err
	}
	strs, err := secs.Strings(symSec)
	if err != nil {
		return nil, err
	}
	shndx, err := extendedIndexes(secs, symSec)
	if err != nil {
		return nil, err
	}

	t := &Table{
		syms:    make([]Symbol, 0, n),
		defs:    make(map[string]int),
		undef:   make(map[string]int),
		section: symSec,
	}
	for i := 0; i < n; i++ {
		raw, err := img.Symbol(sh, i)
		if err != nil {
			return nil, err
		}
		sym, err := decode(img, strs, shndx, i, raw)
		if err != nil {
			return nil, err
		}
		t.syms = append(t.syms, sym)
		if i == 0 || sym.Local() || sym.Name == "" {
			continue
		}
		if err := t.merge(i); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func decode(img *elf2.Image, strs elf2.StringTable, shndx []byte, i int, raw elf2.Sym) (Symbol, error) {
	name, err := strs.Lookup(raw.Name)
	if err != nil {
		return Symbol{}, &SymbolError{Index: i, Err: err}
	}
	sym := Symbol{
		Index:      i,
		Name:       name,
		Value:      raw.Value,
		Size:       raw.Size,
		Bind:       raw.Bind(),
		Type:       raw.Type(),
		Visibility: raw.Visibility(),
		Section:    elf.SectionIndex(raw.Shndx),
	}
	if i == 0 {
		return sym, nil
	}
	switch sym.Bind {
	case elf.STB_LOCAL, elf.STB_GLOBAL, elf.STB_WEAK:
	case elf.STB_LOOS: // STB_GNU_UNIQUE
		sym.Bind = elf.STB_GLOBAL
	default:
		return Symbol{}, &SymbolError{Index: i, Name: name, Err: fmt.Errorf("%w: binding %s", ErrMalformedSymbol, sym.Bind)}
	}
	if sym.Type > elf.STT_TLS {
		return Symbol{}, &SymbolError{Index: i, Name: name, Err: fmt.Errorf("%w: type %s", ErrMalformedSymbol, sym.Type)}
	}

	switch {
	case sym.Section == elf.SHN_UNDEF, sym.Section == elf.SHN_ABS, sym.Section == elf.SHN_COMMON:
	case sym.Section == elf.SHN_XINDEX:
		off := i * 4
		if off+4 > len(shndx) {
			return Symbol{}, &SymbolError{Index: i, Name: name, Err: fmt.Errorf("%w: no extended section index", ErrMalformedSymbol)}
		}
		sym.Section = elf.SectionIndex(img.ByteOrder().Uint32(shndx[off:]))
		if int(sym.Section) >= img.NumSections() {
			return Symbol{}, &SymbolError{Index: i, Name: name, Err: fmt.Errorf("%w: section %d", ErrMalformedSymbol, sym.Section)}
		}
	case sym.Section >= elf.SHN_LORESERVE:
		return Symbol{}, &SymbolError{Index: i, Name: name, Err: fmt.Errorf("%w: reserved section index %#x", ErrMalformedSymbol, uint16(sym.Section))}
	case int(sym.Section) >= img.NumSections():
		return Symbol{}, &SymbolError{Index: i, Name: name, Err: fmt.Errorf("%w: section %d", ErrMalformedSymbol, sym.Section)}
	}
	return sym, nil
}

// extendedIndexes returns the SHT_SYMTAB_SHNDX contents bound to symSec.
func extendedIndexes(secs *sections.Table, symSec *sections.Descriptor) ([]byte, error) {
	for _, d := range secs.All() {
		if d.Type == elf.SHT_SYMTAB_SHNDX && int(d.Link) == symSec.Index {
			return secs.Data(d)
		}
	}
	return nil, nil
}

func (t *Table) merge(i int) error {
	sym := &t.syms[i]
	if !sym.Defined() {
		if _, ok := t.undef[sym.Name]; !ok {
			t.undef[sym.Name] = i
		}
		return nil
	}
	prev, ok := t.defs[sym.Name]
	if !ok {
		t.defs[sym.Name] = i
		return nil
	}
	old := &t.syms[prev]
	switch {
	case sym.Weak():
	case old.Weak() || old.Common():
		t.defs[sym.Name] = i
	case sym.Common():
	default:
		return &SymbolError{Index: i, Name: sym.Name, Err: fmt.Errorf("%w: first at index %d", ErrAmbiguousDefinition, prev)}
	}
	return nil
}

// Section is the symbol table section this table was built from.
func (t *Table) Section() *sections.Descriptor {
	return t.section
}

func (t *Table) Len() int {
	return len(t.syms)
}

func (t *Table) At(i int) (*Symbol, bool) {
	if i < 0 || i >= len(t.syms) {
		return nil, false
	}
	return &t.syms[i], true
}

// Lookup returns the winning definition of a non-local name.
func (t *Table) Lookup(name string) (*Symbol, bool) {
	i, ok := t.defs[name]
	if !ok {
		return nil, false
	}
	return &t.syms[i], true
}

// Effective returns the symbol a reference through index i binds to: the
// winning definition for non-local names, the entry itself otherwise.
func (t *Table) Effective(i int) (*Symbol, bool) {
	sym, ok := t.At(i)
	if !ok {
		return nil, false
	}
	if i == 0 || sym.Local() || sym.Name == "" {
		return sym, true
	}
	if def, ok := t.Lookup(sym.Name); ok {
		return def, true
	}
	return sym, true
}

// All returns every entry in declaration order, including the null symbol.
func (t *Table) All() []Symbol {
	return t.syms
}

// Globals returns the winning non-local definitions in declaration order.
func (t *Table) Globals() []*Symbol {
	var res []*Symbol
	for i := range t.syms {
		s := &t.syms[i]
		if s.Local() || !s.Defined() || s.Name == "" {
			continue
		}
		if t.defs[s.Name] == i {
			res = append(res, s)
		}
	}
	return res
}

// Undefined returns the names referenced but not defined, in declaration
// order of their first reference.
func (t *Table) Undefined() []string {
	var res []string
	for i := range t.syms {
		s := &t.syms[i]
		if s.Defined() || s.Local() || s.Name == "" {
			continue
		}
		if _, def := t.defs[s.Name]; def {
			continue
		}
		if t.undef[s.Name] == i {
			res = append(res, s.Name)
		}
	}
	return res
}
