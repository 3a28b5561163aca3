package symtab

import (
	"sort"
)

type AddrSymbol struct {
	Start  uint64
	Name   string
	Module string
}

// AddrTable maps addresses back to the closest preceding symbol.
type AddrTable struct {
	symbols []AddrSymbol
	base    uint64
}

func NewAddrTable(symbols []AddrSymbol) *AddrTable {
	sort.SliceStable(symbols, func(i, j int) bool {
		return symbols[i].Start < symbols[j].Start
	})
	return &AddrTable{symbols: symbols}
}

// Rebase shifts every entry by base, so a table built from link-time
// addresses answers for the loaded copy. base wraps like a load bias and
// callers bound the queried range.
func (t *AddrTable) Rebase(base uint64) {
	t.base = base
}

func (t *AddrTable) Len() int {
	return len(t.symbols)
}

func (t *AddrTable) Resolve(addr uint64) (AddrSymbol, bool) {
	if len(t.symbols) == 0 {
		return AddrSymbol{}, false
	}
	addr -= t.base
	if addr < t.symbols[0].Start {
		return AddrSymbol{}, false
	}
	i := sort.Search(len(t.symbols), func(i int) bool {
		return addr < t.symbols[i].Start
	})
	i--
	return t.symbols[i], true
}
