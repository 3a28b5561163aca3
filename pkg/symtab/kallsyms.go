package symtab

import (
	"bytes"
	"fmt"
	"strconv"
)

var kallsymsModule = []byte("kernel")

// KernelSymbols is the fixed symbol map the kernel supplies before any
// module has been loaded, in /proc/kallsyms format.
type KernelSymbols struct {
	*AddrTable
	exported map[string]uint64
}

// ParseKallsyms parses lines of "address type name [module]". Only global
// symbols (upper case type letters) can be linked against; every symbol is
// kept for address resolution. A map whose addresses are all zero (hidden by
// kptr_restrict) yields an empty table.
func ParseKallsyms(kallsyms []byte) (*KernelSymbols, error) {
	var syms []AddrSymbol
	exported := make(map[string]uint64)
	allZeros := true
	lineNo := 0
	for len(kallsyms) > 0 {
		lineNo++
		i := bytes.IndexByte(kallsyms, '\n')
		var line []byte
		if i == -1 {
			line = kallsyms
			kallsyms = nil
		} else {
			line = kallsyms[:i]
			kallsyms = kallsyms[i+1:]
		}

		if len(line) == 0 {
			continue
		}
		space := bytes.IndexByte(line, ' ')
		if space == -1 {
			return nil, fmt.Errorf("kallsyms line %d: no space found", lineNo)
		}
		addr := line[:space]
		line = line[space+1:]

		space = bytes.IndexByte(line, ' ')
		if space == -1 || space == 0 {
			return nil, fmt.Errorf("kallsyms line %d: no space found", lineNo)
		}
		typ := line[:space]
		line = line[space+1:]

		var name []byte
		var mod []byte
		tab := bytes.IndexByte(line, '\t')
		if tab == -1 {
			name = line
			mod = kallsymsModule
		} else {
			name = line[:tab]
			mod = line[tab+1:]
		}

		istart, err := strconv.ParseUint(string(addr), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("kallsyms line %d: %w", lineNo, err)
		}
		if bytes.HasPrefix(mod, []byte{'['}) && bytes.HasSuffix(mod, []byte{']'}) {
			mod = mod[1 : len(mod)-1]
		}
		if istart != 0 {
			allZeros = false
		}
		syms = append(syms, AddrSymbol{istart, string(name), string(mod)})
		if c := typ[0]; c >= 'A' && c <= 'Z' && c != 'U' {
			if _, ok := exported[string(name)]; !ok {
				exported[string(name)] = istart
			}
		}
	}
	if allZeros {
		return &KernelSymbols{AddrTable: NewAddrTable(nil), exported: map[string]uint64{}}, nil
	}
	return &KernelSymbols{AddrTable: NewAddrTable(syms), exported: exported}, nil
}

// ResolveSymbol returns the address of an exported kernel symbol.
func (k *KernelSymbols) ResolveSymbol(name string) (uint64, bool) {
	addr, ok := k.exported[name]
	return addr, ok
}
