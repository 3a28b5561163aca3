package loader

import (
	"debug/elf"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/grafana/prelink/pkg/exports"
	"github.com/grafana/prelink/pkg/sections"
	"github.com/grafana/prelink/pkg/symtab"
)

type LoadedSection struct {
	Index int
	Name  string
	Kind  sections.Kind
	Flags sections.Flags
	Addr  uint64
	Size  uint64
	// User is set for sections mapped into userspace by a VDSO load.
	User  bool
}

// LoadedImage is a relocated image resident in memory obtained from an
// Allocator. It owns that memory and its registry entries until Unload.
type LoadedImage struct {
	ID      ulid.ULID
	Name    string
	Mode    Mode
	Type    elf.Type
	Machine elf.Machine

	Base  uint64
	Size  uint64
	Bias  uint64
	Entry uint64

	Sections    []LoadedSection
	Exports     []exports.Entry
	Relocations int
	// Checksum is the xxhash64 of the input buffer.
	Checksum    uint64

	region Region
	alloc  Allocator
	loader *Loader
	addrs  *symtab.AddrTable

	// globals holds the runtime address of every global definition.
	globals map[string]uint64

	unloadOnce sync.Once
	unloadErr  error
}

// Mem is the image's relocated memory.
func (li *LoadedImage) Mem() []byte {
	return li.region.Mem[:li.Size]
}

func (li *LoadedImage) Section(name string) (LoadedSection, bool) {
	for _, s := range li.Sections {
		if s.Name == name {
			return s, true
		}
	}
	return LoadedSection{}, false
}

// Lookup returns the runtime address of a global definition, exported or
// not.
func (li *LoadedImage) Lookup(name string) (uint64, bool) {
	addr, ok := li.globals[name]
	return addr, ok
}

// Symbolize returns the symbol covering addr.
func (li *LoadedImage) Symbolize(addr uint64) (symtab.AddrSymbol, bool) {
	if addr < li.Base || addr >= li.Base+li.Size {
		return symtab.AddrSymbol{}, false
	}
	return li.addrs.Resolve(addr)
}

// Mappings returns one page run per section, in address order. Sections
// sharing a page share the mapping of the first of them.
func (li *LoadedImage) Mappings(pageSize uint64) []Mapping {
	return mappingsOf(li.Sections, pageSize, func(LoadedSection) bool { return true })
}

// UserMappings is Mappings restricted to user visible sections.
func (li *LoadedImage) UserMappings(pageSize uint64) []Mapping {
	return mappingsOf(li.Sections, pageSize, func(s LoadedSection) bool { return s.User })
}

func mappingsOf(secs []LoadedSection, pageSize uint64, keep func(LoadedSection) bool) []Mapping {
	var res []Mapping
	var end uint64
	for _, s := range secs {
		if !keep(s) || s.Size == 0 {
			continue
		}
		start := PageFloor(s.Addr, pageSize)
		if start < end {
			start = end
		}
		stop := PageCeil(s.Addr+s.Size, pageSize)
		if stop <= start {
			continue
		}
		res = append(res, Mapping{
			Addr:    start,
			Pages:   PageCount(start, stop-start, pageSize),
			Perm:    permOf(s.Flags),
			Section: s.Name,
		})
		end = stop
	}
	return res
}

// Unload retracts the image's exports and releases its memory. It is safe to
// call more than once; later calls return the first result.
func (li *LoadedImage) Unload() error {
	li.unloadOnce.Do(func() {
		li.unloadErr = li.loader.unload(li)
	})
	return li.unloadErr
}
