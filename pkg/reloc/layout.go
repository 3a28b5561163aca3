package reloc

import "sort"

// Placement records where a section of the image ended up.
type Placement struct {
	Index    int
	// LinkAddr is the section's sh_addr.
	LinkAddr uint64
	// Addr is the runtime address of the first byte.
	Addr     uint64
	// Offset locates the section inside Layout.Mem.
	Offset   uint64
	Size     uint64
}

// Layout is the memory an image is being relocated into. Base is the runtime
// address of Mem[0]; Bias is added to every link-time address of a linked
// image.
type Layout struct {
	Base        uint64
	Bias        uint64
	Mem         []byte
	Relocatable bool

	placements []Placement
}

func NewLayout(base uint64, mem []byte, relocatable bool) *Layout {
	return &Layout{Base: base, Mem: mem, Relocatable: relocatable}
}

// Place records a section. Placements must lie inside Mem.
func (l *Layout) Place(p Placement) {
	i := sort.Search(len(l.placements), func(i int) bool {
		return l.placements[i].Index >= p.Index
	})
	if i < len(l.placements) && l.placements[i].Index == p.Index {
		l.placements[i] = p
		return
	}
	l.placements = append(l.placements, Placement{})
	copy(l.placements[i+1:], l.placements[i:])
	l.placements[i] = p
}

func (l *Layout) Placement(index int) (Placement, bool) {
	i := sort.Search(len(l.placements), func(i int) bool {
		return l.placements[i].Index >= index
	})
	if i < len(l.placements) && l.placements[i].Index == index {
		return l.placements[i], true
	}
	return Placement{}, false
}

func (l *Layout) Placements() []Placement {
	return l.placements
}

// SectionAddr is the runtime address of a placed section.
func (l *Layout) SectionAddr(index int) (uint64, bool) {
	p, ok := l.Placement(index)
	return p.Addr, ok
}

// locate finds the placement holding [vaddr, vaddr+size) by link-time
// address and returns the offset of vaddr inside Mem.
func (l *Layout) locate(vaddr, size uint64) (uint64, bool) {
	for _, p := range l.placements {
		if vaddr >= p.LinkAddr && vaddr-p.LinkAddr+size <= p.Size && vaddr-p.LinkAddr < p.Size {
			return p.Offset + (vaddr - p.LinkAddr), true
		}
	}
	return 0, false
}
