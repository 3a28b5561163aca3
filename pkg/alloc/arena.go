// Package alloc hands out memory for loaded images from a fixed address
// window, the way a kernel hands out its module area.
package alloc

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/grafana/prelink/pkg/loader"
)

var (
	ErrNoSpace       = errors.New("no space left in arena")
	ErrNotAllocated  = errors.New("region was not allocated by this arena")
	ErrBadAlignment  = errors.New("alignment is not a power of two")
	ErrZeroSizedArea = errors.New("zero sized allocation")
)

type block struct {
	start, size uint64
}

// Arena allocates first-fit from [base, base+size). Every region is backed
// by its own zeroed slice.
type Arena struct {
	base, size uint64

	mu     sync.Mutex
	blocks []block
}

func NewArena(base, size uint64) *Arena {
	return &Arena{base: base, size: size}
}

func (a *Arena) Allocate(size, align uint64) (loader.Region, error) {
	if size == 0 {
		return loader.Region{}, ErrZeroSizedArea
	}
	if align == 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return loader.Region{}, fmt.Errorf("%w: %d", ErrBadAlignment, align)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	end := a.base + a.size
	gapStart := a.base
	for i := 0; i <= len(a.blocks); i++ {
		gapEnd := end
		if i < len(a.blocks) {
			gapEnd = a.blocks[i].start
		}
		start := (gapStart + align - 1) &^ (align - 1)
		if start >= gapStart && start <= gapEnd && gapEnd-start >= size {
			a.blocks = slices.Insert(a.blocks, i, block{start: start, size: size})
			return loader.Region{Base: start, Mem: make([]byte, size)}, nil
		}
		if i < len(a.blocks) {
			gapStart = a.blocks[i].start + a.blocks[i].size
		}
	}
	return loader.Region{}, fmt.Errorf("%w: %d bytes aligned to %d", ErrNoSpace, size, align)
}

// AllocateAt reserves exactly [addr, addr+size). It is used for images
// linked at a fixed address.
func (a *Arena) AllocateAt(addr, size uint64) (loader.Region, error) {
	if size == 0 {
		return loader.Region{}, ErrZeroSizedArea
	}
	if addr < a.base || addr+size > a.base+a.size || addr+size < addr {
		return loader.Region{}, fmt.Errorf("%w: %#x+%#x is outside the arena", ErrNoSpace, addr, size)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	i, _ := slices.BinarySearchFunc(a.blocks, addr, func(b block, addr uint64) int {
		switch {
		case b.start < addr:
			return -1
		case b.start > addr:
			return 1
		}
		return 0
	})
	if i > 0 && a.blocks[i-1].start+a.blocks[i-1].size > addr {
		return loader.Region{}, fmt.Errorf("%w: %#x overlaps an existing region", ErrNoSpace, addr)
	}
	if i < len(a.blocks) && a.blocks[i].start < addr+size {
		return loader.Region{}, fmt.Errorf("%w: %#x overlaps an existing region", ErrNoSpace, addr)
	}
	a.blocks = slices.Insert(a.blocks, i, block{start: addr, size: size})
	return loader.Region{Base: addr, Mem: make([]byte, size)}, nil
}

func (a *Arena) Deallocate(r loader.Region) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := slices.IndexFunc(a.blocks, func(b block) bool {
		return b.start == r.Base && b.size == uint64(len(r.Mem))
	})
	if i < 0 {
		return fmt.Errorf("%w: %#x", ErrNotAllocated, r.Base)
	}
	a.blocks = slices.Delete(a.blocks, i, i+1)
	return nil
}

// InUse returns the number of bytes currently allocated.
func (a *Arena) InUse() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var n uint64
	for _, b := range a.blocks {
		n += b.size
	}
	return n
}

func (a *Arena) Allocations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.blocks)
}
