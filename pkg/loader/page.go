package loader

const DefaultPageSize = 0x1000

// PageFloor rounds addr down to a page boundary. pageSize must be a power of
// two.
func PageFloor(addr, pageSize uint64) uint64 {
	return addr &^ (pageSize - 1)
}

// PageCeil rounds addr up to a page boundary.
func PageCeil(addr, pageSize uint64) uint64 {
	return (addr + pageSize - 1) &^ (pageSize - 1)
}

func IsPageAligned(addr, pageSize uint64) bool {
	return addr&(pageSize-1) == 0
}

// PageCount is the number of pages touched by [addr, addr+size).
func PageCount(addr, size, pageSize uint64) uint64 {
	if size == 0 {
		return 0
	}
	return (PageCeil(addr+size, pageSize) - PageFloor(addr, pageSize)) / pageSize
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}
