package loader

// Region is a block of memory handed out by an Allocator. Base is the
// address the image will run at; Mem is the writable backing store, at
// least as long as the requested size.
type Region struct {
	Base uint64
	Mem  []byte
}

func (r Region) End() uint64 {
	return r.Base + uint64(len(r.Mem))
}

// Allocator is the only way the loader obtains memory. A kernel passes its
// module area, tests and tools pass an alloc.Arena.
type Allocator interface {
	Allocate(size, align uint64) (Region, error)
	Deallocate(Region) error
}
