package reloc

// Resolver supplies addresses for symbols an image references but does not
// define.
type Resolver interface {
	ResolveSymbol(name string) (addr uint64, ok bool)
}

type ResolverFunc func(name string) (uint64, bool)

func (f ResolverFunc) ResolveSymbol(name string) (uint64, bool) {
	return f(name)
}

type chain []Resolver

// Chain consults each resolver in order and returns the first hit. Nil
// resolvers are skipped.
func Chain(rs ...Resolver) Resolver {
	res := make(chain, 0, len(rs))
	for _, r := range rs {
		if r != nil {
			res = append(res, r)
		}
	}
	return res
}

func (c chain) ResolveSymbol(name string) (uint64, bool) {
	for _, r := range c {
		if addr, ok := r.ResolveSymbol(name); ok {
			return addr, true
		}
	}
	return 0, false
}

// MapResolver resolves from a fixed name to address map.
type MapResolver map[string]uint64

func (m MapResolver) ResolveSymbol(name string) (uint64, bool) {
	addr, ok := m[name]
	return addr, ok
}
