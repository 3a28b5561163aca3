package loader

import "github.com/grafana/prelink/pkg/sections"

type Perm struct {
	R, W, X bool
}

func permOf(f sections.Flags) Perm {
	return Perm{
		R: true,
		W: f&sections.FlagWrite != 0,
		X: f&sections.FlagExec != 0,
	}
}

func (p Perm) String() string {
	b := []byte("---")
	if p.R {
		b[0] = 'r'
	}
	if p.W {
		b[1] = 'w'
	}
	if p.X {
		b[2] = 'x'
	}
	return string(b)
}

// Mapping is a run of pages sharing one protection.
type Mapping struct {
	Addr    uint64
	Pages   uint64
	Perm    Perm
	Section string
}

func (m Mapping) End(pageSize uint64) uint64 {
	return m.Addr + m.Pages*pageSize
}
