// Package kmod keeps the set of loaded kernel modules and the dependencies
// between them.
package kmod

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/ulid/v2"

	"github.com/grafana/prelink/pkg/loader"
	"github.com/grafana/prelink/pkg/reloc"
	"github.com/grafana/prelink/pkg/symtab"
)

var (
	ErrExists   = errors.New("module already loaded")
	ErrNotFound = errors.New("module not loaded")
	ErrInUse    = errors.New("module is in use")
)

type Module struct {
	Name  string
	Image *loader.LoadedImage
	// Deps are the modules whose exports this module was linked against.
	Deps  []string

	users int
}

// Info is a point in time view of a loaded module.
type Info struct {
	Name    string
	ID      ulid.ULID
	Base    uint64
	Size    uint64
	Exports int
	Deps    []string
	Users   int
}

// Table loads and unloads modules by name. Loads run without holding the
// table lock, so independent modules load in parallel.
type Table struct {
	loader    *loader.Loader
	alloc     loader.Allocator
	bootstrap reloc.Resolver
	logger    log.Logger

	mu      sync.Mutex
	modules map[string]*Module
	byID    map[ulid.ULID]*Module
	loading map[string]ulid.ULID
	order   []string

	// unloading holds modules whose exports are still being retracted.
	unloading map[ulid.ULID]struct{}
}

// New returns an empty table. bootstrap resolves symbols no module exports,
// typically the kernel's own symbol map.
func New(l *loader.Loader, alloc loader.Allocator, bootstrap reloc.Resolver, logger log.Logger) *Table {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Table{
		loader:    l,
		alloc:     alloc,
		bootstrap: bootstrap,
		logger:    logger,
		modules:   make(map[string]*Module),
		byID:      make(map[ulid.ULID]*Module),
		loading:   make(map[string]ulid.ULID),
		unloading: make(map[ulid.ULID]struct{}),
	}
}

// Load links buf against the kernel and the modules already loaded and
// exports the named symbols.
func (t *Table) Load(name string, buf []byte, exports ...string) (*Module, error) {
	t.mu.Lock()
	_, loaded := t.modules[name]
	_, inFlight := t.loading[name]
	if loaded || inFlight {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrExists, name)
	}
	id := ulid.Make()
	t.loading[name] = id
	t.mu.Unlock()

	tr := &tracker{table: t, pinned: map[ulid.ULID]*Module{}}
	li, err := t.loader.LoadBytes(buf, t.alloc, loader.ModeKernelModule,
		loader.WithID(id),
		loader.WithName(name),
		loader.WithResolver(reloc.Chain(t.bootstrap, tr)),
		loader.WithoutRegistry(),
		loader.WithExports(exports...),
	)

	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.loading, name)
	if err != nil {
		tr.unpin()
		return nil, err
	}
	m := &Module{Name: name, Image: li}
	for _, dep := range tr.pinned {
		m.Deps = append(m.Deps, dep.Name)
	}
	sort.Strings(m.Deps)
	t.modules[name] = m
	t.byID[li.ID] = m
	t.order = append(t.order, name)
	level.Debug(t.logger).Log("msg", "module registered", "name", name, "deps", len(m.Deps))
	return m, nil
}

// Unload removes a module nobody depends on.
func (t *Table) Unload(name string) error {
	t.mu.Lock()
	m, ok := t.modules[name]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if m.users > 0 {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s has %d users", ErrInUse, name, m.users)
	}
	delete(t.modules, name)
	delete(t.byID, m.Image.ID)
	for i, n := range t.order {
		if n == name {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	for _, dep := range m.Deps {
		if d, ok := t.modules[dep]; ok {
			d.users--
		}
	}
	t.unloading[m.Image.ID] = struct{}{}
	t.mu.Unlock()

	err := m.Image.Unload()
	t.mu.Lock()
	delete(t.unloading, m.Image.ID)
	t.mu.Unlock()
	if err != nil {
		return err
	}
	level.Debug(t.logger).Log("msg", "module removed", "name", name)
	return nil
}

func (t *Table) Get(name string) (*Module, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.modules[name]
	return m, ok
}

// Symbolizer maps an address back to a symbol, as the kernel symbol map
// does.
type Symbolizer interface {
	Resolve(addr uint64) (symtab.AddrSymbol, bool)
}

// Symbolize names the symbol covering addr, looking in loaded modules first
// and then in the bootstrap resolver when it can symbolize.
func (t *Table) Symbolize(addr uint64) (symtab.AddrSymbol, bool) {
	t.mu.Lock()
	for _, m := range t.modules {
		if s, ok := m.Image.Symbolize(addr); ok {
			t.mu.Unlock()
			return s, true
		}
	}
	t.mu.Unlock()
	if s, ok := t.bootstrap.(Symbolizer); ok {
		return s.Resolve(addr)
	}
	return symtab.AddrSymbol{}, false
}

// List returns the loaded modules in load order.
func (t *Table) List() []Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	res := make([]Info, 0, len(t.order))
	for _, name := range t.order {
		m := t.modules[name]
		res = append(res, Info{
			Name:    m.Name,
			ID:      m.Image.ID,
			Base:    m.Image.Base,
			Size:    m.Image.Size,
			Exports: len(m.Image.Exports),
			Deps:    append([]string(nil), m.Deps...),
			Users:   m.users,
		})
	}
	return res
}

// tracker resolves through the export registry and pins every module it
// binds to, so none of them can be unloaded while the load is in flight.
type tracker struct {
	table  *Table
	pinned map[ulid.ULID]*Module
}

func (tr *tracker) ResolveSymbol(name string) (uint64, bool) {
	registry := tr.table.loader.Registry()
	if registry == nil {
		return 0, false
	}
	e, ok := registry.Lookup(name)
	if !ok {
		return 0, false
	}
	t := tr.table
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := tr.pinned[e.Owner]; ok {
		return e.Addr, true
	}
	if _, ok := t.unloading[e.Owner]; ok {
		return 0, false
	}
	for _, id := range t.loading {
		if id == e.Owner {
			// Registered but the load may still fail.
			return 0, false
		}
	}
	m, ok := t.byID[e.Owner]
	if !ok {
		// Exported by something other than a module, such as the VDSO.
		return e.Addr, true
	}
	m.users++
	tr.pinned[e.Owner] = m
	return e.Addr, true
}

// unpin releases the pins of a failed load. The table lock must be held.
func (tr *tracker) unpin() {
	for id, m := range tr.pinned {
		m.users--
		delete(tr.pinned, id)
	}
}
