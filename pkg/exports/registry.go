// Package exports is the process-wide table of symbols published by loaded
// images. Names live in a single namespace: kernel module exports and VDSO
// symbols can never shadow each other, and the first owner of a name keeps
// it until it unregisters.
package exports

import (
	"fmt"
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
)

type Scope uint8

const (
	ScopeKernel Scope = iota
	ScopeUser
)

func (s Scope) String() string {
	switch s {
	case ScopeKernel:
		return "kernel"
	case ScopeUser:
		return "user"
	}
	return fmt.Sprintf("scope(%d)", uint8(s))
}

type Entry struct {
	Name  string
	Addr  uint64
	Size  uint64
	Owner ulid.ULID
	Scope Scope
}

type DuplicateSymbolError struct {
	Name     string
	Owner    ulid.ULID
	Existing ulid.ULID
}

func (e *DuplicateSymbolError) Error() string {
	return fmt.Sprintf("symbol %q already exported by %s", e.Name, e.Existing)
}

type Registry struct {
	logger log.Logger

	mu      sync.RWMutex
	entries map[string]Entry
	byOwner map[ulid.ULID][]string

	size *prometheus.GaugeVec
}

func New(logger log.Logger, reg prometheus.Registerer) *Registry {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	r := &Registry{
		logger:  logger,
		entries: make(map[string]Entry),
		byOwner: make(map[ulid.ULID][]string),
		size: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "prelink_exported_symbols",
			Help: "Number of symbols currently exported, by scope",
		}, []string{"scope"}),
	}
	if reg != nil {
		reg.MustRegister(r.size)
	}
	return r
}

func (r *Registry) Register(name string, addr, size uint64, owner ulid.ULID, scope Scope) error {
	return r.RegisterAll(owner, []Entry{{Name: name, Addr: addr, Size: size, Scope: scope}})
}

// RegisterAll adds every entry under owner, or none of them. An entry's
// Owner field is overwritten with owner.
func (r *Registry) RegisterAll(owner ulid.ULID, entries []Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if existing, ok := r.entries[e.Name]; ok {
			return &DuplicateSymbolError{Name: e.Name, Owner: owner, Existing: existing.Owner}
		}
		if _, ok := seen[e.Name]; ok {
			return &DuplicateSymbolError{Name: e.Name, Owner: owner, Existing: owner}
		}
		seen[e.Name] = struct{}{}
	}
	for _, e := range entries {
		e.Owner = owner
		r.entries[e.Name] = e
		r.byOwner[owner] = append(r.byOwner[owner], e.Name)
		r.size.WithLabelValues(e.Scope.String()).Inc()
	}
	if len(entries) > 0 {
		level.Debug(r.logger).Log("msg", "registered exports", "owner", owner, "count", len(entries))
	}
	return nil
}

func (r *Registry) Lookup(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// ResolveSymbol lets the registry back relocation of later images.
func (r *Registry) ResolveSymbol(name string) (uint64, bool) {
	e, ok := r.Lookup(name)
	return e.Addr, ok
}

// UnregisterAll removes every name owned by owner and returns how many were
// removed.
func (r *Registry) UnregisterAll(owner ulid.ULID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := r.byOwner[owner]
	for _, name := range names {
		if e, ok := r.entries[name]; ok && e.Owner == owner {
			delete(r.entries, name)
			r.size.WithLabelValues(e.Scope.String()).Dec()
		}
	}
	delete(r.byOwner, owner)
	if len(names) > 0 {
		level.Debug(r.logger).Log("msg", "unregistered exports", "owner", owner, "count", len(names))
	}
	return len(names)
}

// Owner returns the names registered by owner in registration order.
func (r *Registry) Owner(owner ulid.ULID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.byOwner[owner]...)
}

func (r *Registry) Owners() []ulid.ULID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]ulid.ULID, 0, len(r.byOwner))
	for o := range r.byOwner {
		res = append(res, o)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].Compare(res[j]) < 0
	})
	return res
}

// Snapshot returns every entry sorted by name.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	res := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		res = append(res, e)
	}
	r.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool {
		return res[i].Name < res[j].Name
	})
	return res
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
