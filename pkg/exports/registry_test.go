package exports

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRegisterLookup(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(nil, reg)
	owner := ulid.Make()
	require.NoError(t, r.Register("printk", 0xffff1000, 64, owner, ScopeKernel))

	e, ok := r.Lookup("printk")
	require.True(t, ok)
	assert.Equal(t, Entry{Name: "printk", Addr: 0xffff1000, Size: 64, Owner: owner, Scope: ScopeKernel}, e)
	addr, ok := r.ResolveSymbol("printk")
	assert.True(t, ok)
	assert.Equal(t, uint64(0xffff1000), addr)
	_, ok = r.ResolveSymbol("missing")
	assert.False(t, ok)
	assert.Equal(t, float64(1), testutil.ToFloat64(r.size.WithLabelValues("kernel")))
}

func TestDuplicateAcrossScopes(t *testing.T) {
	r := New(nil, nil)
	kernel, vdso := ulid.Make(), ulid.Make()
	require.NoError(t, r.Register("gettime", 1, 0, kernel, ScopeKernel))

	err := r.Register("gettime", 2, 0, vdso, ScopeUser)
	var dup *DuplicateSymbolError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "gettime", dup.Name)
	assert.Equal(t, kernel, dup.Existing)
	assert.Equal(t, vdso, dup.Owner)

	// The same owner cannot register a name twice either.
	err = r.Register("gettime", 3, 0, kernel, ScopeKernel)
	require.True(t, errors.As(err, &dup))
}

func TestRegisterAllIsAtomic(t *testing.T) {
	r := New(nil, nil)
	first, second := ulid.Make(), ulid.Make()
	require.NoError(t, r.Register("b", 1, 0, first, ScopeKernel))

	err := r.RegisterAll(second, []Entry{{Name: "a"}, {Name: "b"}, {Name: "c"}})
	var dup *DuplicateSymbolError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, 1, r.Len())
	_, ok := r.Lookup("a")
	assert.False(t, ok)

	err = r.RegisterAll(second, []Entry{{Name: "x"}, {Name: "x"}})
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, 1, r.Len())
}

func TestReRegisterAfterUnregister(t *testing.T) {
	r := New(nil, nil)
	first, second := ulid.Make(), ulid.Make()
	require.NoError(t, r.RegisterAll(first, []Entry{{Name: "a", Addr: 1}, {Name: "b", Addr: 2}}))
	assert.Equal(t, []string{"a", "b"}, r.Owner(first))

	assert.Equal(t, 2, r.UnregisterAll(first))
	assert.Equal(t, 0, r.UnregisterAll(first))
	assert.Equal(t, 0, r.Len())

	require.NoError(t, r.Register("a", 10, 0, second, ScopeUser))
	e, ok := r.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, second, e.Owner)
	assert.Equal(t, []ulid.ULID{second}, r.Owners())
}

func TestConcurrentDuplicate(t *testing.T) {
	r := New(nil, nil)
	var wins, dups atomic.Int32
	var g errgroup.Group
	for i := 0; i < 32; i++ {
		owner := ulid.Make()
		addr := uint64(i)
		g.Go(func() error {
			err := r.Register("race", addr, 0, owner, ScopeKernel)
			var dup *DuplicateSymbolError
			switch {
			case err == nil:
				wins.Add(1)
			case errors.As(err, &dup):
				dups.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(31), dups.Load())
}

func TestConcurrentLookups(t *testing.T) {
	r := New(nil, nil)
	owner := ulid.Make()
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		name := fmt.Sprintf("sym%d", i)
		g.Go(func() error {
			return r.Register(name, 1, 0, owner, ScopeKernel)
		})
		g.Go(func() error {
			for j := 0; j < 100; j++ {
				r.Lookup(name)
				r.Snapshot()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	snap := r.Snapshot()
	require.Len(t, snap, 8)
	assert.Equal(t, "sym0", snap[0].Name)
	assert.Equal(t, "sym7", snap[7].Name)
}
