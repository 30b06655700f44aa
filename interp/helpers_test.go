package interp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gear-lang/gear/gc"
	"github.com/gear-lang/gear/vm"
)

// testHost runs natives directly against their argument slice.
type testHost struct {
	impls map[string]func(args []vm.Value) (vm.Value, error)
}

func (h *testHost) InvokeNative(fn *vm.NativeFn, args []vm.Value) (vm.Value, error) {
	return h.impls[fn.Name](args)
}

func newMachine(t *testing.T, code string) *Machine {
	t.Helper()
	prog, err := vm.CompileLiteral(code)
	require.NoError(t, err)
	heap := gc.NewHeap(gc.DefaultConfig())
	t.Cleanup(heap.Close)
	m := NewMachine(prog, heap, &testHost{impls: map[string]func([]vm.Value) (vm.Value, error){}})
	heap.SetRoots(m)
	require.NoError(t, m.Link())
	return m
}

func runModule(t *testing.T, code string) *Machine {
	t.Helper()
	m := newMachine(t, code)
	require.NoError(t, m.RunMain())
	return m
}

func global(t *testing.T, m *Machine, name string) vm.Value {
	t.Helper()
	v, ok := m.Globals.Variables[name]
	require.True(t, ok, "global %s not defined", name)
	return v
}

func callByName(t *testing.T, m *Machine, name string, args ...vm.Value) (vm.Value, error) {
	t.Helper()
	fn, ok := m.Lookup(name)
	require.True(t, ok, "no symbol %s", name)
	return m.Invoke(fn, args)
}

func str(t *testing.T, v vm.Value) string {
	t.Helper()
	s, ok := v.(*vm.String)
	require.True(t, ok, "expected a string, got %s", vm.TypeName(v))
	return s.String()
}
