package gear

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gear-lang/gear/cas"
	"github.com/gear-lang/gear/config"
	"github.com/gear-lang/gear/gc"
	"github.com/gear-lang/gear/vm"
)

func TestRegisterRootsSurviveCollection(t *testing.T) {
	rt := newTestRuntime(t, testModule)
	regs := rt.AllocRegisters(4)
	keep, drop, obj, tmp := regs[0], regs[1], regs[2], regs[3]

	require.NoError(t, rt.SetString(keep, "keep"))
	require.NoError(t, rt.SetString(drop, "drop"))
	kept := rt.regs.slots[keep].(*vm.String)
	dropped := rt.regs.slots[drop].(*vm.String)

	require.NoError(t, rt.SetObject(obj, "Point"))
	require.NoError(t, rt.SetString(tmp, "label"))
	require.NoError(t, rt.SetField(obj, "y", tmp))
	label := rt.regs.slots[tmp].(*vm.String)
	require.NoError(t, rt.FreeRegisters(drop, tmp))

	for i := 0; i < 3; i++ {
		rt.Collect()
	}
	s, err := rt.GetString(keep)
	require.NoError(t, err)
	assert.Equal(t, "keep", s)
	assert.False(t, kept.Freed())
	assert.True(t, dropped.Freed())

	assert.False(t, label.Freed())
	out := rt.AllocRegisters(1)[0]
	require.NoError(t, rt.GetField(obj, "y", out))
	s, err = rt.GetString(out)
	require.NoError(t, err)
	assert.Equal(t, "label", s)

	assert.GreaterOrEqual(t, rt.HeapStats().Cycles, int64(3))
}

func TestFootprintStaysBounded(t *testing.T) {
	rt := newTestRuntime(t, testModule)
	rt.Collect()
	base := rt.HeapStats().LiveObjects

	for i := 0; i < 500; i++ {
		r := rt.AllocRegisters(1)
		require.NoError(t, rt.SetString(r[0], fmt.Sprintf("garbage %d", i)))
		require.NoError(t, rt.FreeRegisters(r...))
		if i%50 == 0 {
			rt.Collect()
		}
	}
	rt.Collect()
	stats := rt.HeapStats()
	assert.LessOrEqual(t, stats.LiveObjects, base)
	assert.Equal(t, gc.Idle, stats.Phase)
	assert.Positive(t, stats.FreedObjects)
}

func TestScriptGarbageIsCollected(t *testing.T) {
	rt := newTestRuntime(t, `
def churn(n):
    out = []
    for i in range(n):
        out = [str(i), str(i + 1)]
    return out
`)
	setArgs(t, rt, 200)
	require.NoError(t, rt.CallByName("churn", 1))
	last := rt.regs.slots[ReturnRegister].(*vm.List)
	rt.Collect()
	rt.Collect()
	require.Equal(t, 2, last.Len())
	first, _ := last.At(0)
	assert.Equal(t, "199", first.(*vm.String).String())
	assert.Less(t, rt.HeapStats().LiveObjects, int64(50))
}

func TestAllocationFailure(t *testing.T) {
	cfg := config.Default()
	cfg.GC.MaxHeapBytes = 4096
	rt := newTestRuntime(t, testModule, WithConfig(cfg))
	r := rt.AllocRegisters(1)[0]

	big := make([]byte, 8192)
	err := rt.SetString(r, string(big))
	require.ErrorIs(t, err, ErrAllocationFailure)
	assert.True(t, rt.IsNull(r))

	require.NoError(t, rt.SetString(r, "small"))
}

func TestAllocationFailureUnwindsScript(t *testing.T) {
	cfg := config.Default()
	cfg.GC.MaxHeapBytes = 16 << 10
	rt := newTestRuntime(t, `
def hoard(n):
    keep = []
    for i in range(n):
        keep.append(str(i))
    return keep

def ok():
    return 1
`, WithConfig(cfg))
	setArgs(t, rt, 100000)
	require.ErrorIs(t, rt.CallByName("hoard", 1), ErrAllocationFailure)
	assert.Empty(t, rt.m.Frames)
	require.NoError(t, rt.CallByName("ok", 0))
	assert.Equal(t, int64(1), returned(t, rt))
}

func TestNewFromImage(t *testing.T) {
	prog, err := vm.CompileLiteral(testModule)
	require.NoError(t, err)
	img, err := vm.MarshalProgram(prog)
	require.NoError(t, err)

	rt, err := NewFromMemory(img)
	require.NoError(t, err)
	defer rt.Release()
	assert.Equal(t, cas.Fingerprint(img), rt.ModuleHash())
	assert.Contains(t, rt.Exports(), "add")

	setArgs(t, rt, 1, 2)
	require.NoError(t, rt.CallByName("add", 2))
	assert.Equal(t, int64(3), returned(t, rt))
}

func TestNewFromFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "mod.star")
	require.NoError(t, os.WriteFile(src, []byte(testModule), 0o644))

	rt, err := NewFromFile(src)
	require.NoError(t, err)
	defer rt.Release()
	setArgs(t, rt, 2, 2)
	require.NoError(t, rt.CallByName("add", 2))
	assert.Equal(t, int64(4), returned(t, rt))

	_, err = NewFromFile(filepath.Join(dir, "missing.star"))
	require.ErrorIs(t, err, ErrLoadFailure)
}

func TestModuleStoreSharesPrograms(t *testing.T) {
	prog, err := vm.CompileLiteral(testModule)
	require.NoError(t, err)
	img, err := vm.MarshalProgram(prog)
	require.NoError(t, err)

	store := cas.NewLRUCache(cas.NewMemoryCAS(), 0)
	a := newTestRuntime(t, string(img), WithModuleStore(store))
	b := newTestRuntime(t, string(img), WithModuleStore(store))
	assert.Same(t, a.prog, b.prog)
	assert.Equal(t, a.ModuleHash(), b.ModuleHash())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, 1, store.Stats().Hits)

	// Instances never share heap state.
	setArgs(t, a, 0)
	require.NoError(t, a.CallByName("bump", 0))
	r := b.AllocRegisters(1)[0]
	require.NoError(t, b.GetSymbol("counter", r))
	n, _ := b.GetInt(r)
	assert.Zero(t, n)
}

func TestLoadFailures(t *testing.T) {
	underrun, err := vm.MarshalProgram(&vm.Program{
		Definitions: map[string]int{},
		Main:        &vm.Function{Name: "<main>", Bytecode: []vm.Op{{Code: vm.POP}}},
	})
	require.NoError(t, err)
	for name, data := range map[string][]byte{
		"truncated image": []byte("GEAR\x01\x93"),
		"bad version":     []byte("GEAR\x09"),
		"syntax error":    []byte("def (:\n"),
		"stack underrun":  underrun,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewFromMemory(data)
			require.ErrorIs(t, err, ErrLoadFailure)
		})
	}
}

func TestInitialisationFailure(t *testing.T) {
	_, err := NewFromMemory([]byte("x = 1 // 0"))
	require.ErrorIs(t, err, ErrRuntimeFault)
}

func TestReleaseIsIdempotent(t *testing.T) {
	rt, err := NewFromMemory([]byte(testModule))
	require.NoError(t, err)
	rt.Release()
	rt.Release()
	require.ErrorIs(t, rt.SetInt(ReturnRegister, 1), ErrRegisterMisuse)
	require.ErrorIs(t, rt.CallByName("add", 0), ErrRegisterMisuse)
	assert.Empty(t, rt.AllocRegisters(1))
}

func TestNativesBoundBeforeInitialisation(t *testing.T) {
	var seen []string
	record := func(rt *Runtime, argc int) error {
		s, err := rt.GetString(ParamRegister(0))
		if err != nil {
			return err
		}
		seen = append(seen, s)
		return rt.SetInt(ReturnRegister, int64(len(seen)))
	}
	rt := newTestRuntime(t, `
extern("record")
first = record("init")
`, WithNative("record", record))
	assert.Equal(t, []string{"init"}, seen)

	r := rt.AllocRegisters(1)[0]
	require.NoError(t, rt.GetSymbol("first", r))
	n, err := rt.GetInt(r)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = NewFromMemory([]byte(`
extern("record")
first = record("init")
`))
	require.ErrorIs(t, err, ErrSymbolNotFound)
}

// A collection that starts while a loop sets up its iterator must still
// see the object being iterated.
func TestIterableSurvivesCollectionAtLoopStart(t *testing.T) {
	cfg := config.Default()
	cfg.GC.InitialThreshold = 1
	cfg.GC.GrowthPercent = 1
	gcNative := func(rt *Runtime, argc int) error {
		rt.Collect()
		return nil
	}
	rt := newTestRuntime(t, `
extern("gc")

Pair = struct(left=0, right=0)
Trio = struct(first=0, second=0, third=0)

def pair():
    out = []
    for k, v in Pair(10, 20):
        out.append(k)
        out.append(v)
        gc()
    return out

def trio():
    out = []
    for k, v in Trio(1, 2, 3):
        out.append(k)
        out.append(v)
        gc()
    return out
`, WithConfig(cfg), WithNative("gc", gcNative))

	check := func(fn string, want ...any) {
		t.Helper()
		rt.Collect()
		require.NoError(t, rt.CallByName(fn, 0))
		got := rt.regs.slots[ReturnRegister].(*vm.List)
		var vals []any
		for _, e := range got.Elems() {
			switch v := e.(type) {
			case *vm.String:
				vals = append(vals, v.String())
			case vm.IntValue:
				vals = append(vals, int64(v))
			default:
				vals = append(vals, vm.ToString(v))
			}
		}
		assert.Equal(t, want, vals)
	}
	for i := 0; i < 20; i++ {
		check("pair", "left", int64(10), "right", int64(20))
		check("trio", "first", int64(1), "second", int64(2), "third", int64(3))
	}
}
