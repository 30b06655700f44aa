package gc

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gear-lang/gear/vm"
)

type rootSet struct {
	vals []vm.Value
}

func (r *rootSet) VisitRoots(visit func(vm.Value)) {
	for _, v := range r.vals {
		visit(v)
	}
}

var boxType = &vm.TypeDesc{
	Name:   "Box",
	Fields: []vm.FieldDef{{Name: "x", Default: vm.Null}},
}

func newTestHeap(t *testing.T, cfg Config) (*Heap, *rootSet) {
	t.Helper()
	h := NewHeap(cfg)
	t.Cleanup(h.Close)
	roots := &rootSet{}
	h.SetRoots(roots)
	return h, roots
}

func TestCollectFreesUnreachable(t *testing.T) {
	h, roots := newTestHeap(t, DefaultConfig())

	kept, err := h.NewString("kept")
	require.NoError(t, err)
	list, err := h.NewList([]vm.Value{kept, vm.IntValue(1)})
	require.NoError(t, err)
	box, err := h.NewObject(boxType, []vm.Value{list})
	require.NoError(t, err)
	roots.vals = []vm.Value{box}

	garbage, err := h.NewString("garbage")
	require.NoError(t, err)
	closure, err := h.NewClosure(vm.FnPtrValue(vm.NewExecPtr(1)), "f", []vm.Value{garbage})
	require.NoError(t, err)

	h.Collect()

	for _, o := range []vm.HeapObject{kept, list, box} {
		assert.False(t, o.GCHeader().Freed(), "%s was freed", o.TypeName())
		assert.Equal(t, vm.White, o.GCHeader().Color())
	}
	assert.True(t, garbage.Freed())
	assert.True(t, closure.Freed())
	assert.Nil(t, closure.Captures)

	s := h.Stats()
	assert.Equal(t, Idle, s.Phase)
	assert.Equal(t, int64(1), s.Cycles)
	assert.Equal(t, int64(3), s.LiveObjects)
	assert.Equal(t, int64(2), s.FreedObjects)
	assert.Equal(t, 3, h.Resident())

	roots.vals = nil
	h.Collect()
	assert.True(t, kept.Freed())
	assert.Zero(t, h.Stats().LiveBytes)
	assert.Zero(t, h.Resident())
}

func TestBornBlackWhileMarking(t *testing.T) {
	h, roots := newTestHeap(t, DefaultConfig())
	for i := 0; i < 1000; i++ {
		s, err := h.NewString("rooted")
		require.NoError(t, err)
		roots.vals = append(roots.vals, s)
	}
	h.startCycle()
	require.Equal(t, Marking, h.Phase())

	s, err := h.NewString("new")
	require.NoError(t, err)
	// The worker may finish the whole cycle before the allocation, in which
	// case the object is born into an idle heap.
	if h.Phase() != Idle {
		assert.Equal(t, vm.Black, s.Color())
	}

	h.finishCycle()
	assert.False(t, s.Freed())
	assert.Equal(t, vm.White, s.Color())

	h.Collect()
	assert.True(t, s.Freed())
}

// Moving the only reference to an object from a rooted field into an
// object born during the cycle must not lose it, however far the worker
// has got.
func TestBarrierKeepsMovedReference(t *testing.T) {
	h, roots := newTestHeap(t, DefaultConfig())
	for i := 0; i < 50; i++ {
		s, err := h.NewString(strings.Repeat("v", i))
		require.NoError(t, err)
		src, err := h.NewObject(boxType, []vm.Value{s})
		require.NoError(t, err)
		roots.vals = []vm.Value{src}

		h.startCycle()
		require.Equal(t, Marking, h.Phase())
		dst, err := h.NewObject(boxType, nil)
		require.NoError(t, err)
		h.StoreField(dst, "x", s)
		h.StoreField(src, "x", vm.Null)
		roots.vals = []vm.Value{dst}
		h.finishCycle()

		require.False(t, s.Freed(), "iteration %d", i)
		h.Collect()
		require.False(t, s.Freed(), "iteration %d", i)
		require.True(t, src.Freed(), "iteration %d", i)
	}
}

func TestListBarrier(t *testing.T) {
	h, roots := newTestHeap(t, DefaultConfig())
	s, err := h.NewString("moved")
	require.NoError(t, err)
	from, err := h.NewList([]vm.Value{s})
	require.NoError(t, err)
	to, err := h.NewList(nil)
	require.NoError(t, err)
	roots.vals = []vm.Value{from, to}

	h.startCycle()
	h.Append(to, s)
	require.True(t, h.StoreIndex(from, 0, vm.Null))
	assert.False(t, h.StoreIndex(from, 5, vm.Null))
	h.finishCycle()
	h.Collect()

	assert.False(t, s.Freed())
	v, ok := to.At(0)
	require.True(t, ok)
	assert.Same(t, s, v)
}

func TestMaxHeapBytes(t *testing.T) {
	h, roots := newTestHeap(t, Config{MaxHeapBytes: 1024})

	_, err := h.NewString(strings.Repeat("x", 2048))
	require.ErrorIs(t, err, ErrOutOfMemory)

	// Garbage is reclaimed to make room.
	for i := 0; i < 100; i++ {
		_, err := h.NewString(strings.Repeat("y", 200))
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, h.Stats().LiveBytes, int64(1024))
	assert.Positive(t, h.Stats().Cycles)

	// Live data is not.
	var held []vm.Value
	for {
		s, err := h.NewString(strings.Repeat("z", 200))
		if err != nil {
			require.ErrorIs(t, err, ErrOutOfMemory)
			break
		}
		held = append(held, s)
		roots.vals = held
	}
	assert.NotEmpty(t, held)
	for _, v := range held {
		assert.False(t, v.(*vm.String).Freed())
	}
}

func TestThresholdTriggersCycles(t *testing.T) {
	h, _ := newTestHeap(t, Config{InitialThreshold: 1024, GrowthPercent: 50})
	for i := 0; i < 1000; i++ {
		_, err := h.NewString("some garbage")
		require.NoError(t, err)
		h.Safepoint()
	}
	h.finishCycle()
	s := h.Stats()
	assert.Positive(t, s.Cycles)
	assert.Positive(t, s.FreedObjects)
	assert.GreaterOrEqual(t, s.NextGC, int64(1024))
}

func TestClose(t *testing.T) {
	h := NewHeap(DefaultConfig())
	s, err := h.NewString("x")
	require.NoError(t, err)
	h.Close()
	h.Close()
	assert.True(t, s.Freed())
	assert.Zero(t, h.Stats().LiveObjects)
	_, err = h.NewString("y")
	require.ErrorIs(t, err, ErrOutOfMemory)
	h.Collect()
}
