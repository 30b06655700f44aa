package interp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gear-lang/gear/vm"
)

func TestListIteratorSingleVar(t *testing.T) {
	l := vm.MakeList([]vm.Value{vm.IntValue(1), vm.IntValue(2), vm.IntValue(3)})
	iter := NewListIterator(l, 1)
	var got []vm.Value
	for iter.Next() {
		got = append(got, iter.Var1())
		assert.Equal(t, vm.Null, iter.Var2())
	}
	assert.Equal(t, []vm.Value{vm.IntValue(1), vm.IntValue(2), vm.IntValue(3)}, got)
	assert.False(t, iter.Next())
}

func TestListIteratorTwoVars(t *testing.T) {
	l := vm.MakeList([]vm.Value{vm.BoolTrue, vm.Null})
	iter := NewListIterator(l, 2)
	require.True(t, iter.Next())
	assert.Equal(t, vm.IntValue(0), iter.Var1())
	assert.Equal(t, vm.BoolTrue, iter.Var2())
	require.True(t, iter.Next())
	assert.Equal(t, vm.IntValue(1), iter.Var1())
	assert.Equal(t, vm.Null, iter.Var2())
	assert.False(t, iter.Next())
}

func TestListIteratorSeesAppends(t *testing.T) {
	l := vm.MakeList([]vm.Value{vm.IntValue(1)})
	iter := NewListIterator(l, 1)
	require.True(t, iter.Next())
	l.Push(vm.IntValue(2))
	require.True(t, iter.Next())
	assert.Equal(t, vm.IntValue(2), iter.Var1())
	assert.False(t, iter.Next())
}

func TestEmptyLoopSkipsBody(t *testing.T) {
	m := runModule(t, `
hit = False
for x in []:
    hit = True
`)
	assert.Equal(t, vm.BoolFalse, global(t, m, "hit"))
}

func TestFieldIteration(t *testing.T) {
	m := runModule(t, `
P = struct(a=1, b=2)
names = []
sum = 0
for k, v in P():
    names.append(k)
    sum += v
`)
	names := global(t, m, "names").(*vm.List).Elems()
	require.Len(t, names, 2)
	assert.Equal(t, "a", str(t, names[0]))
	assert.Equal(t, "b", str(t, names[1]))
	assert.Equal(t, vm.IntValue(3), global(t, m, "sum"))
}

func TestIteratorsAreRoots(t *testing.T) {
	m := newMachine(t, "x = 1")
	l, err := m.Heap.NewList(nil)
	require.NoError(t, err)
	m.Globals.IteratorStack = append(m.Globals.IteratorStack, &IteratorState{Iter: NewListIterator(l, 1)})
	var seen bool
	m.VisitRoots(func(v vm.Value) {
		if v == vm.Value(l) {
			seen = true
		}
	})
	assert.True(t, seen)
}
