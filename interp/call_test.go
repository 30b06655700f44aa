package interp

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gear-lang/gear/vm"
)

var code = `
def someArgs(x, y, z=3):
	return x + y + z
`

func TestFunctionCall(t *testing.T) {
	m := runModule(t, code)
	_, err := callByName(t, m, "someArgs")
	require.Error(t, err)
	_, err = callByName(t, m, "someArgs", vm.IntValue(1))
	require.Error(t, err)
	v, err := callByName(t, m, "someArgs", vm.IntValue(1), vm.IntValue(2))
	require.NoError(t, err)
	assert.Equal(t, vm.IntValue(6), v)
	v, err = callByName(t, m, "someArgs", vm.IntValue(1), vm.IntValue(2), vm.IntValue(10))
	require.NoError(t, err)
	assert.Equal(t, vm.IntValue(13), v)
	_, err = callByName(t, m, "someArgs", vm.IntValue(1), vm.IntValue(2), vm.IntValue(3), vm.IntValue(4))
	require.Error(t, err)
	assert.Empty(t, m.Frames)
}

func TestWhileLoopWritesGlobal(t *testing.T) {
	m := runModule(t, `
x = True
count = 0

def foo():
    while x:
        count = count + 1
        if count == 3:
            x = False
`)
	_, err := callByName(t, m, "foo")
	require.NoError(t, err)
	assert.Equal(t, vm.BoolFalse, global(t, m, "x"))
	assert.Equal(t, vm.IntValue(3), global(t, m, "count"))
}

func TestForLoops(t *testing.T) {
	m := runModule(t, `
total = 0
for i in range(5):
    if i == 1:
        continue
    if i == 4:
        break
    total += i

pairs = 0
for i, v in [10, 20]:
    pairs = pairs + i * v

queue = []
def fill():
    for i in range(3):
        queue.append(i * 2)
fill()
`)
	assert.Equal(t, vm.IntValue(5), global(t, m, "total"))
	assert.Equal(t, vm.IntValue(20), global(t, m, "pairs"))
	q := global(t, m, "queue").(*vm.List)
	assert.Equal(t, []vm.Value{vm.IntValue(0), vm.IntValue(2), vm.IntValue(4)}, q.Elems())
}

func TestRecursion(t *testing.T) {
	m := runModule(t, `
def fib(n):
    if n < 2:
        return n
    return fib(n - 1) + fib(n - 2)
`)
	v, err := callByName(t, m, "fib", vm.IntValue(15))
	require.NoError(t, err)
	assert.Equal(t, vm.IntValue(610), v)
}

func TestStackOverflowUnwinds(t *testing.T) {
	m := runModule(t, `
def down(n):
    return down(n + 1)

def ok():
    return 1
`)
	m.MaxDepth = 50
	_, err := callByName(t, m, "down", vm.IntValue(0))
	require.ErrorIs(t, err, ErrStackOverflow)
	assert.Empty(t, m.Frames)

	v, err := callByName(t, m, "ok")
	require.NoError(t, err)
	assert.Equal(t, vm.IntValue(1), v)
}

func TestClosuresCaptureByValue(t *testing.T) {
	m := runModule(t, `
def counter(start):
    n = start
    def get():
        return n
    n = n + 100
    return get

def adder(k):
    return lambda x: x + k
`)
	get, err := callByName(t, m, "counter", vm.IntValue(1))
	require.NoError(t, err)
	c, ok := get.(*vm.Closure)
	require.True(t, ok)
	v, err := m.Invoke(c, nil)
	require.NoError(t, err)
	assert.Equal(t, vm.IntValue(1), v)

	add5, err := callByName(t, m, "adder", vm.IntValue(5))
	require.NoError(t, err)
	v, err = m.Invoke(add5, []vm.Value{vm.IntValue(2)})
	require.NoError(t, err)
	assert.Equal(t, vm.IntValue(7), v)
}

func TestTypesAndFields(t *testing.T) {
	m := runModule(t, `
Point = struct(x=0, y=0, label="origin")

def moved(dx):
    p = Point(dx)
    p.y = p.y + 2
    return p
`)
	v, err := callByName(t, m, "moved", vm.IntValue(3))
	require.NoError(t, err)
	p, ok := v.(*vm.Object)
	require.True(t, ok)
	assert.Equal(t, "Point", p.TypeName())
	assert.Equal(t, []string{"x", "y", "label"}, p.FieldNames())
	x, _ := p.Field("x")
	y, _ := p.Field("y")
	label, _ := p.Field("label")
	assert.Equal(t, vm.IntValue(3), x)
	assert.Equal(t, vm.IntValue(2), y)
	assert.Equal(t, "origin", str(t, label))
}

func TestUnknownFieldRejected(t *testing.T) {
	m := newMachine(t, `
Point = struct(x=0)
p = Point()
p.z = 1
`)
	require.ErrorIs(t, m.RunMain(), ErrUnknownSymbol)
}

func TestNatives(t *testing.T) {
	m := newMachine(t, `
extern("twice", "missing")

def run(n):
    return twice(n) + 1

def broken():
    return missing()
`)
	host := m.Host.(*testHost)
	var depthInside int
	host.impls["twice"] = func(args []vm.Value) (vm.Value, error) {
		depthInside = m.Depth()
		return args[0].(vm.IntValue) * 2, nil
	}
	fn, ok := m.Native("twice")
	require.True(t, ok)
	fn.Impl = func(int) error { return nil }
	require.NoError(t, m.RunMain())

	v, err := callByName(t, m, "run", vm.IntValue(4))
	require.NoError(t, err)
	assert.Equal(t, vm.IntValue(9), v)
	assert.Equal(t, 2, depthInside)

	_, err = callByName(t, m, "broken")
	require.ErrorIs(t, err, ErrUnboundNative)
	assert.Empty(t, m.Frames)
}

func TestNativeErrorPropagates(t *testing.T) {
	m := newMachine(t, `
extern("fail")

def outer():
    return inner()

def inner():
    return fail()
`)
	boom := errors.New("boom")
	m.Host.(*testHost).impls["fail"] = func([]vm.Value) (vm.Value, error) { return nil, boom }
	fn, _ := m.Native("fail")
	fn.Impl = func(int) error { return nil }
	require.NoError(t, m.RunMain())
	_, err := callByName(t, m, "outer")
	require.ErrorIs(t, err, boom)
	assert.Empty(t, m.Frames)
}

func TestUnknownVariable(t *testing.T) {
	m := newMachine(t, "x = y + 1")
	err := m.RunMain()
	require.ErrorIs(t, err, ErrUnknownSymbol)
	assert.Contains(t, err.Error(), "No such variable defined: y")
}

func TestBacktrace(t *testing.T) {
	m := newMachine(t, `
extern("observe")

def a():
    return b()

def b():
    return observe()
`)
	var trace []FrameInfo
	m.Host.(*testHost).impls["observe"] = func([]vm.Value) (vm.Value, error) {
		trace = m.Backtrace()
		return vm.Null, nil
	}
	fn, _ := m.Native("observe")
	fn.Impl = func(int) error { return nil }
	require.NoError(t, m.RunMain())
	_, err := callByName(t, m, "a")
	require.NoError(t, err)
	require.Len(t, trace, 3)
	assert.True(t, trace[0].Native)
	assert.Equal(t, "observe", trace[0].Function)
	assert.Equal(t, "b", trace[1].Function)
	assert.Equal(t, 8, trace[1].Line)
	assert.Equal(t, "a", trace[2].Function)
	assert.Equal(t, 5, trace[2].Line)
}
