package gear

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const testModule = `
extern("host_add", "unimplemented")

Point = struct(x=0, y=0)

counter = 0
greeting = "hello"

def add(a, b):
    return a + b

def bump():
    counter = counter + 1
    return counter

def down(n):
    return down(n + 1)

def via_host(a, b):
    return host_add(a, b) * 2

def call_unimplemented():
    return unimplemented()

def make_point(x):
    return Point(x)

def call_field(p):
    return p.x(3)

def divide(a, b):
    return a / b
`

func newTestRuntime(t *testing.T, code string, opts ...Option) *Runtime {
	t.Helper()
	rt, err := NewFromMemory([]byte(code), opts...)
	require.NoError(t, err)
	t.Cleanup(rt.Release)
	return rt
}

// setArgs fills the parameter window.
func setArgs(t *testing.T, rt *Runtime, args ...int64) {
	t.Helper()
	for i, a := range args {
		require.NoError(t, rt.SetInt(ParamRegister(i), a))
	}
}

func returned(t *testing.T, rt *Runtime) int64 {
	t.Helper()
	n, err := rt.GetInt(ReturnRegister)
	require.NoError(t, err)
	return n
}
