package debug

import (
	"context"
	"encoding/json"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gear-lang/gear/gc"
	"github.com/gear-lang/gear/interp"
	"github.com/gear-lang/gear/vm"
)

const script = `
count = 0

def bump(n):
    x = n + 1
    return x

for i in range(3):
    count = count + bump(i)
`

type testTarget struct {
	m    *interp.Machine
	regs map[int64]vm.Value
	stop atomic.Bool
}

func (t *testTarget) Machine() *interp.Machine { return t.m }

func (t *testTarget) Register(h int64) (vm.Value, bool) {
	v, ok := t.regs[h]
	return v, ok
}

func (t *testTarget) InvokeNative(fn *vm.NativeFn, args []vm.Value) (vm.Value, error) {
	return vm.BoolValue(t.stop.Load()), nil
}

func newTarget(t *testing.T, code string) *testTarget {
	t.Helper()
	prog, err := vm.CompileLiteral(code)
	require.NoError(t, err)
	heap := gc.NewHeap(gc.DefaultConfig())
	t.Cleanup(heap.Close)
	tt := &testTarget{regs: map[int64]vm.Value{1: vm.IntValue(42)}}
	tt.m = interp.NewMachine(prog, heap, tt)
	heap.SetRoots(tt.m)
	require.NoError(t, tt.m.Link())
	if fn, ok := tt.m.Native("stop"); ok {
		fn.Impl = func(int) error { return nil }
	}
	return tt
}

func startServer(t *testing.T, tt *testTarget) *Server {
	t.Helper()
	s, err := Listen(tt, "127.0.0.1", 0)
	require.NoError(t, err)
	tt.m.SetHook(s)
	t.Cleanup(func() { s.Close() })
	return s
}

// runAsync runs the module's main code on its own goroutine, standing in
// for the embedding thread.
func runAsync(tt *testTarget) <-chan error {
	done := make(chan error, 1)
	go func() { done <- tt.m.RunMain() }()
	return done
}

type event struct {
	method string
	params json.RawMessage
}

type client struct {
	conn   *jsonrpc2.Conn
	events chan event
}

func dial(t *testing.T, s *Server) *client {
	t.Helper()
	c, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	cl := &client{events: make(chan event, 32)}
	h := jsonrpc2.HandlerWithError(func(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
		ev := event{method: req.Method}
		if req.Params != nil {
			ev.params = *req.Params
		}
		cl.events <- ev
		return nil, nil
	})
	cl.conn = jsonrpc2.NewConn(context.Background(), jsonrpc2.NewBufferedStream(c, jsonrpc2.VSCodeObjectCodec{}), h)
	t.Cleanup(func() { cl.conn.Close() })
	return cl
}

func (c *client) call(t *testing.T, method string, params, result any) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.conn.Call(ctx, method, params, result)
}

func (c *client) stopped(t *testing.T) StoppedEvent {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-c.events:
			if ev.method != EventStopped {
				continue
			}
			var out StoppedEvent
			require.NoError(t, json.Unmarshal(ev.params, &out))
			return out
		case <-timeout:
			t.Fatal("timed out waiting for stopped event")
			return StoppedEvent{}
		}
	}
}

func attach(t *testing.T, s *Server) *client {
	t.Helper()
	cl := dial(t, s)
	var caps Capabilities
	require.NoError(t, cl.call(t, MethodInitialize, InitializeParams{ClientName: "test"}, &caps))
	assert.True(t, caps.SupportsFunctionBreakpoints)
	assert.NotEmpty(t, caps.SessionID)
	return cl
}

func waitDone(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("script did not finish")
	}
}

func TestLineBreakpoints(t *testing.T) {
	tt := newTarget(t, script)
	s := startServer(t, tt)
	cl := attach(t, s)

	var bps []Breakpoint
	require.NoError(t, cl.call(t, MethodSetBreakpoints, SetBreakpointsParams{Lines: []int{5, 100}}, &bps))
	want := []Breakpoint{{Line: 5, Verified: true}, {Line: 100, Verified: false}}
	if diff := cmp.Diff(want, bps); diff != "" {
		t.Errorf("breakpoints mismatch (-want +got):\n%s", diff)
	}
	require.NoError(t, cl.call(t, MethodConfigurationDone, nil, nil))

	done := runAsync(tt)
	ev := cl.stopped(t)
	assert.Equal(t, StoppedEvent{Reason: ReasonBreakpoint, ThreadID: MainThread, Function: "bump", Line: 5}, ev)

	var frames []StackFrame
	require.NoError(t, cl.call(t, MethodStackTrace, nil, &frames))
	wantFrames := []StackFrame{
		{ID: 1, Name: "bump", Line: 5},
		{ID: 0, Name: "<main>", Line: 9},
	}
	if diff := cmp.Diff(wantFrames, frames); diff != "" {
		t.Errorf("stack mismatch (-want +got):\n%s", diff)
	}

	var locals []Variable
	require.NoError(t, cl.call(t, MethodVariables, VariablesParams{FrameID: 1, Scope: ScopeLocals}, &locals))
	assert.Equal(t, []Variable{{Name: "n", Value: "0", Type: "int"}}, locals)

	var globals []Variable
	require.NoError(t, cl.call(t, MethodVariables, VariablesParams{Scope: ScopeGlobals}, &globals))
	assert.Contains(t, globals, Variable{Name: "count", Value: "0", Type: "int"})

	require.NoError(t, cl.call(t, MethodContinue, nil, nil))
	ev = cl.stopped(t)
	assert.Equal(t, 5, ev.Line)
	require.NoError(t, cl.call(t, MethodVariables, VariablesParams{FrameID: 1, Scope: ScopeLocals}, &locals))
	assert.Equal(t, []Variable{{Name: "n", Value: "1", Type: "int"}}, locals)

	require.NoError(t, cl.call(t, MethodSetBreakpoints, SetBreakpointsParams{}, &bps))
	require.NoError(t, cl.call(t, MethodContinue, nil, nil))
	waitDone(t, done)
	assert.Equal(t, vm.IntValue(6), tt.m.Globals.Variables["count"])
}

func TestStepping(t *testing.T) {
	tt := newTarget(t, script)
	s := startServer(t, tt)
	cl := attach(t, s)

	var bps []Breakpoint
	require.NoError(t, cl.call(t, MethodSetFunctionBreakpoints, SetFunctionBreakpointsParams{Names: []string{"bump", "nope"}}, &bps))
	assert.Equal(t, []Breakpoint{{Function: "bump", Verified: true}, {Function: "nope"}}, bps)

	done := runAsync(tt)
	ev := cl.stopped(t)
	assert.Equal(t, ReasonFunctionBreakpoint, ev.Reason)
	assert.Equal(t, 5, ev.Line)

	require.NoError(t, cl.call(t, MethodNext, nil, nil))
	ev = cl.stopped(t)
	assert.Equal(t, StoppedEvent{Reason: ReasonStep, ThreadID: MainThread, Function: "bump", Line: 6}, ev)

	require.NoError(t, cl.call(t, MethodStepOut, nil, nil))
	ev = cl.stopped(t)
	assert.Equal(t, ReasonStep, ev.Reason)
	assert.Equal(t, "<main>", ev.Function)
	assert.Equal(t, 9, ev.Line)

	require.NoError(t, cl.call(t, MethodSetFunctionBreakpoints, SetFunctionBreakpointsParams{}, &bps))
	require.NoError(t, cl.call(t, MethodStepIn, nil, nil))
	ev = cl.stopped(t)
	assert.Equal(t, ReasonStep, ev.Reason)

	require.NoError(t, cl.call(t, MethodContinue, nil, nil))
	waitDone(t, done)
}

func TestPauseAndDisconnectResumes(t *testing.T) {
	tt := newTarget(t, `
extern("stop")
n = 0
while not stop():
    n = n + 1
`)
	s := startServer(t, tt)
	cl := attach(t, s)
	done := runAsync(tt)

	require.NoError(t, cl.call(t, MethodPause, nil, nil))
	ev := cl.stopped(t)
	assert.Equal(t, ReasonPause, ev.Reason)

	var regs []Register
	require.NoError(t, cl.call(t, MethodRegisters, RegistersParams{Handles: []int64{1, 99}}, &regs))
	assert.Equal(t, []Register{
		{Handle: 1, Value: "42", Type: "int", Valid: true},
		{Handle: 99},
	}, regs)

	tt.stop.Store(true)
	cl.conn.Close()
	waitDone(t, done)
}

func TestInspectRequiresPause(t *testing.T) {
	tt := newTarget(t, script)
	s := startServer(t, tt)
	cl := attach(t, s)

	var frames []StackFrame
	err := cl.call(t, MethodStackTrace, nil, &frames)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not paused")

	err = cl.call(t, "evaluate", nil, nil)
	var rpcErr *jsonrpc2.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, int64(jsonrpc2.CodeMethodNotFound), rpcErr.Code)
}

func TestSecondClientRejected(t *testing.T) {
	tt := newTarget(t, script)
	s := startServer(t, tt)
	attach(t, s)

	second := dial(t, s)
	select {
	case <-second.conn.DisconnectNotify():
	case <-time.After(5 * time.Second):
		t.Fatal("second client was not dropped")
	}
}

func TestWaitAttached(t *testing.T) {
	tt := newTarget(t, script)
	s := startServer(t, tt)
	waited := make(chan error, 1)
	go func() { waited <- s.WaitAttached() }()

	select {
	case <-waited:
		t.Fatal("returned before a client attached")
	case <-time.After(50 * time.Millisecond):
	}
	attach(t, s)
	select {
	case err := <-waited:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("WaitAttached did not return")
	}
}

func TestWaitAttachedClosed(t *testing.T) {
	tt := newTarget(t, script)
	s := startServer(t, tt)
	require.NoError(t, s.Close())
	require.ErrorIs(t, s.WaitAttached(), ErrClosed)
}
