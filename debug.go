package gear

import (
	"github.com/gear-lang/gear/debug"
	"github.com/gear-lang/gear/interp"
	"github.com/gear-lang/gear/vm"
)

// StartDebugServer listens for a debugger on address:port. With wait set
// it blocks until a client has attached. Only one server may run per
// Runtime.
func (rt *Runtime) StartDebugServer(address string, port int, wait bool) error {
	if rt.debug != nil {
		return rt.fail(newError(DebugServerAlreadyRunning, "listening on %s", rt.debug.Addr()))
	}
	s, err := debug.Listen(debugTarget{rt}, address, port)
	if err != nil {
		return rt.fail(&Error{Kind: DebugServerBindFailure, Msg: err.Error(), cause: err})
	}
	rt.debug = s
	rt.m.SetHook(s)
	if wait {
		return rt.awaitDebugger()
	}
	return nil
}

// awaitDebugger blocks until a client attaches. If the server shuts down
// first it is unregistered, so a later StartDebugServer may try again.
func (rt *Runtime) awaitDebugger() error {
	if err := rt.debug.WaitAttached(); err != nil {
		rt.StopDebugServer()
		return rt.fail(&Error{Kind: RuntimeFault, Msg: "waiting for a debugger: " + err.Error(), cause: err})
	}
	return nil
}

// StopDebugServer disconnects any client and closes the listener. It is a
// no-op when no server is running.
func (rt *Runtime) StopDebugServer() {
	if rt.debug == nil {
		return
	}
	rt.m.SetHook(nil)
	rt.debug.Close()
	rt.debug = nil
}

// DebugServerAddr is the address the debug server listens on, or "".
func (rt *Runtime) DebugServerAddr() string {
	if rt.debug == nil {
		return ""
	}
	return rt.debug.Addr().String()
}

type debugTarget struct {
	rt *Runtime
}

func (t debugTarget) Machine() *interp.Machine {
	return t.rt.m
}

func (t debugTarget) Register(handle int64) (vm.Value, bool) {
	regs := &t.rt.regs
	if handle < 0 || int(handle) >= len(regs.slots) || !regs.live[handle] {
		return nil, false
	}
	return regs.slots[handle], true
}
