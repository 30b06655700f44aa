package gear

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/gear-lang/gear/gc"
	"github.com/gear-lang/gear/interp"
	"github.com/gear-lang/gear/vm"
)

type ErrorKind int

const (
	TypeMismatch ErrorKind = iota + 1
	SymbolNotFound
	LoadFailure
	AllocationFailure
	DebugServerAlreadyRunning
	DebugServerBindFailure
	StackOverflow
	RegisterMisuse
	// RuntimeFault covers faults raised by running script code, such as
	// division by zero or a call with the wrong number of arguments.
	RuntimeFault
)

func (k ErrorKind) String() string {
	switch k {
	case TypeMismatch:
		return "type mismatch"
	case SymbolNotFound:
		return "symbol not found"
	case LoadFailure:
		return "load failure"
	case AllocationFailure:
		return "allocation failure"
	case DebugServerAlreadyRunning:
		return "debug server already running"
	case DebugServerBindFailure:
		return "debug server bind failure"
	case StackOverflow:
		return "stack overflow"
	case RegisterMisuse:
		return "register misuse"
	case RuntimeFault:
		return "runtime fault"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is the error type of every runtime operation. Compare with
// errors.Is against the Err* sentinels.
type Error struct {
	Kind ErrorKind
	Msg  string

	cause    error
	reported bool
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Msg
}

func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Msg == "" && t.Kind == e.Kind
}

var (
	ErrTypeMismatch              = &Error{Kind: TypeMismatch}
	ErrSymbolNotFound            = &Error{Kind: SymbolNotFound}
	ErrLoadFailure               = &Error{Kind: LoadFailure}
	ErrAllocationFailure         = &Error{Kind: AllocationFailure}
	ErrDebugServerAlreadyRunning = &Error{Kind: DebugServerAlreadyRunning}
	ErrDebugServerBindFailure    = &Error{Kind: DebugServerBindFailure}
	ErrStackOverflow             = &Error{Kind: StackOverflow}
	ErrRegisterMisuse            = &Error{Kind: RegisterMisuse}
	ErrRuntimeFault              = &Error{Kind: RuntimeFault}
)

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// classify maps an internal error onto the public kinds.
func classify(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	kind := RuntimeFault
	switch {
	case errors.Is(err, gc.ErrOutOfMemory):
		kind = AllocationFailure
	case errors.Is(err, interp.ErrStackOverflow):
		kind = StackOverflow
	case errors.Is(err, interp.ErrUnboundNative), errors.Is(err, interp.ErrUnknownSymbol):
		kind = SymbolNotFound
	case errors.Is(err, interp.ErrTypeMismatch):
		kind = TypeMismatch
	case errors.Is(err, vm.ErrBadImage):
		kind = LoadFailure
	}
	return &Error{Kind: kind, Msg: err.Error(), cause: err}
}

// SetErrorCallback installs fn to be called synchronously whenever an
// error is raised. Passing nil removes it.
func (rt *Runtime) SetErrorCallback(fn func(*Error)) {
	rt.errCallback = fn
}

// LastError returns the most recent error and clears it.
func (rt *Runtime) LastError() *Error {
	e := rt.lastErr
	rt.lastErr = nil
	return e
}

// raise reports err to the callback, then records it as the last error. An
// error already reported on its way up through nested calls is not
// reported again.
func (rt *Runtime) raise(err error) *Error {
	if err == nil {
		return nil
	}
	e := classify(err)
	if !e.reported {
		e.reported = true
		log.Debug().Str("runtime", rt.id.String()).Str("kind", e.Kind.String()).Msg(e.Msg)
		if rt.errCallback != nil {
			rt.errCallback(e)
		}
	}
	rt.lastErr = e
	return e
}
