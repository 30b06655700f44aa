package interp

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/gear-lang/gear/vm"
)

// Invoke calls callee with args and returns its single result. Every kind
// of call goes through here: compiled functions, closures, natives,
// builtins and type constructors.
func (m *Machine) Invoke(callee vm.Value, args []vm.Value) (vm.Value, error) {
	if err := m.checkDepth(); err != nil {
		return nil, err
	}
	switch fn := callee.(type) {
	case vm.FnPtrValue, *vm.Closure:
		frame, err := m.BuildCallFrame(fn, args)
		if err != nil {
			return nil, err
		}
		return m.run(frame)
	case *vm.NativeFn:
		return m.invokeNative(fn, args)
	case vm.BuiltinValue:
		return m.callBuiltin(fn.Name, args)
	case *vm.TypeDesc:
		return m.construct(fn, args)
	}
	return nil, fmt.Errorf("%w: %s is not callable", ErrTypeMismatch, vm.TypeName(callee))
}

func (m *Machine) checkDepth() error {
	if m.MaxDepth > 0 && len(m.Frames) >= m.MaxDepth {
		return fmt.Errorf("%w: call depth exceeds %d", ErrStackOverflow, m.MaxDepth)
	}
	return nil
}

// BuildCallFrame binds args to the parameters of a compiled function or
// closure.
func (m *Machine) BuildCallFrame(callee vm.Value, args []vm.Value) (*StackFrame, error) {
	var ptr vm.ExecPtr
	var captures []vm.Value
	switch fn := callee.(type) {
	case vm.FnPtrValue:
		ptr = vm.ExecPtr(fn)
	case *vm.Closure:
		ptr = vm.ExecPtr(fn.Fn)
		captures = fn.Captures
	default:
		return nil, fmt.Errorf("%w: %s is not a compiled function", ErrTypeMismatch, vm.TypeName(callee))
	}
	fn := m.Program.GetFunction(ptr)
	if fn == nil || ptr.CodeID() == 0 {
		return nil, fmt.Errorf("no function at %s", ptr)
	}
	if len(args) > len(fn.Params) {
		return nil, fmt.Errorf("%s takes %d arguments, %d given", fn.Name, len(fn.Params), len(args))
	}
	frame := &StackFrame{PC: ptr}
	for i, name := range fn.Captures {
		if i < len(captures) {
			frame.StoreVar(name, captures[i])
		}
	}
	for i, p := range fn.Params {
		if i < len(args) {
			frame.StoreVar(p.Name, args[i])
			continue
		}
		if p.Default == nil {
			return nil, fmt.Errorf("Not enough arguments to call %s: missing %s", fn.Name, p.Name)
		}
		v, err := m.constant(p.Default)
		if err != nil {
			return nil, err
		}
		frame.StoreVar(p.Name, v)
	}
	return frame, nil
}

func (m *Machine) invokeNative(fn *vm.NativeFn, args []vm.Value) (vm.Value, error) {
	if !fn.Bound() {
		return nil, fmt.Errorf("%w: %s", ErrUnboundNative, fn.Name)
	}
	if m.Host == nil {
		return nil, fmt.Errorf("%w: no host to run %s", ErrUnboundNative, fn.Name)
	}
	m.Frames.Append(&StackFrame{Native: fn})
	defer m.Frames.PopStack()
	log.Trace().Str("native", fn.Name).Int("argc", len(args)).Msg("invoking native")
	v, err := m.Host.InvokeNative(fn, args)
	if err != nil {
		return nil, err
	}
	if v == nil {
		v = vm.Null
	}
	return v, nil
}

func (m *Machine) construct(t *vm.TypeDesc, args []vm.Value) (vm.Value, error) {
	if len(args) > len(t.Fields) {
		return nil, fmt.Errorf("%s has %d fields, %d values given", t.Name, len(t.Fields), len(args))
	}
	return m.NewInstance(t, args)
}

// NewInstance allocates an object of type t; fields beyond len(values)
// take their declared defaults.
func (m *Machine) NewInstance(t *vm.TypeDesc, values []vm.Value) (*vm.Object, error) {
	defs, ok := m.defaults[t]
	if !ok {
		return nil, fmt.Errorf("%w: type %s does not belong to this program", ErrUnknownSymbol, t.Name)
	}
	vals := make([]vm.Value, len(t.Fields))
	copy(vals, defs)
	copy(vals, values)
	return m.Heap.NewObject(t, vals)
}

// callMethod handles CALL_METHOD. A callable field on an object wins over
// the built-in methods of its type.
func (m *Machine) callMethod(recv vm.Value, name string, args []vm.Value) (vm.Value, error) {
	if o, ok := recv.(*vm.Object); ok {
		if f, ok := o.Field(name); ok {
			if !vm.IsCallable(f) {
				return nil, fmt.Errorf("%w: field %s of %s is not callable", ErrTypeMismatch, name, o.TypeName())
			}
			return m.Invoke(f, args)
		}
	}
	if l, ok := recv.(*vm.List); ok {
		switch name {
		case "append":
			if len(args) != 1 {
				return nil, fmt.Errorf("append takes exactly one argument")
			}
			m.Heap.Append(l, args[0])
			return vm.Null, nil
		}
	}
	return nil, fmt.Errorf("%w: %s has no method %s", ErrUnknownSymbol, vm.TypeName(recv), name)
}
