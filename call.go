package gear

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/gear-lang/gear/vm"
)

// Call invokes the function held in fn with the first argc parameter
// registers as arguments. The result goes to ReturnRegister and the
// parameter window is nulled, whether or not the call succeeds.
func (rt *Runtime) Call(fn Register, argc int) error {
	callee, err := rt.read(fn)
	if err != nil {
		rt.regs.clearParams()
		return rt.fail(err)
	}
	return rt.invoke(callee, argc)
}

// CallByName is Call on a module-level symbol.
func (rt *Runtime) CallByName(name string, argc int) error {
	callee, ok := rt.m.Lookup(name)
	if !ok {
		rt.regs.clearParams()
		return rt.fail(newError(SymbolNotFound, "no symbol named %s", name))
	}
	return rt.invoke(callee, argc)
}

func (rt *Runtime) invoke(callee vm.Value, argc int) error {
	defer rt.regs.clearParams()
	if rt.released {
		return rt.fail(newError(RegisterMisuse, "runtime has been released"))
	}
	if argc < 0 || argc > ParamCount {
		return rt.fail(newError(RegisterMisuse, "argc %d does not fit the parameter window of %d", argc, ParamCount))
	}
	args := make([]vm.Value, argc)
	copy(args, rt.regs.slots[1:1+argc])
	v, err := rt.m.Invoke(callee, args)
	if err != nil {
		rt.regs.slots[ReturnRegister] = vm.Null
		return rt.fail(err)
	}
	rt.regs.slots[ReturnRegister] = v
	return nil
}

// InvokeNative runs a native callback for the interpreter. Arguments are
// placed in the parameter window and the callback leaves its result in
// ReturnRegister.
func (rt *Runtime) InvokeNative(fn *vm.NativeFn, args []vm.Value) (vm.Value, error) {
	if len(args) > ParamCount {
		return nil, fmt.Errorf("%s called with %d arguments, the parameter window holds %d", fn.Name, len(args), ParamCount)
	}
	rt.regs.clearParams()
	copy(rt.regs.slots[1:], args)
	rt.regs.slots[ReturnRegister] = vm.Null
	defer rt.regs.clearParams()

	log.Trace().Str("runtime", rt.id.String()).Str("native", fn.Name).Int("argc", len(args)).Msg("calling native")
	if err := fn.Impl(len(args)); err != nil {
		return nil, err
	}
	return rt.regs.slots[ReturnRegister], nil
}

// GetSymbol copies the value of a global, function, native or type into
// dest. dest is left alone if the name is unknown.
func (rt *Runtime) GetSymbol(name string, dest Register) error {
	v, ok := rt.m.Lookup(name)
	if !ok {
		return rt.fail(newError(SymbolNotFound, "no symbol named %s", name))
	}
	return rt.write(dest, v)
}

// LoadFunction is GetSymbol restricted to callable symbols.
func (rt *Runtime) LoadFunction(dest Register, name string) error {
	v, ok := rt.m.Lookup(name)
	if !ok || !vm.IsCallable(v) {
		return rt.fail(newError(SymbolNotFound, "no function named %s", name))
	}
	return rt.write(dest, v)
}
