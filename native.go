package gear

import (
	"github.com/gear-lang/gear/vm"
)

// NativeFunc is a host function callable from script. It reads its
// arguments from ParamRegister(0) through ParamRegister(argc-1) and leaves
// its result in ReturnRegister. Any nested Call clears the parameter
// window, so read the arguments first.
type NativeFunc func(rt *Runtime, argc int) error

func (rt *Runtime) bind(fn NativeFunc) vm.HostFunc {
	return func(argc int) error {
		return fn(rt, argc)
	}
}

// ImplementFunction binds fn to name. Natives the module declared with
// extern are filled in; any other name is added to the symbol table.
func (rt *Runtime) ImplementFunction(name string, fn NativeFunc) {
	rt.m.DeclareNative(name).Impl = rt.bind(fn)
}

// SetFunction stores an anonymous native in r.
func (rt *Runtime) SetFunction(r Register, fn NativeFunc) error {
	return rt.write(r, &vm.NativeFn{Name: "<native>", Impl: rt.bind(fn)})
}

// SetFieldFunction stores an anonymous native in a field of the object in
// r, making it callable as a method from script.
func (rt *Runtime) SetFieldFunction(r Register, field string, fn NativeFunc) error {
	o, err := rt.object(r, field)
	if err != nil {
		return rt.fail(err)
	}
	rt.heap.StoreField(o, field, &vm.NativeFn{Name: field, Impl: rt.bind(fn)})
	return nil
}

// SetObject stores a new instance of the named type in r. Fields take
// their declared defaults.
func (rt *Runtime) SetObject(r Register, typeName string) error {
	if _, err := rt.regs.ref(r); err != nil {
		return rt.fail(err)
	}
	t, ok := rt.prog.LookupType(typeName)
	if !ok {
		return rt.fail(newError(SymbolNotFound, "no type named %s", typeName))
	}
	o, err := rt.m.NewInstance(t, nil)
	if err != nil {
		return rt.fail(err)
	}
	return rt.write(r, o)
}

// GetField copies a field of the object in obj into dest.
func (rt *Runtime) GetField(obj Register, name string, dest Register) error {
	o, err := rt.object(obj, name)
	if err != nil {
		return rt.fail(err)
	}
	v, _ := o.Field(name)
	return rt.write(dest, v)
}

// SetField stores the value in src into a field of the object in obj.
func (rt *Runtime) SetField(obj Register, name string, src Register) error {
	o, err := rt.object(obj, name)
	if err != nil {
		return rt.fail(err)
	}
	v, err := rt.read(src)
	if err != nil {
		return rt.fail(err)
	}
	rt.heap.StoreField(o, name, v)
	return nil
}

// object reads r as an object that has the given field.
func (rt *Runtime) object(r Register, field string) (*vm.Object, error) {
	v, err := rt.read(r)
	if err != nil {
		return nil, err
	}
	o, ok := v.(*vm.Object)
	if !ok {
		return nil, newError(TypeMismatch, "register %d holds %s, not an object", r, vm.TypeName(v))
	}
	if _, ok := o.Field(field); !ok {
		return nil, newError(SymbolNotFound, "%s has no field %s", o.TypeName(), field)
	}
	return o, nil
}
