package gear

import (
	"github.com/gear-lang/gear/vm"
)

// Register is a handle to a host-visible value slot. Allocated registers
// are garbage collection roots.
//
// Using a register after freeing it is a programming error. With
// runtime.check_registers enabled it is reported as RegisterMisuse;
// otherwise the result is unspecified.
type Register int64

// ParamCount is the size of the parameter window.
const ParamCount = 16

// ReturnRegister receives the result of every call.
const ReturnRegister Register = 0

// ParamRegister is the i'th slot of the parameter window. Arguments for a
// call are written to ParamRegister(0) through ParamRegister(argc-1).
func ParamRegister(i int) Register {
	return Register(1 + i)
}

const firstUserRegister = 1 + ParamCount

type registerTable struct {
	slots []vm.Value
	live  []bool
	free  []Register
	check bool
}

func newRegisterTable(check bool) registerTable {
	t := registerTable{
		slots: make([]vm.Value, firstUserRegister, 64),
		live:  make([]bool, firstUserRegister, 64),
		check: check,
	}
	for i := range t.slots {
		t.slots[i] = vm.Null
		t.live[i] = true
	}
	return t
}

func (t *registerTable) alloc(n int) []Register {
	out := make([]Register, n)
	for i := range out {
		var r Register
		if k := len(t.free); k > 0 {
			r = t.free[k-1]
			t.free = t.free[:k-1]
		} else {
			r = Register(len(t.slots))
			t.slots = append(t.slots, nil)
			t.live = append(t.live, false)
		}
		t.slots[r] = vm.Null
		t.live[r] = true
		out[i] = r
	}
	return out
}

func (t *registerTable) release(r Register) error {
	if r < firstUserRegister || int(r) >= len(t.slots) {
		return newError(RegisterMisuse, "register %d was not allocated", r)
	}
	if !t.live[r] {
		if t.check {
			return newError(RegisterMisuse, "register %d freed twice", r)
		}
		return nil
	}
	t.slots[r] = nil
	t.live[r] = false
	t.free = append(t.free, r)
	return nil
}

// ref returns the slot for r. Handles outside the table are always
// rejected; freed handles only when checking is enabled.
func (t *registerTable) ref(r Register) (*vm.Value, error) {
	if r < 0 || int(r) >= len(t.slots) {
		return nil, newError(RegisterMisuse, "no register %d", r)
	}
	if !t.live[r] {
		if t.check {
			return nil, newError(RegisterMisuse, "register %d used after free", r)
		}
		if t.slots[r] == nil {
			t.slots[r] = vm.Null
		}
	}
	return &t.slots[r], nil
}

func (t *registerTable) clearParams() {
	for i := 1; i < firstUserRegister && i < len(t.slots); i++ {
		t.slots[i] = vm.Null
	}
}

// visit reports allocated registers and the reserved window. Freed slots
// are not roots.
func (t *registerTable) visit(fn func(vm.Value)) {
	for i, v := range t.slots {
		if t.live[i] && v != nil {
			fn(v)
		}
	}
}

// AllocRegisters reserves n registers, each holding Null.
func (rt *Runtime) AllocRegisters(n int) []Register {
	if n <= 0 || rt.released {
		return nil
	}
	return rt.regs.alloc(n)
}

// FreeRegisters releases registers. Their values stop being roots and the
// handles may be handed out again.
func (rt *Runtime) FreeRegisters(regs ...Register) error {
	for _, r := range regs {
		if err := rt.regs.release(r); err != nil {
			return rt.fail(err)
		}
	}
	return nil
}

func (rt *Runtime) read(r Register) (vm.Value, error) {
	p, err := rt.regs.ref(r)
	if err != nil {
		return nil, err
	}
	return *p, nil
}

func (rt *Runtime) write(r Register, v vm.Value) error {
	p, err := rt.regs.ref(r)
	if err != nil {
		return rt.fail(err)
	}
	*p = v
	return nil
}

func (rt *Runtime) SetNull(r Register) error {
	return rt.write(r, vm.Null)
}

func (rt *Runtime) SetInt(r Register, i int64) error {
	return rt.write(r, vm.IntValue(i))
}

func (rt *Runtime) SetFloat(r Register, f float64) error {
	return rt.write(r, vm.FloatValue(f))
}

func (rt *Runtime) SetBool(r Register, b bool) error {
	return rt.write(r, vm.BoolValue(b))
}

// SetString allocates a new string on the heap.
func (rt *Runtime) SetString(r Register, s string) error {
	if _, err := rt.regs.ref(r); err != nil {
		return rt.fail(err)
	}
	str, err := rt.heap.NewString(s)
	if err != nil {
		return rt.fail(err)
	}
	return rt.write(r, str)
}

// GetInt reads r as an integer. Floats are truncated and booleans read as
// 0 or 1; anything else is a TypeMismatch.
func (rt *Runtime) GetInt(r Register) (int64, error) {
	v, err := rt.read(r)
	if err != nil {
		return 0, rt.fail(err)
	}
	switch n := v.(type) {
	case vm.IntValue:
		return int64(n), nil
	case vm.FloatValue:
		return int64(n), nil
	case vm.BoolValue:
		if n {
			return 1, nil
		}
		return 0, nil
	}
	return 0, rt.fail(newError(TypeMismatch, "register %d holds %s, not int", r, vm.TypeName(v)))
}

// GetFloat reads r as a float. Integers convert and booleans read as 0 or
// 1, matching GetInt.
func (rt *Runtime) GetFloat(r Register) (float64, error) {
	v, err := rt.read(r)
	if err != nil {
		return 0, rt.fail(err)
	}
	switch n := v.(type) {
	case vm.FloatValue:
		return float64(n), nil
	case vm.IntValue:
		return float64(n), nil
	case vm.BoolValue:
		if n {
			return 1, nil
		}
		return 0, nil
	}
	return 0, rt.fail(newError(TypeMismatch, "register %d holds %s, not float", r, vm.TypeName(v)))
}

// GetBool applies truthiness, so it only fails on a bad handle.
func (rt *Runtime) GetBool(r Register) (bool, error) {
	v, err := rt.read(r)
	if err != nil {
		return false, rt.fail(err)
	}
	return v.AsBool(), nil
}

// GetString returns the register's text form. Objects read as their type
// name.
func (rt *Runtime) GetString(r Register) (string, error) {
	v, err := rt.read(r)
	if err != nil {
		return "", rt.fail(err)
	}
	return vm.ToString(v), nil
}

func (rt *Runtime) IsNull(r Register) bool {
	v, err := rt.read(r)
	if err != nil {
		rt.fail(err)
		return true
	}
	return v == vm.Null
}

// Move copies src into dest. Reference values are shared, not copied, and
// src keeps its value.
func (rt *Runtime) Move(src, dest Register) error {
	v, err := rt.read(src)
	if err != nil {
		return rt.fail(err)
	}
	return rt.write(dest, v)
}
