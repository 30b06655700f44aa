package interp

import (
	"fmt"
	"math"
	"slices"

	"github.com/gear-lang/gear/vm"
)

var builtinNames = []string{"len", "range", "str"}

func isBuiltin(name string) bool {
	return slices.Contains(builtinNames, name)
}

func (m *Machine) callBuiltin(name string, args []vm.Value) (vm.Value, error) {
	switch name {
	case "len":
		return builtinLen(args)
	case "range":
		return m.builtinRange(args)
	case "str":
		if len(args) != 1 {
			return nil, fmt.Errorf("str takes exactly one argument")
		}
		if s, ok := args[0].(*vm.String); ok {
			return s, nil
		}
		return m.Heap.NewString(vm.ToString(args[0]))
	}
	return nil, fmt.Errorf("%w: builtin %s", ErrUnknownSymbol, name)
}

func builtinLen(args []vm.Value) (vm.Value, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("len takes exactly one argument")
	}
	switch v := args[0].(type) {
	case *vm.String:
		return vm.IntValue(v.Len()), nil
	case *vm.List:
		return vm.IntValue(v.Len()), nil
	case *vm.Object:
		return vm.IntValue(v.Len()), nil
	}
	return nil, fmt.Errorf("%w: %s has no length", ErrTypeMismatch, vm.TypeName(args[0]))
}

// builtinRange accepts range(stop), range(start, stop) and
// range(start, stop, step).
func (m *Machine) builtinRange(args []vm.Value) (vm.Value, error) {
	if len(args) == 0 || len(args) > 3 {
		return nil, fmt.Errorf("range takes one to three arguments, %d given", len(args))
	}
	ints := make([]int64, len(args))
	for i, a := range args {
		n, ok := a.(vm.IntValue)
		if !ok {
			return nil, fmt.Errorf("%w: range arguments must be integers, got %s", ErrTypeMismatch, vm.TypeName(a))
		}
		ints[i] = int64(n)
	}
	var start, stop, step int64 = 0, 0, 1
	switch len(ints) {
	case 1:
		stop = ints[0]
	case 2:
		start, stop = ints[0], ints[1]
	case 3:
		start, stop, step = ints[0], ints[1], ints[2]
	}
	if step == 0 {
		return nil, fmt.Errorf("range step must not be zero")
	}
	n := rangeLen(start, stop, step)
	if err := m.Heap.ReserveList(n); err != nil {
		return nil, err
	}
	out := make([]vm.Value, n)
	for i := range out {
		// Wrapping arithmetic lands back in range for every element.
		out[i] = vm.IntValue(int64(uint64(start) + uint64(i)*uint64(step)))
	}
	return m.Heap.NewList(out)
}

// rangeLen counts the elements of range(start, stop, step) without
// overflowing. Counts beyond int64 are clamped, which the heap refuses
// anyway.
func rangeLen(start, stop, step int64) int64 {
	var span, stride uint64
	switch {
	case step > 0 && start < stop:
		span, stride = uint64(stop)-uint64(start), uint64(step)
	case step < 0 && start > stop:
		span, stride = uint64(start)-uint64(stop), uint64(-(step+1))+1
	default:
		return 0
	}
	n := (span-1)/stride + 1
	if n > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(n)
}
